package main

import (
	"flag"
	"fmt"
	"os"
)

func main() {
	var (
		dir      = flag.String("log", "", "tick log dir (contains session.json and ticks/)")
		snapPath = flag.String("snapshot", "", "start from this .snap.zst instead of the first tick (optional)")
		fromTick = flag.Uint64("from_tick", 0, "start verifying hashes from tick (inclusive, optional)")
		toTick   = flag.Uint64("to_tick", 0, "stop at tick (inclusive, optional)")
	)
	flag.Parse()

	if *dir == "" {
		fmt.Fprintln(os.Stderr, "missing -log")
		os.Exit(2)
	}

	rep, err := replay(*dir, *snapPath, *fromTick, *toTick)
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	fmt.Printf("match=%s player=%d players=%d from_tick=%d ticks=%d commands=%d hashes_checked=%d\n",
		rep.Header.MatchID, rep.Header.LocalPlayer, len(rep.Header.Players), rep.From, rep.Ticks, rep.Commands, rep.Checked)
	for _, d := range rep.Desyncs {
		fmt.Printf("recorded desync at tick %d: %v\n", d.Tick, d.Desync)
	}
	if len(rep.Desyncs) > 0 {
		os.Exit(3)
	}
	fmt.Println("replay ok")
}
