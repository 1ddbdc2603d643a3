package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"ticksync.io/internal/lockstep/session"
	"ticksync.io/internal/lockstep/timer"
	"ticksync.io/internal/persistence/indexdb"
	persistlog "ticksync.io/internal/persistence/log"
	"ticksync.io/internal/persistence/snapshot"
	"ticksync.io/internal/protocol"
	"ticksync.io/internal/sim/town"
	"ticksync.io/internal/transport/ws"
)

// Exit codes.
const (
	exitOK          = 0
	exitSessionLost = 1
	exitUsage       = 2
	exitDesync      = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		url       = flag.String("url", "ws://localhost:8080/v1/ws", "relay ws url")
		name      = flag.String("name", "peer", "player name")
		dataDir   = flag.String("data", "", "write the tick log under <data>/<match>/player-<id> (empty to disable)")
		indexPath = flag.String("index", "", "sqlite index path (empty to disable)")
		every     = flag.Int("every", 5, "bot submits input every N ticks")
		ticks     = flag.Uint64("ticks", 0, "stop after this many ticks (0 runs until interrupted)")
		snapEvery = flag.Uint64("snapshot_every", 0, "write a town snapshot every N ticks under the tick log dir (needs -data)")
		tamperAt  = flag.Uint64("tamper_at", 0, "corrupt local state at this tick to provoke a desync (0 disables)")
		frame     = flag.Duration("frame", 5*time.Millisecond, "pump interval")
		verbose   = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()
	if *every < 1 {
		fmt.Fprintln(os.Stderr, "-every must be positive")
		return exitUsage
	}

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Str("component", "peer").Logger()

	reg := protocol.NewCommandRegistry()
	if err := town.RegisterCommands(reg); err != nil {
		logger.Error().Err(err).Msg("register commands")
		return exitUsage
	}
	codec, err := protocol.NewCodec(reg)
	if err != nil {
		logger.Error().Err(err).Msg("codec")
		return exitUsage
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client, err := ws.Dial(ctx, *url, *name, codec, ws.WithLogger(logger))
	if err != nil {
		logger.Error().Err(err).Msg("join relay")
		return exitSessionLost
	}
	defer client.Close()

	start := client.Start()
	local := client.PlayerID()
	logger = logger.With().Str("match", start.MatchID).Uint64("player", uint64(local)).Logger()
	logger.Info().Int("players", len(start.Players)).Float64("tps", start.Params.TicksPerSecond).Msg("match started")

	tw := town.New(start.Params.Seed, start.Players)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	var (
		fatal   error
		snapDir string
	)
	opts := []session.Option{
		session.WithLogger(logger),
		session.OnFatal(func(err error) {
			fatal = err
			stop()
		}),
	}
	if *dataDir != "" {
		dir := filepath.Join(*dataDir, start.MatchID, fmt.Sprintf("player-%d", local))
		tl, err := persistlog.NewTickLogger(dir, persistlog.Header{
			MatchID:     start.MatchID,
			LocalPlayer: local,
			Players:     start.Players,
			Params:      start.Params,
		})
		if err != nil {
			logger.Error().Err(err).Msg("tick log")
			return exitUsage
		}
		defer tl.Close()
		opts = append(opts, session.WithRecorder(tl))
		snapDir = dir
		logger.Info().Str("dir", dir).Msg("recording ticks")
	}
	if *indexPath != "" {
		idx, err := indexdb.OpenSQLite(*indexPath)
		if err != nil {
			logger.Error().Err(err).Msg("index")
			return exitUsage
		}
		defer func() {
			st := idx.Stats()
			if st.DropTickTotal > 0 || st.DropDesyncTotal > 0 {
				logger.Warn().Uint64("ticks", st.DropTickTotal).Uint64("desyncs", st.DropDesyncTotal).Msg("index dropped rows")
			}
			if err := idx.Close(); err != nil {
				logger.Error().Err(err).Msg("close index")
			}
		}()
		writeIndexMeta(ctx, idx, logger, start.MatchID, local)
		opts = append(opts, session.WithRecorder(idx))
	}

	sess, err := session.New(session.ConfigFromParams(start.Params), client, tw, local, start.PlayerIDs(), opts...)
	if err != nil {
		logger.Error().Err(err).Msg("session")
		return exitUsage
	}

	tm := timer.New(timer.Config{
		FirstTick:        start.Params.FirstTick,
		TicksPerSecond:   start.Params.TicksPerSecond,
		FreezeProtection: start.Params.FreezeProtection,
	}, timer.WithLogger(logger))
	sess.Attach(tm)

	bot := town.NewBot(start.Params.Seed, local, start.PlayerIDs(), *every)
	last := start.Params.FirstTick + protocol.Tick(*ticks)
	tm.RegisterHandler(func(tick protocol.Tick) {
		tw.Advance(tick)
		if *tamperAt > 0 && tick == protocol.Tick(*tamperAt) {
			logger.Warn().Uint64("tick", uint64(tick)).Msg("tampering with local state")
			tw.Tamper(local)
		}
		shared, cues := bot.Next(tick)
		for _, c := range shared {
			sess.Execute(c)
		}
		for _, c := range cues {
			sess.ExecuteLocal(c)
		}
		if snapDir != "" && *snapEvery > 0 && tick > start.Params.FirstTick && uint64(tick)%*snapEvery == 0 {
			path := snapshot.Path(snapDir, tick)
			if err := snapshot.WriteSnapshot(path, tw.Export(start.MatchID)); err != nil {
				logger.Error().Err(err).Msg("snapshot write")
			}
		}
		if tick%100 == 0 {
			c, _ := tw.Citizen(local)
			logger.Info().Uint64("tick", uint64(tick)).Int("roads", tw.Roads()).Int("gold", c.Gold).Int("wood", c.Wood).Msg("progress")
		}
		if *ticks > 0 && tick+1 >= last {
			stop()
		}
	})

	_ = tm.Run(runCtx, *frame)

	switch {
	case fatal != nil && session.IsSimulationFatal(fatal):
		var d *session.DesyncError
		if errors.As(fatal, &d) {
			logger.Error().Uint64("tick", uint64(d.Tick)).Interface("hashes", d.Hashes).Msg("desync")
		}
		return exitDesync
	case fatal != nil:
		logger.Error().Err(fatal).Msg("session ended")
		return exitSessionLost
	}
	logger.Info().Uint64("tick", uint64(tm.CurrentTick())).Str("hash", string(tw.CheckupHash())).Msg("stopped")
	return exitOK
}

type metaSetter interface {
	SetMeta(ctx context.Context, key, value string) error
}

// writeIndexMeta labels the index with the match. A failure is logged and
// the session runs on without it. Returns the number of failed writes.
func writeIndexMeta(ctx context.Context, idx metaSetter, logger zerolog.Logger, matchID string, local protocol.PlayerID) int {
	failed := 0
	for _, kv := range [][2]string{{"match_id", matchID}, {"local_player", local.String()}} {
		if err := idx.SetMeta(ctx, kv[0], kv[1]); err != nil {
			logger.Error().Err(err).Str("key", kv[0]).Msg("index meta")
			failed++
		}
	}
	return failed
}
