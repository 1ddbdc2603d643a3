package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"ticksync.io/internal/config"
	"ticksync.io/internal/protocol"
	"ticksync.io/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configPath = flag.String("config", "./configs/session.yaml", "session config (empty for defaults)")
		players    = flag.Int("players", 0, "seats per match (overrides config when > 0)")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Str("component", "relay").Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	if *players > 0 {
		cfg.Relay.Players = *players
	}

	codec, err := protocol.NewCodec(nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("codec")
	}
	relay, err := ws.NewRelay(ws.RelayConfig{
		Players:         cfg.Relay.Players,
		FramesPerSecond: cfg.Relay.FramesPerSecond,
		FrameBurst:      cfg.Relay.FrameBurst,
		MaxFrameBytes:   cfg.Relay.MaxFrameBytes,
		Params:          cfg.Params(),
	}, codec, ws.WithRelayLogger(logger))
	if err != nil {
		logger.Fatal().Err(err).Msg("relay")
	}

	ctx, cancel := signalContext()
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, relay.Stats())
	})
	mux.HandleFunc("/v1/ws", relay.Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Info().Str("addr", *addr).Int("players", cfg.Relay.Players).Float64("tps", cfg.Session.TicksPerSecond).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("ListenAndServe")
	}
}

// Minimal Prometheus exposition format.
func writeMetrics(rw http.ResponseWriter, s ws.RelayStats) {
	fmt.Fprintf(rw, "# HELP ticksync_relay_connections Open websocket connections.\n")
	fmt.Fprintf(rw, "# TYPE ticksync_relay_connections gauge\n")
	fmt.Fprintf(rw, "ticksync_relay_connections %d\n", s.Connections)

	fmt.Fprintf(rw, "# HELP ticksync_relay_matches_started_total Matches that reached START.\n")
	fmt.Fprintf(rw, "# TYPE ticksync_relay_matches_started_total counter\n")
	fmt.Fprintf(rw, "ticksync_relay_matches_started_total %d\n", s.MatchesStarted)

	fmt.Fprintf(rw, "# HELP ticksync_relay_frames_total Packet frames by outcome.\n")
	fmt.Fprintf(rw, "# TYPE ticksync_relay_frames_total counter\n")
	fmt.Fprintf(rw, "ticksync_relay_frames_total{outcome=%q} %d\n", "forwarded", s.FramesForwarded)
	fmt.Fprintf(rw, "ticksync_relay_frames_total{outcome=%q} %d\n", "dropped", s.FramesDropped)
	fmt.Fprintf(rw, "ticksync_relay_frames_total{outcome=%q} %d\n", "spoofed", s.Spoofed)

	fmt.Fprintf(rw, "# HELP ticksync_relay_disconnects_total Peers refused or cut off by the relay.\n")
	fmt.Fprintf(rw, "# TYPE ticksync_relay_disconnects_total counter\n")
	fmt.Fprintf(rw, "ticksync_relay_disconnects_total{reason=%q} %d\n", "rate_limit", s.RateLimited)
	fmt.Fprintf(rw, "ticksync_relay_disconnects_total{reason=%q} %d\n", "rejected", s.Rejected)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
