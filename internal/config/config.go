// Package config loads the relay and session parameters from YAML.
package config

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"ticksync.io/internal/lockstep/timer"
	"ticksync.io/internal/protocol"
)

type Config struct {
	ProtocolVersion string `yaml:"protocol_version"`

	Session Session `yaml:"session"`
	Relay   Relay   `yaml:"relay"`
}

// Session is shipped to every peer in START and must be identical everywhere.
type Session struct {
	FirstTickID      uint64  `yaml:"first_tick_id"`
	TicksPerSecond   float64 `yaml:"ticks_per_second"`
	ExecutionDelay   uint64  `yaml:"execution_delay"`
	HashDelay        uint64  `yaml:"hash_delay"`
	HashEvalDistance uint64  `yaml:"hash_eval_distance"`
	FreezeProtection bool    `yaml:"freeze_protection"`
	StallTimeoutMS   int     `yaml:"stall_timeout_ms"`
	Seed             int64   `yaml:"seed"`
}

type Relay struct {
	Players int `yaml:"players"`
	// Inbound frame budget per connection. A peer sends two frames per tick
	// at most, so the default leaves plenty of headroom.
	FramesPerSecond float64 `yaml:"frames_per_second"`
	FrameBurst      int     `yaml:"frame_burst"`
	MaxFrameBytes   int64   `yaml:"max_frame_bytes"`
}

func Defaults() Config {
	return Config{
		ProtocolVersion: protocol.Version,
		Session: Session{
			FirstTickID:      0,
			TicksPerSecond:   10,
			ExecutionDelay:   4,
			HashDelay:        4,
			HashEvalDistance: 2,
			FreezeProtection: true,
			StallTimeoutMS:   0,
			Seed:             1,
		},
		Relay: Relay{
			Players:         2,
			FramesPerSecond: 200,
			FrameBurst:      400,
			MaxFrameBytes:   64 * 1024,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, eris.Wrapf(err, "read %s", path)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, eris.Wrapf(err, "parse %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, eris.Wrapf(err, "%s", path)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.ProtocolVersion != protocol.Version {
		return eris.Wrapf(protocol.ErrVersionMismatch, "protocol_version %q, this build speaks %q", c.ProtocolVersion, protocol.Version)
	}
	s := c.Session
	switch {
	case !(s.TicksPerSecond > 0):
		return eris.New("session.ticks_per_second must be positive")
	case s.TicksPerSecond > timer.MaxTicksPerSecond:
		return eris.Errorf("session.ticks_per_second must be at most %d", timer.MaxTicksPerSecond)
	case s.ExecutionDelay == 0:
		return eris.New("session.execution_delay must be at least 1")
	case s.HashDelay == 0:
		return eris.New("session.hash_delay must be at least 1")
	case s.HashEvalDistance == 0:
		return eris.New("session.hash_eval_distance must be at least 1")
	case s.StallTimeoutMS < 0:
		return eris.New("session.stall_timeout_ms must not be negative")
	}
	r := c.Relay
	switch {
	case r.Players < 1 || r.Players > 64:
		return eris.Errorf("relay.players must be within 1..64, got %d", r.Players)
	case r.FramesPerSecond <= 0 || r.FrameBurst < 1:
		return eris.New("relay frame budget must be positive")
	case r.MaxFrameBytes < 1024:
		return eris.New("relay.max_frame_bytes must be at least 1024")
	}
	return nil
}

// Params is the START payload for these settings.
func (c Config) Params() protocol.SessionParams {
	s := c.Session
	return protocol.SessionParams{
		FirstTick:        protocol.Tick(s.FirstTickID),
		TicksPerSecond:   s.TicksPerSecond,
		ExecutionDelay:   s.ExecutionDelay,
		HashDelay:        s.HashDelay,
		HashEvalDistance: s.HashEvalDistance,
		FreezeProtection: s.FreezeProtection,
		StallTimeoutMS:   s.StallTimeoutMS,
		Seed:             s.Seed,
	}
}
