package config

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticksync.io/internal/protocol"
)

func TestLoad_SessionYAML(t *testing.T) {
	cfg, err := Load("../../configs/session.yaml")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Relay.Players)
	assert.Equal(t, int64(1337), cfg.Session.Seed)

	p := cfg.Params()
	assert.Equal(t, protocol.Tick(0), p.FirstTick)
	assert.Equal(t, uint64(4), p.ExecutionDelay)
	assert.Equal(t, uint64(2), p.HashEvalDistance)
	assert.Equal(t, 15000, p.StallTimeoutMS)
	assert.True(t, p.FreezeProtection)
}

func TestLoad_EmptyPathGivesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.yaml")
	require.NoError(t, os.WriteFile(path, []byte("session:\n  execution_delay: 6\n"), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), cfg.Session.ExecutionDelay)
	assert.Equal(t, uint64(2), cfg.Session.HashEvalDistance)
	assert.Equal(t, 2, cfg.Relay.Players)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"version", func(c *Config) { c.ProtocolVersion = "0.9" }},
		{"tps", func(c *Config) { c.Session.TicksPerSecond = 0 }},
		{"tps too fast", func(c *Config) { c.Session.TicksPerSecond = 1e6 }},
		{"tps inf", func(c *Config) { c.Session.TicksPerSecond = math.Inf(1) }},
		{"tps nan", func(c *Config) { c.Session.TicksPerSecond = math.NaN() }},
		{"execution delay", func(c *Config) { c.Session.ExecutionDelay = 0 }},
		{"hash delay", func(c *Config) { c.Session.HashDelay = 0 }},
		{"hash distance", func(c *Config) { c.Session.HashEvalDistance = 0 }},
		{"stall", func(c *Config) { c.Session.StallTimeoutMS = -1 }},
		{"players", func(c *Config) { c.Relay.Players = 0 }},
		{"budget", func(c *Config) { c.Relay.FrameBurst = 0 }},
		{"frame size", func(c *Config) { c.Relay.MaxFrameBytes = 10 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Defaults()
	cfg.ProtocolVersion = "2.0"
	assert.True(t, errors.Is(cfg.Validate(), protocol.ErrVersionMismatch))
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("session: [1, 2"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
