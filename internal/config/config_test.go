package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestDefaultsRoundTrip(t *testing.T) {
	v := NewViper()
	cfg, err := Load(v, "")
	require.NoError(t, err)

	d := Defaults()
	require.Equal(t, d.Sim.Duration, cfg.Sim.Duration)
	require.Equal(t, 10*time.Second, cfg.Sim.Duration)
	require.Equal(t, d.Sim.Seed, cfg.Sim.Seed)
	require.Equal(t, d.Sim.Start, cfg.Sim.Start)
	require.Equal(t, time.Millisecond, cfg.Links.QuantumDelay)
	require.Equal(t, time.Millisecond, cfg.Links.ClassicalDelay)
	require.Equal(t, 0.05, cfg.Router.ErrorProbability)
	require.Equal(t, 128, cfg.KeyManager.TargetKeyLength)
	require.Equal(t, 10*time.Millisecond, cfg.KeyManager.Tick)
	require.Equal(t, 20, cfg.KeyManager.RevocationKeep)
	require.True(t, cfg.MultiParty.Enabled)
	require.Equal(t, 20*time.Millisecond, cfg.MultiParty.Tick)
	require.Equal(t, 0.9, cfg.MultiParty.Threshold)
	require.Equal(t, 64, cfg.MultiParty.PoolCapacity)
	require.Equal(t, []string{"Alice", "Bob", "Charlie"}, cfg.MultiParty.Parties)
	require.Equal(t, "info", cfg.Log.Level)
	require.False(t, cfg.Tracing.Enabled)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("QKDSIM_SIM_SEED", "77")
	t.Setenv("QKDSIM_ROUTER_ERROR_PROBABILITY", "0")
	t.Setenv("QKDSIM_KEY_MANAGER_TICK", "5ms")

	cfg, err := Load(NewViper(), "")
	require.NoError(t, err)
	require.Equal(t, uint64(77), cfg.Sim.Seed)
	require.Zero(t, cfg.Router.ErrorProbability)
	require.Equal(t, 5*time.Millisecond, cfg.KeyManager.Tick)
}

func TestConfigFileAndFlags(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "qkdsim.yaml")
	yaml := []byte(`
sim:
  duration: 2s
  seed: 9
multi_party:
  threshold: 0.95
  pool_capacity: 0
log:
  format: json
`)
	require.NoError(t, os.WriteFile(file, yaml, 0o600))

	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--seed=12", "--events-out=events.jsonl"}))

	v := NewViper()
	require.NoError(t, BindFlags(v, fs))
	cfg, err := Load(v, file)
	require.NoError(t, err)

	require.Equal(t, 2*time.Second, cfg.Sim.Duration)
	require.Equal(t, uint64(12), cfg.Sim.Seed, "flags override the file")
	require.Equal(t, 0.95, cfg.MultiParty.Threshold)
	require.Zero(t, cfg.MultiParty.PoolCapacity)
	require.Equal(t, "json", cfg.Log.Format)
	require.Equal(t, "events.jsonl", cfg.Events.Output)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(NewViper(), filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	cases := map[string]func(*Config){
		"duration":    func(c *Config) { c.Sim.Duration = 0 },
		"mode":        func(c *Config) { c.Sim.Mode = "warp" },
		"error prob":  func(c *Config) { c.Router.ErrorProbability = 1.1 },
		"target":      func(c *Config) { c.KeyManager.TargetKeyLength = 0 },
		"revocation":  func(c *Config) { c.KeyManager.RevocationProbability = -0.1 },
		"threshold":   func(c *Config) { c.MultiParty.Threshold = 2 },
		"capacity":    func(c *Config) { c.MultiParty.PoolCapacity = -1 },
		"parties":     func(c *Config) { c.MultiParty.Parties = []string{"Alice"} },
		"period":      func(c *Config) { c.Source.Period = -time.Millisecond },
		"delay":       func(c *Config) { c.Links.QuantumDelay = -time.Millisecond },
		"sample rate": func(c *Config) { c.Tracing.SampleRatio = 3 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Defaults()
			mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrInvalid), "err = %v", err)
		})
	}

	cfg := Defaults()
	require.NoError(t, cfg.Validate())
}

func TestObservabilityTracing(t *testing.T) {
	cfg := Defaults()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Endpoint = "collector:4317"
	tc := cfg.ObservabilityTracing()
	require.True(t, tc.Enabled)
	require.Equal(t, "collector:4317", tc.Endpoint)
	require.Equal(t, "qkdsim", tc.ServiceName)
	require.Equal(t, cfg.Sim.Seed, tc.Run.Seed)
	require.Equal(t, "accelerated", tc.Run.Mode)
	require.Equal(t, 10*time.Second, tc.Run.Duration)
	require.True(t, tc.Run.MultiParty)
}

func TestModeIsNormalised(t *testing.T) {
	t.Setenv("QKDSIM_SIM_MODE", "RealTime")

	cfg, err := Load(NewViper(), "")
	require.NoError(t, err)
	require.Equal(t, "realtime", cfg.Sim.Mode)
	require.NoError(t, cfg.Validate())
}
