// Package config loads simulator settings from defaults, an optional YAML
// file, QKDSIM_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/signalsfoundry/qkd-network-simulator/internal/observability"
	"github.com/signalsfoundry/qkd-network-simulator/timectrl"
)

// EnvPrefix prefixes every environment override, e.g. QKDSIM_SIM_SEED.
const EnvPrefix = "QKDSIM"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Sim        SimConfig
	Links      LinkConfig
	Router     RouterConfig
	KeyManager KeyManagerConfig
	MultiParty MultiPartyConfig
	Source     SourceConfig
	Events     EventsConfig
	Log        LogConfig
	Metrics    MetricsConfig
	Tracing    TracingConfig
}

type SimConfig struct {
	Duration time.Duration
	Seed     uint64
	Mode     string
	Pace     float64
	Start    time.Time
}

type LinkConfig struct {
	QuantumDelay   time.Duration
	ClassicalDelay time.Duration
}

type RouterConfig struct {
	ErrorProbability float64
}

type KeyManagerConfig struct {
	TargetKeyLength       int
	Tick                  time.Duration
	RevocationProbability float64
	RekeyWindow           int
	RevocationKeep        int
}

type MultiPartyConfig struct {
	Enabled      bool
	Tick         time.Duration
	Threshold    float64
	PoolCapacity int
	Parties      []string
}

type SourceConfig struct {
	Period time.Duration
}

type EventsConfig struct {
	History int
	Output  string
}

type LogConfig struct {
	Level  string
	Format string
}

type MetricsConfig struct {
	Addr string
}

type TracingConfig struct {
	Enabled     bool
	Exporter    string
	ServiceName string
	Endpoint    string
	SampleRatio float64
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Sim: SimConfig{
			Duration: timectrl.Units(10),
			Seed:     1,
			Mode:     timectrl.Accelerated.String(),
			Pace:     1,
			Start:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		Links: LinkConfig{
			QuantumDelay:   timectrl.Units(1e-3),
			ClassicalDelay: timectrl.Units(1e-3),
		},
		Router: RouterConfig{ErrorProbability: 0.05},
		KeyManager: KeyManagerConfig{
			TargetKeyLength:       128,
			Tick:                  timectrl.Units(0.01),
			RevocationProbability: 0.05,
			RekeyWindow:           10,
			RevocationKeep:        20,
		},
		MultiParty: MultiPartyConfig{
			Enabled:      true,
			Tick:         timectrl.Units(0.02),
			Threshold:    0.9,
			PoolCapacity: 64,
			Parties:      []string{"Alice", "Bob", "Charlie"},
		},
		Source: SourceConfig{Period: timectrl.Units(0.05)},
		Events: EventsConfig{History: 0},
		Log:    LogConfig{Level: "info", Format: "text"},
		Tracing: TracingConfig{
			Exporter:    "stdout",
			ServiceName: "qkdsim",
			SampleRatio: 1,
		},
	}
}

// SetDefaults registers every key with its default value so that Unmarshal,
// env lookups and flag binding all see the full key set.
func SetDefaults(v *viper.Viper) {
	d := Defaults()

	v.SetDefault("sim.duration", d.Sim.Duration)
	v.SetDefault("sim.seed", d.Sim.Seed)
	v.SetDefault("sim.mode", d.Sim.Mode)
	v.SetDefault("sim.pace", d.Sim.Pace)
	v.SetDefault("sim.start", d.Sim.Start.Format(time.RFC3339))

	v.SetDefault("links.quantum_delay", d.Links.QuantumDelay)
	v.SetDefault("links.classical_delay", d.Links.ClassicalDelay)

	v.SetDefault("router.error_probability", d.Router.ErrorProbability)

	v.SetDefault("key_manager.target_key_length", d.KeyManager.TargetKeyLength)
	v.SetDefault("key_manager.tick", d.KeyManager.Tick)
	v.SetDefault("key_manager.revocation_probability", d.KeyManager.RevocationProbability)
	v.SetDefault("key_manager.rekey_window", d.KeyManager.RekeyWindow)
	v.SetDefault("key_manager.revocation_keep", d.KeyManager.RevocationKeep)

	v.SetDefault("multi_party.enabled", d.MultiParty.Enabled)
	v.SetDefault("multi_party.tick", d.MultiParty.Tick)
	v.SetDefault("multi_party.threshold", d.MultiParty.Threshold)
	v.SetDefault("multi_party.pool_capacity", d.MultiParty.PoolCapacity)
	v.SetDefault("multi_party.parties", d.MultiParty.Parties)

	v.SetDefault("source.period", d.Source.Period)

	v.SetDefault("events.history", d.Events.History)
	v.SetDefault("events.output", d.Events.Output)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("metrics.addr", d.Metrics.Addr)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.sample_ratio", d.Tracing.SampleRatio)
}

// NewViper returns a viper instance with defaults and environment binding.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// flagKeys maps command-line flags to the viper keys they override.
var flagKeys = map[string]string{
	"duration":          "sim.duration",
	"seed":              "sim.seed",
	"mode":              "sim.mode",
	"pace":              "sim.pace",
	"error-probability": "router.error_probability",
	"target-key-length": "key_manager.target_key_length",
	"multi-party":       "multi_party.enabled",
	"threshold":         "multi_party.threshold",
	"pool-capacity":     "multi_party.pool_capacity",
	"source-period":     "source.period",
	"events-out":        "events.output",
	"log-level":         "log.level",
	"log-format":        "log.format",
	"metrics-addr":      "metrics.addr",
}

// RegisterFlags declares the run flags on fs.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Defaults()
	fs.Duration("duration", d.Sim.Duration, "simulated run length")
	fs.Uint64("seed", d.Sim.Seed, "random seed")
	fs.String("mode", d.Sim.Mode, "clock mode: accelerated or realtime")
	fs.Float64("pace", d.Sim.Pace, "wall seconds per simulated second in realtime mode")
	fs.Float64("error-probability", d.Router.ErrorProbability, "per-copy bit-flip probability in the router's error corrector")
	fs.Int("target-key-length", d.KeyManager.TargetKeyLength, "key bits each endpoint accumulates before stopping")
	fs.Bool("multi-party", d.MultiParty.Enabled, "run the multi-party GHZ distribution")
	fs.Float64("threshold", d.MultiParty.Threshold, "minimum fidelity for a GHZ state to be recycled")
	fs.Int("pool-capacity", d.MultiParty.PoolCapacity, "entanglement pool bound, 0 for unbounded")
	fs.Duration("source-period", d.Source.Period, "photon emission period at each endpoint, 0 disables")
	fs.String("events-out", d.Events.Output, "write the event log as JSON lines to this file")
	fs.String("log-level", d.Log.Level, "debug, info, warn or error")
	fs.String("log-format", d.Log.Format, "text or json")
	fs.String("metrics-addr", d.Metrics.Addr, "serve Prometheus metrics on this address during the run")
}

// BindFlags binds the flags declared by RegisterFlags to their viper keys.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return oops.Wrapf(err, "bind flag %q", name)
		}
	}
	return nil
}

// Load reads file (when non-empty) into v and returns the validated config.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, oops.Wrapf(err, "read config file %s", file)
		}
	}
	cfg, err := FromViper(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromViper builds a Config from the current viper settings without
// validating it.
func FromViper(v *viper.Viper) (*Config, error) {
	start, err := time.Parse(time.RFC3339, v.GetString("sim.start"))
	if err != nil {
		return nil, oops.Wrapf(ErrInvalid, "sim.start: %v", err)
	}
	return &Config{
		Sim: SimConfig{
			Duration: v.GetDuration("sim.duration"),
			Seed:     v.GetUint64("sim.seed"),
			Mode:     strings.ToLower(strings.TrimSpace(v.GetString("sim.mode"))),
			Pace:     v.GetFloat64("sim.pace"),
			Start:    start.UTC(),
		},
		Links: LinkConfig{
			QuantumDelay:   v.GetDuration("links.quantum_delay"),
			ClassicalDelay: v.GetDuration("links.classical_delay"),
		},
		Router: RouterConfig{
			ErrorProbability: v.GetFloat64("router.error_probability"),
		},
		KeyManager: KeyManagerConfig{
			TargetKeyLength:       v.GetInt("key_manager.target_key_length"),
			Tick:                  v.GetDuration("key_manager.tick"),
			RevocationProbability: v.GetFloat64("key_manager.revocation_probability"),
			RekeyWindow:           v.GetInt("key_manager.rekey_window"),
			RevocationKeep:        v.GetInt("key_manager.revocation_keep"),
		},
		MultiParty: MultiPartyConfig{
			Enabled:      v.GetBool("multi_party.enabled"),
			Tick:         v.GetDuration("multi_party.tick"),
			Threshold:    v.GetFloat64("multi_party.threshold"),
			PoolCapacity: v.GetInt("multi_party.pool_capacity"),
			Parties:      v.GetStringSlice("multi_party.parties"),
		},
		Source: SourceConfig{
			Period: v.GetDuration("source.period"),
		},
		Events: EventsConfig{
			History: v.GetInt("events.history"),
			Output:  v.GetString("events.output"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Metrics: MetricsConfig{
			Addr: v.GetString("metrics.addr"),
		},
		Tracing: TracingConfig{
			Enabled:     v.GetBool("tracing.enabled"),
			Exporter:    strings.ToLower(v.GetString("tracing.exporter")),
			ServiceName: v.GetString("tracing.service_name"),
			Endpoint:    v.GetString("tracing.endpoint"),
			SampleRatio: v.GetFloat64("tracing.sample_ratio"),
		},
	}, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	switch {
	case c.Sim.Duration <= 0:
		return oops.Wrapf(ErrInvalid, "sim.duration must be positive, got %s", c.Sim.Duration)
	case c.Sim.Pace <= 0:
		return oops.Wrapf(ErrInvalid, "sim.pace must be positive, got %g", c.Sim.Pace)
	case !validMode(c.Sim.Mode):
		return oops.Wrapf(ErrInvalid, "sim.mode %q is not accelerated or realtime", c.Sim.Mode)
	case c.Links.QuantumDelay < 0 || c.Links.ClassicalDelay < 0:
		return oops.Wrapf(ErrInvalid, "link delays must not be negative")
	case !isProbability(c.Router.ErrorProbability):
		return oops.Wrapf(ErrInvalid, "router.error_probability %g outside [0,1]", c.Router.ErrorProbability)
	case c.KeyManager.TargetKeyLength <= 0:
		return oops.Wrapf(ErrInvalid, "key_manager.target_key_length must be positive, got %d", c.KeyManager.TargetKeyLength)
	case c.KeyManager.Tick <= 0:
		return oops.Wrapf(ErrInvalid, "key_manager.tick must be positive, got %s", c.KeyManager.Tick)
	case !isProbability(c.KeyManager.RevocationProbability):
		return oops.Wrapf(ErrInvalid, "key_manager.revocation_probability %g outside [0,1]", c.KeyManager.RevocationProbability)
	case c.KeyManager.RekeyWindow <= 0 || c.KeyManager.RevocationKeep <= 0:
		return oops.Wrapf(ErrInvalid, "key_manager.rekey_window and revocation_keep must be positive")
	case c.MultiParty.Tick <= 0:
		return oops.Wrapf(ErrInvalid, "multi_party.tick must be positive, got %s", c.MultiParty.Tick)
	case !isProbability(c.MultiParty.Threshold):
		return oops.Wrapf(ErrInvalid, "multi_party.threshold %g outside [0,1]", c.MultiParty.Threshold)
	case c.MultiParty.PoolCapacity < 0:
		return oops.Wrapf(ErrInvalid, "multi_party.pool_capacity must not be negative, got %d", c.MultiParty.PoolCapacity)
	case len(c.MultiParty.Parties) != 3:
		return oops.Wrapf(ErrInvalid, "multi_party.parties needs exactly 3 names, got %d", len(c.MultiParty.Parties))
	case c.Source.Period < 0:
		return oops.Wrapf(ErrInvalid, "source.period must not be negative, got %s", c.Source.Period)
	case c.Events.History < 0:
		return oops.Wrapf(ErrInvalid, "events.history must not be negative, got %d", c.Events.History)
	case !isProbability(c.Tracing.SampleRatio):
		return oops.Wrapf(ErrInvalid, "tracing.sample_ratio %g outside [0,1]", c.Tracing.SampleRatio)
	}
	return nil
}

// ObservabilityTracing converts the tracing section for observability.InitTracing.
func (c *Config) ObservabilityTracing() observability.TracingConfig {
	return observability.TracingConfig{
		Enabled:     c.Tracing.Enabled,
		ServiceName: c.Tracing.ServiceName,
		Exporter:    c.Tracing.Exporter,
		Endpoint:    c.Tracing.Endpoint,
		SampleRatio: c.Tracing.SampleRatio,
		Run: observability.RunAttributes{
			Seed:       c.Sim.Seed,
			Mode:       timectrl.ParseMode(c.Sim.Mode).String(),
			Duration:   c.Sim.Duration,
			MultiParty: c.MultiParty.Enabled,
		},
	}
}

func isProbability(p float64) bool { return p >= 0 && p <= 1 }

func validMode(s string) bool {
	switch strings.ToLower(s) {
	case "accelerated", "realtime", "real-time":
		return true
	}
	return false
}
