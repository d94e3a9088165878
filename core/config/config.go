package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"example.com/clkcal/core/clkcal"
	"example.com/clkcal/core/timescale"
)

// DefaultPeriodMicros is the nominal beacon period used when none is
// configured.
const DefaultPeriodMicros = 1_000_000

var ErrInvalid = errors.New("invalid configuration")

// Config is the TOML configuration of a calibrator. Zero values select the
// defaults of package timescale.
type Config struct {
	PeriodMicros        int64     `toml:"period_us,omitempty"`
	Dynamics            int       `toml:"dynamics,omitempty"`
	SkewObservation     bool      `toml:"skew_observation,omitempty"`
	CounterBits         uint      `toml:"counter_bits,omitempty"`
	CounterFrequency    float64   `toml:"counter_frequency_hz,omitempty"`
	X0                  []float64 `toml:"x0,omitempty"`
	P0                  []float64 `toml:"p0,omitempty"`
	Q                   []float64 `toml:"q,omitempty"`
	R                   []float64 `toml:"r,omitempty"`
	SkewLimit           float64   `toml:"skew_limit,omitempty"`
	HalfPeriodLimit     float64   `toml:"half_period_limit,omitempty"`
	IllConditionedLimit float64   `toml:"ill_conditioned_limit,omitempty"`
	MaxHalfPeriods      int       `toml:"max_half_periods,omitempty"`
	MetricsAddr         string    `toml:"metrics_address,omitempty"`
}

// Decode reads a configuration from r. Unknown keys are rejected.
func Decode(r io.Reader) (Config, error) {
	var cfg Config
	err := toml.NewDecoder(r).DisallowUnknownFields().Decode(&cfg)
	if err != nil {
		return Config{}, err
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads the configuration file at path, or returns the defaults if path
// is empty.
func Load(path string) (Config, error) {
	if path == "" {
		return Decode(bytes.NewReader(nil))
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Decode(bytes.NewReader(raw))
}

func (cfg *Config) setDefaults() {
	if cfg.PeriodMicros == 0 {
		cfg.PeriodMicros = DefaultPeriodMicros
	}
	if cfg.Dynamics == 0 {
		cfg.Dynamics = timescale.DefaultDynamics
	}
	if cfg.X0 == nil && (cfg.Dynamics == 2 || cfg.Dynamics == 3) {
		cfg.X0 = []float64{0, 1, 0}[:cfg.Dynamics]
	}
}

// Validate checks the settings that do not depend on the estimator.
// Estimator settings are checked when the calibrator is created.
func (cfg *Config) Validate() error {
	switch {
	case cfg.PeriodMicros <= 0:
		return fmt.Errorf("%w: period_us %d", ErrInvalid, cfg.PeriodMicros)
	case cfg.Dynamics != 2 && cfg.Dynamics != 3:
		return fmt.Errorf("%w: dynamics %d", ErrInvalid, cfg.Dynamics)
	case len(cfg.X0) != cfg.Dynamics:
		return fmt.Errorf("%w: x0 %v for %d states", ErrInvalid, cfg.X0, cfg.Dynamics)
	case cfg.P0 != nil && len(cfg.P0) != cfg.Dynamics:
		return fmt.Errorf("%w: p0 %v for %d states", ErrInvalid, cfg.P0, cfg.Dynamics)
	case cfg.Q != nil && len(cfg.Q) != cfg.Dynamics:
		return fmt.Errorf("%w: q %v for %d states", ErrInvalid, cfg.Q, cfg.Dynamics)
	case cfg.MaxHalfPeriods < 0:
		return fmt.Errorf("%w: max_half_periods %d", ErrInvalid, cfg.MaxHalfPeriods)
	}
	return nil
}

func (cfg *Config) Period() time.Duration {
	return time.Duration(cfg.PeriodMicros) * time.Microsecond
}

// Calibrator returns the calibrator configuration described by cfg.
func (cfg *Config) Calibrator() clkcal.Config {
	return clkcal.Config{
		Period: cfg.Period(),
		Timescale: timescale.Config{
			Dynamics:            cfg.Dynamics,
			SkewObservation:     cfg.SkewObservation,
			CounterBits:         cfg.CounterBits,
			CounterFrequency:    cfg.CounterFrequency,
			P0:                  cfg.P0,
			Q:                   cfg.Q,
			R:                   cfg.R,
			SkewLimit:           cfg.SkewLimit,
			HalfPeriodLimit:     cfg.HalfPeriodLimit,
			IllConditionedLimit: cfg.IllConditionedLimit,
		},
		X0:             cfg.X0,
		MaxHalfPeriods: cfg.MaxHalfPeriods,
	}
}
