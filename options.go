package dawtempo

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EngineOptions carries the handful of knobs that are legitimately
// operator-facing: which evaluation mode to resolve markers with, the
// ticks-per-quarter-note used when packing a tempo map for MIDI, and log
// verbosity. Per-format constants like tempo_quant are not configurable
// here - see SPEC_FULL.md's Design Notes for why.
type EngineOptions struct {
	Theoretical         bool   `validate:"-"`
	TicksPerQuarterNote uint16 `validate:"gte=1"`
	LogLevel            string `validate:"oneof=debug info warn error"`
}

// DefaultEngineOptions returns the options a caller gets if it constructs
// nothing itself: DAW-accurate (non-theoretical) evaluation, 480
// ticks-per-quarter-note (the common MIDI default), warn-level logging.
func DefaultEngineOptions() EngineOptions {
	return EngineOptions{
		Theoretical:         false,
		TicksPerQuarterNote: 480,
		LogLevel:            "warn",
	}
}

var optionsValidator = validator.New()

// Validate checks that o's fields are within the ranges the engine
// supports, returning a descriptive error if not.
func (o EngineOptions) Validate() error {
	if err := optionsValidator.Struct(o); err != nil {
		return fmt.Errorf("invalid EngineOptions: %w", err)
	}
	return nil
}

// LoadEngineOptions reads EngineOptions from the environment and an
// optional config file via viper, starting from DefaultEngineOptions for any
// key left unset. configPath may be empty, in which case only environment
// variables (prefixed DAWTEMPO_) are consulted. The result is validated
// before being returned.
func LoadEngineOptions(configPath string) (EngineOptions, error) {
	opts := DefaultEngineOptions()

	v := viper.New()
	v.SetEnvPrefix("DAWTEMPO")
	v.AutomaticEnv()
	v.SetDefault("theoretical", opts.Theoretical)
	v.SetDefault("ticks_per_quarter_note", opts.TicksPerQuarterNote)
	v.SetDefault("log_level", opts.LogLevel)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return EngineOptions{}, fmt.Errorf("reading config %q: %w", configPath, err)
		}
	}

	opts.Theoretical = v.GetBool("theoretical")
	opts.TicksPerQuarterNote = uint16(v.GetUint32("ticks_per_quarter_note"))
	opts.LogLevel = v.GetString("log_level")

	if err := opts.Validate(); err != nil {
		return EngineOptions{}, err
	}
	return opts, nil
}
