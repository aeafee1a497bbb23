package filter

import (
	"fmt"
	"slices"

	"github.com/ampelproject/decentfilter/internal/conf"
	"github.com/ampelproject/decentfilter/internal/errors"
)

// Config holds the decision thresholds. It shares its layout with the
// filter section of the configuration file and is never modified after an
// Engine is built from it.
type Config conf.FilterSettings

// ConfigFromSettings validates the filter section of the settings and
// returns an independent copy of it.
func ConfigFromSettings(settings *conf.Settings) (Config, error) {
	if settings == nil {
		return Config{}, errors.ConfigurationError("filter", fmt.Errorf("settings are nil"))
	}
	cfg := Config(settings.Filter)
	cfg.T2Compute = slices.Clone(cfg.T2Compute)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every threshold. A missing threshold shows up as its zero
// value, so callers loading configuration must reject absent keys first,
// as conf.Load does.
func (c *Config) Validate() error {
	if err := conf.ValidateFilterSettings((*conf.FilterSettings)(c)); err != nil {
		return errors.ConfigurationError("filter", err)
	}
	return nil
}

// drbEnabled reports whether the deep real-bogus gate is active.
func (c *Config) drbEnabled() bool {
	return c.MinDRB > 0
}
