// env.go - Environment variable configuration and validation
package conf

import (
	"fmt"
	"math"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// envBinding holds metadata for environment variable bindings (internal use)
type envBinding struct {
	ConfigKey string             // Viper config key
	Validate  func(string) error // Optional validation function
}

// EnvVar returns the environment variable name for the binding.
func (b envBinding) EnvVar() string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(b.ConfigKey, ".", "_"))
}

// getEnvBindings returns the environment variables that are validated before use.
// Every other key is still overridable through AutomaticEnv.
func getEnvBindings() []envBinding {
	return []envBinding{
		{"filter.min_rb", validateEnvFloat},
		{"filter.min_drb", validateEnvFloat},
		{"filter.gaia_rs", validateEnvPositiveFloat},
		{"filter.min_gal_lat", validateEnvFloat},
		{"catalog.url", validateEnvURL},
		{"catalog.max_retries", validateEnvNonNegativeInt},
		{"mpc.url", validateEnvURL},
		{"mqtt.enabled", validateEnvBool},
		{"mqtt.broker", validateEnvURL},
		{"mqtt.username", nil},
		{"mqtt.password", nil},
		{"sentry.enabled", validateEnvBool},
		{"sentry.dsn", nil},
	}
}

// bindEnvVars sets up environment variable bindings with validation (internal)
func bindEnvVars(v *viper.Viper) error {
	var warnings []string

	for _, binding := range getEnvBindings() {
		envVar := binding.EnvVar()
		if err := v.BindEnv(binding.ConfigKey, envVar); err != nil {
			warnings = append(warnings, fmt.Sprintf("failed to bind %s: %v", envVar, err))
			continue
		}

		if binding.Validate == nil {
			continue
		}
		if envValue := os.Getenv(envVar); envValue != "" {
			if err := binding.Validate(envValue); err != nil {
				warnings = append(warnings, fmt.Sprintf("invalid %s value '%s': %v", envVar, envValue, err))
			}
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - "))
	}

	return nil
}

func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(value); err != nil {
		return fmt.Errorf("must be a boolean")
	}
	return nil
}

func validateEnvFloat(value string) error {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(f) {
		return fmt.Errorf("must be a number")
	}
	return nil
}

func validateEnvPositiveFloat(value string) error {
	if err := validateEnvFloat(value); err != nil {
		return err
	}
	if f, _ := strconv.ParseFloat(value, 64); f <= 0 {
		return fmt.Errorf("must be greater than 0")
	}
	return nil
}

func validateEnvNonNegativeInt(value string) error {
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return fmt.Errorf("must be a non-negative integer")
	}
	return nil
}

func validateEnvURL(value string) error {
	u, err := url.Parse(value)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("must be an absolute URL")
	}
	return nil
}

// configureEnvironmentVariables sets up environment variable support for Viper
func configureEnvironmentVariables(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return bindEnvVars(v)
}
