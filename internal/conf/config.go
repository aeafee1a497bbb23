// config.go: settings struct for decentfilter and functions to load and save it.
package conf

import (
	"bytes"
	"embed"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ampelproject/decentfilter/internal/errors"
	"github.com/ampelproject/decentfilter/internal/logger"
)

//go:embed config.yaml
var configFiles embed.FS

// EnvPrefix is the prefix of environment variables overriding config keys,
// e.g. DECENTFILTER_FILTER_MIN_RB.
const EnvPrefix = "DECENTFILTER"

// FilterSettings holds the alert decision thresholds.
type FilterSettings struct {
	MinNdet               int      `yaml:"min_ndet" mapstructure:"min_ndet"`                                 // minimum detection count
	MinTspan              float64  `yaml:"min_tspan" mapstructure:"min_tspan"`                               // exclusive lower bound of history span, days
	MaxTspan              float64  `yaml:"max_tspan" mapstructure:"max_tspan"`                               // exclusive upper bound of history span, days
	MinRB                 float64  `yaml:"min_rb" mapstructure:"min_rb"`                                     // real-bogus threshold
	MinDRB                float64  `yaml:"min_drb" mapstructure:"min_drb"`                                   // deep real-bogus threshold, <= 0 disables
	MaxFWHM               float64  `yaml:"max_fwhm" mapstructure:"max_fwhm"`                                 // pixels
	MaxElong              float64  `yaml:"max_elong" mapstructure:"max_elong"`                               // elongation
	MaxMagDiff            float64  `yaml:"max_magdiff" mapstructure:"max_magdiff"`                           // |aperture - PSF| magnitude
	MaxNbad               int      `yaml:"max_nbad" mapstructure:"max_nbad"`                                 // bad pixels, validated only
	MinDistToSSO          float64  `yaml:"min_dist_to_sso" mapstructure:"min_dist_to_sso"`                   // arcsec
	MinGalLat             float64  `yaml:"min_gal_lat" mapstructure:"min_gal_lat"`                           // degrees, negative disables
	GaiaCatalog           string   `yaml:"gaia_catalog" mapstructure:"gaia_catalog"`                         // cone search catalog name
	GaiaRS                float64  `yaml:"gaia_rs" mapstructure:"gaia_rs"`                                   // cone search radius, arcsec
	GaiaPMSignif          float64  `yaml:"gaia_pm_signif" mapstructure:"gaia_pm_signif"`                     // proper motion significance
	GaiaPlxSignif         float64  `yaml:"gaia_plx_signif" mapstructure:"gaia_plx_signif"`                   // parallax significance
	GaiaVetoGmagMin       float64  `yaml:"gaia_veto_gmag_min" mapstructure:"gaia_veto_gmag_min"`             // inclusive
	GaiaVetoGmagMax       float64  `yaml:"gaia_veto_gmag_max" mapstructure:"gaia_veto_gmag_max"`             // inclusive
	GaiaExcessNoiseSigMax float64  `yaml:"gaia_excessnoise_sig_max" mapstructure:"gaia_excessnoise_sig_max"` // exclusive
	PS1SgVetoRad          float64  `yaml:"ps1_sgveto_rad" mapstructure:"ps1_sgveto_rad"`                     // arcsec
	PS1SgVetoTh           float64  `yaml:"ps1_sgveto_th" mapstructure:"ps1_sgveto_th"`                       // star-galaxy score
	PS1ConfusionRad       float64  `yaml:"ps1_confusion_rad" mapstructure:"ps1_confusion_rad"`               // arcsec
	PS1ConfusionSgTol     float64  `yaml:"ps1_confusion_sg_tol" mapstructure:"ps1_confusion_sg_tol"`         // max |sgscore - 0.5|
	T2Compute             []string `yaml:"t2_compute" mapstructure:"t2_compute"`                             // tags returned on acceptance
}

// CatalogSettings configures the cone search service.
type CatalogSettings struct {
	URL        string        `yaml:"url" mapstructure:"url"`                 // base URL of the HTTP cone search service
	Fixture    string        `yaml:"fixture" mapstructure:"fixture"`         // static JSON catalog, takes precedence over URL
	Timeout    time.Duration `yaml:"timeout" mapstructure:"timeout"`         // per-request timeout
	CacheTTL   time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`     // 0 disables caching
	RateLimit  float64       `yaml:"rate_limit" mapstructure:"rate_limit"`   // requests per second, 0 = unlimited
	Burst      int           `yaml:"burst" mapstructure:"burst"`             // limiter burst
	MaxRetries int           `yaml:"max_retries" mapstructure:"max_retries"` // transport retries, 0 = none
}

// MPCSettings configures the Minor Planet Center lookup of the latest
// detection.
type MPCSettings struct {
	URL          string        `yaml:"url" mapstructure:"url"`                     // mpcheck form endpoint
	SearchRadius float64       `yaml:"search_radius" mapstructure:"search_radius"` // arcminutes
	MagLimit     float64       `yaml:"mag_limit" mapstructure:"mag_limit"`         // V-band limit
	Timeout      time.Duration `yaml:"timeout" mapstructure:"timeout"`
	CacheTTL     time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`   // 0 disables caching
	RateLimit    float64       `yaml:"rate_limit" mapstructure:"rate_limit"` // requests per second, 0 = unlimited
	Burst        int           `yaml:"burst" mapstructure:"burst"`
}

// MQTTSettings contains settings for forwarding accepted alerts.
type MQTTSettings struct {
	Enabled        bool          `yaml:"enabled" mapstructure:"enabled"`
	Broker         string        `yaml:"broker" mapstructure:"broker"` // tcp://host:port
	Topic          string        `yaml:"topic" mapstructure:"topic"`   // base topic, object ID is appended
	ClientID       string        `yaml:"client_id" mapstructure:"client_id"`
	Username       string        `yaml:"username" mapstructure:"username"`
	Password       string        `yaml:"password" mapstructure:"password"`
	QoS            int           `yaml:"qos" mapstructure:"qos"`
	Retain         bool          `yaml:"retain" mapstructure:"retain"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`
	PublishTimeout time.Duration `yaml:"publish_timeout" mapstructure:"publish_timeout"`
}

// WebServerSettings contains settings for the HTTP API.
type WebServerSettings struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Listen  string `yaml:"listen" mapstructure:"listen"` // host:port
}

// MetricsSettings toggles the Prometheus endpoint.
type MetricsSettings struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// SentrySettings contains settings for error telemetry.
type SentrySettings struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	DSN         string `yaml:"dsn" mapstructure:"dsn"`
	Environment string `yaml:"environment" mapstructure:"environment"`
}

// StockTriggerTime takes the explosion time from the stock info of each
// object instead of a fixed Julian date.
const StockTriggerTime = "StockTriggerTime"

// KilonovaSettings configures the POSSIS model unit.
type KilonovaSettings struct {
	ModelDir          string        `yaml:"model_dir" mapstructure:"model_dir"`
	ModelGen          string        `yaml:"model_gen" mapstructure:"model_gen"`
	MejDyn            float64       `yaml:"mej_dyn" mapstructure:"mej_dyn"`
	MejWind           float64       `yaml:"mej_wind" mapstructure:"mej_wind"`
	Phi               int           `yaml:"phi" mapstructure:"phi"`
	CosTheta          float64       `yaml:"cos_theta" mapstructure:"cos_theta"`
	ApplyMWCorrection bool          `yaml:"apply_mw_correction" mapstructure:"apply_mw_correction"`
	RedshiftKind      string        `yaml:"redshift_kind" mapstructure:"redshift_kind"`
	BackupZ           *float64      `yaml:"backup_z,omitempty" mapstructure:"backup_z"`
	ExplosionTime     string        `yaml:"explosion_time" mapstructure:"explosion_time"` // "", StockTriggerTime or a Julian date
	MaxLoadWait       time.Duration `yaml:"max_load_wait" mapstructure:"max_load_wait"`   // backoff budget on EMFILE
}

// Settings contains all configuration options for decentfilter.
type Settings struct {
	Debug     bool                 `yaml:"debug" mapstructure:"debug"`
	Filter    FilterSettings       `yaml:"filter" mapstructure:"filter"`
	Catalog   CatalogSettings      `yaml:"catalog" mapstructure:"catalog"`
	MPC       MPCSettings          `yaml:"mpc" mapstructure:"mpc"`
	Logging   logger.LoggingConfig `yaml:"logging" mapstructure:"logging"`
	MQTT      MQTTSettings         `yaml:"mqtt" mapstructure:"mqtt"`
	WebServer WebServerSettings    `yaml:"webserver" mapstructure:"webserver"`
	Metrics   MetricsSettings      `yaml:"metrics" mapstructure:"metrics"`
	Sentry    SentrySettings       `yaml:"sentry" mapstructure:"sentry"`
	Kilonova  KilonovaSettings     `yaml:"kilonova" mapstructure:"kilonova"`
}

// requiredFilterKeys must be present in the config file; there are no
// defaults for them.
var requiredFilterKeys = []string{
	"min_ndet", "min_tspan", "max_tspan", "min_rb",
	"max_fwhm", "max_elong", "max_magdiff", "max_nbad",
	"min_dist_to_sso", "min_gal_lat",
	"gaia_rs", "gaia_pm_signif", "gaia_plx_signif",
	"gaia_veto_gmag_min", "gaia_veto_gmag_max", "gaia_excessnoise_sig_max",
	"ps1_sgveto_rad", "ps1_sgveto_th", "ps1_confusion_rad", "ps1_confusion_sg_tol",
	"t2_compute",
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
	configFileUsed   string
)

// Load reads the configuration from configPath, or from the default search
// paths when configPath is empty. A default config file is created when none
// exists. Unknown keys, missing thresholds and out-of-range values are all
// reported as configuration errors.
func Load(configPath string) (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	v := viper.New()
	if err := initViper(v, configPath); err != nil {
		return nil, err
	}

	settings, err := decodeSettings(v)
	if err != nil {
		return nil, err
	}

	settingsInstance = settings
	configFileUsed = v.ConfigFileUsed()
	return settingsInstance, nil
}

// initViper wires defaults, environment overrides and the config file into v.
func initViper(v *viper.Viper, configPath string) error {
	v.SetConfigType("yaml")
	setDefaultConfig(v)

	if err := configureEnvironmentVariables(v); err != nil {
		return errors.ConfigurationError("environment", err)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		configPaths, err := GetDefaultConfigPaths()
		if err != nil {
			return err
		}
		for _, path := range configPaths {
			v.AddConfigPath(path)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath == "" && errors.As(err, &notFound) {
			return createDefaultConfig(v)
		}
		return errors.New(fmt.Errorf("error reading config file: %w", err)).
			Category(errors.CategoryConfiguration).
			Component("configuration").
			Context("operation", "read_config").
			Build()
	}

	return checkKnownFields(v.ConfigFileUsed())
}

// decodeSettings unmarshals and validates the viper state.
func decodeSettings(v *viper.Viper) (*Settings, error) {
	var missing []string
	for _, key := range requiredFilterKeys {
		if !v.IsSet("filter." + key) {
			missing = append(missing, "filter."+key)
		}
	}
	if len(missing) > 0 {
		return nil, errors.ConfigurationError(strings.Join(missing, ","),
			fmt.Errorf("missing required settings: %s", strings.Join(missing, ", ")))
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, errors.ConfigurationError("unmarshal",
			fmt.Errorf("error unmarshaling config into struct: %w", err))
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, errors.ConfigurationError("validate", err)
	}

	return settings, nil
}

// checkKnownFields rejects config files carrying keys the Settings struct
// does not declare.
func checkKnownFields(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path is the config file selected by viper
	if err != nil {
		return errors.New(fmt.Errorf("error reading config file: %w", err)).
			Category(errors.CategoryConfiguration).
			Component("configuration").
			FileContext(path, 0).
			Build()
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var probe Settings
	if err := dec.Decode(&probe); err != nil && !errors.Is(err, io.EOF) {
		return errors.ConfigurationError("schema", fmt.Errorf("invalid config file %s: %w", path, err))
	}
	return nil
}

// createDefaultConfig writes the embedded config.yaml to the user config
// directory and reads it back.
func createDefaultConfig(v *viper.Viper) error {
	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return err
	}
	dir := configPaths[0]
	if len(configPaths) > 1 {
		dir = configPaths[1]
	}
	configPath := filepath.Join(dir, "config.yaml")

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return errors.FileError(fmt.Errorf("error creating directories for config file: %w", err), configPath, 0)
	}

	if err := os.WriteFile(configPath, []byte(getDefaultConfig()), 0o644); err != nil { //nolint:gosec // config is not secret by default
		return errors.FileError(fmt.Errorf("error writing default config file: %w", err), configPath, 0)
	}

	fmt.Println("Created default config file at:", configPath)
	v.SetConfigFile(configPath)
	return v.ReadInConfig()
}

// getDefaultConfig reads the default configuration from the embedded config.yaml file.
func getDefaultConfig() string {
	data, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		panic(fmt.Sprintf("embedded config.yaml missing: %v", err))
	}
	return string(data)
}

// DefaultConfigYAML returns the embedded default configuration.
func DefaultConfigYAML() string {
	return getDefaultConfig()
}

// GetSettings returns the most recently loaded settings, or nil.
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// ConfigFileUsed returns the path of the most recently loaded config file.
func ConfigFileUsed() string {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return configFileUsed
}

// SaveYAMLConfig writes settings to configPath atomically.
// It overwrites the existing file, not preserving comments or structure.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	yamlData, err := MarshalYAML(settings)
	if err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(configPath), "config-*.yaml")
	if err != nil {
		return fmt.Errorf("error creating temporary file: %w", err)
	}
	tempFileName := tempFile.Name()
	defer os.Remove(tempFileName)

	if _, err := tempFile.Write(yamlData); err != nil {
		tempFile.Close()
		return fmt.Errorf("error writing to temporary file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("error closing temporary file: %w", err)
	}

	if err := os.Rename(tempFileName, configPath); err != nil {
		return fmt.Errorf("error replacing config file: %w", err)
	}

	return nil
}

// MarshalYAML renders settings as YAML.
func MarshalYAML(settings *Settings) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(settings); err != nil {
		return nil, fmt.Errorf("error marshaling settings to YAML: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("error marshaling settings to YAML: %w", err)
	}
	return buf.Bytes(), nil
}
