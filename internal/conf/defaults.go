// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// DefaultMPCURL is the Minor Planet Center checker form.
const DefaultMPCURL = "https://cgi.minorplanetcenter.net/cgi-bin/mpcheck.cgi"

// DefaultGaiaCatalog is the catalog queried by the star veto.
const DefaultGaiaCatalog = "GAIADR2"

// setDefaultConfig sets defaults for optional keys. The mandatory filter
// thresholds have no defaults so that a missing key is detectable.
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("filter.min_drb", 0.0)
	v.SetDefault("filter.gaia_catalog", DefaultGaiaCatalog)

	v.SetDefault("catalog.url", "http://localhost:8000")
	v.SetDefault("catalog.fixture", "")
	v.SetDefault("catalog.timeout", 10*time.Second)
	v.SetDefault("catalog.cache_ttl", 10*time.Minute)
	v.SetDefault("catalog.rate_limit", 0.0)
	v.SetDefault("catalog.burst", 1)
	v.SetDefault("catalog.max_retries", 0)

	v.SetDefault("mpc.url", DefaultMPCURL)
	v.SetDefault("mpc.search_radius", 1.0)
	v.SetDefault("mpc.mag_limit", 22.0)
	v.SetDefault("mpc.timeout", 30*time.Second)
	v.SetDefault("mpc.cache_ttl", time.Hour)
	v.SetDefault("mpc.rate_limit", 1.0)
	v.SetDefault("mpc.burst", 1)

	v.SetDefault("logging.default_level", "info")
	v.SetDefault("logging.timezone", "UTC")
	v.SetDefault("logging.console.enabled", true)
	v.SetDefault("logging.console.level", "info")
	v.SetDefault("logging.file_output.enabled", false)
	v.SetDefault("logging.file_output.path", "logs/decentfilter.log")
	v.SetDefault("logging.file_output.level", "debug")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.topic", "decentfilter/accepted")
	v.SetDefault("mqtt.client_id", "decentfilter")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.retain", false)
	v.SetDefault("mqtt.connect_timeout", 30*time.Second)
	v.SetDefault("mqtt.publish_timeout", 10*time.Second)

	v.SetDefault("webserver.enabled", true)
	v.SetDefault("webserver.listen", "127.0.0.1:8080")

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("sentry.enabled", false)
	v.SetDefault("sentry.environment", "production")

	v.SetDefault("kilonova.model_dir", "models/possis")
	v.SetDefault("kilonova.model_gen", "2021")
	v.SetDefault("kilonova.apply_mw_correction", true)
	v.SetDefault("kilonova.explosion_time", StockTriggerTime)
	v.SetDefault("kilonova.max_load_wait", 300*time.Second)
}
