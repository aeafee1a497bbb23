// conf/validate.go
package conf

import (
	"fmt"
	"maps"
	"math"
	"net"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	if err := ValidateFilterSettings(&settings.Filter); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if err := validateCatalogSettings(&settings.Catalog); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if err := validateMPCSettings(&settings.MPC); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if err := validateMQTTSettings(&settings.MQTT); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if err := validateWebServerSettings(&settings.WebServer); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if err := validateSentrySettings(&settings.Sentry); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if err := validateKilonovaSettings(&settings.Kilonova); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

// ValidateFilterSettings checks the decision thresholds. Negative values are
// legal where they act as "disabled" markers (min_tspan, min_gal_lat,
// min_drb, min_dist_to_sso).
func ValidateFilterSettings(settings *FilterSettings) error {
	var errs []string

	finite := map[string]float64{
		"min_tspan":                settings.MinTspan,
		"max_tspan":                settings.MaxTspan,
		"min_rb":                   settings.MinRB,
		"min_drb":                  settings.MinDRB,
		"max_fwhm":                 settings.MaxFWHM,
		"max_elong":                settings.MaxElong,
		"max_magdiff":              settings.MaxMagDiff,
		"min_dist_to_sso":          settings.MinDistToSSO,
		"min_gal_lat":              settings.MinGalLat,
		"gaia_rs":                  settings.GaiaRS,
		"gaia_pm_signif":           settings.GaiaPMSignif,
		"gaia_plx_signif":          settings.GaiaPlxSignif,
		"gaia_veto_gmag_min":       settings.GaiaVetoGmagMin,
		"gaia_veto_gmag_max":       settings.GaiaVetoGmagMax,
		"gaia_excessnoise_sig_max": settings.GaiaExcessNoiseSigMax,
		"ps1_sgveto_rad":           settings.PS1SgVetoRad,
		"ps1_sgveto_th":            settings.PS1SgVetoTh,
		"ps1_confusion_rad":        settings.PS1ConfusionRad,
		"ps1_confusion_sg_tol":     settings.PS1ConfusionSgTol,
	}
	for _, key := range slices.Sorted(maps.Keys(finite)) {
		if math.IsNaN(finite[key]) || math.IsInf(finite[key], 0) {
			errs = append(errs, fmt.Sprintf("filter.%s must be a finite number", key))
		}
	}

	if settings.MinNdet < 0 {
		errs = append(errs, "filter.min_ndet must be non-negative")
	}
	if settings.MaxNbad < 0 {
		errs = append(errs, "filter.max_nbad must be non-negative")
	}
	if settings.MinTspan >= settings.MaxTspan {
		errs = append(errs, fmt.Sprintf("filter.min_tspan (%g) must be less than filter.max_tspan (%g)", settings.MinTspan, settings.MaxTspan))
	}
	if settings.GaiaRS <= 0 {
		errs = append(errs, "filter.gaia_rs must be greater than 0")
	}
	if settings.GaiaPMSignif < 0 || settings.GaiaPlxSignif < 0 {
		errs = append(errs, "filter.gaia_pm_signif and filter.gaia_plx_signif must be non-negative")
	}
	if settings.GaiaVetoGmagMin > settings.GaiaVetoGmagMax {
		errs = append(errs, fmt.Sprintf("filter.gaia_veto_gmag_min (%g) must not exceed filter.gaia_veto_gmag_max (%g)", settings.GaiaVetoGmagMin, settings.GaiaVetoGmagMax))
	}
	if settings.PS1SgVetoRad < 0 || settings.PS1ConfusionRad < 0 {
		errs = append(errs, "filter.ps1_sgveto_rad and filter.ps1_confusion_rad must be non-negative")
	}
	if strings.TrimSpace(settings.GaiaCatalog) == "" {
		errs = append(errs, "filter.gaia_catalog must not be empty")
	}
	if len(settings.T2Compute) == 0 {
		errs = append(errs, "filter.t2_compute must list at least one tag")
	}
	for i, tag := range settings.T2Compute {
		if strings.TrimSpace(tag) == "" {
			errs = append(errs, fmt.Sprintf("filter.t2_compute[%d] must not be empty", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("filter settings errors: %v", errs)
	}
	return nil
}

func validateCatalogSettings(settings *CatalogSettings) error {
	var errs []string

	if settings.Fixture == "" {
		if u, err := url.Parse(settings.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Sprintf("catalog.url %q must be an absolute URL", settings.URL))
		}
	}
	if settings.Timeout <= 0 {
		errs = append(errs, "catalog.timeout must be greater than 0")
	}
	if settings.CacheTTL < 0 {
		errs = append(errs, "catalog.cache_ttl must be non-negative")
	}
	if settings.RateLimit < 0 || math.IsNaN(settings.RateLimit) {
		errs = append(errs, "catalog.rate_limit must be non-negative")
	}
	if settings.RateLimit > 0 && settings.Burst < 1 {
		errs = append(errs, "catalog.burst must be at least 1 when rate_limit is set")
	}
	if settings.MaxRetries < 0 {
		errs = append(errs, "catalog.max_retries must be non-negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("catalog settings errors: %v", errs)
	}
	return nil
}

func validateMPCSettings(settings *MPCSettings) error {
	var errs []string

	if u, err := url.Parse(settings.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("mpc.url %q must be an absolute URL", settings.URL))
	}
	if !(settings.SearchRadius > 0) {
		errs = append(errs, "mpc.search_radius must be greater than 0")
	}
	if math.IsNaN(settings.MagLimit) || math.IsInf(settings.MagLimit, 0) {
		errs = append(errs, "mpc.mag_limit must be a finite number")
	}
	if settings.Timeout <= 0 {
		errs = append(errs, "mpc.timeout must be greater than 0")
	}
	if settings.CacheTTL < 0 {
		errs = append(errs, "mpc.cache_ttl must be non-negative")
	}
	if settings.RateLimit < 0 || math.IsNaN(settings.RateLimit) {
		errs = append(errs, "mpc.rate_limit must be non-negative")
	}
	if settings.RateLimit > 0 && settings.Burst < 1 {
		errs = append(errs, "mpc.burst must be at least 1 when rate_limit is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("mpc settings errors: %v", errs)
	}
	return nil
}

func validateMQTTSettings(settings *MQTTSettings) error {
	if !settings.Enabled {
		return nil
	}

	var errs []string
	if u, err := url.Parse(settings.Broker); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("mqtt.broker %q must be a URL like tcp://host:1883", settings.Broker))
	}
	if settings.Topic == "" {
		errs = append(errs, "mqtt.topic must not be empty")
	}
	if settings.QoS < 0 || settings.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1 or 2")
	}
	if settings.ConnectTimeout <= 0 || settings.PublishTimeout <= 0 {
		errs = append(errs, "mqtt timeouts must be greater than 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("mqtt settings errors: %v", errs)
	}
	return nil
}

func validateWebServerSettings(settings *WebServerSettings) error {
	if !settings.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(settings.Listen); err != nil {
		return fmt.Errorf("webserver.listen %q must be host:port: %w", settings.Listen, err)
	}
	return nil
}

func validateSentrySettings(settings *SentrySettings) error {
	if settings.Enabled && settings.DSN == "" {
		return fmt.Errorf("sentry.dsn is required when sentry is enabled")
	}
	return nil
}

func validateKilonovaSettings(settings *KilonovaSettings) error {
	var errs []string

	if settings.CosTheta < 0 || settings.CosTheta > 1 {
		errs = append(errs, "kilonova.cos_theta must be within [0, 1]")
	}
	if settings.MejDyn < 0 || settings.MejWind < 0 {
		errs = append(errs, "kilonova ejecta masses must be non-negative")
	}
	switch settings.ExplosionTime {
	case "", StockTriggerTime:
	default:
		if jd, err := strconv.ParseFloat(settings.ExplosionTime, 64); err != nil || math.IsNaN(jd) || math.IsInf(jd, 0) {
			errs = append(errs, fmt.Sprintf("kilonova.explosion_time %q must be empty, StockTriggerTime or a Julian date", settings.ExplosionTime))
		}
	}
	if settings.MaxLoadWait < 0 {
		errs = append(errs, "kilonova.max_load_wait must be non-negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("kilonova settings errors: %v", errs)
	}
	return nil
}
