// Package metrics provides constants used across metric definitions.
package metrics

// Operation type constants passed to Recorder implementations.
const (
	// OpEvaluate represents one alert evaluation.
	OpEvaluate = "evaluate"
	// OpGate represents a single gate of the decision chain.
	OpGate = "gate"
	// OpConeSearch represents a catalog cone search.
	OpConeSearch = "cone_search"
	// OpCacheGet represents cache lookups.
	OpCacheGet = "cache_get"
	// OpMPCCheck represents a Minor Planet Center lookup.
	OpMPCCheck = "mpc_check"
	// OpModelLoad represents kilonova model grid loading.
	OpModelLoad = "model_load"
	// OpFit represents a kilonova light curve fit.
	OpFit = "fit"
	// OpConnect represents MQTT broker connection handling.
	OpConnect = "connect"
	// OpPublish represents an MQTT publish.
	OpPublish = "publish"
)

// Status label values.
const (
	StatusSuccess  = "success"
	StatusError    = "error"
	StatusHit      = "hit"
	StatusMiss     = "miss"
	StatusAccepted = "accepted"
	StatusRejected = "rejected"

	StatusMissingInfo = "missing_info"
)

// Histogram bucket configuration constants.
const (
	// BucketStart100us is the starting bucket for 0.1ms histograms (0.1ms to ~400ms range).
	BucketStart100us = 0.0001
	// BucketStart1ms is the starting bucket for 1ms histograms (1ms to ~4s range).
	BucketStart1ms = 0.001
	// BucketStart10ms is the starting bucket for 10ms histograms (10ms to ~40s range).
	BucketStart10ms = 0.01
	// BucketStart64B is the starting bucket for 64 byte histograms.
	BucketStart64B = 64.0

	// BucketFactor2 is the common exponential growth factor of 2 for histogram buckets.
	BucketFactor2 = 2

	// BucketCount10 defines 10 exponential buckets.
	BucketCount10 = 10
	// BucketCount12 defines 12 exponential buckets.
	BucketCount12 = 12
)
