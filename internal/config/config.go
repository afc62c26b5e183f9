// Package config holds runtime settings for the offline sync engine.
// Values are resolved defaults -> JSON file -> command-line flags, with later
// sources taking precedence.
package config

import "time"

// Config is the full configuration surface consumed by the engine components.
//
// Durations are time.Duration; sizes are bytes.
type Config struct {
	// ServerBaseURL is the base URL of the central sync API.
	ServerBaseURL string
	// DatabaseDSN is the SQLite DSN of the durable store.
	DatabaseDSN string

	// ProbeEndpoints are reachability probe URLs. At least two independently
	// routed endpoints are required so an application-layer outage on one is
	// not mistaken for a network outage.
	ProbeEndpoints []string
	// ProbeTimeout bounds a single reachability probe.
	ProbeTimeout time.Duration
	// ProbeInterval is the polling cadence while the link is healthy.
	ProbeInterval time.Duration
	// SlowThreshold: round-trips above this classify the link as Slow.
	SlowThreshold time.Duration
	// SlowProbeTimeout and SlowProbeInterval replace the base probe timeout
	// and cadence while the link is classified Slow.
	SlowProbeTimeout  time.Duration
	SlowProbeInterval time.Duration

	// BackoffBase and BackoffCap bound the monitor/retry exponential backoff.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// SyncBatchSize is the max number of queue items per drain batch.
	SyncBatchSize int
	// PriorityQuota is the fraction of a batch reserved for the highest
	// priority tier present (0..1).
	PriorityQuota float64
	// MaxAttempts caps submission retries before an item goes dead-letter.
	MaxAttempts int
	// RequestTimeout bounds a single sync submission.
	RequestTimeout time.Duration

	// QueueLimit bounds the number of queued items; exceeding it triggers
	// archival of old completed work and a recorded overflow.
	QueueLimit int
	// ArchiveKeep is how many queued items survive an overflow archival pass.
	ArchiveKeep int

	// SessionLifetime is the validity window of a session from creation.
	SessionLifetime time.Duration
	// SessionMaxOfflineAge bounds how long a session may be restored without
	// any successful online re-authentication.
	SessionMaxOfflineAge time.Duration
	// SessionSigningKey signs the locally issued session token.
	SessionSigningKey string
	// PinAttemptsPerMinute rate-limits offline PIN verification per user.
	PinAttemptsPerMinute int

	// CacheTTL is the freshness window for cached reference data.
	CacheTTL time.Duration

	// QuotaBytes bounds the on-disk size of the store; 0 disables the check.
	QuotaBytes int64
	// RetainSynced / RetainErrors are retention windows for completed queue
	// items and for the error log.
	RetainSynced time.Duration
	RetainErrors time.Duration
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerBaseURL = "http://127.0.0.1:8080"
	c.DatabaseDSN = "possync.db"

	c.ProbeEndpoints = []string{
		"http://127.0.0.1:8080/api/v1/probe",
		"http://connectivity-check.gstatic.com/generate_204",
	}
	c.ProbeTimeout = 3 * time.Second
	c.ProbeInterval = 5 * time.Second
	c.SlowThreshold = 1500 * time.Millisecond
	c.SlowProbeTimeout = 6 * time.Second
	c.SlowProbeInterval = 10 * time.Second

	c.BackoffBase = 2 * time.Second
	c.BackoffCap = time.Minute

	c.SyncBatchSize = 20
	c.PriorityQuota = 0.3
	c.MaxAttempts = 5
	c.RequestTimeout = 10 * time.Second

	c.QueueLimit = 1000
	c.ArchiveKeep = 500

	c.SessionLifetime = 8 * time.Hour
	c.SessionMaxOfflineAge = 24 * time.Hour
	c.SessionSigningKey = "change-me"
	c.PinAttemptsPerMinute = 5

	c.CacheTTL = 15 * time.Minute

	c.QuotaBytes = 256 << 20
	c.RetainSynced = 7 * 24 * time.Hour
	c.RetainErrors = 3 * 24 * time.Hour
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON (if present) and command-line flags (if present).
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
