package config

import (
	"encoding/json"
	"os"

	"github.com/pdcretail/possync/internal/flagx"
	"github.com/pdcretail/possync/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. Durations rely
// on timex.Duration so JSON can specify intervals either as strings like "3s"
// or as integer nanoseconds. Zero values mean "keep the current setting".
type JsonConfig struct {
	ServerBaseURL string   `json:"server_base_url"`
	DatabaseDSN   string   `json:"database_dsn"`
	ProbeEndpoints []string `json:"probe_endpoints"`

	ProbeTimeout  timex.Duration `json:"probe_timeout"`
	ProbeInterval timex.Duration `json:"probe_interval"`
	SlowThreshold timex.Duration `json:"slow_threshold"`

	SlowProbeTimeout  timex.Duration `json:"slow_probe_timeout"`
	SlowProbeInterval timex.Duration `json:"slow_probe_interval"`

	BackoffBase timex.Duration `json:"backoff_base"`
	BackoffCap  timex.Duration `json:"backoff_cap"`

	SyncBatchSize  int            `json:"sync_batch_size"`
	PriorityQuota  float64        `json:"priority_quota"`
	MaxAttempts    int            `json:"max_attempts"`
	RequestTimeout timex.Duration `json:"request_timeout"`

	QueueLimit  int `json:"queue_limit"`
	ArchiveKeep int `json:"archive_keep"`

	SessionLifetime      timex.Duration `json:"session_lifetime"`
	SessionMaxOfflineAge timex.Duration `json:"session_max_offline_age"`
	SessionSigningKey    string         `json:"session_signing_key"`
	PinAttemptsPerMinute int            `json:"pin_attempts_per_minute"`

	CacheTTL timex.Duration `json:"cache_ttl"`

	QuotaBytes   int64          `json:"quota_bytes"`
	RetainSynced timex.Duration `json:"retain_synced"`
	RetainErrors timex.Duration `json:"retain_errors"`
}

// parseJson overlays cfg with values loaded from the JSON file given via the
// -c/-config flags. Missing file path means no JSON layer. Read or unmarshal
// errors panic; the process cannot run with a half-applied config.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	if jc.ServerBaseURL != "" {
		cfg.ServerBaseURL = jc.ServerBaseURL
	}
	if jc.DatabaseDSN != "" {
		cfg.DatabaseDSN = jc.DatabaseDSN
	}
	if len(jc.ProbeEndpoints) > 0 {
		cfg.ProbeEndpoints = jc.ProbeEndpoints
	}
	if jc.ProbeTimeout.Duration > 0 {
		cfg.ProbeTimeout = jc.ProbeTimeout.Duration
	}
	if jc.ProbeInterval.Duration > 0 {
		cfg.ProbeInterval = jc.ProbeInterval.Duration
	}
	if jc.SlowThreshold.Duration > 0 {
		cfg.SlowThreshold = jc.SlowThreshold.Duration
	}
	if jc.SlowProbeTimeout.Duration > 0 {
		cfg.SlowProbeTimeout = jc.SlowProbeTimeout.Duration
	}
	if jc.SlowProbeInterval.Duration > 0 {
		cfg.SlowProbeInterval = jc.SlowProbeInterval.Duration
	}
	if jc.BackoffBase.Duration > 0 {
		cfg.BackoffBase = jc.BackoffBase.Duration
	}
	if jc.BackoffCap.Duration > 0 {
		cfg.BackoffCap = jc.BackoffCap.Duration
	}
	if jc.SyncBatchSize > 0 {
		cfg.SyncBatchSize = jc.SyncBatchSize
	}
	if jc.PriorityQuota > 0 {
		cfg.PriorityQuota = jc.PriorityQuota
	}
	if jc.MaxAttempts > 0 {
		cfg.MaxAttempts = jc.MaxAttempts
	}
	if jc.RequestTimeout.Duration > 0 {
		cfg.RequestTimeout = jc.RequestTimeout.Duration
	}
	if jc.QueueLimit > 0 {
		cfg.QueueLimit = jc.QueueLimit
	}
	if jc.ArchiveKeep > 0 {
		cfg.ArchiveKeep = jc.ArchiveKeep
	}
	if jc.SessionLifetime.Duration > 0 {
		cfg.SessionLifetime = jc.SessionLifetime.Duration
	}
	if jc.SessionMaxOfflineAge.Duration > 0 {
		cfg.SessionMaxOfflineAge = jc.SessionMaxOfflineAge.Duration
	}
	if jc.SessionSigningKey != "" {
		cfg.SessionSigningKey = jc.SessionSigningKey
	}
	if jc.PinAttemptsPerMinute > 0 {
		cfg.PinAttemptsPerMinute = jc.PinAttemptsPerMinute
	}
	if jc.CacheTTL.Duration > 0 {
		cfg.CacheTTL = jc.CacheTTL.Duration
	}
	if jc.QuotaBytes > 0 {
		cfg.QuotaBytes = jc.QuotaBytes
	}
	if jc.RetainSynced.Duration > 0 {
		cfg.RetainSynced = jc.RetainSynced.Duration
	}
	if jc.RetainErrors.Duration > 0 {
		cfg.RetainErrors = jc.RetainErrors.Duration
	}
}
