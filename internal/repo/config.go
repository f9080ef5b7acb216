package repo

import (
	"sync/atomic"
	"time"
)

// Settings is the runtime configuration snapshot services read at
// request entry. Snapshots are immutable; changes land in a fresh
// snapshot and take effect on the next request.
type Settings struct {
	ServerHost              string        `json:"server_host"`
	ServerPort              int           `json:"server_port"`
	RequestTimeout          time.Duration `json:"request_timeout"`
	GracefulShutdownTimeout time.Duration `json:"graceful_shutdown_timeout"`
	HealthCheckInterval     time.Duration `json:"health_check_interval"`
	SearchDefaultLimit      int           `json:"search_default_limit"`
	DownloadMaxConcurrent   int           `json:"download_max_concurrent"`
	DownloadDestinationDir  string        `json:"download_destination_dir"`
	CacheMaxSizeBytes       int64         `json:"cache_max_size_bytes"`
	CacheDefaultTTL         time.Duration `json:"cache_default_ttl"`
	ProviderRateLimitPerSec int           `json:"provider_rate_limit_per_sec"`
	ProviderEndpoints       []string      `json:"provider_endpoints"`
	UnpaywallEmail          string        `json:"unpaywall_email"`
	EnrichmentParallelism   int           `json:"enrichment_parallelism"`
}

// clone deep-copies the snapshot so a stored pointer is never aliased
// by callers.
func (s *Settings) clone() *Settings {
	c := *s
	c.ProviderEndpoints = append([]string(nil), s.ProviderEndpoints...)
	return &c
}

// ConfigRepo hands out atomic configuration snapshots. Reads are
// lock-free; updates swap the whole snapshot.
type ConfigRepo struct {
	cur atomic.Pointer[Settings]
}

// NewConfigRepo seeds the repository with an initial snapshot.
func NewConfigRepo(initial Settings) *ConfigRepo {
	r := &ConfigRepo{}
	r.cur.Store(initial.clone())
	return r
}

// Snapshot returns the current settings. The returned value is a copy
// and safe to read without coordination.
func (r *ConfigRepo) Snapshot() Settings {
	return *r.cur.Load().clone()
}

// Update applies fn to a copy of the current snapshot and installs the
// result. In-flight requests keep the snapshot they started with.
func (r *ConfigRepo) Update(fn func(*Settings)) {
	for {
		old := r.cur.Load()
		next := old.clone()
		fn(next)
		if r.cur.CompareAndSwap(old, next) {
			return
		}
	}
}
