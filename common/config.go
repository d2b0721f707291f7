package common

import "time"

// ServiceConfig carries the runtime configuration for the metrics API
// service. Values are resolved by the CLI layer from flags, environment
// variables and the optional config file, in that order of precedence.
type ServiceConfig struct {
	// Port the HTTP frontend listens on.
	Port string

	// BrokerBackend selects the broker implementation: "file" or "redis".
	BrokerBackend string

	// BrokerDir is the directory holding the broker target files when the
	// file backend is used.
	BrokerDir string

	// RedisURL is the connection URL for the redis broker backend.
	RedisURL string

	// CachePath is the bbolt database file backing the result cache.
	CachePath string

	// DatabaseURL is the PostgreSQL connection string for cohort and
	// revision data.
	DatabaseURL string

	// MaxConcurrentJobs bounds the number of worker goroutines the job
	// controller runs at once.
	MaxConcurrentJobs int

	// JobTimeout is the wall-clock deadline applied to each job.
	JobTimeout time.Duration

	// PollInterval is the sleep between controller and responder cycles.
	PollInterval time.Duration

	// JWTSecret signs tokens for the admin endpoints.
	JWTSecret string

	// DefaultProject is applied to requests that do not name a project.
	DefaultProject string
}

// DefaultServiceConfig returns the configuration defaults applied before
// any external source is consulted.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Port:              "8182",
		BrokerBackend:     "file",
		BrokerDir:         "brokers",
		CachePath:         "api_data.db",
		MaxConcurrentJobs: 2,
		JobTimeout:        10 * time.Minute,
		PollInterval:      time.Second,
		DefaultProject:    "enwiki",
	}
}
