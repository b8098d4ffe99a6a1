package config

import (
	"time"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Config is the root configuration shared by the manager and worker
// services.
type Config struct {
	Prefetch   PrefetchConfig   `mapstructure:"prefetch"   yaml:"prefetch"`
	PostReport PostReportConfig `mapstructure:"postreport" yaml:"postreport"`
	Storage    StorageConfig    `mapstructure:"storage"    yaml:"storage"`
	API        APIConfig        `mapstructure:"api"        yaml:"api"`
	Identity   IdentityConfig   `mapstructure:"identity"   yaml:"identity"`
	Worker     WorkerConfig     `mapstructure:"worker"     yaml:"worker"`
	Server     ServerConfig     `mapstructure:"server"     yaml:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"    yaml:"logging"`

	// SocketTimeout bounds a single fetch end to end.
	SocketTimeout time.Duration `mapstructure:"socket_timeout" yaml:"socket_timeout"`

	// FullQueuePause is how long the worker's queue filler sleeps
	// while its queue is at capacity.
	FullQueuePause time.Duration `mapstructure:"full_queue_pause" yaml:"full_queue_pause"`

	// ManagerURL is the base URL of the manager service.
	ManagerURL string `mapstructure:"manager_url" yaml:"manager_url"`

	// APIKey authenticates this process to the manager.
	APIKey string `mapstructure:"api_key" yaml:"api_key"`

	// AuthorizedKeys is the set of keys the manager accepts.
	AuthorizedKeys []string `mapstructure:"authorized_keys" yaml:"authorized_keys"`
}

// PrefetchConfig controls the manager's prefetch buffer.
type PrefetchConfig struct {
	QueueSize    int           `mapstructure:"queue_size"    yaml:"queue_size"`
	GetTimeout   time.Duration `mapstructure:"get_timeout"   yaml:"get_timeout"`
	SingleLimit  int           `mapstructure:"single_limit"  yaml:"single_limit"`
	CacheTimeout time.Duration `mapstructure:"cache_timeout" yaml:"cache_timeout"`
}

// PostReportConfig controls the manager's report queue and flusher.
type PostReportConfig struct {
	QueueSize  int           `mapstructure:"queue_size"  yaml:"queue_size"`
	FlushSize  int           `mapstructure:"flush_size"  yaml:"flush_size"`
	FlushDelay time.Duration `mapstructure:"flush_delay" yaml:"flush_delay"`
}

// StorageConfig controls the record store connection.
type StorageConfig struct {
	URL            string `mapstructure:"url"             yaml:"url"`
	Database       string `mapstructure:"database"        yaml:"database"`
	MaxConnections int    `mapstructure:"max_connections" yaml:"max_connections"`
}

// APIConfig controls the manager's dispense endpoint.
type APIConfig struct {
	MaxQueueLimit     int `mapstructure:"max_queue_limit"     yaml:"max_queue_limit"`
	MinRevisitMinutes int `mapstructure:"min_revisit_minutes" yaml:"min_revisit_minutes"`
}

// IdentityConfig is how the crawler introduces itself.
type IdentityConfig struct {
	Name      string `mapstructure:"name"       yaml:"name"`
	UserAgent string `mapstructure:"user_agent" yaml:"user_agent"`
}

// WorkerConfig controls the fetch scheduler.
type WorkerConfig struct {
	MaxQueueSize          int    `mapstructure:"max_queue_size"           yaml:"max_queue_size"`
	MaxConnections        int    `mapstructure:"max_connections"          yaml:"max_connections"`
	MaxConnectionsPerHost int    `mapstructure:"max_connections_per_host" yaml:"max_connections_per_host"`
	IoWorkerPath          string `mapstructure:"io_worker_path"           yaml:"io_worker_path"`
}

// ServerConfig controls the manager's HTTP listener.
type ServerConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Prefetch: PrefetchConfig{
			QueueSize:    10,
			GetTimeout:   10 * time.Millisecond,
			SingleLimit:  1000,
			CacheTimeout: 600 * time.Second,
		},
		PostReport: PostReportConfig{
			QueueSize:  1000,
			FlushSize:  100,
			FlushDelay: 2 * time.Second,
		},
		Storage: StorageConfig{
			URL:            "mongodb://localhost:27017",
			Database:       "heroshi",
			MaxConnections: 10,
		},
		API: APIConfig{
			MaxQueueLimit:     1000,
			MinRevisitMinutes: 360,
		},
		Identity: IdentityConfig{
			Name:      "heroshi",
			UserAgent: "HeroshiBot/" + Version + " (+https://github.com/temoto/heroshi)",
		},
		Worker: WorkerConfig{
			MaxQueueSize:          2000,
			MaxConnections:        200,
			MaxConnectionsPerHost: 5,
			IoWorkerPath:          "io-worker",
		},
		Server: ServerConfig{
			Listen: ":8080",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		SocketTimeout:  20 * time.Second,
		FullQueuePause: 10 * time.Second,
		ManagerURL:     "http://localhost:8080",
	}
}
