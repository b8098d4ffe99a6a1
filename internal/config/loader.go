package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from file and environment.
// Priority (highest to lowest): env vars > config file > defaults.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v, cfg)

	v.SetEnvPrefix("HEROSHI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("heroshi")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/heroshi")
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".heroshi"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is okay if not explicitly specified
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// setDefaults registers default values in viper.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("prefetch.queue_size", cfg.Prefetch.QueueSize)
	v.SetDefault("prefetch.get_timeout", cfg.Prefetch.GetTimeout)
	v.SetDefault("prefetch.single_limit", cfg.Prefetch.SingleLimit)
	v.SetDefault("prefetch.cache_timeout", cfg.Prefetch.CacheTimeout)

	v.SetDefault("postreport.queue_size", cfg.PostReport.QueueSize)
	v.SetDefault("postreport.flush_size", cfg.PostReport.FlushSize)
	v.SetDefault("postreport.flush_delay", cfg.PostReport.FlushDelay)

	v.SetDefault("storage.url", cfg.Storage.URL)
	v.SetDefault("storage.database", cfg.Storage.Database)
	v.SetDefault("storage.max_connections", cfg.Storage.MaxConnections)

	v.SetDefault("api.max_queue_limit", cfg.API.MaxQueueLimit)
	v.SetDefault("api.min_revisit_minutes", cfg.API.MinRevisitMinutes)

	v.SetDefault("identity.name", cfg.Identity.Name)
	v.SetDefault("identity.user_agent", cfg.Identity.UserAgent)

	v.SetDefault("worker.max_queue_size", cfg.Worker.MaxQueueSize)
	v.SetDefault("worker.max_connections", cfg.Worker.MaxConnections)
	v.SetDefault("worker.max_connections_per_host", cfg.Worker.MaxConnectionsPerHost)
	v.SetDefault("worker.io_worker_path", cfg.Worker.IoWorkerPath)

	v.SetDefault("server.listen", cfg.Server.Listen)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)

	v.SetDefault("socket_timeout", cfg.SocketTimeout)
	v.SetDefault("full_queue_pause", cfg.FullQueuePause)
	v.SetDefault("manager_url", cfg.ManagerURL)
	v.SetDefault("api_key", cfg.APIKey)
	v.SetDefault("authorized_keys", cfg.AuthorizedKeys)
}
