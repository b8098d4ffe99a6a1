package config

import (
	"net/url"

	"github.com/temoto/heroshi/internal/types"
)

// Validate checks the configuration for invalid values. Configuration
// errors are fatal at startup.
func Validate(cfg *Config) error {
	if cfg.Prefetch.QueueSize < 1 {
		return &types.ConfigError{Option: "prefetch.queue_size", Reason: "must be >= 1"}
	}
	if cfg.Prefetch.GetTimeout <= 0 {
		return &types.ConfigError{Option: "prefetch.get_timeout", Reason: "must be > 0"}
	}
	if cfg.Prefetch.SingleLimit < 1 {
		return &types.ConfigError{Option: "prefetch.single_limit", Reason: "must be >= 1"}
	}
	if cfg.Prefetch.CacheTimeout <= 0 {
		return &types.ConfigError{Option: "prefetch.cache_timeout", Reason: "must be > 0"}
	}

	if cfg.PostReport.QueueSize < 1 {
		return &types.ConfigError{Option: "postreport.queue_size", Reason: "must be >= 1"}
	}
	if cfg.PostReport.FlushSize < 1 {
		return &types.ConfigError{Option: "postreport.flush_size", Reason: "must be >= 1"}
	}
	if cfg.PostReport.FlushDelay <= 0 {
		return &types.ConfigError{Option: "postreport.flush_delay", Reason: "must be > 0"}
	}

	if cfg.Storage.MaxConnections < 1 {
		return &types.ConfigError{Option: "storage.max_connections", Reason: "must be >= 1"}
	}

	if cfg.API.MaxQueueLimit < 1 {
		return &types.ConfigError{Option: "api.max_queue_limit", Reason: "must be >= 1"}
	}
	if cfg.API.MinRevisitMinutes < 0 {
		return &types.ConfigError{Option: "api.min_revisit_minutes", Reason: "must be >= 0"}
	}

	if cfg.Worker.MaxQueueSize < 1 {
		return &types.ConfigError{Option: "worker.max_queue_size", Reason: "must be >= 1"}
	}
	if cfg.Worker.MaxConnections < 1 {
		return &types.ConfigError{Option: "worker.max_connections", Reason: "must be >= 1"}
	}
	if cfg.Worker.MaxConnectionsPerHost < 1 {
		return &types.ConfigError{Option: "worker.max_connections_per_host", Reason: "must be >= 1"}
	}

	if cfg.SocketTimeout <= 0 {
		return &types.ConfigError{Option: "socket_timeout", Reason: "must be > 0"}
	}
	if cfg.FullQueuePause <= 0 {
		return &types.ConfigError{Option: "full_queue_pause", Reason: "must be > 0"}
	}

	if cfg.ManagerURL != "" {
		u, err := url.Parse(cfg.ManagerURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return &types.ConfigError{Option: "manager_url", Reason: "must be an absolute URL"}
		}
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[cfg.Logging.Level] {
		return &types.ConfigError{Option: "logging.level", Reason: "must be debug/info/warn/error"}
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		return &types.ConfigError{Option: "logging.format", Reason: "must be 'text' or 'json'"}
	}

	return nil
}
