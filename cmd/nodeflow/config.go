package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds the nodeflow runtime configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath            string `json:"db_path"`
	LogLevel          string `json:"log_level"`
	MetricsAddr       string `json:"metrics_addr"`
	PoolSize          int    `json:"pool_size"`
	QueueSize         int    `json:"queue_size"`
	NodeTimeout       string `json:"node_timeout"`
	MaxRetries        int    `json:"max_retries"`
	SchedulerInterval string `json:"scheduler_interval"`
	SMTPHost          string `json:"smtp_host"`
	SMTPPort          int    `json:"smtp_port"`
	SMTPFrom          string `json:"smtp_from"`
}

func defaultConfig() Config {
	return Config{
		DBPath:            filepath.Join(nodeflowDir(), "nodeflow.db"),
		LogLevel:          "info",
		MetricsAddr:       ":9190",
		PoolSize:          8,
		QueueSize:         128,
		NodeTimeout:       "30s",
		MaxRetries:        0,
		SchedulerInterval: "1m",
	}
}

func nodeflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".nodeflow"
	}
	return filepath.Join(home, ".nodeflow")
}

func settingsPath() string {
	return filepath.Join(nodeflowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("NODEFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("NODEFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("NODEFLOW_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("NODEFLOW_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("NODEFLOW_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueSize = n
		}
	}
	if v := os.Getenv("NODEFLOW_NODE_TIMEOUT"); v != "" {
		cfg.NodeTimeout = v
	}
	if v := os.Getenv("NODEFLOW_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRetries = n
		}
	}
	if v := os.Getenv("NODEFLOW_SCHEDULER_INTERVAL"); v != "" {
		cfg.SchedulerInterval = v
	}
	if v := os.Getenv("NODEFLOW_SMTP_HOST"); v != "" {
		cfg.SMTPHost = v
	}
	if v := os.Getenv("NODEFLOW_SMTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SMTPPort = n
		}
	}
	if v := os.Getenv("NODEFLOW_SMTP_FROM"); v != "" {
		cfg.SMTPFrom = v
	}

	return cfg
}

func (c Config) nodeTimeout() time.Duration {
	if d, err := time.ParseDuration(c.NodeTimeout); err == nil && d > 0 {
		return d
	}
	return 30 * time.Second
}

func (c Config) schedulerInterval() time.Duration {
	if d, err := time.ParseDuration(c.SchedulerInterval); err == nil && d > 0 {
		return d
	}
	return time.Minute
}
