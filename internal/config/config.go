// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration. Values come from environment
// variables (a .env file is loaded by the entrypoint when present); decision
// policy lives in a separate YAML file at PolicyPath.
type Config struct {
	DBPath       string
	PolicyPath   string
	InboxPath    string
	PidFile      string
	DaemonAddr   string
	PollInterval time.Duration
	TriageLimit  int
	LogLevel     string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	baseDir := getEnv("COMMS_DIR", filepath.Join(home, ".comms"))

	cfg := &Config{
		DBPath:       getEnv("COMMS_DB_PATH", filepath.Join(baseDir, "store.db")),
		PolicyPath:   getEnv("COMMS_POLICY_PATH", filepath.Join(baseDir, "policy.yaml")),
		InboxPath:    getEnv("COMMS_INBOX_PATH", filepath.Join(baseDir, "inbox.json")),
		PidFile:      getEnv("COMMS_PID_FILE", filepath.Join(baseDir, "daemon.pid")),
		DaemonAddr:   getEnv("COMMS_DAEMON_ADDR", "127.0.0.1:7777"),
		PollInterval: getEnvDuration("COMMS_POLL_INTERVAL", 5*time.Second),
		TriageLimit:  getEnvInt("COMMS_TRIAGE_LIMIT", 20),
		LogLevel:     getEnv("COMMS_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("COMMS_DB_PATH cannot be empty")
	}
	if c.PolicyPath == "" {
		return fmt.Errorf("COMMS_POLICY_PATH cannot be empty")
	}
	if c.DaemonAddr == "" {
		return fmt.Errorf("COMMS_DAEMON_ADDR cannot be empty")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("COMMS_POLL_INTERVAL must be > 0")
	}
	if c.TriageLimit <= 0 {
		return fmt.Errorf("COMMS_TRIAGE_LIMIT must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
