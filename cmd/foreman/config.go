package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all foreman server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath          string `json:"db_path"`
	LogLevel        string `json:"log_level"`
	PoolSize        int    `json:"pool_size"`
	MaxStageRetries int    `json:"max_stage_retries"`
	AbortCeiling    string `json:"abort_ceiling"`    // Go duration, e.g. "1h"
	CleanupSchedule string `json:"cleanup_schedule"` // cron expression
	MaxLoopAge      string `json:"max_loop_age"`     // Go duration, e.g. "24h"
	Persistence     bool   `json:"persistence"`      // mirror state into libsql
}

func defaultConfig() Config {
	return Config{
		DBPath:          filepath.Join(foremanDir(), "foreman.db"),
		LogLevel:        "info",
		PoolSize:        10,
		MaxStageRetries: 3,
		AbortCeiling:    "1h",
		CleanupSchedule: "0 * * * *",
		MaxLoopAge:      "24h",
		Persistence:     true,
	}
}

func foremanDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".foreman"
	}
	return filepath.Join(home, ".foreman")
}

func settingsPath() string {
	return filepath.Join(foremanDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("FOREMAN_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FOREMAN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FOREMAN_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("FOREMAN_MAX_STAGE_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxStageRetries = n
		}
	}
	if v := os.Getenv("FOREMAN_ABORT_CEILING"); v != "" {
		cfg.AbortCeiling = v
	}
	if v := os.Getenv("FOREMAN_CLEANUP_SCHEDULE"); v != "" {
		cfg.CleanupSchedule = v
	}
	if v := os.Getenv("FOREMAN_MAX_LOOP_AGE"); v != "" {
		cfg.MaxLoopAge = v
	}
	if v := os.Getenv("FOREMAN_PERSISTENCE"); v != "" {
		cfg.Persistence = v == "true" || v == "1"
	}

	return cfg
}

// duration parses a config duration string, falling back when invalid.
func duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
