package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the access manager.
type Config struct {
	// TradingView service-identity credentials
	TVUsername string
	TVPassword string

	// HTTP server settings
	BindAddr         string
	BindCandidates   []string
	PortAutoFallback bool

	// Upstream call behavior
	ProbeTimeoutMS int
	OpTimeoutMS    int

	// Optional CDP cookie fallback for gated logins
	CDPCookieFallback bool
	CDPAddress        string
	CDPPort           int

	// Logging and audit
	LogLevel  string
	LogFile   string
	AuditFile string

	// PineNames maps well-known pine ids to display names for audit entries.
	PineNames map[string]string
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		TVUsername:        os.Getenv("TV_USERNAME"),
		TVPassword:        os.Getenv("TV_PASSWORD"),
		BindAddr:          getEnvOrDefault("ACCESS_BIND_ADDR", "127.0.0.1:5000"),
		BindCandidates:    getEnvListOrDefault("ACCESS_BIND_CANDIDATES", []string{"127.0.0.1:5001", "127.0.0.1:5002"}),
		PortAutoFallback:  getEnvBoolOrDefault("ACCESS_PORT_AUTO_FALLBACK", false),
		ProbeTimeoutMS:    getEnvIntOrDefault("TV_PROBE_TIMEOUT_MS", 8000),
		OpTimeoutMS:       getEnvIntOrDefault("ACCESS_OP_TIMEOUT_MS", 60000),
		CDPCookieFallback: getEnvBoolOrDefault("TV_CDP_COOKIE_FALLBACK", false),
		CDPAddress:        getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:           getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9220),
		LogLevel:          strings.ToLower(getEnvOrDefault("ACCESS_LOG_LEVEL", "info")),
		LogFile:           getEnvOrDefault("ACCESS_LOG_FILE", "logs/tv_access.log"),
		AuditFile:         getEnvOrDefault("ACCESS_AUDIT_FILE", "access-logs.json"),
	}

	if cfg.TVUsername == "" || cfg.TVPassword == "" {
		return nil, fmt.Errorf("TV_USERNAME and TV_PASSWORD must be set")
	}
	if cfg.ProbeTimeoutMS < 1000 {
		cfg.ProbeTimeoutMS = 1000
	}
	if cfg.OpTimeoutMS < 1000 {
		cfg.OpTimeoutMS = 1000
	}

	if raw := os.Getenv("ACCESS_PINE_NAMES"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.PineNames); err != nil {
			return nil, fmt.Errorf("ACCESS_PINE_NAMES must be a JSON object of id to name: %w", err)
		}
	}

	return cfg, nil
}

// CDPURL returns the CDP HTTP endpoint for the cookie fallback.
func (c *Config) CDPURL() string {
	return "http://" + c.CDPAddress + ":" + strconv.Itoa(c.CDPPort)
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvListOrDefault(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
