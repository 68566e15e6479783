package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           3000,
			RateLimitRPS:   5,
			RateLimitBurst: 10,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "~/.chatrelay/chatrelay.db",
		},
		Sessions: SessionsConfig{
			TTLDays:           7,
			ReapIntervalHours: 24,
		},
		Uploads: UploadsConfig{
			Dir:           "~/.chatrelay/uploads",
			MaxFileSizeMB: 20,
		},
		AutoReply: AutoReplyConfig{
			DelayMS: 1000,
		},
	}
}

// Load reads config from a JSON file, then overlays env vars.
// A missing file is not an error — defaults plus env are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("CHATRELAY_TELEGRAM_TOKEN", &c.Telegram.Token)
	envStr("CHATRELAY_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("CHATRELAY_DB_DRIVER", &c.Database.Driver)
	envStr("CHATRELAY_DB_PATH", &c.Database.Path)
	envStr("CHATRELAY_HOST", &c.Server.Host)
	envStr("CHATRELAY_UPLOADS_DIR", &c.Uploads.Dir)
	envStr("CHATRELAY_OTLP_ENDPOINT", &c.Telemetry.Endpoint)

	if v := os.Getenv("CHATRELAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("CHATRELAY_SESSION_TTL_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil && days > 0 {
			c.Sessions.TTLDays = days
		}
	}
	if v := os.Getenv("CHATRELAY_MAX_FILE_SIZE_MB"); v != "" {
		if mb, err := strconv.ParseInt(v, 10, 64); err == nil && mb > 0 {
			c.Uploads.MaxFileSizeMB = mb
		}
	}
	if v := os.Getenv("CHATRELAY_DEFAULT_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Telegram.DefaultChatID = id
		}
	}

	// Postgres DSN in env implies the postgres driver unless explicitly set.
	if c.Database.PostgresDSN != "" && os.Getenv("CHATRELAY_DB_DRIVER") == "" {
		c.Database.Driver = "postgres"
	}
}

// ExpandHome expands a leading "~/" to the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
