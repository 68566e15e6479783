package config

import "time"

// Config is the root configuration for the ChatRelay server.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Telegram  TelegramConfig  `json:"telegram"`
	Sessions  SessionsConfig  `json:"sessions"`
	Uploads   UploadsConfig   `json:"uploads"`
	AutoReply AutoReplyConfig `json:"auto_reply"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

// ServerConfig configures the visitor-facing HTTP API.
type ServerConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`

	// RateLimitRPS limits visitor API requests per second per client IP.
	// 0 disables rate limiting.
	RateLimitRPS   float64 `json:"rate_limit_rps,omitempty"`
	RateLimitBurst int     `json:"rate_limit_burst,omitempty"`
}

// DatabaseConfig selects the persistence backend.
// PostgresDSN is NEVER read from the config file (secret) — only from env
// CHATRELAY_POSTGRES_DSN.
type DatabaseConfig struct {
	Driver      string `json:"driver,omitempty"` // "sqlite" (default) or "postgres"
	Path        string `json:"path,omitempty"`   // sqlite database file
	PostgresDSN string `json:"-"`
}

// TelegramConfig configures the agent-side Telegram channel.
// Token comes from env CHATRELAY_TELEGRAM_TOKEN only.
type TelegramConfig struct {
	Token string `json:"-"`
	Proxy string `json:"proxy,omitempty"`

	// DefaultChatID, when set, pre-binds every new web session to this chat so
	// visitor messages are forwarded without an explicit claim.
	DefaultChatID int64 `json:"default_chat_id,omitempty"`
}

// SessionsConfig controls session TTL and reaping.
type SessionsConfig struct {
	TTLDays           int    `json:"ttl_days"`
	ReapIntervalHours int    `json:"reap_interval_hours"`
	ReapSchedule      string `json:"reap_schedule,omitempty"` // cron expression, overrides interval
}

// TTL returns the configured session time-to-live.
func (s SessionsConfig) TTL() time.Duration {
	days := s.TTLDays
	if days <= 0 {
		days = 7
	}
	return time.Duration(days) * 24 * time.Hour
}

// ReapInterval returns the fixed reap interval.
func (s SessionsConfig) ReapInterval() time.Duration {
	hours := s.ReapIntervalHours
	if hours <= 0 {
		hours = 24
	}
	return time.Duration(hours) * time.Hour
}

// UploadsConfig configures the local blob store for visitor file uploads.
type UploadsConfig struct {
	Dir           string `json:"dir"`
	MaxFileSizeMB int64  `json:"max_file_size_mb"`
}

// MaxBytes returns the upload size limit in bytes.
func (u UploadsConfig) MaxBytes() int64 {
	mb := u.MaxFileSizeMB
	if mb <= 0 {
		mb = 20
	}
	return mb * 1024 * 1024
}

// AutoReplyRule maps a set of keywords to a canned reply.
type AutoReplyRule struct {
	Keywords []string `json:"keywords"`
	Reply    string   `json:"reply"`
}

// AutoReplyConfig configures the keyword auto-responder.
type AutoReplyConfig struct {
	// DelayMS is the artificial delay before a canned reply is appended,
	// simulating human response latency.
	DelayMS int `json:"delay_ms,omitempty"`

	// Rules override the built-in defaults when non-empty.
	Rules []AutoReplyRule `json:"rules,omitempty"`

	// RulesFile points at a JSON rules file that is hot-reloaded on change.
	RulesFile string `json:"rules_file,omitempty"`
}

// Delay returns the configured auto-reply delay.
func (a AutoReplyConfig) Delay() time.Duration {
	if a.DelayMS <= 0 {
		return time.Second
	}
	return time.Duration(a.DelayMS) * time.Millisecond
}

// TelemetryConfig configures optional OTLP trace export.
type TelemetryConfig struct {
	Endpoint string `json:"endpoint,omitempty"` // host:port of an OTLP/HTTP collector
	Insecure bool   `json:"insecure,omitempty"`
}
