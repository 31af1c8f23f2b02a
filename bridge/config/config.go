// Package config handles bridge configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// GenerateRandomSecret returns a cryptographically random 64-character hex
// string suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level bridge configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth,omitempty"`
	Storage   StorageConfig   `json:"storage"`
	Backend   BackendConfig   `json:"backend"`
	Session   SessionConfig   `json:"session"`
	Outbound  OutboundConfig  `json:"outbound"`
	History   HistoryConfig   `json:"history,omitempty"`
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// ServerConfig defines the bridge's listener settings.
type ServerConfig struct {
	Addr            string   `json:"addr"` // e.g. ":3000"
	TLSCert         string   `json:"tls_cert,omitempty"`
	TLSKey          string   `json:"tls_key,omitempty"`
	AllowedOrigins  []string `json:"allowed_origins,omitempty"` // CORS + WS origins; default ["*"]
	MaxBodyBytes    int64    `json:"max_body_bytes,omitempty"`  // max request body size; default 1MB
	MaxClientBytes  int64    `json:"max_client_bytes,omitempty"` // max WS frame from a client; default 64KB
}

// AuthConfig defines client authentication. Leaving the secret empty keeps
// the bridge open to anonymous clients.
type AuthConfig struct {
	JWTSecret    string        `json:"jwt_secret,omitempty"`
	JWTExpiry    Duration      `json:"jwt_expiry,omitempty"`
	InitialAdmin *InitialAdmin `json:"initial_admin,omitempty"`
}

// InitialAdmin is used to bootstrap the first admin user.
type InitialAdmin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver    string   `json:"driver"`              // "sqlite" (default) or "postgres"
	DSN       string   `json:"dsn"`                 // e.g. "wabridge.db" or ":memory:"
	Retention Duration `json:"retention,omitempty"` // archive + audit retention
}

// BackendConfig points the bridge at the automation engine it drives.
type BackendConfig struct {
	EngineURL      string   `json:"engine_url"`                // e.g. "ws://127.0.0.1:8466/ws/engine"
	Token          string   `json:"token,omitempty"`           // bearer token sent on dial
	TLSSkipVerify  bool     `json:"tls_skip_verify,omitempty"` // development only
	RequestTimeout Duration `json:"request_timeout,omitempty"` // per engine call; default 30s
}

// SessionConfig governs the per-user session state machine.
type SessionConfig struct {
	QRMaxRetries   int      `json:"qr_max_retries,omitempty"`  // challenge cap; default 10
	ReconnectDelay Duration `json:"reconnect_delay,omitempty"` // default 5s
}

// OutboundConfig governs recipient canonicalization for outbound sends.
type OutboundConfig struct {
	CountryCode string `json:"country_code,omitempty"` // e.g. "972"
	TrunkPrefix string `json:"trunk_prefix,omitempty"` // leading digit replaced by country code; default "0"
	PhoneDomain string `json:"phone_domain,omitempty"` // backend address suffix; default "c.us"
}

// HistoryConfig governs the time-windowed history retrieval.
type HistoryConfig struct {
	FetchLimits []int `json:"fetch_limits,omitempty"` // escalation steps; default [50, 200, 500]
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines HTTP rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Backend.EngineURL == "" {
		return fmt.Errorf("backend.engine_url is required")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	for _, limit := range c.History.FetchLimits {
		if limit <= 0 {
			return fmt.Errorf("history.fetch_limits entries must be positive")
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "wabridge.db"
	}
	if c.Storage.Retention.Duration == 0 {
		c.Storage.Retention.Duration = 30 * 24 * time.Hour // 30 days
	}
	if c.Backend.RequestTimeout.Duration == 0 {
		c.Backend.RequestTimeout.Duration = 30 * time.Second
	}
	if c.Session.QRMaxRetries == 0 {
		c.Session.QRMaxRetries = 10
	}
	if c.Session.ReconnectDelay.Duration == 0 {
		c.Session.ReconnectDelay.Duration = 5 * time.Second
	}
	if c.Outbound.TrunkPrefix == "" {
		c.Outbound.TrunkPrefix = "0"
	}
	if c.Outbound.PhoneDomain == "" {
		c.Outbound.PhoneDomain = "c.us"
	}
	if len(c.History.FetchLimits) == 0 {
		c.History.FetchLimits = []int{50, 200, 500}
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024
	}
	if c.Server.MaxClientBytes == 0 {
		c.Server.MaxClientBytes = 64 * 1024
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
}

// Default returns a config populated with defaults and the given secret,
// used by the init command to scaffold a config file.
func Default(jwtSecret string) *Config {
	cfg := &Config{
		Server:  ServerConfig{Addr: ":3000"},
		Auth:    AuthConfig{JWTSecret: jwtSecret},
		Backend: BackendConfig{EngineURL: "ws://127.0.0.1:8466/ws/engine"},
	}
	cfg.applyDefaults()
	return cfg
}
