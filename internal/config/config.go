package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/vitalink/realtime/internal/util"
)

type Config struct {
	Identity  Identity  `json:"identity"`
	Realtime  Realtime  `json:"realtime"`
	Presence  Presence  `json:"presence"`
	Queue     Queue     `json:"queue"`
	Signaling Signaling `json:"signaling"`
	Call      Call      `json:"call"`
	Store     Store     `json:"store"`
	API       API       `json:"api"`
	LogLevel  string    `json:"log_level"`
}

type Identity struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	Role     string `json:"role"` // doctor|patient

	// Path to the 32-byte key that encrypts queued messages at rest.
	// Created on first use. Relative to the data directory.
	KeyFile string `json:"key_file"`
}

type Realtime struct {
	// Channel endpoint. ws:// or wss:// for a hosted service,
	// memory:// for the in-process broker (tests, single-host demos).
	URL    string `json:"url"`
	APIKey string `json:"api_key"`

	HeartbeatSec  int  `json:"heartbeat_seconds"`
	AutoReconnect bool `json:"auto_reconnect"`

	Backoff Backoff `json:"backoff"`
}

// Backoff controls the reconnect schedule: base*2^n capped, plus jitter.
type Backoff struct {
	BaseMs      int `json:"base_ms"`
	CapMs       int `json:"cap_ms"`
	JitterMs    int `json:"jitter_ms"`
	MaxAttempts int `json:"max_attempts"`
}

type Presence struct {
	HeartbeatSec    int `json:"heartbeat_seconds"`
	TypingTimeoutMs int `json:"typing_timeout_ms"`
	ThrottleMs      int `json:"throttle_ms"`
	SweepMs         int `json:"sweep_ms"`
}

type Queue struct {
	// SQLite file for the offline outbox. Empty means in-memory only,
	// which loses queued messages on restart.
	Path       string `json:"path"`
	MaxRetries int    `json:"max_retries"`
	Encrypt    bool   `json:"encrypt"`
}

type Signaling struct {
	// ICE server config endpoint (GET). Empty disables fetching; the
	// STUN fallback below is used directly.
	ConfigURL string `json:"config_url"`

	// HTTP relay endpoint (POST). Used when dispatch_via is "http".
	RelayURL string `json:"relay_url"`

	// How outbound signals travel: "channel" (room broadcast) or "http".
	DispatchVia string `json:"dispatch_via"`

	RatePerMin int `json:"rate_per_min"`
}

type Call struct {
	// Used when the config endpoint is unreachable or disabled.
	StunFallback []string `json:"stun_fallback"`

	Record    bool   `json:"record"`
	RecordDir string `json:"record_dir"`
}

type Store struct {
	// PostgREST-style REST endpoint for message persistence.
	// Empty disables the store; messages then live in memory only.
	URL    string `json:"url"`
	APIKey string `json:"api_key"`
}

type API struct {
	HTTPAddr string `json:"http_addr"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/queue.key",
		},
		Realtime: Realtime{
			URL:           "memory://local",
			HeartbeatSec:  30,
			AutoReconnect: true,
			Backoff: Backoff{
				BaseMs:      1000,
				CapMs:       30000,
				JitterMs:    1000,
				MaxAttempts: 5,
			},
		},
		Presence: Presence{
			HeartbeatSec:    30,
			TypingTimeoutMs: 3000,
			ThrottleMs:      1000,
			SweepMs:         1000,
		},
		Queue: Queue{
			Path:       "data/outbox.db",
			MaxRetries: 3,
			Encrypt:    true,
		},
		Signaling: Signaling{
			DispatchVia: "channel",
			RatePerMin:  60,
		},
		Call: Call{
			StunFallback: []string{"stun:stun.l.google.com:19302"},
			RecordDir:    "data/recordings",
		},
		API: API{
			HTTPAddr: "127.0.0.1:8190",
		},
		LogLevel: "info",
	}
}

func (c *Config) Validate() error {
	// Identity
	if _, err := util.ValidateUserID(c.Identity.UserID); err != nil {
		return fmt.Errorf("identity.user_id: %w", err)
	}
	switch c.Identity.Role {
	case "doctor", "patient":
	default:
		return errors.New("identity.role must be doctor or patient")
	}
	if c.Queue.Encrypt && strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required when queue.encrypt is enabled")
	}

	// Realtime
	if err := validateRealtimeURL(c.Realtime.URL); err != nil {
		return fmt.Errorf("realtime.url: %w", err)
	}
	if c.Realtime.HeartbeatSec <= 0 {
		return errors.New("realtime.heartbeat_seconds must be > 0")
	}
	b := c.Realtime.Backoff
	if b.BaseMs <= 0 {
		return errors.New("realtime.backoff.base_ms must be > 0")
	}
	if b.CapMs < b.BaseMs {
		return errors.New("realtime.backoff.cap_ms must be >= base_ms")
	}
	if b.JitterMs < 0 {
		return errors.New("realtime.backoff.jitter_ms must be >= 0")
	}
	if b.MaxAttempts <= 0 {
		return errors.New("realtime.backoff.max_attempts must be > 0")
	}

	// Presence
	if c.Presence.HeartbeatSec <= 0 {
		return errors.New("presence.heartbeat_seconds must be > 0")
	}
	if c.Presence.TypingTimeoutMs <= 0 {
		return errors.New("presence.typing_timeout_ms must be > 0")
	}
	if c.Presence.ThrottleMs <= 0 {
		return errors.New("presence.throttle_ms must be > 0")
	}
	if c.Presence.SweepMs <= 0 {
		return errors.New("presence.sweep_ms must be > 0")
	}

	// Queue
	if c.Queue.MaxRetries <= 0 {
		return errors.New("queue.max_retries must be > 0")
	}

	// Signaling
	switch c.Signaling.DispatchVia {
	case "channel":
	case "http":
		if strings.TrimSpace(c.Signaling.RelayURL) == "" {
			return errors.New("signaling.relay_url is required when dispatch_via is http")
		}
	default:
		return errors.New("signaling.dispatch_via must be channel or http")
	}
	if c.Signaling.RatePerMin <= 0 {
		return errors.New("signaling.rate_per_min must be > 0")
	}
	for _, raw := range []string{c.Signaling.ConfigURL, c.Signaling.RelayURL} {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		if err := validateHTTPURL(raw); err != nil {
			return fmt.Errorf("signaling url %q: %w", raw, err)
		}
	}

	// Call
	if len(c.Call.StunFallback) == 0 {
		return errors.New("call.stun_fallback must list at least one STUN url")
	}
	if c.Call.Record && strings.TrimSpace(c.Call.RecordDir) == "" {
		return errors.New("call.record_dir is required when call.record is enabled")
	}

	// Store
	if s := strings.TrimSpace(c.Store.URL); s != "" {
		if err := validateHTTPURL(s); err != nil {
			return fmt.Errorf("store.url: %w", err)
		}
	}

	if strings.TrimSpace(c.LogLevel) == "" {
		return errors.New("log_level is required")
	}

	return nil
}

func validateRealtimeURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	switch u.Scheme {
	case "ws", "wss":
		if u.Host == "" {
			return errors.New("missing host")
		}
	case "memory":
	default:
		return errors.New("scheme must be ws, wss or memory")
	}
	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadPartial reads a config file without validation. Useful for reading
// individual fields when full validation may fail.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	b = stripBOM(b)

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file
// with the given identity filled in. Returns (cfg, createdNew, err).
func Ensure(path, userID, userName, role string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	cfg.Identity.UserID = userID
	cfg.Identity.UserName = userName
	cfg.Identity.Role = role
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
