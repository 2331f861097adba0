package syncconfig

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ServerConfig holds endpoint settings.
type ServerConfig struct {
	URL       string `json:"url,omitempty"`
	SocketURL string `json:"socket_url,omitempty"`
}

// ReconnectConfig holds transport reconnect settings.
type ReconnectConfig struct {
	BaseInterval string `json:"base_interval,omitempty"` // duration string, default "1s"
	MaxAttempts  *int   `json:"max_attempts,omitempty"`  // nil = default 5
}

// HeartbeatConfig holds liveness ping settings.
type HeartbeatConfig struct {
	Interval string `json:"interval,omitempty"` // duration string, default "30s"
}

// SyncConfig holds drain settings.
type SyncConfig struct {
	MaxAttempts *int   `json:"max_attempts,omitempty"` // nil = default 5
	BaseDelay   string `json:"base_delay,omitempty"`   // default "1s"
	ItemDelay   string `json:"item_delay,omitempty"`   // default "50ms"
	OnReconnect *bool  `json:"on_reconnect,omitempty"` // nil = default true
	Interval    string `json:"interval,omitempty"`     // default "5m"
	Debounce    string `json:"debounce,omitempty"`     // default "2s"
}

// Config is the global aula config stored at ~/.config/aula/config.json.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Reconnect ReconnectConfig `json:"reconnect"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	Sync      SyncConfig      `json:"sync"`
}

// Device identifies this installation to the server.
type Device struct {
	DeviceID string `json:"device_id"`
}

const (
	defaultServerURL         = "http://localhost:3000"
	defaultSocketPath        = "/ws"
	defaultReconnectInterval = time.Second
	defaultReconnectAttempts = 5
	defaultHeartbeat         = 30 * time.Second
	defaultSyncAttempts      = 5
	defaultSyncBaseDelay     = time.Second
	defaultSyncItemDelay     = 50 * time.Millisecond
	defaultSyncInterval      = 5 * time.Minute
	defaultSyncDebounce      = 2 * time.Second
)

// ConfigDir returns the aula config directory, creating it if necessary.
// AULA_HOME overrides the default ~/.config/aula.
func ConfigDir() (string, error) {
	dir := os.Getenv("AULA_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home dir: %w", err)
		}
		dir = filepath.Join(home, ".config", "aula")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// LoadConfig reads config.json. A missing file yields an empty config.
func LoadConfig() (*Config, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config.json: %w", err)
	}
	return &cfg, nil
}

// SaveConfig writes config.json.
func SaveConfig(cfg *Config) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0644)
}

// GetServerURL returns the HTTP API base URL.
// Priority: AULA_SERVER_URL env > config.json server.url > default.
func GetServerURL() string {
	if v := os.Getenv("AULA_SERVER_URL"); v != "" {
		return strings.TrimRight(v, "/")
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.Server.URL != "" {
		return strings.TrimRight(cfg.Server.URL, "/")
	}
	return defaultServerURL
}

// GetSocketURL returns the websocket URL.
// Priority: AULA_SOCKET_URL env > config.json server.socket_url > derived from the server URL.
func GetSocketURL() string {
	if v := os.Getenv("AULA_SOCKET_URL"); v != "" {
		return v
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.Server.SocketURL != "" {
		return cfg.Server.SocketURL
	}
	return DeriveSocketURL(GetServerURL())
}

// DeriveSocketURL maps http(s)://host[/base] to ws(s)://host[/base]/ws.
func DeriveSocketURL(serverURL string) string {
	u, err := url.Parse(serverURL)
	if err != nil || u.Host == "" {
		return "ws://localhost:3000" + defaultSocketPath
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + defaultSocketPath
	u.RawQuery = ""
	return u.String()
}

// GetReconnectInterval returns the reconnect backoff base.
// Priority: AULA_RECONNECT_INTERVAL env > config.json reconnect.base_interval > 1s
func GetReconnectInterval() time.Duration {
	var file string
	if cfg, err := LoadConfig(); err == nil {
		file = cfg.Reconnect.BaseInterval
	}
	return durationSetting("AULA_RECONNECT_INTERVAL", file, defaultReconnectInterval)
}

// GetReconnectMaxAttempts returns the automatic reconnect ceiling.
// Priority: AULA_RECONNECT_MAX_ATTEMPTS env > config.json reconnect.max_attempts > 5
func GetReconnectMaxAttempts() int {
	var file *int
	if cfg, err := LoadConfig(); err == nil {
		file = cfg.Reconnect.MaxAttempts
	}
	return intSetting("AULA_RECONNECT_MAX_ATTEMPTS", file, defaultReconnectAttempts)
}

// GetHeartbeatInterval returns the PING interval while authenticated.
// Priority: AULA_HEARTBEAT_INTERVAL env > config.json heartbeat.interval > 30s
func GetHeartbeatInterval() time.Duration {
	var file string
	if cfg, err := LoadConfig(); err == nil {
		file = cfg.Heartbeat.Interval
	}
	return durationSetting("AULA_HEARTBEAT_INTERVAL", file, defaultHeartbeat)
}

// GetSyncMaxAttempts returns the number of drain passes allowed.
// Priority: AULA_SYNC_MAX_ATTEMPTS env > config.json sync.max_attempts > 5
func GetSyncMaxAttempts() int {
	var file *int
	if cfg, err := LoadConfig(); err == nil {
		file = cfg.Sync.MaxAttempts
	}
	return intSetting("AULA_SYNC_MAX_ATTEMPTS", file, defaultSyncAttempts)
}

// GetSyncBaseDelay returns the drain retry base delay.
// Priority: AULA_SYNC_BASE_DELAY env > config.json sync.base_delay > 1s
func GetSyncBaseDelay() time.Duration {
	var file string
	if cfg, err := LoadConfig(); err == nil {
		file = cfg.Sync.BaseDelay
	}
	return durationSetting("AULA_SYNC_BASE_DELAY", file, defaultSyncBaseDelay)
}

// GetSyncItemDelay returns the pause between items within a drain pass.
// Priority: AULA_SYNC_ITEM_DELAY env > config.json sync.item_delay > 50ms
func GetSyncItemDelay() time.Duration {
	var file string
	if cfg, err := LoadConfig(); err == nil {
		file = cfg.Sync.ItemDelay
	}
	return durationSetting("AULA_SYNC_ITEM_DELAY", file, defaultSyncItemDelay)
}

// GetSyncOnReconnect returns whether `aula run` drains after each reconnect.
// Priority: AULA_SYNC_ON_RECONNECT env > config.json sync.on_reconnect > true
func GetSyncOnReconnect() bool {
	if v := parseBoolEnv("AULA_SYNC_ON_RECONNECT"); v != nil {
		return *v
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.Sync.OnReconnect != nil {
		return *cfg.Sync.OnReconnect
	}
	return true
}

// GetSyncInterval returns the periodic drain interval for `aula run`.
// Priority: AULA_SYNC_INTERVAL env > config.json sync.interval > 5m
func GetSyncInterval() time.Duration {
	var file string
	if cfg, err := LoadConfig(); err == nil {
		file = cfg.Sync.Interval
	}
	return durationSetting("AULA_SYNC_INTERVAL", file, defaultSyncInterval)
}

// GetSyncDebounce returns how long `aula run` waits to coalesce drain triggers.
// Priority: AULA_SYNC_DEBOUNCE env > config.json sync.debounce > 2s
func GetSyncDebounce() time.Duration {
	var file string
	if cfg, err := LoadConfig(); err == nil {
		file = cfg.Sync.Debounce
	}
	return durationSetting("AULA_SYNC_DEBOUNCE", file, defaultSyncDebounce)
}

// Settings is a resolved snapshot of every knob.
type Settings struct {
	ServerURL            string
	SocketURL            string
	ReconnectInterval    time.Duration
	ReconnectMaxAttempts int
	HeartbeatInterval    time.Duration
	SyncMaxAttempts      int
	SyncBaseDelay        time.Duration
	SyncItemDelay        time.Duration
	SyncOnReconnect      bool
	SyncInterval         time.Duration
	SyncDebounce         time.Duration
}

// Resolve reads every setting once.
func Resolve() Settings {
	return Settings{
		ServerURL:            GetServerURL(),
		SocketURL:            GetSocketURL(),
		ReconnectInterval:    GetReconnectInterval(),
		ReconnectMaxAttempts: GetReconnectMaxAttempts(),
		HeartbeatInterval:    GetHeartbeatInterval(),
		SyncMaxAttempts:      GetSyncMaxAttempts(),
		SyncBaseDelay:        GetSyncBaseDelay(),
		SyncItemDelay:        GetSyncItemDelay(),
		SyncOnReconnect:      GetSyncOnReconnect(),
		SyncInterval:         GetSyncInterval(),
		SyncDebounce:         GetSyncDebounce(),
	}
}

// GetDeviceID returns the persisted device id, generating and saving one
// on first use.
func GetDeviceID() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "device.json")

	if data, err := os.ReadFile(path); err == nil {
		var d Device
		if err := json.Unmarshal(data, &d); err == nil && d.DeviceID != "" {
			return d.DeviceID, nil
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}

	id, err := GenerateDeviceID()
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(Device{DeviceID: id}, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("save device id: %w", err)
	}
	return id, nil
}

// GenerateDeviceID creates a new random device ID (16 bytes hex).
func GenerateDeviceID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// parseBoolEnv returns nil if env not set, pointer to bool if set.
func parseBoolEnv(envKey string) *bool {
	v := strings.ToLower(os.Getenv(envKey))
	switch v {
	case "1", "true":
		b := true
		return &b
	case "0", "false":
		b := false
		return &b
	default:
		return nil
	}
}

// durationSetting resolves env > file > default; unparseable or
// non-positive values fall through.
func durationSetting(envKey, file string, def time.Duration) time.Duration {
	if v := os.Getenv(envKey); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	if file != "" {
		if d, err := time.ParseDuration(file); err == nil && d > 0 {
			return d
		}
	}
	return def
}

// intSetting resolves env > file > default; values below 1 fall through.
func intSetting(envKey string, file *int, def int) int {
	if v := os.Getenv(envKey); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 {
			return n
		}
	}
	if file != nil && *file >= 1 {
		return *file
	}
	return def
}
