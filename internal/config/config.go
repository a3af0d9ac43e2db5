package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds all application configuration.
type Config struct {
	// Browser bridge (loopback endpoint exposed by the extension)
	BridgeURL     string        `koanf:"bridge_url"`
	BridgeTimeout time.Duration `koanf:"bridge_timeout"`

	// Guardian upload endpoint
	UploadURL         string        `koanf:"upload_url"`
	UploadToken       string        `koanf:"upload_token"`
	UploadTimeout     time.Duration `koanf:"upload_timeout"`
	UploadMaxAttempts int           `koanf:"upload_max_attempts"`
	UploadRetryBase   time.Duration `koanf:"upload_retry_base"`
	UploadBatchSize   int           `koanf:"upload_batch_size"`
	DrainInterval     time.Duration `koanf:"drain_interval"`

	// Upload rate gate
	RateLimitWindow   time.Duration `koanf:"ratelimit_window"`
	RateLimitMaxCalls int           `koanf:"ratelimit_max_calls"`

	// Capture scheduling
	CaptureInterval time.Duration `koanf:"capture_interval"`

	// Idle detection
	IdleThresholdSeconds int           `koanf:"idle_threshold_seconds"`
	IdlePollInterval     time.Duration `koanf:"idle_poll_interval"`

	// Decoy captures
	DecoyModeEnabled bool `koanf:"decoy_mode_enabled"`

	// Durable queue
	QueueMaxItems int `koanf:"queue_max_items"`

	// Remote allowlist refresh (optional; bundled defaults are the floor)
	AllowlistRefreshURL      string        `koanf:"allowlist_refresh_url"`
	AllowlistRefreshInterval time.Duration `koanf:"allowlist_refresh_interval"`

	// Companion-UI IPC
	IPCAddr  string `koanf:"ipc_addr"`
	IPCToken string `koanf:"ipc_token"`

	// Storage
	DataDir string `koanf:"data_dir"`

	// Operational
	LogLevel        string        `koanf:"log_level"`
	LogFormat       string        `koanf:"log_format"`
	MetricsEnabled  bool          `koanf:"metrics_enabled"`
	MetricsAddr     string        `koanf:"metrics_addr"`
	HealthAddr      string        `koanf:"health_addr"`
	JanitorInterval time.Duration `koanf:"janitor_interval"`
}

// sanitise removes a single layer of matching surrounding quotes from all string
// fields. This normalises values from Docker --env-file which does not strip
// shell quoting.
func (c *Config) sanitise() {
	c.BridgeURL = stripEnvQuotes(c.BridgeURL)
	c.UploadURL = stripEnvQuotes(c.UploadURL)
	c.UploadToken = stripEnvQuotes(c.UploadToken)
	c.AllowlistRefreshURL = stripEnvQuotes(c.AllowlistRefreshURL)
	c.IPCAddr = stripEnvQuotes(c.IPCAddr)
	c.IPCToken = stripEnvQuotes(c.IPCToken)
	c.DataDir = stripEnvQuotes(c.DataDir)
	c.LogLevel = stripEnvQuotes(c.LogLevel)
	c.LogFormat = stripEnvQuotes(c.LogFormat)
	c.MetricsAddr = stripEnvQuotes(c.MetricsAddr)
	c.HealthAddr = stripEnvQuotes(c.HealthAddr)
}

// defaults sets sensible default values.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"bridge_url":                 "http://127.0.0.1:8747",
		"bridge_timeout":             "5s",
		"upload_timeout":             "30s",
		"upload_max_attempts":        5,
		"upload_retry_base":          "1s",
		"upload_batch_size":          10,
		"drain_interval":             "15s",
		"ratelimit_window":           "1m",
		"ratelimit_max_calls":        30,
		"capture_interval":           "60s",
		"idle_threshold_seconds":     300,
		"idle_poll_interval":         "10s",
		"decoy_mode_enabled":         false,
		"queue_max_items":            500,
		"allowlist_refresh_interval": "6h",
		"ipc_addr":                   "127.0.0.1:8748",
		"data_dir":                   "/data",
		"log_level":                  "info",
		"log_format":                 "json",
		"metrics_enabled":            true,
		"metrics_addr":               ":9090",
		"health_addr":                ":8081",
		"janitor_interval":           "1h",
	}
}

// stripEnvQuotes removes a single layer of matching surrounding single or double
// quotes from s. Only symmetric pairs are stripped: 'x' → x, "x" → x.
// Unpaired or mismatched quotes are left as-is.
func stripEnvQuotes(s string) string {
	if len(s) < 2 {
		return s
	}
	if (s[0] == '\'' && s[len(s)-1] == '\'') ||
		(s[0] == '"' && s[len(s)-1] == '"') {
		return s[1 : len(s)-1]
	}
	return s
}

// Load reads configuration from environment variables, applying _FILE secret injection.
func Load() (*Config, error) {
	// Use "." as delimiter so that env vars with "_" in their names are
	// treated as flat keys, not nested paths. E.g. UPLOAD_URL → "upload_url"
	// maps to struct tag koanf:"upload_url" without any nesting.
	k := koanf.New(".")

	defs := defaults()
	if err := k.Load(&rawProvider{data: defs}, nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(s)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if err := injectFileSecrets(k); err != nil {
		return nil, fmt.Errorf("inject file secrets: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.sanitise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and semantic constraints.
func (c *Config) Validate() error {
	if c.UploadURL == "" {
		return fmt.Errorf("UPLOAD_URL is required")
	}
	if !strings.HasPrefix(c.UploadURL, "http://") && !strings.HasPrefix(c.UploadURL, "https://") {
		return fmt.Errorf("UPLOAD_URL must start with http:// or https://; got %q", c.UploadURL)
	}
	if c.UploadToken == "" {
		return fmt.Errorf("UPLOAD_TOKEN is required")
	}
	if c.IPCToken == "" {
		return fmt.Errorf("IPC_TOKEN is required")
	}
	if !strings.HasPrefix(c.BridgeURL, "http://") && !strings.HasPrefix(c.BridgeURL, "https://") {
		return fmt.Errorf("BRIDGE_URL must start with http:// or https://; got %q", c.BridgeURL)
	}

	if c.IdleThresholdSeconds < 60 || c.IdleThresholdSeconds > 1800 {
		return fmt.Errorf("IDLE_THRESHOLD_SECONDS must be 60–1800; got %d", c.IdleThresholdSeconds)
	}
	if c.CaptureInterval < 5*time.Second {
		return fmt.Errorf("CAPTURE_INTERVAL must be >= 5s; got %s", c.CaptureInterval)
	}
	if c.UploadMaxAttempts < 1 || c.UploadMaxAttempts > 10 {
		return fmt.Errorf("UPLOAD_MAX_ATTEMPTS must be 1–10; got %d", c.UploadMaxAttempts)
	}
	if c.UploadBatchSize < 1 {
		return fmt.Errorf("UPLOAD_BATCH_SIZE must be >= 1; got %d", c.UploadBatchSize)
	}
	if c.QueueMaxItems < 1 {
		return fmt.Errorf("QUEUE_MAX_ITEMS must be >= 1; got %d", c.QueueMaxItems)
	}
	if c.DrainInterval <= 0 {
		return fmt.Errorf("DRAIN_INTERVAL must be > 0; got %s", c.DrainInterval)
	}
	if c.JanitorInterval <= 0 {
		return fmt.Errorf("JANITOR_INTERVAL must be > 0; got %s", c.JanitorInterval)
	}
	if c.IdlePollInterval <= 0 {
		return fmt.Errorf("IDLE_POLL_INTERVAL must be > 0; got %s", c.IdlePollInterval)
	}
	if c.AllowlistRefreshInterval <= 0 {
		return fmt.Errorf("ALLOWLIST_REFRESH_INTERVAL must be > 0; got %s", c.AllowlistRefreshInterval)
	}
	if c.AllowlistRefreshURL != "" &&
		!strings.HasPrefix(c.AllowlistRefreshURL, "http://") &&
		!strings.HasPrefix(c.AllowlistRefreshURL, "https://") {
		return fmt.Errorf("ALLOWLIST_REFRESH_URL must start with http:// or https://; got %q", c.AllowlistRefreshURL)
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of trace,debug,info,warn,error,fatal,panic; got %q", c.LogLevel)
	}

	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text; got %q", c.LogFormat)
	}

	return nil
}

// injectFileSecrets reads _FILE env vars and injects their file contents.
var fileSecretKeys = []string{
	"upload_token",
	"ipc_token",
}

func injectFileSecrets(k *koanf.Koanf) error {
	for _, key := range fileSecretKeys {
		fileKey := key + "_file"
		filePath := k.String(fileKey)
		if filePath == "" {
			// Also check uppercased env var with _FILE suffix
			envKey := strings.ToUpper(key) + "_FILE"
			filePath = os.Getenv(envKey)
		}
		if filePath == "" {
			continue
		}
		filePath = stripEnvQuotes(filePath)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("reading secret file for %s (%s): %w", key, filePath, err)
		}
		val := strings.TrimSpace(string(content))
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("setting %s from file: %w", key, err)
		}
	}
	return nil
}

// rawProvider implements koanf.Provider for a map[string]interface{}.
type rawProvider struct {
	data map[string]interface{}
}

// Read returns the config map directly (no Parser needed).
func (r *rawProvider) Read() (map[string]interface{}, error) {
	return r.data, nil
}

// ReadBytes is not used by rawProvider; koanf calls Read() when no Parser is given.
func (r *rawProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("rawProvider does not support ReadBytes")
}
