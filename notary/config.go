package notary

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"tlsnotary/shared"
)

// Config holds the notary server configuration. Values come from an
// optional TOML file with environment variables taking precedence.
type Config struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	NotarizePath string `toml:"notarize_path"`
	ExternalName string `toml:"external_name"`

	// Server-wide ceilings for per-session data caps. Sessions may
	// negotiate lower values, never higher.
	MaxSentData uint64 `toml:"max_sent_data"`
	MaxRecvData uint64 `toml:"max_recv_data"`

	// SessionTimeoutSeconds bounds the notarization window. Sessions idle
	// longer than this are reaped.
	SessionTimeoutSeconds int `toml:"session_timeout_seconds"`

	// KeyFile is the path to the hex-encoded secp256k1 signing key. The
	// key is generated and persisted on first start if the file is absent.
	KeyFile string `toml:"key_file"`

	// TLS serving is enabled when both paths are set.
	TLSCertFile string `toml:"tls_cert_file"`
	TLSKeyFile  string `toml:"tls_key_file"`

	// Authorization of session_open via HMAC-signed bearer tokens.
	AuthEnabled bool   `toml:"auth_enabled"`
	AuthSecret  string `toml:"auth_secret"`

	LogLevel string `toml:"log_level"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:                  "0.0.0.0",
		Port:                  7047,
		NotarizePath:          "/notarize",
		MaxSentData:           1 << 16,
		MaxRecvData:           1 << 20,
		SessionTimeoutSeconds: 120,
		KeyFile:               "notary.key",
		LogLevel:              "info",
	}
}

// LoadConfig builds the configuration from defaults, an optional TOML
// file, and environment overrides, in that order.
func LoadConfig(path string) (*Config, error) {
	shared.LoadEnv()

	cfg := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg.Host = shared.GetEnvOrDefault("NOTARY_HOST", cfg.Host)
	cfg.Port = shared.GetEnvIntOrDefault("NOTARY_PORT", cfg.Port)
	cfg.NotarizePath = shared.GetEnvOrDefault("NOTARY_PATH", cfg.NotarizePath)
	cfg.ExternalName = shared.GetEnvOrDefault("NOTARY_EXTERNAL_NAME", cfg.ExternalName)
	cfg.MaxSentData = shared.GetEnvUint64OrDefault("NOTARY_MAX_SENT_DATA", cfg.MaxSentData)
	cfg.MaxRecvData = shared.GetEnvUint64OrDefault("NOTARY_MAX_RECV_DATA", cfg.MaxRecvData)
	cfg.SessionTimeoutSeconds = shared.GetEnvIntOrDefault("NOTARY_SESSION_TIMEOUT", cfg.SessionTimeoutSeconds)
	cfg.KeyFile = shared.GetEnvOrDefault("NOTARY_KEY_FILE", cfg.KeyFile)
	cfg.TLSCertFile = shared.GetEnvOrDefault("NOTARY_TLS_CERT_FILE", cfg.TLSCertFile)
	cfg.TLSKeyFile = shared.GetEnvOrDefault("NOTARY_TLS_KEY_FILE", cfg.TLSKeyFile)
	cfg.AuthEnabled = shared.GetEnvBoolOrDefault("NOTARY_AUTH_ENABLED", cfg.AuthEnabled)
	cfg.AuthSecret = shared.GetEnvOrDefault("NOTARY_AUTH_SECRET", cfg.AuthSecret)
	cfg.LogLevel = shared.GetEnvOrDefault("NOTARY_LOG_LEVEL", cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.NotarizePath == "" || c.NotarizePath[0] != '/' {
		return fmt.Errorf("notarize path must start with /, got %q", c.NotarizePath)
	}
	if c.MaxSentData == 0 || c.MaxRecvData == 0 {
		return fmt.Errorf("data caps must be non-zero")
	}
	if c.SessionTimeoutSeconds <= 0 {
		return fmt.Errorf("session timeout must be positive, got %d", c.SessionTimeoutSeconds)
	}
	if c.AuthEnabled && c.AuthSecret == "" {
		return fmt.Errorf("auth enabled but no secret configured")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("TLS requires both cert and key file")
	}
	return nil
}

// SessionTimeout returns the notarization window as a duration.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutSeconds) * time.Second
}

// ListenAddr returns the host:port the server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TLSEnabled reports whether the server should serve over TLS.
func (c *Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}
