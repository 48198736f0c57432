// Package config loads Bonito's runtime configuration: a TOML file with
// ${VAR} expansion, plus direct environment overrides for container
// deployment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full runtime configuration.
type Config struct {
	Environment string         `toml:"environment"`
	Server      ServerConfig   `toml:"server"`
	Database    DatabaseConfig `toml:"database"`
	Cache       CacheConfig    `toml:"cache"`
	Secrets     SecretsConfig  `toml:"secrets"`
	Security    SecurityConfig `toml:"security"`
	Recorder    RecorderConfig `toml:"recorder"`
	Logging     LoggingConfig  `toml:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port           int           `toml:"port"`
	BindAddress    string        `toml:"bind_address"`
	ReadTimeout    time.Duration `toml:"read_timeout"`
	WriteTimeout   time.Duration `toml:"write_timeout"`
	MaxRequestSize int64         `toml:"max_request_size"`
	CORSOrigins    []string      `toml:"cors_origins"`
	FrontendURL    string        `toml:"frontend_url"`
}

// DatabaseConfig points at PostgreSQL.
type DatabaseConfig struct {
	URL        string `toml:"url"`
	SchemaPath string `toml:"schema_path"`
}

// CacheConfig points at the shared Redis.
type CacheConfig struct {
	URL string `toml:"url"`
}

// SecretsConfig points at Vault.
type SecretsConfig struct {
	VaultAddr  string `toml:"vault_addr"`
	VaultToken string `toml:"vault_token"`
}

// SecurityConfig carries the signing and encryption keys.
type SecurityConfig struct {
	// SecretKey signs control-plane JWTs.
	SecretKey string `toml:"secret_key"`
	// EncryptionKey is the base64 AES-256 key for the credential vault.
	EncryptionKey string `toml:"encryption_key"`
	DefaultRPM    int    `toml:"default_rpm"`
}

// RecorderConfig sizes the usage recorder.
type RecorderConfig struct {
	QueueSize int `toml:"queue_size"`
	Workers   int `toml:"workers"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port:           8080,
			BindAddress:    "0.0.0.0",
			ReadTimeout:    5 * time.Minute,
			WriteTimeout:   10 * time.Minute,
			MaxRequestSize: 1 << 20, // 1 MiB
		},
		Database: DatabaseConfig{
			SchemaPath: "migrations/001_schema.sql",
		},
		Security: SecurityConfig{
			DefaultRPM: 60,
		},
		Recorder: RecorderConfig{
			QueueSize: 1024,
			Workers:   4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the TOML file (missing file falls back to defaults), expands
// ${VAR} references, then applies direct env overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("parsing config: %w", err)
			}
		}
	}

	cfg.expandEnvVars()
	cfg.applyEnvOverrides()
	return cfg, nil
}

// IsProduction reports whether error redaction and HSTS apply.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func (c *Config) expandEnvVars() {
	c.Database.URL = expandEnv(c.Database.URL)
	c.Cache.URL = expandEnv(c.Cache.URL)
	c.Secrets.VaultAddr = expandEnv(c.Secrets.VaultAddr)
	c.Secrets.VaultToken = expandEnv(c.Secrets.VaultToken)
	c.Security.SecretKey = expandEnv(c.Security.SecretKey)
	c.Security.EncryptionKey = expandEnv(c.Security.EncryptionKey)
	c.Server.FrontendURL = expandEnv(c.Server.FrontendURL)
	for i, o := range c.Server.CORSOrigins {
		c.Server.CORSOrigins[i] = expandEnv(o)
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		c.Environment = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Cache.URL = v
	}
	if v := os.Getenv("VAULT_ADDR"); v != "" {
		c.Secrets.VaultAddr = v
	}
	if v := os.Getenv("VAULT_TOKEN"); v != "" {
		c.Secrets.VaultToken = v
	}
	if v := os.Getenv("SECRET_KEY"); v != "" {
		c.Security.SecretKey = v
	}
	if v := os.Getenv("ENCRYPTION_KEY"); v != "" {
		c.Security.EncryptionKey = v
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		c.Server.CORSOrigins = splitOrigins(v)
	}
	if v := os.Getenv("FRONTEND_URL"); v != "" {
		c.Server.FrontendURL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
}

func splitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func expandEnv(s string) string {
	if s == "" {
		return s
	}
	return os.ExpandEnv(s)
}

// Validate checks the settings a running gateway cannot do without.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database url is required (DATABASE_URL)")
	}
	if c.Cache.URL == "" {
		return fmt.Errorf("cache url is required (REDIS_URL)")
	}
	if c.Security.SecretKey == "" {
		return fmt.Errorf("jwt secret is required (SECRET_KEY)")
	}
	if c.Security.EncryptionKey == "" {
		return fmt.Errorf("encryption key is required (ENCRYPTION_KEY)")
	}
	return nil
}
