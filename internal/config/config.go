package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
	Backup   BackupConfig   `yaml:"backup"`
	Client   ClientConfig   `yaml:"client"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig contains token settings.
type AuthConfig struct {
	JWTSecret string   `yaml:"-"` // env-only, never in YAML
	TokenTTL  Duration `yaml:"token_ttl"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

// BackupConfig contains database backup settings.
// An empty Bucket keeps backups local; a zero Interval disables the worker.
// Keep is how many backups are retained; zero keeps all of them.
type BackupConfig struct {
	Interval  Duration `yaml:"interval"`
	Keep      int      `yaml:"keep"`
	Dir       string   `yaml:"dir"`
	Bucket    string   `yaml:"bucket"`
	Prefix    string   `yaml:"prefix"`
	Endpoint  string   `yaml:"endpoint"`
	Region    string   `yaml:"region"`
	AccessKey string   `yaml:"-"` // env-only, never in YAML
	SecretKey string   `yaml:"-"` // env-only, never in YAML
	UseSSL    *bool    `yaml:"use_ssl"`
}

// ClientConfig contains settings for the sync client commands.
type ClientConfig struct {
	ServerURL      string   `yaml:"server_url"`
	Token          string   `yaml:"-"` // env-only, never in YAML
	DBPath         string   `yaml:"db_path"`
	SyncInterval   Duration `yaml:"sync_interval"`
	RequestTimeout Duration `yaml:"request_timeout"`
	BulkTimeout    Duration `yaml:"bulk_timeout"`
	MaxBatch       int      `yaml:"max_batch"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads server configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadClient loads configuration for the client commands. Only the client
// token is required.
func LoadClient() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	if err := cfg.validateClient(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func load() (*Config, error) {
	cfg := newDefaults()

	// Determine config path
	configPath := getEnv("WAYPOINT_CONFIG_PATH", "config/waypoint.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	return cfg, nil
}

// LoadFromFile loads server configuration from a specific path.
// Used for testing and when a config path is given explicitly.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	// Load YAML file (file must exist for this function)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	useSSL := true
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(60 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/waypoint.db",
		},
		Auth: AuthConfig{
			TokenTTL: Duration(30 * 24 * time.Hour),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Backup: BackupConfig{
			Interval: Duration(6 * time.Hour),
			Keep:     7,
			Prefix:   "backups/",
			Region:   "us-east-1",
			UseSSL:   &useSSL,
		},
		Client: ClientConfig{
			ServerURL:      "http://localhost:8080",
			DBPath:         "data/waypoint-client.db",
			SyncInterval:   Duration(time.Minute),
			RequestTimeout: Duration(10 * time.Second),
			BulkTimeout:    Duration(30 * time.Second),
			MaxBatch:       500,
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Missing file is OK; use defaults
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty, parseable env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	envInt("WAYPOINT_PORT", &cfg.Server.Port)
	envDuration("WAYPOINT_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("WAYPOINT_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("WAYPOINT_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	// Database
	envString("WAYPOINT_DB_PATH", &cfg.Database.Path)

	// Auth
	envString("WAYPOINT_JWT_SECRET", &cfg.Auth.JWTSecret)
	envDuration("WAYPOINT_TOKEN_TTL", &cfg.Auth.TokenTTL)

	// Log
	envString("WAYPOINT_LOG_LEVEL", &cfg.Log.Level)
	envString("WAYPOINT_LOG_FORMAT", &cfg.Log.Format)

	// Backup
	envDuration("WAYPOINT_BACKUP_INTERVAL", &cfg.Backup.Interval)
	envInt("WAYPOINT_BACKUP_KEEP", &cfg.Backup.Keep)
	envString("WAYPOINT_BACKUP_DIR", &cfg.Backup.Dir)
	envString("WAYPOINT_BACKUP_BUCKET", &cfg.Backup.Bucket)
	envString("WAYPOINT_BACKUP_PREFIX", &cfg.Backup.Prefix)
	envString("WAYPOINT_S3_ENDPOINT", &cfg.Backup.Endpoint)
	envString("WAYPOINT_S3_REGION", &cfg.Backup.Region)
	envString("WAYPOINT_S3_ACCESS_KEY", &cfg.Backup.AccessKey)
	envString("WAYPOINT_S3_SECRET_KEY", &cfg.Backup.SecretKey)
	if v := os.Getenv("WAYPOINT_S3_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Backup.UseSSL = &b
		}
	}

	// Client
	envString("WAYPOINT_SERVER_URL", &cfg.Client.ServerURL)
	envString("WAYPOINT_TOKEN", &cfg.Client.Token)
	envString("WAYPOINT_CLIENT_DB_PATH", &cfg.Client.DBPath)
	envDuration("WAYPOINT_SYNC_INTERVAL", &cfg.Client.SyncInterval)
	envDuration("WAYPOINT_REQUEST_TIMEOUT", &cfg.Client.RequestTimeout)
	envDuration("WAYPOINT_BULK_TIMEOUT", &cfg.Client.BulkTimeout)
	envInt("WAYPOINT_MAX_BATCH", &cfg.Client.MaxBatch)
}

// validate checks that required server configuration values are set.
// In dev mode (WAYPOINT_DEV_MODE=true), secret validation is skipped.
func (c *Config) validate() error {
	if err := c.validateLog(); err != nil {
		return err
	}

	if c.Backup.Keep < 0 {
		return errors.New("backup keep must not be negative")
	}

	// Dev mode bypasses secret validation
	if isDevMode() {
		return nil
	}

	if c.Auth.JWTSecret == "" {
		return errors.New("WAYPOINT_JWT_SECRET is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return errors.New("WAYPOINT_JWT_SECRET must be at least 32 bytes")
	}
	return nil
}

// validateClient checks that the client can authenticate.
func (c *Config) validateClient() error {
	if err := c.validateLog(); err != nil {
		return err
	}
	if c.Client.MaxBatch < 1 {
		return errors.New("client max_batch must be at least 1")
	}

	if isDevMode() {
		return nil
	}

	if c.Client.Token == "" {
		return errors.New("WAYPOINT_TOKEN is required")
	}
	return nil
}

func (c *Config) validateLog() error {
	switch c.Log.Format {
	case "json", "text":
		return nil
	}
	return fmt.Errorf("log format must be json or text, got %q", c.Log.Format)
}

func isDevMode() bool {
	return os.Getenv("WAYPOINT_DEV_MODE") == "true"
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}
