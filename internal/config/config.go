// Package config handles configuration loading, validation, and management for diaryd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Storage configuration for the event log database.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// API configuration for the HTTP capture interface.
	API APIConfig `toml:"api" json:"api" yaml:"api"`

	// Delivery configuration for downstream sync targets.
	Delivery DeliveryConfig `toml:"delivery" json:"delivery" yaml:"delivery"`

	// Cache configuration for the Redis state cache.
	Cache CacheConfig `toml:"cache" json:"cache" yaml:"cache"`

	// Schemas configuration for form payload validation.
	Schemas SchemaConfig `toml:"schemas" json:"schemas" yaml:"schemas"`

	// Signing configuration for export manifest signatures.
	Signing SigningConfig `toml:"signing" json:"signing" yaml:"signing"`

	// Export configuration for audit archive generation.
	Export ExportConfig `toml:"export" json:"export" yaml:"export"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Audit configuration for the append-only audit trail.
	Audit AuditConfig `toml:"audit" json:"audit" yaml:"audit"`

	// IPC configuration for the operator control socket.
	IPC IPCConfig `toml:"ipc" json:"ipc" yaml:"ipc"`

	// mu protects concurrent access to the config.
	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// StorageConfig holds event log persistence configuration.
type StorageConfig struct {
	// Driver is the database driver: "sqlite" or "postgres".
	Driver string `toml:"driver" json:"driver" yaml:"driver"`

	// Path is the path to the database file (for sqlite).
	Path string `toml:"path" json:"path" yaml:"path"`

	// DSN is the connection string (for postgres).
	DSN string `toml:"dsn" json:"dsn" yaml:"dsn"`

	// MaxOpenConns is the maximum number of open database connections.
	// SQLite is always capped at 1 regardless of this setting.
	MaxOpenConns int `toml:"max_open_conns" json:"max_open_conns" yaml:"max_open_conns"`

	// MaxIdleConns is the maximum number of idle database connections.
	MaxIdleConns int `toml:"max_idle_conns" json:"max_idle_conns" yaml:"max_idle_conns"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// APIConfig holds the HTTP capture API configuration.
type APIConfig struct {
	// Enabled determines whether the HTTP API is served.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// ListenAddr is the address the HTTP server binds to.
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`

	// ReadTimeoutSec is the request read timeout in seconds.
	ReadTimeoutSec int `toml:"read_timeout_sec" json:"read_timeout_sec" yaml:"read_timeout_sec"`

	// WriteTimeoutSec is the response write timeout in seconds.
	WriteTimeoutSec int `toml:"write_timeout_sec" json:"write_timeout_sec" yaml:"write_timeout_sec"`

	// ShutdownGraceSec is how long to wait for in-flight requests on shutdown.
	ShutdownGraceSec int `toml:"shutdown_grace_sec" json:"shutdown_grace_sec" yaml:"shutdown_grace_sec"`

	// MaxBodyBytes is the maximum accepted request body size.
	MaxBodyBytes int64 `toml:"max_body_bytes" json:"max_body_bytes" yaml:"max_body_bytes"`

	// SubmitRatePerSec is the sustained per-actor submission rate.
	// Zero disables rate limiting; devices syncing an offline backlog
	// submit in bursts, so only enable this with a burst that covers
	// the expected backlog size.
	SubmitRatePerSec float64 `toml:"submit_rate_per_sec" json:"submit_rate_per_sec" yaml:"submit_rate_per_sec"`

	// SubmitBurst is the per-actor burst allowance when rate limiting
	// is enabled.
	SubmitBurst int `toml:"submit_burst" json:"submit_burst" yaml:"submit_burst"`
}

// DeliveryConfig holds downstream delivery worker configuration.
type DeliveryConfig struct {
	// Enabled determines whether delivery workers run.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// PollIntervalMs is how often a worker scans for due deliveries.
	PollIntervalMs int `toml:"poll_interval_ms" json:"poll_interval_ms" yaml:"poll_interval_ms"`

	// TimeoutSec is the per-attempt delivery timeout in seconds.
	// A slow target is failed and retried; the timeout never blocks
	// other tenants' cursors.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`

	// InitialBackoffMs is the delay before the first retry; each
	// further failure doubles it, up to MaxBackoffMs.
	InitialBackoffMs int `toml:"initial_backoff_ms" json:"initial_backoff_ms" yaml:"initial_backoff_ms"`

	// MaxBackoffMs caps the exponential retry delay.
	MaxBackoffMs int `toml:"max_backoff_ms" json:"max_backoff_ms" yaml:"max_backoff_ms"`

	// Targets is the list of downstream sync targets. Each target
	// maintains an independent per-tenant delivery cursor.
	Targets []TargetConfig `toml:"targets" json:"targets" yaml:"targets"`
}

// TargetConfig describes a single downstream sync target.
type TargetConfig struct {
	// Name uniquely identifies the target and keys its delivery cursor.
	Name string `toml:"name" json:"name" yaml:"name"`

	// Type is the transport: "http" or "mqtt".
	Type string `toml:"type" json:"type" yaml:"type"`

	// URL is the HTTP endpoint events are POSTed to (http targets).
	URL string `toml:"url" json:"url" yaml:"url"`

	// BearerToken is an optional Authorization bearer for http targets.
	BearerToken string `toml:"bearer_token" json:"bearer_token" yaml:"bearer_token"`

	// Broker is the MQTT broker URL (mqtt targets).
	Broker string `toml:"broker" json:"broker" yaml:"broker"`

	// TopicPrefix is the MQTT topic prefix; the tenant ID is appended.
	TopicPrefix string `toml:"topic_prefix" json:"topic_prefix" yaml:"topic_prefix"`

	// QoS is the MQTT quality of service level (0, 1, or 2).
	QoS int `toml:"qos" json:"qos" yaml:"qos"`

	// ClientID is the MQTT client identifier.
	ClientID string `toml:"client_id" json:"client_id" yaml:"client_id"`

	// Username for authenticated brokers or endpoints.
	Username string `toml:"username" json:"username" yaml:"username"`

	// Password for authenticated brokers or endpoints
	// (use env var DIARYD_TARGET_<NAME>_PASSWORD).
	Password string `toml:"password" json:"password" yaml:"password"`

	// TimeoutSec overrides the global per-attempt timeout when > 0.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// CacheConfig holds the Redis state cache configuration.
type CacheConfig struct {
	// Enabled determines whether the read-through state cache is used.
	// The event log remains authoritative either way.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Addr is the Redis server address.
	Addr string `toml:"addr" json:"addr" yaml:"addr"`

	// Password for authenticated Redis (use env var DIARYD_REDIS_PASSWORD).
	Password string `toml:"password" json:"password" yaml:"password"`

	// DB is the Redis database number.
	DB int `toml:"db" json:"db" yaml:"db"`

	// TTLSec is the cached state time-to-live in seconds.
	TTLSec int `toml:"ttl_sec" json:"ttl_sec" yaml:"ttl_sec"`
}

// SchemaConfig holds form payload schema configuration.
type SchemaConfig struct {
	// Dir is the directory containing <form>.schema.json files.
	// When empty, payloads are accepted without form validation.
	Dir string `toml:"dir" json:"dir" yaml:"dir"`

	// Watch reloads schemas when files in Dir change.
	Watch bool `toml:"watch" json:"watch" yaml:"watch"`
}

// SigningConfig holds export manifest signing configuration.
type SigningConfig struct {
	// KeyPath is the path to the Ed25519 private key.
	KeyPath string `toml:"key_path" json:"key_path" yaml:"key_path"`

	// PublicKeyPath is the path to the Ed25519 public key.
	PublicKeyPath string `toml:"public_key_path" json:"public_key_path" yaml:"public_key_path"`

	// Algorithm is the signing algorithm. Only "ed25519" is supported.
	Algorithm string `toml:"algorithm" json:"algorithm" yaml:"algorithm"`
}

// ExportConfig holds audit archive configuration.
type ExportConfig struct {
	// Dir is the default output directory for export archives.
	Dir string `toml:"dir" json:"dir" yaml:"dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", "file", or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file (when Output includes "file").
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of old log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the maximum age of log files in days.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Compress determines whether to compress rotated logs.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// AuditConfig holds audit trail configuration.
type AuditConfig struct {
	// Enabled determines whether the audit trail is written.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// FilePath is the path to the audit log file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum audit file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of rotated audit files to keep.
	// Audit history is evidence; the default keeps more than app logs.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
}

// IPCConfig holds operator control socket configuration.
type IPCConfig struct {
	// Enabled determines whether the IPC server is enabled.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// SocketPath is the path to the Unix socket.
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// Permissions is the Unix socket permissions (e.g., "0600").
	Permissions string `toml:"permissions" json:"permissions" yaml:"permissions"`

	// MaxConnections is the maximum concurrent connections.
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`

	// TimeoutSec is the connection timeout.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DiarydDir()

	return &Config{
		Version: Version,
		Storage: StorageConfig{
			Driver:        "sqlite",
			Path:          filepath.Join(dir, "diary.db"),
			MaxOpenConns:  5,
			MaxIdleConns:  2,
			BusyTimeoutMs: 5000,
		},
		API: APIConfig{
			Enabled:          true,
			ListenAddr:       "127.0.0.1:8430",
			ReadTimeoutSec:   15,
			WriteTimeoutSec:  30,
			ShutdownGraceSec: 10,
			MaxBodyBytes:     4 * 1024 * 1024, // 4MB
		},
		Delivery: DeliveryConfig{
			Enabled:          true,
			PollIntervalMs:   500,
			TimeoutSec:       10,
			InitialBackoffMs: 1000,
			MaxBackoffMs:     30000,
			Targets:          []TargetConfig{},
		},
		Cache: CacheConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			DB:      0,
			TTLSec:  300, // 5 minutes
		},
		Schemas: SchemaConfig{
			Dir:   filepath.Join(dir, "schemas"),
			Watch: true,
		},
		Signing: SigningConfig{
			KeyPath:       filepath.Join(dir, "signing_key"),
			PublicKeyPath: filepath.Join(dir, "signing_key.pub"),
			Algorithm:     "ed25519",
		},
		Export: ExportConfig{
			Dir: filepath.Join(dir, "exports"),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "file",
			FilePath:   filepath.Join(dir, "diaryd.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Audit: AuditConfig{
			Enabled:    true,
			FilePath:   filepath.Join(dir, "audit.log"),
			MaxSizeMB:  100,
			MaxBackups: 20,
		},
		IPC: IPCConfig{
			Enabled:        true,
			SocketPath:     defaultSocketPath(),
			Permissions:    "0600",
			MaxConnections: 10,
			TimeoutSec:     30,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(DiarydDir(), "config.toml")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := parseFile(path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates all necessary directories for the daemon.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Signing.KeyPath),
		filepath.Dir(c.Logging.FilePath),
		filepath.Dir(c.Audit.FilePath),
		c.Export.Dir,
	}
	if c.Storage.Driver == "sqlite" {
		dirs = append(dirs, filepath.Dir(c.Storage.Path))
	}
	if c.Schemas.Dir != "" {
		dirs = append(dirs, c.Schemas.Dir)
	}
	if c.IPC.Enabled {
		dirs = append(dirs, filepath.Dir(c.IPC.SocketPath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// DiarydDir returns the base diaryd data directory. DIARYD_DATA_DIR
// overrides the system default so packaged installs can pin everything
// to one place.
func DiarydDir() string {
	if envDir := os.Getenv("DIARYD_DATA_DIR"); envDir != "" {
		return envDir
	}
	return systemDataDir()
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with DIARYD_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Storage overrides
	if v := os.Getenv("DIARYD_STORAGE_DRIVER"); v != "" {
		c.Storage.Driver = v
	}
	if v := os.Getenv("DIARYD_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("DIARYD_STORAGE_DSN"); v != "" {
		c.Storage.DSN = v
	}

	// API overrides
	if v := os.Getenv("DIARYD_LISTEN_ADDR"); v != "" {
		c.API.ListenAddr = v
	}

	// Cache credentials from env (for security)
	if v := os.Getenv("DIARYD_REDIS_ADDR"); v != "" {
		c.Cache.Addr = v
	}
	if v := os.Getenv("DIARYD_REDIS_PASSWORD"); v != "" {
		c.Cache.Password = v
	}

	// Schema overrides
	if v := os.Getenv("DIARYD_SCHEMA_DIR"); v != "" {
		c.Schemas.Dir = v
	}

	// Signing overrides
	if v := os.Getenv("DIARYD_SIGNING_KEY_PATH"); v != "" {
		c.Signing.KeyPath = v
	}

	// Logging overrides
	if v := os.Getenv("DIARYD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("DIARYD_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	// IPC overrides
	if v := os.Getenv("DIARYD_SOCKET_PATH"); v != "" {
		c.IPC.SocketPath = v
	}

	// Target credentials from env: DIARYD_TARGET_<NAME>_PASSWORD
	// and DIARYD_TARGET_<NAME>_TOKEN, with the name upper-cased and
	// dashes mapped to underscores.
	for i := range c.Delivery.Targets {
		key := envKeyForTarget(c.Delivery.Targets[i].Name)
		if v := os.Getenv("DIARYD_TARGET_" + key + "_PASSWORD"); v != "" {
			c.Delivery.Targets[i].Password = v
		}
		if v := os.Getenv("DIARYD_TARGET_" + key + "_TOKEN"); v != "" {
			c.Delivery.Targets[i].BearerToken = v
		}
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := *c
	clone.Delivery.Targets = append([]TargetConfig{}, c.Delivery.Targets...)

	return &clone
}

func envKeyForTarget(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		ch := name[i]
		switch {
		case ch >= 'a' && ch <= 'z':
			out = append(out, ch-'a'+'A')
		case ch == '-' || ch == '.':
			out = append(out, '_')
		default:
			out = append(out, ch)
		}
	}
	return string(out)
}

func defaultSocketPath() string {
	return filepath.Join(runtimeSocketDir(), "diaryd.sock")
}

// Target returns the named delivery target, or nil if not configured.
func (c *Config) Target(name string) *TargetConfig {
	for i := range c.Delivery.Targets {
		if c.Delivery.Targets[i].Name == name {
			return &c.Delivery.Targets[i]
		}
	}
	return nil
}

// AttemptTimeoutSec returns the per-attempt timeout for a target,
// falling back to the global delivery timeout.
func (c *Config) AttemptTimeoutSec(t *TargetConfig) int {
	if t != nil && t.TimeoutSec > 0 {
		return t.TimeoutSec
	}
	return c.Delivery.TimeoutSec
}
