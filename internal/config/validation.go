package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateAPI(&c.API)...)
	errs = append(errs, validateDelivery(&c.Delivery)...)
	errs = append(errs, validateCache(&c.Cache)...)
	errs = append(errs, validateSigning(&c.Signing)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateAudit(&c.Audit)...)
	errs = append(errs, validateIPC(&c.IPC)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	switch s.Driver {
	case "sqlite":
		if s.Path == "" {
			errs = append(errs, ValidationError{
				Field:   "storage.path",
				Message: "database path is required for sqlite storage",
			})
		}
	case "postgres":
		if s.DSN == "" {
			errs = append(errs, ValidationError{
				Field:   "storage.dsn",
				Message: "connection string is required for postgres storage",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "storage.driver",
			Message: fmt.Sprintf("invalid storage driver: %s (valid: sqlite, postgres)", s.Driver),
		})
	}

	if s.MaxOpenConns < 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.max_open_conns",
			Message: "max open connections cannot be negative",
		})
	}

	if s.BusyTimeoutMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.busy_timeout_ms",
			Message: "busy timeout cannot be negative",
		})
	}

	return errs
}

func validateAPI(a *APIConfig) ValidationErrors {
	var errs ValidationErrors

	if !a.Enabled {
		return errs
	}

	if a.ListenAddr == "" {
		errs = append(errs, ValidationError{
			Field:   "api.listen_addr",
			Message: "listen address is required when the API is enabled",
		})
	} else if _, _, err := net.SplitHostPort(a.ListenAddr); err != nil {
		errs = append(errs, ValidationError{
			Field:   "api.listen_addr",
			Message: fmt.Sprintf("invalid listen address: %v", err),
		})
	}

	if a.ReadTimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "api.read_timeout_sec",
			Message: "read timeout must be at least 1 second",
		})
	}

	if a.WriteTimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "api.write_timeout_sec",
			Message: "write timeout must be at least 1 second",
		})
	}

	if a.MaxBodyBytes < 1024 {
		errs = append(errs, ValidationError{
			Field:   "api.max_body_bytes",
			Message: "max body size must be at least 1024 bytes",
		})
	}

	if a.SubmitRatePerSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "api.submit_rate_per_sec",
			Message: "submission rate cannot be negative",
		})
	}

	if a.SubmitRatePerSec > 0 && a.SubmitBurst < 1 {
		errs = append(errs, ValidationError{
			Field:   "api.submit_burst",
			Message: "submit burst must be at least 1 when rate limiting is enabled",
		})
	}

	return errs
}

func validateDelivery(d *DeliveryConfig) ValidationErrors {
	var errs ValidationErrors

	if !d.Enabled {
		return errs
	}

	if d.PollIntervalMs < 50 {
		errs = append(errs, ValidationError{
			Field:   "delivery.poll_interval_ms",
			Message: "poll interval must be at least 50ms",
		})
	}

	if d.TimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "delivery.timeout_sec",
			Message: "delivery timeout must be at least 1 second",
		})
	}

	if d.InitialBackoffMs < 1 {
		errs = append(errs, ValidationError{
			Field:   "delivery.initial_backoff_ms",
			Message: "initial backoff must be at least 1ms",
		})
	}

	if d.MaxBackoffMs < d.InitialBackoffMs {
		errs = append(errs, ValidationError{
			Field:   "delivery.max_backoff_ms",
			Message: "max backoff cannot be smaller than initial backoff",
		})
	}

	seen := make(map[string]bool, len(d.Targets))
	for i := range d.Targets {
		errs = append(errs, validateTarget(i, &d.Targets[i], seen)...)
	}

	return errs
}

func validateTarget(i int, t *TargetConfig, seen map[string]bool) ValidationErrors {
	var errs ValidationErrors
	field := func(name string) string {
		return fmt.Sprintf("delivery.targets[%d].%s", i, name)
	}

	if t.Name == "" {
		errs = append(errs, ValidationError{
			Field:   field("name"),
			Message: "target name is required",
		})
	} else if seen[t.Name] {
		// Names key delivery cursors; duplicates would interleave two
		// transports on one cursor.
		errs = append(errs, ValidationError{
			Field:   field("name"),
			Message: fmt.Sprintf("duplicate target name: %s", t.Name),
		})
	} else {
		seen[t.Name] = true
	}

	switch t.Type {
	case "http":
		if !isValidURL(t.URL) {
			errs = append(errs, ValidationError{
				Field:   field("url"),
				Message: fmt.Sprintf("invalid target URL: %s", t.URL),
			})
		}
	case "mqtt":
		if t.Broker == "" {
			errs = append(errs, ValidationError{
				Field:   field("broker"),
				Message: "broker URL is required for mqtt targets",
			})
		}
		if t.TopicPrefix == "" {
			errs = append(errs, ValidationError{
				Field:   field("topic_prefix"),
				Message: "topic prefix is required for mqtt targets",
			})
		}
		if t.QoS < 0 || t.QoS > 2 {
			errs = append(errs, ValidationError{
				Field:   field("qos"),
				Message: fmt.Sprintf("invalid QoS level: %d (valid: 0, 1, 2)", t.QoS),
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   field("type"),
			Message: fmt.Sprintf("invalid target type: %s (valid: http, mqtt)", t.Type),
		})
	}

	if t.TimeoutSec < 0 {
		errs = append(errs, ValidationError{
			Field:   field("timeout_sec"),
			Message: "timeout cannot be negative",
		})
	}

	return errs
}

func validateCache(c *CacheConfig) ValidationErrors {
	var errs ValidationErrors

	if !c.Enabled {
		return errs
	}

	if c.Addr == "" {
		errs = append(errs, ValidationError{
			Field:   "cache.addr",
			Message: "redis address is required when the cache is enabled",
		})
	}

	if c.DB < 0 {
		errs = append(errs, ValidationError{
			Field:   "cache.db",
			Message: "redis database number cannot be negative",
		})
	}

	if c.TTLSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "cache.ttl_sec",
			Message: "cache TTL must be at least 1 second",
		})
	}

	return errs
}

func validateSigning(s *SigningConfig) ValidationErrors {
	var errs ValidationErrors

	if s.Algorithm != "" && s.Algorithm != "ed25519" {
		errs = append(errs, ValidationError{
			Field:   "signing.algorithm",
			Message: fmt.Sprintf("unsupported algorithm: %s (valid: ed25519)", s.Algorithm),
		})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr", "file", "both":
		if (l.Output == "file" || l.Output == "both") && l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output includes 'file'",
			})
		}
	default:
		if l.Output == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.output",
				Message: "log output is required",
			})
		}
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}

	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}

	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}

	return errs
}

func validateAudit(a *AuditConfig) ValidationErrors {
	var errs ValidationErrors

	if !a.Enabled {
		return errs
	}

	if a.FilePath == "" {
		errs = append(errs, ValidationError{
			Field:   "audit.file_path",
			Message: "audit file path is required when the audit trail is enabled",
		})
	}

	if a.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "audit.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}

	if a.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "audit.max_backups",
			Message: "max backups cannot be negative",
		})
	}

	return errs
}

func validateIPC(i *IPCConfig) ValidationErrors {
	var errs ValidationErrors

	if !i.Enabled {
		return errs
	}

	if i.SocketPath == "" {
		errs = append(errs, ValidationError{
			Field:   "ipc.socket_path",
			Message: "socket path is required when IPC is enabled",
		})
	}

	if i.Permissions != "" {
		if matched, _ := regexp.MatchString(`^0[0-7]{3}$`, i.Permissions); !matched {
			errs = append(errs, ValidationError{
				Field:   "ipc.permissions",
				Message: fmt.Sprintf("invalid permissions format: %s (expected octal like 0600)", i.Permissions),
			})
		}
	}

	if i.MaxConnections < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.max_connections",
			Message: "max connections must be at least 1",
		})
	}

	if i.TimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.timeout_sec",
			Message: "timeout must be at least 1 second",
		})
	}

	return errs
}

// Helper functions

func isValidURL(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}
