// Package logging assembles diaryd's log stack on slog: leveled text or
// JSON output, size- and age-bounded file rotation, request id
// plumbing, and redaction of attribute keys that could carry diary
// content. The audit trail in audit.go shares the rotation machinery
// but is a separate append-only stream with its own retention rules.
package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Level aliases slog.Level so callers configure logging without
// importing slog themselves.
type Level = slog.Level

// Levels accepted by Config and ParseLevel.
const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Format selects the wire shape of log records.
type Format int

const (
	// FormatText renders human-readable key=value lines.
	FormatText Format = iota
	// FormatJSON renders one JSON object per line.
	FormatJSON
)

// Config describes a logger. The zero value is a stderr text logger at
// info level.
type Config struct {
	// Level is the minimum level that reaches the output. It can be
	// changed on a live logger with SetLevel.
	Level Level

	// Format picks text or JSON records.
	Format Format

	// Output routes records: "stdout", "stderr", "file", or "both"
	// (stderr plus file). Anything else falls back to stderr.
	Output string

	// FilePath is the rotating log file used when Output includes
	// "file".
	FilePath string

	// MaxSize is the rotation threshold in megabytes.
	MaxSize int64

	// MaxAge prunes rotated segments older than this many days.
	MaxAge int

	// MaxBackups caps how many rotated segments are kept.
	MaxBackups int

	// Compress gzips rotated segments.
	Compress bool

	// Component tags every record and prefixes request ids.
	Component string
}

// Logger is a slog.Logger bound to a dynamic level and, when file
// output is configured, a Rotator. Loggers derived with WithComponent
// or WithRequestID share the parent's level, sink, and id sequence.
type Logger struct {
	*slog.Logger
	level     *slog.LevelVar
	component string
	runID     string
	seq       *atomic.Uint64
	rotator   *Rotator
}

// New builds a Logger from cfg.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	out, rotator, err := resolveOutput(cfg)
	if err != nil {
		return nil, err
	}

	level := new(slog.LevelVar)
	level.Set(cfg.Level)

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if sensitiveKey(a.Key) {
				a.Value = slog.StringValue("[redacted]")
			}
			return a
		},
	}

	var h slog.Handler
	if cfg.Format == FormatJSON {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}

	component := cfg.Component
	if component == "" {
		component = "diaryd"
	}
	h = h.WithAttrs([]slog.Attr{slog.String("component", component)})

	return &Logger{
		Logger:    slog.New(h),
		level:     level,
		component: component,
		runID:     newRunID(),
		seq:       new(atomic.Uint64),
		rotator:   rotator,
	}, nil
}

// resolveOutput turns cfg.Output into a writer, opening a Rotator when
// file output is requested.
func resolveOutput(cfg *Config) (io.Writer, *Rotator, error) {
	openFile := func() (*Rotator, error) {
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("log output %q requires a file path", cfg.Output)
		}
		return NewRotator(cfg.FilePath, RotatorOptions{
			MaxBytes:   cfg.MaxSize << 20,
			MaxAgeDays: cfg.MaxAge,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		})
	}

	switch strings.ToLower(cfg.Output) {
	case "stdout":
		return os.Stdout, nil, nil
	case "file":
		r, err := openFile()
		if err != nil {
			return nil, nil, err
		}
		return r, r, nil
	case "both":
		r, err := openFile()
		if err != nil {
			return nil, nil, err
		}
		return io.MultiWriter(os.Stderr, r), r, nil
	default:
		return os.Stderr, nil, nil
	}
}

// redactedKeys are attribute keys whose values never reach a log
// stream. Diary payloads and annotation notes carry subject-reported
// health data; the rest are credentials that ride request or delivery
// target attributes.
var redactedKeys = map[string]struct{}{
	"payload":       {},
	"note":          {},
	"notes":         {},
	"answers":       {},
	"password":      {},
	"secret":        {},
	"token":         {},
	"bearer_token":  {},
	"credential":    {},
	"authorization": {},
	"cookie":        {},
	"api_key":       {},
	"private_key":   {},
}

// redactedSuffixes catch composite keys like entry_payload or
// broker_password without hitting unrelated keys such as public_key.
var redactedSuffixes = []string{
	"_payload", "_note", "_password", "_secret", "_token", "_credential",
}

func sensitiveKey(key string) bool {
	k := strings.ToLower(key)
	if _, ok := redactedKeys[k]; ok {
		return true
	}
	for _, suf := range redactedSuffixes {
		if strings.HasSuffix(k, suf) {
			return true
		}
	}
	return false
}

// SetLevel changes the minimum level for this logger and every logger
// derived from it. The daemon calls this when the config file changes
// on disk.
func (l *Logger) SetLevel(v Level) {
	l.level.Set(v)
}

// Level reports the current minimum level.
func (l *Logger) Level() Level {
	return l.level.Level()
}

// WithComponent returns a logger tagged with a subsystem name.
func (l *Logger) WithComponent(name string) *Logger {
	out := *l
	out.Logger = l.Logger.With(slog.String("component", name))
	out.component = name
	return &out
}

// WithRequestID returns a logger that stamps every record with the id.
func (l *Logger) WithRequestID(id string) *Logger {
	out := *l
	out.Logger = l.Logger.With(slog.String("request_id", id))
	return &out
}

// NewRequestID mints an id unique to this process run. The random run
// prefix keeps ids distinct across daemon restarts when log streams
// are merged downstream.
func (l *Logger) NewRequestID() string {
	return fmt.Sprintf("%s-%s-%04d", l.component, l.runID, l.seq.Add(1))
}

func newRunID() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(b[:])
}

// Close releases the rotating file, if any.
func (l *Logger) Close() error {
	if l.rotator == nil {
		return nil
	}
	return l.rotator.Close()
}

var (
	defaultMu     sync.Mutex
	defaultLogger *Logger
)

// Default returns the process-wide logger. Until SetDefault installs
// the configured one it writes text records to stderr at info level.
func Default() *Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		l, err := New(&Config{})
		if err != nil {
			l = &Logger{
				Logger:    slog.Default(),
				level:     new(slog.LevelVar),
				component: "diaryd",
				runID:     newRunID(),
				seq:       new(atomic.Uint64),
			}
		}
		defaultLogger = l
	}
	return defaultLogger
}

// SetDefault installs l as the process-wide logger and mirrors it into
// slog so stray slog calls land in the same stream.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
	slog.SetDefault(l.Logger)
}

type requestIDKey struct{}

// ContextWithRequestID stores a request id for handlers further down
// the call chain; the audit trail picks it up from there.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the stored request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// ParseLevel maps a config string to a Level. The empty string means
// info.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}
