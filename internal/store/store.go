// Package store persists the append-only event log, the materialized
// subject states, conflict records, and per-target delivery cursors. It
// runs on SQLite for embedded and single-node deployments and on
// PostgreSQL for server deployments; the SQL is written once with `?`
// placeholders and rebound per dialect.
//
// Events are written exactly once. The store exposes no update or
// delete of an event row; out-of-band tampering is caught by the chain
// verification walk.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options selects the backend. Path is the SQLite file; DSN is the
// PostgreSQL connection string.
type Options struct {
	Driver        string
	Path          string
	DSN           string
	MaxOpenConns  int
	MaxIdleConns  int
	BusyTimeoutMs int // SQLite only
}

// Store wraps the database handle plus the chain-halt set, held in
// memory for the append fast path and backed by the chain_halts table.
// A tenant whose chain failed an integrity check stops accepting
// appends until an operator resumes it, restarts included.
type Store struct {
	db     *sql.DB
	driver string

	mu     sync.Mutex
	halted map[string]string // tenant id -> halt reason
}

// Open opens the configured backend and applies pending migrations.
func Open(opts Options) (*Store, error) {
	var db *sql.DB
	var err error

	switch opts.Driver {
	case DriverSQLite:
		if opts.Path == "" {
			return nil, fmt.Errorf("sqlite driver requires a database path")
		}
		// 0700/0600: the file holds subject diary data.
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		busyMs := opts.BusyTimeoutMs
		if busyMs <= 0 {
			busyMs = 5000
		}
		// _txlock=immediate takes the write lock at BEGIN so two
		// appends serialize at the transaction boundary instead of
		// failing mid-flight with SQLITE_BUSY.
		db, err = sql.Open("sqlite3", fmt.Sprintf(
			"%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate",
			opts.Path, busyMs,
		))
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(1)
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("open database file: %w", err)
		}
		if err := os.Chmod(opts.Path, 0600); err != nil {
			db.Close()
			return nil, fmt.Errorf("set database permissions: %w", err)
		}
	case DriverPostgres:
		if opts.DSN == "" {
			return nil, fmt.Errorf("postgres driver requires a dsn")
		}
		db, err = sql.Open("postgres", opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		maxOpen := opts.MaxOpenConns
		if maxOpen <= 0 {
			maxOpen = 25
		}
		maxIdle := opts.MaxIdleConns
		if maxIdle <= 0 {
			maxIdle = 5
		}
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(maxIdle)
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
	}

	s := &Store{
		db:     db,
		driver: opts.Driver,
		halted: make(map[string]string),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.loadHalts(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks the backend is reachable.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// Driver returns the configured driver name.
func (s *Store) Driver() string {
	return s.driver
}

// rebind rewrites `?` placeholders to `$n` for PostgreSQL. SQLite takes
// the query as written.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// HaltTenant marks a tenant chain as failed. Appends to it are rejected
// until ResumeTenant; the halt is written through to chain_halts so a
// restart does not silently lift it. The in-memory set is updated even
// when the write fails, so the running process still rejects appends.
func (s *Store) HaltTenant(tenant, reason string) error {
	s.mu.Lock()
	s.halted[tenant] = reason
	s.mu.Unlock()

	_, err := s.db.Exec(s.rebind(`
		INSERT INTO chain_halts (tenant_id, reason, halted_at_ns)
		VALUES (?, ?, ?)
		ON CONFLICT (tenant_id) DO UPDATE SET
			reason = excluded.reason,
			halted_at_ns = excluded.halted_at_ns`),
		tenant, reason, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("persist chain halt: %w", err)
	}
	return nil
}

// ResumeTenant clears a halt. Only an operator action calls this.
func (s *Store) ResumeTenant(tenant string) error {
	s.mu.Lock()
	delete(s.halted, tenant)
	s.mu.Unlock()

	if _, err := s.db.Exec(s.rebind(`DELETE FROM chain_halts WHERE tenant_id = ?`), tenant); err != nil {
		return fmt.Errorf("clear chain halt: %w", err)
	}
	return nil
}

// loadHalts restores the halt set persisted by earlier runs.
func (s *Store) loadHalts() error {
	rows, err := s.db.Query(`SELECT tenant_id, reason FROM chain_halts`)
	if err != nil {
		return fmt.Errorf("load chain halts: %w", err)
	}
	defer rows.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	for rows.Next() {
		var tenant, reason string
		if err := rows.Scan(&tenant, &reason); err != nil {
			return fmt.Errorf("load chain halts: %w", err)
		}
		s.halted[tenant] = reason
	}
	return rows.Err()
}

// Halted reports whether a tenant chain is halted and why.
func (s *Store) Halted(tenant string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reason, ok := s.halted[tenant]
	return reason, ok
}

// HaltedTenants returns a copy of the halt set for status reporting.
func (s *Store) HaltedTenants() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.halted))
	for k, v := range s.halted {
		out[k] = v
	}
	return out
}
