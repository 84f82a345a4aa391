package store

import (
	"fmt"
	"time"
)

// Migration is one versioned schema step. SQLite and PostgreSQL differ
// on blob and auto-increment syntax, so each step carries both forms;
// Down is shared.
type Migration struct {
	Version     int
	Description string
	SQLite      string
	Postgres    string
	Down        string
}

func (m Migration) up(driver string) string {
	if driver == DriverPostgres {
		return m.Postgres
	}
	return m.SQLite
}

// migrations contains all schema migrations in order.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema: event log, subject states, tenant sequence counters",
		SQLite:      migrationV1SQLite,
		Postgres:    migrationV1Postgres,
		Down:        migrationV1Down,
	},
	{
		Version:     2,
		Description: "Conflict records for rejected writes",
		SQLite:      migrationV2SQLite,
		Postgres:    migrationV2Postgres,
		Down:        migrationV2Down,
	},
	{
		Version:     3,
		Description: "Per-target delivery records for the sync worker",
		SQLite:      migrationV3Up,
		Postgres:    migrationV3Up,
		Down:        migrationV3Down,
	},
	{
		Version:     4,
		Description: "Durable chain halts",
		SQLite:      migrationV4Up,
		Postgres:    migrationV4Up,
		Down:        migrationV4Down,
	},
}

// Payload and evidence are stored as raw bytes, never a JSON column
// type: replay must return byte-identical content, and JSONB would
// normalize it.

const migrationV1SQLite = `
-- Per-tenant sequence counters: the single serialization point for
-- sequence_id allocation.
CREATE TABLE IF NOT EXISTS tenant_sequences (
    tenant_id   TEXT PRIMARY KEY,
    next_seq    BIGINT NOT NULL
);

-- The append-only event log. No UPDATE or DELETE ever runs against
-- this table.
CREATE TABLE IF NOT EXISTS events (
    tenant_id       TEXT NOT NULL,
    sequence_id     BIGINT NOT NULL,
    event_id        TEXT NOT NULL UNIQUE,
    site_id         TEXT NOT NULL,
    subject_id      TEXT NOT NULL,
    operation       TEXT NOT NULL,
    parent_seq      BIGINT,
    actor_id        TEXT NOT NULL,
    actor_role      TEXT NOT NULL,
    payload         BLOB,
    change_reason   TEXT NOT NULL DEFAULT '',
    evidence        BLOB,
    client_time_ns  BIGINT NOT NULL,
    recorded_at_ns  BIGINT NOT NULL,
    content_hash    BLOB NOT NULL,
    chain_hash      BLOB NOT NULL,
    PRIMARY KEY (tenant_id, sequence_id)
);

CREATE INDEX IF NOT EXISTS idx_events_subject ON events(tenant_id, subject_id, sequence_id);
CREATE INDEX IF NOT EXISTS idx_events_site ON events(tenant_id, site_id, sequence_id);

-- Materialized subject state, owned by the projector.
CREATE TABLE IF NOT EXISTS states (
    tenant_id      TEXT NOT NULL,
    subject_id     TEXT NOT NULL,
    site_id        TEXT NOT NULL,
    payload        BLOB,
    version        BIGINT NOT NULL,
    last_seq       BIGINT NOT NULL,
    data_seq       BIGINT NOT NULL,
    note_seq       BIGINT NOT NULL DEFAULT 0,
    deleted        BOOLEAN NOT NULL DEFAULT FALSE,
    created_at_ns  BIGINT NOT NULL,
    updated_at_ns  BIGINT NOT NULL,
    PRIMARY KEY (tenant_id, subject_id)
);

CREATE INDEX IF NOT EXISTS idx_states_site ON states(tenant_id, site_id);
`

const migrationV1Postgres = `
CREATE TABLE IF NOT EXISTS tenant_sequences (
    tenant_id   TEXT PRIMARY KEY,
    next_seq    BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
    tenant_id       TEXT NOT NULL,
    sequence_id     BIGINT NOT NULL,
    event_id        TEXT NOT NULL UNIQUE,
    site_id         TEXT NOT NULL,
    subject_id      TEXT NOT NULL,
    operation       TEXT NOT NULL,
    parent_seq      BIGINT,
    actor_id        TEXT NOT NULL,
    actor_role      TEXT NOT NULL,
    payload         BYTEA,
    change_reason   TEXT NOT NULL DEFAULT '',
    evidence        BYTEA,
    client_time_ns  BIGINT NOT NULL,
    recorded_at_ns  BIGINT NOT NULL,
    content_hash    BYTEA NOT NULL,
    chain_hash      BYTEA NOT NULL,
    PRIMARY KEY (tenant_id, sequence_id)
);

CREATE INDEX IF NOT EXISTS idx_events_subject ON events(tenant_id, subject_id, sequence_id);
CREATE INDEX IF NOT EXISTS idx_events_site ON events(tenant_id, site_id, sequence_id);

CREATE TABLE IF NOT EXISTS states (
    tenant_id      TEXT NOT NULL,
    subject_id     TEXT NOT NULL,
    site_id        TEXT NOT NULL,
    payload        BYTEA,
    version        BIGINT NOT NULL,
    last_seq       BIGINT NOT NULL,
    data_seq       BIGINT NOT NULL,
    note_seq       BIGINT NOT NULL DEFAULT 0,
    deleted        BOOLEAN NOT NULL DEFAULT FALSE,
    created_at_ns  BIGINT NOT NULL,
    updated_at_ns  BIGINT NOT NULL,
    PRIMARY KEY (tenant_id, subject_id)
);

CREATE INDEX IF NOT EXISTS idx_states_site ON states(tenant_id, site_id);
`

const migrationV1Down = `
DROP INDEX IF EXISTS idx_states_site;
DROP TABLE IF EXISTS states;
DROP INDEX IF EXISTS idx_events_site;
DROP INDEX IF EXISTS idx_events_subject;
DROP TABLE IF EXISTS events;
DROP TABLE IF EXISTS tenant_sequences;
`

const migrationV2SQLite = `
-- Durable trace of rejected writes, kept for site review. Closed by the
-- caller's resolving resubmission or by an operator.
CREATE TABLE IF NOT EXISTS conflicts (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    tenant_id      TEXT NOT NULL,
    site_id        TEXT NOT NULL,
    subject_id     TEXT NOT NULL,
    stream         TEXT NOT NULL,
    event_id       TEXT NOT NULL,
    actor_id       TEXT NOT NULL,
    claimed_seq    BIGINT NOT NULL,
    actual_seq     BIGINT NOT NULL,
    payload        BLOB,
    detected_at_ns BIGINT NOT NULL,
    resolution     TEXT NOT NULL DEFAULT 'pending',
    resolved_by    TEXT NOT NULL DEFAULT '',
    resolved_at_ns BIGINT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_conflicts_subject ON conflicts(tenant_id, subject_id, resolution);
`

const migrationV2Postgres = `
CREATE TABLE IF NOT EXISTS conflicts (
    id             BIGSERIAL PRIMARY KEY,
    tenant_id      TEXT NOT NULL,
    site_id        TEXT NOT NULL,
    subject_id     TEXT NOT NULL,
    stream         TEXT NOT NULL,
    event_id       TEXT NOT NULL,
    actor_id       TEXT NOT NULL,
    claimed_seq    BIGINT NOT NULL,
    actual_seq     BIGINT NOT NULL,
    payload        BYTEA,
    detected_at_ns BIGINT NOT NULL,
    resolution     TEXT NOT NULL DEFAULT 'pending',
    resolved_by    TEXT NOT NULL DEFAULT '',
    resolved_at_ns BIGINT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_conflicts_subject ON conflicts(tenant_id, subject_id, resolution);
`

const migrationV2Down = `
DROP INDEX IF EXISTS idx_conflicts_subject;
DROP TABLE IF EXISTS conflicts;
`

const migrationV3Up = `
-- One row per event per downstream target, created lazily by the sync
-- worker and updated in place until terminal.
CREATE TABLE IF NOT EXISTS deliveries (
    target         TEXT NOT NULL,
    tenant_id      TEXT NOT NULL,
    sequence_id    BIGINT NOT NULL,
    status         TEXT NOT NULL DEFAULT 'pending',
    attempt_count  BIGINT NOT NULL DEFAULT 0,
    next_retry_ns  BIGINT NOT NULL DEFAULT 0,
    last_error     TEXT NOT NULL DEFAULT '',
    updated_at_ns  BIGINT NOT NULL,
    PRIMARY KEY (target, tenant_id, sequence_id)
);

CREATE INDEX IF NOT EXISTS idx_deliveries_status ON deliveries(target, tenant_id, status, sequence_id);
`

const migrationV3Down = `
DROP INDEX IF EXISTS idx_deliveries_status;
DROP TABLE IF EXISTS deliveries;
`

const migrationV4Up = `
-- A halt must survive the process: appends stay rejected across
-- restarts until an operator resumes the tenant.
CREATE TABLE IF NOT EXISTS chain_halts (
    tenant_id     TEXT PRIMARY KEY,
    reason        TEXT NOT NULL,
    halted_at_ns  BIGINT NOT NULL
);
`

const migrationV4Down = `
DROP TABLE IF EXISTS chain_halts;
`

// migrate applies all pending migrations.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  BIGINT NOT NULL,
			description TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var currentVersion int
	err = s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.up(s.driver)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			s.rebind("INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)"),
			m.Version, time.Now().UnixNano(), m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// MigrationStatus reports applied and pending schema versions.
type MigrationStatus struct {
	CurrentVersion int
	LatestVersion  int
	Applied        []AppliedMigration
	Pending        []int
}

type AppliedMigration struct {
	Version     int
	AppliedAt   time.Time
	Description string
}

// Status returns the migration state of the open database.
func (s *Store) Status() (*MigrationStatus, error) {
	status := &MigrationStatus{LatestVersion: len(migrations)}

	rows, err := s.db.Query("SELECT version, applied_at, description FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("query migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var am AppliedMigration
		var appliedAt int64
		if err := rows.Scan(&am.Version, &appliedAt, &am.Description); err != nil {
			return nil, fmt.Errorf("scan migration: %w", err)
		}
		am.AppliedAt = time.Unix(0, appliedAt)
		status.Applied = append(status.Applied, am)
		applied[am.Version] = true
		if am.Version > status.CurrentVersion {
			status.CurrentVersion = am.Version
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate migrations: %w", err)
	}

	for _, m := range migrations {
		if !applied[m.Version] {
			status.Pending = append(status.Pending, m.Version)
		}
	}
	return status, nil
}
