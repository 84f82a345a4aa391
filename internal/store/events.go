package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"diaryd/internal/access"
	"diaryd/internal/conflict"
	"diaryd/internal/event"
	"diaryd/internal/project"
)

// ErrDuplicateEvent reports that a candidate's event id is already in
// the log. The engine resolves it to either an idempotent accept or a
// validation failure by comparing the stored event.
var ErrDuplicateEvent = errors.New("event id already recorded")

// Append runs the atomic append unit for one candidate: allocate the
// next per-tenant sequence under the tenant lock, re-check lineage
// against the stored state, hash, insert, project, and upsert the new
// state. All of it commits or none of it does; a losing racer gets
// *event.ConflictError and leaves no trace in the log.
//
// When the candidate carries a resolution tag, the subject's pending
// conflict records on the same stream are closed in the same
// transaction.
func (s *Store) Append(c *event.Candidate, actorID, actorRole string) (*event.Event, *event.State, error) {
	if reason, ok := s.Halted(c.TenantID); ok {
		return nil, nil, &event.IntegrityError{
			TenantID: c.TenantID,
			Reason:   "chain halted: " + reason,
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, nil, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	seq, err := s.allocateSequence(tx, c.TenantID)
	if err != nil {
		return nil, nil, err
	}

	// Authoritative lineage check, under the tenant lock. The engine's
	// pre-check only shortens the losing path; this one decides.
	state, err := s.stateTx(tx, c.TenantID, c.SubjectID)
	if err != nil {
		return nil, nil, err
	}
	if err := conflict.Check(c, state); err != nil {
		return nil, nil, err
	}

	prev := event.ZeroHash
	if seq > 1 {
		prev, err = s.chainHashAt(tx, c.TenantID, seq-1)
		if err != nil {
			return nil, nil, err
		}
	}

	e := &event.Event{
		Sequence:     seq,
		EventID:      c.EventID,
		TenantID:     c.TenantID,
		SiteID:       c.SiteID,
		SubjectID:    c.SubjectID,
		Operation:    c.Operation,
		ParentSeq:    c.ParentSeq,
		ActorID:      actorID,
		ActorRole:    actorRole,
		Payload:      c.Payload,
		ChangeReason: c.ChangeReason,
		Evidence:     c.Evidence,
		ClientTimeNs: c.ClientTimeNs,
		RecordedAtNs: time.Now().UnixNano(),
	}
	e.ContentHash = event.ContentHash(e)
	e.ChainHash = event.ChainHash(e.Sequence, e.RecordedAtNs, e.ContentHash, prev)

	_, err = tx.Exec(s.rebind(`
		INSERT INTO events (tenant_id, sequence_id, event_id, site_id, subject_id, operation,
			parent_seq, actor_id, actor_role, payload, change_reason, evidence,
			client_time_ns, recorded_at_ns, content_hash, chain_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.TenantID, e.Sequence, e.EventID.String(), e.SiteID, e.SubjectID, string(e.Operation),
		nullableParent(e.ParentSeq), e.ActorID, e.ActorRole, []byte(e.Payload), e.ChangeReason, e.Evidence,
		e.ClientTimeNs, e.RecordedAtNs, e.ContentHash[:], e.ChainHash[:],
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, nil, ErrDuplicateEvent
		}
		return nil, nil, fmt.Errorf("insert event: %w", err)
	}

	next, err := project.Apply(e, state)
	if err != nil {
		// The conflict check passed, so a projection failure means the
		// stored state and the log disagree.
		return nil, nil, &event.IntegrityError{
			TenantID: c.TenantID,
			Sequence: seq,
			Reason:   fmt.Sprintf("projection failed: %v", err),
		}
	}
	if err := s.upsertState(tx, next); err != nil {
		return nil, nil, err
	}

	if c.Resolution != event.ResolutionNone {
		stream := conflict.StreamFor(c.Operation)
		_, err = tx.Exec(s.rebind(`
			UPDATE conflicts SET resolution = ?, resolved_by = ?, resolved_at_ns = ?
			WHERE tenant_id = ? AND subject_id = ? AND stream = ? AND resolution = ?`),
			string(c.Resolution), actorID, e.RecordedAtNs,
			c.TenantID, c.SubjectID, stream, conflict.ResolutionPending,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("close conflicts: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit append: %w", err)
	}
	return e, next, nil
}

// allocateSequence claims the next sequence number for a tenant. The
// row is the per-tenant serialization point: SQLite serializes at BEGIN
// IMMEDIATE, PostgreSQL on the row lock.
func (s *Store) allocateSequence(tx *sql.Tx, tenant string) (int64, error) {
	_, err := tx.Exec(s.rebind(
		"INSERT INTO tenant_sequences (tenant_id, next_seq) VALUES (?, 1) ON CONFLICT (tenant_id) DO NOTHING"),
		tenant,
	)
	if err != nil {
		return 0, fmt.Errorf("ensure sequence row: %w", err)
	}

	q := "SELECT next_seq FROM tenant_sequences WHERE tenant_id = ?"
	if s.driver == DriverPostgres {
		q += " FOR UPDATE"
	}
	var seq int64
	if err := tx.QueryRow(s.rebind(q), tenant).Scan(&seq); err != nil {
		return 0, fmt.Errorf("lock sequence row: %w", err)
	}

	_, err = tx.Exec(s.rebind("UPDATE tenant_sequences SET next_seq = ? WHERE tenant_id = ?"), seq+1, tenant)
	if err != nil {
		return 0, fmt.Errorf("advance sequence: %w", err)
	}
	return seq, nil
}

func (s *Store) chainHashAt(tx *sql.Tx, tenant string, seq int64) ([32]byte, error) {
	var raw []byte
	err := tx.QueryRow(s.rebind(
		"SELECT chain_hash FROM events WHERE tenant_id = ? AND sequence_id = ?"),
		tenant, seq,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		// The counter says seq exists but the log has no row: a gap,
		// which the append must not paper over.
		return event.ZeroHash, &event.IntegrityError{
			TenantID: tenant,
			Sequence: seq,
			Reason:   "predecessor event missing from log",
		}
	}
	if err != nil {
		return event.ZeroHash, fmt.Errorf("load chain head: %w", err)
	}
	var h [32]byte
	if err := copyHash(&h, raw); err != nil {
		return event.ZeroHash, &event.IntegrityError{
			TenantID: tenant,
			Sequence: seq,
			Reason:   err.Error(),
		}
	}
	return h, nil
}

func (s *Store) upsertState(tx *sql.Tx, st *event.State) error {
	_, err := tx.Exec(s.rebind(`
		INSERT INTO states (tenant_id, subject_id, site_id, payload, version, last_seq,
			data_seq, note_seq, deleted, created_at_ns, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, subject_id) DO UPDATE SET
			site_id = excluded.site_id,
			payload = excluded.payload,
			version = excluded.version,
			last_seq = excluded.last_seq,
			data_seq = excluded.data_seq,
			note_seq = excluded.note_seq,
			deleted = excluded.deleted,
			updated_at_ns = excluded.updated_at_ns`),
		st.TenantID, st.SubjectID, st.SiteID, []byte(st.Payload), st.Version, st.LastSeq,
		st.DataSeq, st.NoteSeq, st.Deleted, st.CreatedAtNs, st.UpdatedAtNs,
	)
	if err != nil {
		return fmt.Errorf("upsert state: %w", err)
	}
	return nil
}

func (s *Store) stateTx(tx *sql.Tx, tenant, subject string) (*event.State, error) {
	row := tx.QueryRow(s.rebind(
		"SELECT "+stateColumns+" FROM states WHERE tenant_id = ? AND subject_id = ?"),
		tenant, subject,
	)
	st, err := scanState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	return st, nil
}

// State returns the materialized state of one subject, or nil when the
// subject has no events.
func (s *Store) State(tenant, subject string) (*event.State, error) {
	row := s.db.QueryRow(s.rebind(
		"SELECT "+stateColumns+" FROM states WHERE tenant_id = ? AND subject_id = ?"),
		tenant, subject,
	)
	st, err := scanState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	return st, nil
}

// States lists materialized states under a read scope, ordered by
// subject id. limit <= 0 means no limit.
func (s *Store) States(scope access.Scope, limit int) ([]event.State, error) {
	q := "SELECT " + stateColumns + " FROM states WHERE tenant_id = ?"
	args := []any{scope.TenantID}
	q, args = scopeClauses(q, args, scope)
	q += " ORDER BY subject_id"
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.Query(s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}
	defer rows.Close()

	var out []event.State
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

// SubjectEvents returns one subject's events with from <= sequence <= to
// in ascending order. to <= 0 means no upper bound.
func (s *Store) SubjectEvents(tenant, subject string, from, to int64) ([]event.Event, error) {
	q := "SELECT " + eventColumns + " FROM events WHERE tenant_id = ? AND subject_id = ? AND sequence_id >= ?"
	args := []any{tenant, subject, from}
	if to > 0 {
		q += " AND sequence_id <= ?"
		args = append(args, to)
	}
	q += " ORDER BY sequence_id"
	return s.queryEvents(q, args...)
}

// TenantEvents returns a tenant's events under a read scope with
// from <= sequence <= to in ascending order. to <= 0 means no upper
// bound; limit <= 0 means no limit.
func (s *Store) TenantEvents(scope access.Scope, from, to int64, limit int) ([]event.Event, error) {
	q := "SELECT " + eventColumns + " FROM events WHERE tenant_id = ? AND sequence_id >= ?"
	args := []any{scope.TenantID, from}
	if to > 0 {
		q += " AND sequence_id <= ?"
		args = append(args, to)
	}
	q, args = scopeClauses(q, args, scope)
	q += " ORDER BY sequence_id"
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryEvents(q, args...)
}

// EventAt returns the event at one tenant sequence position, or nil
// when the position is beyond the head.
func (s *Store) EventAt(tenant string, seq int64) (*event.Event, error) {
	row := s.db.QueryRow(s.rebind(
		"SELECT "+eventColumns+" FROM events WHERE tenant_id = ? AND sequence_id = ?"),
		tenant, seq,
	)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load event: %w", err)
	}
	return e, nil
}

// EventByID returns the event with the given client-assigned id, or nil
// when unknown. Used for idempotent resubmission handling.
func (s *Store) EventByID(id string) (*event.Event, error) {
	row := s.db.QueryRow(s.rebind(
		"SELECT "+eventColumns+" FROM events WHERE event_id = ?"),
		id,
	)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load event by id: %w", err)
	}
	return e, nil
}

// TenantHead returns the highest allocated sequence for a tenant, 0 when
// the tenant has no events.
func (s *Store) TenantHead(tenant string) (int64, error) {
	var head int64
	err := s.db.QueryRow(s.rebind(
		"SELECT COALESCE(MAX(sequence_id), 0) FROM events WHERE tenant_id = ?"),
		tenant,
	).Scan(&head)
	if err != nil {
		return 0, fmt.Errorf("load tenant head: %w", err)
	}
	return head, nil
}

// Tenants returns every tenant id that has allocated at least one
// sequence number, sorted.
func (s *Store) Tenants() ([]string, error) {
	rows, err := s.db.Query("SELECT tenant_id FROM tenant_sequences ORDER BY tenant_id")
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountEvents returns the total event count, optionally for one tenant.
func (s *Store) CountEvents(tenant string) (int64, error) {
	q := "SELECT COUNT(*) FROM events"
	var args []any
	if tenant != "" {
		q += " WHERE tenant_id = ?"
		args = append(args, tenant)
	}
	var n int64
	if err := s.db.QueryRow(s.rebind(q), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func (s *Store) queryEvents(q string, args ...any) ([]event.Event, error) {
	rows, err := s.db.Query(s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// scopeClauses appends the site/subject restrictions of a read scope to
// a WHERE clause already filtered by tenant.
func scopeClauses(q string, args []any, scope access.Scope) (string, []any) {
	if scope.SubjectID != "" {
		q += " AND subject_id = ?"
		args = append(args, scope.SubjectID)
	}
	if scope.SiteIDs != nil {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(scope.SiteIDs)), ",")
		if len(scope.SiteIDs) == 0 {
			// A site-scoped caller with no sites sees nothing.
			q += " AND 1 = 0"
		} else {
			q += " AND site_id IN (" + placeholders + ")"
			for _, site := range scope.SiteIDs {
				args = append(args, site)
			}
		}
	}
	return q, args
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
