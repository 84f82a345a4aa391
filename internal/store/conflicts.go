package store

import (
	"database/sql"
	"fmt"

	"diaryd/internal/access"
	"diaryd/internal/conflict"
)

// InsertConflict persists the durable trace of a rejected write and
// fills in the row id.
func (s *Store) InsertConflict(r *conflict.Record) error {
	const cols = `tenant_id, site_id, subject_id, stream, event_id, actor_id,
		claimed_seq, actual_seq, payload, detected_at_ns, resolution, resolved_by, resolved_at_ns`
	args := []any{
		r.TenantID, r.SiteID, r.SubjectID, r.Stream, r.EventID.String(), r.ActorID,
		r.ClaimedSeq, r.ActualSeq, []byte(r.Payload), r.DetectedAtNs, r.Resolution, r.ResolvedBy, r.ResolvedAtNs,
	}

	if s.driver == DriverPostgres {
		err := s.db.QueryRow(s.rebind(
			"INSERT INTO conflicts ("+cols+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id"),
			args...,
		).Scan(&r.ID)
		if err != nil {
			return fmt.Errorf("insert conflict: %w", err)
		}
		return nil
	}

	res, err := s.db.Exec(
		"INSERT INTO conflicts ("+cols+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		args...,
	)
	if err != nil {
		return fmt.Errorf("insert conflict: %w", err)
	}
	r.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("conflict row id: %w", err)
	}
	return nil
}

// Conflicts lists conflict records under a read scope, newest first.
// onlyOpen restricts to pending records; limit <= 0 means no limit.
func (s *Store) Conflicts(scope access.Scope, onlyOpen bool, limit int) ([]conflict.Record, error) {
	q := "SELECT " + conflictColumns + " FROM conflicts WHERE tenant_id = ?"
	args := []any{scope.TenantID}
	q, args = scopeClauses(q, args, scope)
	if onlyOpen {
		q += " AND resolution = ?"
		args = append(args, conflict.ResolutionPending)
	}
	q += " ORDER BY id DESC"
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.Query(s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var out []conflict.Record
	for rows.Next() {
		r, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ConflictByID returns one conflict record, or nil when unknown.
func (s *Store) ConflictByID(id int64) (*conflict.Record, error) {
	row := s.db.QueryRow(s.rebind(
		"SELECT "+conflictColumns+" FROM conflicts WHERE id = ?"),
		id,
	)
	r, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load conflict: %w", err)
	}
	return r, nil
}

// CountOpenConflicts returns the number of pending conflict records,
// optionally for one tenant.
func (s *Store) CountOpenConflicts(tenant string) (int64, error) {
	q := "SELECT COUNT(*) FROM conflicts WHERE resolution = ?"
	args := []any{conflict.ResolutionPending}
	if tenant != "" {
		q += " AND tenant_id = ?"
		args = append(args, tenant)
	}
	var n int64
	if err := s.db.QueryRow(s.rebind(q), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count open conflicts: %w", err)
	}
	return n, nil
}

// ResolveConflict closes one record by id. Used by the operator
// withdraw path; resolving resubmissions close their records inside the
// append transaction instead. Returns false when the record was not
// pending.
func (s *Store) ResolveConflict(id int64, resolution, resolvedBy string, nowNs int64) (bool, error) {
	res, err := s.db.Exec(s.rebind(`
		UPDATE conflicts SET resolution = ?, resolved_by = ?, resolved_at_ns = ?
		WHERE id = ? AND resolution = ?`),
		resolution, resolvedBy, nowNs, id, conflict.ResolutionPending,
	)
	if err != nil {
		return false, fmt.Errorf("resolve conflict: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resolve conflict rows: %w", err)
	}
	return n == 1, nil
}
