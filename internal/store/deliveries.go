package store

import (
	"database/sql"
	"fmt"
)

// DeliveryHead returns the event blocking a target's cursor for one
// tenant: the lowest sequence whose delivery row is not terminal. When
// every existing row is terminal it lazily opens a pending row for the
// next undelivered event. nil means the target is fully caught up.
//
// Rows are only ever created here and only in sequence order, so at most
// one non-terminal row exists per (target, tenant) at any time.
func (s *Store) DeliveryHead(target, tenant string, nowNs int64) (*Delivery, error) {
	row := s.db.QueryRow(s.rebind(
		"SELECT "+deliveryColumns+` FROM deliveries
		WHERE target = ? AND tenant_id = ? AND status NOT IN (?, ?)
		ORDER BY sequence_id LIMIT 1`),
		target, tenant, DeliverySucceeded, DeliverySkipped,
	)
	d, err := scanDelivery(row)
	if err == nil {
		return d, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("load delivery head: %w", err)
	}

	var cursor int64
	err = s.db.QueryRow(s.rebind(
		"SELECT COALESCE(MAX(sequence_id), 0) FROM deliveries WHERE target = ? AND tenant_id = ?"),
		target, tenant,
	).Scan(&cursor)
	if err != nil {
		return nil, fmt.Errorf("load delivery cursor: %w", err)
	}

	head, err := s.TenantHead(tenant)
	if err != nil {
		return nil, err
	}
	if cursor >= head {
		return nil, nil
	}

	next := &Delivery{
		Target:      target,
		TenantID:    tenant,
		Sequence:    cursor + 1,
		Status:      DeliveryPending,
		UpdatedAtNs: nowNs,
	}
	_, err = s.db.Exec(s.rebind(`
		INSERT INTO deliveries (target, tenant_id, sequence_id, status, attempt_count, next_retry_ns, last_error, updated_at_ns)
		VALUES (?, ?, ?, ?, 0, 0, '', ?)
		ON CONFLICT (target, tenant_id, sequence_id) DO NOTHING`),
		target, tenant, next.Sequence, DeliveryPending, nowNs,
	)
	if err != nil {
		return nil, fmt.Errorf("open delivery row: %w", err)
	}
	return next, nil
}

// MarkDelivering flags the row while an attempt is in flight.
func (s *Store) MarkDelivering(target, tenant string, seq, nowNs int64) error {
	return s.updateDelivery(
		"UPDATE deliveries SET status = ?, updated_at_ns = ? WHERE target = ? AND tenant_id = ? AND sequence_id = ?",
		DeliveryDelivering, nowNs, target, tenant, seq,
	)
}

// MarkDelivered records a successful attempt. The cursor advances past
// this sequence on the worker's next pass.
func (s *Store) MarkDelivered(target, tenant string, seq, nowNs int64) error {
	return s.updateDelivery(
		"UPDATE deliveries SET status = ?, last_error = '', updated_at_ns = ? WHERE target = ? AND tenant_id = ? AND sequence_id = ?",
		DeliverySucceeded, nowNs, target, tenant, seq,
	)
}

// MarkDeliveryFailed records a failed attempt and schedules the retry.
// The same sequence stays at the head of the stream until it succeeds
// or an operator skips it.
func (s *Store) MarkDeliveryFailed(target, tenant string, seq, attempts, nextRetryNs int64, lastErr string, nowNs int64) error {
	return s.updateDelivery(
		`UPDATE deliveries SET status = ?, attempt_count = ?, next_retry_ns = ?, last_error = ?, updated_at_ns = ?
		WHERE target = ? AND tenant_id = ? AND sequence_id = ?`,
		DeliveryFailed, attempts, nextRetryNs, lastErr, nowNs, target, tenant, seq,
	)
}

// SkipDelivery is the operator bypass for a stuck head. It only touches
// a non-terminal row, so a late skip after the event finally delivered
// is a no-op; the return value reports whether the skip took effect.
func (s *Store) SkipDelivery(target, tenant string, seq, nowNs int64) (bool, error) {
	res, err := s.db.Exec(s.rebind(`
		UPDATE deliveries SET status = ?, updated_at_ns = ?
		WHERE target = ? AND tenant_id = ? AND sequence_id = ? AND status NOT IN (?, ?)`),
		DeliverySkipped, nowNs, target, tenant, seq, DeliverySucceeded, DeliverySkipped,
	)
	if err != nil {
		return false, fmt.Errorf("skip delivery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("skip delivery rows: %w", err)
	}
	return n == 1, nil
}

// Deliveries lists a target's recent rows for one tenant, newest first.
// limit <= 0 means no limit.
func (s *Store) Deliveries(target, tenant string, limit int) ([]Delivery, error) {
	q := "SELECT " + deliveryColumns + " FROM deliveries WHERE target = ? AND tenant_id = ? ORDER BY sequence_id DESC"
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.Query(s.rebind(q), target, tenant)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// DeliveryLag returns how many of a tenant's events a target has not yet
// resolved (delivered or skipped).
func (s *Store) DeliveryLag(target, tenant string) (int64, error) {
	head, err := s.TenantHead(tenant)
	if err != nil {
		return 0, err
	}
	var done int64
	err = s.db.QueryRow(s.rebind(
		"SELECT COALESCE(MAX(sequence_id), 0) FROM deliveries WHERE target = ? AND tenant_id = ? AND status IN (?, ?)"),
		target, tenant, DeliverySucceeded, DeliverySkipped,
	).Scan(&done)
	if err != nil {
		return 0, fmt.Errorf("load delivery progress: %w", err)
	}
	if done > head {
		return 0, nil
	}
	return head - done, nil
}

func (s *Store) updateDelivery(q string, args ...any) error {
	res, err := s.db.Exec(s.rebind(q), args...)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update delivery rows: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("update delivery: no matching row")
	}
	return nil
}
