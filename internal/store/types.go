package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"diaryd/internal/conflict"
	"diaryd/internal/event"
)

// Delivery statuses. pending, delivering, and failed are transient;
// succeeded and skipped are terminal and advance the cursor.
const (
	DeliveryPending    = "pending"
	DeliveryDelivering = "delivering"
	DeliveryFailed     = "failed"
	DeliverySucceeded  = "succeeded"
	DeliverySkipped    = "skipped"
)

// Delivery is one row of the per-target delivery ledger. The worker
// creates the row the first time it considers an event and updates it
// in place until terminal.
type Delivery struct {
	Target      string
	TenantID    string
	Sequence    int64
	Status      string
	Attempts    int64
	NextRetryNs int64
	LastError   string
	UpdatedAtNs int64
}

// Terminal reports whether the row no longer blocks the cursor.
func (d *Delivery) Terminal() bool {
	return d.Status == DeliverySucceeded || d.Status == DeliverySkipped
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const eventColumns = `tenant_id, sequence_id, event_id, site_id, subject_id, operation,
	parent_seq, actor_id, actor_role, payload, change_reason, evidence,
	client_time_ns, recorded_at_ns, content_hash, chain_hash`

func scanEvent(sc rowScanner) (*event.Event, error) {
	var e event.Event
	var eventID string
	var parentSeq sql.NullInt64
	var contentHash, chainHash []byte

	err := sc.Scan(
		&e.TenantID, &e.Sequence, &eventID, &e.SiteID, &e.SubjectID, &e.Operation,
		&parentSeq, &e.ActorID, &e.ActorRole, &e.Payload, &e.ChangeReason, &e.Evidence,
		&e.ClientTimeNs, &e.RecordedAtNs, &contentHash, &chainHash,
	)
	if err != nil {
		return nil, err
	}

	e.EventID, err = uuid.Parse(eventID)
	if err != nil {
		return nil, fmt.Errorf("stored event id %q: %w", eventID, err)
	}
	if parentSeq.Valid {
		v := parentSeq.Int64
		e.ParentSeq = &v
	}
	if err := copyHash(&e.ContentHash, contentHash); err != nil {
		return nil, fmt.Errorf("content hash for sequence %d: %w", e.Sequence, err)
	}
	if err := copyHash(&e.ChainHash, chainHash); err != nil {
		return nil, fmt.Errorf("chain hash for sequence %d: %w", e.Sequence, err)
	}
	return &e, nil
}

const stateColumns = `tenant_id, subject_id, site_id, payload, version, last_seq,
	data_seq, note_seq, deleted, created_at_ns, updated_at_ns`

func scanState(sc rowScanner) (*event.State, error) {
	var st event.State
	err := sc.Scan(
		&st.TenantID, &st.SubjectID, &st.SiteID, &st.Payload, &st.Version, &st.LastSeq,
		&st.DataSeq, &st.NoteSeq, &st.Deleted, &st.CreatedAtNs, &st.UpdatedAtNs,
	)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

const conflictColumns = `id, tenant_id, site_id, subject_id, stream, event_id, actor_id,
	claimed_seq, actual_seq, payload, detected_at_ns, resolution, resolved_by, resolved_at_ns`

func scanConflict(sc rowScanner) (*conflict.Record, error) {
	var r conflict.Record
	var eventID string
	err := sc.Scan(
		&r.ID, &r.TenantID, &r.SiteID, &r.SubjectID, &r.Stream, &eventID, &r.ActorID,
		&r.ClaimedSeq, &r.ActualSeq, &r.Payload, &r.DetectedAtNs, &r.Resolution, &r.ResolvedBy, &r.ResolvedAtNs,
	)
	if err != nil {
		return nil, err
	}
	r.EventID, err = uuid.Parse(eventID)
	if err != nil {
		return nil, fmt.Errorf("stored conflict event id %q: %w", eventID, err)
	}
	return &r, nil
}

const deliveryColumns = `target, tenant_id, sequence_id, status, attempt_count,
	next_retry_ns, last_error, updated_at_ns`

func scanDelivery(sc rowScanner) (*Delivery, error) {
	var d Delivery
	err := sc.Scan(
		&d.Target, &d.TenantID, &d.Sequence, &d.Status, &d.Attempts,
		&d.NextRetryNs, &d.LastError, &d.UpdatedAtNs,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func copyHash(dst *[32]byte, src []byte) error {
	if len(src) != 32 {
		return fmt.Errorf("hash is %d bytes, want 32", len(src))
	}
	copy(dst[:], src)
	return nil
}

// nullableParent converts *int64 to a driver value. A nil parent is
// stored as SQL NULL, never as zero.
func nullableParent(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}
