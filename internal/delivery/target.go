// Package delivery pushes committed events to downstream sync targets.
// Each target consumes every tenant's log strictly in sequence order:
// a failed event is retried with exponential backoff and nothing behind
// it moves until it succeeds or an operator skips it.
package delivery

import (
	"context"
	"encoding/hex"
	"encoding/json"

	"diaryd/internal/event"
)

// Target delivers a single event to one downstream system.
// Deliver returns nil only when the target has durably accepted the
// event; any error leaves the event at the head of its tenant's stream.
type Target interface {
	Name() string
	Deliver(ctx context.Context, e *event.Event) error
	Close()
}

// Envelope is the wire form of an event as targets receive it. Evidence
// rides along verbatim; hashes are hex so receivers can re-verify the
// chain without knowing the storage encoding.
type Envelope struct {
	EventID      string          `json:"event_id"`
	SequenceID   int64           `json:"sequence_id"`
	TenantID     string          `json:"tenant_id"`
	SiteID       string          `json:"site_id"`
	SubjectID    string          `json:"subject_id"`
	Operation    string          `json:"operation"`
	ParentSeq    *int64          `json:"parent_seq,omitempty"`
	ActorID      string          `json:"actor_id"`
	ActorRole    string          `json:"actor_role"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	ChangeReason string          `json:"change_reason,omitempty"`
	Evidence     []byte          `json:"evidence,omitempty"`
	ClientTimeNs int64           `json:"client_time_ns"`
	RecordedAtNs int64           `json:"recorded_at_ns"`
	ContentHash  string          `json:"content_hash"`
	ChainHash    string          `json:"chain_hash"`
}

// NewEnvelope converts a persisted event to its wire form.
func NewEnvelope(e *event.Event) *Envelope {
	return &Envelope{
		EventID:      e.EventID.String(),
		SequenceID:   e.Sequence,
		TenantID:     e.TenantID,
		SiteID:       e.SiteID,
		SubjectID:    e.SubjectID,
		Operation:    string(e.Operation),
		ParentSeq:    e.ParentSeq,
		ActorID:      e.ActorID,
		ActorRole:    e.ActorRole,
		Payload:      e.Payload,
		ChangeReason: e.ChangeReason,
		Evidence:     e.Evidence,
		ClientTimeNs: e.ClientTimeNs,
		RecordedAtNs: e.RecordedAtNs,
		ContentHash:  hex.EncodeToString(e.ContentHash[:]),
		ChainHash:    hex.EncodeToString(e.ChainHash[:]),
	}
}
