// Package event defines the diary event model: candidate submissions,
// persisted events, materialized subject state, and the canonical
// content/chain hashing that makes the per-tenant log tamper-evident.
package event

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Operation identifies what a submission does to a subject record.
type Operation string

const (
	// OpCreate establishes a new subject record.
	OpCreate Operation = "create"
	// OpUpdate replaces the payload of an existing subject record.
	OpUpdate Operation = "update"
	// OpDelete soft-deletes a subject record; the payload is preserved.
	OpDelete Operation = "delete"
	// OpAnnotate attaches a note to a subject record without altering it.
	OpAnnotate Operation = "annotate"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete, OpAnnotate:
		return true
	}
	return false
}

// Primary reports whether op advances the subject's data stream.
// Annotations live on a parallel stream and never touch the payload.
func (op Operation) Primary() bool {
	return op == OpCreate || op == OpUpdate || op == OpDelete
}

// Resolution tags a resubmission that settles an earlier conflict.
// The engine records it on the open conflict row; it never changes how
// the candidate itself is applied.
type Resolution string

const (
	ResolutionNone       Resolution = ""
	ResolutionClientWins Resolution = "client-wins"
	ResolutionServerWins Resolution = "server-wins"
	ResolutionMerged     Resolution = "merged"
)

// Valid reports whether r is a known resolution tag.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionNone, ResolutionClientWins, ResolutionServerWins, ResolutionMerged:
		return true
	}
	return false
}

// Candidate is a submission as it arrives from a client, before the
// store has assigned a sequence number. Actor fields are filled from
// the resolved caller, never from the wire.
type Candidate struct {
	EventID      uuid.UUID
	TenantID     string
	SiteID       string
	SubjectID    string
	Operation    Operation
	ParentSeq    *int64 // claimed head of the stream this write extends; nil = no claim
	Payload      json.RawMessage
	ChangeReason string
	Evidence     []byte // opaque attestation blob, stored and exported verbatim
	ClientTimeNs int64  // device clock, untrusted, preserved as supplied
	Resolution   Resolution
}

// Event is a persisted, immutable log entry. Sequence, RecordedAtNs and
// both hashes are assigned by the store at append time; everything else
// is carried over from the candidate and the resolved caller.
type Event struct {
	Sequence     int64 // per-tenant, strictly monotonic, gapless from 1
	EventID      uuid.UUID
	TenantID     string
	SiteID       string
	SubjectID    string
	Operation    Operation
	ParentSeq    *int64
	ActorID      string
	ActorRole    string
	Payload      json.RawMessage
	ChangeReason string
	Evidence     []byte
	ClientTimeNs int64
	RecordedAtNs int64 // server clock, authoritative ordering hint
	ContentHash  [32]byte
	ChainHash    [32]byte
}

// State is the materialized view of one subject record, derived only by
// folding its events in sequence order. DataSeq and NoteSeq are the
// heads of the two parent spaces: primary writes extend DataSeq,
// annotations extend NoteSeq, and neither stream conflicts with the
// other.
type State struct {
	TenantID    string
	SiteID      string
	SubjectID   string
	Payload     json.RawMessage
	Version     int64
	LastSeq     int64 // event that produced this state, any stream
	DataSeq     int64 // head of the primary stream
	NoteSeq     int64 // head of the annotation stream, 0 = no annotations
	Deleted     bool
	CreatedAtNs int64
	UpdatedAtNs int64
}

// Clone returns a deep copy so projections never alias a caller's state.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	if s.Payload != nil {
		out.Payload = append(json.RawMessage(nil), s.Payload...)
	}
	return &out
}
