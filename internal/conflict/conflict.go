// Package conflict implements optimistic-concurrency lineage checking.
// A candidate claims the head of the stream it extends; if the store has
// moved past that head the write is rejected with both versions so the
// caller can resolve and resubmit. The server never merges.
package conflict

import (
	"encoding/json"

	"github.com/google/uuid"

	"diaryd/internal/event"
)

// Stream names the two parent spaces per subject. Primary writes and
// annotations never conflict with each other.
const (
	StreamData = "data"
	StreamNote = "note"
)

// Resolution states for a persisted conflict record. A record opens as
// pending and is closed by the caller's resolving resubmission or by an
// operator withdrawing it.
const (
	ResolutionPending    = "pending"
	ResolutionClientWins = "client-wins"
	ResolutionServerWins = "server-wins"
	ResolutionMerged     = "merged"
	ResolutionWithdrawn  = "withdrawn"
)

// Record is the durable trace of a rejected write. It keeps the losing
// candidate's payload so site staff can review what the device tried to
// submit.
type Record struct {
	ID           int64
	TenantID     string
	SiteID       string
	SubjectID    string
	Stream       string
	EventID      uuid.UUID
	ActorID      string
	ClaimedSeq   int64 // 0 = no parent claimed
	ActualSeq    int64 // head of the stream at detection
	Payload      json.RawMessage
	DetectedAtNs int64
	Resolution   string
	ResolvedBy   string
	ResolvedAtNs int64
}

// StreamFor returns which parent space an operation extends.
func StreamFor(op event.Operation) string {
	if op == event.OpAnnotate {
		return StreamNote
	}
	return StreamData
}

// Check compares the candidate's claimed parent with the current head of
// its stream. nil means accept. A mismatch returns *event.ConflictError
// carrying the server's state; nothing is appended.
//
// The rules per operation:
//   - create: accepted only when no state exists.
//   - update/delete: claimed parent must equal the data head.
//   - annotate: requires the subject to exist; a claimed parent must
//     equal the note head, no claim appends at the current head.
func Check(c *event.Candidate, state *event.State) error {
	stream := StreamFor(c.Operation)

	if c.Operation == event.OpCreate {
		if state == nil {
			return nil
		}
		return &event.ConflictError{
			SubjectID:    c.SubjectID,
			Stream:       stream,
			ClaimedSeq:   0,
			CurrentSeq:   state.DataSeq,
			CurrentState: state.Clone(),
		}
	}

	if state == nil {
		// The device believes the subject exists; this server has no
		// record of it. A lineage problem, not a malformed request.
		return &event.ConflictError{
			SubjectID:  c.SubjectID,
			Stream:     stream,
			ClaimedSeq: claimed(c),
		}
	}

	switch c.Operation {
	case event.OpUpdate, event.OpDelete:
		if *c.ParentSeq == state.DataSeq {
			return nil
		}
	case event.OpAnnotate:
		if c.ParentSeq == nil || *c.ParentSeq == state.NoteSeq {
			return nil
		}
	}

	head := state.DataSeq
	if stream == StreamNote {
		head = state.NoteSeq
	}
	return &event.ConflictError{
		SubjectID:    c.SubjectID,
		Stream:       stream,
		ClaimedSeq:   claimed(c),
		CurrentSeq:   head,
		CurrentState: state.Clone(),
	}
}

// NewRecord builds the durable record for a detected conflict.
func NewRecord(c *event.Candidate, ce *event.ConflictError, actorID string, nowNs int64) Record {
	return Record{
		TenantID:     c.TenantID,
		SiteID:       c.SiteID,
		SubjectID:    c.SubjectID,
		Stream:       ce.Stream,
		EventID:      c.EventID,
		ActorID:      actorID,
		ClaimedSeq:   ce.ClaimedSeq,
		ActualSeq:    ce.CurrentSeq,
		Payload:      append(json.RawMessage(nil), c.Payload...),
		DetectedAtNs: nowNs,
		Resolution:   ResolutionPending,
	}
}

func claimed(c *event.Candidate) int64 {
	if c.ParentSeq == nil {
		return 0
	}
	return *c.ParentSeq
}
