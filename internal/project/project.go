// Package project derives materialized subject state from events. Apply
// is a pure function of (event, prior state): identical inputs always
// produce identical output, so a state wiped to nothing is rebuilt
// exactly by replaying the subject's events in sequence order.
package project

import (
	"encoding/json"
	"fmt"

	"diaryd/internal/event"
)

// Apply folds one event over the prior state and returns the new state.
// It never mutates prior. Create requires prior to be absent; every
// other operation requires it present. These preconditions are enforced
// by the conflict check before append, so a violation here means the
// caller skipped the pipeline and is reported as an error, never papered
// over.
func Apply(e *event.Event, prior *event.State) (*event.State, error) {
	if !e.Operation.Valid() {
		return nil, fmt.Errorf("project: unknown operation %q", e.Operation)
	}

	if e.Operation == event.OpCreate {
		if prior != nil {
			return nil, fmt.Errorf("project: create for subject %s but state exists at version %d", e.SubjectID, prior.Version)
		}
		return &event.State{
			TenantID:    e.TenantID,
			SiteID:      e.SiteID,
			SubjectID:   e.SubjectID,
			Payload:     append(json.RawMessage(nil), e.Payload...),
			Version:     1,
			LastSeq:     e.Sequence,
			DataSeq:     e.Sequence,
			NoteSeq:     0,
			Deleted:     false,
			CreatedAtNs: e.RecordedAtNs,
			UpdatedAtNs: e.RecordedAtNs,
		}, nil
	}

	if prior == nil {
		return nil, fmt.Errorf("project: %s for subject %s but no state exists", e.Operation, e.SubjectID)
	}
	if prior.TenantID != e.TenantID || prior.SubjectID != e.SubjectID {
		return nil, fmt.Errorf("project: event %s does not belong to state %s/%s",
			e.EventID, prior.TenantID, prior.SubjectID)
	}

	next := prior.Clone()
	next.Version++
	next.LastSeq = e.Sequence
	next.UpdatedAtNs = e.RecordedAtNs

	switch e.Operation {
	case event.OpUpdate:
		next.Payload = append(json.RawMessage(nil), e.Payload...)
		next.DataSeq = e.Sequence
		// An update on a soft-deleted record re-asserts it.
		next.Deleted = false
	case event.OpDelete:
		// Soft delete: the payload stays for audit, only the flag flips.
		next.Deleted = true
		next.DataSeq = e.Sequence
	case event.OpAnnotate:
		// Annotations never touch the payload or the primary stream.
		next.NoteSeq = e.Sequence
	}
	return next, nil
}

// Rebuild folds a subject's events from scratch. Events must be a single
// subject's history in ascending sequence order; nil input yields nil
// state. This is the replay path and the fold-correctness oracle: its
// output must equal the stored state byte for byte.
func Rebuild(events []event.Event) (*event.State, error) {
	var state *event.State
	for i := range events {
		e := &events[i]
		if i > 0 {
			if e.SubjectID != events[i-1].SubjectID || e.TenantID != events[i-1].TenantID {
				return nil, fmt.Errorf("project: rebuild crosses subjects at sequence %d", e.Sequence)
			}
			if e.Sequence <= events[i-1].Sequence {
				return nil, fmt.Errorf("project: rebuild out of order at sequence %d", e.Sequence)
			}
		}
		next, err := Apply(e, state)
		if err != nil {
			return nil, err
		}
		state = next
	}
	return state, nil
}
