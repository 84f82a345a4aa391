package engine

import (
	"context"
	"errors"

	"diaryd/internal/access"
	"diaryd/internal/cache"
	"diaryd/internal/conflict"
	"diaryd/internal/event"
	"diaryd/internal/identity"
	"diaryd/internal/project"
)

// Site-scoped read authorization runs in two steps: a cheap check on
// the caller bundle and the requested subject before anything is
// loaded, then the decisive check once the record's site is known. A
// denial after the load returns nothing from it.

// GetState returns the materialized state of one subject, nil when the
// subject has no events. Reads go through the cache when one is
// configured.
func (eng *Engine) GetState(ctx context.Context, caller identity.Caller, subjectID string) (*event.State, error) {
	target := access.Target{TenantID: caller.TenantID, SubjectID: subjectID}
	if err := eng.access.Authorize(caller, access.ActionRead, target); err != nil {
		eng.denied(ctx, caller, access.ActionRead, "subject/"+subjectID, err)
		return nil, err
	}

	cached := true
	st, err := eng.cache.Get(ctx, caller.TenantID, subjectID)
	if err != nil {
		// Any cache failure falls through; the store is the truth.
		if !errors.Is(err, cache.ErrMiss) {
			eng.log.Warn("cache read failed", "tenant", caller.TenantID, "subject", subjectID, "error", err)
		}
		cached = false
		st, err = eng.store.State(caller.TenantID, subjectID)
		if err != nil {
			return nil, err
		}
	}
	if eng.cache != nil && eng.metrics != nil {
		if cached {
			eng.metrics.RecordCacheHit()
		} else {
			eng.metrics.RecordCacheMiss()
		}
	}
	if st == nil {
		return nil, nil
	}

	target.SiteID = st.SiteID
	if err := eng.access.Authorize(caller, access.ActionRead, target); err != nil {
		eng.denied(ctx, caller, access.ActionRead, "subject/"+subjectID, err)
		return nil, err
	}

	if !cached {
		if cerr := eng.cache.Put(ctx, st); cerr != nil {
			eng.log.Warn("cache put failed", "tenant", st.TenantID, "subject", st.SubjectID, "error", cerr)
		}
	}
	eng.auditAdminRead(ctx, caller, "read_state", "subject/"+subjectID)
	return st, nil
}

// Replay returns one subject's events with from <= sequence <= to in
// ascending order. from < 1 is clamped to 1; to <= 0 means no upper
// bound.
func (eng *Engine) Replay(ctx context.Context, caller identity.Caller, subjectID string, from, to int64) ([]event.Event, error) {
	if from < 1 {
		from = 1
	}

	target := access.Target{TenantID: caller.TenantID, SubjectID: subjectID}
	if err := eng.access.Authorize(caller, access.ActionRead, target); err != nil {
		eng.denied(ctx, caller, access.ActionRead, "subject/"+subjectID+"/events", err)
		return nil, err
	}

	st, err := eng.store.State(caller.TenantID, subjectID)
	if err != nil {
		return nil, err
	}
	if st != nil {
		target.SiteID = st.SiteID
		if err := eng.access.Authorize(caller, access.ActionRead, target); err != nil {
			eng.denied(ctx, caller, access.ActionRead, "subject/"+subjectID+"/events", err)
			return nil, err
		}
	}

	events, err := eng.store.SubjectEvents(caller.TenantID, subjectID, from, to)
	if err != nil {
		return nil, err
	}
	eng.auditAdminRead(ctx, caller, "replay", "subject/"+subjectID+"/events")
	return events, nil
}

// RebuildState folds a subject's full history into a fresh state,
// bypassing the materialized row. Divergence from GetState means the
// states table was written out of band.
func (eng *Engine) RebuildState(ctx context.Context, caller identity.Caller, subjectID string) (*event.State, error) {
	events, err := eng.Replay(ctx, caller, subjectID, 1, 0)
	if err != nil {
		return nil, err
	}
	return project.Rebuild(events)
}

// EventAt returns the event at one tenant sequence position, nil when
// the position is beyond the head.
func (eng *Engine) EventAt(ctx context.Context, caller identity.Caller, seq int64) (*event.Event, error) {
	target := access.Target{TenantID: caller.TenantID}
	if err := eng.access.Authorize(caller, access.ActionRead, target); err != nil {
		eng.denied(ctx, caller, access.ActionRead, "event", err)
		return nil, err
	}

	e, err := eng.store.EventAt(caller.TenantID, seq)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, nil
	}

	target.SiteID = e.SiteID
	target.SubjectID = e.SubjectID
	if err := eng.access.Authorize(caller, access.ActionRead, target); err != nil {
		eng.denied(ctx, caller, access.ActionRead, "event", err)
		return nil, err
	}
	eng.auditAdminRead(ctx, caller, "read_event", "event/"+e.EventID.String())
	return e, nil
}

// TenantHistory returns the caller-visible slice of the tenant log with
// from <= sequence <= to in ascending order. Rows outside the caller's
// scope do not appear. to <= 0 means no upper bound; limit <= 0 means
// no limit.
func (eng *Engine) TenantHistory(ctx context.Context, caller identity.Caller, from, to int64, limit int) ([]event.Event, error) {
	if from < 1 {
		from = 1
	}
	scope, err := eng.access.ReadScope(caller)
	if err != nil {
		eng.denied(ctx, caller, access.ActionRead, "tenant/events", err)
		return nil, err
	}
	events, err := eng.store.TenantEvents(scope, from, to, limit)
	if err != nil {
		return nil, err
	}
	eng.auditAdminRead(ctx, caller, "tenant_history", "tenant/events")
	return events, nil
}

// Subjects lists the caller-visible materialized states, ordered by
// subject id. limit <= 0 means no limit.
func (eng *Engine) Subjects(ctx context.Context, caller identity.Caller, limit int) ([]event.State, error) {
	scope, err := eng.access.ReadScope(caller)
	if err != nil {
		eng.denied(ctx, caller, access.ActionRead, "subjects", err)
		return nil, err
	}
	states, err := eng.store.States(scope, limit)
	if err != nil {
		return nil, err
	}
	eng.auditAdminRead(ctx, caller, "list_subjects", "subjects")
	return states, nil
}

// Conflicts lists the caller-visible conflict records, newest first.
// onlyOpen restricts to pending records.
func (eng *Engine) Conflicts(ctx context.Context, caller identity.Caller, onlyOpen bool, limit int) ([]conflict.Record, error) {
	scope, err := eng.access.ReadScope(caller)
	if err != nil {
		eng.denied(ctx, caller, access.ActionRead, "conflicts", err)
		return nil, err
	}
	return eng.store.Conflicts(scope, onlyOpen, limit)
}

// auditAdminRead writes the audit entry for administrator reads. Other
// roles read without one; their visibility is already role-bounded.
func (eng *Engine) auditAdminRead(ctx context.Context, caller identity.Caller, action, resource string) {
	if eng.audit == nil || caller.Role != identity.RoleAdmin {
		return
	}
	if err := eng.audit.LogAdminRead(ctx, caller.TenantID, caller.ActorID, action, resource); err != nil {
		eng.log.Warn("admin read not audited", "action", action, "error", err)
	}
}
