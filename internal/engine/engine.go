// Package engine is the single entry point in front of the store. Every
// write runs the same pipeline: validate the candidate, authorize the
// caller, check the payload against its form schema, pre-check lineage,
// and hand the survivor to the store's atomic append. Every read passes
// the same policy evaluator before any row leaves the process. Nothing
// else in the daemon talks to the store directly.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"diaryd/internal/access"
	"diaryd/internal/cache"
	"diaryd/internal/conflict"
	"diaryd/internal/event"
	"diaryd/internal/export"
	"diaryd/internal/identity"
	"diaryd/internal/logging"
	"diaryd/internal/metrics"
	"diaryd/internal/schema"
	"diaryd/internal/store"
)

// Options carries the engine's collaborators. Store is required; nil
// optional parts degrade to doing nothing.
type Options struct {
	Store    *store.Store
	Schemas  *schema.Registry
	Cache    *cache.StateCache
	Exporter *export.Exporter
	Metrics  *metrics.DiarydMetrics
	Audit    *logging.AuditLogger
	Log      *logging.Logger
}

// Engine wires the policy evaluator, the schema registry, and the store
// into the request pipeline.
type Engine struct {
	store    *store.Store
	access   *access.Evaluator
	schemas  *schema.Registry
	cache    *cache.StateCache
	exporter *export.Exporter
	metrics  *metrics.DiarydMetrics
	audit    *logging.AuditLogger
	log      *logging.Logger
}

// New builds an engine from its collaborators.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	schemas := opts.Schemas
	if schemas == nil {
		var err error
		schemas, err = schema.NewRegistry("")
		if err != nil {
			return nil, err
		}
	}
	log := opts.Log
	if log == nil {
		log = logging.Default()
	}
	return &Engine{
		store:    opts.Store,
		access:   access.NewEvaluator(),
		schemas:  schemas,
		cache:    opts.Cache,
		exporter: opts.Exporter,
		metrics:  opts.Metrics,
		audit:    opts.Audit,
		log:      log.WithComponent("engine"),
	}, nil
}

// Submit runs one candidate through the write pipeline. On acceptance it
// returns the persisted event and the projected state; every rejection
// maps onto the error taxonomy so transports can branch with errors.As.
//
// Resubmitting an already-applied event id with identical content is an
// idempotent accept returning the stored event. The same id with
// different content is a validation failure.
func (eng *Engine) Submit(ctx context.Context, caller identity.Caller, c *event.Candidate) (*event.Event, *event.State, error) {
	start := time.Now()

	if c == nil {
		return nil, nil, &event.ValidationError{Reasons: []string{"no candidate"}}
	}
	if err := c.Validate(); err != nil {
		eng.recordValidationFailure()
		return nil, nil, err
	}

	target := access.Target{
		TenantID:  c.TenantID,
		SiteID:    c.SiteID,
		SubjectID: c.SubjectID,
		Operation: c.Operation,
	}
	if err := eng.access.Authorize(caller, access.ActionWrite, target); err != nil {
		eng.denied(ctx, caller, access.ActionWrite, "subject/"+c.SubjectID, err)
		return nil, nil, err
	}

	if err := eng.schemas.ValidatePayload(c.Operation, c.Payload); err != nil {
		eng.recordValidationFailure()
		return nil, nil, err
	}

	// Retransmission check before the lineage check: a duplicate of an
	// applied event would otherwise read as a conflict.
	if dup, st, err := eng.resolveDuplicate(c); dup != nil || err != nil {
		return dup, st, err
	}

	// The pre-check shortens the losing path; the append re-checks
	// under the tenant lock and decides.
	prior, err := eng.store.State(c.TenantID, c.SubjectID)
	if err != nil {
		return nil, nil, err
	}
	// For writes against an existing record the stored site decides
	// authorization, not the site the candidate claims.
	if prior != nil && prior.SiteID != c.SiteID {
		target.SiteID = prior.SiteID
		if err := eng.access.Authorize(caller, access.ActionWrite, target); err != nil {
			eng.denied(ctx, caller, access.ActionWrite, "subject/"+c.SubjectID, err)
			return nil, nil, err
		}
	}
	if err := conflict.Check(c, prior); err != nil {
		return nil, nil, eng.conflictRejected(ctx, caller, c, err)
	}

	e, st, err := eng.store.Append(c, caller.ActorID, string(caller.Role))
	if err != nil {
		switch {
		case errors.Is(err, store.ErrDuplicateEvent):
			// Lost an id race after the pre-check; resolve against the
			// winner.
			dup, dst, derr := eng.resolveDuplicate(c)
			if dup != nil || derr != nil {
				return dup, dst, derr
			}
			return nil, nil, fmt.Errorf("append rejected duplicate id %s but the log has no such event", c.EventID)
		case event.IsConflict(err):
			return nil, nil, eng.conflictRejected(ctx, caller, c, err)
		case event.IsIntegrity(err):
			eng.escalateIntegrity(ctx, err)
			return nil, nil, err
		default:
			eng.recordError()
			return nil, nil, err
		}
	}

	if cerr := eng.cache.Invalidate(ctx, e.TenantID, e.SubjectID); cerr != nil {
		eng.log.Warn("cache invalidation failed", "tenant", e.TenantID, "subject", e.SubjectID, "error", cerr)
	}
	if eng.metrics != nil {
		eng.metrics.RecordAppend(time.Since(start))
	}
	if c.Resolution != event.ResolutionNone {
		if eng.audit != nil {
			eng.audit.LogResolution(ctx, e.TenantID, caller.ActorID, e.SubjectID, string(c.Resolution))
		}
		eng.refreshConflictGauge()
	}

	eng.log.Info("event accepted",
		"tenant", e.TenantID,
		"subject", e.SubjectID,
		"sequence", e.Sequence,
		"operation", string(e.Operation),
		"actor", e.ActorID,
	)
	return e, st, nil
}

// resolveDuplicate returns the stored event when the candidate is a
// retransmission of it, alongside the subject's current state.
func (eng *Engine) resolveDuplicate(c *event.Candidate) (*event.Event, *event.State, error) {
	stored, err := eng.store.EventByID(c.EventID.String())
	if err != nil {
		return nil, nil, err
	}
	if stored == nil {
		return nil, nil, nil
	}
	if !sameSubmission(c, stored) {
		eng.recordValidationFailure()
		return nil, nil, &event.ValidationError{
			Reasons: []string{fmt.Sprintf("event id %s already recorded with different content", c.EventID)},
		}
	}
	st, err := eng.store.State(stored.TenantID, stored.SubjectID)
	if err != nil {
		return nil, nil, err
	}
	return stored, st, nil
}

// sameSubmission compares every caller-supplied field of a candidate
// against a stored event.
func sameSubmission(c *event.Candidate, e *event.Event) bool {
	if c.TenantID != e.TenantID || c.SiteID != e.SiteID || c.SubjectID != e.SubjectID {
		return false
	}
	if c.Operation != e.Operation || c.ChangeReason != e.ChangeReason || c.ClientTimeNs != e.ClientTimeNs {
		return false
	}
	if (c.ParentSeq == nil) != (e.ParentSeq == nil) {
		return false
	}
	if c.ParentSeq != nil && *c.ParentSeq != *e.ParentSeq {
		return false
	}
	return bytes.Equal(c.Payload, e.Payload) && bytes.Equal(c.Evidence, e.Evidence)
}

// conflictRejected persists the durable trace of a rejected write and
// passes the error through untouched.
func (eng *Engine) conflictRejected(ctx context.Context, caller identity.Caller, c *event.Candidate, err error) error {
	var ce *event.ConflictError
	if !errors.As(err, &ce) {
		return err
	}

	rec := conflict.NewRecord(c, ce, caller.ActorID, time.Now().UnixNano())
	if ierr := eng.store.InsertConflict(&rec); ierr != nil {
		// The rejection stands either way; the record is the review
		// trail, not the decision.
		eng.log.Error("conflict record not persisted", "tenant", c.TenantID, "subject", c.SubjectID, "error", ierr)
	}

	if eng.metrics != nil {
		eng.metrics.RecordConflict()
	}
	eng.refreshConflictGauge()
	if eng.audit != nil {
		eng.audit.LogConflict(ctx, c.TenantID, caller.ActorID, string(caller.Role), c.SubjectID, ce.Stream, ce.ClaimedSeq, ce.CurrentSeq)
	}
	eng.log.Info("write rejected by lineage check",
		"tenant", c.TenantID,
		"subject", c.SubjectID,
		"stream", ce.Stream,
		"claimed", ce.ClaimedSeq,
		"current", ce.CurrentSeq,
	)
	return err
}

// escalateIntegrity halts the tenant chain on a fresh tamper-evidence
// failure. A rejection caused by an existing halt is not a new
// detection and changes nothing.
func (eng *Engine) escalateIntegrity(ctx context.Context, err error) {
	var ie *event.IntegrityError
	if !errors.As(err, &ie) {
		return
	}
	if _, halted := eng.store.Halted(ie.TenantID); halted {
		return
	}
	if eng.metrics != nil {
		eng.metrics.RecordIntegrityFailure()
	}
	eng.haltTenant(ctx, ie.TenantID, ie.Reason)
}

func (eng *Engine) haltTenant(ctx context.Context, tenant, reason string) {
	if _, halted := eng.store.Halted(tenant); halted {
		return
	}
	if err := eng.store.HaltTenant(tenant, reason); err != nil {
		// The in-memory halt still holds; the durable record is what
		// failed.
		eng.log.Error("chain halt not persisted", "tenant", tenant, "error", err)
	}
	if eng.metrics != nil {
		eng.metrics.SetHaltedChains(int64(len(eng.store.HaltedTenants())))
	}
	if eng.audit != nil {
		eng.audit.LogChainHalt(ctx, tenant, reason)
	}
	eng.log.Error("tenant chain halted", "tenant", tenant, "reason", reason)
}

// denied records a policy denial in the metrics and the audit trail.
func (eng *Engine) denied(ctx context.Context, caller identity.Caller, action access.Action, resource string, err error) {
	if eng.metrics != nil {
		eng.metrics.RecordDenial()
	}
	var ae *event.AuthorizationError
	if eng.audit != nil && errors.As(err, &ae) {
		eng.audit.LogDenial(ctx, caller.TenantID, caller.ActorID, string(caller.Role), string(action), resource, ae.Reason)
	}
	eng.log.Warn("authorization denied",
		"actor", caller.ActorID,
		"role", string(caller.Role),
		"action", string(action),
		"resource", resource,
	)
}

func (eng *Engine) recordValidationFailure() {
	if eng.metrics != nil {
		eng.metrics.RecordValidationFailure()
	}
}

func (eng *Engine) recordError() {
	if eng.metrics != nil {
		eng.metrics.RecordError()
	}
}

func (eng *Engine) refreshConflictGauge() {
	if eng.metrics == nil {
		return
	}
	if n, err := eng.store.CountOpenConflicts(""); err == nil {
		eng.metrics.SetOpenConflicts(n)
	}
}
