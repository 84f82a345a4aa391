package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"diaryd/internal/access"
	"diaryd/internal/conflict"
	"diaryd/internal/event"
	"diaryd/internal/export"
	"diaryd/internal/identity"
	"diaryd/internal/store"
)

// Operator controls. Everything here requires the admin role and lands
// in the audit trail; the escape hatches are deliberately loud.

// DeliveryStatus reports the delivery ledger rows and the lag for one
// target and the caller's tenant, newest rows first.
func (eng *Engine) DeliveryStatus(ctx context.Context, caller identity.Caller, target string, limit int) ([]store.Delivery, int64, error) {
	if err := eng.access.Authorize(caller, access.ActionOperate, access.Target{TenantID: caller.TenantID}); err != nil {
		eng.denied(ctx, caller, access.ActionOperate, "delivery/"+target, err)
		return nil, 0, err
	}
	rows, err := eng.store.Deliveries(target, caller.TenantID, limit)
	if err != nil {
		return nil, 0, err
	}
	lag, err := eng.store.DeliveryLag(target, caller.TenantID)
	if err != nil {
		return nil, 0, err
	}
	return rows, lag, nil
}

// SkipDelivery marks one stuck delivery as bypassed so the stream
// behind it can move. It returns false when the row is missing or
// already terminal. The skipped event stays in the log untouched; a
// successful skip appends an annotation on the affected record so the
// bypass is visible in the log itself, not only in the audit trail.
func (eng *Engine) SkipDelivery(ctx context.Context, caller identity.Caller, target string, seq int64, reason string) (bool, error) {
	if err := eng.access.Authorize(caller, access.ActionOperate, access.Target{TenantID: caller.TenantID}); err != nil {
		eng.denied(ctx, caller, access.ActionOperate, "delivery/"+target, err)
		return false, err
	}

	skipped, err := eng.store.SkipDelivery(target, caller.TenantID, seq, time.Now().UnixNano())
	if err != nil {
		return false, err
	}
	if !skipped {
		return false, nil
	}

	if eng.metrics != nil {
		eng.metrics.DeliverySkips(target).Inc()
	}
	if eng.audit != nil {
		eng.audit.LogDeliverySkip(ctx, caller.TenantID, caller.ActorID, target, seq, reason)
	}
	eng.log.Warn("delivery skipped by operator",
		"target", target,
		"tenant", caller.TenantID,
		"sequence", seq,
		"actor", caller.ActorID,
		"reason", reason,
	)
	eng.annotateSkip(ctx, caller, target, seq, reason)
	return true, nil
}

// annotateSkip records a delivery bypass as a note on the affected
// subject's record. Best effort: when the append fails (the chain is
// halted, say) the skip stands and the failure is logged.
func (eng *Engine) annotateSkip(ctx context.Context, caller identity.Caller, target string, seq int64, reason string) {
	e, err := eng.store.EventAt(caller.TenantID, seq)
	if err != nil || e == nil {
		eng.log.Warn("skipped event not found, no annotation recorded",
			"tenant", caller.TenantID, "sequence", seq, "error", err)
		return
	}

	payload, err := json.Marshal(map[string]any{
		"note":             fmt.Sprintf("delivery of sequence %d to target %q was bypassed by an operator", seq, target),
		"target":           target,
		"skipped_sequence": seq,
	})
	if err != nil {
		return
	}
	if reason == "" {
		reason = "delivery skip"
	}
	c := &event.Candidate{
		EventID:      uuid.New(),
		TenantID:     e.TenantID,
		SiteID:       e.SiteID,
		SubjectID:    e.SubjectID,
		Operation:    event.OpAnnotate,
		Payload:      payload,
		ChangeReason: reason,
		ClientTimeNs: time.Now().UnixNano(),
	}
	if _, _, err := eng.Submit(ctx, caller, c); err != nil {
		eng.log.Warn("delivery skip annotation failed",
			"target", target,
			"tenant", e.TenantID,
			"subject", e.SubjectID,
			"sequence", seq,
			"error", err,
		)
	}
}

// WithdrawConflict closes one pending conflict record without a
// resolving resubmission. Returns false when the record is unknown,
// outside the caller's tenant, or already closed.
func (eng *Engine) WithdrawConflict(ctx context.Context, caller identity.Caller, id int64) (bool, error) {
	if err := eng.access.Authorize(caller, access.ActionOperate, access.Target{TenantID: caller.TenantID}); err != nil {
		eng.denied(ctx, caller, access.ActionOperate, fmt.Sprintf("conflict/%d", id), err)
		return false, err
	}

	rec, err := eng.store.ConflictByID(id)
	if err != nil {
		return false, err
	}
	if rec == nil || rec.TenantID != caller.TenantID {
		return false, nil
	}

	ok, err := eng.store.ResolveConflict(id, conflict.ResolutionWithdrawn, caller.ActorID, time.Now().UnixNano())
	if err != nil {
		return false, err
	}
	if ok {
		if eng.audit != nil {
			eng.audit.LogResolution(ctx, caller.TenantID, caller.ActorID, rec.SubjectID, conflict.ResolutionWithdrawn)
		}
		eng.refreshConflictGauge()
	}
	return ok, nil
}

// VerifyChain walks the caller's tenant log from genesis to head,
// recomputing every hash. Corruption halts the tenant chain until an
// operator resumes it.
func (eng *Engine) VerifyChain(ctx context.Context, caller identity.Caller, tenant string) (*store.ChainReport, error) {
	if err := eng.access.Authorize(caller, access.ActionOperate, access.Target{TenantID: tenant}); err != nil {
		eng.denied(ctx, caller, access.ActionOperate, "chain/"+tenant, err)
		return nil, err
	}

	start := time.Now()
	report, err := eng.store.VerifyTenantChain(tenant)
	clean := err == nil && report.OK()
	if eng.metrics != nil {
		eng.metrics.RecordVerification(time.Since(start), clean)
	}

	if err != nil {
		// A gap aborts the walk before the head.
		var ie *event.IntegrityError
		if errors.As(err, &ie) {
			eng.haltTenant(ctx, ie.TenantID, ie.Reason)
		}
		eng.auditVerification(ctx, tenant, report, false)
		return report, err
	}
	if !report.OK() {
		eng.haltTenant(ctx, tenant, fmt.Sprintf("verification found %d corrupted sequences", len(report.Corrupted)))
	}
	eng.auditVerification(ctx, tenant, report, report.OK())
	return report, nil
}

func (eng *Engine) auditVerification(ctx context.Context, tenant string, report *store.ChainReport, clean bool) {
	if eng.audit == nil {
		return
	}
	details := map[string]interface{}{}
	if report != nil {
		details["checked"] = report.Checked
		details["head"] = report.HeadSeq
		details["corrupted"] = len(report.Corrupted)
	}
	eng.audit.LogVerification(ctx, tenant, clean, details)
}

// ResumeChain lifts a tenant halt after operator review. The reason is
// mandatory; it is the audit trail's justification for trusting the
// chain again.
func (eng *Engine) ResumeChain(ctx context.Context, caller identity.Caller, tenant, reason string) error {
	if err := eng.access.Authorize(caller, access.ActionOperate, access.Target{TenantID: tenant}); err != nil {
		eng.denied(ctx, caller, access.ActionOperate, "chain/"+tenant, err)
		return err
	}
	if reason == "" {
		return &event.ValidationError{Reasons: []string{"resume requires a reason"}}
	}
	if _, halted := eng.store.Halted(tenant); !halted {
		return fmt.Errorf("tenant %s is not halted", tenant)
	}

	if err := eng.store.ResumeTenant(tenant); err != nil {
		return err
	}
	if eng.metrics != nil {
		eng.metrics.SetHaltedChains(int64(len(eng.store.HaltedTenants())))
	}
	if eng.audit != nil {
		eng.audit.LogChainResume(ctx, tenant, caller.ActorID, reason)
	}
	eng.log.Warn("tenant chain resumed", "tenant", tenant, "actor", caller.ActorID, "reason", reason)
	return nil
}

// Export streams a signed archive of the caller's tenant log into w.
// from < 1 is clamped to 1; to <= 0 means the current head.
func (eng *Engine) Export(ctx context.Context, caller identity.Caller, w io.Writer, from, to int64) (*export.Manifest, error) {
	if err := eng.access.Authorize(caller, access.ActionExport, access.Target{TenantID: caller.TenantID}); err != nil {
		eng.denied(ctx, caller, access.ActionExport, "tenant/export", err)
		return nil, err
	}
	if eng.exporter == nil {
		return nil, errors.New("engine: export unavailable, no signing key configured")
	}

	start := time.Now()
	manifest, err := eng.exporter.Export(w, caller.TenantID, from, to)
	if err != nil {
		if event.IsIntegrity(err) {
			eng.escalateIntegrity(ctx, err)
		}
		return nil, err
	}

	if eng.metrics != nil {
		eng.metrics.RecordExport(time.Since(start))
	}
	if eng.audit != nil {
		eng.audit.LogExport(ctx, caller.TenantID, caller.ActorID, manifest.FromSeq, manifest.ToSeq, manifest.EventCount)
	}
	eng.log.Info("archive exported",
		"tenant", caller.TenantID,
		"from", manifest.FromSeq,
		"to", manifest.ToSeq,
		"events", manifest.EventCount,
		"actor", caller.ActorID,
	)
	return manifest, nil
}

// ReloadSchemas recompiles the form schemas on operator request and
// returns the form count now in effect. A failed reload keeps the
// previous set.
func (eng *Engine) ReloadSchemas(ctx context.Context, caller identity.Caller) (int, error) {
	if err := eng.access.Authorize(caller, access.ActionOperate, access.Target{TenantID: caller.TenantID}); err != nil {
		eng.denied(ctx, caller, access.ActionOperate, "schemas", err)
		return 0, err
	}
	err := eng.schemas.Reload()
	forms := len(eng.schemas.Forms())
	if eng.audit != nil {
		eng.audit.LogSchemaReload(ctx, forms, err)
	}
	return forms, err
}

// Status summarizes the data plane for the ops socket: per-tenant heads
// and halts, open conflicts, loaded forms. The socket's file mode is
// the authorization boundary, so there is no caller here.
type Status struct {
	Tenants       []TenantStatus `json:"tenants"`
	TotalEvents   int64          `json:"total_events"`
	OpenConflicts int64          `json:"open_conflicts"`
	Forms         []string       `json:"forms"`
}

// TenantStatus is one tenant's line in Status.
type TenantStatus struct {
	TenantID   string `json:"tenant_id"`
	Head       int64  `json:"head"`
	Halted     bool   `json:"halted"`
	HaltReason string `json:"halt_reason,omitempty"`
}

// Status reports the daemon's data plane summary.
func (eng *Engine) Status(ctx context.Context) (*Status, error) {
	tenants, err := eng.store.Tenants()
	if err != nil {
		return nil, err
	}

	st := &Status{Forms: eng.schemas.Forms()}
	for _, tenant := range tenants {
		head, err := eng.store.TenantHead(tenant)
		if err != nil {
			return nil, err
		}
		reason, halted := eng.store.Halted(tenant)
		st.Tenants = append(st.Tenants, TenantStatus{
			TenantID:   tenant,
			Head:       head,
			Halted:     halted,
			HaltReason: reason,
		})
	}

	if st.TotalEvents, err = eng.store.CountEvents(""); err != nil {
		return nil, err
	}
	if st.OpenConflicts, err = eng.store.CountOpenConflicts(""); err != nil {
		return nil, err
	}
	return st, nil
}
