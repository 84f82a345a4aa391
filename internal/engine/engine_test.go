package engine

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"diaryd/internal/event"
	"diaryd/internal/export"
	"diaryd/internal/identity"
	"diaryd/internal/schema"
	"diaryd/internal/store"
)

func newTestEngine(t *testing.T, opts Options) (*Engine, *store.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "diary.db")
	s, err := store.Open(store.Options{Driver: store.DriverSQLite, Path: path})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	opts.Store = s
	eng, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return eng, s, path
}

func subjectCaller(actor string) identity.Caller {
	return identity.Caller{ActorID: actor, Role: identity.RoleSubject, TenantID: "trial-204"}
}

func investigatorCaller(sites ...string) identity.Caller {
	return identity.Caller{ActorID: "inv-7", Role: identity.RoleInvestigator, TenantID: "trial-204", SiteIDs: sites}
}

func analystCaller(sites ...string) identity.Caller {
	return identity.Caller{ActorID: "analyst-3", Role: identity.RoleAnalyst, TenantID: "trial-204", SiteIDs: sites}
}

func auditorCaller() identity.Caller {
	return identity.Caller{ActorID: "aud-1", Role: identity.RoleAuditor, TenantID: "trial-204"}
}

func adminCaller() identity.Caller {
	return identity.Caller{ActorID: "admin-1", Role: identity.RoleAdmin, TenantID: "trial-204"}
}

func seqPtr(n int64) *int64 { return &n }

func createCandidate(subject string) *event.Candidate {
	return &event.Candidate{
		EventID:      uuid.New(),
		TenantID:     "trial-204",
		SiteID:       "site-011",
		SubjectID:    subject,
		Operation:    event.OpCreate,
		Payload:      json.RawMessage(`{"form":"sleep-diary-v2","data":{"hours":7}}`),
		ClientTimeNs: time.Now().UnixNano(),
	}
}

func updateCandidate(subject string, parent int64) *event.Candidate {
	return &event.Candidate{
		EventID:      uuid.New(),
		TenantID:     "trial-204",
		SiteID:       "site-011",
		SubjectID:    subject,
		Operation:    event.OpUpdate,
		ParentSeq:    seqPtr(parent),
		Payload:      json.RawMessage(`{"form":"sleep-diary-v2","data":{"hours":6}}`),
		ChangeReason: "entered wrong value",
		ClientTimeNs: time.Now().UnixNano(),
	}
}

func annotateCandidate(subject string) *event.Candidate {
	return &event.Candidate{
		EventID:      uuid.New(),
		TenantID:     "trial-204",
		SiteID:       "site-011",
		SubjectID:    subject,
		Operation:    event.OpAnnotate,
		Payload:      json.RawMessage(`{"note":"reviewed at visit 3"}`),
		ChangeReason: "site review",
		ClientTimeNs: time.Now().UnixNano(),
	}
}

func deleteCandidate(subject string, parent int64) *event.Candidate {
	return &event.Candidate{
		EventID:      uuid.New(),
		TenantID:     "trial-204",
		SiteID:       "site-011",
		SubjectID:    subject,
		Operation:    event.OpDelete,
		ParentSeq:    seqPtr(parent),
		ChangeReason: "withdrawn consent",
		ClientTimeNs: time.Now().UnixNano(),
	}
}

func mustSubmit(t *testing.T, eng *Engine, caller identity.Caller, c *event.Candidate) (*event.Event, *event.State) {
	t.Helper()
	e, st, err := eng.Submit(context.Background(), caller, c)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	return e, st
}

func TestSubmitCreateProjectsState(t *testing.T) {
	eng, _, _ := newTestEngine(t, Options{})

	c := createCandidate("subj-0042")
	e, st := mustSubmit(t, eng, subjectCaller("subj-0042"), c)

	if e.Sequence != 1 {
		t.Fatalf("expected sequence 1, got %d", e.Sequence)
	}
	if e.ChainHash == event.ZeroHash {
		t.Error("chain hash not assigned")
	}
	if e.ActorID != "subj-0042" || e.ActorRole != "subject" {
		t.Errorf("actor not stamped: %s/%s", e.ActorID, e.ActorRole)
	}
	if st == nil || st.Version != 1 || st.DataSeq != 1 || st.Deleted {
		t.Fatalf("unexpected state: %+v", st)
	}
	if !bytes.Equal(st.Payload, c.Payload) {
		t.Errorf("state payload diverged: %s", st.Payload)
	}
}

func TestSubmitCollectsValidationReasons(t *testing.T) {
	eng, _, _ := newTestEngine(t, Options{})

	c := &event.Candidate{
		TenantID:  "trial-204",
		SubjectID: "subj-0042",
		Operation: event.OpUpdate,
	}
	_, _, err := eng.Submit(context.Background(), subjectCaller("subj-0042"), c)

	var ve *event.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	for _, want := range []string{
		"event_id is required",
		"site_id is required",
		"client_time is required",
		"payload is required for update",
		"parent_sequence_id is required for update",
		"change_reason is required for update",
	} {
		found := false
		for _, r := range ve.Reasons {
			if r == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("missing reason %q in %v", want, ve.Reasons)
		}
	}
}

func TestSubmitCreateRejectsParentClaim(t *testing.T) {
	eng, _, _ := newTestEngine(t, Options{})

	c := createCandidate("subj-0042")
	c.ParentSeq = seqPtr(1)
	_, _, err := eng.Submit(context.Background(), subjectCaller("subj-0042"), c)
	if !event.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSubmitWritePolicy(t *testing.T) {
	eng, _, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	// One record at site-011, one at site-099.
	mustSubmit(t, eng, subjectCaller("subj-0042"), createCandidate("subj-0042"))
	far := createCandidate("subj-0077")
	far.SiteID = "site-099"
	mustSubmit(t, eng, subjectCaller("subj-0077"), far)

	foreignAnnotation := annotateCandidate("subj-0077")
	// The candidate claims a site the investigator is scoped to; the
	// record's stored site must still win.
	foreignAnnotation.SiteID = "site-011"

	cases := []struct {
		name   string
		caller identity.Caller
		cand   *event.Candidate
		allow  bool
		reason string
	}{
		{
			name:   "analyst write",
			caller: analystCaller("site-011"),
			cand:   annotateCandidate("subj-0042"),
			reason: "read-only",
		},
		{
			name:   "subject foreign record",
			caller: subjectCaller("subj-0042"),
			cand:   updateCandidate("subj-0077", 2),
			reason: "their own record",
		},
		{
			name:   "investigator primary write",
			caller: investigatorCaller("site-011"),
			cand:   updateCandidate("subj-0042", 1),
			reason: "never alter",
		},
		{
			name:   "investigator annotation in site",
			caller: investigatorCaller("site-011"),
			cand:   annotateCandidate("subj-0042"),
			allow:  true,
		},
		{
			name:   "investigator annotation outside stored site",
			caller: investigatorCaller("site-011"),
			cand:   foreignAnnotation,
			reason: "site scope",
		},
		{
			name:   "auditor primary write",
			caller: auditorCaller(),
			cand:   updateCandidate("subj-0042", 1),
			reason: "audit notes only",
		},
		{
			name:   "auditor annotation",
			caller: auditorCaller(),
			cand:   annotateCandidate("subj-0042"),
			allow:  true,
		},
		{
			name:   "cross-tenant caller",
			caller: identity.Caller{ActorID: "admin-1", Role: identity.RoleAdmin, TenantID: "trial-999"},
			cand:   annotateCandidate("subj-0042"),
			reason: "cross-tenant",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := eng.Submit(ctx, tc.caller, tc.cand)
			if tc.allow {
				if err != nil {
					t.Fatalf("expected accept, got %v", err)
				}
				return
			}
			var ae *event.AuthorizationError
			if !errors.As(err, &ae) {
				t.Fatalf("expected authorization error, got %v", err)
			}
			if !strings.Contains(ae.Reason, tc.reason) {
				t.Errorf("reason %q does not mention %q", ae.Reason, tc.reason)
			}
		})
	}
}

func TestSubmitAdminWriteIsStamped(t *testing.T) {
	eng, _, _ := newTestEngine(t, Options{})

	mustSubmit(t, eng, subjectCaller("subj-0042"), createCandidate("subj-0042"))
	e, _ := mustSubmit(t, eng, adminCaller(), updateCandidate("subj-0042", 1))

	if e.ActorID != "admin-1" || e.ActorRole != "admin" {
		t.Errorf("admin write not stamped: %s/%s", e.ActorID, e.ActorRole)
	}
}

func TestSubmitConflictLifecycle(t *testing.T) {
	eng, _, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	caller := subjectCaller("subj-0042")

	mustSubmit(t, eng, caller, createCandidate("subj-0042"))
	mustSubmit(t, eng, caller, updateCandidate("subj-0042", 1))

	// A second write claiming the already-extended parent loses.
	stale := updateCandidate("subj-0042", 1)
	_, _, err := eng.Submit(ctx, caller, stale)

	var ce *event.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected conflict error, got %v", err)
	}
	if ce.Stream != "data" || ce.ClaimedSeq != 1 || ce.CurrentSeq != 2 {
		t.Errorf("unexpected conflict shape: %+v", ce)
	}
	if ce.CurrentState == nil || ce.CurrentState.Version != 2 {
		t.Fatalf("conflict must carry the winning state, got %+v", ce.CurrentState)
	}

	open, err := eng.Conflicts(ctx, adminCaller(), true, 0)
	if err != nil {
		t.Fatalf("Conflicts failed: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected one open conflict, got %d", len(open))
	}
	if open[0].EventID != stale.EventID || open[0].ClaimedSeq != 1 || open[0].ActualSeq != 2 {
		t.Errorf("conflict record diverged: %+v", open[0])
	}
	if !bytes.Equal(open[0].Payload, stale.Payload) {
		t.Error("losing payload not preserved for review")
	}

	// The device resubmits against the real head with a resolution tag;
	// acceptance closes the pending record.
	retry := updateCandidate("subj-0042", 2)
	retry.Resolution = event.ResolutionMerged
	e, _ := mustSubmit(t, eng, caller, retry)
	if e.Sequence != 3 {
		t.Fatalf("expected sequence 3, got %d", e.Sequence)
	}

	open, err = eng.Conflicts(ctx, adminCaller(), true, 0)
	if err != nil {
		t.Fatalf("Conflicts failed: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("conflict still open after resolution: %+v", open)
	}
	all, err := eng.Conflicts(ctx, adminCaller(), false, 0)
	if err != nil {
		t.Fatalf("Conflicts failed: %v", err)
	}
	if len(all) != 1 || all[0].Resolution != "merged" || all[0].ResolvedBy != "subj-0042" {
		t.Errorf("resolution not recorded: %+v", all)
	}
}

func TestSubmitAnnotationNeverConflictsWithData(t *testing.T) {
	eng, _, _ := newTestEngine(t, Options{})
	caller := subjectCaller("subj-0042")

	mustSubmit(t, eng, caller, createCandidate("subj-0042"))
	mustSubmit(t, eng, investigatorCaller("site-011"), annotateCandidate("subj-0042"))

	// The annotation moved LastSeq to 2 but the data head is still 1.
	e, st := mustSubmit(t, eng, caller, updateCandidate("subj-0042", 1))
	if e.Sequence != 3 {
		t.Fatalf("expected sequence 3, got %d", e.Sequence)
	}
	if st.DataSeq != 3 || st.NoteSeq != 2 {
		t.Errorf("stream heads wrong: data=%d note=%d", st.DataSeq, st.NoteSeq)
	}
}

func TestSubmitRetransmissionIsIdempotent(t *testing.T) {
	eng, s, _ := newTestEngine(t, Options{})
	caller := subjectCaller("subj-0042")

	c := createCandidate("subj-0042")
	first, _ := mustSubmit(t, eng, caller, c)
	second, st := mustSubmit(t, eng, caller, c)

	if second.Sequence != first.Sequence || second.EventID != first.EventID {
		t.Fatalf("retransmission minted a new event: %d vs %d", second.Sequence, first.Sequence)
	}
	if st == nil || st.Version != 1 {
		t.Fatalf("retransmission did not return current state: %+v", st)
	}
	n, err := s.CountEvents("trial-204")
	if err != nil {
		t.Fatalf("CountEvents failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("log grew on retransmission: %d events", n)
	}
}

func TestSubmitDuplicateIDWithNewContent(t *testing.T) {
	eng, _, _ := newTestEngine(t, Options{})
	caller := subjectCaller("subj-0042")

	c := createCandidate("subj-0042")
	mustSubmit(t, eng, caller, c)

	reused := updateCandidate("subj-0042", 1)
	reused.EventID = c.EventID
	_, _, err := eng.Submit(context.Background(), caller, reused)

	var ve *event.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !strings.Contains(strings.Join(ve.Reasons, " "), "different content") {
		t.Errorf("unexpected reasons: %v", ve.Reasons)
	}
}

const hoursSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["hours"],
	"properties": {
		"hours": {"type": "number", "minimum": 0, "maximum": 24}
	},
	"additionalProperties": false
}`

func TestSubmitEnforcesFormSchemas(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "sleep-diary-v2.schema.json"), []byte(hoursSchema), 0o644); err != nil {
		t.Fatalf("write schema: %v", err)
	}
	reg, err := schema.NewRegistry(dir)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	eng, _, _ := newTestEngine(t, Options{Schemas: reg})
	caller := subjectCaller("subj-0042")
	ctx := context.Background()

	bad := createCandidate("subj-0042")
	bad.Payload = json.RawMessage(`{"form":"sleep-diary-v2","data":{"hours":30}}`)
	if _, _, err := eng.Submit(ctx, caller, bad); !event.IsValidation(err) {
		t.Fatalf("out-of-range payload accepted: %v", err)
	}

	unknown := createCandidate("subj-0042")
	unknown.Payload = json.RawMessage(`{"form":"nope-v9","data":{"hours":7}}`)
	if _, _, err := eng.Submit(ctx, caller, unknown); !event.IsValidation(err) {
		t.Fatalf("unknown form accepted: %v", err)
	}

	mustSubmit(t, eng, caller, createCandidate("subj-0042"))

	// Annotations are free-form even with schemas loaded.
	mustSubmit(t, eng, investigatorCaller("site-011"), annotateCandidate("subj-0042"))
}

func TestSubmitHaltedTenantRejects(t *testing.T) {
	eng, s, _ := newTestEngine(t, Options{})
	caller := subjectCaller("subj-0042")
	ctx := context.Background()

	s.HaltTenant("trial-204", "verification found corruption")

	_, _, err := eng.Submit(ctx, caller, createCandidate("subj-0042"))
	if !event.IsIntegrity(err) {
		t.Fatalf("halted tenant accepted a write: %v", err)
	}

	if err := eng.ResumeChain(ctx, adminCaller(), "trial-204", ""); !event.IsValidation(err) {
		t.Fatalf("resume without reason must fail validation, got %v", err)
	}
	if err := eng.ResumeChain(ctx, caller, "trial-204", "restored from backup"); !event.IsAuthorization(err) {
		t.Fatalf("subject resumed a chain: %v", err)
	}
	if err := eng.ResumeChain(ctx, adminCaller(), "trial-204", "restored from backup"); err != nil {
		t.Fatalf("ResumeChain failed: %v", err)
	}
	if err := eng.ResumeChain(ctx, adminCaller(), "trial-204", "restored from backup"); err == nil {
		t.Fatal("resuming a running chain must fail")
	}

	mustSubmit(t, eng, caller, createCandidate("subj-0042"))
}

func TestGetStateScope(t *testing.T) {
	eng, _, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	mustSubmit(t, eng, subjectCaller("subj-0042"), createCandidate("subj-0042"))
	far := createCandidate("subj-0077")
	far.SiteID = "site-099"
	mustSubmit(t, eng, subjectCaller("subj-0077"), far)

	own, err := eng.GetState(ctx, subjectCaller("subj-0042"), "subj-0042")
	if err != nil || own == nil {
		t.Fatalf("subject read of own record failed: %v", err)
	}

	if _, err := eng.GetState(ctx, subjectCaller("subj-0042"), "subj-0077"); !event.IsAuthorization(err) {
		t.Fatalf("subject read another record: %v", err)
	}

	if _, err := eng.GetState(ctx, investigatorCaller("site-011"), "subj-0042"); err != nil {
		t.Fatalf("in-site read failed: %v", err)
	}
	// The denial comes only after the stored site is known.
	if _, err := eng.GetState(ctx, investigatorCaller("site-011"), "subj-0077"); !event.IsAuthorization(err) {
		t.Fatalf("out-of-site read allowed: %v", err)
	}

	if _, err := eng.GetState(ctx, auditorCaller(), "subj-0077"); err != nil {
		t.Fatalf("auditor tenant-wide read failed: %v", err)
	}

	missing, err := eng.GetState(ctx, auditorCaller(), "subj-none")
	if err != nil || missing != nil {
		t.Fatalf("missing subject should be nil, nil: %v, %v", missing, err)
	}
}

func TestReplayRebuildsExactState(t *testing.T) {
	eng, _, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	caller := subjectCaller("subj-0042")

	mustSubmit(t, eng, caller, createCandidate("subj-0042"))
	mustSubmit(t, eng, caller, updateCandidate("subj-0042", 1))
	mustSubmit(t, eng, investigatorCaller("site-011"), annotateCandidate("subj-0042"))
	mustSubmit(t, eng, caller, deleteCandidate("subj-0042", 3))

	events, err := eng.Replay(ctx, caller, "subj-0042", 1, 0)
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Sequence <= events[i-1].Sequence {
			t.Fatal("replay out of order")
		}
	}

	stored, err := eng.GetState(ctx, caller, "subj-0042")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if !stored.Deleted {
		t.Fatal("delete did not mark the record")
	}

	rebuilt, err := eng.RebuildState(ctx, caller, "subj-0042")
	if err != nil {
		t.Fatalf("RebuildState failed: %v", err)
	}
	if !reflect.DeepEqual(rebuilt, stored) {
		t.Fatalf("rebuild diverged from stored state:\n%+v\n%+v", rebuilt, stored)
	}

	// An update on the soft-deleted record re-asserts it.
	_, st := mustSubmit(t, eng, caller, updateCandidate("subj-0042", 4))
	if st.Deleted {
		t.Fatal("update did not clear the deleted flag")
	}
}

func TestEventAtIsolation(t *testing.T) {
	eng, _, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	mustSubmit(t, eng, subjectCaller("subj-0042"), createCandidate("subj-0042"))
	mustSubmit(t, eng, subjectCaller("subj-0077"), createCandidate("subj-0077"))

	if _, err := eng.EventAt(ctx, subjectCaller("subj-0042"), 2); !event.IsAuthorization(err) {
		t.Fatalf("subject read another subject's event: %v", err)
	}
	e, err := eng.EventAt(ctx, subjectCaller("subj-0042"), 1)
	if err != nil || e == nil || e.SubjectID != "subj-0042" {
		t.Fatalf("own event read failed: %v", err)
	}

	if _, err := eng.EventAt(ctx, adminCaller(), 2); err != nil {
		t.Fatalf("admin point read failed: %v", err)
	}
	missing, err := eng.EventAt(ctx, adminCaller(), 99)
	if err != nil || missing != nil {
		t.Fatalf("missing sequence should be nil, nil: %v, %v", missing, err)
	}
}

func TestTenantHistorySiteScope(t *testing.T) {
	eng, _, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	mustSubmit(t, eng, subjectCaller("subj-0042"), createCandidate("subj-0042"))
	far := createCandidate("subj-0077")
	far.SiteID = "site-099"
	mustSubmit(t, eng, subjectCaller("subj-0077"), far)

	events, err := eng.TenantHistory(ctx, investigatorCaller("site-011"), 1, 0, 0)
	if err != nil {
		t.Fatalf("TenantHistory failed: %v", err)
	}
	if len(events) != 1 || events[0].SiteID != "site-011" {
		t.Fatalf("site scope leaked: %+v", events)
	}

	events, err = eng.TenantHistory(ctx, auditorCaller(), 1, 0, 0)
	if err != nil {
		t.Fatalf("TenantHistory failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("auditor should see the whole tenant, got %d", len(events))
	}

	states, err := eng.Subjects(ctx, investigatorCaller("site-011"), 0)
	if err != nil {
		t.Fatalf("Subjects failed: %v", err)
	}
	if len(states) != 1 || states[0].SubjectID != "subj-0042" {
		t.Fatalf("subject listing leaked: %+v", states)
	}
}

func TestVerifyChainHaltsOnTamper(t *testing.T) {
	eng, s, path := newTestEngine(t, Options{})
	ctx := context.Background()
	caller := subjectCaller("subj-0042")

	mustSubmit(t, eng, caller, createCandidate("subj-0042"))
	mustSubmit(t, eng, caller, updateCandidate("subj-0042", 1))
	mustSubmit(t, eng, caller, updateCandidate("subj-0042", 2))

	if _, err := eng.VerifyChain(ctx, caller, "trial-204"); !event.IsAuthorization(err) {
		t.Fatalf("subject ran a verification: %v", err)
	}

	report, err := eng.VerifyChain(ctx, adminCaller(), "trial-204")
	if err != nil {
		t.Fatalf("VerifyChain failed: %v", err)
	}
	if !report.OK() || report.Checked != 3 {
		t.Fatalf("clean chain reported dirty: %+v", report)
	}

	// Rewrite a payload out of band, through a second handle on the
	// same file.
	raw, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open raw handle: %v", err)
	}
	if _, err := raw.Exec(
		"UPDATE events SET payload = ? WHERE tenant_id = ? AND sequence_id = ?",
		[]byte(`{"forged":true}`), "trial-204", 2,
	); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	raw.Close()

	report, err = eng.VerifyChain(ctx, adminCaller(), "trial-204")
	if err != nil {
		t.Fatalf("VerifyChain failed: %v", err)
	}
	if report.OK() {
		t.Fatal("tampered chain reported clean")
	}
	found := false
	for _, seq := range report.Corrupted {
		if seq == 2 {
			found = true
		}
	}
	if !found {
		t.Fatalf("sequence 2 not flagged: %+v", report.Corrupted)
	}

	if _, ok := s.Halted("trial-204"); !ok {
		t.Fatal("tenant not halted after failed verification")
	}
	if _, _, err := eng.Submit(ctx, caller, updateCandidate("subj-0042", 3)); !event.IsIntegrity(err) {
		t.Fatalf("halted tenant accepted a write: %v", err)
	}

	if err := eng.ResumeChain(ctx, adminCaller(), "trial-204", "restored from verified backup"); err != nil {
		t.Fatalf("ResumeChain failed: %v", err)
	}
	if _, ok := s.Halted("trial-204"); ok {
		t.Fatal("tenant still halted after resume")
	}
}

func TestSkipDeliveryRequiresAdmin(t *testing.T) {
	eng, s, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	caller := subjectCaller("subj-0042")

	mustSubmit(t, eng, caller, createCandidate("subj-0042"))
	if _, err := s.DeliveryHead("registry", "trial-204", time.Now().UnixNano()); err != nil {
		t.Fatalf("DeliveryHead failed: %v", err)
	}

	if _, err := eng.SkipDelivery(ctx, caller, "registry", 1, "stuck"); !event.IsAuthorization(err) {
		t.Fatalf("subject skipped a delivery: %v", err)
	}

	ok, err := eng.SkipDelivery(ctx, adminCaller(), "registry", 1, "target gone")
	if err != nil || !ok {
		t.Fatalf("SkipDelivery failed: ok=%v err=%v", ok, err)
	}
	ok, err = eng.SkipDelivery(ctx, adminCaller(), "registry", 1, "target gone")
	if err != nil || ok {
		t.Fatalf("terminal row skipped again: ok=%v err=%v", ok, err)
	}

	rows, lag, err := eng.DeliveryStatus(ctx, adminCaller(), "registry", 0)
	if err != nil {
		t.Fatalf("DeliveryStatus failed: %v", err)
	}
	if len(rows) != 1 || rows[0].Status != store.DeliverySkipped {
		t.Fatalf("skip not recorded: %+v", rows)
	}
	// The skip appends its own annotation, which is now the pending head.
	if lag != 1 {
		t.Errorf("lag = %d, want 1 (the skip annotation)", lag)
	}

	if _, _, err := eng.DeliveryStatus(ctx, caller, "registry", 0); !event.IsAuthorization(err) {
		t.Fatalf("subject read the delivery ledger: %v", err)
	}
}

func TestSkipDeliveryAnnotatesRecord(t *testing.T) {
	eng, s, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	mustSubmit(t, eng, subjectCaller("subj-0042"), createCandidate("subj-0042"))
	if _, err := s.DeliveryHead("registry", "trial-204", time.Now().UnixNano()); err != nil {
		t.Fatalf("DeliveryHead failed: %v", err)
	}

	ok, err := eng.SkipDelivery(ctx, adminCaller(), "registry", 1, "target decommissioned")
	if err != nil || !ok {
		t.Fatalf("SkipDelivery failed: ok=%v err=%v", ok, err)
	}

	// The bypass must be in the log itself, not only the audit trail.
	note, err := s.EventAt("trial-204", 2)
	if err != nil {
		t.Fatalf("EventAt failed: %v", err)
	}
	if note == nil || note.Operation != event.OpAnnotate {
		t.Fatalf("no annotation appended after skip: %+v", note)
	}
	if note.SubjectID != "subj-0042" || note.ActorID != "admin-1" {
		t.Errorf("annotation attribution = subject %q actor %q", note.SubjectID, note.ActorID)
	}
	if note.ChangeReason != "target decommissioned" {
		t.Errorf("change reason = %q", note.ChangeReason)
	}
	var body struct {
		Note            string `json:"note"`
		Target          string `json:"target"`
		SkippedSequence int64  `json:"skipped_sequence"`
	}
	if err := json.Unmarshal(note.Payload, &body); err != nil {
		t.Fatalf("annotation payload: %v", err)
	}
	if body.Target != "registry" || body.SkippedSequence != 1 || !strings.Contains(body.Note, "bypassed") {
		t.Errorf("annotation payload = %+v", body)
	}

	st, err := s.State("trial-204", "subj-0042")
	if err != nil || st == nil {
		t.Fatalf("State failed: %v", err)
	}
	if st.NoteSeq != 2 || st.DataSeq != 1 {
		t.Errorf("streams after skip = data %d note %d", st.DataSeq, st.NoteSeq)
	}
}

func TestWithdrawConflict(t *testing.T) {
	eng, _, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	caller := subjectCaller("subj-0042")

	mustSubmit(t, eng, caller, createCandidate("subj-0042"))
	mustSubmit(t, eng, caller, updateCandidate("subj-0042", 1))
	if _, _, err := eng.Submit(ctx, caller, updateCandidate("subj-0042", 1)); !event.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	open, err := eng.Conflicts(ctx, adminCaller(), true, 0)
	if err != nil || len(open) != 1 {
		t.Fatalf("expected one open conflict: %v, %v", open, err)
	}

	if _, err := eng.WithdrawConflict(ctx, caller, open[0].ID); !event.IsAuthorization(err) {
		t.Fatalf("subject withdrew a conflict: %v", err)
	}

	ok, err := eng.WithdrawConflict(ctx, adminCaller(), open[0].ID)
	if err != nil || !ok {
		t.Fatalf("WithdrawConflict failed: ok=%v err=%v", ok, err)
	}
	ok, err = eng.WithdrawConflict(ctx, adminCaller(), open[0].ID)
	if err != nil || ok {
		t.Fatalf("closed conflict withdrawn again: ok=%v err=%v", ok, err)
	}

	open, err = eng.Conflicts(ctx, adminCaller(), true, 0)
	if err != nil || len(open) != 0 {
		t.Fatalf("conflict still open: %v, %v", open, err)
	}
}

func TestExportRequiresGrantAndKey(t *testing.T) {
	ctx := context.Background()

	// No exporter configured.
	bare, _, _ := newTestEngine(t, Options{})
	mustSubmit(t, bare, subjectCaller("subj-0042"), createCandidate("subj-0042"))
	if _, err := bare.Export(ctx, adminCaller(), &bytes.Buffer{}, 1, 0); err == nil {
		t.Fatal("export without a signing key must fail")
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	path := filepath.Join(t.TempDir(), "diary.db")
	s, err := store.Open(store.Options{Driver: store.DriverSQLite, Path: path})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	eng, err := New(Options{Store: s, Exporter: export.New(s, priv)})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	caller := subjectCaller("subj-0042")
	mustSubmit(t, eng, caller, createCandidate("subj-0042"))
	mustSubmit(t, eng, caller, updateCandidate("subj-0042", 1))

	if _, err := eng.Export(ctx, caller, &bytes.Buffer{}, 1, 0); !event.IsAuthorization(err) {
		t.Fatalf("subject exported the tenant: %v", err)
	}

	var buf bytes.Buffer
	manifest, err := eng.Export(ctx, auditorCaller(), &buf, 1, 0)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if manifest.EventCount != 2 || manifest.FromSeq != 1 || manifest.ToSeq != 2 {
		t.Fatalf("unexpected manifest: %+v", manifest)
	}
	if buf.Len() < 2 || buf.Bytes()[0] != 0x1f || buf.Bytes()[1] != 0x8b {
		t.Error("archive is not gzip")
	}
}

func TestStatusSnapshot(t *testing.T) {
	eng, s, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	caller := subjectCaller("subj-0042")

	mustSubmit(t, eng, caller, createCandidate("subj-0042"))
	mustSubmit(t, eng, caller, updateCandidate("subj-0042", 1))
	if _, _, err := eng.Submit(ctx, caller, updateCandidate("subj-0042", 1)); !event.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	s.HaltTenant("trial-204", "operator hold")

	st, err := eng.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.TotalEvents != 2 || st.OpenConflicts != 1 {
		t.Fatalf("unexpected totals: %+v", st)
	}
	if len(st.Tenants) != 1 {
		t.Fatalf("expected one tenant, got %+v", st.Tenants)
	}
	ts := st.Tenants[0]
	if ts.TenantID != "trial-204" || ts.Head != 2 || !ts.Halted || ts.HaltReason != "operator hold" {
		t.Fatalf("unexpected tenant line: %+v", ts)
	}
}
