//go:build integration

// Package integration exercises diaryd end to end: diary capture through
// the engine, optimistic concurrency, strictly ordered delivery, role
// boundaries, and export verification.
//
// Run with: go test -tags=integration ./tests/integration/...
package integration

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"diaryd/internal/engine"
	"diaryd/internal/event"
	"diaryd/internal/export"
	"diaryd/internal/identity"
	"diaryd/internal/store"
)

// testTenant is the trial every scenario runs under.
const testTenant = "trial-204"

// =============================================================================
// Test Environment Setup
// =============================================================================

// TestEnv holds the wired components one scenario needs: a store over a
// throwaway database and an engine with a signing key for exports.
type TestEnv struct {
	T      *testing.T
	Store  *store.Store
	Engine *engine.Engine

	// SigningKey signs export manifests; VerifyKey checks them.
	SigningKey ed25519.PrivateKey
	VerifyKey  ed25519.PublicKey

	Ctx    context.Context
	Cancel context.CancelFunc
}

// NewTestEnv opens a fresh store and engine over a temporary database.
// Cleanup is registered with t.
func NewTestEnv(t *testing.T) *TestEnv {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)

	st, err := store.Open(store.Options{
		Driver: store.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "diary.db"),
	})
	if err != nil {
		cancel()
		t.Fatalf("open store: %v", err)
	}

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		cancel()
		t.Fatalf("generate signing key: %v", err)
	}

	eng, err := engine.New(engine.Options{
		Store:    st,
		Exporter: export.New(st, priv),
	})
	if err != nil {
		cancel()
		t.Fatalf("build engine: %v", err)
	}

	env := &TestEnv{
		T:          t,
		Store:      st,
		Engine:     eng,
		SigningKey: priv,
		VerifyKey:  pub,
		Ctx:        ctx,
		Cancel:     cancel,
	}
	t.Cleanup(func() {
		env.Cancel()
		env.Store.Close()
	})
	return env
}

// =============================================================================
// Callers
// =============================================================================

// Subject returns a participant caller. Subjects write only the record
// whose id matches their own actor id.
func Subject(actorID string) identity.Caller {
	return identity.Caller{ActorID: actorID, Role: identity.RoleSubject, TenantID: testTenant}
}

// Investigator returns a site-staff caller scoped to the given sites.
func Investigator(actorID string, sites ...string) identity.Caller {
	return identity.Caller{ActorID: actorID, Role: identity.RoleInvestigator, TenantID: testTenant, SiteIDs: sites}
}

// Analyst returns a read-only caller scoped to the given sites.
func Analyst(actorID string, sites ...string) identity.Caller {
	return identity.Caller{ActorID: actorID, Role: identity.RoleAnalyst, TenantID: testTenant, SiteIDs: sites}
}

// Auditor returns a tenant-wide reader that may attach audit notes.
func Auditor(actorID string) identity.Caller {
	return identity.Caller{ActorID: actorID, Role: identity.RoleAuditor, TenantID: testTenant}
}

// Admin returns an operator caller.
func Admin(actorID string) identity.Caller {
	return identity.Caller{ActorID: actorID, Role: identity.RoleAdmin, TenantID: testTenant}
}

// =============================================================================
// Submission Helpers
// =============================================================================

// diaryPayload builds a morning sleep-diary entry. hours varies per
// revision so state assertions can tell versions apart.
func diaryPayload(hours int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"form":"sleep-diary-v2","data":{"hours":%d,"quality":"fair"}}`, hours))
}

// notePayload builds an annotation body.
func notePayload(text string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"form":"site-note-v1","data":{"note":%q}}`, text))
}

// NewCreate builds a create candidate for a fresh subject record.
func NewCreate(subjectID, siteID string, payload json.RawMessage) *event.Candidate {
	return &event.Candidate{
		EventID:      uuid.New(),
		TenantID:     testTenant,
		SiteID:       siteID,
		SubjectID:    subjectID,
		Operation:    event.OpCreate,
		Payload:      payload,
		ClientTimeNs: time.Now().UnixNano(),
	}
}

// NewUpdate builds an update claiming parent as the data head.
func NewUpdate(subjectID, siteID string, parent int64, payload json.RawMessage, reason string) *event.Candidate {
	return &event.Candidate{
		EventID:      uuid.New(),
		TenantID:     testTenant,
		SiteID:       siteID,
		SubjectID:    subjectID,
		Operation:    event.OpUpdate,
		ParentSeq:    &parent,
		Payload:      payload,
		ChangeReason: reason,
		ClientTimeNs: time.Now().UnixNano(),
	}
}

// NewDelete builds a soft delete claiming parent as the data head.
func NewDelete(subjectID, siteID string, parent int64, reason string) *event.Candidate {
	return &event.Candidate{
		EventID:      uuid.New(),
		TenantID:     testTenant,
		SiteID:       siteID,
		SubjectID:    subjectID,
		Operation:    event.OpDelete,
		ParentSeq:    &parent,
		ChangeReason: reason,
		ClientTimeNs: time.Now().UnixNano(),
	}
}

// NewAnnotate builds a note against a subject record. No parent claim:
// notes append to the annotation stream unconditionally.
func NewAnnotate(subjectID, siteID string, payload json.RawMessage, reason string) *event.Candidate {
	return &event.Candidate{
		EventID:      uuid.New(),
		TenantID:     testTenant,
		SiteID:       siteID,
		SubjectID:    subjectID,
		Operation:    event.OpAnnotate,
		Payload:      payload,
		ChangeReason: reason,
		ClientTimeNs: time.Now().UnixNano(),
	}
}

// MustSubmit submits a candidate and fails the test on any rejection.
func (env *TestEnv) MustSubmit(caller identity.Caller, c *event.Candidate) (*event.Event, *event.State) {
	env.T.Helper()
	e, st, err := env.Engine.Submit(env.Ctx, caller, c)
	if err != nil {
		env.T.Fatalf("submit %s for %s: %v", c.Operation, c.SubjectID, err)
	}
	return e, st
}

// SeedSubject creates a record and applies n-1 updates as the subject's
// own device, landing events at sequences 1..n. Returns the final state.
func (env *TestEnv) SeedSubject(subjectID, siteID string, n int) *event.State {
	env.T.Helper()
	_, st := env.MustSubmit(Subject(subjectID), NewCreate(subjectID, siteID, diaryPayload(1)))
	for i := 2; i <= n; i++ {
		_, st = env.MustSubmit(Subject(subjectID),
			NewUpdate(subjectID, siteID, st.DataSeq, diaryPayload(i), "corrected entry"))
	}
	return st
}

// =============================================================================
// Assertion Helpers
// =============================================================================

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", msg, err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error, msg string) {
	t.Helper()
	if err == nil {
		t.Fatalf("%s: expected error but got nil", msg)
	}
}

// AssertEqual fails the test if expected != actual.
func AssertEqual[T comparable](t *testing.T, expected, actual T, msg string) {
	t.Helper()
	if expected != actual {
		t.Fatalf("%s: expected %v, got %v", msg, expected, actual)
	}
}

// AssertTrue fails the test if condition is false.
func AssertTrue(t *testing.T, condition bool, msg string) {
	t.Helper()
	if !condition {
		t.Fatalf("%s: expected true", msg)
	}
}

// AssertFalse fails the test if condition is true.
func AssertFalse(t *testing.T, condition bool, msg string) {
	t.Helper()
	if condition {
		t.Fatalf("%s: expected false", msg)
	}
}

// AssertConflict fails the test unless err is an optimistic-concurrency
// conflict.
func AssertConflict(t *testing.T, err error, msg string) {
	t.Helper()
	if !event.IsConflict(err) {
		t.Fatalf("%s: expected conflict, got %v", msg, err)
	}
}

// AssertDenied fails the test unless err is an authorization denial.
func AssertDenied(t *testing.T, err error, msg string) {
	t.Helper()
	if !event.IsAuthorization(err) {
		t.Fatalf("%s: expected authorization denial, got %v", msg, err)
	}
}
