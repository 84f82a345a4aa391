//go:build integration

package integration

import (
	"testing"
)

// TestAuditorReadsEverywhereWritesNotesOnly verifies the auditor grant:
// tenant-wide visibility across sites, audit notes allowed, primary
// data out of reach.
func TestAuditorReadsEverywhereWritesNotesOnly(t *testing.T) {
	env := NewTestEnv(t)
	env.MustSubmit(Subject("subj-0042"), NewCreate("subj-0042", "site-011", diaryPayload(1)))
	env.MustSubmit(Subject("subj-0107"), NewCreate("subj-0107", "site-022", diaryPayload(2)))

	auditor := Auditor("aud-19")

	for _, subjectID := range []string{"subj-0042", "subj-0107"} {
		st, err := env.Engine.GetState(env.Ctx, auditor, subjectID)
		AssertNoError(t, err, "auditor read "+subjectID)
		AssertTrue(t, st != nil, "auditor sees "+subjectID)
	}

	history, err := env.Engine.TenantHistory(env.Ctx, auditor, 1, 0, 0)
	AssertNoError(t, err, "auditor tenant history")
	AssertEqual(t, 2, len(history), "events visible to auditor")

	_, _, err = env.Engine.Submit(env.Ctx, auditor,
		NewAnnotate("subj-0042", "site-011", notePayload("source data verified"), "routine audit"))
	AssertNoError(t, err, "auditor audit note")

	_, _, err = env.Engine.Submit(env.Ctx, auditor,
		NewUpdate("subj-0042", "site-011", 1, diaryPayload(9), "tidy up"))
	AssertDenied(t, err, "auditor primary write")
}

// TestSiteScopeBoundsInvestigators verifies both halves of the
// investigator grant: annotate within their sites, never primary data,
// and the stored site decides, not the site the request claims.
func TestSiteScopeBoundsInvestigators(t *testing.T) {
	env := NewTestEnv(t)
	env.MustSubmit(Subject("subj-0042"), NewCreate("subj-0042", "site-011", diaryPayload(1)))
	env.MustSubmit(Subject("subj-0107"), NewCreate("subj-0107", "site-022", diaryPayload(2)))

	inv := Investigator("dr-lee", "site-011")

	st, err := env.Engine.GetState(env.Ctx, inv, "subj-0042")
	AssertNoError(t, err, "read within site")
	AssertTrue(t, st != nil, "record visible within site")

	_, _, err = env.Engine.Submit(env.Ctx, inv,
		NewAnnotate("subj-0042", "site-011", notePayload("confirmed with subject"), "follow-up call"))
	AssertNoError(t, err, "annotation within site")

	_, err = env.Engine.GetState(env.Ctx, inv, "subj-0107")
	AssertDenied(t, err, "read outside site scope")

	// Claiming an in-scope site for an out-of-scope record does not
	// help: the stored site is re-checked before the write lands.
	_, _, err = env.Engine.Submit(env.Ctx, inv,
		NewAnnotate("subj-0107", "site-011", notePayload("looks fine"), "drive-by note"))
	AssertDenied(t, err, "annotation outside site scope")

	_, _, err = env.Engine.Submit(env.Ctx, inv,
		NewUpdate("subj-0042", "site-011", 1, diaryPayload(9), "fix typo"))
	AssertDenied(t, err, "investigator primary write")

	// Collections narrow silently instead of erroring.
	subjects, err := env.Engine.Subjects(env.Ctx, inv, 0)
	AssertNoError(t, err, "list subjects")
	AssertEqual(t, 1, len(subjects), "subjects visible to the site")
	AssertEqual(t, "subj-0042", subjects[0].SubjectID, "visible subject")
}

// TestAnalystsAreReadOnly verifies the analyst grant: reads within
// their sites, no writes of any kind.
func TestAnalystsAreReadOnly(t *testing.T) {
	env := NewTestEnv(t)
	env.MustSubmit(Subject("subj-0042"), NewCreate("subj-0042", "site-011", diaryPayload(1)))
	env.MustSubmit(Subject("subj-0107"), NewCreate("subj-0107", "site-022", diaryPayload(2)))

	analyst := Analyst("stats-3", "site-011")

	st, err := env.Engine.GetState(env.Ctx, analyst, "subj-0042")
	AssertNoError(t, err, "read within site")
	AssertTrue(t, st != nil, "record visible within site")

	_, err = env.Engine.GetState(env.Ctx, analyst, "subj-0107")
	AssertDenied(t, err, "read outside site scope")

	_, _, err = env.Engine.Submit(env.Ctx, analyst,
		NewAnnotate("subj-0042", "site-011", notePayload("odd distribution"), "data review"))
	AssertDenied(t, err, "analyst write")
}

// TestSubjectsSeeOnlyThemselves verifies participant isolation: no
// reads or writes against a peer, and collections collapse to the
// caller's own record.
func TestSubjectsSeeOnlyThemselves(t *testing.T) {
	env := NewTestEnv(t)
	env.MustSubmit(Subject("subj-0042"), NewCreate("subj-0042", "site-011", diaryPayload(1)))
	env.MustSubmit(Subject("subj-0107"), NewCreate("subj-0107", "site-022", diaryPayload(2)))

	_, err := env.Engine.GetState(env.Ctx, Subject("subj-0042"), "subj-0107")
	AssertDenied(t, err, "peer read")

	_, _, err = env.Engine.Submit(env.Ctx, Subject("subj-0042"),
		NewUpdate("subj-0107", "site-022", 1, diaryPayload(5), "helpful edit"))
	AssertDenied(t, err, "peer write")

	subjects, err := env.Engine.Subjects(env.Ctx, Subject("subj-0042"), 0)
	AssertNoError(t, err, "list subjects")
	AssertEqual(t, 1, len(subjects), "records visible to a subject")
	AssertEqual(t, "subj-0042", subjects[0].SubjectID, "own record visible")

	history, err := env.Engine.TenantHistory(env.Ctx, Subject("subj-0042"), 1, 0, 0)
	AssertNoError(t, err, "subject history")
	AssertEqual(t, 1, len(history), "events visible to a subject")
	AssertEqual(t, "subj-0042", history[0].SubjectID, "own events visible")
}

// TestOperatorControlsRequireAdmin verifies that delivery and chain
// controls stay behind the admin role no matter how much a caller can
// read.
func TestOperatorControlsRequireAdmin(t *testing.T) {
	env := NewTestEnv(t)
	env.SeedSubject("subj-0042", "site-011", 2)

	auditor := Auditor("aud-19")

	_, err := env.Engine.VerifyChain(env.Ctx, auditor, testTenant)
	AssertDenied(t, err, "auditor chain verify")

	_, err = env.Engine.SkipDelivery(env.Ctx, auditor, "ctms", 1, "impatient")
	AssertDenied(t, err, "auditor delivery skip")

	err = env.Engine.ResumeChain(env.Ctx, auditor, testTenant, "unblocking myself")
	AssertDenied(t, err, "auditor chain resume")

	_, _, err = env.Engine.DeliveryStatus(env.Ctx, auditor, "ctms", 10)
	AssertDenied(t, err, "auditor delivery status")
}
