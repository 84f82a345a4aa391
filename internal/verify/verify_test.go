package verify

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"diaryd/internal/event"
	"diaryd/internal/export"
	"diaryd/internal/store"
)

func buildArchive(t *testing.T, n int) ([]byte, ed25519.PrivateKey) {
	t.Helper()
	s, err := store.Open(store.Options{Driver: store.DriverSQLite, Path: filepath.Join(t.TempDir(), "diary.db")})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	var parent *int64
	for i := 0; i < n; i++ {
		c := &event.Candidate{
			EventID:      uuid.New(),
			TenantID:     "trial-204",
			SiteID:       "site-011",
			SubjectID:    "subj-0042",
			Operation:    event.OpCreate,
			Payload:      json.RawMessage(`{"form":"sleep-diary-v2","data":{"hours":7}}`),
			ClientTimeNs: time.Now().UnixNano(),
		}
		if i > 0 {
			c.Operation = event.OpUpdate
			c.ParentSeq = parent
			c.ChangeReason = "entered wrong value"
		}
		e, _, err := s.Append(c, "subj-0042", "subject")
		if err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
		parent = &e.Sequence
	}

	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	var buf bytes.Buffer
	if _, err := export.New(s, priv).Export(&buf, "trial-204", 1, 0); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	return buf.Bytes(), priv
}

// archiveLines decompresses an archive into its NDJSON lines.
func archiveLines(t *testing.T, raw []byte) []string {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("gzip open failed: %v", err)
	}
	defer gz.Close()

	var lines []string
	sc := bufio.NewScanner(gz)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan archive: %v", err)
	}
	return lines
}

// rebuildArchive recompresses edited lines into an archive.
func rebuildArchive(t *testing.T, lines []string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	for _, line := range lines {
		if _, err := gz.Write([]byte(line + "\n")); err != nil {
			t.Fatalf("write line: %v", err)
		}
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return buf.Bytes()
}

func pub(key ed25519.PrivateKey) ed25519.PublicKey {
	return key.Public().(ed25519.PublicKey)
}

func TestVerifyCleanArchive(t *testing.T) {
	raw, key := buildArchive(t, 5)

	report, err := Archive(bytes.NewReader(raw), pub(key))
	if err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	if !report.OK() {
		t.Fatalf("clean archive reported invalid: %+v", report)
	}
	if report.EventsRead != 5 || report.FromSeq != 1 || report.ToSeq != 5 {
		t.Errorf("unexpected range: %+v", report)
	}
	if report.EmbeddedKey {
		t.Error("report claims embedded key despite a pinned one")
	}
}

func TestVerifyEmbeddedKey(t *testing.T) {
	raw, _ := buildArchive(t, 2)

	report, err := Archive(bytes.NewReader(raw), nil)
	if err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	if !report.SignatureOK {
		t.Error("embedded key did not verify its own manifest")
	}
	if !report.EmbeddedKey {
		t.Error("report does not flag the embedded key fallback")
	}
}

func TestVerifyWrongKey(t *testing.T) {
	raw, _ := buildArchive(t, 2)
	otherPub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	report, err := Archive(bytes.NewReader(raw), otherPub)
	if err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	if report.SignatureOK {
		t.Error("signature verified under the wrong key")
	}
	if report.OK() {
		t.Error("report passed despite signature failure")
	}
	// The event lines themselves are untouched.
	if !report.ChainOK || !report.HeadMatches {
		t.Errorf("chain checks should still pass: %+v", report)
	}
}

func TestVerifyTamperedEvent(t *testing.T) {
	raw, key := buildArchive(t, 5)
	lines := archiveLines(t, raw)

	// Flip a recorded value inside event 3's payload.
	if !strings.Contains(lines[3], `"hours":7`) {
		t.Fatalf("fixture drift: line does not carry expected payload: %s", lines[3])
	}
	lines[3] = strings.Replace(lines[3], `"hours":7`, `"hours":8`, 1)

	report, err := Archive(bytes.NewReader(rebuildArchive(t, lines)), pub(key))
	if err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	if report.OK() {
		t.Fatal("tampered archive reported valid")
	}
	if len(report.Corrupted) != 1 || report.Corrupted[0] != 3 {
		t.Errorf("expected sequence 3 corrupted, got %v", report.Corrupted)
	}
	// The stored links are intact, so damage stays localized and the
	// head still matches.
	if !report.HeadMatches {
		t.Error("head should still match after a payload-only tamper")
	}
	if report.ChainOK {
		t.Error("chain reported clean despite corruption")
	}
}

func TestVerifyTruncatedArchive(t *testing.T) {
	raw, key := buildArchive(t, 5)
	lines := archiveLines(t, raw)

	report, err := Archive(bytes.NewReader(rebuildArchive(t, lines[:len(lines)-1])), pub(key))
	if err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	if report.OK() {
		t.Fatal("truncated archive reported valid")
	}
	if report.CountMatches {
		t.Error("count check missed the truncation")
	}
	if report.HeadMatches {
		t.Error("head check missed the truncation")
	}
}

func TestVerifyReorderedEvents(t *testing.T) {
	raw, key := buildArchive(t, 5)
	lines := archiveLines(t, raw)
	lines[2], lines[3] = lines[3], lines[2]

	report, err := Archive(bytes.NewReader(rebuildArchive(t, lines)), pub(key))
	if err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	if report.OK() {
		t.Fatal("reordered archive reported valid")
	}
	found := false
	for _, p := range report.Problems {
		if strings.Contains(p, "sequence gap") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a sequence gap problem, got %v", report.Problems)
	}
}

func TestVerifyNotGzip(t *testing.T) {
	if _, err := Archive(strings.NewReader("plain text"), nil); err == nil {
		t.Fatal("expected error for non-gzip input")
	}
}

func TestVerifyEmptyGzip(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	gz.Close()

	if _, err := Archive(bytes.NewReader(buf.Bytes()), nil); err == nil {
		t.Fatal("expected error for archive without a manifest")
	}
}

func TestReportWriters(t *testing.T) {
	raw, key := buildArchive(t, 2)
	report, err := Archive(bytes.NewReader(raw), pub(key))
	if err != nil {
		t.Fatalf("Archive failed: %v", err)
	}

	var text bytes.Buffer
	if err := report.WriteText(&text); err != nil {
		t.Fatalf("WriteText failed: %v", err)
	}
	if !strings.Contains(text.String(), "VALID") || !strings.Contains(text.String(), "trial-204") {
		t.Errorf("text report missing expected fields:\n%s", text.String())
	}

	var js bytes.Buffer
	if err := report.WriteJSON(&js); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
	var decoded Report
	if err := json.Unmarshal(js.Bytes(), &decoded); err != nil {
		t.Fatalf("JSON report does not decode: %v", err)
	}
	if decoded.TenantID != "trial-204" {
		t.Errorf("JSON report tenant = %s", decoded.TenantID)
	}
}
