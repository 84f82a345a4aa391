package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diaryd/internal/engine"
	"diaryd/internal/health"
	"diaryd/internal/metrics"
	"diaryd/internal/store"
)

func newTestServer(t *testing.T) *httptest.Server {
	return newTestServerWith(t, Options{})
}

// newTestServerWith builds a server over a throwaway store. Engine,
// health and metrics in opts are overwritten; the remaining fields
// pass through.
func newTestServerWith(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	s, err := store.Open(store.Options{Driver: store.DriverSQLite, Path: filepath.Join(t.TempDir(), "diary.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	registry := metrics.NewRegistry("diaryd", "")
	eng, err := engine.New(engine.Options{Store: s, Metrics: metrics.NewDiarydMetrics(registry)})
	require.NoError(t, err)

	checker := health.NewChecker()
	checker.SetReady(true)

	opts.Engine = eng
	opts.Health = checker
	opts.Metrics = registry
	srv := New(opts)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func subjectHeaders(actor string) map[string]string {
	return map[string]string{
		HeaderActor:  actor,
		HeaderRole:   "subject",
		HeaderTenant: "trial-204",
	}
}

func investigatorHeaders(sites string) map[string]string {
	return map[string]string{
		HeaderActor:  "inv-007",
		HeaderRole:   "investigator",
		HeaderTenant: "trial-204",
		HeaderSites:  sites,
	}
}

func analystHeaders(sites string) map[string]string {
	return map[string]string{
		HeaderActor:  "ana-001",
		HeaderRole:   "analyst",
		HeaderTenant: "trial-204",
		HeaderSites:  sites,
	}
}

func adminHeaders() map[string]string {
	return map[string]string{
		HeaderActor:  "ops-001",
		HeaderRole:   "admin",
		HeaderTenant: "trial-204",
	}
}

// doJSON fires one request and decodes the JSON response into a map.
func doJSON(t *testing.T, ts *httptest.Server, method, path string, hdr map[string]string, body any) (int, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded
}

func submitBody(subject, operation string, parent *int64) map[string]any {
	body := map[string]any{
		"event_id":       uuid.NewString(),
		"tenant_id":      "trial-204",
		"site_id":        "site-011",
		"subject_id":     subject,
		"operation":      operation,
		"payload":        map[string]any{"form": "sleep-diary-v2", "data": map[string]any{"hours": 7}},
		"client_time_ns": int64(1700000000000000000),
	}
	if operation != "create" {
		body["change_reason"] = "entered wrong value"
	}
	if parent != nil {
		body["parent_sequence_id"] = *parent
	}
	return body
}

func seq(n int64) *int64 { return &n }

func TestSubmitAndReadBack(t *testing.T) {
	ts := newTestServer(t)
	hdr := subjectHeaders("subj-0042")

	status, resp := doJSON(t, ts, http.MethodPost, "/v1/events", hdr, submitBody("subj-0042", "create", nil))
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, true, resp["accepted"])
	assert.EqualValues(t, 1, resp["sequence_id"])
	assert.EqualValues(t, 1, resp["version"])
	assert.Len(t, resp["chain_hash"], 64)

	status, state := doJSON(t, ts, http.MethodGet, "/v1/subjects/subj-0042/state", hdr, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "subj-0042", state["subject_id"])
	assert.Equal(t, "site-011", state["site_id"])
	assert.EqualValues(t, 1, state["version"])
	assert.EqualValues(t, 1, state["data_sequence_id"])
	assert.Equal(t, false, state["deleted"])

	status, ev := doJSON(t, ts, http.MethodGet, "/v1/events/1", hdr, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "create", ev["operation"])
	assert.Equal(t, "subj-0042", ev["actor_id"])
	assert.Equal(t, "subject", ev["actor_role"])
	assert.Equal(t, resp["chain_hash"], ev["chain_hash"])

	status, replay := doJSON(t, ts, http.MethodGet, "/v1/subjects/subj-0042/events", hdr, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, replay["count"])
}

func TestSubmitConflictBody(t *testing.T) {
	ts := newTestServer(t)
	hdr := subjectHeaders("subj-0042")

	status, _ := doJSON(t, ts, http.MethodPost, "/v1/events", hdr, submitBody("subj-0042", "create", nil))
	require.Equal(t, http.StatusCreated, status)
	status, _ = doJSON(t, ts, http.MethodPost, "/v1/events", hdr, submitBody("subj-0042", "update", seq(1)))
	require.Equal(t, http.StatusCreated, status)

	// A second update still claiming parent 1 lost the race.
	status, resp := doJSON(t, ts, http.MethodPost, "/v1/events", hdr, submitBody("subj-0042", "update", seq(1)))
	require.Equal(t, http.StatusConflict, status)
	assert.Equal(t, false, resp["accepted"])

	c, ok := resp["conflict"].(map[string]any)
	require.True(t, ok, "conflict body missing: %v", resp)
	assert.Equal(t, "data", c["stream"])
	assert.EqualValues(t, 1, c["claimed_sequence_id"])
	assert.EqualValues(t, 2, c["current_sequence_id"])

	current, ok := c["current_state"].(map[string]any)
	require.True(t, ok, "current_state missing: %v", c)
	assert.EqualValues(t, 2, current["version"])

	// The rejected write left no trace in the log.
	status, ev := doJSON(t, ts, http.MethodGet, "/v1/events/3", hdr, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", ev["error"])
}

func TestSubmitValidation(t *testing.T) {
	ts := newTestServer(t)
	hdr := subjectHeaders("subj-0042")

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/events", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Structurally valid JSON with an empty candidate collects reasons.
	status, body := doJSON(t, ts, http.MethodPost, "/v1/events", hdr, map[string]any{"tenant_id": "trial-204"})
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation", body["error"])
	reasons, ok := body["reasons"].([]any)
	require.True(t, ok)
	assert.NotEmpty(t, reasons)

	status, body = doJSON(t, ts, http.MethodPost, "/v1/events", hdr, map[string]any{
		"tenant_id": "trial-204", "event_id": "not-a-uuid",
	})
	require.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, fmt.Sprint(body["reasons"]), "UUID")
}

func TestSubmitActorMismatch(t *testing.T) {
	ts := newTestServer(t)

	body := submitBody("subj-0042", "create", nil)
	body["actor_id"] = "subj-9999"
	status, resp := doJSON(t, ts, http.MethodPost, "/v1/events", subjectHeaders("subj-0042"), body)
	require.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, fmt.Sprint(resp["reasons"]), "authenticated caller")

	// Echoing the true identity is fine.
	body["actor_id"] = "subj-0042"
	body["actor_role"] = "subject"
	status, _ = doJSON(t, ts, http.MethodPost, "/v1/events", subjectHeaders("subj-0042"), body)
	assert.Equal(t, http.StatusCreated, status)
}

func TestIdentityRequired(t *testing.T) {
	ts := newTestServer(t)

	status, resp := doJSON(t, ts, http.MethodGet, "/v1/subjects/subj-0042/state", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthenticated", resp["error"])

	status, _ = doJSON(t, ts, http.MethodGet, "/v1/subjects/subj-0042/state", map[string]string{
		HeaderActor:  "x",
		HeaderRole:   "superuser",
		HeaderTenant: "trial-204",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	// Site-scoped roles must carry a site list.
	status, _ = doJSON(t, ts, http.MethodGet, "/v1/subjects/subj-0042/state", map[string]string{
		HeaderActor:  "inv-007",
		HeaderRole:   "investigator",
		HeaderTenant: "trial-204",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestPolicyDenialsMapTo403(t *testing.T) {
	ts := newTestServer(t)

	status, _ := doJSON(t, ts, http.MethodPost, "/v1/events", subjectHeaders("subj-0042"), submitBody("subj-0042", "create", nil))
	require.Equal(t, http.StatusCreated, status)

	// A subject may not write another subject's record.
	status, resp := doJSON(t, ts, http.MethodPost, "/v1/events", subjectHeaders("subj-0099"), submitBody("subj-0042", "update", seq(1)))
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "forbidden", resp["error"])

	// Analysts are read-only.
	status, _ = doJSON(t, ts, http.MethodPost, "/v1/events", analystHeaders("site-011"), submitBody("subj-0042", "update", seq(1)))
	assert.Equal(t, http.StatusForbidden, status)

	// But they read within their sites.
	status, _ = doJSON(t, ts, http.MethodGet, "/v1/subjects/subj-0042/state", analystHeaders("site-011"), nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = doJSON(t, ts, http.MethodGet, "/v1/subjects/subj-0042/state", analystHeaders("site-099"), nil)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestSubmitRateLimit(t *testing.T) {
	// Refill is 1 token per 10s so the test never races the clock.
	ts := newTestServerWith(t, Options{SubmitRate: 0.1, SubmitBurst: 2})
	hdr := subjectHeaders("subj-0042")

	status, _ := doJSON(t, ts, http.MethodPost, "/v1/events", hdr, submitBody("subj-0042", "create", nil))
	require.Equal(t, http.StatusCreated, status)
	status, _ = doJSON(t, ts, http.MethodPost, "/v1/events", hdr, submitBody("subj-0042", "update", seq(1)))
	require.Equal(t, http.StatusCreated, status)

	// The burst is spent; the next submission is shed with retry advice.
	raw, err := json.Marshal(submitBody("subj-0042", "update", seq(2)))
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/events", bytes.NewReader(raw))
	require.NoError(t, err)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate_limited", body["error"])
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	// Buckets are per actor, so another subject is unaffected.
	status, _ = doJSON(t, ts, http.MethodPost, "/v1/events", subjectHeaders("subj-0099"), submitBody("subj-0099", "create", nil))
	assert.Equal(t, http.StatusCreated, status)
}

func TestStateNotFound(t *testing.T) {
	ts := newTestServer(t)

	status, resp := doJSON(t, ts, http.MethodGet, "/v1/subjects/subj-none/state", subjectHeaders("subj-none"), nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", resp["error"])
}

func TestEventAtRejectsBadSequence(t *testing.T) {
	ts := newTestServer(t)

	status, resp := doJSON(t, ts, http.MethodGet, "/v1/events/abc", adminHeaders(), nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation", resp["error"])
}

func TestTenantHistoryAndConflictList(t *testing.T) {
	ts := newTestServer(t)
	hdr := subjectHeaders("subj-0042")

	status, _ := doJSON(t, ts, http.MethodPost, "/v1/events", hdr, submitBody("subj-0042", "create", nil))
	require.Equal(t, http.StatusCreated, status)
	status, _ = doJSON(t, ts, http.MethodPost, "/v1/events", hdr, submitBody("subj-0042", "update", seq(1)))
	require.Equal(t, http.StatusCreated, status)
	status, _ = doJSON(t, ts, http.MethodPost, "/v1/events", hdr, submitBody("subj-0042", "update", seq(1)))
	require.Equal(t, http.StatusConflict, status)

	inv := investigatorHeaders("site-011")
	status, hist := doJSON(t, ts, http.MethodGet, "/v1/events?from=1&limit=10", inv, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 2, hist["count"])

	status, conflicts := doJSON(t, ts, http.MethodGet, "/v1/conflicts?open=true", inv, nil)
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, 1, conflicts["count"])
	rows := conflicts["conflicts"].([]any)
	row := rows[0].(map[string]any)
	assert.Equal(t, "pending", row["resolution"])
	assert.EqualValues(t, 1, row["claimed_sequence_id"])
	assert.EqualValues(t, 2, row["actual_sequence_id"])

	status, subjects := doJSON(t, ts, http.MethodGet, "/v1/subjects", inv, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, subjects["count"])
}

func TestDeliveryStatusRequiresAdmin(t *testing.T) {
	ts := newTestServer(t)

	status, _ := doJSON(t, ts, http.MethodGet, "/v1/delivery/ctms/status", subjectHeaders("subj-0042"), nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, resp := doJSON(t, ts, http.MethodGet, "/v1/delivery/ctms/status", adminHeaders(), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ctms", resp["target"])
	assert.EqualValues(t, 0, resp["lag"])
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/livez")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "events_appended_total")
}

func TestQueryValidation(t *testing.T) {
	ts := newTestServer(t)
	inv := investigatorHeaders("site-011")

	status, resp := doJSON(t, ts, http.MethodGet, "/v1/events?from=abc", inv, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, fmt.Sprint(resp["reasons"]), "from")

	status, _ = doJSON(t, ts, http.MethodGet, "/v1/subjects/subj-0042/events?to=xyz", subjectHeaders("subj-0042"), nil)
	assert.Equal(t, http.StatusBadRequest, status)
}
