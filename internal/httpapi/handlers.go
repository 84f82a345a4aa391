package httpapi

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"diaryd/internal/conflict"
	"diaryd/internal/event"
	"diaryd/internal/store"
)

// submitRequest is the submission protocol body. The actor fields are
// advisory: clients may echo who they are, but the authenticated
// gateway bundle always wins and a mismatch is rejected outright.
type submitRequest struct {
	EventID      string          `json:"event_id"`
	TenantID     string          `json:"tenant_id"`
	SiteID       string          `json:"site_id"`
	SubjectID    string          `json:"subject_id"`
	Operation    string          `json:"operation"`
	ParentSeq    *int64          `json:"parent_sequence_id"`
	Payload      json.RawMessage `json:"payload"`
	ChangeReason string          `json:"change_reason"`
	Evidence     []byte          `json:"evidence"`
	ClientTimeNs int64           `json:"client_time_ns"`
	Resolution   string          `json:"resolution"`
	ActorID      string          `json:"actor_id"`
	ActorRole    string          `json:"actor_role"`
}

func (req *submitRequest) candidate() (*event.Candidate, error) {
	c := &event.Candidate{
		TenantID:     req.TenantID,
		SiteID:       req.SiteID,
		SubjectID:    req.SubjectID,
		Operation:    event.Operation(req.Operation),
		ParentSeq:    req.ParentSeq,
		Payload:      req.Payload,
		ChangeReason: req.ChangeReason,
		Evidence:     req.Evidence,
		ClientTimeNs: req.ClientTimeNs,
		Resolution:   event.Resolution(req.Resolution),
	}
	if req.EventID != "" {
		id, err := uuid.Parse(req.EventID)
		if err != nil {
			return nil, fmt.Errorf("event_id is not a UUID: %v", err)
		}
		c.EventID = id
	}
	return c, nil
}

// submitResponse acknowledges an accepted event.
type submitResponse struct {
	Accepted     bool   `json:"accepted"`
	SequenceID   int64  `json:"sequence_id"`
	ChainHash    string `json:"chain_hash"`
	Version      int64  `json:"version"`
	RecordedAtNs int64  `json:"recorded_at_ns"`
}

// conflictResponse rejects a stale submission and hands the client
// everything it needs to resolve and resubmit.
type conflictResponse struct {
	Accepted bool         `json:"accepted"`
	Conflict conflictInfo `json:"conflict"`
}

type conflictInfo struct {
	SubjectID    string     `json:"subject_id"`
	Stream       string     `json:"stream"`
	ClaimedSeq   int64      `json:"claimed_sequence_id"`
	CurrentSeq   int64      `json:"current_sequence_id"`
	CurrentState *stateJSON `json:"current_state"`
}

type stateJSON struct {
	TenantID    string          `json:"tenant_id"`
	SiteID      string          `json:"site_id"`
	SubjectID   string          `json:"subject_id"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Version     int64           `json:"version"`
	LastSeq     int64           `json:"last_sequence_id"`
	DataSeq     int64           `json:"data_sequence_id"`
	NoteSeq     int64           `json:"note_sequence_id"`
	Deleted     bool            `json:"deleted"`
	CreatedAtNs int64           `json:"created_at_ns"`
	UpdatedAtNs int64           `json:"updated_at_ns"`
}

func newStateJSON(st *event.State) *stateJSON {
	if st == nil {
		return nil
	}
	return &stateJSON{
		TenantID:    st.TenantID,
		SiteID:      st.SiteID,
		SubjectID:   st.SubjectID,
		Payload:     st.Payload,
		Version:     st.Version,
		LastSeq:     st.LastSeq,
		DataSeq:     st.DataSeq,
		NoteSeq:     st.NoteSeq,
		Deleted:     st.Deleted,
		CreatedAtNs: st.CreatedAtNs,
		UpdatedAtNs: st.UpdatedAtNs,
	}
}

type eventJSON struct {
	SequenceID   int64           `json:"sequence_id"`
	EventID      string          `json:"event_id"`
	TenantID     string          `json:"tenant_id"`
	SiteID       string          `json:"site_id"`
	SubjectID    string          `json:"subject_id"`
	Operation    string          `json:"operation"`
	ParentSeq    *int64          `json:"parent_sequence_id,omitempty"`
	ActorID      string          `json:"actor_id"`
	ActorRole    string          `json:"actor_role"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	ChangeReason string          `json:"change_reason,omitempty"`
	Evidence     []byte          `json:"evidence,omitempty"`
	ClientTimeNs int64           `json:"client_time_ns"`
	RecordedAtNs int64           `json:"recorded_at_ns"`
	ContentHash  string          `json:"content_hash"`
	ChainHash    string          `json:"chain_hash"`
}

func newEventJSON(e *event.Event) *eventJSON {
	return &eventJSON{
		SequenceID:   e.Sequence,
		EventID:      e.EventID.String(),
		TenantID:     e.TenantID,
		SiteID:       e.SiteID,
		SubjectID:    e.SubjectID,
		Operation:    string(e.Operation),
		ParentSeq:    e.ParentSeq,
		ActorID:      e.ActorID,
		ActorRole:    e.ActorRole,
		Payload:      e.Payload,
		ChangeReason: e.ChangeReason,
		Evidence:     e.Evidence,
		ClientTimeNs: e.ClientTimeNs,
		RecordedAtNs: e.RecordedAtNs,
		ContentHash:  hex.EncodeToString(e.ContentHash[:]),
		ChainHash:    hex.EncodeToString(e.ChainHash[:]),
	}
}

type conflictJSON struct {
	ID           int64           `json:"id"`
	TenantID     string          `json:"tenant_id"`
	SiteID       string          `json:"site_id"`
	SubjectID    string          `json:"subject_id"`
	Stream       string          `json:"stream"`
	EventID      string          `json:"event_id"`
	ActorID      string          `json:"actor_id"`
	ClaimedSeq   int64           `json:"claimed_sequence_id"`
	ActualSeq    int64           `json:"actual_sequence_id"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	DetectedAtNs int64           `json:"detected_at_ns"`
	Resolution   string          `json:"resolution"`
	ResolvedBy   string          `json:"resolved_by,omitempty"`
	ResolvedAtNs int64           `json:"resolved_at_ns,omitempty"`
}

func newConflictJSON(r *conflict.Record) *conflictJSON {
	return &conflictJSON{
		ID:           r.ID,
		TenantID:     r.TenantID,
		SiteID:       r.SiteID,
		SubjectID:    r.SubjectID,
		Stream:       string(r.Stream),
		EventID:      r.EventID.String(),
		ActorID:      r.ActorID,
		ClaimedSeq:   r.ClaimedSeq,
		ActualSeq:    r.ActualSeq,
		Payload:      r.Payload,
		DetectedAtNs: r.DetectedAtNs,
		Resolution:   string(r.Resolution),
		ResolvedBy:   r.ResolvedBy,
		ResolvedAtNs: r.ResolvedAtNs,
	}
}

type deliveryJSON struct {
	TenantID    string `json:"tenant_id"`
	SequenceID  int64  `json:"sequence_id"`
	Status      string `json:"status"`
	Attempts    int64  `json:"attempts"`
	NextRetryNs int64  `json:"next_retry_ns,omitempty"`
	LastError   string `json:"last_error,omitempty"`
	UpdatedAtNs int64  `json:"updated_at_ns"`
}

func newDeliveryJSON(d *store.Delivery) *deliveryJSON {
	return &deliveryJSON{
		TenantID:    d.TenantID,
		SequenceID:  d.Sequence,
		Status:      d.Status,
		Attempts:    d.Attempts,
		NextRetryNs: d.NextRetryNs,
		LastError:   d.LastError,
		UpdatedAtNs: d.UpdatedAtNs,
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	if s.limiter != nil {
		if ok, wait := s.limiter.allow(caller.ActorID); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(wait/time.Second)+1))
			writeJSON(w, http.StatusTooManyRequests, errorBody{
				Error:  "rate_limited",
				Reason: "submission rate exceeded",
			})
			return
		}
	}

	var req submitRequest
	body := http.MaxBytesReader(w, r.Body, s.maxBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error:   "validation",
			Reasons: []string{"request body: " + err.Error()},
		})
		return
	}
	if (req.ActorID != "" && req.ActorID != caller.ActorID) ||
		(req.ActorRole != "" && req.ActorRole != string(caller.Role)) {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error:   "validation",
			Reasons: []string{"actor fields do not match the authenticated caller"},
		})
		return
	}

	cand, err := req.candidate()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error:   "validation",
			Reasons: []string{err.Error()},
		})
		return
	}

	e, st, err := s.engine.Submit(r.Context(), caller, cand)
	if err != nil {
		var ce *event.ConflictError
		if errors.As(err, &ce) {
			writeJSON(w, http.StatusConflict, conflictResponse{
				Conflict: conflictInfo{
					SubjectID:    ce.SubjectID,
					Stream:       ce.Stream,
					ClaimedSeq:   ce.ClaimedSeq,
					CurrentSeq:   ce.CurrentSeq,
					CurrentState: newStateJSON(ce.CurrentState),
				},
			})
			return
		}
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, submitResponse{
		Accepted:     true,
		SequenceID:   e.Sequence,
		ChainHash:    hex.EncodeToString(e.ChainHash[:]),
		Version:      st.Version,
		RecordedAtNs: e.RecordedAtNs,
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	st, err := s.engine.GetState(r.Context(), caller, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if st == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, newStateJSON(st))
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	from, err := queryInt64(r, "from", 0)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation", Reasons: []string{err.Error()}})
		return
	}
	to, err := queryInt64(r, "to", 0)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation", Reasons: []string{err.Error()}})
		return
	}

	subjectID := r.PathValue("id")
	events, err := s.engine.Replay(r.Context(), caller, subjectID, from, to)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]*eventJSON, len(events))
	for i := range events {
		out[i] = newEventJSON(&events[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subject_id": subjectID,
		"count":      len(out),
		"events":     out,
	})
}

func (s *Server) handleSubjects(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation", Reasons: []string{err.Error()}})
		return
	}
	states, err := s.engine.Subjects(r.Context(), caller, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]*stateJSON, len(states))
	for i := range states {
		out[i] = newStateJSON(&states[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(out),
		"subjects": out,
	})
}

func (s *Server) handleEventAt(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	seq, err := strconv.ParseInt(r.PathValue("seq"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation", Reasons: []string{"sequence must be an integer"}})
		return
	}
	e, err := s.engine.EventAt(r.Context(), caller, seq)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if e == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, newEventJSON(e))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	from, err := queryInt64(r, "from", 0)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation", Reasons: []string{err.Error()}})
		return
	}
	to, err := queryInt64(r, "to", 0)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation", Reasons: []string{err.Error()}})
		return
	}
	limit, err := queryInt(r, "limit", 500)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation", Reasons: []string{err.Error()}})
		return
	}

	events, err := s.engine.TenantHistory(r.Context(), caller, from, to, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]*eventJSON, len(events))
	for i := range events {
		out[i] = newEventJSON(&events[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(out),
		"events": out,
	})
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation", Reasons: []string{err.Error()}})
		return
	}
	onlyOpen := r.URL.Query().Get("open") == "true"

	records, err := s.engine.Conflicts(r.Context(), caller, onlyOpen, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]*conflictJSON, len(records))
	for i := range records {
		out[i] = newConflictJSON(&records[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":     len(out),
		"conflicts": out,
	})
}

func (s *Server) handleDeliveryStatus(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation", Reasons: []string{err.Error()}})
		return
	}
	target := r.PathValue("target")

	rows, lag, err := s.engine.DeliveryStatus(r.Context(), caller, target, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]*deliveryJSON, len(rows))
	for i := range rows {
		out[i] = newDeliveryJSON(&rows[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"target":     target,
		"lag":        lag,
		"deliveries": out,
	})
}

func queryInt64(r *http.Request, name string, def int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("query parameter %s must be an integer", name)
	}
	return v, nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v, err := queryInt64(r, name, int64(def))
	return int(v), err
}
