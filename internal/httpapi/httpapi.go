// Package httpapi serves the REST surface that devices and site
// systems submit through. Authentication happens at the gateway: every
// request arrives with the resolved caller bundle in X-Diaryd-*
// headers, and this layer only parses the bundle, drives the engine,
// and maps the failure taxonomy onto status codes.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"diaryd/internal/engine"
	"diaryd/internal/event"
	"diaryd/internal/health"
	"diaryd/internal/identity"
	"diaryd/internal/logging"
	"diaryd/internal/metrics"
)

// Identity headers stamped by the gateway after it authenticates the
// device or portal session. The daemon trusts them as-is; the network
// path from the gateway is the trust boundary.
const (
	HeaderActor  = "X-Diaryd-Actor"
	HeaderRole   = "X-Diaryd-Role"
	HeaderTenant = "X-Diaryd-Tenant"
	HeaderSites  = "X-Diaryd-Sites" // comma-separated site ids
)

// maxBodyBytes bounds a submission body when Options.MaxBody is unset.
// Diary payloads are small structured forms; anything near this limit
// is a client bug.
const maxBodyBytes = 1 << 20

// Options configures the API server. Engine is required; Health and
// Metrics each add their endpoints when present. MaxBody falls back to
// maxBodyBytes when zero. SubmitRate and SubmitBurst enable per-actor
// rate limiting on the submission endpoint; either at zero leaves it
// off, since devices legitimately burst when syncing an offline
// backlog.
type Options struct {
	Engine      *engine.Engine
	Health      *health.Checker
	Metrics     *metrics.Registry
	Log         *logging.Logger
	MaxBody     int64
	SubmitRate  float64
	SubmitBurst int
}

// Server is the HTTP front of the engine.
type Server struct {
	engine  *engine.Engine
	log     *logging.Logger
	mux     *http.ServeMux
	maxBody int64
	limiter *submitLimiter
}

// New builds the route table.
func New(opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = logging.Default()
	}
	maxBody := opts.MaxBody
	if maxBody <= 0 {
		maxBody = maxBodyBytes
	}
	s := &Server{
		engine:  opts.Engine,
		log:     log.WithComponent("httpapi"),
		mux:     http.NewServeMux(),
		maxBody: maxBody,
		limiter: newSubmitLimiter(opts.SubmitRate, opts.SubmitBurst),
	}

	s.mux.HandleFunc("POST /v1/events", s.handleSubmit)
	s.mux.HandleFunc("GET /v1/events", s.handleHistory)
	s.mux.HandleFunc("GET /v1/events/{seq}", s.handleEventAt)
	s.mux.HandleFunc("GET /v1/subjects", s.handleSubjects)
	s.mux.HandleFunc("GET /v1/subjects/{id}/state", s.handleState)
	s.mux.HandleFunc("GET /v1/subjects/{id}/events", s.handleReplay)
	s.mux.HandleFunc("GET /v1/conflicts", s.handleConflicts)
	s.mux.HandleFunc("GET /v1/delivery/{target}/status", s.handleDeliveryStatus)

	if opts.Health != nil {
		s.mux.Handle("GET /healthz", opts.Health.HealthHandler())
		s.mux.Handle("GET /livez", opts.Health.LivenessHandler())
		s.mux.Handle("GET /readyz", opts.Health.ReadinessHandler())
	}
	if opts.Metrics != nil {
		s.mux.Handle("GET /metrics", opts.Metrics.HTTPHandler())
	}
	return s
}

// Handler wraps the route table with request logging and panic
// recovery. Every request gets an id that rides the context so engine
// audit lines correlate with the access log.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := s.log.NewRequestID()
		r = r.WithContext(logging.ContextWithRequestID(r.Context(), reqID))
		sw := &statusWriter{ResponseWriter: w}

		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("handler panic",
					"request_id", reqID,
					"method", r.Method,
					"path", r.URL.Path,
					"panic", rec,
				)
				if !sw.wrote {
					writeJSON(sw, http.StatusInternalServerError, errorBody{Error: "internal"})
				}
			}
			s.log.Info("request",
				"request_id", reqID,
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.code(),
				"duration_ms", time.Since(start).Milliseconds(),
				"actor", r.Header.Get(HeaderActor),
			)
		}()

		s.mux.ServeHTTP(sw, r)
	})
}

// statusWriter remembers the response code for the access log.
type statusWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wrote {
		w.status = code
		w.wrote = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wrote = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// caller parses the gateway identity headers. A missing or malformed
// bundle is a 401: the request never carried a usable identity, which
// is different from a 403 policy denial on a complete one.
func (s *Server) caller(w http.ResponseWriter, r *http.Request) (identity.Caller, bool) {
	c := identity.Caller{
		ActorID:  strings.TrimSpace(r.Header.Get(HeaderActor)),
		TenantID: strings.TrimSpace(r.Header.Get(HeaderTenant)),
	}
	role, err := identity.ParseRole(strings.TrimSpace(r.Header.Get(HeaderRole)))
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthenticated", Reason: err.Error()})
		return identity.Caller{}, false
	}
	c.Role = role
	if raw := strings.TrimSpace(r.Header.Get(HeaderSites)); raw != "" {
		for _, site := range strings.Split(raw, ",") {
			if site = strings.TrimSpace(site); site != "" {
				c.SiteIDs = append(c.SiteIDs, site)
			}
		}
	}
	if err := c.Validate(); err != nil {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthenticated", Reason: err.Error()})
		return identity.Caller{}, false
	}
	return c, true
}

// errorBody is the uniform error envelope. Reasons carries the full
// validation list; Reason everything else.
type errorBody struct {
	Error   string   `json:"error"`
	Reason  string   `json:"reason,omitempty"`
	Reasons []string `json:"reasons,omitempty"`
}

// writeError maps the failure taxonomy onto status codes. Conflicts are
// handled at the submit site because they carry a structured body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *event.ValidationError
	var ae *event.AuthorizationError
	var ie *event.IntegrityError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation", Reasons: ve.Reasons})
	case errors.As(err, &ae):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden", Reason: ae.Reason})
	case errors.As(err, &ie):
		// The tenant chain is halted; nothing the client can fix.
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "integrity", Reason: ie.Reason})
	default:
		s.log.Error("request failed",
			"request_id", logging.RequestIDFromContext(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
