// Package api serves the HTTP control surface: manual triggers, project
// start and stop, run inspection, run-token verification, health and metrics.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"autocoder/pkg/logx"
	"autocoder/pkg/persistence"
	"autocoder/pkg/runtoken"
	"autocoder/pkg/trigger"
	"autocoder/pkg/version"
)

// Dispatcher is the control surface the API exposes.
type Dispatcher interface {
	Trigger(ctx context.Context, req trigger.Request) (trigger.Dispatch, error)
	StopProject(ctx context.Context, projectID int64) error
	StartProject(ctx context.Context, projectID int64) (string, error)
	CancelRun(ctx context.Context, runID string) error
}

// Server holds the handlers.
type Server struct {
	store      *persistence.DatabaseOperations
	dispatcher Dispatcher
	tokens     *runtoken.Issuer
	gatherer   prometheus.Gatherer
	apiToken   string
	logger     *logx.Logger
}

// Options configures a Server.
type Options struct {
	Store      *persistence.DatabaseOperations
	Dispatcher Dispatcher
	Tokens     *runtoken.Issuer
	// Gatherer backs /metrics; nil leaves the route out.
	Gatherer prometheus.Gatherer
	// APIToken is the bearer token protecting /api. When empty every
	// protected request is refused.
	APIToken string
}

// NewServer creates a Server.
func NewServer(opts Options) *Server {
	return &Server{
		store:      opts.Store,
		dispatcher: opts.Dispatcher,
		tokens:     opts.Tokens,
		gatherer:   opts.Gatherer,
		apiToken:   opts.APIToken,
		logger:     logx.NewLogger("api"),
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// RegisterRoutes sets up the HTTP routes.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	// Agents authenticate with their run token, not the API token.
	mux.HandleFunc("POST /api/runs/{id}/token/verify", s.handleVerifyToken)

	mux.HandleFunc("GET /api/projects", s.requireAuth(s.handleListProjects))
	mux.HandleFunc("POST /api/projects/{id}/runs", s.requireAuth(s.handleTrigger))
	mux.HandleFunc("GET /api/projects/{id}/runs", s.requireAuth(s.handleListRuns))
	mux.HandleFunc("POST /api/projects/{id}/stop", s.requireAuth(s.handleStopProject))
	mux.HandleFunc("POST /api/projects/{id}/start", s.requireAuth(s.handleStartProject))
	mux.HandleFunc("GET /api/runs/{id}", s.requireAuth(s.handleGetRun))
	mux.HandleFunc("POST /api/runs/{id}/cancel", s.requireAuth(s.handleCancelRun))
}

// requireAuth checks the bearer token with a constant-time comparison.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiToken == "" {
			s.logger.Error("API token not set - denying access")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		presented, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(s.apiToken)) != 1 {
			s.logger.Warn("Failed authentication attempt from %s", r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", `Bearer realm="autocoder"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version.Version})
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	projects, err := s.store.ListProjects(r.Context(), activeOnly)
	if err != nil {
		s.fail(w, err)
		return
	}
	if projects == nil {
		projects = []*persistence.Project{}
	}
	s.writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r)
	if !ok {
		return
	}

	var req trigger.Request
	if r.ContentLength != 0 {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	req.ProjectID = projectID

	dispatch, err := s.dispatcher.Trigger(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, dispatch)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r)
	if !ok {
		return
	}
	filter := &persistence.RunFilter{ProjectID: projectID, Limit: 50}
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}
	for _, st := range q["status"] {
		filter.Statuses = append(filter.Statuses, persistence.RunStatus(st))
	}

	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		s.fail(w, err)
		return
	}
	if runs == nil {
		runs = []*persistence.Run{}
	}
	s.writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleStopProject(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.dispatcher.StopProject(r.Context(), projectID); err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleStartProject(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r)
	if !ok {
		return
	}
	workflowID, err := s.dispatcher.StartProject(r.Context(), projectID)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "started", "workflow_id": workflowID})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	if err := s.dispatcher.CancelRun(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

type verifyRequest struct {
	Token string `json:"token"`
}

type verifyResponse struct {
	Valid bool `json:"valid"`
}

func (s *Server) handleVerifyToken(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	valid, err := s.tokens.Verify(r.Context(), r.PathValue("id"), req.Token)
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		s.logger.Warn("token verification for run %s failed: %v", r.PathValue("id"), err)
	}
	status := http.StatusOK
	if !valid {
		status = http.StatusUnauthorized
	}
	s.writeJSON(w, status, verifyResponse{Valid: valid})
}

// fail maps domain errors onto status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	var status int
	switch {
	case errors.Is(err, trigger.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, trigger.ErrNotFound), errors.Is(err, persistence.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, trigger.ErrAlreadyRunning):
		status = http.StatusConflict
	case errors.Is(err, trigger.ErrUnavailable):
		status = http.StatusServiceUnavailable
	default:
		s.logger.Error("request failed: %v", err)
		status = http.StatusInternalServerError
	}
	writeError(w, status, err.Error())
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid project id")
		return 0, false
	}
	return id, true
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response: %v", err)
	}
}
