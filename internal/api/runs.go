package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/validator/internal/coordinator"
	"github.com/seantiz/validator/internal/envelope"
	"github.com/seantiz/validator/internal/location"
	"github.com/seantiz/validator/internal/model"
	"github.com/seantiz/validator/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// createRunRequest is the JSON body for POST /v1/runs and /v1/runs/async.
type createRunRequest struct {
	InputURI  string `json:"input_uri"`
	OutputURI string `json:"output_uri"`
}

// runResponse reports a synchronous run.
type runResponse struct {
	RunID      string                   `json:"run_id,omitempty"`
	Status     envelope.Status          `json:"status,omitempty"`
	OutputURI  string                   `json:"output_uri,omitempty"`
	ExitCode   int                      `json:"exit_code"`
	FinalStage coordinator.Stage        `json:"final_stage"`
	Callback   string                   `json:"callback,omitempty"`
	Error      string                   `json:"error,omitempty"`
	Output     *envelope.OutputEnvelope `json:"output,omitempty"`
}

// acceptedResponse acknowledges an asynchronous run.
type acceptedResponse struct {
	InputURI  string `json:"input_uri"`
	OutputURI string `json:"output_uri"`
}

// listRunsResponse wraps the paginated list response.
type listRunsResponse struct {
	Runs   []*model.Run `json:"runs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// decodeRunRequest reads the body and resolves the run's locations. It
// writes the error response itself and returns nil on failure.
func (s *Server) decodeRunRequest(w http.ResponseWriter, r *http.Request) (*location.Resolver, string) {
	var req createRunRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		submissionsRejected.WithLabelValues(rejectBadRequest).Inc()
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return nil, ""
	}
	if req.InputURI == "" {
		submissionsRejected.WithLabelValues(rejectBadRequest).Inc()
		s.writeError(w, http.StatusBadRequest, "input_uri is required")
		return nil, ""
	}

	loc := location.Static(req.InputURI, req.OutputURI)
	inputURI, err := loc.ResolveInput()
	if err != nil {
		submissionsRejected.WithLabelValues(rejectUnresolvable).Inc()
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return nil, ""
	}
	outputURI, err := loc.ResolveOutput(nil, inputURI)
	if err != nil {
		submissionsRejected.WithLabelValues(rejectUnresolvable).Inc()
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return nil, ""
	}
	return loc, outputURI
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	loc, _ := s.decodeRunRequest(w, r)
	if loc == nil {
		return
	}

	o := s.coord.RunWith(r.Context(), loc)
	recordOutcome(modeSync, o)

	resp := runResponse{
		RunID:      o.RunID,
		Status:     o.Status,
		OutputURI:  o.OutputURI,
		ExitCode:   o.ExitCode,
		FinalStage: o.FinalStage,
		Callback:   o.CallbackStatus(),
		Output:     o.Output,
	}
	if o.Err != nil {
		resp.Error = o.Err.Error()
	}
	s.writeJSON(w, outcomeStatus(o), resp)
}

// outcomeStatus maps a run outcome to an HTTP status. A persisted output is
// a successful request whatever the validation verdict.
func outcomeStatus(o coordinator.Outcome) int {
	if o.ExitCode == 0 {
		return http.StatusOK
	}
	var cfgErr *location.ConfigurationError
	var schemaErr *envelope.SchemaError
	if errors.As(o.Err, &cfgErr) || errors.As(o.Err, &schemaErr) {
		return http.StatusUnprocessableEntity
	}
	return http.StatusBadGateway
}

func (s *Server) handleAsyncRun(w http.ResponseWriter, r *http.Request) {
	loc, outputURI := s.decodeRunRequest(w, r)
	if loc == nil {
		return
	}
	inputURI, _ := loc.ResolveInput()

	ctx := context.WithoutCancel(r.Context())
	s.inflight.Add(1)
	asyncInFlight.Inc()
	go func() {
		defer s.inflight.Done()
		defer asyncInFlight.Dec()
		o := s.coord.RunWith(ctx, loc)
		recordOutcome(modeAsync, o)
		if o.Err != nil {
			s.logger.Error("async run failed", "input_uri", inputURI, "run_id", o.RunID, "error", o.Err)
		}
	}()

	s.writeJSON(w, http.StatusAccepted, acceptedResponse{InputURI: inputURI, OutputURI: outputURI})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	runs, total, err := s.store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	if runs == nil {
		runs = []*model.Run{}
	}

	s.writeJSON(w, http.StatusOK, listRunsResponse{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
