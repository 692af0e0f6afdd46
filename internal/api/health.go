package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"
)

const (
	healthOK       = "ok"
	healthDegraded = "degraded"

	healthCheckTimeout = 2 * time.Second
)

// Check reports whether a dependency of the server is usable.
type Check func(ctx context.Context) error

// healthResponse is the JSON response for GET /healthz.
type healthResponse struct {
	Status     string            `json:"status"`
	Validators []string          `json:"validators"`
	Checks     map[string]string `json:"checks"`
}

// AddCheck registers a named readiness check reported by /healthz. It must
// be called before the server starts handling requests.
func (s *Server) AddCheck(name string, check Check) {
	s.checks[name] = check
}

// handleHealthz runs every check and answers 503 when any of them fails or
// no validator is registered, so a load balancer stops routing runs here.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{
		Status:     healthOK,
		Validators: []string{},
		Checks:     make(map[string]string, len(s.checks)),
	}
	for _, m := range s.runners.List() {
		resp.Validators = append(resp.Validators, m.Type)
	}
	if len(resp.Validators) == 0 {
		resp.Status = healthDegraded
	}

	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			s.logger.Warn("health check failed", "check", name, "error", err)
			resp.Checks[name] = err.Error()
			resp.Status = healthDegraded
			continue
		}
		resp.Checks[name] = healthOK
	}

	status := http.StatusOK
	if resp.Status != healthOK {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

// WorkDirCheck reports whether runs can create their working directories
// under dir.
func WorkDirCheck(dir string) Check {
	return func(context.Context) error {
		f, err := os.CreateTemp(dir, ".healthz-*")
		if err != nil {
			return fmt.Errorf("work dir not writable: %w", err)
		}
		name := f.Name()
		f.Close()
		return os.Remove(name)
	}
}
