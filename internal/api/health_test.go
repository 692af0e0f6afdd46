package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/seantiz/validator/internal/model"
	"github.com/seantiz/validator/internal/runner"
)

func TestHealthzEndpoint(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if body.Status != healthOK {
		t.Errorf("status = %q, want %q", body.Status, healthOK)
	}
	if len(body.Validators) != 1 || body.Validators[0] != "PROBE" {
		t.Errorf("validators = %v, want [PROBE]", body.Validators)
	}
	if body.Checks["ledger"] != healthOK {
		t.Errorf("checks[ledger] = %q, want %q", body.Checks["ledger"], healthOK)
	}
}

func TestHealthzDegraded(t *testing.T) {
	tests := []struct {
		name  string
		check string
		setup func(t *testing.T, srv *Server)
	}{
		{
			name:  "work dir missing",
			check: "work_dir",
			setup: func(t *testing.T, srv *Server) {
				srv.AddCheck("work_dir", WorkDirCheck(filepath.Join(t.TempDir(), "missing")))
			},
		},
		{
			name:  "ledger closed",
			check: "ledger",
			setup: func(t *testing.T, srv *Server) {
				srv.store.Close()
			},
		},
		{
			name:  "callback credentials",
			check: "callback",
			setup: func(t *testing.T, srv *Server) {
				srv.AddCheck("callback", func(context.Context) error {
					return errors.New("no credentials")
				})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t)
			tt.setup(t, srv)

			ts := httptest.NewServer(srv.Router())
			defer ts.Close()

			resp, err := http.Get(ts.URL + "/healthz")
			if err != nil {
				t.Fatalf("GET /healthz: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusServiceUnavailable {
				t.Errorf("status = %d, want 503", resp.StatusCode)
			}
			var body healthResponse
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if body.Status != healthDegraded {
				t.Errorf("status = %q, want %q", body.Status, healthDegraded)
			}
			if got := body.Checks[tt.check]; got == "" || got == healthOK {
				t.Errorf("checks[%s] = %q, want a failure", tt.check, got)
			}
		})
	}
}

func TestWorkDirCheckWritable(t *testing.T) {
	dir := t.TempDir()
	if err := WorkDirCheck(dir)(context.Background()); err != nil {
		t.Fatalf("WorkDirCheck: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("check left %d files behind", len(entries))
	}
}

func TestListValidators(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/validators")
	if err != nil {
		t.Fatalf("GET /v1/validators: %v", err)
	}
	defer resp.Body.Close()

	var got []runner.Metadata
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got) != 1 || got[0].Type != "PROBE" || got[0].Name != "Probe Validator" {
		t.Errorf("validators = %+v, want the PROBE runner", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	// Make a request to generate metrics.
	http.Get(ts.URL + "/healthz")

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "text/plain") && !strings.Contains(contentType, "text/openmetrics") {
		t.Errorf("Content-Type = %q, expected prometheus format", contentType)
	}

	bodyBytes, _ := io.ReadAll(resp.Body)
	body := string(bodyBytes)

	for _, name := range []string{
		"validator_http_requests_total",
		"validator_http_request_duration_seconds",
		"validator_stage_duration_seconds",
		"validator_fatal_errors_total",
		"validator_api_submissions_rejected_total",
		"validator_api_async_runs_in_flight",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestRunOutcomeMetrics(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	// Test envelopes set skip_callback.
	passed := apiRunsTotal.WithLabelValues(modeSync, "SUCCESS", model.CallbackSkipped)
	failed := apiRunsTotal.WithLabelValues(modeSync, "FAILURE", model.CallbackSkipped)
	badRequest := submissionsRejected.WithLabelValues(rejectBadRequest)
	beforePassed, beforeFailed := counterValue(t, passed), counterValue(t, failed)
	beforeBad := counterValue(t, badRequest)

	postRun(t, ts.URL, `{"input_uri":"`+writeEnvelope(t, t.TempDir(), "run-pass", nil)+`"}`)
	postRun(t, ts.URL, `{"input_uri":"`+writeEnvelope(t, t.TempDir(), "run-fail", map[string]any{"fail": true})+`"}`)

	resp, err := http.Post(ts.URL+"/v1/runs", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()

	if got := counterValue(t, passed) - beforePassed; got != 1 {
		t.Errorf("sync SUCCESS runs = %v, want 1", got)
	}
	if got := counterValue(t, failed) - beforeFailed; got != 1 {
		t.Errorf("sync FAILURE runs = %v, want 1", got)
	}
	if got := counterValue(t, badRequest) - beforeBad; got != 1 {
		t.Errorf("bad_request rejections = %v, want 1", got)
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}
