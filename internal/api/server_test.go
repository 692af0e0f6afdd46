package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/seantiz/validator/internal/coordinator"
	"github.com/seantiz/validator/internal/envelope"
	"github.com/seantiz/validator/internal/runner"
	"github.com/seantiz/validator/internal/storage"
	"github.com/seantiz/validator/internal/store"
)

// probeRunner logs each entry of inputs.lines and succeeds unless
// inputs.fail is true.
type probeRunner struct{}

func (probeRunner) Run(_ context.Context, exec runner.Execution) (runner.Result, error) {
	in, _ := exec.Inputs.(map[string]any)
	if lines, ok := in["lines"].([]any); ok {
		for _, l := range lines {
			exec.Log(l.(string))
		}
	}
	if fail, _ := in["fail"].(bool); fail {
		return runner.Result{Messages: []envelope.Message{{
			Severity: envelope.SeverityError, Code: "PROBE_REJECTED", Text: "rejected",
		}}}, nil
	}
	return runner.Result{Success: true, Outputs: map[string]any{"ok": true}}, nil
}

func (probeRunner) Metadata() runner.Metadata {
	return runner.Metadata{Type: "PROBE", Name: "Probe Validator"}
}

func newTestServerWithLimiter(t *testing.T, limiter *rate.Limiter) *Server {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	runners := runner.NewRegistry()
	runners.Register(probeRunner{})
	shapes := envelope.NewRegistry()
	if err := runners.RegisterShapes(shapes); err != nil {
		t.Fatalf("RegisterShapes: %v", err)
	}
	codec, err := envelope.NewCodec(shapes)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	coord := coordinator.New(coordinator.Options{
		Storage:  storage.NewClient(storage.Options{MaxAttempts: 1, InitialBackoff: time.Millisecond}, logger),
		Codec:    codec,
		Runners:  runners,
		Ledger:   s,
		WorkRoot: t.TempDir(),
		Logger:   logger,
	})
	return NewServer(":0", s, runners, coord, limiter, logger)
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return newTestServerWithLimiter(t, nil)
}

// writeEnvelope stores an input envelope for a PROBE run in dir and returns
// its file:// URI.
func writeEnvelope(t *testing.T, dir, runID string, inputs map[string]any) string {
	t.Helper()
	if inputs == nil {
		inputs = map[string]any{}
	}
	doc := map[string]any{
		"schema_version": envelope.SchemaVersion,
		"run_id":         runID,
		"validator":      map[string]any{"id": "v-1", "type": "PROBE", "version": "1"},
		"input_files":    []any{},
		"inputs":         inputs,
		"context": map[string]any{
			"execution_bundle_uri": "file://" + filepath.Join(dir, "bundle") + "/",
			"skip_callback":        true,
		},
	}
	b, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "input.json")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatal(err)
	}
	return "file://" + path
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/test")
	if err != nil {
		t.Fatalf("GET /test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestPanicRecovery(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/panic")
	if err != nil {
		t.Fatalf("GET /panic: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestCORSHeaders(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest("OPTIONS", ts.URL+"/v1/runs", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /v1/runs: %v", err)
	}
	defer resp.Body.Close()

	if v := resp.Header.Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
	}
}

func TestRunSubmissionRateLimit(t *testing.T) {
	srv := newTestServerWithLimiter(t, rate.NewLimiter(rate.Every(time.Hour), 1))
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	dir := t.TempDir()
	body := `{"input_uri":"` + writeEnvelope(t, dir, "run-1", nil) + `"}`

	first, err := http.Post(ts.URL+"/v1/runs", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/runs: %v", err)
	}
	first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first status = %d, want 200", first.StatusCode)
	}

	second, err := http.Post(ts.URL+"/v1/runs", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/runs: %v", err)
	}
	defer second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second status = %d, want 429", second.StatusCode)
	}
	if second.Header.Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}

	// Reads are not throttled.
	list, err := http.Get(ts.URL + "/v1/runs")
	if err != nil {
		t.Fatalf("GET /v1/runs: %v", err)
	}
	list.Body.Close()
	if list.StatusCode != http.StatusOK {
		t.Errorf("list status = %d, want 200", list.StatusCode)
	}
}
