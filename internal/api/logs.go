package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/validator/internal/coordinator"
	"github.com/seantiz/validator/internal/model"
	"github.com/seantiz/validator/internal/store"
)

// handleStreamLogs streams a run's output as server-sent events. Each line's
// event id is its ledger sequence number, so a client that reconnects with
// Last-Event-ID resumes after the last line it saw. The stream ends with a
// done event carrying the run's recorded verdict.
func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run for logs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	// Set SSE headers.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Subscribe before reading history so a line written in between is not
	// lost. Live entries already replayed from history are skipped by seq. A
	// topic that closed since the status check returns a closed channel.
	var live <-chan coordinator.LogEntry
	if !model.IsTerminal(run.Status) {
		// Disable write timeout for long-lived SSE connections.
		rc := http.NewResponseController(w)
		if err := rc.SetWriteDeadline(time.Time{}); err != nil {
			s.logger.Error("set write deadline for SSE", "error", err)
		}
		ch, unsub := s.coord.Broker().Subscribe(id)
		defer unsub()
		live = ch
	}

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}

	last, ok := s.replayLogs(w, r, id, lastEventID(r))
	if !ok {
		return
	}
	flush()

	for live != nil {
		select {
		case e, ok := <-live:
			if !ok {
				live = nil
				continue
			}
			if e.Seq <= last {
				continue
			}
			if err := writeSSEData(w, e.Seq, e.Line); err != nil {
				return // Write failed (e.g. client gone).
			}
			last = e.Seq
			flush()
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}

	s.writeDone(w, r, id)
	flush()
}

// doneEvent is the payload of the final SSE event of a log stream.
type doneEvent struct {
	RunID          string `json:"run_id"`
	Status         string `json:"status,omitempty"`
	Stage          string `json:"stage,omitempty"`
	ExitCode       *int   `json:"exit_code,omitempty"`
	CallbackStatus string `json:"callback_status,omitempty"`
	Error          string `json:"error,omitempty"`
}

// writeDone sends the done event with the run as the ledger last recorded it.
func (s *Server) writeDone(w http.ResponseWriter, r *http.Request, id string) {
	ev := doneEvent{RunID: id}
	if run, err := s.store.GetRun(r.Context(), id); err != nil {
		s.logger.Error("get run for done event", "run_id", id, "error", err)
	} else {
		ev.Status = run.Status
		ev.Stage = run.Stage
		ev.ExitCode = run.ExitCode
		ev.CallbackStatus = run.CallbackStatus
		ev.Error = run.Error
	}
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("encode done event", "run_id", id, "error", err)
		return
	}
	_ = writeSSEEvent(w, "done", string(data))
}

// lastEventID returns the seq named by the Last-Event-ID header, or -1 when
// the client has seen nothing.
func lastEventID(r *http.Request) int {
	v := r.Header.Get("Last-Event-ID")
	if v == "" {
		return -1
	}
	seq, err := strconv.Atoi(v)
	if err != nil || seq < 0 {
		return -1
	}
	return seq
}

// logHistoryLine is a single log line in the history response.
type logHistoryLine struct {
	Seq       int    `json:"seq"`
	Line      string `json:"line"`
	CreatedAt string `json:"created_at"`
}

// logHistoryResponse is the JSON response for GET /v1/runs/:id/logs/history.
type logHistoryResponse struct {
	RunID string           `json:"run_id"`
	Lines []logHistoryLine `json:"lines"`
}

func (s *Server) handleGetLogHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	_, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run for log history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	logLines, err := s.store.GetLogLines(r.Context(), id)
	if err != nil {
		s.logger.Error("get log lines", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get log lines")
		return
	}

	lines := make([]logHistoryLine, len(logLines))
	for i, l := range logLines {
		lines[i] = logHistoryLine{
			Seq:       l.Seq,
			Line:      l.Line,
			CreatedAt: l.CreatedAt.Format(time.RFC3339),
		}
	}

	s.writeJSON(w, http.StatusOK, logHistoryResponse{
		RunID: id,
		Lines: lines,
	})
}

// replayLogs writes the persisted lines of run id with a seq above after as
// SSE data events. It returns the highest seq sent, or after when none was,
// and false once the client has gone.
func (s *Server) replayLogs(w http.ResponseWriter, r *http.Request, id string, after int) (int, bool) {
	lines, err := s.store.GetLogLines(r.Context(), id)
	if err != nil {
		s.logger.Error("get log lines for replay", "run_id", id, "error", err)
	}
	for _, l := range lines {
		if l.Seq <= after {
			continue
		}
		if err := writeSSEData(w, l.Seq, l.Line); err != nil {
			return after, false
		}
		after = l.Seq
	}
	return after, true
}

// writeSSEData writes a log line as an SSE data event with seq as its id.
// Multi-line strings are split so that each segment gets its own "data:"
// prefix.
func writeSSEData(w http.ResponseWriter, seq int, line string) error {
	if _, err := fmt.Fprintf(w, "id: %d\n", seq); err != nil {
		return err
	}
	for seg := range strings.SplitSeq(line, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
