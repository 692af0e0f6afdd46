package model

import "time"

// Run status constants. The terminal statuses other than Aborted match the
// output envelope status; Aborted marks a protocol-fatal run that never
// persisted an output.
const (
	StatusRunning = "RUNNING"
	StatusSuccess = "SUCCESS"
	StatusFailure = "FAILURE"
	StatusError   = "ERROR"
	StatusAborted = "ABORTED"
)

// Callback delivery states recorded on a run.
const (
	CallbackDelivered = "delivered"
	CallbackSkipped   = "skipped"
	CallbackFailed    = "failed"
)

// IsTerminal reports whether status is a final run status.
func IsTerminal(status string) bool {
	switch status {
	case StatusSuccess, StatusFailure, StatusError, StatusAborted:
		return true
	}
	return false
}

// LogLine represents a single persisted log line from a run.
type LogLine struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Seq       int       `json:"seq"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}

// Run is the ledger record of one envelope execution. Reruns of the same
// run id overwrite the record.
type Run struct {
	ID               string     `json:"run_id"`
	ValidatorType    string     `json:"validator_type,omitempty"`
	ValidatorVersion string     `json:"validator_version,omitempty"`
	Status           string     `json:"status"`
	Stage            string     `json:"stage"`
	InputURI         string     `json:"input_uri,omitempty"`
	OutputURI        string     `json:"output_uri,omitempty"`
	ExitCode         *int       `json:"exit_code,omitempty"`
	Error            string     `json:"error,omitempty"`
	CallbackStatus   string     `json:"callback_status,omitempty"`
	DurationMS       *int       `json:"duration_ms,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}
