// Package envelope defines the input and output envelopes exchanged between
// the orchestrator and a validator container, and the codec that validates
// and (de)serializes them.
package envelope

import (
	"errors"
	"fmt"
	"time"
)

// SchemaVersion is written into every envelope this module produces.
const SchemaVersion = "validator.envelope.v1"

// Status is the terminal outcome of a run.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
	StatusError   Status = "ERROR"
)

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusError:
		return true
	}
	return false
}

// Severity classifies a Message.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// ValidatorRef identifies the validator that handles a run.
type ValidatorRef struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Version string `json:"version"`
}

// ResourceFile points at a file held by a storage backend. Content is never
// inlined.
type ResourceFile struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Role     string `json:"role"`
	URI      string `json:"uri"`
}

// ExecutionContext carries orchestrator-supplied run settings.
type ExecutionContext struct {
	CallbackURL *string `json:"callback_url,omitempty"`
	// CallbackToken is a legacy payload field. Authorization uses the
	// bearer assertion minted by the notifier.
	CallbackToken      *string `json:"callback_token,omitempty"`
	CallbackID         *string `json:"callback_id,omitempty"`
	ExecutionBundleURI string  `json:"execution_bundle_uri"`
	TimeoutSeconds     int     `json:"timeout_seconds"`
	SkipCallback       bool    `json:"skip_callback"`
}

// InputEnvelope is created by the orchestrator and is read-only to the
// validator.
type InputEnvelope struct {
	SchemaVersion string           `json:"schema_version"`
	RunID         string           `json:"run_id"`
	Validator     ValidatorRef     `json:"validator"`
	InputFiles    []ResourceFile   `json:"input_files"`
	ResourceFiles []ResourceFile   `json:"resource_files,omitempty"`
	Inputs        any              `json:"inputs"`
	Context       ExecutionContext `json:"context"`
}

// FilesByRole returns the input files with the given role.
func (e *InputEnvelope) FilesByRole(role string) []ResourceFile {
	var out []ResourceFile
	for _, f := range e.InputFiles {
		if f.Role == role {
			out = append(out, f)
		}
	}
	return out
}

type Timing struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

type Message struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code,omitempty"`
	Text     string   `json:"text"`
}

type Metric struct {
	Name     string  `json:"name"`
	Value    float64 `json:"value"`
	Unit     string  `json:"unit,omitempty"`
	Category string  `json:"category,omitempty"`
}

type Artifact struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	MimeType  string `json:"mime_type"`
	URI       string `json:"uri"`
	SizeBytes int64  `json:"size_bytes"`
}

// RawOutputs points at a manifest of every file the runner left in its
// working directory.
type RawOutputs struct {
	Format      string `json:"format"`
	ManifestURI string `json:"manifest_uri"`
}

// OutputEnvelope is the single durable record of a run's outcome.
type OutputEnvelope struct {
	SchemaVersion string       `json:"schema_version"`
	RunID         string       `json:"run_id"`
	Validator     ValidatorRef `json:"validator"`
	Status        Status       `json:"status"`
	Timing        Timing       `json:"timing"`
	Messages      []Message    `json:"messages"`
	Metrics       []Metric     `json:"metrics"`
	Artifacts     []Artifact   `json:"artifacts"`
	Outputs       any          `json:"outputs"`
	RawOutputs    *RawOutputs  `json:"raw_outputs,omitempty"`
}

// ErrInvariant is wrapped by every error returned from OutputEnvelope.Validate.
var ErrInvariant = errors.New("output envelope invariant violated")

// HasError reports whether msgs contains an error-severity message.
func HasError(msgs []Message) bool {
	for _, m := range msgs {
		if m.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Validate checks the status, outputs, messages and timing invariants.
// All violations are reported together.
func (e *OutputEnvelope) Validate() error {
	var errs []error
	if e.RunID == "" {
		errs = append(errs, fmt.Errorf("%w: run_id is empty", ErrInvariant))
	}
	if !e.Status.Valid() {
		errs = append(errs, fmt.Errorf("%w: unknown status %q", ErrInvariant, e.Status))
	}
	switch e.Status {
	case StatusSuccess:
		if e.Outputs == nil {
			errs = append(errs, fmt.Errorf("%w: SUCCESS without outputs", ErrInvariant))
		}
		if HasError(e.Messages) {
			errs = append(errs, fmt.Errorf("%w: SUCCESS with an error message", ErrInvariant))
		}
	case StatusFailure, StatusError:
		if !HasError(e.Messages) {
			errs = append(errs, fmt.Errorf("%w: %s without an error message", ErrInvariant, e.Status))
		}
	}
	if e.Timing.FinishedAt.Before(e.Timing.StartedAt) {
		errs = append(errs, fmt.Errorf("%w: finished_at before started_at", ErrInvariant))
	}
	return errors.Join(errs...)
}

// normalize replaces nil collections with empty ones and moves timestamps to
// UTC so encoded envelopes are stable.
func (e *OutputEnvelope) normalize() {
	if e.Messages == nil {
		e.Messages = []Message{}
	}
	if e.Metrics == nil {
		e.Metrics = []Metric{}
	}
	if e.Artifacts == nil {
		e.Artifacts = []Artifact{}
	}
	e.Timing.StartedAt = e.Timing.StartedAt.UTC()
	e.Timing.FinishedAt = e.Timing.FinishedAt.UTC()
}

func (e *InputEnvelope) normalize() {
	if e.InputFiles == nil {
		e.InputFiles = []ResourceFile{}
	}
}
