// Package runner defines the contract between the execution coordinator and
// the domain-specific runners that do the actual simulation or validation
// work, along with helpers runners share: subprocess execution, input file
// staging and work directory publishing.
package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/seantiz/validator/internal/envelope"
	"github.com/seantiz/validator/internal/storage"
)

// Runner executes one validator type. Business failures (a model that does
// not converge, a file that fails a check) are reported through
// Result.Success=false. A returned error means the runner itself could not
// do its job and the run ends in ERROR.
type Runner interface {
	Run(ctx context.Context, exec Execution) (Result, error)
	Metadata() Metadata
}

// Shaped is implemented by runners that declare the typed inputs/outputs
// envelope shape for their validator type.
type Shaped interface {
	Shape() envelope.Shape
}

// Storage is the subset of the storage client runners may use.
type Storage interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
	Put(ctx context.Context, uri string, data []byte, contentType string) error
	Download(ctx context.Context, uri, destPath string) (int64, error)
	UploadDirectory(ctx context.Context, dir, baseURI string) (storage.Manifest, error)
}

// Execution is everything a runner receives for one run.
type Execution struct {
	RunID         string
	Validator     envelope.ValidatorRef
	Inputs        any
	InputFiles    []envelope.ResourceFile
	ResourceFiles []envelope.ResourceFile
	// BundleURI is the execution bundle prefix; artifacts are published
	// under BundleURI/outputs.
	BundleURI string
	// WorkDir is a private, empty directory owned by this run.
	WorkDir string
	Storage Storage
	// LogWriter receives subprocess output one line at a time. May be nil.
	LogWriter func(line string)
}

// Log writes line to the execution's LogWriter, if any.
func (e Execution) Log(line string) {
	if e.LogWriter != nil {
		e.LogWriter(line)
	}
}

// Result is what a runner hands back on completion.
type Result struct {
	Success    bool
	Messages   []envelope.Message
	Metrics    []envelope.Metric
	Artifacts  []envelope.Artifact
	Outputs    any
	RawOutputs *envelope.RawOutputs
}

// Fault reports that a runner crashed or timed out rather than completing.
type Fault struct {
	Reason  string
	Timeout bool
	Err     error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return "runner fault: " + f.Reason
	}
	return fmt.Sprintf("runner fault: %s: %v", f.Reason, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// ErrRunnerNotFound is returned by Registry.Resolve for unknown types.
var ErrRunnerNotFound = errors.New("runner not found")

// Resources are the container resources a runner expects.
type Resources struct {
	CPU            string `json:"cpu" yaml:"cpu"`
	Memory         string `json:"memory" yaml:"memory"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// EnvVar documents an environment variable a runner reads.
type EnvVar struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Required    bool   `json:"required" yaml:"required"`
}

// Metadata describes a runner for discovery (CLI metadata command and the
// worker API).
type Metadata struct {
	Type                 string    `json:"type" yaml:"type"`
	Name                 string    `json:"name" yaml:"name"`
	Description          string    `json:"description" yaml:"description"`
	Version              string    `json:"version" yaml:"version"`
	Image                string    `json:"image,omitempty" yaml:"image,omitempty"`
	SupportedInputTypes  []string  `json:"supported_input_types" yaml:"supported_input_types"`
	EnvVars              []EnvVar  `json:"env_vars,omitempty" yaml:"env_vars,omitempty"`
	ResourceRequirements Resources `json:"resource_requirements" yaml:"resource_requirements"`
	SupportedStorage     []string  `json:"supported_storage" yaml:"supported_storage"`
}
