// Package energyplus runs EnergyPlus building energy simulations.
package energyplus

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/seantiz/validator/internal/envelope"
	"github.com/seantiz/validator/internal/runner"
)

// Type is the validator type handled by this package.
const Type = "ENERGYPLUS"

// Input file roles.
const (
	RolePrimaryModel = "primary-model"
	RoleWeather      = "weather"
)

const (
	DefaultBinary  = "energyplus"
	DefaultTimeout = time.Hour
	errTailLines   = 200
)

// Message codes raised by the runner itself.
const (
	CodeMissingInput   = "ENERGYPLUS_MISSING_INPUT"
	CodeNonZeroExit    = "ENERGYPLUS_EXIT_CODE"
	CodePublishFailed  = "ARTIFACT_UPLOAD_FAILED"
	CodeMetricsMissing = "ENERGYPLUS_METRICS_UNAVAILABLE"
)

// Inputs configures one simulation.
type Inputs struct {
	InvocationMode string `json:"invocation_mode,omitempty"`
	ReadVars       bool   `json:"readvars,omitempty"`
	ExpandObjects  bool   `json:"expandobjects,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// SimulationFiles points at the standard EnergyPlus outputs. Values are
// published URIs once the work directory has been uploaded, else empty.
type SimulationFiles struct {
	EplusoutSQL string `json:"eplusout_sql,omitempty"`
	EplusoutErr string `json:"eplusout_err,omitempty"`
	EplusoutCSV string `json:"eplusout_csv,omitempty"`
	EplusoutESO string `json:"eplusout_eso,omitempty"`
}

type SimulationLogs struct {
	StdoutTail string `json:"stdout_tail,omitempty"`
	StderrTail string `json:"stderr_tail,omitempty"`
	ErrTail    string `json:"err_tail,omitempty"`
}

// Outputs is the typed "outputs" payload of an ENERGYPLUS output envelope.
type Outputs struct {
	Files            SimulationFiles   `json:"outputs"`
	Metrics          SimulationMetrics `json:"metrics"`
	Logs             SimulationLogs    `json:"logs"`
	ReturnCode       int               `json:"energyplus_returncode"`
	ExecutionSeconds float64           `json:"execution_seconds"`
	InvocationMode   string            `json:"invocation_mode"`
}

// Runner invokes the energyplus CLI.
type Runner struct {
	binary  string
	timeout time.Duration
	logger  *slog.Logger
}

// New creates an EnergyPlus runner. An empty binary uses "energyplus" from
// PATH.
func New(binary string, logger *slog.Logger) *Runner {
	if binary == "" {
		binary = DefaultBinary
	}
	return &Runner{binary: binary, timeout: DefaultTimeout, logger: logger}
}

func (r *Runner) Metadata() runner.Metadata {
	return runner.Metadata{
		Type:        Type,
		Name:        "EnergyPlus Simulation Validator",
		Description: "Runs EnergyPlus simulations on IDF/epJSON models and reports energy metrics and diagnostics.",
		Version:     "1",
		Image:       "validator-energyplus",
		SupportedInputTypes: []string{
			"application/vnd.energyplus.idf",
			"application/vnd.energyplus.epjson",
			"application/vnd.energyplus.epw",
		},
		EnvVars:              runner.CommonEnvVars(),
		ResourceRequirements: runner.Resources{CPU: "2.0", Memory: "4Gi", TimeoutSeconds: int(DefaultTimeout.Seconds())},
		SupportedStorage:     runner.SupportedStorage(),
	}
}

func (r *Runner) Shape() envelope.Shape {
	return envelope.Shape{
		Type:         Type,
		InputSchema:  inputSchema,
		OutputSchema: outputSchema,
		NewInputs:    func() any { return &Inputs{} },
		NewOutputs:   func() any { return &Outputs{} },
	}
}

// Run stages the model and weather files, runs the simulation and collects
// diagnostics, metrics and artifacts.
func (r *Runner) Run(ctx context.Context, exec runner.Execution) (runner.Result, error) {
	start := time.Now()
	logger := r.logger.With("run_id", exec.RunID, "runner", Type)

	in, _ := exec.Inputs.(*Inputs)
	if in == nil {
		in = &Inputs{}
	}

	model, weather, failure, err := r.stage(ctx, exec)
	if err != nil || failure != nil {
		if failure != nil {
			return *failure, nil
		}
		return runner.Result{}, err
	}

	timeout := r.timeout
	if in.TimeoutSeconds > 0 {
		timeout = time.Duration(in.TimeoutSeconds) * time.Second
	}
	args := []string{"--output-directory", exec.WorkDir, "--weather", weather}
	if in.ReadVars {
		args = append(args, "--readvars")
	}
	if in.ExpandObjects {
		args = append(args, "--expandobjects")
	}
	args = append(args, model)

	logger.Info("running energyplus", "binary", r.binary, "args", strings.Join(args, " "))
	res, err := runner.Exec(ctx, runner.Command{
		Name:      r.binary,
		Args:      args,
		Dir:       exec.WorkDir,
		Timeout:   timeout,
		LogWriter: exec.LogWriter,
	})
	if err != nil {
		return runner.Result{}, err
	}
	logger.Info("energyplus finished", "returncode", res.ExitCode, "duration", res.Duration.String())

	errPath := filepath.Join(exec.WorkDir, "eplusout.err")
	messages, err := ParseErrFile(errPath)
	if err != nil {
		logger.Warn("failed to parse err file", "error", err)
	}

	out := &Outputs{
		ReturnCode:     res.ExitCode,
		InvocationMode: invocationMode(in),
		Logs: SimulationLogs{
			StdoutTail: res.StdoutTail,
			StderrTail: res.StderrTail,
			ErrTail:    tailLines(errPath, errTailLines),
		},
	}

	var metrics []envelope.Metric
	if sqlPath := filepath.Join(exec.WorkDir, "eplusout.sql"); fileExists(sqlPath) {
		m, err := ReadMetrics(ctx, sqlPath)
		if err != nil {
			logger.Warn("failed to read metrics", "error", err)
			messages = append(messages, envelope.Message{Severity: envelope.SeverityWarning, Code: CodeMetricsMissing, Text: "metrics could not be read from eplusout.sql"})
		} else {
			out.Metrics = m
			metrics = m.Envelope()
		}
	} else {
		logger.Warn("no eplusout.sql produced; metrics unavailable")
	}

	result := runner.Result{Metrics: metrics, Outputs: out}
	if exec.BundleURI != "" {
		artifacts, raw, err := runner.PublishWorkDir(ctx, exec.Storage, exec.WorkDir, exec.BundleURI, ClassifyArtifact)
		if err != nil {
			logger.Warn("failed to publish outputs; continuing without artifacts", "error", err)
			messages = append(messages, envelope.Message{Severity: envelope.SeverityWarning, Code: CodePublishFailed, Text: "simulation outputs could not be uploaded"})
		} else {
			result.Artifacts = artifacts
			result.RawOutputs = raw
			out.Files = filesFromArtifacts(artifacts)
		}
	}

	if res.ExitCode != 0 && !envelope.HasError(messages) {
		messages = append(messages, envelope.Message{
			Severity: envelope.SeverityError,
			Code:     CodeNonZeroExit,
			Text:     fmt.Sprintf("EnergyPlus exited with code %d", res.ExitCode),
		})
	}
	result.Messages = messages
	result.Success = res.ExitCode == 0 && !envelope.HasError(messages)
	out.ExecutionSeconds = time.Since(start).Seconds()
	return result, nil
}

// stage downloads input files. A missing model or weather file is a
// business failure; storage errors are returned as err.
func (r *Runner) stage(ctx context.Context, exec runner.Execution) (model, weather string, failure *runner.Result, err error) {
	staged, err := runner.StageFiles(ctx, exec.Storage, exec.InputFiles, exec.WorkDir)
	if err != nil {
		return "", "", nil, err
	}

	var missing []string
	m, ok := runner.ByRole(staged, RolePrimaryModel)
	if !ok {
		missing = append(missing, "no primary-model file found in input_files")
	}
	w, ok := runner.ByRole(staged, RoleWeather)
	if !ok {
		missing = append(missing, "no weather file found in input_files")
	}
	if len(missing) > 0 {
		res := runner.Result{}
		for _, text := range missing {
			res.Messages = append(res.Messages, envelope.Message{Severity: envelope.SeverityError, Code: CodeMissingInput, Text: text})
		}
		return "", "", &res, nil
	}
	return m.Path, w.Path, nil, nil
}

// ClassifyArtifact types the standard EnergyPlus output files.
func ClassifyArtifact(name string) (artifactType, mimeType string) {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".sql"):
		return "simulation-db", "application/x-sqlite3"
	case strings.HasSuffix(lower, ".csv"):
		return "timeseries-csv", "text/csv"
	case strings.HasSuffix(lower, ".err"):
		return "err-log", "text/plain"
	case strings.HasSuffix(lower, ".eso"):
		return "eso", "text/plain"
	case strings.HasSuffix(lower, ".txt"):
		return "file", "text/plain"
	}
	return "file", ""
}

func filesFromArtifacts(artifacts []envelope.Artifact) SimulationFiles {
	var f SimulationFiles
	for _, a := range artifacts {
		switch filepath.Base(a.Name) {
		case "eplusout.sql":
			f.EplusoutSQL = a.URI
		case "eplusout.err":
			f.EplusoutErr = a.URI
		case "eplusout.csv":
			f.EplusoutCSV = a.URI
		case "eplusout.eso":
			f.EplusoutESO = a.URI
		}
	}
	return f
}

func invocationMode(in *Inputs) string {
	if in.InvocationMode == "" {
		return "cli"
	}
	return in.InvocationMode
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

const inputSchema = `{
  "type": "object",
  "properties": {
    "invocation_mode": {"enum": ["cli", "python_api"]},
    "readvars": {"type": "boolean"},
    "expandobjects": {"type": "boolean"},
    "timeout_seconds": {"type": "integer", "minimum": 0}
  }
}`

const outputSchema = `{
  "type": "object",
  "required": ["energyplus_returncode"],
  "properties": {
    "energyplus_returncode": {"type": "integer"},
    "execution_seconds": {"type": "number", "minimum": 0},
    "invocation_mode": {"type": "string"},
    "metrics": {"type": "object"},
    "outputs": {"type": "object"},
    "logs": {"type": "object"}
  }
}`
