// Package fmi runs Functional Mock-up Units through an external FMI
// simulator and reports the final values of their output variables.
package fmi

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/seantiz/validator/internal/envelope"
	"github.com/seantiz/validator/internal/runner"
)

// Type is the validator type handled by this package.
const Type = "FMI"

// RoleFMU is the input file role carrying the FMU archive.
const RoleFMU = "fmu"

const (
	// DefaultSimulator is the simulator command line prefix. The FMU path
	// and simulation options are appended.
	DefaultSimulator = "fmpy simulate"
	DefaultTimeout   = time.Hour

	fmuFileName    = "model.fmu"
	resultFileName = "result.csv"
)

// Message codes raised by the runner.
const (
	CodeMissingFMU         = "FMI_MISSING_FMU"
	CodeInvalidDescription = "FMI_INVALID_MODEL_DESCRIPTION"
	CodeInvalidSimulation  = "FMI_INVALID_SIMULATION"
	CodeMissingOutput      = "FMI_OUTPUT_MISSING"
	CodeNonFiniteOutput    = "FMI_OUTPUT_NOT_FINITE"
	CodePublishFailed      = "ARTIFACT_UPLOAD_FAILED"
)

// Simulation is the time window and step of one run.
type Simulation struct {
	StartTime float64 `json:"start_time"`
	StopTime  float64 `json:"stop_time"`
	StepSize  float64 `json:"step_size,omitempty"`
}

// Inputs configures one FMU simulation.
type Inputs struct {
	Simulation      Simulation     `json:"simulation"`
	OutputVariables []string       `json:"output_variables,omitempty"`
	InputValues     map[string]any `json:"input_values,omitempty"`
}

// Outputs is the typed "outputs" payload of an FMI output envelope.
type Outputs struct {
	OutputValues          map[string]any `json:"output_values"`
	FMUGUID               string         `json:"fmu_guid,omitempty"`
	FMIVersion            string         `json:"fmi_version,omitempty"`
	ModelName             string         `json:"model_name,omitempty"`
	ExecutionSeconds      float64        `json:"execution_seconds"`
	SimulationTimeReached float64        `json:"simulation_time_reached"`
	FMULog                string         `json:"fmu_log,omitempty"`
}

// Runner simulates FMUs with an external command.
type Runner struct {
	simulator []string
	timeout   time.Duration
	logger    *slog.Logger
}

// New creates an FMI runner. simulator is a command line prefix such as
// "fmpy simulate"; empty uses DefaultSimulator.
func New(simulator string, logger *slog.Logger) *Runner {
	fields := strings.Fields(simulator)
	if len(fields) == 0 {
		fields = strings.Fields(DefaultSimulator)
	}
	return &Runner{simulator: fields, timeout: DefaultTimeout, logger: logger}
}

func (r *Runner) Metadata() runner.Metadata {
	return runner.Metadata{
		Type:                 Type,
		Name:                 "FMI/FMU Simulation Validator",
		Description:          "Simulates Functional Mock-up Units and reports the final values of their output variables.",
		Version:              "1",
		Image:                "validator-fmi",
		SupportedInputTypes:  []string{"application/vnd.fmi.fmu"},
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

// Run downloads the FMU, reads its model description, simulates it and
// collects the last value of each requested output.
func (r *Runner) Run(ctx context.Context, exec runner.Execution) (runner.Result, error) {
	start := time.Now()
	logger := r.logger.With("run_id", exec.RunID, "runner", Type)

	in, _ := exec.Inputs.(*Inputs)
	if in == nil {
		in = &Inputs{}
	}
	if in.Simulation.StopTime < in.Simulation.StartTime {
		return failure(CodeInvalidSimulation, fmt.Sprintf("stop_time %g is before start_time %g",
			in.Simulation.StopTime, in.Simulation.StartTime)), nil
	}

	fmu, ok := findFMU(exec.InputFiles)
	if !ok {
		return failure(CodeMissingFMU, "no FMU URI found in input_files"), nil
	}
	fmuPath := filepath.Join(exec.WorkDir, fmuFileName)
	if _, err := exec.Storage.Download(ctx, fmu.URI, fmuPath); err != nil {
		return runner.Result{}, fmt.Errorf("download fmu: %w", err)
	}

	md, err := ReadModelDescription(fmuPath)
	if err != nil {
		logger.Warn("failed to read model description", "error", err)
		return failure(CodeInvalidDescription, err.Error()), nil
	}

	requested := in.OutputVariables
	if len(requested) == 0 {
		requested = md.Outputs()
	}

	resultPath := filepath.Join(exec.WorkDir, resultFileName)
	name, args := r.command(fmuPath, resultPath, in, requested)
	logger.Info("simulating fmu", "model", md.ModelName, "fmi_version", md.FMIVersion, "outputs", len(requested))
	res, err := runner.Exec(ctx, runner.Command{
		Name:      name,
		Args:      args,
		Dir:       exec.WorkDir,
		Timeout:   r.timeout,
		LogWriter: exec.LogWriter,
	})
	if err != nil {
		return runner.Result{}, err
	}
	if res.ExitCode != 0 {
		return runner.Result{}, &runner.Fault{
			Reason: fmt.Sprintf("simulator exited with code %d: %s", res.ExitCode, lastLine(res.StderrTail)),
		}
	}

	row, err := readFinalRow(resultPath)
	if err != nil {
		return runner.Result{}, &runner.Fault{Reason: "simulation produced no usable result", Err: err}
	}

	out := &Outputs{
		OutputValues:          make(map[string]any, len(requested)),
		FMUGUID:               md.GUID,
		FMIVersion:            md.FMIVersion,
		ModelName:             md.ModelName,
		SimulationTimeReached: in.Simulation.StopTime,
		FMULog:                strings.TrimSpace(res.StdoutTail + res.StderrTail),
	}
	if row.time != nil {
		out.SimulationTimeReached = *row.time
	}

	var messages []envelope.Message
	for _, name := range requested {
		if v, ok := row.values[name]; ok {
			out.OutputValues[name] = v
			if v == nil {
				messages = append(messages, envelope.Message{
					Severity: envelope.SeverityWarning,
					Code:     CodeNonFiniteOutput,
					Text:     fmt.Sprintf("output variable %q has no finite final value", name),
				})
			}
			continue
		}
		if v, ok := in.InputValues[name]; ok {
			out.OutputValues[name] = v
			continue
		}
		messages = append(messages, envelope.Message{
			Severity: envelope.SeverityWarning,
			Code:     CodeMissingOutput,
			Text:     fmt.Sprintf("output variable %q not present in simulation result", name),
		})
	}

	result := runner.Result{Success: true, Outputs: out}
	if exec.BundleURI != "" {
		artifacts, raw, err := runner.PublishWorkDir(ctx, exec.Storage, exec.WorkDir, exec.BundleURI, ClassifyArtifact)
		if err != nil {
			logger.Warn("failed to publish outputs; continuing without artifacts", "error", err)
			messages = append(messages, envelope.Message{Severity: envelope.SeverityWarning, Code: CodePublishFailed, Text: "simulation outputs could not be uploaded"})
		} else {
			result.Artifacts = artifacts
			result.RawOutputs = raw
		}
	}
	result.Messages = messages
	result.Metrics = []envelope.Metric{
		{Name: "simulation_time_reached", Value: out.SimulationTimeReached, Unit: "s", Category: "simulation"},
	}
	out.ExecutionSeconds = time.Since(start).Seconds()
	logger.Info("fmu simulation finished", "outputs", len(out.OutputValues), "duration", res.Duration.String())
	return result, nil
}

// command builds the simulator invocation. The FMU path comes first so that
// the variadic options that follow cannot swallow it.
func (r *Runner) command(fmuPath, resultPath string, in *Inputs, outputs []string) (string, []string) {
	args := append([]string{}, r.simulator[1:]...)
	args = append(args, fmuPath,
		"--start-time", formatFloat(in.Simulation.StartTime),
		"--stop-time", formatFloat(in.Simulation.StopTime),
		"--output-file", resultPath,
	)
	if in.Simulation.StepSize > 0 {
		args = append(args, "--output-interval", formatFloat(in.Simulation.StepSize))
	}
	if len(outputs) > 0 {
		args = append(args, "--output-variables")
		args = append(args, outputs...)
	}
	if len(in.InputValues) > 0 {
		names := make([]string, 0, len(in.InputValues))
		for name := range in.InputValues {
			names = append(names, name)
		}
		sort.Strings(names)
		args = append(args, "--start-values")
		for _, name := range names {
			args = append(args, name, fmt.Sprint(in.InputValues[name]))
		}
	}
	return r.simulator[0], args
}

// ClassifyArtifact types files left in the FMI work directory.
func ClassifyArtifact(name string) (artifactType, mimeType string) {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".txt"), strings.HasSuffix(lower, ".log"):
		return "file", "text/plain"
	case strings.HasSuffix(lower, ".json"):
		return "file", "application/json"
	case strings.HasSuffix(lower, ".csv"):
		return "timeseries-csv", "text/csv"
	case strings.HasSuffix(lower, ".fmu"):
		return "fmu", "application/vnd.fmi.fmu"
	}
	return "file", ""
}

func findFMU(files []envelope.ResourceFile) (envelope.ResourceFile, bool) {
	for _, f := range files {
		if f.Role == RoleFMU && f.URI != "" {
			return f, true
		}
	}
	return envelope.ResourceFile{}, false
}

func failure(code, text string) runner.Result {
	return runner.Result{Messages: []envelope.Message{{Severity: envelope.SeverityError, Code: code, Text: text}}}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

const inputSchema = `{
  "type": "object",
  "required": ["simulation"],
  "properties": {
    "simulation": {
      "type": "object",
      "required": ["start_time", "stop_time"],
      "properties": {
        "start_time": {"type": "number"},
        "stop_time": {"type": "number"},
        "step_size": {"type": "number", "exclusiveMinimum": 0}
      }
    },
    "output_variables": {"type": "array", "items": {"type": "string"}},
    "input_values": {"type": "object"}
  }
}`

const outputSchema = `{
  "type": "object",
  "required": ["output_values"],
  "properties": {
    "output_values": {"type": "object"},
    "fmu_guid": {"type": "string"},
    "fmi_version": {"type": "string"},
    "model_name": {"type": "string"},
    "execution_seconds": {"type": "number", "minimum": 0},
    "simulation_time_reached": {"type": "number"},
    "fmu_log": {"type": "string"}
  }
}`
