// Package coordinator drives one envelope execution through its stages:
// load the input envelope, validate it, hand it to a domain runner, build
// and persist the output envelope, then notify the orchestrator.
//
// Which failures abort a run and which are absorbed is decided by the stage
// policy table in stage.go. Everything before the output is persisted is
// fatal; everything after is best effort.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync/atomic"
	"time"

	"github.com/seantiz/validator/internal/callback"
	"github.com/seantiz/validator/internal/envelope"
	"github.com/seantiz/validator/internal/model"
	"github.com/seantiz/validator/internal/runner"
)

// Message codes the coordinator writes into output envelopes.
const (
	CodeInvalidInput   = "INVALID_INPUT_ENVELOPE"
	CodeRunnerNotFound = "RUNNER_NOT_FOUND"
	CodeRunnerFault    = "RUNNER_FAULT"
	CodeRunnerTimeout  = "RUNNER_TIMEOUT"
	CodeRunnerError    = "RUNNER_ERROR"
	CodeRunnerFailure  = "VALIDATION_FAILED"
	CodeOutputsMissing = "OUTPUTS_MISSING"
	CodeInvalidOutput  = "INVALID_OUTPUT_ENVELOPE"
	CodeNonFinite      = "NON_FINITE_METRIC"
)

// Locator resolves where a run reads its input and writes its output.
// *location.Resolver implements it.
type Locator interface {
	ResolveInput() (string, error)
	ResolveOutput(in *envelope.InputEnvelope, inputURI string) (string, error)
	RunIDHint() string
}

// Notifier reports a persisted run to the orchestrator.
// *callback.Notifier implements it.
type Notifier interface {
	Notify(ctx context.Context, ectx envelope.ExecutionContext, runID string, status envelope.Status, resultURI string) (callback.Delivery, error)
}

// Ledger records run outcomes and runner output. store.Store implements it.
type Ledger interface {
	RecordRun(ctx context.Context, r *model.Run) error
	InsertLogLine(ctx context.Context, runID string, seq int, line string) error
}

// Options configures a Coordinator. Storage, Codec and Runners are
// required.
type Options struct {
	Locator  Locator
	Storage  runner.Storage
	Codec    *envelope.Codec
	Runners  *runner.Registry
	Notifier Notifier
	// Ledger is optional; ledger failures are logged and never affect a run.
	Ledger Ledger
	// Broker receives runner output for live streaming. New creates one if nil.
	Broker *LogBroker
	// WorkRoot is the parent of per-run work directories; empty means
	// os.TempDir().
	WorkRoot string
	Now      func() time.Time
	Logger   *slog.Logger
}

// Coordinator executes input envelopes. It holds no per-run state and may
// run several envelopes concurrently.
type Coordinator struct {
	locator  Locator
	storage  runner.Storage
	codec    *envelope.Codec
	runners  *runner.Registry
	notifier Notifier
	ledger   Ledger
	broker   *LogBroker
	workRoot string
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a Coordinator.
func New(opts Options) *Coordinator {
	c := &Coordinator{
		locator:  opts.Locator,
		storage:  opts.Storage,
		codec:    opts.Codec,
		runners:  opts.Runners,
		notifier: opts.Notifier,
		ledger:   opts.Ledger,
		broker:   opts.Broker,
		workRoot: opts.WorkRoot,
		now:      opts.Now,
		logger:   opts.Logger,
	}
	if c.broker == nil {
		c.broker = NewLogBroker()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Broker returns the log broker runner output is published to.
func (c *Coordinator) Broker() *LogBroker {
	return c.broker
}

// Outcome is the result of one run.
type Outcome struct {
	// RunID is empty when the input envelope could not be read far enough
	// to find one.
	RunID    string
	InputURI string
	// Status and Output are set once an output envelope has been persisted.
	Status    envelope.Status
	OutputURI string
	Output    *envelope.OutputEnvelope
	// FinalStage is StageDone, or StageError after a fatal failure in
	// FailedStage.
	FinalStage  Stage
	FailedStage Stage
	Delivery    callback.Delivery
	// Err is the fatal error that aborted the run.
	Err error
	// CallbackErr is a notification failure. It never changes ExitCode.
	CallbackErr error
	// ExitCode is 0 when the output was persisted and 1 otherwise.
	ExitCode int
}

// Persisted reports whether the run wrote an output envelope.
func (o Outcome) Persisted() bool {
	return o.Output != nil
}

// run is the mutable state of one execution.
type run struct {
	loc      Locator
	logger   *slog.Logger
	started  time.Time
	inputURI string
	raw      []byte
	in       *envelope.InputEnvelope
	result   runner.Result
	runErr   error
	out      *envelope.OutputEnvelope
	logSeq   atomic.Int32
	outcome  Outcome
}

// Run executes the envelope found by the configured Locator.
func (c *Coordinator) Run(ctx context.Context) Outcome {
	return c.RunWith(ctx, c.locator)
}

// RunWith executes the envelope found by loc.
func (c *Coordinator) RunWith(ctx context.Context, loc Locator) Outcome {
	r := &run{loc: loc, logger: c.logger, started: c.now()}
	if hint := loc.RunIDHint(); hint != "" {
		r.logger = r.logger.With("run_id_hint", hint)
	}

	steps := []struct {
		stage Stage
		fn    func(context.Context, *run) error
	}{
		{StageLoading, c.load},
		{StageValidating, c.validate},
		{StageExecuting, c.execute},
		{StageFinalizing, c.finalize},
		{StagePersisting, c.persist},
		{StageNotifying, c.notify},
	}

	defer c.finish(r)
	for _, step := range steps {
		start := time.Now()
		r.logger.Debug("entering stage", "stage", step.stage)
		err := step.fn(ctx, r)
		stageDuration.WithLabelValues(string(step.stage)).Observe(time.Since(start).Seconds())
		if err != nil && c.handle(ctx, r, step.stage, err) {
			return r.outcome
		}
	}
	r.outcome.FinalStage = StageDone
	return r.outcome
}

// handle applies the stage policy to err and reports whether the run must
// stop.
func (c *Coordinator) handle(ctx context.Context, r *run, stage Stage, err error) bool {
	p := policies[stage]
	if !p.fatal {
		r.logger.Warn("stage failed; continuing", "stage", stage, "error", err)
		p.absorb(r, err)
		return false
	}

	r.logger.Error("stage failed; aborting run", "stage", stage, "error", err)
	fatalTotal.WithLabelValues(string(stage)).Inc()
	if p.salvage {
		c.salvage(ctx, r, err)
	}
	r.outcome.Err = err
	r.outcome.FailedStage = stage
	r.outcome.FinalStage = StageError
	r.outcome.ExitCode = 1
	return true
}

func (c *Coordinator) load(ctx context.Context, r *run) error {
	uri, err := r.loc.ResolveInput()
	if err != nil {
		return err
	}
	r.inputURI = uri
	r.outcome.InputURI = uri

	raw, err := c.storage.Fetch(ctx, uri)
	if err != nil {
		return fmt.Errorf("fetch input envelope: %w", err)
	}
	r.raw = raw
	return nil
}

func (c *Coordinator) validate(ctx context.Context, r *run) error {
	in, err := c.codec.DecodeInput(r.raw)
	if err != nil {
		return err
	}
	r.in = in
	r.outcome.RunID = in.RunID
	r.logger = r.logger.With("run_id", in.RunID, "validator_type", in.Validator.Type)
	r.logger.Info("input envelope loaded", "input_uri", r.inputURI, "input_files", len(in.InputFiles))

	c.broker.Reopen(in.RunID)
	c.record(ctx, r, &model.Run{
		ID:               in.RunID,
		ValidatorType:    in.Validator.Type,
		ValidatorVersion: in.Validator.Version,
		Status:           model.StatusRunning,
		Stage:            string(StageExecuting),
		InputURI:         r.inputURI,
		StartedAt:        &r.started,
	})
	return nil
}

func (c *Coordinator) execute(ctx context.Context, r *run) error {
	rn, err := c.runners.Resolve(r.in.Validator.Type)
	if err != nil {
		return err
	}

	workDir, err := os.MkdirTemp(c.workRoot, "run-*")
	if err != nil {
		return &runner.Fault{Reason: "create work directory", Err: err}
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			r.logger.Debug("work directory cleanup failed", "dir", workDir, "error", err)
		}
	}()

	exec := runner.Execution{
		RunID:         r.in.RunID,
		Validator:     r.in.Validator,
		Inputs:        r.in.Inputs,
		InputFiles:    r.in.InputFiles,
		ResourceFiles: r.in.ResourceFiles,
		BundleURI:     r.in.Context.ExecutionBundleURI,
		WorkDir:       workDir,
		Storage:       c.storage,
		LogWriter:     c.logWriter(ctx, r),
	}

	r.logger.Info("invoking runner", "stage", StageExecuting, "runner", rn.Metadata().Name)
	res, err := invoke(ctx, rn, exec)
	if err != nil {
		return err
	}
	r.result = res
	r.logger.Info("runner finished", "stage", StageExecuting, "success", res.Success, "messages", len(res.Messages))
	return nil
}

// invoke calls the runner, converting a panic into a Fault.
func invoke(ctx context.Context, rn runner.Runner, exec runner.Execution) (res runner.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &runner.Fault{Reason: fmt.Sprintf("runner panicked: %v", p)}
		}
	}()
	return rn.Run(ctx, exec)
}

// logWriter dual-writes runner output: persisted to the ledger for history
// and published to the broker for live streaming.
func (c *Coordinator) logWriter(ctx context.Context, r *run) func(string) {
	runID := r.in.RunID
	return func(line string) {
		seq := int(r.logSeq.Add(1) - 1)
		if c.ledger != nil {
			if err := c.ledger.InsertLogLine(ctx, runID, seq, line); err != nil {
				r.logger.Error("failed to persist log line", "seq", seq, "error", err)
			}
		}
		c.broker.Publish(runID, LogEntry{Seq: seq, Line: line})
	}
}

func (c *Coordinator) finalize(ctx context.Context, r *run) error {
	out := &envelope.OutputEnvelope{
		SchemaVersion: envelope.SchemaVersion,
		RunID:         r.in.RunID,
		Validator:     r.in.Validator,
		Timing:        envelope.Timing{StartedAt: r.started, FinishedAt: c.now()},
	}

	if r.runErr != nil {
		out.Status = envelope.StatusError
		out.Messages = []envelope.Message{faultMessage(r.runErr)}
	} else {
		res := r.result
		out.Messages = res.Messages
		out.Metrics = res.Metrics
		out.Artifacts = res.Artifacts
		out.Outputs = res.Outputs
		out.RawOutputs = res.RawOutputs
		out.Status = envelope.StatusFailure
		if res.Success && !envelope.HasError(res.Messages) {
			out.Status = envelope.StatusSuccess
		}
	}

	r.out = out
	if err := repair(out); err != nil {
		return fmt.Errorf("output envelope still invalid after repair: %w", err)
	}
	return nil
}

// faultMessage explains why a runner could not complete.
func faultMessage(err error) envelope.Message {
	msg := envelope.Message{Severity: envelope.SeverityError, Text: err.Error()}
	var fault *runner.Fault
	switch {
	case errors.Is(err, runner.ErrRunnerNotFound):
		msg.Code = CodeRunnerNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &fault) && fault.Timeout:
		msg.Code = CodeRunnerTimeout
	case fault != nil:
		msg.Code = CodeRunnerFault
	default:
		msg.Code = CodeRunnerError
	}
	return msg
}

// repair enforces the output invariants, demoting the status or adding an
// explanatory error message where the runner left them unmet.
func repair(out *envelope.OutputEnvelope) error {
	if out.Timing.FinishedAt.Before(out.Timing.StartedAt) {
		out.Timing.FinishedAt = out.Timing.StartedAt
	}
	dropNonFinite(out)
	if out.Status == envelope.StatusSuccess && out.Outputs == nil {
		out.Status = envelope.StatusError
		out.Messages = append(out.Messages, envelope.Message{
			Severity: envelope.SeverityError,
			Code:     CodeOutputsMissing,
			Text:     "validator reported success without outputs",
		})
	}
	if out.Status != envelope.StatusSuccess && !envelope.HasError(out.Messages) {
		out.Messages = append(out.Messages, envelope.Message{
			Severity: envelope.SeverityError,
			Code:     CodeRunnerFailure,
			Text:     "validator reported a failure without an error message",
		})
	}
	return out.Validate()
}

// dropNonFinite removes metrics JSON cannot represent, leaving a warning
// for each.
func dropNonFinite(out *envelope.OutputEnvelope) {
	kept := out.Metrics[:0]
	for _, m := range out.Metrics {
		if math.IsNaN(m.Value) || math.IsInf(m.Value, 0) {
			out.Messages = append(out.Messages, envelope.Message{
				Severity: envelope.SeverityWarning,
				Code:     CodeNonFinite,
				Text:     fmt.Sprintf("metric %q dropped: value %v is not a finite number", m.Name, m.Value),
			})
			continue
		}
		kept = append(kept, m)
	}
	if len(kept) == 0 {
		kept = nil
	}
	out.Metrics = kept
}

// demote turns out into an ERROR without outputs, explaining why.
func demote(out *envelope.OutputEnvelope, code string, cause error) {
	out.Status = envelope.StatusError
	out.Outputs = nil
	out.Messages = append(out.Messages, envelope.Message{
		Severity: envelope.SeverityError,
		Code:     code,
		Text:     cause.Error(),
	})
}

func (c *Coordinator) persist(ctx context.Context, r *run) error {
	uri, err := r.loc.ResolveOutput(r.in, r.inputURI)
	if err != nil {
		return err
	}
	if err := c.write(ctx, r, uri, r.out); err != nil {
		return err
	}
	r.outcome.OutputURI = uri
	r.outcome.Output = r.out
	r.outcome.Status = r.out.Status
	runsTotal.WithLabelValues(r.in.Validator.Type, string(r.out.Status)).Inc()
	r.logger.Info("output envelope persisted", "stage", StagePersisting, "output_uri", uri, "status", r.out.Status)
	return nil
}

// write encodes and stores out. An envelope that does not encode is demoted
// to ERROR without its runner outputs and encoded once more.
func (c *Coordinator) write(ctx context.Context, r *run, uri string, out *envelope.OutputEnvelope) error {
	b, err := c.codec.EncodeOutput(out)
	if err != nil {
		r.logger.Warn("output envelope does not encode; demoting to ERROR", "error", err)
		demote(out, CodeInvalidOutput, fmt.Errorf("runner result could not be recorded: %w", err))
		if b, err = c.codec.EncodeOutput(out); err != nil {
			return fmt.Errorf("encode output envelope: %w", err)
		}
	}
	if err := c.storage.Put(ctx, uri, b, "application/json"); err != nil {
		return fmt.Errorf("write output envelope: %w", err)
	}
	return nil
}

func (c *Coordinator) notify(ctx context.Context, r *run) error {
	return c.deliver(ctx, r, r.in.Context, r.in.RunID, r.out.Status, r.outcome.OutputURI)
}

func (c *Coordinator) deliver(ctx context.Context, r *run, ectx envelope.ExecutionContext, runID string, status envelope.Status, resultURI string) error {
	if c.notifier == nil {
		r.outcome.Delivery = callback.Delivery{Skipped: true}
		return nil
	}
	d, err := c.notifier.Notify(ctx, ectx, runID, status, resultURI)
	r.outcome.Delivery = d
	if err != nil {
		return err
	}
	if d.Skipped {
		r.logger.Info("callback skipped", "stage", StageNotifying)
	} else {
		r.logger.Info("callback delivered", "stage", StageNotifying, "attempts", d.Attempts, "delivery_id", d.ID)
	}
	return nil
}

// salvage writes a best-effort FAILURE output for an envelope that failed
// validation but still names its run, and notifies if it can. The run still
// ends fatally.
func (c *Coordinator) salvage(ctx context.Context, r *run, cause error) {
	p, ok := envelope.Salvage(r.raw)
	if !ok {
		r.logger.Warn("run_id not recoverable from invalid envelope; no output written")
		return
	}
	r.outcome.RunID = p.RunID
	r.logger = r.logger.With("run_id", p.RunID)
	if p.Validator.Type == "" {
		p.Validator.Type = envelope.UnknownValidatorType
	}

	uri, err := r.loc.ResolveOutput(nil, r.inputURI)
	if err != nil {
		r.logger.Warn("cannot derive output location for salvaged run", "error", err)
		return
	}
	out := &envelope.OutputEnvelope{
		SchemaVersion: envelope.SchemaVersion,
		RunID:         p.RunID,
		Validator:     p.Validator,
		Status:        envelope.StatusFailure,
		Timing:        envelope.Timing{StartedAt: r.started, FinishedAt: c.now()},
		Messages: []envelope.Message{{
			Severity: envelope.SeverityError,
			Code:     CodeInvalidInput,
			Text:     cause.Error(),
		}},
	}
	if err := repair(out); err != nil {
		r.logger.Warn("salvaged output envelope is invalid", "error", err)
	}
	if err := c.write(ctx, r, uri, out); err != nil {
		r.logger.Warn("failed to write salvaged output", "output_uri", uri, "error", err)
		return
	}
	r.out = out
	r.outcome.OutputURI = uri
	r.outcome.Output = out
	r.outcome.Status = out.Status
	r.logger.Info("salvaged FAILURE output persisted", "output_uri", uri)

	if err := c.deliver(ctx, r, p.Context, p.RunID, out.Status, uri); err != nil {
		r.logger.Warn("callback for salvaged run failed", "error", err)
		r.outcome.CallbackErr = err
	}
}

// finish records the terminal state in the ledger and closes the log stream.
func (c *Coordinator) finish(r *run) {
	o := &r.outcome
	finished := c.now()
	if r.out != nil {
		finished = r.out.Timing.FinishedAt
	}
	duration := int(finished.Sub(r.started).Milliseconds())
	exitCode := o.ExitCode

	rec := &model.Run{
		ID:             o.RunID,
		Status:         model.StatusAborted,
		Stage:          string(o.FinalStage),
		InputURI:       o.InputURI,
		OutputURI:      o.OutputURI,
		ExitCode:       &exitCode,
		CallbackStatus: o.CallbackStatus(),
		DurationMS:     &duration,
		StartedAt:      &r.started,
		FinishedAt:     &finished,
	}
	if o.Persisted() {
		rec.Status = string(o.Status)
	}
	if o.Err != nil {
		rec.Error = o.Err.Error()
		rec.Stage = string(o.FailedStage)
	}
	if r.in != nil {
		rec.ValidatorType = r.in.Validator.Type
		rec.ValidatorVersion = r.in.Validator.Version
	}
	if rec.ID == "" {
		rec.ID = r.loc.RunIDHint()
	}
	if rec.ID == "" {
		rec.ID = model.NewID()
	}
	c.record(context.Background(), r, rec)

	if o.RunID != "" {
		c.broker.Close(o.RunID)
	}
	r.logger.Info("run finished",
		"final_stage", o.FinalStage,
		"status", o.Status,
		"exit_code", o.ExitCode,
		"duration_ms", duration,
	)
}

func (c *Coordinator) record(ctx context.Context, r *run, rec *model.Run) {
	if c.ledger == nil {
		return
	}
	if err := c.ledger.RecordRun(ctx, rec); err != nil {
		r.logger.Error("failed to record run in ledger", "error", err)
	}
}

// CallbackStatus is the ledger's callback_status for the run. It is empty
// when no notification was attempted.
func (o Outcome) CallbackStatus() string {
	switch {
	case o.CallbackErr != nil:
		return model.CallbackFailed
	case o.Delivery.Skipped:
		return model.CallbackSkipped
	case o.Delivery.Attempts > 0:
		return model.CallbackDelivered
	}
	return ""
}
