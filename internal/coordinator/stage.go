package coordinator

// Stage is a step of the execution state machine.
type Stage string

const (
	StageLoading    Stage = "LOADING"
	StageValidating Stage = "VALIDATING"
	StageExecuting  Stage = "EXECUTING"
	StageFinalizing Stage = "FINALIZING"
	StagePersisting Stage = "PERSISTING"
	StageNotifying  Stage = "NOTIFYING"
	StageDone       Stage = "DONE"
	// StageError is the absorbing state a fatal failure ends in.
	StageError Stage = "ERROR"
)

// Stages lists the working stages in execution order.
var Stages = []Stage{
	StageLoading,
	StageValidating,
	StageExecuting,
	StageFinalizing,
	StagePersisting,
	StageNotifying,
}

// policy says what a failure in a stage does to the run.
type policy struct {
	// fatal failures end the run in StageError with exit code 1.
	fatal bool
	// salvage attempts a best-effort FAILURE output and callback before a
	// fatal abort.
	salvage bool
	// absorb records a non-fatal failure on the run and lets it continue.
	absorb func(r *run, err error)
}

// policies is the one place that decides which failures abort a run and
// which are absorbed. Stages before PERSISTING abort because no output
// exists yet; NOTIFYING is absorbed because the persisted output is already
// authoritative.
var policies = map[Stage]policy{
	StageLoading:    {fatal: true},
	StageValidating: {fatal: true, salvage: true},
	StageExecuting:  {absorb: func(r *run, err error) { r.runErr = err }},
	StageFinalizing: {absorb: func(r *run, err error) { demote(r.out, CodeInvalidOutput, err) }},
	StagePersisting: {fatal: true},
	StageNotifying:  {absorb: func(r *run, err error) { r.outcome.CallbackErr = err }},
}
