// Package executor runs one tool invocation for a job and seals the
// outcome into an immutable step record. It owns per-step mechanics
// only: argument validation, dispatch, result schema validation, and
// context merging. Retries, leases, and status transitions belong to
// the orchestrator.
package executor

import (
	"context"
	"time"

	"github.com/conveyorhq/conveyor/internal/gateway"
	"github.com/conveyorhq/conveyor/internal/job"
	"github.com/conveyorhq/conveyor/internal/registry"
	"github.com/conveyorhq/conveyor/internal/xerr"
)

// Executor turns a policy decision into a sealed step. It is
// stateless and safe for concurrent use across workers.
type Executor struct {
	invoker gateway.Invoker
	reg     *registry.Registry
	now     func() time.Time
}

func New(invoker gateway.Invoker, reg *registry.Registry) *Executor {
	return &Executor{invoker: invoker, reg: reg, now: time.Now}
}

// SetClock overrides the step timestamp source. Tests only.
func (e *Executor) SetClock(now func() time.Time) { e.now = now }

// ExecuteTool invokes a tool and returns the sealed step plus the
// context updates to persist alongside it. The step is returned even
// on failure; its Outcome and ErrorCode say what went wrong. The
// returned error mirrors the step's failure so callers can branch on
// xerr codes without re-parsing the step.
func (e *Executor) ExecuteTool(ctx context.Context, j *job.Job, tool string, args map[string]any) (job.Step, map[string]any, error) {
	started := e.now()
	step := job.Step{
		Index:     j.NextStepIndex(),
		Kind:      job.KindInvokeTool,
		Tool:      tool,
		Args:      args,
		StartedAt: started,
	}

	res, err := e.invoker.Invoke(ctx, tool, args)
	step.Duration = e.now().Sub(started)
	if err != nil {
		return seal(step, err), nil, err
	}

	step.RawOutput = res.Raw
	step.Parsed = res.Parsed
	if verr := e.reg.ValidateResult(tool, res.Parsed); verr != nil {
		err = verr
		return seal(step, err), nil, err
	}

	step.Outcome = job.OutcomeOK
	updates := map[string]any{job.ContextKey(step.Index): res.Parsed}
	return step, updates, nil
}

// TerminalStep seals the job's closing step. Result carries the final
// output for succeeded jobs; failure and cancellation pass err.
func (e *Executor) TerminalStep(j *job.Job, outcome job.Outcome, err error) job.Step {
	step := job.Step{
		Index:     j.NextStepIndex(),
		Kind:      job.KindTerminate,
		StartedAt: e.now(),
		Outcome:   outcome,
	}
	if err != nil {
		step.Error = err.Error()
		step.ErrorCode = string(xerr.CodeOf(err))
	}
	return step
}

// seal classifies a failed invocation into the step outcome taxonomy.
func seal(step job.Step, err error) job.Step {
	step.Error = err.Error()
	step.ErrorCode = string(xerr.CodeOf(err))
	switch xerr.CodeOf(err) {
	case xerr.CodeTimeout:
		step.Outcome = job.OutcomeTimeout
	case xerr.CodeInvalidOutput:
		step.Outcome = job.OutcomeInvalidOutput
	case xerr.CodeCancelled:
		step.Outcome = job.OutcomeCancelled
	default:
		step.Outcome = job.OutcomeToolError
	}
	return step
}
