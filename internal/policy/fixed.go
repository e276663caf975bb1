package policy

import (
	"context"
	"strings"

	"github.com/conveyorhq/conveyor/internal/job"
)

// SequenceStep is one entry in a fixed pipeline definition. Argument
// values are literals unless they start with "payload." or "step_N.",
// which are resolved from the job payload or a prior step's output at
// decide time.
type SequenceStep struct {
	Tool string         `yaml:"tool"`
	Args map[string]any `yaml:"args,omitempty"`
}

// FixedSequence runs a configured tool list in order and terminates
// with the accumulated context once every step has completed.
type FixedSequence struct {
	steps []SequenceStep
}

func NewFixedSequence(steps []SequenceStep) *FixedSequence {
	return &FixedSequence{steps: steps}
}

// Decide is a pure function of the job state: the next step is the
// one after the last successful tool invocation. Failed attempts do
// not advance the sequence; the orchestrator's retry policy decides
// whether they are re-issued.
func (f *FixedSequence) Decide(_ context.Context, j *job.Job) (Decision, error) {
	completed := 0
	for _, s := range j.Steps {
		if s.Kind == job.KindInvokeTool && s.Outcome == job.OutcomeOK {
			completed++
		}
	}
	if completed >= len(f.steps) {
		result := map[string]any{"context": j.Context}
		return Decision{Action: ActionTerminate, Result: result}, nil
	}
	next := f.steps[completed]
	return Decision{
		Action: ActionInvoke,
		Tool:   next.Tool,
		Args:   resolveArgs(next.Args, j),
	}, nil
}

// resolveArgs substitutes payload and step references in argument
// values. Unresolvable references resolve to nil so schema validation
// reports them as missing fields.
func resolveArgs(args map[string]any, j *job.Job) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if ref, ok := v.(string); ok {
			if resolved, isRef := resolveRef(ref, j); isRef {
				out[k] = resolved
				continue
			}
		}
		out[k] = v
	}
	return out
}

// resolveRef resolves "payload.x.y" against the job payload and
// "step_N.x.y" against the job context. Returns isRef=false for
// literal strings.
func resolveRef(ref string, j *job.Job) (any, bool) {
	parts := strings.Split(ref, ".")
	var root any
	switch {
	case parts[0] == "payload":
		root = j.Payload
	case strings.HasPrefix(parts[0], "step_"):
		root = j.Context[parts[0]]
	default:
		return nil, false
	}
	cur := root
	for _, p := range parts[1:] {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, true
		}
		cur = m[p]
	}
	return cur, true
}
