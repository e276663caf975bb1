// Package policy decides the next step for a running job. Deciding is
// separate from executing so a pipeline can be data-driven (a fixed
// tool sequence) or adaptive (a planner model or a Lua script picks
// the next action) without touching the execution and retry machinery.
package policy

import (
	"context"

	"github.com/conveyorhq/conveyor/internal/job"
	"github.com/conveyorhq/conveyor/internal/xerr"
)

type Action string

const (
	ActionInvoke    Action = "invoke"
	ActionTerminate Action = "terminate"
)

// Decision is what the orchestrator does next for a job.
type Decision struct {
	Action Action
	Tool   string
	Args   map[string]any
	// Result is the job's final output when Action is terminate.
	Result map[string]any
}

// Policy picks the next decision from the job's current state. Decide
// must be deterministic for FixedSequence; adaptive policies may call
// out through the gateway.
type Policy interface {
	Decide(ctx context.Context, j *job.Job) (Decision, error)
}

// Selector routes each automation type to its policy.
type Selector struct {
	policies   map[string]Policy
	defaultPol Policy
}

func NewSelector(defaultPolicy Policy) *Selector {
	return &Selector{policies: make(map[string]Policy), defaultPol: defaultPolicy}
}

func (s *Selector) Register(automationType string, p Policy) {
	s.policies[automationType] = p
}

// For returns the policy for an automation type.
func (s *Selector) For(automationType string) (Policy, error) {
	if p, ok := s.policies[automationType]; ok {
		return p, nil
	}
	if s.defaultPol != nil {
		return s.defaultPol, nil
	}
	return nil, xerr.Newf(xerr.CodeNotFound, "no policy for automation type %q", automationType)
}
