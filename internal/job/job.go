// Package job defines the data model for automation jobs: the job
// record itself, its sealed step history, and the status state machine
// every mutation must respect.
package job

import (
	"encoding/json"
	"fmt"
	"time"
)

type Status string

const (
	StatusPending       Status = "pending"
	StatusRunning       Status = "running"
	StatusWaitingOnTool Status = "waiting_on_tool"
	StatusSucceeded     Status = "succeeded"
	StatusFailed        Status = "failed"
	StatusCancelled     Status = "cancelled"
)

// IsTerminal reports whether the status ends the job's lifecycle.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsValid reports whether s is a known status value.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusWaitingOnTool,
		StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// transitions is the status machine edge set. Cancellation is allowed
// from any non-terminal state and handled in CanTransition directly.
var transitions = map[Status][]Status{
	StatusPending:       {StatusRunning},
	StatusRunning:       {StatusRunning, StatusWaitingOnTool, StatusSucceeded, StatusFailed},
	StatusWaitingOnTool: {StatusRunning, StatusFailed},
}

// CanTransition reports whether moving from to next is a legal edge.
func CanTransition(from, next Status) bool {
	if from.IsTerminal() {
		return false
	}
	if next == StatusCancelled {
		return true
	}
	for _, s := range transitions[from] {
		if s == next {
			return true
		}
	}
	return false
}

type StepKind string

const (
	KindInvokeTool StepKind = "invoke_tool"
	KindTerminate  StepKind = "terminate"
)

type Outcome string

const (
	OutcomeOK            Outcome = "ok"
	OutcomeToolError     Outcome = "tool_error"
	OutcomeTimeout       Outcome = "timeout"
	OutcomeInvalidOutput Outcome = "invalid_output"
	OutcomeCancelled     Outcome = "cancelled"
)

// Step is one sealed unit of work. Once appended to a job it is never
// edited or reordered.
type Step struct {
	Index     int             `json:"index"`
	Kind      StepKind        `json:"kind"`
	Tool      string          `json:"tool,omitempty"`
	Args      map[string]any  `json:"args,omitempty"`
	RawOutput json.RawMessage `json:"raw_output,omitempty"`
	Parsed    map[string]any  `json:"parsed,omitempty"`
	Outcome   Outcome         `json:"outcome"`
	Error     string          `json:"error,omitempty"`
	ErrorCode string          `json:"error_code,omitempty"`
	Duration  time.Duration   `json:"duration_ns"`
	StartedAt time.Time       `json:"started_at"`
}

// Job is one user-submitted automation request and its full execution
// history. Only the worker holding the job's lease may mutate it.
type Job struct {
	ID              string         `json:"id"`
	AutomationType  string         `json:"automation_type"`
	Payload         map[string]any `json:"payload,omitempty"`
	Status          Status         `json:"status"`
	Steps           []Step         `json:"steps"`
	Context         map[string]any `json:"context,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	LastError       string         `json:"last_error,omitempty"`
	LastErrorCode   string         `json:"last_error_code,omitempty"`
	Attempts        int            `json:"attempts"`
	CancelRequested bool           `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// ContextKey is the namespaced key under which a step's parsed output
// is merged into the job context.
func ContextKey(stepIndex int) string {
	return fmt.Sprintf("step_%d", stepIndex)
}

// NextStepIndex returns the index the next appended step must carry.
func (j *Job) NextStepIndex() int {
	return len(j.Steps)
}

// Clone returns a deep-enough copy for handing snapshots to readers
// without sharing mutable maps or slices.
func (j *Job) Clone() *Job {
	c := *j
	c.Payload = cloneMap(j.Payload)
	c.Context = cloneMap(j.Context)
	c.Result = cloneMap(j.Result)
	c.Steps = make([]Step, len(j.Steps))
	for i, s := range j.Steps {
		cs := s
		cs.Args = cloneMap(s.Args)
		cs.Parsed = cloneMap(s.Parsed)
		c.Steps[i] = cs
	}
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
