package executor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/conveyorhq/conveyor/internal/gateway"
	"github.com/conveyorhq/conveyor/internal/job"
	"github.com/conveyorhq/conveyor/internal/registry"
	"github.com/conveyorhq/conveyor/internal/xerr"
)

const testCatalog = `
tools:
  - name: fetch_order
    description: Load an order record.
    idempotent: true
    args:
      - name: order_id
        type: string
        required: true
    result:
      - name: total
        type: number
        required: true
`

type fakeInvoker struct {
	result *gateway.Result
	err    error
}

func (f *fakeInvoker) Invoke(context.Context, string, map[string]any) (*gateway.Result, error) {
	return f.result, f.err
}

func testExecutor(t *testing.T, inv gateway.Invoker) *Executor {
	t.Helper()
	reg, err := registry.Parse([]byte(testCatalog))
	if err != nil {
		t.Fatalf("parse catalog: %v", err)
	}
	e := New(inv, reg)
	e.SetClock(func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) })
	return e
}

func TestExecuteToolSuccess(t *testing.T) {
	inv := &fakeInvoker{result: &gateway.Result{
		Raw:    json.RawMessage(`{"total": 99.5}`),
		Parsed: map[string]any{"total": 99.5},
	}}
	e := testExecutor(t, inv)
	j := &job.Job{ID: "j1", Steps: []job.Step{{Index: 0, Kind: job.KindInvokeTool, Outcome: job.OutcomeOK}}}

	step, updates, err := e.ExecuteTool(context.Background(), j, "fetch_order", map[string]any{"order_id": "o-1"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if step.Index != 1 || step.Outcome != job.OutcomeOK {
		t.Fatalf("step = %+v, want index 1 outcome ok", step)
	}
	got, ok := updates["step_1"].(map[string]any)
	if !ok || got["total"] != 99.5 {
		t.Fatalf("context updates = %+v, want step_1.total = 99.5", updates)
	}
}

func TestExecuteToolResultSchemaRejected(t *testing.T) {
	inv := &fakeInvoker{result: &gateway.Result{
		Raw:    json.RawMessage(`{"message": "done"}`),
		Parsed: map[string]any{"message": "done"},
	}}
	e := testExecutor(t, inv)

	step, updates, err := e.ExecuteTool(context.Background(), &job.Job{ID: "j1"}, "fetch_order", map[string]any{"order_id": "o-1"})
	if !xerr.HasCode(err, xerr.CodeInvalidOutput) {
		t.Fatalf("got %v, want INVALID_OUTPUT", err)
	}
	if step.Outcome != job.OutcomeInvalidOutput {
		t.Fatalf("outcome = %q, want invalid_output", step.Outcome)
	}
	if step.RawOutput == nil {
		t.Fatalf("raw output of the rejected response must be preserved")
	}
	if updates != nil {
		t.Fatalf("rejected result must not reach context: %+v", updates)
	}
}

func TestExecuteToolFailureOutcomes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want job.Outcome
	}{
		{"timeout", xerr.New(xerr.CodeTimeout, "deadline exceeded"), job.OutcomeTimeout},
		{"upstream", xerr.New(xerr.CodeUpstreamError, "503"), job.OutcomeToolError},
		{"cancelled", xerr.New(xerr.CodeCancelled, "cancel requested"), job.OutcomeCancelled},
		{"untyped", errors.New("boom"), job.OutcomeToolError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := testExecutor(t, &fakeInvoker{err: tc.err})
			step, _, err := e.ExecuteTool(context.Background(), &job.Job{ID: "j1"}, "fetch_order", map[string]any{"order_id": "o-1"})
			if err == nil {
				t.Fatal("expected error")
			}
			if step.Outcome != tc.want {
				t.Fatalf("outcome = %q, want %q", step.Outcome, tc.want)
			}
			if step.Error == "" || step.ErrorCode == "" {
				t.Fatalf("failed step must record error and code: %+v", step)
			}
		})
	}
}

func TestTerminalStep(t *testing.T) {
	e := testExecutor(t, &fakeInvoker{})
	j := &job.Job{ID: "j1", Steps: []job.Step{{Index: 0}}}

	step := e.TerminalStep(j, job.OutcomeOK, nil)
	if step.Index != 1 || step.Kind != job.KindTerminate || step.Outcome != job.OutcomeOK {
		t.Fatalf("step = %+v", step)
	}

	failed := e.TerminalStep(j, job.OutcomeToolError, xerr.New(xerr.CodeBudgetExceeded, "wall clock exhausted"))
	if failed.ErrorCode != string(xerr.CodeBudgetExceeded) {
		t.Fatalf("error code = %q, want BUDGET_EXCEEDED", failed.ErrorCode)
	}
}
