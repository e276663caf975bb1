package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/conveyorhq/conveyor/internal/gateway"
	"github.com/conveyorhq/conveyor/internal/job"
	"github.com/conveyorhq/conveyor/internal/xerr"
)

type fakePlanner struct {
	responses []map[string]any
	calls     []map[string]any
}

func (f *fakePlanner) Invoke(_ context.Context, _ string, args map[string]any) (*gateway.Result, error) {
	f.calls = append(f.calls, args)
	if len(f.responses) == 0 {
		return &gateway.Result{Parsed: map[string]any{}}, nil
	}
	next := f.responses[0]
	f.responses = f.responses[1:]
	return &gateway.Result{Parsed: next}, nil
}

func okStep(idx int, tool string) job.Step {
	return job.Step{Index: idx, Kind: job.KindInvokeTool, Tool: tool, Outcome: job.OutcomeOK}
}

func TestFixedSequenceProgression(t *testing.T) {
	seq := NewFixedSequence([]SequenceStep{
		{Tool: "fetch_order", Args: map[string]any{"order_id": "payload.order_id"}},
		{Tool: "send_email", Args: map[string]any{"to": "step_0.customer.email", "subject": "Order update"}},
	})
	j := &job.Job{
		ID:      "j1",
		Payload: map[string]any{"order_id": "o-42"},
		Context: map[string]any{},
	}

	d, err := seq.Decide(context.Background(), j)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Action != ActionInvoke || d.Tool != "fetch_order" {
		t.Fatalf("got %+v, want invoke fetch_order", d)
	}
	if got := d.Args["order_id"]; got != "o-42" {
		t.Fatalf("payload ref resolved to %v, want o-42", got)
	}

	j.Steps = append(j.Steps, okStep(0, "fetch_order"))
	j.Context["step_0"] = map[string]any{"customer": map[string]any{"email": "a@b.test"}}

	d, err = seq.Decide(context.Background(), j)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Tool != "send_email" {
		t.Fatalf("got tool %q, want send_email", d.Tool)
	}
	if got := d.Args["to"]; got != "a@b.test" {
		t.Fatalf("step ref resolved to %v, want a@b.test", got)
	}
	if got := d.Args["subject"]; got != "Order update" {
		t.Fatalf("literal arg changed to %v", got)
	}
}

func TestFixedSequenceFailedStepDoesNotAdvance(t *testing.T) {
	seq := NewFixedSequence([]SequenceStep{{Tool: "fetch_order"}})
	j := &job.Job{ID: "j1", Steps: []job.Step{
		{Index: 0, Kind: job.KindInvokeTool, Tool: "fetch_order", Outcome: job.OutcomeTimeout},
	}}

	d, err := seq.Decide(context.Background(), j)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Action != ActionInvoke || d.Tool != "fetch_order" {
		t.Fatalf("got %+v, want fetch_order re-issued", d)
	}
}

func TestFixedSequenceTerminates(t *testing.T) {
	seq := NewFixedSequence([]SequenceStep{{Tool: "fetch_order"}})
	j := &job.Job{
		ID:      "j1",
		Steps:   []job.Step{okStep(0, "fetch_order")},
		Context: map[string]any{"step_0": map[string]any{"total": 10.0}},
	}

	d, err := seq.Decide(context.Background(), j)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Action != ActionTerminate {
		t.Fatalf("got action %q, want terminate", d.Action)
	}
	if d.Result["context"] == nil {
		t.Fatalf("terminate result missing context: %+v", d.Result)
	}
}

func TestFixedSequenceUnresolvableRef(t *testing.T) {
	seq := NewFixedSequence([]SequenceStep{
		{Tool: "send_email", Args: map[string]any{"to": "payload.customer.email"}},
	})
	j := &job.Job{ID: "j1", Payload: map[string]any{"order_id": "o-1"}}

	d, err := seq.Decide(context.Background(), j)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if got, present := d.Args["to"]; !present || got != nil {
		t.Fatalf("unresolvable ref produced %v, want nil", got)
	}
}

func TestModelDrivenInvoke(t *testing.T) {
	planner := &fakePlanner{responses: []map[string]any{
		{"action": "invoke", "tool": "send_email", "args": map[string]any{"to": "a@b.test"}},
	}}
	p := NewModelDriven(planner, "")
	j := &job.Job{
		ID:             "j1",
		AutomationType: "order_followup",
		Payload:        map[string]any{"order_id": "o-1"},
		Steps:          []job.Step{okStep(0, "fetch_order")},
	}

	d, err := p.Decide(context.Background(), j)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Action != ActionInvoke || d.Tool != "send_email" {
		t.Fatalf("got %+v, want invoke send_email", d)
	}
	if len(planner.calls) != 1 {
		t.Fatalf("planner called %d times, want 1", len(planner.calls))
	}
	call := planner.calls[0]
	if call["automation_type"] != "order_followup" {
		t.Fatalf("planner args missing automation_type: %+v", call)
	}
	history, ok := call["history"].([]any)
	if !ok || len(history) != 1 {
		t.Fatalf("planner history = %+v, want one entry", call["history"])
	}
}

func TestModelDrivenRepairRePrompt(t *testing.T) {
	planner := &fakePlanner{responses: []map[string]any{
		{"action": "launch_missiles"},
		{"action": "terminate", "result": map[string]any{"ok": true}},
	}}
	p := NewModelDriven(planner, "planner")

	d, err := p.Decide(context.Background(), &job.Job{ID: "j1"})
	if err != nil {
		t.Fatalf("decide after repair: %v", err)
	}
	if d.Action != ActionTerminate {
		t.Fatalf("got action %q, want terminate", d.Action)
	}
	if len(planner.calls) != 2 {
		t.Fatalf("planner called %d times, want 2", len(planner.calls))
	}
	if planner.calls[1]["repair"] == nil {
		t.Fatalf("repair re-prompt missing repair arg: %+v", planner.calls[1])
	}
}

func TestModelDrivenInvalidTwice(t *testing.T) {
	planner := &fakePlanner{responses: []map[string]any{
		{"nonsense": 1},
		{"action": "invoke"}, // invoke without a tool
	}}
	p := NewModelDriven(planner, "planner")

	_, err := p.Decide(context.Background(), &job.Job{ID: "j1"})
	if !xerr.HasCode(err, xerr.CodeInvalidOutput) {
		t.Fatalf("got %v, want INVALID_OUTPUT", err)
	}
	if len(planner.calls) != 2 {
		t.Fatalf("planner called %d times, want exactly 2", len(planner.calls))
	}
}

func TestLuaScriptDecide(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "decide.lua")
	src := `
function decide(job)
  if #job.steps == 0 then
    return { action = "invoke", tool = "fetch_order", args = { order_id = job.payload.order_id } }
  end
  return { action = "terminate", result = { steps_run = #job.steps } }
end
`
	if err := os.WriteFile(script, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := NewLuaScript(script)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	j := &job.Job{ID: "j1", Payload: map[string]any{"order_id": "o-7"}}
	d, err := p.Decide(context.Background(), j)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Action != ActionInvoke || d.Tool != "fetch_order" {
		t.Fatalf("got %+v, want invoke fetch_order", d)
	}
	if got := d.Args["order_id"]; got != "o-7" {
		t.Fatalf("lua saw payload.order_id = %v, want o-7", got)
	}

	j.Steps = append(j.Steps, okStep(0, "fetch_order"))
	d, err = p.Decide(context.Background(), j)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Action != ActionTerminate {
		t.Fatalf("got action %q, want terminate", d.Action)
	}
	if got := d.Result["steps_run"]; got != 1.0 {
		t.Fatalf("result steps_run = %v, want 1", got)
	}
}

func TestLuaScriptBadReturn(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "bad.lua")
	if err := os.WriteFile(script, []byte(`function decide(job) return "nope" end`), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := NewLuaScript(script)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	_, err = p.Decide(context.Background(), &job.Job{ID: "j1"})
	if !xerr.HasCode(err, xerr.CodeInvalidOutput) {
		t.Fatalf("got %v, want INVALID_OUTPUT", err)
	}
}

func TestSelectorRouting(t *testing.T) {
	fixed := NewFixedSequence(nil)
	fallback := NewFixedSequence(nil)
	sel := NewSelector(fallback)
	sel.Register("order_followup", fixed)

	p, err := sel.For("order_followup")
	if err != nil {
		t.Fatalf("for: %v", err)
	}
	if p != Policy(fixed) {
		t.Fatalf("routed to wrong policy")
	}

	p, err = sel.For("unknown_type")
	if err != nil {
		t.Fatalf("fallback: %v", err)
	}
	if p != Policy(fallback) {
		t.Fatalf("expected default policy for unknown type")
	}

	empty := NewSelector(nil)
	if _, err := empty.For("anything"); !xerr.HasCode(err, xerr.CodeNotFound) {
		t.Fatalf("got %v, want NOT_FOUND", err)
	}
}
