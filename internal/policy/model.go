package policy

import (
	"context"

	"github.com/conveyorhq/conveyor/internal/gateway"
	"github.com/conveyorhq/conveyor/internal/job"
	"github.com/conveyorhq/conveyor/internal/xerr"
)

const defaultPlannerTool = "planner"

// ModelDriven asks a planner capability (an LLM behind the gateway)
// for the next action. The planner sees the payload, the accumulated
// context, and a compact step history, and answers with a decision
// object. An answer that does not parse as a decision gets exactly one
// repair re-prompt before the policy fails with INVALID_OUTPUT.
type ModelDriven struct {
	invoker gateway.Invoker
	tool    string
}

func NewModelDriven(invoker gateway.Invoker, plannerTool string) *ModelDriven {
	if plannerTool == "" {
		plannerTool = defaultPlannerTool
	}
	return &ModelDriven{invoker: invoker, tool: plannerTool}
}

func (m *ModelDriven) Decide(ctx context.Context, j *job.Job) (Decision, error) {
	args := m.plannerArgs(j, "")
	res, err := m.invoker.Invoke(ctx, m.tool, args)
	if err != nil {
		return Decision{}, err
	}
	d, derr := parseDecision(res.Parsed)
	if derr == nil {
		return d, nil
	}

	// One schema-repair re-prompt: send the validation error back so
	// the model can correct its output.
	args = m.plannerArgs(j, derr.Error())
	res, err = m.invoker.Invoke(ctx, m.tool, args)
	if err != nil {
		return Decision{}, err
	}
	d, derr = parseDecision(res.Parsed)
	if derr != nil {
		return Decision{}, derr
	}
	return d, nil
}

func (m *ModelDriven) plannerArgs(j *job.Job, repair string) map[string]any {
	history := make([]any, 0, len(j.Steps))
	for _, s := range j.Steps {
		history = append(history, map[string]any{
			"index":   s.Index,
			"kind":    string(s.Kind),
			"tool":    s.Tool,
			"outcome": string(s.Outcome),
		})
	}
	args := map[string]any{
		"automation_type": j.AutomationType,
		"payload":         j.Payload,
		"context":         j.Context,
		"history":         history,
	}
	if repair != "" {
		args["repair"] = repair
	}
	return args
}

// parseDecision validates the planner's answer. Accepted shapes:
//
//	{"action": "invoke", "tool": "send_email", "args": {...}}
//	{"action": "terminate", "result": {...}}
func parseDecision(parsed map[string]any) (Decision, error) {
	action, _ := parsed["action"].(string)
	switch Action(action) {
	case ActionInvoke:
		tool, _ := parsed["tool"].(string)
		if tool == "" {
			return Decision{}, xerr.New(xerr.CodeInvalidOutput, "decision: invoke without a tool")
		}
		args, _ := parsed["args"].(map[string]any)
		return Decision{Action: ActionInvoke, Tool: tool, Args: args}, nil
	case ActionTerminate:
		result, _ := parsed["result"].(map[string]any)
		return Decision{Action: ActionTerminate, Result: result}, nil
	default:
		return Decision{}, xerr.Newf(xerr.CodeInvalidOutput, "decision: unknown action %q", action)
	}
}
