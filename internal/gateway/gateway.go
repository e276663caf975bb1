// Package gateway is the boundary for invoking external capabilities:
// AI model calls and business-system actions alike go through one
// Invoker interface. The gateway validates arguments against the
// capability registry, dispatches, and maps failures to typed error
// codes. It never retries; retry policy belongs to the orchestrator,
// which knows whether the tool is idempotent.
package gateway

import (
	"context"
	"encoding/json"
	"time"
)

// Result is the outcome of one tool invocation.
type Result struct {
	Raw     json.RawMessage
	Parsed  map[string]any
	Latency time.Duration
}

// Invoker invokes a named capability with a structured argument
// payload. The context deadline is the hard per-call budget.
type Invoker interface {
	Invoke(ctx context.Context, tool string, args map[string]any) (*Result, error)
}
