package orchestrator

import (
	"encoding/json"

	"github.com/conveyorhq/conveyor/internal/job"
)

const DefaultMaxRawOutputBytes = 64 * 1024 // 64KB

// Guard clamps what a tool response is allowed to persist. Oversized
// raw payloads are replaced with a marker object so a misbehaving
// upstream cannot bloat the step history; the parsed form that already
// passed schema validation is kept as is.
type Guard struct {
	MaxRawOutputBytes int
}

func NewGuard() *Guard {
	return &Guard{MaxRawOutputBytes: DefaultMaxRawOutputBytes}
}

func (g *Guard) Clamp(step job.Step) job.Step {
	if g.MaxRawOutputBytes > 0 && len(step.RawOutput) > g.MaxRawOutputBytes {
		marker, _ := json.Marshal(map[string]any{
			"truncated":      true,
			"original_bytes": len(step.RawOutput),
		})
		step.RawOutput = marker
	}
	if g.MaxRawOutputBytes > 0 && len(step.Error) > g.MaxRawOutputBytes {
		step.Error = step.Error[:g.MaxRawOutputBytes]
	}
	return step
}
