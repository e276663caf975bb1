package policy

import (
	"context"
	"fmt"
	"path/filepath"

	lua "github.com/yuin/gopher-lua"

	"github.com/conveyorhq/conveyor/internal/job"
	"github.com/conveyorhq/conveyor/internal/xerr"
)

// LuaScript delegates the next-step decision to a Lua script. The
// script must define a global decide(job) function receiving a table
// with automation_type, payload, context, and steps, and returning
// either
//
//	{ action = "invoke", tool = "send_email", args = { to = "..." } }
//	{ action = "terminate", result = { ... } }
//
// A fresh Lua state is created per call, so scripts cannot leak state
// between jobs.
type LuaScript struct {
	scriptPath string
}

func NewLuaScript(scriptPath string) (*LuaScript, error) {
	abs, err := filepath.Abs(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("script path: %w", err)
	}
	return &LuaScript{scriptPath: abs}, nil
}

func (p *LuaScript) Decide(_ context.Context, j *job.Job) (Decision, error) {
	lState := lua.NewState()
	defer lState.Close()

	if err := lState.DoFile(p.scriptPath); err != nil {
		return Decision{}, fmt.Errorf("load script: %w", err)
	}

	fn := lState.GetGlobal("decide")
	if fn.Type() != lua.LTFunction {
		return Decision{}, fmt.Errorf("script must define global function decide(job), got %s", fn.Type().String())
	}

	lState.Push(fn)
	lState.Push(jobToLua(lState, j))
	if err := lState.PCall(1, 1, nil); err != nil {
		return Decision{}, fmt.Errorf("decide(): %w", err)
	}

	ret := lState.Get(-1)
	lState.Pop(1)
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return Decision{}, xerr.Newf(xerr.CodeInvalidOutput, "decide() must return a table, got %s", ret.Type().String())
	}
	parsed, ok := luaToGo(tbl).(map[string]any)
	if !ok {
		return Decision{}, xerr.New(xerr.CodeInvalidOutput, "decide() returned an array, expected a decision table")
	}
	return parseDecision(parsed)
}

func jobToLua(l *lua.LState, j *job.Job) *lua.LTable {
	tbl := l.NewTable()
	l.SetField(tbl, "id", lua.LString(j.ID))
	l.SetField(tbl, "automation_type", lua.LString(j.AutomationType))
	l.SetField(tbl, "payload", goToLua(l, j.Payload))
	l.SetField(tbl, "context", goToLua(l, j.Context))

	steps := l.NewTable()
	for _, s := range j.Steps {
		st := l.NewTable()
		l.SetField(st, "index", lua.LNumber(s.Index))
		l.SetField(st, "kind", lua.LString(string(s.Kind)))
		l.SetField(st, "tool", lua.LString(s.Tool))
		l.SetField(st, "outcome", lua.LString(string(s.Outcome)))
		steps.Append(st)
	}
	l.SetField(tbl, "steps", steps)
	return tbl
}

func goToLua(l *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case map[string]any:
		tbl := l.NewTable()
		for k, item := range val {
			l.SetField(tbl, k, goToLua(l, item))
		}
		return tbl
	case []any:
		tbl := l.NewTable()
		for _, item := range val {
			tbl.Append(goToLua(l, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// luaToGo converts a Lua value to Go. Tables with only positive
// integer keys become []any, everything else map[string]any.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		arrayLen := val.Len()
		isArray := arrayLen > 0
		asMap := make(map[string]any)
		val.ForEach(func(k, item lua.LValue) {
			if _, numeric := k.(lua.LNumber); !numeric {
				isArray = false
			}
			asMap[k.String()] = luaToGo(item)
		})
		if isArray && len(asMap) == arrayLen {
			arr := make([]any, 0, arrayLen)
			for i := 1; i <= arrayLen; i++ {
				arr = append(arr, luaToGo(val.RawGetInt(i)))
			}
			return arr
		}
		return asMap
	default:
		return nil
	}
}
