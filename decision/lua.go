package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

const luaEntryPoint = "decide"

// LuaEngine runs a decision policy written in Lua. The script must define a
// global function decide(request) returning a table shaped like Response:
//
//	function decide(req)
//	  return { decision = "spawn_obstacle", params = { lane = 1 }, explain = "..." }
//	end
//
// The request is passed as a table with the JSON field names of Request.
type LuaEngine struct {
	mu    sync.Mutex
	state *lua.LState
	name  string
}

// NewLuaEngine loads the script at path.
func NewLuaEngine(path string) (*LuaEngine, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read decision script: %w", err)
	}
	return NewLuaEngineFromSource(path, string(src))
}

// NewLuaEngineFromSource loads a script from memory. name is used in errors.
func NewLuaEngineFromSource(name, src string) (*LuaEngine, error) {
	L := lua.NewState()
	if err := L.DoString(src); err != nil {
		L.Close()
		return nil, fmt.Errorf("load decision script %s: %w", name, err)
	}
	if L.GetGlobal(luaEntryPoint).Type() != lua.LTFunction {
		L.Close()
		return nil, fmt.Errorf("decision script %s does not define %s(request)", name, luaEntryPoint)
	}
	return &LuaEngine{state: L, name: name}, nil
}

func (e *LuaEngine) Name() string { return "lua" }

// Decide calls the script. ctx cancellation aborts a running script.
func (e *LuaEngine) Decide(ctx context.Context, req Request) (Response, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return Response{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	L := e.state
	L.SetContext(ctx)
	defer L.RemoveContext()

	err = L.CallByParam(lua.P{
		Fn:      L.GetGlobal(luaEntryPoint),
		NRet:    1,
		Protect: true,
	}, toLua(L, generic))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Response{}, ctxErr
		}
		return Response{}, fmt.Errorf("decision script %s: %w", e.name, err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	if ret.Type() != lua.LTTable {
		return Response{}, errors.New("decision script must return a table")
	}
	out, err := json.Marshal(fromLua(ret))
	if err != nil {
		return Response{}, fmt.Errorf("encode script result: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(out, &resp); err != nil {
		return Response{}, fmt.Errorf("decode script result: %w", err)
	}
	resp.RequestID = req.RequestID
	resp.SessionID = req.SessionID
	return resp, nil
}

// Close releases the Lua state.
func (e *LuaEngine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Close()
}

func toLua(L *lua.LState, v any) lua.LValue {
	switch t := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(t)
	case float64:
		return lua.LNumber(t)
	case string:
		return lua.LString(t)
	case []any:
		tbl := L.NewTable()
		for _, item := range t {
			tbl.Append(toLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			tbl.RawSetString(k, toLua(L, t[k]))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprint(t))
	}
}

// fromLua converts a Lua value into JSON-friendly Go values. A table with
// only consecutive integer keys from 1 becomes a slice.
func fromLua(v lua.LValue) any {
	switch t := v.(type) {
	case lua.LBool:
		return bool(t)
	case lua.LNumber:
		return float64(t)
	case lua.LString:
		return string(t)
	case *lua.LTable:
		n := t.MaxN()
		count := 0
		t.ForEach(func(lua.LValue, lua.LValue) { count++ })
		if count == n {
			arr := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				arr = append(arr, fromLua(t.RawGetInt(i)))
			}
			return arr
		}
		obj := make(map[string]any, count)
		t.ForEach(func(k, val lua.LValue) {
			obj[k.String()] = fromLua(val)
		})
		return obj
	default:
		return nil
	}
}
