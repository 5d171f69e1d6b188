// Package luahook runs plugin hooks written in Lua. A script declares any of
// the globals before(handler), after(handler, ok), allow(handler, filters)
// and metadata(handler); the plugin bridges them into the dispatch pipeline.
//
// Scripts run in a sandboxed interpreter: only the base, table, string and
// math libraries are open, and the file and chunk loaders are removed. One
// interpreter state backs each plugin instance, serialized by a mutex.
package luahook

import (
	"context"
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/genropy/smartroute"
)

// Plugin executes Lua hook scripts. Construct with New and register a
// factory per script:
//
//	smartroute.RegisterPluginAs("audit", luahook.Factory("audit", "audit hooks", script))
type Plugin struct {
	smartroute.Base
	script string

	mu      sync.Mutex
	state   *lua.LState
	loadErr error
}

// New builds a plugin around one Lua script. The script is compiled lazily
// on first use.
func New(code, description, script string) *Plugin {
	return &Plugin{
		Base:   smartroute.NewBase(code, description),
		script: script,
	}
}

// Factory returns a registry factory producing this script's plugin.
func Factory(code, description, script string) smartroute.PluginFactory {
	return func() smartroute.Plugin { return New(code, description, script) }
}

// Close releases the interpreter state.
func (p *Plugin) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != nil {
		p.state.Close()
		p.state = nil
	}
}

// ensure builds the sandboxed state and runs the script once. The result,
// error included, sticks for the plugin's lifetime. Callers hold p.mu.
func (p *Plugin) ensure() (*lua.LState, error) {
	if p.state != nil || p.loadErr != nil {
		return p.state, p.loadErr
	}
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			L.Close()
			p.loadErr = fmt.Errorf("%w: opening lua library %q: %v", smartroute.ErrValidation, lib.name, err)
			return nil, p.loadErr
		}
	}
	// No file or chunk loading from scripts.
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)

	if err := L.DoString(p.script); err != nil {
		L.Close()
		p.loadErr = fmt.Errorf("%w: lua script for plugin %q: %v", smartroute.ErrValidation, p.Code(), err)
		return nil, p.loadErr
	}
	p.state = L
	return p.state, nil
}

// Global reads a script global as a Go value, loading the script if needed.
// Absent globals read as nil.
func (p *Plugin) Global(name string) (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	L, err := p.ensure()
	if err != nil {
		return nil, err
	}
	return fromLuaValue(L.GetGlobal(name)), nil
}

// call invokes a declared global function, returning its single result or
// lua.LNil when the global is absent.
func (p *Plugin) call(name string, args ...lua.LValue) (lua.LValue, bool, error) {
	L, err := p.ensure()
	if err != nil {
		return lua.LNil, false, err
	}
	fn := L.GetGlobal(name)
	if fn == lua.LNil {
		return lua.LNil, false, nil
	}
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...); err != nil {
		return lua.LNil, true, fmt.Errorf("%w: lua %s for plugin %q: %v", smartroute.ErrValidation, name, p.Code(), err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	return ret, true, nil
}

// OnRegister runs the script's on_register(handler) global when declared.
// Script load failures surface here, failing registration early.
func (p *Plugin) OnRegister(r *smartroute.Router, e *smartroute.Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _, err := p.call("on_register", lua.LString(e.Name))
	return err
}

// WrapHandler bridges before(handler) and after(handler, ok). A before
// failure aborts the call; after runs regardless of handler outcome.
func (p *Plugin) WrapHandler(r *smartroute.Router, e *smartroute.Entry, next smartroute.HandlerFunc) smartroute.HandlerFunc {
	handler := e.Name
	return func(ctx context.Context, args ...any) (any, error) {
		p.mu.Lock()
		_, _, err := p.call("before", lua.LString(handler))
		p.mu.Unlock()
		if err != nil {
			return nil, err
		}
		res, callErr := next(ctx, args...)
		p.mu.Lock()
		_, _, afterErr := p.call("after", lua.LString(handler), lua.LBool(callErr == nil))
		p.mu.Unlock()
		if callErr == nil && afterErr != nil {
			return res, afterErr
		}
		return res, callErr
	}
}

// AllowEntry bridges allow(handler, filters): false excludes, true includes,
// nil or an absent global abstains.
func (p *Plugin) AllowEntry(r *smartroute.Router, e *smartroute.Entry, f smartroute.Filters) (smartroute.Vote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	L, err := p.ensure()
	if err != nil {
		return smartroute.VoteDefer, err
	}
	ret, called, err := p.call("allow", lua.LString(e.Name), filtersTable(L, f))
	if err != nil {
		return smartroute.VoteDefer, err
	}
	if !called || ret == lua.LNil {
		return smartroute.VoteDefer, nil
	}
	if lua.LVAsBool(ret) {
		return smartroute.VoteInclude, nil
	}
	return smartroute.VoteExclude, nil
}

// EntryMetadata bridges metadata(handler), converting a returned table into
// the introspection contribution.
func (p *Plugin) EntryMetadata(r *smartroute.Router, e *smartroute.Entry) (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ret, called, err := p.call("metadata", lua.LString(e.Name))
	if err != nil {
		return nil, err
	}
	if !called {
		return nil, nil
	}
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return nil, nil
	}
	return tableToMap(tbl), nil
}

func filtersTable(L *lua.LState, f smartroute.Filters) *lua.LTable {
	tbl := L.NewTable()
	for key, value := range f {
		tbl.RawSetString(key, toLuaValue(L, value))
	}
	return tbl
}

func toLuaValue(L *lua.LState, value any) lua.LValue {
	switch v := value.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(v)
	case string:
		return lua.LString(v)
	case int:
		return lua.LNumber(v)
	case int64:
		return lua.LNumber(v)
	case float64:
		return lua.LNumber(v)
	case []string:
		tbl := L.NewTable()
		for _, s := range v {
			tbl.Append(lua.LString(s))
		}
		return tbl
	case []any:
		tbl := L.NewTable()
		for _, item := range v {
			tbl.Append(toLuaValue(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for key, item := range v {
			tbl.RawSetString(key, toLuaValue(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprint(v))
	}
}

func tableToMap(tbl *lua.LTable) map[string]any {
	out := map[string]any{}
	tbl.ForEach(func(key, value lua.LValue) {
		out[lua.LVAsString(key)] = fromLuaValue(value)
	})
	return out
}

func fromLuaValue(value lua.LValue) any {
	switch v := value.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LString:
		return string(v)
	case lua.LNumber:
		f := float64(v)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case *lua.LTable:
		return tableToMap(v)
	default:
		return lua.LVAsString(value)
	}
}
