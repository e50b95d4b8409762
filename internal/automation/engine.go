//go:build !no_automation

package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"mff-controller/internal/controller"

	lua "github.com/yuin/gopher-lua"
)

const (
	defaultRunTimeout = 5 * time.Second
	callTimeout       = 5 * time.Second
	queueSize         = 64
)

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// luaEventHandler is a callback registered with mff.on.
type luaEventHandler struct {
	filter controller.Filter
	fn     *lua.LFunction
}

// luaFilter builds the bus filter for mff.on. The "*" type matches every
// event type.
func luaFilter(eventType, field string) controller.Filter {
	if eventType == "*" {
		eventType = ""
	}
	return controller.Filter{Type: eventType, Field: field}
}

// scriptVM is one Lua state. All access to state goes through commands.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState)
	ctx      context.Context
	cancel   context.CancelFunc
	logf     func(string)

	mu       sync.Mutex // protects handlers
	handlers []luaEventHandler
}

func (vm *scriptVM) snapshotHandlers() []luaEventHandler {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return append([]luaEventHandler(nil), vm.handlers...)
}

// Engine runs enabled scripts and feeds them controller events.
type Engine struct {
	ctrl    *controller.Controller
	manager *Manager
	logger  *slog.Logger
	now     func() time.Time

	runTimeout time.Duration

	mu    sync.Mutex
	vms   map[string]*scriptVM
	unsub func()
}

// NewEngine creates an automation engine for ctrl.
func NewEngine(ctrl *controller.Controller, mgr *Manager, logger *slog.Logger) *Engine {
	return &Engine{
		ctrl:    ctrl,
		manager: mgr,
		logger:  logger.With("component", "automation"),
		now:     time.Now,

		runTimeout: defaultRunTimeout,
		vms:        make(map[string]*scriptVM),
	}
}

// Start subscribes to controller events and starts every enabled script.
func (e *Engine) Start() {
	e.unsub = e.ctrl.Events().OnAll(e.dispatchEvent)

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}

	e.mu.Lock()
	n := len(e.vms)
	e.mu.Unlock()
	e.logger.Info("automation engine started", "scripts", n)
}

// Stop cancels every VM and unsubscribes from the event bus.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}
	e.mu.Lock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.mu.Unlock()
	e.logger.Info("automation engine stopped")
}

// ReloadScript replaces the running VM of a script with a fresh one. A
// disabled script is only stopped.
func (e *Engine) ReloadScript(id string) error {
	e.stopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return err
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

// StopScript stops a running script.
func (e *Engine) StopScript(id string) {
	e.stopScript(id)
}

// Running reports whether a script has a live VM.
func (e *Engine) Running(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.vms[id]
	return ok
}

// RunScript executes a stored script once in a throwaway VM.
func (e *Engine) RunScript(id string) *RunResult {
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{Error: err.Error(), Duration: "0s"}
	}
	return e.RunLuaCode(s.LuaCode)
}

// RunLuaCode executes code in a throwaway sandboxed VM limited to five
// seconds by default. Handlers the code registers are invoked once with a synthetic
// event built from the current field values. mff.log output is captured.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), e.runTimeout)
	defer cancel()

	var (
		logMu sync.Mutex
		logs  = []string{}
	)
	vm := e.newVM(ctx, cancel, func(msg string) {
		logMu.Lock()
		logs = append(logs, msg)
		logMu.Unlock()
		e.logger.Info("script run log", "msg", msg)
	})
	defer vm.state.Close()

	result := func(err error) *RunResult {
		logMu.Lock()
		defer logMu.Unlock()
		r := &RunResult{OK: err == nil, Logs: append([]string(nil), logs...), Duration: time.Since(start).String()}
		if err != nil {
			r.Error = e.luaError(err)
		}
		return r
	}

	if err := vm.state.DoString(code); err != nil {
		e.logger.Warn("run: script error", "err", err)
		return result(err)
	}

	for _, h := range vm.snapshotHandlers() {
		ev := e.syntheticEvent(h)
		if err := vm.state.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, eventTable(vm.state, ev)); err != nil {
			e.logger.Warn("run: handler error", "type", h.filter.Type, "field", h.filter.Field, "err", err)
			return result(err)
		}
	}
	return result(nil)
}

// syntheticEvent fakes the event a handler waits for, using the cached
// value of its field when there is one.
func (e *Engine) syntheticEvent(h luaEventHandler) controller.Event {
	ev := controller.Event{Type: h.filter.Type, Field: h.filter.Field, Value: true, Time: e.now()}
	if ev.Type == "" {
		ev.Type = controller.EventFieldUpdate
	}
	if ev.Field != "" {
		if v, ok := e.ctrl.Get(ev.Field); ok {
			ev.Value = v.Value
		}
		if f, ok := e.ctrl.Field(ev.Field); ok {
			ev.Group = f.Group
		}
	}
	return ev
}

func (e *Engine) luaError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), context.DeadlineExceeded.Error()) {
		return fmt.Sprintf("timeout (%s)", e.runTimeout)
	}
	return err.Error()
}

// newVM creates a sandboxed state with the mff module installed.
func (e *Engine) newVM(ctx context.Context, cancel context.CancelFunc, logf func(string)) *scriptVM {
	L := lua.NewState()
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	L.SetContext(ctx)

	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), queueSize),
		ctx:      ctx,
		cancel:   cancel,
		logf:     logf,
	}
	registerMFFModule(L, vm, e)
	return vm
}

func (e *Engine) stopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	logger := e.logger.With("script", s.ID)
	vm := e.newVM(ctx, cancel, func(msg string) { logger.Info("script log", "msg", msg) })

	if err := vm.state.DoString(s.LuaCode); err != nil {
		cancel()
		vm.state.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go func() {
		defer vm.state.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(vm.state)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name, "handlers", len(vm.snapshotHandlers()))
	return nil
}

// dispatchEvent queues every matching handler on its VM. It never blocks
// the publisher; events for a full queue are dropped.
func (e *Engine) dispatchEvent(event controller.Event) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		for _, h := range vm.snapshotHandlers() {
			if !h.filter.Match(event) {
				continue
			}
			if vm.ctx.Err() != nil {
				break
			}
			fn := h.fn
			select {
			case vm.commands <- func(L *lua.LState) { e.callHandler(L, fn, event) }:
			default:
				e.logger.Warn("script queue full, dropping event", "type", event.Type, "field", event.Field)
			}
		}
	}
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, event controller.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "err", r)
		}
	}()
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, eventTable(L, event)); err != nil {
		e.logger.Error("lua handler error", "type", event.Type, "field", event.Field, "err", err)
	}
}

func eventTable(L *lua.LState, event controller.Event) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("type", lua.LString(event.Type))
	if event.Field != "" {
		t.RawSetString("field", lua.LString(event.Field))
	}
	if event.Group != "" {
		t.RawSetString("group", lua.LString(event.Group))
	}
	t.RawSetString("value", goToLua(L, event.Value))
	if event.Error != "" {
		t.RawSetString("error", lua.LString(event.Error))
	}
	if !event.Time.IsZero() {
		t.RawSetString("time", lua.LNumber(float64(event.Time.UnixMilli())/1000))
	}
	return t
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
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
	case int32:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	case []string:
		t := L.NewTable()
		for i, s := range val {
			t.RawSetInt(i+1, lua.LString(s))
		}
		return t
	default:
		return lua.LString(fmt.Sprint(val))
	}
}

// luaToGo converts a scalar Lua value for Controller.Write.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		f := float64(val)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(val)
	default:
		return nil
	}
}
