//go:build !no_automation

package automation

import (
	"context"
	"fmt"
	"time"

	lua "github.com/yuin/gopher-lua"
)

const maxHandlersPerScript = 100

// registerMFFModule installs the `mff` global table.
func registerMFFModule(L *lua.LState, vm *scriptVM, e *Engine) {
	fns := map[string]lua.LGFunction{
		"on":           func(L *lua.LState) int { return mffOn(L, vm) },
		"set_position": func(L *lua.LState) int { return mffSetPosition(L, vm, e) },
		"identify":     func(L *lua.LState) int { return mffIdentify(L, vm, e) },
		"write":        func(L *lua.LState) int { return mffWrite(L, vm, e) },
		"get":          func(L *lua.LState) int { return mffGet(L, e) },
		"refresh":      func(L *lua.LState) int { return mffRefresh(L, vm, e) },
		"fields":       func(L *lua.LState) int { return mffFields(L, e) },
		"device":       func(L *lua.LState) int { return mffDevice(L, e) },
		"after":        func(L *lua.LState) int { return mffAfter(L, vm, e) },
		"time_between": func(L *lua.LState) int { return mffTimeBetween(L, e) },
		"log": func(L *lua.LState) int {
			vm.logf(L.CheckString(1))
			return 0
		},
	}
	L.SetGlobal("mff", L.SetFuncs(L.NewTable(), fns))
}

// mff.on(type, [filter], fn)
func mffOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	var h luaEventHandler
	var field string
	if fn, ok := L.Get(2).(*lua.LFunction); ok {
		h.fn = fn
	} else {
		if filter := L.OptTable(2, nil); filter != nil {
			if v := filter.RawGetString("field"); v != lua.LNil {
				field = v.String()
			}
		}
		h.fn = L.CheckFunction(3)
	}
	h.filter = luaFilter(eventType, field)

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// pushResult returns true, or nil and the error message, in the usual Lua style.
func pushResult(L *lua.LState, err error) int {
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

func callContext(vm *scriptVM) (context.Context, context.CancelFunc) {
	return context.WithTimeout(vm.ctx, callTimeout)
}

// mff.set_position(bool)
func mffSetPosition(L *lua.LState, vm *scriptVM, e *Engine) int {
	desired := L.CheckBool(1)
	ctx, cancel := callContext(vm)
	defer cancel()
	err := e.ctrl.SetPosition(ctx, desired)
	if err != nil {
		e.logger.Warn("script set_position failed", "desired", desired, "err", err)
	}
	return pushResult(L, err)
}

// mff.identify()
func mffIdentify(L *lua.LState, vm *scriptVM, e *Engine) int {
	ctx, cancel := callContext(vm)
	defer cancel()
	err := e.ctrl.Identify(ctx)
	if err != nil {
		e.logger.Warn("script identify failed", "err", err)
	}
	return pushResult(L, err)
}

// mff.write(field, value)
func mffWrite(L *lua.LState, vm *scriptVM, e *Engine) int {
	name := L.CheckString(1)
	value := luaToGo(L.CheckAny(2))
	ctx, cancel := callContext(vm)
	defer cancel()
	err := e.ctrl.Write(ctx, name, value)
	if err != nil {
		e.logger.Warn("script write failed", "field", name, "err", err)
	}
	return pushResult(L, err)
}

// mff.get(field) returns the cached value, or nil before the first good read.
func mffGet(L *lua.LState, e *Engine) int {
	v, ok := e.ctrl.Get(L.CheckString(1))
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(goToLua(L, v.Value))
	return 1
}

// mff.refresh(field) reads a field now and returns its value.
func mffRefresh(L *lua.LState, vm *scriptVM, e *Engine) int {
	name := L.CheckString(1)
	ctx, cancel := callContext(vm)
	defer cancel()
	if err := e.ctrl.Refresh(ctx, name); err != nil {
		return pushResult(L, err)
	}
	return mffGet(L, e)
}

// mff.fields() returns the field names in declaration order.
func mffFields(L *lua.LState, e *Engine) int {
	t := L.NewTable()
	for i, f := range e.ctrl.Fields() {
		t.RawSetInt(i+1, lua.LString(f.Name))
	}
	L.Push(t)
	return 1
}

// mff.device() returns the identity of the connected flip mount.
func mffDevice(L *lua.LState, e *Engine) int {
	dev := e.ctrl.DeviceInfo()
	t := L.NewTable()
	t.RawSetString("serial_no", lua.LString(dev.SerialNo))
	t.RawSetString("model", lua.LString(dev.Model))
	t.RawSetString("firmware_version", lua.LString(dev.FirmwareVersion))
	t.RawSetString("name", lua.LString(dev.Name()))
	L.Push(t)
	return 1
}

// mff.after(seconds, fn) runs fn on the script's VM once the delay expires.
func mffAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	delay := time.Duration(float64(L.CheckNumber(1)) * float64(time.Second))
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}
		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: script queue full")
		}
	}()
	return 0
}

// mff.time_between("22:00", "06:30") reports whether the local time falls
// in the window. Windows may wrap midnight.
func mffTimeBetween(L *lua.LState, e *Engine) int {
	from, err := parseClock(L.CheckString(1))
	if err != nil {
		L.ArgError(1, err.Error())
		return 0
	}
	to, err := parseClock(L.CheckString(2))
	if err != nil {
		L.ArgError(2, err.Error())
		return 0
	}
	now := e.now()
	L.Push(lua.LBool(inWindow(now.Hour()*60+now.Minute(), from, to)))
	return 1
}

// parseClock converts "HH:MM" to minutes since midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func inWindow(now, from, to int) bool {
	if from <= to {
		return now >= from && now < to
	}
	return now >= from || now < to
}
