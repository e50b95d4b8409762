//go:build !no_automation

package automation

import (
	"context"
	"strings"
	"testing"
	"time"

	"mff-controller/internal/controller"
	"mff-controller/internal/transport"

	lua "github.com/yuin/gopher-lua"
)

func newTestEngine(t *testing.T, sim *transport.Simulator) (*Engine, *controller.Controller, *Manager) {
	t.Helper()
	ctrl, err := controller.New(sim, controller.DefaultFields(10*time.Millisecond, 50*time.Millisecond), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ctrl.Close() })

	m := newTestManager(t)
	e := NewEngine(ctrl, m, testLogger())
	t.Cleanup(e.Stop)
	return e, ctrl, m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGoToLua(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tests := []struct {
		name string
		val  any
		want lua.LValue
	}{
		{"nil", nil, lua.LNil},
		{"true", true, lua.LTrue},
		{"false", false, lua.LFalse},
		{"string", "MFF101  ", lua.LString("MFF101  ")},
		{"int64", int64(37004242), lua.LNumber(37004242)},
		{"int", 7, lua.LNumber(7)},
		{"uint32", uint32(9), lua.LNumber(9)},
		{"float64", 0.5, lua.LNumber(0.5)},
		{"unknown", struct{}{}, lua.LString("{}")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := goToLua(L, tt.val); got != tt.want {
				t.Errorf("goToLua(%v) = %v, want %v", tt.val, got, tt.want)
			}
		})
	}

	tbl, ok := goToLua(L, map[string]any{"ok": true, "list": []string{"a", "b"}}).(*lua.LTable)
	if !ok {
		t.Fatal("map did not become a table")
	}
	if tbl.RawGetString("ok") != lua.LTrue {
		t.Error("map[ok] != true")
	}
	list, ok := tbl.RawGetString("list").(*lua.LTable)
	if !ok || list.Len() != 2 || list.RawGetInt(2) != lua.LString("b") {
		t.Errorf("list = %v", tbl.RawGetString("list"))
	}
}

func TestLuaToGo(t *testing.T) {
	tests := []struct {
		in   lua.LValue
		want any
	}{
		{lua.LTrue, true},
		{lua.LNumber(3), int64(3)},
		{lua.LNumber(2.5), 2.5},
		{lua.LString("on"), "on"},
		{lua.LNil, nil},
	}
	for _, tt := range tests {
		if got := luaToGo(tt.in); got != tt.want {
			t.Errorf("luaToGo(%v) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}

func TestLuaFilter(t *testing.T) {
	update := controller.Event{Type: controller.EventFieldUpdate, Field: controller.FieldReadbackPosition}
	tests := []struct {
		name      string
		eventType string
		field     string
		event     controller.Event
		want      bool
	}{
		{"exact", "field_update", "readback_position", update, true},
		{"any field", "field_update", "", update, true},
		{"wrong type", "poll_error", "", update, false},
		{"wrong field", "field_update", "model", update, false},
		{"wildcard", "*", "", controller.Event{Type: controller.EventIdentify}, true},
		{"wildcard with field", "*", "model", update, false},
		{"wildcard matches field", "*", "readback_position", update, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := luaFilter(tt.eventType, tt.field).Match(tt.event); got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInWindow(t *testing.T) {
	clock := func(s string) int {
		m, err := parseClock(s)
		if err != nil {
			t.Fatal(err)
		}
		return m
	}
	tests := []struct {
		now, from, to string
		want          bool
	}{
		{"12:00", "08:00", "18:00", true},
		{"18:00", "08:00", "18:00", false},
		{"07:59", "08:00", "18:00", false},
		{"23:30", "22:00", "06:00", true},
		{"05:59", "22:00", "06:00", true},
		{"12:00", "22:00", "06:00", false},
	}
	for _, tt := range tests {
		if got := inWindow(clock(tt.now), clock(tt.from), clock(tt.to)); got != tt.want {
			t.Errorf("inWindow(%s, %s-%s) = %v, want %v", tt.now, tt.from, tt.to, got, tt.want)
		}
	}
	if _, err := parseClock("25:00"); err == nil {
		t.Error("parseClock accepted 25:00")
	}
}

func TestRunLuaCodeLogsAndErrors(t *testing.T) {
	e, _, _ := newTestEngine(t, transport.NewSimulator(transport.SimConfig{}))

	r := e.RunLuaCode(`mff.log("one") mff.log("two")`)
	if !r.OK || strings.Join(r.Logs, ",") != "one,two" {
		t.Errorf("result = %+v", r)
	}

	r = e.RunLuaCode(`mff.log("before") error("boom")`)
	if r.OK || !strings.Contains(r.Error, "boom") || len(r.Logs) != 1 {
		t.Errorf("error result = %+v", r)
	}

	r = e.RunLuaCode(`os.exit(1)`)
	if r.OK {
		t.Error("sandbox exposed os")
	}

	r = e.RunLuaCode(`local ok, err = mff.write("nope", 1) mff.log(tostring(ok) .. " " .. err)`)
	if !r.OK || len(r.Logs) != 1 || !strings.HasPrefix(r.Logs[0], "nil unknown field") {
		t.Errorf("write result = %+v", r)
	}
}

func TestRunLuaCodeTimeout(t *testing.T) {
	e, _, _ := newTestEngine(t, transport.NewSimulator(transport.SimConfig{}))
	e.runTimeout = 50 * time.Millisecond

	r := e.RunLuaCode(`while true do end`)
	if r.OK || !strings.HasPrefix(r.Error, "timeout") {
		t.Errorf("result = %+v", r)
	}
}

func TestRunLuaCodeInvokesHandlers(t *testing.T) {
	sim := transport.NewSimulator(transport.SimConfig{SerialNo: 42})
	e, ctrl, _ := newTestEngine(t, sim)
	waitFor(t, "readback", func() bool {
		_, ok := ctrl.Get(controller.FieldReadbackPosition)
		return ok
	})

	r := e.RunLuaCode(`
mff.on("field_update", {field = "readback_position"}, function(ev)
  mff.log(ev.field .. "=" .. tostring(ev.value))
  mff.set_position(not ev.value)
end)
`)
	if !r.OK {
		t.Fatalf("result = %+v", r)
	}
	if len(r.Logs) != 1 || r.Logs[0] != "readback_position=false" {
		t.Errorf("logs = %v", r.Logs)
	}
	if !sim.Position() {
		t.Error("handler did not move the mount")
	}
}

func TestRunLuaCodeReadsDevice(t *testing.T) {
	sim := transport.NewSimulator(transport.SimConfig{SerialNo: 42, Model: "MFF102"})
	e, ctrl, _ := newTestEngine(t, sim)
	waitFor(t, "identity", func() bool { return ctrl.DeviceInfo().SerialNo != "" && ctrl.DeviceInfo().Model != "" })

	r := e.RunLuaCode(`
local d = mff.device()
mff.log(d.serial_no .. "|" .. d.model .. "|" .. d.name)
mff.log(tostring(mff.get("serial_no")))
mff.log(tostring(mff.get("desired_position")))
mff.log(#mff.fields())
`)
	if !r.OK {
		t.Fatalf("result = %+v", r)
	}
	want := []string{"42|MFF102  |42", "42", "nil", "5"}
	if strings.Join(r.Logs, ",") != strings.Join(want, ",") {
		t.Errorf("logs = %q, want %q", r.Logs, want)
	}
}

func TestScriptReactsToEvents(t *testing.T) {
	sim := transport.NewSimulator(transport.SimConfig{})
	e, ctrl, m := newTestEngine(t, sim)

	if _, err := m.Save(&Script{
		ID:   "blink_on_open",
		Meta: ScriptMeta{Name: "Blink on open", Enabled: true},
		LuaCode: `
mff.on("field_update", {field = "readback_position"}, function(ev)
  if ev.value == true then mff.identify() end
end)
`,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Save(&Script{ID: "idle", Meta: ScriptMeta{Name: "Idle"}, LuaCode: `mff.identify()`}); err != nil {
		t.Fatal(err)
	}

	e.Start()
	if !e.Running("blink_on_open") || e.Running("idle") {
		t.Fatalf("running: blink_on_open=%v idle=%v", e.Running("blink_on_open"), e.Running("idle"))
	}

	waitFor(t, "first readback", func() bool {
		_, ok := ctrl.Get(controller.FieldReadbackPosition)
		return ok
	})
	sim.Flip(true)
	waitFor(t, "identify from script", func() bool { return sim.Identifies() >= 1 })
}

func TestScriptAfter(t *testing.T) {
	sim := transport.NewSimulator(transport.SimConfig{})
	e, _, m := newTestEngine(t, sim)

	if _, err := m.Save(&Script{
		ID:      "later",
		Meta:    ScriptMeta{Name: "Later", Enabled: true},
		LuaCode: `mff.after(0.02, function() mff.set_position(true) end)`,
	}); err != nil {
		t.Fatal(err)
	}
	e.Start()
	waitFor(t, "delayed set_position", sim.Position)
}

func TestReloadScript(t *testing.T) {
	e, _, m := newTestEngine(t, transport.NewSimulator(transport.SimConfig{}))

	s, err := m.Save(&Script{ID: "toggle", Meta: ScriptMeta{Name: "Toggle", Enabled: true}, LuaCode: `x = 1`})
	if err != nil {
		t.Fatal(err)
	}
	e.Start()
	if !e.Running("toggle") {
		t.Fatal("enabled script not running")
	}

	s.Meta.Enabled = false
	if _, err := m.Save(s); err != nil {
		t.Fatal(err)
	}
	if err := e.ReloadScript("toggle"); err != nil {
		t.Fatal(err)
	}
	if e.Running("toggle") {
		t.Error("disabled script still running")
	}

	s.Meta.Enabled = true
	s.LuaCode = `error("bad start")`
	if _, err := m.Save(s); err != nil {
		t.Fatal(err)
	}
	if err := e.ReloadScript("toggle"); err == nil {
		t.Error("expected start error")
	}
	if e.Running("toggle") {
		t.Error("failed script registered as running")
	}

	if err := e.ReloadScript("missing"); err == nil {
		t.Error("expected error for missing script")
	}
}
