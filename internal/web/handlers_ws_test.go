package web

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"mff-controller/internal/controller"
)

func newTestHub(t *testing.T) *WSHub {
	t.Helper()
	hub := NewWSHub(testLogger())
	go hub.Run()
	t.Cleanup(hub.Stop)
	return hub
}

func newTestClient(t *testing.T, hub *WSHub, queue int) *wsClient {
	t.Helper()
	c := &wsClient{send: make(chan []byte, queue)}
	if !hub.join(c) {
		t.Fatal("hub refused client")
	}
	return c
}

// receive waits for the next message queued for c.
func receive(t *testing.T, c *wsClient) (controller.Event, bool) {
	t.Helper()
	select {
	case data, ok := <-c.send:
		if !ok {
			return controller.Event{}, false
		}
		var ev controller.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatal(err)
		}
		return ev, true
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}
	return controller.Event{}, false
}

func assertIdle(t *testing.T, c *wsClient) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Errorf("unexpected message %s", data)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestWSHubJoinLeave(t *testing.T) {
	hub := newTestHub(t)
	c := newTestClient(t, hub, 4)

	waitFor(t, "join", func() bool { return hub.clientCount() == 1 })
	hub.leave(c)
	waitFor(t, "leave", func() bool { return hub.clientCount() == 0 })
	if _, ok := <-c.send; ok {
		t.Error("send channel still open after leave")
	}

	// A second leave of the same client is ignored.
	hub.leave(c)
}

func TestWSHubPublishReachesAllClients(t *testing.T) {
	hub := newTestHub(t)
	c1 := newTestClient(t, hub, 4)
	c2 := newTestClient(t, hub, 4)

	hub.Publish(controller.Event{Type: controller.EventIdentify})

	for _, c := range []*wsClient{c1, c2} {
		ev, ok := receive(t, c)
		if !ok || ev.Type != controller.EventIdentify {
			t.Errorf("got %+v, %v", ev, ok)
		}
	}
}

func TestWSHubFilterPerClient(t *testing.T) {
	hub := newTestHub(t)
	all := newTestClient(t, hub, 8)
	position := newTestClient(t, hub, 8)
	writes := newTestClient(t, hub, 8)

	hub.setFilter(position, controller.Filter{Field: controller.FieldReadbackPosition})
	hub.setFilter(writes, controller.Filter{Type: controller.EventFieldWrite})
	waitFor(t, "filters", func() bool {
		f, _ := hub.filterOf(writes)
		return f.Type == controller.EventFieldWrite
	})

	hub.Publish(controller.Event{Type: controller.EventFieldUpdate, Field: controller.FieldModel, Value: "MFF101  "})
	hub.Publish(controller.Event{Type: controller.EventFieldUpdate, Field: controller.FieldReadbackPosition, Value: true})
	hub.Publish(controller.Event{Type: controller.EventFieldWrite, Field: controller.FieldDesiredPosition, Value: true})

	for range 3 {
		if _, ok := receive(t, all); !ok {
			t.Fatal("unfiltered client closed")
		}
	}
	if ev, _ := receive(t, position); ev.Field != controller.FieldReadbackPosition {
		t.Errorf("position client got %+v", ev)
	}
	if ev, _ := receive(t, writes); ev.Type != controller.EventFieldWrite {
		t.Errorf("write client got %+v", ev)
	}
	assertIdle(t, position)
	assertIdle(t, writes)
}

func TestWSHubDropsLaggingClient(t *testing.T) {
	hub := newTestHub(t)
	lagging := newTestClient(t, hub, 1)
	keeping := newTestClient(t, hub, 16)

	hub.Publish(controller.Event{Type: controller.EventIdentify})
	hub.Publish(controller.Event{Type: controller.EventIdentify})
	waitFor(t, "lagging client dropped", func() bool {
		_, ok := hub.filterOf(lagging)
		return !ok
	})
	if _, ok := hub.filterOf(keeping); !ok {
		t.Error("client with room was dropped")
	}
}

func TestWSHubPublishNeverBlocks(t *testing.T) {
	hub := NewWSHub(testLogger()) // not running, so the queue only fills

	done := make(chan struct{})
	go func() {
		for range wsEventQueue + 10 {
			hub.Publish(controller.Event{Type: controller.EventIdentify})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full queue")
	}
}

func TestWSHubStop(t *testing.T) {
	hub := NewWSHub(testLogger())
	go hub.Run()
	c := &wsClient{send: make(chan []byte, 4)}
	if !hub.join(c) {
		t.Fatal("join failed")
	}

	hub.Stop()
	hub.Stop()
	waitFor(t, "clients closed", func() bool { return hub.clientCount() == 0 })
	if _, ok := <-c.send; ok {
		t.Error("send channel open after Stop")
	}
	if hub.join(&wsClient{send: make(chan []byte, 1)}) {
		t.Error("join accepted after Stop")
	}
	if hub.setFilter(c, controller.Filter{}) {
		t.Error("setFilter accepted after Stop")
	}
}

type wsMessage struct {
	Type   string          `json:"type"`
	Field  string          `json:"field"`
	Value  json.RawMessage `json:"value"`
	Fields []FieldView     `json:"fields"`
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Error  string          `json:"error"`
}

func dialWS(t *testing.T, env *testEnv) (*websocket.Conn, context.Context) {
	t.Helper()
	ts := httptest.NewServer(env.srv)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn, ctx
}

func readWS(t *testing.T, ctx context.Context, conn *websocket.Conn, match func(wsMessage) bool) wsMessage {
	t.Helper()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatal(err)
		}
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatal(err)
		}
		if match(msg) {
			return msg
		}
	}
}

func TestWSSnapshotAndCommands(t *testing.T) {
	env := setupTestServer(t)
	conn, ctx := dialWS(t, env)

	snap := readWS(t, ctx, conn, func(m wsMessage) bool { return true })
	if snap.Type != "snapshot" || len(snap.Fields) != 5 {
		t.Fatalf("first message = %+v", snap)
	}

	send := func(v any) {
		data, _ := json.Marshal(v)
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			t.Fatal(err)
		}
	}

	// The readback change reaches the client as a broadcast event, possibly
	// ahead of the command result.
	var sawReadback bool
	isReadback := func(m wsMessage) bool {
		return m.Type == "field_update" && m.Field == "readback_position" && string(m.Value) == "true"
	}

	send(map[string]any{"id": "1", "action": "set_position", "position": true})
	res := readWS(t, ctx, conn, func(m wsMessage) bool {
		sawReadback = sawReadback || isReadback(m)
		return m.Type == "result"
	})
	if !res.OK || res.ID != "1" {
		t.Fatalf("set_position result = %+v", res)
	}
	if !env.sim.Position() {
		t.Error("mount did not move")
	}
	if !sawReadback {
		readWS(t, ctx, conn, isReadback)
	}

	send(map[string]any{"id": "2", "action": "write", "field": "model", "value": "x"})
	res = readWS(t, ctx, conn, func(m wsMessage) bool { return m.Type == "result" })
	if res.OK || !strings.Contains(res.Error, "not writable") {
		t.Errorf("write result = %+v", res)
	}

	send(map[string]any{"id": "3", "action": "dance"})
	res = readWS(t, ctx, conn, func(m wsMessage) bool { return m.Type == "result" })
	if res.OK || res.ID != "3" {
		t.Errorf("unknown action result = %+v", res)
	}

	send(map[string]any{"action": "identify"})
	res = readWS(t, ctx, conn, func(m wsMessage) bool { return m.Type == "result" })
	if !res.OK || env.sim.Identifies() != 1 {
		t.Errorf("identify result = %+v identifies = %d", res, env.sim.Identifies())
	}
}

func TestWSSubscribeNarrowsEvents(t *testing.T) {
	env := setupTestServer(t)
	conn, ctx := dialWS(t, env)
	readWS(t, ctx, conn, func(m wsMessage) bool { return m.Type == "snapshot" })

	send := func(v any) wsMessage {
		data, _ := json.Marshal(v)
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			t.Fatal(err)
		}
		return readWS(t, ctx, conn, func(m wsMessage) bool { return m.Type == "result" })
	}

	if res := send(map[string]any{"id": "s0", "action": "subscribe", "field": "nope"}); res.OK || !strings.Contains(res.Error, "unknown field") {
		t.Fatalf("subscribe to unknown field = %+v", res)
	}
	if res := send(map[string]any{"id": "s1", "action": "subscribe", "event": "identify"}); !res.OK {
		t.Fatalf("subscribe = %+v", res)
	}

	// The readback change is filtered out; the identify event comes through.
	env.sim.Flip(true)
	waitFor(t, "readback", func() bool {
		v, ok := env.ctrl.Get(controller.FieldReadbackPosition)
		return ok && v.Value == true
	})
	if res := send(map[string]any{"id": "s2", "action": "identify"}); !res.OK {
		t.Fatalf("identify = %+v", res)
	}
	msg := readWS(t, ctx, conn, func(m wsMessage) bool { return m.Type != "result" })
	if msg.Type != "identify" {
		t.Errorf("first event after subscribe = %+v, want identify", msg)
	}
}
