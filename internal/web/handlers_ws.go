package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"mff-controller/internal/controller"
)

// WSHub fans controller events out to WebSocket clients. Every client has a
// controller.Filter; the zero filter receives everything. All client state is
// owned by the Run loop.
type WSHub struct {
	logger *slog.Logger

	mu      sync.RWMutex // guards clients for readers outside Run
	clients map[*wsClient]controller.Filter

	joins   chan *wsClient
	leaves  chan *wsClient
	filters chan wsFilterChange
	events  chan controller.Event

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

type wsFilterChange struct {
	client *wsClient
	filter controller.Filter
}

const (
	wsEventQueue  = 256
	wsClientQueue = 64
)

func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		logger:  logger,
		clients: make(map[*wsClient]controller.Filter),
		joins:   make(chan *wsClient),
		leaves:  make(chan *wsClient),
		filters: make(chan wsFilterChange),
		events:  make(chan controller.Event, wsEventQueue),
		done:    make(chan struct{}),
	}
}

// Run owns the client set until Stop. On exit every client's send channel is
// closed, which ends its write pump.
func (h *WSHub) Run() {
	defer h.dropAll()
	for {
		select {
		case <-h.done:
			return
		case c := <-h.joins:
			h.mu.Lock()
			h.clients[c] = controller.Filter{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client joined", "clients", n)
		case c := <-h.leaves:
			h.drop(c, "left")
		case fc := <-h.filters:
			h.mu.Lock()
			if _, ok := h.clients[fc.client]; ok {
				h.clients[fc.client] = fc.filter
			}
			h.mu.Unlock()
		case ev := <-h.events:
			h.deliver(ev)
		}
	}
}

// deliver encodes ev once and queues it for each interested client. A client
// whose queue is full is dropped rather than stalling the others.
func (h *WSHub) deliver(ev controller.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("ws encode event", "type", ev.Type, "err", err)
		return
	}
	var lagging []*wsClient
	h.mu.RLock()
	for c, f := range h.clients {
		if !f.Match(ev) {
			continue
		}
		select {
		case c.send <- data:
		default:
			lagging = append(lagging, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range lagging {
		h.drop(c, "lagging")
	}
}

func (h *WSHub) drop(c *wsClient, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.logger.Debug("ws client dropped", "reason", reason, "clients", n)
	}
}

func (h *WSHub) dropAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// Stop ends Run. It may be called more than once.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Publish queues an event for delivery without blocking the emitter. Events
// are dropped while the queue is full.
func (h *WSHub) Publish(ev controller.Event) {
	select {
	case h.events <- ev:
	default:
		h.logger.Warn("ws event queue full, dropping event", "type", ev.Type, "field", ev.Field)
	}
}

// join and setFilter hand requests to Run; they fail once the hub stopped.
func (h *WSHub) join(c *wsClient) bool {
	select {
	case h.joins <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *WSHub) leave(c *wsClient) {
	select {
	case h.leaves <- c:
	case <-h.done:
	}
}

func (h *WSHub) setFilter(c *wsClient, f controller.Filter) bool {
	select {
	case h.filters <- wsFilterChange{client: c, filter: f}:
		return true
	case <-h.done:
		return false
	}
}

func (h *WSHub) filterOf(c *wsClient) (controller.Filter, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	f, ok := h.clients[c]
	return f, ok
}

func (h *WSHub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

const wsWriteTimeout = 10 * time.Second

// wsSnapshot is the first message a client receives.
type wsSnapshot struct {
	Type   string      `json:"type"`
	Device any         `json:"device,omitempty"`
	Fields []FieldView `json:"fields"`
}

// wsRequest is a command sent by a client.
type wsRequest struct {
	ID       string `json:"id,omitempty"`
	Action   string `json:"action"` // set_position, identify, write, refresh, subscribe
	Position *bool  `json:"position,omitempty"`
	Field    string `json:"field,omitempty"`
	Value    any    `json:"value,omitempty"`
	Event    string `json:"event,omitempty"` // subscribe: event type, empty for all
}

type wsReply struct {
	Type  string `json:"type"` // "result"
	ID    string `json:"id,omitempty"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	// Without allowedOrigins nhooyr falls back to a same-origin check.

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, wsClientQueue),
	}

	snap := wsSnapshot{Type: "snapshot", Fields: s.fieldViews()}
	if dev := s.ctrl.DeviceInfo(); dev.SerialNo != "" {
		snap.Device = dev
	}
	if err := s.wsWriteJSON(client, snap); err != nil {
		conn.Close(websocket.StatusInternalError, "snapshot failed")
		return
	}

	if !s.wsHub.join(client) {
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWritePump(client)
	s.wsReadPump(client)
}

// wsWriteJSON writes directly to the connection. nhooyr allows concurrent
// writers, so replies do not go through the hub.
func (s *Server) wsWriteJSON(client *wsClient, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
	defer cancel()
	return client.conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) wsWritePump(client *wsClient) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	// Channel closed by hub; close connection.
	client.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) wsReadPump(client *wsClient) {
	defer s.wsHub.leave(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		typ, data, err := client.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		reply := s.handleWSRequest(ctx, client, data)
		if err := s.wsWriteJSON(client, reply); err != nil {
			return
		}
	}
}

func (s *Server) handleWSRequest(ctx context.Context, client *wsClient, data []byte) wsReply {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return wsReply{Type: "result", Error: "invalid message"}
	}
	reply := wsReply{Type: "result", ID: req.ID}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var err error
	switch req.Action {
	case "set_position":
		if req.Position == nil {
			reply.Error = "position is required"
			return reply
		}
		err = s.ctrl.SetPosition(ctx, *req.Position)
	case "identify":
		err = s.ctrl.Identify(ctx)
	case "write":
		err = s.ctrl.Write(ctx, req.Field, req.Value)
	case "refresh":
		err = s.ctrl.Refresh(ctx, req.Field)
	case "subscribe":
		if req.Field != "" {
			if _, ok := s.ctrl.Field(req.Field); !ok {
				err = fmt.Errorf("%w: %s", controller.ErrUnknownField, req.Field)
				break
			}
		}
		if !s.wsHub.setFilter(client, controller.Filter{Type: req.Event, Field: req.Field}) {
			reply.Error = "server shutting down"
			return reply
		}
	default:
		reply.Error = "unknown action " + req.Action
		return reply
	}
	if err != nil {
		reply.Error = err.Error()
		return reply
	}
	reply.OK = true
	return reply
}
