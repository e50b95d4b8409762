// Package controller keeps an in-memory mirror of one flip mount in sync with
// the device: a refresh cycle per read-only field, and fire-and-forget writes.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mff-controller/internal/metrics"
	"mff-controller/internal/store"
	"mff-controller/internal/transport"
)

var (
	ErrClosed         = errors.New("controller closed")
	ErrAlreadyStarted = errors.New("controller already started")
)

// Option configures a Controller.
type Option func(*Controller)

// WithMetrics records poll, write and transport metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithRegistry persists the device identity and session in st.
func WithRegistry(st store.Store) Option {
	return func(c *Controller) { c.store = st }
}

// WithPort names the driver and port for the registry and session records.
func WithPort(driver, port string) Option {
	return func(c *Controller) {
		c.driver = driver
		c.port = port
	}
}

// WithEventBus shares an existing event bus instead of creating one.
func WithEventBus(bus *EventBus) Option {
	return func(c *Controller) { c.events = bus }
}

// Controller owns the transport, the attribute store and the poll tasks.
type Controller struct {
	transport transport.Transport
	fields    []FieldDescriptor
	byName    map[string]FieldDescriptor
	attrs     *AttributeStore
	events    *EventBus
	metrics   *metrics.Metrics
	store     store.Store
	logger    *slog.Logger
	driver    string
	port      string
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	tasks    map[string]*pollTask
	inFlight sync.WaitGroup // Refresh calls
	started  bool
	closed   bool

	// writeMu orders a write's frame and its cached value together, so the
	// last requested value always matches the last frame sent.
	writeMu sync.Mutex

	devMu        sync.Mutex
	device       store.Device
	lastSeenSave time.Time
}

// New validates the field set and creates a controller. Nothing touches the
// device until Start.
func New(tr transport.Transport, fields []FieldDescriptor, logger *slog.Logger, opts ...Option) (*Controller, error) {
	byName := make(map[string]FieldDescriptor, len(fields))
	for _, f := range fields {
		if err := f.validate(); err != nil {
			return nil, err
		}
		if _, dup := byName[f.Name]; dup {
			return nil, fmt.Errorf("duplicate field %s", f.Name)
		}
		byName[f.Name] = f
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		transport: tr,
		fields:    append([]FieldDescriptor(nil), fields...),
		byName:    byName,
		attrs:     NewAttributeStore(),
		logger:    logger,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		tasks:     make(map[string]*pollTask),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.events == nil {
		c.events = NewEventBus(logger)
	}
	return c, nil
}

// Context returns the controller's context, which is cancelled on Close.
func (c *Controller) Context() context.Context {
	return c.ctx
}

// Start connects the transport and launches one refresh cycle per read-only
// field. The first poll of every field runs immediately.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.started:
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	if err := c.transport.Connect(ctx); err != nil {
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		return fmt.Errorf("connect: %w", err)
	}
	c.logger.Info("connected", "driver", c.driver, "port", c.port)
	c.saveSession(false)
	c.events.Emit(Event{Type: EventConnectionState, Value: "connected", Time: c.now()})

	c.startPolling()
	return nil
}

// Close stops every refresh cycle, waits for in-flight polls to finish, then
// closes the transport. It is safe to call more than once.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	c.mu.Unlock()

	c.cancel()
	c.stopPolling()
	c.inFlight.Wait()

	err := c.transport.Close()
	if err != nil {
		c.logger.Error("close transport", "err", err)
	}
	if started {
		c.saveSession(true)
		c.events.Emit(Event{Type: EventConnectionState, Value: "closed", Time: c.now()})
	}
	c.logger.Info("controller closed")
	return err
}

// Fields returns the registered descriptors in registration order.
func (c *Controller) Fields() []FieldDescriptor {
	return append([]FieldDescriptor(nil), c.fields...)
}

// Field returns one descriptor by name.
func (c *Controller) Field(name string) (FieldDescriptor, bool) {
	f, ok := c.byName[name]
	return f, ok
}

func (c *Controller) lookup(name string) (FieldDescriptor, error) {
	f, ok := c.byName[name]
	if !ok {
		return FieldDescriptor{}, errorf(ErrUnknownField, name)
	}
	return f, nil
}

// Get returns the cached value of a field.
func (c *Controller) Get(name string) (Value, bool) {
	return c.attrs.Get(name)
}

// Snapshot returns every cached value keyed by field name.
func (c *Controller) Snapshot() map[string]Value {
	return c.attrs.Snapshot()
}

// Events returns the event bus.
func (c *Controller) Events() *EventBus {
	return c.events
}

// Polling returns the names of fields with a running refresh cycle.
func (c *Controller) Polling() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.tasks))
	for _, f := range c.fields {
		if _, ok := c.tasks[f.Name]; ok {
			names = append(names, f.Name)
		}
	}
	return names
}
