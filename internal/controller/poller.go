package controller

import (
	"context"
	"time"
)

// pollTask is the refresh cycle of one read-only field. Each task owns its
// cancel func so a single field can be stopped without touching the others.
type pollTask struct {
	field  FieldDescriptor
	cancel context.CancelFunc
	done   chan struct{}
}

func (c *Controller) startPolling() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for _, f := range c.fields {
		if f.Read == nil {
			continue
		}
		ctx, cancel := context.WithCancel(c.ctx)
		task := &pollTask{field: f, cancel: cancel, done: make(chan struct{})}
		c.tasks[f.Name] = task
		go c.pollLoop(ctx, task)
	}
}

// stopPolling cancels every task and waits until none can issue a request.
func (c *Controller) stopPolling() {
	c.mu.Lock()
	tasks := make([]*pollTask, 0, len(c.tasks))
	for _, task := range c.tasks {
		tasks = append(tasks, task)
	}
	c.tasks = make(map[string]*pollTask)
	c.mu.Unlock()

	for _, task := range tasks {
		task.cancel()
	}
	for _, task := range tasks {
		<-task.done
	}
}

func (c *Controller) pollLoop(ctx context.Context, task *pollTask) {
	defer close(task.done)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if ctx.Err() != nil {
			return
		}
		c.pollOnce(ctx, task.field)
		timer.Reset(task.field.Read.Period)
	}
}

// pollOnce runs one query/decode/publish iteration. Failures leave the cached
// value untouched and are returned after being logged and reported. Nothing is
// published once ctx is done.
func (c *Controller) pollOnce(ctx context.Context, f FieldDescriptor) error {
	start := time.Now()
	resp, err := c.transport.SendQuery(ctx, f.Read.Query(), f.Read.ResponseLen)
	c.metrics.ObserveTransport("query", time.Since(start))

	var value any
	if err == nil {
		value, err = f.Read.Decode(resp)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	c.metrics.PollResult(f.Name, err)

	now := c.now()
	if err != nil {
		c.logger.Warn("poll failed", "field", f.Name, "err", err)
		c.attrs.setError(f.Name, err, now)
		c.events.Emit(Event{Type: EventPollError, Field: f.Name, Group: f.Group, Error: err.Error(), Time: now})
		return err
	}

	changed := c.attrs.set(f.Name, value, now)
	c.metrics.FieldUpdated(f.Name, now)
	if changed {
		c.logger.Debug("field updated", "field", f.Name, "value", value)
		c.events.Emit(Event{Type: EventFieldUpdate, Field: f.Name, Group: f.Group, Value: value, Time: now})
	}
	c.observeIdentity(f, value, now)
	return nil
}

// Refresh polls one read-only field immediately, outside its schedule.
func (c *Controller) Refresh(ctx context.Context, name string) error {
	f, err := c.lookup(name)
	if err != nil {
		return err
	}
	if f.Read == nil {
		return errorf(ErrNotReadable, name)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.inFlight.Add(1)
	c.mu.Unlock()
	defer c.inFlight.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()
	return c.pollOnce(ctx, f)
}

// StopField cancels the refresh cycle of one field. Its cached value stays.
func (c *Controller) StopField(name string) bool {
	c.mu.Lock()
	task, ok := c.tasks[name]
	delete(c.tasks, name)
	c.mu.Unlock()
	if !ok {
		return false
	}
	task.cancel()
	<-task.done
	c.logger.Info("polling stopped", "field", name)
	return true
}
