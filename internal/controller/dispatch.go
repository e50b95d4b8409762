package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"mff-controller/internal/apt"
)

var (
	ErrUnknownField = errors.New("unknown field")
	ErrNotWritable  = errors.New("field is not writable")
	ErrNotReadable  = errors.New("field is not readable")
	ErrInvalidValue = errors.New("invalid value")
)

func errorf(sentinel error, name string) error {
	return fmt.Errorf("%w: %s", sentinel, name)
}

// Write dispatches a desired value to a write-only field. The command is not
// confirmed by a read. The cached value is advanced only when the transport
// accepted the frame.
func (c *Controller) Write(ctx context.Context, name string, value any) error {
	f, err := c.lookup(name)
	if err != nil {
		return err
	}
	if f.Write == nil {
		return errorf(ErrNotWritable, name)
	}
	v, err := coerce(f, value)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidValue, name, err)
	}
	frame, err := f.Write.Encode(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}

	c.writeMu.Lock()
	err = c.send(ctx, frame)
	now := c.now()
	if err == nil {
		c.attrs.set(name, v, now)
	}
	c.writeMu.Unlock()

	c.metrics.WriteResult(name, err)
	if err != nil {
		c.logger.Error("write failed", "field", name, "value", v, "err", err)
		return fmt.Errorf("write %s: %w", name, err)
	}
	c.metrics.FieldUpdated(name, now)
	c.logger.Info("field written", "field", name, "value", v)
	c.events.Emit(Event{Type: EventFieldWrite, Field: name, Group: f.Group, Value: v, Time: now})
	return nil
}

// SetPosition writes the desired position.
func (c *Controller) SetPosition(ctx context.Context, desired bool) error {
	return c.Write(ctx, FieldDesiredPosition, desired)
}

// Identify makes the device blink its LED.
func (c *Controller) Identify(ctx context.Context) error {
	err := c.send(ctx, apt.EncodeIdentify())
	c.metrics.IdentifyResult(err)
	if err != nil {
		c.logger.Error("identify failed", "err", err)
		return fmt.Errorf("identify: %w", err)
	}
	c.logger.Info("identify sent")
	c.events.Emit(Event{Type: EventIdentify, Time: c.now()})
	return nil
}

func (c *Controller) send(ctx context.Context, frame []byte) error {
	start := time.Now()
	err := c.transport.SendCommand(ctx, frame)
	c.metrics.ObserveTransport("command", time.Since(start))
	return err
}

// coerce converts loosely typed input (JSON, MQTT, Lua) to the field's type.
func coerce(f FieldDescriptor, value any) (any, error) {
	switch f.Type {
	case TypeBool:
		return coerceBool(f, value)
	case TypeString:
		if s, ok := value.(string); ok {
			return s, nil
		}
	case TypeInt:
		return coerceInt(value)
	}
	return nil, fmt.Errorf("want %s, got %T", f.Type, value)
}

func coerceBool(f FieldDescriptor, value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		s := strings.TrimSpace(v)
		switch {
		case f.TrueLabel != "" && strings.EqualFold(s, f.TrueLabel):
			return true, nil
		case f.FalseLabel != "" && strings.EqualFold(s, f.FalseLabel):
			return false, nil
		case strings.EqualFold(s, "on"):
			return true, nil
		case strings.EqualFold(s, "off"):
			return false, nil
		}
		b, err := strconv.ParseBool(s)
		if err != nil {
			return false, fmt.Errorf("%q is not a boolean", v)
		}
		return b, nil
	}
	return false, fmt.Errorf("want bool, got %T", value)
}

func coerceInt(value any) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint32:
		return int64(v), nil
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("%v is not an integer", v)
		}
		return int64(v), nil
	case json.Number:
		return v.Int64()
	case string:
		return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	}
	return 0, fmt.Errorf("want int, got %T", value)
}
