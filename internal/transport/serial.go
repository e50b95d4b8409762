package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// port is the subset of a serial port the transport needs. Flush discards any
// unread input so a late or partial response cannot be mistaken for the next one.
type port interface {
	io.ReadWriteCloser
	Flush() error
}

type opener func(Settings) (port, error)

// Serial is a Transport over a serial port. One mutex is held across the write
// and read of a query, so requests from concurrent callers never interleave.
type Serial struct {
	settings Settings
	open     opener
	logger   *slog.Logger
	limiter  *rate.Limiter

	mu     sync.Mutex
	port   port
	closed bool
}

func newSerial(s Settings, open opener, logger *slog.Logger) *Serial {
	t := &Serial{
		settings: s,
		open:     open,
		logger:   logger.With("component", "transport", "port", s.Port),
	}
	if s.MaxRate > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(s.MaxRate), 1)
	}
	return t
}

// Connect opens the port. Calling it on an open transport is a no-op.
func (t *Serial) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if t.port != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p, err := t.open(t.settings)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", ErrTransport, t.settings.Port, err)
	}
	if err := p.Flush(); err != nil {
		t.logger.Warn("flush on open", "err", err)
	}
	t.port = p
	t.logger.Info("serial port opened", "driver", t.settings.Driver, "baud", t.settings.Baud)
	return nil
}

// SendCommand writes a frame without waiting for any reply.
func (t *Serial) SendCommand(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ready(ctx); err != nil {
		return err
	}
	return t.write(ctx, frame)
}

// SendQuery writes a frame and reads exactly responseLen bytes.
func (t *Serial) SendQuery(ctx context.Context, frame []byte, responseLen int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ready(ctx); err != nil {
		return nil, err
	}
	if err := t.write(ctx, frame); err != nil {
		return nil, err
	}

	resp := make([]byte, responseLen)
	if err := t.readFull(ctx, resp); err != nil {
		// Drop whatever part of the response did arrive.
		if ferr := t.port.Flush(); ferr != nil {
			t.logger.Warn("flush after failed read", "err", ferr)
		}
		return nil, err
	}
	t.logger.Debug("apt RX", "len", len(resp), "payload", fmt.Sprintf("%X", resp))
	return resp, nil
}

// Close closes the port. Later calls return ErrClosed.
func (t *Serial) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	if err != nil {
		return fmt.Errorf("%w: close: %w", ErrTransport, err)
	}
	t.logger.Info("serial port closed")
	return nil
}

// ready must be called with mu held.
func (t *Serial) ready(ctx context.Context) error {
	if t.closed {
		return ErrClosed
	}
	if t.port == nil {
		return ErrNotConnected
	}
	return ctx.Err()
}

func (t *Serial) write(ctx context.Context, frame []byte) error {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	n, err := t.port.Write(frame)
	if err != nil {
		return fmt.Errorf("%w: write: %w", ErrTransport, err)
	}
	if n != len(frame) {
		return fmt.Errorf("%w: short write %d/%d", ErrTransport, n, len(frame))
	}
	t.logger.Debug("apt TX", "payload", fmt.Sprintf("%X", frame))
	return nil
}

// readFull fills buf within the configured timeout. Both drivers report a read
// timeout as a zero-byte read (go.bug.st: 0, nil; tarm: 0, io.EOF).
func (t *Serial) readFull(ctx context.Context, buf []byte) error {
	deadline := time.Now().Add(t.settings.Timeout)
	got := 0
	for got < len(buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := t.port.Read(buf[got:])
		got += n
		if err != nil && !(errors.Is(err, io.EOF) && n == 0) {
			return fmt.Errorf("%w: read: %w", ErrTransport, err)
		}
		if got < len(buf) && (n == 0 || time.Now().After(deadline)) {
			return fmt.Errorf("%w: got %d of %d bytes: %w", ErrTransport, got, len(buf), ErrTimeout)
		}
	}
	return nil
}
