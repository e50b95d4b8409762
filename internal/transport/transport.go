// Package transport moves APT frames between the controller and the flip mount.
// Backends: go.bug.st/serial (default), github.com/tarm/serial, and an in-process
// simulator.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	// ErrTransport wraps every connection-level failure (open, write, read, close).
	ErrTransport = errors.New("transport error")
	// ErrClosed is returned by any call made after Close.
	ErrClosed = errors.New("transport closed")
	// ErrNotConnected is returned when a frame is sent before Connect.
	ErrNotConnected = errors.New("transport not connected")
	// ErrTimeout is returned when a response does not arrive in time.
	ErrTimeout = errors.New("response timeout")
)

// Transport is a serialized, frame-level link to one device. Implementations
// must never interleave one caller's request and response with another's.
type Transport interface {
	Connect(ctx context.Context) error
	// SendCommand writes a frame and expects no response.
	SendCommand(ctx context.Context, frame []byte) error
	// SendQuery writes a frame and reads exactly responseLen bytes back.
	SendQuery(ctx context.Context, frame []byte, responseLen int) ([]byte, error)
	Close() error
}

// Settings configures a transport backend.
type Settings struct {
	Driver  string        // "bugst" (default), "tarm" or "sim"
	Port    string        // e.g. /dev/ttyUSB0
	Baud    int           // APT controllers use 115200
	Timeout time.Duration // per-request read timeout
	MaxRate float64       // frames per second, 0 = unlimited
}

const (
	DefaultBaud    = 115200
	DefaultTimeout = time.Second
)

func (s Settings) withDefaults() Settings {
	if s.Baud == 0 {
		s.Baud = DefaultBaud
	}
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}
	return s
}

// New creates the backend selected by s.Driver. The returned transport is not
// connected yet.
func New(s Settings, logger *slog.Logger) (Transport, error) {
	s = s.withDefaults()
	switch s.Driver {
	case "bugst", "":
		return newSerial(s, openBugst, logger), nil
	case "tarm":
		return newSerial(s, openTarm, logger), nil
	case "sim":
		return NewSimulator(SimConfig{}), nil
	default:
		return nil, fmt.Errorf("unknown serial driver: %q (supported: bugst, tarm, sim)", s.Driver)
	}
}
