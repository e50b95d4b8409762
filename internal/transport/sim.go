package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mff-controller/internal/apt"
)

const simFrameHistory = 256

// SimConfig describes the emulated flip mount.
type SimConfig struct {
	SerialNo        uint32
	Model           string
	Firmware        [3]uint8 // minor, interim, major
	HardwareVersion uint16
	Position        bool          // initial position (true = position 2)
	TravelTime      time.Duration // time for a flip to complete, 0 = instant
}

// Simulator is an in-process MFF10x that speaks the APT frames over the
// Transport interface. It is used by `driver: sim` and by tests.
type Simulator struct {
	mu  sync.Mutex
	cfg SimConfig
	now func() time.Time

	connected bool
	closed    bool

	position   bool
	moving     bool
	target     bool
	arrivesAt  time.Time
	identifies int
	frames     [][]byte
	failNext   []error
}

// NewSimulator creates a simulator. Zero fields in cfg get MFF101 defaults.
func NewSimulator(cfg SimConfig) *Simulator {
	if cfg.SerialNo == 0 {
		cfg.SerialNo = 37000001
	}
	if cfg.Model == "" {
		cfg.Model = "MFF101"
	}
	if cfg.Firmware == [3]uint8{} {
		cfg.Firmware = [3]uint8{7, 1, 1}
	}
	return &Simulator{
		cfg:      cfg,
		now:      time.Now,
		position: cfg.Position,
	}
}

func (s *Simulator) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.connected = true
	return nil
}

func (s *Simulator) SendCommand(ctx context.Context, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.accept(ctx, frame); err != nil {
		return err
	}
	cmd, err := apt.ParseCommand(frame)
	if err != nil {
		// A real device silently ignores frames it does not understand.
		return nil
	}
	switch cmd.Op {
	case apt.OpIdentify:
		s.identifies++
	case apt.OpSetPosition:
		s.settle()
		if cmd.Desired == s.position && !s.moving {
			return nil
		}
		if s.cfg.TravelTime <= 0 {
			s.position = cmd.Desired
			s.moving = false
			return nil
		}
		s.moving = true
		s.target = cmd.Desired
		s.arrivesAt = s.now().Add(s.cfg.TravelTime)
	}
	return nil
}

func (s *Simulator) SendQuery(ctx context.Context, frame []byte, responseLen int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.accept(ctx, frame); err != nil {
		return nil, err
	}
	cmd, err := apt.ParseCommand(frame)
	if err != nil {
		return nil, fmt.Errorf("%w: no reply to % X: %w", ErrTransport, frame, ErrTimeout)
	}

	var resp []byte
	switch cmd.Op {
	case apt.OpGetPosition:
		s.settle()
		switch {
		case s.moving && s.target:
			resp = apt.EncodeStatusBits(apt.StatusMovingForward)
		case s.moving:
			resp = apt.EncodeStatusBits(apt.StatusMovingReverse)
		default:
			resp = apt.EncodePositionResponse(s.position)
		}
	case apt.OpGetInfo:
		resp = apt.EncodeInfoResponse(apt.Info{
			SerialNo:        s.cfg.SerialNo,
			Model:           s.cfg.Model,
			HWType:          16,
			Firmware:        s.cfg.Firmware,
			HardwareVersion: s.cfg.HardwareVersion,
			Channels:        1,
		})
	default:
		return nil, fmt.Errorf("%w: %s has no reply: %w", ErrTransport, cmd, ErrTimeout)
	}

	if responseLen > len(resp) {
		return nil, fmt.Errorf("%w: got %d of %d bytes: %w", ErrTransport, len(resp), responseLen, ErrTimeout)
	}
	return resp[:responseLen], nil
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.connected = false
	return nil
}

// accept records the frame and applies injected failures. mu must be held.
func (s *Simulator) accept(ctx context.Context, frame []byte) error {
	if s.closed {
		return ErrClosed
	}
	if !s.connected {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(s.failNext) > 0 {
		err := s.failNext[0]
		s.failNext = s.failNext[1:]
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if len(s.frames) == simFrameHistory {
		n := copy(s.frames, s.frames[1:])
		s.frames = s.frames[:n]
	}
	s.frames = append(s.frames, append([]byte(nil), frame...))
	return nil
}

// settle completes a flip whose travel time has elapsed. mu must be held.
func (s *Simulator) settle() {
	if s.moving && !s.now().Before(s.arrivesAt) {
		s.position = s.target
		s.moving = false
	}
}

// FailNext makes the next n frames fail with err.
func (s *Simulator) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.failNext = append(s.failNext, err)
	}
}

// Flip moves the arm as if the manual toggle on the housing was pressed.
func (s *Simulator) Flip(position bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = position
	s.moving = false
}

// Position returns the physical position.
func (s *Simulator) Position() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settle()
	return s.position
}

// Identifies returns how many identify frames were received.
func (s *Simulator) Identifies() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identifies
}

// Frames returns a copy of the last accepted frames, oldest first. At most
// simFrameHistory frames are kept.
func (s *Simulator) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.frames))
	copy(out, s.frames)
	return out
}
