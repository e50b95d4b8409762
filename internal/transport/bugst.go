package transport

import (
	"fmt"

	"go.bug.st/serial"
)

type bugstPort struct {
	serial.Port
}

func (p bugstPort) Flush() error {
	return p.ResetInputBuffer()
}

func openBugst(s Settings) (port, error) {
	mode := &serial.Mode{
		BaudRate: s.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(s.Port, mode)
	if err != nil {
		return nil, err
	}
	if err := p.SetReadTimeout(s.Timeout); err != nil {
		p.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	// FTDI-based APT controllers expect RTS asserted.
	_ = p.SetRTS(true)
	return bugstPort{Port: p}, nil
}
