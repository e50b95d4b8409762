package transport

import (
	"github.com/tarm/serial"
)

// *serial.Port already provides Read, Write, Close and Flush.
var _ port = (*serial.Port)(nil)

func openTarm(s Settings) (port, error) {
	p, err := serial.OpenPort(&serial.Config{
		Name:        s.Port,
		Baud:        s.Baud,
		ReadTimeout: s.Timeout,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}
