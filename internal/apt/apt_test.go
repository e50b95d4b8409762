package apt

import (
	"bytes"
	"errors"
	"testing"
)

func TestCommandFrames(t *testing.T) {
	tests := []struct {
		name string
		got  []byte
		want []byte
	}{
		{"identify", EncodeIdentify(), []byte{0x23, 0x02, 0x00, 0x00, 0x50, 0x01}},
		{"set position true", EncodeSetPosition(true), []byte{0x6A, 0x04, 0x00, 0x02, 0x50, 0x01}},
		{"set position false", EncodeSetPosition(false), []byte{0x6A, 0x04, 0x00, 0x01, 0x50, 0x01}},
		{"get position", EncodeGetPosition(), []byte{0x29, 0x04, 0x00, 0x00, 0x50, 0x01}},
		{"get info", EncodeGetInfo(), []byte{0x05, 0x00, 0x00, 0x00, 0x50, 0x01}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if len(tt.got) != FrameLen {
				t.Fatalf("len = %d, want %d", len(tt.got), FrameLen)
			}
			if !bytes.Equal(tt.got, tt.want) {
				t.Errorf("frame = % X, want % X", tt.got, tt.want)
			}
		})
	}
}

func TestFramesAreFreshPerCall(t *testing.T) {
	a := EncodeGetPosition()
	a[0] = 0xFF
	b := EncodeGetPosition()
	if b[0] != 0x29 {
		t.Fatalf("mutating one frame leaked into the next: % X", b)
	}
}

func TestParseCommandInverse(t *testing.T) {
	cmds := []Command{
		{Op: OpIdentify},
		{Op: OpSetPosition, Desired: true},
		{Op: OpSetPosition, Desired: false},
		{Op: OpGetPosition},
		{Op: OpGetInfo},
	}
	for _, c := range cmds {
		t.Run(c.String(), func(t *testing.T) {
			got, err := ParseCommand(c.Encode())
			if err != nil {
				t.Fatal(err)
			}
			if got != c {
				t.Errorf("parsed %v, want %v", got, c)
			}
		})
	}

	if _, err := ParseCommand([]byte{0x99, 0x99, 0, 0, 0x50, 0x01}); err == nil {
		t.Error("expected error for unknown message")
	}
	if _, err := ParseCommand([]byte{0x6A, 0x04, 0x00, 0x07, 0x50, 0x01}); err == nil {
		t.Error("expected error for unknown jog direction")
	}
}

func TestResponseLen(t *testing.T) {
	if n := (Command{Op: OpGetPosition}).ResponseLen(); n != 12 {
		t.Errorf("GetPosition response len = %d, want 12", n)
	}
	if n := (Command{Op: OpGetInfo}).ResponseLen(); n != 90 {
		t.Errorf("GetInfo response len = %d, want 90", n)
	}
	if n := (Command{Op: OpIdentify}).ResponseLen(); n != 0 {
		t.Errorf("Identify response len = %d, want 0", n)
	}
}

func TestDecodePosition(t *testing.T) {
	resp := make([]byte, PositionResponseLen)

	resp[8] = 0x02
	got, err := DecodePosition(resp)
	if err != nil || !got {
		t.Errorf("byte 0x02: got (%v, %v), want (true, nil)", got, err)
	}

	resp[8] = 0x01
	got, err = DecodePosition(resp)
	if err != nil || got {
		t.Errorf("byte 0x01: got (%v, %v), want (false, nil)", got, err)
	}

	for _, b := range []byte{0x00, 0x03, StatusMovingForward, StatusMovingReverse, 0xFF} {
		resp[8] = b
		if _, err := DecodePosition(resp); !errors.Is(err, ErrMalformedResponse) {
			t.Errorf("byte 0x%02X: err = %v, want ErrMalformedResponse", b, err)
		}
	}
}

func TestDecodeInfoFields(t *testing.T) {
	resp := make([]byte, InfoResponseLen)
	copy(resp[6:10], []byte{0x2A, 0x00, 0x00, 0x00})
	copy(resp[10:18], "MFF101  ")

	serial, err := DecodeSerialNo(resp)
	if err != nil {
		t.Fatal(err)
	}
	if serial != 42 {
		t.Errorf("serial = %d, want 42", serial)
	}

	model, err := DecodeModel(resp)
	if err != nil {
		t.Fatal(err)
	}
	if model != "MFF101  " {
		t.Errorf("model = %q, want %q", model, "MFF101  ")
	}
}

func TestDecodeModelRejectsNonASCII(t *testing.T) {
	resp := make([]byte, InfoResponseLen)
	copy(resp[10:18], "MFF101  ")
	resp[13] = 0xC3
	if _, err := DecodeModel(resp); !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("err = %v, want ErrMalformedResponse", err)
	}
}

func TestDecodeShortResponses(t *testing.T) {
	tests := []struct {
		name   string
		decode func([]byte) error
		minLen int
	}{
		{"position", func(b []byte) error { _, err := DecodePosition(b); return err }, 9},
		{"model", func(b []byte) error { _, err := DecodeModel(b); return err }, 18},
		{"serial", func(b []byte) error { _, err := DecodeSerialNo(b); return err }, 10},
		{"firmware", func(b []byte) error { _, err := DecodeFirmwareVersion(b); return err }, 24},
		{"hardware", func(b []byte) error { _, err := DecodeHardwareVersion(b); return err }, 86},
		{"info", func(b []byte) error { _, err := DecodeInfo(b); return err }, 90},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for n := 0; n < tt.minLen; n++ {
				b := bytes.Repeat([]byte{0x02}, n)
				if err := tt.decode(b); !errors.Is(err, ErrMalformedResponse) {
					t.Fatalf("len %d: err = %v, want ErrMalformedResponse", n, err)
				}
			}
			if err := tt.decode(nil); !errors.Is(err, ErrMalformedResponse) {
				t.Errorf("nil: err = %v, want ErrMalformedResponse", err)
			}
		})
	}
}

func TestEncodeInfoResponse(t *testing.T) {
	info := Info{
		SerialNo:        37001234,
		Model:           "MFF101",
		HWType:          16,
		Firmware:        [3]uint8{7, 1, 2},
		HardwareVersion: 3,
		Channels:        1,
	}
	resp := EncodeInfoResponse(info)
	if len(resp) != InfoResponseLen {
		t.Fatalf("len = %d, want %d", len(resp), InfoResponseLen)
	}

	h, err := ParseHeader(resp)
	if err != nil {
		t.Fatal(err)
	}
	if h.MessageID != MsgHWGetInfo {
		t.Errorf("message id = 0x%04X", h.MessageID)
	}
	if h.DataLen() != 84 {
		t.Errorf("data len = %d, want 84", h.DataLen())
	}

	got, err := DecodeInfo(resp)
	if err != nil {
		t.Fatal(err)
	}
	if got.SerialNo != info.SerialNo {
		t.Errorf("serial = %d", got.SerialNo)
	}
	if got.Model != "MFF101  " {
		t.Errorf("model = %q", got.Model)
	}
	if got.FirmwareString() != "2.1.7" {
		t.Errorf("firmware = %q", got.FirmwareString())
	}
	fw, _ := DecodeFirmwareVersion(resp)
	if fw != "2.1.7" {
		t.Errorf("DecodeFirmwareVersion = %q", fw)
	}
	hw, _ := DecodeHardwareVersion(resp)
	if hw != 3 {
		t.Errorf("hardware = %d", hw)
	}
}

func TestEncodePositionResponse(t *testing.T) {
	for _, pos := range []bool{true, false} {
		resp := EncodePositionResponse(pos)
		if len(resp) != PositionResponseLen {
			t.Fatalf("len = %d", len(resp))
		}
		got, err := DecodePosition(resp)
		if err != nil {
			t.Fatal(err)
		}
		if got != pos {
			t.Errorf("round trip %v -> %v", pos, got)
		}
	}
}
