// Package apt implements the subset of the Thorlabs APT serial protocol spoken by
// MFF10x motorized flip mounts: fixed 6-byte command frames and the fixed-length
// responses to the status-bits and hardware-info requests.
package apt

import (
	"encoding/binary"
	"fmt"
)

// --- Header constants ---

const (
	// HeaderLen is the size of every APT header. Short commands are a bare header.
	HeaderLen = 6

	// FrameLen is the size of every outbound command frame.
	FrameLen = HeaderLen

	// PositionResponseLen is the size of a MOT_GET_STATUSBITS response.
	PositionResponseLen = 12

	// InfoResponseLen is the size of a HW_GET_INFO response.
	InfoResponseLen = 90
)

// Addresses. The high bit of the destination byte marks a header followed by data.
const (
	AddrHost       uint8 = 0x01
	AddrGenericUSB uint8 = 0x50
	dataFlag       uint8 = 0x80
)

// Message IDs used by the flip mount.
const (
	MsgHWReqInfo        uint16 = 0x0005
	MsgHWGetInfo        uint16 = 0x0006
	MsgModIdentify      uint16 = 0x0223
	MsgMotReqStatusBits uint16 = 0x0429
	MsgMotGetStatusBits uint16 = 0x042A
	MsgMotMoveJog       uint16 = 0x046A
)

// Flip positions as carried in MOT_MOVE_JOG param2 and the low status byte.
const (
	positionOne uint8 = 0x01
	positionTwo uint8 = 0x02
)

// Header is the 6-byte APT message header.
type Header struct {
	MessageID uint16
	Param1    uint8
	Param2    uint8
	Dest      uint8
	Source    uint8
}

// HasData reports whether a data packet follows the header.
func (h Header) HasData() bool {
	return h.Dest&dataFlag != 0
}

// DataLen returns the length of the data packet announced by the header.
func (h Header) DataLen() int {
	if !h.HasData() {
		return 0
	}
	return int(h.Param1) | int(h.Param2)<<8
}

// Encode returns the header as a freshly allocated 6-byte slice.
func (h Header) Encode() []byte {
	b := make([]byte, HeaderLen)
	binary.LittleEndian.PutUint16(b[0:2], h.MessageID)
	b[2] = h.Param1
	b[3] = h.Param2
	b[4] = h.Dest
	b[5] = h.Source
	return b
}

// ParseHeader decodes the first 6 bytes of b.
func ParseHeader(b []byte) (Header, error) {
	if err := need(b, HeaderLen, "header"); err != nil {
		return Header{}, err
	}
	return Header{
		MessageID: binary.LittleEndian.Uint16(b[0:2]),
		Param1:    b[2],
		Param2:    b[3],
		Dest:      b[4],
		Source:    b[5],
	}, nil
}

// --- Commands ---

// Op is a logical operation understood by the flip mount.
type Op uint8

const (
	OpIdentify Op = iota + 1
	OpSetPosition
	OpGetPosition
	OpGetInfo
)

func (o Op) String() string {
	switch o {
	case OpIdentify:
		return "Identify"
	case OpSetPosition:
		return "SetPosition"
	case OpGetPosition:
		return "GetPosition"
	case OpGetInfo:
		return "GetInfo"
	default:
		return fmt.Sprintf("Op(%d)", uint8(o))
	}
}

// Command is a logical command. Desired is only meaningful for OpSetPosition.
type Command struct {
	Op      Op
	Desired bool
}

// commandHeaders maps each operation to its fixed header. SetPosition is keyed
// by its (false) variant and patched in Encode.
var commandHeaders = map[Op]Header{
	OpIdentify:    {MessageID: MsgModIdentify, Param1: 0x00, Param2: 0x00, Dest: AddrGenericUSB, Source: AddrHost},
	OpSetPosition: {MessageID: MsgMotMoveJog, Param1: 0x00, Param2: positionOne, Dest: AddrGenericUSB, Source: AddrHost},
	OpGetPosition: {MessageID: MsgMotReqStatusBits, Param1: 0x00, Param2: 0x00, Dest: AddrGenericUSB, Source: AddrHost},
	OpGetInfo:     {MessageID: MsgHWReqInfo, Param1: 0x00, Param2: 0x00, Dest: AddrGenericUSB, Source: AddrHost},
}

// Encode builds the 6-byte frame for c. It panics on an unknown Op, which can
// only come from a programming error.
func (c Command) Encode() []byte {
	h, ok := commandHeaders[c.Op]
	if !ok {
		panic(fmt.Sprintf("apt: no frame for %s", c.Op))
	}
	if c.Op == OpSetPosition && c.Desired {
		h.Param2 = positionTwo
	}
	return h.Encode()
}

// ResponseLen returns the expected response size, or 0 for commands the device
// does not answer.
func (c Command) ResponseLen() int {
	switch c.Op {
	case OpGetPosition:
		return PositionResponseLen
	case OpGetInfo:
		return InfoResponseLen
	default:
		return 0
	}
}

func (c Command) String() string {
	if c.Op == OpSetPosition {
		return fmt.Sprintf("SetPosition(%t)", c.Desired)
	}
	return c.Op.String()
}

// EncodeIdentify returns the MOD_IDENTIFY frame that blinks the front LED.
func EncodeIdentify() []byte { return Command{Op: OpIdentify}.Encode() }

// EncodeSetPosition returns the MOT_MOVE_JOG frame that flips to position 2
// (desired=true) or position 1 (desired=false).
func EncodeSetPosition(desired bool) []byte {
	return Command{Op: OpSetPosition, Desired: desired}.Encode()
}

// EncodeGetPosition returns the MOT_REQ_STATUSBITS frame.
func EncodeGetPosition() []byte { return Command{Op: OpGetPosition}.Encode() }

// EncodeGetInfo returns the HW_REQ_INFO frame.
func EncodeGetInfo() []byte { return Command{Op: OpGetInfo}.Encode() }

// ParseCommand recognizes an outbound frame. It is the inverse of Encode and is
// used by the device simulator.
func ParseCommand(frame []byte) (Command, error) {
	h, err := ParseHeader(frame)
	if err != nil {
		return Command{}, err
	}
	switch h.MessageID {
	case MsgModIdentify:
		return Command{Op: OpIdentify}, nil
	case MsgMotReqStatusBits:
		return Command{Op: OpGetPosition}, nil
	case MsgHWReqInfo:
		return Command{Op: OpGetInfo}, nil
	case MsgMotMoveJog:
		switch h.Param2 {
		case positionOne:
			return Command{Op: OpSetPosition, Desired: false}, nil
		case positionTwo:
			return Command{Op: OpSetPosition, Desired: true}, nil
		}
		return Command{}, fmt.Errorf("apt: jog direction 0x%02X", h.Param2)
	}
	return Command{}, fmt.Errorf("apt: unsupported message 0x%04X", h.MessageID)
}
