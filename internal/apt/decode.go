package apt

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformedResponse is returned when a response is too short for the field
// being decoded or carries a value outside the field's domain.
var ErrMalformedResponse = errors.New("apt: malformed response")

// Byte offsets inside responses (header included).
const (
	offStatusBits = 8 // low byte of the status word: 1 = position 1, 2 = position 2

	offSerialNo  = 6
	offModel     = 10
	modelLen     = 8
	offHWType    = 18
	offFirmware  = 20
	offHWVersion = 84
	offModState  = 86
	offChannels  = 88
)

// Status bits reported while the arm is travelling.
const (
	StatusMovingForward uint8 = 0x10
	StatusMovingReverse uint8 = 0x20
)

func need(b []byte, n int, what string) error {
	if len(b) < n {
		return fmt.Errorf("%w: %s needs %d bytes, got %d", ErrMalformedResponse, what, n, len(b))
	}
	return nil
}

// DecodePosition reads the flip position from a MOT_GET_STATUSBITS response.
// Position 2 decodes to true and position 1 to false. Any other status byte,
// including the moving bits, is a protocol violation.
func DecodePosition(resp []byte) (bool, error) {
	if err := need(resp, offStatusBits+1, "position"); err != nil {
		return false, err
	}
	switch resp[offStatusBits] {
	case positionOne:
		return false, nil
	case positionTwo:
		return true, nil
	default:
		return false, fmt.Errorf("%w: position byte 0x%02X", ErrMalformedResponse, resp[offStatusBits])
	}
}

// DecodeModel returns the 8-character model string of a HW_GET_INFO response
// exactly as sent, padding included.
func DecodeModel(resp []byte) (string, error) {
	if err := need(resp, offModel+modelLen, "model"); err != nil {
		return "", err
	}
	raw := resp[offModel : offModel+modelLen]
	for i, c := range raw {
		if c > 0x7F {
			return "", fmt.Errorf("%w: non-ASCII model byte 0x%02X at %d", ErrMalformedResponse, c, offModel+i)
		}
	}
	return string(raw), nil
}

// DecodeSerialNo returns the little-endian serial number of a HW_GET_INFO response.
func DecodeSerialNo(resp []byte) (uint32, error) {
	if err := need(resp, offSerialNo+4, "serial number"); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(resp[offSerialNo : offSerialNo+4]), nil
}

// DecodeFirmwareVersion renders the firmware bytes of a HW_GET_INFO response as
// "major.interim.minor".
func DecodeFirmwareVersion(resp []byte) (string, error) {
	if err := need(resp, offFirmware+4, "firmware version"); err != nil {
		return "", err
	}
	fw := resp[offFirmware : offFirmware+4]
	return fmt.Sprintf("%d.%d.%d", fw[2], fw[1], fw[0]), nil
}

// DecodeHardwareVersion returns the hardware revision of a HW_GET_INFO response.
func DecodeHardwareVersion(resp []byte) (uint16, error) {
	if err := need(resp, offHWVersion+2, "hardware version"); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(resp[offHWVersion : offHWVersion+2]), nil
}

// Info is the decoded content of a HW_GET_INFO response.
type Info struct {
	SerialNo        uint32
	Model           string
	HWType          uint16
	Firmware        [3]uint8 // minor, interim, major
	HardwareVersion uint16
	ModState        uint16
	Channels        uint16
}

// FirmwareString renders Firmware as "major.interim.minor".
func (i Info) FirmwareString() string {
	return fmt.Sprintf("%d.%d.%d", i.Firmware[2], i.Firmware[1], i.Firmware[0])
}

// DecodeInfo decodes every field of a HW_GET_INFO response.
func DecodeInfo(resp []byte) (Info, error) {
	if err := need(resp, InfoResponseLen, "hardware info"); err != nil {
		return Info{}, err
	}
	model, err := DecodeModel(resp)
	if err != nil {
		return Info{}, err
	}
	return Info{
		SerialNo:        binary.LittleEndian.Uint32(resp[offSerialNo:]),
		Model:           model,
		HWType:          binary.LittleEndian.Uint16(resp[offHWType:]),
		Firmware:        [3]uint8{resp[offFirmware], resp[offFirmware+1], resp[offFirmware+2]},
		HardwareVersion: binary.LittleEndian.Uint16(resp[offHWVersion:]),
		ModState:        binary.LittleEndian.Uint16(resp[offModState:]),
		Channels:        binary.LittleEndian.Uint16(resp[offChannels:]),
	}, nil
}

// --- Device-side encoders (simulator and tests) ---

// EncodeStatusBits builds a 12-byte MOT_GET_STATUSBITS response carrying the
// given low status byte.
func EncodeStatusBits(status uint8) []byte {
	h := Header{
		MessageID: MsgMotGetStatusBits,
		Param1:    PositionResponseLen - HeaderLen,
		Dest:      AddrHost | dataFlag,
		Source:    AddrGenericUSB,
	}
	b := make([]byte, PositionResponseLen)
	copy(b, h.Encode())
	binary.LittleEndian.PutUint16(b[6:8], 0x0001) // channel 1
	b[offStatusBits] = status
	return b
}

// EncodePositionResponse builds the status response for a resting arm.
func EncodePositionResponse(position bool) []byte {
	if position {
		return EncodeStatusBits(positionTwo)
	}
	return EncodeStatusBits(positionOne)
}

// EncodeInfoResponse builds a 90-byte HW_GET_INFO response. Model is padded
// with spaces or truncated to 8 bytes.
func EncodeInfoResponse(info Info) []byte {
	dataLen := InfoResponseLen - HeaderLen
	h := Header{
		MessageID: MsgHWGetInfo,
		Param1:    uint8(dataLen),
		Param2:    uint8(dataLen >> 8),
		Dest:      AddrHost | dataFlag,
		Source:    AddrGenericUSB,
	}
	b := make([]byte, InfoResponseLen)
	copy(b, h.Encode())
	binary.LittleEndian.PutUint32(b[offSerialNo:], info.SerialNo)
	model := []byte(info.Model)
	for i := 0; i < modelLen; i++ {
		if i < len(model) {
			b[offModel+i] = model[i]
		} else {
			b[offModel+i] = ' '
		}
	}
	binary.LittleEndian.PutUint16(b[offHWType:], info.HWType)
	copy(b[offFirmware:], info.Firmware[:])
	binary.LittleEndian.PutUint16(b[offHWVersion:], info.HardwareVersion)
	binary.LittleEndian.PutUint16(b[offModState:], info.ModState)
	binary.LittleEndian.PutUint16(b[offChannels:], info.Channels)
	return b
}
