package controller

import (
	"errors"
	"fmt"
	"time"

	"mff-controller/internal/apt"
)

// Type is the semantic type of a field value.
type Type int

const (
	TypeBool Type = iota
	TypeString
	TypeInt
)

func (t Type) String() string {
	switch t {
	case TypeBool:
		return "bool"
	case TypeString:
		return "string"
	case TypeInt:
		return "int"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

func (t Type) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// Direction tells whether a field is polled from or written to the device.
type Direction int

const (
	ReadOnly Direction = iota
	WriteOnly
)

func (d Direction) String() string {
	if d == WriteOnly {
		return "write"
	}
	return "read"
}

func (d Direction) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// ReadSpec describes how a read-only field is refreshed.
type ReadSpec struct {
	Query       func() []byte
	ResponseLen int
	Decode      func(resp []byte) (any, error)
	Period      time.Duration
}

// WriteSpec describes how a desired value becomes a command frame. Encode
// receives a value already coerced to the field's Type.
type WriteSpec struct {
	Encode func(value any) ([]byte, error)
}

// FieldDescriptor describes one synchronized attribute. Exactly one of Read
// and Write is set.
type FieldDescriptor struct {
	Name  string
	Type  Type
	Group string
	Read  *ReadSpec
	Write *WriteSpec

	// Display labels for boolean fields.
	FalseLabel string
	TrueLabel  string
}

func (f FieldDescriptor) Direction() Direction {
	if f.Write != nil {
		return WriteOnly
	}
	return ReadOnly
}

// FieldInfo is the serializable view of a FieldDescriptor.
type FieldInfo struct {
	Name       string    `json:"name"`
	Type       Type      `json:"type"`
	Direction  Direction `json:"direction"`
	Group      string    `json:"group,omitempty"`
	Period     string    `json:"period,omitempty"`
	FalseLabel string    `json:"false_label,omitempty"`
	TrueLabel  string    `json:"true_label,omitempty"`
}

func (f FieldDescriptor) Info() FieldInfo {
	fi := FieldInfo{
		Name:       f.Name,
		Type:       f.Type,
		Direction:  f.Direction(),
		Group:      f.Group,
		FalseLabel: f.FalseLabel,
		TrueLabel:  f.TrueLabel,
	}
	if f.Read != nil {
		fi.Period = f.Read.Period.String()
	}
	return fi
}

func (f FieldDescriptor) validate() error {
	if f.Name == "" {
		return errors.New("field has no name")
	}
	switch {
	case f.Read == nil && f.Write == nil:
		return fmt.Errorf("field %s: neither read nor write spec", f.Name)
	case f.Read != nil && f.Write != nil:
		return fmt.Errorf("field %s: both read and write spec", f.Name)
	case f.Read != nil:
		if f.Read.Query == nil || f.Read.Decode == nil {
			return fmt.Errorf("field %s: read spec needs query and decode", f.Name)
		}
		if f.Read.ResponseLen <= 0 {
			return fmt.Errorf("field %s: response length must be positive", f.Name)
		}
		if f.Read.Period <= 0 {
			return fmt.Errorf("field %s: period must be positive", f.Name)
		}
	case f.Write.Encode == nil:
		return fmt.Errorf("field %s: write spec needs encode", f.Name)
	}
	return nil
}

// Field names of the flip mount.
const (
	FieldReadbackPosition = "readback_position"
	FieldDesiredPosition  = "desired_position"
	FieldModel            = "model"
	FieldSerialNo         = "serial_no"
	FieldFirmwareVersion  = "firmware_version"
)

const groupInformation = "Information"

// DefaultFields returns the MFF10x field set: the position readback and
// desired position, plus model, serial number and firmware from HW_GET_INFO.
func DefaultFields(positionPeriod, infoPeriod time.Duration) []FieldDescriptor {
	info := func(decode func([]byte) (any, error)) *ReadSpec {
		return &ReadSpec{
			Query:       apt.EncodeGetInfo,
			ResponseLen: apt.InfoResponseLen,
			Decode:      decode,
			Period:      infoPeriod,
		}
	}
	return []FieldDescriptor{
		{
			Name: FieldReadbackPosition,
			Type: TypeBool,
			Read: &ReadSpec{
				Query:       apt.EncodeGetPosition,
				ResponseLen: apt.PositionResponseLen,
				Decode: func(b []byte) (any, error) {
					return apt.DecodePosition(b)
				},
				Period: positionPeriod,
			},
			FalseLabel: "Disabled",
			TrueLabel:  "Enabled",
		},
		{
			Name: FieldDesiredPosition,
			Type: TypeBool,
			Write: &WriteSpec{
				Encode: func(v any) ([]byte, error) {
					desired, ok := v.(bool)
					if !ok {
						return nil, fmt.Errorf("%w: %T is not a position", ErrInvalidValue, v)
					}
					return apt.EncodeSetPosition(desired), nil
				},
			},
			FalseLabel: "Disabled",
			TrueLabel:  "Enabled",
		},
		{
			Name:  FieldModel,
			Type:  TypeString,
			Group: groupInformation,
			Read: info(func(b []byte) (any, error) {
				return apt.DecodeModel(b)
			}),
		},
		{
			Name:  FieldSerialNo,
			Type:  TypeInt,
			Group: groupInformation,
			Read: info(func(b []byte) (any, error) {
				n, err := apt.DecodeSerialNo(b)
				return int64(n), err
			}),
		},
		{
			Name:  FieldFirmwareVersion,
			Type:  TypeString,
			Group: groupInformation,
			Read: info(func(b []byte) (any, error) {
				return apt.DecodeFirmwareVersion(b)
			}),
		},
	}
}
