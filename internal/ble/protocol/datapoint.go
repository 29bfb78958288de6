package protocol

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// DatapointType is the wire type tag of a datapoint.
type DatapointType uint8

const (
	TypeRaw    DatapointType = 0
	TypeBool   DatapointType = 1
	TypeValue  DatapointType = 2
	TypeString DatapointType = 3
	TypeEnum   DatapointType = 4
	TypeBitmap DatapointType = 5
)

func (t DatapointType) String() string {
	switch t {
	case TypeRaw:
		return "raw"
	case TypeBool:
		return "bool"
	case TypeValue:
		return "value"
	case TypeString:
		return "string"
	case TypeEnum:
		return "enum"
	case TypeBitmap:
		return "bitmap"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Value is the tagged union of datapoint values. The concrete types are
// Bool, Int, Enum, String, Raw and Bitmap.
type Value interface {
	Type() DatapointType
	appendTo(buf []byte) []byte
}

// Bool is a TypeBool value.
type Bool bool

// Int is a TypeValue value (signed 32-bit on the wire).
type Int int32

// Enum is a TypeEnum value, encoded in 1, 2 or 4 bytes by magnitude.
type Enum uint32

// String is a TypeString value.
type String string

// Raw is a TypeRaw value.
type Raw []byte

// Bitmap is a TypeBitmap value.
type Bitmap []byte

func (Bool) Type() DatapointType   { return TypeBool }
func (Int) Type() DatapointType    { return TypeValue }
func (Enum) Type() DatapointType   { return TypeEnum }
func (String) Type() DatapointType { return TypeString }
func (Raw) Type() DatapointType    { return TypeRaw }
func (Bitmap) Type() DatapointType { return TypeBitmap }

func (v Bool) appendTo(buf []byte) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func (v Int) appendTo(buf []byte) []byte {
	return binary.BigEndian.AppendUint32(buf, uint32(v))
}

func (v Enum) appendTo(buf []byte) []byte {
	switch {
	case v > 0xFFFF:
		return binary.BigEndian.AppendUint32(buf, uint32(v))
	case v > 0xFF:
		return binary.BigEndian.AppendUint16(buf, uint16(v))
	default:
		return append(buf, byte(v))
	}
}

func (v String) appendTo(buf []byte) []byte { return append(buf, v...) }
func (v Raw) appendTo(buf []byte) []byte    { return append(buf, v...) }
func (v Bitmap) appendTo(buf []byte) []byte { return append(buf, v...) }

// Datapoint is one (id, value) unit.
type Datapoint struct {
	ID    uint8
	Value Value
}

// Type returns the wire type of the datapoint's value.
func (d Datapoint) Type() DatapointType { return d.Value.Type() }

func (d Datapoint) String() string {
	return fmt.Sprintf("{id:%d type:%s value:%v}", d.ID, d.Type(), d.Value)
}

// MarshalDatapoints packs datapoints as repeated id|type|len|value tuples.
func MarshalDatapoints(dps []Datapoint) ([]byte, error) {
	var buf []byte
	for _, dp := range dps {
		if dp.Value == nil {
			return nil, fmt.Errorf("protocol: datapoint %d has no value", dp.ID)
		}
		value := dp.Value.appendTo(nil)
		if len(value) > 0xFF {
			return nil, fmt.Errorf("protocol: datapoint %d value length %d exceeds 255", dp.ID, len(value))
		}
		buf = append(buf, dp.ID, byte(dp.Type()), byte(len(value)))
		buf = append(buf, value...)
	}
	return buf, nil
}

// UnmarshalDatapoints parses a datapoint payload. Entries with an unknown
// type tag are skipped by their length; structural errors yield ErrMalformed.
func UnmarshalDatapoints(data []byte) ([]Datapoint, error) {
	var dps []Datapoint
	pos := 0
	for pos < len(data) {
		if len(data)-pos < 3 {
			return nil, fmt.Errorf("%w: truncated datapoint header", ErrMalformed)
		}
		id, typ, n := data[pos], DatapointType(data[pos+1]), int(data[pos+2])
		pos += 3
		if pos+n > len(data) {
			return nil, fmt.Errorf("%w: datapoint %d length %d exceeds payload", ErrMalformed, id, n)
		}
		raw := data[pos : pos+n]
		pos += n

		value, known, err := decodeValue(typ, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: datapoint %d: %v", ErrMalformed, id, err)
		}
		if !known {
			continue
		}
		dps = append(dps, Datapoint{ID: id, Value: value})
	}
	return dps, nil
}

func decodeValue(typ DatapointType, raw []byte) (Value, bool, error) {
	switch typ {
	case TypeRaw:
		return Raw(cloneOrNil(raw)), true, nil
	case TypeBitmap:
		return Bitmap(cloneOrNil(raw)), true, nil
	case TypeBool:
		if len(raw) == 0 {
			return nil, true, fmt.Errorf("empty bool")
		}
		for _, b := range raw {
			if b != 0 {
				return Bool(true), true, nil
			}
		}
		return Bool(false), true, nil
	case TypeValue:
		if len(raw) == 0 || len(raw) > 4 {
			return nil, true, fmt.Errorf("value length %d", len(raw))
		}
		var u uint32
		for _, b := range raw {
			u = u<<8 | uint32(b)
		}
		// Sign-extend from the encoded width.
		shift := uint(32 - 8*len(raw))
		return Int(int32(u<<shift) >> shift), true, nil
	case TypeEnum:
		if len(raw) == 0 || len(raw) > 4 {
			return nil, true, fmt.Errorf("enum length %d", len(raw))
		}
		var u uint32
		for _, b := range raw {
			u = u<<8 | uint32(b)
		}
		return Enum(u), true, nil
	case TypeString:
		if !utf8.Valid(raw) {
			return nil, true, fmt.Errorf("invalid utf-8 string")
		}
		return String(raw), true, nil
	default:
		return nil, false, nil
	}
}

func cloneOrNil(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
