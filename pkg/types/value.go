package types

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// TypeID identifies the type of a partitioning key value.
// The numbering follows the catalog type OIDs of the host engine.
type TypeID uint32

const (
	TypeInvalid   TypeID = 0
	TypeInt8      TypeID = 20
	TypeInt4      TypeID = 23
	TypeText      TypeID = 25
	TypeFloat8    TypeID = 701
	TypeDate      TypeID = 1082
	TypeTimestamp TypeID = 1114
)

// Value is a typed key value: a type tag plus the canonical byte
// representation of the value. Fixed-size types are big-endian encoded so that
// the representation is stable across processes.
type Value struct {
	Type  TypeID
	Bytes []byte
}

var epoch = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

// Int4Value encodes a 32-bit integer.
func Int4Value(v int32) Value {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(v))
	return Value{Type: TypeInt4, Bytes: b}
}

// Int8Value encodes a 64-bit integer.
func Int8Value(v int64) Value {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return Value{Type: TypeInt8, Bytes: b}
}

// Float8Value encodes a double precision float.
func Float8Value(v float64) Value {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, math.Float64bits(v))
	return Value{Type: TypeFloat8, Bytes: b}
}

// TextValue encodes a string.
func TextValue(v string) Value {
	return Value{Type: TypeText, Bytes: []byte(v)}
}

// DateValue encodes the calendar day of t (UTC) as days since 1970-01-01.
func DateValue(t time.Time) Value {
	days := int32(math.Floor(t.UTC().Sub(epoch).Hours() / 24))
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(days))
	return Value{Type: TypeDate, Bytes: b}
}

// TimestampValue encodes t as microseconds since the Unix epoch.
func TimestampValue(t time.Time) Value {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(t.UnixMicro()))
	return Value{Type: TypeTimestamp, Bytes: b}
}

// Int64 returns the integer held by an int4, int8, date (days) or timestamp
// (microseconds) value.
func (v Value) Int64() (int64, error) {
	switch v.Type {
	case TypeInt4, TypeDate:
		if len(v.Bytes) != 4 {
			return 0, ErrInvalidEncoding
		}
		return int64(int32(binary.BigEndian.Uint32(v.Bytes))), nil
	case TypeInt8, TypeTimestamp:
		if len(v.Bytes) != 8 {
			return 0, ErrInvalidEncoding
		}
		return int64(binary.BigEndian.Uint64(v.Bytes)), nil
	default:
		return 0, fmt.Errorf("%w: %d is not an integer type", ErrTypeMismatch, v.Type)
	}
}

// Float64 returns the float held by a float8 value.
func (v Value) Float64() (float64, error) {
	if v.Type != TypeFloat8 {
		return 0, fmt.Errorf("%w: %d is not float8", ErrTypeMismatch, v.Type)
	}
	if len(v.Bytes) != 8 {
		return 0, ErrInvalidEncoding
	}
	return math.Float64frombits(binary.BigEndian.Uint64(v.Bytes)), nil
}

// Time returns the instant held by a date or timestamp value.
func (v Value) Time() (time.Time, error) {
	n, err := v.Int64()
	if err != nil {
		return time.Time{}, err
	}
	switch v.Type {
	case TypeDate:
		return epoch.AddDate(0, 0, int(n)), nil
	case TypeTimestamp:
		return time.UnixMicro(n).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("%w: %d is not a time type", ErrTypeMismatch, v.Type)
	}
}

// Equal reports whether two values carry the same type and bytes.
func (v Value) Equal(other Value) bool {
	return v.Type == other.Type && bytes.Equal(v.Bytes, other.Bytes)
}

// Clone returns a copy that does not share the byte slice.
func (v Value) Clone() Value {
	b := make([]byte, len(v.Bytes))
	copy(b, v.Bytes)
	return Value{Type: v.Type, Bytes: b}
}

// String renders the value for logs and error messages.
func (v Value) String() string {
	info, err := Lookup(v.Type)
	if err != nil {
		return fmt.Sprintf("<type %d: %x>", v.Type, v.Bytes)
	}
	return info.format(v.Bytes)
}
