package types

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/spaolacci/murmur3"
)

// TypeInfo holds the comparison, hashing and literal handling of one key type.
type TypeInfo struct {
	// ID is the type identifier
	ID TypeID
	// Name is the SQL name of the type
	Name string
	// FixedSize is the byte length of every value, or 0 for variable-length types
	FixedSize int
	// HashFunc is the name of the type's hash function as it appears in
	// HASH partition constraints
	HashFunc string

	compare func(a, b []byte) int
	parse   func(s string) ([]byte, error)
	format  func(b []byte) string
	quoted  bool

	// Interval arithmetic, nil when unsupported.
	ordinal       func(b []byte) int64
	fromOrdinal   func(n int64) []byte
	parseInterval func(s string) (int64, error)
	// Representable ordinals, inclusive.
	minOrdinal, maxOrdinal int64
}

const (
	dateLayout      = "2006-01-02"
	timestampLayout = "2006-01-02 15:04:05.999999"
)

var registry = map[TypeID]*TypeInfo{
	TypeInt4: {
		ID: TypeInt4, Name: "int4", FixedSize: 4, HashFunc: "hash_int4",
		compare: func(a, b []byte) int { return cmpInt64(decodeInt32(a), decodeInt32(b)) },
		parse: func(s string) ([]byte, error) {
			n, err := strconv.ParseInt(s, 10, 32)
			if err != nil {
				return nil, err
			}
			return Int4Value(int32(n)).Bytes, nil
		},
		format:        func(b []byte) string { return strconv.FormatInt(decodeInt32(b), 10) },
		ordinal:       decodeInt32,
		fromOrdinal:   func(n int64) []byte { return Int4Value(int32(n)).Bytes },
		parseInterval: parsePositiveInt,
		minOrdinal:    math.MinInt32,
		maxOrdinal:    math.MaxInt32,
	},
	TypeInt8: {
		ID: TypeInt8, Name: "int8", FixedSize: 8, HashFunc: "hash_int8",
		compare: func(a, b []byte) int { return cmpInt64(decodeInt64(a), decodeInt64(b)) },
		parse: func(s string) ([]byte, error) {
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, err
			}
			return Int8Value(n).Bytes, nil
		},
		format:        func(b []byte) string { return strconv.FormatInt(decodeInt64(b), 10) },
		ordinal:       decodeInt64,
		fromOrdinal:   func(n int64) []byte { return Int8Value(n).Bytes },
		parseInterval: parsePositiveInt,
		minOrdinal:    math.MinInt64,
		maxOrdinal:    math.MaxInt64,
	},
	TypeFloat8: {
		ID: TypeFloat8, Name: "float8", FixedSize: 8, HashFunc: "hash_float8",
		compare: func(a, b []byte) int {
			x, y := decodeFloat64(a), decodeFloat64(b)
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			default:
				return 0
			}
		},
		parse: func(s string) ([]byte, error) {
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, err
			}
			return Float8Value(f).Bytes, nil
		},
		format: func(b []byte) string { return strconv.FormatFloat(decodeFloat64(b), 'f', -1, 64) },
	},
	TypeText: {
		ID: TypeText, Name: "text", FixedSize: 0, HashFunc: "hash_text",
		compare: bytes.Compare,
		parse:   func(s string) ([]byte, error) { return []byte(s), nil },
		format:  func(b []byte) string { return string(b) },
		quoted:  true,
	},
	TypeDate: {
		ID: TypeDate, Name: "date", FixedSize: 4, HashFunc: "hash_date",
		compare: func(a, b []byte) int { return cmpInt64(decodeInt32(a), decodeInt32(b)) },
		parse: func(s string) ([]byte, error) {
			t, err := time.Parse(dateLayout, s)
			if err != nil {
				return nil, err
			}
			return DateValue(t).Bytes, nil
		},
		format:      func(b []byte) string { return epoch.AddDate(0, 0, int(decodeInt32(b))).Format(dateLayout) },
		quoted:      true,
		ordinal:     decodeInt32,
		fromOrdinal: func(n int64) []byte { return Int4Value(int32(n)).Bytes },
		parseInterval: func(s string) (int64, error) {
			return parsePositiveInt(strings.TrimSuffix(strings.TrimSpace(s), "d"))
		},
		minOrdinal: math.MinInt32,
		maxOrdinal: math.MaxInt32,
	},
	TypeTimestamp: {
		ID: TypeTimestamp, Name: "timestamp", FixedSize: 8, HashFunc: "hash_timestamp",
		compare: func(a, b []byte) int { return cmpInt64(decodeInt64(a), decodeInt64(b)) },
		parse: func(s string) ([]byte, error) {
			t, err := time.Parse(timestampLayout, s)
			if err != nil {
				t, err = time.Parse(time.RFC3339Nano, s)
				if err != nil {
					return nil, err
				}
			}
			return TimestampValue(t).Bytes, nil
		},
		format:      func(b []byte) string { return time.UnixMicro(decodeInt64(b)).UTC().Format(timestampLayout) },
		quoted:      true,
		ordinal:     decodeInt64,
		fromOrdinal: func(n int64) []byte { return Int8Value(n).Bytes },
		parseInterval: func(s string) (int64, error) {
			d, err := time.ParseDuration(strings.TrimSpace(s))
			if err != nil {
				return 0, err
			}
			if d <= 0 {
				return 0, fmt.Errorf("interval must be positive, got %s", s)
			}
			return d.Microseconds(), nil
		},
		minOrdinal: math.MinInt64,
		maxOrdinal: math.MaxInt64,
	},
}

// Lookup returns the TypeInfo registered for id.
func Lookup(id TypeID) (*TypeInfo, error) {
	info, ok := registry[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, id)
	}
	return info, nil
}

// LookupByName returns the TypeInfo whose SQL name is name.
func LookupByName(name string) (*TypeInfo, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "integer", "int":
		name = "int4"
	case "bigint":
		name = "int8"
	case "double precision", "float":
		name = "float8"
	case "varchar":
		name = "text"
	}
	for _, info := range registry {
		if info.Name == name {
			return info, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, name)
}

// Compare orders two values of this type: -1, 0 or 1.
func (t *TypeInfo) Compare(a, b Value) int {
	return t.compare(a.Bytes, b.Bytes)
}

// Hash returns the type hash of v. The hash of a value depends only on its
// canonical byte representation, so it is stable across processes.
func (t *TypeInfo) Hash(v Value) uint32 {
	return murmur3.Sum32(v.Bytes)
}

// ParseLiteral parses the textual form of a literal of this type.
func (t *TypeInfo) ParseLiteral(s string) (Value, error) {
	b, err := t.parse(s)
	if err != nil {
		return Value{}, fmt.Errorf("%w: %q as %s: %v", ErrInvalidLiteral, s, t.Name, err)
	}
	return Value{Type: t.ID, Bytes: b}, nil
}

// FormatLiteral renders v as a SQL literal, quoting where the type requires.
func (t *TypeInfo) FormatLiteral(v Value) string {
	s := t.format(v.Bytes)
	if t.quoted {
		return "'" + strings.ReplaceAll(s, "'", "''") + "'"
	}
	return s
}

// Validate checks that v is a well-formed value of this type.
func (t *TypeInfo) Validate(v Value) error {
	if v.Type != t.ID {
		return fmt.Errorf("%w: expected %s, got type %d", ErrTypeMismatch, t.Name, v.Type)
	}
	if t.FixedSize > 0 && len(v.Bytes) != t.FixedSize {
		return fmt.Errorf("%w: %s needs %d bytes, got %d", ErrInvalidEncoding, t.Name, t.FixedSize, len(v.Bytes))
	}
	return nil
}

// SupportsInterval reports whether values of this type can be stepped by an interval.
func (t *TypeInfo) SupportsInterval() bool {
	return t.ordinal != nil
}

// ValidateInterval checks that interval is a valid positive step for this type.
func (t *TypeInfo) ValidateInterval(interval string) error {
	if !t.SupportsInterval() {
		return fmt.Errorf("%w: %s", ErrNoIntervalArithmetic, t.Name)
	}
	if _, err := t.parseInterval(interval); err != nil {
		return fmt.Errorf("types: invalid interval %q for %s: %w", interval, t.Name, err)
	}
	return nil
}

// Origin returns the value at ordinal zero (0, or the Unix epoch for
// dates and timestamps). Intervals of a table with no partitions are aligned on it.
func (t *TypeInfo) Origin() (Value, error) {
	if !t.SupportsInterval() {
		return Value{}, fmt.Errorf("%w: %s", ErrNoIntervalArithmetic, t.Name)
	}
	return Value{Type: t.ID, Bytes: t.fromOrdinal(0)}, nil
}

// MinValue returns the smallest value of an interval type.
func (t *TypeInfo) MinValue() (Value, error) {
	if !t.SupportsInterval() {
		return Value{}, fmt.Errorf("%w: %s", ErrNoIntervalArithmetic, t.Name)
	}
	return Value{Type: t.ID, Bytes: t.fromOrdinal(t.minOrdinal)}, nil
}

// MaxValue returns the largest value of an interval type.
func (t *TypeInfo) MaxValue() (Value, error) {
	if !t.SupportsInterval() {
		return Value{}, fmt.Errorf("%w: %s", ErrNoIntervalArithmetic, t.Name)
	}
	return Value{Type: t.ID, Bytes: t.fromOrdinal(t.maxOrdinal)}, nil
}

// Advance returns anchor + n*interval. It fails with ErrIntervalOverflow
// when the result is not representable in the type.
func (t *TypeInfo) Advance(anchor Value, interval string, n int64) (Value, error) {
	if err := t.ValidateInterval(interval); err != nil {
		return Value{}, err
	}
	step, _ := t.parseInterval(interval)
	base := t.ordinal(anchor.Bytes)
	off, ok := mulInt64(n, step)
	if ok {
		var sum int64
		if sum, ok = addInt64(base, off); ok && sum >= t.minOrdinal && sum <= t.maxOrdinal {
			return Value{Type: t.ID, Bytes: t.fromOrdinal(sum)}, nil
		}
	}
	return Value{}, fmt.Errorf("%w: %s + %d * %s as %s", ErrIntervalOverflow, t.format(anchor.Bytes), n, interval, t.Name)
}

// Steps returns floor((v - anchor) / interval): the number of whole intervals
// from anchor to the interval containing v. It is negative when v < anchor.
func (t *TypeInfo) Steps(anchor, v Value, interval string) (int64, error) {
	if err := t.ValidateInterval(interval); err != nil {
		return 0, err
	}
	step, _ := t.parseInterval(interval)
	diff, ok := subInt64(t.ordinal(v.Bytes), t.ordinal(anchor.Bytes))
	if !ok {
		return 0, fmt.Errorf("%w: distance from %s to %s", ErrIntervalOverflow, t.format(anchor.Bytes), t.format(v.Bytes))
	}
	q := diff / step
	if diff%step != 0 && diff < 0 {
		q--
	}
	return q, nil
}

func addInt64(a, b int64) (int64, bool) {
	c := a + b
	if (b > 0 && c < a) || (b < 0 && c > a) {
		return 0, false
	}
	return c, true
}

func subInt64(a, b int64) (int64, bool) {
	c := a - b
	if (b > 0 && c > a) || (b < 0 && c < a) {
		return 0, false
	}
	return c, true
}

func mulInt64(a, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	c := a * b
	if (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) || c/b != a {
		return 0, false
	}
	return c, true
}

func parsePositiveInt(s string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("interval must be positive, got %d", n)
	}
	return n, nil
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func decodeInt32(b []byte) int64 {
	return int64(int32(binary.BigEndian.Uint32(b)))
}

func decodeInt64(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

func decodeFloat64(b []byte) float64 {
	return math.Float64frombits(binary.BigEndian.Uint64(b))
}
