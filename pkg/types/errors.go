package types

import "errors"

// Type-related errors
var (
	// ErrUnknownType is returned when a TypeID has no registered TypeInfo
	ErrUnknownType = errors.New("unknown value type")

	// ErrInvalidLiteral is returned when a literal cannot be parsed as the requested type
	ErrInvalidLiteral = errors.New("invalid literal")

	// ErrNoIntervalArithmetic is returned for types that cannot be stepped by an interval
	ErrNoIntervalArithmetic = errors.New("type does not support interval arithmetic")

	// ErrTypeMismatch is returned when two values of different types are combined
	ErrTypeMismatch = errors.New("value type mismatch")

	// ErrInvalidEncoding is returned when a value's byte representation has the wrong size
	ErrInvalidEncoding = errors.New("invalid value encoding")

	// ErrIntervalOverflow is returned when interval arithmetic leaves the range of the type
	ErrIntervalOverflow = errors.New("interval arithmetic out of range")
)
