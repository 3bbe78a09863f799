// Package types provides core data types shared across partman packages.
package types

import (
	"fmt"
	"strings"
)

// OID identifies a relation (a partitioned table or one of its children).
type OID uint32

// InvalidOID is the zero identifier; no relation ever carries it.
const InvalidOID OID = 0

// IsValid reports whether the identifier refers to a relation.
func (o OID) IsValid() bool {
	return o != InvalidOID
}

// Strategy is the partitioning strategy declared for a table.
type Strategy string

const (
	// StrategyHash places a row in child hash(key) % childCount.
	StrategyHash Strategy = "HASH"
	// StrategyRange places a row in the child whose [min, max) contains the key.
	StrategyRange Strategy = "RANGE"
)

// ParseStrategy parses a strategy name as stored in the configuration table.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(StrategyHash), "1":
		return StrategyHash, nil
	case string(StrategyRange), "2":
		return StrategyRange, nil
	default:
		return "", fmt.Errorf("types: unknown partitioning strategy %q", s)
	}
}

// KeyAttribute describes the partitioning key column of a table.
type KeyAttribute struct {
	// Name is the column name as declared in the configuration row
	Name string `json:"name"`
	// Number is the 1-based attribute number of the column in its table
	Number int `json:"number"`
	// Type is the column's value type
	Type TypeID `json:"type"`
}

// ConfigRow is one row of the partitioning configuration table.
type ConfigRow struct {
	// Table is the partitioned (parent) table
	Table OID `json:"table"`
	// Strategy is the declared partitioning strategy
	Strategy Strategy `json:"strategy"`
	// KeyAttribute is the name of the partitioning key column
	KeyAttribute string `json:"key_attribute"`
	// RangeInterval is the step used to create new RANGE partitions on demand.
	// Empty means partitions are never created automatically.
	RangeInterval string `json:"range_interval,omitempty"`
}
