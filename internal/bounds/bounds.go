// Package bounds reads partition bounds out of stored check constraints and
// renders the constraints partman generates for new partitions.
//
// Only two shapes are recognized:
//
//	RANGE: key >= MIN AND key < MAX
//	HASH:  get_hash(<type hash fn>(key), CHILD_COUNT) = CHILD_INDEX
//
// Anything else is a validation error and the constraint is treated as
// unmatched by the caller.
package bounds

import (
	"fmt"
	"strings"

	"github.com/arkilian/partman/internal/expr"
	perrors "github.com/arkilian/partman/internal/errors"
	"github.com/arkilian/partman/pkg/types"
)

// GetHashFunc is the name of the function folding a type hash into a child index.
const GetHashFunc = "get_hash"

// ConstraintName returns the deterministic name of the check constraint
// carrying the bound of partition on the key attribute attnum.
func ConstraintName(partition types.OID, attnum int) string {
	return fmt.Sprintf("partman_%d_%d_check", partition, attnum)
}

// RangeBound is the half-open key interval [Min, Max) a range partition owns.
type RangeBound struct {
	Min types.Value
	Max types.Value
}

// GetHash folds a type hash into [0, count).
func GetHash(hash uint32, count int) int {
	return int(hash % uint32(count))
}

func invalid(format string, args ...interface{}) error {
	return perrors.NewValidationError(perrors.CodeUnrecognizedShape, fmt.Sprintf(format, args...))
}

// ExtractRangeBound reads MIN and MAX from a constraint of the form
// key >= MIN AND key < MAX.
func ExtractRangeBound(e expr.Expression, key types.KeyAttribute) (RangeBound, error) {
	info, err := types.Lookup(key.Type)
	if err != nil {
		return RangeBound{}, perrors.NewValidationError(perrors.CodeUnsupportedType, err.Error())
	}

	and, ok := expr.Strip(e).(*expr.BinaryExpr)
	if !ok || and.Operator != "AND" {
		return RangeBound{}, invalid("range constraint must be a conjunction, got %s", e)
	}

	min, err := readComparison(and.Left, ">=", key, info)
	if err != nil {
		return RangeBound{}, err
	}
	max, err := readComparison(and.Right, "<", key, info)
	if err != nil {
		return RangeBound{}, err
	}
	if info.Compare(min, max) >= 0 {
		return RangeBound{}, invalid("empty range [%s, %s)", min, max)
	}

	return RangeBound{Min: min, Max: max}, nil
}

// readComparison reads CONST from "key <op> CONST".
func readComparison(e expr.Expression, op string, key types.KeyAttribute, info *types.TypeInfo) (types.Value, error) {
	cmp, ok := expr.Strip(e).(*expr.BinaryExpr)
	if !ok || cmp.Operator != op {
		return types.Value{}, invalid("expected %q comparison, got %s", op, e)
	}
	col, ok := expr.ColumnOf(cmp.Left)
	if !ok || !sameColumn(col, key) {
		return types.Value{}, invalid("expected key column %q on the left of %s", key.Name, e)
	}
	lit, ok := expr.ConstantOf(cmp.Right)
	if !ok {
		return types.Value{}, invalid("expected a literal on the right of %s", e)
	}
	if lit.IsNull() {
		return types.Value{}, perrors.NewValidationError(perrors.CodeNullBound, fmt.Sprintf("null bound in %s", e))
	}
	v, err := info.ParseLiteral(lit.Text())
	if err != nil {
		return types.Value{}, invalid("%v", err)
	}
	return v, nil
}

// ExtractHashBound reads the child index from a constraint of the form
// get_hash(<hash fn>(key), N) = IDX. N must equal expectedChildCount and IDX
// must be a non-null literal below it.
func ExtractHashBound(e expr.Expression, key types.KeyAttribute, expectedChildCount int) (int, error) {
	info, err := types.Lookup(key.Type)
	if err != nil {
		return 0, perrors.NewValidationError(perrors.CodeUnsupportedType, err.Error())
	}

	eq, ok := expr.Strip(e).(*expr.BinaryExpr)
	if !ok || eq.Operator != "=" {
		return 0, invalid("hash constraint must be an equality, got %s", e)
	}

	call, ok := expr.Strip(eq.Left).(*expr.FunctionCall)
	if !ok || call.Name != GetHashFunc || len(call.Args) != 2 {
		return 0, invalid("expected %s(...) on the left of %s", GetHashFunc, e)
	}

	hashCall, ok := expr.Strip(call.Args[0]).(*expr.FunctionCall)
	if !ok || hashCall.Name != info.HashFunc || len(hashCall.Args) != 1 {
		return 0, invalid("expected %s(%s) as first argument of %s", info.HashFunc, key.Name, GetHashFunc)
	}
	col, ok := expr.ColumnOf(hashCall.Args[0])
	if !ok || !sameColumn(col, key) {
		return 0, invalid("hash function must be applied to key column %q", key.Name)
	}

	count, err := readIndexLiteral(call.Args[1])
	if err != nil {
		return 0, err
	}
	if count != int64(expectedChildCount) {
		return 0, perrors.NewValidationError(perrors.CodeChildCount,
			fmt.Sprintf("constraint declares %d partitions, table has %d", count, expectedChildCount))
	}

	idx, err := readIndexLiteral(eq.Right)
	if err != nil {
		return 0, err
	}
	if idx >= count {
		return 0, invalid("partition index %d out of range for %d partitions", idx, count)
	}

	return int(idx), nil
}

func readIndexLiteral(e expr.Expression) (int64, error) {
	lit, ok := expr.ConstantOf(e)
	if !ok {
		return 0, invalid("expected an integer literal, got %s", e)
	}
	if lit.IsNull() {
		return 0, perrors.NewValidationError(perrors.CodeNullBound, fmt.Sprintf("null literal %s", e))
	}
	n, ok := lit.Value.(int64)
	if !ok || n < 0 {
		return 0, invalid("expected a non-negative integer, got %s", lit)
	}
	return n, nil
}

func sameColumn(col *expr.ColumnRef, key types.KeyAttribute) bool {
	return strings.EqualFold(col.Column, key.Name)
}

// RangeConstraint renders the constraint text for a range partition.
func RangeConstraint(key types.KeyAttribute, b RangeBound) (string, error) {
	info, err := types.Lookup(key.Type)
	if err != nil {
		return "", err
	}
	col := quoteIdent(key.Name)
	return fmt.Sprintf("%s >= %s AND %s < %s", col, info.FormatLiteral(b.Min), col, info.FormatLiteral(b.Max)), nil
}

// HashConstraint renders the constraint text for hash partition idx of count.
func HashConstraint(key types.KeyAttribute, count, idx int) (string, error) {
	info, err := types.Lookup(key.Type)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s(%s(%s), %d) = %d", GetHashFunc, info.HashFunc, quoteIdent(key.Name), count, idx), nil
}

func quoteIdent(name string) string {
	for _, r := range name {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			return `"` + name + `"`
		}
	}
	return name
}
