package expr

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Expression represents an expression in the AST.
type Expression interface {
	expressionNode()
	String() string
}

// BinaryExpr represents a binary operation (e.g., a = b, a AND b).
type BinaryExpr struct {
	Left     Expression
	Operator string
	Right    Expression
}

func (b *BinaryExpr) expressionNode() {}

func (b *BinaryExpr) String() string {
	return fmt.Sprintf("(%s %s %s)", b.Left.String(), b.Operator, b.Right.String())
}

// UnaryExpr represents a unary operation (e.g., NOT x, -x).
type UnaryExpr struct {
	Operator string
	Operand  Expression
}

func (u *UnaryExpr) expressionNode() {}

func (u *UnaryExpr) String() string {
	if u.Operator == "-" {
		return "-" + u.Operand.String()
	}
	return fmt.Sprintf("%s %s", u.Operator, u.Operand.String())
}

// ColumnRef represents a column reference.
type ColumnRef struct {
	Table  string
	Column string
}

func (c *ColumnRef) expressionNode() {}

func (c *ColumnRef) String() string {
	if c.Table != "" {
		return fmt.Sprintf("%s.%s", c.Table, c.Column)
	}
	return c.Column
}

// Literal represents a literal value: int64, float64, string, bool or nil.
type Literal struct {
	Value interface{}
}

func (l *Literal) expressionNode() {}

func (l *Literal) String() string {
	switch v := l.Value.(type) {
	case string:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'"
	case nil:
		return "NULL"
	case bool:
		if v {
			return "TRUE"
		}
		return "FALSE"
	default:
		return l.Text()
	}
}

// IsNull reports whether the literal is SQL NULL.
func (l *Literal) IsNull() bool {
	return l.Value == nil
}

// Text returns the unquoted textual form of the literal, suitable for
// parsing as a typed value.
func (l *Literal) Text() string {
	switch v := l.Value.(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// FunctionCall represents a function call expression.
type FunctionCall struct {
	Name string
	Args []Expression
}

func (f *FunctionCall) expressionNode() {}

func (f *FunctionCall) String() string {
	args := make([]string, len(f.Args))
	for i, arg := range f.Args {
		args[i] = arg.String()
	}
	return fmt.Sprintf("%s(%s)", f.Name, strings.Join(args, ", "))
}

// InExpr represents an IN expression (e.g., x IN (1, 2, 3)).
type InExpr struct {
	Expr   Expression
	Values []Expression
	Not    bool
}

func (i *InExpr) expressionNode() {}

func (i *InExpr) String() string {
	values := make([]string, len(i.Values))
	for j, v := range i.Values {
		values[j] = v.String()
	}
	if i.Not {
		return fmt.Sprintf("%s NOT IN (%s)", i.Expr.String(), strings.Join(values, ", "))
	}
	return fmt.Sprintf("%s IN (%s)", i.Expr.String(), strings.Join(values, ", "))
}

// BetweenExpr represents a BETWEEN expression (e.g., x BETWEEN 1 AND 10).
type BetweenExpr struct {
	Expr Expression
	Low  Expression
	High Expression
	Not  bool
}

func (b *BetweenExpr) expressionNode() {}

func (b *BetweenExpr) String() string {
	if b.Not {
		return fmt.Sprintf("%s NOT BETWEEN %s AND %s", b.Expr.String(), b.Low.String(), b.High.String())
	}
	return fmt.Sprintf("%s BETWEEN %s AND %s", b.Expr.String(), b.Low.String(), b.High.String())
}

// IsNullExpr represents an IS NULL or IS NOT NULL expression.
type IsNullExpr struct {
	Expr Expression
	Not  bool
}

func (i *IsNullExpr) expressionNode() {}

func (i *IsNullExpr) String() string {
	if i.Not {
		return fmt.Sprintf("%s IS NOT NULL", i.Expr.String())
	}
	return fmt.Sprintf("%s IS NULL", i.Expr.String())
}

// LikeExpr represents a LIKE expression.
type LikeExpr struct {
	Expr    Expression
	Pattern Expression
	Not     bool
}

func (l *LikeExpr) expressionNode() {}

func (l *LikeExpr) String() string {
	if l.Not {
		return fmt.Sprintf("%s NOT LIKE %s", l.Expr.String(), l.Pattern.String())
	}
	return fmt.Sprintf("%s LIKE %s", l.Expr.String(), l.Pattern.String())
}

// ParenExpr represents a parenthesized expression.
type ParenExpr struct {
	Expr Expression
}

func (p *ParenExpr) expressionNode() {}

func (p *ParenExpr) String() string {
	return fmt.Sprintf("(%s)", p.Expr.String())
}

// Strip removes any number of enclosing parentheses.
func Strip(e Expression) Expression {
	for {
		p, ok := e.(*ParenExpr)
		if !ok {
			return e
		}
		e = p.Expr
	}
}

// ConstantOf returns the literal e denotes, folding parentheses and a unary
// minus applied to a numeric literal.
func ConstantOf(e Expression) (*Literal, bool) {
	switch v := Strip(e).(type) {
	case *Literal:
		return v, true
	case *UnaryExpr:
		if v.Operator != "-" {
			return nil, false
		}
		inner, ok := ConstantOf(v.Operand)
		if !ok {
			return nil, false
		}
		switch n := inner.Value.(type) {
		case int64:
			return &Literal{Value: -n}, true
		case uint64:
			if n == 1<<63 {
				return &Literal{Value: int64(math.MinInt64)}, true
			}
		case float64:
			return &Literal{Value: -n}, true
		}
	}
	return nil, false
}

// ColumnOf returns the column e refers to, ignoring parentheses.
func ColumnOf(e Expression) (*ColumnRef, bool) {
	c, ok := Strip(e).(*ColumnRef)
	return c, ok
}
