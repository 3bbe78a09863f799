package expr

import (
	"math"
	"testing"
)

func TestLexer(t *testing.T) {
	tests := []struct {
		input    string
		expected []TokenType
	}{
		{
			"id >= 10 AND id < 20",
			[]TokenType{TokenIdent, TokenGe, TokenNumber, TokenAnd, TokenIdent, TokenLt, TokenNumber, TokenEOF},
		},
		{
			"get_hash(hash_int4(id), 4) = 2",
			[]TokenType{TokenIdent, TokenLParen, TokenIdent, TokenLParen, TokenIdent, TokenRParen, TokenComma, TokenNumber, TokenRParen, TokenEq, TokenNumber, TokenEOF},
		},
		{
			"name = 'it''s'",
			[]TokenType{TokenIdent, TokenEq, TokenString, TokenEOF},
		},
		{
			`"Order Date" != '2024-01-01'`,
			[]TokenType{TokenIdent, TokenNe, TokenString, TokenEOF},
		},
	}

	for _, tt := range tests {
		tokens := NewLexer(tt.input).Tokenize()

		if len(tokens) != len(tt.expected) {
			t.Errorf("input %q: expected %d tokens, got %d", tt.input, len(tt.expected), len(tokens))
			continue
		}

		for i, tok := range tokens {
			if tok.Type != tt.expected[i] {
				t.Errorf("input %q: token %d: expected %s, got %s", tt.input, i, tt.expected[i], tok.Type)
			}
		}
	}
}

func TestLexerEscapedQuote(t *testing.T) {
	tokens := NewLexer("'it''s'").Tokenize()
	if tokens[0].Literal != "it's" {
		t.Errorf("got %q, want %q", tokens[0].Literal, "it's")
	}
}

func TestParseRangeConstraint(t *testing.T) {
	e, err := Parse("id >= 10 AND id < 20")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	and, ok := e.(*BinaryExpr)
	if !ok || and.Operator != "AND" {
		t.Fatalf("expected AND at root, got %s", e)
	}

	ge, ok := and.Left.(*BinaryExpr)
	if !ok || ge.Operator != ">=" {
		t.Fatalf("expected >= on the left, got %s", and.Left)
	}
	lt, ok := and.Right.(*BinaryExpr)
	if !ok || lt.Operator != "<" {
		t.Fatalf("expected < on the right, got %s", and.Right)
	}

	if lit, ok := ConstantOf(lt.Right); !ok || lit.Value != int64(20) {
		t.Errorf("expected literal 20, got %s", lt.Right)
	}
}

func TestParseHashConstraint(t *testing.T) {
	e, err := Parse("get_hash(HASH_INT8(id), 4) = 2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	eq := e.(*BinaryExpr)
	call, ok := eq.Left.(*FunctionCall)
	if !ok || call.Name != "get_hash" || len(call.Args) != 2 {
		t.Fatalf("expected get_hash call, got %s", eq.Left)
	}
	inner, ok := call.Args[0].(*FunctionCall)
	if !ok || inner.Name != "hash_int8" {
		t.Errorf("function names are lower-cased, got %s", call.Args[0])
	}
}

func TestParsePrecedence(t *testing.T) {
	e, err := Parse("a = 1 OR a = 2 AND b = 3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := e.String(); got != "((a = 1) OR ((a = 2) AND (b = 3)))" {
		t.Errorf("got %s", got)
	}
}

func TestParsePredicates(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"id IN (1, 2, 3)", "id IN (1, 2, 3)"},
		{"id NOT IN (1)", "id NOT IN (1)"},
		{"id BETWEEN 5 AND 9", "id BETWEEN 5 AND 9"},
		{"name IS NOT NULL", "name IS NOT NULL"},
		{"NOT (id = 1)", "NOT ((id = 1))"},
		{"id > -5", "(id > -5)"},
		{"t.id <= 2.5", "(t.id <= 2.5)"},
		{"name LIKE 'a%'", "name LIKE 'a%'"},
	}

	for _, tt := range tests {
		e, err := Parse(tt.input)
		if err != nil {
			t.Errorf("%q: unexpected error: %v", tt.input, err)
			continue
		}
		if e.String() != tt.want {
			t.Errorf("%q: got %s, want %s", tt.input, e.String(), tt.want)
		}
	}
}

func TestParseErrors(t *testing.T) {
	inputs := []string{
		"",
		"id >=",
		"id IN 1",
		"(id = 1",
		"id = 1 2",
		"'unterminated",
		"id BETWEEN 1 OR 2",
	}
	for _, input := range inputs {
		if _, err := Parse(input); err == nil {
			t.Errorf("%q: expected error", input)
		}
	}
}

func TestConstantOfFoldsNegation(t *testing.T) {
	lit, ok := ConstantOf(MustParse("-(42)"))
	if !ok || lit.Value != int64(-42) {
		t.Errorf("got %v, %v", lit, ok)
	}

	lit, ok = ConstantOf(MustParse("-9223372036854775808"))
	if !ok || lit.Value != int64(math.MinInt64) {
		t.Errorf("got %v, %v", lit, ok)
	}

	if _, ok := ConstantOf(MustParse("id")); ok {
		t.Error("column is not a constant")
	}
}
