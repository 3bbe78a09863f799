package expr

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseError represents a parsing error with location information.
type ParseError struct {
	Message  string
	Position int
	Token    Token
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at position %d: %s (got %s)", e.Position, e.Message, e.Token.Literal)
}

// Parser parses SQL expressions into an AST.
type Parser struct {
	lexer     *Lexer
	curToken  Token
	peekToken Token
}

// NewParser creates a new Parser for the given input.
func NewParser(input string) *Parser {
	p := &Parser{
		lexer: NewLexer(input),
	}
	// Read two tokens to initialize curToken and peekToken
	p.nextToken()
	p.nextToken()
	return p
}

// Parse parses a complete expression. Trailing input is an error.
func Parse(input string) (Expression, error) {
	p := NewParser(input)
	e, err := p.parseExpression(precLowest)
	if err != nil {
		return nil, err
	}
	if !p.curTokenIs(TokenEOF) {
		return nil, p.errorf("unexpected trailing input")
	}
	return e, nil
}

// MustParse is Parse for expressions known to be well formed. It panics on error.
func MustParse(input string) Expression {
	e, err := Parse(input)
	if err != nil {
		panic(err)
	}
	return e
}

func (p *Parser) nextToken() {
	p.curToken = p.peekToken
	p.peekToken = p.lexer.NextToken()
}

func (p *Parser) curTokenIs(t TokenType) bool {
	return p.curToken.Type == t
}

func (p *Parser) errorf(format string, args ...interface{}) *ParseError {
	return &ParseError{
		Message:  fmt.Sprintf(format, args...),
		Position: p.curToken.Pos,
		Token:    p.curToken,
	}
}

// Operator precedence levels
const (
	precLowest  = 0
	precOr      = 1
	precAnd     = 2
	precNot     = 3
	precCompare = 4
	precAdd     = 5
	precMul     = 6
	precUnary   = 7
)

// getPrecedence returns the precedence of the current token in infix position.
func (p *Parser) getPrecedence() int {
	switch p.curToken.Type {
	case TokenOr:
		return precOr
	case TokenAnd:
		return precAnd
	case TokenEq, TokenNe, TokenLt, TokenGt, TokenLe, TokenGe, TokenLike, TokenIn, TokenBetween, TokenIs, TokenNot:
		return precCompare
	case TokenPlus, TokenMinus:
		return precAdd
	case TokenStar, TokenSlash:
		return precMul
	default:
		return precLowest
	}
}

// parseExpression parses an expression with operator precedence.
func (p *Parser) parseExpression(precedence int) (Expression, error) {
	left, err := p.parsePrefixExpression()
	if err != nil {
		return nil, err
	}

	for !p.curTokenIs(TokenEOF) && precedence < p.getPrecedence() {
		left, err = p.parseInfixExpression(left)
		if err != nil {
			return nil, err
		}
	}

	return left, nil
}

func (p *Parser) parsePrefixExpression() (Expression, error) {
	switch p.curToken.Type {
	case TokenIdent:
		return p.parseIdentifierOrFunction()
	case TokenNumber:
		return p.parseNumber()
	case TokenString:
		lit := &Literal{Value: p.curToken.Literal}
		p.nextToken()
		return lit, nil
	case TokenNull:
		p.nextToken()
		return &Literal{Value: nil}, nil
	case TokenTrue, TokenFalse:
		lit := &Literal{Value: p.curTokenIs(TokenTrue)}
		p.nextToken()
		return lit, nil
	case TokenLParen:
		return p.parseGroupedExpression()
	case TokenNot:
		p.nextToken()
		operand, err := p.parseExpression(precNot)
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Operator: "NOT", Operand: operand}, nil
	case TokenMinus:
		p.nextToken()
		operand, err := p.parseExpression(precUnary)
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Operator: "-", Operand: operand}, nil
	case TokenError:
		return nil, p.errorf("invalid token")
	default:
		return nil, p.errorf("unexpected token in expression")
	}
}

func (p *Parser) parseIdentifierOrFunction() (Expression, error) {
	name := p.curToken.Literal
	p.nextToken()

	if p.curTokenIs(TokenDot) {
		p.nextToken()
		if !p.curTokenIs(TokenIdent) {
			return nil, p.errorf("expected column name after dot")
		}
		col := &ColumnRef{Table: name, Column: p.curToken.Literal}
		p.nextToken()
		return col, nil
	}

	if p.curTokenIs(TokenLParen) {
		return p.parseFunctionCall(name)
	}

	return &ColumnRef{Column: name}, nil
}

func (p *Parser) parseFunctionCall(name string) (Expression, error) {
	p.nextToken() // Skip (

	var args []Expression
	if !p.curTokenIs(TokenRParen) {
		for {
			arg, err := p.parseExpression(precLowest)
			if err != nil {
				return nil, err
			}
			args = append(args, arg)

			if !p.curTokenIs(TokenComma) {
				break
			}
			p.nextToken()
		}
	}

	if !p.curTokenIs(TokenRParen) {
		return nil, p.errorf("expected ) after function arguments")
	}
	p.nextToken()

	return &FunctionCall{Name: strings.ToLower(name), Args: args}, nil
}

const minInt64Magnitude = "9223372036854775808"

func (p *Parser) parseNumber() (Expression, error) {
	tok := p.curToken
	p.nextToken()

	if !strings.Contains(tok.Literal, ".") {
		if val, err := strconv.ParseInt(tok.Literal, 10, 64); err == nil {
			return &Literal{Value: val}, nil
		}
		// Only reachable negated, as the int64 minimum.
		if tok.Literal == minInt64Magnitude {
			return &Literal{Value: uint64(1) << 63}, nil
		}
	}

	val, err := strconv.ParseFloat(tok.Literal, 64)
	if err != nil {
		return nil, &ParseError{Message: "invalid number", Position: tok.Pos, Token: tok}
	}
	return &Literal{Value: val}, nil
}

func (p *Parser) parseGroupedExpression() (Expression, error) {
	p.nextToken() // Skip (

	e, err := p.parseExpression(precLowest)
	if err != nil {
		return nil, err
	}

	if !p.curTokenIs(TokenRParen) {
		return nil, p.errorf("expected )")
	}
	p.nextToken()

	return &ParenExpr{Expr: e}, nil
}

func (p *Parser) parseInfixExpression(left Expression) (Expression, error) {
	switch p.curToken.Type {
	case TokenAnd, TokenOr,
		TokenEq, TokenNe, TokenLt, TokenGt, TokenLe, TokenGe,
		TokenPlus, TokenMinus, TokenStar, TokenSlash:
		return p.parseBinaryExpression(left)
	case TokenLike:
		return p.parseLikeExpression(left, false)
	case TokenIn:
		return p.parseInExpression(left, false)
	case TokenBetween:
		return p.parseBetweenExpression(left, false)
	case TokenIs:
		return p.parseIsExpression(left)
	case TokenNot:
		return p.parseNotInfix(left)
	default:
		return left, nil
	}
}

func (p *Parser) parseBinaryExpression(left Expression) (Expression, error) {
	op := p.curToken.Literal
	precedence := p.getPrecedence()
	p.nextToken()

	right, err := p.parseExpression(precedence)
	if err != nil {
		return nil, err
	}

	return &BinaryExpr{Left: left, Operator: op, Right: right}, nil
}

func (p *Parser) parseLikeExpression(left Expression, not bool) (Expression, error) {
	p.nextToken() // Skip LIKE

	pattern, err := p.parseExpression(precCompare)
	if err != nil {
		return nil, err
	}

	return &LikeExpr{Expr: left, Pattern: pattern, Not: not}, nil
}

func (p *Parser) parseInExpression(left Expression, not bool) (Expression, error) {
	p.nextToken() // Skip IN

	if !p.curTokenIs(TokenLParen) {
		return nil, p.errorf("expected ( after IN")
	}
	p.nextToken()

	var values []Expression
	for {
		val, err := p.parseExpression(precLowest)
		if err != nil {
			return nil, err
		}
		values = append(values, val)

		if !p.curTokenIs(TokenComma) {
			break
		}
		p.nextToken()
	}

	if !p.curTokenIs(TokenRParen) {
		return nil, p.errorf("expected ) after IN values")
	}
	p.nextToken()

	return &InExpr{Expr: left, Values: values, Not: not}, nil
}

func (p *Parser) parseBetweenExpression(left Expression, not bool) (Expression, error) {
	p.nextToken() // Skip BETWEEN

	low, err := p.parseExpression(precCompare)
	if err != nil {
		return nil, err
	}

	if !p.curTokenIs(TokenAnd) {
		return nil, p.errorf("expected AND in BETWEEN expression")
	}
	p.nextToken()

	high, err := p.parseExpression(precCompare)
	if err != nil {
		return nil, err
	}

	return &BetweenExpr{Expr: left, Low: low, High: high, Not: not}, nil
}

func (p *Parser) parseIsExpression(left Expression) (Expression, error) {
	p.nextToken() // Skip IS

	not := false
	if p.curTokenIs(TokenNot) {
		not = true
		p.nextToken()
	}

	if !p.curTokenIs(TokenNull) {
		return nil, p.errorf("expected NULL after IS")
	}
	p.nextToken()

	return &IsNullExpr{Expr: left, Not: not}, nil
}

// parseNotInfix parses NOT IN, NOT LIKE, NOT BETWEEN.
func (p *Parser) parseNotInfix(left Expression) (Expression, error) {
	p.nextToken() // Skip NOT

	switch p.curToken.Type {
	case TokenIn:
		return p.parseInExpression(left, true)
	case TokenLike:
		return p.parseLikeExpression(left, true)
	case TokenBetween:
		return p.parseBetweenExpression(left, true)
	default:
		return nil, p.errorf("expected IN, LIKE, or BETWEEN after NOT")
	}
}
