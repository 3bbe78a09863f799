// Package expr parses the SQL expression fragments partman stores and reads:
// partition check constraints and pruning predicates.
package expr

import (
	"fmt"
	"strings"
	"unicode"
)

// TokenType represents the type of a lexical token.
type TokenType int

const (
	// Special tokens
	TokenEOF TokenType = iota
	TokenError
	TokenIdent
	TokenNumber
	TokenString

	// Keywords
	TokenAnd
	TokenOr
	TokenNot
	TokenIn
	TokenBetween
	TokenNull
	TokenIs
	TokenLike
	TokenTrue
	TokenFalse

	// Operators
	TokenEq     // =
	TokenNe     // <> or !=
	TokenLt     // <
	TokenGt     // >
	TokenLe     // <=
	TokenGe     // >=
	TokenPlus   // +
	TokenMinus  // -
	TokenStar   // *
	TokenSlash  // /
	TokenComma  // ,
	TokenLParen // (
	TokenRParen // )
	TokenDot    // .
)

// Token represents a lexical token.
type Token struct {
	Type    TokenType
	Literal string
	Pos     int // Position in input
}

// String returns a string representation of the token.
func (t Token) String() string {
	return fmt.Sprintf("Token{%s, %q, %d}", t.Type.String(), t.Literal, t.Pos)
}

var tokenNames = map[TokenType]string{
	TokenEOF:     "EOF",
	TokenError:   "ERROR",
	TokenIdent:   "IDENT",
	TokenNumber:  "NUMBER",
	TokenString:  "STRING",
	TokenAnd:     "AND",
	TokenOr:      "OR",
	TokenNot:     "NOT",
	TokenIn:      "IN",
	TokenBetween: "BETWEEN",
	TokenNull:    "NULL",
	TokenIs:      "IS",
	TokenLike:    "LIKE",
	TokenTrue:    "TRUE",
	TokenFalse:   "FALSE",
	TokenEq:      "=",
	TokenNe:      "<>",
	TokenLt:      "<",
	TokenGt:      ">",
	TokenLe:      "<=",
	TokenGe:      ">=",
	TokenPlus:    "+",
	TokenMinus:   "-",
	TokenStar:    "*",
	TokenSlash:   "/",
	TokenComma:   ",",
	TokenLParen:  "(",
	TokenRParen:  ")",
	TokenDot:     ".",
}

// String returns the string representation of a TokenType.
func (t TokenType) String() string {
	if name, ok := tokenNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

// keywords maps SQL keywords to their token types.
var keywords = map[string]TokenType{
	"AND":     TokenAnd,
	"OR":      TokenOr,
	"NOT":     TokenNot,
	"IN":      TokenIn,
	"BETWEEN": TokenBetween,
	"NULL":    TokenNull,
	"IS":      TokenIs,
	"LIKE":    TokenLike,
	"TRUE":    TokenTrue,
	"FALSE":   TokenFalse,
}

// Lexer tokenizes SQL expression input.
type Lexer struct {
	input   string
	pos     int  // Current position in input
	readPos int  // Reading position (after current char)
	ch      byte // Current character
}

// NewLexer creates a new Lexer for the given input.
func NewLexer(input string) *Lexer {
	l := &Lexer{input: input}
	l.readChar()
	return l
}

func (l *Lexer) readChar() {
	if l.readPos >= len(l.input) {
		l.ch = 0 // EOF
	} else {
		l.ch = l.input[l.readPos]
	}
	l.pos = l.readPos
	l.readPos++
}

func (l *Lexer) peekChar() byte {
	if l.readPos >= len(l.input) {
		return 0
	}
	return l.input[l.readPos]
}

func (l *Lexer) skipWhitespace() {
	for l.ch == ' ' || l.ch == '\t' || l.ch == '\n' || l.ch == '\r' {
		l.readChar()
	}
}

// NextToken returns the next token from the input.
func (l *Lexer) NextToken() Token {
	l.skipWhitespace()

	startPos := l.pos
	var tok Token

	switch l.ch {
	case '=':
		tok = Token{Type: TokenEq, Literal: "=", Pos: startPos}
	case '<':
		if l.peekChar() == '=' {
			l.readChar()
			tok = Token{Type: TokenLe, Literal: "<=", Pos: startPos}
		} else if l.peekChar() == '>' {
			l.readChar()
			tok = Token{Type: TokenNe, Literal: "<>", Pos: startPos}
		} else {
			tok = Token{Type: TokenLt, Literal: "<", Pos: startPos}
		}
	case '>':
		if l.peekChar() == '=' {
			l.readChar()
			tok = Token{Type: TokenGe, Literal: ">=", Pos: startPos}
		} else {
			tok = Token{Type: TokenGt, Literal: ">", Pos: startPos}
		}
	case '!':
		if l.peekChar() == '=' {
			l.readChar()
			tok = Token{Type: TokenNe, Literal: "<>", Pos: startPos}
		} else {
			tok = Token{Type: TokenError, Literal: string(l.ch), Pos: startPos}
		}
	case '+':
		tok = Token{Type: TokenPlus, Literal: "+", Pos: startPos}
	case '-':
		tok = Token{Type: TokenMinus, Literal: "-", Pos: startPos}
	case '*':
		tok = Token{Type: TokenStar, Literal: "*", Pos: startPos}
	case '/':
		tok = Token{Type: TokenSlash, Literal: "/", Pos: startPos}
	case ',':
		tok = Token{Type: TokenComma, Literal: ",", Pos: startPos}
	case '(':
		tok = Token{Type: TokenLParen, Literal: "(", Pos: startPos}
	case ')':
		tok = Token{Type: TokenRParen, Literal: ")", Pos: startPos}
	case '.':
		tok = Token{Type: TokenDot, Literal: ".", Pos: startPos}
	case '\'':
		tok = l.readString()
	case '"':
		tok = l.readQuotedIdent()
	case 0:
		tok = Token{Type: TokenEOF, Literal: "", Pos: startPos}
	default:
		if isLetter(l.ch) || l.ch == '_' {
			return l.readIdentifier()
		} else if isDigit(l.ch) {
			return l.readNumber()
		} else {
			tok = Token{Type: TokenError, Literal: string(l.ch), Pos: startPos}
		}
	}

	l.readChar()
	return tok
}

func (l *Lexer) readIdentifier() Token {
	startPos := l.pos
	for isLetter(l.ch) || isDigit(l.ch) || l.ch == '_' {
		l.readChar()
	}
	literal := l.input[startPos:l.pos]
	upper := strings.ToUpper(literal)

	if tokType, ok := keywords[upper]; ok {
		return Token{Type: tokType, Literal: upper, Pos: startPos}
	}

	return Token{Type: TokenIdent, Literal: literal, Pos: startPos}
}

func (l *Lexer) readNumber() Token {
	startPos := l.pos
	hasDecimal := false

	for isDigit(l.ch) || (l.ch == '.' && !hasDecimal && isDigit(l.peekChar())) {
		if l.ch == '.' {
			hasDecimal = true
		}
		l.readChar()
	}

	return Token{Type: TokenNumber, Literal: l.input[startPos:l.pos], Pos: startPos}
}

// readString reads a single-quoted literal. A doubled quote is an escaped
// quote and is collapsed in the token literal.
func (l *Lexer) readString() Token {
	startPos := l.pos
	var sb strings.Builder
	for {
		l.readChar()
		switch {
		case l.ch == 0:
			return Token{Type: TokenError, Literal: "unterminated string", Pos: startPos}
		case l.ch == '\'' && l.peekChar() == '\'':
			sb.WriteByte('\'')
			l.readChar()
		case l.ch == '\'':
			// closing quote is consumed by NextToken
			return Token{Type: TokenString, Literal: sb.String(), Pos: startPos}
		default:
			sb.WriteByte(l.ch)
		}
	}
}

func (l *Lexer) readQuotedIdent() Token {
	startPos := l.pos
	l.readChar()
	start := l.pos
	for l.ch != '"' && l.ch != 0 {
		l.readChar()
	}
	if l.ch == 0 {
		return Token{Type: TokenError, Literal: "unterminated identifier", Pos: startPos}
	}
	return Token{Type: TokenIdent, Literal: l.input[start:l.pos], Pos: startPos}
}

// Tokenize returns all tokens from the input.
func (l *Lexer) Tokenize() []Token {
	var tokens []Token
	for {
		tok := l.NextToken()
		tokens = append(tokens, tok)
		if tok.Type == TokenEOF || tok.Type == TokenError {
			break
		}
	}
	return tokens
}

func isLetter(ch byte) bool {
	return unicode.IsLetter(rune(ch))
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}
