package nanoql

import (
	"strings"
	"unicode"
)

// TokenType represents the type of a lexical token.
type TokenType int

const (
	TokenEOF TokenType = iota
	TokenIdent
	TokenString
	TokenColon
	TokenLParen
	TokenRParen
	TokenAnd
	TokenOr
	TokenNot
	TokenEq    // = or ==
	TokenNeq   // !=
	TokenLt    // <
	TokenLe    // <=
	TokenGt    // >
	TokenGe    // >=
	TokenTilde // ~
)

// Token represents a lexical token.
type Token struct {
	Type  TokenType
	Value string
}

// Lexer tokenizes query input.
type Lexer struct {
	input string
	pos   int
}

func NewLexer(input string) *Lexer {
	return &Lexer{input: input}
}

// NextToken returns the next token from the input.
func (l *Lexer) NextToken() Token {
	l.skipWhitespace()
	if l.pos >= len(l.input) {
		return Token{Type: TokenEOF}
	}

	ch := l.input[l.pos]
	next := byte(0)
	if l.pos+1 < len(l.input) {
		next = l.input[l.pos+1]
	}
	switch ch {
	case ':':
		l.pos++
		return Token{Type: TokenColon, Value: ":"}
	case '(':
		l.pos++
		return Token{Type: TokenLParen, Value: "("}
	case ')':
		l.pos++
		return Token{Type: TokenRParen, Value: ")"}
	case '~':
		l.pos++
		return Token{Type: TokenTilde, Value: "~"}
	case '=':
		l.pos++
		if next == '=' {
			l.pos++
		}
		return Token{Type: TokenEq, Value: "="}
	case '!':
		l.pos++
		if next == '=' {
			l.pos++
			return Token{Type: TokenNeq, Value: "!="}
		}
		return Token{Type: TokenNot, Value: "NOT"}
	case '<', '>':
		if next == '=' {
			l.pos += 2
			if ch == '<' {
				return Token{Type: TokenLe, Value: "<="}
			}
			return Token{Type: TokenGe, Value: ">="}
		}
		l.pos++
		if ch == '<' {
			return Token{Type: TokenLt, Value: "<"}
		}
		return Token{Type: TokenGt, Value: ">"}
	case '"':
		return l.readString()
	}

	if isIdentChar(ch) {
		return l.readIdent()
	}

	// Unknown character, skip
	l.pos++
	return l.NextToken()
}

func (l *Lexer) skipWhitespace() {
	for l.pos < len(l.input) && unicode.IsSpace(rune(l.input[l.pos])) {
		l.pos++
	}
}

// readString returns the quoted text with \" and \\ unescaped.
func (l *Lexer) readString() Token {
	l.pos++
	var b strings.Builder
	for l.pos < len(l.input) && l.input[l.pos] != '"' {
		c := l.input[l.pos]
		if c == '\\' && l.pos+1 < len(l.input) {
			if n := l.input[l.pos+1]; n == '"' || n == '\\' {
				b.WriteByte(n)
				l.pos += 2
				continue
			}
		}
		b.WriteByte(c)
		l.pos++
	}
	if l.pos < len(l.input) {
		l.pos++
	}
	return Token{Type: TokenString, Value: b.String()}
}

func (l *Lexer) readIdent() Token {
	start := l.pos
	for l.pos < len(l.input) && isIdentChar(l.input[l.pos]) {
		l.pos++
	}
	value := l.input[start:l.pos]

	switch upper := strings.ToUpper(value); upper {
	case "AND":
		return Token{Type: TokenAnd, Value: upper}
	case "OR":
		return Token{Type: TokenOr, Value: upper}
	case "NOT":
		return Token{Type: TokenNot, Value: upper}
	}
	return Token{Type: TokenIdent, Value: value}
}

// isIdentChar accepts bytes of bare words: letters, digits, non-ASCII and
// the punctuation common in process names and paths.
func isIdentChar(ch byte) bool {
	if ch >= 0x80 {
		return true
	}
	r := rune(ch)
	return unicode.IsLetter(r) || unicode.IsDigit(r) || strings.IndexByte("_-.*?/\\[]@#$%&+,;'", ch) >= 0
}
