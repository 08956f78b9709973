package nanoql

import (
	"fmt"

	"github.com/dlclark/regexp2"
)

// Parser builds an AST from query text.
type Parser struct {
	lexer   *Lexer
	current Token
}

// Parse returns the AST of input; an empty query yields a nil node which
// matches everything.
func Parse(input string) (Node, error) {
	if input == "" {
		return nil, nil
	}
	p := &Parser{lexer: NewLexer(input)}
	p.advance()
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.current.Type != TokenEOF {
		return nil, fmt.Errorf("unexpected token %q", p.current.Value)
	}
	return node, nil
}

func (p *Parser) advance() {
	p.current = p.lexer.NextToken()
}

// parseOr handles OR, the lowest precedence.
func (p *Parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.current.Type == TokenOr {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = BinaryExpr{Op: "OR", Left: left, Right: right}
	}
	return left, nil
}

// parseAnd handles explicit AND as well as juxtaposition ("a b").
func (p *Parser) parseAnd() (Node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for {
		switch p.current.Type {
		case TokenAnd:
			p.advance()
		case TokenIdent, TokenString, TokenNot, TokenLParen:
		default:
			return left, nil
		}
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = BinaryExpr{Op: "AND", Left: left, Right: right}
	}
}

// parseNot handles NOT, which is right-associative.
func (p *Parser) parseNot() (Node, error) {
	if p.current.Type == TokenNot {
		p.advance()
		expr, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		if expr == nil {
			return nil, fmt.Errorf("NOT without operand")
		}
		return NotExpr{Expr: expr}, nil
	}
	return p.parsePrimary()
}

var compareOps = map[TokenType]string{
	TokenColon: "=",
	TokenEq:    "=",
	TokenNeq:   "!=",
	TokenLt:    "<",
	TokenLe:    "<=",
	TokenGt:    ">",
	TokenGe:    ">=",
	TokenTilde: "~",
}

// parsePrimary handles (expr), key<op>value and bare or quoted text.
func (p *Parser) parsePrimary() (Node, error) {
	switch p.current.Type {
	case TokenLParen:
		p.advance()
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.current.Type != TokenRParen {
			return nil, fmt.Errorf("expected ')' but got %q", p.current.Value)
		}
		p.advance()
		return expr, nil

	case TokenString:
		value := p.current.Value
		p.advance()
		return MatchExpr{Value: value, Op: "CONTAINS"}, nil

	case TokenIdent:
		key := p.current.Value
		p.advance()
		if op, ok := compareOps[p.current.Type]; ok {
			p.advance()
			return p.parseValue(key, op)
		}
		return MatchExpr{Value: key, Op: "CONTAINS"}, nil

	case TokenEOF:
		return nil, nil

	default:
		return nil, fmt.Errorf("unexpected token %q", p.current.Value)
	}
}

// parseValue parses the value after key<op>.
func (p *Parser) parseValue(key, op string) (Node, error) {
	if p.current.Type != TokenString && p.current.Type != TokenIdent {
		return nil, fmt.Errorf("expected value after '%s%s'", key, op)
	}
	expr := MatchExpr{Key: key, Value: p.current.Value, Op: op}
	p.advance()

	if !knownField(key) {
		return nil, fmt.Errorf("unknown field %q", key)
	}
	switch op {
	case "~":
		re, err := regexp2.Compile(expr.Value, regexp2.IgnoreCase)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", key, err)
		}
		re.MatchTimeout = regexTimeout
		expr.re = re
	case "<", "<=", ">", ">=":
		if !numericField(key) {
			return nil, fmt.Errorf("field %s does not support %s", key, op)
		}
		if _, err := parseNumber(expr.Value); err != nil {
			return nil, fmt.Errorf("field %s: %w", key, err)
		}
	}
	return expr, nil
}
