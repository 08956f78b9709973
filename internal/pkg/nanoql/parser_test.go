package nanoql

import (
	"testing"
)

type testRecord struct {
	pid     uint32
	process string
	message string
	time    float64
}

func (r *testRecord) GetPID() uint32     { return r.pid }
func (r *testRecord) GetProcess() string { return r.process }
func (r *testRecord) GetMessage() string { return r.message }
func (r *testRecord) GetTime() float64   { return r.time }

func TestLexer(t *testing.T) {
	tests := []struct {
		input    string
		expected []TokenType
	}{
		{"process:svc.exe", []TokenType{TokenIdent, TokenColon, TokenIdent, TokenEOF}},
		{`msg:"disk full"`, []TokenType{TokenIdent, TokenColon, TokenString, TokenEOF}},
		{"a AND b", []TokenType{TokenIdent, TokenAnd, TokenIdent, TokenEOF}},
		{"a or b", []TokenType{TokenIdent, TokenOr, TokenIdent, TokenEOF}},
		{"NOT a", []TokenType{TokenNot, TokenIdent, TokenEOF}},
		{"!a", []TokenType{TokenNot, TokenIdent, TokenEOF}},
		{"(a)", []TokenType{TokenLParen, TokenIdent, TokenRParen, TokenEOF}},
		{`key!="value"`, []TokenType{TokenIdent, TokenNeq, TokenString, TokenEOF}},
		{"pid>=10 pid<20", []TokenType{TokenIdent, TokenGe, TokenIdent, TokenIdent, TokenLt, TokenIdent, TokenEOF}},
		{"time>1.5", []TokenType{TokenIdent, TokenGt, TokenIdent, TokenEOF}},
		{`msg~"^a+"`, []TokenType{TokenIdent, TokenTilde, TokenString, TokenEOF}},
		{"pid=11", []TokenType{TokenIdent, TokenEq, TokenIdent, TokenEOF}},
		{"process==w*", []TokenType{TokenIdent, TokenEq, TokenIdent, TokenEOF}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			lexer := NewLexer(tt.input)
			for i, expected := range tt.expected {
				tok := lexer.NextToken()
				if tok.Type != expected {
					t.Errorf("token %d: expected %v, got %v (%q)", i, expected, tok.Type, tok.Value)
				}
			}
		})
	}
}

func TestLexerStringEscapes(t *testing.T) {
	tok := NewLexer(`"say \"hi\" \\ now"`).NextToken()
	if tok.Type != TokenString || tok.Value != `say "hi" \ now` {
		t.Fatalf("got %v %q", tok.Type, tok.Value)
	}
}

func TestParseSimple(t *testing.T) {
	tests := []struct {
		input string
		check func(Node) bool
	}{
		{
			input: "process:svc.exe",
			check: func(n Node) bool {
				m, ok := n.(MatchExpr)
				return ok && m.Key == "process" && m.Value == "svc.exe" && m.Op == "="
			},
		},
		{
			input: `"timeout"`,
			check: func(n Node) bool {
				m, ok := n.(MatchExpr)
				return ok && m.Key == "" && m.Value == "timeout" && m.Op == "CONTAINS"
			},
		},
		{
			input: "pid=11",
			check: func(n Node) bool {
				m, ok := n.(MatchExpr)
				return ok && m.Key == "pid" && m.Value == "11" && m.Op == "="
			},
		},
		{
			input: "pid>=42",
			check: func(n Node) bool {
				m, ok := n.(MatchExpr)
				return ok && m.Key == "pid" && m.Value == "42" && m.Op == ">="
			},
		},
		{
			input: "boot done",
			check: func(n Node) bool {
				b, ok := n.(BinaryExpr)
				return ok && b.Op == "AND"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			node, err := Parse(tt.input)
			if err != nil {
				t.Fatalf("parse error: %v", err)
			}
			if !tt.check(node) {
				t.Errorf("check failed for input %q, got: %+v", tt.input, node)
			}
		})
	}
}

func TestParseParentheses(t *testing.T) {
	node, err := Parse("process:svc AND (msg:error OR msg:warn)")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	bin, ok := node.(BinaryExpr)
	if !ok || bin.Op != "AND" {
		t.Fatalf("expected AND at root, got %+v", node)
	}
	if right, ok := bin.Right.(BinaryExpr); !ok || right.Op != "OR" {
		t.Errorf("expected OR on right, got %+v", bin.Right)
	}
}

func TestParseErrors(t *testing.T) {
	for _, input := range []string{
		"(msg:a",
		"msg:a)",
		"colour:red",
		"process>3",
		"pid>abc",
		`msg~"(unclosed"`,
		"NOT",
		"pid:",
	} {
		t.Run(input, func(t *testing.T) {
			if _, err := Parse(input); err == nil {
				t.Errorf("Parse(%q) succeeded", input)
			}
		})
	}
}

func TestMatch(t *testing.T) {
	rec := &testRecord{
		pid:     4242,
		process: "OrderService.exe",
		message: "Connection timeout occurred",
		time:    12.5,
	}

	tests := []struct {
		query    string
		expected bool
	}{
		{"", true},
		{"process:orderservice.exe", true},
		{"process:order*", true},
		{"process:payment*", false},
		{"proc!=payment.exe", true},
		{"pid:4242", true},
		{"pid>4000 AND pid<5000", true},
		{"pid<=4241", false},
		{"time>=12.5", true},
		{"time<12", false},
		{`"timeout"`, true},
		{"TIMEOUT", true},
		{"orderservice", true},
		{`"success"`, false},
		{`msg:"connection timeout"`, true},
		{`msg~"^conn.*occurred$"`, true},
		{`msg~"^timeout"`, false},
		{"process:order* AND msg:refused", false},
		{"msg:refused OR pid:4242", true},
		{"NOT msg:timeout", false},
		{"!msg:success", true},
		{"connection occurred", true},
		{"connection refused", false},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			node, err := Parse(tt.query)
			if err != nil {
				t.Fatalf("parse error: %v", err)
			}
			if got := Match(node, rec); got != tt.expected {
				t.Errorf("Match(%q) = %v, want %v", tt.query, got, tt.expected)
			}
		})
	}
}
