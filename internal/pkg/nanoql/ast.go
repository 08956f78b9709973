// Package nanoql implements the small query language used to search the
// message log, e.g. `process:svc* AND NOT msg:"heartbeat"` or `pid>=100`.
package nanoql

import "github.com/dlclark/regexp2"

// Node is implemented by all AST nodes.
type Node interface {
	node()
}

// BinaryExpr is AND or OR.
type BinaryExpr struct {
	Op    string
	Left  Node
	Right Node
}

func (BinaryExpr) node() {}

// MatchExpr compares one field with a value. An empty Key searches the
// process name and the message text.
type MatchExpr struct {
	Key   string
	Value string
	// Op is one of "=", "!=", "<", "<=", ">", ">=", "~" or "CONTAINS".
	Op string

	re *regexp2.Regexp
}

func (MatchExpr) node() {}

// NotExpr negates its operand.
type NotExpr struct {
	Expr Node
}

func (NotExpr) node() {}
