package nanoql

import (
	"path"
	"strconv"
	"strings"
	"time"
)

const regexTimeout = 100 * time.Millisecond

// Record is anything that can be matched by a query.
type Record interface {
	GetPID() uint32
	GetProcess() string
	GetMessage() string
	GetTime() float64
}

// Match evaluates node against rec. A nil node matches everything.
func Match(node Node, rec Record) bool {
	if node == nil {
		return true
	}
	switch n := node.(type) {
	case BinaryExpr:
		switch n.Op {
		case "AND":
			return Match(n.Left, rec) && Match(n.Right, rec)
		case "OR":
			return Match(n.Left, rec) || Match(n.Right, rec)
		}
		return false
	case MatchExpr:
		return evalMatch(n, rec)
	case NotExpr:
		return !Match(n.Expr, rec)
	default:
		return false
	}
}

func evalMatch(expr MatchExpr, rec Record) bool {
	if expr.Key == "" {
		return containsFold(rec.GetMessage(), expr.Value) || containsFold(rec.GetProcess(), expr.Value)
	}

	if numericField(expr.Key) {
		return evalNumber(expr, fieldNumber(expr.Key, rec))
	}

	value := fieldText(expr.Key, rec)
	switch expr.Op {
	case "=":
		return matchText(expr.Key, value, expr.Value)
	case "!=":
		return !matchText(expr.Key, value, expr.Value)
	case "~":
		ok, err := expr.re.MatchString(value)
		return err == nil && ok
	default:
		return false
	}
}

// matchText compares case-insensitively. Process names match whole or by
// glob; messages match by substring.
func matchText(key, value, query string) bool {
	switch strings.ToLower(key) {
	case "message", "msg", "text":
		return containsFold(value, query)
	}
	if strings.ContainsAny(query, "*?[") {
		ok, err := path.Match(strings.ToLower(query), strings.ToLower(value))
		return err == nil && ok
	}
	return strings.EqualFold(value, query)
}

func evalNumber(expr MatchExpr, have float64) bool {
	want, err := parseNumber(expr.Value)
	if err != nil {
		return false
	}
	switch expr.Op {
	case "=":
		return have == want
	case "!=":
		return have != want
	case "<":
		return have < want
	case "<=":
		return have <= want
	case ">":
		return have > want
	case ">=":
		return have >= want
	case "~":
		ok, err := expr.re.MatchString(strconv.FormatFloat(have, 'f', -1, 64))
		return err == nil && ok
	}
	return false
}

func knownField(key string) bool {
	switch strings.ToLower(key) {
	case "pid", "process", "proc", "name", "message", "msg", "text", "time", "t":
		return true
	}
	return false
}

func numericField(key string) bool {
	switch strings.ToLower(key) {
	case "pid", "time", "t":
		return true
	}
	return false
}

func fieldText(key string, rec Record) string {
	switch strings.ToLower(key) {
	case "process", "proc", "name":
		return rec.GetProcess()
	case "message", "msg", "text":
		return rec.GetMessage()
	}
	return ""
}

func fieldNumber(key string, rec Record) float64 {
	switch strings.ToLower(key) {
	case "pid":
		return float64(rec.GetPID())
	case "time", "t":
		return rec.GetTime()
	}
	return 0
}

func parseNumber(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
