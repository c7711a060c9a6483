// Package filter evaluates the JSON-expressible predicate trees attached to
// mapping rules. Compilation happens once at config load; evaluation is total
// and never panics outward: a row that cannot be compared simply fails the
// predicate.
package filter

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

type op string

const (
	opEq  op = "eq"
	opGt  op = "gt"
	opGte op = "gte"
	opLt  op = "lt"
	opLte op = "lte"
	opNot op = "not"
	opAnd op = "and"
	opOr  op = "or"
)

var comparisonOps = map[op]bool{
	opEq: true, opGt: true, opGte: true, opLt: true, opLte: true,
}

// Predicate is a compiled filter node.
type Predicate struct {
	op       op
	column   string      // comparison nodes
	literal  interface{} // comparison nodes
	children []*Predicate
}

// Compile turns a raw filter document into a predicate tree. A nil or empty
// document compiles to nil, which matches everything.
func Compile(raw map[string]interface{}) (*Predicate, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	return compileObject(raw)
}

// compileObject handles an object whose keys are either boolean operators or
// column names. Multiple keys form the conjunction of their parts.
func compileObject(raw map[string]interface{}) (*Predicate, error) {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]*Predicate, 0, len(keys))
	for _, key := range keys {
		p, err := compileEntry(key, raw[key])
		if err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return &Predicate{op: opAnd, children: parts}, nil
}

func compileEntry(key string, value interface{}) (*Predicate, error) {
	switch op(key) {
	case opNot:
		obj, ok := value.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("filter: %q requires an object condition", key)
		}
		child, err := compileObject(obj)
		if err != nil {
			return nil, err
		}
		return &Predicate{op: opNot, children: []*Predicate{child}}, nil

	case opAnd, opOr:
		list, ok := value.([]interface{})
		if !ok {
			return nil, fmt.Errorf("filter: %q requires a list of conditions", key)
		}
		children := make([]*Predicate, 0, len(list))
		for _, item := range list {
			obj, ok := item.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("filter: every condition in %q must be an object", key)
			}
			child, err := compileObject(obj)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		if len(children) == 0 {
			return nil, fmt.Errorf("filter: %q requires at least one condition", key)
		}
		return &Predicate{op: op(key), children: children}, nil
	}

	// Column leaf: {"col": {"op": literal}} or the {"col": literal} shorthand
	// for equality.
	if obj, ok := value.(map[string]interface{}); ok {
		if len(obj) != 1 {
			return nil, fmt.Errorf("filter: column %q requires exactly one operator", key)
		}
		for opName, literal := range obj {
			o := op(opName)
			if !comparisonOps[o] {
				return nil, fmt.Errorf("filter: unsupported operator %q on column %q", opName, key)
			}
			return &Predicate{op: o, column: key, literal: literal}, nil
		}
	}
	return &Predicate{op: opEq, column: key, literal: value}, nil
}

// Eval reports whether row satisfies the predicate. A nil predicate matches
// everything. Missing columns compare unequal to any literal; nil values
// never satisfy an ordering comparison.
func (p *Predicate) Eval(row map[string]interface{}) bool {
	if p == nil {
		return true
	}
	switch p.op {
	case opNot:
		return !p.children[0].Eval(row)
	case opAnd:
		for _, c := range p.children {
			if !c.Eval(row) {
				return false
			}
		}
		return true
	case opOr:
		for _, c := range p.children {
			if c.Eval(row) {
				return true
			}
		}
		return false
	}

	actual, ok := row[p.column]
	if p.op == opEq {
		return ok && equal(actual, p.literal)
	}
	if !ok || actual == nil || p.literal == nil {
		return false
	}
	cmp, ok := compare(actual, p.literal)
	if !ok {
		return false
	}
	switch p.op {
	case opGt:
		return cmp > 0
	case opGte:
		return cmp >= 0
	case opLt:
		return cmp < 0
	case opLte:
		return cmp <= 0
	}
	return false
}

func equal(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if cmp, ok := compare(a, b); ok {
		return cmp == 0
	}
	return false
}

// compare orders two scalars, coercing across the numeric types binlog
// decoding and JSON literals produce.
func compare(a, b interface{}) (int, bool) {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1, true
			case fa > fb:
				return 1, true
			}
			return 0, true
		}
		return 0, false
	}
	sa, aok := toString(a)
	sb, bok := toString(b)
	if aok && bok {
		return strings.Compare(sa, sb), true
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			if ba == bb {
				return 0, true
			}
			if bb {
				return -1, true
			}
			return 1, true
		}
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case decimal.Decimal:
		f, _ := n.Float64()
		return f, true
	}
	return 0, false
}

func toString(v interface{}) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	}
	return "", false
}
