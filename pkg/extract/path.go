// Package extract evaluates the restricted path expressions used to pull
// values out of response bodies: a $ root followed by .field, .N and [N] or
// ["key"] segments. Filters, wildcards and recursive descent are rejected.
//
// Compile splits a path into single-step JSONPath expressions; each step is
// evaluated with jsonpath against the node it applies to, so a field step
// never fans out over an array.
package extract

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/oliveagle/jsonpath"
)

// SyntaxError describes an invalid path expression.
type SyntaxError struct {
	Expr string
	Pos  int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("invalid path %q at offset %d: %s", e.Expr, e.Pos, e.Msg)
}

// reserved cannot appear in a field name: jsonpath would read them as
// operators.
const reserved = ".[]*?()@'\"$"

// segment holds the jsonpath expression applied to an object (field) and the
// one applied to an array (element). Either may be empty.
type segment struct {
	field   string
	element string
}

// Path is a compiled extraction path.
type Path struct {
	expr string
	segs []segment
}

// String returns the source expression.
func (p *Path) String() string {
	return p.expr
}

// Compile parses expr. The root marker is required.
func Compile(expr string) (*Path, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" || expr[0] != '$' {
		return nil, &SyntaxError{Expr: expr, Pos: 0, Msg: "path must start with $"}
	}
	p := &Path{expr: expr}
	i := 1
	for i < len(expr) {
		switch expr[i] {
		case '.':
			if i+1 < len(expr) && expr[i+1] == '.' {
				return nil, &SyntaxError{Expr: expr, Pos: i, Msg: "recursive descent is not supported"}
			}
			start := i + 1
			end := start
			for end < len(expr) && expr[end] != '.' && expr[end] != '[' {
				end++
			}
			name := expr[start:end]
			if name == "" {
				return nil, &SyntaxError{Expr: expr, Pos: start, Msg: "empty field name"}
			}
			if strings.ContainsAny(name, reserved) {
				return nil, &SyntaxError{Expr: expr, Pos: start, Msg: fmt.Sprintf("unsupported field %q", name)}
			}
			seg := segment{field: "$." + name}
			if n, err := strconv.Atoi(name); err == nil && n >= 0 {
				seg.element = fmt.Sprintf("$[%d]", n)
			}
			p.segs = append(p.segs, seg)
			i = end
		case '[':
			closeAt := strings.IndexByte(expr[i:], ']')
			if closeAt < 0 {
				return nil, &SyntaxError{Expr: expr, Pos: i, Msg: "unterminated bracket"}
			}
			inner := strings.TrimSpace(expr[i+1 : i+closeAt])
			seg, err := bracketSegment(inner)
			if err != nil {
				return nil, &SyntaxError{Expr: expr, Pos: i, Msg: err.Error()}
			}
			p.segs = append(p.segs, seg)
			i += closeAt + 1
		default:
			return nil, &SyntaxError{Expr: expr, Pos: i, Msg: fmt.Sprintf("unexpected %q", expr[i])}
		}
	}
	for _, seg := range p.segs {
		for _, step := range []string{seg.field, seg.element} {
			if step == "" {
				continue
			}
			if _, err := jsonpath.Compile(step); err != nil {
				return nil, &SyntaxError{Expr: expr, Pos: 0, Msg: err.Error()}
			}
		}
	}
	return p, nil
}

func bracketSegment(inner string) (segment, error) {
	if len(inner) >= 2 && (inner[0] == '"' || inner[0] == '\'') && inner[len(inner)-1] == inner[0] {
		key := inner[1 : len(inner)-1]
		if key == "" || strings.ContainsAny(key, reserved) {
			return segment{}, fmt.Errorf("unsupported quoted key %q", key)
		}
		return segment{field: "$." + key}, nil
	}
	n, err := strconv.Atoi(inner)
	if err != nil || n < 0 {
		return segment{}, fmt.Errorf("bracket must hold a non-negative index or a quoted key, got %q", inner)
	}
	return segment{element: fmt.Sprintf("$[%d]", n)}, nil
}

// Lookup walks body along the path. The second result is false when any
// segment is missing or meets a value of the wrong shape.
func (p *Path) Lookup(body any) (any, bool) {
	cur := body
	for _, seg := range p.segs {
		var step string
		switch cur.(type) {
		case map[string]any:
			step = seg.field
		case []any:
			step = seg.element
		}
		if step == "" {
			return nil, false
		}
		v, err := jsonpath.JsonPathLookup(cur, step)
		if err != nil {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// Lookup compiles expr and evaluates it against body. An invalid expression
// is reported as not found.
func Lookup(body any, expr string) (any, bool) {
	p, err := Compile(expr)
	if err != nil {
		return nil, false
	}
	return p.Lookup(body)
}
