package engine

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
)

// Reference roots accepted by the resolver.
const (
	RootInput   = "input"
	RootContext = "context"
	RootCaller  = "caller"
)

// Scope is the execution context threaded through a plan or workflow:
// the caller's input, the variables written by earlier steps, and the caller.
// It is safe for concurrent use by parallel branches.
type Scope struct {
	mu     sync.RWMutex
	input  map[string]interface{}
	vars   map[string]interface{}
	caller Caller
}

// NewScope creates a scope over the given input and caller.
func NewScope(input map[string]interface{}, caller Caller) *Scope {
	if input == nil {
		input = map[string]interface{}{}
	}
	return &Scope{input: input, vars: map[string]interface{}{}, caller: caller}
}

// Fork returns an independent scope sharing the input and caller, with a copy
// of the current variables.
func (s *Scope) Fork() *Scope {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vars := make(map[string]interface{}, len(s.vars))
	for k, v := range s.vars {
		vars[k] = v
	}
	return &Scope{input: s.input, vars: vars, caller: s.caller}
}

// Set stores a step result under name.
func (s *Scope) Set(name string, value interface{}) {
	if name == "" {
		return
	}
	s.mu.Lock()
	s.vars[name] = value
	s.mu.Unlock()
}

// Get returns a step result by name.
func (s *Scope) Get(name string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vars[name]
	return v, ok
}

// Vars returns a copy of the step results.
func (s *Scope) Vars() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]interface{}, len(s.vars))
	for k, v := range s.vars {
		out[k] = v
	}
	return out
}

// Input returns the scope's input.
func (s *Scope) Input() map[string]interface{} { return s.input }

// Caller returns the scope's caller.
func (s *Scope) Caller() Caller { return s.caller }

// Snapshot renders the whole scope as {input, context, caller}.
func (s *Scope) Snapshot() map[string]interface{} {
	return map[string]interface{}{
		RootInput:   s.input,
		RootContext: s.Vars(),
		RootCaller:  s.caller.AsMap(),
	}
}

// Resolve resolves a value from step configuration. Strings are resolved as
// references or literal tokens; maps and slices are resolved element-wise;
// anything else is returned unchanged.
func (s *Scope) Resolve(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		out, _ := s.resolveString(val)
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = s.Resolve(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = s.Resolve(item)
		}
		return out
	}
	return v
}

// Lookup resolves a value and reports whether it was present. A reference
// whose path does not exist is absent; a literal is always present.
func (s *Scope) Lookup(v interface{}) (interface{}, bool) {
	if str, ok := v.(string); ok {
		return s.resolveString(str)
	}
	return s.Resolve(v), v != nil
}

func (s *Scope) resolveString(str string) (interface{}, bool) {
	ref, err := parseReference(str)
	if err != nil {
		return literal(str), true
	}
	var root interface{}
	switch ref.root {
	case RootInput:
		root = s.input
	case RootContext:
		root = s.Vars()
	case RootCaller:
		if len(ref.path) == 1 && ref.path[0].key != "" {
			return s.caller.Field(ref.path[0].key)
		}
		root = s.caller.AsMap()
	}
	return walk(root, ref.path)
}

// literal interprets a JSON-like token, falling back to the string itself.
func literal(str string) interface{} {
	switch str {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if f, err := strconv.ParseFloat(str, 64); err == nil && looksNumeric(str) && !math.IsInf(f, 0) && !math.IsNaN(f) {
		return f
	}
	return str
}

func looksNumeric(s string) bool {
	if s == "" {
		return false
	}
	c := s[0]
	return c == '-' || c == '+' || c == '.' || (c >= '0' && c <= '9')
}

// segment is one step of a reference path: a map key or a list index.
type segment struct {
	key   string
	index int
}

type reference struct {
	root string
	path []segment
}

// refParser is a recursive-descent parser for references of the form
//
//	reference := root ( "." ident | "[" digits "]" )+
//	root      := "input" | "context" | "caller"
type refParser struct {
	src string
	pos int
}

func parseReference(src string) (reference, error) {
	p := &refParser{src: strings.TrimSpace(src)}
	root, err := p.ident()
	if err != nil {
		return reference{}, err
	}
	switch root {
	case RootInput, RootContext, RootCaller:
	default:
		return reference{}, fmt.Errorf("unknown reference root %q", root)
	}
	path, err := p.path()
	if err != nil {
		return reference{}, err
	}
	if len(path) == 0 {
		return reference{}, fmt.Errorf("reference %q has no path", root)
	}
	return reference{root: root, path: path}, nil
}

func (p *refParser) path() ([]segment, error) {
	if p.pos >= len(p.src) {
		return nil, nil
	}
	var seg segment
	switch p.src[p.pos] {
	case '.':
		p.pos++
		key, err := p.ident()
		if err != nil {
			return nil, err
		}
		seg = segment{key: key}
	case '[':
		p.pos++
		n, err := p.index()
		if err != nil {
			return nil, err
		}
		seg = segment{index: n}
	default:
		return nil, fmt.Errorf("unexpected %q at %d", p.src[p.pos], p.pos)
	}
	rest, err := p.path()
	if err != nil {
		return nil, err
	}
	return append([]segment{seg}, rest...), nil
}

func (p *refParser) ident() (string, error) {
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c == '.' || c == '[' || c == ']' || c == ' ' {
			break
		}
		p.pos++
	}
	if p.pos == start {
		return "", fmt.Errorf("expected identifier at %d", start)
	}
	return p.src[start:p.pos], nil
}

func (p *refParser) index() (int, error) {
	end := strings.IndexByte(p.src[p.pos:], ']')
	if end < 0 {
		return 0, fmt.Errorf("unterminated index at %d", p.pos)
	}
	n, err := strconv.Atoi(p.src[p.pos : p.pos+end])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid index %q", p.src[p.pos:p.pos+end])
	}
	p.pos += end + 1
	return n, nil
}

// walk follows path through nested maps and lists. A missing key, an index out
// of range, or a non-container intermediate yields (nil, false).
func walk(v interface{}, path []segment) (interface{}, bool) {
	if len(path) == 0 {
		return v, true
	}
	seg := path[0]
	switch node := v.(type) {
	case map[string]interface{}:
		if seg.key == "" {
			return nil, false
		}
		next, ok := node[seg.key]
		if !ok {
			return nil, false
		}
		return walk(next, path[1:])
	case Record:
		return walk(map[string]interface{}(node), path)
	case []interface{}:
		i := seg.index
		if seg.key != "" {
			n, err := strconv.Atoi(seg.key)
			if err != nil {
				return nil, false
			}
			i = n
		}
		if i < 0 || i >= len(node) {
			return nil, false
		}
		return walk(node[i], path[1:])
	case []Record:
		items := make([]interface{}, len(node))
		for i, r := range node {
			items[i] = map[string]interface{}(r)
		}
		return walk(items, path)
	}
	return nil, false
}

// Evaluate evaluates a comparison against the scope.
func (s *Scope) Evaluate(c Comparison) (bool, error) {
	left, present := s.Lookup(c.Left)
	switch c.Op {
	case "", OpExists:
		return present && left != nil, nil
	case OpNotExists:
		return !present || left == nil, nil
	}
	right := s.Resolve(c.Right)
	switch c.Op {
	case OpEq:
		return ValuesEqual(left, right), nil
	case OpNeq:
		return !ValuesEqual(left, right), nil
	case OpGt, OpGte, OpLt, OpLte:
		cmp, ok := compareOrdered(left, right)
		if !ok {
			return false, nil
		}
		switch c.Op {
		case OpGt:
			return cmp > 0, nil
		case OpGte:
			return cmp >= 0, nil
		case OpLt:
			return cmp < 0, nil
		}
		return cmp <= 0, nil
	}
	return false, fmt.Errorf("unknown comparison operator: %s", c.Op)
}
