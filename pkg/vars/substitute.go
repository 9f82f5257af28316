package vars

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// placeholderRe matches ${name} references. Names may not contain braces or
// whitespace.
var placeholderRe = regexp.MustCompile(`\$\{([^{}\s]+)\}`)

// UnresolvedError reports placeholders that had no bound variable.
type UnresolvedError struct {
	Names []string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("unresolved variable(s): %s", strings.Join(e.Names, ", "))
}

// Substitution is the result of rewriting one template.
type Substitution struct {
	Value      any
	Unresolved []string
}

// Err returns an *UnresolvedError when any placeholder was left unresolved.
func (s Substitution) Err() error {
	if len(s.Unresolved) == 0 {
		return nil
	}
	return &UnresolvedError{Names: s.Unresolved}
}

// Substitute rewrites template, replacing every ${name} with the value bound
// in store. The template is either a string or a nested structure of
// map[string]any / []any; it is never modified in place.
//
// A placeholder that makes up an entire string is replaced by the bound value
// itself, so a payload field can become an object, array or number. Inside a
// larger string the value is rendered as text. Unbound placeholders are left
// as-is and reported in Unresolved. Bound values are inserted verbatim and
// never expanded again, so a second pass is a no-op only when no value
// contains a placeholder itself.
func Substitute(template any, store *Store) Substitution {
	s := &substituter{store: store, seen: make(map[string]bool)}
	v := s.walk(template)
	return Substitution{Value: v, Unresolved: s.unresolved}
}

// SubstituteString is Substitute for a string template whose result must be
// text (endpoints, header values).
func SubstituteString(template string, store *Store) (string, []string) {
	s := &substituter{store: store, seen: make(map[string]bool)}
	return s.text(template), s.unresolved
}

type substituter struct {
	store      *Store
	unresolved []string
	seen       map[string]bool
}

func (s *substituter) walk(v any) any {
	switch val := v.(type) {
	case string:
		return s.str(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = s.walk(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = s.walk(item)
		}
		return out
	default:
		return v
	}
}

func (s *substituter) str(v string) any {
	if loc := placeholderRe.FindStringSubmatchIndex(v); loc != nil && loc[0] == 0 && loc[1] == len(v) {
		name := v[loc[2]:loc[3]]
		value, ok := s.store.Get(name)
		if !ok {
			s.miss(name)
			return v
		}
		return value
	}
	return s.text(v)
}

func (s *substituter) text(v string) string {
	if !strings.Contains(v, "${") {
		return v
	}
	return placeholderRe.ReplaceAllStringFunc(v, func(match string) string {
		name := match[2 : len(match)-1]
		value, ok := s.store.Get(name)
		if !ok {
			s.miss(name)
			return match
		}
		return Text(value)
	})
}

func (s *substituter) miss(name string) {
	if s.seen[name] {
		return
	}
	s.seen[name] = true
	s.unresolved = append(s.unresolved, name)
}

// Text renders a variable value as plain text: strings verbatim, everything
// else as compact JSON.
func Text(v any) string {
	if str, ok := v.(string); ok {
		return str
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
