// Package vars holds the session variable store and the ${name}
// substitution applied to endpoints, headers and payload templates.
package vars

// Entry is one named variable in insertion order.
type Entry struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Store maps variable names to values. Values are either plain strings or
// JSON-like structured values (map[string]any, []any, numbers, booleans).
// Names are case-sensitive, last write wins, and nothing is ever removed.
//
// Store is not safe for concurrent use; the owning session serializes access.
type Store struct {
	order  []string
	values map[string]any
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{values: make(map[string]any)}
}

// Get returns the value bound to name.
func (s *Store) Get(name string) (any, bool) {
	v, ok := s.values[name]
	return v, ok
}

// Has reports whether name is bound.
func (s *Store) Has(name string) bool {
	_, ok := s.values[name]
	return ok
}

// Set binds name to value, overwriting any previous binding in place.
func (s *Store) Set(name string, value any) {
	if _, ok := s.values[name]; !ok {
		s.order = append(s.order, name)
	}
	s.values[name] = value
}

// Merge applies Set for each entry in order.
func (s *Store) Merge(entries []Entry) {
	for _, e := range entries {
		s.Set(e.Name, e.Value)
	}
}

// MergeMissing binds only the entries whose names are not bound yet and
// returns the names it added. Existing bindings always win.
func (s *Store) MergeMissing(entries []Entry) []string {
	var added []string
	for _, e := range entries {
		if s.Has(e.Name) {
			continue
		}
		s.Set(e.Name, e.Value)
		added = append(added, e.Name)
	}
	return added
}

// Snapshot returns a copy of all bindings in insertion order.
func (s *Store) Snapshot() []Entry {
	out := make([]Entry, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, Entry{Name: name, Value: s.values[name]})
	}
	return out
}

// Len returns the number of bound names.
func (s *Store) Len() int {
	return len(s.order)
}

// String returns the value bound to name when it is a string.
func (s *Store) String(name string) (string, bool) {
	v, ok := s.values[name]
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}
