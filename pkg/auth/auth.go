// Package auth turns a step's declared auth mode into request headers.
package auth

import (
	"fmt"
	"strings"

	"github.com/ormasoftchile/apiline/pkg/vars"
)

// Header names used by the built-in modes.
const (
	HeaderAuthorization = "Authorization"
	HeaderAPIKey        = "api-key"
)

// Kind classifies an auth mode string.
type Kind string

const (
	KindNone   Kind = "none"
	KindAdmin  Kind = "admin"
	KindJWT    Kind = "jwt"
	KindBearer Kind = "bearer" // literal "Bearer <token>"
	KindHeader Kind = "header" // explicit "<header>:<value>"
)

// Mode is a parsed auth declaration.
type Mode struct {
	Kind   Kind
	Header string
	Value  string
}

// Parse classifies a raw auth string. An empty string means none.
func Parse(raw string) (Mode, error) {
	s := strings.TrimSpace(raw)
	switch strings.ToLower(s) {
	case "", "none":
		return Mode{Kind: KindNone}, nil
	case "admin":
		return Mode{Kind: KindAdmin}, nil
	case "jwt":
		return Mode{Kind: KindJWT}, nil
	}
	if strings.HasPrefix(s, "Bearer ") {
		return Mode{Kind: KindBearer, Header: HeaderAuthorization, Value: s}, nil
	}
	if name, value, ok := strings.Cut(s, ":"); ok {
		name = strings.TrimSpace(name)
		if validHeaderName(name) {
			return Mode{Kind: KindHeader, Header: name, Value: strings.TrimSpace(value)}, nil
		}
	}
	return Mode{}, fmt.Errorf("unknown auth type %q", raw)
}

func validHeaderName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("!#$%&'*+-.^_`|~", r):
		default:
			return false
		}
	}
	return true
}

// UnavailableError means the credentials an auth mode needs are not bound.
// Dispatch must be aborted rather than sent unauthenticated.
type UnavailableError struct {
	Mode      Kind
	Variables []string
}

func (e *UnavailableError) Error() string {
	if e.Mode == KindAdmin {
		return fmt.Sprintf("auth %s unavailable: no API key (set variable %q or pass --api-key)", e.Mode, e.Variables[0])
	}
	return fmt.Sprintf("auth %s unavailable: none of %s is set", e.Mode, strings.Join(e.Variables, ", "))
}

// Resolver resolves auth modes against the variable store and session
// defaults. It never mutates the store.
type Resolver struct {
	// DefaultAPIKey is the fallback for admin mode.
	DefaultAPIKey string
	// APIKeyVar names the variable that overrides DefaultAPIKey.
	APIKeyVar string
	// TokenVars are checked in order for jwt mode.
	TokenVars []string
}

// NewResolver returns a resolver with the standard variable names.
func NewResolver(defaultAPIKey string) *Resolver {
	return &Resolver{
		DefaultAPIKey: defaultAPIKey,
		APIKeyVar:     "api_key",
		TokenVars:     []string{"jwt", "jwt_token"},
	}
}

// Headers returns the headers for raw. Literal values may reference
// variables with ${name}; unresolved names are returned for the caller's
// substitution policy.
func (r *Resolver) Headers(raw string, store *vars.Store) (map[string]string, []string, error) {
	mode, err := Parse(raw)
	if err != nil {
		return nil, nil, err
	}
	switch mode.Kind {
	case KindNone:
		return map[string]string{}, nil, nil
	case KindAdmin:
		key := r.DefaultAPIKey
		if r.APIKeyVar != "" {
			if v, ok := store.String(r.APIKeyVar); ok && v != "" {
				key = v
			}
		}
		if key == "" {
			return nil, nil, &UnavailableError{Mode: KindAdmin, Variables: []string{r.apiKeyVar()}}
		}
		return map[string]string{HeaderAPIKey: key}, nil, nil
	case KindJWT:
		for _, name := range r.TokenVars {
			if v, ok := store.Get(name); ok {
				if token := vars.Text(v); token != "" {
					return map[string]string{HeaderAuthorization: "Bearer " + token}, nil, nil
				}
			}
		}
		return nil, nil, &UnavailableError{Mode: KindJWT, Variables: r.TokenVars}
	default:
		value, unresolved := vars.SubstituteString(mode.Value, store)
		return map[string]string{mode.Header: value}, unresolved, nil
	}
}

func (r *Resolver) apiKeyVar() string {
	if r.APIKeyVar == "" {
		return "api_key"
	}
	return r.APIKeyVar
}
