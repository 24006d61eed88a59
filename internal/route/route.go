// Package route maps virtual HTTP requests arriving over the gateway onto
// registered handlers. Patterns are anchored regular expressions with named
// capture groups for path parameters, compiled once at registration.
package route

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Sentinel errors for the route package.
var (
	ErrNotFound  = errors.New("no route matches this method and path")
	ErrForbidden = errors.New("caller scopes do not permit this route")
)

// Scope gates who may invoke a route.
type Scope uint8

const (
	// ScopePublic routes are callable before authentication.
	ScopePublic Scope = iota
	// ScopeRead routes require an authenticated session.
	ScopeRead
	// ScopeWrite routes require an authenticated session and mutate state.
	ScopeWrite
	// ScopePrivate routes expose caller-specific data.
	ScopePrivate
	// ScopeSystem routes are reachable only from in-process callers, never
	// from a connection.
	ScopeSystem
)

// String returns the scope name for logs.
func (s Scope) String() string {
	switch s {
	case ScopePublic:
		return "public"
	case ScopeRead:
		return "read"
	case ScopeWrite:
		return "write"
	case ScopePrivate:
		return "private"
	case ScopeSystem:
		return "system"
	default:
		return "unknown"
	}
}

// ScopesForClient returns the scope set granted to a connection.
// Unauthenticated connections may only touch public routes.
func ScopesForClient(authenticated bool) map[Scope]bool {
	if !authenticated {
		return map[Scope]bool{ScopePublic: true}
	}
	return map[Scope]bool{
		ScopePublic:  true,
		ScopeRead:    true,
		ScopeWrite:   true,
		ScopePrivate: true,
	}
}

// Identity carries the resolved caller identity into a handler.
type Identity struct {
	AccountID int64
	ProfileID int64
	EntityID  int64
	ClientFD  uint64
	TraceID   string
}

// Request is a virtual HTTP request dispatched to a handler.
type Request struct {
	Method   string
	Path     string
	Params   map[string]string
	Query    map[string]string
	Headers  map[string]string
	Body     json.RawMessage
	Identity Identity
}

// Response is a handler result serialized back to the caller.
type Response struct {
	Status int
	Data   json.RawMessage
}

// HandlerFunc handles one virtual HTTP request.
type HandlerFunc func(ctx context.Context, req *Request) (*Response, error)

type entry struct {
	methods map[string]bool
	pattern *regexp.Regexp
	names   []string
	handler HandlerFunc
	scope   Scope
}

// Match is a resolved route plus the path parameters extracted from the
// request path.
type Match struct {
	Handler HandlerFunc
	Scope   Scope
	Params  map[string]string
}

// Registry holds the route table. Registration happens during startup;
// lookups are concurrent and read-only afterwards.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
}

// NewRegistry creates an empty route registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a handler for the given methods and path pattern. The
// pattern is a regular expression matched against the whole path; named
// groups like (?P<id>[0-9]+) become path parameters. Register panics on an
// invalid pattern since routes are wired statically at startup.
func (r *Registry) Register(methods []string, pattern string, handler HandlerFunc, scope Scope) {
	if !strings.HasPrefix(pattern, "^") {
		pattern = "^" + pattern
	}
	if !strings.HasSuffix(pattern, "$") {
		pattern += "$"
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		panic(fmt.Sprintf("route: invalid pattern %q: %v", pattern, err))
	}

	methodSet := make(map[string]bool, len(methods))
	for _, m := range methods {
		methodSet[strings.ToUpper(m)] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry{
		methods: methodSet,
		pattern: re,
		names:   re.SubexpNames(),
		handler: handler,
		scope:   scope,
	})
}

// Lookup resolves a method and path to a registered handler. Routes are
// tried in registration order; the first pattern match wins. A path that
// matches under a different method still reports ErrNotFound, callers treat
// virtual routes as a flat namespace.
func (r *Registry) Lookup(method, path string) (*Match, error) {
	method = strings.ToUpper(method)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := range r.entries {
		e := &r.entries[i]
		if !e.methods[method] {
			continue
		}
		groups := e.pattern.FindStringSubmatch(path)
		if groups == nil {
			continue
		}

		params := make(map[string]string)
		for n, name := range e.names {
			if n == 0 || name == "" {
				continue
			}
			params[name] = groups[n]
		}
		return &Match{Handler: e.handler, Scope: e.scope, Params: params}, nil
	}
	return nil, ErrNotFound
}

// Authorize checks the resolved route's scope against the caller's scope
// set. System routes never pass for connection-originated scope sets.
func Authorize(m *Match, scopes map[Scope]bool) error {
	if scopes[m.Scope] {
		return nil
	}
	return ErrForbidden
}
