package route

import (
	"context"
	"errors"
	"testing"
)

func noopHandler(_ context.Context, _ *Request) (*Response, error) {
	return &Response{Status: 200}, nil
}

func TestLookup_ExactPath(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.Register([]string{"GET"}, "/ping", noopHandler, ScopePublic)

	m, err := r.Lookup("GET", "/ping")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if m.Scope != ScopePublic {
		t.Errorf("Scope = %v, want public", m.Scope)
	}
}

func TestLookup_NamedParams(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.Register([]string{"GET"}, `/channels/(?P<channel>[a-z0-9.-]+)/messages/(?P<id>[0-9a-f-]+)`, noopHandler, ScopeRead)

	m, err := r.Lookup("GET", "/channels/orders.eu/messages/abc-123")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if m.Params["channel"] != "orders.eu" {
		t.Errorf("Params[channel] = %q, want orders.eu", m.Params["channel"])
	}
	if m.Params["id"] != "abc-123" {
		t.Errorf("Params[id] = %q, want abc-123", m.Params["id"])
	}
}

func TestLookup_AnchoredWholePath(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.Register([]string{"GET"}, "/ping", noopHandler, ScopePublic)

	if _, err := r.Lookup("GET", "/ping/extra"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Lookup(/ping/extra) error = %v, want ErrNotFound", err)
	}
	if _, err := r.Lookup("GET", "/a/ping"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Lookup(/a/ping) error = %v, want ErrNotFound", err)
	}
}

func TestLookup_MethodMismatch(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.Register([]string{"POST"}, "/things", noopHandler, ScopeWrite)

	if _, err := r.Lookup("GET", "/things"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Lookup() error = %v, want ErrNotFound for wrong method", err)
	}
}

func TestLookup_MethodCaseInsensitive(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.Register([]string{"get"}, "/ping", noopHandler, ScopePublic)

	if _, err := r.Lookup("GET", "/ping"); err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if _, err := r.Lookup("get", "/ping"); err != nil {
		t.Fatalf("Lookup() lowercase error = %v", err)
	}
}

func TestLookup_FirstRegisteredWins(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.Register([]string{"GET"}, `/items/(?P<id>[a-z]+)`, func(_ context.Context, _ *Request) (*Response, error) {
		return &Response{Status: 201}, nil
	}, ScopeRead)
	r.Register([]string{"GET"}, `/items/(?P<id>.+)`, noopHandler, ScopeRead)

	m, err := r.Lookup("GET", "/items/abc")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	resp, err := m.Handler(context.Background(), &Request{})
	if err != nil {
		t.Fatalf("Handler() error = %v", err)
	}
	if resp.Status != 201 {
		t.Errorf("Status = %d, want first registered handler (201)", resp.Status)
	}
}

func TestRegister_InvalidPatternPanics(t *testing.T) {
	t.Parallel()
	defer func() {
		if recover() == nil {
			t.Fatal("Register() did not panic on invalid pattern")
		}
	}()
	NewRegistry().Register([]string{"GET"}, `/broken[`, noopHandler, ScopePublic)
}

func TestAuthorize(t *testing.T) {
	t.Parallel()

	unauthenticated := ScopesForClient(false)
	authenticated := ScopesForClient(true)

	cases := []struct {
		name    string
		scope   Scope
		scopes  map[Scope]bool
		wantErr error
	}{
		{"public unauthenticated", ScopePublic, unauthenticated, nil},
		{"read unauthenticated", ScopeRead, unauthenticated, ErrForbidden},
		{"write unauthenticated", ScopeWrite, unauthenticated, ErrForbidden},
		{"read authenticated", ScopeRead, authenticated, nil},
		{"write authenticated", ScopeWrite, authenticated, nil},
		{"private authenticated", ScopePrivate, authenticated, nil},
		{"system unauthenticated", ScopeSystem, unauthenticated, ErrForbidden},
		{"system authenticated", ScopeSystem, authenticated, ErrForbidden},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := Authorize(&Match{Scope: tc.scope}, tc.scopes)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("Authorize() error = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestScopeString(t *testing.T) {
	t.Parallel()

	want := map[Scope]string{
		ScopePublic:  "public",
		ScopeRead:    "read",
		ScopeWrite:   "write",
		ScopePrivate: "private",
		ScopeSystem:  "system",
		Scope(200):   "unknown",
	}
	for scope, name := range want {
		if scope.String() != name {
			t.Errorf("Scope(%d).String() = %q, want %q", scope, scope.String(), name)
		}
	}
}
