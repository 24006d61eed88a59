package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/chanbridge/chanbridge-server/internal/table"
)

const testSecret = "test-secret-which-is-long-enough"

type fakeProfiles struct {
	byAccount map[int64]Profile
	byID      map[int64]Profile
}

func (f *fakeProfiles) GetByAccountID(_ context.Context, accountID int64) (Profile, error) {
	p, ok := f.byAccount[accountID]
	if !ok {
		return Profile{}, ErrProfileNotFound
	}
	return p, nil
}

func (f *fakeProfiles) GetByID(_ context.Context, profileID int64) (Profile, error) {
	p, ok := f.byID[profileID]
	if !ok {
		return Profile{}, ErrProfileNotFound
	}
	return p, nil
}

func newTestManager(t *testing.T, xorKey string) (*Manager, *table.AuthTable) {
	t.Helper()
	auth := table.NewAuthTable(16)
	profiles := &fakeProfiles{
		byAccount: map[int64]Profile{42: {ID: 7, AccountID: 42, EntityID: 3, DisplayName: "alice"}},
		byID:      map[int64]Profile{7: {ID: 7, AccountID: 42, EntityID: 3, DisplayName: "alice"}},
	}
	return NewManager(auth, profiles, testSecret, xorKey, zerolog.Nop()), auth
}

func TestAuthenticate_Success(t *testing.T) {
	t.Parallel()
	m, auth := newTestManager(t, "")

	token, err := NewToken(42, 7, "device-1", testSecret, time.Minute)
	if err != nil {
		t.Fatalf("NewToken() error = %v", err)
	}

	sess, err := m.Authenticate(context.Background(), 1, token)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if sess.AccountID != 42 || sess.ProfileID != 7 || sess.EntityID != 3 {
		t.Errorf("session = %+v, want account 42 profile 7 entity 3", sess)
	}
	if sess.DeviceHash != "device-1" {
		t.Errorf("DeviceHash = %q, want device-1", sess.DeviceHash)
	}
	if _, ok := auth.Get(1); !ok {
		t.Error("auth table has no row for fd 1 after Authenticate")
	}
}

func TestAuthenticate_ResolvesProfileByAccount(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, "")

	token, err := NewToken(42, 0, "", testSecret, time.Minute)
	if err != nil {
		t.Fatalf("NewToken() error = %v", err)
	}

	sess, err := m.Authenticate(context.Background(), 2, token)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if sess.ProfileID != 7 {
		t.Errorf("ProfileID = %d, want 7", sess.ProfileID)
	}
}

func TestAuthenticate_BadSignature(t *testing.T) {
	t.Parallel()
	m, auth := newTestManager(t, "")

	token, err := NewToken(42, 7, "", "completely-different-secret-value", time.Minute)
	if err != nil {
		t.Fatalf("NewToken() error = %v", err)
	}

	_, err = m.Authenticate(context.Background(), 3, token)
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("Authenticate() error = %v, want ErrBadSignature", err)
	}
	if _, ok := auth.Get(3); ok {
		t.Error("auth table row exists after failed Authenticate")
	}
}

func TestAuthenticate_ExpiredToken(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, "")

	token, err := NewToken(42, 7, "", testSecret, -time.Minute)
	if err != nil {
		t.Fatalf("NewToken() error = %v", err)
	}

	_, err = m.Authenticate(context.Background(), 4, token)
	if !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("Authenticate() error = %v, want ErrExpiredToken", err)
	}
}

func TestAuthenticate_MalformedToken(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, "")

	_, err := m.Authenticate(context.Background(), 5, "not-a-jwt")
	if !errors.Is(err, ErrMalformedToken) {
		t.Fatalf("Authenticate() error = %v, want ErrMalformedToken", err)
	}
}

func TestAuthenticate_UnknownProfile(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, "")

	token, err := NewToken(99, 0, "", testSecret, time.Minute)
	if err != nil {
		t.Fatalf("NewToken() error = %v", err)
	}

	_, err = m.Authenticate(context.Background(), 6, token)
	if !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("Authenticate() error = %v, want ErrProfileNotFound", err)
	}
}

func TestAuthenticate_ProfileAccountMismatch(t *testing.T) {
	t.Parallel()
	auth := table.NewAuthTable(16)
	profiles := &fakeProfiles{
		byID: map[int64]Profile{7: {ID: 7, AccountID: 1000, EntityID: 3}},
	}
	m := NewManager(auth, profiles, testSecret, "", zerolog.Nop())

	token, err := NewToken(42, 7, "", testSecret, time.Minute)
	if err != nil {
		t.Fatalf("NewToken() error = %v", err)
	}

	_, err = m.Authenticate(context.Background(), 7, token)
	if !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("Authenticate() error = %v, want ErrProfileNotFound", err)
	}
}

func TestAuthenticate_ObfuscatedToken(t *testing.T) {
	t.Parallel()
	const xorKey = "rotate-me"
	m, _ := newTestManager(t, xorKey)

	token, err := NewToken(42, 7, "device-2", testSecret, time.Minute)
	if err != nil {
		t.Fatalf("NewToken() error = %v", err)
	}

	sess, err := m.Authenticate(context.Background(), 8, Obfuscate(token, xorKey))
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if sess.AccountID != 42 {
		t.Errorf("AccountID = %d, want 42", sess.AccountID)
	}

	// A plain JWT is not valid base64url-of-XOR input once obfuscation is on.
	if _, err := m.Authenticate(context.Background(), 9, token); !errors.Is(err, ErrMalformedToken) && !errors.Is(err, ErrBadSignature) {
		t.Fatalf("Authenticate() with plain token error = %v, want malformed or bad signature", err)
	}
}

func TestObfuscateRoundTrip(t *testing.T) {
	t.Parallel()

	const key = "k3y"
	got, err := Deobfuscate(Obfuscate("header.payload.sig", key), key)
	if err != nil {
		t.Fatalf("Deobfuscate() error = %v", err)
	}
	if got != "header.payload.sig" {
		t.Errorf("round trip = %q, want original", got)
	}
}

func TestSessionForAndClear(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, "")

	token, err := NewToken(42, 7, "", testSecret, time.Minute)
	if err != nil {
		t.Fatalf("NewToken() error = %v", err)
	}
	if _, err := m.Authenticate(context.Background(), 10, token); err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}

	sess, err := m.SessionFor(10)
	if err != nil {
		t.Fatalf("SessionFor() error = %v", err)
	}
	if sess.ProfileID != 7 {
		t.Errorf("ProfileID = %d, want 7", sess.ProfileID)
	}

	m.Clear(10)
	if _, err := m.SessionFor(10); !errors.Is(err, ErrNotAuthed) {
		t.Fatalf("SessionFor() after Clear error = %v, want ErrNotAuthed", err)
	}
}
