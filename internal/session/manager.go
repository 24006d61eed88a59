// Package session authenticates gateway connections and tracks which account
// and profile each connection slot belongs to. Session state lives in a
// bounded shared table so the task workers can resolve identity without
// touching the connection itself.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/chanbridge/chanbridge-server/internal/table"
)

// Profile is the durable identity record behind an account.
type Profile struct {
	ID          int64
	AccountID   int64
	EntityID    int64
	DisplayName string
}

// ProfileRepository resolves profiles from durable storage.
type ProfileRepository interface {
	GetByAccountID(ctx context.Context, accountID int64) (Profile, error)
	GetByID(ctx context.Context, profileID int64) (Profile, error)
}

// Session is the authenticated state of a single connection slot.
type Session struct {
	FD         uint64
	AccountID  int64
	ProfileID  int64
	EntityID   int64
	DeviceHash string
}

// Manager verifies tokens and binds authenticated identity to connection
// slots via the shared auth table.
type Manager struct {
	auth     *table.AuthTable
	profiles ProfileRepository
	secret   string
	xorKey   string
	log      zerolog.Logger
}

// NewManager creates a session manager backed by the given auth table.
func NewManager(auth *table.AuthTable, profiles ProfileRepository, secret, xorKey string, logger zerolog.Logger) *Manager {
	return &Manager{
		auth:     auth,
		profiles: profiles,
		secret:   secret,
		xorKey:   xorKey,
		log:      logger.With().Str("component", "session").Logger(),
	}
}

// Authenticate validates the raw token and, on success, records the identity
// for fd in the auth table. A failed attempt leaves no state behind. The
// profile claim is cross-checked against storage so a stale token cannot
// resurrect a deleted profile.
func (m *Manager) Authenticate(ctx context.Context, fd uint64, raw string) (*Session, error) {
	claims, err := m.DecodeToken(raw)
	if err != nil {
		return nil, err
	}

	var profile Profile
	if claims.ProfileID != 0 {
		profile, err = m.profiles.GetByID(ctx, claims.ProfileID)
	} else {
		profile, err = m.profiles.GetByAccountID(ctx, claims.AccountID)
	}
	if err != nil {
		if errors.Is(err, ErrProfileNotFound) {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("resolve profile: %w", err)
	}
	if profile.AccountID != claims.AccountID {
		return nil, ErrProfileNotFound
	}

	row := table.AuthRow{
		FD:         fd,
		AccountID:  claims.AccountID,
		ProfileID:  profile.ID,
		EntityID:   profile.EntityID,
		Token:      raw,
		DeviceHash: claims.DeviceHash,
	}
	if err := m.auth.Put(row); err != nil {
		return nil, fmt.Errorf("record session: %w", err)
	}

	m.log.Debug().Uint64("fd", fd).Int64("account_id", claims.AccountID).Int64("profile_id", profile.ID).Msg("session established")

	return &Session{
		FD:         fd,
		AccountID:  claims.AccountID,
		ProfileID:  profile.ID,
		EntityID:   profile.EntityID,
		DeviceHash: claims.DeviceHash,
	}, nil
}

// DecodeToken validates raw with the manager's secret and obfuscation key
// without touching any session state.
func (m *Manager) DecodeToken(raw string) (*TokenClaims, error) {
	return DecodeToken(raw, m.secret, m.xorKey)
}

// SessionFor returns the authenticated session bound to fd, or ErrNotAuthed.
func (m *Manager) SessionFor(fd uint64) (*Session, error) {
	row, ok := m.auth.Get(fd)
	if !ok {
		return nil, ErrNotAuthed
	}
	return &Session{
		FD:         row.FD,
		AccountID:  row.AccountID,
		ProfileID:  row.ProfileID,
		EntityID:   row.EntityID,
		DeviceHash: row.DeviceHash,
	}, nil
}

// Clear removes any session bound to fd. Safe to call for slots that never
// authenticated.
func (m *Manager) Clear(fd uint64) {
	m.auth.Delete(fd)
}
