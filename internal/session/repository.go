package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PGProfileRepository implements ProfileRepository using PostgreSQL.
type PGProfileRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGProfileRepository creates a new PostgreSQL-backed profile repository.
func NewPGProfileRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGProfileRepository {
	return &PGProfileRepository{db: db, log: logger}
}

// GetByAccountID returns the profile owned by the given account.
func (r *PGProfileRepository) GetByAccountID(ctx context.Context, accountID int64) (Profile, error) {
	return r.get(ctx,
		`SELECT id, account_id, entity_id, display_name FROM profiles WHERE account_id = $1`,
		accountID)
}

// GetByID returns the profile with the given id.
func (r *PGProfileRepository) GetByID(ctx context.Context, profileID int64) (Profile, error) {
	return r.get(ctx,
		`SELECT id, account_id, entity_id, display_name FROM profiles WHERE id = $1`,
		profileID)
}

func (r *PGProfileRepository) get(ctx context.Context, query string, arg any) (Profile, error) {
	var p Profile
	err := r.db.QueryRow(ctx, query, arg).Scan(&p.ID, &p.AccountID, &p.EntityID, &p.DisplayName)
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{}, ErrProfileNotFound
	}
	if err != nil {
		return Profile{}, fmt.Errorf("query profile: %w", err)
	}
	return p, nil
}
