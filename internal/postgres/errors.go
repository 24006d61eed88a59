package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// codeUniqueViolation is the SQLSTATE for a unique constraint violation.
const codeUniqueViolation = "23505"

// IsUniqueViolation reports whether err represents a PostgreSQL unique
// constraint violation (SQLSTATE 23505). Idempotent inserts treat it as an
// already-present row.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}
