package db

import (
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"metalhub/pkg/errs"
)

// IsUniqueViolation reports whether err carries a Postgres unique_violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// Translate maps driver errors onto the shared sentinels so callers can match
// with errors.Is. what names the entity in the message.
func Translate(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound), errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("%s: %w", what, errs.ErrNotFound)
	case IsUniqueViolation(err):
		var pgErr *pgconn.PgError
		errors.As(err, &pgErr)
		return fmt.Errorf("%s: %w: %s", what, errs.ErrConflict, pgErr.ConstraintName)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}
