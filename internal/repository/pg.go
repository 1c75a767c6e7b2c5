package repository

import (
	"errors"

	"github.com/lib/pq"
)

// IsUniqueViolation checks whether err is a PostgreSQL unique constraint
// violation. When constraint is non-empty the match is narrowed to that
// constraint name.
func IsUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

// IsForeignKeyViolation checks whether err is a PostgreSQL foreign key
// violation, typically meaning a referenced user row does not exist.
func IsForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}
