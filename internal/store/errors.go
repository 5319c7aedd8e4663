package store

import (
	"errors"

	"github.com/lib/pq"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when a unique constraint is violated.
	ErrDuplicate = errors.New("duplicate value")

	// ErrNothingToUpdate is returned by partial updates without any field set.
	ErrNothingToUpdate = errors.New("nothing to update")

	// ErrInvalidToken is returned when an activation token matches no pending user.
	ErrInvalidToken = errors.New("invalid or used token")

	// ErrInvalidRole is returned when a role cannot be assigned.
	ErrInvalidRole = errors.New("invalid role")

	// ErrUnknownColumn is returned by uniqueness lookups outside the whitelist.
	ErrUnknownColumn = errors.New("unknown table or column")
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
