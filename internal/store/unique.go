package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// uniqueColumns lists the columns uniqueness checks may address. Table and
// column names cannot be bound as parameters, so anything else is rejected.
var uniqueColumns = map[string]map[string]bool{
	"users": {"username": true, "email": true},
}

// UniqueLookup answers "is this value already taken" for the validator.
type UniqueLookup struct {
	db *sql.DB
}

func NewUniqueLookup(db *sql.DB) *UniqueLookup {
	return &UniqueLookup{db: db}
}

// Exists reports whether a row in table has column = value. A non-zero
// exceptID excludes that row, so editing a record does not collide with itself.
func (u *UniqueLookup) Exists(ctx context.Context, table, column, value string, exceptID int64) (bool, error) {
	if !uniqueColumns[table][column] {
		return false, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, table, column)
	}

	query := `SELECT COUNT(*) FROM ` + pq.QuoteIdentifier(table) + ` WHERE ` + pq.QuoteIdentifier(column) + ` = $1`
	args := []any{value}
	if exceptID != 0 {
		query += ` AND id != $2`
		args = append(args, exceptID)
	}

	var count int
	if err := u.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return count > 0, nil
}
