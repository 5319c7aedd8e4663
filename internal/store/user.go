package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/maqalati/server/config"
	"github.com/maqalati/server/internal/tokens"
	"github.com/maqalati/server/types"
	"golang.org/x/crypto/bcrypt"
)

const userColumns = `id, username, email, password, full_name, avatar, role, status,
		activation_token, remember_token, login_attempts, locked_until, last_login, created_at`

// UserRepository handles persistence for users.
type UserRepository struct {
	db          *sql.DB
	hashCost    int
	maxAttempts int
	lockout     time.Duration
	now         func() time.Time
}

func NewUserRepository(db *sql.DB, sec config.SecurityConfig) *UserRepository {
	return &UserRepository{
		db:          db,
		hashCost:    sec.HashCost,
		maxAttempts: sec.MaxLoginAttempts,
		lockout:     sec.LockoutDuration(),
		now:         time.Now,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (types.User, error) {
	var user types.User
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.Email,
		&user.PasswordHash,
		&user.FullName,
		&user.Avatar,
		&user.Role,
		&user.Status,
		&user.ActivationToken,
		&user.RememberToken,
		&user.LoginAttempts,
		&user.LockedUntil,
		&user.LastLogin,
		&user.CreatedAt,
	)
	return user, err
}

func (r *UserRepository) getOne(ctx context.Context, where string, args ...any) (types.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE ` + where
	user, err := scanUser(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.User{}, ErrNotFound
		}
		return types.User{}, fmt.Errorf("db error: %w", err)
	}
	return user, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id int64) (types.User, error) {
	return r.getOne(ctx, `id = $1`, id)
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (types.User, error) {
	return r.getOne(ctx, `email = $1`, email)
}

func (r *UserRepository) GetByUsername(ctx context.Context, username string) (types.User, error) {
	return r.getOne(ctx, `username = $1`, username)
}

// GetByUsernameOrEmail resolves the login identifier, which may be either.
func (r *UserRepository) GetByUsernameOrEmail(ctx context.Context, identifier string) (types.User, error) {
	return r.getOne(ctx, `username = $1 OR email = $1`, identifier)
}

func (r *UserRepository) GetByRememberToken(ctx context.Context, token string) (types.User, error) {
	if token == "" {
		return types.User{}, ErrNotFound
	}
	return r.getOne(ctx, `remember_token = $1`, token)
}

// Create hashes the password, generates an activation token and inserts the
// user. The raw token is returned so the caller can deliver it.
func (r *UserRepository) Create(ctx context.Context, u types.NewUser) (int64, string, error) {
	hashed, err := r.hashPassword(u.Password)
	if err != nil {
		return 0, "", err
	}
	activationToken, err := tokens.New()
	if err != nil {
		return 0, "", err
	}

	role := u.Role
	if role == "" {
		role = types.RoleMember
	}
	status := u.Status
	if status == "" {
		status = types.StatusPending
	}
	var token *string
	if status == types.StatusPending {
		token = &activationToken
	} else {
		activationToken = ""
	}

	const query = `
		INSERT INTO users (username, email, password, full_name, role, status, activation_token)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`
	var id int64
	if err := r.db.QueryRowContext(ctx, query,
		u.Username,
		u.Email,
		hashed,
		u.FullName,
		role,
		status,
		token,
	).Scan(&id); err != nil {
		if isUniqueViolation(err) {
			return 0, "", ErrDuplicate
		}
		return 0, "", fmt.Errorf("db error: %w", err)
	}
	return id, activationToken, nil
}

// Update writes only the whitelisted fields present in u.
func (r *UserRepository) Update(ctx context.Context, id int64, u types.UserUpdate) error {
	if u.Empty() {
		return ErrNothingToUpdate
	}

	var (
		sets []string
		args []any
	)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, column+" = $"+strconv.Itoa(len(args)))
	}

	if u.Username != nil {
		add("username", *u.Username)
	}
	if u.Email != nil {
		add("email", *u.Email)
	}
	if u.FullName != nil {
		add("full_name", *u.FullName)
	}
	if u.Avatar != nil {
		add("avatar", *u.Avatar)
	}
	if u.Role != nil {
		add("role", *u.Role)
	}
	if u.Status != nil {
		add("status", *u.Status)
		// Only pending accounts may hold an activation token.
		if *u.Status != types.StatusPending {
			sets = append(sets, "activation_token = NULL")
		}
	}
	if u.Password != "" {
		hashed, err := r.hashPassword(u.Password)
		if err != nil {
			return err
		}
		add("password", hashed)
	}

	args = append(args, id)
	query := `UPDATE users SET ` + strings.Join(sets, ", ") + ` WHERE id = $` + strconv.Itoa(len(args))
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("db error: %w", err)
	}
	return expectAffected(result)
}

func (r *UserRepository) Delete(ctx context.Context, id int64) error {
	return r.exec(ctx, `DELETE FROM users WHERE id = $1`, id)
}

// Activate flips a pending user with exactly this token to active and clears
// the token, so a token can be used only once.
func (r *UserRepository) Activate(ctx context.Context, token string) error {
	if token == "" {
		return ErrInvalidToken
	}
	const query = `
		UPDATE users
		SET status = $1, activation_token = NULL
		WHERE activation_token = $2 AND status = $3`
	result, err := r.db.ExecContext(ctx, query, types.StatusActive, token, types.StatusPending)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if err := expectAffected(result); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidToken
		}
		return err
	}
	return nil
}

func (r *UserRepository) ActivateByAdmin(ctx context.Context, id int64) error {
	return r.exec(ctx, `UPDATE users SET status = $1, activation_token = NULL WHERE id = $2`, types.StatusActive, id)
}

func (r *UserRepository) Suspend(ctx context.Context, id int64) error {
	return r.exec(ctx, `UPDATE users SET status = $1 WHERE id = $2`, types.StatusSuspended, id)
}

func (r *UserRepository) Ban(ctx context.Context, id int64) error {
	return r.exec(ctx, `UPDATE users SET status = $1 WHERE id = $2`, types.StatusBanned, id)
}

// UpdateRememberToken stores token, or clears it when token is nil.
func (r *UserRepository) UpdateRememberToken(ctx context.Context, id int64, token *string) error {
	return r.exec(ctx, `UPDATE users SET remember_token = $1 WHERE id = $2`, token, id)
}

// UpdateLastLogin stamps the login time and clears the failed attempts.
func (r *UserRepository) UpdateLastLogin(ctx context.Context, id int64) error {
	return r.exec(ctx, `UPDATE users SET last_login = $1, login_attempts = 0, locked_until = NULL WHERE id = $2`, r.now(), id)
}

// IsLocked reports whether the account has a lockout still in the future.
func (r *UserRepository) IsLocked(ctx context.Context, id int64) (bool, error) {
	var lockedUntil sql.NullTime
	err := r.db.QueryRowContext(ctx, `SELECT locked_until FROM users WHERE id = $1`, id).Scan(&lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("db error: %w", err)
	}
	return lockedUntil.Valid && lockedUntil.Time.After(r.now()), nil
}

// IncrementLoginAttempts records a failed login in a single statement. When
// the new count reaches the configured maximum the account is locked for the
// lockout duration. It returns the new count and lock expiry, if any.
func (r *UserRepository) IncrementLoginAttempts(ctx context.Context, id int64) (int, *time.Time, error) {
	const query = `
		UPDATE users
		SET login_attempts = login_attempts + 1,
			locked_until = CASE WHEN login_attempts + 1 >= $2 THEN $3::timestamptz ELSE NULL END
		WHERE id = $1
		RETURNING login_attempts, locked_until`
	var (
		attempts    int
		lockedUntil *time.Time
	)
	err := r.db.QueryRowContext(ctx, query, id, r.maxAttempts, r.now().Add(r.lockout)).Scan(&attempts, &lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil, ErrNotFound
		}
		return 0, nil, fmt.Errorf("db error: %w", err)
	}
	return attempts, lockedUntil, nil
}

// List returns users matching f, newest first.
func (r *UserRepository) List(ctx context.Context, f types.UserFilter) ([]types.User, error) {
	where, args := filterClause(f)
	query := `SELECT ` + userColumns + ` FROM users WHERE ` + where + ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	users := make([]types.User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return users, nil
}

// Count returns the number of users matching f, ignoring limit and offset.
func (r *UserRepository) Count(ctx context.Context, f types.UserFilter) (int, error) {
	where, args := filterClause(f)
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE `+where, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return total, nil
}

// ChangeRole assigns one of the roles an administrator may hand out.
func (r *UserRepository) ChangeRole(ctx context.Context, id int64, role types.Role) error {
	switch role {
	case types.RoleAdmin, types.RoleModerator, types.RoleMember:
	default:
		return ErrInvalidRole
	}
	return r.exec(ctx, `UPDATE users SET role = $1 WHERE id = $2`, role, id)
}

// VerifyPassword compares a plain password with a stored bcrypt hash.
func (r *UserRepository) VerifyPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func (r *UserRepository) hashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), r.hashCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hashed), nil
}

func (r *UserRepository) exec(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectAffected(result)
}

func expectAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func filterClause(f types.UserFilter) (string, []any) {
	clauses := []string{"1=1"}
	var args []any
	if f.Role != "" {
		args = append(args, f.Role)
		clauses = append(clauses, "role = $"+strconv.Itoa(len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		clauses = append(clauses, "status = $"+strconv.Itoa(len(args)))
	}
	if search := strings.TrimSpace(f.Search); search != "" {
		args = append(args, "%"+escapeLike(search)+"%")
		n := strconv.Itoa(len(args))
		clauses = append(clauses, "(username ILIKE $"+n+" OR email ILIKE $"+n+" OR full_name ILIKE $"+n+")")
	}
	return strings.Join(clauses, " AND "), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
