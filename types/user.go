package types

import "time"

// Role is the authorization level of an account.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleMember    Role = "member"
	RoleGuest     Role = "guest"
)

// Status is the lifecycle state of an account.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusBanned    Status = "banned"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleModerator, RoleMember, RoleGuest:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusSuspended, StatusBanned:
		return true
	}
	return false
}

// User represents an account on the site.
type User struct {
	// ID is the unique identifier of the user.
	ID int64 `json:"id" db:"id"`

	// Username is the unique login name, 3-30 chars, starting with a letter.
	Username string `json:"username" db:"username"`

	// Email is the unique email address of the user.
	Email string `json:"email" db:"email"`

	// PasswordHash stores the bcrypt hash of the password.
	// This field is never exposed in API responses.
	PasswordHash string `json:"-" db:"password"`

	// FullName is the display name shown on articles and in the admin panel.
	FullName string `json:"full_name" db:"full_name"`

	// Avatar is the object storage key of the profile picture, if any.
	Avatar *string `json:"avatar,omitempty" db:"avatar"`

	Role   Role   `json:"role" db:"role"`
	Status Status `json:"status" db:"status"`

	// ActivationToken is non-nil only while Status is pending.
	ActivationToken *string `json:"-" db:"activation_token"`

	// RememberToken backs the long-lived "remember me" cookie.
	RememberToken *string `json:"-" db:"remember_token"`

	LoginAttempts int        `json:"login_attempts" db:"login_attempts"`
	LockedUntil   *time.Time `json:"locked_until,omitempty" db:"locked_until"`
	LastLogin     *time.Time `json:"last_login,omitempty" db:"last_login"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
}

// NewUser carries the fields needed to create an account.
// Password is the plain text password; it is hashed by the repository.
type NewUser struct {
	Username string
	Email    string
	Password string
	FullName string
	Role     Role
	Status   Status
}

// UserUpdate is a partial update. Nil fields are left untouched and an
// empty Password keeps the current hash.
type UserUpdate struct {
	Username *string
	Email    *string
	FullName *string
	Avatar   *string
	Role     *Role
	Status   *Status
	Password string
}

// Empty reports whether the update would change nothing.
func (u UserUpdate) Empty() bool {
	return u.Username == nil && u.Email == nil && u.FullName == nil &&
		u.Avatar == nil && u.Role == nil && u.Status == nil && u.Password == ""
}

// UserFilter narrows user listings in the admin panel.
type UserFilter struct {
	Role   Role
	Status Status
	// Search matches username, email or full name as a substring.
	Search string
	Limit  int
	Offset int
}
