package services

import (
	"errors"

	"github.com/maqalati/server/internal/validation"
)

var (
	// ErrInvalidCredentials covers unknown accounts and wrong passwords alike.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked is returned while a lockout after failed logins lasts.
	ErrAccountLocked    = errors.New("account locked")
	ErrAccountPending   = errors.New("account not activated")
	ErrAccountSuspended = errors.New("account suspended")
	ErrAccountBanned    = errors.New("account banned")
	// ErrInvalidRememberToken is returned when the remember-me cookie cannot
	// be used to sign in.
	ErrInvalidRememberToken = errors.New("invalid remember token")
)

// ValidationError carries field level messages back to the client.
type ValidationError struct {
	Fields map[string]string
	First  string
}

func (e *ValidationError) Error() string {
	return e.First
}

// checkValidator turns the outcome of a validator run into an error:
// infrastructure failures first, then field errors.
func checkValidator(v *validation.Validator) error {
	if err := v.Err(); err != nil {
		return err
	}
	if v.HasErrors() {
		return &ValidationError{Fields: v.Errors(), First: v.FirstError()}
	}
	return nil
}

func fieldError(field, msg string) error {
	return &ValidationError{Fields: map[string]string{field: msg}, First: msg}
}
