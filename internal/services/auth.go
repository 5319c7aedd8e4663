package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/maqalati/server/config"
	"github.com/maqalati/server/internal/metrics"
	"github.com/maqalati/server/internal/session"
	"github.com/maqalati/server/internal/store"
	"github.com/maqalati/server/internal/tokens"
	"github.com/maqalati/server/internal/validation"
	"github.com/maqalati/server/types"
)

// AuthRepository is what AuthService needs from the user store.
type AuthRepository interface {
	GetByID(ctx context.Context, id int64) (types.User, error)
	GetByUsernameOrEmail(ctx context.Context, identifier string) (types.User, error)
	GetByRememberToken(ctx context.Context, token string) (types.User, error)
	IsLocked(ctx context.Context, id int64) (bool, error)
	IncrementLoginAttempts(ctx context.Context, id int64) (int, *time.Time, error)
	UpdateLastLogin(ctx context.Context, id int64) error
	UpdateRememberToken(ctx context.Context, id int64, token *string) error
	VerifyPassword(password, hash string) bool
}

// LoginInput is a submitted login form. Identifier is a username or an
// email address.
type LoginInput struct {
	Identifier string
	Password   string
	Remember   bool
}

// rememberClaims is the payload of the remember-me cookie. The random token
// is also stored on the user row so it can be revoked.
type rememberClaims struct {
	Token string `json:"tok"`
	jwt.RegisteredClaims
}

// AuthService signs users in and out.
type AuthService struct {
	repo         AuthRepository
	secret       []byte
	cookieTTL    time.Duration
	secureCookie bool
	now          func() time.Time
}

func NewAuthService(repo AuthRepository, sec config.SecurityConfig, sess config.SessionConfig) *AuthService {
	return &AuthService{
		repo:         repo,
		secret:       []byte(sec.SecretKey),
		cookieTTL:    sec.CookieTTL(),
		secureCookie: sess.SecureCookie,
		now:          time.Now,
	}
}

// Login authenticates in and signs the user into sess. With in.Remember a
// remember-me cookie is written to w.
func (s *AuthService) Login(ctx context.Context, w http.ResponseWriter, r *http.Request, sess *session.Session, in LoginInput) (types.User, error) {
	in.Identifier = strings.TrimSpace(in.Identifier)
	v := validation.New(map[string]string{
		"username": in.Identifier,
		"password": in.Password,
	}, nil).ValidateLogin()
	if err := checkValidator(v); err != nil {
		return types.User{}, err
	}

	user, err := s.repo.GetByUsernameOrEmail(ctx, in.Identifier)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			metrics.LoginsTotal.WithLabelValues("invalid").Inc()
			return types.User{}, ErrInvalidCredentials
		}
		return types.User{}, err
	}

	locked, err := s.repo.IsLocked(ctx, user.ID)
	if err != nil {
		return types.User{}, err
	}
	if locked {
		metrics.LoginsTotal.WithLabelValues("locked").Inc()
		return types.User{}, ErrAccountLocked
	}

	if !s.repo.VerifyPassword(in.Password, user.PasswordHash) {
		_, lockedUntil, err := s.repo.IncrementLoginAttempts(ctx, user.ID)
		if err != nil {
			return types.User{}, err
		}
		if lockedUntil != nil {
			metrics.LockoutsTotal.Inc()
			metrics.LoginsTotal.WithLabelValues("locked").Inc()
			return types.User{}, ErrAccountLocked
		}
		metrics.LoginsTotal.WithLabelValues("invalid").Inc()
		return types.User{}, ErrInvalidCredentials
	}

	if err := statusError(user.Status); err != nil {
		metrics.LoginsTotal.WithLabelValues("inactive").Inc()
		return types.User{}, err
	}

	if err := s.repo.UpdateLastLogin(ctx, user.ID); err != nil {
		return types.User{}, err
	}
	if err := s.signIn(sess, user.ID, session.ClientIP(r)); err != nil {
		return types.User{}, err
	}
	if in.Remember {
		if err := s.issueRememberCookie(ctx, w, user.ID); err != nil {
			return types.User{}, err
		}
	}

	metrics.LoginsTotal.WithLabelValues("success").Inc()
	return user, nil
}

// Logout revokes the remember-me token and destroys the session.
func (s *AuthService) Logout(ctx context.Context, sess *session.Session) error {
	if id, ok := sess.UserID(); ok {
		if err := s.repo.UpdateRememberToken(ctx, id, nil); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	sess.Destroy()
	return nil
}

// ReauthenticateFromCookie signs the user in from a valid remember-me
// cookie and rotates the token. Any rejected cookie is expired.
func (s *AuthService) ReauthenticateFromCookie(ctx context.Context, w http.ResponseWriter, r *http.Request, sess *session.Session) error {
	err := s.reauthenticate(ctx, w, r, sess)
	if err != nil {
		metrics.RememberLoginsTotal.WithLabelValues("rejected").Inc()
		http.SetCookie(w, session.ExpiredRememberCookie(s.now()))
		return err
	}
	metrics.RememberLoginsTotal.WithLabelValues("success").Inc()
	return nil
}

func (s *AuthService) reauthenticate(ctx context.Context, w http.ResponseWriter, r *http.Request, sess *session.Session) error {
	c, err := r.Cookie(session.RememberCookie)
	if err != nil || c.Value == "" {
		return ErrInvalidRememberToken
	}
	claims, err := s.parseRememberCookie(c.Value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRememberToken, err)
	}

	user, err := s.repo.GetByRememberToken(ctx, claims.Token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidRememberToken
		}
		return err
	}
	if strconv.FormatInt(user.ID, 10) != claims.Subject || user.RememberToken == nil || !tokens.Equal(*user.RememberToken, claims.Token) {
		return ErrInvalidRememberToken
	}
	if err := statusError(user.Status); err != nil {
		return err
	}

	if err := s.repo.UpdateLastLogin(ctx, user.ID); err != nil {
		return err
	}
	if err := s.signIn(sess, user.ID, session.ClientIP(r)); err != nil {
		return err
	}
	return s.issueRememberCookie(ctx, w, user.ID)
}

func (s *AuthService) signIn(sess *session.Session, userID int64, ip string) error {
	if err := sess.Regenerate(); err != nil {
		return err
	}
	sess.SignIn(userID, ip, s.now())
	return nil
}

// issueRememberCookie stores a fresh token on the user and writes the
// signed cookie carrying it.
func (s *AuthService) issueRememberCookie(ctx context.Context, w http.ResponseWriter, userID int64) error {
	token, err := tokens.New()
	if err != nil {
		return err
	}
	if err := s.repo.UpdateRememberToken(ctx, userID, &token); err != nil {
		return err
	}

	now := s.now()
	expires := now.Add(s.cookieTTL)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, rememberClaims{
		Token: token,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}).SignedString(s.secret)
	if err != nil {
		return err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     session.RememberCookie,
		Value:    signed,
		Path:     "/",
		Expires:  expires,
		MaxAge:   int(s.cookieTTL / time.Second),
		HttpOnly: true,
		Secure:   s.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func (s *AuthService) parseRememberCookie(value string) (*rememberClaims, error) {
	claims := &rememberClaims{}
	token, err := jwt.ParseWithClaims(value, claims, func(token *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.Token == "" {
		return nil, errors.New("missing claims")
	}
	return claims, nil
}

func statusError(status types.Status) error {
	switch status {
	case types.StatusActive:
		return nil
	case types.StatusPending:
		return ErrAccountPending
	case types.StatusSuspended:
		return ErrAccountSuspended
	case types.StatusBanned:
		return ErrAccountBanned
	default:
		return ErrInvalidCredentials
	}
}
