package services

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/maqalati/server/config"
	"github.com/maqalati/server/internal/session"
	"github.com/maqalati/server/internal/store/storetest"
	"github.com/maqalati/server/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPassword = "Secret#123"

var authNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newAuthFixture(t *testing.T) (*AuthService, *storetest.Users, types.User) {
	t.Helper()
	repo := storetest.New()
	repo.Now = func() time.Time { return authNow }
	user := repo.Add(types.User{
		Username: "ahmad",
		Email:    "ahmad@example.com",
		FullName: "أحمد علي",
		Role:     types.RoleMember,
		Status:   types.StatusActive,
	}, testPassword)

	svc := NewAuthService(repo, config.SecurityConfig{
		SecretKey:      "test-secret",
		CookieLifetime: 3600,
	}, config.SessionConfig{})
	svc.now = func() time.Time { return authNow }
	return svc, repo, user
}

func newSession(t *testing.T) *session.Session {
	t.Helper()
	sess, err := session.New(time.Hour)
	require.NoError(t, err)
	return sess
}

func loginRequest() *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	r.RemoteAddr = "192.0.2.10:4321"
	return r
}

func findCookie(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestLogin_Success(t *testing.T) {
	svc, repo, user := newAuthFixture(t)
	sess := newSession(t)
	oldID := sess.ID()
	rec := httptest.NewRecorder()

	got, err := svc.Login(context.Background(), rec, loginRequest(), sess, LoginInput{
		Identifier: "  ahmad@example.com ",
		Password:   testPassword,
	})
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	id, ok := sess.UserID()
	require.True(t, ok)
	assert.Equal(t, user.ID, id)
	assert.NotEqual(t, oldID, sess.ID(), "session id is rotated on login")
	assert.Equal(t, "192.0.2.10", sess.Get(session.KeyIPAddress, ""))

	assert.NotNil(t, repo.Get(user.ID).LastLogin)
	assert.Nil(t, findCookie(rec.Result().Cookies(), session.RememberCookie))
}

func TestLogin_ValidationFailure(t *testing.T) {
	svc, _, _ := newAuthFixture(t)

	_, err := svc.Login(context.Background(), httptest.NewRecorder(), loginRequest(), newSession(t), LoginInput{})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "اسم المستخدم أو البريد الإلكتروني مطلوب", verr.First)
	assert.Contains(t, verr.Fields, "password")
}

func TestLogin_UnknownUserAndWrongPasswordLookAlike(t *testing.T) {
	svc, _, _ := newAuthFixture(t)

	_, err := svc.Login(context.Background(), httptest.NewRecorder(), loginRequest(), newSession(t), LoginInput{
		Identifier: "nobody", Password: testPassword,
	})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Login(context.Background(), httptest.NewRecorder(), loginRequest(), newSession(t), LoginInput{
		Identifier: "ahmad", Password: "wrong",
	})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLogin_LocksAfterMaxAttempts(t *testing.T) {
	svc, repo, user := newAuthFixture(t)
	ctx := context.Background()

	for i := 1; i < 5; i++ {
		_, err := svc.Login(ctx, httptest.NewRecorder(), loginRequest(), newSession(t), LoginInput{Identifier: "ahmad", Password: "wrong"})
		require.ErrorIs(t, err, ErrInvalidCredentials, "attempt %d", i)
	}
	_, err := svc.Login(ctx, httptest.NewRecorder(), loginRequest(), newSession(t), LoginInput{Identifier: "ahmad", Password: "wrong"})
	require.ErrorIs(t, err, ErrAccountLocked)

	sess := newSession(t)
	_, err = svc.Login(ctx, httptest.NewRecorder(), loginRequest(), sess, LoginInput{Identifier: "ahmad", Password: testPassword})
	require.ErrorIs(t, err, ErrAccountLocked, "the right password does not bypass a lock")
	_, ok := sess.UserID()
	assert.False(t, ok)

	repo.Now = func() time.Time { return authNow.Add(16 * time.Minute) }
	_, err = svc.Login(ctx, httptest.NewRecorder(), loginRequest(), newSession(t), LoginInput{Identifier: "ahmad", Password: testPassword})
	require.NoError(t, err)
	assert.Zero(t, repo.Get(user.ID).LoginAttempts)
}

func TestLogin_InactiveStatuses(t *testing.T) {
	cases := map[types.Status]error{
		types.StatusPending:   ErrAccountPending,
		types.StatusSuspended: ErrAccountSuspended,
		types.StatusBanned:    ErrAccountBanned,
	}
	for status, want := range cases {
		t.Run(string(status), func(t *testing.T) {
			svc, repo, user := newAuthFixture(t)
			require.NoError(t, repo.SetStatus(user.ID, status))

			sess := newSession(t)
			_, err := svc.Login(context.Background(), httptest.NewRecorder(), loginRequest(), sess, LoginInput{
				Identifier: "ahmad", Password: testPassword,
			})
			assert.ErrorIs(t, err, want)
			_, ok := sess.UserID()
			assert.False(t, ok)
		})
	}
}

func TestLogin_RepositoryError(t *testing.T) {
	svc, repo, _ := newAuthFixture(t)
	repo.Err = errors.New("connection refused")

	_, err := svc.Login(context.Background(), httptest.NewRecorder(), loginRequest(), newSession(t), LoginInput{
		Identifier: "ahmad", Password: testPassword,
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidCredentials)
}

func rememberLogin(t *testing.T, svc *AuthService) *http.Cookie {
	t.Helper()
	rec := httptest.NewRecorder()
	_, err := svc.Login(context.Background(), rec, loginRequest(), newSession(t), LoginInput{
		Identifier: "ahmad", Password: testPassword, Remember: true,
	})
	require.NoError(t, err)
	c := findCookie(rec.Result().Cookies(), session.RememberCookie)
	require.NotNil(t, c)
	return c
}

func TestLogin_RememberIssuesSignedCookie(t *testing.T) {
	svc, repo, user := newAuthFixture(t)
	c := rememberLogin(t, svc)

	assert.True(t, c.HttpOnly)
	assert.Equal(t, "/", c.Path)
	assert.Equal(t, 3600, c.MaxAge)

	claims, err := svc.parseRememberCookie(c.Value)
	require.NoError(t, err)
	assert.Equal(t, "1", claims.Subject)
	stored := repo.Get(user.ID).RememberToken
	require.NotNil(t, stored)
	assert.Equal(t, *stored, claims.Token)
	assert.Len(t, claims.Token, 64)
}

func reauth(t *testing.T, svc *AuthService, c *http.Cookie) (*session.Session, *httptest.ResponseRecorder, error) {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.10:5555"
	r.AddCookie(c)
	sess := newSession(t)
	rec := httptest.NewRecorder()
	err := svc.ReauthenticateFromCookie(context.Background(), rec, r, sess)
	return sess, rec, err
}

func TestReauthenticate_SignsInAndRotates(t *testing.T) {
	svc, repo, user := newAuthFixture(t)
	c := rememberLogin(t, svc)
	before := *repo.Get(user.ID).RememberToken

	sess, rec, err := reauth(t, svc, c)
	require.NoError(t, err)

	id, ok := sess.UserID()
	require.True(t, ok)
	assert.Equal(t, user.ID, id)

	after := repo.Get(user.ID).RememberToken
	require.NotNil(t, after)
	assert.NotEqual(t, before, *after)

	rotated := findCookie(rec.Result().Cookies(), session.RememberCookie)
	require.NotNil(t, rotated)
	assert.NotEqual(t, c.Value, rotated.Value)

	_, _, err = reauth(t, svc, c)
	assert.ErrorIs(t, err, ErrInvalidRememberToken, "a rotated cookie cannot be replayed")
}

func TestReauthenticate_RejectsBadCookies(t *testing.T) {
	svc, repo, user := newAuthFixture(t)
	good := rememberLogin(t, svc)

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, rememberClaims{
		Token: *repo.Get(user.ID).RememberToken,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "1",
			ExpiresAt: jwt.NewNumericDate(authNow.Add(time.Hour)),
		},
	}).SignedString([]byte("other-secret"))
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, rememberClaims{
		Token:            *repo.Get(user.ID).RememberToken,
		RegisteredClaims: jwt.RegisteredClaims{Subject: "1"},
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	cases := map[string]string{
		"garbage":   "not-a-jwt",
		"forged":    forged,
		"no expiry": noExpiry,
		"tampered":  good.Value + "a",
	}
	for name, value := range cases {
		t.Run(name, func(t *testing.T) {
			sess, rec, err := reauth(t, svc, &http.Cookie{Name: session.RememberCookie, Value: value})
			assert.ErrorIs(t, err, ErrInvalidRememberToken)
			_, ok := sess.UserID()
			assert.False(t, ok)

			expired := findCookie(rec.Result().Cookies(), session.RememberCookie)
			require.NotNil(t, expired)
			assert.Empty(t, expired.Value)
			assert.Equal(t, -1, expired.MaxAge)
		})
	}
}

func TestReauthenticate_ExpiredCookie(t *testing.T) {
	svc, _, _ := newAuthFixture(t)
	c := rememberLogin(t, svc)

	svc.now = func() time.Time { return authNow.Add(2 * time.Hour) }
	_, _, err := reauth(t, svc, c)
	assert.ErrorIs(t, err, ErrInvalidRememberToken)
}

func TestReauthenticate_InactiveUser(t *testing.T) {
	svc, repo, user := newAuthFixture(t)
	c := rememberLogin(t, svc)
	require.NoError(t, repo.SetStatus(user.ID, types.StatusBanned))

	sess, _, err := reauth(t, svc, c)
	assert.ErrorIs(t, err, ErrAccountBanned)
	_, ok := sess.UserID()
	assert.False(t, ok)
}

func TestReauthenticate_SubjectMismatch(t *testing.T) {
	svc, repo, user := newAuthFixture(t)
	token := "f00d"
	require.NoError(t, repo.UpdateRememberToken(context.Background(), user.ID, &token))

	value, err := jwt.NewWithClaims(jwt.SigningMethodHS256, rememberClaims{
		Token: token,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "42",
			ExpiresAt: jwt.NewNumericDate(authNow.Add(time.Hour)),
		},
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, _, err = reauth(t, svc, &http.Cookie{Name: session.RememberCookie, Value: value})
	assert.ErrorIs(t, err, ErrInvalidRememberToken)
}

func TestLogout(t *testing.T) {
	svc, repo, user := newAuthFixture(t)
	rememberLogin(t, svc)
	require.NotNil(t, repo.Get(user.ID).RememberToken)

	sess := newSession(t)
	sess.SignIn(user.ID, "192.0.2.10", authNow)
	require.NoError(t, svc.Logout(context.Background(), sess))

	assert.Nil(t, repo.Get(user.ID).RememberToken)
	assert.True(t, sess.Destroyed())
	_, ok := sess.UserID()
	assert.False(t, ok)
}

func TestLogout_Anonymous(t *testing.T) {
	svc, _, _ := newAuthFixture(t)
	sess := newSession(t)
	require.NoError(t, svc.Logout(context.Background(), sess))
	assert.True(t, sess.Destroyed())
}
