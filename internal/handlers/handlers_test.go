package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/maqalati/server/config"
	"github.com/maqalati/server/internal/authz"
	"github.com/maqalati/server/internal/services"
	"github.com/maqalati/server/internal/session"
	"github.com/maqalati/server/internal/storage"
	"github.com/maqalati/server/internal/store"
	"github.com/maqalati/server/internal/store/storetest"
	"github.com/maqalati/server/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const strongPassword = "Abcdefg1!"

type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memObjects) EnsureBucket(context.Context) error { return nil }
func (m *memObjects) Bucket() string                     { return "test" }

func (m *memObjects) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *memObjects) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, errors.New("no such object")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memObjects) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

type testEnv struct {
	server  *httptest.Server
	repo    *storetest.Users
	objects *memObjects
}

func newTestEnv(t *testing.T, limiter *LoginLimiter) *testEnv {
	t.Helper()
	repo := storetest.New()
	objects := &memObjects{objects: map[string][]byte{}}

	sec := config.SecurityConfig{SecretKey: "test-secret", SessionLifetime: 3600, CookieLifetime: 3600}
	sessCfg := config.SessionConfig{CookieName: "sid"}
	events := services.NewAccountEvents(nil, config.MQConfig{}, config.SiteConfig{URL: "http://localhost"}, zerolog.Nop())
	users := services.NewUserService(repo, repo, events, storage.NewAvatars(objects), zerolog.Nop())
	auth := services.NewAuthService(repo, sec, sessCfg)

	manager := session.NewManager(session.NewMemoryStore(), sessCfg, sec, zerolog.Nop())
	manager.SetReauthenticator(auth)

	r := chi.NewRouter()
	r.Get("/healthz", Healthz(nil))
	r.Group(func(r chi.Router) {
		r.Use(manager.Middleware, authz.Middleware(repo))
		r.Route("/auth", func(r chi.Router) { AuthRouter(r, auth, users, limiter) })
		r.Route("/admin", func(r chi.Router) { AdminRouter(r, users) })
		r.Route("/avatars", func(r chi.Router) { AvatarRouter(r, users) })
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testEnv{server: srv, repo: repo, objects: objects}
}

func (e *testEnv) addUser(username string, role types.Role, status types.Status) types.User {
	return e.repo.Add(types.User{
		Username: username,
		Email:    username + "@example.com",
		FullName: "مستخدم " + username,
		Role:     role,
		Status:   status,
	}, strongPassword)
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

type client struct {
	t    *testing.T
	http *http.Client
	base string
	csrf string
}

func (e *testEnv) client(t *testing.T) *client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &client{t: t, http: &http.Client{Jar: jar}, base: e.server.URL}
}

func (c *client) send(method, path string, body io.Reader, contentType string) (int, []byte) {
	c.t.Helper()
	req, err := http.NewRequest(method, c.base+path, body)
	require.NoError(c.t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.csrf != "" {
		req.Header.Set(session.CSRFHeader, c.csrf)
	}
	resp, err := c.http.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	return resp.StatusCode, data
}

func (c *client) do(method, path string, payload any) (int, map[string]any) {
	c.t.Helper()
	var body io.Reader
	contentType := ""
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(c.t, err)
		body = bytes.NewReader(raw)
		contentType = "application/json"
	}
	status, data := c.send(method, path, body, contentType)
	out := map[string]any{}
	if len(data) > 0 && data[0] == '{' {
		require.NoError(c.t, json.Unmarshal(data, &out), string(data))
	}
	return status, out
}

func (c *client) fetchCSRF() {
	c.t.Helper()
	status, body := c.do(http.MethodGet, "/auth/csrf", nil)
	require.Equal(c.t, http.StatusOK, status)
	c.csrf = body["csrf_token"].(string)
	require.Len(c.t, c.csrf, 64)
}

func (c *client) login(username string, remember bool) {
	c.t.Helper()
	c.fetchCSRF()
	status, body := c.do(http.MethodPost, "/auth/login", map[string]any{
		"username": username, "password": strongPassword, "remember": remember,
	})
	require.Equal(c.t, http.StatusOK, status, body)
	c.csrf = body["csrf_token"].(string)
}

func TestRegisterActivateLoginFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.client(t)

	form := map[string]any{
		"username":         "layla_m",
		"email":            "layla@example.com",
		"password":         strongPassword,
		"password_confirm": strongPassword,
		"full_name":        "ليلى محمد",
	}
	status, _ := c.do(http.MethodPost, "/auth/register", form)
	assert.Equal(t, http.StatusForbidden, status, "registration without a CSRF token is refused")

	c.fetchCSRF()
	status, body := c.do(http.MethodPost, "/auth/register", form)
	require.Equal(t, http.StatusCreated, status, body)
	assert.Equal(t, "pending", body["status"])
	assert.NotContains(t, body, "password")

	status, body = c.do(http.MethodGet, "/auth/flash/register", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "success", body["type"])

	status, body = c.do(http.MethodPost, "/auth/login", map[string]any{"username": "layla_m", "password": strongPassword})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "الحساب غير مفعل، يرجى التحقق من بريدك الإلكتروني", body["error"])

	status, _ = c.do(http.MethodGet, "/auth/activate?token=activation-layla_m", nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = c.do(http.MethodGet, "/auth/activate?token=activation-layla_m", nil)
	assert.Equal(t, http.StatusNotFound, status, "activation tokens are single use")

	status, body = c.do(http.MethodGet, "/auth/flash/login", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "تم تفعيل الحساب بنجاح، يمكنك الآن تسجيل الدخول", body["message"])
	status, _ = c.do(http.MethodGet, "/auth/flash/login", nil)
	assert.Equal(t, http.StatusNotFound, status, "flash messages are read once")

	status, _ = c.do(http.MethodPost, "/auth/login", map[string]any{"username": "layla_m", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = c.do(http.MethodGet, "/auth/me", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	c.login("layla@example.com", false)
	status, body = c.do(http.MethodGet, "/auth/me", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "عضو", body["role_label"])
	assert.ElementsMatch(t, []any{"create_article", "edit_own_article"}, body["permissions"])

	status, _ = c.do(http.MethodPost, "/auth/logout", nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = c.do(http.MethodGet, "/auth/me", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestRegisterValidationErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.client(t)
	c.fetchCSRF()

	status, body := c.do(http.MethodPost, "/auth/register", map[string]any{
		"username":         "1abc",
		"email":            "not-an-email",
		"password":         "abc",
		"password_confirm": "abc",
		"full_name":        "ليلى",
	})
	require.Equal(t, http.StatusUnprocessableEntity, status)
	errs := body["errors"].(map[string]any)
	assert.Contains(t, errs, "username")
	assert.Equal(t, "البريد الإلكتروني غير صالح", errs["email"])
	assert.Contains(t, errs, "password")
	assert.Equal(t, errs["username"], body["error"])

	status, _ = c.send(http.MethodPost, "/auth/register", strings.NewReader("{"), "application/json")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestLoginIsThrottledPerIP(t *testing.T) {
	env := newTestEnv(t, NewLoginLimiter(time.Hour, 3))
	env.addUser("omar", types.RoleMember, types.StatusActive)
	c := env.client(t)
	c.fetchCSRF()

	for i := 0; i < 3; i++ {
		status, _ := c.do(http.MethodPost, "/auth/login", map[string]any{"username": "omar", "password": "wrong"})
		require.Equal(t, http.StatusUnauthorized, status)
	}
	status, body := c.do(http.MethodPost, "/auth/login", map[string]any{"username": "omar", "password": strongPassword})
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.NotEmpty(t, body["error"])
}

func TestLockoutAnswers423(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addUser("omar", types.RoleMember, types.StatusActive)
	c := env.client(t)
	c.fetchCSRF()

	var status int
	for i := 0; i < 5; i++ {
		status, _ = c.do(http.MethodPost, "/auth/login", map[string]any{"username": "omar", "password": "wrong"})
	}
	assert.Equal(t, http.StatusLocked, status)
}

func TestRememberMeSignsInFreshBrowser(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addUser("omar", types.RoleMember, types.StatusActive)

	c := env.client(t)
	c.login("omar", true)

	var remember *http.Cookie
	for _, ck := range c.http.Jar.Cookies(mustURL(t, env.server.URL)) {
		if ck.Name == session.RememberCookie {
			remember = ck
		}
	}
	require.NotNil(t, remember)

	fresh := env.client(t)
	fresh.http.Jar.SetCookies(mustURL(t, env.server.URL), []*http.Cookie{{Name: session.RememberCookie, Value: remember.Value}})
	status, body := fresh.do(http.MethodGet, "/auth/me", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "omar", body["user"].(map[string]any)["username"])

	replay := env.client(t)
	replay.http.Jar.SetCookies(mustURL(t, env.server.URL), []*http.Cookie{{Name: session.RememberCookie, Value: remember.Value}})
	status, _ = replay.do(http.MethodGet, "/auth/me", nil)
	assert.Equal(t, http.StatusUnauthorized, status, "the cookie was rotated by the first use")
}

func TestAdminGuards(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addUser("root", types.RoleAdmin, types.StatusActive)
	env.addUser("mod", types.RoleModerator, types.StatusActive)
	env.addUser("omar", types.RoleMember, types.StatusActive)

	anon := env.client(t)
	status, _ := anon.do(http.MethodGet, "/admin/users", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	member := env.client(t)
	member.login("omar", false)
	status, _ = member.do(http.MethodGet, "/admin/users", nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = member.do(http.MethodGet, "/admin/nav", nil)
	assert.Equal(t, http.StatusForbidden, status)

	mod := env.client(t)
	mod.login("mod", false)
	status, _ = mod.do(http.MethodGet, "/admin/users", nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, navBody := mod.send(http.MethodGet, "/admin/nav", nil, "")
	require.Equal(t, http.StatusOK, status)
	var nav []authz.NavItem
	require.NoError(t, json.Unmarshal(navBody, &nav))
	assert.Len(t, nav, 3)

	admin := env.client(t)
	admin.login("root", false)
	status, body := admin.do(http.MethodGet, "/admin/users?limit=2", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 3, body["total"])
	assert.Len(t, body["items"], 2)

	status, body = admin.do(http.MethodGet, "/admin/moderators", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["total"])

	status, _ = admin.do(http.MethodGet, "/admin/users?role=owner", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAdminTransitions(t *testing.T) {
	env := newTestEnv(t, nil)
	root := env.addUser("root", types.RoleAdmin, types.StatusActive)
	env.addUser("mod", types.RoleModerator, types.StatusActive)
	pending := env.addUser("newbie", types.RoleMember, types.StatusPending)
	omar := env.addUser("omar", types.RoleMember, types.StatusActive)

	mod := env.client(t)
	mod.login("mod", false)
	status, body := mod.do(http.MethodPost, "/admin/users/"+itoa(pending.ID)+"/activate", nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "active", body["status"])
	status, _ = mod.do(http.MethodPost, "/admin/users/"+itoa(omar.ID)+"/ban", nil)
	assert.Equal(t, http.StatusForbidden, status)

	admin := env.client(t)
	admin.login("root", false)
	status, body = admin.do(http.MethodPost, "/admin/users/"+itoa(omar.ID)+"/suspend", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "suspended", body["status"])

	status, _ = admin.do(http.MethodPost, "/admin/users/"+itoa(root.ID)+"/ban", nil)
	assert.Equal(t, http.StatusBadRequest, status, "admins cannot ban themselves")

	status, body = admin.do(http.MethodPut, "/admin/users/"+itoa(omar.ID)+"/role", map[string]any{"role": "moderator"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "moderator", body["role"])
	status, _ = admin.do(http.MethodPut, "/admin/users/"+itoa(omar.ID)+"/role", map[string]any{"role": "guest"})
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	name := "عمر الفاروق"
	status, body = admin.do(http.MethodPut, "/admin/users/"+itoa(omar.ID), map[string]any{"full_name": name, "email": "mod@example.com"})
	require.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "البريد الإلكتروني مستخدم بالفعل", body["error"])
	status, body = admin.do(http.MethodPut, "/admin/users/"+itoa(omar.ID), map[string]any{"full_name": name})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, name, body["full_name"])

	status, _ = admin.do(http.MethodDelete, "/admin/users/"+itoa(omar.ID), nil)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = admin.do(http.MethodGet, "/admin/users/"+itoa(omar.ID), nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = admin.do(http.MethodGet, "/admin/users/abc", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAdminUpdate_OwnRoleAndStatusAreLocked(t *testing.T) {
	env := newTestEnv(t, nil)
	root := env.addUser("root", types.RoleAdmin, types.StatusActive)

	admin := env.client(t)
	admin.login("root", false)

	status, _ := admin.do(http.MethodPut, "/admin/users/"+itoa(root.ID), map[string]any{"role": "member"})
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = admin.do(http.MethodPut, "/admin/users/"+itoa(root.ID), map[string]any{"status": "banned"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, types.RoleAdmin, env.repo.Get(root.ID).Role)
	assert.Equal(t, types.StatusActive, env.repo.Get(root.ID).Status)

	name := "مدير الموقع"
	status, body := admin.do(http.MethodPut, "/admin/users/"+itoa(root.ID), map[string]any{"full_name": name})
	require.Equal(t, http.StatusOK, status, "admins may still edit their own profile")
	assert.Equal(t, name, body["full_name"])
}

func TestAdminUpdate_ActivatingClearsToken(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addUser("root", types.RoleAdmin, types.StatusActive)
	token := "activation-newbie"
	pending := env.repo.Add(types.User{
		Username:        "newbie",
		Email:           "newbie@example.com",
		FullName:        "عضو جديد",
		Role:            types.RoleMember,
		Status:          types.StatusPending,
		ActivationToken: &token,
	}, strongPassword)

	admin := env.client(t)
	admin.login("root", false)
	status, body := admin.do(http.MethodPut, "/admin/users/"+itoa(pending.ID), map[string]any{"status": "active"})
	require.Equal(t, http.StatusOK, status, body)

	assert.Equal(t, types.StatusActive, env.repo.Get(pending.ID).Status)
	assert.Nil(t, env.repo.Get(pending.ID).ActivationToken)
	status, _ = admin.do(http.MethodGet, "/auth/activate?token="+token, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

var pngHeader = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0x0D, 'I', 'H', 'D', 'R'}

func (c *client) upload(path string, content []byte) (int, map[string]any) {
	c.t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("avatar", "me.png")
	require.NoError(c.t, err)
	_, err = part.Write(content)
	require.NoError(c.t, err)
	require.NoError(c.t, w.Close())

	status, data := c.send(http.MethodPost, path, &body, w.FormDataContentType())
	out := map[string]any{}
	if len(data) > 0 && data[0] == '{' {
		require.NoError(c.t, json.Unmarshal(data, &out))
	}
	return status, out
}

func TestAvatarUploadAndServe(t *testing.T) {
	env := newTestEnv(t, nil)
	omar := env.addUser("omar", types.RoleMember, types.StatusActive)
	sara := env.addUser("sara", types.RoleMember, types.StatusActive)

	c := env.client(t)
	c.login("omar", false)

	status, _ := c.upload("/admin/users/"+itoa(sara.ID)+"/avatar", pngHeader)
	assert.Equal(t, http.StatusForbidden, status, "members may only change their own avatar")

	status, body := c.upload("/admin/users/"+itoa(omar.ID)+"/avatar", []byte("plain text"))
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	status, body = c.upload("/admin/users/"+itoa(omar.ID)+"/avatar", pngHeader)
	require.Equal(t, http.StatusOK, status, body)
	avatarURL := body["url"].(string)
	assert.True(t, strings.HasPrefix(avatarURL, "/avatars/"))

	anon := env.client(t)
	status, data := anon.send(http.MethodGet, avatarURL, nil, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, pngHeader, data)

	status, _ = anon.send(http.MethodGet, "/avatars/missing.png", nil, "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestWriteServiceError(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{&services.ValidationError{Fields: map[string]string{"x": "bad"}, First: "bad"}, http.StatusUnprocessableEntity},
		{services.ErrInvalidCredentials, http.StatusUnauthorized},
		{services.ErrAccountLocked, http.StatusLocked},
		{services.ErrAccountBanned, http.StatusForbidden},
		{store.ErrNotFound, http.StatusNotFound},
		{store.ErrDuplicate, http.StatusConflict},
		{storage.ErrDisabled, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeServiceError(rec, httptest.NewRequest(http.MethodGet, "/", nil), tc.err)
		assert.Equal(t, tc.status, rec.Code, tc.err.Error())
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	}

	rec := httptest.NewRecorder()
	writeServiceError(rec, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("pq: password authentication failed"))
	assert.NotContains(t, rec.Body.String(), "pq:", "internal errors are not leaked")
}

func TestLoginLimiter(t *testing.T) {
	l := NewLoginLimiter(time.Minute, 2)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }

	assert.True(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"), "limits are per IP")

	clock = clock.Add(time.Minute)
	assert.True(t, l.Allow("10.0.0.1"), "one attempt is refilled per interval")

	clock = clock.Add(time.Hour)
	l.Allow("10.0.0.3")
	assert.Equal(t, 1, l.Len(), "idle limiters are swept")
}

type failingPinger struct{ err error }

func (p failingPinger) PingContext(context.Context) error { return p.err }

func TestHealthz(t *testing.T) {
	rec := httptest.NewRecorder()
	Healthz(failingPinger{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	Healthz(failingPinger{err: errors.New("down")}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestParsePagination(t *testing.T) {
	cases := []struct {
		query               string
		page, limit, offset int
		wantErr             bool
	}{
		{query: "", page: 1, limit: 20, offset: 0},
		{query: "page=3&limit=10", page: 3, limit: 10, offset: 20},
		{query: "page=2&per_page=5", page: 2, limit: 5, offset: 5},
		{query: "limit=500", page: 1, limit: 100, offset: 0},
		{query: "page=0", wantErr: true},
		{query: "limit=abc", wantErr: true},
		{query: "page=9223372036854775807&limit=100", wantErr: true},
		{query: "page=92233720368547758&limit=100", wantErr: true},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/admin/users?"+tc.query, nil)
		page, limit, offset, err := parsePagination(r)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error, got offset %d", tc.query, offset)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tc.query, err)
		}
		if page != tc.page || limit != tc.limit || offset != tc.offset {
			t.Fatalf("%q: got page=%d limit=%d offset=%d", tc.query, page, limit, offset)
		}
	}
}
