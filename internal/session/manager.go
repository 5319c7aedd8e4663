package session

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/maqalati/server/config"
	"github.com/rs/zerolog"
)

type contextKey string

const sessionKey contextKey = "session"

// NewContext returns ctx carrying sess.
func NewContext(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionKey, sess)
}

// FromContext returns the session attached by Manager.Middleware, or nil.
func FromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionKey).(*Session)
	return sess
}

// ClientIP returns the request's remote address without the port.
// Forwarded headers only reach it when the router runs chi's RealIP, which
// is gated on TRUST_PROXY.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Reauthenticator signs a user back in from the remember-me cookie when the
// session has no user.
type Reauthenticator interface {
	ReauthenticateFromCookie(ctx context.Context, w http.ResponseWriter, r *http.Request, sess *Session) error
}

// Manager loads a session for every request and saves it before the
// response is written.
type Manager struct {
	store    Store
	cfg      config.SessionConfig
	lifetime time.Duration
	ttl      time.Duration
	reauth   Reauthenticator
	logger   zerolog.Logger
	now      func() time.Time
}

func NewManager(store Store, cfg config.SessionConfig, sec config.SecurityConfig, logger zerolog.Logger) *Manager {
	if cfg.CookieName == "" {
		cfg.CookieName = "maqalati_session"
	}
	return &Manager{
		store:    store,
		cfg:      cfg,
		lifetime: sec.SessionTTL(),
		ttl:      sec.CookieTTL(),
		logger:   logger,
		now:      time.Now,
	}
}

// SetReauthenticator enables remember-me logins.
func (m *Manager) SetReauthenticator(r Reauthenticator) {
	m.reauth = r
}

// Middleware attaches the request's session to the context. A session with
// no user but a remember-me cookie is first handed to the Reauthenticator,
// then the session is validated. Changes are persisted when the handler
// starts writing its response.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		sess, err := m.load(ctx, r)
		if err != nil {
			m.logger.Error().Err(err).Msg("failed to load session")
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		sw := &committingWriter{ResponseWriter: w}
		sw.commit = func() { m.commit(ctx, w, sess) }

		r = r.WithContext(NewContext(ctx, sess))

		if _, ok := sess.UserID(); !ok && m.reauth != nil {
			if c, err := r.Cookie(RememberCookie); err == nil && c.Value != "" {
				if err := m.reauth.ReauthenticateFromCookie(r.Context(), sw, r, sess); err != nil {
					m.logger.Debug().Err(err).Msg("remember-me login rejected")
				}
			}
		}
		sess.Validate(m.now(), ClientIP(r))

		next.ServeHTTP(sw, r)
		sw.flushCommit()
	})
}

func (m *Manager) load(ctx context.Context, r *http.Request) (*Session, error) {
	if c, err := r.Cookie(m.cfg.CookieName); err == nil && c.Value != "" {
		data, ok, err := m.store.Load(ctx, c.Value)
		if err != nil {
			return nil, err
		}
		if ok {
			return load(c.Value, data, m.lifetime), nil
		}
	}
	return New(m.lifetime)
}

func (m *Manager) commit(ctx context.Context, w http.ResponseWriter, sess *Session) {
	id, data, stale, isNew, modified, destroyed := sess.snapshot()

	for _, old := range stale {
		if err := m.store.Delete(ctx, old); err != nil {
			m.logger.Warn().Err(err).Msg("failed to delete rotated session")
		}
	}

	if destroyed {
		if err := m.store.Delete(ctx, id); err != nil {
			m.logger.Warn().Err(err).Msg("failed to delete session")
		}
		http.SetCookie(w, m.expiredSessionCookie())
		http.SetCookie(w, ExpiredRememberCookie(m.now()))
		return
	}

	// Anonymous visitors with nothing stored do not get a session.
	if isNew && len(data.Values) == 0 && len(data.Flash) == 0 {
		return
	}
	if !modified && !isNew {
		return
	}
	if err := m.store.Save(ctx, id, data, m.ttl); err != nil {
		m.logger.Error().Err(err).Msg("failed to save session")
		return
	}
	if isNew {
		http.SetCookie(w, &http.Cookie{
			Name:     m.cfg.CookieName,
			Value:    id,
			Path:     "/",
			HttpOnly: true,
			Secure:   m.cfg.SecureCookie,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

func (m *Manager) expiredSessionCookie() *http.Cookie {
	return &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    "",
		Path:     "/",
		Expires:  m.now().Add(-time.Hour),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.cfg.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	}
}

// ExpiredRememberCookie overwrites the remember-me cookie with an empty,
// already expired value.
func ExpiredRememberCookie(now time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     RememberCookie,
		Value:    "",
		Path:     "/",
		Expires:  now.Add(-time.Hour),
		MaxAge:   -1,
		HttpOnly: true,
	}
}

// committingWriter saves the session right before the first byte of the
// response goes out, so Set-Cookie headers still make it.
type committingWriter struct {
	http.ResponseWriter
	once   sync.Once
	commit func()
}

func (w *committingWriter) flushCommit() {
	w.once.Do(w.commit)
}

func (w *committingWriter) WriteHeader(status int) {
	w.flushCommit()
	w.ResponseWriter.WriteHeader(status)
}

func (w *committingWriter) Write(b []byte) (int, error) {
	w.flushCommit()
	return w.ResponseWriter.Write(b)
}

func (w *committingWriter) Flush() {
	w.flushCommit()
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *committingWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
