// Package session keeps per-browser state on the server: the signed-in
// user, idle timeout and IP pinning, one-shot flash messages and the CSRF
// token. The browser only holds an opaque session id cookie.
package session

import (
	"strconv"
	"sync"
	"time"

	"github.com/maqalati/server/internal/metrics"
	"github.com/maqalati/server/internal/tokens"
)

// Well-known session keys.
const (
	KeyUserID       = "user_id"
	KeyLastActivity = "last_activity"
	KeyIPAddress    = "ip_address"
	KeyCSRFToken    = "csrf_token"
)

// RememberCookie is the name of the long-lived remember-me cookie.
const RememberCookie = "remember_token"

// Flash is a one-shot notification shown on the next page.
type Flash struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Data is what a Store persists for one session.
type Data struct {
	Values map[string]string `json:"values"`
	Flash  map[string]Flash  `json:"flash,omitempty"`
}

func newData() Data {
	return Data{Values: map[string]string{}, Flash: map[string]Flash{}}
}

// Session is the state of one browser for the duration of a request. It is
// loaded and saved by Manager.
type Session struct {
	mu sync.Mutex

	id       string
	data     Data
	lifetime time.Duration

	isNew     bool
	modified  bool
	destroyed bool
	stale     []string
}

// New returns an empty session with a fresh id. lifetime is the idle timeout
// enforced by Validate.
func New(lifetime time.Duration) (*Session, error) {
	id, err := tokens.New()
	if err != nil {
		return nil, err
	}
	return &Session{id: id, data: newData(), lifetime: lifetime, isNew: true}, nil
}

func load(id string, data Data, lifetime time.Duration) *Session {
	if data.Values == nil {
		data.Values = map[string]string{}
	}
	if data.Flash == nil {
		data.Flash = map[string]Flash{}
	}
	return &Session{id: id, data: data, lifetime: lifetime}
}

func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Get returns the value for key or def when it is not set.
func (s *Session) Get(key, def string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.data.Values[key]; ok {
		return v
	}
	return def
}

func (s *Session) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Values[key] = value
	s.modified = true
}

func (s *Session) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data.Values[key]
	return ok
}

func (s *Session) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Values[key]; ok {
		delete(s.data.Values, key)
		s.modified = true
	}
}

// UserID returns the signed-in user, if any.
func (s *Session) UserID() (int64, bool) {
	raw := s.Get(KeyUserID, "")
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// SignIn records userID as the signed-in user, pinned to ip.
func (s *Session) SignIn(userID int64, ip string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Values[KeyUserID] = strconv.FormatInt(userID, 10)
	s.data.Values[KeyIPAddress] = ip
	s.data.Values[KeyLastActivity] = strconv.FormatInt(now.Unix(), 10)
	s.modified = true
}

// SetFlash stores a message for the next Flash(key) call. An empty type
// defaults to "info".
func (s *Session) SetFlash(key, message, typ string) {
	if typ == "" {
		typ = "info"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Flash[key] = Flash{Message: message, Type: typ}
	s.modified = true
}

// Flash returns and removes the message stored under key.
func (s *Session) Flash(key string) (Flash, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.data.Flash[key]
	if !ok {
		return Flash{}, false
	}
	delete(s.data.Flash, key)
	s.modified = true
	return f, true
}

// Validate enforces the idle timeout and the IP pin for a signed-in session.
// On failure the session is destroyed and false is returned; otherwise the
// activity time is refreshed. Anonymous sessions always pass.
func (s *Session) Validate(now time.Time, ip string) bool {
	s.mu.Lock()
	if _, ok := s.data.Values[KeyUserID]; !ok {
		s.mu.Unlock()
		return true
	}

	if raw, ok := s.data.Values[KeyLastActivity]; ok {
		last, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || now.Unix()-last > int64(s.lifetime/time.Second) {
			s.mu.Unlock()
			metrics.SessionInvalidationsTotal.WithLabelValues("timeout").Inc()
			s.Destroy()
			return false
		}
	}
	if pinned, ok := s.data.Values[KeyIPAddress]; ok && pinned != ip {
		s.mu.Unlock()
		metrics.SessionInvalidationsTotal.WithLabelValues("ip_mismatch").Inc()
		s.Destroy()
		return false
	}

	s.data.Values[KeyLastActivity] = strconv.FormatInt(now.Unix(), 10)
	s.modified = true
	s.mu.Unlock()
	return true
}

// Destroy clears all state. When the request completes the stored data is
// deleted and both the session and remember-me cookies are expired.
func (s *Session) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = newData()
	s.destroyed = true
	s.modified = true
}

// Regenerate moves the session to a new id, keeping its data. Call it when
// the privilege level changes, such as on login. A destroyed session comes
// back to life under the new id.
func (s *Session) Regenerate() error {
	id, err := tokens.New()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isNew {
		s.stale = append(s.stale, s.id)
	}
	s.id = id
	s.isNew = true
	s.destroyed = false
	s.modified = true
	return nil
}

// Destroyed reports whether Destroy was called and not undone by Regenerate.
func (s *Session) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// CSRFToken returns the session's CSRF token, creating it on first use.
func (s *Session) CSRFToken() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok := s.data.Values[KeyCSRFToken]; tok != "" {
		return tok, nil
	}
	tok, err := tokens.New()
	if err != nil {
		return "", err
	}
	s.data.Values[KeyCSRFToken] = tok
	s.modified = true
	return tok, nil
}

// ValidCSRF compares token with the stored one in constant time.
func (s *Session) ValidCSRF(token string) bool {
	return tokens.Equal(s.Get(KeyCSRFToken, ""), token)
}

// snapshot returns what needs to be persisted, and resets dirty tracking.
func (s *Session) snapshot() (id string, data Data, stale []string, isNew, modified, destroyed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data = Data{Values: make(map[string]string, len(s.data.Values)), Flash: make(map[string]Flash, len(s.data.Flash))}
	for k, v := range s.data.Values {
		data.Values[k] = v
	}
	for k, v := range s.data.Flash {
		data.Flash[k] = v
	}
	id, stale, isNew, modified, destroyed = s.id, s.stale, s.isNew, s.modified, s.destroyed
	s.stale = nil
	s.isNew = false
	s.modified = false
	return
}
