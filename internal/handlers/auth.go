package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/maqalati/server/internal/authz"
	"github.com/maqalati/server/internal/services"
	"github.com/maqalati/server/internal/session"
	"github.com/maqalati/server/types"
	"github.com/rs/zerolog"
)

// AuthHandler provides session authentication endpoints.
type AuthHandler struct {
	auth  *services.AuthService
	users *services.UserService
}

// NewAuthHandler constructs an AuthHandler with the provided dependencies.
func NewAuthHandler(auth *services.AuthService, users *services.UserService) *AuthHandler {
	return &AuthHandler{auth: auth, users: users}
}

// AuthRouter registers auth routes on the given router. limiter may be nil.
func AuthRouter(r chi.Router, auth *services.AuthService, users *services.UserService, limiter *LoginLimiter) {
	handler := NewAuthHandler(auth, users)

	r.Get("/csrf", handler.CSRF)
	r.Get("/activate", handler.Activate)
	r.Get("/flash/{key}", handler.Flash)
	r.With(authz.RequireLogin).Get("/me", handler.Me)

	r.Group(func(r chi.Router) {
		r.Use(session.RequireCSRF)
		r.Post("/register", handler.Register)
		if limiter != nil {
			r.With(limiter.Middleware).Post("/login", handler.Login)
		} else {
			r.Post("/login", handler.Login)
		}
		r.With(authz.RequireLogin).Post("/logout", handler.Logout)
	})
}

// CSRF returns the session's token, creating the session if needed.
func (h *AuthHandler) CSRF(w http.ResponseWriter, r *http.Request) {
	sess := session.FromContext(r.Context())
	if sess == nil {
		writeError(w, http.StatusInternalServerError, "session unavailable")
		return
	}
	token, err := sess.CSRFToken()
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CSRFResponse{Token: token})
}

// Register creates a pending account and queues the activation mail.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	user, err := h.users.Register(r.Context(), services.Registration{
		Username:        req.Username,
		Email:           req.Email,
		Password:        req.Password,
		PasswordConfirm: req.PasswordConfirm,
		FullName:        req.FullName,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	if sess := session.FromContext(r.Context()); sess != nil {
		sess.SetFlash("register", "تم إنشاء الحساب بنجاح، يرجى التحقق من بريدك الإلكتروني لتفعيل الحساب", "success")
	}
	zerolog.Ctx(r.Context()).Info().Int64("user_id", user.ID).Msg("user registered")
	writeJSON(w, http.StatusCreated, user)
}

// Activate consumes the token from the activation link.
func (h *AuthHandler) Activate(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		writeError(w, http.StatusBadRequest, "رابط التفعيل غير صالح")
		return
	}
	if err := h.users.Activate(r.Context(), token); err != nil {
		writeServiceError(w, r, err)
		return
	}

	const msg = "تم تفعيل الحساب بنجاح، يمكنك الآن تسجيل الدخول"
	if sess := session.FromContext(r.Context()); sess != nil {
		sess.SetFlash("login", msg, "success")
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: msg})
}

// Login signs the user into the current session.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sess := session.FromContext(r.Context())
	if sess == nil {
		writeError(w, http.StatusInternalServerError, "session unavailable")
		return
	}

	user, err := h.auth.Login(r.Context(), w, r, sess, services.LoginInput{
		Identifier: req.Username,
		Password:   req.Password,
		Remember:   req.Remember,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	token, err := sess.CSRFToken()
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, LoginResponse{User: user, CSRFToken: token})
}

// Logout ends the session and forgets the remember-me cookie.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	sess := session.FromContext(r.Context())
	if sess == nil {
		writeError(w, http.StatusInternalServerError, "session unavailable")
		return
	}
	if err := h.auth.Logout(r.Context(), sess); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "تم تسجيل الخروج بنجاح"})
}

// Me returns the current authenticated user.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, err := authz.CurrentUser(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if user == nil {
		writeError(w, http.StatusUnauthorized, "يجب تسجيل الدخول أولاً")
		return
	}

	perms := make([]authz.Permission, 0)
	for _, p := range allPermissions {
		if authz.RoleHas(user.Role, p) {
			perms = append(perms, p)
		}
	}
	writeJSON(w, http.StatusOK, MeResponse{
		User:        *user,
		RoleLabel:   authz.RoleLabel(user.Role),
		Permissions: perms,
	})
}

// Flash returns and clears a one-shot message.
func (h *AuthHandler) Flash(w http.ResponseWriter, r *http.Request) {
	sess := session.FromContext(r.Context())
	if sess == nil {
		writeError(w, http.StatusNotFound, "no message")
		return
	}
	flash, ok := sess.Flash(chi.URLParam(r, "key"))
	if !ok {
		writeError(w, http.StatusNotFound, "no message")
		return
	}
	writeJSON(w, http.StatusOK, flash)
}

var allPermissions = []authz.Permission{
	authz.ManageUsers,
	authz.ManageArticles,
	authz.ManageSettings,
	authz.ActivateUsers,
	authz.ViewDashboard,
	authz.ManageModerators,
	authz.CreateArticle,
	authz.EditOwnArticle,
	authz.ViewArticles,
}

type RegisterRequest struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm"`
	FullName        string `json:"full_name"`
}

type LoginRequest struct {
	// Username accepts a username or an email address.
	Username string `json:"username"`
	Password string `json:"password"`
	Remember bool   `json:"remember"`
}

type LoginResponse struct {
	User types.User `json:"user"`
	// CSRFToken is returned again because the session id changed.
	CSRFToken string `json:"csrf_token"`
}

type CSRFResponse struct {
	Token string `json:"csrf_token"`
}

type MeResponse struct {
	User        types.User         `json:"user"`
	RoleLabel   string             `json:"role_label"`
	Permissions []authz.Permission `json:"permissions"`
}
