package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/maqalati/server/internal/authz"
	"github.com/maqalati/server/internal/services"
	"github.com/maqalati/server/internal/session"
	"github.com/maqalati/server/internal/storage"
	"github.com/maqalati/server/internal/validation"
	"github.com/maqalati/server/types"
	"github.com/rs/zerolog"
)

const maxMultipartMemory = validation.DefaultMaxImageSize + 1<<20

// UserHandler serves the admin panel's user management.
type UserHandler struct {
	users *services.UserService
}

func NewUserHandler(users *services.UserService) *UserHandler {
	return &UserHandler{users: users}
}

// AdminRouter registers admin routes on the given router. Every route
// requires a signed-in user; state-changing ones also need a CSRF token.
func AdminRouter(r chi.Router, users *services.UserService) {
	handler := NewUserHandler(users)

	r.Use(authz.RequireLogin, session.RequireCSRF)

	r.With(authz.RequirePermission(authz.ViewDashboard)).Get("/nav", handler.Navigation)
	r.With(authz.RequirePermission(authz.ManageModerators)).Get("/moderators", handler.ListModerators)

	r.Route("/users", func(r chi.Router) {
		r.With(authz.RequirePermission(authz.ManageUsers)).Get("/", handler.ListUsers)
		r.Route("/{userID}", func(r chi.Router) {
			r.With(authz.RequirePermission(authz.ManageUsers)).Get("/", handler.GetUser)
			r.With(authz.RequirePermission(authz.ManageUsers)).Put("/", handler.UpdateUser)
			r.With(authz.RequirePermission(authz.ManageUsers)).Delete("/", handler.DeleteUser)
			r.With(authz.RequirePermission(authz.ActivateUsers)).Post("/activate", handler.ActivateUser)
			r.With(authz.RequirePermission(authz.ManageUsers)).Post("/suspend", handler.SuspendUser)
			r.With(authz.RequirePermission(authz.ManageUsers)).Post("/ban", handler.BanUser)
			r.With(authz.RequirePermission(authz.ManageModerators)).Put("/role", handler.ChangeRole)
			r.Post("/avatar", handler.UploadAvatar)
		})
	})
}

// AvatarRouter serves stored avatars publicly.
func AvatarRouter(r chi.Router, users *services.UserService) {
	handler := NewUserHandler(users)
	r.Get("/*", handler.ServeAvatar)
}

func (h *UserHandler) Navigation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, authz.Navigation(r.Context()))
}

func (h *UserHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	h.list(w, r, types.UserFilter{
		Role:   types.Role(strings.TrimSpace(q.Get("role"))),
		Status: types.Status(strings.TrimSpace(q.Get("status"))),
		Search: q.Get("search"),
	})
}

func (h *UserHandler) ListModerators(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, types.UserFilter{
		Role:   types.RoleModerator,
		Search: r.URL.Query().Get("search"),
	})
}

func (h *UserHandler) list(w http.ResponseWriter, r *http.Request, f types.UserFilter) {
	if f.Role != "" && !f.Role.Valid() {
		writeError(w, http.StatusBadRequest, "invalid role")
		return
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	page, limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f.Limit, f.Offset = limit, offset

	items, total, err := h.users.List(r.Context(), f)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, UserListResponse{
		Items: items,
		Page:  page,
		Limit: limit,
		Total: total,
	})
}

func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	id, err := parseUserID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	user, err := h.users.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *UserHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	id, err := parseUserID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req UserUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Role != nil || req.Status != nil {
		if current, _ := authz.CurrentUser(r.Context()); current != nil && current.ID == id {
			writeError(w, http.StatusBadRequest, "لا يمكنك تعديل حالة حسابك")
			return
		}
	}

	if err := h.users.Update(r.Context(), id, services.Profile{
		Username:        req.Username,
		Email:           req.Email,
		FullName:        req.FullName,
		Role:            req.Role,
		Status:          req.Status,
		Password:        req.Password,
		PasswordConfirm: req.PasswordConfirm,
	}); err != nil {
		writeServiceError(w, r, err)
		return
	}
	h.respondUser(w, r, id)
}

func (h *UserHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := parseUserID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if current, _ := authz.CurrentUser(r.Context()); current != nil && current.ID == id {
		writeError(w, http.StatusBadRequest, "لا يمكنك حذف حسابك")
		return
	}
	if err := h.users.Delete(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *UserHandler) ActivateUser(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.users.ActivateByAdmin)
}

func (h *UserHandler) SuspendUser(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.users.Suspend)
}

func (h *UserHandler) BanUser(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.users.Ban)
}

func (h *UserHandler) ChangeRole(w http.ResponseWriter, r *http.Request) {
	var req RoleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	role := types.Role(strings.TrimSpace(req.Role))
	h.transition(w, r, func(ctx context.Context, id int64) error {
		return h.users.ChangeRole(ctx, id, role)
	})
}

func (h *UserHandler) transition(w http.ResponseWriter, r *http.Request, apply func(context.Context, int64) error) {
	id, err := parseUserID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if current, _ := authz.CurrentUser(r.Context()); current != nil && current.ID == id {
		writeError(w, http.StatusBadRequest, "لا يمكنك تعديل حالة حسابك")
		return
	}
	if err := apply(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	h.respondUser(w, r, id)
}

// UploadAvatar accepts a multipart "avatar" file for the user itself or,
// with manage_users, for anyone.
func (h *UserHandler) UploadAvatar(w http.ResponseWriter, r *http.Request) {
	id, err := parseUserID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	current, err := authz.CurrentUser(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if current == nil || (current.ID != id && !authz.HasPermission(r.Context(), authz.ManageUsers)) {
		writeError(w, http.StatusForbidden, "ليس لديك صلاحية للوصول إلى هذه الصفحة")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxMultipartMemory)
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	key, err := h.users.UploadAvatar(r.Context(), id, r.MultipartForm.File)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AvatarResponse{Key: key, URL: "/avatars/" + strings.TrimPrefix(key, "avatars/")})
}

func (h *UserHandler) ServeAvatar(w http.ResponseWriter, r *http.Request) {
	key := "avatars/" + chi.URLParam(r, "*")
	rc, err := h.users.Avatar(r.Context(), key)
	if err != nil {
		if errors.Is(err, storage.ErrDisabled) || errors.Is(err, storage.ErrInvalidKey) {
			writeServiceError(w, r, err)
			return
		}
		zerolog.Ctx(r.Context()).Debug().Err(err).Str("key", key).Msg("avatar not found")
		writeError(w, http.StatusNotFound, "الملف غير موجود")
		return
	}
	defer rc.Close()

	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if _, err := io.Copy(w, rc); err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Str("key", key).Msg("failed to stream avatar")
	}
}

func (h *UserHandler) respondUser(w http.ResponseWriter, r *http.Request, id int64) {
	user, err := h.users.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

type UserUpdateRequest struct {
	Username        *string `json:"username"`
	Email           *string `json:"email"`
	FullName        *string `json:"full_name"`
	Role            *string `json:"role"`
	Status          *string `json:"status"`
	Password        string  `json:"password"`
	PasswordConfirm string  `json:"password_confirm"`
}

type RoleRequest struct {
	Role string `json:"role"`
}

type UserListResponse struct {
	Items []types.User `json:"items"`
	Page  int          `json:"page"`
	Limit int          `json:"limit"`
	Total int          `json:"total"`
}

type AvatarResponse struct {
	Key string `json:"key"`
	URL string `json:"url"`
}
