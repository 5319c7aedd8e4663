package authz

import (
	"encoding/json"
	"net/http"
	"slices"

	"github.com/maqalati/server/types"
	"github.com/rs/zerolog"
)

const (
	msgLoginRequired = "يجب تسجيل الدخول أولاً"
	msgForbidden     = "ليس لديك صلاحية للوصول إلى هذه الصفحة"
)

// RequireLogin rejects anonymous requests with 401.
func RequireLogin(next http.Handler) http.Handler {
	return guard(next, func(*types.User) bool { return true })
}

// RequirePermission rejects requests whose user lacks perm: 401 when
// anonymous, 403 otherwise.
func RequirePermission(perm Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return guard(next, func(u *types.User) bool { return RoleHas(u.Role, perm) })
	}
}

// RequireRole rejects requests whose user has none of roles.
func RequireRole(roles ...types.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return guard(next, func(u *types.User) bool { return slices.Contains(roles, u.Role) })
	}
}

func guard(next http.Handler, allowed func(*types.User) bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := CurrentUser(r.Context())
		if err != nil {
			zerolog.Ctx(r.Context()).Error().Err(err).Msg("failed to load current user")
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if user == nil {
			writeError(w, http.StatusUnauthorized, msgLoginRequired)
			return
		}
		if !allowed(user) {
			writeError(w, http.StatusForbidden, msgForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
