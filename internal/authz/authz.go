// Package authz answers "who is the current user and what may they do" for
// a request.
package authz

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"

	"github.com/maqalati/server/internal/session"
	"github.com/maqalati/server/internal/store"
	"github.com/maqalati/server/types"
	"github.com/rs/zerolog"
)

type Permission string

const (
	ManageUsers      Permission = "manage_users"
	ManageArticles   Permission = "manage_articles"
	ManageSettings   Permission = "manage_settings"
	ActivateUsers    Permission = "activate_users"
	ViewDashboard    Permission = "view_dashboard"
	ManageModerators Permission = "manage_moderators"
	CreateArticle    Permission = "create_article"
	EditOwnArticle   Permission = "edit_own_article"
	ViewArticles     Permission = "view_articles"
)

// Permissions lists what each role may do. Admins are granted everything
// regardless of this table.
var Permissions = map[types.Role][]Permission{
	types.RoleAdmin:     {ManageUsers, ManageArticles, ManageSettings, ActivateUsers, ViewDashboard, ManageModerators},
	types.RoleModerator: {ManageArticles, ViewDashboard, ActivateUsers},
	types.RoleMember:    {CreateArticle, EditOwnArticle},
	types.RoleGuest:     {ViewArticles},
}

// RoleHas reports whether role grants perm.
func RoleHas(role types.Role, perm Permission) bool {
	if role == types.RoleAdmin {
		return true
	}
	return slices.Contains(Permissions[role], perm)
}

// UserLoader fetches a user by id.
type UserLoader interface {
	GetByID(ctx context.Context, id int64) (types.User, error)
}

// Request caches the current user for one request. It never outlives it.
type Request struct {
	sess  *session.Session
	users UserLoader

	once sync.Once
	user *types.User
	err  error
}

func NewRequest(sess *session.Session, users UserLoader) *Request {
	return &Request{sess: sess, users: users}
}

// User loads the signed-in user on first call. It returns nil when nobody is
// signed in, the account no longer exists or it is no longer active.
func (rq *Request) User(ctx context.Context) (*types.User, error) {
	rq.once.Do(func() {
		if rq.sess == nil {
			return
		}
		id, ok := rq.sess.UserID()
		if !ok {
			return
		}
		user, err := rq.users.GetByID(ctx, id)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				rq.err = err
			}
			return
		}
		if user.Status != types.StatusActive {
			return
		}
		rq.user = &user
	})
	return rq.user, rq.err
}

type contextKey string

const requestKey contextKey = "authz"

func NewContext(ctx context.Context, rq *Request) context.Context {
	return context.WithValue(ctx, requestKey, rq)
}

func fromContext(ctx context.Context) *Request {
	rq, _ := ctx.Value(requestKey).(*Request)
	return rq
}

// Middleware attaches a Request to every request. It must run after the
// session middleware.
func Middleware(users UserLoader) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rq := NewRequest(session.FromContext(r.Context()), users)
			next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), rq)))
		})
	}
}

// CurrentUser returns the signed-in user or nil.
func CurrentUser(ctx context.Context) (*types.User, error) {
	rq := fromContext(ctx)
	if rq == nil {
		return nil, nil
	}
	return rq.User(ctx)
}

// HasPermission never fails: lookup errors and anonymous requests both
// yield false.
func HasPermission(ctx context.Context, perm Permission) bool {
	user, err := CurrentUser(ctx)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to load current user")
		return false
	}
	if user == nil {
		return false
	}
	return RoleHas(user.Role, perm)
}

// HasRole reports whether the current user has any of roles.
func HasRole(ctx context.Context, roles ...types.Role) bool {
	user, err := CurrentUser(ctx)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to load current user")
		return false
	}
	if user == nil {
		return false
	}
	return slices.Contains(roles, user.Role)
}
