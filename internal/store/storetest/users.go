// Package storetest provides an in-memory user repository for tests.
package storetest

import (
	"context"
	"sync"
	"time"

	"github.com/maqalati/server/internal/store"
	"github.com/maqalati/server/types"
)

// Users mirrors store.UserRepository and store.UniqueLookup in memory.
// Passwords are "hashed" by prefixing them, which keeps tests fast.
type Users struct {
	mu     sync.Mutex
	users  map[int64]types.User
	nextID int64

	MaxAttempts int
	Lockout     time.Duration
	Now         func() time.Time
	// Err, when set, is returned by the lookups and Create.
	Err error
	// UniqueErr, when set, is returned by Exists.
	UniqueErr error
}

func New() *Users {
	return &Users{
		users:       map[int64]types.User{},
		nextID:      1,
		MaxAttempts: 5,
		Lockout:     15 * time.Minute,
		Now:         time.Now,
	}
}

// Hash is the fake password hash stored by Users.
func Hash(password string) string { return "hashed:" + password }

func (f *Users) Add(u types.User, password string) types.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	u.ID = f.nextID
	f.nextID++
	u.PasswordHash = Hash(password)
	f.users[u.ID] = u
	return u
}

func (f *Users) Get(id int64) types.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users[id]
}

func (f *Users) GetByID(_ context.Context, id int64) (types.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return types.User{}, f.Err
	}
	u, ok := f.users[id]
	if !ok {
		return types.User{}, store.ErrNotFound
	}
	return u, nil
}

func (f *Users) GetByUsernameOrEmail(_ context.Context, identifier string) (types.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return types.User{}, f.Err
	}
	for _, u := range f.users {
		if u.Username == identifier || u.Email == identifier {
			return u, nil
		}
	}
	return types.User{}, store.ErrNotFound
}

func (f *Users) GetByRememberToken(_ context.Context, token string) (types.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.RememberToken != nil && *u.RememberToken == token {
			return u, nil
		}
	}
	return types.User{}, store.ErrNotFound
}

func (f *Users) IsLocked(_ context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return false, store.ErrNotFound
	}
	return u.LockedUntil != nil && u.LockedUntil.After(f.Now()), nil
}

func (f *Users) IncrementLoginAttempts(_ context.Context, id int64) (int, *time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return 0, nil, store.ErrNotFound
	}
	u.LoginAttempts++
	u.LockedUntil = nil
	if u.LoginAttempts >= f.MaxAttempts {
		until := f.Now().Add(f.Lockout)
		u.LockedUntil = &until
	}
	f.users[id] = u
	return u.LoginAttempts, u.LockedUntil, nil
}

func (f *Users) UpdateLastLogin(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return store.ErrNotFound
	}
	now := f.Now()
	u.LastLogin = &now
	u.LoginAttempts = 0
	u.LockedUntil = nil
	f.users[id] = u
	return nil
}

func (f *Users) UpdateRememberToken(_ context.Context, id int64, token *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.RememberToken = token
	f.users[id] = u
	return nil
}

func (f *Users) VerifyPassword(password, hash string) bool {
	return Hash(password) == hash
}

func (f *Users) Create(_ context.Context, nu types.NewUser) (int64, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return 0, "", f.Err
	}
	for _, u := range f.users {
		if u.Username == nu.Username || u.Email == nu.Email {
			return 0, "", store.ErrDuplicate
		}
	}
	id := f.nextID
	f.nextID++
	u := types.User{
		ID:           id,
		Username:     nu.Username,
		Email:        nu.Email,
		PasswordHash: Hash(nu.Password),
		FullName:     nu.FullName,
		Role:         nu.Role,
		Status:       nu.Status,
		CreatedAt:    f.Now(),
	}
	token := ""
	if nu.Status == types.StatusPending {
		token = "activation-" + nu.Username
		u.ActivationToken = &token
	}
	f.users[id] = u
	return id, token, nil
}

func (f *Users) Update(_ context.Context, id int64, upd types.UserUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if upd.Empty() {
		return store.ErrNothingToUpdate
	}
	u, ok := f.users[id]
	if !ok {
		return store.ErrNotFound
	}
	if upd.Username != nil {
		u.Username = *upd.Username
	}
	if upd.Email != nil {
		u.Email = *upd.Email
	}
	if upd.FullName != nil {
		u.FullName = *upd.FullName
	}
	if upd.Avatar != nil {
		u.Avatar = upd.Avatar
	}
	if upd.Role != nil {
		u.Role = *upd.Role
	}
	if upd.Status != nil {
		u.Status = *upd.Status
		if u.Status != types.StatusPending {
			u.ActivationToken = nil
		}
	}
	if upd.Password != "" {
		u.PasswordHash = Hash(upd.Password)
	}
	f.users[id] = u
	return nil
}

func (f *Users) Delete(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.users, id)
	return nil
}

func (f *Users) Activate(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if token == "" {
		return store.ErrInvalidToken
	}
	for id, u := range f.users {
		if u.Status == types.StatusPending && u.ActivationToken != nil && *u.ActivationToken == token {
			u.Status = types.StatusActive
			u.ActivationToken = nil
			f.users[id] = u
			return nil
		}
	}
	return store.ErrInvalidToken
}

func (f *Users) SetStatus(id int64, status types.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.Status = status
	if status == types.StatusActive {
		u.ActivationToken = nil
	}
	f.users[id] = u
	return nil
}

func (f *Users) ActivateByAdmin(_ context.Context, id int64) error {
	return f.SetStatus(id, types.StatusActive)
}

func (f *Users) Suspend(_ context.Context, id int64) error {
	return f.SetStatus(id, types.StatusSuspended)
}

func (f *Users) Ban(_ context.Context, id int64) error {
	return f.SetStatus(id, types.StatusBanned)
}

func (f *Users) ChangeRole(_ context.Context, id int64, role types.Role) error {
	switch role {
	case types.RoleAdmin, types.RoleModerator, types.RoleMember:
	default:
		return store.ErrInvalidRole
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.Role = role
	f.users[id] = u
	return nil
}

func (f *Users) List(_ context.Context, filter types.UserFilter) ([]types.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.User, 0)
	for id := int64(1); id < f.nextID; id++ {
		u, ok := f.users[id]
		if !ok || (filter.Role != "" && u.Role != filter.Role) || (filter.Status != "" && u.Status != filter.Status) {
			continue
		}
		out = append(out, u)
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []types.User{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (f *Users) Count(ctx context.Context, filter types.UserFilter) (int, error) {
	filter.Limit, filter.Offset = 0, 0
	users, err := f.List(ctx, filter)
	return len(users), err
}

// Exists answers uniqueness lookups like store.UniqueLookup.
func (f *Users) Exists(_ context.Context, table, column, value string, exceptID int64) (bool, error) {
	if f.UniqueErr != nil {
		return false, f.UniqueErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, user := range f.users {
		if id == exceptID {
			continue
		}
		if (column == "username" && user.Username == value) || (column == "email" && user.Email == value) {
			return true, nil
		}
	}
	return false, nil
}
