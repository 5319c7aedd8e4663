package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/maqalati/server/internal/metrics"
	"github.com/maqalati/server/internal/storage"
	"github.com/maqalati/server/internal/store"
	"github.com/maqalati/server/internal/validation"
	"github.com/maqalati/server/types"
	"github.com/rs/zerolog"
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	GetByID(ctx context.Context, id int64) (types.User, error)
	Create(ctx context.Context, u types.NewUser) (int64, string, error)
	Update(ctx context.Context, id int64, u types.UserUpdate) error
	Delete(ctx context.Context, id int64) error
	Activate(ctx context.Context, token string) error
	ActivateByAdmin(ctx context.Context, id int64) error
	Suspend(ctx context.Context, id int64) error
	Ban(ctx context.Context, id int64) error
	ChangeRole(ctx context.Context, id int64, role types.Role) error
	List(ctx context.Context, f types.UserFilter) ([]types.User, error)
	Count(ctx context.Context, f types.UserFilter) (int, error)
}

// UserService encapsulates user use-cases.
type UserService struct {
	repo    UserRepository
	unique  validation.UniqueChecker
	events  *AccountEvents
	avatars *storage.Avatars
	logger  zerolog.Logger
}

func NewUserService(repo UserRepository, unique validation.UniqueChecker, events *AccountEvents, avatars *storage.Avatars, logger zerolog.Logger) *UserService {
	return &UserService{
		repo:    repo,
		unique:  unique,
		events:  events,
		avatars: avatars,
		logger:  logger,
	}
}

// Registration is a submitted sign-up form.
type Registration struct {
	Username        string
	Email           string
	Password        string
	PasswordConfirm string
	FullName        string
}

func (f Registration) data() map[string]string {
	return map[string]string{
		"username":         strings.TrimSpace(f.Username),
		"email":            strings.TrimSpace(f.Email),
		"password":         f.Password,
		"password_confirm": f.PasswordConfirm,
		"full_name":        strings.TrimSpace(f.FullName),
	}
}

// Register validates the form and creates a pending member. The activation
// token is handed to the account events so it can be mailed.
func (s *UserService) Register(ctx context.Context, form Registration) (types.User, error) {
	data := form.data()
	v := validation.New(data, s.unique).ValidateRegistration(ctx)
	if err := checkValidator(v); err != nil {
		return types.User{}, err
	}

	id, token, err := s.repo.Create(ctx, types.NewUser{
		Username: data["username"],
		Email:    data["email"],
		Password: data["password"],
		FullName: data["full_name"],
		Role:     types.RoleMember,
		Status:   types.StatusPending,
	})
	if err != nil {
		return types.User{}, err
	}
	metrics.RegistrationsTotal.Inc()

	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return types.User{}, err
	}

	ev := eventFor(EventRegistered, user)
	ev.ActivationToken = token
	s.publish(ctx, ev)
	return user, nil
}

// CreateAdmin creates an active administrator. Used to bootstrap a fresh
// installation from the command line.
func (s *UserService) CreateAdmin(ctx context.Context, form Registration) (types.User, error) {
	data := form.data()
	v := validation.New(data, s.unique).ValidateRegistration(ctx)
	if err := checkValidator(v); err != nil {
		return types.User{}, err
	}

	id, _, err := s.repo.Create(ctx, types.NewUser{
		Username: data["username"],
		Email:    data["email"],
		Password: data["password"],
		FullName: data["full_name"],
		Role:     types.RoleAdmin,
		Status:   types.StatusActive,
	})
	if err != nil {
		return types.User{}, err
	}
	return s.repo.GetByID(ctx, id)
}

func (s *UserService) GetByID(ctx context.Context, id int64) (types.User, error) {
	return s.repo.GetByID(ctx, id)
}

// Activate consumes an emailed activation token.
func (s *UserService) Activate(ctx context.Context, token string) error {
	if err := s.repo.Activate(ctx, strings.TrimSpace(token)); err != nil {
		return err
	}
	s.logger.Info().Msg("account activated by token")
	return nil
}

func (s *UserService) ActivateByAdmin(ctx context.Context, id int64) error {
	return s.transition(ctx, id, EventActivated, s.repo.ActivateByAdmin)
}

func (s *UserService) Suspend(ctx context.Context, id int64) error {
	return s.transition(ctx, id, EventSuspended, s.repo.Suspend)
}

func (s *UserService) Ban(ctx context.Context, id int64) error {
	return s.transition(ctx, id, EventBanned, s.repo.Ban)
}

func (s *UserService) ChangeRole(ctx context.Context, id int64, role types.Role) error {
	return s.transition(ctx, id, EventRoleChanged, func(ctx context.Context, id int64) error {
		return s.repo.ChangeRole(ctx, id, role)
	})
}

func (s *UserService) transition(ctx context.Context, id int64, event string, apply func(context.Context, int64) error) error {
	if err := apply(ctx, id); err != nil {
		return err
	}
	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	s.publish(ctx, eventFor(event, user))
	return nil
}

// Profile is a partial account edit. Nil fields are left untouched.
type Profile struct {
	Username        *string
	Email           *string
	FullName        *string
	Role            *string
	Status          *string
	Password        string
	PasswordConfirm string
}

// Update validates and applies a profile edit. Uniqueness checks skip the
// user's own row.
func (s *UserService) Update(ctx context.Context, id int64, p Profile) error {
	data := map[string]string{}
	set := func(field string, value *string) {
		if value != nil {
			data[field] = strings.TrimSpace(*value)
		}
	}
	set("username", p.Username)
	set("email", p.Email)
	set("full_name", p.FullName)
	set("role", p.Role)
	set("status", p.Status)
	data["password"] = p.Password
	data["password_confirm"] = p.PasswordConfirm

	v := validation.New(data, s.unique)
	if p.Username != nil {
		v.Required("username", "اسم المستخدم مطلوب").
			Username("username").
			Unique(ctx, "username", "users", "username", id, "اسم المستخدم مستخدم بالفعل")
	}
	if p.Email != nil {
		v.Required("email", "البريد الإلكتروني مطلوب").
			Email("email").
			MaxLength("email", 255, "البريد الإلكتروني يجب ألا يتجاوز 255 حرف").
			Unique(ctx, "email", "users", "email", id, "البريد الإلكتروني مستخدم بالفعل")
	}
	if p.FullName != nil {
		v.Required("full_name", "الاسم الكامل مطلوب").
			MinLength("full_name", 3, "الاسم يجب أن يكون 3 أحرف على الأقل").
			MaxLength("full_name", 100, "الاسم يجب ألا يتجاوز 100 حرف")
	}
	if p.Role != nil {
		v.Required("role").In("role", []string{string(types.RoleAdmin), string(types.RoleModerator), string(types.RoleMember)})
	}
	if p.Status != nil {
		v.Required("status").In("status", []string{
			string(types.StatusPending), string(types.StatusActive),
			string(types.StatusSuspended), string(types.StatusBanned),
		})
	}
	if p.Password != "" {
		v.StrongPassword("password").
			Matches("password_confirm", "password", "كلمات المرور غير متطابقة")
	}
	if err := checkValidator(v); err != nil {
		return err
	}

	upd := types.UserUpdate{Password: p.Password}
	if p.Username != nil {
		upd.Username = ptr(data["username"])
	}
	if p.Email != nil {
		upd.Email = ptr(data["email"])
	}
	if p.FullName != nil {
		upd.FullName = ptr(data["full_name"])
	}
	if p.Role != nil {
		role := types.Role(data["role"])
		upd.Role = &role
	}
	if p.Status != nil {
		status := types.Status(data["status"])
		upd.Status = &status
	}
	return s.repo.Update(ctx, id, upd)
}

// Delete removes the account and its avatar.
func (s *UserService) Delete(ctx context.Context, id int64) error {
	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	if user.Avatar != nil && *user.Avatar != "" && s.avatars.Enabled() {
		if err := s.avatars.Remove(ctx, *user.Avatar); err != nil {
			s.logger.Warn().Err(err).Int64("user_id", id).Msg("failed to remove avatar")
		}
	}
	return nil
}

// List returns one page of users matching f and the total match count.
func (s *UserService) List(ctx context.Context, f types.UserFilter) ([]types.User, int, error) {
	users, err := s.repo.List(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.repo.Count(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	return users, total, nil
}

// UploadAvatar checks the "avatar" file in files, stores it and points the
// user at the new key. The previous avatar is removed afterwards.
func (s *UserService) UploadAvatar(ctx context.Context, id int64, files map[string][]*multipart.FileHeader) (string, error) {
	if !s.avatars.Enabled() {
		return "", storage.ErrDisabled
	}
	if len(files["avatar"]) == 0 {
		return "", fieldError("avatar", "الصورة مطلوبة")
	}

	v := validation.New(nil, nil).WithFiles(files).Image("avatar", validation.DefaultMaxImageSize)
	if err := checkValidator(v); err != nil {
		return "", err
	}

	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return "", err
	}

	fh := files["avatar"][0]
	f, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()

	mtype, err := mimetype.DetectReader(f)
	if err != nil {
		return "", fmt.Errorf("detect upload type: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind upload: %w", err)
	}

	key, err := s.avatars.Save(ctx, f, fh.Size, mtype.String(), mtype.Extension())
	if err != nil {
		return "", err
	}
	if err := s.repo.Update(ctx, id, types.UserUpdate{Avatar: &key}); err != nil {
		if rmErr := s.avatars.Remove(ctx, key); rmErr != nil {
			s.logger.Warn().Err(rmErr).Str("key", key).Msg("failed to remove orphaned avatar")
		}
		return "", err
	}

	if user.Avatar != nil && *user.Avatar != "" && *user.Avatar != key {
		if err := s.avatars.Remove(ctx, *user.Avatar); err != nil && !errors.Is(err, storage.ErrInvalidKey) {
			s.logger.Warn().Err(err).Int64("user_id", id).Msg("failed to remove previous avatar")
		}
	}
	return key, nil
}

// Avatar streams a stored avatar by key.
func (s *UserService) Avatar(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.avatars.Open(ctx, key)
}

func (s *UserService) publish(ctx context.Context, ev AccountEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Error().Err(err).
			Str("event", ev.Type).
			Str("user_id", strconv.FormatInt(ev.UserID, 10)).
			Msg("failed to publish account event")
	}
}

// IsNotFound reports whether err means the user or token does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidToken)
}

func ptr[T any](v T) *T {
	return &v
}
