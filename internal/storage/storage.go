// Package storage keeps user uploaded files, currently avatars, in an object
// store.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/maqalati/server/config"
)

// ErrDisabled is returned when no storage backend is configured.
var ErrDisabled = errors.New("storage: no backend configured")

// ErrInvalidKey is returned for keys outside the avatar prefix.
var ErrInvalidKey = errors.New("storage: invalid object key")

const avatarPrefix = "avatars/"

// ObjectStorage is the set of bucket operations the backends provide.
type ObjectStorage interface {
	EnsureBucket(ctx context.Context) error
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Bucket() string
}

// Open builds the backend selected by cfg.Backend. An empty backend returns
// (nil, nil) and avatar uploads stay disabled.
func Open(ctx context.Context, cfg config.StorageConfig) (ObjectStorage, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "":
		return nil, nil
	case "minio":
		client, err := NewMinioClient(cfg.Minio)
		if err != nil {
			return nil, err
		}
		return client, nil
	case "gcs":
		client, err := NewGCSClient(ctx, cfg.GCS)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
	}
}

// Avatars stores profile pictures under random keys.
type Avatars struct {
	backend ObjectStorage
}

// NewAvatars wraps backend, which may be nil to disable uploads.
func NewAvatars(backend ObjectStorage) *Avatars {
	return &Avatars{backend: backend}
}

func (a *Avatars) Enabled() bool {
	return a != nil && a.backend != nil
}

// Save uploads an avatar and returns its key. ext is the file extension
// including the dot, e.g. ".png".
func (a *Avatars) Save(ctx context.Context, r io.Reader, size int64, contentType, ext string) (string, error) {
	if !a.Enabled() {
		return "", ErrDisabled
	}
	key := avatarPrefix + uuid.NewString() + ext
	if err := a.backend.Put(ctx, key, r, size, contentType); err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return key, nil
}

// Open streams a stored avatar.
func (a *Avatars) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if !a.Enabled() {
		return nil, ErrDisabled
	}
	if !validKey(key) {
		return nil, ErrInvalidKey
	}
	return a.backend.Get(ctx, key)
}

// Remove deletes an avatar. Unknown keys are ignored by the backends.
func (a *Avatars) Remove(ctx context.Context, key string) error {
	if !a.Enabled() {
		return ErrDisabled
	}
	if !validKey(key) {
		return ErrInvalidKey
	}
	return a.backend.Delete(ctx, key)
}

func validKey(key string) bool {
	return strings.HasPrefix(key, avatarPrefix) && path.Clean(key) == key && !strings.Contains(key[len(avatarPrefix):], "/")
}
