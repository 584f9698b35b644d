package storage

import (
	"context"
	"io"
	"time"
)

// ObjectStorage defines the object storage operations used for archives.
type ObjectStorage interface {
	// EnsureBucket creates the bucket if it is missing.
	EnsureBucket(ctx context.Context) error

	// Upload stores size bytes from reader under key.
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Download opens the object stored under key.
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// GetURL returns the public URL of an object.
	GetURL(key string) string

	// PresignGetURL returns a time-limited GET URL for an object.
	PresignGetURL(ctx context.Context, key string, expiry time.Duration) (string, error)

	Delete(ctx context.Context, key string) error

	Exists(ctx context.Context, key string) (bool, error)
}
