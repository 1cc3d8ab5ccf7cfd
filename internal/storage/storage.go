// Package storage provides meal-photo storage for the Umami backend.
//
// Two backends implement the Storage interface:
//   - LocalStorage: filesystem storage for development
//   - R2Storage: Cloudflare R2 (S3-compatible) for production
//
// Scan photos and their thumbnails are stored under per-user prefixes with
// UUID-based keys, so writes never collide and there is no overwrite
// handling to get wrong.
package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// Storage is the meal-photo storage abstraction.
//
// All methods are context-aware for timeout and cancellation support.
type Storage interface {
	// Put stores data at the specified key. Keys are UUID-derived and
	// unique per write; an existing object at the same key is replaced.
	Put(ctx context.Context, key string, data io.Reader, opts PutOptions) error

	// Get retrieves the data at the specified key. The caller must close
	// the returned reader. Returns ErrNotFound if the key doesn't exist.
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)

	// Delete removes the object at the specified key. Idempotent: deleting
	// a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// URL returns a URL for accessing the object, presigned for the given
	// duration where the backend supports it.
	URL(ctx context.Context, key string, expires time.Duration) (string, error)
}

// PutOptions configures how an object is stored.
type PutOptions struct {
	// ContentType is the MIME type of the object. Required; the scan
	// handler validates it before upload.
	ContentType string

	// MaxSize caps the object size in bytes; ErrTooLarge is returned when
	// exceeded. Zero means no limit.
	MaxSize int64
}

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
	ETag         string
}

// Storage provider identifiers, as configured via STORAGE_PROVIDER.
const (
	ProviderLocal = "local"
	ProviderR2    = "r2"
)

// LocalConfig holds configuration for local filesystem storage.
type LocalConfig struct {
	// BasePath is the root directory where photos are stored.
	BasePath string

	// BaseURL is the public URL prefix for accessing photos.
	BaseURL string
}

// R2Config holds configuration for Cloudflare R2 storage.
type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string

	// PublicURL is the public URL for the bucket when served via a custom
	// domain. If empty, presigned URLs are used for all access.
	PublicURL string

	// Region defaults to "auto", which is what R2 expects.
	Region string
}

// PhotoKey generates the storage key for a scan photo.
// Format: scans/{userID}/{scanID}.{ext}
func PhotoKey(userID, scanID uuid.UUID, ext string) string {
	return fmt.Sprintf("scans/%s/%s%s", userID, scanID, ext)
}

// ThumbnailKey generates the storage key for a scan photo thumbnail.
// Thumbnails are always JPEG.
func ThumbnailKey(userID, scanID uuid.UUID) string {
	return fmt.Sprintf("scans/%s/%s_thumb.jpg", userID, scanID)
}
