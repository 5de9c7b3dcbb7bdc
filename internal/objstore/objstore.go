package objstore

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

// MaxDeleteBatch is the largest number of keys a single DeleteObjects call accepts.
const MaxDeleteBatch = 1000

// DefaultPageSize is the listing page size used when ListObjectsParams.MaxKeys is unset.
const DefaultPageSize = 1000

var (
	ErrNotFound      = errors.New("object not found")
	ErrInvalidKey    = errors.New("invalid key")
	ErrBatchTooLarge = errors.New("delete batch exceeds limit")
)

// ObjectStore is the S3-compatible collaborator consumed by the backup engine and the cache.
type ObjectStore interface {
	// PutObject uploads (or overwrites) a single object
	PutObject(ctx context.Context, params *PutObjectParams) (*PutObjectResponse, error)

	// GetObject opens a stream to an object, returns ErrNotFound when missing
	GetObject(ctx context.Context, key string) (*GetObjectResponse, error)

	// DeleteObject removes one object
	DeleteObject(ctx context.Context, key string) error

	// DeleteObjects removes up to MaxDeleteBatch objects in one request
	DeleteObjects(ctx context.Context, keys []string) error

	// ListObjects returns one page of a listing
	ListObjects(ctx context.Context, params *ListObjectsParams) (*ListObjectsPage, error)
}

// ===================================================================================================

// FileEntry is an immutable snapshot of one remote object.
type FileEntry struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
	ETag         string    `json:"etag"`
}

type PutObjectParams struct {
	Key         string
	Body        io.Reader
	Size        int64
	ContentType string
	Metadata    map[string]string
}

type PutObjectResponse struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
}

type GetObjectResponse struct {
	Body         io.ReadCloser
	ETag         string
	Size         int64
	LastModified time.Time
	Metadata     map[string]string
}

type ListObjectsParams struct {
	Prefix            string
	Delimiter         string
	ContinuationToken string
	MaxKeys           int32
}

type ListObjectsPage struct {
	Entries               []FileEntry
	CommonPrefixes        []string
	IsTruncated           bool
	NextContinuationToken string
}

// ===================================================================================================

// ValidateKey reports whether key is usable as an object key.
func ValidateKey(key string) bool {
	if key == "" || len(key) > 1024 {
		return false
	}
	if strings.HasPrefix(key, "/") {
		return false
	}
	return !strings.Contains(key, "\x00")
}

// Batches splits keys into chunks of at most size keys.
func Batches(keys []string, size int) [][]string {
	if size <= 0 {
		size = MaxDeleteBatch
	}
	batches := make([][]string, 0, (len(keys)+size-1)/size)
	for start := 0; start < len(keys); start += size {
		end := min(start+size, len(keys))
		batches = append(batches, keys[start:end])
	}
	return batches
}

func cleanETag(etag string) string {
	return strings.ReplaceAll(etag, "\"", "")
}
