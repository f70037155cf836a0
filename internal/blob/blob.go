// Package blob defines the blob sink collaborator used for durable database
// snapshots and backups.
package blob

import (
	"context"
	"errors"
	"time"
)

// Object describes a stored blob.
type Object struct {
	Key         string
	Size        int64
	ContentType string
	Metadata    map[string]string
	ModifiedAt  time.Time
}

// PutOptions carries optional metadata for Put.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Sink is the blob storage surface. Keys are slash-separated paths.
type Sink interface {
	Put(ctx context.Context, key string, data []byte, opts PutOptions) error
	Get(ctx context.Context, key string) ([]byte, error) // ErrNotExist when absent
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]Object, error)
	Copy(ctx context.Context, srcKey, dstKey string) error

	// SignedURL returns a time-limited retrieval URL. Sinks without a URL
	// surface return ErrUnsupported.
	SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// Sentinel errors.
var (
	ErrNotExist    = errors.New("blob: object does not exist")
	ErrUnsupported = errors.New("blob: operation not supported")
)
