package storage

import (
	"context"
)

// ObjectStorage defines the artifact store used by export jobs.
type ObjectStorage interface {
	// Put writes body under key and returns the URL the object is reachable at.
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)

	// EnsureBucket creates the target bucket when the backend allows it
	EnsureBucket(ctx context.Context) error
}
