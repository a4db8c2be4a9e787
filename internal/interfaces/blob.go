package interfaces

import (
	"context"
)

// BlobStore archives scraped documents to S3-compatible object storage.
// Optional: a nil BlobStore disables archiving.
type BlobStore interface {
	// Put writes data under key and returns the object location.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}
