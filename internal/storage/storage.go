// Package storage provides the object storage that configuration snapshots are
// written to: the local filesystem or S3.
package storage

import (
	"context"
	"errors"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// ObjectStorage stores whole objects by key.
type ObjectStorage interface {
	// Put writes data under key, replacing any existing object.
	Put(ctx context.Context, key string, data []byte) error

	// Get reads the object under key. Returns ErrObjectNotFound if absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the object under key. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether an object is stored under key.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns the keys under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}
