package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a blob or record does not exist.
var ErrNotFound = errors.New("not found")

// ObjectInfo describes a stored blob.
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type"`
	LastModified time.Time `json:"last_modified"`
}

// BlobStore is a flat, key-addressed object store. Keys use "/" as separator.
type BlobStore interface {
	Bucket() string
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Stat(ctx context.Context, key string) (*ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Close() error
}

// DeletePrefix removes every blob under prefix and returns how many were removed.
func DeletePrefix(ctx context.Context, store BlobStore, prefix string) (int, error) {
	objects, err := store.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, obj := range objects {
		if err := store.Delete(ctx, obj.Key); err != nil && !errors.Is(err, ErrNotFound) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
