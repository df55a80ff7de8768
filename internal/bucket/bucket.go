// Package bucket provides access to the image bucket where raw snaps and
// their sidecar metadata files arrive.
package bucket

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrObjectNotFound is returned when a requested object does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Store is the subset of object-store operations the activator needs:
// prefix listing for the initial snap scan, existence checks for sidecar
// polling, and reads for ingestion and metadata retrieval.
type Store interface {
	// List returns every object whose key starts with prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Exists reports whether an object with the exact key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Get opens the object for reading. Returns ErrObjectNotFound if the
	// key is absent.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}
