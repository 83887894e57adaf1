// Package storage is the object-store boundary of the pipeline.
//
// The core needs exactly two operations (download an object to a local path, upload a local
// file to a key) plus arrival notifications. Backends live in sub-packages.
package storage

import (
	"context"
	"os"

	"github.com/andresmejia3/facestage/internal/types"
)

// ErrNotFound is returned when an object does not exist.
//
// Implementations should return an error that satisfies `errors.Is(err, ErrNotFound)`.
var ErrNotFound = os.ErrNotExist

// Store moves files between the object store and local scratch space.
type Store interface {
	// Download writes container/key to localPath, creating or truncating it.
	Download(ctx context.Context, container, key, localPath string) error
	// Upload writes the file at localPath to container/key, replacing any existing object.
	Upload(ctx context.Context, localPath, container, key string) error
}

// Handler receives one arrival notification.
type Handler func(ctx context.Context, ref types.ObjectRef)

// Notifier delivers object-created notifications for a container until ctx is done.
type Notifier interface {
	Listen(ctx context.Context, container string, h Handler) error
}
