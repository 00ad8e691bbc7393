// Package backend provides the filesystem collaborator used by the data store.
package backend

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// Backend defines the storage operations the data store relies on. Keys are
// plain file names inside a single flat directory.
//
// Implementations assume a single writer and are not required to be safe
// for concurrent mutation.
type Backend interface {
	// Write stores data at the given key, replacing any existing content.
	Write(ctx context.Context, key string, r io.Reader) error

	// Append adds data to the end of an existing key.
	// Returns ErrNotFound if the key does not exist.
	Append(ctx context.Context, key string, r io.Reader) error

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Touch creates an empty file at key if nothing exists there yet.
	// An existing file or directory with the same name is left alone.
	Touch(ctx context.Context, key string) error

	// Delete removes data at the given key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// Rename moves the data at from to to, replacing to if it exists.
	// Returns ErrNotFound if from does not exist.
	Rename(ctx context.Context, from, to string) error

	// Exists checks if a regular file exists at key.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns the names of regular files whose name starts with
	// prefix, sorted. Subdirectories are not descended into.
	List(ctx context.Context, prefix string) ([]string, error)

	// RemoveAll deletes the backend's root directory and everything in it.
	RemoveAll(ctx context.Context) error
}

// SizeAwareBackend extends Backend with size information.
type SizeAwareBackend interface {
	Backend

	// Size returns the size in bytes of the data at the given key.
	// Returns ErrNotFound if the key does not exist.
	Size(ctx context.Context, key string) (int64, error)
}
