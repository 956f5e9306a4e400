// Package blob implements durable archive storage keyed by
// (package name, version). Stores hold exactly one write-once archive
// per key and never interpret package semantics; uniqueness of a key is
// enforced by the catalog before a store is touched.
//
// Known limitation: a write racing a delete on the same key is left
// unresolved at the storage layer. The first observable writer or
// reader wins.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrNotExist is returned by Open when no blob is stored under the key.
var ErrNotExist = errors.New("blob does not exist")

// ErrExists is returned by Store when the key already holds a blob.
// Blobs are write-once; a second write at a key means a duplicate or
// concurrent publish and must not clobber the existing content.
var ErrExists = errors.New("blob already exists")

// ContentStore is the durable key-value archive storage.
type ContentStore interface {
	// Store writes the content under (name, version) and returns the
	// number of bytes written. Returns ErrExists when the key already
	// holds a blob; the existing blob is left untouched.
	Store(ctx context.Context, name, version string, r io.Reader) (int64, error)

	// Open returns a reader over the stored content and its size.
	// Returns ErrNotExist when the key holds no blob.
	Open(ctx context.Context, name, version string) (io.ReadCloser, int64, error)

	// Remove deletes the blob and reports whether one existed. Removing
	// an absent key is not an error.
	Remove(ctx context.Context, name, version string) (bool, error)

	// Exists reports whether a blob is stored under the key.
	Exists(ctx context.Context, name, version string) (bool, error)
}

// ArchiveFilename is the canonical filename for a stored archive and
// for downloads.
func ArchiveFilename(name, version string) string {
	return fmt.Sprintf("%s-%s.zip", name, version)
}
