// Package storage defines the Backend interface the server's command
// handlers use for file access, and the path confinement every backend
// applies to client-supplied paths.
package storage

import (
	"context"
	"errors"
	"io"

	"github.com/hmaj79-hank/hank-sync/pkg/protocol"
)

// ErrNotFile is returned when a download targets something other than a
// regular file.
var ErrNotFile = errors.New("not a file")

// Backend serves a single directory tree. Every path argument is an
// untrusted client path and is confined to the tree before use.
type Backend interface {
	// Create makes parent directories as needed and opens path for
	// writing, truncating any existing file.
	Create(ctx context.Context, path string) (io.WriteCloser, error)

	// Open opens a regular file for reading and returns its size.
	// Anything that is not a regular file yields ErrNotFile.
	Open(ctx context.Context, path string) (io.ReadCloser, uint64, error)

	// List returns the entries below path. A path that is not a directory
	// yields an empty list. Entry order is undefined.
	List(ctx context.Context, path string, recursive, long bool) ([]protocol.FileEntry, error)

	// Usage walks the whole tree and sums regular files.
	Usage(ctx context.Context) (totalSize, fileCount uint64, err error)

	// Root returns the served directory.
	Root() string
}
