// Package content defines the blob store that holds revision bytes.
//
// The store streams payloads in and out by an opaque id. It knows nothing
// about files, versions or metadata: the revision service writes a blob
// first and records its metadata afterwards, so a blob without metadata is
// possible (and collectible) while metadata without a blob is not.
package content

import (
	"context"
	"errors"
	"io"

	"github.com/google/uuid"
)

var (
	// ErrContentNotFound indicates the requested blob does not exist.
	ErrContentNotFound = errors.New("content not found")

	// ErrWriterClosed is returned when a writer is used after Commit or Abort.
	ErrWriterClosed = errors.New("content writer already closed")
)

// BlobInfo is the descriptive data a backend may store next to the bytes.
type BlobInfo struct {
	Filename    string
	ContentType string
}

// Writer receives the bytes of a new blob chunk by chunk.
//
// Nothing is visible to readers until Commit returns nil. Abort discards
// everything written so far; it is safe to call after a failed Commit.
type Writer interface {
	io.Writer
	Commit() error
	Abort() error
}

// Store is a streaming blob store.
//
// Implementations must be safe for concurrent use. Each blob id is written
// exactly once.
type Store interface {
	// Create starts a new blob under id.
	Create(ctx context.Context, id uuid.UUID, info BlobInfo) (Writer, error)

	// Open returns a reader over the blob bytes. The caller closes it.
	// Returns ErrContentNotFound if the blob does not exist.
	Open(ctx context.Context, id uuid.UUID) (io.ReadCloser, error)

	// Delete removes the blob. Returns ErrContentNotFound if it does not exist.
	Delete(ctx context.Context, id uuid.UUID) error

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close(ctx context.Context) error
}
