package content

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore keeps blobs in process memory. It backs tests and
// single-process deployments that do not need durability.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[uuid.UUID][]byte
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[uuid.UUID][]byte)}
}

func (s *MemoryStore) Create(ctx context.Context, id uuid.UUID, _ BlobInfo) (Writer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memoryWriter{store: s, id: id}, nil
}

func (s *MemoryStore) Open(ctx context.Context, id uuid.UUID) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	data, ok := s.blobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrContentNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *MemoryStore) Delete(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[id]; !ok {
		return ErrContentNotFound
	}
	delete(s.blobs, id)
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) Close(context.Context) error {
	return nil
}

// Len returns the number of committed blobs.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

type memoryWriter struct {
	store  *MemoryStore
	id     uuid.UUID
	buf    bytes.Buffer
	closed bool
}

func (w *memoryWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrWriterClosed
	}
	return w.buf.Write(p)
}

func (w *memoryWriter) Commit() error {
	if w.closed {
		return ErrWriterClosed
	}
	w.closed = true
	data := append([]byte(nil), w.buf.Bytes()...)
	w.store.mu.Lock()
	w.store.blobs[w.id] = data
	w.store.mu.Unlock()
	return nil
}

func (w *memoryWriter) Abort() error {
	w.closed = true
	w.buf.Reset()
	return nil
}
