// Package contenttest holds the behaviour every content.Store backend must
// share. Backend packages run it from their own tests.
package contenttest

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"gridoc/internal/content"
)

// Suite runs the store contract against stores produced by NewStore.
type Suite struct {
	NewStore func(t *testing.T) content.Store
}

// Run executes every contract test as a subtest.
func (s *Suite) Run(t *testing.T) {
	t.Run("RoundTrip", s.testRoundTrip)
	t.Run("ZeroLength", s.testZeroLength)
	t.Run("MultiChunk", s.testMultiChunk)
	t.Run("AbortLeavesNothing", s.testAbortLeavesNothing)
	t.Run("FailingSourceAborts", s.testFailingSourceAborts)
	t.Run("CancelledContextAborts", s.testCancelledContextAborts)
	t.Run("DeleteThenOpen", s.testDeleteThenOpen)
	t.Run("DeleteMissing", s.testDeleteMissing)
	t.Run("Ping", s.testPing)
}

func (s *Suite) roundTrip(t *testing.T, store content.Store, payload []byte) {
	ctx := context.Background()
	id := uuid.New()

	written, err := content.Stream(ctx, store, id, content.BlobInfo{Filename: "blob.bin"}, bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, int64(len(payload)), written.Length)

	sum := md5.Sum(payload)
	require.Equal(t, hex.EncodeToString(sum[:]), written.Checksum)

	rc, err := store.Open(ctx, id)
	require.NoError(t, err)
	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.True(t, bytes.Equal(payload, got), "payload differs after round trip")
}

func (s *Suite) testRoundTrip(t *testing.T) {
	s.roundTrip(t, s.NewStore(t), []byte("hello"))
}

func (s *Suite) testZeroLength(t *testing.T) {
	s.roundTrip(t, s.NewStore(t), []byte{})
}

func (s *Suite) testMultiChunk(t *testing.T) {
	payload := make([]byte, 3*1024*1024+17)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	s.roundTrip(t, s.NewStore(t), payload)
}

func (s *Suite) testAbortLeavesNothing(t *testing.T) {
	ctx := context.Background()
	store := s.NewStore(t)
	id := uuid.New()

	w, err := store.Create(ctx, id, content.BlobInfo{})
	require.NoError(t, err)
	_, err = w.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, w.Abort())

	_, err = store.Open(ctx, id)
	require.ErrorIs(t, err, content.ErrContentNotFound)
}

var errBrokenSource = errors.New("client went away")

type brokenReader struct {
	sent bool
}

func (r *brokenReader) Read(p []byte) (int, error) {
	if !r.sent {
		r.sent = true
		return copy(p, "some bytes"), nil
	}
	return 0, errBrokenSource
}

func (s *Suite) testFailingSourceAborts(t *testing.T) {
	ctx := context.Background()
	store := s.NewStore(t)
	id := uuid.New()

	_, err := content.Stream(ctx, store, id, content.BlobInfo{}, &brokenReader{})
	require.ErrorIs(t, err, errBrokenSource)

	_, err = store.Open(ctx, id)
	require.ErrorIs(t, err, content.ErrContentNotFound)
}

func (s *Suite) testCancelledContextAborts(t *testing.T) {
	store := s.NewStore(t)
	id := uuid.New()

	ctx, cancel := context.WithCancel(context.Background())
	w, err := store.Create(ctx, id, content.BlobInfo{})
	require.NoError(t, err)
	require.NoError(t, w.Abort())
	cancel()

	_, err = content.Stream(ctx, store, id, content.BlobInfo{}, bytes.NewReader([]byte("x")))
	require.Error(t, err)

	_, err = store.Open(context.Background(), id)
	require.ErrorIs(t, err, content.ErrContentNotFound)
}

func (s *Suite) testDeleteThenOpen(t *testing.T) {
	ctx := context.Background()
	store := s.NewStore(t)
	id := uuid.New()

	_, err := content.Stream(ctx, store, id, content.BlobInfo{}, bytes.NewReader([]byte("bye")))
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, id))

	_, err = store.Open(ctx, id)
	require.ErrorIs(t, err, content.ErrContentNotFound)
}

func (s *Suite) testDeleteMissing(t *testing.T) {
	err := s.NewStore(t).Delete(context.Background(), uuid.New())
	require.ErrorIs(t, err, content.ErrContentNotFound)
}

func (s *Suite) testPing(t *testing.T) {
	require.NoError(t, s.NewStore(t).Ping(context.Background()))
}
