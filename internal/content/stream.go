package content

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"hash"
	"io"

	"github.com/Laisky/errors/v2"
	"github.com/google/uuid"
)

const copyBufferSize = 256 * 1024

// Written describes a blob after a successful Stream.
type Written struct {
	Length   int64
	Checksum string
}

// Stream copies r into a new blob, computing length and checksum on the fly.
// The blob is committed only if r reaches EOF without error and ctx is still
// alive; otherwise the partial blob is aborted and the error returned.
func Stream(ctx context.Context, store Store, id uuid.UUID, info BlobInfo, r io.Reader) (Written, error) {
	w, err := store.Create(ctx, id, info)
	if err != nil {
		return Written{}, errors.Wrap(err, "create blob")
	}

	hw := newHashingWriter(w)
	buf := make([]byte, copyBufferSize)
	_, err = io.CopyBuffer(hw, &contextReader{ctx: ctx, r: r}, buf)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		if abortErr := w.Abort(); abortErr != nil {
			return Written{}, errors.Wrapf(err, "stream blob (abort also failed: %v)", abortErr)
		}
		return Written{}, errors.Wrap(err, "stream blob")
	}

	if err := w.Commit(); err != nil {
		_ = w.Abort()
		return Written{}, errors.Wrap(err, "commit blob")
	}

	return Written{Length: hw.n, Checksum: hw.sum()}, nil
}

// hashingWriter forwards writes and keeps a running md5 and byte count.
type hashingWriter struct {
	w io.Writer
	h hash.Hash
	n int64
}

func newHashingWriter(w io.Writer) *hashingWriter {
	return &hashingWriter{w: w, h: md5.New()}
}

func (hw *hashingWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	if n > 0 {
		hw.h.Write(p[:n])
		hw.n += int64(n)
	}
	return n, err
}

func (hw *hashingWriter) sum() string {
	return hex.EncodeToString(hw.h.Sum(nil))
}

// contextReader stops a copy loop once ctx is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
