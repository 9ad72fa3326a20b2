package s3

import (
	"bytes"
	"context"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"gridoc/internal/content"
)

// writer buffers at most one part in memory. The first time the buffer
// fills up it opens a multipart upload; from then on every full buffer is
// sent as a part.
type writer struct {
	client      *Client
	ctx         context.Context
	key         string
	contentType string

	buf      *bytes.Buffer
	uploadID string
	parts    []types.CompletedPart
	closed   bool
	err      error
}

func (w *writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, content.ErrWriterClosed
	}
	if w.err != nil {
		return 0, w.err
	}

	written := 0
	for len(p) > 0 {
		room := int(w.client.partSize) - w.buf.Len()
		if room > len(p) {
			room = len(p)
		}
		w.buf.Write(p[:room])
		written += room
		p = p[room:]

		if int64(w.buf.Len()) >= w.client.partSize {
			if err := w.flushPart(); err != nil {
				w.err = err
				return written, err
			}
		}
	}
	return written, nil
}

func (w *writer) flushPart() error {
	if w.buf.Len() == 0 {
		return nil
	}
	if w.uploadID == "" {
		uploadID, err := w.client.createMultipartUpload(w.ctx, w.key, w.contentType)
		if err != nil {
			return err
		}
		w.uploadID = uploadID
	}

	part, err := w.client.uploadPart(w.ctx, w.key, w.uploadID, int32(len(w.parts)+1), w.buf.Bytes())
	if err != nil {
		return err
	}
	w.parts = append(w.parts, part)
	w.buf.Reset()
	return nil
}

func (w *writer) Commit() error {
	if w.closed {
		return content.ErrWriterClosed
	}
	if w.err != nil {
		return w.err
	}
	w.closed = true

	if w.uploadID == "" {
		if err := w.client.putObject(w.ctx, w.key, w.contentType, w.buf.Bytes()); err != nil {
			w.err = err
			return err
		}
		return nil
	}

	if err := w.flushPart(); err != nil {
		w.err = err
		return err
	}
	if err := w.client.completeMultipartUpload(w.ctx, w.key, w.uploadID, w.parts); err != nil {
		w.err = err
		return err
	}
	w.uploadID = ""
	return nil
}

// Abort drops the buffer and cancels an open multipart upload. A committed
// object is left alone.
func (w *writer) Abort() error {
	wasCommitted := w.closed && w.err == nil
	w.closed = true
	w.buf.Reset()
	if wasCommitted || w.uploadID == "" {
		return nil
	}
	uploadID := w.uploadID
	w.uploadID = ""
	return w.client.abortMultipartUpload(w.key, uploadID)
}
