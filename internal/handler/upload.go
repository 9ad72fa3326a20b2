package handler

import (
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/Laisky/errors/v2"

	"gridoc/internal/domain"
)

// readUpload locates the payload of an upload request without buffering it.
//
// multipart/form-data bodies use the first part that carries a filename;
// later parts are never read. Any other body is the payload itself, named by
// the "filename" query parameter or the X-Filename header.
func readUpload(w http.ResponseWriter, r *http.Request, maxBytes int64) (domain.Upload, io.Reader, error) {
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err == nil && mediaType == "multipart/form-data" {
		return readMultipart(r, maxBytes)
	}

	name := r.URL.Query().Get("filename")
	if name == "" {
		name = r.Header.Get("X-Filename")
	}
	return domain.Upload{
		Filename:    name,
		ContentType: r.Header.Get("Content-Type"),
	}, &limitedBody{r: r.Body, max: maxBytes}, nil
}

func readMultipart(r *http.Request, maxBytes int64) (domain.Upload, io.Reader, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return domain.Upload{}, nil, domain.Validationf("malformed multipart body: %v", err)
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return domain.Upload{}, nil, domain.Validationf("upload contains no file")
		}
		if err != nil {
			if tooLarge(err) {
				return domain.Upload{}, nil, uploadTooLarge(maxBytes)
			}
			return domain.Upload{}, nil, domain.Validationf("malformed multipart body: %v", err)
		}
		if part.FileName() == "" {
			_ = part.Close()
			continue
		}

		return domain.Upload{
			Filename:    part.FileName(),
			ContentType: part.Header.Get("Content-Type"),
		}, &limitedBody{r: part, max: maxBytes}, nil
	}
}

// limitedBody reports an exceeded body limit as a validation failure.
type limitedBody struct {
	r   io.Reader
	max int64
}

func (b *limitedBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err != nil && err != io.EOF && tooLarge(err) {
		return n, uploadTooLarge(b.max)
	}
	return n, err
}

func tooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large")
}

func uploadTooLarge(max int64) error {
	return domain.Validationf("upload exceeds the limit of %d bytes", max)
}
