// domain/revision.go
package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultContentType is stored when an upload does not declare its own type.
const DefaultContentType = "application/octet-stream"

// Revision is one immutable upload of a logical file.
//
// Every revision of the same logical file shares FileID; Version is unique
// within a FileID and grows by one with every upload. ID addresses both the
// metadata record and the blob in the content store.
type Revision struct {
	ID          uuid.UUID `json:"id" db:"id"`
	FileID      uuid.UUID `json:"fileId" db:"file_id"`
	Version     int       `json:"version" db:"version"`
	Filename    string    `json:"filename" db:"filename"`
	ContentType string    `json:"contentType" db:"content_type"`
	Length      int64     `json:"length" db:"length"`
	Checksum    string    `json:"checksum" db:"checksum"`
	UploadedAt  time.Time `json:"uploadedAt" db:"uploaded_at"`
}

// Upload describes the metadata a client sent along with a byte stream.
type Upload struct {
	Filename    string
	ContentType string
}

// Normalize trims the client supplied values and fills in defaults.
func (u Upload) Normalize() Upload {
	u.Filename = strings.TrimSpace(u.Filename)
	u.ContentType = strings.TrimSpace(u.ContentType)
	if u.ContentType == "" {
		u.ContentType = DefaultContentType
	}
	return u
}

// NewFileID generates the identity of a new logical file.
func NewFileID() uuid.UUID {
	return uuid.New()
}

// NewBlobID generates the storage identifier of a new revision.
func NewBlobID() uuid.UUID {
	return uuid.New()
}

// ParseFileID parses a logical file identifier supplied by a client.
func ParseFileID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, Validationf("invalid file id %q", raw)
	}
	return id, nil
}
