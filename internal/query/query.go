// Package query turns list request parameters into a predicate, a sort order
// and a page window over revision metadata. It performs no I/O; metadata
// stores either evaluate Filter.Match in process or translate the parsed
// values into their own query language.
package query

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"gridoc/internal/domain"
)

// Field names a sortable revision attribute.
type Field string

const (
	FieldUploadedAt  Field = "uploadedAt"
	FieldVersion     Field = "version"
	FieldFilename    Field = "filename"
	FieldLength      Field = "length"
	FieldContentType Field = "contentType"
)

var sortable = map[string]Field{
	"uploadedat":  FieldUploadedAt,
	"uploaddate":  FieldUploadedAt,
	"createdat":   FieldUploadedAt,
	"version":     FieldVersion,
	"filename":    FieldFilename,
	"length":      FieldLength,
	"contenttype": FieldContentType,
}

// SortKey is one component of a sort order.
type SortKey struct {
	Field Field
	Desc  bool
}

func (k SortKey) String() string {
	if k.Desc {
		return "-" + string(k.Field)
	}
	return string(k.Field)
}

// Filter is a conjunction of optional conditions. Zero values mean "no
// condition"; set-valued fields match when the attribute equals any member.
type Filter struct {
	Filename       *string
	FilenameRegex  *regexp.Regexp
	ContentTypes   []string
	Versions       []int
	VersionGte     *int
	VersionLte     *int
	FileIDs        []uuid.UUID
	LengthGte      *int64
	LengthLte      *int64
	UploadedAfter  *time.Time
	UploadedBefore *time.Time
}

// Match evaluates the filter against a single revision.
func (f Filter) Match(r domain.Revision) bool {
	if f.Filename != nil && r.Filename != *f.Filename {
		return false
	}
	if f.FilenameRegex != nil && !f.FilenameRegex.MatchString(r.Filename) {
		return false
	}
	if len(f.ContentTypes) > 0 && !containsString(f.ContentTypes, r.ContentType) {
		return false
	}
	if len(f.Versions) > 0 && !containsInt(f.Versions, r.Version) {
		return false
	}
	if f.VersionGte != nil && r.Version < *f.VersionGte {
		return false
	}
	if f.VersionLte != nil && r.Version > *f.VersionLte {
		return false
	}
	if len(f.FileIDs) > 0 && !containsUUID(f.FileIDs, r.FileID) {
		return false
	}
	if f.LengthGte != nil && r.Length < *f.LengthGte {
		return false
	}
	if f.LengthLte != nil && r.Length > *f.LengthLte {
		return false
	}
	if f.UploadedAfter != nil && r.UploadedAt.Before(*f.UploadedAfter) {
		return false
	}
	if f.UploadedBefore != nil && r.UploadedAt.After(*f.UploadedBefore) {
		return false
	}
	return true
}

// Query is the parsed form of a list request.
type Query struct {
	Filter Filter
	Sort   []SortKey
	// Limit of zero means unlimited.
	Limit  int
	Offset int
}

// ForFile returns a copy of q restricted to a single logical file.
func (q Query) ForFile(fileID uuid.UUID) Query {
	q.Filter.FileIDs = []uuid.UUID{fileID}
	return q
}

// Less orders two revisions according to q.Sort. Revisions that compare
// equal on every key fall back to (fileId, version descending) so that paging
// is stable.
func (q Query) Less(a, b domain.Revision) bool {
	for _, key := range q.Sort {
		c := compare(key.Field, a, b)
		if c == 0 {
			continue
		}
		if key.Desc {
			return c > 0
		}
		return c < 0
	}
	if a.FileID != b.FileID {
		return strings.Compare(a.FileID.String(), b.FileID.String()) < 0
	}
	return a.Version > b.Version
}

// SortString renders the sort order in request syntax, e.g. "-version,filename".
func (q Query) SortString() string {
	parts := make([]string, 0, len(q.Sort))
	for _, key := range q.Sort {
		parts = append(parts, key.String())
	}
	return strings.Join(parts, ",")
}

// Meta describes the page window of a list response.
type Meta struct {
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
	Page   int    `json:"page"`
	Sort   string `json:"sort"`
	Count  int    `json:"count"`
}

// Meta builds the pagination information for a result of count items.
func (q Query) Meta(count int) Meta {
	page := 1
	if q.Limit > 0 {
		page = q.Offset/q.Limit + 1
	}
	return Meta{
		Limit:  q.Limit,
		Offset: q.Offset,
		Page:   page,
		Sort:   q.SortString(),
		Count:  count,
	}
}

func compare(field Field, a, b domain.Revision) int {
	switch field {
	case FieldUploadedAt:
		return a.UploadedAt.Compare(b.UploadedAt)
	case FieldVersion:
		return a.Version - b.Version
	case FieldFilename:
		return strings.Compare(a.Filename, b.Filename)
	case FieldContentType:
		return strings.Compare(a.ContentType, b.ContentType)
	case FieldLength:
		switch {
		case a.Length < b.Length:
			return -1
		case a.Length > b.Length:
			return 1
		}
	}
	return 0
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func containsInt(set []int, v int) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func containsUUID(set []uuid.UUID, v uuid.UUID) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
