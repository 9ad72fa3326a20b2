package repository

import (
	"context"

	"github.com/google/uuid"

	"gridoc/internal/domain"
	"gridoc/internal/query"
)

// RevisionRepository persists revision metadata records.
//
// Implementations hold no business rules beyond uniqueness of
// (FileID, Version): Insert reports a taken pair as a domain Conflict.
type RevisionRepository interface {
	Insert(ctx context.Context, rev *domain.Revision) error
	// FindMatching returns the revisions accepted by q.Filter, ordered by
	// q.Sort and cut to the q.Offset/q.Limit window.
	FindMatching(ctx context.Context, q query.Query) ([]domain.Revision, error)
	// DeleteByID removes a single record. Unknown ids are NotFound.
	DeleteByID(ctx context.Context, id uuid.UUID) error
	Ping(ctx context.Context) error
	Close() error
}

func duplicateVersion(rev *domain.Revision) error {
	return domain.Conflictf("file %s already has version %d", rev.FileID, rev.Version)
}

func revisionNotFound(id uuid.UUID) error {
	return domain.NotFoundf("revision %s not found", id)
}
