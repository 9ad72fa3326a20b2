package repository

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"gridoc/internal/domain"
	"gridoc/internal/query"
)

// MemoryRevisionRepository keeps metadata in process memory.
type MemoryRevisionRepository struct {
	mu        sync.RWMutex
	revisions map[uuid.UUID]domain.Revision
	versions  map[uuid.UUID]map[int]uuid.UUID
}

func NewMemoryRevisionRepository() *MemoryRevisionRepository {
	return &MemoryRevisionRepository{
		revisions: make(map[uuid.UUID]domain.Revision),
		versions:  make(map[uuid.UUID]map[int]uuid.UUID),
	}
}

func (r *MemoryRevisionRepository) Insert(ctx context.Context, rev *domain.Revision) error {
	if err := ctx.Err(); err != nil {
		return domain.StorageError(err, "insert revision")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.revisions[rev.ID]; ok {
		return domain.Conflictf("revision %s already exists", rev.ID)
	}
	byVersion, ok := r.versions[rev.FileID]
	if !ok {
		byVersion = make(map[int]uuid.UUID)
		r.versions[rev.FileID] = byVersion
	}
	if _, taken := byVersion[rev.Version]; taken {
		return duplicateVersion(rev)
	}

	byVersion[rev.Version] = rev.ID
	r.revisions[rev.ID] = *rev
	return nil
}

func (r *MemoryRevisionRepository) FindMatching(ctx context.Context, q query.Query) ([]domain.Revision, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.StorageError(err, "find revisions")
	}

	r.mu.RLock()
	candidates := make([]domain.Revision, 0, len(r.revisions))
	if len(q.Filter.FileIDs) > 0 {
		for _, fileID := range q.Filter.FileIDs {
			for _, id := range r.versions[fileID] {
				candidates = append(candidates, r.revisions[id])
			}
		}
	} else {
		for _, rev := range r.revisions {
			candidates = append(candidates, rev)
		}
	}
	r.mu.RUnlock()

	return query.Apply(q, candidates), nil
}

func (r *MemoryRevisionRepository) DeleteByID(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return domain.StorageError(err, "delete revision")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rev, ok := r.revisions[id]
	if !ok {
		return revisionNotFound(id)
	}
	delete(r.revisions, id)
	if byVersion := r.versions[rev.FileID]; byVersion != nil {
		delete(byVersion, rev.Version)
		if len(byVersion) == 0 {
			delete(r.versions, rev.FileID)
		}
	}
	return nil
}

func (r *MemoryRevisionRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (r *MemoryRevisionRepository) Close() error {
	return nil
}
