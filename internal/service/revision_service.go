package service

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"gridoc/internal/content"
	"gridoc/internal/domain"
	"gridoc/internal/query"
	"gridoc/internal/repository"
)

const defaultInsertAttempts = 5

// RevisionService resolves, creates and deletes revisions of logical files.
//
// Writes always stream the blob first and record metadata afterwards, so a
// failure in between leaves an unreferenced blob rather than metadata that
// points to missing bytes. Deletes run in the opposite order.
type RevisionService struct {
	repo   repository.RevisionRepository
	blobs  content.Store
	locker KeyLocker
	logger *zap.Logger

	now            func() time.Time
	insertAttempts int
}

// Option customizes a RevisionService.
type Option func(*RevisionService)

// WithClock replaces the source of upload timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *RevisionService) { s.now = now }
}

// WithInsertAttempts bounds how often a version insert is retried after a
// conflicting concurrent write.
func WithInsertAttempts(n int) Option {
	return func(s *RevisionService) {
		if n > 0 {
			s.insertAttempts = n
		}
	}
}

func NewRevisionService(
	repo repository.RevisionRepository,
	blobs content.Store,
	locker KeyLocker,
	logger *zap.Logger,
	opts ...Option,
) *RevisionService {
	s := &RevisionService{
		repo:           repo,
		blobs:          blobs,
		locker:         locker,
		logger:         logger,
		now:            func() time.Time { return time.Now().UTC() },
		insertAttempts: defaultInsertAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ResolveNewest returns the revision with the highest version of fileID.
func (s *RevisionService) ResolveNewest(ctx context.Context, fileID uuid.UUID) (domain.Revision, error) {
	// two rows are enough to notice a duplicated maximum
	revs, err := s.repo.FindMatching(ctx, query.Query{Sort: query.VersionOrder, Limit: 2}.ForFile(fileID))
	if err != nil {
		return domain.Revision{}, err
	}
	if len(revs) == 0 {
		return domain.Revision{}, domain.NotFoundf("file %s not found", fileID)
	}
	if len(revs) > 1 && revs[0].Version == revs[1].Version {
		return domain.Revision{}, s.consistencyViolation(fileID, revs[0].Version, revs[0].ID, revs[1].ID)
	}
	return revs[0], nil
}

// ResolveExact returns the revision of fileID with the given version.
func (s *RevisionService) ResolveExact(ctx context.Context, fileID uuid.UUID, version int) (domain.Revision, error) {
	q := query.Query{
		Filter: query.Filter{Versions: []int{version}},
		Sort:   query.VersionOrder,
		Limit:  2,
	}.ForFile(fileID)

	revs, err := s.repo.FindMatching(ctx, q)
	if err != nil {
		return domain.Revision{}, err
	}
	switch len(revs) {
	case 0:
		return domain.Revision{}, domain.NotFoundf("version %d of file %s not found", version, fileID)
	case 1:
		return revs[0], nil
	default:
		return domain.Revision{}, s.consistencyViolation(fileID, version, revs[0].ID, revs[1].ID)
	}
}

// ListVersions returns the revisions of fileID accepted by q. The fileId
// condition of q is replaced by fileID; an empty sort means newest first.
func (s *RevisionService) ListVersions(ctx context.Context, fileID uuid.UUID, q query.Query) ([]domain.Revision, error) {
	if len(q.Sort) == 0 {
		q.Sort = query.VersionOrder
	}
	return s.repo.FindMatching(ctx, q.ForFile(fileID))
}

// List returns revisions across every logical file.
func (s *RevisionService) List(ctx context.Context, q query.Query) ([]domain.Revision, error) {
	return s.repo.FindMatching(ctx, q)
}

// CreateNew stores r as version 1 of a brand-new logical file.
func (s *RevisionService) CreateNew(ctx context.Context, upload domain.Upload, r io.Reader) (domain.Revision, error) {
	upload = upload.Normalize()

	rev, err := s.writeBlob(ctx, upload, r)
	if err != nil {
		return domain.Revision{}, err
	}
	rev.FileID = domain.NewFileID()
	rev.Version = 1

	if err := s.repo.Insert(ctx, &rev); err != nil {
		return domain.Revision{}, s.discardBlob(rev, err)
	}

	s.logger.Info("created file",
		zap.String("file_id", rev.FileID.String()),
		zap.String("blob_id", rev.ID.String()),
		zap.Int64("length", rev.Length),
	)
	return rev, nil
}

// CreateVersion stores r as the next version of an existing logical file.
//
// The bytes are streamed before any lock is taken. Only reading the newest
// version and inserting its successor run under the per-file lock; the
// repository's uniqueness check backs that up across lock backends.
func (s *RevisionService) CreateVersion(ctx context.Context, fileID uuid.UUID, upload domain.Upload, r io.Reader) (domain.Revision, error) {
	if _, err := s.ResolveNewest(ctx, fileID); err != nil {
		return domain.Revision{}, err
	}

	upload = upload.Normalize()
	rev, err := s.writeBlob(ctx, upload, r)
	if err != nil {
		return domain.Revision{}, err
	}
	rev.FileID = fileID

	err = s.locker.WithLock(ctx, fileID.String(), func(ctx context.Context) error {
		return s.insertNextVersion(ctx, &rev)
	})
	if err != nil {
		return domain.Revision{}, s.discardBlob(rev, domain.StorageError(err, "assign version"))
	}

	s.logger.Info("created version",
		zap.String("file_id", rev.FileID.String()),
		zap.Int("version", rev.Version),
		zap.String("blob_id", rev.ID.String()),
		zap.Int64("length", rev.Length),
	)
	return rev, nil
}

func (s *RevisionService) insertNextVersion(ctx context.Context, rev *domain.Revision) error {
	var err error
	for attempt := 1; attempt <= s.insertAttempts; attempt++ {
		var newest domain.Revision
		newest, err = s.ResolveNewest(ctx, rev.FileID)
		if err != nil {
			// the file may have been deleted while the bytes were streaming
			return err
		}

		rev.Version = newest.Version + 1
		err = s.repo.Insert(ctx, rev)
		if !domain.IsConflict(err) {
			return err
		}
		s.logger.Debug("version already taken, retrying",
			zap.String("file_id", rev.FileID.String()),
			zap.Int("version", rev.Version),
			zap.Int("attempt", attempt),
		)
	}
	return &domain.Error{
		Kind:    domain.KindStorage,
		Message: fmt.Sprintf("could not assign a version after %d attempts", s.insertAttempts),
		Err:     err,
	}
}

// writeBlob streams r into a new blob and returns a revision carrying its
// id, size, checksum and upload metadata.
func (s *RevisionService) writeBlob(ctx context.Context, upload domain.Upload, r io.Reader) (domain.Revision, error) {
	blobID := domain.NewBlobID()
	written, err := content.Stream(ctx, s.blobs, blobID, content.BlobInfo{
		Filename:    upload.Filename,
		ContentType: upload.ContentType,
	}, r)
	if err != nil {
		var typed *domain.Error
		if errors.As(err, &typed) {
			return domain.Revision{}, err
		}
		return domain.Revision{}, domain.StorageError(err, "write content")
	}

	return domain.Revision{
		ID:          blobID,
		Filename:    upload.Filename,
		ContentType: upload.ContentType,
		Length:      written.Length,
		Checksum:    written.Checksum,
		UploadedAt:  s.now(),
	}, nil
}

// discardBlob removes the blob of a revision whose metadata could not be
// recorded and returns cause.
func (s *RevisionService) discardBlob(rev domain.Revision, cause error) error {
	// the request context may be the reason we are here
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.blobs.Delete(ctx, rev.ID); err != nil && !errors.Is(err, content.ErrContentNotFound) {
		s.logger.Error("failed to remove orphaned blob",
			zap.String("blob_id", rev.ID.String()),
			zap.String("file_id", rev.FileID.String()),
			zap.Error(err),
		)
	}
	return cause
}

// Open returns a reader over the bytes of rev.
func (s *RevisionService) Open(ctx context.Context, rev domain.Revision) (io.ReadCloser, error) {
	rc, err := s.blobs.Open(ctx, rev.ID)
	if errors.Is(err, content.ErrContentNotFound) {
		s.logger.Error("metadata references a missing blob",
			zap.Bool("consistency_violation", true),
			zap.String("file_id", rev.FileID.String()),
			zap.Int("version", rev.Version),
			zap.String("blob_id", rev.ID.String()),
		)
		return nil, domain.Consistencyf("content of version %d of file %s is missing", rev.Version, rev.FileID)
	}
	if err != nil {
		return nil, domain.StorageError(err, "open content")
	}
	return rc, nil
}

// DeleteVersion removes one revision of fileID.
func (s *RevisionService) DeleteVersion(ctx context.Context, fileID uuid.UUID, version int) (domain.Revision, error) {
	rev, err := s.ResolveExact(ctx, fileID, version)
	if err != nil {
		return domain.Revision{}, err
	}
	if err := s.deleteRevision(ctx, rev); err != nil {
		return domain.Revision{}, err
	}
	return rev, nil
}

// DeleteFile removes every revision of fileID and returns how many were
// removed. Revisions that were deleted stay deleted when others fail. It
// holds the same per-file lock as CreateVersion so no version is appended
// between the listing and the deletes.
func (s *RevisionService) DeleteFile(ctx context.Context, fileID uuid.UUID) (int, error) {
	var deleted int
	err := s.locker.WithLock(ctx, fileID.String(), func(ctx context.Context) error {
		revs, err := s.repo.FindMatching(ctx, query.Query{Sort: query.VersionOrder}.ForFile(fileID))
		if err != nil {
			return err
		}
		if len(revs) == 0 {
			return domain.NotFoundf("file %s not found", fileID)
		}

		var result *multierror.Error
		for _, rev := range revs {
			if err := s.deleteRevision(ctx, rev); err != nil {
				result = multierror.Append(result, errors.Wrapf(err, "version %d", rev.Version))
				continue
			}
			deleted++
		}
		if err := result.ErrorOrNil(); err != nil {
			return domain.StorageError(err, "delete file")
		}
		return nil
	})
	if err != nil {
		return deleted, err
	}

	s.logger.Info("deleted file",
		zap.String("file_id", fileID.String()),
		zap.Int("revisions", deleted),
	)
	return deleted, nil
}

// deleteRevision drops the metadata record and then the blob. A blob that
// is already gone is not an error.
func (s *RevisionService) deleteRevision(ctx context.Context, rev domain.Revision) error {
	if err := s.repo.DeleteByID(ctx, rev.ID); err != nil {
		return err
	}
	if err := s.blobs.Delete(ctx, rev.ID); err != nil && !errors.Is(err, content.ErrContentNotFound) {
		return domain.StorageError(err, "delete content")
	}
	return nil
}

// Ping reports whether both stores are reachable.
func (s *RevisionService) Ping(ctx context.Context) error {
	if err := s.repo.Ping(ctx); err != nil {
		return errors.Wrap(err, "metadata store")
	}
	if err := s.blobs.Ping(ctx); err != nil {
		return errors.Wrap(err, "content store")
	}
	return nil
}

func (s *RevisionService) consistencyViolation(fileID uuid.UUID, version int, ids ...uuid.UUID) error {
	blobIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		blobIDs = append(blobIDs, id.String())
	}
	s.logger.Error("duplicate version in metadata store",
		zap.Bool("consistency_violation", true),
		zap.String("file_id", fileID.String()),
		zap.Int("version", version),
		zap.Strings("blob_ids", blobIDs),
	)
	return domain.Consistencyf("file %s has more than one revision with version %d", fileID, version)
}
