// Package repotest holds behaviour every RevisionRepository must share.
package repotest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"gridoc/internal/domain"
	"gridoc/internal/query"
	"gridoc/internal/repository"
)

// Suite runs the shared repository tests against a fresh store per subtest.
type Suite struct {
	NewRepository func(t *testing.T) repository.RevisionRepository
}

func (s Suite) Run(t *testing.T) {
	t.Run("InsertThenFind", s.testInsertThenFind)
	t.Run("DuplicateVersionConflicts", s.testDuplicateVersionConflicts)
	t.Run("SameVersionDifferentFiles", s.testSameVersionDifferentFiles)
	t.Run("FindFiltersSortsAndWindows", s.testFindFiltersSortsAndWindows)
	t.Run("FindAcrossFiles", s.testFindAcrossFiles)
	t.Run("FindUnknownFileIsEmpty", s.testFindUnknownFileIsEmpty)
	t.Run("DeleteByID", s.testDeleteByID)
	t.Run("DeleteMissing", s.testDeleteMissing)
	t.Run("DeleteFreesVersion", s.testDeleteFreesVersion)
	t.Run("ConcurrentInsertsOfSameVersion", s.testConcurrentInsertsOfSameVersion)
	t.Run("Ping", s.testPing)
}

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// NewRevision builds a record for fileID at version.
func NewRevision(fileID uuid.UUID, version int) *domain.Revision {
	return &domain.Revision{
		ID:          uuid.New(),
		FileID:      fileID,
		Version:     version,
		Filename:    "report.txt",
		ContentType: "text/plain",
		Length:      int64(version * 100),
		Checksum:    "d41d8cd98f00b204e9800998ecf8427e",
		UploadedAt:  base.Add(time.Duration(version) * time.Minute),
	}
}

func versions(revs []domain.Revision) []int {
	out := make([]int, 0, len(revs))
	for _, r := range revs {
		out = append(out, r.Version)
	}
	return out
}

func (s Suite) testInsertThenFind(t *testing.T) {
	ctx := context.Background()
	repo := s.NewRepository(t)

	rev := NewRevision(uuid.New(), 1)
	require.NoError(t, repo.Insert(ctx, rev))

	got, err := repo.FindMatching(ctx, query.Query{Sort: query.VersionOrder}.ForFile(rev.FileID))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, rev.ID, got[0].ID)
	require.Equal(t, rev.FileID, got[0].FileID)
	require.Equal(t, rev.Filename, got[0].Filename)
	require.Equal(t, rev.ContentType, got[0].ContentType)
	require.Equal(t, rev.Length, got[0].Length)
	require.Equal(t, rev.Checksum, got[0].Checksum)
	require.True(t, rev.UploadedAt.Equal(got[0].UploadedAt))
}

func (s Suite) testDuplicateVersionConflicts(t *testing.T) {
	ctx := context.Background()
	repo := s.NewRepository(t)

	fileID := uuid.New()
	require.NoError(t, repo.Insert(ctx, NewRevision(fileID, 1)))

	err := repo.Insert(ctx, NewRevision(fileID, 1))
	require.Error(t, err)
	require.True(t, domain.IsConflict(err), "got %v", err)

	got, err := repo.FindMatching(ctx, query.Query{}.ForFile(fileID))
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func (s Suite) testSameVersionDifferentFiles(t *testing.T) {
	ctx := context.Background()
	repo := s.NewRepository(t)

	require.NoError(t, repo.Insert(ctx, NewRevision(uuid.New(), 1)))
	require.NoError(t, repo.Insert(ctx, NewRevision(uuid.New(), 1)))
}

func (s Suite) testFindFiltersSortsAndWindows(t *testing.T) {
	ctx := context.Background()
	repo := s.NewRepository(t)

	fileID := uuid.New()
	for v := 1; v <= 5; v++ {
		require.NoError(t, repo.Insert(ctx, NewRevision(fileID, v)))
	}

	gte, lte := 2, 4
	q := query.Query{
		Filter: query.Filter{VersionGte: &gte, VersionLte: &lte},
		Sort:   query.VersionOrder,
	}.ForFile(fileID)
	got, err := repo.FindMatching(ctx, q)
	require.NoError(t, err)
	require.Equal(t, []int{4, 3, 2}, versions(got))

	q = query.Query{
		Sort:   []query.SortKey{{Field: query.FieldUploadedAt}},
		Limit:  2,
		Offset: 1,
	}.ForFile(fileID)
	got, err = repo.FindMatching(ctx, q)
	require.NoError(t, err)
	require.Equal(t, []int{2, 3}, versions(got))
}

func (s Suite) testFindAcrossFiles(t *testing.T) {
	ctx := context.Background()
	repo := s.NewRepository(t)

	a, b := uuid.New(), uuid.New()
	require.NoError(t, repo.Insert(ctx, NewRevision(a, 1)))
	require.NoError(t, repo.Insert(ctx, NewRevision(a, 2)))
	other := NewRevision(b, 1)
	other.ContentType = "image/png"
	require.NoError(t, repo.Insert(ctx, other))

	all, err := repo.FindMatching(ctx, query.Query{Sort: query.VersionOrder})
	require.NoError(t, err)
	require.Len(t, all, 3)

	png, err := repo.FindMatching(ctx, query.Query{Filter: query.Filter{ContentTypes: []string{"image/png"}}})
	require.NoError(t, err)
	require.Len(t, png, 1)
	require.Equal(t, b, png[0].FileID)

	both, err := repo.FindMatching(ctx, query.Query{Filter: query.Filter{FileIDs: []uuid.UUID{a, b}}})
	require.NoError(t, err)
	require.Len(t, both, 3)
}

func (s Suite) testFindUnknownFileIsEmpty(t *testing.T) {
	repo := s.NewRepository(t)

	got, err := repo.FindMatching(context.Background(), query.Query{}.ForFile(uuid.New()))
	require.NoError(t, err)
	require.Empty(t, got)
}

func (s Suite) testDeleteByID(t *testing.T) {
	ctx := context.Background()
	repo := s.NewRepository(t)

	fileID := uuid.New()
	first, second := NewRevision(fileID, 1), NewRevision(fileID, 2)
	require.NoError(t, repo.Insert(ctx, first))
	require.NoError(t, repo.Insert(ctx, second))

	require.NoError(t, repo.DeleteByID(ctx, second.ID))

	got, err := repo.FindMatching(ctx, query.Query{}.ForFile(fileID))
	require.NoError(t, err)
	require.Equal(t, []int{1}, versions(got))
}

func (s Suite) testDeleteMissing(t *testing.T) {
	repo := s.NewRepository(t)

	err := repo.DeleteByID(context.Background(), uuid.New())
	require.Error(t, err)
	require.True(t, domain.IsNotFound(err), "got %v", err)
}

func (s Suite) testDeleteFreesVersion(t *testing.T) {
	ctx := context.Background()
	repo := s.NewRepository(t)

	rev := NewRevision(uuid.New(), 1)
	require.NoError(t, repo.Insert(ctx, rev))
	require.NoError(t, repo.DeleteByID(ctx, rev.ID))
	require.NoError(t, repo.Insert(ctx, NewRevision(rev.FileID, 1)))
}

func (s Suite) testConcurrentInsertsOfSameVersion(t *testing.T) {
	ctx := context.Background()
	repo := s.NewRepository(t)

	fileID := uuid.New()
	const writers = 8

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok, taken int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.Insert(ctx, NewRevision(fileID, 1))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case domain.IsConflict(err):
				taken++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, ok)
	require.Equal(t, writers-1, taken)
}

func (s Suite) testPing(t *testing.T) {
	repo := s.NewRepository(t)
	require.NoError(t, repo.Ping(context.Background()))
}
