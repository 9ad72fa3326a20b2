package service

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"gridoc/internal/content"
	"gridoc/internal/domain"
	"gridoc/internal/query"
	"gridoc/internal/repository"
)

type fixture struct {
	svc   *RevisionService
	repo  *repository.MemoryRevisionRepository
	blobs *content.MemoryStore
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	repo := repository.NewMemoryRevisionRepository()
	blobs := content.NewMemoryStore()
	return fixture{
		svc:   NewRevisionService(repo, blobs, NewLocalLocker(), zap.NewNop(), opts...),
		repo:  repo,
		blobs: blobs,
	}
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func readAll(t *testing.T, svc *RevisionService, rev domain.Revision) string {
	t.Helper()
	rc, err := svc.Open(context.Background(), rev)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func upload(name string) domain.Upload {
	return domain.Upload{Filename: name, ContentType: "text/plain"}
}

func TestCreateNew(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rev, err := f.svc.CreateNew(ctx, domain.Upload{Filename: " notes.txt "}, strings.NewReader("hello"))
	require.NoError(t, err)
	require.Equal(t, 1, rev.Version)
	require.NotEqual(t, uuid.Nil, rev.FileID)
	require.NotEqual(t, rev.FileID, rev.ID)
	require.Equal(t, "notes.txt", rev.Filename)
	require.Equal(t, domain.DefaultContentType, rev.ContentType)
	require.Equal(t, int64(5), rev.Length)
	require.Equal(t, md5Hex("hello"), rev.Checksum)
	require.False(t, rev.UploadedAt.IsZero())

	newest, err := f.svc.ResolveNewest(ctx, rev.FileID)
	require.NoError(t, err)
	require.Equal(t, rev.ID, newest.ID)
	require.Equal(t, "hello", readAll(t, f.svc, newest))
}

func TestCreateNewFilesAreIndependent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.CreateNew(ctx, upload("a"), strings.NewReader("a"))
	require.NoError(t, err)
	b, err := f.svc.CreateNew(ctx, upload("b"), strings.NewReader("b"))
	require.NoError(t, err)

	require.NotEqual(t, a.FileID, b.FileID)
	require.Equal(t, 1, a.Version)
	require.Equal(t, 1, b.Version)
}

func TestCreateVersionIncrements(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.CreateNew(ctx, upload("doc.txt"), strings.NewReader("v1"))
	require.NoError(t, err)

	for want := 2; want <= 4; want++ {
		rev, err := f.svc.CreateVersion(ctx, first.FileID, upload("doc.txt"), strings.NewReader("v"))
		require.NoError(t, err)
		require.Equal(t, want, rev.Version)
		require.Equal(t, first.FileID, rev.FileID)
	}

	newest, err := f.svc.ResolveNewest(ctx, first.FileID)
	require.NoError(t, err)
	require.Equal(t, 4, newest.Version)

	exact, err := f.svc.ResolveExact(ctx, first.FileID, 1)
	require.NoError(t, err)
	require.Equal(t, first.ID, exact.ID)
	require.Equal(t, "v1", readAll(t, f.svc, exact))
}

func TestCreateVersionUnknownFile(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateVersion(context.Background(), uuid.New(), upload("x"), strings.NewReader("data"))
	require.True(t, domain.IsNotFound(err), "got %v", err)
	require.Zero(t, f.blobs.Len())
}

func TestResolveMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ResolveNewest(ctx, uuid.New())
	require.True(t, domain.IsNotFound(err))

	rev, err := f.svc.CreateNew(ctx, upload("a"), strings.NewReader("a"))
	require.NoError(t, err)
	_, err = f.svc.ResolveExact(ctx, rev.FileID, 2)
	require.True(t, domain.IsNotFound(err))
	_, err = f.svc.ResolveExact(ctx, rev.FileID, 0)
	require.True(t, domain.IsNotFound(err))
}

// Three uploads, then versionGte=2 lists versions 3 and 2 newest first.
func TestListVersionsScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.CreateNew(ctx, upload("a.txt"), strings.NewReader("one"))
	require.NoError(t, err)
	_, err = f.svc.CreateVersion(ctx, first.FileID, upload("a.txt"), strings.NewReader("two"))
	require.NoError(t, err)
	_, err = f.svc.CreateVersion(ctx, first.FileID, upload("a.txt"), strings.NewReader("three"))
	require.NoError(t, err)

	gte := 2
	got, err := f.svc.ListVersions(ctx, first.FileID, query.Query{Filter: query.Filter{VersionGte: &gte}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, 3, got[0].Version)
	require.Equal(t, 2, got[1].Version)

	all, err := f.svc.List(ctx, query.Query{Sort: query.VersionOrder})
	require.NoError(t, err)
	require.Len(t, all, 3)
}

type brokenReader struct{ after int }

var errBrokenPipe = errors.New("connection reset by peer")

func (r *brokenReader) Read(p []byte) (int, error) {
	if r.after == 0 {
		return 0, errBrokenPipe
	}
	n := min(len(p), r.after)
	for i := range p[:n] {
		p[i] = 'x'
	}
	r.after -= n
	return n, nil
}

func TestCreateNewStreamFailureLeavesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateNew(ctx, upload("big"), &brokenReader{after: 1024})
	require.Error(t, err)
	require.Equal(t, domain.KindStorage, domain.KindOf(err))
	require.ErrorIs(t, err, errBrokenPipe)

	require.Zero(t, f.blobs.Len())
	all, err := f.svc.List(ctx, query.Query{})
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestCreateVersionCancelledLeavesNothing(t *testing.T) {
	f := newFixture(t)

	first, err := f.svc.CreateNew(context.Background(), upload("a"), strings.NewReader("a"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()
	go func() {
		_, _ = pw.Write([]byte("partial"))
		cancel()
		_, _ = pw.Write([]byte("more"))
		_ = pw.Close()
	}()

	_, err = f.svc.CreateVersion(ctx, first.FileID, upload("a"), pr)
	require.Error(t, err)

	newest, err := f.svc.ResolveNewest(context.Background(), first.FileID)
	require.NoError(t, err)
	require.Equal(t, 1, newest.Version)
	require.Equal(t, 1, f.blobs.Len())
}

// failingInsertRepository rejects every insert.
type failingInsertRepository struct {
	*repository.MemoryRevisionRepository
}

func (r failingInsertRepository) Insert(context.Context, *domain.Revision) error {
	return domain.StorageError(errors.New("connection refused"), "insert revision")
}

func TestInsertFailureDiscardsBlob(t *testing.T) {
	blobs := content.NewMemoryStore()
	repo := failingInsertRepository{repository.NewMemoryRevisionRepository()}
	svc := NewRevisionService(repo, blobs, NewLocalLocker(), zap.NewNop())

	_, err := svc.CreateNew(context.Background(), upload("a"), strings.NewReader("payload"))
	require.Error(t, err)
	require.Equal(t, domain.KindStorage, domain.KindOf(err))
	require.Zero(t, blobs.Len())
}

// conflictingRepository reports a taken version for the first n inserts.
type conflictingRepository struct {
	*repository.MemoryRevisionRepository
	mu        sync.Mutex
	conflicts int
}

func (r *conflictingRepository) Insert(ctx context.Context, rev *domain.Revision) error {
	r.mu.Lock()
	if r.conflicts > 0 {
		r.conflicts--
		r.mu.Unlock()
		return domain.Conflictf("version %d taken", rev.Version)
	}
	r.mu.Unlock()
	return r.MemoryRevisionRepository.Insert(ctx, rev)
}

func TestCreateVersionRetriesConflicts(t *testing.T) {
	repo := &conflictingRepository{MemoryRevisionRepository: repository.NewMemoryRevisionRepository()}
	blobs := content.NewMemoryStore()
	svc := NewRevisionService(repo, blobs, NewLocalLocker(), zap.NewNop(), WithInsertAttempts(3))
	ctx := context.Background()

	first, err := svc.CreateNew(ctx, upload("a"), strings.NewReader("a"))
	require.NoError(t, err)

	repo.conflicts = 2
	rev, err := svc.CreateVersion(ctx, first.FileID, upload("a"), strings.NewReader("b"))
	require.NoError(t, err)
	require.Equal(t, 2, rev.Version)

	repo.conflicts = 3
	_, err = svc.CreateVersion(ctx, first.FileID, upload("a"), strings.NewReader("c"))
	require.Error(t, err)
	require.Equal(t, domain.KindStorage, domain.KindOf(err))
	require.Equal(t, 2, blobs.Len())
}

func TestConcurrentCreateVersionAssignsDistinctVersions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.CreateNew(ctx, upload("a"), strings.NewReader("a"))
	require.NoError(t, err)

	const writers = 20
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[int]bool{}
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rev, err := f.svc.CreateVersion(ctx, first.FileID, upload("a"), bytes.NewReader(make([]byte, 4096)))
			if err != nil {
				t.Errorf("create version: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[rev.Version] {
				t.Errorf("version %d assigned twice", rev.Version)
			}
			seen[rev.Version] = true
		}()
	}
	wg.Wait()

	require.Len(t, seen, writers)
	for v := 2; v <= writers+1; v++ {
		require.True(t, seen[v], "missing version %d", v)
	}
	newest, err := f.svc.ResolveNewest(ctx, first.FileID)
	require.NoError(t, err)
	require.Equal(t, writers+1, newest.Version)
}

// duplicateRepository answers every lookup with two records of the same version.
type duplicateRepository struct {
	*repository.MemoryRevisionRepository
	fileID uuid.UUID
}

func (r duplicateRepository) FindMatching(context.Context, query.Query) ([]domain.Revision, error) {
	return []domain.Revision{
		{ID: uuid.New(), FileID: r.fileID, Version: 7},
		{ID: uuid.New(), FileID: r.fileID, Version: 7},
	}, nil
}

func TestDuplicateMaximumIsConsistencyFailure(t *testing.T) {
	fileID := uuid.New()
	repo := duplicateRepository{repository.NewMemoryRevisionRepository(), fileID}
	svc := NewRevisionService(repo, content.NewMemoryStore(), NewLocalLocker(), zap.NewNop())

	_, err := svc.ResolveNewest(context.Background(), fileID)
	require.Equal(t, domain.KindConsistency, domain.KindOf(err))
	require.Equal(t, "An internal error occurred", domain.Public(err))

	_, err = svc.ResolveExact(context.Background(), fileID, 7)
	require.Equal(t, domain.KindConsistency, domain.KindOf(err))
}

func TestOpenMissingBlobIsConsistencyFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rev, err := f.svc.CreateNew(ctx, upload("a"), strings.NewReader("a"))
	require.NoError(t, err)
	require.NoError(t, f.blobs.Delete(ctx, rev.ID))

	_, err = f.svc.Open(ctx, rev)
	require.Equal(t, domain.KindConsistency, domain.KindOf(err))
}

func TestDeleteVersionKeepsNumberingMonotonic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.CreateNew(ctx, upload("a"), strings.NewReader("1"))
	require.NoError(t, err)
	_, err = f.svc.CreateVersion(ctx, first.FileID, upload("a"), strings.NewReader("2"))
	require.NoError(t, err)
	_, err = f.svc.CreateVersion(ctx, first.FileID, upload("a"), strings.NewReader("3"))
	require.NoError(t, err)

	deleted, err := f.svc.DeleteVersion(ctx, first.FileID, 2)
	require.NoError(t, err)
	require.Equal(t, 2, deleted.Version)
	require.Equal(t, 2, f.blobs.Len())

	_, err = f.svc.ResolveExact(ctx, first.FileID, 2)
	require.True(t, domain.IsNotFound(err))
	_, err = f.svc.DeleteVersion(ctx, first.FileID, 2)
	require.True(t, domain.IsNotFound(err))

	next, err := f.svc.CreateVersion(ctx, first.FileID, upload("a"), strings.NewReader("4"))
	require.NoError(t, err)
	require.Equal(t, 4, next.Version)
}

func TestDeleteFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.CreateNew(ctx, upload("a"), strings.NewReader("1"))
	require.NoError(t, err)
	_, err = f.svc.CreateVersion(ctx, first.FileID, upload("a"), strings.NewReader("2"))
	require.NoError(t, err)
	other, err := f.svc.CreateNew(ctx, upload("b"), strings.NewReader("b"))
	require.NoError(t, err)

	n, err := f.svc.DeleteFile(ctx, first.FileID)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 1, f.blobs.Len())

	_, err = f.svc.ResolveNewest(ctx, first.FileID)
	require.True(t, domain.IsNotFound(err))
	_, err = f.svc.DeleteFile(ctx, first.FileID)
	require.True(t, domain.IsNotFound(err))

	_, err = f.svc.ResolveNewest(ctx, other.FileID)
	require.NoError(t, err)
}

func TestDeleteFileWaitsForFileLock(t *testing.T) {
	repo := repository.NewMemoryRevisionRepository()
	locker := NewLocalLocker()
	svc := NewRevisionService(repo, content.NewMemoryStore(), locker, zap.NewNop())
	ctx := context.Background()

	first, err := svc.CreateNew(ctx, upload("a"), strings.NewReader("1"))
	require.NoError(t, err)

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = locker.WithLock(ctx, first.FileID.String(), func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := svc.DeleteFile(ctx, first.FileID)
		done <- result{n, err}
	}()

	select {
	case <-done:
		t.Fatal("DeleteFile ran while the file lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	// a version appended by the lock holder is removed along with the rest
	second := domain.Revision{ID: uuid.New(), FileID: first.FileID, Version: 2, Filename: "a"}
	require.NoError(t, repo.Insert(ctx, &second))
	close(release)

	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, 2, res.n)
}

func TestDeleteFileHonoursLockTimeout(t *testing.T) {
	f := newFixture(t)
	rev, err := f.svc.CreateNew(context.Background(), upload("a"), strings.NewReader("1"))
	require.NoError(t, err)

	held := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	go func() {
		_ = f.svc.locker.WithLock(context.Background(), rev.FileID.String(), func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	n, err := f.svc.DeleteFile(ctx, rev.FileID)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Zero(t, n)

	_, err = f.svc.ResolveNewest(context.Background(), rev.FileID)
	require.NoError(t, err)
}

// flakyStore fails to delete the listed blobs.
type flakyStore struct {
	*content.MemoryStore
	failDelete map[uuid.UUID]bool
}

func (s flakyStore) Delete(ctx context.Context, id uuid.UUID) error {
	if s.failDelete[id] {
		return errors.New("bucket unavailable")
	}
	return s.MemoryStore.Delete(ctx, id)
}

func TestDeleteFileReportsPartialFailure(t *testing.T) {
	repo := repository.NewMemoryRevisionRepository()
	blobs := flakyStore{MemoryStore: content.NewMemoryStore(), failDelete: map[uuid.UUID]bool{}}
	svc := NewRevisionService(repo, blobs, NewLocalLocker(), zap.NewNop())
	ctx := context.Background()

	first, err := svc.CreateNew(ctx, upload("a"), strings.NewReader("1"))
	require.NoError(t, err)
	second, err := svc.CreateVersion(ctx, first.FileID, upload("a"), strings.NewReader("2"))
	require.NoError(t, err)
	blobs.failDelete[second.ID] = true

	n, err := svc.DeleteFile(ctx, first.FileID)
	require.Error(t, err)
	require.Equal(t, domain.KindStorage, domain.KindOf(err))
	require.Contains(t, err.Error(), "version 2")
	require.Equal(t, 1, n)
}

func TestDeleteToleratesMissingBlob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rev, err := f.svc.CreateNew(ctx, upload("a"), strings.NewReader("1"))
	require.NoError(t, err)
	require.NoError(t, f.blobs.Delete(ctx, rev.ID))

	_, err = f.svc.DeleteVersion(ctx, rev.FileID, 1)
	require.NoError(t, err)
}

func TestWithClock(t *testing.T) {
	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	f := newFixture(t, WithClock(func() time.Time { return at }))

	rev, err := f.svc.CreateNew(context.Background(), upload("a"), strings.NewReader("a"))
	require.NoError(t, err)
	require.Equal(t, at, rev.UploadedAt)
}

func TestPing(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.Ping(context.Background()))
}
