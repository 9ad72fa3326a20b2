package repository_test

import (
	"context"
	"testing"

	"github.com/Laisky/zap"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"gridoc/internal/repository"
	"gridoc/internal/repository/repotest"
)

func TestBadgerRevisionRepository(t *testing.T) {
	repotest.Suite{
		NewRepository: func(t *testing.T) repository.RevisionRepository {
			repo, err := repository.NewBadgerRevisionRepository(
				repository.BadgerOptions{InMemory: true}, zap.NewNop())
			require.NoError(t, err)
			t.Cleanup(func() { _ = repo.Close() })
			return repo
		},
	}.Run(t)
}

func TestBadgerRevisionRepositoryOnDisk(t *testing.T) {
	dir := t.TempDir()
	logger := zap.NewNop()

	repo, err := repository.NewBadgerRevisionRepository(repository.BadgerOptions{Dir: dir}, logger)
	require.NoError(t, err)
	rev := repotest.NewRevision(uuid.New(), 1)
	require.NoError(t, repo.Insert(context.Background(), rev))
	require.NoError(t, repo.Close())

	reopened, err := repository.NewBadgerRevisionRepository(repository.BadgerOptions{Dir: dir}, logger)
	require.NoError(t, err)
	defer reopened.Close()

	err = reopened.DeleteByID(context.Background(), rev.ID)
	require.NoError(t, err)
}
