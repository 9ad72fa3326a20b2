package repository_test

import (
	"testing"

	"gridoc/internal/repository"
	"gridoc/internal/repository/repotest"
)

func TestMemoryRevisionRepository(t *testing.T) {
	repotest.Suite{
		NewRepository: func(t *testing.T) repository.RevisionRepository {
			return repository.NewMemoryRevisionRepository()
		},
	}.Run(t)
}
