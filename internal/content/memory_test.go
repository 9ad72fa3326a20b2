package content_test

import (
	"testing"

	"gridoc/internal/content"
	"gridoc/internal/content/contenttest"
)

func TestMemoryStore(t *testing.T) {
	suite := &contenttest.Suite{
		NewStore: func(t *testing.T) content.Store {
			return content.NewMemoryStore()
		},
	}
	suite.Run(t)
}
