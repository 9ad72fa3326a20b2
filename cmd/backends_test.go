package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/Laisky/zap"
	"github.com/stretchr/testify/require"

	"gridoc/internal/config"
	"gridoc/internal/domain"
	"gridoc/internal/repository"
	"gridoc/internal/service"
)

func TestOpenBackendsInProcess(t *testing.T) {
	for _, metadata := range []string{"memory", "badger"} {
		t.Run(metadata, func(t *testing.T) {
			cfg := &config.Config{}
			cfg.Metadata.Backend = metadata
			cfg.Badger.InMemory = true
			cfg.Content.Backend = "memory"
			cfg.Lock.Backend = "local"

			b, err := openBackends(context.Background(), cfg, zap.NewNop())
			require.NoError(t, err)
			t.Cleanup(func() { require.NoError(t, b.Close(context.Background())) })

			if metadata == "badger" {
				require.IsType(t, &repository.BadgerRevisionRepository{}, b.repo)
			}

			svc := service.NewRevisionService(b.repo, b.blobs, b.locker, zap.NewNop())
			rev, err := svc.CreateNew(context.Background(), domain.Upload{Filename: "a.txt"}, bytes.NewBufferString("hello"))
			require.NoError(t, err)
			require.Equal(t, 1, rev.Version)
			require.NoError(t, svc.Ping(context.Background()))
		})
	}
}

func TestOpenBackendsRejectsUnknown(t *testing.T) {
	cfg := &config.Config{}
	cfg.Metadata.Backend = "memory"
	cfg.Content.Backend = "ftp"
	cfg.Lock.Backend = "local"

	_, err := openBackends(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)

	cfg.Content.Backend = "memory"
	cfg.Lock.Backend = "postgres"
	_, err = openBackends(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "postgres metadata backend")
}
