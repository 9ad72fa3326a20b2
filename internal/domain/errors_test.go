package domain

import (
	"fmt"
	"io"
	"testing"

	"github.com/Laisky/errors/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"not found", NotFoundf("file %s", "x"), KindNotFound},
		{"validation", Validationf("bad"), KindValidation},
		{"conflict", Conflictf("taken"), KindConflict},
		{"consistency", Consistencyf("two"), KindConsistency},
		{"plain error", io.ErrUnexpectedEOF, KindStorage},
		{"wrapped typed", errors.Wrap(NotFoundf("gone"), "resolve"), KindNotFound},
		{"fmt wrapped typed", fmt.Errorf("ctx: %w", Validationf("bad")), KindValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestStorageErrorKeepsKind(t *testing.T) {
	assert.NoError(t, StorageError(nil, "write"))

	err := StorageError(io.ErrClosedPipe, "write blob")
	assert.Equal(t, KindStorage, KindOf(err))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	assert.Contains(t, err.Error(), "write blob")

	err = StorageError(Validationf("too large"), "write blob")
	assert.Equal(t, KindValidation, KindOf(err))
	assert.True(t, IsNotFound(StorageError(NotFoundf("blob"), "open")))
	assert.True(t, IsConflict(StorageError(Conflictf("v2"), "insert")))
}

func TestPublic(t *testing.T) {
	assert.Equal(t, "file abc not found", Public(NotFoundf("file %s not found", "abc")))
	assert.Equal(t, "bad version", Public(errors.Wrap(Validationf("bad version"), "parse")))

	for _, err := range []error{
		StorageError(errors.New("dial tcp 10.0.0.1:5432: connection refused"), "query"),
		Consistencyf("duplicate version 3"),
		errors.New("boom"),
	} {
		msg := Public(err)
		require.Equal(t, "An internal error occurred", msg)
	}
}
