package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DerivesClassification(t *testing.T) {
	tests := []struct {
		code      string
		category  Category
		retryable bool
	}{
		{ErrCodeConfigInvalid, CategoryConfig, false},
		{ErrCodeStorageTimeout, CategoryStorage, true},
		{ErrCodeEmbeddingFailed, CategoryEmbedder, true},
		{ErrCodeParseEmpty, CategoryValidation, false},
		{ErrCodeScoringFailed, CategoryInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := New(tt.code, "boom", nil)
			assert.Equal(t, tt.category, err.Category)
			assert.Equal(t, tt.retryable, err.Retryable)
			assert.Contains(t, err.Error(), tt.code)
		})
	}
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := stderrors.New("disk full")
	err := Wrap(ErrCodeStorageUnavailable, cause)

	require.NotNil(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ErrCodeStorageUnavailable, GetCode(err))

	assert.Nil(t, Wrap(ErrCodeInternal, nil))
}

func TestIs_MatchesByCode(t *testing.T) {
	a := New(ErrCodeStorageTimeout, "read timed out", nil)
	wrapped := fmt.Errorf("stage 1: %w", a)

	assert.True(t, stderrors.Is(wrapped, New(ErrCodeStorageTimeout, "", nil)))
	assert.False(t, stderrors.Is(wrapped, New(ErrCodeStorageUnavailable, "", nil)))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(ErrCodeEmbedderUnavailable, "down", nil)))
	assert.False(t, IsRetryable(New(ErrCodeUnsupportedFormat, "exe", nil)))
	assert.False(t, IsRetryable(stderrors.New("plain")))
	assert.False(t, IsRetryable(nil))
}

func TestWithDetail(t *testing.T) {
	err := New(ErrCodeFileTooLarge, "too big", nil).
		WithDetail("filename", "huge.pdf").
		WithDetail("size_mb", "512")

	assert.Equal(t, "huge.pdf", err.Details["filename"])
	assert.Equal(t, "512", err.Details["size_mb"])
}
