package core_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	healthmem "github.com/vitalchat/healthmem-go/pkg/core"
)

func TestErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{
			name:     "ErrNotFound",
			err:      healthmem.ErrNotFound,
			expected: "record not found",
		},
		{
			name:     "ErrInvalidConfig",
			err:      healthmem.ErrInvalidConfig,
			expected: "invalid configuration",
		},
		{
			name:     "ErrConnectionFailed",
			err:      healthmem.ErrConnectionFailed,
			expected: "connection failed",
		},
		{
			name:     "ErrEmbeddingFailed",
			err:      healthmem.ErrEmbeddingFailed,
			expected: "embedding generation failed",
		},
		{
			name:     "ErrInvalidInput",
			err:      healthmem.ErrInvalidInput,
			expected: "invalid input",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestMemoryError(t *testing.T) {
	originalErr := errors.New("original error")
	memErr := healthmem.NewMemoryError("Retrieve", originalErr)

	assert.Equal(t, "healthmem: Retrieve: original error", memErr.Error())
	assert.ErrorIs(t, memErr, originalErr)

	var typed *healthmem.MemoryError
	assert.ErrorAs(t, memErr, &typed)
	assert.Equal(t, "Retrieve", typed.Op)
}

func TestNewMemoryErrorNil(t *testing.T) {
	assert.NoError(t, healthmem.NewMemoryError("Retrieve", nil))
}

func TestPartialWriteError(t *testing.T) {
	tierErr := errors.New("store unreachable")
	err := &healthmem.PartialWriteError{
		Failed: []string{healthmem.TierEpisodic, healthmem.TierProcedural},
		Errs:   []error{tierErr, errors.New("another")},
	}

	assert.Contains(t, err.Error(), "episodic, procedural")
	assert.ErrorIs(t, err, tierErr)
}
