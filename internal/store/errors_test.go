package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEntityNotFoundErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"generic error", errors.New("some error"), false},
		{"ErrNotFound", ErrNotFound, true},
		{"task", ErrTaskNotFound, true},
		{"pipeline", ErrPipelineNotFound, true},
		{"dataset", ErrDatasetNotFound, true},
		{"wrapped job", fmt.Errorf("get: %w", ErrJobNotFound), true},
		{"job state", ErrStateNotFound, true},
		{"duplicate", ErrDuplicate, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, errors.Is(tt.err, ErrNotFound))
		})
	}
}

func TestEntityNotFoundMessages(t *testing.T) {
	assert.Equal(t, "entity not found: job", ErrJobNotFound.Error())
	assert.NotErrorIs(t, ErrTaskNotFound, ErrPipelineNotFound)
}
