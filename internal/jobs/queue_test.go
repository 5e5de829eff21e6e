package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/discover-tasks/internal/domain"
)

func TestJobQueue(t *testing.T) {
	t.Parallel()
	q := NewJobQueue(2, testLogger())

	require.NoError(t, q.Enqueue(NewJob("a", domain.StartRequest{})))
	require.NoError(t, q.Enqueue(NewJob("a", domain.StartRequest{})))
	assert.ErrorIs(t, q.Enqueue(NewJob("a", domain.StartRequest{})), ErrQueueFull)
	assert.Equal(t, 2, q.Len())

	q.Close()
	q.Close()
	assert.ErrorIs(t, q.Enqueue(NewJob("a", domain.StartRequest{})), ErrQueueClosed)

	drained := 0
	for range q.Channel() {
		drained++
	}
	assert.Equal(t, 2, drained)
}
