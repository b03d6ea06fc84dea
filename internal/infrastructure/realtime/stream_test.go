package realtime

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamDropsOldest(t *testing.T) {
	s := NewStream[int](2, nil)
	for i := 1; i <= 5; i++ {
		require.True(t, s.Publish(i))
	}
	assert.Equal(t, 4, (<-s.Updates()).Docs)
	assert.Equal(t, 5, (<-s.Updates()).Docs)
}

func TestStreamCloseIdempotent(t *testing.T) {
	calls := 0
	s := NewStream[string](1, func() { calls++ })
	require.True(t, s.Fail(errors.New("boom")))
	s.Close()
	s.Close()

	assert.Equal(t, 1, calls)
	assert.True(t, s.Closed())
	assert.False(t, s.Publish("late"))

	snap, ok := <-s.Updates()
	require.True(t, ok)
	assert.EqualError(t, snap.Err, "boom")
	_, ok = <-s.Updates()
	assert.False(t, ok)
}
