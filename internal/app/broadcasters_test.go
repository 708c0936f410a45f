package app

import (
	"testing"

	"github.com/dkeye/callserver/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcasterSet(t *testing.T) {
	s := NewBroadcasterSet(2)
	require.NoError(t, s.Add("a"))
	require.NoError(t, s.Add("a"))
	require.NoError(t, s.Add("b"))
	assert.True(t, s.Full())

	err := s.Add("c")
	assert.Equal(t, domain.CodeBroadcastersLimitExceeded, domain.CodeOf(err))
	assert.Equal(t, []string{"a", "b"}, s.IDs())

	assert.True(t, s.Remove("a"))
	assert.False(t, s.Remove("a"))
	require.NoError(t, s.Add("c"))
	assert.Equal(t, []string{"b", "c"}, s.IDs())
}

func TestBroadcasterSetLoweredCapacityKeepsMembers(t *testing.T) {
	s := NewBroadcasterSet(3)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Add(id))
	}
	s.SetCapacity(1)
	assert.Equal(t, 3, s.Len())
	assert.Error(t, s.Add("d"))

	s.Remove("a")
	s.Remove("b")
	assert.Error(t, s.Add("d"))
	s.Remove("c")
	require.NoError(t, s.Add("d"))
	assert.Equal(t, 1, s.Cap())
}

func TestBroadcasterSetZeroCapacity(t *testing.T) {
	s := NewBroadcasterSet(0)
	assert.True(t, s.Full())
	assert.Error(t, s.Add("a"))
	s.Clear()
	assert.Empty(t, s.IDs())
}

func TestHandSet(t *testing.T) {
	var h handSet
	assert.True(t, h.raise("a"))
	assert.False(t, h.raise("a"))
	assert.True(t, h.raise("b"))
	assert.Equal(t, []string{"a", "b"}, h.list())
	assert.True(t, h.has("a"))

	assert.True(t, h.lower("a"))
	assert.False(t, h.lower("a"))
	assert.Equal(t, []string{"b"}, h.list())
}
