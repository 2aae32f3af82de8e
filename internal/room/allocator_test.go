package room

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var codePattern = regexp.MustCompile(`^[0-9a-f]{6}$`)

func TestAllocatorIssuesDistinctCodes(t *testing.T) {
	a := NewAllocator()

	const n = 500
	seen := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		id, err := a.Allocate()
		require.NoError(t, err)
		assert.Regexp(t, codePattern, id)

		_, dup := seen[id]
		require.False(t, dup, "allocator issued duplicate code %q", id)
		seen[id] = struct{}{}
	}
	assert.Equal(t, n, a.Count())
}

func TestAllocatorReleaseMakesCodeAvailable(t *testing.T) {
	a := NewAllocator()

	id, err := a.Allocate()
	require.NoError(t, err)
	assert.True(t, a.IsAllocated(id))

	a.Release(id)
	assert.False(t, a.IsAllocated(id))
	assert.Equal(t, 0, a.Count())
}

func TestAllocatorReleaseUnknownCodeIsNoop(t *testing.T) {
	a := NewAllocator()

	id, err := a.Allocate()
	require.NoError(t, err)

	a.Release("ffffff")
	a.Release("ffffff")
	assert.True(t, a.IsAllocated(id))
	assert.Equal(t, 1, a.Count())
}

func TestAllocatorNeverReissuesLiveCode(t *testing.T) {
	a := NewAllocator()

	live, err := a.Allocate()
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		id, err := a.Allocate()
		require.NoError(t, err)
		require.NotEqual(t, live, id)
	}
}
