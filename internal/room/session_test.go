package room

import (
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestSessionTrackerRecordResolve(t *testing.T) {
	tracker := NewSessionTracker(clockwork.NewFakeClock())

	_, ok := tracker.Resolve("abc123", "Alice")
	assert.False(t, ok)

	tracker.Record("abc123", "Alice", "conn-1")
	conn, ok := tracker.Resolve("abc123", "Alice")
	assert.True(t, ok)
	assert.Equal(t, "conn-1", conn)

	// Last write wins
	tracker.Record("abc123", "Alice", "conn-2")
	conn, _ = tracker.Resolve("abc123", "Alice")
	assert.Equal(t, "conn-2", conn)
}

func TestSessionTrackerForget(t *testing.T) {
	tracker := NewSessionTracker(clockwork.NewFakeClock())

	tracker.Record("abc123", "Alice", "conn-1")
	tracker.Forget("abc123", "Alice")

	_, ok := tracker.Resolve("abc123", "Alice")
	assert.False(t, ok)

	// Forgetting an unknown identity is a no-op
	tracker.Forget("abc123", "Nobody")
}

func TestSessionTrackerForgetRoom(t *testing.T) {
	tracker := NewSessionTracker(clockwork.NewFakeClock())

	tracker.Record("abc123", "Alice", "conn-1")
	tracker.Record("abc123", "Bob", "conn-2")
	tracker.Record("def456", "Alice", "conn-3")

	tracker.ForgetRoom("abc123")

	_, ok := tracker.Resolve("abc123", "Alice")
	assert.False(t, ok)
	_, ok = tracker.Resolve("abc123", "Bob")
	assert.False(t, ok)

	conn, ok := tracker.Resolve("def456", "Alice")
	assert.True(t, ok)
	assert.Equal(t, "conn-3", conn)
}
