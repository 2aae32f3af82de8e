package room

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type sessionKey struct {
	roomID   string
	nickname string
}

type sessionRecord struct {
	connectionID string
	recordedAt   time.Time
}

// SessionTracker maps a (room, nickname) identity to its last-known
// connection so a rejoin after a drop can be merged into the existing player
// instead of creating a duplicate. Records are never broadcast.
type SessionTracker struct {
	mu      sync.Mutex
	records map[sessionKey]sessionRecord
	clock   clockwork.Clock
}

// NewSessionTracker creates an empty tracker
func NewSessionTracker(clock clockwork.Clock) *SessionTracker {
	return &SessionTracker{
		records: make(map[sessionKey]sessionRecord),
		clock:   clock,
	}
}

// Record stores the latest connection for a (room, nickname) identity
func (t *SessionTracker) Record(roomID, nickname, connectionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[sessionKey{roomID, nickname}] = sessionRecord{
		connectionID: connectionID,
		recordedAt:   t.clock.Now(),
	}
}

// Resolve returns the last recorded connection id for the identity
func (t *SessionTracker) Resolve(roomID, nickname string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[sessionKey{roomID, nickname}]
	if !ok {
		return "", false
	}
	return rec.connectionID, true
}

// Forget removes the record for one identity
func (t *SessionTracker) Forget(roomID, nickname string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, sessionKey{roomID, nickname})
}

// ForgetRoom removes every record belonging to a room, used when the room
// itself is destroyed
func (t *SessionTracker) ForgetRoom(roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.records {
		if k.roomID == roomID {
			delete(t.records, k)
		}
	}
}
