package room

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Store is the authoritative in-memory model of rooms, players, stories and
// votes. All mutations for a given room are serialized through the room
// entry's mutex so validate-then-apply is atomic per intent; different rooms
// proceed fully in parallel.
type Store struct {
	mu    sync.RWMutex
	rooms map[string]*roomEntry

	alloc    *Allocator
	sessions *SessionTracker
	clock    clockwork.Clock
	grace    time.Duration
}

type roomEntry struct {
	mu          sync.Mutex
	room        *Room
	graceTimer  clockwork.Timer
	graceCancel chan struct{}
	dead        bool
}

// NewStore creates a store backed by the given allocator and session
// tracker. grace bounds how long an empty room survives before its state is
// dropped and its code released.
func NewStore(alloc *Allocator, sessions *SessionTracker, clock clockwork.Clock, grace time.Duration) *Store {
	return &Store{
		rooms:    make(map[string]*roomEntry),
		alloc:    alloc,
		sessions: sessions,
		clock:    clock,
		grace:    grace,
	}
}

// Clock returns the store's clock, shared with the state machine for
// timestamps on created entities.
func (s *Store) Clock() clockwork.Clock {
	return s.clock
}

// Create allocates a code and registers a new empty room. The empty-room
// grace timer starts immediately; the room survives only if someone joins
// within the window.
func (s *Store) Create(name string) (*Room, error) {
	id, err := s.alloc.Allocate()
	if err != nil {
		return nil, err
	}

	r := &Room{
		ID:        id,
		Name:      name,
		CreatedAt: s.clock.Now(),
	}
	e := &roomEntry{room: r}

	s.mu.Lock()
	s.rooms[id] = e
	s.mu.Unlock()

	e.mu.Lock()
	s.scheduleGraceLocked(e)
	snapshot := r.Clone()
	e.mu.Unlock()

	log.Info().Str("room_id", id).Str("name", name).Msg("room created")
	return snapshot, nil
}

// Update runs fn against the room under the room's mutex. If fn returns an
// error nothing is retained and the error is passed through; on success a
// deep-copied snapshot of the post-mutation room is returned. The empty-room
// grace timer is rescheduled or cancelled according to the resulting player
// count.
func (s *Store) Update(roomID string, fn func(*Room) error) (*Room, error) {
	e, ok := s.entry(roomID)
	if !ok {
		return nil, ErrRoomNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return nil, ErrRoomNotFound
	}

	if err := fn(e.room); err != nil {
		return nil, err
	}

	if len(e.room.Players) == 0 {
		s.scheduleGraceLocked(e)
	} else {
		s.cancelGraceLocked(e)
	}
	return e.room.Clone(), nil
}

// Snapshot returns a deep copy of the current room state. Read-only and
// side-effect-free; this is the ROOM_SYNC backing call.
func (s *Store) Snapshot(roomID string) (*Room, error) {
	e, ok := s.entry(roomID)
	if !ok {
		return nil, ErrRoomNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return nil, ErrRoomNotFound
	}
	return e.room.Clone(), nil
}

// Exists reports whether the room is currently registered
func (s *Store) Exists(roomID string) bool {
	_, ok := s.entry(roomID)
	return ok
}

func (s *Store) entry(roomID string) (*roomEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.rooms[roomID]
	return e, ok
}

// scheduleGraceLocked arms the empty-room destruction timer. Caller holds
// the entry mutex. One-shot timer fed back through reapIfEmpty, after the
// timer-as-message pattern used for pick deadlines upstream.
func (s *Store) scheduleGraceLocked(e *roomEntry) {
	if e.graceTimer != nil {
		return
	}
	roomID := e.room.ID
	timer := s.clock.NewTimer(s.grace)
	cancel := make(chan struct{})
	e.graceTimer = timer
	e.graceCancel = cancel
	go func() {
		select {
		case <-timer.Chan():
			s.reapIfEmpty(roomID)
		case <-cancel:
		}
	}()
	log.Debug().Str("room_id", roomID).Dur("grace", s.grace).Msg("empty room grace timer armed")
}

func (s *Store) cancelGraceLocked(e *roomEntry) {
	if e.graceTimer == nil {
		return
	}
	e.graceTimer.Stop()
	close(e.graceCancel)
	e.graceTimer = nil
	e.graceCancel = nil
}

// reapIfEmpty destroys the room if it is still empty when the grace timer
// fires. A join that raced the timer wins: the room stays.
func (s *Store) reapIfEmpty(roomID string) {
	e, ok := s.entry(roomID)
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.room.Players) > 0 {
		e.graceTimer = nil
		e.graceCancel = nil
		return
	}
	e.graceTimer = nil
	e.graceCancel = nil
	e.dead = true

	// Registry removal happens under the entry mutex so a racing join either
	// lands before this point (and the room stays) or fails RoomNotFound.
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()

	s.alloc.Release(roomID)
	s.sessions.ForgetRoom(roomID)
	log.Info().Str("room_id", roomID).Msg("empty room destroyed, code released")
}
