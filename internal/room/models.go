package room

import (
	"time"

	"github.com/google/uuid"
)

// StoryStatus represents the voting lifecycle state of a story
type StoryStatus string

const (
	StoryStatusPending  StoryStatus = "pending"
	StoryStatusVoting   StoryStatus = "voting"
	StoryStatusRevealed StoryStatus = "revealed"
	StoryStatusClosed   StoryStatus = "closed"
	StoryStatusSkipped  StoryStatus = "skipped"
)

// VoteValue is a card from the fixed estimation deck
type VoteValue string

const (
	VoteUnknown VoteValue = "?"
	VoteBreak   VoteValue = "coffee"
)

// voteDeck is the closed set of accepted vote values
var voteDeck = map[VoteValue]struct{}{
	"0": {}, "1": {}, "2": {}, "3": {}, "5": {}, "8": {},
	"13": {}, "20": {}, "40": {}, "100": {},
	VoteUnknown: {}, VoteBreak: {},
}

// Valid reports whether v is a member of the estimation deck
func (v VoteValue) Valid() bool {
	_, ok := voteDeck[v]
	return ok
}

// Player represents a participant in a room. The ID is stable across
// reconnects for the same logical participant; ConnectionID is empty while
// the player is disconnected.
type Player struct {
	ID           uuid.UUID `json:"id"`
	Nickname     string    `json:"nickname"`
	ConnectionID string    `json:"connection_id,omitempty"`
	IsHost       bool      `json:"is_host"`
	IsSpectator  bool      `json:"is_spectator"`
	JoinedAt     time.Time `json:"joined_at"`
}

// Connected reports whether the player currently has a live connection
func (p *Player) Connected() bool {
	return p.ConnectionID != ""
}

// StoryImport describes one story in a batch import request
type StoryImport struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Source      string `json:"source,omitempty"`
	ExternalKey string `json:"external_key,omitempty"`
}

// Story is a unit of work being estimated
type Story struct {
	ID          uuid.UUID               `json:"id"`
	Title       string                  `json:"title"`
	Description string                  `json:"description,omitempty"`
	Status      StoryStatus             `json:"status"`
	Votes       map[uuid.UUID]VoteValue `json:"votes"`
	FinalPoint  *VoteValue              `json:"final_point,omitempty"`
	Source      string                  `json:"source,omitempty"`
	ExternalKey string                  `json:"external_key,omitempty"`
	CreatedAt   time.Time               `json:"created_at"`
}

// BacklogSettings holds the room-wide backlog display preferences
type BacklogSettings struct {
	SortOption   string `json:"sort_option"`
	FilterOption string `json:"filter_option"`
}

// Room is a single planning session. Players are kept in join order because
// host reassignment on leave promotes the next player by join order.
type Room struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Players        []*Player       `json:"players"`
	Stories        []*Story        `json:"stories"`
	CurrentStoryID *uuid.UUID      `json:"current_story_id,omitempty"`
	Backlog        BacklogSettings `json:"backlog"`
	CreatedAt      time.Time       `json:"created_at"`
}

// PlayerByID returns the player with the given id, or nil
func (r *Room) PlayerByID(id uuid.UUID) *Player {
	for _, p := range r.Players {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// PlayerByNickname returns the player with the given nickname (exact,
// case-sensitive match), or nil
func (r *Room) PlayerByNickname(nickname string) *Player {
	for _, p := range r.Players {
		if p.Nickname == nickname {
			return p
		}
	}
	return nil
}

// PlayerByConnection returns the player bound to the given connection id, or nil
func (r *Room) PlayerByConnection(connID string) *Player {
	if connID == "" {
		return nil
	}
	for _, p := range r.Players {
		if p.ConnectionID == connID {
			return p
		}
	}
	return nil
}

// Host returns the current host, or nil while the room is empty
func (r *Room) Host() *Player {
	for _, p := range r.Players {
		if p.IsHost {
			return p
		}
	}
	return nil
}

// StoryByID returns the story with the given id, or nil
func (r *Room) StoryByID(id uuid.UUID) *Story {
	for _, s := range r.Stories {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Clone returns a deep copy of the room. Snapshots handed to broadcasts and
// callers are always clones so no one can mutate the store's copy.
func (r *Room) Clone() *Room {
	c := &Room{
		ID:        r.ID,
		Name:      r.Name,
		Players:   make([]*Player, len(r.Players)),
		Stories:   make([]*Story, len(r.Stories)),
		Backlog:   r.Backlog,
		CreatedAt: r.CreatedAt,
	}
	for i, p := range r.Players {
		pc := *p
		c.Players[i] = &pc
	}
	for i, s := range r.Stories {
		sc := *s
		sc.Votes = make(map[uuid.UUID]VoteValue, len(s.Votes))
		for k, v := range s.Votes {
			sc.Votes[k] = v
		}
		if s.FinalPoint != nil {
			fp := *s.FinalPoint
			sc.FinalPoint = &fp
		}
		c.Stories[i] = &sc
	}
	if r.CurrentStoryID != nil {
		id := *r.CurrentStoryID
		c.CurrentStoryID = &id
	}
	return c
}
