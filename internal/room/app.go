package room

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// App is the room state machine. Every operation is a validate-then-apply
// step against the store and returns either a deep-copied room snapshot or a
// typed rejection; rejections never leave partial state behind.
type App struct {
	store    *Store
	sessions *SessionTracker
}

// NewApp creates the state machine over a store and session tracker
func NewApp(store *Store, sessions *SessionTracker) *App {
	return &App{
		store:    store,
		sessions: sessions,
	}
}

// CreateRoom registers a new room with zero players. Host is assigned to
// whoever joins first.
func (a *App) CreateRoom(name string) (*Room, error) {
	return a.store.Create(name)
}

// Snapshot returns the full current room state. Side-effect-free; backs the
// ROOM_SYNC drift-repair request.
func (a *App) Snapshot(roomID string) (*Room, error) {
	return a.store.Snapshot(roomID)
}

// Join adds a new player to the room. The first joiner becomes host.
// Nickname uniqueness is an exact, case-sensitive match against the room's
// current player set.
func (a *App) Join(roomID, nickname, connectionID string, spectator bool) (*Room, *Player, error) {
	var joined Player
	snapshot, err := a.store.Update(roomID, func(r *Room) error {
		if r.PlayerByNickname(nickname) != nil {
			return ErrNicknameTaken
		}
		p := &Player{
			ID:           uuid.New(),
			Nickname:     nickname,
			ConnectionID: connectionID,
			IsHost:       len(r.Players) == 0,
			IsSpectator:  spectator,
			JoinedAt:     a.store.Clock().Now(),
		}
		r.Players = append(r.Players, p)
		joined = *p
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	a.sessions.Record(roomID, nickname, connectionID)
	log.Info().
		Str("room_id", roomID).
		Str("player_id", joined.ID.String()).
		Str("nickname", nickname).
		Bool("is_host", joined.IsHost).
		Msg("player joined")
	return snapshot, &joined, nil
}

// Rejoin merges a reconnecting participant back into its existing player.
// The merge is accepted only when the nickname resolves to an existing
// player whose connection is dead, or when the supplied prior connection id
// matches the tracker's last record; anything else is a colliding nickname,
// not a reconnect.
func (a *App) Rejoin(roomID, nickname, priorConnectionID, connectionID string) (*Room, *Player, error) {
	lastConn, tracked := a.sessions.Resolve(roomID, nickname)

	var merged Player
	snapshot, err := a.store.Update(roomID, func(r *Room) error {
		p := r.PlayerByNickname(nickname)
		if p == nil {
			return ErrPlayerNotFound
		}
		if p.Connected() && !(tracked && priorConnectionID != "" && priorConnectionID == lastConn) {
			return ErrNicknameTaken
		}
		p.ConnectionID = connectionID
		merged = *p
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	a.sessions.Record(roomID, nickname, connectionID)
	log.Info().
		Str("room_id", roomID).
		Str("player_id", merged.ID.String()).
		Str("nickname", nickname).
		Msg("player rejoined, connection merged")
	return snapshot, &merged, nil
}

// Leave removes the player from the room. If the departing player held host,
// host moves to the next player by join order; an emptied room enters the
// grace period handled by the store.
func (a *App) Leave(roomID string, playerID uuid.UUID) (*Room, error) {
	var nickname string
	snapshot, err := a.store.Update(roomID, func(r *Room) error {
		idx := -1
		for i, p := range r.Players {
			if p.ID == playerID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return ErrPlayerNotFound
		}
		leaving := r.Players[idx]
		nickname = leaving.Nickname
		r.Players = append(r.Players[:idx], r.Players[idx+1:]...)
		if leaving.IsHost && len(r.Players) > 0 {
			r.Players[0].IsHost = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.sessions.Forget(roomID, nickname)
	log.Info().Str("room_id", roomID).Str("player_id", playerID.String()).Msg("player left")
	return snapshot, nil
}

// MarkDisconnected clears the connection reference of whichever player owns
// the given connection. The player stays in the room so a later rejoin can
// merge back into the same identity.
func (a *App) MarkDisconnected(roomID, connectionID string) (*Room, error) {
	return a.store.Update(roomID, func(r *Room) error {
		p := r.PlayerByConnection(connectionID)
		if p == nil {
			return ErrPlayerNotFound
		}
		p.ConnectionID = ""
		log.Debug().
			Str("room_id", roomID).
			Str("player_id", p.ID.String()).
			Msg("player marked disconnected")
		return nil
	})
}

// CreateStory appends a new pending story to the room backlog
func (a *App) CreateStory(roomID, title, description string) (*Room, *Story, error) {
	var created Story
	snapshot, err := a.store.Update(roomID, func(r *Room) error {
		s := &Story{
			ID:          uuid.New(),
			Title:       title,
			Description: description,
			Status:      StoryStatusPending,
			Votes:       make(map[uuid.UUID]VoteValue),
			CreatedAt:   a.store.Clock().Now(),
		}
		r.Stories = append(r.Stories, s)
		created = *s
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return snapshot, &created, nil
}

// ImportStories appends a batch of pending stories carrying their import
// metadata, preserving the order of the batch.
func (a *App) ImportStories(roomID string, imports []StoryImport) (*Room, error) {
	return a.store.Update(roomID, func(r *Room) error {
		now := a.store.Clock().Now()
		for _, imp := range imports {
			r.Stories = append(r.Stories, &Story{
				ID:          uuid.New(),
				Title:       imp.Title,
				Description: imp.Description,
				Status:      StoryStatusPending,
				Votes:       make(map[uuid.UUID]VoteValue),
				Source:      imp.Source,
				ExternalKey: imp.ExternalKey,
				CreatedAt:   now,
			})
		}
		return nil
	})
}

// SelectStory sets the room's current story. A pending story transitions to
// voting; selecting a story that is already voting or revealed is idempotent.
func (a *App) SelectStory(roomID string, storyID uuid.UUID) (*Room, error) {
	return a.store.Update(roomID, func(r *Room) error {
		s := r.StoryByID(storyID)
		if s == nil {
			return ErrStoryNotFound
		}
		id := storyID
		r.CurrentStoryID = &id
		if s.Status == StoryStatusPending {
			s.Status = StoryStatusVoting
		}
		return nil
	})
}

// CastVote records a player's vote on a story. Allowed only while the story
// is voting; a later vote by the same player overwrites the earlier one.
func (a *App) CastVote(roomID string, storyID, playerID uuid.UUID, value VoteValue) (*Room, error) {
	return a.store.Update(roomID, func(r *Room) error {
		p := r.PlayerByID(playerID)
		if p == nil {
			return ErrPlayerNotFound
		}
		if p.IsSpectator {
			return ErrSpectatorCannotVote
		}
		if !value.Valid() {
			return ErrInvalidVote
		}
		s := r.StoryByID(storyID)
		if s == nil {
			return ErrStoryNotFound
		}
		if s.Status != StoryStatusVoting {
			return ErrInvalidTransition
		}
		s.Votes[playerID] = value
		return nil
	})
}

// RevealVotes transitions a story from voting to revealed. No further votes
// are accepted once revealed.
func (a *App) RevealVotes(roomID string, storyID uuid.UUID) (*Room, error) {
	return a.store.Update(roomID, func(r *Room) error {
		s := r.StoryByID(storyID)
		if s == nil {
			return ErrStoryNotFound
		}
		if s.Status != StoryStatusVoting {
			return ErrInvalidTransition
		}
		s.Status = StoryStatusRevealed
		return nil
	})
}

// RestartVoting returns a story to a clean voting state. Allowed from voting
// or revealed; the votes map and any final point are always cleared.
func (a *App) RestartVoting(roomID string, storyID uuid.UUID) (*Room, error) {
	return a.store.Update(roomID, func(r *Room) error {
		s := r.StoryByID(storyID)
		if s == nil {
			return ErrStoryNotFound
		}
		if s.Status != StoryStatusVoting && s.Status != StoryStatusRevealed {
			return ErrInvalidTransition
		}
		s.Status = StoryStatusVoting
		s.Votes = make(map[uuid.UUID]VoteValue)
		s.FinalPoint = nil
		return nil
	})
}

// SetFinalPoint finalizes a revealed story. Host-only; setting the point
// closes the story.
func (a *App) SetFinalPoint(roomID string, storyID, playerID uuid.UUID, value VoteValue) (*Room, error) {
	return a.store.Update(roomID, func(r *Room) error {
		p := r.PlayerByID(playerID)
		if p == nil {
			return ErrPlayerNotFound
		}
		if !p.IsHost {
			return ErrNotHost
		}
		if !value.Valid() {
			return ErrInvalidVote
		}
		s := r.StoryByID(storyID)
		if s == nil {
			return ErrStoryNotFound
		}
		if s.Status != StoryStatusRevealed {
			return ErrInvalidTransition
		}
		fp := value
		s.FinalPoint = &fp
		s.Status = StoryStatusClosed
		return nil
	})
}

// SkipStory marks a story skipped. Allowed from pending or voting.
func (a *App) SkipStory(roomID string, storyID uuid.UUID) (*Room, error) {
	return a.store.Update(roomID, func(r *Room) error {
		s := r.StoryByID(storyID)
		if s == nil {
			return ErrStoryNotFound
		}
		if s.Status != StoryStatusPending && s.Status != StoryStatusVoting {
			return ErrInvalidTransition
		}
		s.Status = StoryStatusSkipped
		return nil
	})
}

// TransferHost moves the host flag from its current holder to the named
// player. The target must be a distinct, currently-connected player who is
// not already host.
func (a *App) TransferHost(roomID string, fromPlayerID uuid.UUID, toNickname string) (*Room, error) {
	return a.store.Update(roomID, func(r *Room) error {
		from := r.PlayerByID(fromPlayerID)
		if from == nil {
			return ErrPlayerNotFound
		}
		if !from.IsHost {
			return ErrNotHost
		}
		to := r.PlayerByNickname(toNickname)
		if to == nil || to.ID == from.ID || to.IsHost || !to.Connected() {
			return ErrIneligibleTarget
		}
		from.IsHost = false
		to.IsHost = true
		log.Info().
			Str("room_id", roomID).
			Str("from", from.Nickname).
			Str("to", to.Nickname).
			Msg("host transferred")
		return nil
	})
}

// Kick removes a player on the host's behalf. The removed player's
// connection id is returned so the gateway can force-close the socket.
func (a *App) Kick(roomID string, hostPlayerID, targetPlayerID uuid.UUID) (*Room, string, error) {
	var kickedConn string
	var kickedNickname string
	snapshot, err := a.store.Update(roomID, func(r *Room) error {
		host := r.PlayerByID(hostPlayerID)
		if host == nil {
			return ErrPlayerNotFound
		}
		if !host.IsHost {
			return ErrNotHost
		}
		idx := -1
		for i, p := range r.Players {
			if p.ID == targetPlayerID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return ErrPlayerNotFound
		}
		target := r.Players[idx]
		kickedConn = target.ConnectionID
		kickedNickname = target.Nickname
		r.Players = append(r.Players[:idx], r.Players[idx+1:]...)
		if target.IsHost && len(r.Players) > 0 {
			r.Players[0].IsHost = true
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	a.sessions.Forget(roomID, kickedNickname)
	log.Info().
		Str("room_id", roomID).
		Str("target_player_id", targetPlayerID.String()).
		Msg("player kicked")
	return snapshot, kickedConn, nil
}

// UpdateBacklogSettings replaces the room's backlog display settings
func (a *App) UpdateBacklogSettings(roomID, sortOption, filterOption string) (*Room, error) {
	return a.store.Update(roomID, func(r *Room) error {
		r.Backlog = BacklogSettings{
			SortOption:   sortOption,
			FilterOption: filterOption,
		}
		return nil
	})
}
