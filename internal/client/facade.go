package client

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/scrumdeck/scrumdeck/internal/gateway"
	"github.com/scrumdeck/scrumdeck/internal/room"
)

// Session is the collaborator-facing surface over a connection manager. Each
// imperative call maps 1:1 onto a protocol message and reports
// success/failure without exposing wire details. Consumers observe room
// changes through OnRoomChanged; snapshots are applied as-is because the
// server is the single source of truth.
type Session struct {
	mgr *Manager

	mu          sync.Mutex
	roomID      string
	nickname    string
	connID      string
	priorConn   string
	pendingJoin bool
	joined      bool
	onRoom      func(*room.Room)
	onKicked    func()
}

// NewSession wraps a connection manager and wires the protocol handlers,
// including session-continuity: the server-assigned connection id is kept so
// a reconnect can present it on REJOIN_ROOM and merge back into the same
// player identity.
func NewSession(mgr *Manager) *Session {
	s := &Session{mgr: mgr}

	mgr.RegisterHandler(gateway.TypeSocketID, s.handleSocketID)
	mgr.RegisterHandler(gateway.TypeRoomState, s.handleRoomState)
	mgr.RegisterHandler(gateway.TypePlayerKick, s.handleKicked)
	mgr.RegisterHandler(gateway.TypeError, s.handleError)
	return s
}

// OnRoomChanged registers the read-only room snapshot subscription
func (s *Session) OnRoomChanged(fn func(*room.Room)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRoom = fn
}

// OnKicked registers a callback fired when the server kicks this player
func (s *Session) OnKicked(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onKicked = fn
}

// CreateRoom asks the server to create a room; the created snapshot arrives
// through OnRoomChanged
func (s *Session) CreateRoom(name string) error {
	return s.send(gateway.TypeRoomCreate, gateway.RoomCreatePayload{Name: name})
}

// JoinRoom joins a room as a fresh participant. The session counts as joined
// only once the server's accepting snapshot arrives; a rejected join never
// leads to a rejoin attempt on a later reconnect.
func (s *Session) JoinRoom(roomID, nickname string) error {
	if err := s.send(gateway.TypeJoinRoom, gateway.JoinRoomPayload{
		RoomID:   roomID,
		Nickname: nickname,
	}); err != nil {
		return err
	}
	s.mu.Lock()
	s.roomID = roomID
	s.nickname = nickname
	s.pendingJoin = true
	s.joined = false
	s.mu.Unlock()
	return nil
}

// LeaveRoom leaves the current room
func (s *Session) LeaveRoom() error {
	if err := s.send(gateway.TypeLeaveRoom, struct{}{}); err != nil {
		return err
	}
	s.mu.Lock()
	s.joined = false
	s.pendingJoin = false
	s.roomID = ""
	s.nickname = ""
	s.mu.Unlock()
	return nil
}

// Vote casts or overwrites this player's vote on a story
func (s *Session) Vote(storyID string, value room.VoteValue) error {
	return s.send(gateway.TypeStoryVote, gateway.StoryVotePayload{StoryID: storyID, Vote: value})
}

// RevealVotes reveals all cast votes on a story
func (s *Session) RevealVotes(storyID string) error {
	return s.send(gateway.TypeStoryRevealVotes, gateway.StoryRevealVotesPayload{StoryID: storyID})
}

// RestartVoting clears votes and returns the story to voting
func (s *Session) RestartVoting(storyID string) error {
	return s.send(gateway.TypeStoryRestartVoting, gateway.StoryRestartVotingPayload{StoryID: storyID})
}

// SetFinalPoint finalizes a revealed story (host only)
func (s *Session) SetFinalPoint(storyID string, point room.VoteValue) error {
	return s.send(gateway.TypeStorySetFinalPoint, gateway.StorySetFinalPointPayload{StoryID: storyID, Point: point})
}

// TransferHost hands the host flag to another player (host only)
func (s *Session) TransferHost(toNickname string) error {
	return s.send(gateway.TypeRoomTransferHost, gateway.TransferHostPayload{ToNickname: toNickname})
}

// CreateStory adds a story to the room backlog
func (s *Session) CreateStory(title, description string) error {
	return s.send(gateway.TypeStoryCreate, gateway.StoryCreatePayload{Title: title, Description: description})
}

// ImportStories adds a batch of stories with import metadata
func (s *Session) ImportStories(stories []room.StoryImport) error {
	return s.send(gateway.TypeStoryImport, gateway.StoryImportPayload{Stories: stories})
}

// SelectStory makes a story the room's current story
func (s *Session) SelectStory(storyID string) error {
	return s.send(gateway.TypeStorySelect, gateway.StorySelectPayload{StoryID: storyID})
}

// SkipStory marks a story skipped
func (s *Session) SkipStory(storyID string) error {
	return s.send(gateway.TypeStorySkip, gateway.StorySkipPayload{StoryID: storyID})
}

// KickPlayer removes a player from the room (host only)
func (s *Session) KickPlayer(targetPlayerID string) error {
	return s.send(gateway.TypePlayerKick, gateway.PlayerKickPayload{TargetPlayerID: targetPlayerID})
}

// UpdateBacklogSettings replaces the room's backlog display settings
func (s *Session) UpdateBacklogSettings(sortOption, filterOption string) error {
	return s.send(gateway.TypeBacklogSettingsUpdate, gateway.BacklogSettingsUpdatePayload{
		SortOption:   sortOption,
		FilterOption: filterOption,
	})
}

// SyncRoom requests the full current room snapshot, repairing any drift
func (s *Session) SyncRoom() error {
	return s.send(gateway.TypeRoomSync, struct{}{})
}

// ConnectionID returns the server-assigned id of the current connection
func (s *Session) ConnectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connID
}

func (s *Session) send(msgType gateway.MessageType, payload interface{}) error {
	msg, err := gateway.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	return s.mgr.Send(msg)
}

// handleSocketID records the server-assigned connection id. When a new id
// arrives on a session that had already joined, the transport was replaced
// underneath us, so a rejoin presenting the prior id is sent to merge back
// into the existing player.
func (s *Session) handleSocketID(msg gateway.Message) {
	payload, err := gateway.DecodePayload(msg)
	if err != nil {
		return
	}
	p := payload.(gateway.SocketIDPayload)

	s.mu.Lock()
	rejoin := false
	if s.connID != "" && s.connID != p.ConnectionID {
		s.priorConn = s.connID
		rejoin = s.joined
	}
	s.connID = p.ConnectionID
	roomID, nickname, prior := s.roomID, s.nickname, s.priorConn
	s.mu.Unlock()

	if rejoin {
		if err := s.send(gateway.TypeRejoinRoom, gateway.RejoinRoomPayload{
			RoomID:            roomID,
			Nickname:          nickname,
			PriorConnectionID: prior,
		}); err != nil {
			log.Warn().Err(err).Str("room_id", roomID).Msg("failed to send rejoin")
		}
	}
}

func (s *Session) handleRoomState(msg gateway.Message) {
	payload, err := gateway.DecodePayload(msg)
	if err != nil {
		log.Warn().Err(err).Msg("dropping malformed room state")
		return
	}
	p := payload.(gateway.RoomStatePayload)
	if p.Room == nil {
		return
	}

	s.mu.Lock()
	if s.roomID == "" {
		// Snapshot for a room we have not joined yet (ROOM_CREATE reply)
		s.roomID = p.Room.ID
	}
	if s.pendingJoin && p.Room.ID == s.roomID {
		// The server accepted our join
		s.pendingJoin = false
		s.joined = true
	}
	fn := s.onRoom
	s.mu.Unlock()

	if fn != nil {
		fn(p.Room)
	}
}

func (s *Session) handleKicked(msg gateway.Message) {
	s.mu.Lock()
	s.joined = false
	s.pendingJoin = false
	s.roomID = ""
	s.nickname = ""
	fn := s.onKicked
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *Session) handleError(msg gateway.Message) {
	payload, err := gateway.DecodePayload(msg)
	if err != nil {
		return
	}
	p := payload.(gateway.ErrorPayload)

	s.mu.Lock()
	switch p.Op {
	case gateway.TypeJoinRoom:
		if s.pendingJoin {
			s.pendingJoin = false
			s.roomID = ""
			s.nickname = ""
		}
	case gateway.TypeRejoinRoom:
		s.joined = false
	}
	s.mu.Unlock()

	log.Debug().
		Str("op", string(p.Op)).
		Str("kind", p.Kind).
		Str("message", p.Message).
		Msg("server rejected intent")
}
