package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/scrumdeck/scrumdeck/internal/room"
)

// Message is the wire envelope for every client/server frame
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MessageType enumerates the protocol vocabulary
type MessageType string

const (
	// Client → server intents
	TypeRoomCreate            MessageType = "ROOM_CREATE"
	TypeJoinRoom              MessageType = "JOIN_ROOM"
	TypeRejoinRoom            MessageType = "REJOIN_ROOM"
	TypeLeaveRoom             MessageType = "LEAVE_ROOM"
	TypePlayerKick            MessageType = "PLAYER_KICK"
	TypeStoryCreate           MessageType = "STORY_CREATE"
	TypeStoryImport           MessageType = "STORY_IMPORT"
	TypeStorySelect           MessageType = "STORY_SELECT"
	TypeStorySkip             MessageType = "STORY_SKIP"
	TypeStoryVote             MessageType = "STORY_VOTE"
	TypeStoryRevealVotes      MessageType = "STORY_REVEAL_VOTES"
	TypeStoryRestartVoting    MessageType = "STORY_RESTART_VOTING"
	TypeStorySetFinalPoint    MessageType = "STORY_SET_FINAL_POINT"
	TypeRoomTransferHost      MessageType = "ROOM_TRANSFER_HOST"
	TypeHostDelegate          MessageType = "HOST_DELEGATE" // compatibility synonym for ROOM_TRANSFER_HOST
	TypeRoomSync              MessageType = "ROOM_SYNC"
	TypeBacklogSettingsUpdate MessageType = "BACKLOG_SETTINGS_UPDATE"

	// Server → client
	TypeSocketID  MessageType = "SOCKET_ID"
	TypeRoomState MessageType = "ROOM_STATE"
	TypeError     MessageType = "ERROR"
)

// RoomCreatePayload creates a new room
type RoomCreatePayload struct {
	Name string `json:"name"`
}

// JoinRoomPayload joins an existing room as a fresh participant
type JoinRoomPayload struct {
	RoomID    string `json:"roomId"`
	Nickname  string `json:"nickname"`
	Spectator bool   `json:"spectator,omitempty"`
}

// RejoinRoomPayload merges a reconnecting participant into its prior identity
type RejoinRoomPayload struct {
	RoomID            string `json:"roomId"`
	Nickname          string `json:"nickname"`
	PriorConnectionID string `json:"priorConnectionId,omitempty"`
}

// PlayerKickPayload removes a player, host-only. The same shape is echoed to
// the kicked connection before the forced close.
type PlayerKickPayload struct {
	TargetPlayerID string `json:"targetPlayerId"`
}

// StoryCreatePayload adds a story to the backlog
type StoryCreatePayload struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// StoryImportPayload adds a batch of stories with import metadata
type StoryImportPayload struct {
	Stories []room.StoryImport `json:"stories"`
}

// StorySelectPayload selects the current story
type StorySelectPayload struct {
	StoryID string `json:"storyId"`
}

// StorySkipPayload skips a story
type StorySkipPayload struct {
	StoryID string `json:"storyId"`
}

// StoryVotePayload casts or overwrites a vote
type StoryVotePayload struct {
	StoryID string         `json:"storyId"`
	Vote    room.VoteValue `json:"vote"`
}

// StoryRevealVotesPayload reveals all cast votes
type StoryRevealVotesPayload struct {
	StoryID string `json:"storyId"`
}

// StoryRestartVotingPayload clears votes and returns a story to voting
type StoryRestartVotingPayload struct {
	StoryID string `json:"storyId"`
}

// StorySetFinalPointPayload finalizes a revealed story
type StorySetFinalPointPayload struct {
	StoryID string         `json:"storyId"`
	Point   room.VoteValue `json:"point"`
}

// TransferHostPayload hands the host flag to another player
type TransferHostPayload struct {
	ToNickname string `json:"toNickname"`
}

// BacklogSettingsUpdatePayload replaces backlog display settings
type BacklogSettingsUpdatePayload struct {
	SortOption   string `json:"sortOption"`
	FilterOption string `json:"filterOption"`
}

// SocketIDPayload informs a client of its server-assigned connection id,
// which it presents on a future REJOIN_ROOM for session-continuity
// correlation
type SocketIDPayload struct {
	ConnectionID string `json:"connectionId"`
}

// RoomStatePayload carries the full authoritative room snapshot
type RoomStatePayload struct {
	Room *room.Room `json:"room"`
}

// ErrorPayload is a typed rejection delivered only to the originating
// connection
type ErrorPayload struct {
	Op      MessageType `json:"op"`
	Kind    string      `json:"kind"`
	Message string      `json:"message"`
}

// NewMessage builds a wire message with a marshaled payload
func NewMessage(msgType MessageType, payload interface{}) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
	}
	return Message{Type: msgType, Payload: data}, nil
}

// ErrUnknownMessageType marks a frame whose type is not part of the protocol.
// Unknown frames are dropped, never fatal.
type ErrUnknownMessageType struct {
	Type MessageType
}

func (e ErrUnknownMessageType) Error() string {
	return fmt.Sprintf("unknown message type %q", e.Type)
}

// DecodePayload parses a message's payload into the typed struct for its
// message type. Exhaustive over the protocol; unknown types come back as
// ErrUnknownMessageType so callers can drop them as a distinct case.
func DecodePayload(msg Message) (interface{}, error) {
	raw := msg.Payload
	if raw == nil {
		raw = json.RawMessage("{}")
	}

	switch msg.Type {
	case TypeRoomCreate:
		return decodeAs[RoomCreatePayload](msg.Type, raw)
	case TypeJoinRoom:
		return decodeAs[JoinRoomPayload](msg.Type, raw)
	case TypeRejoinRoom:
		return decodeAs[RejoinRoomPayload](msg.Type, raw)
	case TypeLeaveRoom:
		return struct{}{}, nil
	case TypePlayerKick:
		return decodeAs[PlayerKickPayload](msg.Type, raw)
	case TypeStoryCreate:
		return decodeAs[StoryCreatePayload](msg.Type, raw)
	case TypeStoryImport:
		return decodeAs[StoryImportPayload](msg.Type, raw)
	case TypeStorySelect:
		return decodeAs[StorySelectPayload](msg.Type, raw)
	case TypeStorySkip:
		return decodeAs[StorySkipPayload](msg.Type, raw)
	case TypeStoryVote:
		return decodeAs[StoryVotePayload](msg.Type, raw)
	case TypeStoryRevealVotes:
		return decodeAs[StoryRevealVotesPayload](msg.Type, raw)
	case TypeStoryRestartVoting:
		return decodeAs[StoryRestartVotingPayload](msg.Type, raw)
	case TypeStorySetFinalPoint:
		return decodeAs[StorySetFinalPointPayload](msg.Type, raw)
	case TypeRoomTransferHost, TypeHostDelegate:
		return decodeAs[TransferHostPayload](msg.Type, raw)
	case TypeRoomSync:
		return struct{}{}, nil
	case TypeBacklogSettingsUpdate:
		return decodeAs[BacklogSettingsUpdatePayload](msg.Type, raw)
	case TypeSocketID:
		return decodeAs[SocketIDPayload](msg.Type, raw)
	case TypeRoomState:
		return decodeAs[RoomStatePayload](msg.Type, raw)
	case TypeError:
		return decodeAs[ErrorPayload](msg.Type, raw)
	default:
		return nil, ErrUnknownMessageType{Type: msg.Type}
	}
}

func decodeAs[T any](msgType MessageType, raw json.RawMessage) (T, error) {
	var payload T
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("malformed %s payload: %w", msgType, err)
	}
	return payload, nil
}
