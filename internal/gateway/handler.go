package gateway

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/scrumdeck/scrumdeck/internal/room"
)

// Sender is what the handler needs from the connection manager to deliver
// replies, broadcasts and forced closes
type Sender interface {
	SendTo(connID string, msg Message)
	BroadcastToRoom(roomID string, msg Message)
	Associate(conn *Connection, roomID string, playerID uuid.UUID)
	Dissociate(conn *Connection)
	CloseConnection(connID string, notice *Message)
}

// Handler decodes client intents, runs them through the room state machine
// and distributes the results. Accepted mutations broadcast the full room
// snapshot to every connection in the room; rejections go back to the
// originating connection only.
type Handler struct {
	app    *room.App
	sender Sender
}

// NewHandler creates an intent handler over the room state machine
func NewHandler(app *room.App, sender Sender) *Handler {
	return &Handler{
		app:    app,
		sender: sender,
	}
}

// HandleMessage processes one frame from a client connection
func (h *Handler) HandleMessage(conn *Connection, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn().
			Err(err).
			Str("connection_id", conn.ID).
			Msg("dropping undecodable frame")
		return
	}

	payload, err := DecodePayload(msg)
	if err != nil {
		var unknown ErrUnknownMessageType
		if errors.As(err, &unknown) {
			log.Warn().
				Str("connection_id", conn.ID).
				Str("type", string(msg.Type)).
				Msg("dropping unknown message type")
			return
		}
		h.reject(conn, msg.Type, "BadRequest", err)
		return
	}

	switch p := payload.(type) {
	case RoomCreatePayload:
		h.handleRoomCreate(conn, p)
	case JoinRoomPayload:
		h.handleJoin(conn, p)
	case RejoinRoomPayload:
		h.handleRejoin(conn, p)
	case PlayerKickPayload:
		h.handleKick(conn, msg.Type, p)
	case StoryCreatePayload:
		h.handleStoryCreate(conn, p)
	case StoryImportPayload:
		h.handleStoryImport(conn, p)
	case StorySelectPayload:
		h.storyOp(conn, msg.Type, p.StoryID, h.app.SelectStory)
	case StorySkipPayload:
		h.storyOp(conn, msg.Type, p.StoryID, h.app.SkipStory)
	case StoryVotePayload:
		h.handleVote(conn, p)
	case StoryRevealVotesPayload:
		h.storyOp(conn, msg.Type, p.StoryID, h.app.RevealVotes)
	case StoryRestartVotingPayload:
		h.storyOp(conn, msg.Type, p.StoryID, h.app.RestartVoting)
	case StorySetFinalPointPayload:
		h.handleSetFinalPoint(conn, p)
	case TransferHostPayload:
		h.handleTransferHost(conn, msg.Type, p)
	case BacklogSettingsUpdatePayload:
		h.handleBacklogSettings(conn, p)
	default:
		switch msg.Type {
		case TypeLeaveRoom:
			h.handleLeave(conn)
		case TypeRoomSync:
			h.handleSync(conn)
		default:
			log.Warn().
				Str("connection_id", conn.ID).
				Str("type", string(msg.Type)).
				Msg("dropping unhandled message type")
		}
	}
}

// HandleDisconnect marks the connection's player as disconnected and lets
// the rest of the room see it. The player stays joined so a rejoin can merge
// back into the same identity.
func (h *Handler) HandleDisconnect(conn *Connection) {
	if conn.RoomID == "" {
		return
	}
	snapshot, err := h.app.MarkDisconnected(conn.RoomID, conn.ID)
	if err != nil {
		return
	}
	h.broadcastState(conn.RoomID, snapshot)
}

func (h *Handler) handleRoomCreate(conn *Connection, p RoomCreatePayload) {
	snapshot, err := h.app.CreateRoom(p.Name)
	if err != nil {
		h.reject(conn, TypeRoomCreate, room.RejectionKind(err), err)
		return
	}
	h.replyState(conn, snapshot)
}

func (h *Handler) handleJoin(conn *Connection, p JoinRoomPayload) {
	snapshot, player, err := h.app.Join(p.RoomID, p.Nickname, conn.ID, p.Spectator)
	if err != nil {
		h.reject(conn, TypeJoinRoom, room.RejectionKind(err), err)
		return
	}
	h.sender.Associate(conn, p.RoomID, player.ID)
	h.broadcastState(p.RoomID, snapshot)
}

func (h *Handler) handleRejoin(conn *Connection, p RejoinRoomPayload) {
	snapshot, player, err := h.app.Rejoin(p.RoomID, p.Nickname, p.PriorConnectionID, conn.ID)
	if err != nil {
		h.reject(conn, TypeRejoinRoom, room.RejectionKind(err), err)
		return
	}
	h.sender.Associate(conn, p.RoomID, player.ID)
	h.broadcastState(p.RoomID, snapshot)
}

func (h *Handler) handleLeave(conn *Connection) {
	roomID := conn.RoomID
	if roomID == "" {
		h.reject(conn, TypeLeaveRoom, room.RejectionKind(room.ErrPlayerNotFound), room.ErrPlayerNotFound)
		return
	}
	snapshot, err := h.app.Leave(roomID, conn.PlayerID)
	if err != nil {
		h.reject(conn, TypeLeaveRoom, room.RejectionKind(err), err)
		return
	}
	h.sender.Dissociate(conn)
	h.broadcastState(roomID, snapshot)
}

func (h *Handler) handleKick(conn *Connection, op MessageType, p PlayerKickPayload) {
	targetID, err := uuid.Parse(p.TargetPlayerID)
	if err != nil {
		h.reject(conn, op, "BadRequest", err)
		return
	}
	snapshot, kickedConn, err := h.app.Kick(conn.RoomID, conn.PlayerID, targetID)
	if err != nil {
		h.reject(conn, op, room.RejectionKind(err), err)
		return
	}
	if kickedConn != "" {
		// The notice rides along with the close so the kicked client can tell
		// a kick from a drop; the close is clean so it does not auto-reconnect.
		var notice *Message
		if n, err := NewMessage(TypePlayerKick, p); err == nil {
			notice = &n
		}
		h.sender.CloseConnection(kickedConn, notice)
	}
	h.broadcastState(conn.RoomID, snapshot)
}

func (h *Handler) handleStoryCreate(conn *Connection, p StoryCreatePayload) {
	snapshot, _, err := h.app.CreateStory(conn.RoomID, p.Title, p.Description)
	if err != nil {
		h.reject(conn, TypeStoryCreate, room.RejectionKind(err), err)
		return
	}
	h.broadcastState(conn.RoomID, snapshot)
}

func (h *Handler) handleStoryImport(conn *Connection, p StoryImportPayload) {
	snapshot, err := h.app.ImportStories(conn.RoomID, p.Stories)
	if err != nil {
		h.reject(conn, TypeStoryImport, room.RejectionKind(err), err)
		return
	}
	h.broadcastState(conn.RoomID, snapshot)
}

func (h *Handler) handleVote(conn *Connection, p StoryVotePayload) {
	storyID, err := uuid.Parse(p.StoryID)
	if err != nil {
		h.reject(conn, TypeStoryVote, "BadRequest", err)
		return
	}
	snapshot, err := h.app.CastVote(conn.RoomID, storyID, conn.PlayerID, p.Vote)
	if err != nil {
		h.reject(conn, TypeStoryVote, room.RejectionKind(err), err)
		return
	}
	h.broadcastState(conn.RoomID, snapshot)
}

func (h *Handler) handleSetFinalPoint(conn *Connection, p StorySetFinalPointPayload) {
	storyID, err := uuid.Parse(p.StoryID)
	if err != nil {
		h.reject(conn, TypeStorySetFinalPoint, "BadRequest", err)
		return
	}
	snapshot, err := h.app.SetFinalPoint(conn.RoomID, storyID, conn.PlayerID, p.Point)
	if err != nil {
		h.reject(conn, TypeStorySetFinalPoint, room.RejectionKind(err), err)
		return
	}
	h.broadcastState(conn.RoomID, snapshot)
}

func (h *Handler) handleTransferHost(conn *Connection, op MessageType, p TransferHostPayload) {
	snapshot, err := h.app.TransferHost(conn.RoomID, conn.PlayerID, p.ToNickname)
	if err != nil {
		h.reject(conn, op, room.RejectionKind(err), err)
		return
	}
	h.broadcastState(conn.RoomID, snapshot)
}

func (h *Handler) handleBacklogSettings(conn *Connection, p BacklogSettingsUpdatePayload) {
	snapshot, err := h.app.UpdateBacklogSettings(conn.RoomID, p.SortOption, p.FilterOption)
	if err != nil {
		h.reject(conn, TypeBacklogSettingsUpdate, room.RejectionKind(err), err)
		return
	}
	h.broadcastState(conn.RoomID, snapshot)
}

// handleSync answers with the full current snapshot, always, with no
// preconditions beyond being joined to a room. Never mutates anything.
func (h *Handler) handleSync(conn *Connection) {
	if conn.RoomID == "" {
		h.reject(conn, TypeRoomSync, room.RejectionKind(room.ErrRoomNotFound), room.ErrRoomNotFound)
		return
	}
	snapshot, err := h.app.Snapshot(conn.RoomID)
	if err != nil {
		h.reject(conn, TypeRoomSync, room.RejectionKind(err), err)
		return
	}
	h.replyState(conn, snapshot)
}

// storyOp runs a (roomID, storyID) -> snapshot operation and broadcasts the
// result
func (h *Handler) storyOp(conn *Connection, op MessageType, rawStoryID string, fn func(string, uuid.UUID) (*room.Room, error)) {
	storyID, err := uuid.Parse(rawStoryID)
	if err != nil {
		h.reject(conn, op, "BadRequest", err)
		return
	}
	snapshot, err := fn(conn.RoomID, storyID)
	if err != nil {
		h.reject(conn, op, room.RejectionKind(err), err)
		return
	}
	h.broadcastState(conn.RoomID, snapshot)
}

func (h *Handler) broadcastState(roomID string, snapshot *room.Room) {
	msg, err := NewMessage(TypeRoomState, RoomStatePayload{Room: snapshot})
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID).Msg("failed to build room state broadcast")
		return
	}
	h.sender.BroadcastToRoom(roomID, msg)
}

func (h *Handler) replyState(conn *Connection, snapshot *room.Room) {
	msg, err := NewMessage(TypeRoomState, RoomStatePayload{Room: snapshot})
	if err != nil {
		log.Error().Err(err).Str("connection_id", conn.ID).Msg("failed to build room state reply")
		return
	}
	h.sender.SendTo(conn.ID, msg)
}

func (h *Handler) reject(conn *Connection, op MessageType, kind string, cause error) {
	msg, err := NewMessage(TypeError, ErrorPayload{
		Op:      op,
		Kind:    kind,
		Message: cause.Error(),
	})
	if err != nil {
		return
	}
	h.sender.SendTo(conn.ID, msg)
	log.Debug().
		Str("connection_id", conn.ID).
		Str("op", string(op)).
		Str("kind", kind).
		Msg("intent rejected")
}
