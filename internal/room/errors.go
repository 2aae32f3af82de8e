package room

import "errors"

// Typed rejections returned by state machine operations. Rejections never
// mutate state and are delivered only to the originating connection.
var (
	ErrRoomNotFound        = errors.New("room not found")
	ErrNicknameTaken       = errors.New("nickname taken")
	ErrIneligibleTarget    = errors.New("ineligible host transfer target")
	ErrSpectatorCannotVote = errors.New("spectator cannot vote")
	ErrInvalidTransition   = errors.New("invalid story transition")
	ErrStoryNotFound       = errors.New("story not found")
	ErrPlayerNotFound      = errors.New("player not found")
	ErrNotHost             = errors.New("operation requires host")
	ErrInvalidVote         = errors.New("invalid vote value")
)

// RejectionKind maps a state machine rejection to its stable wire identifier.
// Unknown errors map to "Internal".
func RejectionKind(err error) string {
	switch {
	case errors.Is(err, ErrRoomNotFound):
		return "RoomNotFound"
	case errors.Is(err, ErrNicknameTaken):
		return "NicknameTaken"
	case errors.Is(err, ErrIneligibleTarget):
		return "IneligibleTarget"
	case errors.Is(err, ErrSpectatorCannotVote):
		return "SpectatorCannotVote"
	case errors.Is(err, ErrInvalidTransition):
		return "InvalidTransition"
	case errors.Is(err, ErrStoryNotFound):
		return "StoryNotFound"
	case errors.Is(err, ErrPlayerNotFound):
		return "PlayerNotFound"
	case errors.Is(err, ErrNotHost):
		return "NotHost"
	case errors.Is(err, ErrInvalidVote):
		return "InvalidVote"
	default:
		return "Internal"
	}
}
