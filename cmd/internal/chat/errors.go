package chat

import "errors"

// Error taxonomy for the chat core. All failures surfaced to clients map onto
// one of these sentinels; transport and storage errors that do not fit are
// wrapped as ErrTransientIO.
var (
	// ErrUnauthorized means the credential is missing or invalid.
	ErrUnauthorized = errors.New("chat: unauthorized")

	// ErrForbidden means the authenticated participant is not a member of the room.
	ErrForbidden = errors.New("chat: forbidden")

	// ErrInvalidRequest means the payload is malformed (empty text, bad participant set).
	ErrInvalidRequest = errors.New("chat: invalid request")

	// ErrNotFound means the referenced room or message does not exist.
	ErrNotFound = errors.New("chat: not found")

	// ErrTransientIO means the persistence store is temporarily unavailable.
	// The sender may retry manually; no partial broadcast occurs.
	ErrTransientIO = errors.New("chat: transient io")
)

// ErrorCode maps a taxonomy error to its stable wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTransientIO):
		return "transient_io"
	default:
		return "internal"
	}
}
