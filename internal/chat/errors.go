package chat

import "errors"

var (
	// ErrConflict means the conversation version moved under the writer.
	ErrConflict       = errors.New("chat: conversation modified concurrently")
	ErrNotParticipant = errors.New("chat: sender is not a participant")
	ErrInvalidMessage = errors.New("chat: invalid message")
)
