package chat

import "errors"

var (
	// ErrNotAuthorized is returned when a membership or role check fails. No state is mutated.
	ErrNotAuthorized = errors.New("not authorized")
	// ErrNotFound covers unknown chat, participant and invitation ids.
	ErrNotFound = errors.New("not found")
	// ErrNoOtherParticipants guards chat creation without invitees.
	ErrNoOtherParticipants = errors.New("chat needs at least one other participant")
	// ErrUnrecognizedPayload marks a malformed or unknown realtime frame.
	ErrUnrecognizedPayload = errors.New("unrecognized payload")
	// ErrAlreadyMember is returned when a (user, chat) pair already has a participant row.
	ErrAlreadyMember = errors.New("user is already a participant of the chat")
	// ErrInvalidRequest covers malformed key-exchange requests (bad key sizes, unknown roles).
	ErrInvalidRequest = errors.New("invalid request")
)
