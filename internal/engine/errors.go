package engine

import "errors"

var (
	// ErrNotAMember rejects operations on conversations the caller has
	// left or never joined.
	ErrNotAMember = errors.New("engine: not a member of conversation")
	// ErrNotFound rejects operations on unknown conversations/messages.
	ErrNotFound = errors.New("engine: not found")
	// ErrForbidden rejects operations the caller's role does not allow,
	// such as deleting another identity's message or marking their own
	// message delivered.
	ErrForbidden = errors.New("engine: forbidden")
	// ErrLimitExceeded rejects mutations over a hard cap with state
	// unchanged.
	ErrLimitExceeded = errors.New("engine: limit exceeded")
	// ErrInvalidInput rejects malformed arguments before any mutation.
	ErrInvalidInput = errors.New("engine: invalid input")
)
