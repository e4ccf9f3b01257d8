package errors

import "fmt"

var (
	// Authentication
	ErrAuthRequired     = fmt.Errorf("authentication required")
	ErrInvalidToken     = fmt.Errorf("invalid or expired token")
	ErrNoVerifier       = fmt.Errorf("no token verification method configured")
	ErrAlreadyAuthed    = fmt.Errorf("session already authenticated")
	ErrNoAccountInToken = fmt.Errorf("token carries no usable account identifier")

	// Content validation
	ErrEmptyContent      = fmt.Errorf("message content is empty")
	ErrContentTooLong    = fmt.Errorf("message content exceeds maximum length")
	ErrSuspiciousContent = fmt.Errorf("message content contains forbidden patterns")

	// Throttling
	ErrRateLimited = fmt.Errorf("rate limit exceeded")

	// Room membership
	ErrNotAMember  = fmt.Errorf("session is not a member of the room")
	ErrJoinDenied  = fmt.Errorf("room join denied")
	ErrInvalidRoom = fmt.Errorf("invalid room identifier")

	// External store
	ErrGatewayFailure = fmt.Errorf("persistence gateway failure")
	ErrGatewayTimeout = fmt.Errorf("persistence gateway timed out")

	// Protocol
	ErrMalformedFrame = fmt.Errorf("malformed frame")
	ErrUnknownFrame   = fmt.Errorf("unknown frame type")
	ErrMissingFields  = fmt.Errorf("frame is missing required fields")

	// Moderation setup
	ErrEmptyWordList = fmt.Errorf("no censored words have been found")

	// Supervision
	ErrWorkerPanic = fmt.Errorf("worker panic")
)
