package messaging

import "errors"

var (
	// ErrValidation reports rejected input: empty text without an
	// attachment, malformed participant ids, self-conversation attempts.
	ErrValidation = errors.New("messaging: validation failed")

	// ErrNotAuthenticated reports a mutating call without a sender id.
	ErrNotAuthenticated = errors.New("messaging: not authenticated")

	// ErrNotFound reports a missing edit/delete target.
	ErrNotFound = errors.New("messaging: message not found")
)

// IsValidation reports whether err represents ErrValidation.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
