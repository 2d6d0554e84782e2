package store

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput reports malformed arguments (empty collection, nil ops, ...).
	ErrInvalidInput = errors.New("store: invalid input")

	// ErrNotFound reports a missing document.
	// The hosted adapters surface it on Mutate/Remove; the local adapter
	// tolerates missing ids silently. Callers must treat both as
	// "operation had no effect".
	ErrNotFound = errors.New("store: document not found")

	// ErrClosed reports an operation on a closed store.
	ErrClosed = errors.New("store: closed")
)

// TransportError wraps a backend/network failure so callers can tell it apart
// from domain errors and offer a retry.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// transportErr wraps err unless it already carries a domain meaning.
func transportErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrClosed) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsTransport reports whether err is a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
