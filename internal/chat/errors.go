package chat

import (
	"errors"
	"fmt"

	"misorachat/internal/gateway"
	"misorachat/internal/store"
)

// Kind classifies turn failures for the boundary layer.
type Kind int

const (
	KindUnknown Kind = iota
	// KindInvalidInput is a malformed or empty request. Never retried.
	KindInvalidInput
	// KindNotFound is a referenced conversation that does not exist.
	KindNotFound
	// KindUpstream is a failed or timed out generation call. The user
	// message of the turn is already stored.
	KindUpstream
	// KindPersistence is a failed store operation.
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindNotFound:
		return "not_found"
	case KindUpstream:
		return "upstream"
	case KindPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// ErrEmptyMessage rejects blank turn input.
var ErrEmptyMessage = errors.New("message is required")

type Error struct {
	Kind  Kind
	Op    string
	State State
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf reports the kind of err, looking through wrapping.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	switch {
	case errors.Is(err, ErrEmptyMessage):
		return KindInvalidInput
	case errors.Is(err, store.ErrNotFound):
		return KindNotFound
	case errors.Is(err, gateway.ErrUpstream):
		return KindUpstream
	}
	return KindUnknown
}

// classify wraps err, upgrading to KindNotFound when the store says so.
func classify(op string, fallback Kind, err error) *Error {
	kind := fallback
	if errors.Is(err, store.ErrNotFound) {
		kind = KindNotFound
	}
	return &Error{Kind: kind, Op: op, Err: err}
}
