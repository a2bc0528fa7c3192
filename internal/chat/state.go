package chat

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"misorachat/internal/gateway"
)

// State is a step of a single turn.
type State int

const (
	StateIdle State = iota
	StateValidating
	StatePersistingUser
	StateGenerating
	StatePersistingAssistant
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidating:
		return "validating"
	case StatePersistingUser:
		return "persisting_user"
	case StateGenerating:
		return "generating"
	case StatePersistingAssistant:
		return "persisting_assistant"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// turn tracks the current step and logs every transition.
type turn struct {
	mu             sync.Mutex
	state          State
	started        bool
	failed         *Error
	conversationID string
	log            *zap.Logger
}

func newTurn(log *zap.Logger) *turn {
	return &turn{state: StateIdle, log: log}
}

func (t *turn) enter(next State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failed != nil {
		return
	}
	t.log.Debug("turn state",
		zap.String("conversation", t.conversationID),
		zap.Stringer("from", t.state),
		zap.Stringer("to", next))
	t.state = next
}

// start marks that the queued work began running.
func (t *turn) start() {
	t.mu.Lock()
	t.started = true
	t.mu.Unlock()
}

// fail moves to StateFailed and returns err tagged with the failing step.
// Once failed, later calls return the first error.
func (t *turn) fail(err *Error) *Error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failLocked(err)
}

// abort reports a turn the caller stopped waiting for, classified by the
// step it had reached.
func (t *turn) abort(cause error) *Error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failed != nil {
		return t.failed
	}
	err := &Error{Kind: KindPersistence, Op: "queue turn", Err: cause}
	if t.started {
		switch t.state {
		case StateGenerating:
			err = &Error{Kind: KindUpstream, Op: "generate", Err: errors.Join(gateway.ErrUpstream, cause)}
		case StatePersistingAssistant:
			err.Op = "append assistant message"
		default:
			err.Op = "append user message"
		}
	}
	return t.failLocked(err)
}

func (t *turn) failLocked(err *Error) *Error {
	if t.failed != nil {
		return t.failed
	}
	err.State = t.state
	level := t.log.Warn
	if err.Kind == KindPersistence || err.Kind == KindUnknown {
		level = t.log.Error
	}
	level("turn failed",
		zap.String("conversation", t.conversationID),
		zap.Stringer("state", t.state),
		zap.Stringer("kind", err.Kind),
		zap.Error(err.Err))
	t.state = StateFailed
	t.failed = err
	return err
}
