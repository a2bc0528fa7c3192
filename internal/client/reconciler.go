package client

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"misorachat/internal/models"
)

// LocalPrefix marks ids assigned on the client before the server confirms.
const LocalPrefix = "local_"

var (
	// ErrSubmitInFlight is returned while an earlier submission is pending.
	ErrSubmitInFlight = errors.New("a message is already being sent")
	ErrEmptyMessage   = errors.New("message is empty")
)

// EntryState tracks an optimistic message.
type EntryState int

const (
	StatePending EntryState = iota
	StateConfirmed
	StateRolledBack
)

func (s EntryState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConfirmed:
		return "confirmed"
	case StateRolledBack:
		return "rolled-back"
	default:
		return "unknown"
	}
}

type Entry struct {
	Message models.Message
	State   EntryState
	// LocalID is set for messages created by Submit.
	LocalID string
}

type Snapshot struct {
	ConversationID string
	Entries        []Entry
	Notice         string
	Submitting     bool
}

// API is what the reconciler needs from the server.
type API interface {
	Conversation(ctx context.Context) (*models.Conversation, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	NewConversation(ctx context.Context) (*models.Conversation, error)
	Clear(ctx context.Context) error
	Send(ctx context.Context, text, conversationID string) (*SendResult, error)
}

// Reconciler shows a submitted message immediately and then replaces the
// local view with the server's. A failed submission is removed again and
// leaves a notice; it is never retried.
type Reconciler struct {
	api      API
	onChange func(Snapshot)

	mu             sync.Mutex
	conversationID string
	entries        []Entry
	notice         string
	inFlight       bool
	states         map[string]EntryState
}

func NewReconciler(api API, onChange func(Snapshot)) *Reconciler {
	return &Reconciler{api: api, onChange: onChange, states: make(map[string]EntryState)}
}

// Load replaces the view with the session's current conversation.
func (r *Reconciler) Load(ctx context.Context) error {
	conv, err := r.api.Conversation(ctx)
	if err != nil {
		r.setNotice(noticeFor(err))
		return err
	}
	r.replace(conv, "")
	return nil
}

func (r *Reconciler) NewConversation(ctx context.Context) error {
	conv, err := r.api.NewConversation(ctx)
	if err != nil {
		r.setNotice(noticeFor(err))
		return err
	}
	r.replace(conv, "")
	return nil
}

func (r *Reconciler) Clear(ctx context.Context) error {
	if err := r.api.Clear(ctx); err != nil {
		r.setNotice(noticeFor(err))
		return err
	}
	return r.Load(ctx)
}

// Submit sends text as a new user message and returns its local id.
func (r *Reconciler) Submit(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyMessage
	}

	r.mu.Lock()
	if r.inFlight {
		r.mu.Unlock()
		return "", ErrSubmitInFlight
	}
	localID := LocalPrefix + uuid.NewString()
	conversationID := r.conversationID
	r.inFlight = true
	r.notice = ""
	r.entries = append(r.entries, Entry{
		LocalID: localID,
		State:   StatePending,
		Message: models.Message{
			ID:             localID,
			ConversationID: conversationID,
			Role:           models.RoleUser,
			Content:        text,
			Timestamp:      models.NowMillis(),
		},
	})
	r.states[localID] = StatePending
	snap := r.snapshotLocked()
	r.mu.Unlock()
	r.emit(snap)

	res, err := r.api.Send(ctx, text, conversationID)
	if err != nil {
		r.rollback(localID, noticeFor(err))
		return localID, err
	}

	conv, err := r.api.GetConversation(ctx, res.ConversationID)
	if err != nil {
		// The turn went through; fall back to the pair it returned.
		conv = &models.Conversation{ID: res.ConversationID, Messages: r.confirmedWith(res.Messages)}
		r.confirm(localID, conv, "the conversation could not be refreshed")
		return localID, nil
	}
	r.confirm(localID, conv, "")
	return localID, nil
}

// StateOf reports what happened to a message created by Submit.
func (r *Reconciler) StateOf(localID string) (EntryState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[localID]
	return s, ok
}

func (r *Reconciler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Reconciler) Notice() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.notice
}

func (r *Reconciler) rollback(localID, notice string) {
	r.mu.Lock()
	kept := r.entries[:0]
	for _, e := range r.entries {
		if e.LocalID != localID {
			kept = append(kept, e)
		}
	}
	r.entries = kept
	r.states[localID] = StateRolledBack
	r.inFlight = false
	r.notice = notice
	snap := r.snapshotLocked()
	r.mu.Unlock()
	r.emit(snap)
}

func (r *Reconciler) confirm(localID string, conv *models.Conversation, notice string) {
	r.mu.Lock()
	r.states[localID] = StateConfirmed
	r.inFlight = false
	r.replaceLocked(conv)
	r.notice = notice
	snap := r.snapshotLocked()
	r.mu.Unlock()
	r.emit(snap)
}

// confirmedWith is the current confirmed view plus msgs.
func (r *Reconciler) confirmedWith(msgs []models.Message) []models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Message, 0, len(r.entries)+len(msgs))
	for _, e := range r.entries {
		if e.State == StateConfirmed {
			out = append(out, e.Message)
		}
	}
	return append(out, msgs...)
}

func (r *Reconciler) replace(conv *models.Conversation, notice string) {
	r.mu.Lock()
	r.replaceLocked(conv)
	r.notice = notice
	snap := r.snapshotLocked()
	r.mu.Unlock()
	r.emit(snap)
}

// replaceLocked installs the server view, keeping a still pending entry.
func (r *Reconciler) replaceLocked(conv *models.Conversation) {
	var pending []Entry
	for _, e := range r.entries {
		if e.State == StatePending && r.states[e.LocalID] == StatePending {
			pending = append(pending, e)
		}
	}
	msgs := append([]models.Message(nil), conv.Messages...)
	models.SortMessages(msgs)
	entries := make([]Entry, 0, len(msgs)+len(pending))
	for _, m := range msgs {
		entries = append(entries, Entry{Message: m, State: StateConfirmed})
	}
	r.entries = append(entries, pending...)
	r.conversationID = conv.ID
}

func (r *Reconciler) setNotice(notice string) {
	r.mu.Lock()
	r.notice = notice
	snap := r.snapshotLocked()
	r.mu.Unlock()
	r.emit(snap)
}

func (r *Reconciler) snapshotLocked() Snapshot {
	return Snapshot{
		ConversationID: r.conversationID,
		Entries:        append([]Entry(nil), r.entries...),
		Notice:         r.notice,
		Submitting:     r.inFlight,
	}
}

func (r *Reconciler) emit(s Snapshot) {
	if r.onChange != nil {
		r.onChange(s)
	}
}

func noticeFor(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == http.StatusTooManyRequests:
			return "The server is busy. Please try again."
		case apiErr.Status >= 400 && apiErr.Status < 500:
			if apiErr.Message != "" {
				return "Request rejected: " + apiErr.Message
			}
			return "Request rejected."
		default:
			return "The assistant could not answer. Your message may have been saved; reload to check."
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "The request was cancelled."
	}
	return "Could not reach the server."
}
