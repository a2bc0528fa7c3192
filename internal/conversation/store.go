// Package conversation implements conversation semantics on top of a record
// backend: the session's current conversation, ordered append-only history,
// clearing and deletion.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"misorachat/internal/logger"
	"misorachat/internal/models"
	"misorachat/internal/session"
	"misorachat/internal/store"
)

// ErrNotFound is returned for conversations that do not exist.
var ErrNotFound = store.ErrNotFound

type Options struct {
	// SelectNew makes Create point the session at the new conversation.
	SelectNew bool
	Logger    *zap.Logger
	// Now returns epoch millis. Defaults to models.NowMillis.
	Now func() int64
}

// Store serializes mutations per conversation and per session. When both
// locks are needed the session lock is taken first.
type Store struct {
	backend   store.Backend
	sessions  session.Store
	selectNew bool
	now       func() int64
	log       *zap.Logger

	convLocks    *keyedMutex
	sessionLocks *keyedMutex
}

func New(backend store.Backend, sessions session.Store, opts Options) *Store {
	now := opts.Now
	if now == nil {
		now = models.NowMillis
	}
	return &Store{
		backend:      backend,
		sessions:     sessions,
		selectNew:    opts.SelectNew,
		now:          now,
		log:          logger.Component(opts.Logger, "conversation"),
		convLocks:    newKeyedMutex(),
		sessionLocks: newKeyedMutex(),
	}
}

// GetCurrent returns the session's current conversation, creating one when
// the pointer is unset or points at a conversation that no longer exists.
func (s *Store) GetCurrent(ctx context.Context, sessionID string) (*models.Conversation, error) {
	sessionID = session.NormalizeID(sessionID)
	unlock := s.sessionLocks.Lock(sessionID)
	defer unlock()

	se, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if se.CurrentConversationID != "" {
		conv, err := s.load(ctx, se.CurrentConversationID)
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		s.log.Info("current conversation missing, starting a new one",
			zap.String("session", sessionID),
			zap.String("conversation", se.CurrentConversationID))
	}

	conv, err := s.create(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.SetCurrent(ctx, sessionID, conv.ID); err != nil {
		return nil, fmt.Errorf("set current conversation: %w", err)
	}
	return conv, nil
}

// Create allocates an empty conversation.
func (s *Store) Create(ctx context.Context, sessionID string) (*models.Conversation, error) {
	conv, err := s.create(ctx)
	if err != nil {
		return nil, err
	}
	if !s.selectNew {
		return conv, nil
	}
	sessionID = session.NormalizeID(sessionID)
	unlock := s.sessionLocks.Lock(sessionID)
	defer unlock()
	if err := s.sessions.SetCurrent(ctx, sessionID, conv.ID); err != nil {
		return nil, fmt.Errorf("set current conversation: %w", err)
	}
	return conv, nil
}

// Get returns the conversation with its sorted messages.
func (s *Store) Get(ctx context.Context, id string) (*models.Conversation, error) {
	return s.load(ctx, id)
}

// ListMessages returns the messages sorted by ascending timestamp.
func (s *Store) ListMessages(ctx context.Context, id string) ([]models.Message, error) {
	if _, err := s.backend.GetConversation(ctx, id); err != nil {
		return nil, err
	}
	return s.listSorted(ctx, id)
}

// Append stores a message with a timestamp strictly after every earlier
// message of the conversation and moves updatedAt to it.
func (s *Store) Append(ctx context.Context, id string, role models.Role, content string) (*models.Message, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("invalid role %q", role)
	}
	unlock := s.convLocks.Lock(id)
	defer unlock()

	conv, err := s.backend.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	ts := s.now()
	if ts <= conv.UpdatedAt {
		ts = conv.UpdatedAt + 1
	}
	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: id,
		Role:           role,
		Content:        content,
		Timestamp:      ts,
	}
	if err := s.backend.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}
	if err := s.backend.TouchConversation(ctx, id, ts); err != nil {
		return nil, fmt.Errorf("update conversation timestamp: %w", err)
	}
	s.log.Debug("message appended",
		zap.String("conversation", id),
		zap.String("role", string(role)),
		zap.Int64("timestamp", ts))
	return msg, nil
}

// Clear removes every message but keeps the conversation. The delete always
// runs, since a lagging backend may list nothing right after a write; only
// the updatedAt bump is skipped when the list was empty.
func (s *Store) Clear(ctx context.Context, id string) error {
	unlock := s.convLocks.Lock(id)
	defer unlock()

	conv, err := s.backend.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	messages, err := s.backend.ListMessages(ctx, id)
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}
	if err := s.backend.DeleteMessages(ctx, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if len(messages) == 0 {
		return nil
	}
	ts := s.now()
	if ts <= conv.UpdatedAt {
		ts = conv.UpdatedAt + 1
	}
	if err := s.backend.TouchConversation(ctx, id, ts); err != nil {
		return fmt.Errorf("update conversation timestamp: %w", err)
	}
	return nil
}

// Delete removes the conversation and drops the session pointer if it
// referenced it. Pointers held by other sessions heal on their next
// GetCurrent.
func (s *Store) Delete(ctx context.Context, sessionID, id string) error {
	sessionID = session.NormalizeID(sessionID)
	unlockSession := s.sessionLocks.Lock(sessionID)
	defer unlockSession()
	unlock := s.convLocks.Lock(id)
	defer unlock()

	if _, err := s.backend.GetConversation(ctx, id); err != nil {
		return err
	}
	if err := s.backend.DeleteConversation(ctx, id); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if _, err := s.sessions.ClearCurrent(ctx, sessionID, id); err != nil {
		return fmt.Errorf("clear current conversation: %w", err)
	}
	return nil
}

func (s *Store) create(ctx context.Context) (*models.Conversation, error) {
	now := s.now()
	conv := &models.Conversation{
		ID:        uuid.NewString(),
		Messages:  []models.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.backend.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	s.log.Debug("conversation created", zap.String("conversation", conv.ID))
	return conv, nil
}

func (s *Store) load(ctx context.Context, id string) (*models.Conversation, error) {
	if strings.TrimSpace(id) == "" {
		return nil, store.ErrNotFound
	}
	conv, err := s.backend.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	messages, err := s.listSorted(ctx, id)
	if err != nil {
		return nil, err
	}
	conv.Messages = messages
	return conv, nil
}

func (s *Store) listSorted(ctx context.Context, id string) ([]models.Message, error) {
	messages, err := s.backend.ListMessages(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if messages == nil {
		messages = []models.Message{}
	}
	models.SortMessages(messages)
	return messages, nil
}
