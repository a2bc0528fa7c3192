// Package memory is the transient in-process Backend. Data is lost on restart.
package memory

import (
	"context"
	"errors"
	"sync"

	"misorachat/internal/models"
	"misorachat/internal/store"
)

type record struct {
	conv     models.Conversation
	messages []models.Message
}

// Backend keeps conversations in a map guarded by a RWMutex.
type Backend struct {
	mu            sync.RWMutex
	conversations map[string]*record
}

func New() *Backend {
	return &Backend{conversations: make(map[string]*record)}
}

func (b *Backend) CreateConversation(_ context.Context, conv *models.Conversation) error {
	if conv == nil || conv.ID == "" {
		return errors.New("conversation id is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.conversations[conv.ID]; ok {
		return errors.New("conversation already exists")
	}
	b.conversations[conv.ID] = &record{conv: models.Conversation{
		ID:        conv.ID,
		CreatedAt: conv.CreatedAt,
		UpdatedAt: conv.UpdatedAt,
	}}
	return nil
}

func (b *Backend) GetConversation(_ context.Context, id string) (*models.Conversation, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.conversations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	conv := rec.conv
	return &conv, nil
}

func (b *Backend) TouchConversation(_ context.Context, id string, updatedAt int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.conversations[id]
	if !ok {
		return store.ErrNotFound
	}
	rec.conv.UpdatedAt = updatedAt
	return nil
}

func (b *Backend) AppendMessage(_ context.Context, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.conversations[msg.ConversationID]
	if !ok {
		return store.ErrNotFound
	}
	rec.messages = append(rec.messages, *msg)
	return nil
}

func (b *Backend) ListMessages(_ context.Context, conversationID string) ([]models.Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.conversations[conversationID]
	if !ok {
		return []models.Message{}, nil
	}
	return append(make([]models.Message, 0, len(rec.messages)), rec.messages...), nil
}

func (b *Backend) DeleteMessages(_ context.Context, conversationID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rec, ok := b.conversations[conversationID]; ok {
		rec.messages = nil
	}
	return nil
}

func (b *Backend) DeleteConversation(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conversations, id)
	return nil
}

func (b *Backend) Close() error { return nil }
