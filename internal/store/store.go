// Package store defines the record-level persistence contract for
// conversations and messages. Backends only store and fetch records; ordering,
// timestamps and session semantics live in the conversation package.
package store

import (
	"context"
	"errors"

	"misorachat/internal/models"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("not found")

// Backend persists conversations and their messages.
//
// ListMessages may return messages in any order, and a durable backend may
// briefly omit a message written by a preceding AppendMessage.
type Backend interface {
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	// GetConversation returns the conversation record without messages.
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	// TouchConversation sets updatedAt. Returns ErrNotFound for unknown ids.
	TouchConversation(ctx context.Context, id string, updatedAt int64) error
	// AppendMessage stores msg. Returns ErrNotFound if the conversation is absent.
	AppendMessage(ctx context.Context, msg *models.Message) error
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	// DeleteMessages removes every message of the conversation.
	DeleteMessages(ctx context.Context, conversationID string) error
	// DeleteConversation removes the conversation and its messages.
	DeleteConversation(ctx context.Context, id string) error
	Close() error
}
