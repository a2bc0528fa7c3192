// Package session keeps the per-session user profile and the pointer to the
// session's current conversation.
package session

import (
	"context"
	"strings"

	"misorachat/internal/models"
)

// DefaultID is used when a request carries no session id.
const DefaultID = "default"

// Store persists sessions. Get never fails for an unknown id; it returns a
// fresh session carrying the default user name.
type Store interface {
	Get(ctx context.Context, id string) (*models.Session, error)
	SetUserName(ctx context.Context, id, name string) error
	SetCurrent(ctx context.Context, id, conversationID string) error
	// ClearCurrent drops the current pointer. When onlyIf is non-empty the
	// pointer is dropped only if it still equals onlyIf. Reports whether the
	// pointer was removed.
	ClearCurrent(ctx context.Context, id, onlyIf string) (bool, error)
	Close() error
}

// NormalizeID maps blank ids to DefaultID.
func NormalizeID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return DefaultID
	}
	return id
}
