package models

// Session is the per-client context: a display name and a weak pointer to the
// conversation currently in use. The pointer may reference a conversation that
// no longer exists.
type Session struct {
	ID                    string `json:"id"`
	UserName              string `json:"userName"`
	CurrentConversationID string `json:"currentConversationId,omitempty"`
}
