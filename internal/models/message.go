package models

import (
	"encoding/json"
	"fmt"
)

// Role identifies who authored a message. Only two roles exist.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParseRole converts a raw string into a Role.
func ParseRole(raw string) (Role, error) {
	switch Role(raw) {
	case RoleUser:
		return RoleUser, nil
	case RoleAssistant:
		return RoleAssistant, nil
	default:
		return "", fmt.Errorf("invalid role %q", raw)
	}
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	_, err := ParseRole(string(r))
	return err == nil
}

func (r *Role) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseRole(raw)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Message is a single immutable entry of a conversation transcript.
// Timestamp is epoch milliseconds.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	Role           Role   `json:"role"`
	Content        string `json:"content"`
	Timestamp      int64  `json:"timestamp"`
}
