package models

import (
	"sort"
	"time"
)

// Conversation groups an ordered, append-only sequence of messages.
// UpdatedAt tracks the timestamp of the latest append or clear.
type Conversation struct {
	ID        string    `json:"id"`
	Messages  []Message `json:"messages"`
	CreatedAt int64     `json:"createdAt"`
	UpdatedAt int64     `json:"updatedAt"`
}

// Clone returns a copy that shares no message slice with c.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Messages = append(make([]Message, 0, len(c.Messages)), c.Messages...)
	return &out
}

// SortMessages orders messages by ascending timestamp in place.
// Equal timestamps keep their relative input order.
func SortMessages(messages []Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Timestamp < messages[j].Timestamp
	})
}

// NowMillis returns the current wall clock in epoch milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
