// Package cache puts a redis read-through cache in front of another Backend.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"misorachat/internal/logger"
	"misorachat/internal/models"
	"misorachat/internal/redis"
	"misorachat/internal/store"
)

const keyPrefix = "misora:conv:"

// KV is the slice of the redis client the cache needs.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HMerge(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error
	HSetIfExists(ctx context.Context, key, guard, field, value string, ttl time.Duration) (bool, error)
}

// completeField marks a message hash as holding the full list. Message ids
// are uuids and never collide with it.
const completeField = "_complete"

// Backend caches conversation records and message lists. A message list is a
// hash keyed by message id, so appends from several processes sharing one
// redis never overwrite each other. Appends are written through so a read
// after a write sees the message even when the wrapped backend lags. Cache
// failures are logged and fall back to the backend.
type Backend struct {
	next store.Backend
	kv   KV
	ttl  time.Duration
	log  *zap.Logger
}

func New(next store.Backend, kv KV, ttl time.Duration, log *zap.Logger) *Backend {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Backend{next: next, kv: kv, ttl: ttl, log: logger.Component(log, "store.cache")}
}

func convKey(id string) string     { return keyPrefix + id }
func messagesKey(id string) string { return keyPrefix + id + ":messages" }

func (b *Backend) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if err := b.next.CreateConversation(ctx, conv); err != nil {
		return err
	}
	b.put(ctx, convKey(conv.ID), models.Conversation{ID: conv.ID, CreatedAt: conv.CreatedAt, UpdatedAt: conv.UpdatedAt})
	b.seed(ctx, conv.ID, nil)
	return nil
}

func (b *Backend) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	if b.get(ctx, convKey(id), &conv) {
		return &conv, nil
	}
	got, err := b.next.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	b.put(ctx, convKey(id), got)
	return got, nil
}

func (b *Backend) TouchConversation(ctx context.Context, id string, updatedAt int64) error {
	if err := b.next.TouchConversation(ctx, id, updatedAt); err != nil {
		return err
	}
	b.drop(ctx, convKey(id))
	return nil
}

func (b *Backend) AppendMessage(ctx context.Context, msg *models.Message) error {
	if err := b.next.AppendMessage(ctx, msg); err != nil {
		return err
	}
	key := messagesKey(msg.ConversationID)
	data, err := json.Marshal(msg)
	if err != nil {
		b.log.Warn("cache encode failed", zap.String("key", key), zap.Error(err))
		b.drop(ctx, key)
		return nil
	}
	added, err := b.kv.HSetIfExists(ctx, key, completeField, msg.ID, string(data), b.ttl)
	if err != nil {
		b.log.Warn("cache write failed", zap.String("key", key), zap.Error(err))
		b.drop(ctx, key)
		return nil
	}
	if added {
		return nil
	}
	// Cold list: rebuild it from the backend plus the new message. Seeding
	// merges, so a concurrent seed from another process loses nothing.
	listed, err := b.next.ListMessages(ctx, msg.ConversationID)
	if err != nil {
		return nil
	}
	b.seed(ctx, msg.ConversationID, append(listed, *msg))
	return nil
}

func (b *Backend) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	if cached, ok := b.cachedMessages(ctx, conversationID); ok {
		return cached, nil
	}
	listed, err := b.next.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	b.seed(ctx, conversationID, listed)
	return listed, nil
}

func (b *Backend) DeleteMessages(ctx context.Context, conversationID string) error {
	// Drop first so a failed delete never leaves a stale list behind.
	b.drop(ctx, messagesKey(conversationID))
	if err := b.next.DeleteMessages(ctx, conversationID); err != nil {
		return err
	}
	b.seed(ctx, conversationID, nil)
	return nil
}

func (b *Backend) DeleteConversation(ctx context.Context, id string) error {
	b.drop(ctx, convKey(id), messagesKey(id))
	return b.next.DeleteConversation(ctx, id)
}

func (b *Backend) Close() error {
	return b.next.Close()
}

func (b *Backend) get(ctx context.Context, key string, dst interface{}) bool {
	raw, err := b.kv.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			b.log.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		b.log.Warn("cache entry corrupt", zap.String("key", key), zap.Error(err))
		b.drop(ctx, key)
		return false
	}
	return true
}

func (b *Backend) cachedMessages(ctx context.Context, conversationID string) ([]models.Message, bool) {
	key := messagesKey(conversationID)
	fields, err := b.kv.HGetAll(ctx, key)
	if err != nil {
		b.log.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if _, ok := fields[completeField]; !ok {
		return nil, false
	}
	msgs := make([]models.Message, 0, len(fields)-1)
	for field, raw := range fields {
		if field == completeField {
			continue
		}
		var m models.Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			b.log.Warn("cache entry corrupt", zap.String("key", key), zap.Error(err))
			b.drop(ctx, key)
			return nil, false
		}
		msgs = append(msgs, m)
	}
	models.SortMessages(msgs)
	return msgs, true
}

// seed merges msgs into the cached list and marks it complete.
func (b *Backend) seed(ctx context.Context, conversationID string, msgs []models.Message) {
	key := messagesKey(conversationID)
	fields := make(map[string]string, len(msgs)+1)
	fields[completeField] = "1"
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			b.log.Warn("cache encode failed", zap.String("key", key), zap.Error(err))
			return
		}
		fields[m.ID] = string(data)
	}
	if err := b.kv.HMerge(ctx, key, fields, b.ttl); err != nil {
		b.log.Warn("cache write failed", zap.String("key", key), zap.Error(err))
		b.drop(ctx, key)
	}
}

func (b *Backend) put(ctx context.Context, key string, value interface{}) {
	data, err := json.Marshal(value)
	if err != nil {
		b.log.Warn("cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := b.kv.Set(ctx, key, data, b.ttl); err != nil {
		b.log.Warn("cache write failed", zap.String("key", key), zap.Error(err))
		b.drop(ctx, key)
	}
}

func (b *Backend) drop(ctx context.Context, keys ...string) {
	if err := b.kv.Del(ctx, keys...); err != nil {
		b.log.Warn("cache invalidate failed", zap.Strings("keys", keys), zap.Error(err))
	}
}
