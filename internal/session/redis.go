package session

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"misorachat/internal/models"
	"misorachat/internal/redis"
)

const (
	sessionPrefix  = "misora:session:"
	fieldUserName  = "userName"
	fieldCurrentID = "currentConversationId"
)

// clearScript deletes the current pointer, optionally only when it matches.
var clearScript = goredis.NewScript(`
local cur = redis.call("HGET", KEYS[1], ARGV[1])
if not cur then
	return 0
end
if ARGV[2] ~= "" and cur ~= ARGV[2] then
	return 0
end
return redis.call("HDEL", KEYS[1], ARGV[1])
`)

// RedisStore keeps each session in a hash so several server processes share
// profile and current pointer.
type RedisStore struct {
	client      *redis.Client
	defaultName string
}

func NewRedisStore(client *redis.Client, defaultName string) *RedisStore {
	return &RedisStore{client: client, defaultName: defaultName}
}

func sessionKey(id string) string { return sessionPrefix + id }

func (s *RedisStore) Get(ctx context.Context, id string) (*models.Session, error) {
	fields, err := s.client.HGetAll(ctx, sessionKey(id))
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	se := &models.Session{ID: id, UserName: s.defaultName}
	if name, ok := fields[fieldUserName]; ok {
		se.UserName = name
	}
	se.CurrentConversationID = fields[fieldCurrentID]
	return se, nil
}

func (s *RedisStore) SetUserName(ctx context.Context, id, name string) error {
	if err := s.client.HSet(ctx, sessionKey(id), fieldUserName, name); err != nil {
		return fmt.Errorf("set user name: %w", err)
	}
	return nil
}

func (s *RedisStore) SetCurrent(ctx context.Context, id, conversationID string) error {
	if err := s.client.HSet(ctx, sessionKey(id), fieldCurrentID, conversationID); err != nil {
		return fmt.Errorf("set current conversation: %w", err)
	}
	return nil
}

func (s *RedisStore) ClearCurrent(ctx context.Context, id, onlyIf string) (bool, error) {
	raw := s.client.Raw()
	if raw == nil {
		return false, fmt.Errorf("clear current conversation: redis client not initialized")
	}
	n, err := clearScript.Run(ctx, raw, []string{sessionKey(id)}, fieldCurrentID, onlyIf).Int()
	if err != nil {
		return false, fmt.Errorf("clear current conversation: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Close() error { return nil }
