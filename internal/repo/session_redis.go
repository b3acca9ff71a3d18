package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nextseek-chat/server/internal/agent/model"
	errx "github.com/nextseek-chat/server/internal/core/error"
	logx "github.com/nextseek-chat/server/pkg/logger"
)

// RedisSessionStore keeps one JSON snapshot per session and at most one
// pending upload, both expiring after ttl.
type RedisSessionStore struct {
	rdb    redis.Cmdable
	ttl    time.Duration
	prefix string
}

func NewRedisSessionStore(rdb redis.Cmdable, config model.ConversationConfig) *RedisSessionStore {
	return &RedisSessionStore{rdb: rdb, ttl: config.TTL, prefix: config.Prefix}
}

func (r *RedisSessionStore) sessionKey(sessionID string) string {
	return fmt.Sprintf("%ssession:%s", r.prefix, sessionID)
}

func (r *RedisSessionStore) uploadKey(sessionID string) string {
	return fmt.Sprintf("%supload:%s", r.prefix, sessionID)
}

func (r *RedisSessionStore) Get(ctx context.Context, sessionID string) (*model.ConversationState, error) {
	key := r.sessionKey(sessionID)
	b, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		logx.Error().Err(err).Str("key", key).Msg("failed to load session from redis")
		return nil, errx.WrapRedis(err)
	}

	var state model.ConversationState
	if err := json.Unmarshal(b, &state); err != nil {
		logx.Error().Err(err).Str("session_id", sessionID).Msg("failed to unmarshal session")
		return nil, fmt.Errorf("unmarshal session %s: %w", sessionID, err)
	}
	return &state, nil
}

func (r *RedisSessionStore) Put(ctx context.Context, sessionID string, state *model.ConversationState) error {
	b, err := json.Marshal(state)
	if err != nil {
		logx.Error().Err(err).Str("session_id", sessionID).Msg("failed to marshal session")
		return fmt.Errorf("marshal session: %w", err)
	}
	key := r.sessionKey(sessionID)
	if err := r.rdb.Set(ctx, key, b, r.ttl).Err(); err != nil {
		logx.Error().Err(err).Str("key", key).Msg("failed to store session in redis")
		return errx.WrapRedis(err)
	}
	return nil
}

func (r *RedisSessionStore) PutFile(ctx context.Context, sessionID string, file model.FileData) error {
	b, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("marshal upload: %w", err)
	}
	key := r.uploadKey(sessionID)
	if err := r.rdb.Set(ctx, key, b, r.ttl).Err(); err != nil {
		logx.Error().Err(err).Str("key", key).Msg("failed to store upload in redis")
		return errx.WrapRedis(err)
	}
	return nil
}

// TakeFile reads and deletes the upload in one GETDEL, so it is consumed by
// exactly one turn.
func (r *RedisSessionStore) TakeFile(ctx context.Context, sessionID string) (*model.FileData, error) {
	key := r.uploadKey(sessionID)
	b, err := r.rdb.GetDel(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		logx.Error().Err(err).Str("key", key).Msg("failed to take upload from redis")
		return nil, errx.WrapRedis(err)
	}

	var file model.FileData
	if err := json.Unmarshal(b, &file); err != nil {
		return nil, fmt.Errorf("unmarshal upload: %w", err)
	}
	return &file, nil
}

var _ model.SessionStore = (*RedisSessionStore)(nil)
