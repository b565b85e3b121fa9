package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/layer-3/walletgate/core"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key written by the Redis stores
const DefaultPrefix = "walletgate:"

// DefaultRevokedRetention is how long a revoked session outlives its expiry
const DefaultRevokedRetention = 7 * 24 * time.Hour

// evictAt is when a session record may be dropped
func evictAt(session *core.Session, retention time.Duration) time.Time {
	if session.Revoked {
		return session.ExpiresAt.Add(retention)
	}
	return session.ExpiresAt
}

// KEYS[1] session hash; ARGV[1] retention in ms
var revokeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return {}
end
redis.call('HSET', KEYS[1], 'revoked', '1')
local expires = tonumber(redis.call('HGET', KEYS[1], 'expires_at'))
if expires then
	redis.call('PEXPIREAT', KEYS[1], expires + tonumber(ARGV[1]))
end
return redis.call('HGETALL', KEYS[1])
`)

// RedisSessionStore is a Redis implementation of the SessionStore interface.
// Each session is a hash that expires together with the session.
// A revoked session's hash lives on for the revoked retention.
type RedisSessionStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

// NewRedisSessionStore creates a new Redis session store. Zero revokedRetention
// means DefaultRevokedRetention.
func NewRedisSessionStore(client *redis.Client, prefix string, revokedRetention time.Duration) *RedisSessionStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if revokedRetention <= 0 {
		revokedRetention = DefaultRevokedRetention
	}
	return &RedisSessionStore{
		client:    client,
		prefix:    prefix + "session:",
		retention: revokedRetention,
	}
}

// Save stores a new session in Redis
func (s *RedisSessionStore) Save(ctx context.Context, session *core.Session) error {
	key := s.prefix + session.ID

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"account", string(session.Account),
			"created_at", session.CreatedAt.UnixMilli(),
			"expires_at", session.ExpiresAt.UnixMilli(),
			"revoked", boolField(session.Revoked),
		)
		pipe.PExpireAt(ctx, key, evictAt(session, s.retention))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save session: %v: %w", err, core.ErrStore)
	}

	return nil
}

// Get loads a session from Redis
func (s *RedisSessionStore) Get(ctx context.Context, id string) (*core.Session, error) {
	fields, err := s.client.HGetAll(ctx, s.prefix+id).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %v: %w", err, core.ErrStore)
	}
	if len(fields) == 0 {
		return nil, core.ErrNotFound
	}

	return sessionFromFields(id, fields)
}

// Revoke sets the revoked flag on an existing session
func (s *RedisSessionStore) Revoke(ctx context.Context, id string) (*core.Session, error) {
	res, err := revokeScript.Run(ctx, s.client, []string{s.prefix + id}, s.retention.Milliseconds()).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to revoke session: %v: %w", err, core.ErrStore)
	}
	if len(res) == 0 {
		return nil, core.ErrNotFound
	}

	fields := make(map[string]string, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		fields[res[i]] = res[i+1]
	}

	return sessionFromFields(id, fields)
}

func sessionFromFields(id string, fields map[string]string) (*core.Session, error) {
	created, err := millis(fields["created_at"])
	if err != nil {
		return nil, err
	}
	expires, err := millis(fields["expires_at"])
	if err != nil {
		return nil, err
	}

	return &core.Session{
		ID:        id,
		Account:   core.Account(fields["account"]),
		CreatedAt: created,
		ExpiresAt: expires,
		Revoked:   fields["revoked"] == "1",
	}, nil
}

func millis(v string) (time.Time, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt timestamp %q: %w", v, core.ErrStore)
	}
	return time.UnixMilli(ms), nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
