package store

import (
	"context"
	"fmt"

	"github.com/layer-3/walletgate/core"
	"github.com/redis/go-redis/v9"
)

// KEYS: pending zset, challenge hash
// ARGV: now, max pending, nonce, expires_at, account, message, issued_at, tombstone retention (ms)
var issueScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[2]) then
	return 0
end
redis.call('HSET', KEYS[2], 'account', ARGV[5], 'message', ARGV[6], 'issued_at', ARGV[7], 'expires_at', ARGV[4], 'consumed', '0')
redis.call('PEXPIREAT', KEYS[2], tonumber(ARGV[4]) + tonumber(ARGV[8]))
redis.call('ZADD', KEYS[1], ARGV[4], ARGV[3])
redis.call('PEXPIREAT', KEYS[1], ARGV[4])
return 1
`)

// KEYS: challenge hash, pending zset
// ARGV: account, now, nonce
var consumeScript = redis.NewScript(`
local h = redis.call('HMGET', KEYS[1], 'account', 'expires_at', 'consumed', 'issued_at', 'message')
if not h[1] then
	return {'NOT_FOUND'}
end
if h[1] ~= ARGV[1] then
	return {'ACCOUNT_MISMATCH'}
end
if h[3] == '1' then
	return {'ALREADY_CONSUMED'}
end
if tonumber(ARGV[2]) >= tonumber(h[2]) then
	redis.call('DEL', KEYS[1])
	redis.call('ZREM', KEYS[2], ARGV[3])
	return {'EXPIRED'}
end
redis.call('HSET', KEYS[1], 'consumed', '1')
redis.call('ZREM', KEYS[2], ARGV[3])
return {'OK', h[4], h[2], h[5]}
`)

// RedisChallengeStore is a Redis implementation of the ChallengeStore interface.
// Issue and Consume each run as a single Lua script, so a nonce is consumed at most once
// across every instance sharing the Redis.
type RedisChallengeStore struct {
	client *redis.Client
	prefix string
	cfg    ChallengeConfig
}

// NewRedisChallengeStore creates a new Redis challenge store
func NewRedisChallengeStore(client *redis.Client, prefix string, cfg ChallengeConfig) *RedisChallengeStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisChallengeStore{
		client: client,
		prefix: prefix,
		cfg:    cfg.withDefaults(),
	}
}

func (s *RedisChallengeStore) challengeKey(nonce string) string {
	return s.prefix + "challenge:" + nonce
}

func (s *RedisChallengeStore) pendingKey(account core.Account) string {
	return s.prefix + "pending:" + string(account)
}

// Issue stores a fresh challenge in Redis
func (s *RedisChallengeStore) Issue(ctx context.Context, account core.Account) (*core.Challenge, error) {
	ch, err := s.cfg.newChallenge(account)
	if err != nil {
		return nil, err
	}

	ok, err := issueScript.Run(ctx, s.client,
		[]string{s.pendingKey(account), s.challengeKey(ch.Nonce)},
		ch.IssuedAt.UnixMilli(),
		s.cfg.MaxPending,
		ch.Nonce,
		ch.ExpiresAt.UnixMilli(),
		string(account),
		ch.Message,
		ch.IssuedAt.UnixMilli(),
		s.cfg.TTL.Milliseconds(),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to issue challenge: %v: %w", err, core.ErrStore)
	}
	if ok == 0 {
		return nil, core.ErrTooManyPending
	}

	return ch, nil
}

// Consume atomically marks the nonce as used
func (s *RedisChallengeStore) Consume(ctx context.Context, nonce string, account core.Account) (*core.Challenge, error) {
	res, err := consumeScript.Run(ctx, s.client,
		[]string{s.challengeKey(nonce), s.pendingKey(account)},
		string(account),
		s.cfg.Clock().UnixMilli(),
		nonce,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to consume challenge: %v: %w", err, core.ErrStore)
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("empty script reply: %w", core.ErrStore)
	}
	if res[0] != "OK" {
		return nil, core.ErrorFromCode(res[0])
	}
	if len(res) != 4 {
		return nil, fmt.Errorf("malformed script reply: %w", core.ErrStore)
	}

	issuedAt, err := millis(res[1])
	if err != nil {
		return nil, err
	}
	expires, err := millis(res[2])
	if err != nil {
		return nil, err
	}

	return &core.Challenge{
		Nonce:     nonce,
		Account:   account,
		Message:   res[3],
		IssuedAt:  issuedAt,
		ExpiresAt: expires,
		Consumed:  true,
	}, nil
}
