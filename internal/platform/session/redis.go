package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix     = "ehr:session:"
	redisRevokedPrefix = "ehr:session:revoked:"
	// Expired records stay readable this long so Validate can report them
	// as expired rather than unknown.
	expiredRetention = time.Hour
)

// Connect initializes a Redis client from a redis:// URL or host:port.
func Connect(_ context.Context, redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

var (
	putScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 or redis.call('EXISTS', KEYS[2]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'state', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1`)

	expireScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') == 'bound' then
  redis.call('HSET', KEYS[1], 'state', 'expired')
  return 1
end
return 0`)

	revokeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  redis.call('HSET', KEYS[1], 'state', 'revoked')
end
redis.call('SET', KEYS[2], '1', 'PX', ARGV[1])
return 1`)
)

// RedisStore shares sessions between server instances. Each session is a
// hash holding the JSON snapshot and its state; revocations leave a
// tombstone key until the token would have expired anyway.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func sessionKey(id string) string { return redisKeyPrefix + id }
func revokedKey(id string) string { return redisRevokedPrefix + id }

func (s *RedisStore) Put(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	ttl := time.Until(sess.ExpiresAt) + expiredRetention
	if ttl <= 0 {
		ttl = expiredRetention
	}
	ok, err := putScript.Run(ctx, s.client,
		[]string{sessionKey(sess.ID), revokedKey(sess.ID)},
		string(data), string(StateBound), ttl.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("redis put session: %w", err)
	}
	if ok == 0 {
		return ErrDuplicateSession
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	vals, err := s.client.HMGet(ctx, sessionKey(id), "data", "state").Result()
	if err != nil {
		return nil, fmt.Errorf("redis get session: %w", err)
	}
	data, _ := vals[0].(string)
	state, _ := vals[1].(string)
	if data == "" {
		return nil, ErrSessionNotFound
	}

	var sess Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	sess.State = State(state)
	return &sess, nil
}

func (s *RedisStore) MarkExpired(ctx context.Context, id string) error {
	if err := expireScript.Run(ctx, s.client, []string{sessionKey(id)}).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis expire session: %w", err)
	}
	return nil
}

func (s *RedisStore) Revoke(ctx context.Context, id string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		ttl = time.Minute
	}
	err := revokeScript.Run(ctx, s.client,
		[]string{sessionKey(id), revokedKey(id)},
		ttl.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("redis revoke session: %w", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
