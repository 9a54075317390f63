package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisPrefix = "idem:"

// claimScript: KEYS[1]=record, ARGV=fingerprint, created_ms, expires_ms,
// ttl_ms, now_ms. Returns 1 when the claim was won, else the live hash.
var claimScript = redis.NewScript(`
local exp = redis.call("HGET", KEYS[1], "expires_at")
if exp and tonumber(exp) > tonumber(ARGV[5]) then
  return redis.call("HGETALL", KEYS[1])
end
redis.call("DEL", KEYS[1])
redis.call("HSET", KEYS[1],
  "fingerprint", ARGV[1],
  "status", "pending",
  "result", "",
  "error_message", "",
  "created_at", ARGV[2],
  "expires_at", ARGV[3])
redis.call("PEXPIRE", KEYS[1], ARGV[4])
return 1
`)

// finishScript: KEYS[1]=record, ARGV=status, result, error_message,
// claimed_ms.
var finishScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "status") ~= "pending" then
  return 0
end
if redis.call("HGET", KEYS[1], "created_at") ~= ARGV[4] then
  return 0
end
redis.call("HSET", KEYS[1], "status", ARGV[1], "result", ARGV[2], "error_message", ARGV[3])
return 1
`)

// RedisStore keeps each record in a hash whose TTL is the retention window.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) redisKey(key string) string { return s.prefix + key }

func (s *RedisStore) Claim(ctx context.Context, rec Record, now time.Time) (Record, bool, error) {
	ttl := rec.ExpiresAt.Sub(now)
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	res, err := claimScript.Run(ctx, s.client, []string{s.redisKey(rec.Key)},
		rec.Fingerprint,
		rec.CreatedAt.UnixMilli(),
		rec.ExpiresAt.UnixMilli(),
		ttl.Milliseconds(),
		now.UnixMilli(),
	).Result()
	if err != nil {
		return Record{}, false, err
	}
	switch v := res.(type) {
	case int64:
		if v == 1 {
			return Record{}, true, nil
		}
	case []any:
		fields := make(map[string]string, len(v)/2)
		for i := 0; i+1 < len(v); i += 2 {
			k, _ := v[i].(string)
			val, _ := v[i+1].(string)
			fields[k] = val
		}
		existing, err := decodeRedisRecord(rec.Key, fields)
		if err != nil {
			return Record{}, false, err
		}
		return existing, false, nil
	}
	return Record{}, false, fmt.Errorf("idempotency: unexpected claim result %T", res)
}

func (s *RedisStore) Finish(ctx context.Context, key string, claimedAt time.Time, status Status, result []byte, errMsg string) error {
	n, err := finishScript.Run(ctx, s.client, []string{s.redisKey(key)},
		string(status), result, errMsg, strconv.FormatInt(claimedAt.UnixMilli(), 10),
	).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotPending
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string, now time.Time) (Record, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.redisKey(key)).Result()
	if err != nil {
		return Record{}, false, err
	}
	if len(fields) == 0 {
		return Record{}, false, nil
	}
	rec, err := decodeRedisRecord(key, fields)
	if err != nil {
		return Record{}, false, err
	}
	if rec.Expired(now) {
		return Record{}, false, nil
	}
	return rec, true, nil
}

// DeleteExpired removes records whose stored expiry passed but whose TTL has
// not fired yet, which happens when the ledger clock runs ahead of redis.
func (s *RedisStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		raw, err := s.client.HGet(ctx, k, "expires_at").Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return n, err
		}
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms > now.UnixMilli() {
			continue
		}
		deleted, err := s.client.Del(ctx, k).Result()
		if err != nil {
			return n, err
		}
		n += deleted
	}
	if err := iter.Err(); err != nil {
		return n, err
	}
	return n, nil
}

func decodeRedisRecord(key string, fields map[string]string) (Record, error) {
	created, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("idempotency: bad created_at for %q: %w", key, err)
	}
	expires, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("idempotency: bad expires_at for %q: %w", key, err)
	}
	rec := Record{
		Key:          key,
		Fingerprint:  fields["fingerprint"],
		Status:       Status(fields["status"]),
		ErrorMessage: fields["error_message"],
		CreatedAt:    time.UnixMilli(created).UTC(),
		ExpiresAt:    time.UnixMilli(expires).UTC(),
	}
	if r := fields["result"]; r != "" {
		rec.Result = []byte(r)
	}
	return rec, nil
}
