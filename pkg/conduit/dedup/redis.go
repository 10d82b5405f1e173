package dedup

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Each delivery record is a hash at <prefix>:rec:<consumer>:<event>.
// FAILED_TERMINAL records are also indexed in the sorted set <prefix>:terminal,
// scored by processed_at in milliseconds. With a retention set, finalizing
// trims index entries older than the retention window, whose records have
// expired.

// claimScript: KEYS[1]=record; ARGV=token, now, lease_until, consumer, event, correlation.
var claimScript = redis.NewScript(`
local status = redis.call("HGET", KEYS[1], "status")
if status then
  if status ~= "CLAIMED" then
    return 0
  end
  local lease = tonumber(redis.call("HGET", KEYS[1], "lease_until"))
  if lease and lease > tonumber(ARGV[2]) then
    return 0
  end
end
redis.call("HSET", KEYS[1],
  "consumer_id", ARGV[4], "event_id", ARGV[5], "correlation_id", ARGV[6],
  "status", "CLAIMED", "token", ARGV[1], "lease_until", ARGV[3], "error", "")
return 1
`)

// finalizeScript: KEYS[1]=record, KEYS[2]=terminal index; ARGV=token, outcome, processed_at, error, retention_ms.
var finalizeScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "token") ~= ARGV[1] then
  return 0
end
redis.call("HSET", KEYS[1], "status", ARGV[2], "processed_at", ARGV[3], "error", ARGV[4], "lease_until", "0")
if ARGV[2] == "FAILED_TERMINAL" then
  redis.call("ZADD", KEYS[2], ARGV[3], KEYS[1])
else
  redis.call("ZREM", KEYS[2], KEYS[1])
end
if tonumber(ARGV[5]) > 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[5])
  redis.call("ZREMRANGEBYSCORE", KEYS[2], "-inf", "(" .. (tonumber(ARGV[3]) - tonumber(ARGV[5])))
end
return 1
`)

// releaseScript: KEYS[1]=record; ARGV=token.
var releaseScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "token") ~= ARGV[1] then
  return 0
end
if redis.call("HGET", KEYS[1], "status") ~= "CLAIMED" then
  return 0
end
return redis.call("DEL", KEYS[1])
`)

// RedisStore keeps delivery records in Redis so every replica of a consumer
// shares them. Claims are compare-and-set Lua scripts; lease expiry is
// evaluated against the caller's clock.
type RedisStore struct {
	client redis.UniversalClient
	opts   options
	closed atomic.Bool
}

// NewRedisStore creates a dedup store on client. Close does not close the
// client.
func NewRedisStore(client redis.UniversalClient, opts ...Option) *RedisStore {
	return &RedisStore{client: client, opts: applyOptions(opts)}
}

func (s *RedisStore) recordKey(consumerID, eventID string) string {
	return s.opts.prefix + ":rec:" + consumerID + ":" + eventID
}

func (s *RedisStore) terminalKey() string {
	return s.opts.prefix + ":terminal"
}

// TryClaim implements Store.
func (s *RedisStore) TryClaim(ctx context.Context, consumerID, eventID, correlationID string, ttl time.Duration) (Claim, bool, error) {
	if s.closed.Load() {
		return Claim{}, false, ErrStoreClosed
	}

	now := s.opts.now()
	claim := Claim{
		ConsumerID:    consumerID,
		EventID:       eventID,
		CorrelationID: correlationID,
		Token:         uuid.NewString(),
		LeaseUntil:    now.Add(leaseTTL(ttl)),
	}
	ok, err := claimScript.Run(ctx, s.client, []string{s.recordKey(consumerID, eventID)},
		claim.Token, now.UnixMilli(), claim.LeaseUntil.UnixMilli(), consumerID, eventID, correlationID).Int()
	if err != nil {
		return Claim{}, false, fmt.Errorf("claim %s/%s: %w", consumerID, eventID, err)
	}
	if ok == 0 {
		return Claim{}, false, nil
	}
	return claim, true, nil
}

// Finalize implements Store.
func (s *RedisStore) Finalize(ctx context.Context, claim Claim, outcome Outcome, errMsg string) error {
	if err := checkFinal(outcome); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrStoreClosed
	}

	ok, err := finalizeScript.Run(ctx, s.client,
		[]string{s.recordKey(claim.ConsumerID, claim.EventID), s.terminalKey()},
		claim.Token, string(outcome), s.opts.now().UnixMilli(), errMsg, s.opts.retention.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("finalize %s/%s: %w", claim.ConsumerID, claim.EventID, err)
	}
	if ok == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Release implements Store.
func (s *RedisStore) Release(ctx context.Context, claim Claim) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	ok, err := releaseScript.Run(ctx, s.client, []string{s.recordKey(claim.ConsumerID, claim.EventID)}, claim.Token).Int()
	if err != nil {
		return fmt.Errorf("release %s/%s: %w", claim.ConsumerID, claim.EventID, err)
	}
	if ok == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, consumerID, eventID string) (Record, error) {
	if s.closed.Load() {
		return Record{}, ErrStoreClosed
	}
	fields, err := s.client.HGetAll(ctx, s.recordKey(consumerID, eventID)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("get %s/%s: %w", consumerID, eventID, err)
	}
	if len(fields) == 0 {
		return Record{}, ErrNotFound
	}
	return parseRecord(fields), nil
}

// ListTerminal implements Store. Index entries whose record has expired are
// skipped; Finalize trims them.
func (s *RedisStore) ListTerminal(ctx context.Context, since time.Time, limit int) ([]Record, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	by := &redis.ZRangeBy{Min: strconv.FormatInt(since.UnixMilli(), 10), Max: "+inf"}
	if limit > 0 {
		by.Count = int64(limit)
	}
	keys, err := s.client.ZRangeByScore(ctx, s.terminalKey(), by).Result()
	if err != nil {
		return nil, fmt.Errorf("list terminal deliveries: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HGetAll(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("list terminal deliveries: %w", err)
	}

	out := make([]Record, 0, len(keys))
	for _, cmd := range cmds {
		if fields := cmd.Val(); len(fields) > 0 {
			out = append(out, parseRecord(fields))
		}
	}
	return out, nil
}

func parseRecord(fields map[string]string) Record {
	return Record{
		ConsumerID:    fields["consumer_id"],
		EventID:       fields["event_id"],
		CorrelationID: fields["correlation_id"],
		Outcome:       Outcome(fields["status"]),
		LeaseUntil:    millis(fields["lease_until"]),
		ProcessedAt:   millis(fields["processed_at"]),
		Error:         fields["error"],
	}
}

func millis(v string) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.UnixMilli(n).UTC()
}

// Close implements Store.
func (s *RedisStore) Close() error {
	s.closed.Store(true)
	return nil
}

// Compile-time interface check
var _ Store = (*RedisStore)(nil)
