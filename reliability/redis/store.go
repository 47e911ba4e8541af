package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/LerianStudio/lib-reliability/reliability/clock"
	"github.com/LerianStudio/lib-reliability/reliability/codec"
	"github.com/LerianStudio/lib-reliability/reliability/internal/nilcheck"
	"github.com/LerianStudio/lib-reliability/reliability/log"
	"github.com/LerianStudio/lib-reliability/reliability/store"
	"github.com/redis/go-redis/v9"
)

// ErrEmptyPrefix is returned when a Store is built without a key prefix.
var ErrEmptyPrefix = errors.New("redis store: key prefix cannot be empty")

// errUnexpectedReply marks a script reply that does not have the expected shape.
var errUnexpectedReply = errors.New("redis store: unexpected script reply")

// Every entry lives in one hash: v holds the version, d the encoded value and
// e the expiry in unix milliseconds (0 never expires). Expiry is checked
// against ARGV now so the injected clock decides liveness; PEXPIREAT only
// reclaims memory.
const liveCheck = `
local function live(key, now)
  local cur = redis.call('HMGET', key, 'v', 'd', 'e')
  if not cur[1] then
    return nil
  end
  local e = tonumber(cur[3])
  if e ~= 0 and e <= now then
    return nil
  end
  return cur
end

local function write(key, index, member, counter, data, e)
  local v = redis.call('INCR', counter)
  redis.call('DEL', key)
  redis.call('HSET', key, 'v', v, 'd', data, 'e', e)
  if tonumber(e) > 0 then
    redis.call('PEXPIREAT', key, e)
    redis.call('ZADD', index, e, member)
  else
    redis.call('ZADD', index, '+inf', member)
  end
  return v
end
`

// KEYS: entry, index, counter. ARGV: now, member, data, expiry.
var putIfAbsentScript = redis.NewScript(liveCheck + `
local cur = live(KEYS[1], tonumber(ARGV[1]))
if cur then
  return {0, cur[1], cur[2], cur[3]}
end
return {1, write(KEYS[1], KEYS[2], ARGV[2], KEYS[3], ARGV[3], ARGV[4])}
`)

// KEYS: entry, index, counter. ARGV: now, member, data, expiry.
var putScript = redis.NewScript(liveCheck + `
return write(KEYS[1], KEYS[2], ARGV[2], KEYS[3], ARGV[3], ARGV[4])
`)

// KEYS: entry, index, counter. ARGV: now, member, data, expiry, expected version.
var compareAndSwapScript = redis.NewScript(liveCheck + `
local cur = live(KEYS[1], tonumber(ARGV[1]))
if not cur or cur[1] ~= ARGV[5] then
  return 0
end
write(KEYS[1], KEYS[2], ARGV[2], KEYS[3], ARGV[3], ARGV[4])
return 1
`)

// KEYS: entry, index. ARGV: now, member, expected version.
var compareAndDeleteScript = redis.NewScript(liveCheck + `
local cur = live(KEYS[1], tonumber(ARGV[1]))
if not cur or cur[1] ~= ARGV[3] then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[2])
return 1
`)

// KEYS: index. ARGV: now, entry key prefix.
var purgeScript = redis.NewScript(`
local members = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, member in ipairs(members) do
  redis.call('DEL', ARGV[2] .. member)
  redis.call('ZREM', KEYS[1], member)
end
return #members
`)

// StoreOption configures a Store.
type StoreOption func(*storeOptions)

type storeOptions struct {
	clock  clock.Clock
	logger log.Logger
}

// WithStoreClock sets the clock used for expiry checks.
func WithStoreClock(c clock.Clock) StoreOption {
	return func(o *storeOptions) {
		if !nilcheck.Interface(c) {
			o.clock = c
		}
	}
}

// WithStoreLogger sets the store logger.
func WithStoreLogger(logger log.Logger) StoreOption {
	return func(o *storeOptions) {
		if !nilcheck.Interface(logger) {
			o.logger = logger
		}
	}
}

// Store is a store.Store backed by Redis. All keys of one store share the
// hash tag {prefix}, so a cluster keeps them in one slot and the scripts can
// touch the index and version counter atomically.
type Store[V any] struct {
	client     ClientProvider
	serializer codec.Serializer
	clock      clock.Clock
	logger     log.Logger

	entryPrefix string
	indexKey    string
	counterKey  string
}

var _ store.Store[string] = (*Store[string])(nil)

// NewStore creates a Redis store namespaced by prefix. A nil serializer uses JSON.
func NewStore[V any](client ClientProvider, prefix string, serializer codec.Serializer, opts ...StoreOption) (*Store[V], error) {
	if nilcheck.Interface(client) {
		return nil, ErrNilClient
	}

	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return nil, ErrEmptyPrefix
	}

	o := storeOptions{clock: clock.System{}, logger: log.NewNop()}

	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	if nilcheck.Interface(serializer) {
		serializer = nil
	}

	tag := "{" + prefix + "}"

	return &Store[V]{
		client:      client,
		serializer:  codec.OrJSON(serializer),
		clock:       o.clock,
		logger:      o.logger,
		entryPrefix: tag + ":e:",
		indexKey:    tag + ":i",
		counterKey:  tag + ":v",
	}, nil
}

// Get returns the live entry for key.
func (s *Store[V]) Get(ctx context.Context, key string) (store.Entry[V], bool, error) {
	if key == "" {
		return store.Entry[V]{}, false, store.ErrEmptyKey
	}

	rdb, err := s.client.GetClient(ctx)
	if err != nil {
		return store.Entry[V]{}, false, fmt.Errorf("redis store get: %w", err)
	}

	fields, err := rdb.HMGet(ctx, s.entryPrefix+key, "v", "d", "e").Result()
	if err != nil {
		return store.Entry[V]{}, false, fmt.Errorf("redis store get: %w", err)
	}

	if len(fields) != 3 || fields[0] == nil {
		return store.Entry[V]{}, false, nil
	}

	entry, err := s.decodeEntry(key, fields[0], fields[1], fields[2])
	if err != nil {
		return store.Entry[V]{}, false, err
	}

	if entry.Expired(s.clock.Now()) {
		return store.Entry[V]{}, false, nil
	}

	return entry, true, nil
}

// PutIfAbsent inserts entry unless a live entry exists for its key.
func (s *Store[V]) PutIfAbsent(ctx context.Context, entry store.Entry[V]) (store.Entry[V], bool, error) {
	if entry.Key == "" {
		return store.Entry[V]{}, false, store.ErrEmptyKey
	}

	args, err := s.writeArgs(entry)
	if err != nil {
		return store.Entry[V]{}, false, err
	}

	reply, err := s.run(ctx, putIfAbsentScript, []string{s.entryPrefix + entry.Key, s.indexKey, s.counterKey}, args...)
	if err != nil {
		return store.Entry[V]{}, false, fmt.Errorf("redis store put if absent: %w", err)
	}

	values, ok := reply.([]any)
	if !ok || len(values) < 2 {
		return store.Entry[V]{}, false, fmt.Errorf("redis store put if absent: %w", errUnexpectedReply)
	}

	inserted, err := toUint64(values[0])
	if err != nil {
		return store.Entry[V]{}, false, err
	}

	if inserted == 1 {
		version, err := toUint64(values[1])
		if err != nil {
			return store.Entry[V]{}, false, err
		}

		entry.Version = version

		return entry, true, nil
	}

	if len(values) != 4 {
		return store.Entry[V]{}, false, fmt.Errorf("redis store put if absent: %w", errUnexpectedReply)
	}

	existing, err := s.decodeEntry(entry.Key, values[1], values[2], values[3])
	if err != nil {
		return store.Entry[V]{}, false, err
	}

	return existing, false, nil
}

// Put overwrites the entry for entry.Key.
func (s *Store[V]) Put(ctx context.Context, entry store.Entry[V]) (store.Entry[V], error) {
	if entry.Key == "" {
		return store.Entry[V]{}, store.ErrEmptyKey
	}

	args, err := s.writeArgs(entry)
	if err != nil {
		return store.Entry[V]{}, err
	}

	reply, err := s.run(ctx, putScript, []string{s.entryPrefix + entry.Key, s.indexKey, s.counterKey}, args...)
	if err != nil {
		return store.Entry[V]{}, fmt.Errorf("redis store put: %w", err)
	}

	version, err := toUint64(reply)
	if err != nil {
		return store.Entry[V]{}, err
	}

	entry.Version = version

	return entry, nil
}

// CompareAndSwap replaces the entry iff it still carries old.Version.
func (s *Store[V]) CompareAndSwap(ctx context.Context, old, updated store.Entry[V]) (bool, error) {
	if old.Key == "" {
		return false, store.ErrEmptyKey
	}

	if updated.Key == "" {
		updated.Key = old.Key
	}

	if updated.Key != old.Key {
		return false, store.ErrKeyMismatch
	}

	args, err := s.writeArgs(updated)
	if err != nil {
		return false, err
	}

	args = append(args, strconv.FormatUint(old.Version, 10))

	reply, err := s.run(ctx, compareAndSwapScript, []string{s.entryPrefix + old.Key, s.indexKey, s.counterKey}, args...)
	if err != nil {
		return false, fmt.Errorf("redis store compare and swap: %w", err)
	}

	swapped, err := toUint64(reply)
	if err != nil {
		return false, err
	}

	return swapped == 1, nil
}

// CompareAndDelete removes the entry iff it still carries old.Version.
func (s *Store[V]) CompareAndDelete(ctx context.Context, old store.Entry[V]) (bool, error) {
	if old.Key == "" {
		return false, store.ErrEmptyKey
	}

	reply, err := s.run(ctx, compareAndDeleteScript, []string{s.entryPrefix + old.Key, s.indexKey},
		s.nowMillis(), old.Key, strconv.FormatUint(old.Version, 10))
	if err != nil {
		return false, fmt.Errorf("redis store compare and delete: %w", err)
	}

	deleted, err := toUint64(reply)
	if err != nil {
		return false, err
	}

	return deleted == 1, nil
}

// Delete removes key unconditionally.
func (s *Store[V]) Delete(ctx context.Context, key string) error {
	if key == "" {
		return store.ErrEmptyKey
	}

	rdb, err := s.client.GetClient(ctx)
	if err != nil {
		return fmt.Errorf("redis store delete: %w", err)
	}

	_, err = rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.entryPrefix+key)
		pipe.ZRem(ctx, s.indexKey, key)

		return nil
	})
	if err != nil {
		return fmt.Errorf("redis store delete: %w", err)
	}

	return nil
}

// Len returns the number of live entries.
func (s *Store[V]) Len(ctx context.Context) (int, error) {
	rdb, err := s.client.GetClient(ctx)
	if err != nil {
		return 0, fmt.Errorf("redis store len: %w", err)
	}

	n, err := rdb.ZCount(ctx, s.indexKey, "("+s.nowMillis(), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("redis store len: %w", err)
	}

	return int(n), nil
}

// PurgeExpired deletes every entry whose expiry has passed.
func (s *Store[V]) PurgeExpired(ctx context.Context) (int, error) {
	reply, err := s.run(ctx, purgeScript, []string{s.indexKey}, s.nowMillis(), s.entryPrefix)
	if err != nil {
		return 0, fmt.Errorf("redis store purge: %w", err)
	}

	removed, err := toUint64(reply)
	if err != nil {
		return 0, err
	}

	if removed > 0 && s.logger.Enabled(log.LevelDebug) {
		s.logger.Log(ctx, log.LevelDebug, "purged expired redis entries",
			log.String("index", s.indexKey), log.Int("removed", int(removed)))
	}

	return int(removed), nil
}

func (s *Store[V]) run(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error) {
	rdb, err := s.client.GetClient(ctx)
	if err != nil {
		return nil, err
	}

	return script.Run(ctx, rdb, keys, args...).Result()
}

// writeArgs returns now, member, data and expiry for the write scripts.
func (s *Store[V]) writeArgs(entry store.Entry[V]) ([]any, error) {
	data, err := s.serializer.Encode(entry.Value)
	if err != nil {
		return nil, err
	}

	return []any{s.nowMillis(), entry.Key, data, expiryMillis(entry.ExpiresAt)}, nil
}

func (s *Store[V]) decodeEntry(key string, version, data, expiry any) (store.Entry[V], error) {
	v, err := toUint64(version)
	if err != nil {
		return store.Entry[V]{}, err
	}

	e, err := toUint64(expiry)
	if err != nil {
		return store.Entry[V]{}, err
	}

	raw, ok := data.(string)
	if !ok {
		return store.Entry[V]{}, fmt.Errorf("%w: value of %q is %T", errUnexpectedReply, key, data)
	}

	var value V
	if err := s.serializer.Decode([]byte(raw), &value); err != nil {
		return store.Entry[V]{}, err
	}

	entry := store.Entry[V]{Key: key, Value: value, Version: v}
	if e > 0 {
		entry.ExpiresAt = time.UnixMilli(int64(e)).UTC()
	}

	return entry, nil
}

func (s *Store[V]) nowMillis() string {
	return strconv.FormatInt(s.clock.Now().UnixMilli(), 10)
}

func expiryMillis(t time.Time) string {
	if t.IsZero() {
		return "0"
	}

	// Round up so an entry is never reported expired before its deadline.
	ms := t.UnixMilli()
	if t.Sub(time.UnixMilli(ms)) > 0 {
		ms++
	}

	return strconv.FormatInt(ms, 10)
}

func toUint64(v any) (uint64, error) {
	switch n := v.(type) {
	case int64:
		if n < 0 {
			return 0, fmt.Errorf("%w: negative integer %d", errUnexpectedReply, n)
		}

		return uint64(n), nil
	case string:
		parsed, err := strconv.ParseUint(n, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", errUnexpectedReply, err)
		}

		return parsed, nil
	default:
		return 0, fmt.Errorf("%w: %T", errUnexpectedReply, v)
	}
}
