package shardstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/venugopal1902/email-verifier/internal/domain"
	"github.com/venugopal1902/email-verifier/internal/pkg/distlock"
)

const (
	DefaultNamespace = "suppress"
	defaultOpTimeout = 500 * time.Millisecond
	defaultLockTTL   = 30 * time.Second
)

// RedisOptions tunes a RedisStore.
type RedisOptions struct {
	Namespace string
	// OpTimeout bounds every single shard call.
	OpTimeout time.Duration
	LockTTL   time.Duration
	// LockPoll is how often a busy per-key lock is retried.
	LockPoll time.Duration
}

// RedisStore keeps one go-redis client per shard.
type RedisStore struct {
	opts RedisOptions

	mu      sync.RWMutex
	clients map[string]*redis.Client
}

// NewRedisStore creates an empty store; shards are added with Register.
func NewRedisStore(opts RedisOptions) *RedisStore {
	if opts.Namespace == "" {
		opts.Namespace = DefaultNamespace
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = defaultOpTimeout
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = defaultLockTTL
	}
	if opts.LockPoll <= 0 {
		opts.LockPoll = 10 * time.Millisecond
	}
	return &RedisStore{opts: opts, clients: make(map[string]*redis.Client)}
}

// Register connects a shard described by a redis:// endpoint URL.
func (s *RedisStore) Register(desc domain.ShardDescriptor) error {
	opt, err := redis.ParseURL(desc.Endpoint)
	if err != nil {
		return fmt.Errorf("shard %s: parse endpoint: %w", desc.ID, err)
	}
	s.RegisterClient(desc.ID, redis.NewClient(opt))
	return nil
}

// RegisterClient adds a shard backed by an existing client.
func (s *RedisStore) RegisterClient(id string, c *redis.Client) {
	s.mu.Lock()
	old := s.clients[id]
	s.clients[id] = c
	s.mu.Unlock()
	if old != nil && old != c {
		old.Close()
	}
}

// Deregister disconnects a shard.
func (s *RedisStore) Deregister(id string) {
	s.mu.Lock()
	c := s.clients[id]
	delete(s.clients, id)
	s.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

// Shards returns the registered shard ids.
func (s *RedisStore) Shards() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close disconnects every shard.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for id, c := range s.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(s.clients, id)
	}
	return errors.Join(errs...)
}

func (s *RedisStore) client(shardID string) (*redis.Client, error) {
	s.mu.RLock()
	c, ok := s.clients[shardID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownShard, shardID)
	}
	return c, nil
}

func (s *RedisStore) hashKey() string { return s.opts.Namespace }

// unavailable tags a redis failure so callers can tell it from a miss.
func unavailable(shardID, op string, err error) error {
	return domain.Transient("shard "+shardID+" "+op, fmt.Errorf("%w: %v", ErrShardUnavailable, err))
}

func (s *RedisStore) Exists(ctx context.Context, shardID, key string) (bool, error) {
	c, err := s.client(shardID)
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()
	ok, err := c.HExists(ctx, s.hashKey(), key).Result()
	if err != nil {
		return false, unavailable(shardID, "exists", err)
	}
	return ok, nil
}

func (s *RedisStore) Get(ctx context.Context, shardID, key string) (string, bool, error) {
	c, err := s.client(shardID)
	if err != nil {
		return "", false, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()
	v, err := c.HGet(ctx, s.hashKey(), key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable(shardID, "get", err)
	}
	return v, true, nil
}

func (s *RedisStore) Add(ctx context.Context, shardID, key, value string) (bool, error) {
	c, err := s.client(shardID)
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()
	ok, err := c.HSetNX(ctx, s.hashKey(), key, value).Result()
	if err != nil {
		return false, unavailable(shardID, "add", err)
	}
	return ok, nil
}

func (s *RedisStore) Put(ctx context.Context, shardID string, entries map[string]string) error {
	if len(entries) == 0 {
		return nil
	}
	c, err := s.client(shardID)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout*4)
	defer cancel()
	args := make([]interface{}, 0, len(entries)*2)
	for k, v := range entries {
		args = append(args, k, v)
	}
	if err := c.HSet(ctx, s.hashKey(), args...).Err(); err != nil {
		return unavailable(shardID, "put", err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, shardID, key string) (bool, error) {
	c, err := s.client(shardID)
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()
	n, err := c.HDel(ctx, s.hashKey(), key).Result()
	if err != nil {
		return false, unavailable(shardID, "remove", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Lock(ctx context.Context, shardID, key string) (Unlock, error) {
	c, err := s.client(shardID)
	if err != nil {
		return nil, err
	}
	l := distlock.NewRedisLock(c, s.opts.Namespace+":"+key, s.opts.LockTTL)
	ctx, cancel := context.WithTimeout(ctx, s.opts.LockTTL)
	defer cancel()
	if err := distlock.Obtain(ctx, l, s.opts.LockPoll); err != nil {
		if errors.Is(err, distlock.ErrNotAcquired) {
			return nil, domain.Transient("shard "+shardID+" lock", err)
		}
		return nil, unavailable(shardID, "lock", err)
	}
	return func(ctx context.Context) error { return l.Release(ctx) }, nil
}

func (s *RedisStore) Scan(ctx context.Context, shardID string, cursor uint64, count int64) (map[string]string, uint64, error) {
	c, err := s.client(shardID)
	if err != nil {
		return nil, 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout*4)
	defer cancel()
	kv, next, err := c.HScan(ctx, s.hashKey(), cursor, "", count).Result()
	if err != nil {
		return nil, 0, unavailable(shardID, "scan", err)
	}
	out := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i]] = kv[i+1]
	}
	return out, next, nil
}

func (s *RedisStore) Clear(ctx context.Context, shardID string) error {
	c, err := s.client(shardID)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout*4)
	defer cancel()
	if err := c.Del(ctx, s.hashKey()).Err(); err != nil {
		return unavailable(shardID, "clear", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context, shardID string) error {
	c, err := s.client(shardID)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		return unavailable(shardID, "ping", err)
	}
	return nil
}
