package idempotency

import (
	"fmt"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/lithammer/shortuuid/v3"
	extErrors "github.com/pkg/errors"
)

// unlockScript deletes the lock only if it is still held by the caller's token
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Store remembers processed keys and hands out short lived locks
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// NewStore returns a Store keeping its keys under prefix
func NewStore(client redis.UniversalClient, prefix string) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("nil redisClient is invalid")
	}
	return &Store{
		redis:  client,
		prefix: prefix,
	}, nil
}

func (s *Store) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// Seen reports whether key was marked as processed
func (s *Store) Seen(key string) (bool, error) {
	n, err := s.redis.Exists(s.key("seen", key)).Result()
	if err != nil {
		return false, extErrors.Wrap(err, "Cannot check processed key")
	}
	return n > 0, nil
}

// MarkSeen records key as processed for ttl
func (s *Store) MarkSeen(key string, ttl time.Duration) error {
	if err := s.redis.Set(s.key("seen", key), time.Now().UTC().Unix(), ttl).Err(); err != nil {
		return extErrors.Wrap(err, "Cannot mark key as processed")
	}
	return nil
}

// Lock is a held lock returned by Acquire
type Lock struct {
	store *Store
	key   string
	token string
}

// Acquire tries to take the lock named name. It returns nil without error when someone else holds it.
func (s *Store) Acquire(name string, ttl time.Duration) (*Lock, error) {
	token := shortuuid.New()
	key := s.key("lock", name)
	ok, err := s.redis.SetNX(key, token, ttl).Result()
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot acquire lock")
	}
	if !ok {
		return nil, nil
	}
	return &Lock{
		store: s,
		key:   key,
		token: token,
	}, nil
}

// Release gives the lock up if it is still ours
func (l *Lock) Release() error {
	if err := unlockScript.Run(l.store.redis, []string{l.key}, l.token).Err(); err != nil && err != redis.Nil {
		return extErrors.Wrap(err, "Cannot release lock")
	}
	return nil
}
