package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned when releasing a lease that expired or was taken over.
var ErrNotHeld = errors.New("lease not held")

// Lease is a held lock. Release is safe to call more than once.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker hands out time-bounded leases. Acquire returns ok=false without error when
// another holder owns key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error)
}

// ---- in-process ----

// Local is a Locker for a single process.
type Local struct {
	mu   sync.Mutex
	held map[string]localEntry
	now  func() time.Time
}

type localEntry struct {
	token   string
	expires time.Time
}

func NewLocal() *Local {
	return &Local{held: make(map[string]localEntry), now: time.Now}
}

func (l *Local) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.held[key]; ok && now.Before(e.expires) {
		return nil, false, nil
	}
	token := uuid.NewString()
	l.held[key] = localEntry{token: token, expires: now.Add(ttl)}
	return &localLease{owner: l, key: key, token: token}, true, nil
}

type localLease struct {
	owner *Local
	key   string
	token string
	once  sync.Once
	err   error
}

func (h *localLease) Release(context.Context) error {
	h.once.Do(func() {
		h.owner.mu.Lock()
		defer h.owner.mu.Unlock()
		e, ok := h.owner.held[h.key]
		if !ok || e.token != h.token {
			h.err = ErrNotHeld
			return
		}
		delete(h.owner.held, h.key)
	})
	return h.err
}

// ---- redis ----

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker shared by every replica pointed at the same Redis.
type Redis struct {
	client redis.Cmdable
	prefix string
}

func NewRedis(client redis.Cmdable, prefix string) *Redis {
	if prefix == "" {
		prefix = "instrument-catalog:lease:"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	token := uuid.NewString()
	full := r.prefix + key
	ok, err := r.client.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", full, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &redisLease{client: r.client, key: full, token: token}, true, nil
}

type redisLease struct {
	client redis.Cmdable
	key    string
	token  string

	mu   sync.Mutex
	done bool
}

func (h *redisLease) Release(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return nil
	}
	n, err := releaseScript.Run(ctx, h.client, []string{h.key}, h.token).Int()
	if err != nil {
		return fmt.Errorf("release lease %s: %w", h.key, err)
	}
	h.done = true
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}
