// Package lease keeps a sweep from running twice at the same time. With
// several server replicas the lease lives in Redis; a single process uses
// the in-memory Local lease.
package lease

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/escrowpay/internal/idgen"
)

// ErrHeld is returned when another holder owns the lease.
var ErrHeld = errors.New("lease: held by another worker")

// Lease grants exclusive, time-bounded ownership of a name.
type Lease interface {
	// Acquire returns a release function when the lease was granted and
	// ErrHeld when someone else holds it. ttl bounds a crashed holder.
	Acquire(ctx context.Context, name string, ttl time.Duration) (func(), error)
}

// Local is a process-local lease. ttl is ignored: the holder's release
// function is the only way out.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocal creates an in-memory lease.
func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

func (l *Local) Acquire(_ context.Context, name string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[name]; ok {
		return nil, ErrHeld
	}
	l.held[name] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, name)
			l.mu.Unlock()
		})
	}, nil
}

// releaseScript deletes the key only if it still carries our token, so a
// holder whose ttl lapsed cannot drop a lease someone else now owns.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a lease shared by every process using the same Redis.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis creates a Redis-backed lease.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, prefix: "escrowpay:lease:"}
}

func (r *Redis) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), error) {
	key := r.prefix + name
	token := idgen.New()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if !ok {
		return nil, ErrHeld
	}
	return func() {
		// The caller's ctx may already be done when the job returns.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(rctx, r.client, []string{key}, token).Err()
	}, nil
}

// Connect initializes a Redis client from URL or host:port input.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

var (
	_ Lease = (*Local)(nil)
	_ Lease = (*Redis)(nil)
)
