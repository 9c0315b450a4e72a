package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrLockLost = errors.New("lock no longer held")

// release deletes the key only while it still carries our token.
var release = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is a ledger.Locker shared by every process pointed at the same
// Redis. Locks expire after TTL so a crashed holder cannot wedge a product.
type Locker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	poll   time.Duration
	logger *zap.Logger
}

type Option func(*Locker)

func WithPrefix(prefix string) Option {
	return func(l *Locker) {
		l.prefix = prefix
	}
}

func WithTTL(d time.Duration) Option {
	return func(l *Locker) {
		l.ttl = d
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(l *Locker) {
		l.poll = d
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Locker) {
		l.logger = logger
	}
}

func NewLocker(client *redis.Client, opts ...Option) *Locker {
	l := &Locker{
		client: client,
		prefix: "pricewatch:lock:",
		ttl:    30 * time.Second,
		poll:   25 * time.Millisecond,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Connect builds a client from addr/password/db and pings it.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	k := l.prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, k, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", k, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			n, err := release.Run(context.Background(), l.client, []string{k}, token).Int()
			switch {
			case err != nil:
				l.logger.Error("lock release failed", zap.String("key", k), zap.Error(err))
			case n == 0:
				l.logger.Warn("lock expired before release", zap.String("key", k), zap.Error(ErrLockLost))
			}
		})
	}, nil
}
