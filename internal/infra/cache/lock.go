package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// 値が自分のものであるときだけ消す（期限切れ後に他が取ったロックは消さない）
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

type RedisLocker struct {
	client      redis.Cmdable
	serviceName string
	newValue    func() string
}

func NewRedisLocker(client redis.Cmdable, serviceName string) *RedisLocker {
	return &RedisLocker{
		client:      client,
		serviceName: serviceName,
		newValue:    uuid.NewString,
	}
}

func (l *RedisLocker) Key(key string) string {
	return fmt.Sprintf("%s:lock:%s", l.serviceName, key)
}

// SET NX PX で取る。他が持っていれば ok=false
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	k := l.Key(key)
	v := l.newValue()

	ok, err := l.client.SetNX(ctx, k, v, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			_ = l.client.Eval(ctx, releaseScript, []string{k}, v).Err()
		})
	}
	return release, true, nil
}

// Redis未設定時の単一プロセス用
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]time.Time
	nowFn func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]time.Time), nowFn: time.Now}
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	if exp, ok := l.held[key]; ok && now.Before(exp) {
		return nil, false, nil
	}
	exp := now.Add(ttl)
	l.held[key] = exp

	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if cur, ok := l.held[key]; ok && cur.Equal(exp) {
				delete(l.held, key)
			}
		})
	}
	return release, true, nil
}
