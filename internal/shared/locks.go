package shared

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLockNotAcquired indicates the lock could not be taken before the deadline.
var ErrLockNotAcquired = errors.New("lock not acquired")

// InventoryLockKey builds redis keys for inventory critical sections scoped to
// a single product in a single warehouse.
func InventoryLockKey(tenantID, productID, warehouseID int64) string {
	return fmt.Sprintf("inventory:%d:%d:%d:lock", tenantID, productID, warehouseID)
}

// AlertLockKey guards alert evaluation of one product in one warehouse. It is
// distinct from InventoryLockKey so lot expiry can run before it is taken.
func AlertLockKey(tenantID, productID, warehouseID int64) string {
	return fmt.Sprintf("alerts:%d:%d:%d:lock", tenantID, productID, warehouseID)
}

// KeyLocker serialises work on a single key without blocking unrelated keys.
type KeyLocker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// LockAll acquires every key in ascending order so that two callers locking
// overlapping sets cannot deadlock. Duplicates are collapsed.
func LockAll(ctx context.Context, locker KeyLocker, keys ...string) (func(), error) {
	uniq := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		uniq = append(uniq, k)
	}
	sort.Strings(uniq)
	unlocks := make([]func(), 0, len(uniq))
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, k := range uniq {
		unlock, err := locker.Lock(ctx, k)
		if err != nil {
			release()
			return func() {}, err
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}

// LocalLocker is an in-process KeyLocker used for single-node deployments and tests.
type LocalLocker struct {
	mu      sync.Mutex
	timeout time.Duration
	slots   map[string]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker returns a keyed mutex. A zero timeout waits until ctx is done.
func NewLocalLocker(timeout time.Duration) *LocalLocker {
	return &LocalLocker{timeout: timeout, slots: make(map[string]*lockSlot)}
}

// Lock blocks until key is free, the timeout elapses or ctx is cancelled.
func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = slot
	}
	slot.refs++
	l.mu.Unlock()

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	select {
	case slot.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, slot)
		return func() {}, fmt.Errorf("%w: %s", ErrLockNotAcquired, key)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-slot.ch
			l.release(key, slot)
		})
	}, nil
}

func (l *LocalLocker) release(key string, slot *lockSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, key)
	}
}

// releaseScript deletes the key only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker is a KeyLocker shared by every API and worker process.
type RedisLocker struct {
	client  *redis.Client
	ttl     time.Duration
	timeout time.Duration
	backoff time.Duration
}

// NewRedisLocker builds a token lock. ttl bounds how long a crashed holder
// can block the key; timeout bounds how long Lock waits.
func NewRedisLocker(client *redis.Client, ttl, timeout time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{client: client, ttl: ttl, timeout: timeout, backoff: 20 * time.Millisecond}
}

// Lock polls SET NX until the key is free or the wait budget is spent.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	if l == nil || l.client == nil {
		return func() {}, errors.New("redis locker not initialised")
	}
	token, err := newToken()
	if err != nil {
		return func() {}, err
	}
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	ticker := time.NewTicker(l.backoff)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil && ctx.Err() == nil {
			return func() {}, err
		}
		if ok {
			return func() {
				// The caller's context may already be cancelled; release regardless.
				releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
			}, nil
		}
		select {
		case <-ctx.Done():
			return func() {}, fmt.Errorf("%w: %s", ErrLockNotAcquired, key)
		case <-ticker.C:
		}
	}
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
