package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrLocked is returned by TryLock when the lock is already held.
var ErrLocked = errors.New("lock is already held")

const unlockScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`

// SourceLockKey is the lock held while a source is being synced.
func SourceLockKey(sourceID int64) string {
	return Key("lock", "source", strconv.FormatInt(sourceID, 10))
}

// TryLock acquires a lock on key with SET NX PX. The returned unlock func must
// be called to release it; it only deletes the key while this holder owns it.
// If the lock is already held, ErrLocked is returned.
func (r *Redis) TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error) {
	token := randomToken()

	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("cache lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLocked
	}

	return func() {
		// Background context so unlock still runs after the caller is cancelled.
		_ = r.client.Eval(context.Background(), unlockScript, []string{key}, token).Err()
	}, nil
}

// IsLocked reports whether key is currently held.
func (r *Redis) IsLocked(ctx context.Context, key string) bool {
	n, _ := r.client.Exists(ctx, key).Result()
	return n > 0
}

func randomToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
