package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	PairLockPrefix = "chat:pairlock:"
	PairLockTTL    = 10 * time.Second
)

// ErrPairLocked is returned when another page session is already creating a
// channel for the same pair of participants.
var ErrPairLocked = errors.New("chat: channel creation already in progress for this pair")

// PairLock serializes channel creation for a participant pair across page
// sessions (for example two tabs of the same candidate). The local search
// through known channels still runs first; the lock only closes the window
// between that search and the backend create call.
type PairLock struct {
	rdb           *redis.Client
	ttl           time.Duration
	releaseScript *redis.Script
}

// NewPairLock creates a pair lock backed by Redis.
func NewPairLock(rdb *redis.Client) *PairLock {
	return &PairLock{
		rdb:           rdb,
		ttl:           PairLockTTL,
		releaseScript: redis.NewScript(releasePairLua),
	}
}

// Acquire claims the pair. It returns ErrPairLocked if the pair is already
// held. The returned release function is safe to call once the create has
// finished; it only deletes the key if this holder still owns it.
func (l *PairLock) Acquire(ctx context.Context, a, b string) (func(), error) {
	key := PairLockPrefix + PairKey(a, b)
	token := uuid.New().String()

	ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("chat: pair lock: %w", err)
	}
	if !ok {
		return nil, ErrPairLocked
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.releaseScript.Run(ctx, l.rdb, []string{key}, token).Err()
	}
	return release, nil
}

// releasePairLua deletes the lock key only if it still holds our token, so a
// holder whose TTL already expired cannot release somebody else's claim.
const releasePairLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`
