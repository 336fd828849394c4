package redisx

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const pendingMarker = "pending"

// ErrInFlight means another request holding the same key has not finished.
var ErrInFlight = errors.New("redisx: idempotent request in flight")

// completeScript stores the response only while our pending claim is still there.
var completeScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

type Idempotency struct {
	rdb redis.Cmdable
}

func NewIdempotency(rdb redis.Cmdable) *Idempotency { return &Idempotency{rdb: rdb} }

func idemKey(userID, key string) string { return fmt.Sprintf(KeyIdemCheckout, userID, key) }

// claimAttempts bounds the SETNX/GET loop when the key keeps expiring in between.
const claimAttempts = 2

// Claim reserves key for userID. It returns the stored response when the key
// already completed, ErrInFlight while another claim is pending, and
// (nil, nil) when the caller now owns the key.
func (i *Idempotency) Claim(ctx context.Context, userID, key string) ([]byte, error) {
	k := idemKey(userID, key)
	for attempt := 0; attempt < claimAttempts; attempt++ {
		ok, err := i.rdb.SetNX(ctx, k, pendingMarker, TTLIdemPending).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return nil, nil
		}
		b, err := i.rdb.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			// expired between SETNX and GET
			continue
		}
		if err != nil {
			return nil, err
		}
		if string(b) == pendingMarker {
			return nil, ErrInFlight
		}
		return b, nil
	}
	// the key is churning under another client; let the caller retry later
	return nil, ErrInFlight
}

// Complete records the response for a claimed key.
func (i *Idempotency) Complete(ctx context.Context, userID, key string, response []byte) error {
	return completeScript.Run(ctx, i.rdb, []string{idemKey(userID, key)},
		pendingMarker, response, TTLIdempotency.Milliseconds()).Err()
}

// Release drops a pending claim so the client may retry after a failure.
func (i *Idempotency) Release(ctx context.Context, userID, key string) error {
	k := idemKey(userID, key)
	b, err := i.rdb.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	if b != pendingMarker {
		return nil
	}
	return i.rdb.Del(ctx, k).Err()
}
