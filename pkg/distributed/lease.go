package distributed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease is a Redis-backed writer lease. The session initiator holds the
// lease for its office scope while the Session Record is open: a second
// client pressing at the same moment loses the SETNX race and stays an
// observer. The TTL bounds how long a crashed initiator can wedge the
// scope.
type Lease struct {
	client *redis.Client
	key    string
	holder string
	ttl    time.Duration

	mu        sync.Mutex
	held      bool
	stopRenew chan struct{}
}

// NewLease creates an unheld lease. holder identifies this client in the
// lease value; Release only deletes a lease still carrying it.
func NewLease(client *redis.Client, key, holder string, ttl time.Duration) *Lease {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Lease{
		client: client,
		key:    key,
		holder: holder,
		ttl:    ttl,
	}
}

// TryAcquire attempts to take the lease without blocking. Re-acquiring a
// lease this holder already owns refreshes its TTL and succeeds.
func (l *Lease) TryAcquire(ctx context.Context) (bool, error) {
	acquired, err := l.client.SetNX(ctx, l.key, l.holder, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	if acquired {
		l.startRenewal()
		return true, nil
	}

	current, err := l.client.Get(ctx, l.key).Result()
	if err == redis.Nil {
		// Raced an expiry; let the caller retry.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to inspect lease: %w", err)
	}
	if current == l.holder {
		if err := l.client.Expire(ctx, l.key, l.ttl).Err(); err != nil {
			return false, fmt.Errorf("failed to refresh lease: %w", err)
		}
		l.startRenewal()
		return true, nil
	}
	return false, nil
}

// Holder returns who currently holds the lease, or "" when it is free.
func (l *Lease) Holder(ctx context.Context) (string, error) {
	current, err := l.client.Get(ctx, l.key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to inspect lease: %w", err)
	}
	return current, nil
}

// releaseScript deletes the lease only while this holder still owns it.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

// Release gives the lease up. Releasing a lease that expired or was never
// acquired is a no-op.
func (l *Lease) Release(ctx context.Context) error {
	l.stopRenewal()

	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.holder).Err(); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

func (l *Lease) startRenewal() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		return
	}
	l.held = true
	l.stopRenew = make(chan struct{})
	go l.renew(l.stopRenew)
}

func (l *Lease) stopRenewal() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return
	}
	l.held = false
	close(l.stopRenew)
}

// renew refreshes the TTL at half its length until the lease is released
// or lost to expiry.
func (l *Lease) renew(stop <-chan struct{}) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/2)
			current, err := l.client.Get(ctx, l.key).Result()
			if err != nil || current != l.holder {
				cancel()
				l.stopRenewal()
				return
			}
			_ = l.client.Expire(ctx, l.key, l.ttl).Err()
			cancel()
		case <-stop:
			return
		}
	}
}
