package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"pttlink/internal/core/domain"
	"pttlink/internal/core/ports"
	"pttlink/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// writerLeaseTTL bounds how long a crashed initiator can hold a scope.
// The lease auto-renews while the holder is alive.
const writerLeaseTTL = 30 * time.Second

// SessionRecordRepository keeps one Session Record document per office
// scope. Every write replaces the whole document and publishes it on the
// scope's Pub/Sub channel, so observers never see a partially updated
// record and auto-join without polling. A writer lease enforces the
// single-initiator invariant across devices: when two clients press at
// the same moment, the SETNX loser gets ErrSessionBusy and stays an
// observer.
type SessionRecordRepository struct {
	client *redis.Client
	prefix string
	logger *zap.SugaredLogger

	mu     sync.Mutex
	leases map[domain.SessionScope]*distributed.Lease
}

// NewSessionRecordRepository creates the Redis-backed coordination store.
func NewSessionRecordRepository(client *redis.Client, logger *zap.SugaredLogger) ports.SessionRecordStore {
	return &SessionRecordRepository{
		client: client,
		prefix: "pttlink:session:",
		logger: logger,
		leases: make(map[domain.SessionScope]*distributed.Lease),
	}
}

func (r *SessionRecordRepository) recordKey(scope domain.SessionScope) string {
	return r.prefix + scope.String()
}

func (r *SessionRecordRepository) eventsChannel(scope domain.SessionScope) string {
	return r.prefix + scope.String() + ":events"
}

func (r *SessionRecordRepository) leaseKey(scope domain.SessionScope) string {
	return r.prefix + scope.String() + ":writer"
}

// writerLease returns this process's lease handle for the scope, keyed by
// the record's initiator.
func (r *SessionRecordRepository) writerLease(scope domain.SessionScope, initiator domain.ParticipantID) *distributed.Lease {
	r.mu.Lock()
	defer r.mu.Unlock()

	lease, ok := r.leases[scope]
	if !ok {
		lease = distributed.NewLease(r.client, r.leaseKey(scope), string(initiator), writerLeaseTTL)
		r.leases[scope] = lease
	}
	return lease
}

func (r *SessionRecordRepository) Put(ctx context.Context, scope domain.SessionScope, record *domain.SessionRecord) error {
	lease := r.writerLease(scope, record.InitiatorID)

	if record.Active {
		acquired, err := lease.TryAcquire(ctx)
		if err != nil {
			return fmt.Errorf("failed to acquire writer lease: %w", err)
		}
		if !acquired {
			holder, _ := lease.Holder(ctx)
			r.logger.Warnw("scope already has an initiator",
				"scope", scope.String(),
				"holder", holder,
			)
			return domain.ErrSessionBusy
		}
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal session record: %w", err)
	}

	// SET then PUBLISH: a subscriber that misses the message still finds
	// the current document with Get.
	if err := r.client.Set(ctx, r.recordKey(scope), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write session record: %w", err)
	}
	if err := r.client.Publish(ctx, r.eventsChannel(scope), data).Err(); err != nil {
		return fmt.Errorf("failed to publish session record: %w", err)
	}

	if !record.Active {
		if err := lease.Release(ctx); err != nil {
			r.logger.Warnw("failed to release writer lease",
				"scope", scope.String(),
				"error", err,
			)
		}
		r.mu.Lock()
		delete(r.leases, scope)
		r.mu.Unlock()
	}
	return nil
}

func (r *SessionRecordRepository) Get(ctx context.Context, scope domain.SessionScope) (*domain.SessionRecord, error) {
	data, err := r.client.Get(ctx, r.recordKey(scope)).Result()
	if err == redis.Nil {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session record: %w", err)
	}

	var record domain.SessionRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session record: %w", err)
	}
	return &record, nil
}

func (r *SessionRecordRepository) Watch(ctx context.Context, scope domain.SessionScope) (<-chan domain.SessionRecord, error) {
	sub := r.client.Subscribe(ctx, r.eventsChannel(scope))

	// Force the subscription onto the wire before returning so a record
	// published right after Watch is not missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to session events: %w", err)
	}

	out := make(chan domain.SessionRecord, 8)

	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()

		// Deliver the current document first so late subscribers catch an
		// already-running session.
		if current, err := r.Get(ctx, scope); err == nil {
			select {
			case out <- *current:
			case <-ctx.Done():
				return
			}
		}

		ch := sub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var record domain.SessionRecord
				if err := json.Unmarshal([]byte(msg.Payload), &record); err != nil {
					r.logger.Warnw("malformed session record on events channel",
						"scope", scope.String(),
						"error", err,
					)
					continue
				}
				select {
				case out <- record:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
