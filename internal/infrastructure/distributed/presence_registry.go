package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"pttlink/internal/core/domain"
	"pttlink/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// PresenceRegistry tracks online participants per office scope in Redis.
// Each participant is one TTL-keyed entry that the client re-announces
// while it runs; a crashed client simply expires off the roster.
type PresenceRegistry struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.SugaredLogger
}

// NewPresenceRegistry creates the registry. ttl is how long an entry
// survives without a re-announce.
func NewPresenceRegistry(client *redis.Client, ttl time.Duration, logger *zap.SugaredLogger) *PresenceRegistry {
	if ttl <= 0 {
		ttl = 45 * time.Second
	}
	return &PresenceRegistry{
		client: client,
		prefix: "pttlink:presence:",
		ttl:    ttl,
		logger: logger,
	}
}

func (r *PresenceRegistry) entryKey(scope domain.SessionScope, id domain.ParticipantID) string {
	return r.prefix + scope.String() + ":" + string(id)
}

func (r *PresenceRegistry) scopePattern(scope domain.SessionScope) string {
	return r.prefix + scope.String() + ":*"
}

func (r *PresenceRegistry) Announce(ctx context.Context, scope domain.SessionScope, entry ports.PresenceEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal presence entry: %w", err)
	}
	if err := r.client.Set(ctx, r.entryKey(scope, entry.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to announce presence: %w", err)
	}
	return nil
}

func (r *PresenceRegistry) Withdraw(ctx context.Context, scope domain.SessionScope, id domain.ParticipantID) error {
	if err := r.client.Del(ctx, r.entryKey(scope, id)).Err(); err != nil {
		return fmt.Errorf("failed to withdraw presence: %w", err)
	}
	return nil
}

func (r *PresenceRegistry) Online(ctx context.Context, scope domain.SessionScope) ([]ports.PresenceEntry, error) {
	var entries []ports.PresenceEntry

	iter := r.client.Scan(ctx, 0, r.scopePattern(scope), 100).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Result()
		if err == redis.Nil {
			// Expired between SCAN and GET.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read presence entry: %w", err)
		}

		var entry ports.PresenceEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			r.logger.Warnw("malformed presence entry",
				"key", iter.Val(),
				"error", err,
			)
			continue
		}
		entries = append(entries, entry)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan presence entries: %w", err)
	}
	return entries, nil
}

// Heartbeat announces the participant and keeps re-announcing at a third
// of the TTL until ctx is cancelled, then withdraws. Run it as a
// goroutine for the lifetime of the client process.
func (r *PresenceRegistry) Heartbeat(ctx context.Context, scope domain.SessionScope, entry ports.PresenceEntry) {
	if err := r.Announce(ctx, scope, entry); err != nil {
		r.logger.Warnw("initial presence announce failed",
			"participant_id", entry.ID,
			"error", err,
		)
	}

	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.Announce(ctx, scope, entry); err != nil {
				r.logger.Warnw("presence re-announce failed",
					"participant_id", entry.ID,
					"error", err,
				)
			}
		case <-ctx.Done():
			withdrawCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := r.Withdraw(withdrawCtx, scope, entry.ID); err != nil {
				r.logger.Warnw("presence withdraw failed",
					"participant_id", entry.ID,
					"error", err,
				)
			}
			return
		}
	}
}

var _ ports.PresenceStore = (*PresenceRegistry)(nil)
