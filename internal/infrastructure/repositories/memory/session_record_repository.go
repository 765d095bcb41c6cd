package memory

import (
	"context"
	"sync"

	"pttlink/internal/core/domain"
	"pttlink/internal/core/ports"
)

type watcher struct {
	scope domain.SessionScope
	ch    chan domain.SessionRecord
}

// SessionRecordRepository is an in-process coordination store. It backs
// single-process deployments and tests; cross-device coordination uses the
// Redis store.
type SessionRecordRepository struct {
	mu       sync.Mutex
	records  map[domain.SessionScope]*domain.SessionRecord
	watchers []*watcher
}

// NewSessionRecordRepository creates the in-memory coordination store.
func NewSessionRecordRepository() ports.SessionRecordStore {
	return &SessionRecordRepository{
		records: make(map[domain.SessionScope]*domain.SessionRecord),
	}
}

func (r *SessionRecordRepository) Put(ctx context.Context, scope domain.SessionScope, record *domain.SessionRecord) error {
	snapshot := *record

	r.mu.Lock()
	defer r.mu.Unlock()

	r.records[scope] = &snapshot
	for _, w := range r.watchers {
		if w.scope != scope {
			continue
		}
		select {
		case w.ch <- snapshot:
		default:
			// a stalled watcher must not block the writer
		}
	}
	return nil
}

func (r *SessionRecordRepository) Get(ctx context.Context, scope domain.SessionScope) (*domain.SessionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[scope]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	snapshot := *record
	return &snapshot, nil
}

func (r *SessionRecordRepository) Watch(ctx context.Context, scope domain.SessionScope) (<-chan domain.SessionRecord, error) {
	w := &watcher{scope: scope, ch: make(chan domain.SessionRecord, 8)}

	r.mu.Lock()
	r.watchers = append(r.watchers, w)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()

		r.mu.Lock()
		for i, existing := range r.watchers {
			if existing == w {
				r.watchers = append(r.watchers[:i], r.watchers[i+1:]...)
				break
			}
		}
		close(w.ch)
		r.mu.Unlock()
	}()

	return w.ch, nil
}
