package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"pttlink/internal/core/domain"
)

var feedScope = domain.SessionScope{RegionID: "r1", OfficeID: "o1"}

func activeRecord(initiator domain.ParticipantID) *domain.SessionRecord {
	cred := &domain.Credential{Token: "tok", ChannelName: "ptt_r1_o1"}
	return domain.NewSessionRecord(initiator, domain.RoleDriver, cred, time.Now())
}

func TestSessionRecordRepository_PutThenGet(t *testing.T) {
	repo := NewSessionRecordRepository()
	ctx := context.Background()

	if _, err := repo.Get(ctx, feedScope); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("Expected ErrSessionNotFound, got: %v", err)
	}

	if err := repo.Put(ctx, feedScope, activeRecord("driver-1")); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	rec, err := repo.Get(ctx, feedScope)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !rec.Active || rec.InitiatorID != "driver-1" {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestSessionRecordRepository_GetReturnsSnapshot(t *testing.T) {
	repo := NewSessionRecordRepository()
	ctx := context.Background()

	_ = repo.Put(ctx, feedScope, activeRecord("driver-1"))

	first, _ := repo.Get(ctx, feedScope)
	first.Active = false

	second, _ := repo.Get(ctx, feedScope)
	if !second.Active {
		t.Error("mutating a returned record must not affect the store")
	}
}

func TestSessionRecordRepository_WatchDeliversWrites(t *testing.T) {
	repo := NewSessionRecordRepository()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, err := repo.Watch(ctx, feedScope)
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}

	rec := activeRecord("driver-1")
	_ = repo.Put(ctx, feedScope, rec)
	_ = repo.Put(ctx, feedScope, rec.Closed(time.Now()))

	got := <-updates
	if !got.Active {
		t.Error("Expected the active write first")
	}
	got = <-updates
	if got.Active {
		t.Error("Expected the closed write second")
	}
}

func TestSessionRecordRepository_WatchIsScopeFiltered(t *testing.T) {
	repo := NewSessionRecordRepository()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, err := repo.Watch(ctx, feedScope)
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}

	other := domain.SessionScope{RegionID: "r2", OfficeID: "o9"}
	_ = repo.Put(ctx, other, activeRecord("driver-2"))
	_ = repo.Put(ctx, feedScope, activeRecord("driver-1"))

	got := <-updates
	if got.InitiatorID != "driver-1" {
		t.Errorf("watch leaked another scope's write: %+v", got)
	}
}

func TestSessionRecordRepository_WatchClosesOnCancel(t *testing.T) {
	repo := NewSessionRecordRepository()
	ctx, cancel := context.WithCancel(context.Background())

	updates, err := repo.Watch(ctx, feedScope)
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}

	cancel()

	select {
	case _, ok := <-updates:
		if ok {
			t.Error("Expected closed channel after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watch channel never closed")
	}

	// Writes after the watcher is gone must not block or panic.
	if err := repo.Put(context.Background(), feedScope, activeRecord("driver-1")); err != nil {
		t.Errorf("put after cancel failed: %v", err)
	}
}
