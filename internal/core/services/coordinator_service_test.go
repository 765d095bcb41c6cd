package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"pttlink/internal/core/domain"
	"pttlink/internal/core/ports"
	"pttlink/internal/infrastructure/repositories/memory"

	"go.uber.org/zap/zaptest"
)

type joinCall struct {
	token   string
	channel domain.ChannelName
}

type fakeRTCProvider struct {
	mu     sync.Mutex
	events chan ports.RTCEvent
	joins  []joinCall
	leaves int
	mic    bool
}

func newFakeRTCProvider() *fakeRTCProvider {
	return &fakeRTCProvider{events: make(chan ports.RTCEvent, 32)}
}

func (f *fakeRTCProvider) JoinChannel(ctx context.Context, token string, channel domain.ChannelName) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, joinCall{token: token, channel: channel})
	return nil
}

func (f *fakeRTCProvider) LeaveChannel(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves++
	return nil
}

func (f *fakeRTCProvider) EnableLocalAudio(enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mic = enabled
	return nil
}

func (f *fakeRTCProvider) AdjustPlaybackVolume(level int) error { return nil }
func (f *fakeRTCProvider) Events() <-chan ports.RTCEvent        { return f.events }
func (f *fakeRTCProvider) Close() error                         { return nil }

func (f *fakeRTCProvider) emit(ev ports.RTCEvent) { f.events <- ev }

func (f *fakeRTCProvider) joinCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.joins)
}

func (f *fakeRTCProvider) lastJoin() joinCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joins[len(f.joins)-1]
}

func (f *fakeRTCProvider) leaveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leaves
}

func (f *fakeRTCProvider) micEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mic
}

type fakeCredManager struct {
	mu          sync.Mutex
	cred        *domain.Credential
	err         error
	gets        int
	invalidates int
}

func (f *fakeCredManager) Get(ctx context.Context, scope domain.ScopeKey) (*domain.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.err != nil {
		return nil, f.err
	}
	return f.cred, nil
}

func (f *fakeCredManager) Cached(ctx context.Context, scope domain.ScopeKey) (*domain.Credential, error) {
	return f.Get(ctx, scope)
}

func (f *fakeCredManager) Put(ctx context.Context, cred *domain.Credential) error { return nil }

func (f *fakeCredManager) Invalidate(ctx context.Context, scope domain.ScopeKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidates++
	return nil
}

func (f *fakeCredManager) NeedsRefresh(ctx context.Context, scope domain.ScopeKey) bool { return false }

func (f *fakeCredManager) Refresh(ctx context.Context, scope domain.ScopeKey) (*domain.Credential, error) {
	return f.Get(ctx, scope)
}

func (f *fakeCredManager) EvictMemory(ctx context.Context, scope domain.ScopeKey) error { return nil }

func (f *fakeCredManager) getCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

func (f *fakeCredManager) invalidateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.invalidates
}

func waitUntil(t *testing.T, timeout time.Duration, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func expectEvent(t *testing.T, events <-chan domain.Event, timeout time.Duration, desc string, match func(domain.Event) bool) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event stream closed while waiting for %s", desc)
			}
			if match(ev) {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", desc)
		}
	}
}

var coordScope = domain.ScopeKey{RegionID: "r1", OfficeID: "o1", Role: domain.RoleDriver}

func testCredential() *domain.Credential {
	now := time.Now()
	return &domain.Credential{
		Token:       "join-token",
		ChannelName: "ptt_r1_o1",
		IssuedAt:    now,
		ExpiresAt:   now.Add(24 * time.Hour),
		Scope:       coordScope,
	}
}

func newTestCoordinator(
	t *testing.T,
	id domain.ParticipantID,
	creds ports.CredentialManager,
	store ports.SessionRecordStore,
) (*SessionCoordinator, *fakeRTCProvider) {
	t.Helper()

	provider := newFakeRTCProvider()
	table := domain.PolicyTable{
		domain.StatusIdle:    {AutoDisconnectDelay: 30 * time.Millisecond},
		domain.StatusDriving: {AutoDisconnectDelay: 0},
	}

	c := NewSessionCoordinator(
		CoordinatorConfig{
			ParticipantID:  id,
			Scope:          coordScope,
			DebounceWindow: 20 * time.Millisecond,
		},
		provider,
		creds,
		store,
		func(disconnect func()) ports.PolicyEngine {
			return NewStaticPolicy(table, disconnect, nil, zaptest.NewLogger(t).Sugar())
		},
		nil,
		zaptest.NewLogger(t).Sugar(),
	)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("coordinator start failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, provider
}

func TestCoordinator_PressJoinsAndPublishesRecord(t *testing.T) {
	creds := &fakeCredManager{cred: testCredential()}
	store := memory.NewSessionRecordRepository()
	c, provider := newTestCoordinator(t, "driver-1", creds, store)

	c.PressPTT()

	waitUntil(t, 2*time.Second, "provider join never dispatched", func() bool {
		return provider.joinCount() == 1
	})
	if join := provider.lastJoin(); join.token != "join-token" || join.channel != "ptt_r1_o1" {
		t.Errorf("unexpected join material: %+v", join)
	}

	provider.emit(ports.RTCJoinSuccess{Channel: "ptt_r1_o1"})

	waitUntil(t, 2*time.Second, "mic never opened after join", provider.micEnabled)

	waitUntil(t, 2*time.Second, "session record never published", func() bool {
		rec, err := store.Get(context.Background(), coordScope.SessionScope())
		return err == nil && rec.Active && rec.InitiatorID == "driver-1" && rec.Token == "join-token"
	})

	expectEvent(t, c.Events(), 2*time.Second, "transmitting state", func(ev domain.Event) bool {
		cc, ok := ev.(domain.ConnectionChanged)
		return ok && cc.State == domain.ConnTransmitting
	})
}

func TestCoordinator_ReleaseClosesRecordAndLeaves(t *testing.T) {
	creds := &fakeCredManager{cred: testCredential()}
	store := memory.NewSessionRecordRepository()
	c, provider := newTestCoordinator(t, "driver-1", creds, store)

	c.PressPTT()
	waitUntil(t, 2*time.Second, "no join", func() bool { return provider.joinCount() == 1 })
	provider.emit(ports.RTCJoinSuccess{Channel: "ptt_r1_o1"})
	waitUntil(t, 2*time.Second, "mic never opened", provider.micEnabled)

	c.ReleasePTT()

	// Mic closes with the release, ahead of the debounce/policy grace.
	waitUntil(t, 2*time.Second, "mic never closed on release", func() bool {
		return !provider.micEnabled()
	})

	// Debounce window + idle grace period later the session tears down:
	// record closed first, then the channel leave.
	waitUntil(t, 2*time.Second, "session record never closed", func() bool {
		rec, err := store.Get(context.Background(), coordScope.SessionScope())
		return err == nil && !rec.Active && rec.EndedAt != nil
	})
	waitUntil(t, 2*time.Second, "channel never left", func() bool {
		return provider.leaveCount() == 1
	})
}

func TestCoordinator_QuickRepressKeepsConnection(t *testing.T) {
	creds := &fakeCredManager{cred: testCredential()}
	store := memory.NewSessionRecordRepository()
	c, provider := newTestCoordinator(t, "driver-1", creds, store)

	c.PressPTT()
	waitUntil(t, 2*time.Second, "no join", func() bool { return provider.joinCount() == 1 })
	provider.emit(ports.RTCJoinSuccess{Channel: "ptt_r1_o1"})
	waitUntil(t, 2*time.Second, "mic never opened", provider.micEnabled)

	// Release and press again inside the debounce window.
	c.ReleasePTT()
	c.PressPTT()

	time.Sleep(200 * time.Millisecond)

	if provider.joinCount() != 1 {
		t.Errorf("re-press reconnected instead of reusing the channel: %d joins", provider.joinCount())
	}
	if provider.leaveCount() != 0 {
		t.Errorf("re-press did not cancel the pending disconnect: %d leaves", provider.leaveCount())
	}
	if !provider.micEnabled() {
		t.Error("mic should be open again after the re-press")
	}
	if creds.getCount() != 1 {
		t.Errorf("expected a single credential fetch, got: %d", creds.getCount())
	}
}

func TestCoordinator_ObserverAutoJoinsWithInitiatorToken(t *testing.T) {
	// The observer's credential manager always fails: auto-join must ride
	// on the initiator's token, never its own RPC.
	creds := &fakeCredManager{err: domain.ErrNoCredential}
	store := memory.NewSessionRecordRepository()
	obs, provider := newTestCoordinator(t, "dispatcher-1", creds, store)

	rec := domain.NewSessionRecord("driver-9", domain.RoleDriver, testCredential(), time.Now())
	if err := store.Put(context.Background(), coordScope.SessionScope(), rec); err != nil {
		t.Fatalf("record put failed: %v", err)
	}

	waitUntil(t, 2*time.Second, "observer never auto-joined", func() bool {
		return provider.joinCount() == 1
	})
	if join := provider.lastJoin(); join.token != "join-token" {
		t.Errorf("observer joined with the wrong token: %q", join.token)
	}
	if creds.getCount() != 0 {
		t.Errorf("observer made %d credential fetches, expected none", creds.getCount())
	}

	provider.emit(ports.RTCJoinSuccess{Channel: "ptt_r1_o1"})
	expectEvent(t, obs.Events(), 2*time.Second, "connected state", func(ev domain.Event) bool {
		cc, ok := ev.(domain.ConnectionChanged)
		return ok && cc.State == domain.ConnConnected
	})
	if provider.micEnabled() {
		t.Error("observer must join muted")
	}

	// Initiator ends the session: the observer leaves too.
	if err := store.Put(context.Background(), coordScope.SessionScope(), rec.Closed(time.Now())); err != nil {
		t.Fatalf("record close failed: %v", err)
	}
	waitUntil(t, 2*time.Second, "observer never left after session end", func() bool {
		return provider.leaveCount() == 1
	})
}

func TestCoordinator_TokenRejectionPurgesCredential(t *testing.T) {
	creds := &fakeCredManager{cred: testCredential()}
	store := memory.NewSessionRecordRepository()
	c, provider := newTestCoordinator(t, "driver-1", creds, store)

	c.PressPTT()
	waitUntil(t, 2*time.Second, "no join", func() bool { return provider.joinCount() == 1 })

	provider.emit(ports.RTCError{Code: ports.RTCErrTokenExpired, Message: "token expired"})

	expectEvent(t, c.Events(), 2*time.Second, "token_invalid error", func(ev domain.Event) bool {
		ee, ok := ev.(domain.ErrorEvent)
		return ok && ee.Key == domain.ErrKeyTokenInvalid
	})
	waitUntil(t, 2*time.Second, "credential never invalidated", func() bool {
		return creds.invalidateCount() == 1
	})

	// No automatic retry with the same token.
	time.Sleep(100 * time.Millisecond)
	if provider.joinCount() != 1 {
		t.Errorf("coordinator retried the rejected token: %d joins", provider.joinCount())
	}
}

func TestCoordinator_BlankTokenSurfacesConfigurationError(t *testing.T) {
	creds := &fakeCredManager{err: domain.ErrBlankToken}
	store := memory.NewSessionRecordRepository()
	c, provider := newTestCoordinator(t, "driver-1", creds, store)

	c.PressPTT()

	expectEvent(t, c.Events(), 2*time.Second, "configuration_error", func(ev domain.Event) bool {
		ee, ok := ev.(domain.ErrorEvent)
		return ok && ee.Key == domain.ErrKeyConfiguration
	})
	expectEvent(t, c.Events(), 2*time.Second, "return to idle", func(ev domain.Event) bool {
		cc, ok := ev.(domain.ConnectionChanged)
		return ok && cc.State == domain.ConnIdle
	})
	if provider.joinCount() != 0 {
		t.Error("a blank token must never reach the provider")
	}
}

func TestCoordinator_ConnectionLossGoesIdleWithoutRetry(t *testing.T) {
	creds := &fakeCredManager{cred: testCredential()}
	store := memory.NewSessionRecordRepository()
	c, provider := newTestCoordinator(t, "driver-1", creds, store)

	c.PressPTT()
	waitUntil(t, 2*time.Second, "no join", func() bool { return provider.joinCount() == 1 })
	provider.emit(ports.RTCJoinSuccess{Channel: "ptt_r1_o1"})
	waitUntil(t, 2*time.Second, "mic never opened", provider.micEnabled)

	provider.emit(ports.RTCConnectionChanged{State: ports.RTCFailed, Reason: "network down"})

	expectEvent(t, c.Events(), 2*time.Second, "connection_lost error", func(ev domain.Event) bool {
		ee, ok := ev.(domain.ErrorEvent)
		return ok && ee.Key == domain.ErrKeyConnectionLost
	})
	waitUntil(t, 2*time.Second, "mic never force-closed", func() bool {
		return !provider.micEnabled()
	})

	time.Sleep(100 * time.Millisecond)
	if provider.joinCount() != 1 {
		t.Errorf("coordinator auto-reconnected: %d joins", provider.joinCount())
	}
}

// leaseConflictStore rejects every active write with ErrSessionBusy, the
// way the coordination store answers the loser of a simultaneous press,
// and keeps a log of all attempted writes.
type leaseConflictStore struct {
	mu     sync.Mutex
	writes []domain.SessionRecord
}

func (s *leaseConflictStore) Put(ctx context.Context, scope domain.SessionScope, record *domain.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, *record)
	if record.Active {
		return domain.ErrSessionBusy
	}
	return nil
}

func (s *leaseConflictStore) Get(ctx context.Context, scope domain.SessionScope) (*domain.SessionRecord, error) {
	return nil, domain.ErrSessionNotFound
}

func (s *leaseConflictStore) Watch(ctx context.Context, scope domain.SessionScope) (<-chan domain.SessionRecord, error) {
	ch := make(chan domain.SessionRecord)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (s *leaseConflictStore) allWrites() []domain.SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.SessionRecord(nil), s.writes...)
}

func TestCoordinator_LostInitiatorRaceNeverClosesSession(t *testing.T) {
	creds := &fakeCredManager{cred: testCredential()}
	store := &leaseConflictStore{}
	c, provider := newTestCoordinator(t, "driver-2", creds, store)

	c.PressPTT()
	waitUntil(t, 2*time.Second, "no join", func() bool { return provider.joinCount() == 1 })
	provider.emit(ports.RTCJoinSuccess{Channel: "ptt_r1_o1"})
	waitUntil(t, 2*time.Second, "mic never opened", provider.micEnabled)

	// The active publish bounces off the winner's lease.
	waitUntil(t, 2*time.Second, "active publish never attempted", func() bool {
		return len(store.allWrites()) == 1
	})
	time.Sleep(50 * time.Millisecond)

	c.ReleasePTT()
	waitUntil(t, 2*time.Second, "channel never left", func() bool {
		return provider.leaveCount() == 1
	})

	// Release and shutdown must both leave the winner's record alone: a
	// demoted participant has nothing to close.
	_ = c.Close()
	for _, rec := range store.allWrites() {
		if !rec.Active {
			t.Fatalf("race loser wrote a closing record: %+v", rec)
		}
	}
}

func TestCoordinator_OwnRecordEchoIsIgnored(t *testing.T) {
	creds := &fakeCredManager{cred: testCredential()}
	store := memory.NewSessionRecordRepository()
	c, provider := newTestCoordinator(t, "driver-1", creds, store)

	c.PressPTT()
	waitUntil(t, 2*time.Second, "no join", func() bool { return provider.joinCount() == 1 })
	provider.emit(ports.RTCJoinSuccess{Channel: "ptt_r1_o1"})

	// The initiator's own published record comes back through the watch;
	// it must not trigger a second join.
	waitUntil(t, 2*time.Second, "record never published", func() bool {
		_, err := store.Get(context.Background(), coordScope.SessionScope())
		return err == nil
	})
	time.Sleep(100 * time.Millisecond)
	if provider.joinCount() != 1 {
		t.Errorf("own record echo caused a re-join: %d joins", provider.joinCount())
	}

	_ = c.Close()
}
