package services

import (
	"sync"
	"testing"
	"time"

	"pttlink/internal/core/domain"
	"pttlink/internal/core/ports"

	"go.uber.org/zap/zaptest"
)

type disconnectRecorder struct {
	ports.NopMetrics
	mu      sync.Mutex
	byState map[string]int
	delays  []time.Duration
}

func newDisconnectRecorder() *disconnectRecorder {
	return &disconnectRecorder{byState: make(map[string]int)}
}

func (r *disconnectRecorder) PolicyDisconnect(status string, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byState[status]++
	r.delays = append(r.delays, delay)
}

func (r *disconnectRecorder) count(status string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byState[status]
}

func (r *disconnectRecorder) lastDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.delays) == 0 {
		return -1
	}
	return r.delays[len(r.delays)-1]
}

func waitForSignal(t *testing.T, ch <-chan struct{}, timeout time.Duration, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		t.Fatal(msg)
	}
}

func assertNoSignal(t *testing.T, ch <-chan struct{}, wait time.Duration, msg string) {
	t.Helper()
	select {
	case <-ch:
		t.Fatal(msg)
	case <-time.After(wait):
	}
}

func TestStaticPolicy_DisconnectAfterGracePeriod(t *testing.T) {
	table := domain.PolicyTable{
		domain.StatusIdle: {AutoDisconnectDelay: 30 * time.Millisecond},
	}
	fired := make(chan struct{}, 1)
	p := NewStaticPolicy(table, func() { fired <- struct{}{} }, nil, zaptest.NewLogger(t).Sugar())
	defer p.Stop()

	p.OnReleased()
	waitForSignal(t, fired, 2*time.Second, "disconnect never fired after grace period")
}

func TestStaticPolicy_PressCancelsScheduledDisconnect(t *testing.T) {
	table := domain.PolicyTable{
		domain.StatusIdle: {AutoDisconnectDelay: 50 * time.Millisecond},
	}
	fired := make(chan struct{}, 1)
	p := NewStaticPolicy(table, func() { fired <- struct{}{} }, nil, zaptest.NewLogger(t).Sugar())
	defer p.Stop()

	p.OnReleased()
	p.OnPressed()
	assertNoSignal(t, fired, 200*time.Millisecond, "disconnect fired despite intervening press")
}

func TestStaticPolicy_DrivingForcesImmediateTeardown(t *testing.T) {
	fired := make(chan struct{}, 1)
	p := NewStaticPolicy(domain.DefaultPolicyTable(), func() { fired <- struct{}{} }, nil, zaptest.NewLogger(t).Sugar())
	defer p.Stop()

	p.OnStatusChanged(domain.StatusDriving)
	waitForSignal(t, fired, 2*time.Second, "driving status did not force a teardown")

	if p.Status() != domain.StatusDriving {
		t.Errorf("Expected status driving, got: %s", p.Status())
	}
}

func TestStaticPolicy_ReleaseWhileDrivingDisconnectsImmediately(t *testing.T) {
	fired := make(chan struct{}, 2)
	p := NewStaticPolicy(domain.DefaultPolicyTable(), func() { fired <- struct{}{} }, nil, zaptest.NewLogger(t).Sugar())
	defer p.Stop()

	p.OnStatusChanged(domain.StatusDriving)
	waitForSignal(t, fired, 2*time.Second, "no teardown on entering driving")

	p.OnReleased()
	waitForSignal(t, fired, 2*time.Second, "release while driving should disconnect immediately")
}

func TestStaticPolicy_StatusChangeCancelsScheduledDisconnect(t *testing.T) {
	table := domain.PolicyTable{
		domain.StatusIdle:     {AutoDisconnectDelay: 40 * time.Millisecond},
		domain.StatusAssigned: {AutoDisconnectDelay: time.Hour},
	}
	fired := make(chan struct{}, 1)
	p := NewStaticPolicy(table, func() { fired <- struct{}{} }, nil, zaptest.NewLogger(t).Sugar())
	defer p.Stop()

	p.OnReleased()
	p.OnStatusChanged(domain.StatusAssigned)
	assertNoSignal(t, fired, 200*time.Millisecond, "old grace period survived a status change")
}

func TestStaticPolicy_MaintainConnectionNeverDisconnects(t *testing.T) {
	table := domain.PolicyTable{
		domain.StatusIdle: {MaintainConnection: true},
	}
	fired := make(chan struct{}, 1)
	p := NewStaticPolicy(table, func() { fired <- struct{}{} }, nil, zaptest.NewLogger(t).Sugar())
	defer p.Stop()

	p.OnReleased()
	assertNoSignal(t, fired, 150*time.Millisecond, "maintain_connection rule still disconnected")
}

func TestStaticPolicy_StopCancelsTimers(t *testing.T) {
	table := domain.PolicyTable{
		domain.StatusIdle: {AutoDisconnectDelay: 30 * time.Millisecond},
	}
	fired := make(chan struct{}, 1)
	p := NewStaticPolicy(table, func() { fired <- struct{}{} }, nil, zaptest.NewLogger(t).Sugar())

	p.OnReleased()
	p.Stop()
	assertNoSignal(t, fired, 150*time.Millisecond, "disconnect fired after Stop")
}

func TestStaticPolicy_DisconnectsAreCounted(t *testing.T) {
	table := domain.PolicyTable{
		domain.StatusIdle:    {AutoDisconnectDelay: 20 * time.Millisecond},
		domain.StatusDriving: {AutoDisconnectDelay: 0},
	}
	fired := make(chan struct{}, 2)
	rec := newDisconnectRecorder()
	p := NewStaticPolicy(table, func() { fired <- struct{}{} }, rec, zaptest.NewLogger(t).Sugar())
	defer p.Stop()

	p.OnReleased()
	waitForSignal(t, fired, 2*time.Second, "grace-period disconnect never fired")
	if rec.count(string(domain.StatusIdle)) != 1 {
		t.Errorf("Expected 1 idle disconnect counted, got: %d", rec.count(string(domain.StatusIdle)))
	}
	if rec.lastDelay() != 20*time.Millisecond {
		t.Errorf("Expected recorded 20ms grace, got: %s", rec.lastDelay())
	}

	p.OnStatusChanged(domain.StatusDriving)
	waitForSignal(t, fired, 2*time.Second, "forced teardown never fired")
	if rec.count(string(domain.StatusDriving)) != 1 {
		t.Errorf("Expected 1 driving disconnect counted, got: %d", rec.count(string(domain.StatusDriving)))
	}
	if rec.lastDelay() != 0 {
		t.Errorf("Expected immediate teardown recorded with zero delay, got: %s", rec.lastDelay())
	}
}

func TestStaticPolicy_CancelledDisconnectIsNotCounted(t *testing.T) {
	table := domain.PolicyTable{
		domain.StatusIdle: {AutoDisconnectDelay: 50 * time.Millisecond},
	}
	fired := make(chan struct{}, 1)
	rec := newDisconnectRecorder()
	p := NewStaticPolicy(table, func() { fired <- struct{}{} }, rec, zaptest.NewLogger(t).Sugar())
	defer p.Stop()

	p.OnReleased()
	p.OnPressed()
	assertNoSignal(t, fired, 200*time.Millisecond, "disconnect fired despite intervening press")
	if got := rec.count(string(domain.StatusIdle)); got != 0 {
		t.Errorf("Expected no disconnect counted after cancellation, got: %d", got)
	}
}

func TestPolicyTable_UnknownStatusFallsBackToIdle(t *testing.T) {
	table := domain.DefaultPolicyTable()
	rule := table.Resolve(domain.DriverStatus("on_break"))
	if rule != table[domain.StatusIdle] {
		t.Errorf("Expected idle rule for unknown status, got: %+v", rule)
	}
}
