package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pttlink/internal/core/domain"
	"pttlink/internal/core/ports"
	"pttlink/pkg/tracing"

	"go.uber.org/zap"
)

// CoordinatorConfig identifies the participant and tunes the coordinator.
type CoordinatorConfig struct {
	ParticipantID  domain.ParticipantID
	Scope          domain.ScopeKey
	DebounceWindow time.Duration
	EventBuffer    int
}

// PolicyFactory builds the policy engine around the coordinator's
// disconnect callback. The callback is safe to invoke from any goroutine.
type PolicyFactory func(disconnect func()) ports.PolicyEngine

// SessionCoordinator orchestrates the PTT session: it owns local
// speaking/connection state, runs presses through the debouncer, fetches
// join material from the credential manager, drives the RTC provider, and
// publishes/observes the shared Session Record so a press on one device
// pulls the whole office into the same channel.
//
// All state transitions run on a single actor goroutine; presses,
// releases, provider callbacks, and record updates are serialized through
// one command channel. Network calls never run on the actor itself.
type SessionCoordinator struct {
	cfg      CoordinatorConfig
	provider ports.RTCProvider
	creds    ports.CredentialManager
	store    ports.SessionRecordStore
	policy   ports.PolicyEngine
	prewarm  ports.PrewarmAdvisor
	debounce *Debouncer
	metrics  ports.Metrics
	logger   *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	cmds   chan func()
	events chan domain.Event
	watch  <-chan domain.SessionRecord

	closeOnce sync.Once
	stopped   chan struct{}

	// actor-confined state below; only the run goroutine touches it.
	state             domain.ConnectionState
	speaking          bool
	wantTransmit      bool
	localInitiated    bool
	isInitiator       bool
	cred              *domain.Credential
	record            *domain.SessionRecord
	joinStartedAt     time.Time
	transmitStartedAt time.Time

	now func() time.Time
}

// NewSessionCoordinator constructs a coordinator. Call Start before use.
// newPolicy receives the coordinator's disconnect trigger; if the engine
// it returns also implements ports.PrewarmAdvisor, presses consult it for
// predictive pre-warming.
func NewSessionCoordinator(
	cfg CoordinatorConfig,
	provider ports.RTCProvider,
	creds ports.CredentialManager,
	store ports.SessionRecordStore,
	newPolicy PolicyFactory,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
) *SessionCoordinator {
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = 250 * time.Millisecond
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}

	c := &SessionCoordinator{
		cfg:      cfg,
		provider: provider,
		creds:    creds,
		store:    store,
		metrics:  metrics,
		logger:   logger,
		cmds:     make(chan func(), 128),
		events:   make(chan domain.Event, cfg.EventBuffer),
		stopped:  make(chan struct{}),
		state:    domain.ConnIdle,
		now:      time.Now,
	}

	c.policy = newPolicy(func() {
		c.enqueue(c.handlePolicyDisconnect)
	})
	if advisor, ok := c.policy.(ports.PrewarmAdvisor); ok {
		c.prewarm = advisor
	}
	c.debounce = NewDebouncer(cfg.DebounceWindow, func() bool {
		return c.state != domain.ConnIdle
	})

	return c
}

// Start subscribes to the Session Record for the participant's scope and
// launches the actor loop. The coordinator lives until Close or until ctx
// is cancelled.
func (c *SessionCoordinator) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	watch, err := c.store.Watch(c.ctx, c.cfg.Scope.SessionScope())
	if err != nil {
		c.cancel()
		return fmt.Errorf("session record watch: %w", err)
	}
	c.watch = watch

	go c.run()
	return nil
}

// PressPTT handles a press of the PTT control. Never blocks.
func (c *SessionCoordinator) PressPTT() {
	c.enqueue(c.handlePress)
}

// ReleasePTT handles a release of the PTT control. Never blocks.
func (c *SessionCoordinator) ReleasePTT() {
	c.enqueue(c.handleRelease)
}

// SetStatus forwards a driver/job status change to the policy engine.
func (c *SessionCoordinator) SetStatus(status domain.DriverStatus) {
	c.enqueue(func() {
		c.policy.OnStatusChanged(status)
		c.emit(domain.StatusChanged{Status: status})
	})
}

// Events returns the coordinator's event stream. The channel closes when
// the coordinator shuts down.
func (c *SessionCoordinator) Events() <-chan domain.Event {
	return c.events
}

// Close leaves the channel, closes the Session Record if this participant
// is the initiator, cancels timers and the record subscription, and drops
// the scope's in-memory credential. Idempotent.
func (c *SessionCoordinator) Close() error {
	c.closeOnce.Do(func() {
		if c.cancel == nil {
			close(c.stopped)
			return
		}
		done := make(chan struct{})
		select {
		case c.cmds <- func() { c.shutdown(); close(done) }:
			select {
			case <-done:
			case <-time.After(5 * time.Second):
			}
		case <-c.stopped:
		}

		c.debounce.Stop()
		c.policy.Stop()
		c.cancel()
		<-c.stopped
	})
	return nil
}

func (c *SessionCoordinator) run() {
	defer close(c.stopped)
	defer close(c.events)

	for {
		select {
		case fn := <-c.cmds:
			c.safely(fn)
		case ev, ok := <-c.provider.Events():
			if !ok {
				return
			}
			c.safely(func() { c.handleProviderEvent(ev) })
		case rec, ok := <-c.watch:
			if !ok {
				c.watch = nil
				continue
			}
			c.safely(func() { c.handleRecordUpdate(rec) })
		case <-c.ctx.Done():
			return
		}
	}
}

// safely runs a transition; a panic leaves the actor in Idle, never in an
// undefined state.
func (c *SessionCoordinator) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorw("coordinator transition panicked, resetting",
				"panic", r,
				"state", c.state,
			)
			c.speaking = false
			c.wantTransmit = false
			c.setState(domain.ConnIdle, "recovered from internal error")
		}
	}()
	fn()
}

func (c *SessionCoordinator) enqueue(fn func()) {
	select {
	case c.cmds <- fn:
	case <-c.stopped:
	}
}

func (c *SessionCoordinator) emit(ev domain.Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warnw("event stream full, dropping event", "event", fmt.Sprintf("%T", ev))
	}
}

func (c *SessionCoordinator) setState(state domain.ConnectionState, reason string) {
	if c.state == state {
		return
	}
	c.state = state
	c.emit(domain.ConnectionChanged{State: state, Reason: reason})
}

// --- press / release ---

func (c *SessionCoordinator) handlePress() {
	// Microphone intent is immediate and never debounced.
	c.speaking = true
	c.wantTransmit = true
	c.emit(domain.SpeakingChanged{Speaking: true})

	c.policy.OnPressed()

	if c.debounce.DisconnectPending() {
		c.metrics.DebounceCoalesced()
	}

	if c.state == domain.ConnIdle && c.prewarm != nil && c.prewarm.ShouldPrewarm(c.now()) {
		// Usage history says a session is likely: pay the connect cost up
		// front instead of waiting out the debounce window.
		c.startConnect()
		return
	}

	c.debounce.Press(c.startConnect)

	if c.state == domain.ConnConnected {
		if err := c.provider.EnableLocalAudio(true); err != nil {
			c.logger.Warnw("enable local audio failed", "error", err)
		}
		c.transmitStartedAt = c.now()
		c.setState(domain.ConnTransmitting, "press")
	}
}

func (c *SessionCoordinator) handleRelease() {
	c.speaking = false
	c.wantTransmit = false
	c.emit(domain.SpeakingChanged{Speaking: false})

	if c.state == domain.ConnTransmitting {
		if err := c.provider.EnableLocalAudio(false); err != nil {
			c.logger.Warnw("disable local audio failed", "error", err)
		}
		c.setState(domain.ConnConnected, "release")

		if c.prewarm != nil && !c.transmitStartedAt.IsZero() {
			c.prewarm.RecordSession(c.transmitStartedAt, c.now().Sub(c.transmitStartedAt))
		}
	}

	// The channel itself is left later: first the debounce window, then
	// whatever grace period the policy resolves for the current status.
	c.debounce.Release(func() {
		c.policy.OnReleased()
	})
}

// --- connect path ---

func (c *SessionCoordinator) startConnect() {
	if c.state != domain.ConnIdle {
		return
	}
	c.localInitiated = true
	c.setState(domain.ConnAwaitingCredential, "press")

	go func() {
		cred, err := c.creds.Get(c.ctx, c.cfg.Scope)
		c.enqueue(func() { c.onCredential(cred, err) })
	}()
}

func (c *SessionCoordinator) onCredential(cred *domain.Credential, err error) {
	if c.state != domain.ConnAwaitingCredential {
		return
	}

	if err != nil {
		if errors.Is(err, domain.ErrBlankToken) {
			c.emit(domain.ErrorEvent{
				Key:     domain.ErrKeyConfiguration,
				Message: "voice token signing is not configured on the server",
			})
		} else {
			c.emit(domain.ErrorEvent{
				Key:     domain.ErrKeyJoinFailed,
				Message: "could not obtain voice credential, try again",
			})
		}
		c.logger.Warnw("credential fetch failed", "scope", c.cfg.Scope.String(), "error", err)
		c.resetToIdle("credential unavailable")
		return
	}

	c.cred = cred
	c.joinStartedAt = c.now()
	c.setState(domain.ConnAwaitingJoin, "credential ready")

	joinCtx, span := tracing.TraceChannelJoin(c.ctx, string(c.cfg.ParticipantID), string(cred.ChannelName))
	go func() {
		defer span.End()
		if err := c.provider.JoinChannel(joinCtx, cred.Token, cred.ChannelName); err != nil {
			tracing.RecordError(joinCtx, err)
			c.enqueue(func() { c.onJoinFailed(err.Error()) })
		}
	}()
}

func (c *SessionCoordinator) onJoinFailed(message string) {
	if c.state != domain.ConnAwaitingJoin {
		return
	}
	if c.prewarm != nil {
		c.prewarm.RecordNetworkSample(ports.NetworkSample{
			TimeToConnect: c.now().Sub(c.joinStartedAt),
			Success:       false,
		})
	}
	c.emit(domain.ErrorEvent{Key: domain.ErrKeyJoinFailed, Message: message})
	c.resetToIdle("join failed")
}

// --- provider events ---

func (c *SessionCoordinator) handleProviderEvent(ev ports.RTCEvent) {
	switch e := ev.(type) {
	case ports.RTCJoinSuccess:
		c.onJoinSuccess()
	case ports.RTCLeftChannel:
		if c.state != domain.ConnIdle {
			c.resetToIdle("left channel")
		}
	case ports.RTCConnectionChanged:
		c.onProviderConnectionChanged(e)
	case ports.RTCError:
		c.onProviderError(e)
	case ports.RTCVolumeIndication:
		// per-speaker levels are a UI concern; pass-through only
	}
}

func (c *SessionCoordinator) onJoinSuccess() {
	if c.state != domain.ConnAwaitingJoin {
		return
	}

	timeToConnect := c.now().Sub(c.joinStartedAt)
	c.metrics.ChannelJoined(timeToConnect)
	if c.prewarm != nil {
		c.prewarm.RecordNetworkSample(ports.NetworkSample{
			TimeToConnect: timeToConnect,
			Success:       true,
		})
	}

	if c.wantTransmit {
		// The press that started this join is still held: open the mic in
		// the same transition, no extra round trip.
		if err := c.provider.EnableLocalAudio(true); err != nil {
			c.logger.Warnw("enable local audio failed", "error", err)
		}
		c.transmitStartedAt = c.now()
		c.setState(domain.ConnTransmitting, "join success")

		if c.localInitiated && c.cred != nil {
			rec := domain.NewSessionRecord(c.cfg.ParticipantID, c.cfg.Scope.Role, c.cred, c.now())
			c.record = rec
			c.isInitiator = true
			c.publishRecord(rec)
		}
		return
	}

	c.setState(domain.ConnConnected, "joined")
}

func (c *SessionCoordinator) onProviderConnectionChanged(e ports.RTCConnectionChanged) {
	if e.State != ports.RTCFailed && e.State != ports.RTCDisconnected {
		return
	}
	if c.state == domain.ConnIdle {
		return
	}

	wasTransmitting := c.state == domain.ConnTransmitting
	if wasTransmitting {
		c.speaking = false
		c.wantTransmit = false
		if err := c.provider.EnableLocalAudio(false); err != nil {
			c.logger.Warnw("disable local audio failed", "error", err)
		}
		c.emit(domain.SpeakingChanged{Speaking: false})
	}

	// No automatic reconnect: a fresh press restarts the cycle.
	c.emit(domain.ErrorEvent{
		Key:     domain.ErrKeyConnectionLost,
		Message: fmt.Sprintf("voice connection lost (%s)", e.Reason),
	})
	c.resetToIdle("connection lost")
}

func (c *SessionCoordinator) onProviderError(e ports.RTCError) {
	switch e.Code {
	case ports.RTCErrTokenExpired, ports.RTCErrTokenInvalid:
		// Never retry the same token: purge both tiers so the next press
		// forces a fresh fetch.
		scope := c.cfg.Scope
		go func() {
			if err := c.creds.Invalidate(c.ctx, scope); err != nil {
				c.logger.Warnw("credential invalidation failed", "scope", scope.String(), "error", err)
			}
		}()
		c.speaking = false
		c.wantTransmit = false
		c.emit(domain.ErrorEvent{Key: domain.ErrKeyTokenInvalid, Message: e.Message})
		c.resetToIdle("token rejected")
	case ports.RTCErrJoinRejected:
		c.onJoinFailed(e.Message)
	default:
		c.emit(domain.ErrorEvent{Key: e.Code, Message: e.Message})
	}
}

// --- session record observation ---

func (c *SessionCoordinator) handleRecordUpdate(rec domain.SessionRecord) {
	if rec.InitiatorID == c.cfg.ParticipantID {
		return // our own write echoing back
	}

	if rec.Active {
		if c.state != domain.ConnIdle {
			return
		}
		// Auto-join on the initiator's credential; no RPC of our own for
		// the lifetime of this session.
		c.logger.Infow("auto-joining session",
			"initiator", rec.InitiatorID,
			"channel", rec.ChannelName,
		)
		snapshot := rec
		c.record = &snapshot
		c.localInitiated = false
		c.isInitiator = false
		c.joinStartedAt = c.now()
		c.setState(domain.ConnAwaitingJoin, "session started by "+string(rec.InitiatorID))

		go func() {
			if err := c.provider.JoinChannel(c.ctx, snapshot.Token, snapshot.ChannelName); err != nil {
				c.enqueue(func() { c.onJoinFailed(err.Error()) })
			}
		}()
		return
	}

	// Session over: leave unless we are mid-transmission ourselves.
	if c.state == domain.ConnConnected && !c.speaking && !c.isInitiator {
		c.leaveChannel("session ended")
	}
}

// --- disconnect path ---

func (c *SessionCoordinator) handlePolicyDisconnect() {
	if c.state == domain.ConnIdle || c.state == domain.ConnAwaitingCredential {
		return
	}

	if c.speaking {
		// Forced teardown (drive status) can land mid-transmission.
		c.speaking = false
		c.wantTransmit = false
		if err := c.provider.EnableLocalAudio(false); err != nil {
			c.logger.Warnw("disable local audio failed", "error", err)
		}
		c.emit(domain.SpeakingChanged{Speaking: false})
	}

	c.leaveChannel("policy disconnect")
}

// leaveChannel closes the Session Record first when this participant is
// the initiator, so observers leave too, then leaves the provider channel.
func (c *SessionCoordinator) leaveChannel(reason string) {
	if c.isInitiator && c.record != nil {
		closed := c.record.Closed(c.now())
		c.isInitiator = false
		c.record = nil
		c.metrics.SessionRecordPublished(false)

		scope := c.cfg.Scope.SessionScope()
		go func() {
			if err := c.store.Put(c.ctx, scope, closed); err != nil {
				c.logger.Errorw("session record close failed", "scope", scope.String(), "error", err)
			}
			c.enqueue(func() { c.finishLeave(reason) })
		}()
		return
	}
	c.finishLeave(reason)
}

func (c *SessionCoordinator) finishLeave(reason string) {
	if c.state == domain.ConnIdle {
		return
	}
	go func() {
		if err := c.provider.LeaveChannel(c.ctx); err != nil {
			c.logger.Warnw("leave channel failed", "error", err)
		}
	}()
	if !c.joinStartedAt.IsZero() {
		c.metrics.ChannelLeft(c.now().Sub(c.joinStartedAt))
	}
	c.resetToIdle(reason)
}

func (c *SessionCoordinator) publishRecord(rec *domain.SessionRecord) {
	scope := c.cfg.Scope.SessionScope()
	c.metrics.SessionRecordPublished(true)
	go func() {
		err := c.store.Put(c.ctx, scope, rec)
		if err == nil {
			return
		}
		c.logger.Errorw("session record publish failed", "scope", scope.String(), "error", err)
		c.enqueue(func() { c.onPublishFailed(rec, err) })
	}()
}

// onPublishFailed runs on the actor after an initiator write was rejected.
// A lease conflict means another participant won the simultaneous-press
// race: this coordinator demotes itself to observer so its release never
// writes a closing record over the winner's session.
func (c *SessionCoordinator) onPublishFailed(rec *domain.SessionRecord, err error) {
	if !errors.Is(err, domain.ErrSessionBusy) {
		return
	}
	if !c.isInitiator || c.record != rec {
		return
	}
	c.logger.Infow("lost the initiator race, continuing as observer",
		"scope", c.cfg.Scope.SessionScope().String(),
	)
	c.isInitiator = false
	c.record = nil
}

func (c *SessionCoordinator) resetToIdle(reason string) {
	c.localInitiated = false
	c.record = nil
	c.setState(domain.ConnIdle, reason)
}

func (c *SessionCoordinator) shutdown() {
	if c.isInitiator && c.record != nil {
		closed := c.record.Closed(c.now())
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := c.store.Put(ctx, c.cfg.Scope.SessionScope(), closed); err != nil {
			c.logger.Warnw("session record close on shutdown failed", "error", err)
		}
		cancel()
		c.isInitiator = false
		c.record = nil
	}

	if c.state != domain.ConnIdle {
		_ = c.provider.EnableLocalAudio(false)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = c.provider.LeaveChannel(ctx)
		cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	if err := c.creds.EvictMemory(ctx, c.cfg.Scope); err != nil {
		c.logger.Warnw("credential memory eviction failed", "error", err)
	}
	cancel()

	c.speaking = false
	c.wantTransmit = false
	c.setState(domain.ConnIdle, "shutdown")
}
