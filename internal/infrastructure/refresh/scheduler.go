package refresh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"pttlink/internal/core/domain"
	"pttlink/internal/core/ports"
	"pttlink/pkg/retry"
	"pttlink/pkg/utils"

	"go.uber.org/zap"
)

// Config contains refresh scheduler configuration.
type Config struct {
	// The daily run is confined to [WindowStartHour, WindowEndHour) in
	// Location, with a randomized minute offset so a fleet of clients
	// does not hit the issuer at once.
	WindowStartHour int
	WindowEndHour   int
	Location        *time.Location
}

// DefaultConfig returns the production refresh window.
func DefaultConfig() Config {
	return Config{
		WindowStartHour: 9,
		WindowEndHour:   11,
		Location:        time.Local,
	}
}

// Scheduler refreshes credentials once a day inside a low-traffic window
// so interactive presses almost never pay for an issuance RPC.
type Scheduler struct {
	creds    ports.CredentialManager
	scopes   []domain.ScopeKey
	cfg      Config
	metrics  ports.Metrics
	logger   *zap.SugaredLogger
	stopChan chan struct{}

	now func() time.Time

	// lastRun is touched only by the Start goroutine.
	lastRun time.Time
}

// NewScheduler creates a refresh scheduler for the given scopes.
func NewScheduler(
	creds ports.CredentialManager,
	scopes []domain.ScopeKey,
	cfg Config,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
) *Scheduler {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Scheduler{
		creds:    creds,
		scopes:   scopes,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
		stopChan: make(chan struct{}),
		now:      time.Now,
	}
}

// Start runs the scheduler until Stop or ctx cancellation.
func (s *Scheduler) Start(ctx context.Context) {
	for {
		next := s.nextRun()
		s.logger.Infow("next credential refresh scheduled", "at", next)

		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-timer.C:
			s.runOnce(ctx)
			s.lastRun = s.now()
		case <-s.stopChan:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// nextRun returns the next instant the daily cycle fires. A day that
// already saw a run schedules into tomorrow's window, so a freshly drawn
// minute offset inside today's window never triggers a second run.
func (s *Scheduler) nextRun() time.Time {
	from := s.now()
	if sameDay(from, s.lastRun, s.cfg.Location) {
		y, m, d := from.In(s.cfg.Location).Date()
		from = time.Date(y, m, d, 23, 59, 59, 0, s.cfg.Location)
	}
	return utils.NextWindowTime(from, s.cfg.WindowStartHour, s.cfg.WindowEndHour, s.cfg.Location)
}

func sameDay(a, b time.Time, loc *time.Location) bool {
	if b.IsZero() {
		return false
	}
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

// Stop stops the scheduler.
func (s *Scheduler) Stop() {
	close(s.stopChan)
}

func (s *Scheduler) runOnce(ctx context.Context) {
	for _, scope := range s.scopes {
		if !s.creds.NeedsRefresh(ctx, scope) {
			continue
		}
		s.refreshScope(ctx, scope)
	}
}

func (s *Scheduler) refreshScope(ctx context.Context, scope domain.ScopeKey) {
	cfg := retry.Config{
		MaxAttempts:  5,
		InitialDelay: 30 * time.Second,
		MaxDelay:     10 * time.Minute,
		Multiplier:   2.0,
		Jitter:       true,
		NonRetryable: []error{domain.ErrBlankToken, errGiveUp},
	}

	err := retry.Do(ctx, cfg, func() error {
		_, refreshErr := s.creds.Refresh(ctx, scope)
		if refreshErr != nil && !isNetworkError(refreshErr) {
			// Non-network failures will not heal by retrying; give up
			// for this cycle and never escalate to the user.
			return fmt.Errorf("%w: %w", errGiveUp, refreshErr)
		}
		return refreshErr
	})

	if err != nil {
		if errors.Is(err, errGiveUp) || errors.Is(err, domain.ErrBlankToken) {
			s.logger.Warnw("credential refresh gave up for this cycle",
				"scope", scope.String(),
				"error", err,
			)
		} else {
			s.logger.Warnw("credential refresh failed after retries",
				"scope", scope.String(),
				"error", err,
			)
		}
		s.metrics.RefreshCompleted("error")
		return
	}

	s.metrics.RefreshCompleted("ok")
}

// errGiveUp marks a non-network failure the backoff loop must not chew on.
var errGiveUp = errors.New("refresh not retryable")

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
