package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pttlink/internal/core/domain"
	"pttlink/internal/core/ports"
	"pttlink/pkg/circuitbreaker"
	"pttlink/pkg/tracing"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// CredentialConfig tunes the lifecycle manager.
type CredentialConfig struct {
	// RefreshBuffer: a credential inside this buffer of expiry is treated
	// as invalid so a join never lands on a provider-side cutoff.
	RefreshBuffer time.Duration
	// AnomalyPerMinute: more Get calls per minute for one scope than this
	// trips the anomaly guard — the cached token is treated as suspect,
	// purged, and the access denied.
	AnomalyPerMinute int
}

// DefaultCredentialConfig returns the production settings.
func DefaultCredentialConfig() CredentialConfig {
	return CredentialConfig{
		RefreshBuffer:    30 * time.Minute,
		AnomalyPerMinute: 10,
	}
}

// credentialService is the Credential Lifecycle Manager: a two-tier cache
// (in-memory over encrypted-at-rest) in front of the issuance RPC, with a
// per-scope anomaly guard.
type credentialService struct {
	memory     ports.CredentialStore
	persistent ports.CredentialStore // may be nil when no secure store is configured
	issuer     ports.CredentialIssuer
	breaker    *circuitbreaker.CircuitBreaker
	cfg        CredentialConfig
	metrics    ports.Metrics
	logger     *zap.SugaredLogger

	mu       sync.Mutex
	limiters map[domain.ScopeKey]*rate.Limiter

	now func() time.Time
}

// NewCredentialService wires the lifecycle manager. persistent may be nil;
// the manager then runs memory-only (credentials are re-issued after every
// restart).
func NewCredentialService(
	memory ports.CredentialStore,
	persistent ports.CredentialStore,
	issuer ports.CredentialIssuer,
	cfg CredentialConfig,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
) ports.CredentialManager {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &credentialService{
		memory:     memory,
		persistent: persistent,
		issuer:     issuer,
		breaker:    circuitbreaker.New(circuitbreaker.DefaultConfig()),
		cfg:        cfg,
		metrics:    metrics,
		logger:     logger,
		limiters:   make(map[domain.ScopeKey]*rate.Limiter),
		now:        time.Now,
	}
}

func (s *credentialService) Get(ctx context.Context, scope domain.ScopeKey) (*domain.Credential, error) {
	cred, err := s.Cached(ctx, scope)
	if err == nil {
		return cred, nil
	}
	if errors.Is(err, domain.ErrAnomalousAccess) {
		return nil, err
	}
	return s.Refresh(ctx, scope)
}

func (s *credentialService) Cached(ctx context.Context, scope domain.ScopeKey) (*domain.Credential, error) {
	if !s.limiter(scope).Allow() {
		// Hot-looping on one scope's token is a security signal, not a
		// cache workload. Purge and deny rather than trust a stale token.
		s.metrics.AnomalyGuardTripped(scope.String())
		s.logger.Warnw("credential access anomaly, purging scope", "scope", scope)
		if err := s.Invalidate(ctx, scope); err != nil {
			s.logger.Warnw("purge after anomaly failed", "scope", scope, "error", err)
		}
		return nil, domain.ErrAnomalousAccess
	}

	now := s.now()

	if cred, err := s.memory.Get(ctx, scope); err == nil {
		if cred.ValidAt(now, s.cfg.RefreshBuffer) {
			s.metrics.CredentialCacheHit("memory")
			return cred, nil
		}
		_ = s.memory.Delete(ctx, scope)
	}

	if s.persistent != nil {
		if cred, err := s.persistent.Get(ctx, scope); err == nil {
			if cred.ValidAt(now, s.cfg.RefreshBuffer) {
				// back-fill the fast tier
				if err := s.memory.Put(ctx, cred); err != nil {
					s.logger.Warnw("memory back-fill failed", "scope", scope, "error", err)
				}
				s.metrics.CredentialCacheHit("persistent")
				return cred, nil
			}
			_ = s.persistent.Delete(ctx, scope)
		}
	}

	s.metrics.CredentialCacheMiss()
	return nil, domain.ErrNoCredential
}

func (s *credentialService) Put(ctx context.Context, cred *domain.Credential) error {
	if err := s.memory.Put(ctx, cred); err != nil {
		return fmt.Errorf("memory tier put: %w", err)
	}
	if s.persistent != nil {
		if err := s.persistent.Put(ctx, cred); err != nil {
			return fmt.Errorf("persistent tier put: %w", err)
		}
	}
	return nil
}

func (s *credentialService) Invalidate(ctx context.Context, scope domain.ScopeKey) error {
	if err := s.memory.Delete(ctx, scope); err != nil {
		return fmt.Errorf("memory tier delete: %w", err)
	}
	if s.persistent != nil {
		if err := s.persistent.Delete(ctx, scope); err != nil {
			return fmt.Errorf("persistent tier delete: %w", err)
		}
	}
	return nil
}

func (s *credentialService) NeedsRefresh(ctx context.Context, scope domain.ScopeKey) bool {
	now := s.now()
	if cred, err := s.memory.Get(ctx, scope); err == nil && cred.ValidAt(now, s.cfg.RefreshBuffer) {
		return false
	}
	if s.persistent != nil {
		if cred, err := s.persistent.Get(ctx, scope); err == nil && cred.ValidAt(now, s.cfg.RefreshBuffer) {
			return false
		}
	}
	return true
}

func (s *credentialService) Refresh(ctx context.Context, scope domain.ScopeKey) (*domain.Credential, error) {
	ctx, span := tracing.TraceCredentialIssue(ctx, scope.String())
	defer span.End()

	var resp *ports.IssueResponse
	err := s.breaker.Execute(func() error {
		var issueErr error
		resp, issueErr = s.issuer.Issue(ctx, ports.IssueRequest{
			RegionID: scope.RegionID,
			OfficeID: scope.OfficeID,
			UserType: string(scope.Role),
		})
		return issueErr
	})
	if err != nil {
		s.metrics.CredentialIssued("error")
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("credential issuance for %s: %w", scope, err)
	}

	// A testMode response with an empty token means the server-side
	// signing secret is missing. Joining with a blank token is a
	// guaranteed provider rejection, so surface it as configuration
	// error rather than letting callers retry.
	if resp.Token == "" {
		s.metrics.CredentialIssued("blank_token")
		tracing.RecordError(ctx, domain.ErrBlankToken)
		return nil, domain.ErrBlankToken
	}

	now := s.now()
	cred := &domain.Credential{
		Token:       resp.Token,
		ChannelName: domain.ChannelName(resp.ChannelName),
		AppID:       resp.AppID,
		IssuedAt:    now,
		ExpiresAt:   now.Add(time.Duration(resp.ExpiresIn) * time.Second),
		Scope:       scope,
	}

	if err := s.Put(ctx, cred); err != nil {
		// The credential is still usable this once even if caching failed.
		s.logger.Warnw("credential cache write failed", "scope", scope, "error", err)
	}

	s.metrics.CredentialIssued("ok")
	s.logger.Infow("credential refreshed",
		"scope", scope.String(),
		"channel", cred.ChannelName,
		"expires_at", cred.ExpiresAt,
	)
	return cred, nil
}

func (s *credentialService) EvictMemory(ctx context.Context, scope domain.ScopeKey) error {
	return s.memory.Delete(ctx, scope)
}

func (s *credentialService) limiter(scope domain.ScopeKey) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	lim, ok := s.limiters[scope]
	if !ok {
		perMin := s.cfg.AnomalyPerMinute
		if perMin <= 0 {
			perMin = DefaultCredentialConfig().AnomalyPerMinute
		}
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), perMin)
		s.limiters[scope] = lim
	}
	return lim
}
