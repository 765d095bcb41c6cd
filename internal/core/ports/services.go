package ports

import (
	"context"
	"time"

	"pttlink/internal/core/domain"
)

// IssueRequest is the credential issuance RPC request body.
type IssueRequest struct {
	RegionID string `json:"regionId"`
	OfficeID string `json:"officeId"`
	UserType string `json:"userType"`
}

// IssueResponse is the issuance RPC response. TestMode with an empty token
// means the server-side signing secret is not configured; callers must
// surface that as a configuration error, never retry the join.
type IssueResponse struct {
	Token       string `json:"token"`
	ChannelName string `json:"channelName"`
	AppID       string `json:"appId"`
	ExpiresIn   int64  `json:"expiresIn"`
	TestMode    bool   `json:"testMode"`
}

// CredentialIssuer is the opaque backend that mints voice credentials.
type CredentialIssuer interface {
	Issue(ctx context.Context, req IssueRequest) (*IssueResponse, error)
}

// CredentialManager owns the two-tier credential cache and its lifecycle:
// buffered validity, encrypted persistence, anomaly guarding, and
// issue-on-miss.
type CredentialManager interface {
	// Get returns a valid credential for the scope, fetching from the
	// issuer when neither tier holds one. domain.ErrBlankToken signals a
	// non-retryable configuration error.
	Get(ctx context.Context, scope domain.ScopeKey) (*domain.Credential, error)
	// Cached returns the cached credential without ever touching the
	// network, or domain.ErrNoCredential.
	Cached(ctx context.Context, scope domain.ScopeKey) (*domain.Credential, error)
	Put(ctx context.Context, cred *domain.Credential) error
	Invalidate(ctx context.Context, scope domain.ScopeKey) error
	NeedsRefresh(ctx context.Context, scope domain.ScopeKey) bool
	// Refresh forces an issuance RPC and repopulates both tiers.
	Refresh(ctx context.Context, scope domain.ScopeKey) (*domain.Credential, error)
	// EvictMemory drops the in-memory tier entry only, leaving the
	// encrypted persistent tier intact. Used on coordinator teardown.
	EvictMemory(ctx context.Context, scope domain.ScopeKey) error
}

// PolicyEngine decides how long an idle connection survives a release.
// Implementations schedule the disconnect callback given at construction;
// OnPressed and status changes cancel it.
type PolicyEngine interface {
	OnPressed()
	OnReleased()
	OnStatusChanged(status domain.DriverStatus)
	Status() domain.DriverStatus
	Stop()
}

// PrewarmAdvisor is the optional predictive extension: an engine that can
// recommend opening the connection before the debounce window settles.
type PrewarmAdvisor interface {
	// ShouldPrewarm reports whether usage history makes an imminent
	// session likely enough to pay the connect cost up front.
	ShouldPrewarm(now time.Time) bool
	RecordSession(start time.Time, duration time.Duration)
	RecordNetworkSample(sample NetworkSample)
}

// NetworkSample is one per-connection quality observation fed to the
// predictive engine.
type NetworkSample struct {
	Type          string
	SignalLevel   int
	TimeToConnect time.Duration
	Success       bool
}

// Coordinator is the participant-facing surface of the session
// coordination actor.
type Coordinator interface {
	PressPTT()
	ReleasePTT()
	SetStatus(status domain.DriverStatus)
	Events() <-chan domain.Event
	Close() error
}
