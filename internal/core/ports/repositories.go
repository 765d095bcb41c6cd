package ports

import (
	"context"
	"time"

	"pttlink/internal/core/domain"
)

// SessionRecordStore is the realtime coordination store holding one
// Session Record per office scope. Writes always replace the whole
// document; Watch delivers every subsequent record written to the scope.
type SessionRecordStore interface {
	Put(ctx context.Context, scope domain.SessionScope, record *domain.SessionRecord) error
	Get(ctx context.Context, scope domain.SessionScope) (*domain.SessionRecord, error)
	// Watch returns a channel of record snapshots for the scope. The
	// channel closes when ctx is cancelled or the store shuts down.
	Watch(ctx context.Context, scope domain.SessionScope) (<-chan domain.SessionRecord, error)
}

// PresenceEntry describes one participant currently online in an office.
type PresenceEntry struct {
	ID    domain.ParticipantID   `json:"id"`
	Role  domain.ParticipantRole `json:"role"`
	Since time.Time              `json:"since"`
}

// PresenceStore tracks which participants are online per office scope,
// independent of whether a voice session is running. Dispatch consoles
// use it to see who an office-wide call would reach.
type PresenceStore interface {
	// Announce marks the participant online. Entries expire unless
	// re-announced, so a crashed client drops off the roster by itself.
	Announce(ctx context.Context, scope domain.SessionScope, entry PresenceEntry) error
	Withdraw(ctx context.Context, scope domain.SessionScope, id domain.ParticipantID) error
	Online(ctx context.Context, scope domain.SessionScope) ([]PresenceEntry, error)
}

// CredentialStore is one tier of the credential cache. The in-memory tier
// and the encrypted persistent tier both implement it; the lifecycle
// manager layers them.
type CredentialStore interface {
	Get(ctx context.Context, scope domain.ScopeKey) (*domain.Credential, error)
	Put(ctx context.Context, cred *domain.Credential) error
	Delete(ctx context.Context, scope domain.ScopeKey) error
}
