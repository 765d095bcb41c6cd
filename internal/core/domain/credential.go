package domain

import (
	"fmt"
	"time"
)

type ParticipantID string
type ChannelName string

// ParticipantRole identifies which of the cooperating clients a process runs as.
type ParticipantRole string

const (
	RoleDispatcher ParticipantRole = "dispatcher"
	RoleDriver     ParticipantRole = "driver"
	RoleManager    ParticipantRole = "manager"
)

// ScopeKey identifies the office a credential (and its voice channel) belongs to.
// Credentials are cached per scope, not per participant.
type ScopeKey struct {
	RegionID string          `json:"region_id"`
	OfficeID string          `json:"office_id"`
	Role     ParticipantRole `json:"role"`
}

func (k ScopeKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.RegionID, k.OfficeID, k.Role)
}

// SessionScope is the (region, office) pair shared by every role in an office.
// The Session Record lives at this granularity.
type SessionScope struct {
	RegionID string `json:"region_id"`
	OfficeID string `json:"office_id"`
}

func (s SessionScope) String() string {
	return s.RegionID + "_" + s.OfficeID
}

func (k ScopeKey) SessionScope() SessionScope {
	return SessionScope{RegionID: k.RegionID, OfficeID: k.OfficeID}
}

// Credential is the join material for a voice channel: an opaque provider
// token plus the channel it opens, with an expiry.
type Credential struct {
	Token       string      `json:"token"`
	ChannelName ChannelName `json:"channel_name"`
	AppID       string      `json:"app_id,omitempty"`
	IssuedAt    time.Time   `json:"issued_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
	Scope       ScopeKey    `json:"scope"`
}

// ValidAt reports whether the credential is usable at the given instant.
// A credential inside the refresh buffer of its expiry is treated as
// already invalid so a join never races the provider-side cutoff.
func (c *Credential) ValidAt(now time.Time, refreshBuffer time.Duration) bool {
	if c == nil || c.Token == "" {
		return false
	}
	return now.Before(c.ExpiresAt.Add(-refreshBuffer))
}
