package domain

import "time"

// SessionParticipant is one entry in a Session Record's roster.
type SessionParticipant struct {
	Role     ParticipantRole `json:"role"`
	JoinedAt time.Time       `json:"joined_at"`
}

// SessionRecord is the shared coordination-store document through which
// office participants discover the active voice session. There is at most
// one record per SessionScope; the initiator is its only writer.
type SessionRecord struct {
	Active       bool                                 `json:"active"`
	InitiatorID  ParticipantID                        `json:"initiator_id"`
	ChannelName  ChannelName                          `json:"channel_name"`
	Token        string                               `json:"token"`
	StartedAt    time.Time                            `json:"started_at"`
	EndedAt      *time.Time                           `json:"ended_at,omitempty"`
	Participants map[ParticipantID]SessionParticipant `json:"participants,omitempty"`
}

// NewSessionRecord builds the record an initiator publishes when its join
// succeeds. Observers auto-join from the channel/token carried here.
func NewSessionRecord(initiator ParticipantID, role ParticipantRole, cred *Credential, now time.Time) *SessionRecord {
	return &SessionRecord{
		Active:      true,
		InitiatorID: initiator,
		ChannelName: cred.ChannelName,
		Token:       cred.Token,
		StartedAt:   now,
		Participants: map[ParticipantID]SessionParticipant{
			initiator: {Role: role, JoinedAt: now},
		},
	}
}

// Closed returns a copy of the record marked inactive. The full record is
// always written back so observers never see a torn state.
func (r *SessionRecord) Closed(now time.Time) *SessionRecord {
	closed := *r
	closed.Active = false
	ended := now
	closed.EndedAt = &ended
	return &closed
}

// WithParticipant returns a copy of the record with one roster entry added.
func (r *SessionRecord) WithParticipant(id ParticipantID, role ParticipantRole, now time.Time) *SessionRecord {
	next := *r
	next.Participants = make(map[ParticipantID]SessionParticipant, len(r.Participants)+1)
	for k, v := range r.Participants {
		next.Participants[k] = v
	}
	next.Participants[id] = SessionParticipant{Role: role, JoinedAt: now}
	return &next
}
