package domain

// ConnectionState is the coordinator's view of the voice channel.
type ConnectionState string

const (
	ConnIdle               ConnectionState = "idle"
	ConnAwaitingCredential ConnectionState = "awaiting_credential"
	ConnAwaitingJoin       ConnectionState = "awaiting_join"
	ConnConnected          ConnectionState = "connected"
	ConnTransmitting       ConnectionState = "transmitting"
)

// Event is the tagged union the Session Coordinator emits on its event
// stream. UI layers select on one channel instead of implementing a
// callback interface.
type Event interface {
	event()
}

// StatusChanged reports a driver-status change accepted by the policy engine.
type StatusChanged struct {
	Status DriverStatus
}

// ConnectionChanged reports a transition of the coordinator state machine.
type ConnectionChanged struct {
	State  ConnectionState
	Reason string
}

// SpeakingChanged reports local microphone state. It tracks press/release
// directly and is never debounced.
type SpeakingChanged struct {
	Speaking bool
}

// ErrorEvent carries a string-keyed error to the UI layer. Keys are stable;
// messages are free-form.
type ErrorEvent struct {
	Key     string
	Message string
}

// Error keys surfaced on the event stream.
const (
	ErrKeyConfiguration  = "configuration_error"
	ErrKeyJoinFailed     = "join_failed"
	ErrKeyTokenInvalid   = "token_invalid"
	ErrKeyConnectionLost = "connection_lost"
)

func (StatusChanged) event()     {}
func (ConnectionChanged) event() {}
func (SpeakingChanged) event()   {}
func (ErrorEvent) event()        {}
