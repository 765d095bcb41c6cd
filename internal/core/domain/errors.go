package domain

import "errors"

var (
	ErrNoCredential      = errors.New("no credential available")
	ErrCredentialExpired = errors.New("credential expired")
	ErrBlankToken        = errors.New("issuer returned blank token: signing secret not configured")
	ErrAnomalousAccess   = errors.New("anomalous credential access for scope")
	ErrSessionNotFound   = errors.New("session record not found")
	ErrSessionBusy       = errors.New("another initiator holds the session scope")
	ErrNotInitiator      = errors.New("participant is not the session initiator")
	ErrProviderRejected  = errors.New("provider rejected join")
	ErrCoordinatorClosed = errors.New("coordinator closed")
)
