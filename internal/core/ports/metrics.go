package ports

import "time"

// Metrics is the instrumentation surface the core services report to.
// The prometheus-backed implementation lives in infrastructure; tests use
// NopMetrics.
type Metrics interface {
	CredentialCacheHit(tier string)
	CredentialCacheMiss()
	CredentialIssued(outcome string)
	AnomalyGuardTripped(scope string)
	RefreshCompleted(outcome string)

	ChannelJoined(timeToConnect time.Duration)
	ChannelLeft(sessionDuration time.Duration)
	DebounceCoalesced()
	PolicyDisconnect(status string, delay time.Duration)
	SessionRecordPublished(active bool)
}

// NopMetrics discards all observations.
type NopMetrics struct{}

func (NopMetrics) CredentialCacheHit(string)                {}
func (NopMetrics) CredentialCacheMiss()                     {}
func (NopMetrics) CredentialIssued(string)                  {}
func (NopMetrics) AnomalyGuardTripped(string)               {}
func (NopMetrics) RefreshCompleted(string)                  {}
func (NopMetrics) ChannelJoined(time.Duration)              {}
func (NopMetrics) ChannelLeft(time.Duration)                {}
func (NopMetrics) DebounceCoalesced()                       {}
func (NopMetrics) PolicyDisconnect(string, time.Duration)   {}
func (NopMetrics) SessionRecordPublished(bool)              {}
