package ports

import (
	"context"

	"pttlink/internal/core/domain"
)

// RTCConnState mirrors the provider's connection-state callback values.
type RTCConnState string

const (
	RTCConnecting   RTCConnState = "connecting"
	RTCConnected    RTCConnState = "connected"
	RTCReconnecting RTCConnState = "reconnecting"
	RTCDisconnected RTCConnState = "disconnected"
	RTCFailed       RTCConnState = "failed"
)

// Provider error codes the coordinator reacts to. Other codes pass through
// to the UI unchanged.
const (
	RTCErrTokenExpired = "token_expired"
	RTCErrTokenInvalid = "token_invalid"
	RTCErrJoinRejected = "join_rejected"
)

// RTCEvent is the tagged union of provider callbacks, delivered on a
// channel so the coordinator actor can serialize them with its own events.
type RTCEvent interface {
	rtcEvent()
}

type RTCJoinSuccess struct {
	Channel domain.ChannelName
}

type RTCLeftChannel struct{}

type RTCConnectionChanged struct {
	State  RTCConnState
	Reason string
}

type RTCError struct {
	Code    string
	Message string
}

// RTCVolumeIndication carries per-speaker audio levels (0..255), keyed by
// the provider-side speaker identifier.
type RTCVolumeIndication struct {
	Levels map[string]int
}

func (RTCJoinSuccess) rtcEvent()       {}
func (RTCLeftChannel) rtcEvent()       {}
func (RTCConnectionChanged) rtcEvent() {}
func (RTCError) rtcEvent()             {}
func (RTCVolumeIndication) rtcEvent()  {}

// RTCProvider is the opaque real-time voice transport. JoinChannel is
// asynchronous: it returns once the join is dispatched, and the outcome
// arrives on Events as RTCJoinSuccess or RTCError.
type RTCProvider interface {
	JoinChannel(ctx context.Context, token string, channel domain.ChannelName) error
	LeaveChannel(ctx context.Context) error
	EnableLocalAudio(enabled bool) error
	AdjustPlaybackVolume(level int) error
	Events() <-chan RTCEvent
	Close() error
}
