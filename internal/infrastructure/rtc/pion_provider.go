package rtc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"pttlink/internal/core/domain"
	"pttlink/internal/core/ports"
	"pttlink/internal/infrastructure/loadbalancer"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config holds the WebRTC transport configuration for the reference
// provider.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	// GatewayURLs are the media gateway signaling endpoints. The channel
	// token is presented as a bearer credential during negotiation. With
	// more than one endpoint the channel name selects the gateway, so
	// every participant of an office negotiates with the same instance.
	GatewayURLs []string
}

// Signaler exchanges the local SDP offer for the gateway's answer.
type Signaler interface {
	Negotiate(ctx context.Context, token string, channel domain.ChannelName, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
}

// PionProvider is the reference RTCProvider built on pion. Production
// mobile builds wrap the vendor SDK instead; this adapter exists so the
// coordinator can run against real media without one.
type PionProvider struct {
	config   Config
	signaler Signaler
	logger   *zap.SugaredLogger

	events chan ports.RTCEvent

	mu         sync.Mutex
	pc         *webrtc.PeerConnection
	audioTrack *webrtc.TrackLocalStaticRTP
	joined     bool
	channel    domain.ChannelName

	micEnabled     atomic.Bool
	playbackVolume atomic.Int32

	closed   atomic.Bool
	closeOne sync.Once
}

// NewPionProvider creates the provider. signaler may be nil, in which
// case an HTTP signaler over config.GatewayURLs is used.
func NewPionProvider(config Config, signaler Signaler, logger *zap.SugaredLogger) *PionProvider {
	if signaler == nil {
		signaler = NewHTTPSignaler(loadbalancer.NewGatewaySelector(config.GatewayURLs), 10*time.Second)
	}
	p := &PionProvider{
		config:   config,
		signaler: signaler,
		logger:   logger,
		events:   make(chan ports.RTCEvent, 32),
	}
	p.playbackVolume.Store(100)
	return p
}

// JoinChannel dispatches an asynchronous join. The outcome arrives on
// Events as RTCJoinSuccess or RTCError.
func (p *PionProvider) JoinChannel(ctx context.Context, token string, channel domain.ChannelName) error {
	if p.closed.Load() {
		return errors.New("provider is closed")
	}

	p.mu.Lock()
	if p.joined || p.pc != nil {
		p.mu.Unlock()
		return errors.New("already joining or joined a channel")
	}

	pc, audioTrack, err := p.createPeerConnection()
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("failed to create peer connection: %w", err)
	}
	p.pc = pc
	p.audioTrack = audioTrack
	p.channel = channel
	p.mu.Unlock()

	go p.negotiate(ctx, pc, token, channel)
	return nil
}

func (p *PionProvider) negotiate(ctx context.Context, pc *webrtc.PeerConnection, token string, channel domain.ChannelName) {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		p.failJoin(pc, ports.RTCErrJoinRejected, fmt.Sprintf("create offer: %v", err))
		return
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		p.failJoin(pc, ports.RTCErrJoinRejected, fmt.Sprintf("set local description: %v", err))
		return
	}

	answer, err := p.signaler.Negotiate(ctx, token, channel, offer)
	if err != nil {
		code := ports.RTCErrJoinRejected
		var rejection *RejectionError
		if errors.As(err, &rejection) {
			code = rejection.Code
		}
		p.failJoin(pc, code, err.Error())
		return
	}

	if err := pc.SetRemoteDescription(answer); err != nil {
		p.failJoin(pc, ports.RTCErrJoinRejected, fmt.Sprintf("set remote description: %v", err))
		return
	}
}

func (p *PionProvider) failJoin(pc *webrtc.PeerConnection, code, message string) {
	p.logger.Warnw("channel join failed",
		"code", code,
		"error", message,
	)
	p.mu.Lock()
	if p.pc == pc {
		p.pc = nil
		p.audioTrack = nil
		p.joined = false
	}
	p.mu.Unlock()
	_ = pc.Close()
	p.emit(ports.RTCError{Code: code, Message: message})
}

func (p *PionProvider) createPeerConnection() (*webrtc.PeerConnection, *webrtc.TrackLocalStaticRTP, error) {
	config := webrtc.Configuration{
		ICEServers:   p.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	}

	settingEngine := webrtc.SettingEngine{}
	if p.config.PortRange.Min > 0 && p.config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(p.config.PortRange.Min, p.config.PortRange.Max); err != nil {
			return nil, nil, fmt.Errorf("failed to set port range: %w", err)
		}
	}

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	pc, err := api.NewPeerConnection(config)
	if err != nil {
		return nil, nil, err
	}

	audioTrack, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio",
		"pttlink-mic",
	)
	if err != nil {
		_ = pc.Close()
		return nil, nil, err
	}

	sender, err := pc.AddTrack(audioTrack)
	if err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	go p.drainSenderRTCP(sender)

	pc.OnTrack(p.handleRemoteTrack)
	pc.OnICEConnectionStateChange(p.handleICEConnectionState)
	pc.OnConnectionStateChange(p.handleConnectionState(pc))

	return pc, audioTrack, nil
}

func (p *PionProvider) handleConnectionState(pc *webrtc.PeerConnection) func(webrtc.PeerConnectionState) {
	return func(state webrtc.PeerConnectionState) {
		p.logger.Infow("peer connection state changed", "state", state.String())

		switch state {
		case webrtc.PeerConnectionStateConnected:
			p.mu.Lock()
			first := !p.joined && p.pc == pc
			if first {
				p.joined = true
			}
			channel := p.channel
			p.mu.Unlock()
			if first {
				p.emit(ports.RTCJoinSuccess{Channel: channel})
			}
			p.emit(ports.RTCConnectionChanged{State: ports.RTCConnected})

		case webrtc.PeerConnectionStateDisconnected:
			p.emit(ports.RTCConnectionChanged{State: ports.RTCDisconnected, Reason: "peer connection disconnected"})

		case webrtc.PeerConnectionStateFailed:
			p.emit(ports.RTCConnectionChanged{State: ports.RTCFailed, Reason: "peer connection failed"})
		}
	}
}

func (p *PionProvider) handleICEConnectionState(state webrtc.ICEConnectionState) {
	p.logger.Debugw("ICE connection state changed", "state", state.String())
	if state == webrtc.ICEConnectionStateChecking {
		p.emit(ports.RTCConnectionChanged{State: ports.RTCConnecting})
	}
}

// handleRemoteTrack reads far-end audio and derives crude speaking levels
// from packet cadence, published as RTCVolumeIndication once a second.
func (p *PionProvider) handleRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	p.logger.Infow("remote track started",
		"track_id", track.ID(),
		"codec", track.Codec().MimeType,
	)

	go p.drainReceiverRTCP(receiver)

	var (
		packets    int
		lastReport = time.Now()
	)
	buf := make([]byte, 1500)
	pkt := &rtp.Packet{}

	for {
		n, _, err := track.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.logger.Debugw("remote track read ended", "track_id", track.ID(), "error", err)
			}
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		packets++

		if time.Since(lastReport) >= time.Second {
			// Opus sends 50 packets/s while the speaker talks; scale to
			// the 0..255 level range the coordinator expects.
			level := packets * 255 / 50
			if level > 255 {
				level = 255
			}
			p.emit(ports.RTCVolumeIndication{Levels: map[string]int{track.ID(): level}})
			packets = 0
			lastReport = time.Now()
		}
	}
}

func (p *PionProvider) drainSenderRTCP(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		p.inspectRTCP(packets)
	}
}

func (p *PionProvider) drainReceiverRTCP(receiver *webrtc.RTPReceiver) {
	for {
		packets, _, err := receiver.ReadRTCP()
		if err != nil {
			return
		}
		p.inspectRTCP(packets)
	}
}

func (p *PionProvider) inspectRTCP(packets []rtcp.Packet) {
	for _, packet := range packets {
		rr, ok := packet.(*rtcp.ReceiverReport)
		if !ok {
			continue
		}
		for _, report := range rr.Reports {
			if report.FractionLost > 64 { // >25% loss
				p.emit(ports.RTCConnectionChanged{
					State:  ports.RTCReconnecting,
					Reason: fmt.Sprintf("high packet loss (%d/256)", report.FractionLost),
				})
			}
		}
	}
}

// WriteAudio pushes one captured microphone packet toward the channel.
// Packets are dropped while local audio is disabled, which is how
// press-to-talk gating works on this transport.
func (p *PionProvider) WriteAudio(pkt *rtp.Packet) error {
	if !p.micEnabled.Load() {
		return nil
	}
	p.mu.Lock()
	track := p.audioTrack
	p.mu.Unlock()
	if track == nil {
		return errors.New("no active channel")
	}
	return track.WriteRTP(pkt)
}

func (p *PionProvider) EnableLocalAudio(enabled bool) error {
	p.micEnabled.Store(enabled)
	return nil
}

func (p *PionProvider) AdjustPlaybackVolume(level int) error {
	if level < 0 || level > 100 {
		return fmt.Errorf("playback volume %d out of range [0,100]", level)
	}
	p.playbackVolume.Store(int32(level))
	return nil
}

// PlaybackVolume is read by the audio sink when rendering far-end audio.
func (p *PionProvider) PlaybackVolume() int {
	return int(p.playbackVolume.Load())
}

func (p *PionProvider) LeaveChannel(ctx context.Context) error {
	p.mu.Lock()
	pc := p.pc
	p.pc = nil
	p.audioTrack = nil
	wasJoined := p.joined
	p.joined = false
	p.mu.Unlock()

	p.micEnabled.Store(false)

	if pc != nil {
		if err := pc.Close(); err != nil {
			p.logger.Warnw("error closing peer connection", "error", err)
		}
	}
	if wasJoined || pc != nil {
		p.emit(ports.RTCLeftChannel{})
	}
	return nil
}

func (p *PionProvider) Events() <-chan ports.RTCEvent {
	return p.events
}

func (p *PionProvider) Close() error {
	err := p.LeaveChannel(context.Background())
	p.closed.Store(true)
	p.closeOne.Do(func() { close(p.events) })
	return err
}

func (p *PionProvider) emit(ev ports.RTCEvent) {
	if p.closed.Load() {
		return
	}
	select {
	case p.events <- ev:
	default:
		p.logger.Warnw("dropping provider event, consumer too slow", "event", fmt.Sprintf("%T", ev))
	}
}

var _ ports.RTCProvider = (*PionProvider)(nil)

// RejectionError carries the gateway's rejection code so the coordinator
// can distinguish credential problems from capacity problems.
type RejectionError struct {
	Code    string
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("gateway rejected join (%s): %s", e.Code, e.Message)
}

// HTTPSignaler negotiates SDP with the media gateway over HTTP. The
// gateway is chosen per channel so one office always lands on one
// instance.
type HTTPSignaler struct {
	selector *loadbalancer.GatewaySelector
	http     *http.Client
}

func NewHTTPSignaler(selector *loadbalancer.GatewaySelector, timeout time.Duration) *HTTPSignaler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSignaler{selector: selector, http: &http.Client{Timeout: timeout}}
}

type negotiateRequest struct {
	Channel string                    `json:"channel"`
	Offer   webrtc.SessionDescription `json:"offer"`
}

type negotiateResponse struct {
	Answer webrtc.SessionDescription `json:"answer"`
}

func (s *HTTPSignaler) Negotiate(ctx context.Context, token string, channel domain.ChannelName, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	baseURL := s.selector.Pick(string(channel))
	if baseURL == "" {
		return webrtc.SessionDescription{}, errors.New("no media gateway configured")
	}

	body, err := json.Marshal(negotiateRequest{Channel: string(channel), Offer: offer})
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to encode negotiate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/rtc/negotiate", bytes.NewReader(body))
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to build negotiate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.http.Do(req)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("negotiate rpc failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return webrtc.SessionDescription{}, &RejectionError{Code: ports.RTCErrTokenExpired, Message: "token expired"}
	case http.StatusForbidden:
		return webrtc.SessionDescription{}, &RejectionError{Code: ports.RTCErrTokenInvalid, Message: "token rejected"}
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return webrtc.SessionDescription{}, &RejectionError{Code: ports.RTCErrJoinRejected, Message: fmt.Sprintf("status %d: %s", resp.StatusCode, msg)}
	}

	var out negotiateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to decode negotiate response: %w", err)
	}
	return out.Answer, nil
}

var _ Signaler = (*HTTPSignaler)(nil)
