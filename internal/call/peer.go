// Package call adapts pion/webrtc to the negotiation controller and handles
// the media that flows through a call.
package call

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/BioHazard786/warpcall/internal/config"
	"github.com/BioHazard786/warpcall/internal/logging"
	"github.com/BioHazard786/warpcall/internal/negotiation"
	"github.com/BioHazard786/warpcall/internal/utils"
)

var _ negotiation.Peer = (*Peer)(nil)

// Hooks receive events from pion goroutines. Implementations must not block
// and must not call into the negotiation controller synchronously: pion may
// fire them while the controller is inside a Peer method.
type Hooks struct {
	OnRemoteTrack     func(track *webrtc.TrackRemote)
	OnControlOpen     func()
	OnControl         func(msg ControlMessage)
	OnConnectionState func(state webrtc.PeerConnectionState)
}

// NewAPI builds a pion API with the default codecs and interceptors and pion's
// own logs routed into zerolog.
func NewAPI(logger zerolog.Logger) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: logging.PionFactory{Logger: logger}}
	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}

// ICEConfiguration turns the client config into a pion configuration. Relay-only
// transport is used when asked for, or when the host looks like it sits behind a
// VPN or CGNAT and a TURN server is available.
func ICEConfiguration(cfg *config.Config) webrtc.Configuration {
	var servers []webrtc.ICEServer
	if stun := cfg.GetSTUNServers(); stun != nil {
		servers = append(servers, webrtc.ICEServer{URLs: stun})
	}

	turnServers := cfg.GetTURNServers()
	if turnServers != nil {
		username, password := cfg.GetTURNCredentials()
		servers = append(servers, webrtc.ICEServer{
			URLs:       turnServers,
			Username:   username,
			Credential: password,
		})
	}

	policy := webrtc.ICETransportPolicyAll
	if turnServers != nil && (cfg.ForceRelay || utils.ShouldForceRelay()) {
		policy = webrtc.ICETransportPolicyRelay
	}

	return webrtc.Configuration{
		ICEServers:         servers,
		ICETransportPolicy: policy,
	}
}

// Peer is one pion peer connection plus the control channel riding on it.
type Peer struct {
	Remote string

	pc            *webrtc.PeerConnection
	control       *webrtc.DataChannel
	controlOpen   atomic.Bool
	gatherTimeout time.Duration

	mu      sync.Mutex
	senders map[string]*webrtc.RTPSender

	log zerolog.Logger
}

// NewPeer opens a peer connection to remote and wires hooks.
func NewPeer(api *webrtc.API, cfg *config.Config, remote string, hooks Hooks) (*Peer, error) {
	pc, err := api.NewPeerConnection(ICEConfiguration(cfg))
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	ordered := true
	negotiated := true
	id := uint16(controlID)
	dc, err := pc.CreateDataChannel(controlLabel, &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create control channel: %w", err)
	}

	gather := cfg.GatherTimeout
	if gather <= 0 {
		gather = config.DefaultGatherTimeout
	}

	p := &Peer{
		Remote:        remote,
		pc:            pc,
		control:       dc,
		gatherTimeout: gather,
		senders:       make(map[string]*webrtc.RTPSender),
		log:           log.With().Str("component", "peer").Str("remote", remote).Logger(),
	}

	dc.OnOpen(func() {
		p.controlOpen.Store(true)
		if hooks.OnControlOpen != nil {
			hooks.OnControlOpen()
		}
	})
	dc.OnClose(func() {
		p.controlOpen.Store(false)
	})
	dc.OnMessage(func(m webrtc.DataChannelMessage) {
		msg, err := ParseControl(m.Data)
		if err != nil {
			p.log.Warn().Err(err).Msg("bad control message")
			return
		}
		if hooks.OnControl != nil {
			hooks.OnControl(msg)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.log.Info().Str("track", track.ID()).Str("codec", track.Codec().MimeType).Msg("remote track")
		if hooks.OnRemoteTrack != nil {
			hooks.OnRemoteTrack(track)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.log.Debug().Stringer("state", state).Msg("connection state")
		if hooks.OnConnectionState != nil {
			hooks.OnConnectionState(state)
		}
	})

	return p, nil
}

// AttachTrack starts sending track on this connection.
func (p *Peer) AttachTrack(track webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.senders[track.ID()]; ok {
		return nil
	}
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add track %s: %w", track.ID(), err)
	}
	p.senders[track.ID()] = sender

	// RTCP has to be read for interceptors such as NACK to work.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

// DetachTrack stops sending the track with the given ID.
func (p *Peer) DetachTrack(trackID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	sender, ok := p.senders[trackID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTrackNotAttached, trackID)
	}
	if err := p.pc.RemoveTrack(sender); err != nil {
		return fmt.Errorf("remove track %s: %w", trackID, err)
	}
	delete(p.senders, trackID)
	return nil
}

func (p *Peer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *Peer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

// SetLocalDescription applies desc and waits for candidate gathering so the
// description sent through the relay is complete. No separate candidate
// messages are exchanged.
func (p *Peer) SetLocalDescription(desc webrtc.SessionDescription) error {
	if desc.Type == webrtc.SDPTypeRollback {
		return p.pc.SetLocalDescription(rollbackOf(desc, p.pc.PendingLocalDescription()))
	}

	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(desc); err != nil {
		return err
	}

	select {
	case <-gathered:
	case <-time.After(p.gatherTimeout):
		p.log.Warn().Dur("timeout", p.gatherTimeout).Msg("candidate gathering incomplete, sending what we have")
	}
	return nil
}

func (p *Peer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if desc.Type == webrtc.SDPTypeRollback {
		return p.pc.SetRemoteDescription(rollbackOf(desc, p.pc.PendingRemoteDescription()))
	}
	return p.pc.SetRemoteDescription(desc)
}

// rollbackOf fills an empty rollback with the SDP of the pending description
// it discards, since pion parses the body of every description it is given.
func rollbackOf(desc webrtc.SessionDescription, pending *webrtc.SessionDescription) webrtc.SessionDescription {
	if desc.SDP == "" && pending != nil {
		desc.SDP = pending.SDP
	}
	return desc
}

func (p *Peer) LocalDescription() *webrtc.SessionDescription {
	return p.pc.LocalDescription()
}

// SignalingState reports where the connection is in an offer/answer exchange.
func (p *Peer) SignalingState() webrtc.SignalingState {
	return p.pc.SignalingState()
}

// ConnectionState reports the pion connection state.
func (p *Peer) ConnectionState() webrtc.PeerConnectionState {
	return p.pc.ConnectionState()
}

// ControlOpen reports whether control messages can be sent.
func (p *Peer) ControlOpen() bool {
	return p.controlOpen.Load()
}

func (p *Peer) Close() error {
	p.controlOpen.Store(false)
	return p.pc.Close()
}
