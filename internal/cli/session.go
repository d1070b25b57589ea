package cli

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/BioHazard786/warpcall/internal/call"
	"github.com/BioHazard786/warpcall/internal/config"
	"github.com/BioHazard786/warpcall/internal/negotiation"
	"github.com/BioHazard786/warpcall/internal/signaling"
	"github.com/BioHazard786/warpcall/internal/ui"
	"github.com/BioHazard786/warpcall/internal/utils"
)

var errHungUp = errors.New("hung up")

type eventKind int

const (
	evRemoteTrack eventKind = iota
	evTrackEnded
	evControlOpen
	evControl
	evConnState
)

// peerEvent carries a pion callback into the session loop. gen identifies the
// peer connection it came from, so events from replaced connections are ignored.
type peerEvent struct {
	kind    eventKind
	remote  string
	gen     uint64
	track   *webrtc.TrackRemote
	trackID string
	control call.ControlMessage
	state   webrtc.PeerConnectionState
}

type peerEntry struct {
	peer *call.Peer
	gen  uint64
}

type peerStatus struct {
	negotiation string
	connection  string
	tracks      []string
	hungUp      bool
}

func (p *peerStatus) String() string {
	if p.hungUp {
		return "hung up"
	}
	if p.connection == "" {
		return p.negotiation
	}
	return p.negotiation + ", " + p.connection
}

type sessionConfig struct {
	identity string
	roomID   string
	cfg      *config.Config
	api      *webrtc.API
	client   *signaling.Client
	handler  *signaling.Handler
	media    *call.LocalMedia
	recorder *call.Recorder
	view     ui.CallView
}

// callSession runs one call. Everything except emit runs on the goroutine
// that called run, so the maps below need no locking.
type callSession struct {
	sessionConfig

	ctrl     *negotiation.Controller
	peers    map[string]*peerEntry
	status   map[string]*peerStatus
	nextGen  uint64
	events   chan peerEvent
	done     chan struct{}
	mediaErr chan error

	micOn   bool
	videoOn bool
	started time.Time

	log zerolog.Logger
}

func newCallSession(sc sessionConfig) *callSession {
	s := &callSession{
		sessionConfig: sc,
		peers:         make(map[string]*peerEntry),
		status:        make(map[string]*peerStatus),
		events:        make(chan peerEvent, 256),
		done:          make(chan struct{}),
		mediaErr:      make(chan error, 1),
		micOn:         sc.media.Audio != nil,
		videoOn:       sc.media.Video != nil,
		log:           log.With().Str("component", "call").Str("room", sc.roomID).Logger(),
	}
	s.ctrl = negotiation.NewController(negotiation.Options{
		Signaler:       sc.client,
		NewPeer:        s.newPeer,
		OnStateChange:  s.onStateChange,
		OnRemoteStream: s.onRemoteStream,
	})
	return s
}

func (s *callSession) run(ctx context.Context) error {
	defer close(s.done)

	members, err := s.join(ctx)
	if err != nil {
		return err
	}
	fmt.Println(ui.RoomView(s.roomID, s.identity, members))
	if s.recorder.Dir != "" {
		ui.PrintInfof("%s Recording remote media to %s", ui.IconRecord, s.recorder.Dir)
	}

	for _, track := range s.media.Tracks() {
		if err := s.ctrl.AddLocalTrack(track); err != nil {
			return err
		}
	}

	mediaCtx, stopMedia := context.WithCancel(ctx)
	defer stopMedia()
	go func() {
		if err := s.media.Run(mediaCtx); err != nil {
			s.mediaErr <- err
		}
	}()

	s.started = time.Now()
	s.view.Start()
	s.view.SetLocalMedia(s.micOn, s.videoOn)
	defer s.hangup()

	return s.loop(ctx)
}

// join sends join-room and waits for the acknowledgement.
func (s *callSession) join(ctx context.Context) ([]string, error) {
	if err := s.client.JoinRoom(s.identity, s.roomID); err != nil {
		return nil, err
	}

	sp := ui.NewWaitingSpinner("Joining room...")
	sp.Start()
	defer sp.Stop()

	timeout := time.NewTimer(utils.SignalTimeout)
	defer timeout.Stop()

	select {
	case joined := <-s.handler.RoomJoined:
		return joined.Members, nil
	case msg := <-s.handler.Errors:
		return nil, fmt.Errorf("relay refused join: %s", msg)
	case <-s.handler.Done:
		return nil, signaling.ErrClosed
	case <-timeout.C:
		return nil, errors.New("timed out waiting for the relay")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *callSession) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return errHungUp

		case <-s.handler.Done:
			s.log.Warn().Msg("relay connection closed")
			return fmt.Errorf("lost connection to relay: %w", signaling.ErrClosed)

		case identity := <-s.handler.PeerJoined:
			s.view.Notify(fmt.Sprintf("%s joined, calling", identity))
			s.settlePeer(identity, s.ctrl.HandlePeerJoined(identity))

		case offer := <-s.handler.Offers:
			remote := offer.SenderIdentity
			if remote == "" {
				remote = offer.SenderHandle
			}
			s.settlePeer(remote, s.ctrl.HandleOffer(offer))

		case answer := <-s.handler.Answers:
			s.report(answer.SenderIdentity, s.ctrl.HandleAnswer(answer))

		case <-s.handler.RoomJoined:
			// Only expected once.

		case msg := <-s.handler.Errors:
			s.log.Warn().Str("error", msg).Msg("relay error")
			s.view.Notify("relay: " + msg)

		case ev := <-s.events:
			s.handleEvent(ev)

		case cmd := <-s.view.Commands():
			if cmd == ui.CommandHangup {
				return errHungUp
			}
			s.toggle(cmd)

		case err := <-s.mediaErr:
			s.log.Error().Err(err).Msg("local media stopped")
			s.view.Notify("local media stopped: " + err.Error())
		}
	}
}

// report applies the error policy for controller calls: protocol violations
// are logged and otherwise ignored, anything else means the call failed.
func (s *callSession) report(remote string, err error) {
	switch {
	case err == nil:
	case negotiation.IsProtocolViolation(err):
		s.log.Warn().Err(err).Str("remote", remote).Msg("ignored out-of-order signaling")
	case errors.Is(err, negotiation.ErrClosed):
	default:
		s.log.Error().Err(err).Str("remote", remote).Msg("negotiation failed")
		s.view.Notify(fmt.Sprintf("%s call with %s did not connect", ui.IconError, remote))
	}
}

// settlePeer reports the result of a call that may have opened a connection to
// remote, and forgets the connection when the controller discarded it.
func (s *callSession) settlePeer(remote string, err error) {
	s.report(remote, err)
	if err == nil {
		return
	}
	if _, ok := s.ctrl.Session(remote); !ok {
		delete(s.peers, remote)
	}
}

func (s *callSession) newPeer(remote string) (negotiation.Peer, error) {
	s.nextGen++
	gen := s.nextGen

	p, err := call.NewPeer(s.api, s.cfg, remote, call.Hooks{
		OnRemoteTrack: func(track *webrtc.TrackRemote) {
			s.emit(peerEvent{kind: evRemoteTrack, remote: remote, gen: gen, track: track})
		},
		OnControlOpen: func() {
			s.emit(peerEvent{kind: evControlOpen, remote: remote, gen: gen})
		},
		OnControl: func(msg call.ControlMessage) {
			s.emit(peerEvent{kind: evControl, remote: remote, gen: gen, control: msg})
		},
		OnConnectionState: func(state webrtc.PeerConnectionState) {
			s.emit(peerEvent{kind: evConnState, remote: remote, gen: gen, state: state})
		},
	})
	if err != nil {
		return nil, err
	}

	s.peers[remote] = &peerEntry{peer: p, gen: gen}
	return p, nil
}

// emit is called from pion goroutines. It never blocks the caller, since pion
// may be holding locks that the session loop needs to close a connection.
func (s *callSession) emit(ev peerEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	default:
		go func() {
			select {
			case s.events <- ev:
			case <-s.done:
			}
		}()
	}
}

func (s *callSession) current(ev peerEvent) (*call.Peer, bool) {
	entry, ok := s.peers[ev.remote]
	if !ok || entry.gen != ev.gen {
		return nil, false
	}
	return entry.peer, true
}

func (s *callSession) handleEvent(ev peerEvent) {
	if ev.kind == evTrackEnded {
		s.ctrl.HandleRemoteTrackEnded(ev.remote, ev.trackID)
		return
	}

	peer, ok := s.current(ev)
	if !ok {
		s.log.Debug().Str("remote", ev.remote).Msg("event from replaced connection")
		return
	}

	switch ev.kind {
	case evRemoteTrack:
		track := ev.track
		s.ctrl.HandleRemoteTrack(ev.remote, call.Describe(track))
		remote, gen, id := ev.remote, ev.gen, track.ID()
		go s.recorder.Consume(remote, track, func() {
			s.emit(peerEvent{kind: evTrackEnded, remote: remote, gen: gen, trackID: id})
		})

	case evControlOpen:
		if err := peer.SendHello(s.identity); err != nil {
			s.log.Debug().Err(err).Msg("hello not sent")
		}
		if err := peer.SendMediaState(s.micOn, s.videoOn); err != nil {
			s.log.Debug().Err(err).Msg("media state not sent")
		}

	case evControl:
		s.handleControl(ev.remote, ev.control)

	case evConnState:
		st := s.peerStatus(ev.remote)
		st.connection = ev.state.String()
		s.view.SetPeerState(ev.remote, st.String())
		if ev.state == webrtc.PeerConnectionStateFailed {
			s.view.Notify(fmt.Sprintf("%s connection to %s failed", ui.IconError, ev.remote))
		}
	}
}

func (s *callSession) handleControl(remote string, msg call.ControlMessage) {
	switch msg.Type {
	case call.ControlHello:
		var hello call.HelloPayload
		if err := msg.DecodePayload(&hello); err != nil {
			s.log.Warn().Err(err).Msg("bad hello")
			return
		}
		s.log.Info().Str("remote", remote).Str("version", hello.ClientVersion).Msg("peer said hello")

	case call.ControlMediaState:
		var state call.MediaStatePayload
		if err := msg.DecodePayload(&state); err != nil {
			s.log.Warn().Err(err).Msg("bad media state")
			return
		}
		s.view.SetRemoteMedia(remote, state.Audio, state.Video)

	case call.ControlHangup:
		s.view.Notify(fmt.Sprintf("%s %s hung up", ui.IconHangup, remote))
		if err := s.ctrl.Teardown(remote); err != nil {
			s.log.Warn().Err(err).Str("remote", remote).Msg("teardown failed")
		}
		delete(s.peers, remote)
		st := s.peerStatus(remote)
		st.hungUp = true
		s.view.SetPeerState(remote, st.String())

	default:
		s.log.Debug().Str("type", msg.Type).Msg("unknown control message")
	}
}

// toggle removes or re-adds a local track. The controller renegotiates with
// every remote either way.
func (s *callSession) toggle(cmd ui.Command) {
	var (
		track webrtc.TrackLocal
		on    *bool
		label string
	)
	switch cmd {
	case ui.CommandToggleMute:
		if s.media.Audio == nil {
			return
		}
		track, on, label = s.media.Audio, &s.micOn, "microphone"
	case ui.CommandToggleVideo:
		if s.media.Video == nil {
			return
		}
		track, on, label = s.media.Video, &s.videoOn, "video"
	default:
		return
	}

	var err error
	if *on {
		err = s.ctrl.RemoveLocalTrack(track.ID())
	} else {
		err = s.ctrl.AddLocalTrack(track)
	}
	if err != nil {
		s.report(label, err)
		return
	}
	*on = !*on

	s.view.SetLocalMedia(s.micOn, s.videoOn)
	s.view.Notify(fmt.Sprintf("%s %s", label, onOff(*on)))
	for remote, entry := range s.peers {
		if !entry.peer.ControlOpen() {
			continue
		}
		if err := entry.peer.SendMediaState(s.micOn, s.videoOn); err != nil {
			s.log.Debug().Err(err).Str("remote", remote).Msg("media state not sent")
		}
	}
}

// hangup tells every remote the call is over and closes all connections.
func (s *callSession) hangup() {
	for remote, entry := range s.peers {
		if !entry.peer.ControlOpen() {
			continue
		}
		if err := entry.peer.SendHangup("bye"); err != nil {
			s.log.Debug().Err(err).Str("remote", remote).Msg("hangup not sent")
		}
	}
	// Give the data channel a moment to flush before the connections close.
	if len(s.peers) > 0 {
		time.Sleep(200 * time.Millisecond)
	}
	if err := s.ctrl.Close(); err != nil {
		s.log.Debug().Err(err).Msg("close")
	}
	s.view.Stop()
}

// onStateChange and onRemoteStream run inside controller calls, which are all
// made from the session loop.
func (s *callSession) onStateChange(info negotiation.SessionInfo) {
	st := s.peerStatus(info.Remote)
	st.negotiation = info.State.String()
	st.hungUp = false
	s.view.SetPeerState(info.Remote, st.String())
}

func (s *callSession) onRemoteStream(stream negotiation.RemoteStream) {
	tracks := make([]string, 0, len(stream.Tracks))
	for _, t := range stream.Tracks {
		tracks = append(tracks, t.Kind.String())
	}
	st := s.peerStatus(stream.Remote)
	st.tracks = tracks
	s.view.SetRemoteTracks(stream.Remote, tracks)
}

func (s *callSession) peerStatus(remote string) *peerStatus {
	st, ok := s.status[remote]
	if !ok {
		st = &peerStatus{negotiation: negotiation.StateIdle.String()}
		s.status[remote] = st
	}
	return st
}

func (s *callSession) summary() ui.CallSummary {
	var d time.Duration
	if !s.started.IsZero() {
		d = time.Since(s.started)
	}

	remotes := make([]string, 0, len(s.status))
	for r := range s.status {
		remotes = append(remotes, r)
	}
	sort.Strings(remotes)

	peers := make([]ui.PeerSummary, 0, len(remotes))
	for _, r := range remotes {
		st := s.status[r]
		peers = append(peers, ui.PeerSummary{Identity: r, State: st.String(), Tracks: st.tracks})
	}

	return ui.CallSummary{
		RoomID:     s.roomID,
		Identity:   s.identity,
		Duration:   d,
		Peers:      peers,
		Recordings: s.recorder.Dir,
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
