// Package negotiation drives offer/answer exchanges with remote peers. Each
// remote gets one session; a session never has two offers in flight, and
// renegotiation requested mid-exchange is deferred until the session is stable.
package negotiation

import (
	"errors"
	"sort"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options configures a Controller.
type Options struct {
	Signaler Signaler
	NewPeer  PeerFactory

	// OnStateChange and OnRemoteStream run with the controller lock held and
	// must not call back into the Controller.
	OnStateChange  func(info SessionInfo)
	OnRemoteStream func(stream RemoteStream)
}

// Controller owns the local tracks and one Session per remote peer. All
// methods are safe for concurrent use and are serialized internally.
type Controller struct {
	mu       sync.Mutex
	opts     Options
	tracks   []webrtc.TrackLocal
	sessions map[string]*Session
	closed   bool
	log      zerolog.Logger
}

// NewController creates a controller with no sessions and no local tracks.
func NewController(opts Options) *Controller {
	return &Controller{
		opts:     opts,
		sessions: make(map[string]*Session),
		log:      log.With().Str("component", "negotiation").Logger(),
	}
}

// HandlePeerJoined starts a call with a peer that just arrived in the room:
// attach the local tracks, create an offer and send it by identity. A session
// already open with that identity is replaced, since the remote restarted.
func (c *Controller) HandlePeerJoined(identity string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	if old, ok := c.sessions[identity]; ok {
		c.log.Info().Str("remote", identity).Stringer("state", old.State).Msg("peer rejoined, replacing session")
		c.teardown(old)
	}

	s, err := c.newSession(identity, "")
	if err != nil {
		return err
	}

	if err := c.offer(s); err != nil {
		s.peer.Close()
		return err
	}
	c.sessions[s.Remote] = s
	c.notify(s)
	return nil
}

// HandleOffer answers an offer. New remotes get a fresh session; a stable
// session treats it as remote-initiated renegotiation. An offer that crosses
// our own in-flight offer is a protocol violation and is dropped.
func (c *Controller) HandleOffer(in IncomingOffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	key := sessionKey(in.SenderIdentity, in.SenderHandle)
	if key == "" {
		return WrapError("handle offer", "", ErrProtocolViolation, "offer without sender")
	}
	if in.Description.Type != webrtc.SDPTypeOffer {
		return WrapError("handle offer", key, ErrUnexpectedDescription, in.Description.Type.String())
	}

	s, existing := c.sessions[key]
	if existing && s.RemoteHandle != "" && in.SenderHandle != "" && s.RemoteHandle != in.SenderHandle {
		c.log.Info().Str("remote", key).Msg("offer from a new connection, replacing session")
		c.teardown(s)
		existing = false
	}

	if existing {
		if s.State != StateStable {
			c.log.Warn().Str("remote", key).Stringer("state", s.State).Msg("offer while negotiating, dropped")
			return WrapError("handle offer", key, ErrProtocolViolation, "state "+s.State.String())
		}
		return c.answer(s, in, StateStable)
	}

	s, err := c.newSession(in.SenderIdentity, in.SenderHandle)
	if err != nil {
		return err
	}
	if err := c.answer(s, in, StateIdle); err != nil {
		s.peer.Close()
		return err
	}
	c.sessions[s.Remote] = s
	c.notify(s)
	return c.settle(s)
}

// answer runs the callee half of an exchange. On failure the session goes back
// to prior; the caller discards it when prior is Idle.
func (c *Controller) answer(s *Session, in IncomingOffer, prior State) error {
	if err := s.peer.SetRemoteDescription(in.Description); err != nil {
		return NewError("apply offer", s.Remote, err)
	}
	c.setState(s, StateOfferReceived)

	desc, err := s.peer.CreateAnswer()
	if err != nil {
		c.rollback(s, prior, false)
		c.setState(s, prior)
		return NewError("create answer", s.Remote, err)
	}
	if err := s.peer.SetLocalDescription(desc); err != nil {
		c.rollback(s, prior, false)
		c.setState(s, prior)
		return NewError("apply answer", s.Remote, err)
	}
	// The answer is applied locally, so the connection is stable again even
	// if the remote never receives it.
	if err := c.opts.Signaler.SendAnswer(in.SenderHandle, localDescription(s.peer, desc)); err != nil {
		c.setState(s, prior)
		return NewError("send answer", s.Remote, err)
	}

	s.RemoteHandle = in.SenderHandle
	c.setState(s, StateStable)
	if prior == StateStable {
		return c.settle(s)
	}
	return nil
}

// HandleAnswer applies the answer to our in-flight offer. An answer with no
// offer outstanding is a protocol violation and leaves the session untouched.
func (c *Controller) HandleAnswer(in IncomingAnswer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	s := c.findAnswerTarget(in)
	if s == nil {
		c.log.Warn().Str("sender", in.SenderIdentity).Msg("answer without session, dropped")
		return WrapError("handle answer", in.SenderIdentity, ErrProtocolViolation, "no session")
	}
	if in.Description.Type != webrtc.SDPTypeAnswer {
		return WrapError("handle answer", s.Remote, ErrUnexpectedDescription, in.Description.Type.String())
	}
	if s.State != StateOfferSent {
		c.log.Warn().Str("remote", s.Remote).Stringer("state", s.State).Msg("answer without offer, dropped")
		return WrapError("handle answer", s.Remote, ErrProtocolViolation, "state "+s.State.String())
	}

	if err := s.peer.SetRemoteDescription(in.Description); err != nil {
		return NewError("apply answer", s.Remote, err)
	}
	if in.SenderHandle != "" {
		s.RemoteHandle = in.SenderHandle
	}
	c.setState(s, StateStable)
	return c.settle(s)
}

func (c *Controller) findAnswerTarget(in IncomingAnswer) *Session {
	if s, ok := c.sessions[in.SenderIdentity]; ok && in.SenderIdentity != "" {
		return s
	}

	var offering []*Session
	for _, s := range c.sessions {
		if in.SenderHandle != "" && s.RemoteHandle == in.SenderHandle {
			return s
		}
		if s.State == StateOfferSent {
			offering = append(offering, s)
		}
	}
	if len(offering) == 1 && in.SenderIdentity == "" {
		return offering[0]
	}
	return nil
}

// AddLocalTrack holds track for every current and future session. Stable
// sessions renegotiate right away, busy ones once they settle.
func (c *Controller) AddLocalTrack(track webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	for _, t := range c.tracks {
		if t.ID() == track.ID() {
			return nil
		}
	}
	c.tracks = append(c.tracks, track)

	var errs []error
	for _, s := range c.ordered() {
		if err := s.peer.AttachTrack(track); err != nil {
			errs = append(errs, NewError("attach track", s.Remote, err))
			continue
		}
		if err := c.trigger(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RemoveLocalTrack stops sending the track with the given ID to every session.
func (c *Controller) RemoveLocalTrack(trackID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	idx := -1
	for i, t := range c.tracks {
		if t.ID() == trackID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	c.tracks = append(c.tracks[:idx], c.tracks[idx+1:]...)

	var errs []error
	for _, s := range c.ordered() {
		if err := s.peer.DetachTrack(trackID); err != nil {
			errs = append(errs, NewError("detach track", s.Remote, err))
			continue
		}
		if err := c.trigger(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HandleRemoteTrack records a track received from remote. It is accepted in
// any state.
func (c *Controller) HandleRemoteTrack(remote string, track RemoteTrack) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[remote]
	if !ok {
		c.log.Debug().Str("remote", remote).Str("track", track.ID).Msg("track for unknown session ignored")
		return
	}
	for _, t := range s.stream.Tracks {
		if t.ID == track.ID {
			return
		}
	}
	s.stream.Tracks = append(s.stream.Tracks, track)
	c.publish(s)
}

// HandleRemoteTrackEnded drops a remote track that stopped delivering media.
func (c *Controller) HandleRemoteTrackEnded(remote, trackID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[remote]
	if !ok {
		return
	}
	for i, t := range s.stream.Tracks {
		if t.ID == trackID {
			s.stream.Tracks = append(s.stream.Tracks[:i], s.stream.Tracks[i+1:]...)
			c.publish(s)
			return
		}
	}
}

// Teardown closes the session with remote. Unknown remotes are ignored.
func (c *Controller) Teardown(remote string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[remote]
	if !ok {
		return nil
	}
	return c.teardown(s)
}

// Close tears down every session. The controller is unusable afterwards.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	for _, s := range c.ordered() {
		errs = append(errs, c.teardown(s))
	}
	return errors.Join(errs...)
}

// State returns the state of the session with remote, Idle if there is none.
func (c *Controller) State(remote string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[remote]; ok {
		return s.State
	}
	return StateIdle
}

// Session returns a snapshot of the session with remote.
func (c *Controller) Session(remote string) (SessionInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[remote]
	if !ok {
		return SessionInfo{}, false
	}
	return s.info(), true
}

// Sessions returns snapshots of all sessions ordered by remote.
func (c *Controller) Sessions() []SessionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SessionInfo, 0, len(c.sessions))
	for _, s := range c.ordered() {
		out = append(out, s.info())
	}
	return out
}

// RemoteStream returns the tracks received from remote so far.
func (c *Controller) RemoteStream(remote string) (RemoteStream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[remote]
	if !ok {
		return RemoteStream{}, false
	}
	return RemoteStream{Remote: s.Remote, Tracks: append([]RemoteTrack(nil), s.stream.Tracks...)}, true
}

// LocalTracks returns the IDs of the held local tracks.
func (c *Controller) LocalTracks() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.tracks))
	for _, t := range c.tracks {
		ids = append(ids, t.ID())
	}
	return ids
}

func (c *Controller) newSession(identity, handle string) (*Session, error) {
	key := sessionKey(identity, handle)
	peer, err := c.opts.NewPeer(key)
	if err != nil {
		return nil, NewError("open peer connection", key, err)
	}

	s := &Session{
		Remote:       key,
		Identity:     identity,
		RemoteHandle: handle,
		State:        StateIdle,
		peer:         peer,
		stream:       RemoteStream{Remote: key},
	}
	for _, t := range c.tracks {
		if err := peer.AttachTrack(t); err != nil {
			peer.Close()
			return nil, NewError("attach track", key, err)
		}
	}
	return s, nil
}

// offer runs the caller half of an exchange. The session and its peer
// connection keep their state when any step fails.
func (c *Controller) offer(s *Session) error {
	if s.Identity == "" {
		return NewError("create offer", s.Remote, ErrNoIdentity)
	}

	desc, err := s.peer.CreateOffer()
	if err != nil {
		return NewError("create offer", s.Remote, err)
	}
	if err := s.peer.SetLocalDescription(desc); err != nil {
		return NewError("apply offer", s.Remote, err)
	}
	if err := c.opts.Signaler.SendOffer(s.Identity, localDescription(s.peer, desc)); err != nil {
		c.rollback(s, s.State, true)
		return NewError("send offer", s.Remote, err)
	}

	s.pending = false
	c.setState(s, StateOfferSent)
	return nil
}

// trigger requests renegotiation: now if the session is stable, later if an
// exchange is in flight. Repeated triggers while busy collapse into one.
func (c *Controller) trigger(s *Session) error {
	switch s.State {
	case StateStable:
		return c.offer(s)
	case StateOfferSent, StateOfferReceived:
		if !s.pending {
			s.pending = true
			c.notify(s)
		}
	}
	return nil
}

// settle sends the deferred offer, if any, once a session reached Stable.
func (c *Controller) settle(s *Session) error {
	if !s.pending || s.State != StateStable {
		return nil
	}
	c.log.Debug().Str("remote", s.Remote).Msg("sending deferred offer")
	return c.offer(s)
}

// rollback reverts a description applied during a failed exchange, so the
// peer connection is back in the stable state the session reports. Sessions
// that were Idle are discarded by the caller instead.
func (c *Controller) rollback(s *Session, prior State, local bool) {
	if prior == StateIdle {
		return
	}
	rb := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}
	var err error
	if local {
		err = s.peer.SetLocalDescription(rb)
	} else {
		err = s.peer.SetRemoteDescription(rb)
	}
	if err != nil {
		c.log.Warn().Err(err).Str("remote", s.Remote).Bool("local", local).Msg("rollback failed")
		return
	}
	c.log.Debug().Str("remote", s.Remote).Bool("local", local).Msg("rolled back description")
}

func (c *Controller) teardown(s *Session) error {
	delete(c.sessions, s.Remote)
	err := s.peer.Close()
	s.pending = false
	s.State = StateIdle
	c.notify(s)
	if err != nil {
		return NewError("close peer connection", s.Remote, err)
	}
	return nil
}

func (c *Controller) setState(s *Session, state State) {
	if s.State == state {
		return
	}
	c.log.Debug().Str("remote", s.Remote).Stringer("from", s.State).Stringer("to", state).Msg("state change")
	s.State = state
	if _, tracked := c.sessions[s.Remote]; tracked {
		c.notify(s)
	}
}

func (c *Controller) notify(s *Session) {
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s.info())
	}
}

func (c *Controller) publish(s *Session) {
	if c.opts.OnRemoteStream != nil {
		c.opts.OnRemoteStream(RemoteStream{Remote: s.Remote, Tracks: append([]RemoteTrack(nil), s.stream.Tracks...)})
	}
}

func (c *Controller) ordered() []*Session {
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Remote < out[j].Remote })
	return out
}

func sessionKey(identity, handle string) string {
	if identity != "" {
		return identity
	}
	return handle
}

func localDescription(p Peer, created webrtc.SessionDescription) webrtc.SessionDescription {
	if ld := p.LocalDescription(); ld != nil {
		return *ld
	}
	return created
}
