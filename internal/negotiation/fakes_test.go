package negotiation

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

type fakePeer struct {
	mu       sync.Mutex
	remote   string
	tracks   []string
	local    *webrtc.SessionDescription
	remoteSD *webrtc.SessionDescription
	offers   int
	closed   bool

	// rollbacks records "local" or "remote" for each rollback applied.
	rollbacks []string

	failCreateAnswer error
	failSetRemote    error
}

func (p *fakePeer) AttachTrack(track webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, track.ID())
	return nil
}

func (p *fakePeer) DetachTrack(trackID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, id := range p.tracks {
		if id == trackID {
			p.tracks = append(p.tracks[:i], p.tracks[i+1:]...)
			return nil
		}
	}
	return errors.New("track not attached")
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d %v", p.offers, p.tracks)}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failCreateAnswer != nil {
		return webrtc.SessionDescription{}, p.failCreateAnswer
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer %v", p.tracks)}, nil
}

func (p *fakePeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if desc.Type == webrtc.SDPTypeRollback {
		p.rollbacks = append(p.rollbacks, "local")
		return nil
	}
	p.local = &desc
	return nil
}

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if desc.Type == webrtc.SDPTypeRollback {
		p.rollbacks = append(p.rollbacks, "remote")
		return nil
	}
	if p.failSetRemote != nil {
		return p.failSetRemote
	}
	p.remoteSD = &desc
	return nil
}

func (p *fakePeer) LocalDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) attached() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.tracks...)
}

type sentOffer struct {
	target string
	desc   webrtc.SessionDescription
}

type sentAnswer struct {
	handle string
	desc   webrtc.SessionDescription
}

type fakeSignaler struct {
	offers  []sentOffer
	answers []sentAnswer
	fail    error
}

func (s *fakeSignaler) SendOffer(target string, offer webrtc.SessionDescription) error {
	if s.fail != nil {
		return s.fail
	}
	s.offers = append(s.offers, sentOffer{target, offer})
	return nil
}

func (s *fakeSignaler) SendAnswer(handle string, answer webrtc.SessionDescription) error {
	if s.fail != nil {
		return s.fail
	}
	s.answers = append(s.answers, sentAnswer{handle, answer})
	return nil
}

type harness struct {
	ctrl     *Controller
	signaler *fakeSignaler
	peers    map[string]*fakePeer
	states   []SessionInfo
	streams  []RemoteStream

	nextPeer func(p *fakePeer)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{signaler: &fakeSignaler{}, peers: make(map[string]*fakePeer)}
	h.ctrl = NewController(Options{
		Signaler: h.signaler,
		NewPeer: func(remote string) (Peer, error) {
			p := &fakePeer{remote: remote}
			if h.nextPeer != nil {
				h.nextPeer(p)
				h.nextPeer = nil
			}
			h.peers[remote] = p
			return p, nil
		},
		OnStateChange:  func(info SessionInfo) { h.states = append(h.states, info) },
		OnRemoteStream: func(stream RemoteStream) { h.streams = append(h.streams, stream) },
	})
	return h
}

func newTrack(t *testing.T, id string) webrtc.TrackLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, id, "local")
	require.NoError(t, err)
	return track
}

func answerFor(identity, handle string) IncomingAnswer {
	return IncomingAnswer{
		Description:    webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer from " + identity},
		SenderHandle:   handle,
		SenderIdentity: identity,
	}
}

func offerFrom(identity, handle string) IncomingOffer {
	return IncomingOffer{
		Description:    webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer from " + identity},
		SenderHandle:   handle,
		SenderIdentity: identity,
	}
}

// loopRelay queues descriptions between two controllers the way the relay
// would, so neither controller is re-entered while it holds its lock.
type loopRelay struct {
	queue []func() error
}

type loopSignaler struct {
	relay      *loopRelay
	self       string
	selfHandle string
	peers      map[string]*Controller
	handles    map[string]*Controller
}

func (s *loopSignaler) SendOffer(target string, offer webrtc.SessionDescription) error {
	dst, ok := s.peers[target]
	if !ok {
		return nil
	}
	in := IncomingOffer{Description: offer, SenderHandle: s.selfHandle, SenderIdentity: s.self}
	s.relay.queue = append(s.relay.queue, func() error { return dst.HandleOffer(in) })
	return nil
}

func (s *loopSignaler) SendAnswer(handle string, answer webrtc.SessionDescription) error {
	dst, ok := s.handles[handle]
	if !ok {
		return nil
	}
	in := IncomingAnswer{Description: answer, SenderHandle: s.selfHandle, SenderIdentity: s.self}
	s.relay.queue = append(s.relay.queue, func() error { return dst.HandleAnswer(in) })
	return nil
}

func (r *loopRelay) flush(t *testing.T) {
	t.Helper()
	for len(r.queue) > 0 {
		next := r.queue[0]
		r.queue = r.queue[1:]
		require.NoError(t, next())
	}
}
