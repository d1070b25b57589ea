package negotiation

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerJoinedSendsOfferWithHeldTracks(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.AddLocalTrack(newTrack(t, "audio")))
	require.NoError(t, h.ctrl.AddLocalTrack(newTrack(t, "video")))
	assert.Empty(t, h.signaler.offers, "no peers, nothing to negotiate")

	require.NoError(t, h.ctrl.HandlePeerJoined("b@x.com"))

	assert.Equal(t, StateOfferSent, h.ctrl.State("b@x.com"))
	assert.Equal(t, []string{"audio", "video"}, h.peers["b@x.com"].attached())
	require.Len(t, h.signaler.offers, 1)
	assert.Equal(t, "b@x.com", h.signaler.offers[0].target)
	assert.Equal(t, webrtc.SDPTypeOffer, h.signaler.offers[0].desc.Type)
}

func TestAnswerMovesToStable(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.HandlePeerJoined("b@x.com"))
	require.NoError(t, h.ctrl.HandleAnswer(answerFor("b@x.com", "hb")))

	info, ok := h.ctrl.Session("b@x.com")
	require.True(t, ok)
	assert.Equal(t, StateStable, info.State)
	assert.Equal(t, "hb", info.RemoteHandle)
	assert.Equal(t, "answer from b@x.com", h.peers["b@x.com"].remoteSD.SDP)
}

func TestUnexpectedAnswerIsProtocolViolation(t *testing.T) {
	h := newHarness(t)

	err := h.ctrl.HandleAnswer(answerFor("b@x.com", "hb"))
	assert.True(t, IsProtocolViolation(err))

	require.NoError(t, h.ctrl.HandlePeerJoined("b@x.com"))
	require.NoError(t, h.ctrl.HandleAnswer(answerFor("b@x.com", "hb")))
	first := h.peers["b@x.com"].remoteSD

	err = h.ctrl.HandleAnswer(answerFor("b@x.com", "hb"))
	assert.True(t, IsProtocolViolation(err))
	assert.Equal(t, StateStable, h.ctrl.State("b@x.com"))
	assert.Same(t, first, h.peers["b@x.com"].remoteSD, "remote description must not be touched")
}

func TestIncomingOfferIsAnsweredByHandle(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.AddLocalTrack(newTrack(t, "audio")))

	require.NoError(t, h.ctrl.HandleOffer(offerFrom("a@x.com", "ha")))

	assert.Equal(t, StateStable, h.ctrl.State("a@x.com"))
	assert.Equal(t, []string{"audio"}, h.peers["a@x.com"].attached())
	require.Len(t, h.signaler.answers, 1)
	assert.Equal(t, "ha", h.signaler.answers[0].handle)
	assert.Equal(t, webrtc.SDPTypeAnswer, h.signaler.answers[0].desc.Type)
	assert.Empty(t, h.signaler.offers)
}

func TestOfferWithoutIdentityIsKeyedByHandle(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.HandleOffer(offerFrom("", "ha")))

	assert.Equal(t, StateStable, h.ctrl.State("ha"))

	// Renegotiation needs an identity to address the offer.
	err := h.ctrl.AddLocalTrack(newTrack(t, "audio"))
	assert.ErrorIs(t, err, ErrNoIdentity)
	assert.Equal(t, StateStable, h.ctrl.State("ha"))
}

func TestOfferDuringOfferSentIsDropped(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.HandlePeerJoined("b@x.com"))

	err := h.ctrl.HandleOffer(offerFrom("b@x.com", "hb"))
	assert.True(t, IsProtocolViolation(err))
	assert.Equal(t, StateOfferSent, h.ctrl.State("b@x.com"))
	assert.Empty(t, h.signaler.answers)
}

func TestWrongDescriptionType(t *testing.T) {
	h := newHarness(t)
	in := offerFrom("a@x.com", "ha")
	in.Description.Type = webrtc.SDPTypeAnswer

	err := h.ctrl.HandleOffer(in)
	assert.ErrorIs(t, err, ErrUnexpectedDescription)
	assert.Equal(t, StateIdle, h.ctrl.State("a@x.com"))
}

func TestRenegotiationDuringOfferSentIsDeferred(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.HandlePeerJoined("b@x.com"))
	require.Len(t, h.signaler.offers, 1)

	require.NoError(t, h.ctrl.AddLocalTrack(newTrack(t, "audio")))
	require.NoError(t, h.ctrl.AddLocalTrack(newTrack(t, "video")))

	assert.Len(t, h.signaler.offers, 1, "no second offer while one is in flight")
	info, _ := h.ctrl.Session("b@x.com")
	assert.True(t, info.Pending)

	require.NoError(t, h.ctrl.HandleAnswer(answerFor("b@x.com", "hb")))

	require.Len(t, h.signaler.offers, 2, "exactly one deferred offer")
	assert.Equal(t, StateOfferSent, h.ctrl.State("b@x.com"))
	assert.Contains(t, h.signaler.offers[1].desc.SDP, "audio video")

	require.NoError(t, h.ctrl.HandleAnswer(answerFor("b@x.com", "hb")))
	assert.Len(t, h.signaler.offers, 2)
	assert.Equal(t, StateStable, h.ctrl.State("b@x.com"))
}

func TestTrackChangeWhileStableRenegotiates(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.HandleOffer(offerFrom("a@x.com", "ha")))

	require.NoError(t, h.ctrl.AddLocalTrack(newTrack(t, "video")))
	require.Len(t, h.signaler.offers, 1)
	assert.Equal(t, "a@x.com", h.signaler.offers[0].target)
	assert.Equal(t, StateOfferSent, h.ctrl.State("a@x.com"))

	require.NoError(t, h.ctrl.RemoveLocalTrack("video"))
	assert.Len(t, h.signaler.offers, 1)

	require.NoError(t, h.ctrl.HandleAnswer(answerFor("a@x.com", "ha")))
	require.Len(t, h.signaler.offers, 2)
	assert.Empty(t, h.peers["a@x.com"].attached())
	assert.Empty(t, h.ctrl.LocalTracks())
}

func TestRemoteRenegotiationFromStable(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.HandlePeerJoined("b@x.com"))
	require.NoError(t, h.ctrl.HandleAnswer(answerFor("b@x.com", "hb")))

	require.NoError(t, h.ctrl.HandleOffer(offerFrom("b@x.com", "hb")))
	assert.Equal(t, StateStable, h.ctrl.State("b@x.com"))
	require.Len(t, h.signaler.answers, 1)
	assert.Equal(t, "hb", h.signaler.answers[0].handle)
	assert.False(t, h.peers["b@x.com"].closed)
}

func TestOfferFromNewConnectionReplacesSession(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.HandleOffer(offerFrom("a@x.com", "ha1")))
	old := h.peers["a@x.com"]

	require.NoError(t, h.ctrl.HandleOffer(offerFrom("a@x.com", "ha2")))
	assert.True(t, old.closed)
	assert.NotSame(t, old, h.peers["a@x.com"])

	info, _ := h.ctrl.Session("a@x.com")
	assert.Equal(t, "ha2", info.RemoteHandle)
}

func TestFailedAnswerDiscardsNewSession(t *testing.T) {
	h := newHarness(t)
	var created *fakePeer
	h.nextPeer = func(p *fakePeer) {
		p.failCreateAnswer = errors.New("codec mismatch")
		created = p
	}

	err := h.ctrl.HandleOffer(offerFrom("a@x.com", "ha"))
	var nerr *Error
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, "create answer", nerr.Op)
	assert.False(t, IsProtocolViolation(err))

	assert.Equal(t, StateIdle, h.ctrl.State("a@x.com"))
	assert.True(t, created.closed)
	assert.Empty(t, h.signaler.answers)
}

func TestFailedRemoteAnswerKeepsOfferSent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.HandlePeerJoined("b@x.com"))
	h.peers["b@x.com"].failSetRemote = errors.New("bad sdp")

	err := h.ctrl.HandleAnswer(answerFor("b@x.com", "hb"))
	require.Error(t, err)
	assert.Equal(t, StateOfferSent, h.ctrl.State("b@x.com"))
}

func TestFailedSendLeavesNoSession(t *testing.T) {
	h := newHarness(t)
	h.signaler.fail = errors.New("socket closed")

	err := h.ctrl.HandlePeerJoined("b@x.com")
	require.Error(t, err)
	assert.Equal(t, StateIdle, h.ctrl.State("b@x.com"))
	assert.True(t, h.peers["b@x.com"].closed)
}

func TestFailedRenegotiationStaysStable(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.HandleOffer(offerFrom("a@x.com", "ha")))
	h.signaler.fail = errors.New("socket closed")

	err := h.ctrl.AddLocalTrack(newTrack(t, "audio"))
	require.Error(t, err)
	assert.Equal(t, StateStable, h.ctrl.State("a@x.com"))
	assert.Equal(t, []string{"local"}, h.peers["a@x.com"].rollbacks)
}

func TestFailedRenegotiationAnswerRollsBack(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.HandleOffer(offerFrom("a@x.com", "ha")))
	peer := h.peers["a@x.com"]
	peer.failCreateAnswer = errors.New("codec mismatch")

	err := h.ctrl.HandleOffer(offerFrom("a@x.com", "ha"))
	require.Error(t, err)
	assert.False(t, IsProtocolViolation(err))
	assert.Equal(t, StateStable, h.ctrl.State("a@x.com"))
	assert.Equal(t, []string{"remote"}, peer.rollbacks)
	assert.False(t, peer.closed)
}

func TestFailedFirstExchangeDoesNotRollBack(t *testing.T) {
	h := newHarness(t)
	h.signaler.fail = errors.New("socket closed")

	require.Error(t, h.ctrl.HandlePeerJoined("b@x.com"))
	assert.Empty(t, h.peers["b@x.com"].rollbacks)
}

func TestPeerRejoinReplacesSession(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.HandlePeerJoined("b@x.com"))
	stalled := h.peers["b@x.com"]

	require.NoError(t, h.ctrl.HandlePeerJoined("b@x.com"))
	assert.True(t, stalled.closed)
	assert.Len(t, h.signaler.offers, 2)
	assert.Equal(t, StateOfferSent, h.ctrl.State("b@x.com"))
}

func TestRemoteTracksInAnyState(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.HandlePeerJoined("b@x.com"))

	h.ctrl.HandleRemoteTrack("b@x.com", RemoteTrack{ID: "t1", Kind: webrtc.RTPCodecTypeAudio})
	h.ctrl.HandleRemoteTrack("b@x.com", RemoteTrack{ID: "t1", Kind: webrtc.RTPCodecTypeAudio})
	h.ctrl.HandleRemoteTrack("ghost", RemoteTrack{ID: "t9"})

	stream, ok := h.ctrl.RemoteStream("b@x.com")
	require.True(t, ok)
	assert.Len(t, stream.Tracks, 1)
	require.Len(t, h.streams, 1)

	h.ctrl.HandleRemoteTrackEnded("b@x.com", "t1")
	stream, _ = h.ctrl.RemoteStream("b@x.com")
	assert.Empty(t, stream.Tracks)
	assert.Equal(t, StateOfferSent, h.ctrl.State("b@x.com"))
}

func TestTeardownAndClose(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.HandlePeerJoined("b@x.com"))
	require.NoError(t, h.ctrl.HandleOffer(offerFrom("c@x.com", "hc")))

	require.NoError(t, h.ctrl.Teardown("b@x.com"))
	assert.True(t, h.peers["b@x.com"].closed)
	assert.Len(t, h.ctrl.Sessions(), 1)

	last := h.states[len(h.states)-1]
	assert.Equal(t, "b@x.com", last.Remote)
	assert.Equal(t, StateIdle, last.State)

	require.NoError(t, h.ctrl.Close())
	assert.True(t, h.peers["c@x.com"].closed)
	assert.Empty(t, h.ctrl.Sessions())
	assert.ErrorIs(t, h.ctrl.HandlePeerJoined("d@x.com"), ErrClosed)
}

func TestStateNotifications(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.HandlePeerJoined("b@x.com"))
	require.NoError(t, h.ctrl.HandleAnswer(answerFor("b@x.com", "hb")))

	var seen []State
	for _, info := range h.states {
		seen = append(seen, info.State)
	}
	assert.Equal(t, []State{StateOfferSent, StateStable}, seen)
}

func TestRoundTripBetweenControllers(t *testing.T) {
	relay := &loopRelay{}
	sigA := &loopSignaler{relay: relay, self: "a@x.com", selfHandle: "ha"}
	sigB := &loopSignaler{relay: relay, self: "b@x.com", selfHandle: "hb"}

	peersA := map[string]*fakePeer{}
	peersB := map[string]*fakePeer{}
	factory := func(into map[string]*fakePeer) PeerFactory {
		return func(remote string) (Peer, error) {
			p := &fakePeer{remote: remote}
			into[remote] = p
			return p, nil
		}
	}

	a := NewController(Options{Signaler: sigA, NewPeer: factory(peersA)})
	b := NewController(Options{Signaler: sigB, NewPeer: factory(peersB)})
	sigA.peers = map[string]*Controller{"b@x.com": b}
	sigA.handles = map[string]*Controller{"hb": b}
	sigB.peers = map[string]*Controller{"a@x.com": a}
	sigB.handles = map[string]*Controller{"ha": a}

	require.NoError(t, a.AddLocalTrack(newTrack(t, "a-audio")))
	require.NoError(t, b.AddLocalTrack(newTrack(t, "b-audio")))

	// b joined the room; the relay tells a.
	require.NoError(t, a.HandlePeerJoined("b@x.com"))
	relay.flush(t)

	assert.Equal(t, StateStable, a.State("b@x.com"))
	assert.Equal(t, StateStable, b.State("a@x.com"))
	assert.Equal(t, []string{"b-audio"}, peersB["a@x.com"].attached())

	// Track changes made one after another renegotiate cleanly.
	require.NoError(t, a.AddLocalTrack(newTrack(t, "a-video")))
	relay.flush(t)
	require.NoError(t, b.AddLocalTrack(newTrack(t, "b-video")))
	relay.flush(t)
	assert.Equal(t, StateStable, a.State("b@x.com"))
	assert.Equal(t, StateStable, b.State("a@x.com"))
	assert.Equal(t, []string{"b-audio", "b-video"}, peersB["a@x.com"].attached())
	assert.Equal(t, []string{"a-audio", "a-video"}, peersA["b@x.com"].attached())

	// Changes made on both sides before either offer lands cross in flight.
	// Each side drops the other's offer and keeps waiting for its answer.
	require.NoError(t, a.RemoveLocalTrack("a-video"))
	require.NoError(t, b.RemoveLocalTrack("b-video"))
	for _, next := range relay.queue {
		assert.True(t, IsProtocolViolation(next()))
	}
	relay.queue = nil
	assert.Equal(t, StateOfferSent, a.State("b@x.com"))
	assert.Equal(t, StateOfferSent, b.State("a@x.com"))
}
