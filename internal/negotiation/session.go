package negotiation

import (
	"github.com/pion/webrtc/v4"
)

// State is the negotiation state of one session.
type State int

const (
	StateIdle State = iota
	StateOfferSent
	StateOfferReceived
	StateStable
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferSent:
		return "offer-sent"
	case StateOfferReceived:
		return "offer-received"
	case StateStable:
		return "stable"
	default:
		return "unknown"
	}
}

// Peer is the peer-connection primitive a session drives.
type Peer interface {
	AttachTrack(track webrtc.TrackLocal) error
	DetachTrack(trackID string) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	// LocalDescription returns the applied local description, which may carry
	// gathered candidates the created one did not.
	LocalDescription() *webrtc.SessionDescription
	Close() error
}

// PeerFactory opens a new peer connection for the named remote.
type PeerFactory func(remote string) (Peer, error)

// Signaler carries descriptions to the remote through the relay. Offers are
// addressed by identity, answers by the handle the offer came from.
type Signaler interface {
	SendOffer(targetIdentity string, offer webrtc.SessionDescription) error
	SendAnswer(targetHandle string, answer webrtc.SessionDescription) error
}

// IncomingOffer is an offer delivered by the relay.
type IncomingOffer struct {
	Description    webrtc.SessionDescription
	SenderHandle   string
	SenderIdentity string
}

// IncomingAnswer is an answer delivered by the relay.
type IncomingAnswer struct {
	Description    webrtc.SessionDescription
	SenderHandle   string
	SenderIdentity string
}

// RemoteTrack describes a track received from a remote peer.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     webrtc.RTPCodecType
	Codec    string
}

// RemoteStream is the set of tracks received from one remote peer.
type RemoteStream struct {
	Remote string
	Tracks []RemoteTrack
}

// Session is the negotiation state with one remote peer. Remote is the key the
// session is stored under: the identity when known, the relay handle otherwise.
type Session struct {
	Remote       string
	Identity     string
	RemoteHandle string
	State        State

	// pending is set when a renegotiation trigger arrives while an offer or
	// answer is in flight.
	pending bool
	peer    Peer
	stream  RemoteStream
}

// SessionInfo is a snapshot of a session for display.
type SessionInfo struct {
	Remote       string
	Identity     string
	RemoteHandle string
	State        State
	Pending      bool
	Tracks       []RemoteTrack
}

func (s *Session) info() SessionInfo {
	return SessionInfo{
		Remote:       s.Remote,
		Identity:     s.Identity,
		RemoteHandle: s.RemoteHandle,
		State:        s.State,
		Pending:      s.pending,
		Tracks:       append([]RemoteTrack(nil), s.stream.Tracks...),
	}
}
