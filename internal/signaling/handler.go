package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/BioHazard786/warpcall/internal/negotiation"
	"github.com/BioHazard786/warpcall/internal/protocol"
)

// Handler routes incoming relay messages to typed channels.
type Handler struct {
	client *Client

	RoomJoined chan protocol.RoomJoinedPayload
	PeerJoined chan string
	Offers     chan negotiation.IncomingOffer
	Answers    chan negotiation.IncomingAnswer
	Errors     chan string

	// Done is closed once the relay connection is gone.
	Done chan struct{}
}

// NewHandler creates a new message handler.
func NewHandler(client *Client) *Handler {
	return &Handler{
		client:     client,
		RoomJoined: make(chan protocol.RoomJoinedPayload, 1),
		PeerJoined: make(chan string, queueSize),
		Offers:     make(chan negotiation.IncomingOffer, queueSize),
		Answers:    make(chan negotiation.IncomingAnswer, queueSize),
		Errors:     make(chan string, queueSize),
		Done:       make(chan struct{}),
	}
}

// Start routes messages until the connection closes. It blocks.
func (h *Handler) Start() {
	defer close(h.Done)

	for msg := range h.client.Incoming() {
		switch msg.Type {
		case protocol.TypeRoomJoined:
			var p protocol.RoomJoinedPayload
			if h.decode(msg, &p) {
				deliver(h.RoomJoined, p, h.client.done)
			}

		case protocol.TypePeerJoined:
			var p protocol.PeerJoinedPayload
			if h.decode(msg, &p) {
				deliver(h.PeerJoined, p.Identity, h.client.done)
			}

		case protocol.TypeIncomingCall:
			h.handleIncomingCall(msg)

		case protocol.TypeCallAccepted:
			h.handleCallAccepted(msg)

		case protocol.TypeError:
			var p protocol.ErrorPayload
			if err := msg.Decode(&p); err != nil || p.Error == "" {
				p.Error = "unknown error from server"
			}
			deliver(h.Errors, p.Error, h.client.done)

		default:
			log.Debug().Str("type", msg.Type).Msg("ignoring relay message")
		}
	}
}

func (h *Handler) handleIncomingCall(msg *protocol.Message) {
	var p protocol.IncomingCallPayload
	if !h.decode(msg, &p) {
		return
	}
	desc, err := description(p.Offer, webrtc.SDPTypeOffer)
	if err != nil {
		deliver(h.Errors, err.Error(), h.client.done)
		return
	}
	in := negotiation.IncomingOffer{Description: desc, SenderHandle: p.SenderHandle, SenderIdentity: p.SenderIdentity}
	deliver(h.Offers, in, h.client.done)
}

func (h *Handler) handleCallAccepted(msg *protocol.Message) {
	var p protocol.CallAcceptedPayload
	if !h.decode(msg, &p) {
		return
	}
	desc, err := description(p.Answer, webrtc.SDPTypeAnswer)
	if err != nil {
		deliver(h.Errors, err.Error(), h.client.done)
		return
	}
	in := negotiation.IncomingAnswer{Description: desc, SenderHandle: p.SenderHandle, SenderIdentity: p.SenderIdentity}
	deliver(h.Answers, in, h.client.done)
}

func (h *Handler) decode(msg *protocol.Message, v any) bool {
	if err := msg.Decode(v); err != nil {
		log.Warn().Err(err).Str("type", msg.Type).Msg("malformed relay message")
		return false
	}
	return true
}

// deliver gives up once the client is closed locally, so a consumer that
// stopped reading never wedges the router.
func deliver[T any](ch chan T, v T, done <-chan struct{}) {
	select {
	case ch <- v:
	case <-done:
	}
}

func description(raw json.RawMessage, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if len(raw) == 0 {
		return desc, fmt.Errorf("relay sent an empty %s", want)
	}
	if err := json.Unmarshal(raw, &desc); err != nil {
		return desc, fmt.Errorf("relay sent a malformed %s: %w", want, err)
	}
	if desc.Type != want {
		return desc, fmt.Errorf("relay sent %s where %s was expected", desc.Type, want)
	}
	return desc, nil
}
