// Package relay implements the signaling relay: identity registry, room
// multiplexing and offer/answer forwarding between websocket clients.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/BioHazard786/warpcall/internal/presence"
	"github.com/BioHazard786/warpcall/internal/protocol"
)

const (
	// Timeout for a single presence mirror write.
	presenceTimeout = 2 * time.Second

	// Presence updates waiting for the mirror goroutine. Updates beyond this
	// are dropped rather than stalling the loop.
	mirrorQueueSize = 1024
)

type mirrorOp func(context.Context, presence.Store) error

// Hub is the central brain of the signaling server. A single goroutine (Run)
// owns the handle table, the identity registry and the rooms, so each message
// is handled to completion before the next one is looked at.
type Hub struct {
	clients  map[string]*Client
	registry *Registry
	rooms    *Rooms
	presence presence.Store

	// mirrors feeds presence writes to runMirror in the order the loop made
	// them. Only the loop sends on it.
	mirrors      chan mirrorOp
	mirrorCtx    context.Context
	mirrorCancel context.CancelFunc
	mirrorDone   chan struct{}

	// Register is a channel for registering new clients.
	Register chan *Client

	// Unregister is a channel for unregistering clients.
	Unregister chan *Client

	// Inbound carries every message read from any client.
	Inbound chan *Inbound

	quit chan struct{}
	done chan struct{}
	log  zerolog.Logger
}

// NewHub creates a new Hub. store may be nil when no presence mirror is wanted.
func NewHub(store presence.Store) *Hub {
	h := &Hub{
		clients:    make(map[string]*Client),
		registry:   NewRegistry(),
		rooms:      NewRooms(),
		presence:   store,
		mirrorDone: make(chan struct{}),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Inbound:    make(chan *Inbound),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		log:        log.With().Str("component", "hub").Logger(),
	}
	if store == nil {
		close(h.mirrorDone)
		return h
	}
	h.mirrors = make(chan mirrorOp, mirrorQueueSize)
	h.mirrorCtx, h.mirrorCancel = context.WithCancel(context.Background())
	go h.runMirror()
	return h
}

// Run starts the hub's main processing loop. It returns after Stop.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case client := <-h.Register:
			h.clients[client.Handle] = client
			h.log.Info().Str("handle", client.Handle).Msg("client registered")

		case client := <-h.Unregister:
			h.disconnect(client)

		case in := <-h.Inbound:
			h.handle(in)

		case <-h.quit:
			for _, client := range h.clients {
				h.disconnect(client)
			}
			h.stopMirror()
			return
		}
	}
}

// Stop ends Run and closes every client queue.
func (h *Hub) Stop() {
	select {
	case <-h.quit:
	default:
		close(h.quit)
	}
	<-h.done
}

// Attach registers a client with the loop; it reports false once the hub has stopped.
func (h *Hub) Attach(c *Client) bool {
	select {
	case h.Register <- c:
		return true
	case <-h.done:
		return false
	}
}

// submit hands a message to the loop; it reports false once the hub has stopped.
func (h *Hub) submit(in *Inbound) bool {
	select {
	case h.Inbound <- in:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) unregister(c *Client) {
	select {
	case h.Unregister <- c:
	case <-h.done:
	}
}

// disconnect drops every trace of the client before the loop moves on, so no
// later message can be routed to a dead handle.
func (h *Hub) disconnect(c *Client) {
	if _, ok := h.clients[c.Handle]; !ok {
		return
	}
	delete(h.clients, c.Handle)

	identities := h.registry.Remove(c.Handle)
	rooms := h.rooms.Leave(c.Handle)
	for _, roomID := range rooms {
		h.mirror(func(ctx context.Context, s presence.Store) error {
			return s.RemoveMember(ctx, roomID, c.Handle)
		})
	}

	close(c.Send)
	h.log.Info().
		Str("handle", c.Handle).
		Strs("identities", identities).
		Strs("rooms", rooms).
		Msg("client unregistered")
}

func (h *Hub) handle(in *Inbound) {
	c, msg := in.Client, in.Message
	if _, ok := h.clients[c.Handle]; !ok {
		return
	}

	var err error
	switch msg.Type {
	case protocol.TypeJoinRoom:
		err = h.joinRoom(c, msg)
	case protocol.TypeCallUser:
		err = h.callUser(c, msg)
	case protocol.TypeCallAccepted:
		err = h.callAccepted(c, msg)
	case "":
		err = errMalformed
	default:
		err = fmt.Errorf("unknown message type %q", msg.Type)
	}

	if err != nil {
		h.log.Debug().Err(err).Str("handle", c.Handle).Str("type", msg.Type).Msg("rejected message")
		h.replyError(c, err)
	}
}

var errMalformed = errors.New("malformed message")

func (h *Hub) joinRoom(c *Client, msg *protocol.Message) error {
	var p protocol.JoinRoomPayload
	if err := msg.Decode(&p); err != nil {
		return errMalformed
	}
	if p.Identity == "" || p.RoomID == "" {
		return errors.New("identity and roomId are required")
	}

	renamed := c.Identity != "" && c.Identity != p.Identity
	if renamed {
		// A connection answers to one identity at a time.
		h.registry.Remove(c.Handle)
	}
	h.registry.Register(p.Identity, c.Handle)
	c.Identity = p.Identity

	others, joined := h.rooms.Join(p.RoomID, c.Handle)

	members := make([]string, 0, len(others))
	for _, handle := range others {
		if other, ok := h.clients[handle]; ok {
			members = append(members, other.Identity)
		}
	}
	h.send(c, protocol.TypeRoomJoined, protocol.RoomJoinedPayload{
		RoomID:  p.RoomID,
		Handle:  c.Handle,
		Members: members,
	})

	h.mirror(func(ctx context.Context, s presence.Store) error {
		return s.AddMember(ctx, p.RoomID, c.Handle, p.Identity)
	})

	if !joined && !renamed {
		h.log.Debug().Str("handle", c.Handle).Str("room", p.RoomID).Msg("already in room")
		return nil
	}

	h.log.Info().Str("identity", p.Identity).Str("room", p.RoomID).Int("members", len(others)).Msg("joined room")
	for _, handle := range others {
		if other, ok := h.clients[handle]; ok {
			h.send(other, protocol.TypePeerJoined, protocol.PeerJoinedPayload{Identity: p.Identity})
		}
	}
	return nil
}

func (h *Hub) callUser(c *Client, msg *protocol.Message) error {
	var p protocol.CallUserPayload
	if err := msg.Decode(&p); err != nil {
		return errMalformed
	}
	if p.TargetIdentity == "" || len(p.Offer) == 0 {
		return errors.New("targetIdentity and offer are required")
	}

	handle, err := h.registry.Resolve(p.TargetIdentity)
	if err != nil {
		h.log.Debug().Err(err).Str("target", p.TargetIdentity).Msg("offer dropped")
		return nil
	}
	target, ok := h.clients[handle]
	if !ok {
		h.log.Debug().Str("target", p.TargetIdentity).Msg("offer dropped, handle gone")
		return nil
	}

	h.send(target, protocol.TypeIncomingCall, protocol.IncomingCallPayload{
		Offer:          p.Offer,
		SenderHandle:   c.Handle,
		SenderIdentity: c.Identity,
	})
	return nil
}

func (h *Hub) callAccepted(c *Client, msg *protocol.Message) error {
	var p protocol.CallAcceptedPayload
	if err := msg.Decode(&p); err != nil {
		return errMalformed
	}
	if p.TargetHandle == "" || len(p.Answer) == 0 {
		return errors.New("targetHandle and answer are required")
	}

	target, ok := h.clients[p.TargetHandle]
	if !ok {
		h.log.Debug().Str("target", p.TargetHandle).Msg("answer dropped")
		return nil
	}

	h.send(target, protocol.TypeCallAccepted, protocol.CallAcceptedPayload{
		Answer:         p.Answer,
		SenderHandle:   c.Handle,
		SenderIdentity: c.Identity,
	})
	return nil
}

func (h *Hub) replyError(c *Client, err error) {
	h.send(c, protocol.TypeError, protocol.ErrorPayload{Error: err.Error()})
}

// send queues a message without blocking the loop. A full queue means the
// client is not keeping up; the message is dropped for that client only.
func (h *Hub) send(c *Client, msgType string, payload any) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		h.log.Error().Err(err).Str("type", msgType).Msg("encode failed")
		return
	}

	select {
	case c.Send <- msg:
	default:
		h.log.Warn().Str("handle", c.Handle).Str("type", msgType).Msg("send queue full, dropping message")
	}
}

// mirror queues a presence write. The loop never waits on the store.
func (h *Hub) mirror(op mirrorOp) {
	if h.mirrors == nil {
		return
	}
	select {
	case h.mirrors <- op:
	default:
		h.log.Warn().Msg("presence queue full, dropping update")
	}
}

func (h *Hub) runMirror() {
	defer close(h.mirrorDone)
	for op := range h.mirrors {
		ctx, cancel := context.WithTimeout(h.mirrorCtx, presenceTimeout)
		if err := op(ctx, h.presence); err != nil {
			h.log.Warn().Err(err).Msg("presence update failed")
		}
		cancel()
	}
}

// stopMirror lets queued presence writes finish for up to presenceTimeout,
// then abandons the rest.
func (h *Hub) stopMirror() {
	if h.mirrors == nil {
		return
	}
	close(h.mirrors)

	timer := time.NewTimer(presenceTimeout)
	defer timer.Stop()
	select {
	case <-h.mirrorDone:
	case <-timer.C:
		h.log.Warn().Int("pending", len(h.mirrors)).Msg("presence writes abandoned")
	}
	h.mirrorCancel()
	<-h.mirrorDone
}

func decodeMessage(data []byte) (*protocol.Message, error) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Type == "" {
		return nil, errMalformed
	}
	return &msg, nil
}
