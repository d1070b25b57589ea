// Package protocol holds the JSON frames exchanged between call clients and the relay.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message defines the structure for all C2S (Client to Server)
// and S2C (Server to Client) websocket messages.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message type constants.
const (
	TypeJoinRoom     = "join-room"
	TypeCallUser     = "call-user"
	TypeCallAccepted = "call-accepted"

	TypeRoomJoined   = "room-joined"
	TypePeerJoined   = "peer-joined"
	TypeIncomingCall = "incoming-call"
	TypeError        = "error"
)

// ErrEmptyPayload is returned when decoding a message that carries no payload.
var ErrEmptyPayload = errors.New("message has no payload")

// NewMessage encodes payload into a message of the given type.
func NewMessage(msgType string, payload any) (*Message, error) {
	msg := &Message{Type: msgType}
	if payload == nil {
		return msg, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	msg.Payload = raw
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return ErrEmptyPayload
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// JoinRoomPayload announces an identity and the room it wants to be in.
type JoinRoomPayload struct {
	Identity string `json:"identity"`
	RoomID   string `json:"roomId"`
}

// RoomJoinedPayload acknowledges a join to the joiner.
type RoomJoinedPayload struct {
	RoomID  string   `json:"roomId"`
	Handle  string   `json:"handle"`
	Members []string `json:"members"`
}

// PeerJoinedPayload is broadcast to the members already in a room.
type PeerJoinedPayload struct {
	Identity string `json:"identity"`
}

// CallUserPayload carries an offer addressed by identity.
type CallUserPayload struct {
	TargetIdentity string          `json:"targetIdentity"`
	Offer          json.RawMessage `json:"offer"`
}

// IncomingCallPayload is an offer forwarded to its target.
type IncomingCallPayload struct {
	Offer          json.RawMessage `json:"offer"`
	SenderHandle   string          `json:"senderHandle"`
	SenderIdentity string          `json:"senderIdentity,omitempty"`
}

// CallAcceptedPayload carries an answer. Clients address it by TargetHandle; the relay
// forwards it with the sender fields filled in instead.
type CallAcceptedPayload struct {
	TargetHandle   string          `json:"targetHandle,omitempty"`
	Answer         json.RawMessage `json:"answer"`
	SenderHandle   string          `json:"senderHandle,omitempty"`
	SenderIdentity string          `json:"senderIdentity,omitempty"`
}

// ErrorPayload represents error messages from server.
type ErrorPayload struct {
	Error string `json:"error"`
}
