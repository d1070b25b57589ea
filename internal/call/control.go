package call

import (
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/BioHazard786/warpcall/internal/version"
)

// The control channel is negotiated out of band on both sides with a fixed ID,
// so it exists from the first offer without an extra round trip.
const (
	controlLabel = "control"
	controlID    = 0
)

// Control message types.
const (
	ControlHello      = "hello"
	ControlMediaState = "media_state"
	ControlHangup     = "hangup"
)

// ControlMessage represents all messages on the control data channel.
type ControlMessage struct {
	Type    string             `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// HelloPayload is sent once the control channel opens.
type HelloPayload struct {
	Identity      string `msgpack:"identity"`
	ClientVersion string `msgpack:"clientVersion"`
}

// MediaStatePayload announces which local media is being sent.
type MediaStatePayload struct {
	Audio bool `msgpack:"audio"`
	Video bool `msgpack:"video"`
}

// HangupPayload ends the call with the receiver.
type HangupPayload struct {
	Reason string `msgpack:"reason,omitempty"`
}

// NewControlMessage creates a ControlMessage with the given type and payload.
func NewControlMessage(t string, payload any) (ControlMessage, error) {
	b, err := msgpack.Marshal(payload)
	if err != nil {
		return ControlMessage{}, err
	}
	return ControlMessage{Type: t, Payload: b}, nil
}

// DecodePayload decodes the message payload into the provided struct.
func (m ControlMessage) DecodePayload(v any) error {
	return msgpack.Unmarshal(m.Payload, v)
}

// ParseControl decodes a control channel frame.
func ParseControl(data []byte) (ControlMessage, error) {
	var msg ControlMessage
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return ControlMessage{}, fmt.Errorf("parse control message: %w", err)
	}
	return msg, nil
}

// SendControl encodes and sends a control message to the remote.
func (p *Peer) SendControl(msgType string, payload any) error {
	if !p.controlOpen.Load() {
		return ErrChannelNotOpen
	}
	msg, err := NewControlMessage(msgType, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msgType, err)
	}
	data, err := msgpack.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msgType, err)
	}
	return p.control.Send(data)
}

func (p *Peer) SendHello(identity string) error {
	return p.SendControl(ControlHello, HelloPayload{
		Identity:      identity,
		ClientVersion: strings.TrimPrefix(version.Version, "v"),
	})
}

func (p *Peer) SendMediaState(audio, video bool) error {
	return p.SendControl(ControlMediaState, MediaStatePayload{Audio: audio, Video: video})
}

func (p *Peer) SendHangup(reason string) error {
	return p.SendControl(ControlHangup, HangupPayload{Reason: reason})
}
