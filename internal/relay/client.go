package relay

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/BioHazard786/warpcall/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Session descriptions with many
	// candidates stay well below this.
	maxMessageSize = 64 * 1024

	// Outbound queue depth per connection.
	sendBuffer = 256
)

// Client is a wrapper for a single websocket connection (a peer).
type Client struct {
	Hub *Hub

	Conn *websocket.Conn

	// Handle is the relay's reference to this connection.
	Handle string

	// Identity is the last identity this connection joined with. Only the hub
	// goroutine touches it.
	Identity string

	// Send is a buffered channel for all outbound messages. The hub writes to it
	// and WritePump drains it to the websocket in order.
	Send chan *protocol.Message
}

// Inbound is a message read from a client, queued for the hub.
type Inbound struct {
	Client  *Client
	Message *protocol.Message
}

// NewClient wraps conn for hub.
func NewClient(hub *Hub, conn *websocket.Conn, handle string) *Client {
	return &Client{
		Hub:    hub,
		Conn:   conn,
		Handle: handle,
		Send:   make(chan *protocol.Message, sendBuffer),
	}
}

// ReadPump pumps messages from the websocket connection to the hub.
//
// The application runs ReadPump in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("handle", c.Handle).Msg("connection closed unexpectedly")
			}
			return
		}

		if !c.Hub.submit(&Inbound{Client: c, Message: parseFrame(c, data)}) {
			return
		}
	}
}

// parseFrame decodes a frame. Undecodable frames become an empty-typed message so
// the hub can answer them with an error in order with everything else.
func parseFrame(c *Client, data []byte) *protocol.Message {
	msg, err := decodeMessage(data)
	if err != nil {
		log.Debug().Err(err).Str("handle", c.Handle).Msg("malformed frame")
		return &protocol.Message{}
	}
	return msg
}

// WritePump pumps messages from the hub to the websocket connection.
//
// A goroutine running WritePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteJSON(message); err != nil {
				log.Warn().Err(err).Str("handle", c.Handle).Msg("write failed")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
