package server_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BioHazard786/warpcall/internal/presence"
	"github.com/BioHazard786/warpcall/internal/protocol"
	"github.com/BioHazard786/warpcall/internal/relay"
	"github.com/BioHazard786/warpcall/internal/server"
)

func startRelay(t *testing.T, origins ...string) (*httptest.Server, presence.Store) {
	t.Helper()
	store := presence.NewMemoryStore()
	hub := relay.NewHub(store)
	go hub.Run()

	srv := httptest.NewServer(server.NewRouter(hub, store, origins))
	t.Cleanup(func() {
		srv.Close()
		hub.Stop()
	})
	return srv, store
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msgType string, payload any) {
	t.Helper()
	msg, err := protocol.NewMessage(msgType, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(msg))
}

func expect(t *testing.T, conn *websocket.Conn, msgType string, into any) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg protocol.Message
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, msgType, msg.Type, "payload: %s", msg.Payload)
	if into != nil {
		require.NoError(t, msg.Decode(into))
	}
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var msg protocol.Message
	err := conn.ReadJSON(&msg)
	require.Error(t, err, "unexpected %s", msg.Type)
}

func TestHealth(t *testing.T) {
	srv, _ := startRelay(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "healthy")
}

func TestCallSetupThroughRelay(t *testing.T) {
	srv, _ := startRelay(t)
	a := dial(t, srv)
	b := dial(t, srv)

	send(t, a, protocol.TypeJoinRoom, protocol.JoinRoomPayload{Identity: "a@x.com", RoomID: "r1"})
	var ackA protocol.RoomJoinedPayload
	expect(t, a, protocol.TypeRoomJoined, &ackA)
	assert.Empty(t, ackA.Members)

	send(t, b, protocol.TypeJoinRoom, protocol.JoinRoomPayload{Identity: "b@x.com", RoomID: "r1"})
	var ackB protocol.RoomJoinedPayload
	expect(t, b, protocol.TypeRoomJoined, &ackB)
	assert.Equal(t, []string{"a@x.com"}, ackB.Members)

	var joined protocol.PeerJoinedPayload
	expect(t, a, protocol.TypePeerJoined, &joined)
	assert.Equal(t, "b@x.com", joined.Identity)

	offer := json.RawMessage(`{"type":"offer","sdp":"o"}`)
	send(t, a, protocol.TypeCallUser, protocol.CallUserPayload{TargetIdentity: "b@x.com", Offer: offer})

	var call protocol.IncomingCallPayload
	expect(t, b, protocol.TypeIncomingCall, &call)
	assert.Equal(t, ackA.Handle, call.SenderHandle)
	assert.Equal(t, "a@x.com", call.SenderIdentity)

	answer := json.RawMessage(`{"type":"answer","sdp":"a"}`)
	send(t, b, protocol.TypeCallAccepted, protocol.CallAcceptedPayload{TargetHandle: call.SenderHandle, Answer: answer})

	var accepted protocol.CallAcceptedPayload
	expect(t, a, protocol.TypeCallAccepted, &accepted)
	assert.JSONEq(t, string(answer), string(accepted.Answer))
	assert.Equal(t, ackB.Handle, accepted.SenderHandle)

	expectSilence(t, b)
}

func TestUnknownTargetGetsNoReply(t *testing.T) {
	srv, _ := startRelay(t)
	a := dial(t, srv)

	send(t, a, protocol.TypeJoinRoom, protocol.JoinRoomPayload{Identity: "a@x.com", RoomID: "r1"})
	expect(t, a, protocol.TypeRoomJoined, nil)

	send(t, a, protocol.TypeCallUser, protocol.CallUserPayload{TargetIdentity: "nobody", Offer: json.RawMessage(`{}`)})
	expectSilence(t, a)
}

func TestGarbageFrameGetsError(t *testing.T) {
	srv, _ := startRelay(t)
	a := dial(t, srv)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("not json")))
	var p protocol.ErrorPayload
	expect(t, a, protocol.TypeError, &p)
	assert.Equal(t, "malformed message", p.Error)

	// The connection survives.
	send(t, a, protocol.TypeJoinRoom, protocol.JoinRoomPayload{Identity: "a@x.com", RoomID: "r1"})
	expect(t, a, protocol.TypeRoomJoined, nil)
}

func TestDisconnectLeavesPeersStalled(t *testing.T) {
	srv, store := startRelay(t)
	a := dial(t, srv)
	b := dial(t, srv)

	send(t, a, protocol.TypeJoinRoom, protocol.JoinRoomPayload{Identity: "a@x.com", RoomID: "r1"})
	expect(t, a, protocol.TypeRoomJoined, nil)
	send(t, b, protocol.TypeJoinRoom, protocol.JoinRoomPayload{Identity: "b@x.com", RoomID: "r1"})
	expect(t, b, protocol.TypeRoomJoined, nil)
	expect(t, a, protocol.TypePeerJoined, nil)

	require.NoError(t, b.Close())

	require.Eventually(t, func() bool {
		members, err := store.Members(t.Context(), "r1")
		return err == nil && len(members) == 1
	}, 5*time.Second, 20*time.Millisecond)

	send(t, a, protocol.TypeCallUser, protocol.CallUserPayload{TargetIdentity: "b@x.com", Offer: json.RawMessage(`{}`)})
	expectSilence(t, a)
}

func TestRoomPresenceEndpoint(t *testing.T) {
	srv, _ := startRelay(t)
	a := dial(t, srv)
	send(t, a, protocol.TypeJoinRoom, protocol.JoinRoomPayload{Identity: "a@x.com", RoomID: "r1"})
	var ack protocol.RoomJoinedPayload
	expect(t, a, protocol.TypeRoomJoined, &ack)

	type roomBody struct {
		RoomID  string            `json:"roomId"`
		Members []presence.Member `json:"members"`
	}
	get := func() (roomBody, error) {
		var body roomBody
		resp, err := http.Get(srv.URL + "/api/rooms/r1")
		if err != nil {
			return body, err
		}
		defer resp.Body.Close()
		err = json.NewDecoder(resp.Body).Decode(&body)
		return body, err
	}

	// Presence is written behind the relay loop.
	var body roomBody
	require.Eventually(t, func() bool {
		b, err := get()
		if err != nil || len(b.Members) == 0 {
			return false
		}
		body = b
		return true
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "r1", body.RoomID)
	assert.Equal(t, []presence.Member{{Handle: ack.Handle, Identity: "a@x.com"}}, body.Members)
}

func TestOriginAllowList(t *testing.T) {
	srv, _ := startRelay(t, "https://call.example.com")
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://call.example.com"}})
	require.NoError(t, err)
	conn.Close()
}
