package cli

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BioHazard786/warpcall/internal/call"
	"github.com/BioHazard786/warpcall/internal/config"
	"github.com/BioHazard786/warpcall/internal/presence"
	"github.com/BioHazard786/warpcall/internal/relay"
	"github.com/BioHazard786/warpcall/internal/server"
	"github.com/BioHazard786/warpcall/internal/signaling"
	"github.com/BioHazard786/warpcall/internal/ui"
)

type fakeView struct {
	mu       sync.Mutex
	states   map[string]string
	notes    []string
	commands chan ui.Command
	stopped  bool
}

func newFakeView() *fakeView {
	return &fakeView{states: make(map[string]string), commands: make(chan ui.Command, 4)}
}

func (v *fakeView) Start()                            {}
func (v *fakeView) Commands() <-chan ui.Command       { return v.commands }
func (v *fakeView) SetRemoteTracks(string, []string)  {}
func (v *fakeView) SetRemoteMedia(string, bool, bool) {}
func (v *fakeView) SetLocalMedia(bool, bool)          {}

func (v *fakeView) SetPeerState(identity, state string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.states[identity] = state
}

func (v *fakeView) Notify(text string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.notes = append(v.notes, text)
}

func (v *fakeView) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stopped = true
}

func (v *fakeView) state(identity string) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.states[identity]
}

func startSession(t *testing.T, ctx context.Context, wsURL, identity string) (*callSession, *fakeView, <-chan error) {
	t.Helper()

	api, err := call.NewAPI(zerolog.Nop())
	require.NoError(t, err)

	client := signaling.NewClient(wsURL)
	require.NoError(t, client.Connect(ctx))
	t.Cleanup(client.Close)
	handler := signaling.NewHandler(client)
	go handler.Start()

	view := newFakeView()
	s := newCallSession(sessionConfig{
		identity: identity,
		roomID:   "room",
		cfg:      &config.Config{GatherTimeout: 2 * time.Second},
		api:      api,
		client:   client,
		handler:  handler,
		media:    &call.LocalMedia{},
		recorder: &call.Recorder{},
		view:     view,
	})

	done := make(chan error, 1)
	go func() { done <- s.run(ctx) }()
	return s, view, done
}

func TestSessionsNegotiateAndHangUp(t *testing.T) {
	store := presence.NewMemoryStore()
	hub := relay.NewHub(store)
	go hub.Run()
	srv := httptest.NewServer(server.NewRouter(hub, store, nil))
	t.Cleanup(func() {
		srv.Close()
		hub.Stop()
	})
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, aliceView, aliceDone := startSession(t, ctx, wsURL, "alice")
	require.Eventually(t, func() bool {
		members, _ := store.Members(ctx, "room")
		return len(members) == 1
	}, 5*time.Second, 20*time.Millisecond)

	_, bobView, bobDone := startSession(t, ctx, wsURL, "bob")

	require.Eventually(t, func() bool {
		return strings.HasPrefix(aliceView.state("bob"), "stable") &&
			strings.HasPrefix(bobView.state("alice"), "stable")
	}, 10*time.Second, 20*time.Millisecond)

	aliceView.commands <- ui.CommandHangup
	select {
	case err := <-aliceDone:
		assert.ErrorIs(t, err, errHungUp)
	case <-time.After(5 * time.Second):
		t.Fatal("alice did not hang up")
	}

	cancel()
	select {
	case err := <-bobDone:
		assert.ErrorIs(t, err, errHungUp)
	case <-time.After(5 * time.Second):
		t.Fatal("bob did not stop")
	}

	aliceView.mu.Lock()
	assert.True(t, aliceView.stopped)
	aliceView.mu.Unlock()
}

func TestFailedCallForgetsPeer(t *testing.T) {
	api, err := call.NewAPI(zerolog.Nop())
	require.NoError(t, err)

	client := signaling.NewClient("ws://127.0.0.1:1/ws")
	client.Close()

	view := newFakeView()
	s := newCallSession(sessionConfig{
		identity: "alice",
		roomID:   "room",
		cfg:      &config.Config{GatherTimeout: 2 * time.Second},
		api:      api,
		client:   client,
		media:    &call.LocalMedia{},
		recorder: &call.Recorder{},
		view:     view,
	})
	t.Cleanup(func() { s.ctrl.Close() })

	s.settlePeer("bob", s.ctrl.HandlePeerJoined("bob"))

	assert.Empty(t, s.peers)
	_, ok := s.ctrl.Session("bob")
	assert.False(t, ok)
	require.Len(t, view.notes, 1)
	assert.Contains(t, view.notes[0], "bob")

	// hangup has nothing left to walk over.
	s.hangup()
	assert.True(t, view.stopped)
}

func TestPeerStatus(t *testing.T) {
	st := &peerStatus{negotiation: "stable"}
	assert.Equal(t, "stable", st.String())

	st.connection = "connected"
	assert.Equal(t, "stable, connected", st.String())

	st.hungUp = true
	assert.Equal(t, "hung up", st.String())
}

func TestSummaryIsSortedByRemote(t *testing.T) {
	s := &callSession{
		sessionConfig: sessionConfig{roomID: "r", identity: "alice", recorder: &call.Recorder{Dir: "rec"}},
		status: map[string]*peerStatus{
			"zed": {negotiation: "idle"},
			"bob": {negotiation: "stable", tracks: []string{"audio"}},
		},
	}

	sum := s.summary()
	require.Len(t, sum.Peers, 2)
	assert.Equal(t, "bob", sum.Peers[0].Identity)
	assert.Equal(t, []string{"audio"}, sum.Peers[0].Tracks)
	assert.Equal(t, "rec", sum.Recordings)
	assert.Zero(t, sum.Duration)
}
