package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guizzs26/election_inspection_system/internal/election"
	"github.com/Guizzs26/election_inspection_system/internal/inspection"
	"github.com/Guizzs26/election_inspection_system/internal/model"
	"github.com/Guizzs26/election_inspection_system/internal/pubsub"
)

type testServer struct {
	svc   *inspection.Service
	state *election.MemoryStore
	addr  string
}

func newTestServer(t *testing.T, initial model.ElectionState) *testServer {
	t.Helper()

	state := election.NewMemoryStore(initial)
	cfg := inspection.DefaultConfig()
	cfg.PollingPlaces = 10
	svc := inspection.NewService(cfg, state, nil)

	mux := http.NewServeMux()
	pubsub.NewGateway(svc, pubsub.DefaultGatewayConfig()).Routes(mux)
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Close(ctx)
		srv.Close()
	})

	return &testServer{
		svc:   svc,
		state: state,
		addr:  strings.TrimPrefix(srv.URL, "http://"),
	}
}

func TestSubscribeURL(t *testing.T) {
	assert.Equal(t, "ws://10.0.0.1:8081/ws/inspect/5/X", SubscribeURL("10.0.0.1:8081", 5, "X"))
	assert.Equal(t, "ws://h:1/ws/inspect/2/Partido%20Obrero", SubscribeURL("h:1", 2, "Partido Obrero"))
}

func TestRegisterScenario(t *testing.T) {
	ts := newTestServer(t, model.ElectionOpen)
	ctx := context.Background()

	out := &syncBuffer{}
	h := NewHandle(5, "X", HandleConfig{Out: out})
	sess, err := Register(ctx, ts.addr, h, time.Second)
	require.NoError(t, err)
	defer sess.Unregister(ctx)

	listenCtx, stop := context.WithCancel(ctx)
	listenErr := make(chan error, 1)
	go func() { listenErr <- sess.Listen(listenCtx) }()

	// same key again, from a second inspector process
	dup := NewHandle(5, "X", HandleConfig{Out: &syncBuffer{}})
	_, err = Register(ctx, ts.addr, dup, time.Second)
	require.Error(t, err)
	assert.True(t, inspection.IsIllegalElectionState(err))
	assert.Equal(t, "inspector already registered", err.Error())

	assert.Equal(t, 1, ts.svc.ActiveRegistrations())
	assert.Equal(t, 1, ts.svc.Notify(model.VoteEvent{ID: "ev-1", TableID: 5, Party: "X", Votes: 42}))

	require.Eventually(t, func() bool { return h.Received() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 42, h.Events()[0].Votes)
	assert.Contains(t, out.String(), "42 votes")
	assert.Zero(t, dup.Received())

	stop()
	select {
	case err := <-listenErr:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("listen did not return after cancel")
	}

	require.Eventually(t, func() bool { return ts.svc.ActiveRegistrations() == 0 }, 2*time.Second, 10*time.Millisecond,
		"closing the session unregisters it")
}

func TestRegister_ElectionNotOpen(t *testing.T) {
	ts := newTestServer(t, model.ElectionClosed)

	_, err := Register(context.Background(), ts.addr, NewHandle(1, "X", HandleConfig{}), time.Second)
	require.Error(t, err)

	var illegal *inspection.IllegalElectionStateError
	require.True(t, errors.As(err, &illegal))
	assert.Equal(t, inspection.ReasonElectionNotOpen, illegal.Reason)
}

func TestRegister_UnknownPollingPlace(t *testing.T) {
	ts := newTestServer(t, model.ElectionOpen)

	_, err := Register(context.Background(), ts.addr, NewHandle(99, "X", HandleConfig{}), time.Second)

	var rejected *RejectionError
	require.True(t, errors.As(err, &rejected), "got %v", err)
	assert.Equal(t, pubsub.CodeInvalidRequest, rejected.Code)
	assert.False(t, inspection.IsIllegalElectionState(err))
}

func TestRegister_ServerUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	_, err := Register(context.Background(), addr, NewHandle(1, "X", HandleConfig{}), time.Second)

	var comm *CommunicationError
	require.True(t, errors.As(err, &comm), "got %v", err)
	assert.Equal(t, "dial", comm.Op)
}

func TestListen_ServerRevocationIsCommunicationFailure(t *testing.T) {
	ts := newTestServer(t, model.ElectionOpen)
	ctx := context.Background()

	sess, err := Register(ctx, ts.addr, NewHandle(2, "Y", HandleConfig{Out: &syncBuffer{}}), time.Second)
	require.NoError(t, err)

	listenErr := make(chan error, 1)
	go func() { listenErr <- sess.Listen(ctx) }()

	ts.svc.Unregister(2, "Y")

	select {
	case err := <-listenErr:
		var comm *CommunicationError
		assert.True(t, errors.As(err, &comm), "got %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("listen did not notice the revoked registration")
	}
}

func TestRegister_PartyWithSpaces(t *testing.T) {
	ts := newTestServer(t, model.ElectionOpen)
	ctx := context.Background()

	h := NewHandle(3, "Partido Obrero", HandleConfig{Out: &syncBuffer{}})
	sess, err := Register(ctx, ts.addr, h, time.Second)
	require.NoError(t, err)
	defer sess.Unregister(ctx)

	go sess.Listen(ctx)

	ts.svc.Notify(model.VoteEvent{TableID: 3, Party: "Partido Obrero", Votes: 7})
	require.Eventually(t, func() bool { return h.Received() == 1 }, 2*time.Second, 10*time.Millisecond)
}
