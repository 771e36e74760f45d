package session_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sharediary/diary3d/internal/client/session"
	"github.com/sharediary/diary3d/internal/presence"
	"github.com/sharediary/diary3d/internal/protocol"
	"github.com/sharediary/diary3d/internal/testutil"
	"github.com/sharediary/diary3d/internal/transport/ws"
)

const waitTimeout = 2 * time.Second

func startServer(t *testing.T, capacity int) (*httptest.Server, *ws.Acceptor) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	b := presence.NewBroadcaster(capacity, 0, logger)
	acc := ws.NewAcceptor(ws.Config{OutboxSize: 16}, b, logger)
	srv := httptest.NewServer(acc)
	t.Cleanup(func() {
		acc.Stop()
		srv.Close()
	})
	return srv, acc
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newSession(t *testing.T, srv *httptest.Server) *session.Session {
	t.Helper()
	s := session.New(wsURL(srv), session.Options{Logger: zaptest.NewLogger(t)})
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitDone(t *testing.T, s *session.Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(waitTimeout):
		t.Fatal("session did not end")
	}
}

// recorder collects handler invocations safely across goroutines.
type recorder struct {
	mu      sync.Mutex
	calls   []string
	tables  []protocol.PresenceTable
	chats   []protocol.ChatRelay
	reasons []session.DisconnectReason
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) has(call string) func() bool {
	return func() bool {
		for _, c := range r.snapshot() {
			if c == call {
				return true
			}
		}
		return false
	}
}

func (r *recorder) attach(s *session.Session) {
	s.OnConnect(func() { r.add("connect") })
	s.OnCapacityExceeded(func() { r.add("capacity") })
	s.OnDisconnect(func(reason session.DisconnectReason) {
		r.mu.Lock()
		r.reasons = append(r.reasons, reason)
		r.mu.Unlock()
		r.add("disconnect")
	})
	s.OnPresenceTable(func(table protocol.PresenceTable) {
		r.mu.Lock()
		r.tables = append(r.tables, table)
		r.mu.Unlock()
		r.add("table")
	})
	s.OnJoin(func(protocol.UserJoin) { r.add("join") })
	s.OnLeave(func(protocol.ConnectionID) { r.add("leave") })
	s.OnPointer(func(relay protocol.PointerRelay) {
		if relay.MouseClickPoint == nil {
			r.add("pointer-null")
			return
		}
		r.add("pointer")
	})
	s.OnChat(func(relay protocol.ChatRelay) {
		r.mu.Lock()
		r.chats = append(r.chats, relay)
		r.mu.Unlock()
		r.add("chat")
	})
	s.OnPositionSync(func(protocol.PositionRelay) { r.add("sync") })
}

func TestSession_ConnectReceivesTable(t *testing.T) {
	srv, _ := startServer(t, 4)
	s := newSession(t, srv)
	rec := &recorder{}
	rec.attach(s)

	require.NoError(t, s.Connect(context.Background()))
	require.Eventually(t, rec.has("table"), waitTimeout, 10*time.Millisecond)

	calls := rec.snapshot()
	assert.Equal(t, "connect", calls[0], "connect handlers run first")
}

func TestSession_ConnectTwice(t *testing.T) {
	srv, _ := startServer(t, 4)
	s := newSession(t, srv)
	require.NoError(t, s.Connect(context.Background()))
	assert.ErrorIs(t, s.Connect(context.Background()), session.ErrAlreadyStarted)
}

func TestSession_EmitBeforeConnect(t *testing.T) {
	srv, _ := startServer(t, 4)
	s := newSession(t, srv)
	assert.ErrorIs(t, s.ReportChat(context.Background(), "hi"), session.ErrNotConnected)
}

func TestSession_CapacityExceeded(t *testing.T) {
	srv, _ := startServer(t, 1)
	first := newSession(t, srv)
	require.NoError(t, first.Connect(context.Background()))

	second := newSession(t, srv)
	rec := &recorder{}
	rec.attach(second)
	require.NoError(t, second.Connect(context.Background()))

	waitDone(t, second)
	assert.True(t, second.CapacityExceeded())
	assert.Equal(t, session.ReasonCapacityExceeded, second.Reason())
	assert.Contains(t, rec.snapshot(), "capacity")
	assert.Equal(t, []session.DisconnectReason{session.ReasonCapacityExceeded}, rec.reasons)
	assert.ErrorIs(t, second.ReportChat(context.Background(), "late"), session.ErrClosed)
}

func TestSession_RelaysBetweenSessions(t *testing.T) {
	srv, _ := startServer(t, 4)
	alice := newSession(t, srv)
	aliceRec := &recorder{}
	aliceRec.attach(alice)
	require.NoError(t, alice.Connect(context.Background()))
	require.Eventually(t, aliceRec.has("table"), waitTimeout, 10*time.Millisecond)

	bob := newSession(t, srv)
	bobRec := &recorder{}
	bobRec.attach(bob)
	require.NoError(t, bob.Connect(context.Background()))
	require.Eventually(t, aliceRec.has("join"), waitTimeout, 10*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, bob.ReportChat(ctx, "hi alice"))
	require.NoError(t, bob.ReportPointer(ctx, &protocol.Position{X: 1, Z: 1}))
	require.NoError(t, bob.ReportPointer(ctx, nil))
	require.NoError(t, bob.ReportPositionSync(ctx, protocol.Position{X: 1, Z: 5}))

	require.Eventually(t, aliceRec.has("sync"), waitTimeout, 10*time.Millisecond)
	calls := aliceRec.snapshot()
	assert.Equal(t, []string{"connect", "table", "join", "chat", "pointer", "pointer-null", "sync"}, calls,
		"one sender's events arrive in send order")
	assert.Equal(t, "hi alice", aliceRec.chats[0].Message)

	_ = bob.Close()
	waitDone(t, bob)
	assert.Equal(t, session.ReasonClosed, bob.Reason())
	require.Eventually(t, aliceRec.has("leave"), waitTimeout, 10*time.Millisecond)
}

func TestSession_TransportLoss(t *testing.T) {
	srv, acc := startServer(t, 4)
	s := newSession(t, srv)
	rec := &recorder{}
	rec.attach(s)
	require.NoError(t, s.Connect(context.Background()))
	require.Eventually(t, rec.has("table"), waitTimeout, 10*time.Millisecond)

	acc.Stop()

	waitDone(t, s)
	assert.Equal(t, session.ReasonTransportLoss, s.Reason())
	assert.Equal(t, []session.DisconnectReason{session.ReasonTransportLoss}, rec.reasons)
}

func TestSession_ReceivesChatFromRawPeer(t *testing.T) {
	srv, _ := startServer(t, 4)
	peer := testutil.NewWSClient(t, srv.URL)
	peer.ReadUntil(protocol.EventOthersPos, waitTimeout)

	s := newSession(t, srv)
	rec := &recorder{}
	rec.attach(s)
	require.NoError(t, s.Connect(context.Background()))
	require.Eventually(t, rec.has("table"), waitTimeout, 10*time.Millisecond)

	peer.Send(protocol.EventChat, "still fine")
	require.Eventually(t, rec.has("chat"), waitTimeout, 10*time.Millisecond)
}

func TestSession_CloseBeforeConnect(t *testing.T) {
	s := session.New("ws://127.0.0.1:1/ws", session.Options{})
	require.NoError(t, s.Close())
	waitDone(t, s)
	assert.ErrorIs(t, s.Connect(context.Background()), session.ErrClosed)
}

func TestSession_DialFailure(t *testing.T) {
	s := session.New("ws://127.0.0.1:1/ws", session.Options{DialTimeout: 500 * time.Millisecond})
	assert.Error(t, s.Connect(context.Background()))
	waitDone(t, s)
	assert.Equal(t, session.ReasonTransportLoss, s.Reason())
}
