package ws_test

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sharediary/diary3d/internal/presence"
	"github.com/sharediary/diary3d/internal/protocol"
	"github.com/sharediary/diary3d/internal/testutil"
	"github.com/sharediary/diary3d/internal/transport/ws"
)

const readTimeout = 2 * time.Second

func startServer(t *testing.T, capacity int) (*httptest.Server, *ws.Acceptor, *presence.Broadcaster) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	b := presence.NewBroadcaster(capacity, 64, logger)
	acc := ws.NewAcceptor(ws.Config{
		ReadTimeout:  5 * time.Second,
		WriteTimeout: time.Second,
		PingInterval: time.Second,
		OutboxSize:   16,
	}, b, logger)
	srv := httptest.NewServer(acc)
	t.Cleanup(func() {
		acc.Stop()
		srv.Close()
	})
	return srv, acc, b
}

// join dials and waits for the presence table.
func join(t *testing.T, srv *httptest.Server) (*testutil.WSClient, protocol.PresenceTable) {
	t.Helper()
	c := testutil.NewWSClient(t, srv.URL)
	envs := c.ReadUntil(protocol.EventOthersPos, readTimeout)
	require.Len(t, envs, 1)
	var table protocol.PresenceTable
	require.NoError(t, envs[0].Bind(&table))
	return c, table
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, readTimeout, 10*time.Millisecond)
}

func TestAcceptor_FifthConnectionRejected(t *testing.T) {
	srv, _, b := startServer(t, 4)

	clients := make([]*testutil.WSClient, 0, 4)
	tables := make([]protocol.PresenceTable, 0, 4)
	for i := 0; i < 4; i++ {
		c, table := join(t, srv)
		clients = append(clients, c)
		tables = append(tables, table)
	}

	for i, c := range clients {
		joins := 3 - i
		for j := 0; j < joins; j++ {
			envs := c.ReadUntil(protocol.EventUserJoin, readTimeout)
			require.Len(t, envs, 1)
		}
		assert.Len(t, tables[i], i)
	}

	fifth := testutil.NewWSClient(t, srv.URL)
	env, err := fifth.Read(readTimeout)
	require.NoError(t, err)
	assert.Equal(t, protocol.EventFull, env.Event)

	_, err = fifth.Read(readTimeout)
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "expected close frame, got %v", err)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, ws.CapacityCloseReason, closeErr.Text)

	for _, c := range clients {
		c.ExpectSilence(150 * time.Millisecond)
	}
	assert.Equal(t, 4, b.Registry().Count())
}

func TestAcceptor_RelaysChatToOthers(t *testing.T) {
	srv, _, _ := startServer(t, 4)
	alice, _ := join(t, srv)
	bob, _ := join(t, srv)
	alice.ReadUntil(protocol.EventUserJoin, readTimeout)

	alice.Send(protocol.EventChat, "hello")

	envs := bob.ReadUntil(protocol.EventChat, readTimeout)
	var relay protocol.ChatRelay
	require.NoError(t, envs[len(envs)-1].Bind(&relay))
	assert.Equal(t, "hello", relay.Message)
	assert.NotEmpty(t, relay.ClientID)
}

func TestAcceptor_MalformedFrameKeepsConnection(t *testing.T) {
	srv, _, _ := startServer(t, 4)
	alice, _ := join(t, srv)
	bob, _ := join(t, srv)
	alice.ReadUntil(protocol.EventUserJoin, readTimeout)

	alice.SendRaw("{not json")
	alice.SendRaw(`{"event":"teleport","data":1}`)
	alice.Send(protocol.EventMouseClickPoint, protocol.Position{X: 1})

	envs := bob.ReadUntil(protocol.EventMouseClickPoint, readTimeout)
	var relay protocol.PointerRelay
	require.NoError(t, envs[len(envs)-1].Bind(&relay))
	require.NotNil(t, relay.MouseClickPoint)
	assert.Equal(t, 1.0, relay.MouseClickPoint.X)
}

func TestAcceptor_CloseBroadcastsLeave(t *testing.T) {
	srv, _, b := startServer(t, 4)
	alice, _ := join(t, srv)
	bob, _ := join(t, srv)
	envs := alice.ReadUntil(protocol.EventUserJoin, readTimeout)
	var joined protocol.UserJoin
	require.NoError(t, envs[0].Bind(&joined))

	bob.Close()

	envs = alice.ReadUntil(protocol.EventUserLeave, readTimeout)
	var left protocol.ConnectionID
	require.NoError(t, envs[len(envs)-1].Bind(&left))
	assert.Equal(t, joined.ClientID, left)
	waitFor(t, func() bool { return b.Registry().Count() == 1 })
}

func TestAcceptor_SlotReusedAfterLeave(t *testing.T) {
	srv, _, b := startServer(t, 1)
	first, _ := join(t, srv)
	first.Close()
	waitFor(t, func() bool { return b.Registry().Count() == 0 })

	_, table := join(t, srv)
	assert.Empty(t, table)
}

func TestAcceptor_StopDisconnectsEveryone(t *testing.T) {
	srv, acc, b := startServer(t, 4)
	join(t, srv)
	join(t, srv)
	waitFor(t, func() bool { return acc.ActiveConnections() == 2 })

	acc.Stop()

	assert.Equal(t, 0, b.Registry().Count())
	assert.Equal(t, 0, acc.ActiveConnections())
}
