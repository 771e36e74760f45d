// Package ws is the server-side WebSocket transport: it upgrades HTTP
// requests, assigns connection identifiers and pumps frames between each
// socket and the presence broadcaster.
package ws

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sharediary/diary3d/internal/presence"
	"github.com/sharediary/diary3d/internal/protocol"
)

// CapacityCloseReason is the close frame text sent to a rejected connection.
const CapacityCloseReason = "capacity exceeded"

// Config holds per-connection transport tuning.
type Config struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
	ReadLimit    int64
	OutboxSize   int
}

// Defaults applied to zero Config fields.
const (
	DefaultReadTimeout  = 60 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	DefaultPingInterval = 30 * time.Second
	DefaultReadLimit    = 64 << 10
)

func (c Config) withDefaults() Config {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = DefaultReadLimit
	}
	return c
}

// Broadcaster is the subset of presence.Broadcaster the transport drives.
type Broadcaster interface {
	Connect(id protocol.ConnectionID, ob *presence.Outbox) error
	Disconnect(id protocol.ConnectionID)
	Handle(id protocol.ConnectionID, env protocol.Envelope) error
}

// Acceptor upgrades HTTP requests into presence connections and tracks every
// live socket so Stop can tear them down.
type Acceptor struct {
	cfg         Config
	broadcaster Broadcaster
	logger      *zap.Logger
	upgrader    websocket.Upgrader

	wg      sync.WaitGroup
	mu      sync.Mutex
	conns   map[protocol.ConnectionID]*websocket.Conn
	stopped bool
}

// NewAcceptor creates an Acceptor.
//
// Precondition: broadcaster and logger must be non-nil.
// Postcondition: Returns an Acceptor ready to be mounted as an http.Handler;
// zero cfg fields take the package defaults.
func NewAcceptor(cfg Config, broadcaster Broadcaster, logger *zap.Logger) *Acceptor {
	return &Acceptor{
		cfg:         cfg.withDefaults(),
		broadcaster: broadcaster,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[protocol.ConnectionID]*websocket.Conn),
	}
}

// ServeHTTP upgrades the request and starts the connection's pumps.
func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	stopped := a.stopped
	a.mu.Unlock()
	if stopped {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	id := protocol.ConnectionID(uuid.NewString())
	if !a.track(id, conn) {
		_ = conn.Close()
		return
	}

	logger := a.logger.With(
		zap.String("conn_id", string(id)),
		zap.String("remote_addr", r.RemoteAddr),
	)
	ob := presence.NewOutbox(id, a.cfg.OutboxSize)

	if err := a.broadcaster.Connect(id, ob); err != nil {
		// full is already queued for a capacity rejection; flush it and close.
		if errors.Is(err, presence.ErrCapacityExceeded) {
			ob.CloseWithReason(CapacityCloseReason)
		} else {
			logger.Error("registering connection", zap.Error(err))
			ob.Close()
		}
		go func() {
			defer a.untrack(id)
			a.writePump(conn, ob, logger)
		}()
		return
	}

	go func() {
		defer a.untrack(id)
		writeDone := make(chan struct{})
		go func() {
			defer close(writeDone)
			a.writePump(conn, ob, logger)
		}()
		a.readPump(id, conn, ob, logger)
		<-writeDone
	}()
}

// readPump decodes client frames into the broadcaster until the socket fails.
//
// Postcondition: The connection is removed from the broadcaster and its
// outbox is closed.
func (a *Acceptor) readPump(id protocol.ConnectionID, conn *websocket.Conn, ob *presence.Outbox, logger *zap.Logger) {
	start := time.Now()
	defer func() {
		a.broadcaster.Disconnect(id)
		ob.Close()
		logger.Info("connection closed", zap.Duration("duration", time.Since(start)))
	}()

	conn.SetReadLimit(a.cfg.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(a.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(a.cfg.ReadTimeout))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("read failed", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(a.cfg.ReadTimeout))

		env, err := protocol.Decode(raw)
		if err != nil {
			logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		if err := a.broadcaster.Handle(id, env); err != nil {
			logger.Warn("handling client event",
				zap.String("event", string(env.Event)),
				zap.Error(err),
			)
		}
	}
}

// writePump drains ob onto the socket and pings on an interval. When ob is
// closed the remaining frames are flushed and a close frame carrying the
// outbox's close reason is sent. An evicted connection is told to try again
// later; closing the socket ends its readPump, which disconnects it.
func (a *Acceptor) writePump(conn *websocket.Conn, ob *presence.Outbox, logger *zap.Logger) {
	ticker := time.NewTicker(a.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case frame, ok := <-ob.Frames():
			_ = conn.SetWriteDeadline(time.Now().Add(a.cfg.WriteTimeout))
			if !ok {
				reason, _ := ob.CloseReason()
				code := websocket.CloseNormalClosure
				if reason == presence.EvictedCloseReason {
					code = websocket.CloseTryAgainLater
					logger.Warn("closing connection that cannot keep up")
				}
				msg := websocket.FormatCloseMessage(code, reason)
				_ = conn.WriteMessage(websocket.CloseMessage, msg)
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.Debug("write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(a.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				logger.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

// track registers conn and adds it to the wait group; untrack undoes both.
func (a *Acceptor) track(id protocol.ConnectionID, conn *websocket.Conn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return false
	}
	a.conns[id] = conn
	a.wg.Add(1)
	return true
}

func (a *Acceptor) untrack(id protocol.ConnectionID) {
	a.mu.Lock()
	delete(a.conns, id)
	a.mu.Unlock()
	a.wg.Done()
}

// Stop refuses new upgrades, closes every live socket and waits for all
// pumps to exit.
//
// Postcondition: Every connection has been disconnected from the broadcaster.
func (a *Acceptor) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	for _, conn := range a.conns {
		_ = conn.Close()
	}
	a.mu.Unlock()

	a.wg.Wait()
	a.logger.Info("websocket acceptor stopped")
}

// ActiveConnections returns the number of tracked sockets.
func (a *Acceptor) ActiveConnections() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.conns)
}
