// Package session is the client end of the presence protocol: one WebSocket
// connection to the presence server with typed event handlers and emitters.
// A Session connects once and never reconnects.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/sharediary/diary3d/internal/protocol"
)

// ErrAlreadyStarted is returned by a second call to Connect.
var ErrAlreadyStarted = errors.New("session already started")

// ErrNotConnected is returned by emitters before Connect succeeds.
var ErrNotConnected = errors.New("session not connected")

// ErrClosed is returned by emitters after the session ended.
var ErrClosed = errors.New("session closed")

// DisconnectReason says why a session ended.
type DisconnectReason int

const (
	// ReasonTransportLoss is any closure the client did not ask for.
	ReasonTransportLoss DisconnectReason = iota
	// ReasonCapacityExceeded means the server answered with full.
	ReasonCapacityExceeded
	// ReasonClosed means Close was called.
	ReasonClosed
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonCapacityExceeded:
		return "capacity_exceeded"
	case ReasonClosed:
		return "closed"
	default:
		return "transport_loss"
	}
}

// Options tune a Session. Zero values take defaults.
type Options struct {
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	ReadLimit    int64
	Logger       *zap.Logger
}

const (
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultReadLimit    = 1 << 20
)

type handlers struct {
	connect    []func()
	capacity   []func()
	disconnect []func(DisconnectReason)
	table      []func(protocol.PresenceTable)
	join       []func(protocol.UserJoin)
	leave      []func(protocol.ConnectionID)
	pointer    []func(protocol.PointerRelay)
	chat       []func(protocol.ChatRelay)
	sync       []func(protocol.PositionRelay)
}

// Session is one client connection to the presence server.
type Session struct {
	url    string
	opts   Options
	logger *zap.Logger

	hmu sync.RWMutex
	h   handlers

	mu               sync.Mutex
	conn             *websocket.Conn
	started          bool
	closing          bool
	ended            bool
	capacityExceeded bool
	reason           DisconnectReason
	done             chan struct{}
}

// New creates an unconnected Session for url (ws:// or wss://).
//
// Postcondition: Returns a Session awaiting handler registration and Connect.
func New(url string, opts Options) *Session {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		url:    url,
		opts:   opts,
		logger: logger.With(zap.String("component", "session")),
		done:   make(chan struct{}),
	}
}

// OnConnect registers a handler run once the connection is established.
func (s *Session) OnConnect(fn func()) {
	s.hmu.Lock()
	s.h.connect = append(s.h.connect, fn)
	s.hmu.Unlock()
}

// OnCapacityExceeded registers a handler run when the server rejects the
// session for capacity. OnDisconnect handlers follow with ReasonCapacityExceeded.
func (s *Session) OnCapacityExceeded(fn func()) {
	s.hmu.Lock()
	s.h.capacity = append(s.h.capacity, fn)
	s.hmu.Unlock()
}

// OnDisconnect registers a handler run exactly once when the session ends.
func (s *Session) OnDisconnect(fn func(DisconnectReason)) {
	s.hmu.Lock()
	s.h.disconnect = append(s.h.disconnect, fn)
	s.hmu.Unlock()
}

// OnPresenceTable registers a handler for others-pos.
func (s *Session) OnPresenceTable(fn func(protocol.PresenceTable)) {
	s.hmu.Lock()
	s.h.table = append(s.h.table, fn)
	s.hmu.Unlock()
}

// OnJoin registers a handler for user-join.
func (s *Session) OnJoin(fn func(protocol.UserJoin)) {
	s.hmu.Lock()
	s.h.join = append(s.h.join, fn)
	s.hmu.Unlock()
}

// OnLeave registers a handler for user-leave.
func (s *Session) OnLeave(fn func(protocol.ConnectionID)) {
	s.hmu.Lock()
	s.h.leave = append(s.h.leave, fn)
	s.hmu.Unlock()
}

// OnPointer registers a handler for relayed mouse-click-point.
func (s *Session) OnPointer(fn func(protocol.PointerRelay)) {
	s.hmu.Lock()
	s.h.pointer = append(s.h.pointer, fn)
	s.hmu.Unlock()
}

// OnChat registers a handler for relayed chat.
func (s *Session) OnChat(fn func(protocol.ChatRelay)) {
	s.hmu.Lock()
	s.h.chat = append(s.h.chat, fn)
	s.hmu.Unlock()
}

// OnPositionSync registers a handler for relayed sync-pos.
func (s *Session) OnPositionSync(fn func(protocol.PositionRelay)) {
	s.hmu.Lock()
	s.h.sync = append(s.h.sync, fn)
	s.hmu.Unlock()
}

// Connect dials the server and starts the read loop. Handlers run on the
// read goroutine in registration order.
//
// Precondition: Connect has not been called before.
// Postcondition: On success the session is live and OnConnect handlers are
// scheduled. On dial failure the session is ended and Done is closed.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	if s.closing {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, s.opts.DialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, s.url, nil)
	if err != nil {
		s.end(ReasonTransportLoss, false)
		return fmt.Errorf("dialing %s: %w", s.url, err)
	}
	conn.SetReadLimit(s.opts.ReadLimit)

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.end(ReasonClosed, false)
		return ErrClosed
	}
	s.conn = conn
	s.mu.Unlock()

	s.logger.Info("connected", zap.String("url", s.url))
	go s.readLoop(conn)
	return nil
}

// Done is closed after the session ends and every OnDisconnect handler ran.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Reason returns why the session ended. Valid after Done is closed.
func (s *Session) Reason() DisconnectReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// CapacityExceeded reports whether the server rejected this session.
func (s *Session) CapacityExceeded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacityExceeded
}

// Close ends the session. It does not wait for handlers; use Done.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closing || s.ended {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	conn := s.conn
	started := s.started
	s.mu.Unlock()

	if conn == nil {
		if !started {
			s.end(ReasonClosed, false)
		}
		return nil
	}
	if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil {
		return fmt.Errorf("closing session: %w", err)
	}
	return nil
}

// ReportInitialPosition emits init-pos.
func (s *Session) ReportInitialPosition(ctx context.Context, pos protocol.Position) error {
	return s.emit(ctx, protocol.EventInitPos, pos)
}

// ReportPointer emits mouse-click-point; nil clears the movement intent.
func (s *Session) ReportPointer(ctx context.Context, point *protocol.Position) error {
	if point == nil {
		return s.emit(ctx, protocol.EventMouseClickPoint, json.RawMessage("null"))
	}
	return s.emit(ctx, protocol.EventMouseClickPoint, *point)
}

// ReportChat emits chat.
func (s *Session) ReportChat(ctx context.Context, msg string) error {
	return s.emit(ctx, protocol.EventChat, msg)
}

// ReportPositionSync emits sync-pos.
func (s *Session) ReportPositionSync(ctx context.Context, pos protocol.Position) error {
	return s.emit(ctx, protocol.EventSyncPos, pos)
}

func (s *Session) emit(ctx context.Context, event protocol.Event, payload any) error {
	s.mu.Lock()
	conn := s.conn
	ended := s.ended || s.closing
	s.mu.Unlock()

	if ended {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, frame); err != nil {
		s.mu.Lock()
		ended = s.ended || s.closing
		s.mu.Unlock()
		if ended {
			return ErrClosed
		}
		return fmt.Errorf("writing %s: %w", event, err)
	}
	return nil
}

func (s *Session) readLoop(conn *websocket.Conn) {
	s.hmu.RLock()
	onConnect := append([]func(){}, s.h.connect...)
	s.hmu.RUnlock()
	for _, fn := range onConnect {
		fn()
	}

	for {
		_, raw, err := conn.Read(context.Background())
		if err != nil {
			s.mu.Lock()
			reason := ReasonTransportLoss
			switch {
			case s.capacityExceeded:
				reason = ReasonCapacityExceeded
			case s.closing:
				reason = ReasonClosed
			}
			s.mu.Unlock()
			if reason == ReasonTransportLoss {
				s.logger.Warn("connection lost", zap.Error(err))
			}
			s.end(reason, true)
			return
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			s.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		if env.Event == protocol.EventFull {
			s.rejected(conn)
			continue
		}
		if err := s.dispatch(env); err != nil {
			s.logger.Warn("dropping server event",
				zap.String("event", string(env.Event)),
				zap.Error(err),
			)
		}
	}
}

func (s *Session) rejected(conn *websocket.Conn) {
	s.mu.Lock()
	if s.capacityExceeded {
		s.mu.Unlock()
		return
	}
	s.capacityExceeded = true
	s.mu.Unlock()

	s.logger.Warn("server at capacity, session rejected")
	s.hmu.RLock()
	fns := append([]func(){}, s.h.capacity...)
	s.hmu.RUnlock()
	for _, fn := range fns {
		fn()
	}
	// Close blocks on the read loop we are running on, so hand it off.
	go func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
}

func (s *Session) dispatch(env protocol.Envelope) error {
	s.hmu.RLock()
	h := s.h
	s.hmu.RUnlock()

	switch env.Event {
	case protocol.EventOthersPos:
		var table protocol.PresenceTable
		if err := env.Bind(&table); err != nil {
			return err
		}
		for _, fn := range h.table {
			fn(table)
		}
	case protocol.EventUserJoin:
		var join protocol.UserJoin
		if err := env.Bind(&join); err != nil {
			return err
		}
		for _, fn := range h.join {
			fn(join)
		}
	case protocol.EventUserLeave:
		var id protocol.ConnectionID
		if err := env.Bind(&id); err != nil {
			return err
		}
		for _, fn := range h.leave {
			fn(id)
		}
	case protocol.EventMouseClickPoint:
		var relay protocol.PointerRelay
		if err := env.Bind(&relay); err != nil {
			return err
		}
		for _, fn := range h.pointer {
			fn(relay)
		}
	case protocol.EventChat:
		var relay protocol.ChatRelay
		if err := env.Bind(&relay); err != nil {
			return err
		}
		for _, fn := range h.chat {
			fn(relay)
		}
	case protocol.EventSyncPos:
		var relay protocol.PositionRelay
		if err := env.Bind(&relay); err != nil {
			return err
		}
		for _, fn := range h.sync {
			fn(relay)
		}
	default:
		return fmt.Errorf("unexpected event %q", env.Event)
	}
	return nil
}

// end records the reason and closes Done once. notify runs OnDisconnect handlers.
func (s *Session) end(reason DisconnectReason, notify bool) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.reason = reason
	s.mu.Unlock()

	if notify {
		s.logger.Info("disconnected", zap.Stringer("reason", reason))
		s.hmu.RLock()
		fns := append([]func(DisconnectReason){}, s.h.disconnect...)
		s.hmu.RUnlock()
		for _, fn := range fns {
			fn(reason)
		}
	}
	close(s.done)
}
