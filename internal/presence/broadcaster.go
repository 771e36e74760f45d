package presence

import (
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/sharediary/diary3d/internal/protocol"
)

// ErrUnknownEvent is returned by Handle for an event name the server does not accept.
var ErrUnknownEvent = errors.New("unknown event")

// OccupancyFunc observes the registry count after every admit and leave.
type OccupancyFunc func(count, capacity int)

// Broadcaster binds outboxes to registry transitions and relays client
// events to every other admitted connection.
type Broadcaster struct {
	registry      *Registry
	logger        *zap.Logger
	maxChatLength int
	metrics       Metrics

	mu        sync.RWMutex
	outboxes  map[protocol.ConnectionID]*Outbox
	occupancy []OccupancyFunc

	// evictions are filled by registry hooks and drained once the registry
	// lock is released.
	evictMu   sync.Mutex
	evictions []protocol.ConnectionID
}

// NewBroadcaster creates a Broadcaster owning a Registry of the given capacity.
//
// Precondition: capacity must be >= 1; logger must not be nil.
// Postcondition: maxChatLength <= 0 disables chat truncation.
func NewBroadcaster(capacity, maxChatLength int, logger *zap.Logger) *Broadcaster {
	b := &Broadcaster{
		logger:        logger,
		maxChatLength: maxChatLength,
		outboxes:      make(map[protocol.ConnectionID]*Outbox),
	}
	b.registry = NewRegistry(capacity, Hooks{
		OnAdmit:  b.onAdmit,
		OnReject: b.onReject,
		OnLeave:  b.onLeave,
	})
	return b
}

// Registry exposes the underlying registry for read-only queries.
func (b *Broadcaster) Registry() *Registry {
	return b.registry
}

// OnOccupancy registers an observer of the admitted connection count. The
// observer runs with the registry locked and must not block.
func (b *Broadcaster) OnOccupancy(fn OccupancyFunc) {
	b.mu.Lock()
	b.occupancy = append(b.occupancy, fn)
	b.mu.Unlock()
	fn(b.registry.Count(), b.registry.Capacity())
}

// Metrics returns a snapshot of the broadcaster counters.
func (b *Broadcaster) Metrics() MetricsSnapshot {
	return b.metrics.Snapshot()
}

// Connect registers ob and asks the registry to admit id.
//
// Precondition: ob.ID() == id.
// Postcondition: On admit the newcomer has others-pos queued and every prior
// connection has user-join queued; a prior connection whose outbox had no
// room is evicted. On rejection ob has full queued, no other connection is
// notified, ob is unregistered and ErrCapacityExceeded is returned.
func (b *Broadcaster) Connect(id protocol.ConnectionID, ob *Outbox) error {
	defer b.evictPending()

	b.mu.Lock()
	if _, exists := b.outboxes[id]; exists {
		b.mu.Unlock()
		return fmt.Errorf("connection %q: %w", id, ErrDuplicateConnection)
	}
	b.outboxes[id] = ob
	b.mu.Unlock()

	if err := b.registry.Connect(id); err != nil {
		b.mu.Lock()
		delete(b.outboxes, id)
		b.mu.Unlock()
		return err
	}
	return nil
}

// Disconnect removes id from the registry and unregisters its outbox.
// Calling Disconnect for an unknown id is a no-op.
//
// Postcondition: Every remaining connection has user-leave queued or has
// been evicted.
func (b *Broadcaster) Disconnect(id protocol.ConnectionID) {
	b.remove(id)
	b.evictPending()
}

func (b *Broadcaster) remove(id protocol.ConnectionID) {
	b.registry.Disconnect(id)

	b.mu.Lock()
	delete(b.outboxes, id)
	b.mu.Unlock()
}

// evictPending disconnects every peer a hook marked for eviction. Each
// removal fires onLeave, which may mark more peers.
func (b *Broadcaster) evictPending() {
	for {
		b.evictMu.Lock()
		if len(b.evictions) == 0 {
			b.evictMu.Unlock()
			return
		}
		id := b.evictions[0]
		b.evictions = b.evictions[1:]
		b.evictMu.Unlock()

		b.remove(id)
	}
}

// Handle dispatches one decoded client event from id.
//
// Postcondition: Reports from ids that are not admitted are dropped and
// counted as stale; nil is returned for them.
func (b *Broadcaster) Handle(id protocol.ConnectionID, env protocol.Envelope) error {
	switch env.Event {
	case protocol.EventInitPos:
		pos, err := bindPosition(env)
		if err != nil {
			return err
		}
		if !b.registry.ReportPosition(id, pos) {
			b.stale(id, env.Event)
		}
		return nil

	case protocol.EventSyncPos:
		pos, err := bindPosition(env)
		if err != nil {
			return err
		}
		if !b.registry.ReportPosition(id, pos) {
			b.stale(id, env.Event)
			return nil
		}
		return b.relay(id, protocol.EventSyncPos, protocol.PositionRelay{ClientID: id, Position: pos})

	case protocol.EventMouseClickPoint:
		var point *protocol.Position
		if !env.IsNull() {
			point = &protocol.Position{}
			if err := env.Bind(point); err != nil {
				return err
			}
		}
		return b.relay(id, protocol.EventMouseClickPoint, protocol.PointerRelay{ClientID: id, MouseClickPoint: point})

	case protocol.EventChat:
		var msg string
		if err := env.Bind(&msg); err != nil {
			return err
		}
		return b.relay(id, protocol.EventChat, protocol.ChatRelay{ClientID: id, Message: b.truncate(msg)})

	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
}

// bindPosition decodes a position report. Unlike a pointer, a position has no
// meaning when null.
func bindPosition(env protocol.Envelope) (protocol.Position, error) {
	var pos protocol.Position
	if env.IsNull() {
		return pos, fmt.Errorf("%w: %s requires a position", protocol.ErrMalformedEnvelope, env.Event)
	}
	if err := env.Bind(&pos); err != nil {
		return pos, err
	}
	return pos, nil
}

func (b *Broadcaster) relay(from protocol.ConnectionID, event protocol.Event, payload any) error {
	others, ok := b.registry.Others(from)
	if !ok {
		b.stale(from, event)
		return nil
	}
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, other := range others {
		b.pushLocked(other, frame)
	}
	b.metrics.relayed.Add(1)
	return nil
}

func (b *Broadcaster) onAdmit(id protocol.ConnectionID, others protocol.PresenceTable, peers []protocol.ConnectionID) {
	b.metrics.admitted.Add(1)
	table := protocol.MustEncode(protocol.EventOthersPos, others)
	join := protocol.MustEncode(protocol.EventUserJoin, protocol.UserJoin{ClientID: id, Position: protocol.Origin})

	b.mu.RLock()
	defer b.mu.RUnlock()
	b.deliverLocked(id, table)
	for _, peer := range peers {
		b.deliverLocked(peer, join)
	}
	b.logger.Info("connection admitted",
		zap.String("conn_id", string(id)),
		zap.Int("count", len(peers)+1),
	)
	b.notifyLocked(len(peers)+1, b.registry.Capacity())
}

func (b *Broadcaster) onReject(id protocol.ConnectionID) {
	b.metrics.rejected.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	b.pushLocked(id, protocol.MustEncode(protocol.EventFull, nil))
	b.logger.Warn("connection rejected, registry at capacity",
		zap.String("conn_id", string(id)),
		zap.Int("capacity", b.registry.Capacity()),
	)
}

func (b *Broadcaster) onLeave(id protocol.ConnectionID, remaining []protocol.ConnectionID) {
	b.metrics.left.Add(1)
	leave := protocol.MustEncode(protocol.EventUserLeave, id)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, peer := range remaining {
		b.deliverLocked(peer, leave)
	}
	b.logger.Info("connection left",
		zap.String("conn_id", string(id)),
		zap.Int("count", len(remaining)),
	)
	b.notifyLocked(len(remaining), b.registry.Capacity())
}

// pushLocked queues a relay for id, dropping it when the outbox is full.
// It requires b.mu held for reading.
func (b *Broadcaster) pushLocked(id protocol.ConnectionID, frame []byte) {
	ob, ok := b.outboxes[id]
	if !ok {
		return
	}
	if err := ob.Offer(frame); err != nil {
		b.metrics.dropped.Add(1)
		b.logger.Debug("frame dropped", zap.String("conn_id", string(id)), zap.Error(err))
	}
}

// deliverLocked queues a membership frame for id. A peer that cannot take it
// would hold a stale view of the space, so its outbox is closed and id is
// marked for eviction. It requires b.mu held for reading and must not touch
// the registry, whose lock the calling hook holds.
func (b *Broadcaster) deliverLocked(id protocol.ConnectionID, frame []byte) {
	ob, ok := b.outboxes[id]
	if !ok {
		return
	}
	err := ob.Deliver(frame)
	if err == nil {
		return
	}
	b.metrics.dropped.Add(1)
	if !errors.Is(err, ErrOutboxFull) {
		b.logger.Debug("frame dropped", zap.String("conn_id", string(id)), zap.Error(err))
		return
	}

	b.metrics.evicted.Add(1)
	b.logger.Warn("evicting connection that cannot keep up",
		zap.String("conn_id", string(id)),
		zap.Error(err),
	)
	b.evictMu.Lock()
	b.evictions = append(b.evictions, id)
	b.evictMu.Unlock()
}

func (b *Broadcaster) notifyLocked(count, capacity int) {
	for _, fn := range b.occupancy {
		fn(count, capacity)
	}
}

func (b *Broadcaster) stale(id protocol.ConnectionID, event protocol.Event) {
	b.metrics.stale.Add(1)
	b.logger.Debug("ignoring report from unregistered connection",
		zap.String("conn_id", string(id)),
		zap.String("event", string(event)),
	)
}

func (b *Broadcaster) truncate(msg string) string {
	if b.maxChatLength <= 0 || utf8.RuneCountInString(msg) <= b.maxChatLength {
		return msg
	}
	runes := []rune(msg)
	return string(runes[:b.maxChatLength])
}
