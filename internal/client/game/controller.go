// Package game drives one client: it binds the transport session to the
// avatar pool and reconciler, runs the frame loop and the position sync
// ticker, and surfaces chat bubbles and connection notices.
package game

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sharediary/diary3d/internal/client/avatar"
	"github.com/sharediary/diary3d/internal/client/reconcile"
	"github.com/sharediary/diary3d/internal/client/session"
	"github.com/sharediary/diary3d/internal/protocol"
)

// Transport is the session surface the controller needs. *session.Session
// satisfies it.
type Transport interface {
	OnConnect(func())
	OnCapacityExceeded(func())
	OnDisconnect(func(session.DisconnectReason))
	OnPresenceTable(func(protocol.PresenceTable))
	OnJoin(func(protocol.UserJoin))
	OnLeave(func(protocol.ConnectionID))
	OnPointer(func(protocol.PointerRelay))
	OnChat(func(protocol.ChatRelay))
	OnPositionSync(func(protocol.PositionRelay))

	ReportInitialPosition(ctx context.Context, pos protocol.Position) error
	ReportPointer(ctx context.Context, point *protocol.Position) error
	ReportChat(ctx context.Context, msg string) error
	ReportPositionSync(ctx context.Context, pos protocol.Position) error
}

// AvatarView is what a Renderer draws for one slot.
type AvatarView struct {
	Index       int
	Model       string
	Binding     avatar.Binding
	Position    mgl64.Vec3
	Orientation mgl64.Quat
	Animation   avatar.Animation
	Clip        string
	ScaleY      float64
	Bubble      string
}

// Renderer draws a frame. It is called from the frame loop.
type Renderer interface {
	Render(views []AvatarView)
}

// Notifier shows connection notices to the user.
type Notifier interface {
	// Notice shows an informational message.
	Notice(msg string)
	// ReloadPrompt asks the user to reload after the connection was lost.
	ReloadPrompt()
}

// IntentSource supplies pointer picks, e.g. a scene ray cast. ok is false
// when nothing new was picked this frame; a nil point clears the intent.
type IntentSource interface {
	NextIntent() (point *mgl64.Vec3, ok bool)
}

// Config tunes a Controller.
type Config struct {
	SyncInterval time.Duration
	BubbleTTL    time.Duration
	Intent       IntentSource
	Clock        func() time.Time
	Logger       *zap.Logger
}

type bubble struct {
	text    string
	expires time.Time
}

// Controller owns the pool, the reconciler and the self intent. Transport
// handlers only enqueue mutations; Frame applies them on the frame loop.
type Controller struct {
	transport Transport
	pool      *avatar.Pool
	rec       *reconcile.Reconciler
	renderer  Renderer
	notifier  Notifier
	cfg       Config
	logger    *zap.Logger

	qmu   sync.Mutex
	queue []func()

	// frame-loop owned
	intent  *mgl64.Vec3
	bubbles map[int]bubble

	pubMu     sync.Mutex
	published protocol.Position

	offline atomic.Bool

	syncMu     sync.Mutex
	syncCancel context.CancelFunc
	syncDone   chan struct{}
}

// New creates a Controller and registers its handlers on transport.
//
// Precondition: every argument must be non-nil; cfg.SyncInterval and
// cfg.BubbleTTL must be positive.
// Postcondition: The controller reacts to transport events once the
// transport connects.
func New(transport Transport, pool *avatar.Pool, rec *reconcile.Reconciler, renderer Renderer, notifier Notifier, cfg Config) *Controller {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		transport: transport,
		pool:      pool,
		rec:       rec,
		renderer:  renderer,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "game")),
		bubbles:   make(map[int]bubble),
		published: protocol.FromVec(pool.Self().Position),
	}
	c.bind()
	return c
}

func (c *Controller) bind() {
	t := c.transport
	t.OnConnect(c.onConnect)
	t.OnCapacityExceeded(c.onCapacityExceeded)
	t.OnDisconnect(c.onDisconnect)

	t.OnPresenceTable(func(table protocol.PresenceTable) {
		c.enqueue(func() {
			// Sorted so every run binds the same table to the same slots.
			for _, id := range slices.Sorted(maps.Keys(table)) {
				v := table[id].Vec()
				c.pool.Allocate(id, &v)
			}
		})
	})
	t.OnJoin(func(j protocol.UserJoin) {
		c.enqueue(func() {
			v := j.Position.Vec()
			c.pool.Allocate(j.ClientID, &v)
		})
	})
	t.OnLeave(func(id protocol.ConnectionID) {
		c.enqueue(func() {
			if slot, ok := c.pool.Lookup(id); ok {
				delete(c.bubbles, slot.Index)
			}
			c.pool.Free(id)
			c.rec.Targets.Forget(id)
		})
	})
	t.OnPointer(func(r protocol.PointerRelay) {
		c.enqueue(func() {
			if r.MouseClickPoint == nil {
				c.rec.Targets.Forget(r.ClientID)
				return
			}
			c.rec.Targets.Record(r.ClientID, r.MouseClickPoint.Vec())
		})
	})
	t.OnPositionSync(func(r protocol.PositionRelay) {
		c.enqueue(func() {
			c.rec.Targets.Record(r.ClientID, r.Position.Vec())
		})
	})
	t.OnChat(func(r protocol.ChatRelay) {
		c.enqueue(func() {
			slot, ok := c.pool.Lookup(r.ClientID)
			if !ok {
				c.logger.Debug("chat from unknown participant", zap.String("conn_id", string(r.ClientID)))
				return
			}
			c.showBubble(slot.Index, r.Message)
		})
	})
}

func (c *Controller) onConnect() {
	ctx := context.Background()
	if err := c.transport.ReportInitialPosition(ctx, c.publishedPosition()); err != nil {
		c.logger.Warn("reporting initial position", zap.Error(err))
	}
	c.startSync()
}

func (c *Controller) onCapacityExceeded() {
	c.offline.Store(true)
	c.notifier.Notice(fmt.Sprintf("The space is full (%d participants). Continuing offline.", c.pool.Capacity()))
}

func (c *Controller) onDisconnect(reason session.DisconnectReason) {
	c.stopSync()
	c.offline.Store(true)
	c.enqueue(func() {
		freed := c.pool.FreeAll()
		c.rec.Targets.Reset()
		clear(c.bubbles)
		c.logger.Info("disconnected, remote avatars released",
			zap.Stringer("reason", reason),
			zap.Int("freed", freed),
		)
	})
	if reason == session.ReasonTransportLoss {
		c.notifier.ReloadPrompt()
	}
}

// Offline reports whether the controller stopped emitting to the server.
func (c *Controller) Offline() bool {
	return c.offline.Load()
}

// Say shows msg over the local avatar and sends it to the others.
func (c *Controller) Say(ctx context.Context, msg string) error {
	c.enqueue(func() {
		c.showBubble(c.pool.Self().Index, msg)
	})
	if c.offline.Load() {
		return nil
	}
	return c.transport.ReportChat(ctx, msg)
}

// PointAt sets the local movement intent and reports it. A nil point
// clears the intent.
func (c *Controller) PointAt(ctx context.Context, point *mgl64.Vec3) error {
	var copied *mgl64.Vec3
	if point != nil {
		p := *point
		copied = &p
	}
	c.enqueue(func() {
		c.intent = copied
	})
	if c.offline.Load() {
		return nil
	}
	if copied == nil {
		return c.transport.ReportPointer(ctx, nil)
	}
	pos := protocol.FromVec(*copied)
	return c.transport.ReportPointer(ctx, &pos)
}

// Frame applies queued mutations, polls the intent source, moves every
// active avatar and renders.
//
// Postcondition: Returns this frame's animation transitions.
func (c *Controller) Frame(dt float64) []reconcile.Transition {
	c.drain()

	if c.cfg.Intent != nil {
		if point, ok := c.cfg.Intent.NextIntent(); ok {
			if err := c.PointAt(context.Background(), point); err != nil && !errors.Is(err, session.ErrClosed) {
				c.logger.Warn("reporting pointer", zap.Error(err))
			}
			c.drain()
		}
	}

	transitions := c.rec.Update(c.pool, c.intent, dt)
	for _, tr := range transitions {
		c.logger.Debug("avatar animation",
			zap.Stringer("binding", tr.Binding),
			zap.Stringer("from", tr.From),
			zap.Stringer("to", tr.To),
		)
	}
	c.publish(c.pool.Self().Position)
	c.expireBubbles()
	c.renderer.Render(c.views())
	return transitions
}

// Run drives Frame at fps until ctx is done.
//
// Precondition: fps must be positive.
// Postcondition: The sync ticker is stopped when Run returns.
func (c *Controller) Run(ctx context.Context, fps int) error {
	if fps <= 0 {
		return fmt.Errorf("game.Run: fps must be positive, got %d", fps)
	}
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(time.Second / time.Duration(fps))
		defer ticker.Stop()
		last := c.cfg.Clock()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				now := c.cfg.Clock()
				c.Frame(now.Sub(last).Seconds())
				last = now
			}
		}
	})
	g.Go(func() error {
		<-ctx.Done()
		c.stopSync()
		return nil
	})
	return g.Wait()
}

// Pool exposes the avatar pool. Only the frame loop may mutate it.
func (c *Controller) Pool() *avatar.Pool {
	return c.pool
}

func (c *Controller) enqueue(fn func()) {
	c.qmu.Lock()
	c.queue = append(c.queue, fn)
	c.qmu.Unlock()
}

func (c *Controller) drain() {
	c.qmu.Lock()
	pending := c.queue
	c.queue = nil
	c.qmu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

func (c *Controller) publish(v mgl64.Vec3) {
	c.pubMu.Lock()
	c.published = protocol.FromVec(v)
	c.pubMu.Unlock()
}

func (c *Controller) publishedPosition() protocol.Position {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	return c.published
}

func (c *Controller) startSync() {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()
	if c.syncCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.syncCancel = cancel
	c.syncDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.cfg.SyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := c.transport.ReportPositionSync(ctx, c.publishedPosition())
				if errors.Is(err, session.ErrClosed) {
					return
				}
				if err != nil {
					c.logger.Warn("syncing position", zap.Error(err))
				}
			}
		}
	}()
}

// stopSync cancels the ticker and waits for it to exit.
func (c *Controller) stopSync() {
	c.syncMu.Lock()
	cancel, done := c.syncCancel, c.syncDone
	c.syncMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Controller) showBubble(index int, text string) {
	c.bubbles[index] = bubble{text: text, expires: c.cfg.Clock().Add(c.cfg.BubbleTTL)}
}

func (c *Controller) expireBubbles() {
	now := c.cfg.Clock()
	for idx, b := range c.bubbles {
		if !now.Before(b.expires) {
			delete(c.bubbles, idx)
		}
	}
}

func (c *Controller) views() []AvatarView {
	slots := c.pool.Slots()
	views := make([]AvatarView, len(slots))
	for i, slot := range slots {
		views[i] = AvatarView{
			Index:       slot.Index,
			Model:       slot.Model,
			Binding:     slot.Binding(),
			Position:    slot.Position,
			Orientation: slot.Orientation,
			Animation:   slot.Animation,
			Clip:        slot.Clip(),
			ScaleY:      slot.ScaleY(),
			Bubble:      c.bubbles[slot.Index].text,
		}
	}
	return views
}
