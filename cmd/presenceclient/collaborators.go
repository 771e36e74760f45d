package main

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"go.uber.org/zap"

	"github.com/sharediary/diary3d/internal/client/game"
)

// logRenderer stands in for the 3D scene: it logs whenever the visible set of
// avatars, their clips or chat bubbles change.
type logRenderer struct {
	logger *zap.Logger
	last   string
}

func (r *logRenderer) Render(views []game.AvatarView) {
	var b strings.Builder
	for _, v := range views {
		fmt.Fprintf(&b, "%d=%s", v.Index, v.Binding)
		if v.Clip != "" {
			fmt.Fprintf(&b, "[%s]", v.Clip)
		}
		if v.Bubble != "" {
			fmt.Fprintf(&b, "(%q)", v.Bubble)
		}
		b.WriteByte(' ')
	}
	scene := b.String()
	if scene == r.last {
		return
	}
	r.last = scene
	r.logger.Info("scene", zap.Int("avatars", len(views)), zap.String("slots", strings.TrimSpace(scene)))
}

// consoleNotifier prints user-facing notices to the log.
type consoleNotifier struct {
	logger *zap.Logger
}

func (n consoleNotifier) Notice(msg string) {
	n.logger.Warn(msg)
}

func (n consoleNotifier) ReloadPrompt() {
	n.logger.Warn("Connection to the server was lost. Restart the client to rejoin.")
}

// randomWalk picks a new ground point within radius of the origin every interval.
type randomWalk struct {
	radius   float64
	interval time.Duration

	mu   sync.Mutex
	next time.Time
	now  func() time.Time
}

func newRandomWalk(radius float64, interval time.Duration) *randomWalk {
	return &randomWalk{radius: radius, interval: interval, now: time.Now}
}

func (w *randomWalk) NextIntent() (*mgl64.Vec3, bool) {
	if w.radius <= 0 || w.interval <= 0 {
		return nil, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	if now.Before(w.next) {
		return nil, false
	}
	w.next = now.Add(w.interval)

	angle := rand.Float64() * 2 * math.Pi
	dist := math.Sqrt(rand.Float64()) * w.radius
	p := mgl64.Vec3{dist * math.Sin(angle), 0, dist * math.Cos(angle)}
	return &p, true
}
