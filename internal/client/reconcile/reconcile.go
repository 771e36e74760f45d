// Package reconcile moves avatar slots toward their movement targets each
// frame. Remote targets come from relayed pointer and sync reports; the local
// participant's target is its own pointer intent.
package reconcile

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/sharediary/diary3d/internal/client/avatar"
	"github.com/sharediary/diary3d/internal/protocol"
)

// Motion defaults.
const (
	DefaultVelocity  = 5.0
	DefaultThreshold = 0.1
	DefaultTurnRate  = 0.4
)

var up = mgl64.Vec3{0, 1, 0}

// TargetTable holds the last reported target per remote identity. Like the
// Pool it is owned by the frame loop.
type TargetTable struct {
	targets map[protocol.ConnectionID]mgl64.Vec3
}

// NewTargetTable creates an empty table.
func NewTargetTable() *TargetTable {
	return &TargetTable{targets: make(map[protocol.ConnectionID]mgl64.Vec3)}
}

// Record sets id's target; the latest report wins.
func (t *TargetTable) Record(id protocol.ConnectionID, pos mgl64.Vec3) {
	t.targets[id] = pos
}

// Forget removes id's target.
func (t *TargetTable) Forget(id protocol.ConnectionID) {
	delete(t.targets, id)
}

// Target returns id's current target.
func (t *TargetTable) Target(id protocol.ConnectionID) (mgl64.Vec3, bool) {
	pos, ok := t.targets[id]
	return pos, ok
}

// Reset drops every target.
func (t *TargetTable) Reset() {
	clear(t.targets)
}

// Len returns the number of recorded targets.
func (t *TargetTable) Len() int {
	return len(t.targets)
}

// Mover is the pursuit policy applied uniformly to every slot.
type Mover struct {
	Velocity  float64 // units per second
	Threshold float64 // planar distance under which a slot idles
	TurnRate  float64 // max radians turned per frame
}

// DefaultMover returns the standard policy.
func DefaultMover() Mover {
	return Mover{Velocity: DefaultVelocity, Threshold: DefaultThreshold, TurnRate: DefaultTurnRate}
}

// PlanarDistance is the X/Z distance between a and b.
func PlanarDistance(a, b mgl64.Vec3) float64 {
	return math.Hypot(b[0]-a[0], b[2]-a[2])
}

// Step advances slot one frame toward target and sets its animation.
//
// Postcondition: With no target, or within Threshold of it, the slot is Idle
// and unmoved. Otherwise it is Moving, turned toward the target by at most
// TurnRate and advanced by min(Velocity*dt, distance) on the ground plane.
func (m Mover) Step(slot *avatar.Slot, target *mgl64.Vec3, dt float64) avatar.Animation {
	if target == nil {
		slot.Animation = avatar.Idle
		return slot.Animation
	}
	pos := slot.Position
	dist := PlanarDistance(pos, *target)
	if dist < m.Threshold {
		slot.Animation = avatar.Idle
		return slot.Animation
	}

	bearing := math.Atan2(pos[0]-target[0], pos[2]-target[2])
	slot.Orientation = RotateTowards(slot.Orientation, mgl64.QuatRotate(bearing, up), m.TurnRate)

	advance := math.Min(m.Velocity*dt, dist)
	slot.Position[0] += (target[0] - pos[0]) / dist * advance
	slot.Position[2] += (target[2] - pos[2]) / dist * advance
	slot.Animation = avatar.Moving
	return slot.Animation
}

// RotateTowards turns from toward to by at most maxAngle radians along the
// shortest arc.
func RotateTowards(from, to mgl64.Quat, maxAngle float64) mgl64.Quat {
	dot := from.Dot(to)
	if dot < 0 {
		to = to.Scale(-1)
		dot = -dot
	}
	angle := 2 * math.Acos(math.Min(1, dot))
	if angle <= maxAngle || angle < 1e-9 {
		return to.Normalize()
	}
	return mgl64.QuatSlerp(from, to, maxAngle/angle).Normalize()
}

// Transition records a slot changing animation during Update.
type Transition struct {
	Slot    *avatar.Slot
	Binding avatar.Binding
	From    avatar.Animation
	To      avatar.Animation
}

// Reconciler applies a Mover to every active slot of a Pool.
type Reconciler struct {
	Mover   Mover
	Targets *TargetTable
}

// New creates a Reconciler with an empty target table.
func New(m Mover) *Reconciler {
	return &Reconciler{Mover: m, Targets: NewTargetTable()}
}

// Update steps every active slot once. The self slot pursues selfIntent;
// remote slots pursue their recorded target.
//
// Postcondition: Returns the Idle/Moving transitions that happened this frame.
func (r *Reconciler) Update(pool *avatar.Pool, selfIntent *mgl64.Vec3, dt float64) []Transition {
	var transitions []Transition
	for _, slot := range pool.Active() {
		var target *mgl64.Vec3
		binding := slot.Binding()
		switch binding.Kind {
		case avatar.BoundSelf:
			target = selfIntent
		case avatar.BoundRemote:
			if pos, ok := r.Targets.Target(binding.ID); ok {
				target = &pos
			}
		}

		from := slot.Animation
		to := r.Mover.Step(slot, target, dt)
		if from != to {
			transitions = append(transitions, Transition{Slot: slot, Binding: binding, From: from, To: to})
		}
	}
	return transitions
}
