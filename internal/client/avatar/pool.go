// Package avatar manages the fixed set of avatar slots a client renders:
// one for the local participant and one per possible remote participant.
package avatar

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl64"
	"go.uber.org/zap"

	"github.com/sharediary/diary3d/internal/protocol"
)

// BindingKind says who a slot represents.
type BindingKind int

const (
	Unbound BindingKind = iota
	BoundSelf
	BoundRemote
)

// Binding is the identity a slot is bound to. ID is set only for BoundRemote.
type Binding struct {
	Kind BindingKind
	ID   protocol.ConnectionID
}

func (b Binding) String() string {
	switch b.Kind {
	case BoundSelf:
		return "self"
	case BoundRemote:
		return "remote:" + string(b.ID)
	default:
		return "unbound"
	}
}

// Animation is the clip a slot plays.
type Animation int

const (
	Idle Animation = iota
	Moving
)

func (a Animation) String() string {
	if a == Moving {
		return "moving"
	}
	return "idle"
}

// Clips names the animation assets for one slot.
type Clips struct {
	Idle   string
	Moving string
}

// For returns the clip name to play for a.
func (c Clips) For(a Animation) string {
	if a == Moving {
		return c.Moving
	}
	return c.Idle
}

// Slot is one avatar instance. Position, Orientation and Animation are
// written by the reconciler; binding and appearance belong to the Pool.
type Slot struct {
	Index       int
	Model       string
	Clips       Clips
	Position    mgl64.Vec3
	Orientation mgl64.Quat
	Animation   Animation

	binding  Binding
	mirrored bool
}

// Clip is the name of the clip matching the current Animation.
func (s *Slot) Clip() string {
	return s.Clips.For(s.Animation)
}

// Binding returns the identity the slot is bound to.
func (s *Slot) Binding() Binding {
	return s.binding
}

// Mirrored reports whether the slot shows the unbound appearance.
func (s *Slot) Mirrored() bool {
	return s.mirrored
}

// ScaleY is the vertical scale a renderer applies: -1 while unbound.
func (s *Slot) ScaleY() float64 {
	if s.mirrored {
		return -1
	}
	return 1
}

// setMirrored applies the unbound appearance. Setting the current state again
// changes nothing, so repeated frees never flip it back.
func (s *Slot) setMirrored(m bool) {
	s.mirrored = m
}

// Options configure a Pool.
type Options struct {
	// Resting is where freed slots are parked.
	Resting mgl64.Vec3
	// Models names the asset for each slot; missing entries stay empty.
	Models []string
	// Clips names each slot's animations, indexed like Models.
	Clips  []Clips
	Logger *zap.Logger
}

// Pool is the arena of avatar slots. Slot 0 is always bound to the local
// participant; the rest cycle through a FIFO free list. A Pool is owned by
// the frame loop and is not safe for concurrent use.
type Pool struct {
	slots   []*Slot
	free    []int
	bound   map[protocol.ConnectionID]int
	resting mgl64.Vec3
	logger  *zap.Logger
}

// NewPool creates a pool for maxUserCount participants.
//
// Precondition: maxUserCount must be >= 1.
// Postcondition: Slot 0 is bound to self; slots 1..maxUserCount-1 are
// unbound, mirrored, at rest and queued in index order.
func NewPool(maxUserCount int, opts Options) *Pool {
	if maxUserCount < 1 {
		panic(fmt.Sprintf("avatar.NewPool: maxUserCount must be >= 1, got %d", maxUserCount))
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		slots:   make([]*Slot, maxUserCount),
		free:    make([]int, 0, maxUserCount-1),
		bound:   make(map[protocol.ConnectionID]int, maxUserCount-1),
		resting: opts.Resting,
		logger:  logger,
	}
	for i := range p.slots {
		slot := &Slot{
			Index:       i,
			Position:    opts.Resting,
			Orientation: mgl64.QuatIdent(),
		}
		if i < len(opts.Models) {
			slot.Model = opts.Models[i]
		}
		if i < len(opts.Clips) {
			slot.Clips = opts.Clips[i]
		}
		if i == 0 {
			slot.binding = Binding{Kind: BoundSelf}
		} else {
			slot.setMirrored(true)
			p.free = append(p.free, i)
		}
		p.slots[i] = slot
	}
	return p
}

// Allocate binds the head of the free list to id.
//
// Postcondition: Returns the bound slot and true. Returns false and changes
// nothing when id is already bound or no slot is free.
func (p *Pool) Allocate(id protocol.ConnectionID, initial *mgl64.Vec3) (*Slot, bool) {
	if _, exists := p.bound[id]; exists {
		p.logger.Debug("avatar already allocated", zap.String("conn_id", string(id)))
		return nil, false
	}
	if len(p.free) == 0 {
		p.logger.Warn("avatar pool exhausted",
			zap.String("conn_id", string(id)),
			zap.Int("capacity", len(p.slots)),
		)
		return nil, false
	}

	idx := p.free[0]
	p.free = p.free[1:]
	slot := p.slots[idx]
	slot.binding = Binding{Kind: BoundRemote, ID: id}
	if initial != nil {
		slot.Position = *initial
	}
	slot.Animation = Idle
	slot.setMirrored(false)
	p.bound[id] = idx
	return slot, true
}

// Free returns id's slot to the tail of the free list.
//
// Postcondition: Returns false and changes nothing for an unknown id.
// Otherwise the slot is unbound, mirrored, idle and at rest.
func (p *Pool) Free(id protocol.ConnectionID) bool {
	idx, ok := p.bound[id]
	if !ok {
		return false
	}
	delete(p.bound, id)

	slot := p.slots[idx]
	slot.binding = Binding{}
	slot.Position = p.resting
	slot.Orientation = mgl64.QuatIdent()
	slot.Animation = Idle
	slot.setMirrored(true)
	p.free = append(p.free, idx)
	return true
}

// FreeAll frees every remote slot and returns how many were freed.
//
// Postcondition: The active set is exactly the self slot.
func (p *Pool) FreeAll() int {
	n := 0
	// slot order keeps the free list deterministic
	for _, slot := range p.slots {
		if slot.binding.Kind == BoundRemote && p.Free(slot.binding.ID) {
			n++
		}
	}
	return n
}

// Self returns the local participant's slot.
func (p *Pool) Self() *Slot {
	return p.slots[0]
}

// Lookup returns the slot bound to id.
func (p *Pool) Lookup(id protocol.ConnectionID) (*Slot, bool) {
	idx, ok := p.bound[id]
	if !ok {
		return nil, false
	}
	return p.slots[idx], true
}

// Active returns self followed by every remote-bound slot in index order.
func (p *Pool) Active() []*Slot {
	out := make([]*Slot, 0, 1+len(p.bound))
	for _, slot := range p.slots {
		if slot.binding.Kind != Unbound {
			out = append(out, slot)
		}
	}
	return out
}

// Slots returns every slot in index order.
func (p *Pool) Slots() []*Slot {
	return append([]*Slot(nil), p.slots...)
}

// FreeList returns the free slot indices, head first.
func (p *Pool) FreeList() []int {
	return append([]int(nil), p.free...)
}

// Capacity returns maxUserCount.
func (p *Pool) Capacity() int { return len(p.slots) }

// ActiveCount returns the number of bound slots including self.
func (p *Pool) ActiveCount() int { return 1 + len(p.bound) }

// FreeCount returns the length of the free list.
func (p *Pool) FreeCount() int { return len(p.free) }
