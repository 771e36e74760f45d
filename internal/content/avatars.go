// Package content loads the client's avatar roster and motion tuning from YAML.
package content

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"gopkg.in/yaml.v3"

	"github.com/sharediary/diary3d/internal/client/avatar"
	"github.com/sharediary/diary3d/internal/client/reconcile"
)

// Vec3 is a YAML-friendly point.
type Vec3 struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
	Z float64 `yaml:"z"`
}

// Vec converts to a math vector.
func (v Vec3) Vec() mgl64.Vec3 {
	return mgl64.Vec3{v.X, v.Y, v.Z}
}

// Motion tunes the pursuit controller.
type Motion struct {
	Velocity  float64 `yaml:"velocity"`
	Threshold float64 `yaml:"threshold"`
	TurnRate  float64 `yaml:"turn_rate"`
}

// Avatar names one slot's model and its idle and moving clips.
type Avatar struct {
	Model      string `yaml:"model"`
	IdleClip   string `yaml:"idle_clip"`
	MovingClip string `yaml:"moving_clip"`
}

// Roster is the avatars file.
//
// Invariant: after Validate, len(Avatars) is the client's maxUserCount and
// Avatars[0] is the local participant.
type Roster struct {
	Avatars   []Avatar      `yaml:"avatars"`
	Resting   Vec3          `yaml:"resting"`
	Motion    Motion        `yaml:"motion"`
	BubbleTTL time.Duration `yaml:"bubble_ttl"`
}

// Validate reports every problem with the roster at once.
//
// Postcondition: nil means at least one avatar, every avatar has a model,
// motion values are positive and BubbleTTL is positive.
func (r *Roster) Validate() error {
	var errs []string
	if len(r.Avatars) == 0 {
		errs = append(errs, "avatars must not be empty")
	}
	for i, a := range r.Avatars {
		if a.Model == "" {
			errs = append(errs, fmt.Sprintf("avatars[%d].model must not be empty", i))
		}
	}
	if r.Motion.Velocity <= 0 {
		errs = append(errs, fmt.Sprintf("motion.velocity must be positive, got %v", r.Motion.Velocity))
	}
	if r.Motion.Threshold <= 0 {
		errs = append(errs, fmt.Sprintf("motion.threshold must be positive, got %v", r.Motion.Threshold))
	}
	if r.Motion.TurnRate <= 0 {
		errs = append(errs, fmt.Sprintf("motion.turn_rate must be positive, got %v", r.Motion.TurnRate))
	}
	if r.BubbleTTL <= 0 {
		errs = append(errs, fmt.Sprintf("bubble_ttl must be positive, got %s", r.BubbleTTL))
	}
	if len(errs) > 0 {
		return errors.New("content.Roster: " + strings.Join(errs, "; "))
	}
	return nil
}

// MaxUserCount is the number of avatar slots.
func (r *Roster) MaxUserCount() int {
	return len(r.Avatars)
}

// Mover returns the pursuit policy.
func (r *Roster) Mover() reconcile.Mover {
	return reconcile.Mover{
		Velocity:  r.Motion.Velocity,
		Threshold: r.Motion.Threshold,
		TurnRate:  r.Motion.TurnRate,
	}
}

// PoolOptions returns the pool configuration for this roster.
func (r *Roster) PoolOptions() avatar.Options {
	models := make([]string, len(r.Avatars))
	clips := make([]avatar.Clips, len(r.Avatars))
	for i, a := range r.Avatars {
		models[i] = a.Model
		clips[i] = avatar.Clips{Idle: a.IdleClip, Moving: a.MovingClip}
	}
	return avatar.Options{Resting: r.Resting.Vec(), Models: models, Clips: clips}
}

// defaults fills unset tuning with the standard values.
func (r *Roster) defaults() {
	if r.Motion.Velocity == 0 {
		r.Motion.Velocity = reconcile.DefaultVelocity
	}
	if r.Motion.Threshold == 0 {
		r.Motion.Threshold = reconcile.DefaultThreshold
	}
	if r.Motion.TurnRate == 0 {
		r.Motion.TurnRate = reconcile.DefaultTurnRate
	}
	if r.BubbleTTL == 0 {
		r.BubbleTTL = 3 * time.Second
	}
}

// Parse decodes and validates a roster.
func Parse(data []byte) (*Roster, error) {
	var r Roster
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("content.Parse: %w", err)
	}
	r.defaults()
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// LoadRoster reads and validates the avatars file at path.
//
// Precondition: path must name a readable YAML file.
// Postcondition: Returns a validated Roster or a non-nil error.
func LoadRoster(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("content.LoadRoster: reading %q: %w", path, err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("content.LoadRoster: %s: %w", path, err)
	}
	return r, nil
}
