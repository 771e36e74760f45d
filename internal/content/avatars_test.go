package content

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func repoRoot(t *testing.T) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	return filepath.Join(filepath.Dir(file), "..", "..")
}

func TestLoadRoster_ShippedFile(t *testing.T) {
	r, err := LoadRoster(filepath.Join(repoRoot(t), "content", "avatars.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 4, r.MaxUserCount())
	assert.Equal(t, 3*time.Second, r.BubbleTTL)
	assert.Equal(t, 5.0, r.Mover().Velocity)
	assert.Equal(t, 0.1, r.Mover().Threshold)
	assert.Equal(t, 0.4, r.Mover().TurnRate)
	assert.Equal(t, "Run", r.Avatars[0].MovingClip)

	opts := r.PoolOptions()
	assert.Len(t, opts.Models, 4)
	require.Len(t, opts.Clips, 4)
	assert.Equal(t, r.Avatars[0].IdleClip, opts.Clips[0].Idle)
	assert.Equal(t, "Run", opts.Clips[0].Moving)
	assert.Equal(t, mgl64.Vec3{}, opts.Resting)
}

func TestParse_AppliesDefaults(t *testing.T) {
	r, err := Parse([]byte("avatars:\n  - model: a.glb\n  - model: b.glb\n"))
	require.NoError(t, err)
	assert.Equal(t, 2, r.MaxUserCount())
	assert.Equal(t, 3*time.Second, r.BubbleTTL)
	assert.Equal(t, 5.0, r.Motion.Velocity)
}

func TestParse_CollectsAllViolations(t *testing.T) {
	_, err := Parse([]byte("avatars:\n  - model: \"\"\nmotion:\n  velocity: -1\nbubble_ttl: -2s\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "avatars[0].model")
	assert.Contains(t, err.Error(), "motion.velocity")
	assert.Contains(t, err.Error(), "bubble_ttl")
}

func TestParse_Empty(t *testing.T) {
	_, err := Parse([]byte("resting: {x: 1}\n"))
	assert.ErrorContains(t, err, "avatars must not be empty")
}

func TestParse_Malformed(t *testing.T) {
	_, err := Parse([]byte("avatars: [\n"))
	assert.Error(t, err)
}

func TestLoadRoster_MissingFile(t *testing.T) {
	_, err := LoadRoster(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
