package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"pgregory.net/rapid"

	"github.com/sharediary/diary3d/internal/client/avatar"
	"github.com/sharediary/diary3d/internal/client/game"
)

func TestRandomWalk_GatedByInterval(t *testing.T) {
	now := time.Unix(0, 0)
	w := newRandomWalk(5, time.Second)
	w.now = func() time.Time { return now }

	p, ok := w.NextIntent()
	require.True(t, ok)
	require.NotNil(t, p)

	_, ok = w.NextIntent()
	assert.False(t, ok)

	now = now.Add(time.Second)
	_, ok = w.NextIntent()
	assert.True(t, ok)
}

func TestRandomWalk_DisabledWithoutRadius(t *testing.T) {
	_, ok := newRandomWalk(0, time.Second).NextIntent()
	assert.False(t, ok)
}

func TestProperty_RandomWalkStaysOnGroundWithinRadius(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		radius := rapid.Float64Range(0.1, 100).Draw(t, "radius")
		w := newRandomWalk(radius, time.Nanosecond)
		p, ok := w.NextIntent()
		if !ok {
			t.Fatal("first pick must succeed")
		}
		if p.Y() != 0 {
			t.Fatalf("pick %v left the ground plane", p)
		}
		if d := p.Len(); d > radius+1e-9 {
			t.Fatalf("pick %v at distance %v exceeds radius %v", p, d, radius)
		}
	})
}

func TestLogRenderer_LogsOnlyChanges(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r := &logRenderer{logger: zap.New(core)}

	self := game.AvatarView{Index: 0, Binding: avatar.Binding{Kind: avatar.BoundSelf}}
	r.Render([]game.AvatarView{self})
	r.Render([]game.AvatarView{self})
	assert.Equal(t, 1, logs.Len())

	self.Bubble = "hi"
	r.Render([]game.AvatarView{self})
	require.Equal(t, 2, logs.Len())
	assert.Contains(t, logs.All()[1].ContextMap()["slots"], `"hi"`)

	self.Clip = "Run"
	r.Render([]game.AvatarView{self})
	require.Equal(t, 3, logs.Len())
	assert.Contains(t, logs.All()[2].ContextMap()["slots"], "[Run]")
}

func TestConsoleNotifier(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	n := consoleNotifier{logger: zap.New(core)}
	n.Notice("The space is full (4 participants). Continuing offline.")
	n.ReloadPrompt()
	assert.Equal(t, 2, logs.Len())
}
