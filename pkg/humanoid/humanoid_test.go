package humanoid

import (
	"context"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/tokenbridge/internal/config"
)

func testConfig() config.HumanoidConfig {
	return config.HumanoidConfig{
		KeyDelayMinMs:  40,
		KeyDelayMaxMs:  160,
		ShiftPenaltyMs: 90,
		MoveStepsMin:   12,
		MoveStepsMax:   28,
		TremorStrength: 0.6,
		ClickHoldMinMs: 50,
		ClickHoldMaxMs: 150,
	}
}

func newTestHumanoid(seed int64) *Humanoid {
	return New(zap.NewNop(), testConfig(), rand.New(rand.NewSource(seed)))
}

func TestKeyDelay_ShiftedCharsAreSlower(t *testing.T) {
	h := newTestHumanoid(1)

	minPlain, maxPlain := h.KeyDelay('a')
	minShift, maxShift := h.KeyDelay('A')
	minPunct, maxPunct := h.KeyDelay('!')

	assert.Equal(t, 40, minPlain)
	assert.Equal(t, 160, maxPlain)
	assert.Equal(t, minPlain+90, minShift)
	assert.Equal(t, maxPlain+90, maxShift)
	assert.Equal(t, minShift, minPunct)
	assert.Equal(t, maxShift, maxPunct)
}

func TestKeyDelay_DigitsAndSpaceAreFast(t *testing.T) {
	h := newTestHumanoid(1)
	for _, r := range []rune{'7', ' ', 'z'} {
		minMs, maxMs := h.KeyDelay(r)
		assert.Equal(t, 40, minMs, "rune %q", r)
		assert.Equal(t, 160, maxMs, "rune %q", r)
	}
}

func TestJitter_StaysWithinBounds(t *testing.T) {
	h := newTestHumanoid(42)
	for i := 0; i < 500; i++ {
		d := h.jitterMs(40, 160)
		assert.GreaterOrEqual(t, d, 40*time.Millisecond)
		assert.LessOrEqual(t, d, 160*time.Millisecond)
	}
}

func TestPause_RespectsCancellation(t *testing.T) {
	h := newTestHumanoid(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.Pause(ctx, 5000, 6000)
	require.ErrorIs(t, err, context.Canceled)
}

func TestClickPoint_NeverExactCenter(t *testing.T) {
	h := newTestHumanoid(7)
	center := Vector2D{X: 400, Y: 300}

	for i := 0; i < 1000; i++ {
		p := h.clickPoint(center, 120, 40)
		assert.False(t, p.X == center.X && p.Y == center.Y, "hit exact center on iteration %d", i)
		// Stays inside the element box.
		assert.InDelta(t, center.X, p.X, 60)
		assert.InDelta(t, center.Y, p.Y, 20)
	}
}

func TestPath_RandomizedStepCountWithinBounds(t *testing.T) {
	h := newTestHumanoid(11)
	start := Vector2D{X: 10, Y: 10}
	end := Vector2D{X: 500, Y: 400}

	seen := map[int]bool{}
	for i := 0; i < 100; i++ {
		pts := h.path(start, end)
		require.GreaterOrEqual(t, len(pts), 12)
		require.LessOrEqual(t, len(pts), 28)
		seen[len(pts)] = true

		// Path terminates exactly at the target.
		last := pts[len(pts)-1]
		assert.InDelta(t, end.X, last.X, 1e-6)
		assert.InDelta(t, end.Y, last.Y, 1e-6)
	}
	assert.Greater(t, len(seen), 1, "step count should vary between movements")
}

func TestPath_TrivialDistanceShortCircuits(t *testing.T) {
	h := newTestHumanoid(3)
	pts := h.path(Vector2D{X: 5, Y: 5}, Vector2D{X: 5.2, Y: 5.1})
	assert.Len(t, pts, 1)
}

func TestTremor_BoundedNoise(t *testing.T) {
	h := newTestHumanoid(13)
	p := Vector2D{X: 100, Y: 100}
	for i := 0; i < 200; i++ {
		n := h.tremor(p)
		// 6 sigma of the configured 0.6 tremor strength.
		assert.Less(t, math.Abs(n.X-p.X), 4.0)
		assert.Less(t, math.Abs(n.Y-p.Y), 4.0)
	}
}

func TestVector2D(t *testing.T) {
	a := Vector2D{X: 3, Y: 4}
	assert.InDelta(t, 5.0, a.Mag(), 1e-9)
	assert.InDelta(t, 1.0, a.Normalize().Mag(), 1e-9)
	assert.Equal(t, Vector2D{X: 4, Y: 6}, a.Add(Vector2D{X: 1, Y: 2}))
	assert.Equal(t, Vector2D{X: 2, Y: 2}, a.Sub(Vector2D{X: 1, Y: 2}))
	assert.InDelta(t, 0.0, Vector2D{}.Normalize().Mag(), 1e-9)
}
