// Package humanoid turns target strings and elements into sequences of
// primitive browser input events with randomized timing and paths, so the
// session's input stream does not carry the uniform signature of scripted
// automation.
package humanoid

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/tokenbridge/internal/config"
)

// Humanoid simulates human-like interaction with a browser page.
// Stateful (cursor position persists between actions) and thread safe.
type Humanoid struct {
	mu         sync.Mutex
	logger     *zap.Logger
	cfg        config.HumanoidConfig
	rng        *rand.Rand
	currentPos Vector2D
	hasPos     bool
}

// New creates a Humanoid with the given tuning. A nil rng gets a time-seeded
// source; tests inject a fixed seed for reproducibility.
func New(logger *zap.Logger, cfg config.HumanoidConfig, rng *rand.Rand) *Humanoid {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Humanoid{
		logger: logger.Named("humanoid"),
		cfg:    cfg,
		rng:    rng,
	}
}

// jitterMs returns a random duration in [minMs, maxMs].
func (h *Humanoid) jitterMs(minMs, maxMs int) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if maxMs <= minMs {
		return time.Duration(minMs) * time.Millisecond
	}
	return time.Duration(minMs+h.rng.Intn(maxMs-minMs+1)) * time.Millisecond
}

// Pause sleeps for a bounded random interval, respecting cancellation.
// Every humanization wait in the pipeline goes through here; there are no
// fixed sleeps.
func (h *Humanoid) Pause(ctx context.Context, minMs, maxMs int) error {
	return sleepContext(ctx, h.jitterMs(minMs, maxMs))
}

// sleepContext is a utility for context-aware sleeps.
func sleepContext(ctx context.Context, duration time.Duration) error {
	t := time.NewTimer(duration)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
