package humanoid

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// boxToDimensions returns the centroid, width and height of a DOM BoxModel
// quadrilateral.
func boxToDimensions(box *dom.BoxModel) (center Vector2D, width, height float64, ok bool) {
	if box == nil || len(box.Content) < 8 {
		return Vector2D{}, 0, 0, false
	}
	center = Vector2D{
		X: (box.Content[0] + box.Content[2] + box.Content[4] + box.Content[6]) / 4,
		Y: (box.Content[1] + box.Content[3] + box.Content[5] + box.Content[7]) / 4,
	}
	return center, float64(box.Width), float64(box.Height), true
}

// clickPoint picks a click target inside the element box, offset from the
// exact center. Uniform dead-center clicks are a fingerprint of their own.
func (h *Humanoid) clickPoint(center Vector2D, width, height float64) Vector2D {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Offset within the middle 60% of the box, excluding a small dead zone
	// around the centroid.
	offX := (h.rng.Float64() - 0.5) * width * 0.6
	offY := (h.rng.Float64() - 0.5) * height * 0.6
	if math.Abs(offX) < 1.0 {
		offX = math.Copysign(1.0+h.rng.Float64()*2.0, h.rng.Float64()-0.5)
	}
	if math.Abs(offY) < 1.0 {
		offY = math.Copysign(1.0+h.rng.Float64()*2.0, h.rng.Float64()-0.5)
	}
	return center.Add(Vector2D{X: offX, Y: offY})
}

// path generates a quadratic Bezier trajectory from start to end with a
// randomized number of intermediate steps and a bowed control point.
func (h *Humanoid) path(start, end Vector2D) []Vector2D {
	h.mu.Lock()
	steps := h.cfg.MoveStepsMin
	if h.cfg.MoveStepsMax > h.cfg.MoveStepsMin {
		steps += h.rng.Intn(h.cfg.MoveStepsMax - h.cfg.MoveStepsMin + 1)
	}
	bow := (h.rng.Float64() - 0.5) * 2.0
	h.mu.Unlock()

	dist := start.Dist(end)
	if dist < 1.0 || steps < 2 {
		return []Vector2D{end}
	}

	// Control point perpendicular to the main direction, bowed up to 20% of
	// the travel distance.
	mid := start.Add(end.Sub(start).Mul(0.5))
	dir := end.Sub(start).Normalize()
	perp := Vector2D{X: -dir.Y, Y: dir.X}
	ctrl := mid.Add(perp.Mul(bow * dist * 0.2))

	points := make([]Vector2D, 0, steps)
	for i := 1; i <= steps; i++ {
		t := float64(i) / float64(steps)
		inv := 1.0 - t
		p := start.Mul(inv * inv).
			Add(ctrl.Mul(2 * inv * t)).
			Add(end.Mul(t * t))
		points = append(points, p)
	}
	return points
}

// tremor adds small Gaussian noise to a trajectory point, simulating motor
// tremor.
func (h *Humanoid) tremor(p Vector2D) Vector2D {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Vector2D{
		X: p.X + h.rng.NormFloat64()*h.cfg.TremorStrength,
		Y: p.Y + h.rng.NormFloat64()*h.cfg.TremorStrength,
	}
}

// moveTo walks the cursor along a humanized path to the target, dispatching
// MouseMoved events with jittered pacing.
func (h *Humanoid) moveTo(ctx context.Context, target Vector2D) error {
	h.mu.Lock()
	start := h.currentPos
	if !h.hasPos {
		// First movement of the session starts from a plausible resting spot
		// rather than (0,0).
		start = Vector2D{X: 120 + h.rng.Float64()*200, Y: 120 + h.rng.Float64()*200}
	}
	h.mu.Unlock()

	for _, point := range h.path(start, target) {
		if err := ctx.Err(); err != nil {
			return err
		}
		noisy := h.tremor(point)
		if err := input.DispatchMouseEvent(input.MouseMoved, noisy.X, noisy.Y).Do(ctx); err != nil {
			h.logger.Debug("mouse move dispatch failed", zap.Error(err))
			return err
		}
		// Browser event loop pacing, 4-12ms between dispatches.
		if err := h.Pause(ctx, 4, 12); err != nil {
			return err
		}
	}

	h.mu.Lock()
	h.currentPos = target
	h.hasPos = true
	h.mu.Unlock()
	return nil
}

// Click moves the pointer to the element matched by selector along a
// randomized path and clicks at a randomized offset within its bounding box.
func (h *Humanoid) Click(selector string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		box, err := h.elementBox(ctx, selector)
		if err != nil {
			return err
		}
		center, width, height, ok := boxToDimensions(box)
		if !ok {
			return fmt.Errorf("humanoid: element %q has no geometry", selector)
		}

		target := h.clickPoint(center, width, height)
		if err := h.moveTo(ctx, target); err != nil {
			return err
		}
		// Settle before pressing.
		if err := h.Pause(ctx, 60, 180); err != nil {
			return err
		}

		if err := input.DispatchMouseEvent(input.MousePressed, target.X, target.Y).
			WithButton(input.MouseButtonLeft).
			WithClickCount(1).
			Do(ctx); err != nil {
			return fmt.Errorf("humanoid: mousedown failed: %w", err)
		}
		if err := h.Pause(ctx, h.cfg.ClickHoldMinMs, h.cfg.ClickHoldMaxMs); err != nil {
			return err
		}
		if err := input.DispatchMouseEvent(input.MouseReleased, target.X, target.Y).
			WithButton(input.MouseButtonLeft).
			WithClickCount(1).
			Do(ctx); err != nil {
			return fmt.Errorf("humanoid: mouseup failed: %w", err)
		}
		return nil
	})
}

// elementBox finds the first visible node for selector and retrieves its
// BoxModel, retrying through transient zero-geometry states.
func (h *Humanoid) elementBox(ctx context.Context, selector string) (*dom.BoxModel, error) {
	var nodes []*cdp.Node
	if err := chromedp.Nodes(selector, &nodes, chromedp.ByQuery, chromedp.WaitVisible).Do(ctx); err != nil {
		return nil, fmt.Errorf("humanoid: no visible node for %q: %w", selector, err)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("humanoid: selector %q matched no nodes", selector)
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		box, err := dom.GetBoxModel().WithNodeID(nodes[0].NodeID).Do(ctx)
		if err == nil && box != nil && len(box.Content) >= 8 && box.Width > 0 && box.Height > 0 {
			return box, nil
		}
		if err == nil {
			err = fmt.Errorf("element has no geometric representation")
		}
		lastErr = err
		select {
		case <-time.After(time.Duration(50*(attempt+1)) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("humanoid: failed to get element box for %q: %w", selector, lastErr)
}
