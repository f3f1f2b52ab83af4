package humanoid

import (
	"context"
	"fmt"
	"unicode"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
)

// Basic mapping for US QWERTY layout virtual key codes, required for raw
// key events.
var keyToVK = map[rune]int64{
	'a': 0x41, 'b': 0x42, 'c': 0x43, 'd': 0x44, 'e': 0x45, 'f': 0x46,
	'g': 0x47, 'h': 0x48, 'i': 0x49, 'j': 0x4A, 'k': 0x4B, 'l': 0x4C,
	'm': 0x4D, 'n': 0x4E, 'o': 0x4F, 'p': 0x50, 'q': 0x51, 'r': 0x52,
	's': 0x53, 't': 0x54, 'u': 0x55, 'v': 0x56, 'w': 0x57, 'x': 0x58,
	'y': 0x59, 'z': 0x5A,
	'0': 0x30, '1': 0x31, '2': 0x32, '3': 0x33, '4': 0x34,
	'5': 0x35, '6': 0x36, '7': 0x37, '8': 0x38, '9': 0x39,
	' ': 0x20, '\b': 0x08, '\r': 0x0D, '\n': 0x0D,
	';': 0xBA, '=': 0xBB, ',': 0xBC, '-': 0xBD, '.': 0xBE, '/': 0xBF,
	'`': 0xC0, '[': 0xDB, '\\': 0xDC, ']': 0xDD, '\'': 0xDE,
}

// needsShift reports whether the character requires the Shift key on a
// standard US QWERTY layout.
func needsShift(key rune) bool {
	if unicode.IsLetter(key) && unicode.IsUpper(key) {
		return true
	}
	switch key {
	case '!', '@', '#', '$', '%', '^', '&', '*', '(', ')', '_', '+',
		'{', '}', '|', ':', '"', '<', '>', '?', '~':
		return true
	default:
		return false
	}
}

// KeyDelay returns the randomized inter-key delay for the given character:
// alphanumerics are fast, shifted characters and punctuation pay a reach
// penalty.
func (h *Humanoid) KeyDelay(key rune) (minMs, maxMs int) {
	minMs, maxMs = h.cfg.KeyDelayMinMs, h.cfg.KeyDelayMaxMs
	if needsShift(key) || (!unicode.IsLetter(key) && !unicode.IsDigit(key) && key != ' ') {
		minMs += h.cfg.ShiftPenaltyMs
		maxMs += h.cfg.ShiftPenaltyMs
	}
	return minMs, maxMs
}

// Type focuses the element matched by selector with a humanized click and
// then decomposes text into per-character key events with randomized
// inter-key delays.
func (h *Humanoid) Type(selector string, text string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := chromedp.WaitVisible(selector).Do(ctx); err != nil {
			return fmt.Errorf("humanoid: element %q not visible: %w", selector, err)
		}
		if err := h.Click(selector).Do(ctx); err != nil {
			return fmt.Errorf("humanoid: failed to focus %q: %w", selector, err)
		}
		// A person pauses after focusing a field before typing starts.
		if err := h.Pause(ctx, 150, 400); err != nil {
			return err
		}

		for _, key := range text {
			minMs, maxMs := h.KeyDelay(key)
			if err := h.Pause(ctx, minMs, maxMs); err != nil {
				return err
			}
			if err := h.sendKey(ctx, key); err != nil {
				return fmt.Errorf("humanoid: failed to send key %q: %w", key, err)
			}
		}
		return nil
	})
}

// sendKey dispatches a single key with a realistic hold time
// (KeyDown -> pause -> KeyUp).
func (h *Humanoid) sendKey(ctx context.Context, key rune) error {
	text := string(key)
	var modifiers input.Modifier
	if needsShift(key) {
		modifiers = input.ModifierShift
	}

	keyCode := keyToVK[unicode.ToLower(key)]

	downType := input.KeyEventTypeRawKeyDown
	if unicode.IsPrint(key) {
		downType = input.KeyEventTypeKeyDown
	}

	downEvent := input.DispatchKeyEvent(downType).
		WithModifiers(modifiers).
		WithWindowsVirtualKeyCode(keyCode).
		WithKey(text)
	if downType == input.KeyEventTypeKeyDown {
		downEvent = downEvent.WithText(text)
	}
	if err := downEvent.Do(ctx); err != nil {
		return fmt.Errorf("keydown failed: %w", err)
	}

	if err := h.Pause(ctx, 20, 80); err != nil {
		// Release the key even when the hold is interrupted.
		_ = input.DispatchKeyEvent(input.KeyEventTypeKeyUp).
			WithModifiers(modifiers).
			WithWindowsVirtualKeyCode(keyCode).
			WithKey(text).
			Do(context.Background())
		return err
	}

	return input.DispatchKeyEvent(input.KeyEventTypeKeyUp).
		WithModifiers(modifiers).
		WithWindowsVirtualKeyCode(keyCode).
		WithKey(text).
		Do(ctx)
}
