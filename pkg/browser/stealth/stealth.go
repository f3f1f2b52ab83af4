// Package stealth normalizes a browser session's fingerprint. The goal is a
// profile that looks like an ordinary desktop Chrome install, applied
// consistently at the CDP level and in the page's JS environment.
package stealth

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	jsoniter "github.com/json-iterator/go"
)

//go:embed evasions.js
var evasionsScript string

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Brand is one entry of the Sec-CH-UA brand list.
type Brand struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Persona is the coherent identity a session presents. Every value the page
// can observe should agree with every other: UA string, client hints, screen,
// locale and timezone.
type Persona struct {
	UserAgent string   `json:"userAgent"`
	Platform  string   `json:"platform"`
	Languages []string `json:"languages"`

	TimezoneID string `json:"timezoneId,omitempty"`
	Locale     string `json:"locale,omitempty"`

	ScreenWidth         int64 `json:"screenWidth"`
	ScreenHeight        int64 `json:"screenHeight"`
	ColorDepth          int   `json:"colorDepth,omitempty"`
	HardwareConcurrency int64 `json:"hardwareConcurrency,omitempty"`
	DeviceMemory        int   `json:"deviceMemory,omitempty"`

	WebGLVendor   string `json:"webGLVendor,omitempty"`
	WebGLRenderer string `json:"webGLRenderer,omitempty"`
	NoiseSeed     int64  `json:"noiseSeed,omitempty"`

	BrandPlatform   string  `json:"brandPlatform,omitempty"`
	PlatformVersion string  `json:"platformVersion,omitempty"`
	Architecture    string  `json:"architecture,omitempty"`
	Bitness         string  `json:"bitness,omitempty"`
	Brands          []Brand `json:"brands,omitempty"`
}

// DefaultPersona returns a common Windows desktop Chrome profile. The noise
// seed keeps canvas readouts stable within a session but distinct across
// sessions.
func DefaultPersona(noiseSeed int64) Persona {
	return Persona{
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
			"(KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		Platform:            "Win32",
		Languages:           []string{"en-US", "en"},
		TimezoneID:          "America/New_York",
		Locale:              "en-US",
		ScreenWidth:         1920,
		ScreenHeight:        1080,
		ColorDepth:          24,
		HardwareConcurrency: 8,
		DeviceMemory:        8,
		WebGLVendor:         "Google Inc. (NVIDIA)",
		WebGLRenderer:       "ANGLE (NVIDIA, NVIDIA GeForce GTX 1660 Direct3D11 vs_5_0 ps_5_0, D3D11)",
		NoiseSeed:           noiseSeed,
		BrandPlatform:       "Windows",
		PlatformVersion:     "10.0.0",
		Architecture:        "x86",
		Bitness:             "64",
		Brands: []Brand{
			{Name: "Not/A)Brand", Version: "8"},
			{Name: "Chromium", Version: "126"},
			{Name: "Google Chrome", Version: "126"},
		},
	}
}

// Apply installs the persona on a fresh tab. Must run before the first
// navigation so the injected script precedes any page code.
func Apply(persona Persona, logger *zap.Logger) chromedp.Action {
	l := logger.Named("stealth")
	return chromedp.Tasks{
		network.Enable(),
		applyNetworkIdentity(persona),
		applyEmulation(persona),
		injectEvasions(persona),
		page.SetWebLifecycleState(page.WebLifecycleStateActive),
		chromedp.ActionFunc(func(ctx context.Context) error {
			l.Debug("persona applied", zap.String("user_agent", persona.UserAgent))
			return nil
		}),
	}
}

// applyNetworkIdentity sets the UA override with client hint metadata and the
// matching Accept-Language header.
func applyNetworkIdentity(p Persona) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		override := emulation.SetUserAgentOverride(p.UserAgent).
			WithPlatform(p.Platform).
			WithAcceptLanguage(strings.Join(p.Languages, ","))

		if len(p.Brands) > 0 {
			brands := make([]*emulation.UserAgentBrandVersion, len(p.Brands))
			for i, b := range p.Brands {
				brands[i] = &emulation.UserAgentBrandVersion{Brand: b.Name, Version: b.Version}
			}
			override = override.WithUserAgentMetadata(&emulation.UserAgentMetadata{
				Brands:          brands,
				Platform:        p.BrandPlatform,
				PlatformVersion: p.PlatformVersion,
				Architecture:    p.Architecture,
				Bitness:         p.Bitness,
				Mobile:          false,
			})
		}
		if err := override.Do(ctx); err != nil {
			return fmt.Errorf("stealth: user agent override: %w", err)
		}

		if len(p.Languages) > 0 {
			headers := network.Headers{"Accept-Language": acceptLanguage(p.Languages)}
			if err := network.SetExtraHTTPHeaders(headers).Do(ctx); err != nil {
				return fmt.Errorf("stealth: accept-language header: %w", err)
			}
		}
		return nil
	})
}

// acceptLanguage renders a language list with descending q-values, floored
// at 0.7 the way real Chrome does for short lists.
func acceptLanguage(langs []string) string {
	out := langs[0]
	for i := 1; i < len(langs); i++ {
		q := 1.0 - float64(i)*0.1
		if q < 0.7 {
			q = 0.7
		}
		out += fmt.Sprintf(",%s;q=%.1f", langs[i], q)
	}
	return out
}

// applyEmulation covers everything CDP can override directly: the automation
// flag, focus, screen geometry, timezone, locale and hardware concurrency.
func applyEmulation(p Persona) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := emulation.SetAutomationOverride(false).Do(ctx); err != nil {
			return fmt.Errorf("stealth: automation override: %w", err)
		}
		if err := emulation.SetFocusEmulationEnabled(true).Do(ctx); err != nil {
			return fmt.Errorf("stealth: focus emulation: %w", err)
		}

		if p.ScreenWidth > 0 && p.ScreenHeight > 0 {
			err := emulation.SetDeviceMetricsOverride(p.ScreenWidth, p.ScreenHeight, 1.0, false).
				WithScreenOrientation(&emulation.ScreenOrientation{
					Type:  emulation.OrientationTypeLandscapePrimary,
					Angle: 0,
				}).Do(ctx)
			if err != nil {
				return fmt.Errorf("stealth: device metrics: %w", err)
			}
		}
		if p.TimezoneID != "" {
			if err := emulation.SetTimezoneOverride(p.TimezoneID).Do(ctx); err != nil {
				return fmt.Errorf("stealth: timezone: %w", err)
			}
		}
		if locale := p.localeTag(); locale != "" {
			if err := emulation.SetLocaleOverride().WithLocale(locale).Do(ctx); err != nil {
				return fmt.Errorf("stealth: locale: %w", err)
			}
		}
		if p.HardwareConcurrency > 0 {
			if err := emulation.SetHardwareConcurrencyOverride(p.HardwareConcurrency).Do(ctx); err != nil {
				return fmt.Errorf("stealth: hardware concurrency: %w", err)
			}
		}
		return nil
	})
}

func (p Persona) localeTag() string {
	locale := p.Locale
	if locale == "" && len(p.Languages) > 0 {
		locale = p.Languages[0]
	}
	return strings.ReplaceAll(locale, "_", "-")
}

// injectEvasions registers the JS layer, parameterized by the persona, to run
// on every new document.
func injectEvasions(p Persona) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		personaJSON, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("stealth: marshal persona: %w", err)
		}
		script := fmt.Sprintf("const __BRIDGE_PERSONA = %s;\n%s", personaJSON, evasionsScript)
		if _, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx); err != nil {
			return fmt.Errorf("stealth: register evasion script: %w", err)
		}
		return nil
	})
}
