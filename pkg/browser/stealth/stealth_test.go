package stealth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcceptLanguage(t *testing.T) {
	assert.Equal(t, "en-US", acceptLanguage([]string{"en-US"}))
	assert.Equal(t, "en-US,en;q=0.9", acceptLanguage([]string{"en-US", "en"}))
	assert.Equal(t, "en-US,en;q=0.9,de;q=0.8,fr;q=0.7,es;q=0.7",
		acceptLanguage([]string{"en-US", "en", "de", "fr", "es"}))
}

func TestDefaultPersona_Consistency(t *testing.T) {
	p := DefaultPersona(42)

	// UA, legacy platform, and client hints must describe the same machine.
	assert.Contains(t, p.UserAgent, "Windows NT 10.0")
	assert.Equal(t, "Win32", p.Platform)
	assert.Equal(t, "Windows", p.BrandPlatform)
	assert.NotContains(t, p.UserAgent, "Headless")

	assert.Equal(t, int64(42), p.NoiseSeed)
	assert.Greater(t, p.ScreenWidth, p.ScreenHeight, "desktop profile is landscape")
	require.NotEmpty(t, p.Brands)
	for _, b := range p.Brands {
		assert.NotEmpty(t, b.Name)
		assert.NotEmpty(t, b.Version)
	}
}

func TestPersonaJSON_FeedsEvasionScript(t *testing.T) {
	p := DefaultPersona(7)
	raw, err := json.Marshal(p)
	require.NoError(t, err)

	// The evasion script reads these persona fields by name.
	for _, key := range []string{"webGLVendor", "webGLRenderer", "deviceMemory", "colorDepth", "noiseSeed"} {
		assert.Contains(t, string(raw), `"`+key+`"`)
		assert.Contains(t, evasionsScript, "__BRIDGE_PERSONA."+key)
	}
}

func TestLocaleTag(t *testing.T) {
	assert.Equal(t, "en-US", Persona{Locale: "en_US"}.localeTag())
	assert.Equal(t, "de-DE", Persona{Languages: []string{"de-DE"}}.localeTag())
	assert.Equal(t, "", Persona{}.localeTag())
}

func TestEvasionScript_Embedded(t *testing.T) {
	require.NotEmpty(t, evasionsScript)
	assert.True(t, strings.Contains(evasionsScript, "RTCPeerConnection"))
	assert.True(t, strings.Contains(evasionsScript, "navigator, 'plugins'"))
}
