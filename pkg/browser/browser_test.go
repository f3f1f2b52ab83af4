package browser

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseFlag(t *testing.T) {
	cases := []struct {
		arg   string
		name  string
		value interface{}
	}{
		{"--lang=de", "lang", "de"},
		{"--mute-audio", "mute-audio", true},
		{"proxy-server=socks5://127.0.0.1:9050", "proxy-server", "socks5://127.0.0.1:9050"},
		{"--force-color-profile=srgb", "force-color-profile", "srgb"},
	}
	for _, tc := range cases {
		name, value := parseFlag(tc.arg)
		assert.Equal(t, tc.name, name, tc.arg)
		assert.Equal(t, tc.value, value, tc.arg)
	}
}
