package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testDetector() *ChallengeDetector {
	return NewChallengeDetector(
		[]string{"/checkpoint/", "/two_step_verification/", "login_attempt"},
		[]string{"enter the code", "approve your login", "confirm your identity"},
	)
}

func TestDetect_URLHint(t *testing.T) {
	d := testDetector()
	hit, hint := d.Detect("https://www.platform.test/checkpoint/?next=home", "anything")
	assert.True(t, hit)
	assert.Equal(t, "url:/checkpoint/", hint)
}

func TestDetect_TextHint(t *testing.T) {
	d := testDetector()
	hit, hint := d.Detect("https://www.platform.test/home", "Please Enter The Code we sent to your phone")
	assert.True(t, hit)
	assert.Equal(t, "text:enter the code", hint)
}

func TestDetect_URLWinsOverText(t *testing.T) {
	d := testDetector()
	hit, hint := d.Detect("https://www.platform.test/CHECKPOINT/", "enter the code")
	assert.True(t, hit)
	assert.Equal(t, "url:/checkpoint/", hint)
}

func TestDetect_NoMatch(t *testing.T) {
	d := testDetector()
	hit, hint := d.Detect("https://www.platform.test/adsmanager/", "campaign overview")
	assert.False(t, hit)
	assert.Empty(t, hint)
}

func TestDetect_BlankHintsIgnored(t *testing.T) {
	d := NewChallengeDetector([]string{"  ", ""}, []string{""})
	hit, _ := d.Detect("https://anything", "anything")
	assert.False(t, hit)
}
