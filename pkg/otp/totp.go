// Package otp derives the 6-digit time-based codes the platform's second
// factor expects. Codes are only valid inside their 30-second window, so
// callers must generate them immediately before submission.
package otp

import (
	"fmt"
	"strings"
	"time"

	otplib "github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// Period is the standard TOTP time step.
const Period = 30

// NormalizeSecret converts a user-supplied shared secret into canonical
// base32: whitespace and hyphens stripped, case normalized. Authenticator
// setup screens commonly render secrets in grouped lowercase.
func NormalizeSecret(secret string) string {
	s := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r', '-':
			return -1
		}
		return r
	}, secret)
	return strings.ToUpper(s)
}

// Code returns the 6-digit code for the current 30-second window.
func Code(secret string) (string, error) {
	return CodeAt(secret, time.Now())
}

// CodeAt returns the 6-digit code for the window containing t. Pure function;
// exposed separately so window behavior is testable with fixed times.
func CodeAt(secret string, t time.Time) (string, error) {
	normalized := NormalizeSecret(secret)
	if normalized == "" {
		return "", fmt.Errorf("otp: empty secret")
	}

	code, err := totp.GenerateCodeCustom(normalized, t, totp.ValidateOpts{
		Period:    Period,
		Digits:    otplib.DigitsSix,
		Algorithm: otplib.AlgorithmSHA1,
	})
	if err != nil {
		return "", fmt.Errorf("otp: failed to generate code: %w", err)
	}
	return code, nil
}
