// Package flow runs the login session state machine. Each session owns one
// browser page and walks it from launch through login, optional 2FA, and
// token capture, ending in success or failed.
package flow

// State is a session's position in the login flow.
type State string

const (
	// StateLaunching covers browser startup and the first navigation.
	StateLaunching State = "launching"
	// StateLoggingIn covers automated credential entry on the login form.
	StateLoggingIn State = "logging_in"
	// StateWaitingManualLogin waits for the auth cookie to appear. Entered
	// when no credentials were supplied, or when automated entry finished
	// without producing either the cookie or a challenge.
	StateWaitingManualLogin State = "waiting_manual_login"
	// StateNeeds2FA means a verification challenge is on screen and the
	// session wants a code.
	StateNeeds2FA State = "needs_2fa"
	// StateSubmitting2FA covers typing and submitting a verification code.
	StateSubmitting2FA State = "submitting_2fa"
	// StateCapturingToken means login completed and the session is hunting
	// for an access token in network traffic.
	StateCapturingToken State = "capturing_token"
	// StateSuccess is terminal: a validated credential exists.
	StateSuccess State = "success"
	// StateFailed is terminal: the session gave up, see the error message.
	StateFailed State = "failed"
)

// Terminal reports whether the session is finished.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailed
}

// transitions lists the legal forward edges. Failed is reachable from every
// non-terminal state and is handled separately in canTransition.
var transitions = map[State][]State{
	StateLaunching:          {StateLoggingIn},
	StateLoggingIn:          {StateWaitingManualLogin, StateNeeds2FA},
	StateWaitingManualLogin: {StateCapturingToken},
	StateNeeds2FA:           {StateSubmitting2FA},
	StateSubmitting2FA:      {StateCapturingToken, StateNeeds2FA},
	StateCapturingToken:     {StateSuccess},
}

// canTransition reports whether moving from one state to another is legal.
func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
