// Package credstore persists captured credentials. A credential is the
// validated output of a session: the token plus the identity it resolved to.
// Login passwords and OTP secrets are deliberately not part of the record.
package credstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no credential matches the query.
var ErrNotFound = errors.New("credstore: credential not found")

// Source records how a credential entered the store.
type Source string

const (
	// SourceCapture means the token was observed in live browser traffic.
	SourceCapture Source = "capture"
	// SourceDirect means an operator submitted the token through the API.
	SourceDirect Source = "direct"
)

// Credential is one validated token bound to a platform account. UseCount
// and LastError belong to the account row and survive token refreshes; the
// stores own them, Save callers leave them zero.
type Credential struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id,omitempty"`
	Label       string    `json:"label"`
	AccountID   string    `json:"account_id"`
	AccountName string    `json:"account_name"`
	Token       string    `json:"token"`
	Source      Source    `json:"source"`
	CapturedAt  time.Time `json:"captured_at"`
	UseCount    int64     `json:"use_count"`
	LastError   string    `json:"last_error,omitempty"`
}

// Store is the persistence contract. Save upserts on account id so a
// re-captured token replaces the stale one.
type Store interface {
	Save(ctx context.Context, cred Credential) error
	GetByAccountID(ctx context.Context, accountID string) (Credential, error)
	List(ctx context.Context) ([]Credential, error)
	Close()
}
