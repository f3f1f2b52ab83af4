package flow

import (
	"context"

	"github.com/xkilldash9x/tokenbridge/pkg/credstore"
	"github.com/xkilldash9x/tokenbridge/pkg/identity"
)

// Page is the browser surface the driver works against. The concrete
// implementation lives in pkg/browser; tests use fakes.
type Page interface {
	// Start launches the browser, applies fingerprint normalization,
	// attaches network observation, and lands on the login page.
	Start(ctx context.Context) error
	// Navigate loads a URL in the existing tab.
	Navigate(ctx context.Context, url string) error
	// FillLogin types the credentials into the login form and submits it
	// with humanized input.
	FillLogin(ctx context.Context, email, password string) error
	// SubmitCode enters a verification code into whichever challenge input
	// is present and submits it.
	SubmitCode(ctx context.Context, code string) error
	// HasAuthCookie reports whether the platform's session cookie exists.
	HasAuthCookie(ctx context.Context) (bool, error)
	// Location returns the current URL and visible page text.
	Location(ctx context.Context) (url string, text string, err error)
	// Screenshot captures the viewport as PNG.
	Screenshot(ctx context.Context) ([]byte, error)
	// Close tears the browser down. Safe to call more than once.
	Close() error
}

// TokenSource exposes the candidates a network scanner has collected so far.
type TokenSource interface {
	Latest() string
	Candidates() []string
	Count() int
}

// Capturer turns observed traffic into one validated token. Implemented by
// the capture orchestrator.
type Capturer interface {
	Capture(ctx context.Context) (token string, ident identity.Identity, err error)
}

// CredentialSink receives the finished credential. Usually a credstore.Store.
type CredentialSink interface {
	Save(ctx context.Context, cred credstore.Credential) error
}
