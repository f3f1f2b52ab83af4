package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/tokenbridge/pkg/credstore"
	"github.com/xkilldash9x/tokenbridge/pkg/otp"
)

var (
	// ErrWrongState means the operation does not apply to the session's
	// current state. The API maps it to 409.
	ErrWrongState = errors.New("operation not valid in current state")
	// ErrSessionDone means the session already reached a terminal state.
	ErrSessionDone = errors.New("session already finished")
)

// Credentials are held in driver memory for the session's lifetime only.
// They are never part of the stored credential record.
type Credentials struct {
	Email     string
	Password  string
	OTPSecret string
}

// Manual reports whether the operator will log in by hand.
func (c Credentials) Manual() bool {
	return c.Email == "" && c.Password == ""
}

// Options tune the driver's waiting behavior. Zero values pick defaults
// suitable for a real browser; tests shrink them.
type Options struct {
	// PollInterval is the gap between auth cookie checks.
	PollInterval time.Duration
	// LoginTimeout bounds the whole pre-capture phase.
	LoginTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.LoginTimeout <= 0 {
		o.LoginTimeout = 10 * time.Minute
	}
}

// Status is a point-in-time snapshot for pollers.
type Status struct {
	ID          string    `json:"id"`
	State       State     `json:"state"`
	Error       string    `json:"error,omitempty"`
	TokenCount  int       `json:"token_count"`
	AccountName string    `json:"account_name,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type cmdKind int

const (
	cmdSubmitCode cmdKind = iota
	cmdFinish
)

type command struct {
	kind  cmdKind
	code  string
	reply chan cmdResult
}

type cmdResult struct {
	cred credstore.Credential
	err  error
}

// Driver runs one session. All browser work happens on the Run goroutine;
// public methods communicate with it over a command channel so there is a
// single writer to the page.
type Driver struct {
	id       string
	creds    Credentials
	page     Page
	tokens   TokenSource
	capturer Capturer
	detector *ChallengeDetector
	sink     CredentialSink
	opts     Options
	logger   *zap.Logger

	mu         sync.RWMutex
	state      State
	stateErr   string
	updatedAt  time.Time
	credential *credstore.Credential

	cmds   chan command
	done   chan struct{}
	cancel context.CancelFunc
}

// NewDriver wires a driver for one session. Run must be called exactly once.
func NewDriver(id string, creds Credentials, page Page, tokens TokenSource,
	capturer Capturer, detector *ChallengeDetector, sink CredentialSink,
	opts Options, logger *zap.Logger) *Driver {

	opts.setDefaults()
	return &Driver{
		id:        id,
		creds:     creds,
		page:      page,
		tokens:    tokens,
		capturer:  capturer,
		detector:  detector,
		sink:      sink,
		opts:      opts,
		logger:    logger.Named("flow").With(zap.String("session_id", id)),
		state:     StateLaunching,
		updatedAt: time.Now(),
		cmds:      make(chan command),
		done:      make(chan struct{}),
	}
}

// ID returns the session id.
func (d *Driver) ID() string { return d.id }

// Run drives the session to a terminal state. It blocks; callers run it in
// its own goroutine.
func (d *Driver) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()

	defer close(d.done)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("session driver panicked", zap.Any("panic", r))
			d.fail(fmt.Sprintf("internal error: %v", r))
		}
		if err := d.page.Close(); err != nil {
			d.logger.Warn("browser close failed", zap.Error(err))
		}
	}()

	if err := d.run(ctx); err != nil {
		if ctx.Err() != nil {
			d.fail("session cancelled")
		} else {
			d.fail(err.Error())
		}
		return
	}
}

func (d *Driver) run(ctx context.Context) error {
	d.logger.Info("session starting", zap.Bool("manual_login", d.creds.Manual()))

	if err := d.page.Start(ctx); err != nil {
		return fmt.Errorf("browser launch failed: %w", err)
	}
	d.setState(StateLoggingIn, "")

	if d.creds.Manual() {
		// Nothing to type; the operator drives the visible browser.
		d.setState(StateWaitingManualLogin, "")
	} else {
		if err := d.page.FillLogin(ctx, d.creds.Email, d.creds.Password); err != nil {
			return fmt.Errorf("automated login failed: %w", err)
		}
		if err := d.settleAfterSubmit(ctx); err != nil {
			return err
		}
	}

	if err := d.awaitLogin(ctx); err != nil {
		return err
	}
	return d.captureLoop(ctx)
}

// settleAfterSubmit gives the post-submission page a bounded window to show
// either the auth cookie or a verification challenge, still in logging_in.
// Neither appearing means a human needs to look at the page.
func (d *Driver) settleAfterSubmit(ctx context.Context) error {
	deadline := time.Now().Add(3 * d.opts.PollInterval)
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	for {
		ok, err := d.page.HasAuthCookie(ctx)
		if err != nil {
			d.logger.Debug("cookie check failed", zap.Error(err))
		}
		if ok {
			d.setState(StateWaitingManualLogin, "")
			return nil
		}
		if pageURL, pageText, lerr := d.page.Location(ctx); lerr == nil {
			if hit, hint := d.detector.Detect(pageURL, pageText); hit {
				d.setState(StateNeeds2FA, "")
				d.logger.Info("verification challenge detected", zap.String("hint", hint))
				return nil
			}
		}
		if time.Now().After(deadline) {
			d.setState(StateWaitingManualLogin, "")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// awaitLogin polls for the auth cookie and, after a code submission, checks
// whether the challenge page is still up. It returns with the session in
// capturing_token.
func (d *Driver) awaitLogin(ctx context.Context) error {
	deadline := time.Now().Add(d.opts.LoginTimeout)
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	autoCodeTried := false
	var detectGrace time.Time

	for {
		ok, err := d.page.HasAuthCookie(ctx)
		if err != nil {
			d.logger.Debug("cookie check failed", zap.Error(err))
		}
		if ok {
			d.setState(StateCapturingToken, "")
			d.logger.Info("login detected, capturing token")
			return nil
		}

		if d.State() == StateSubmitting2FA && time.Now().After(detectGrace) {
			if pageURL, pageText, lerr := d.page.Location(ctx); lerr == nil {
				if hit, hint := d.detector.Detect(pageURL, pageText); hit {
					d.setState(StateNeeds2FA, "verification code rejected")
					d.logger.Info("verification code rejected", zap.String("hint", hint))
				}
			}
		}

		// With a seed configured, answer the first challenge ourselves.
		// A rejection hands control back to the operator.
		if d.State() == StateNeeds2FA && d.creds.OTPSecret != "" && !autoCodeTried {
			autoCodeTried = true
			code, cerr := otp.Code(d.creds.OTPSecret)
			if cerr != nil {
				d.logger.Warn("otp generation failed", zap.Error(cerr))
			} else if serr := d.submitCode(ctx, code); serr != nil {
				d.logger.Warn("automatic code submission failed", zap.Error(serr))
			} else {
				detectGrace = time.Now().Add(3 * d.opts.PollInterval)
			}
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for login after %s", d.opts.LoginTimeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-d.cmds:
			switch cmd.kind {
			case cmdSubmitCode:
				if d.State() != StateNeeds2FA {
					cmd.reply <- cmdResult{err: ErrWrongState}
					continue
				}
				err := d.submitCode(ctx, cmd.code)
				if err == nil {
					detectGrace = time.Now().Add(3 * d.opts.PollInterval)
				}
				cmd.reply <- cmdResult{err: err}
			case cmdFinish:
				cmd.reply <- cmdResult{err: fmt.Errorf("%w: login not complete", ErrWrongState)}
			}
		case <-ticker.C:
		}
	}
}

// submitCode types and submits one verification code.
func (d *Driver) submitCode(ctx context.Context, code string) error {
	d.setState(StateSubmitting2FA, "")
	if err := d.page.SubmitCode(ctx, code); err != nil {
		d.setState(StateNeeds2FA, "code entry failed: "+err.Error())
		return fmt.Errorf("code entry failed: %w", err)
	}
	return nil
}

// captureLoop attempts token capture until it succeeds, the operator cancels,
// or the context ends. Finish commands force an immediate retry.
func (d *Driver) captureLoop(ctx context.Context) error {
	if err := d.attemptCapture(ctx); err == nil {
		return nil
	} else if ctx.Err() == nil {
		d.logger.Info("initial capture attempt unfinished", zap.Error(err))
	}

	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	lastCount := d.tokens.Count()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-d.cmds:
			switch cmd.kind {
			case cmdFinish:
				err := d.attemptCapture(ctx)
				if err != nil {
					cmd.reply <- cmdResult{err: err}
					continue
				}
				cmd.reply <- cmdResult{cred: *d.Credential()}
				return nil
			case cmdSubmitCode:
				cmd.reply <- cmdResult{err: fmt.Errorf("%w: login already complete", ErrWrongState)}
			}
		case <-ticker.C:
			// Only revalidate when the scanner saw something new.
			if n := d.tokens.Count(); n > lastCount {
				lastCount = n
				if err := d.attemptCapture(ctx); err == nil {
					return nil
				}
			}
		}
	}
}

// attemptCapture runs the capture orchestrator once and, on success, stores
// the credential and moves to success.
func (d *Driver) attemptCapture(ctx context.Context) error {
	token, ident, err := d.capturer.Capture(ctx)
	if err != nil {
		return err
	}

	cred := credstore.Credential{
		ID:          uuid.NewString(),
		SessionID:   d.id,
		Label:       ident.Name,
		AccountID:   ident.ID,
		AccountName: ident.Name,
		Token:       token,
		Source:      credstore.SourceCapture,
		CapturedAt:  time.Now().UTC(),
	}
	if err := d.sink.Save(ctx, cred); err != nil {
		// The token is still good; losing persistence should not fail
		// the session.
		d.logger.Error("credential store write failed", zap.Error(err))
	}

	d.mu.Lock()
	d.credential = &cred
	d.mu.Unlock()
	d.setState(StateSuccess, "")
	d.logger.Info("session succeeded",
		zap.String("account_id", ident.ID),
		zap.String("account_name", ident.Name))
	return nil
}

// SubmitCode hands a verification code to the session. Valid only in
// needs_2fa.
func (d *Driver) SubmitCode(ctx context.Context, code string) error {
	res, err := d.send(ctx, command{kind: cmdSubmitCode, code: code, reply: make(chan cmdResult, 1)})
	if err != nil {
		return err
	}
	return res.err
}

// Finish forces a capture attempt and returns the credential. Idempotent
// once the session has succeeded.
func (d *Driver) Finish(ctx context.Context) (credstore.Credential, error) {
	if d.State() == StateSuccess {
		return *d.Credential(), nil
	}
	res, err := d.send(ctx, command{kind: cmdFinish, reply: make(chan cmdResult, 1)})
	if err != nil {
		return credstore.Credential{}, err
	}
	return res.cred, res.err
}

// Cancel aborts the session. Terminal sessions ignore it.
func (d *Driver) Cancel() {
	d.mu.RLock()
	cancel := d.cancel
	terminal := d.state.Terminal()
	d.mu.RUnlock()
	if !terminal && cancel != nil {
		cancel()
	}
}

// Done is closed when the driver goroutine exits.
func (d *Driver) Done() <-chan struct{} { return d.done }

// Screenshot grabs the current viewport. Unavailable once terminal.
func (d *Driver) Screenshot(ctx context.Context) ([]byte, error) {
	if d.State().Terminal() {
		return nil, ErrSessionDone
	}
	return d.page.Screenshot(ctx)
}

func (d *Driver) send(ctx context.Context, cmd command) (cmdResult, error) {
	if d.State().Terminal() {
		return cmdResult{}, ErrSessionDone
	}
	select {
	case d.cmds <- cmd:
	case <-d.done:
		return cmdResult{}, ErrSessionDone
	case <-ctx.Done():
		return cmdResult{}, ctx.Err()
	}
	select {
	case res := <-cmd.reply:
		return res, nil
	case <-d.done:
		return cmdResult{}, ErrSessionDone
	case <-ctx.Done():
		return cmdResult{}, ctx.Err()
	}
}

// State returns the current state.
func (d *Driver) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Credential returns the captured credential, or nil before success.
func (d *Driver) Credential() *credstore.Credential {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.credential
}

// Snapshot returns the session status for pollers.
func (d *Driver) Snapshot() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	st := Status{
		ID:         d.id,
		State:      d.state,
		Error:      d.stateErr,
		TokenCount: d.tokens.Count(),
		UpdatedAt:  d.updatedAt,
	}
	if d.credential != nil {
		st.AccountName = d.credential.AccountName
	}
	return st
}

func (d *Driver) setState(next State, msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == next {
		d.stateErr = msg
		return
	}
	if !canTransition(d.state, next) {
		d.logger.Error("illegal state transition dropped",
			zap.String("from", string(d.state)),
			zap.String("to", string(next)))
		return
	}
	d.logger.Info("state change",
		zap.String("from", string(d.state)),
		zap.String("to", string(next)))
	d.state = next
	d.stateErr = msg
	d.updatedAt = time.Now()
}

func (d *Driver) fail(msg string) {
	d.setState(StateFailed, msg)
	d.logger.Warn("session failed", zap.String("reason", msg))
}
