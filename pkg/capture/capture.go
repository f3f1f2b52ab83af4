// Package capture turns observed network traffic into one validated token.
// It drives the browser through token-bearing pages and checks every
// candidate against the identity endpoint before accepting it.
package capture

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/tokenbridge/pkg/identity"
)

// ErrNoToken means every strategy ran without producing a valid token. The
// session stays in its capture state and a later attempt may succeed.
var ErrNoToken = errors.New("no valid token captured yet")

// Strategy is one token-bearing page worth visiting.
type Strategy struct {
	Name string
	URL  string
}

// Navigator loads URLs in the session's tab. Satisfied by the browser page.
type Navigator interface {
	Navigate(ctx context.Context, url string) error
}

// TokenSource exposes scanner candidates.
type TokenSource interface {
	Latest() string
	Candidates() []string
	Count() int
}

// Validator checks a candidate against the platform.
type Validator interface {
	Validate(ctx context.Context, token string) (identity.Identity, error)
}

// Options tune settle behavior after each navigation.
type Options struct {
	// SettleTimeout bounds how long to wait for a navigation's traffic to
	// yield new candidates.
	SettleTimeout time.Duration
	// PollInterval is the gap between candidate count checks while settling.
	PollInterval time.Duration
}

func (o *Options) setDefaults() {
	if o.SettleTimeout <= 0 {
		o.SettleTimeout = 15 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
}

// Orchestrator runs strategies in order across capture attempts. Rejected
// candidates are remembered so they are never validated twice.
type Orchestrator struct {
	strategies []Strategy
	nav        Navigator
	tokens     TokenSource
	validator  Validator
	opts       Options
	logger     *zap.Logger

	mu       sync.Mutex
	cursor   int
	rejected map[string]struct{}
}

// New builds an orchestrator over the given strategies.
func New(strategies []Strategy, nav Navigator, tokens TokenSource,
	validator Validator, opts Options, logger *zap.Logger) *Orchestrator {

	opts.setDefaults()
	return &Orchestrator{
		strategies: strategies,
		nav:        nav,
		tokens:     tokens,
		validator:  validator,
		opts:       opts,
		logger:     logger.Named("capture"),
		rejected:   make(map[string]struct{}),
	}
}

// Capture tries existing candidates first, then walks the strategies until
// one validates. It returns ErrNoToken when a full walk produces nothing.
func (o *Orchestrator) Capture(ctx context.Context) (string, identity.Identity, error) {
	if token, ident, ok := o.validateNew(ctx); ok {
		return token, ident, nil
	}
	if err := ctx.Err(); err != nil {
		return "", identity.Identity{}, err
	}

	for range o.strategies {
		strat := o.nextStrategy()
		o.logger.Info("running capture strategy",
			zap.String("strategy", strat.Name),
			zap.String("url", strat.URL))

		if err := o.nav.Navigate(ctx, strat.URL); err != nil {
			if ctx.Err() != nil {
				return "", identity.Identity{}, ctx.Err()
			}
			o.logger.Warn("strategy navigation failed",
				zap.String("strategy", strat.Name), zap.Error(err))
			continue
		}
		o.settle(ctx)

		if token, ident, ok := o.validateNew(ctx); ok {
			o.logger.Info("strategy produced valid token", zap.String("strategy", strat.Name))
			return token, ident, nil
		}
		if err := ctx.Err(); err != nil {
			return "", identity.Identity{}, err
		}
	}
	return "", identity.Identity{}, ErrNoToken
}

// nextStrategy advances the cursor, wrapping so a later Capture call starts
// where the last one left off.
func (o *Orchestrator) nextStrategy() Strategy {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.strategies[o.cursor%len(o.strategies)]
	o.cursor++
	return s
}

// settle waits for the page's traffic to produce new candidates, bounded by
// the settle timeout.
func (o *Orchestrator) settle(ctx context.Context) {
	before := o.tokens.Count()
	deadline := time.Now().Add(o.opts.SettleTimeout)
	for time.Now().Before(deadline) {
		if o.tokens.Count() > before {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(o.opts.PollInterval):
		}
	}
}

// validateNew checks unseen candidates newest-first. A candidate that fails
// validation is rejected for good; a cancelled context leaves it untouched.
func (o *Orchestrator) validateNew(ctx context.Context) (string, identity.Identity, bool) {
	candidates := o.tokens.Candidates()
	for i := len(candidates) - 1; i >= 0; i-- {
		token := candidates[i]
		if o.isRejected(token) {
			continue
		}
		ident, err := o.validator.Validate(ctx, token)
		if err == nil {
			return token, ident, true
		}
		if ctx.Err() != nil {
			return "", identity.Identity{}, false
		}
		o.reject(token)
		o.logger.Debug("candidate rejected", zap.Int("length", len(token)), zap.Error(err))
	}
	return "", identity.Identity{}, false
}

func (o *Orchestrator) isRejected(token string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.rejected[token]
	return ok
}

func (o *Orchestrator) reject(token string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rejected[token] = struct{}{}
}
