// Package registry tracks live login sessions. It owns session creation,
// lookup, the concurrency cap on browser processes, and screenshot
// throttling.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/tokenbridge/internal/config"
	"github.com/xkilldash9x/tokenbridge/pkg/capture"
	"github.com/xkilldash9x/tokenbridge/pkg/credstore"
	"github.com/xkilldash9x/tokenbridge/pkg/flow"
	"github.com/xkilldash9x/tokenbridge/pkg/scanner"
)

var (
	// ErrNotFound means no session carries the given id.
	ErrNotFound = errors.New("registry: session not found")
	// ErrCapacity means the browser process cap is reached.
	ErrCapacity = errors.New("registry: session capacity reached")
)

// PageFactory builds the browser page for a new session. The scanner must be
// attached by the page before its first navigation. Tests substitute fakes.
type PageFactory func(sessionID string, scan *scanner.Scanner) flow.Page

// StartRequest carries the operator's input for a new session. Credentials
// are handed to the driver and never persisted.
type StartRequest struct {
	Email     string
	Password  string
	OTPSecret string
}

type session struct {
	driver *flow.Driver

	// Screenshots are expensive CDP round trips; polls beyond the rate get
	// the cached frame.
	shotLimiter *rate.Limiter
	shotMu      sync.Mutex
	lastShot    []byte
}

// Registry is safe for concurrent use by API handlers.
type Registry struct {
	cfg       *config.Config
	factory   PageFactory
	validator capture.Validator
	store     credstore.Store
	logger    *zap.Logger
	sem       *semaphore.Weighted
	retention time.Duration

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*session
}

// New builds a registry. Sessions started through it run until they finish
// or Shutdown cancels them.
func New(cfg *config.Config, factory PageFactory, validator capture.Validator,
	store credstore.Store, logger *zap.Logger) *Registry {

	retention := cfg.Browser.SessionRetention
	if retention <= 0 {
		retention = 5 * time.Minute
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:        cfg,
		factory:    factory,
		validator:  validator,
		store:      store,
		logger:     logger.Named("registry"),
		sem:        semaphore.NewWeighted(cfg.Browser.MaxSessions),
		retention:  retention,
		baseCtx:    baseCtx,
		cancelBase: cancel,
		sessions:   make(map[string]*session),
	}
}

// Start creates a session and launches its driver. It returns immediately;
// the caller polls for progress.
func (r *Registry) Start(req StartRequest) (flow.Status, error) {
	if !r.sem.TryAcquire(1) {
		return flow.Status{}, ErrCapacity
	}

	id := uuid.NewString()
	platform := r.cfg.Platform

	scan := scanner.New(scanner.Rules{
		Domain:      platform.Domain,
		TokenPrefix: platform.TokenPrefix,
		MinLen:      platform.TokenMinLen,
		MaxLen:      platform.TokenMaxLen,
	}, r.logger)

	page := r.factory(id, scan)

	strategies := make([]capture.Strategy, len(r.cfg.Capture.Strategies))
	for i, s := range r.cfg.Capture.Strategies {
		strategies[i] = capture.Strategy{Name: s.Name, URL: s.URL}
	}
	capturer := capture.New(strategies, page, scan, r.validator, capture.Options{
		SettleTimeout: r.cfg.Capture.SettleTimeout,
		PollInterval:  r.cfg.Capture.SettlePoll,
	}, r.logger)

	detector := flow.NewChallengeDetector(platform.ChallengeURLHints, platform.ChallengeTextHints)

	driver := flow.NewDriver(id,
		flow.Credentials{Email: req.Email, Password: req.Password, OTPSecret: req.OTPSecret},
		page, scan, capturer, detector, r.store, flow.Options{}, r.logger)

	sess := &session{
		driver:      driver,
		shotLimiter: rate.NewLimiter(rate.Limit(1), 1),
	}

	r.mu.Lock()
	r.sessions[id] = sess
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.sem.Release(1)
		driver.Run(r.baseCtx)
		r.scheduleEvict(id)
	}()

	r.logger.Info("session started",
		zap.String("session_id", id),
		zap.Bool("manual_login", req.Email == ""))
	return driver.Snapshot(), nil
}

// scheduleEvict drops a finished session from the map after the retention
// window, so pollers still see the terminal status for a while but the map
// does not grow without bound.
func (r *Registry) scheduleEvict(id string) {
	timer := time.NewTimer(r.retention)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer timer.Stop()
		select {
		case <-r.baseCtx.Done():
			return
		case <-timer.C:
		}
		r.mu.Lock()
		delete(r.sessions, id)
		r.mu.Unlock()
		r.logger.Debug("session evicted", zap.String("session_id", id))
	}()
}

func (r *Registry) get(id string) (*session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// Status returns the session snapshot.
func (r *Registry) Status(id string) (flow.Status, error) {
	sess, err := r.get(id)
	if err != nil {
		return flow.Status{}, err
	}
	return sess.driver.Snapshot(), nil
}

// SubmitCode forwards a verification code to the session.
func (r *Registry) SubmitCode(ctx context.Context, id, code string) error {
	sess, err := r.get(id)
	if err != nil {
		return err
	}
	return sess.driver.SubmitCode(ctx, code)
}

// Finish forces a capture attempt and returns the credential.
func (r *Registry) Finish(ctx context.Context, id string) (credstore.Credential, error) {
	sess, err := r.get(id)
	if err != nil {
		return credstore.Credential{}, err
	}
	return sess.driver.Finish(ctx)
}

// Cancel aborts the session.
func (r *Registry) Cancel(id string) error {
	sess, err := r.get(id)
	if err != nil {
		return err
	}
	sess.driver.Cancel()
	return nil
}

// Screenshot returns a recent frame of the session's browser. Calls beyond
// the per-session rate serve the cached frame instead of hitting CDP.
func (r *Registry) Screenshot(ctx context.Context, id string) ([]byte, error) {
	sess, err := r.get(id)
	if err != nil {
		return nil, err
	}

	sess.shotMu.Lock()
	defer sess.shotMu.Unlock()

	if !sess.shotLimiter.Allow() && sess.lastShot != nil {
		return sess.lastShot, nil
	}
	shot, err := sess.driver.Screenshot(ctx)
	if err != nil {
		if sess.lastShot != nil {
			return sess.lastShot, nil
		}
		return nil, err
	}
	sess.lastShot = shot
	return shot, nil
}

// Shutdown cancels every running session and waits for their drivers,
// bounded by the context.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.cancelBase()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
