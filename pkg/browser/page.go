package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/xkilldash9x/tokenbridge/internal/config"
	"github.com/xkilldash9x/tokenbridge/pkg/browser/stealth"
	"github.com/xkilldash9x/tokenbridge/pkg/humanoid"
	"github.com/xkilldash9x/tokenbridge/pkg/scanner"
)

// Page drives one Chrome process for one session. It satisfies flow.Page.
type Page struct {
	cfg      config.BrowserConfig
	platform config.PlatformConfig
	persona  stealth.Persona
	human    *humanoid.Humanoid
	scanner  *scanner.Scanner
	logger   *zap.Logger

	mu          sync.Mutex
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc
	closed      bool
}

// NewPage wires a page; the browser process starts on Start.
func NewPage(cfg config.BrowserConfig, platform config.PlatformConfig,
	persona stealth.Persona, human *humanoid.Humanoid, scan *scanner.Scanner,
	logger *zap.Logger) *Page {

	return &Page{
		cfg:      cfg,
		platform: platform,
		persona:  persona,
		human:    human,
		scanner:  scan,
		logger:   logger.Named("browser"),
	}
}

// Start launches Chrome, applies the persona, attaches the scanner, and lands
// on the login page. The browser's lifetime is tied to the page, not to the
// caller's context.
func (p *Page) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("browser: page already closed")
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(),
		allocatorOptions(p.cfg, p.persona)...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	p.tabCtx = tabCtx
	p.tabCancel = tabCancel
	p.allocCancel = allocCancel
	p.mu.Unlock()

	// The scanner must listen before any request fires.
	p.scanner.Attach(tabCtx)

	if err := p.runBounded(ctx, p.cfg.LaunchTimeout,
		stealth.Apply(p.persona, p.logger)); err != nil {
		return fmt.Errorf("browser: launch: %w", err)
	}
	p.logger.Info("browser started", zap.Bool("headless", p.cfg.Headless))

	if err := p.Navigate(ctx, p.platform.LoginURL); err != nil {
		return fmt.Errorf("browser: open login page: %w", err)
	}
	return nil
}

// Navigate loads a URL and waits for the document body.
func (p *Page) Navigate(ctx context.Context, url string) error {
	p.logger.Debug("navigating", zap.String("url", url))
	return p.runBounded(ctx, p.cfg.NavTimeout,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

// FillLogin types the credentials into the login form and submits it. All
// input goes through the humanized driver.
func (p *Page) FillLogin(ctx context.Context, email, password string) error {
	pause := func(minMs, maxMs int) chromedp.Action {
		return chromedp.ActionFunc(func(ctx context.Context) error {
			return p.human.Pause(ctx, minMs, maxMs)
		})
	}
	err := p.runBounded(ctx, p.cfg.NavTimeout,
		chromedp.WaitVisible(p.platform.EmailSelector, chromedp.ByQuery),
		p.human.Type(p.platform.EmailSelector, email),
		pause(300, 900),
		p.human.Type(p.platform.PasswordSelector, password),
		pause(400, 1200),
		p.human.Click(p.platform.SubmitSelector),
	)
	if err != nil {
		return fmt.Errorf("browser: fill login form: %w", err)
	}
	return nil
}

// SubmitCode finds the first present challenge input, types the code, and
// submits. Selector lists are ordered fallbacks since the platform renders
// several checkpoint variants.
func (p *Page) SubmitCode(ctx context.Context, code string) error {
	inputSel, err := p.firstPresent(ctx, p.platform.CodeSelectors)
	if err != nil {
		return fmt.Errorf("browser: locate code input: %w", err)
	}

	if err := p.runBounded(ctx, p.cfg.NavTimeout,
		p.human.Type(inputSel, code)); err != nil {
		return fmt.Errorf("browser: enter code: %w", err)
	}

	submitSel, err := p.firstPresent(ctx, p.platform.CodeSubmitSelectors)
	if err != nil {
		// No recognizable button; the input may submit on Enter.
		p.logger.Debug("no code submit button found, sending enter")
		return p.runBounded(ctx, p.cfg.NavTimeout, chromedp.KeyEvent(kb.Enter))
	}
	if err := p.runBounded(ctx, p.cfg.NavTimeout, p.human.Click(submitSel)); err != nil {
		return fmt.Errorf("browser: submit code: %w", err)
	}
	return nil
}

// firstPresent returns the first selector that matches an element.
func (p *Page) firstPresent(ctx context.Context, selectors []string) (string, error) {
	for _, sel := range selectors {
		var found bool
		err := p.runBounded(ctx, 5*time.Second,
			chromedp.Evaluate(fmt.Sprintf("document.querySelector(%q) !== null", sel), &found))
		if err == nil && found {
			return sel, nil
		}
	}
	return "", fmt.Errorf("none of %d selectors matched", len(selectors))
}

// HasAuthCookie checks for the platform's session cookie across the
// browser's cookie jar.
func (p *Page) HasAuthCookie(ctx context.Context) (bool, error) {
	var found bool
	err := p.runBounded(ctx, 10*time.Second, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := storage.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		for _, c := range cookies {
			if c.Name == p.platform.AuthCookie &&
				strings.HasSuffix(strings.TrimPrefix(c.Domain, "."), p.platform.Domain) {
				found = true
				return nil
			}
		}
		return nil
	}))
	if err != nil {
		return false, fmt.Errorf("browser: read cookies: %w", err)
	}
	return found, nil
}

// Location reports the tab's URL and visible text for challenge detection.
func (p *Page) Location(ctx context.Context) (string, string, error) {
	var url, text string
	err := p.runBounded(ctx, 10*time.Second,
		chromedp.Location(&url),
		chromedp.Evaluate("document.body ? document.body.innerText : ''", &text),
	)
	if err != nil {
		return "", "", fmt.Errorf("browser: read page state: %w", err)
	}
	return url, text, nil
}

// Screenshot captures the viewport as PNG.
func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := p.runBounded(ctx, 15*time.Second, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("browser: screenshot: %w", err)
	}
	return buf, nil
}

// Close tears the browser down. Safe to call repeatedly; the allocator cancel
// force-kills the process if Chrome ignores the graceful close.
func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.tabCancel != nil {
		p.tabCancel()
	}
	if p.allocCancel != nil {
		p.allocCancel()
	}
	p.logger.Info("browser closed")
	return nil
}

// runBounded executes actions on the tab, honoring both the caller's context
// and the given timeout.
func (p *Page) runBounded(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	p.mu.Lock()
	tabCtx := p.tabCtx
	closed := p.closed
	p.mu.Unlock()
	if closed || tabCtx == nil {
		return errors.New("browser: not running")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	// The action context derives from the tab, not the caller, so the tab
	// survives the call. The caller's cancellation still aborts the actions.
	tctx, cancel := context.WithTimeout(tabCtx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(tctx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
