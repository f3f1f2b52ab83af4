// Package scanner watches a browser session's network traffic for platform
// access tokens. It never injects or replays requests; it only observes
// responses the page produced on its own.
package scanner

import (
	"context"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Rules describe what a token for the target platform looks like and which
// hosts are worth inspecting.
type Rules struct {
	// Domain restricts body scanning to responses served from this domain
	// or its subdomains.
	Domain string
	// TokenPrefix is the literal prefix every platform token starts with.
	TokenPrefix string
	// MinLen and MaxLen bound the full token length, prefix included.
	MinLen int
	MaxLen int
}

// Scanner accumulates token candidates from one browser session. All methods
// are safe for concurrent use; CDP event callbacks and API pollers hit it at
// the same time.
type Scanner struct {
	rules   Rules
	pattern *regexp.Regexp
	logger  *zap.Logger

	mu     sync.RWMutex
	seen   map[string]struct{}
	order  []string
	latest string
}

// New builds a scanner for the given rules.
func New(rules Rules, logger *zap.Logger) *Scanner {
	// Token body after the prefix is URL-safe: word chars plus dash.
	pattern := regexp.MustCompile(regexp.QuoteMeta(rules.TokenPrefix) + `[\w-]+`)
	return &Scanner{
		rules:   rules,
		pattern: pattern,
		logger:  logger.Named("scanner"),
		seen:    make(map[string]struct{}),
	}
}

// Attach registers the scanner on a chromedp tab context. It must be called
// before the first navigation or tokens in early requests are lost.
func (s *Scanner) Attach(ctx context.Context) {
	chromedp.ListenTarget(ctx, func(ev interface{}) {
		resp, ok := ev.(*network.EventResponseReceived)
		if !ok {
			return
		}
		s.inspectURL(resp.Response.URL)

		if !s.wantBody(resp) {
			return
		}
		// Body fetch must not run inside the event callback, it would
		// deadlock the CDP message loop.
		requestID := resp.RequestID
		go s.fetchBody(ctx, requestID)
	})
}

// inspectURL pulls tokens out of query strings. Tokens ride along as
// access_token parameters on most of the platform's internal API calls.
func (s *Scanner) inspectURL(rawURL string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return
	}
	for _, key := range []string{"access_token", "accessToken"} {
		if v := u.Query().Get(key); v != "" {
			s.consider(v, "query:"+key)
		}
	}
	s.scanText(rawURL, "url")
}

// wantBody reports whether a response body is worth fetching. Only textual
// payloads from the platform's own domain get scanned.
func (s *Scanner) wantBody(resp *network.EventResponseReceived) bool {
	u, err := url.Parse(resp.Response.URL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host != s.rules.Domain && !strings.HasSuffix(host, "."+s.rules.Domain) {
		return false
	}
	mime := strings.ToLower(resp.Response.MimeType)
	switch {
	case strings.Contains(mime, "json"),
		strings.Contains(mime, "javascript"),
		strings.Contains(mime, "html"),
		strings.Contains(mime, "text"):
		return true
	}
	return false
}

func (s *Scanner) fetchBody(ctx context.Context, requestID network.RequestID) {
	c := chromedp.FromContext(ctx)
	if c == nil {
		return
	}
	body, err := network.GetResponseBody(requestID).Do(cdp.WithExecutor(ctx, c.Target))
	if err != nil {
		// Bodies of redirects and evicted cache entries are gone by the
		// time we ask. Not an error worth surfacing.
		return
	}
	s.scanBody(body)
}

// scanBody extracts token candidates from a response body.
func (s *Scanner) scanBody(body []byte) {
	// Script payloads escape forward slashes and quotes; undo the common
	// JSON escapes so tokens split by them still match.
	text := strings.NewReplacer(`\/`, `/`, `\"`, `"`).Replace(string(body))
	s.scanText(text, "body")
}

func (s *Scanner) scanText(text, source string) {
	for _, match := range s.pattern.FindAllString(text, -1) {
		s.consider(match, source)
	}
}

// consider applies the length bounds and records a new candidate.
func (s *Scanner) consider(candidate, source string) {
	if !strings.HasPrefix(candidate, s.rules.TokenPrefix) {
		return
	}
	if len(candidate) < s.rules.MinLen || len(candidate) > s.rules.MaxLen {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[candidate]; dup {
		return
	}
	s.seen[candidate] = struct{}{}
	s.order = append(s.order, candidate)
	s.latest = candidate

	s.logger.Debug("token candidate observed",
		zap.String("source", source),
		zap.Int("length", len(candidate)),
		zap.Int("total", len(s.order)))
}

// Latest returns the most recently observed candidate, or "" when none.
func (s *Scanner) Latest() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// Candidates returns all distinct candidates, newest last.
func (s *Scanner) Candidates() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Count returns how many distinct candidates have been observed. The count
// never decreases over a session's lifetime.
func (s *Scanner) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
