package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/tokenbridge/internal/config"
	"github.com/xkilldash9x/tokenbridge/pkg/credstore"
	"github.com/xkilldash9x/tokenbridge/pkg/flow"
	"github.com/xkilldash9x/tokenbridge/pkg/identity"
	"github.com/xkilldash9x/tokenbridge/pkg/scanner"
)

type stubPage struct {
	mu       sync.Mutex
	cookieOK bool
	closed   bool
}

func (f *stubPage) Start(context.Context) error                 { return nil }
func (f *stubPage) Navigate(context.Context, string) error      { return nil }
func (f *stubPage) FillLogin(context.Context, string, string) error { return nil }
func (f *stubPage) SubmitCode(context.Context, string) error    { return nil }

func (f *stubPage) HasAuthCookie(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cookieOK, nil
}

func (f *stubPage) Location(context.Context) (string, string, error) {
	return "https://www.platform.test/login", "log in to continue", nil
}

func (f *stubPage) Screenshot(context.Context) ([]byte, error) {
	return []byte{0x89, 'P', 'N', 'G'}, nil
}

func (f *stubPage) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type allowValidator struct{}

func (allowValidator) Validate(context.Context, string) (identity.Identity, error) {
	return identity.Identity{ID: "100001", Name: "Test Account"}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Browser: config.BrowserConfig{MaxSessions: 1},
		Platform: config.PlatformConfig{
			Domain:             "platform.test",
			TokenPrefix:        "EAA",
			TokenMinLen:        10,
			TokenMaxLen:        400,
			ChallengeURLHints:  []string{"/checkpoint/"},
			ChallengeTextHints: []string{"enter the code"},
		},
		Capture: config.CaptureConfig{
			Strategies:    []config.CaptureStrategy{{Name: "ads", URL: "https://platform.test/ads"}},
			SettleTimeout: 20 * time.Millisecond,
			SettlePoll:    5 * time.Millisecond,
		},
	}
}

func newTestRegistry(t *testing.T, pages map[string]*stubPage) *Registry {
	return newTestRegistryWithConfig(t, pages, testConfig())
}

func newTestRegistryWithConfig(t *testing.T, pages map[string]*stubPage, cfg *config.Config) *Registry {
	t.Helper()
	factory := func(id string, _ *scanner.Scanner) flow.Page {
		p := &stubPage{}
		pages[id] = p
		return p
	}
	r := New(cfg, factory, allowValidator{}, credstore.NewMemory(), zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, r.Shutdown(ctx))
	})
	return r
}

func TestStart_ReturnsPollableSession(t *testing.T) {
	pages := map[string]*stubPage{}
	r := newTestRegistry(t, pages)

	st, err := r.Start(StartRequest{})
	require.NoError(t, err)
	require.NotEmpty(t, st.ID)

	require.Eventually(t, func() bool {
		got, err := r.Status(st.ID)
		return err == nil && got.State == flow.StateWaitingManualLogin
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStart_CapacityEnforced(t *testing.T) {
	pages := map[string]*stubPage{}
	r := newTestRegistry(t, pages)

	st, err := r.Start(StartRequest{})
	require.NoError(t, err)

	_, err = r.Start(StartRequest{})
	assert.ErrorIs(t, err, ErrCapacity)

	// Ending the first session frees the slot.
	require.NoError(t, r.Cancel(st.ID))
	require.Eventually(t, func() bool {
		_, err := r.Start(StartRequest{})
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTerminalSessionEvictedAfterRetention(t *testing.T) {
	pages := map[string]*stubPage{}
	cfg := testConfig()
	cfg.Browser.SessionRetention = 50 * time.Millisecond
	r := newTestRegistryWithConfig(t, pages, cfg)

	st, err := r.Start(StartRequest{})
	require.NoError(t, err)
	require.NoError(t, r.Cancel(st.ID))

	// The terminal status stays pollable through the retention window.
	require.Eventually(t, func() bool {
		got, serr := r.Status(st.ID)
		return serr == nil && got.State == flow.StateFailed
	}, 2*time.Second, 5*time.Millisecond)

	// Then the entry goes away.
	require.Eventually(t, func() bool {
		_, serr := r.Status(st.ID)
		return errors.Is(serr, ErrNotFound)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStatus_UnknownSession(t *testing.T) {
	pages := map[string]*stubPage{}
	r := newTestRegistry(t, pages)

	_, err := r.Status("b6f0c9a2-7c1d-4e44-9e1f-2f20c64cf001")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.Cancel("nope"), ErrNotFound)
	_, err = r.Screenshot(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestScreenshot_ThrottledToCachedFrame(t *testing.T) {
	pages := map[string]*stubPage{}
	r := newTestRegistry(t, pages)

	st, err := r.Start(StartRequest{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, _ := r.Status(st.ID)
		return got.State == flow.StateWaitingManualLogin
	}, 2*time.Second, 5*time.Millisecond)

	first, err := r.Screenshot(context.Background(), st.ID)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	// Burst of polls inside the same second all get a frame back.
	for i := 0; i < 5; i++ {
		shot, err := r.Screenshot(context.Background(), st.ID)
		require.NoError(t, err)
		assert.Equal(t, first, shot)
	}
}

func TestSubmitCode_WrongStatePropagates(t *testing.T) {
	pages := map[string]*stubPage{}
	r := newTestRegistry(t, pages)

	st, err := r.Start(StartRequest{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, _ := r.Status(st.ID)
		return got.State == flow.StateWaitingManualLogin
	}, 2*time.Second, 5*time.Millisecond)

	err = r.SubmitCode(context.Background(), st.ID, "123456")
	assert.ErrorIs(t, err, flow.ErrWrongState)
}
