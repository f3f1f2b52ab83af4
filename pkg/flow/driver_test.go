package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/tokenbridge/pkg/credstore"
	"github.com/xkilldash9x/tokenbridge/pkg/identity"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakePage struct {
	mu         sync.Mutex
	started    bool
	fillCalls  int
	cookieOK   bool
	challenge  bool
	acceptCode bool
	submitted  []string
	closeCalls int
	startErr   error
	fillErr    error
}

func (f *fakePage) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return f.startErr
}

func (f *fakePage) Navigate(context.Context, string) error { return nil }

func (f *fakePage) FillLogin(_ context.Context, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fillCalls++
	return f.fillErr
}

func (f *fakePage) SubmitCode(_ context.Context, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, code)
	if f.acceptCode {
		f.challenge = false
		f.cookieOK = true
	}
	return nil
}

func (f *fakePage) HasAuthCookie(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cookieOK, nil
}

func (f *fakePage) Location(context.Context) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.challenge {
		return "https://www.platform.test/checkpoint/?next=home", "enter the code we sent", nil
	}
	return "https://www.platform.test/home", "welcome back", nil
}

func (f *fakePage) Screenshot(context.Context) ([]byte, error) { return []byte{0x89, 'P', 'N', 'G'}, nil }

func (f *fakePage) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	return nil
}

func (f *fakePage) setCookie(ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cookieOK = ok
}

type fakeCapturer struct {
	mu    sync.Mutex
	calls int
	fn    func() (string, identity.Identity, error)
}

func (f *fakeCapturer) Capture(context.Context) (string, identity.Identity, error) {
	f.mu.Lock()
	f.calls++
	fn := f.fn
	f.mu.Unlock()
	return fn()
}

type fakeTokens struct{ n int }

func (f *fakeTokens) Latest() string       { return "" }
func (f *fakeTokens) Candidates() []string { return nil }
func (f *fakeTokens) Count() int           { return f.n }

func workingCapturer() *fakeCapturer {
	return &fakeCapturer{fn: func() (string, identity.Identity, error) {
		return "EAAworkingtokenworkingtokenworkingtokenwork",
			identity.Identity{ID: "100001", Name: "Test Account"}, nil
	}}
}

func stuckCapturer() *fakeCapturer {
	return &fakeCapturer{fn: func() (string, identity.Identity, error) {
		return "", identity.Identity{}, errors.New("no valid token captured yet")
	}}
}

func testOpts() Options {
	return Options{PollInterval: 10 * time.Millisecond, LoginTimeout: 3 * time.Second}
}

func newTestDriver(creds Credentials, page *fakePage, cap *fakeCapturer, sink CredentialSink) *Driver {
	if sink == nil {
		sink = credstore.NewMemory()
	}
	return NewDriver("sess-1", creds, page, &fakeTokens{}, cap, testDetector(), sink, testOpts(), zap.NewNop())
}

func waitState(t *testing.T, d *Driver, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return d.State() == want },
		2*time.Second, 5*time.Millisecond, "never reached %s, stuck in %s", want, d.State())
}

func TestDriver_AutoLoginToSuccess(t *testing.T) {
	page := &fakePage{}
	store := credstore.NewMemory()
	d := newTestDriver(Credentials{Email: "a@b.test", Password: "pw"}, page, workingCapturer(), store)

	go d.Run(context.Background())
	// Login lands a beat after the form submit.
	time.AfterFunc(30*time.Millisecond, func() { page.setCookie(true) })

	waitState(t, d, StateSuccess)
	<-d.Done()

	page.mu.Lock()
	assert.Equal(t, 1, page.fillCalls)
	page.mu.Unlock()

	cred, err := store.GetByAccountID(context.Background(), "100001")
	require.NoError(t, err)
	assert.Equal(t, "Test Account", cred.AccountName)
	assert.Equal(t, credstore.SourceCapture, cred.Source)
	assert.Equal(t, "sess-1", cred.SessionID)

	st := d.Snapshot()
	assert.Equal(t, StateSuccess, st.State)
	assert.Equal(t, "Test Account", st.AccountName)
	assert.Empty(t, st.Error)
}

func TestDriver_ManualLoginNeverTypes(t *testing.T) {
	page := &fakePage{}
	d := newTestDriver(Credentials{}, page, workingCapturer(), nil)

	go d.Run(context.Background())
	waitState(t, d, StateWaitingManualLogin)

	page.setCookie(true)
	waitState(t, d, StateSuccess)
	<-d.Done()

	page.mu.Lock()
	assert.Zero(t, page.fillCalls)
	page.mu.Unlock()
}

func TestDriver_TwoFactorViaOperator(t *testing.T) {
	page := &fakePage{challenge: true, acceptCode: true}
	d := newTestDriver(Credentials{Email: "a@b.test", Password: "pw"}, page, workingCapturer(), nil)

	go d.Run(context.Background())
	waitState(t, d, StateNeeds2FA)

	require.NoError(t, d.SubmitCode(context.Background(), "123456"))
	waitState(t, d, StateSuccess)
	<-d.Done()

	page.mu.Lock()
	assert.Equal(t, []string{"123456"}, page.submitted)
	page.mu.Unlock()
}

func TestDriver_TwoFactorAutoFromSeed(t *testing.T) {
	page := &fakePage{challenge: true, acceptCode: true}
	creds := Credentials{
		Email:     "a@b.test",
		Password:  "pw",
		OTPSecret: "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ",
	}
	d := newTestDriver(creds, page, workingCapturer(), nil)

	go d.Run(context.Background())
	waitState(t, d, StateSuccess)
	<-d.Done()

	page.mu.Lock()
	require.Len(t, page.submitted, 1)
	assert.Len(t, page.submitted[0], 6)
	page.mu.Unlock()
}

func TestDriver_TwoFactorCodeRejectedThenAccepted(t *testing.T) {
	page := &fakePage{challenge: true}
	d := newTestDriver(Credentials{Email: "a@b.test", Password: "pw"}, page, workingCapturer(), nil)

	go d.Run(context.Background())
	waitState(t, d, StateNeeds2FA)

	// A wrong code leaves the challenge page up, so the session comes back
	// asking for another one.
	require.NoError(t, d.SubmitCode(context.Background(), "000000"))
	waitState(t, d, StateNeeds2FA)
	assert.Equal(t, "verification code rejected", d.Snapshot().Error)

	page.mu.Lock()
	page.acceptCode = true
	page.mu.Unlock()

	require.NoError(t, d.SubmitCode(context.Background(), "123456"))
	waitState(t, d, StateSuccess)
	<-d.Done()

	page.mu.Lock()
	assert.Equal(t, []string{"000000", "123456"}, page.submitted)
	page.mu.Unlock()
}

func TestDriver_TransitionsFollowDeclaredEdges(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	page := &fakePage{challenge: true, acceptCode: true}
	d := NewDriver("sess-edges", Credentials{Email: "a@b.test", Password: "pw"},
		page, &fakeTokens{}, workingCapturer(), testDetector(), credstore.NewMemory(),
		testOpts(), zap.New(core))

	go d.Run(context.Background())
	waitState(t, d, StateNeeds2FA)
	require.NoError(t, d.SubmitCode(context.Background(), "123456"))
	waitState(t, d, StateSuccess)
	<-d.Done()

	var edges [][2]State
	for _, entry := range logs.FilterMessage("state change").All() {
		fields := entry.ContextMap()
		edges = append(edges, [2]State{
			State(fields["from"].(string)),
			State(fields["to"].(string)),
		})
	}
	want := [][2]State{
		{StateLaunching, StateLoggingIn},
		{StateLoggingIn, StateNeeds2FA},
		{StateNeeds2FA, StateSubmitting2FA},
		{StateSubmitting2FA, StateCapturingToken},
		{StateCapturingToken, StateSuccess},
	}
	assert.Equal(t, want, edges)
	for _, e := range edges {
		assert.True(t, canTransition(e[0], e[1]), "edge %s -> %s not declared", e[0], e[1])
	}
	assert.Zero(t, logs.FilterMessage("illegal state transition dropped").Len())
}

func TestDriver_SubmitCodeWrongState(t *testing.T) {
	page := &fakePage{}
	d := newTestDriver(Credentials{}, page, workingCapturer(), nil)

	go d.Run(context.Background())
	waitState(t, d, StateWaitingManualLogin)

	err := d.SubmitCode(context.Background(), "123456")
	assert.ErrorIs(t, err, ErrWrongState)

	d.Cancel()
	<-d.Done()
}

func TestDriver_FinishRetriesCapture(t *testing.T) {
	page := &fakePage{cookieOK: true}
	cap := stuckCapturer()
	d := newTestDriver(Credentials{}, page, cap, nil)

	go d.Run(context.Background())
	waitState(t, d, StateCapturingToken)

	_, err := d.Finish(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no valid token")

	// The strategies start paying off.
	cap.mu.Lock()
	cap.fn = func() (string, identity.Identity, error) {
		return "EAAlatetokenlatetokenlatetokenlatetokenlate",
			identity.Identity{ID: "100002", Name: "Late Account"}, nil
	}
	cap.mu.Unlock()

	cred, err := d.Finish(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "100002", cred.AccountID)
	<-d.Done()

	// Finish after success is idempotent.
	again, err := d.Finish(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cred.ID, again.ID)
}

func TestDriver_CancelFailsSession(t *testing.T) {
	page := &fakePage{}
	d := newTestDriver(Credentials{}, page, stuckCapturer(), nil)

	go d.Run(context.Background())
	waitState(t, d, StateWaitingManualLogin)

	d.Cancel()
	waitState(t, d, StateFailed)
	<-d.Done()

	st := d.Snapshot()
	assert.Equal(t, "session cancelled", st.Error)

	// Commands after the end report the session as done.
	err := d.SubmitCode(context.Background(), "000000")
	assert.ErrorIs(t, err, ErrSessionDone)
	_, err = d.Finish(context.Background())
	assert.ErrorIs(t, err, ErrSessionDone)
	_, err = d.Screenshot(context.Background())
	assert.ErrorIs(t, err, ErrSessionDone)
}

func TestDriver_LaunchFailure(t *testing.T) {
	page := &fakePage{startErr: errors.New("chrome exited early")}
	d := newTestDriver(Credentials{}, page, workingCapturer(), nil)

	go d.Run(context.Background())
	waitState(t, d, StateFailed)
	<-d.Done()

	st := d.Snapshot()
	assert.Contains(t, st.Error, "browser launch failed")
	page.mu.Lock()
	assert.GreaterOrEqual(t, page.closeCalls, 1)
	page.mu.Unlock()
}

func TestDriver_ScreenshotWhileRunning(t *testing.T) {
	page := &fakePage{}
	d := newTestDriver(Credentials{}, page, workingCapturer(), nil)

	go d.Run(context.Background())
	waitState(t, d, StateWaitingManualLogin)

	shot, err := d.Screenshot(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, shot)

	d.Cancel()
	<-d.Done()
}
