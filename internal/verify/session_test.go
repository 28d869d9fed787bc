package verify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wondertwin-ai/phoneverify/internal/device"
	"github.com/wondertwin-ai/phoneverify/internal/metrics"
	"github.com/wondertwin-ai/phoneverify/internal/service"
	"github.com/wondertwin-ai/phoneverify/internal/service/servicetest"
	"github.com/wondertwin-ai/phoneverify/internal/signing"
	"github.com/wondertwin-ai/phoneverify/internal/transport"
	"github.com/wondertwin-ai/phoneverify/internal/workerpool"
)

const (
	cc     = "44"
	number = "7000000000"
)

// event is one recorded EventSink callback.
type event struct {
	kind    string
	status  Status
	code    service.VerifyError
	cmd     service.Command
	success bool
	user    service.UserStatus
	err     error
}

type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) add(e event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) OnStatusChanged(s Status) { r.add(event{kind: "status", status: s}) }
func (r *recorder) OnError(code service.VerifyError, _ string) {
	r.add(event{kind: "error", code: code})
}
func (r *recorder) OnNetworkException(err error) { r.add(event{kind: "network", err: err}) }
func (r *recorder) OnCommandResult(cmd service.Command, ok bool, code service.VerifyError, _ string) {
	r.add(event{kind: "command", cmd: cmd, success: ok, code: code})
}
func (r *recorder) OnUserStatus(_, _ string, st service.UserStatus) {
	r.add(event{kind: "user", user: st})
}

func (r *recorder) all() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event, len(r.events))
	copy(out, r.events)
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	session *Session
	script  *servicetest.Script
	events  *recorder
	clock   *clock
}

func setup(t *testing.T) *fixture {
	t.Helper()
	signer := signing.New("session-secret")
	script := servicetest.New(signer)
	svc := service.New(script, signer, service.Environment{
		AppID:  "app-1",
		Device: device.Static{DeviceID: "dev-1"},
	})
	pool := workerpool.New(4, 16)
	t.Cleanup(pool.Close)

	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	s := NewSession(svc, pool,
		WithClock(clk.Now),
		WithMetrics(metrics.New(prometheus.NewRegistry())))
	rec := &recorder{}
	s.AddListener(rec)
	return &fixture{session: s, script: script, events: rec, clock: clk}
}

func wait[T any](t *testing.T, r *Result[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := r.Wait(ctx)
	require.False(t, errors.Is(err, context.DeadlineExceeded), "operation did not finish")
	return v, err
}

// pending drives the fixture's session into StatusPending with token "tok-1".
func (f *fixture) pending(t *testing.T) {
	t.Helper()
	f.script.On(service.MethodToken, servicetest.Token("tok-1"))
	f.script.On(service.MethodVerify, servicetest.Status(0, "pending"))
	st, err := wait(t, f.session.StartVerification(context.Background(), cc, number))
	require.NoError(t, err)
	require.Equal(t, StatusPending, st)
}

// ---------------------------------------------------------------------------
// StartVerification
// ---------------------------------------------------------------------------

func TestEndToEndVerification(t *testing.T) {
	f := setup(t)
	f.pending(t)

	snap := f.session.Snapshot()
	assert.Equal(t, "tok-1", snap.Token)
	assert.Equal(t, f.clock.Now(), snap.PendingSince)

	f.script.On(service.MethodCheck, servicetest.Status(0, "verified"))
	st, err := wait(t, f.session.CheckPin(context.Background(), "1234"))
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, st)
	assert.Equal(t, StatusVerified, f.session.Snapshot().Status)
	assert.Empty(t, f.session.Snapshot().PinCode, "pin is cleared after use")

	assert.Equal(t, []event{
		{kind: "status", status: StatusPending},
		{kind: "status", status: StatusVerified},
	}, f.events.all())

	check := f.script.Calls(service.MethodCheck)[0].Params
	assert.Equal(t, "tok-1", check[service.ParamToken])
	assert.Equal(t, "1234", check[service.ParamCode])
}

func TestStartWhilePendingIsRejected(t *testing.T) {
	f := setup(t)
	f.pending(t)
	before := len(f.script.Calls())

	st, err := wait(t, f.session.StartVerification(context.Background(), cc, number))
	assert.Equal(t, service.VerificationAlreadyStarted, ErrorCode(err))
	assert.Equal(t, StatusPending, st)
	assert.Len(t, f.script.Calls(), before, "no network call")
	assert.Equal(t, event{kind: "error", code: service.VerificationAlreadyStarted}, f.events.all()[1])
}

func TestStartVerifiedSameNumberShortCircuits(t *testing.T) {
	f := setup(t)
	f.script.On(service.MethodToken, servicetest.Token("tok-1"))
	f.script.On(service.MethodVerify, servicetest.Status(0, "verified"))
	st, err := wait(t, f.session.StartVerification(context.Background(), cc, number))
	require.NoError(t, err)
	require.Equal(t, StatusVerified, st)
	before := len(f.script.Calls())

	st, err = wait(t, f.session.StartVerification(context.Background(), "+44", "700 000 0000"))
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, st)
	assert.Len(t, f.script.Calls(), before)
}

func TestStartTerminalStatuses(t *testing.T) {
	tests := []struct {
		user string
		want Status
		code service.VerifyError
	}{
		{"expired", StatusExpired, service.UserExpired},
		{"blacklisted", StatusBlacklisted, service.UserBlacklisted},
		{"failed", StatusFailed, service.UserFailed},
	}
	for _, tt := range tests {
		t.Run(tt.user, func(t *testing.T) {
			f := setup(t)
			f.script.On(service.MethodToken, servicetest.Token("tok"))
			f.script.On(service.MethodVerify, servicetest.Status(0, tt.user))

			st, err := wait(t, f.session.StartVerification(context.Background(), cc, number))
			assert.Equal(t, tt.want, st)
			assert.Equal(t, tt.code, ErrorCode(err))
			assert.Equal(t, []event{{kind: "error", code: tt.code}}, f.events.all())

			// A terminal request can be restarted.
			f.script.On(service.MethodToken, servicetest.Token("tok-2"))
			f.script.On(service.MethodVerify, servicetest.Status(0, "pending"))
			st, err = wait(t, f.session.StartVerification(context.Background(), cc, number))
			require.NoError(t, err)
			assert.Equal(t, StatusPending, st)
		})
	}
}

func TestStartUnknownUserStatusRestoresState(t *testing.T) {
	f := setup(t)
	f.script.On(service.MethodToken, servicetest.Token("tok"))
	f.script.On(service.MethodVerify, servicetest.Status(0, "mystery"))

	st, err := wait(t, f.session.StartVerification(context.Background(), cc, number))
	assert.Equal(t, StatusNew, st)
	assert.Equal(t, service.UserUnknown, ErrorCode(err))
	assert.Equal(t, Request{}, f.session.Snapshot())
	assert.Equal(t, []event{{kind: "error", code: service.UserUnknown}}, f.events.all())
}

func TestStartUnexpectedUserStatusIsInternal(t *testing.T) {
	f := setup(t)
	f.script.On(service.MethodToken, servicetest.Token("tok"))
	f.script.On(service.MethodVerify, servicetest.Status(0, "unverified"))

	st, err := wait(t, f.session.StartVerification(context.Background(), cc, number))
	assert.Equal(t, StatusNew, st)
	assert.Equal(t, service.InternalErr, ErrorCode(err))
	assert.Equal(t, Request{}, f.session.Snapshot())
}

func TestStartTokenFailureLeavesStateUnchanged(t *testing.T) {
	f := setup(t)
	f.script.On(service.MethodToken, servicetest.Result(int(service.ResultQuotaExceeded), "quota"))

	st, err := wait(t, f.session.StartVerification(context.Background(), cc, number))
	assert.Equal(t, StatusNew, st)
	assert.Equal(t, service.QuotaExceeded, ErrorCode(err))
	assert.Equal(t, Request{}, f.session.Snapshot())
	assert.Zero(t, f.script.Count(service.MethodVerify))
}

func TestStartBadSignatureIsInvalidCredentials(t *testing.T) {
	f := setup(t)
	f.script.On(service.MethodToken, servicetest.Token("tok"))
	bad := servicetest.Status(0, "pending")
	bad.BadSignature = true
	f.script.On(service.MethodVerify, bad)

	st, err := wait(t, f.session.StartVerification(context.Background(), cc, number))
	assert.Equal(t, StatusNew, st)
	assert.Equal(t, service.InvalidCredentials, ErrorCode(err))
	assert.Equal(t, StatusNew, f.session.Snapshot().Status)
	assert.Equal(t, []event{{kind: "error", code: service.InvalidCredentials}}, f.events.all())
}

func TestStartTransportFailureIsNetworkException(t *testing.T) {
	f := setup(t)
	f.script.On(service.MethodToken, servicetest.Reply{Err: errors.New("dial tcp: refused")})

	_, err := wait(t, f.session.StartVerification(context.Background(), cc, number))
	assert.True(t, transport.IsTransport(err))
	evs := f.events.all()
	require.Len(t, evs, 1)
	assert.Equal(t, "network", evs[0].kind)
}

func TestStartInvalidTokenRetriesOnce(t *testing.T) {
	f := setup(t)
	f.script.On(service.MethodToken, servicetest.Token("tok-1"), servicetest.Token("tok-2"))
	f.script.On(service.MethodVerify,
		servicetest.Result(int(service.ResultInvalidToken), "stale"),
		servicetest.Status(0, "pending"))

	st, err := wait(t, f.session.StartVerification(context.Background(), cc, number))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, st)
	assert.Equal(t, "tok-2", f.session.Snapshot().Token)

	verifies := f.script.Calls(service.MethodVerify)
	require.Len(t, verifies, 2)
	assert.Equal(t, "tok-1", verifies[0].Params[service.ParamToken])
	assert.Equal(t, "tok-2", verifies[1].Params[service.ParamToken])
}

func TestStartInvalidTokenTwiceIsThrottled(t *testing.T) {
	f := setup(t)
	f.script.Always(service.MethodToken, servicetest.Token("tok"))
	f.script.Always(service.MethodVerify, servicetest.Result(int(service.ResultInvalidToken), "stale"))

	_, err := wait(t, f.session.StartVerification(context.Background(), cc, number))
	assert.Equal(t, service.Throttled, ErrorCode(err))
	assert.Equal(t, 2, f.script.Count(service.MethodVerify))
	assert.Equal(t, 2, f.script.Count(service.MethodToken))
}

func TestStartValidatesNumber(t *testing.T) {
	tests := []struct {
		cc, number string
		code       service.VerifyError
	}{
		{"", number, service.NumberRequired},
		{cc, "  ", service.NumberRequired},
		{cc, "70000abc", service.InvalidNumber},
		{cc, "7", service.InvalidNumber},
		{cc, "1234567890123456", service.InvalidNumber},
	}
	for _, tt := range tests {
		f := setup(t)
		_, err := wait(t, f.session.StartVerification(context.Background(), tt.cc, tt.number))
		assert.Equal(t, tt.code, ErrorCode(err), "%q %q", tt.cc, tt.number)
		assert.Empty(t, f.script.Calls())
	}
}

// ---------------------------------------------------------------------------
// CheckPin
// ---------------------------------------------------------------------------

func TestCheckPinFromNewMakesNoCalls(t *testing.T) {
	f := setup(t)
	st, err := wait(t, f.session.CheckPin(context.Background(), "1234"))
	assert.Equal(t, StatusNew, st)
	assert.Equal(t, service.CannotPerformCheck, ErrorCode(err))
	assert.Empty(t, f.script.Calls())
	assert.Equal(t, []event{{kind: "error", code: service.CannotPerformCheck}}, f.events.all())
}

func TestCheckPinTooShort(t *testing.T) {
	f := setup(t)
	f.pending(t)
	_, err := wait(t, f.session.CheckPin(context.Background(), "12"))
	assert.Equal(t, service.InvalidPinCode, ErrorCode(err))
	assert.Zero(t, f.script.Count(service.MethodCheck))
}

func TestCheckPinInvalidTokenRetriesOnce(t *testing.T) {
	f := setup(t)
	f.pending(t)
	tokensBefore := f.script.Count(service.MethodToken)

	f.script.On(service.MethodCheck,
		servicetest.Result(int(service.ResultInvalidToken), "expired token"),
		servicetest.Status(0, "verified"))
	f.script.On(service.MethodToken, servicetest.Token("tok-2"))

	st, err := wait(t, f.session.CheckPin(context.Background(), "1234"))
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, st)

	// One token fetch and one retried check after the rejection.
	assert.Equal(t, 1, f.script.Count(service.MethodToken)-tokensBefore)
	checks := f.script.Calls(service.MethodCheck)
	require.Len(t, checks, 2)
	assert.Equal(t, "tok-1", checks[0].Params[service.ParamToken])
	assert.Equal(t, "tok-2", checks[1].Params[service.ParamToken])
}

func TestCheckPinInvalidTokenTwiceIsThrottled(t *testing.T) {
	f := setup(t)
	f.pending(t)
	f.script.Always(service.MethodCheck, servicetest.Result(int(service.ResultInvalidToken), "expired token"))
	f.script.On(service.MethodToken, servicetest.Token("tok-2"))

	st, err := wait(t, f.session.CheckPin(context.Background(), "1234"))
	assert.Equal(t, service.Throttled, ErrorCode(err))
	assert.Equal(t, StatusPending, st)
	assert.Equal(t, 2, f.script.Count(service.MethodCheck))
	assert.Empty(t, f.session.Snapshot().Token, "rejected token is discarded")

	// The next check fetches a token of its own.
	f.script.On(service.MethodToken, servicetest.Token("tok-3"))
	f.script.On(service.MethodCheck, servicetest.Status(0, "verified"))
	st, err = wait(t, f.session.CheckPin(context.Background(), "1234"))
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, st)
	checks := f.script.Calls(service.MethodCheck)
	assert.Equal(t, "tok-3", checks[len(checks)-1].Params[service.ParamToken])
}

func TestCheckPinAfterFailedTokenRefresh(t *testing.T) {
	f := setup(t)
	f.pending(t)
	f.script.On(service.MethodCheck, servicetest.Result(int(service.ResultInvalidToken), "expired token"))
	f.script.On(service.MethodToken, servicetest.Reply{Err: errors.New("connection reset")})

	st, err := wait(t, f.session.CheckPin(context.Background(), "1234"))
	assert.True(t, transport.IsTransport(err))
	assert.Equal(t, StatusPending, st)
	assert.Empty(t, f.session.Snapshot().Token)

	f.script.On(service.MethodToken, servicetest.Token("tok-2"))
	f.script.On(service.MethodCheck, servicetest.Status(0, "verified"))
	st, err = wait(t, f.session.CheckPin(context.Background(), "1234"))
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, st)
	assert.Equal(t, "tok-2", f.session.Snapshot().Token)

	checks := f.script.Calls(service.MethodCheck)
	require.Len(t, checks, 2)
	assert.Equal(t, "tok-2", checks[1].Params[service.ParamToken])
}

func TestCheckPinAcceptsLongCodes(t *testing.T) {
	f := setup(t)
	f.pending(t)
	f.script.On(service.MethodCheck, servicetest.Status(0, "verified"))

	st, err := wait(t, f.session.CheckPin(context.Background(), "12345678"))
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, st)
	checks := f.script.Calls(service.MethodCheck)
	require.Len(t, checks, 1)
	assert.Equal(t, "12345678", checks[0].Params[service.ParamCode])
}

func TestCheckPinUnknownUserKeepsPending(t *testing.T) {
	f := setup(t)
	f.pending(t)
	f.script.On(service.MethodCheck, servicetest.Status(0, "unknown"))

	st, err := wait(t, f.session.CheckPin(context.Background(), "1234"))
	assert.Equal(t, StatusPending, st)
	assert.Equal(t, service.UserUnknown, ErrorCode(err))
}

func TestCheckPinWrongCodeStaysPending(t *testing.T) {
	f := setup(t)
	f.pending(t)
	f.script.On(service.MethodCheck, servicetest.Result(int(service.ResultInvalidCode), "wrong code"))

	st, err := wait(t, f.session.CheckPin(context.Background(), "9999"))
	assert.Equal(t, StatusPending, st)
	assert.Equal(t, service.InvalidPinCode, ErrorCode(err))
	assert.Equal(t, StatusPending, f.session.Snapshot().Status)
}

func TestCheckPinTooManyAttemptsFails(t *testing.T) {
	f := setup(t)
	f.pending(t)
	f.script.On(service.MethodCheck, servicetest.Result(int(service.ResultInvalidCodeTooManyTimes), "locked"))

	st, err := wait(t, f.session.CheckPin(context.Background(), "9999"))
	assert.Equal(t, StatusFailed, st)
	assert.Equal(t, service.InvalidCodeTooManyTimes, ErrorCode(err))
	assert.True(t, f.session.Snapshot().Status.Terminal())
}

func TestCheckPinSerializesConcurrentCalls(t *testing.T) {
	f := setup(t)
	f.pending(t)
	f.script.On(service.MethodCheck,
		servicetest.Result(int(service.ResultInvalidCode), "wrong"),
		servicetest.Status(0, "verified"))

	a := f.session.CheckPin(context.Background(), "1111")
	b := f.session.CheckPin(context.Background(), "2222")
	_, errA := wait(t, a)
	_, errB := wait(t, b)

	assert.Equal(t, 1, countNil(errA, errB), "exactly one check succeeds")
	assert.Equal(t, StatusVerified, f.session.Snapshot().Status)
}

func countNil(errs ...error) int {
	n := 0
	for _, err := range errs {
		if err == nil {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// QueryStatus
// ---------------------------------------------------------------------------

func TestQueryStatus(t *testing.T) {
	f := setup(t)
	f.script.On(service.MethodToken, servicetest.Token("tok"))
	f.script.On(service.MethodSearch, servicetest.Status(0, "verified"))

	st, err := wait(t, f.session.QueryStatus(context.Background(), cc, number))
	require.NoError(t, err)
	assert.Equal(t, service.UserStatusVerified, st)
	assert.Equal(t, StatusNew, f.session.Snapshot().Status, "active request untouched")
	assert.Equal(t, []event{{kind: "user", user: service.UserStatusVerified}}, f.events.all())
}

func TestQueryStatusDeduplicatesInFlight(t *testing.T) {
	f := setup(t)
	started := make(chan struct{})
	release := make(chan struct{})
	reply := servicetest.Status(0, "pending")
	reply.Started = started
	reply.Wait = release
	f.script.On(service.MethodToken, servicetest.Token("tok"))
	f.script.On(service.MethodSearch, reply)

	first := f.session.QueryStatus(context.Background(), cc, number)
	<-started
	second := f.session.QueryStatus(context.Background(), cc, number)
	close(release)

	st1, err1 := wait(t, first)
	st2, err2 := wait(t, second)
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, service.UserStatusPending, st1)
	assert.Equal(t, st1, st2)
	assert.Equal(t, 1, f.script.Count(service.MethodSearch))

	require.Eventually(t, func() bool { return len(f.events.all()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestQueryStatusOutlivesFirstCallerCancel(t *testing.T) {
	f := setup(t)
	started := make(chan struct{})
	release := make(chan struct{})
	reply := servicetest.Status(0, "verified")
	reply.Started = started
	reply.Wait = release
	f.script.On(service.MethodToken, servicetest.Token("tok"))
	f.script.On(service.MethodSearch, reply)

	ctx, cancel := context.WithCancel(context.Background())
	f.session.QueryStatus(ctx, cc, number)
	<-started
	second := f.session.QueryStatus(context.Background(), cc, number)
	cancel()
	close(release)

	st, err := wait(t, second)
	require.NoError(t, err)
	assert.Equal(t, service.UserStatusVerified, st)
	assert.Equal(t, 1, f.script.Count(service.MethodSearch))
}

func TestQueryStatusFailureReportedToEachCaller(t *testing.T) {
	f := setup(t)
	f.script.On(service.MethodToken, servicetest.Result(int(service.ResultInvalidCredentials), "bad"))

	_, err := wait(t, f.session.QueryStatus(context.Background(), cc, number))
	assert.Equal(t, service.InvalidCredentials, ErrorCode(err))
	require.Eventually(t, func() bool { return len(f.events.all()) == 1 }, time.Second, 5*time.Millisecond)
}

// ---------------------------------------------------------------------------
// Command
// ---------------------------------------------------------------------------

func TestCancelTooEarlyIsRejectedLocally(t *testing.T) {
	f := setup(t)
	f.pending(t)
	f.clock.Advance(10 * time.Second)
	before := len(f.script.Calls())

	st, err := wait(t, f.session.Command(context.Background(), cc, number, service.Cancel))
	assert.Equal(t, service.CommandNotSupported, ErrorCode(err))
	assert.Equal(t, StatusPending, st)
	assert.Len(t, f.script.Calls(), before)

	evs := f.events.all()
	assert.Equal(t, event{kind: "command", cmd: service.Cancel, code: service.CommandNotSupported}, evs[len(evs)-1])
}

func TestCancelAfterDelayResetsSession(t *testing.T) {
	f := setup(t)
	f.pending(t)
	f.clock.Advance(DefaultCommandDelay)
	f.script.On(service.MethodToken, servicetest.Token("tok-cmd"))
	f.script.On(service.MethodControl, servicetest.Result(0, ""))

	st, err := wait(t, f.session.Command(context.Background(), cc, number, service.Cancel))
	require.NoError(t, err)
	assert.Equal(t, StatusNew, st)
	assert.Equal(t, Request{}, f.session.Snapshot())

	ctl := f.script.Calls(service.MethodControl)[0].Params
	assert.Equal(t, "cancel", ctl[service.ParamCommand])
	assert.Equal(t, "tok-cmd", ctl[service.ParamToken], "commands use a fresh token")

	evs := f.events.all()
	assert.Equal(t, event{kind: "command", cmd: service.Cancel, success: true}, evs[len(evs)-1])
}

func TestTriggerNextKeepsPending(t *testing.T) {
	f := setup(t)
	f.pending(t)
	f.clock.Advance(time.Minute)
	f.script.On(service.MethodToken, servicetest.Token("tok-cmd"))
	f.script.On(service.MethodControl, servicetest.Result(0, ""))

	st, err := wait(t, f.session.Command(context.Background(), cc, number, service.TriggerNextEvent))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, st)
	assert.Equal(t, "trigger_next_event", f.script.Calls(service.MethodControl)[0].Params[service.ParamCommand])
}

func TestLogoutRequiresVerified(t *testing.T) {
	f := setup(t)
	f.pending(t)

	_, err := wait(t, f.session.Command(context.Background(), cc, number, service.Logout))
	assert.Equal(t, service.InvalidUserStatusForCommand, ErrorCode(err))
	assert.Zero(t, f.script.Count(service.MethodLogout))
}

func TestLogoutVerifiedReturnsToNew(t *testing.T) {
	f := setup(t)
	f.pending(t)
	f.script.On(service.MethodCheck, servicetest.Status(0, "verified"))
	_, err := wait(t, f.session.CheckPin(context.Background(), "1234"))
	require.NoError(t, err)

	f.script.On(service.MethodToken, servicetest.Token("tok-cmd"))
	f.script.On(service.MethodLogout, servicetest.Result(0, ""))
	st, err := wait(t, f.session.Command(context.Background(), cc, number, service.Logout))
	require.NoError(t, err)
	assert.Equal(t, StatusNew, st)
	assert.Equal(t, StatusNew, f.session.Snapshot().Status)
}

func TestCommandOtherNumberUsesServerRules(t *testing.T) {
	f := setup(t)
	f.script.On(service.MethodToken, servicetest.Token("tok"))
	f.script.On(service.MethodLogout, servicetest.Result(int(service.ResultInvalidUserStatusForLogout), "not verified"))

	st, err := wait(t, f.session.Command(context.Background(), "1", "5551234567", service.Logout))
	assert.Equal(t, service.InvalidUserStatusForCommand, ErrorCode(err))
	assert.Equal(t, StatusNew, st)
	assert.Equal(t, 1, f.script.Count(service.MethodLogout))

	evs := f.events.all()
	require.Len(t, evs, 1)
	assert.Equal(t, event{kind: "command", cmd: service.Logout, code: service.InvalidUserStatusForCommand}, evs[0])
}

func TestCommandTransportFailure(t *testing.T) {
	f := setup(t)
	f.script.On(service.MethodToken, servicetest.Reply{Err: errors.New("timeout")})

	_, err := wait(t, f.session.Command(context.Background(), "1", "5551234567", service.Logout))
	assert.True(t, transport.IsTransport(err))
	assert.Equal(t, service.NoError, ErrorCode(err))
	evs := f.events.all()
	require.Len(t, evs, 1)
	assert.Equal(t, "network", evs[0].kind)
}

// ---------------------------------------------------------------------------
// Listeners and pool saturation
// ---------------------------------------------------------------------------

func TestRemovedListenerGetsNoEvents(t *testing.T) {
	f := setup(t)
	other := &recorder{}
	f.session.AddListener(other)
	require.True(t, f.session.RemoveListener(other))
	assert.False(t, f.session.RemoveListener(other))

	_, _ = wait(t, f.session.CheckPin(context.Background(), "1234"))
	assert.Empty(t, other.all())
	assert.Len(t, f.events.all(), 1)

	f.session.ClearListeners()
	_, _ = wait(t, f.session.CheckPin(context.Background(), "1234"))
	assert.Len(t, f.events.all(), 1)
}

func TestSinkFuncs(t *testing.T) {
	f := setup(t)
	f.session.ClearListeners()

	got := make(chan service.VerifyError, 1)
	sink := &SinkFuncs{Error: func(code service.VerifyError, _ string) { got <- code }}
	f.session.AddListener(sink)

	_, _ = wait(t, f.session.CheckPin(context.Background(), "1234"))
	assert.Equal(t, service.CannotPerformCheck, <-got)
	assert.True(t, f.session.RemoveListener(sink))
}

func TestPanickingSinkDoesNotBlockResult(t *testing.T) {
	f := setup(t)
	f.session.ClearListeners()
	f.session.AddListener(&SinkFuncs{StatusChanged: func(Status) { panic("sink failure") }})
	f.session.AddListener(f.events)

	f.pending(t)
	assert.Equal(t, []event{{kind: "status", status: StatusPending}}, f.events.all())

	_, err := wait(t, f.session.StartVerification(context.Background(), cc, number))
	assert.Equal(t, service.VerificationAlreadyStarted, ErrorCode(err))
}

func TestPoolSaturationReportsInternalError(t *testing.T) {
	signer := signing.New("x")
	script := servicetest.New(signer)
	svc := service.New(script, signer, service.Environment{AppID: "a"})
	pool := workerpool.New(1, 1)
	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, pool.Submit(func() { close(started); <-block }))
	<-started
	require.NoError(t, pool.Submit(func() {}))
	t.Cleanup(func() {
		close(block)
		pool.Close()
	})

	s := NewSession(svc, pool)
	rec := &recorder{}
	s.AddListener(rec)

	st, err := wait(t, s.StartVerification(context.Background(), cc, number))
	assert.Equal(t, service.InternalErr, ErrorCode(err))
	assert.ErrorIs(t, err, workerpool.ErrQueueFull)
	assert.Equal(t, StatusNew, st)
	assert.Equal(t, StatusNew, s.Snapshot().Status)
	assert.Equal(t, []event{{kind: "error", code: service.InternalErr}}, rec.all())
}
