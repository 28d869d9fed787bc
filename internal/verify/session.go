// Package verify drives a single end user's phone number verification:
// it owns the verification request, runs every remote call on a worker
// pool and reports each outcome to the registered EventSinks.
package verify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/wondertwin-ai/phoneverify/internal/metrics"
	"github.com/wondertwin-ai/phoneverify/internal/service"
	"github.com/wondertwin-ai/phoneverify/internal/transport"
	"github.com/wondertwin-ai/phoneverify/internal/workerpool"
)

// Input limits and timing rules.
const (
	MinPinLength   = 4
	MinPhoneLength = 2
	MaxPhoneLength = 15

	// DefaultCommandDelay is how long a verification must have been pending
	// before CANCEL or TRIGGER_NEXT_EVENT is accepted.
	DefaultCommandDelay = 30 * time.Second
)

// LocalError is a request rejected before any network call.
type LocalError struct {
	Code    service.VerifyError
	Message string
	Err     error
}

func (e *LocalError) Error() string { return e.Code.String() + ": " + e.Message }

func (e *LocalError) Unwrap() error { return e.Err }

// Session is the state machine for one end user. All methods are safe for
// concurrent use and return without waiting for the network.
type Session struct {
	svc          *service.Services
	pool         *workerpool.Pool
	log          *zap.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
	commandDelay time.Duration

	// flow serializes start, check and active-number command flows so a
	// token refresh never interleaves with a pin check.
	flow sync.Mutex

	mu  sync.Mutex
	req Request

	sinksMu sync.RWMutex
	sinks   []EventSink

	searches singleflight.Group
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithMetrics records transitions and token fetches on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithCommandDelay overrides DefaultCommandDelay.
func WithCommandDelay(d time.Duration) Option {
	return func(s *Session) { s.commandDelay = d }
}

// NewSession creates a session in StatusNew. The pool is not owned by the
// session and may be shared.
func NewSession(svc *service.Services, pool *workerpool.Pool, opts ...Option) *Session {
	s := &Session{
		svc:          svc,
		pool:         pool,
		log:          zap.NewNop(),
		now:          time.Now,
		commandDelay: DefaultCommandDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot returns a copy of the current request.
func (s *Session) Snapshot() Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.req
}

// StartVerification begins verifying a number. It is rejected with
// VERIFICATION_ALREADY_STARTED while a verification is in flight. If the
// same number is already verified in this session the Verified status is
// reported again without a network call.
func (s *Session) StartVerification(ctx context.Context, countryCode, phoneNumber string) *Result[Status] {
	res := newResult[Status]()
	countryCode, phoneNumber, err := normalizeNumber(countryCode, phoneNumber)
	if err != nil {
		s.fail(res, s.Snapshot().Status, err)
		return res
	}

	s.mu.Lock()
	prev := s.req
	switch {
	case prev.Status == StatusPending || prev.Status == StatusAwaitingToken:
		s.mu.Unlock()
		s.fail(res, prev.Status, &LocalError{Code: service.VerificationAlreadyStarted, Message: "a verification is already in progress"})
		return res
	case prev.Status == StatusVerified && prev.matches(countryCode, phoneNumber):
		s.mu.Unlock()
		s.succeed(res, StatusVerified)
		return res
	}
	s.req = Request{CountryCode: countryCode, PhoneNumber: phoneNumber, Status: StatusAwaitingToken}
	s.mu.Unlock()
	s.transitioned(prev.Status, StatusAwaitingToken, phoneNumber)

	err = s.run(func() {
		st, err := s.startFlow(ctx, prev)
		if err != nil {
			s.fail(res, st, err)
			return
		}
		s.succeed(res, st)
	})
	if err != nil {
		s.restore(prev)
		s.fail(res, prev.Status, err)
	}
	return res
}

func (s *Session) startFlow(ctx context.Context, prev Request) (Status, error) {
	s.flow.Lock()
	defer s.flow.Unlock()

	req := s.Snapshot()
	target := service.Target{CountryCode: req.CountryCode, PhoneNumber: req.PhoneNumber}
	resp, err := withToken(ctx, s, true, true, func(token string) (*service.StatusResponse, error) {
		return s.svc.Verify.Start(ctx, token, target)
	})
	if err != nil {
		s.restore(prev)
		return prev.Status, err
	}

	switch resp.UserStatus {
	case service.UserStatusPending:
		s.update(func(r *Request) {
			r.Status = StatusPending
			r.PendingSince = s.now()
		})
		return StatusPending, nil
	case service.UserStatusVerified:
		s.update(func(r *Request) { r.Status = StatusVerified })
		return StatusVerified, nil
	case service.UserStatusExpired:
		return s.terminate(StatusExpired, service.UserExpired, resp)
	case service.UserStatusBlacklisted:
		return s.terminate(StatusBlacklisted, service.UserBlacklisted, resp)
	case service.UserStatusFailed:
		return s.terminate(StatusFailed, service.UserFailed, resp)
	case service.UserStatusUnknown:
		s.restore(prev)
		return prev.Status, unknownUser(resp)
	default:
		s.restore(prev)
		return prev.Status, &service.Error{
			Code:    service.InternalErr,
			Result:  resp.ResultCode,
			Message: fmt.Sprintf("unexpected user status %q", resp.UserStatus),
		}
	}
}

// terminate moves the request to a terminal status and returns the error
// reported for it.
func (s *Session) terminate(st Status, code service.VerifyError, resp *service.StatusResponse) (Status, error) {
	s.update(func(r *Request) {
		r.Status = st
		r.Token = ""
	})
	msg := resp.ResultMessage
	if msg == "" {
		msg = "user " + string(resp.UserStatus)
	}
	return st, &service.Error{Code: code, Result: resp.ResultCode, Message: msg}
}

// unknownUser is the error for a server that no longer knows the number.
func unknownUser(resp *service.StatusResponse) error {
	msg := resp.ResultMessage
	if msg == "" {
		msg = "user unknown"
	}
	return &service.Error{Code: service.UserUnknown, Result: resp.ResultCode, Message: msg}
}

// CheckPin submits the PIN for the pending verification. It fails locally
// with CANNOT_PERFORM_CHECK unless the request is Pending. A request whose
// token was discarded fetches a new one before the check.
func (s *Session) CheckPin(ctx context.Context, pin string) *Result[Status] {
	res := newResult[Status]()
	cur := s.Snapshot()
	pin = strings.TrimSpace(pin)
	if len(pin) < MinPinLength {
		s.fail(res, cur.Status, &LocalError{
			Code:    service.InvalidPinCode,
			Message: fmt.Sprintf("pin must have at least %d characters", MinPinLength),
		})
		return res
	}
	if cur.Status != StatusPending {
		s.fail(res, cur.Status, &LocalError{Code: service.CannotPerformCheck, Message: "no verification is pending"})
		return res
	}

	err := s.run(func() {
		st, err := s.checkFlow(ctx, pin)
		if err != nil {
			s.fail(res, st, err)
			return
		}
		s.succeed(res, st)
	})
	if err != nil {
		s.fail(res, cur.Status, err)
	}
	return res
}

func (s *Session) checkFlow(ctx context.Context, pin string) (Status, error) {
	s.flow.Lock()
	defer s.flow.Unlock()

	req := s.Snapshot()
	if req.Status != StatusPending {
		return req.Status, &LocalError{Code: service.CannotPerformCheck, Message: "no verification is pending"}
	}
	s.update(func(r *Request) { r.PinCode = pin })
	defer s.update(func(r *Request) { r.PinCode = "" })

	target := service.Target{CountryCode: req.CountryCode, PhoneNumber: req.PhoneNumber}
	resp, err := withToken(ctx, s, false, true, func(token string) (*service.StatusResponse, error) {
		return s.svc.Check.Check(ctx, token, target, pin)
	})
	if err != nil {
		if service.CodeOf(err) == service.InvalidCodeTooManyTimes {
			s.update(func(r *Request) {
				r.Status = StatusFailed
				r.Token = ""
			})
			return StatusFailed, err
		}
		return req.Status, err
	}

	switch resp.UserStatus {
	case service.UserStatusVerified, "":
		s.update(func(r *Request) { r.Status = StatusVerified })
		return StatusVerified, nil
	case service.UserStatusExpired:
		return s.terminate(StatusExpired, service.UserExpired, resp)
	case service.UserStatusBlacklisted:
		return s.terminate(StatusBlacklisted, service.UserBlacklisted, resp)
	case service.UserStatusFailed:
		return s.terminate(StatusFailed, service.UserFailed, resp)
	case service.UserStatusUnknown:
		return req.Status, unknownUser(resp)
	default:
		return req.Status, &service.Error{
			Code:    service.InternalErr,
			Result:  resp.ResultCode,
			Message: fmt.Sprintf("unexpected user status %q after check", resp.UserStatus),
		}
	}
}

// QueryStatus asks the server for the status of any number. It does not
// touch the active request. Queries for a number that is already being
// queried join the in-flight call; every caller still gets its own event.
func (s *Session) QueryStatus(ctx context.Context, countryCode, phoneNumber string) *Result[service.UserStatus] {
	res := newResult[service.UserStatus]()
	countryCode, phoneNumber, err := normalizeNumber(countryCode, phoneNumber)
	if err != nil {
		s.report(err)
		res.complete("", err)
		return res
	}

	// The shared call outlives any single caller's cancellation; transport
	// timeouts still bound it.
	shared := context.WithoutCancel(ctx)
	ch := s.searches.DoChan(countryCode+":"+phoneNumber, func() (interface{}, error) {
		done := make(chan struct{})
		var st service.UserStatus
		var err error
		if perr := s.run(func() {
			defer close(done)
			st, err = s.search(shared, countryCode, phoneNumber)
		}); perr != nil {
			return service.UserStatus(""), perr
		}
		<-done
		return st, err
	})

	go func() {
		r := <-ch
		st, _ := r.Val.(service.UserStatus)
		if r.Err != nil {
			s.report(r.Err)
			res.complete(st, r.Err)
			return
		}
		s.emit(func(k EventSink) { k.OnUserStatus(countryCode, phoneNumber, st) })
		res.complete(st, nil)
	}()
	return res
}

func (s *Session) search(ctx context.Context, countryCode, phoneNumber string) (service.UserStatus, error) {
	target := service.Target{CountryCode: countryCode, PhoneNumber: phoneNumber}
	resp, err := withToken(ctx, s, true, false, func(token string) (*service.StatusResponse, error) {
		return s.svc.Search.Search(ctx, token, target)
	})
	if err != nil {
		return "", err
	}
	return resp.UserStatus, nil
}

// Command sends cmd for a number. When the number is the session's active
// request the lifecycle preconditions are checked first: LOGOUT needs
// Verified, CANCEL and TRIGGER_NEXT_EVENT need Pending for at least the
// command delay. A successful LOGOUT or CANCEL returns the session to New.
// The result carries the session status after the command.
func (s *Session) Command(ctx context.Context, countryCode, phoneNumber string, cmd service.Command) *Result[Status] {
	res := newResult[Status]()
	cur := s.Snapshot()
	countryCode, phoneNumber, err := normalizeNumber(countryCode, phoneNumber)
	if err != nil {
		s.commandDone(res, cmd, cur.Status, err)
		return res
	}

	active := cur.Status != StatusNew && cur.matches(countryCode, phoneNumber)
	if active {
		if err := s.commandAllowed(cur, cmd); err != nil {
			s.commandDone(res, cmd, cur.Status, err)
			return res
		}
	}

	err = s.run(func() {
		st, err := s.commandFlow(ctx, countryCode, phoneNumber, cmd, active)
		s.commandDone(res, cmd, st, err)
	})
	if err != nil {
		s.commandDone(res, cmd, cur.Status, err)
	}
	return res
}

func (s *Session) commandAllowed(r Request, cmd service.Command) error {
	switch cmd {
	case service.Logout:
		if r.Status != StatusVerified {
			return &LocalError{Code: service.InvalidUserStatusForCommand, Message: "logout requires a verified user"}
		}
	case service.Cancel, service.TriggerNextEvent:
		if r.Status != StatusPending {
			return &LocalError{Code: service.InvalidUserStatusForCommand, Message: cmd.String() + " requires a pending verification"}
		}
		if wait := s.commandDelay - s.now().Sub(r.PendingSince); wait > 0 {
			return &LocalError{
				Code:    service.CommandNotSupported,
				Message: fmt.Sprintf("%s is available %s after the verification started", cmd, s.commandDelay),
			}
		}
	}
	return nil
}

func (s *Session) commandFlow(ctx context.Context, countryCode, phoneNumber string, cmd service.Command, active bool) (Status, error) {
	if active {
		s.flow.Lock()
		defer s.flow.Unlock()
		// The request may have moved on while the task was queued.
		cur := s.Snapshot()
		if !cur.matches(countryCode, phoneNumber) || cur.Status == StatusNew {
			active = false
		} else if err := s.commandAllowed(cur, cmd); err != nil {
			return cur.Status, err
		}
	}

	target := service.Target{CountryCode: countryCode, PhoneNumber: phoneNumber}
	_, err := withToken(ctx, s, true, false, func(token string) (*service.CommandResponse, error) {
		return s.svc.Command.Run(ctx, token, target, cmd)
	})
	if err != nil || !active {
		return s.Snapshot().Status, err
	}

	switch cmd {
	case service.Logout, service.Cancel:
		s.update(func(r *Request) { *r = Request{} })
		return StatusNew, nil
	default:
		return s.Snapshot().Status, nil
	}
}

// withToken calls fn with a token. A bound token lives on the active
// request: the current one is reused unless fresh is set, and fetched ones
// are stored back. An INVALID_TOKEN answer discards the token and fn is
// retried once with a new one; a second rejection is reported as THROTTLED.
func withToken[T any](ctx context.Context, s *Session, fresh, bound bool, fn func(token string) (T, error)) (T, error) {
	var zero T
	token := ""
	if bound && !fresh {
		token = s.Snapshot().Token
	}
	for retried := false; ; retried = true {
		if token == "" {
			tr, err := s.svc.Token.Fetch(ctx)
			if err != nil {
				return zero, err
			}
			s.metrics.TokenFetched()
			token = tr.Token
			if bound {
				s.update(func(r *Request) { r.Token = tr.Token })
			}
		}

		out, err := fn(token)
		if !service.IsInvalidToken(err) {
			return out, err
		}
		if bound {
			s.update(func(r *Request) { r.Token = "" })
		}
		if retried {
			return zero, &service.Error{
				Code:    service.Throttled,
				Result:  service.ResultInvalidToken,
				Message: "token rejected again after refresh",
				Err:     err,
			}
		}
		s.log.Debug("token rejected, refreshing")
		token = ""
	}
}

// run submits task to the pool, converting a refusal into a LocalError.
func (s *Session) run(task func()) error {
	if err := s.pool.Submit(task); err != nil {
		s.metrics.QueueRejected()
		s.log.Warn("operation refused", zap.Error(err))
		return &LocalError{Code: service.InternalErr, Message: "operation queue unavailable", Err: err}
	}
	return nil
}

func (s *Session) update(fn func(r *Request)) {
	s.mu.Lock()
	from := s.req.Status
	fn(&s.req)
	to, number := s.req.Status, s.req.PhoneNumber
	s.mu.Unlock()
	s.transitioned(from, to, number)
}

func (s *Session) restore(prev Request) {
	s.update(func(r *Request) { *r = prev })
}

func (s *Session) transitioned(from, to Status, number string) {
	if from == to {
		return
	}
	s.metrics.Transition(from.String(), to.String())
	s.log.Info("status changed",
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.String("number", mask(number)))
}

func (s *Session) succeed(res *Result[Status], st Status) {
	s.emit(func(k EventSink) { k.OnStatusChanged(st) })
	res.complete(st, nil)
}

func (s *Session) fail(res *Result[Status], st Status, err error) {
	s.report(err)
	res.complete(st, err)
}

// report delivers err as exactly one event.
func (s *Session) report(err error) {
	if transport.IsTransport(err) {
		s.emit(func(k EventSink) { k.OnNetworkException(err) })
		return
	}
	code, msg := describe(err)
	s.emit(func(k EventSink) { k.OnError(code, msg) })
}

func (s *Session) commandDone(res *Result[Status], cmd service.Command, st Status, err error) {
	switch {
	case err == nil:
		s.emit(func(k EventSink) { k.OnCommandResult(cmd, true, service.NoError, "") })
	case transport.IsTransport(err):
		s.emit(func(k EventSink) { k.OnNetworkException(err) })
	default:
		code, msg := describe(err)
		s.emit(func(k EventSink) { k.OnCommandResult(cmd, false, code, msg) })
	}
	res.complete(st, err)
}

func describe(err error) (service.VerifyError, string) {
	var le *LocalError
	if errors.As(err, &le) {
		return le.Code, le.Message
	}
	var se *service.Error
	if errors.As(err, &se) {
		return se.Code, se.Message
	}
	return service.InternalErr, err.Error()
}

// ErrorCode returns the VerifyError for an operation error. Transport
// failures and nil yield NoError.
func ErrorCode(err error) service.VerifyError {
	if err == nil || transport.IsTransport(err) {
		return service.NoError
	}
	code, _ := describe(err)
	return code
}

// normalizeNumber strips formatting and validates lengths.
func normalizeNumber(countryCode, phoneNumber string) (string, string, error) {
	cc := strings.TrimPrefix(strings.TrimSpace(countryCode), "+")
	number := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, strings.TrimSpace(phoneNumber))

	if cc == "" || number == "" {
		return "", "", &LocalError{Code: service.NumberRequired, Message: "country code and phone number are required"}
	}
	if !digits(cc) || !digits(number) {
		return "", "", &LocalError{Code: service.InvalidNumber, Message: "phone number must contain digits only"}
	}
	if n := len(number); n < MinPhoneLength || n > MaxPhoneLength {
		return "", "", &LocalError{
			Code:    service.InvalidNumber,
			Message: fmt.Sprintf("phone number must have %d to %d digits", MinPhoneLength, MaxPhoneLength),
		}
	}
	return cc, number, nil
}

func digits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func mask(number string) string {
	if len(number) <= 3 {
		return number
	}
	return strings.Repeat("*", len(number)-3) + number[len(number)-3:]
}
