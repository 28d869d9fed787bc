// Package service implements one adapter per remote method of the
// verification service. Each adapter builds the request parameters, makes a
// single signed call, checks the response signature and turns the result
// code into either a typed response or an *Error.
package service

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/wondertwin-ai/phoneverify/internal/device"
	"github.com/wondertwin-ai/phoneverify/internal/signing"
	"github.com/wondertwin-ai/phoneverify/internal/transport"
)

// Remote method paths.
const (
	MethodToken   = "token"
	MethodVerify  = "verify"
	MethodCheck   = "verify/check"
	MethodSearch  = "verify/search"
	MethodLogout  = "verify/logout"
	MethodControl = "verify/control"
)

// Request parameter names.
const (
	ParamAppID     = "app_id"
	ParamDeviceID  = "device_id"
	ParamSourceIP  = "source_ip_address"
	ParamCountry   = "country"
	ParamNumber    = "number"
	ParamToken     = "token"
	ParamCode      = "code"
	ParamCommand   = "cmd"
	ParamLanguage  = "lg"
	ParamPushToken = "push_token"
)

// Caller executes one signed call. *transport.Client implements it.
type Caller interface {
	Do(ctx context.Context, req transport.Request) (*transport.Response, error)
}

// Environment carries the values attached to every request.
type Environment struct {
	AppID     string
	Device    device.Provider
	PushToken string
}

// Services groups the adapters. They hold no per-call state and are safe
// for concurrent use.
type Services struct {
	Token   *TokenService
	Verify  *VerifyService
	Check   *CheckService
	Search  *SearchService
	Command *CommandService
}

// Option configures Services.
type Option func(*base)

// WithLogger sets the logger shared by all adapters.
func WithLogger(l *zap.Logger) Option {
	return func(b *base) { b.log = l }
}

// New builds the adapters on top of caller. signer must share the secret
// used by the caller so response signatures can be checked.
func New(caller Caller, signer *signing.Signer, env Environment, opts ...Option) *Services {
	b := &base{caller: caller, signer: signer, env: env, log: zap.NewNop()}
	for _, opt := range opts {
		opt(b)
	}
	if b.env.Device == nil {
		b.env.Device = device.Static{}
	}
	return &Services{
		Token:   &TokenService{b},
		Verify:  &VerifyService{b},
		Check:   &CheckService{b},
		Search:  &SearchService{b},
		Command: &CommandService{b},
	}
}

type base struct {
	caller Caller
	signer *signing.Signer
	env    Environment
	log    *zap.Logger
}

// params returns the parameters every method carries.
func (b *base) params() map[string]string {
	dev := b.env.Device.Properties()
	return map[string]string{
		ParamAppID:    b.env.AppID,
		ParamDeviceID: dev.DeviceID,
		ParamSourceIP: dev.SourceIP,
	}
}

// call performs the request and decodes the body into out. Transport
// failures are returned unchanged. The signature is checked before the
// result code is looked at.
func (b *base) call(ctx context.Context, method string, params map[string]string, out response) error {
	resp, err := b.caller.Do(ctx, transport.Request{Method: method, Params: params})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		b.log.Warn("undecodable response", zap.String("method", method), zap.Error(err))
		return &Error{Code: InternalErr, Result: ResultNone, Message: "malformed response", Err: err}
	}
	hdr := out.header()
	if !b.signer.Verify(string(hdr.Timestamp), resp.Body, resp.Signature) {
		b.log.Warn("response signature rejected",
			zap.String("method", method),
			zap.Int("result_code", int(hdr.ResultCode)))
		return &Error{Code: InvalidCredentials, Result: ResultNone, Message: "response signature rejected", Err: ErrSignature}
	}
	b.log.Debug("response",
		zap.String("method", method),
		zap.Int("result_code", int(hdr.ResultCode)))
	return nil
}

// Target names the phone number an operation applies to.
type Target struct {
	CountryCode string
	PhoneNumber string
}

func (t Target) apply(params map[string]string) {
	params[ParamCountry] = t.CountryCode
	params[ParamNumber] = t.PhoneNumber
}

// TokenService fetches device tokens.
type TokenService struct{ *base }

// Fetch requests a new token.
func (s *TokenService) Fetch(ctx context.Context) (*TokenResponse, error) {
	var out TokenResponse
	if err := s.call(ctx, MethodToken, s.params(), &out); err != nil {
		return nil, err
	}
	if out.ResultCode != ResultOK {
		return nil, FromResult(out.ResultCode, out.ResultMessage)
	}
	if out.Token == "" {
		return nil, &Error{Code: InternalErr, Result: out.ResultCode, Message: "empty token in response"}
	}
	return &out, nil
}

// VerifyService starts, or restarts, a verification.
type VerifyService struct{ *base }

// Start asks the service to send a PIN to target.
// VERIFICATION_RESTARTED and VERIFICATION_EXPIRED_RESTARTED count as success.
func (s *VerifyService) Start(ctx context.Context, token string, target Target) (*StatusResponse, error) {
	params := s.params()
	target.apply(params)
	params[ParamToken] = token
	if lg := s.env.Device.Properties().Language; lg != "" {
		params[ParamLanguage] = lg
	}
	if s.env.PushToken != "" {
		params[ParamPushToken] = s.env.PushToken
	}

	var out StatusResponse
	if err := s.call(ctx, MethodVerify, params, &out); err != nil {
		return nil, err
	}
	switch out.ResultCode {
	case ResultOK, ResultVerificationRestarted, ResultVerificationExpiredRestarted:
		return &out, nil
	default:
		return nil, FromResult(out.ResultCode, out.ResultMessage)
	}
}

// CheckService submits PIN codes.
type CheckService struct{ *base }

// Check submits pin for target.
func (s *CheckService) Check(ctx context.Context, token string, target Target, pin string) (*StatusResponse, error) {
	params := s.params()
	target.apply(params)
	params[ParamToken] = token
	params[ParamCode] = pin

	var out StatusResponse
	if err := s.call(ctx, MethodCheck, params, &out); err != nil {
		return nil, err
	}
	if out.ResultCode != ResultOK {
		return nil, FromResult(out.ResultCode, out.ResultMessage)
	}
	return &out, nil
}

// SearchService looks up the status of a number.
type SearchService struct{ *base }

// Search returns the server's status for target.
func (s *SearchService) Search(ctx context.Context, token string, target Target) (*StatusResponse, error) {
	params := s.params()
	target.apply(params)
	params[ParamToken] = token

	var out StatusResponse
	if err := s.call(ctx, MethodSearch, params, &out); err != nil {
		return nil, err
	}
	if out.ResultCode != ResultOK {
		return nil, FromResult(out.ResultCode, out.ResultMessage)
	}
	return &out, nil
}

// CommandService issues control commands.
type CommandService struct{ *base }

// Run sends cmd for target. LOGOUT goes to verify/logout; CANCEL and
// TRIGGER_NEXT_EVENT go to verify/control with the matching cmd value.
func (s *CommandService) Run(ctx context.Context, token string, target Target, cmd Command) (*CommandResponse, error) {
	params := s.params()
	target.apply(params)
	params[ParamToken] = token

	var method string
	switch cmd {
	case Logout:
		method = MethodLogout
	case Cancel:
		method = MethodControl
		params[ParamCommand] = cmdCancel
	case TriggerNextEvent:
		method = MethodControl
		params[ParamCommand] = cmdTriggerNext
	default:
		return nil, &Error{Code: CommandNotSupported, Result: ResultNone, Message: "unknown command " + cmd.String()}
	}

	out := CommandResponse{Command: cmd}
	if err := s.call(ctx, method, params, &out); err != nil {
		return nil, err
	}
	if out.ResultCode != ResultOK {
		return nil, FromResult(out.ResultCode, out.ResultMessage)
	}
	return &out, nil
}
