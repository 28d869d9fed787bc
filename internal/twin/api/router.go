// Package api implements the HTTP API of the sandbox verification server:
// signed GET calls under /sdk answered with signed JSON, plus admin extras
// for reading codes and shaping state.
package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wondertwin-ai/phoneverify/internal/metrics"
	"github.com/wondertwin-ai/phoneverify/internal/service"
	"github.com/wondertwin-ai/phoneverify/internal/signing"
	"github.com/wondertwin-ai/phoneverify/internal/transport"
	"github.com/wondertwin-ai/phoneverify/internal/twin/store"
	"github.com/wondertwin-ai/phoneverify/pkg/twincore"
)

// Default limit on verify calls per number.
const (
	DefaultVerifyRate  = rate.Limit(1.0 / 6)
	DefaultVerifyBurst = 5
)

// Credentials identify the one application the sandbox serves.
type Credentials struct {
	AppID  string
	Secret string
}

// Handler holds the API state.
type Handler struct {
	store   *store.MemoryStore
	mw      *twincore.Middleware
	creds   Credentials
	signer  *signing.Signer
	tokens  *TokenIssuer
	metrics *metrics.Service
	log     *zap.Logger

	limit    rate.Limit
	burst    int
	limitsMu sync.Mutex
	limits   map[string]*rate.Limiter
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithMetrics records responses and issued codes on m.
func WithMetrics(m *metrics.Service) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithVerifyLimit limits verify calls per number. A zero limit disables it.
func WithVerifyLimit(limit rate.Limit, burst int) Option {
	return func(h *Handler) { h.limit, h.burst = limit, burst }
}

// NewHandler creates the API handler and hooks code delivery into the store.
func NewHandler(s *store.MemoryStore, mw *twincore.Middleware, creds Credentials, opts ...Option) *Handler {
	h := &Handler{
		store:  s,
		mw:     mw,
		creds:  creds,
		signer: signing.New(creds.Secret),
		tokens: NewTokenIssuer(creds.Secret, s.Settings.TokenTTL, s.Clock.Now),
		log:    zap.NewNop(),
		limit:  DefaultVerifyRate,
		burst:  DefaultVerifyBurst,
		limits: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(h)
	}
	s.OnCodeIssued = h.codeIssued
	return h
}

// Routes mounts the API and the admin extras.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/sdk", func(r chi.Router) {
		r.Use(h.mw.FaultInjection)
		r.Use(h.signedRequest)

		r.Get("/"+service.MethodToken, h.Token)
		r.Group(func(r chi.Router) {
			r.Use(h.requireToken)
			r.Get("/"+service.MethodVerify, h.Verify)
			r.Get("/"+service.MethodCheck, h.Check)
			r.Get("/"+service.MethodSearch, h.Search)
			r.Get("/"+service.MethodLogout, h.Logout)
			r.Get("/"+service.MethodControl, h.Control)
		})
	})

	r.Get("/admin/otp", h.AdminGetOTP)
	r.Get("/admin/verifications", h.AdminListVerifications)
	r.Post("/admin/blacklist", h.AdminBlacklist)
	r.Delete("/admin/blacklist", h.AdminUnblacklist)
	r.Post("/admin/tokens/revoke", h.AdminRevokeTokens)
}

type paramsKey struct{}

func paramsFrom(ctx context.Context) map[string]string {
	p, _ := ctx.Value(paramsKey{}).(map[string]string)
	return p
}

// signedRequest checks client headers, the app id and the request
// signature before any API handler runs.
func (h *Handler) signedRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		params := make(map[string]string, len(q))
		for k := range q {
			params[k] = q.Get(k)
		}

		switch {
		case r.Header.Get(transport.HeaderSDKRevision) == "":
			h.reject(w, r, service.ResultSDKNotSupported, "missing "+transport.HeaderSDKRevision)
		case r.Header.Get(transport.HeaderOSFamily) == "":
			h.reject(w, r, service.ResultOSNotSupported, "missing "+transport.HeaderOSFamily)
		case params[service.ParamAppID] != h.creds.AppID:
			h.reject(w, r, service.ResultBadAppID, "unknown app_id")
		case !h.signer.VerifyRequest(params):
			h.reject(w, r, service.ResultInvalidCredentials, "bad request signature")
		default:
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), paramsKey{}, params)))
		}
	})
}

// requireToken accepts only live tokens issued to the calling device.
func (h *Handler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := paramsFrom(r.Context())
		id, err := h.tokens.Parse(p[service.ParamToken], h.creds.AppID, p[service.ParamDeviceID])
		if err == nil && !h.store.TokenValid(id) {
			err = errTokenRevoked
		}
		if err != nil {
			h.log.Debug("token rejected", zap.String("path", r.URL.Path), zap.Error(err))
			h.reject(w, r, service.ResultInvalidToken, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limited reports whether a verify call for key exceeds the rate limit.
func (h *Handler) limited(key string) bool {
	if h.limit == 0 {
		return false
	}
	h.limitsMu.Lock()
	l, ok := h.limits[key]
	if !ok {
		l = rate.NewLimiter(h.limit, h.burst)
		h.limits[key] = l
	}
	h.limitsMu.Unlock()
	return !l.Allow()
}

func (h *Handler) codeIssued(v store.Verification) {
	h.metrics.PinIssued()
	h.log.Info("code sent",
		zap.String("id", v.ID),
		zap.String("country", v.CountryCode),
		zap.String("number", v.Number),
		zap.String("code", v.Code),
		zap.Int("delivery", v.Deliveries))
}

// Snapshot, LoadState and Reset expose the store to the admin plane and
// clear the per-number limiters on reset.

func (h *Handler) Snapshot() any { return h.store.Snapshot() }

func (h *Handler) LoadState(data []byte) error { return h.store.LoadState(data) }

func (h *Handler) Reset() {
	h.store.Reset()
	h.limitsMu.Lock()
	h.limits = make(map[string]*rate.Limiter)
	h.limitsMu.Unlock()
}
