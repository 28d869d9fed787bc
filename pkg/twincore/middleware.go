package twincore

import (
	"fmt"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// RequestLogEntry records one request for inspection through the admin API.
type RequestLogEntry struct {
	Timestamp  time.Time         `json:"timestamp"`
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	Query      string            `json:"query,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	StatusCode int               `json:"status_code"`
	Duration   time.Duration     `json:"duration_ms"`
	RequestID  string            `json:"request_id,omitempty"`
}

// RequestLog keeps the most recent requests, oldest first.
type RequestLog struct {
	mu      sync.RWMutex
	entries []RequestLogEntry
	max     int
}

// NewRequestLog creates a log holding at most max entries.
func NewRequestLog(max int) *RequestLog {
	if max < 1 {
		max = 1
	}
	return &RequestLog{entries: make([]RequestLogEntry, 0, max), max: max}
}

// Add appends e, dropping the oldest entry when full.
func (l *RequestLog) Add(e RequestLogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == l.max {
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:l.max-1]
	}
	l.entries = append(l.entries, e)
}

// Entries returns a copy of the log.
func (l *RequestLog) Entries() []RequestLogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]RequestLogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Clear empties the log.
func (l *RequestLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = l.entries[:0]
}

// FaultConfig describes an injected failure for one path.
type FaultConfig struct {
	StatusCode int           `json:"status_code"`
	Body       string        `json:"body,omitempty"`
	Delay      time.Duration `json:"delay_ms,omitempty"`
	// Rate is the probability in (0, 1] that the fault fires. Zero means always.
	Rate float64 `json:"rate"`
}

// FaultRegistry maps request paths to injected faults.
type FaultRegistry struct {
	mu     sync.RWMutex
	faults map[string]FaultConfig
}

// NewFaultRegistry creates an empty registry.
func NewFaultRegistry() *FaultRegistry {
	return &FaultRegistry{faults: make(map[string]FaultConfig)}
}

// Set registers f for path.
func (r *FaultRegistry) Set(path string, f FaultConfig) {
	if f.Rate <= 0 || f.Rate > 1 {
		f.Rate = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults[path] = f
}

// Remove unregisters the fault for path.
func (r *FaultRegistry) Remove(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.faults[path]
	delete(r.faults, path)
	return ok
}

// Check returns the fault to apply to path, if any fires.
func (r *FaultRegistry) Check(path string) *FaultConfig {
	r.mu.RLock()
	f, ok := r.faults[path]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	if f.Rate < 1 && rand.Float64() >= f.Rate {
		return nil
	}
	return &f
}

// All returns a copy of the registered faults.
func (r *FaultRegistry) All() map[string]FaultConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]FaultConfig, len(r.faults))
	for k, v := range r.faults {
		out[k] = v
	}
	return out
}

// Paths lists the paths with a registered fault, sorted.
func (r *FaultRegistry) Paths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.faults))
	for k := range r.faults {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Reset removes every fault.
func (r *FaultRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults = make(map[string]FaultConfig)
}

// Middleware holds the shared middleware state.
type Middleware struct {
	cfg    *Config
	log    *zap.Logger
	ReqLog *RequestLog
	Faults *FaultRegistry
}

// NewMiddleware creates the middleware set. A nil logger is replaced by a no-op one.
func NewMiddleware(cfg *Config, log *zap.Logger) *Middleware {
	if log == nil {
		log = zap.NewNop()
	}
	return &Middleware{
		cfg:    cfg,
		log:    log,
		ReqLog: NewRequestLog(1000),
		Faults: NewFaultRegistry(),
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// RequestLog records every request into ReqLog.
func (m *Middleware) RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		entry := RequestLogEntry{
			Timestamp:  start,
			Method:     r.Method,
			Path:       r.URL.Path,
			Query:      r.URL.RawQuery,
			StatusCode: rec.status,
			Duration:   time.Since(start),
			RequestID:  chimw.GetReqID(r.Context()),
		}
		if m.cfg.Verbose {
			entry.Headers = make(map[string]string, len(r.Header))
			for k := range r.Header {
				entry.Headers[k] = r.Header.Get(k)
			}
			m.log.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("duration", entry.Duration))
		}
		m.ReqLog.Add(entry)
	})
}

// LatencyInjection delays each request by 80-120% of the configured latency.
func (m *Middleware) LatencyInjection(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.cfg.Latency > 0 {
			jitter := 0.8 + rand.Float64()*0.4
			sleep(r, time.Duration(float64(m.cfg.Latency)*jitter))
		}
		next.ServeHTTP(w, r)
	})
}

// RandomFailure fails requests with 500 at the configured rate.
func (m *Middleware) RandomFailure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.cfg.FailRate > 0 && rand.Float64() < m.cfg.FailRate {
			Error(w, http.StatusInternalServerError, "simulated random failure")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// FaultInjection applies registered faults. Mount it on API routes only so
// the admin plane stays reachable.
func (m *Middleware) FaultInjection(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f := m.Faults.Check(r.URL.Path)
		if f == nil {
			next.ServeHTTP(w, r)
			return
		}
		if f.Delay > 0 {
			sleep(r, f.Delay)
		}
		if f.StatusCode == 0 {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.StatusCode)
		if f.Body != "" {
			fmt.Fprint(w, f.Body)
			return
		}
		fmt.Fprintf(w, `{"error":{"message":"injected fault","code":%d}}`, f.StatusCode)
	})
}

func sleep(r *http.Request, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-r.Context().Done():
	}
}
