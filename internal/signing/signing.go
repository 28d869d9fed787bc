// Package signing computes and checks the keyed digests carried by every
// request to, and every response from, the verification service.
//
// A request is signed by sorting its parameters by key, joining them as
// "&key=value" pairs, appending the shared secret and hashing the result.
// A response is signed over its raw body followed by the shared secret.
package signing

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// ParamTimestamp is the request parameter carrying the epoch seconds at signing time.
	ParamTimestamp = "timestamp"
	// ParamSignature is the request parameter carrying the digest. It is never
	// part of the canonical string.
	ParamSignature = "sig"

	// MaxClockSkew bounds the distance between a signed timestamp and local time.
	MaxClockSkew = 300 * time.Second
)

// sanitizer keeps keys and values from forging extra pairs in the canonical string.
var sanitizer = strings.NewReplacer("=", "_", "&", "_")

// Signer holds the shared secret and the clock used for timestamps.
type Signer struct {
	secret string
	now    func() time.Time
}

// Option configures a Signer.
type Option func(*Signer)

// WithClock overrides the time source used for timestamps and skew checks.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a Signer for the given shared secret.
func New(secret string, opts ...Option) *Signer {
	s := &Signer{secret: secret, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sign injects the current timestamp into params, computes the digest over
// the canonical string and stores it under ParamSignature. The digest is
// also returned.
func (s *Signer) Sign(params map[string]string) string {
	params[ParamTimestamp] = strconv.FormatInt(s.now().Unix(), 10)
	sig := Digest(Canonical(params, s.secret))
	params[ParamSignature] = sig
	return sig
}

// VerifyRequest reports whether params carry a valid signature and a fresh
// timestamp. Used on the receiving side of Sign.
func (s *Signer) VerifyRequest(params map[string]string) bool {
	supplied := params[ParamSignature]
	if supplied == "" || !s.fresh(params[ParamTimestamp]) {
		return false
	}
	return equal(Digest(Canonical(params, s.secret)), supplied)
}

// SignResponse returns the digest of body followed by the secret.
func (s *Signer) SignResponse(body []byte) string {
	h := md5.New()
	h.Write(body)
	h.Write([]byte(s.secret))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a response: timestamp must parse and lie within MaxClockSkew
// of local time, and supplied must equal the digest of body plus secret.
func (s *Signer) Verify(timestamp string, body []byte, supplied string) bool {
	if !s.fresh(timestamp) {
		return false
	}
	return equal(s.SignResponse(body), supplied)
}

func (s *Signer) fresh(timestamp string) bool {
	timestamp = strings.TrimSpace(timestamp)
	if timestamp == "" {
		return false
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	now, window := s.now().Unix(), int64(MaxClockSkew/time.Second)
	return ts >= now-window && ts <= now+window
}

// Canonical builds the string that is hashed for a request signature.
// Blank values and the signature parameter are skipped; the remaining pairs
// are sorted by key.
func Canonical(params map[string]string, secret string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if k == ParamSignature || strings.TrimSpace(v) == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteByte('&')
		b.WriteString(sanitizer.Replace(k))
		b.WriteByte('=')
		b.WriteString(sanitizer.Replace(params[k]))
	}
	b.WriteString(secret)
	return b.String()
}

// Digest returns the lowercase hex MD5 of s.
func Digest(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
