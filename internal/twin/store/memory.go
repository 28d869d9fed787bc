// Package store holds the sandbox verification server's state and the
// rules that move a number between user statuses.
package store

import (
	"crypto/rand"
	"encoding/json"
	"math/big"
	"strings"
	"time"

	"github.com/wondertwin-ai/phoneverify/internal/service"
	pkgstore "github.com/wondertwin-ai/phoneverify/pkg/store"
)

// Defaults for Settings.
const (
	DefaultCodeLength   = 4
	DefaultCodeTTL      = 10 * time.Minute
	DefaultMaxAttempts  = 3
	DefaultTokenTTL     = time.Hour
	DefaultCommandDelay = 30 * time.Second
)

// Settings are the sandbox's verification rules.
type Settings struct {
	CodeLength   int
	CodeTTL      time.Duration
	MaxAttempts  int
	TokenTTL     time.Duration
	CommandDelay time.Duration
}

func (s *Settings) defaults() {
	if s.CodeLength <= 0 {
		s.CodeLength = DefaultCodeLength
	}
	if s.CodeTTL <= 0 {
		s.CodeTTL = DefaultCodeTTL
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = DefaultMaxAttempts
	}
	if s.TokenTTL <= 0 {
		s.TokenTTL = DefaultTokenTTL
	}
	if s.CommandDelay <= 0 {
		s.CommandDelay = DefaultCommandDelay
	}
}

// MemoryStore holds all sandbox state in memory.
type MemoryStore struct {
	Verifications *pkgstore.Store[Verification]
	Blacklist     *pkgstore.Store[BlacklistEntry]
	Tokens        *pkgstore.Store[Token]
	Clock         *pkgstore.Clock
	Settings      Settings

	// OnCodeIssued is called with every code sent. Optional.
	OnCodeIssued func(v Verification)
}

// New creates an empty store. Zero fields of settings take the defaults.
func New(settings Settings) *MemoryStore {
	settings.defaults()
	return &MemoryStore{
		Verifications: pkgstore.New[Verification]("vrf"),
		Blacklist:     pkgstore.New[BlacklistEntry]("bl"),
		Tokens:        pkgstore.New[Token]("tok"),
		Clock:         pkgstore.NewClock(),
		Settings:      settings,
	}
}

// Start begins or restarts verification of a number.
//
// A blacklisted number answers OK with status blacklisted. A verified
// number answers OK with status verified and no code is sent. A pending
// verification is restarted with a fresh code and VERIFICATION_RESTARTED,
// or VERIFICATION_EXPIRED_RESTARTED when its code had expired.
func (s *MemoryStore) Start(in StartInput) Outcome {
	key := Key(in.CountryCode, in.Number)
	if _, ok := s.Blacklist.Get(key); ok {
		s.Verifications.Update(key, func(v Verification, exists bool) (Verification, bool) {
			if !exists {
				v = s.fresh(in)
			}
			v.Status = service.UserStatusBlacklisted
			v.Code = ""
			v.UpdatedAt = s.Clock.Now()
			return v, true
		})
		return Outcome{Result: service.ResultOK, UserStatus: service.UserStatusBlacklisted}
	}

	now := s.Clock.Now()
	var out Outcome
	var issued *Verification
	s.Verifications.Update(key, func(v Verification, exists bool) (Verification, bool) {
		switch {
		case exists && v.Status == service.UserStatusVerified:
			out = Outcome{Result: service.ResultOK, UserStatus: service.UserStatusVerified}
			return v, false
		case exists && v.Status == service.UserStatusPending && now.After(v.ExpiresAt):
			out = Outcome{Result: service.ResultVerificationExpiredRestarted, UserStatus: service.UserStatusPending}
		case exists && v.Status == service.UserStatusPending:
			out = Outcome{Result: service.ResultVerificationRestarted, UserStatus: service.UserStatusPending}
		default:
			id := v.ID
			v = s.fresh(in)
			if exists {
				v.ID = id
			}
			out = Outcome{Result: service.ResultOK, UserStatus: service.UserStatusPending}
		}
		v.DeviceID, v.Language, v.PushToken = in.DeviceID, in.Language, in.PushToken
		v.Status = service.UserStatusPending
		v.Attempts = 0
		v.PendingSince = now
		s.issue(&v, now)
		issued = &v
		return v, true
	})
	if issued != nil && s.OnCodeIssued != nil {
		s.OnCodeIssued(*issued)
	}
	return out
}

func (s *MemoryStore) fresh(in StartInput) Verification {
	return Verification{
		ID:          s.Verifications.NextID(),
		CountryCode: in.CountryCode,
		Number:      in.Number,
		Status:      service.UserStatusNew,
	}
}

func (s *MemoryStore) issue(v *Verification, now time.Time) {
	v.Code = generateCode(s.Settings.CodeLength)
	v.Deliveries++
	v.ExpiresAt = now.Add(s.Settings.CodeTTL)
	v.UpdatedAt = now
}

// Check compares code with the pending verification of a number. The
// verification fails after Settings.MaxAttempts wrong codes.
func (s *MemoryStore) Check(countryCode, number, code string) Outcome {
	if strings.TrimSpace(code) == "" {
		return Outcome{Result: service.ResultInvalidPinCode, Message: "code is required"}
	}
	now := s.Clock.Now()
	out := Outcome{Result: service.ResultCannotPerformCheck, Message: "no pending verification"}
	s.Verifications.Update(Key(countryCode, number), func(v Verification, exists bool) (Verification, bool) {
		if !exists || v.Status != service.UserStatusPending {
			return v, false
		}
		v.UpdatedAt = now
		switch {
		case now.After(v.ExpiresAt):
			v.Status = service.UserStatusExpired
			v.Code = ""
			out = Outcome{Result: service.ResultOK, UserStatus: service.UserStatusExpired}
		case code == v.Code:
			v.Status = service.UserStatusVerified
			v.Code = ""
			out = Outcome{Result: service.ResultOK, UserStatus: service.UserStatusVerified}
		default:
			v.Attempts++
			if v.Attempts >= s.Settings.MaxAttempts {
				v.Status = service.UserStatusFailed
				v.Code = ""
				out = Outcome{Result: service.ResultInvalidCodeTooManyTimes, UserStatus: service.UserStatusFailed, Message: "too many wrong codes"}
			} else {
				out = Outcome{Result: service.ResultInvalidCode, UserStatus: service.UserStatusPending, Message: "wrong code"}
			}
		}
		return v, true
	})
	return out
}

// Status returns the user status of a number, expiring a stale pending
// verification on the way.
func (s *MemoryStore) Status(countryCode, number string) service.UserStatus {
	key := Key(countryCode, number)
	if _, ok := s.Blacklist.Get(key); ok {
		return service.UserStatusBlacklisted
	}
	now := s.Clock.Now()
	v := s.Verifications.Update(key, func(v Verification, exists bool) (Verification, bool) {
		if !exists || v.Status != service.UserStatusPending || !now.After(v.ExpiresAt) {
			return v, false
		}
		v.Status = service.UserStatusExpired
		v.Code = ""
		v.UpdatedAt = now
		return v, true
	})
	if v.Status == "" {
		return service.UserStatusUnknown
	}
	return v.Status
}

// Logout unverifies a verified number.
func (s *MemoryStore) Logout(countryCode, number string) Outcome {
	out := Outcome{Result: service.ResultInvalidUserStatusForLogout, Message: "number is not verified"}
	now := s.Clock.Now()
	s.Verifications.Update(Key(countryCode, number), func(v Verification, exists bool) (Verification, bool) {
		if !exists || v.Status != service.UserStatusVerified {
			return v, false
		}
		v.Status = service.UserStatusUnverified
		v.UpdatedAt = now
		out = Outcome{Result: service.ResultOK, UserStatus: service.UserStatusUnverified}
		return v, true
	})
	return out
}

// Control commands accepted by the control operation.
const (
	ControlCancel      = "cancel"
	ControlTriggerNext = "trigger_next_event"
)

// Control applies cancel or trigger_next_event to a pending verification
// that has been pending for at least Settings.CommandDelay.
func (s *MemoryStore) Control(countryCode, number, cmd string) Outcome {
	if cmd != ControlCancel && cmd != ControlTriggerNext {
		return Outcome{Result: service.ResultCommandNotSupported, Message: "unknown command " + cmd}
	}
	now := s.Clock.Now()
	out := Outcome{Result: service.ResultInvalidUserStatusForCommand, Message: "no pending verification"}
	var issued *Verification
	s.Verifications.Update(Key(countryCode, number), func(v Verification, exists bool) (Verification, bool) {
		if !exists || v.Status != service.UserStatusPending {
			return v, false
		}
		if now.Sub(v.PendingSince) < s.Settings.CommandDelay {
			out = Outcome{Result: service.ResultCommandNotSupported, Message: cmd + " is not available yet"}
			return v, false
		}
		if cmd == ControlCancel {
			v.Status = service.UserStatusUnverified
			v.Code = ""
			v.UpdatedAt = now
			out = Outcome{Result: service.ResultOK, UserStatus: service.UserStatusUnverified}
			return v, true
		}
		s.issue(&v, now)
		issued = &v
		out = Outcome{Result: service.ResultOK, UserStatus: service.UserStatusPending}
		return v, true
	})
	if issued != nil && s.OnCodeIssued != nil {
		s.OnCodeIssued(*issued)
	}
	return out
}

// Pending returns the verification of a number for inspection.
func (s *MemoryStore) Pending(countryCode, number string) (Verification, bool) {
	return s.Verifications.Get(Key(countryCode, number))
}

// AddToBlacklist blocks a number.
func (s *MemoryStore) AddToBlacklist(countryCode, number string) {
	s.Blacklist.Set(Key(countryCode, number), BlacklistEntry{
		CountryCode: countryCode,
		Number:      number,
		AddedAt:     s.Clock.Now(),
	})
}

// RemoveFromBlacklist unblocks a number.
func (s *MemoryStore) RemoveFromBlacklist(countryCode, number string) bool {
	return s.Blacklist.Delete(Key(countryCode, number))
}

// RecordToken remembers an issued token.
func (s *MemoryStore) RecordToken(t Token) {
	s.Tokens.Set(t.ID, t)
}

// TokenValid reports whether a token id was issued and not revoked.
func (s *MemoryStore) TokenValid(id string) bool {
	t, ok := s.Tokens.Get(id)
	return ok && !t.Revoked
}

// RevokeTokens revokes every issued token and returns how many were live.
func (s *MemoryStore) RevokeTokens() int {
	n := 0
	for _, t := range s.Tokens.List() {
		if t.Revoked {
			continue
		}
		t.Revoked = true
		s.Tokens.Set(t.ID, t)
		n++
	}
	return n
}

// Snapshot returns the full state.
func (s *MemoryStore) Snapshot() any {
	return snapshot{
		Verifications: s.Verifications.Snapshot(),
		Blacklist:     s.Blacklist.Snapshot(),
		Tokens:        s.Tokens.Snapshot(),
	}
}

type snapshot struct {
	Verifications map[string]Verification   `json:"verifications"`
	Blacklist     map[string]BlacklistEntry `json:"blacklist"`
	Tokens        map[string]Token          `json:"tokens"`
}

// LoadState replaces the sections present in data.
func (s *MemoryStore) LoadState(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	if snap.Verifications != nil {
		s.Verifications.LoadSnapshot(snap.Verifications)
	}
	if snap.Blacklist != nil {
		s.Blacklist.LoadSnapshot(snap.Blacklist)
	}
	if snap.Tokens != nil {
		s.Tokens.LoadSnapshot(snap.Tokens)
	}
	return nil
}

// Reset clears all state. The admin handler resets the clock.
func (s *MemoryStore) Reset() {
	s.Verifications.Reset()
	s.Blacklist.Reset()
	s.Tokens.Reset()
}

func generateCode(length int) string {
	var b strings.Builder
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			panic("crypto/rand: " + err.Error())
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String()
}
