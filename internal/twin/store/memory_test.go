package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wondertwin-ai/phoneverify/internal/service"
)

var number = StartInput{CountryCode: "44", Number: "7000000000", DeviceID: "dev-1"}

func pending(t *testing.T, s *MemoryStore) Verification {
	t.Helper()
	out := s.Start(number)
	require.Equal(t, service.ResultOK, out.Result)
	require.Equal(t, service.UserStatusPending, out.UserStatus)
	v, ok := s.Pending(number.CountryCode, number.Number)
	require.True(t, ok)
	return v
}

func TestStartIssuesCode(t *testing.T) {
	s := New(Settings{})
	var issued []Verification
	s.OnCodeIssued = func(v Verification) { issued = append(issued, v) }

	v := pending(t, s)
	assert.Len(t, v.Code, DefaultCodeLength)
	assert.Equal(t, "vrf_000001", v.ID)
	assert.Equal(t, "dev-1", v.DeviceID)
	assert.Equal(t, 1, v.Deliveries)
	assert.WithinDuration(t, s.Clock.Now().Add(DefaultCodeTTL), v.ExpiresAt, time.Second)
	require.Len(t, issued, 1)
	assert.Equal(t, v.Code, issued[0].Code)
}

func TestStartRestart(t *testing.T) {
	s := New(Settings{})
	first := pending(t, s)

	out := s.Start(number)
	assert.Equal(t, service.ResultVerificationRestarted, out.Result)
	assert.Equal(t, service.UserStatusPending, out.UserStatus)

	v, _ := s.Pending(number.CountryCode, number.Number)
	assert.Equal(t, first.ID, v.ID)
	assert.Equal(t, 2, v.Deliveries)

	s.Clock.Advance(DefaultCodeTTL + time.Second)
	out = s.Start(number)
	assert.Equal(t, service.ResultVerificationExpiredRestarted, out.Result)
}

func TestStartVerifiedDoesNotResend(t *testing.T) {
	s := New(Settings{})
	v := pending(t, s)
	require.Equal(t, service.ResultOK, s.Check(number.CountryCode, number.Number, v.Code).Result)

	out := s.Start(number)
	assert.Equal(t, Outcome{Result: service.ResultOK, UserStatus: service.UserStatusVerified}, out)
}

func TestStartBlacklisted(t *testing.T) {
	s := New(Settings{})
	s.AddToBlacklist(number.CountryCode, number.Number)

	out := s.Start(number)
	assert.Equal(t, service.UserStatusBlacklisted, out.UserStatus)
	assert.Equal(t, service.UserStatusBlacklisted, s.Status(number.CountryCode, number.Number))

	require.True(t, s.RemoveFromBlacklist(number.CountryCode, number.Number))
	assert.Equal(t, service.UserStatusPending, s.Start(number).UserStatus)
}

func TestCheck(t *testing.T) {
	s := New(Settings{})
	v := pending(t, s)

	out := s.Check(number.CountryCode, number.Number, "x"+v.Code)
	assert.Equal(t, service.ResultInvalidCode, out.Result)

	out = s.Check(number.CountryCode, number.Number, v.Code)
	assert.Equal(t, Outcome{Result: service.ResultOK, UserStatus: service.UserStatusVerified}, out)
	assert.Equal(t, service.UserStatusVerified, s.Status(number.CountryCode, number.Number))

	out = s.Check(number.CountryCode, number.Number, v.Code)
	assert.Equal(t, service.ResultCannotPerformCheck, out.Result)
}

func TestCheckEmptyCode(t *testing.T) {
	s := New(Settings{})
	pending(t, s)
	assert.Equal(t, service.ResultInvalidPinCode, s.Check(number.CountryCode, number.Number, " ").Result)
}

func TestCheckUnknownNumber(t *testing.T) {
	s := New(Settings{})
	assert.Equal(t, service.ResultCannotPerformCheck, s.Check("1", "5551234", "1234").Result)
}

func TestCheckTooManyAttempts(t *testing.T) {
	s := New(Settings{})
	pending(t, s)

	for i := 0; i < DefaultMaxAttempts-1; i++ {
		assert.Equal(t, service.ResultInvalidCode, s.Check(number.CountryCode, number.Number, "wrong").Result)
	}
	out := s.Check(number.CountryCode, number.Number, "wrong")
	assert.Equal(t, service.ResultInvalidCodeTooManyTimes, out.Result)
	assert.Equal(t, service.UserStatusFailed, out.UserStatus)
	assert.Equal(t, service.UserStatusFailed, s.Status(number.CountryCode, number.Number))

	// A failed number can start over.
	assert.Equal(t, service.ResultOK, s.Start(number).Result)
}

func TestCheckExpired(t *testing.T) {
	s := New(Settings{CodeTTL: time.Minute})
	v := pending(t, s)
	s.Clock.Advance(2 * time.Minute)

	out := s.Check(number.CountryCode, number.Number, v.Code)
	assert.Equal(t, Outcome{Result: service.ResultOK, UserStatus: service.UserStatusExpired}, out)
}

func TestStatusExpiresStalePending(t *testing.T) {
	s := New(Settings{CodeTTL: time.Minute})
	pending(t, s)
	assert.Equal(t, service.UserStatusPending, s.Status(number.CountryCode, number.Number))
	s.Clock.Advance(2 * time.Minute)
	assert.Equal(t, service.UserStatusExpired, s.Status(number.CountryCode, number.Number))
	assert.Equal(t, service.UserStatusUnknown, s.Status("1", "5551234"))
}

func TestLogout(t *testing.T) {
	s := New(Settings{})
	v := pending(t, s)
	assert.Equal(t, service.ResultInvalidUserStatusForLogout, s.Logout(number.CountryCode, number.Number).Result)

	s.Check(number.CountryCode, number.Number, v.Code)
	out := s.Logout(number.CountryCode, number.Number)
	assert.Equal(t, Outcome{Result: service.ResultOK, UserStatus: service.UserStatusUnverified}, out)
	assert.Equal(t, service.UserStatusUnverified, s.Status(number.CountryCode, number.Number))
}

func TestControl(t *testing.T) {
	s := New(Settings{})
	first := pending(t, s)

	assert.Equal(t, service.ResultCommandNotSupported, s.Control(number.CountryCode, number.Number, "reboot").Result)
	assert.Equal(t, service.ResultCommandNotSupported, s.Control(number.CountryCode, number.Number, ControlCancel).Result,
		"too early")
	assert.Equal(t, service.ResultInvalidUserStatusForCommand, s.Control("1", "5551234", ControlCancel).Result)

	s.Clock.Advance(DefaultCommandDelay)
	out := s.Control(number.CountryCode, number.Number, ControlTriggerNext)
	assert.Equal(t, Outcome{Result: service.ResultOK, UserStatus: service.UserStatusPending}, out)
	v, _ := s.Pending(number.CountryCode, number.Number)
	assert.Equal(t, 2, v.Deliveries)
	assert.Equal(t, first.PendingSince, v.PendingSince, "resend keeps the start time")

	out = s.Control(number.CountryCode, number.Number, ControlCancel)
	assert.Equal(t, Outcome{Result: service.ResultOK, UserStatus: service.UserStatusUnverified}, out)
	assert.Equal(t, service.ResultInvalidUserStatusForCommand, s.Control(number.CountryCode, number.Number, ControlCancel).Result)
}

func TestTokens(t *testing.T) {
	s := New(Settings{})
	s.RecordToken(Token{ID: "a"})
	s.RecordToken(Token{ID: "b"})
	assert.True(t, s.TokenValid("a"))
	assert.False(t, s.TokenValid("zzz"))

	assert.Equal(t, 2, s.RevokeTokens())
	assert.False(t, s.TokenValid("a"))
	assert.Equal(t, 0, s.RevokeTokens())
}

func TestSnapshotLoadReset(t *testing.T) {
	s := New(Settings{})
	pending(t, s)
	s.AddToBlacklist("1", "5551234")

	data, err := json.Marshal(s.Snapshot())
	require.NoError(t, err)

	restored := New(Settings{})
	require.NoError(t, restored.LoadState(data))
	v, ok := restored.Pending(number.CountryCode, number.Number)
	require.True(t, ok)
	assert.Equal(t, service.UserStatusPending, v.Status)
	assert.Equal(t, service.UserStatusBlacklisted, restored.Status("1", "5551234"))

	restored.Reset()
	assert.Zero(t, restored.Verifications.Count())
	assert.Zero(t, restored.Blacklist.Count())

	assert.Error(t, restored.LoadState([]byte(`{`)))
}
