package verify

import (
	"strconv"
	"time"
)

// Status is the lifecycle state of the session's verification request.
type Status int

// Lifecycle states.
const (
	StatusNew Status = iota
	StatusAwaitingToken
	StatusPending
	StatusVerified
	StatusFailed
	StatusExpired
	StatusBlacklisted
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusAwaitingToken:
		return "awaiting_token"
	case StatusPending:
		return "pending"
	case StatusVerified:
		return "verified"
	case StatusFailed:
		return "failed"
	case StatusExpired:
		return "expired"
	case StatusBlacklisted:
		return "blacklisted"
	default:
		return "Status(" + strconv.Itoa(int(s)) + ")"
	}
}

// Terminal reports whether no further progress is possible without a new start.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusExpired || s == StatusBlacklisted
}

// Request is the session's verification context. Snapshot returns copies;
// the live value is never shared.
type Request struct {
	CountryCode  string
	PhoneNumber  string
	Token        string
	PinCode      string
	Status       Status
	PendingSince time.Time
}

func (r Request) matches(countryCode, phoneNumber string) bool {
	return r.CountryCode == countryCode && r.PhoneNumber == phoneNumber
}
