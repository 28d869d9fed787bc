package store

import (
	"time"

	"github.com/wondertwin-ai/phoneverify/internal/service"
)

// Verification is the sandbox's record for one phone number.
type Verification struct {
	ID          string             `json:"id"`
	CountryCode string             `json:"country"`
	Number      string             `json:"number"`
	Status      service.UserStatus `json:"status"`
	Code        string             `json:"code,omitempty"`
	Attempts    int                `json:"attempts"`
	DeviceID    string             `json:"device_id,omitempty"`
	Language    string             `json:"lg,omitempty"`
	PushToken   string             `json:"push_token,omitempty"`
	// Deliveries counts codes sent for this verification, including resends
	// triggered by TRIGGER_NEXT_EVENT.
	Deliveries   int       `json:"deliveries"`
	PendingSince time.Time `json:"pending_since,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Key returns the store key for a number.
func Key(countryCode, number string) string {
	return countryCode + ":" + number
}

// BlacklistEntry marks a number that is never verified.
type BlacklistEntry struct {
	CountryCode string    `json:"country"`
	Number      string    `json:"number"`
	AddedAt     time.Time `json:"added_at"`
}

// Token is an issued session token.
type Token struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
}

// StartInput carries the optional fields of a verify call.
type StartInput struct {
	CountryCode string
	Number      string
	DeviceID    string
	Language    string
	PushToken   string
}

// Outcome is the answer to a domain operation: the result code and, when
// the operation reports one, the user status.
type Outcome struct {
	Result     service.ResultCode
	UserStatus service.UserStatus
	Message    string
}
