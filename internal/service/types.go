package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// UserStatus is the server's view of a phone number.
type UserStatus string

// Known user statuses. Anything else decodes to UserStatusUnknown.
const (
	UserStatusNew         UserStatus = "new"
	UserStatusPending     UserStatus = "pending"
	UserStatusVerified    UserStatus = "verified"
	UserStatusUnverified  UserStatus = "unverified"
	UserStatusFailed      UserStatus = "failed"
	UserStatusExpired     UserStatus = "expired"
	UserStatusBlacklisted UserStatus = "blacklisted"
	UserStatusUnknown     UserStatus = "unknown"
)

// ParseUserStatus normalizes s, mapping unrecognized values to UserStatusUnknown.
func ParseUserStatus(s string) UserStatus {
	switch st := UserStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case UserStatusNew, UserStatusPending, UserStatusVerified, UserStatusUnverified,
		UserStatusFailed, UserStatusExpired, UserStatusBlacklisted:
		return st
	default:
		return UserStatusUnknown
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (u *UserStatus) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("user_status: %w", err)
	}
	*u = ParseUserStatus(s)
	return nil
}

// Timestamp is the epoch seconds a response was signed at. The service
// sends it either as a JSON string or as a number.
type Timestamp string

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Timestamp(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if i, err := n.Int64(); err == nil {
		*t = Timestamp(strconv.FormatInt(i, 10))
		return nil
	}
	*t = Timestamp(n.String())
	return nil
}

// Command is a control action on a verification.
type Command int

// Commands.
const (
	Logout Command = iota
	Cancel
	TriggerNextEvent
)

func (c Command) String() string {
	switch c {
	case Logout:
		return "LOGOUT"
	case Cancel:
		return "CANCEL"
	case TriggerNextEvent:
		return "TRIGGER_NEXT_EVENT"
	default:
		return "Command(" + strconv.Itoa(int(c)) + ")"
	}
}

// ParseCommand accepts the names produced by String, case-insensitively,
// plus the short forms "next" and the wire names.
func ParseCommand(s string) (Command, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "logout":
		return Logout, nil
	case "cancel":
		return Cancel, nil
	case "trigger_next_event", "next":
		return TriggerNextEvent, nil
	}
	return 0, fmt.Errorf("unknown command %q", s)
}

// Wire parameter values for verify/control.
const (
	cmdCancel      = "cancel"
	cmdTriggerNext = "trigger_next_event"
)

// BaseResponse holds the fields present in every response.
type BaseResponse struct {
	ResultCode    ResultCode `json:"result_code"`
	ResultMessage string     `json:"result_message,omitempty"`
	Timestamp     Timestamp  `json:"timestamp"`
}

func (b *BaseResponse) header() *BaseResponse { return b }

// TokenResponse is returned by the token method.
type TokenResponse struct {
	BaseResponse
	Token string `json:"token"`
}

// StatusResponse is returned by verify, verify/check and verify/search.
type StatusResponse struct {
	BaseResponse
	UserStatus UserStatus `json:"user_status"`
}

// CommandResponse is returned by verify/logout and verify/control.
type CommandResponse struct {
	BaseResponse
	Command Command `json:"-"`
}

// response is implemented by every typed response through BaseResponse.
type response interface {
	header() *BaseResponse
}
