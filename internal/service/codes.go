package service

import (
	"fmt"
	"strconv"
)

// ResultCode is the numeric outcome carried in every response body.
type ResultCode int

// Result codes returned by the verification service.
const (
	ResultNone                         ResultCode = -1 // not produced by the server
	ResultOK                           ResultCode = 0
	ResultBadAppID                     ResultCode = 2
	ResultInvalidToken                 ResultCode = 3
	ResultInvalidCredentials           ResultCode = 4
	ResultInternalError                ResultCode = 5
	ResultQuotaExceeded                ResultCode = 9
	ResultInvalidPinCode               ResultCode = 16
	ResultInvalidCodeTooManyTimes      ResultCode = 17
	ResultCommandNotSupported          ResultCode = 19
	ResultInvalidNumber                ResultCode = 53
	ResultInvalidCode                  ResultCode = 54
	ResultCannotPerformCheck           ResultCode = 55
	ResultVerificationRestarted        ResultCode = 56
	ResultVerificationExpiredRestarted ResultCode = 57
	ResultSDKNotSupported              ResultCode = 58
	ResultOSNotSupported               ResultCode = 59
	ResultRequestRejected              ResultCode = 60
	ResultInvalidUserStatusForCommand  ResultCode = 62
	ResultInvalidUserStatusForLogout   ResultCode = 63
)

var resultNames = map[ResultCode]string{
	ResultNone:                         "NONE",
	ResultOK:                           "OK",
	ResultBadAppID:                     "BAD_APP_ID",
	ResultInvalidToken:                 "INVALID_TOKEN",
	ResultInvalidCredentials:           "INVALID_CREDENTIALS",
	ResultInternalError:                "INTERNAL_ERROR",
	ResultQuotaExceeded:                "QUOTA_EXCEEDED",
	ResultInvalidPinCode:               "INVALID_PIN_CODE",
	ResultInvalidCodeTooManyTimes:      "INVALID_CODE_TOO_MANY_TIMES",
	ResultCommandNotSupported:          "COMMAND_NOT_SUPPORTED",
	ResultInvalidNumber:                "INVALID_NUMBER",
	ResultInvalidCode:                  "INVALID_CODE",
	ResultCannotPerformCheck:           "CANNOT_PERFORM_CHECK",
	ResultVerificationRestarted:        "VERIFICATION_RESTARTED",
	ResultVerificationExpiredRestarted: "VERIFICATION_EXPIRED_RESTARTED",
	ResultSDKNotSupported:              "SDK_NOT_SUPPORTED",
	ResultOSNotSupported:               "OS_NOT_SUPPORTED",
	ResultRequestRejected:              "REQUEST_REJECTED",
	ResultInvalidUserStatusForCommand:  "INVALID_USER_STATUS_FOR_COMMAND",
	ResultInvalidUserStatusForLogout:   "INVALID_USER_STATUS_FOR_LOGOUT",
}

func (c ResultCode) String() string {
	if n, ok := resultNames[c]; ok {
		return n
	}
	return "RESULT_" + strconv.Itoa(int(c))
}

// VerifyError is the closed set of failures reported to callers.
type VerifyError int

// Domain failures.
const (
	NoError VerifyError = iota
	VerificationAlreadyStarted
	InvalidNumber
	ProvidedNumberNotAccepted
	NumberRequired
	CannotPerformCheck
	InvalidPinCode
	InvalidCodeTooManyTimes
	UserExpired
	UserBlacklisted
	UserFailed
	UserUnknown
	Throttled
	QuotaExceeded
	InvalidCredentials
	InvalidToken
	SDKRevisionNotSupported
	OSNotSupported
	InvalidUserStatusForCommand
	CommandNotSupported
	InternalErr
)

var verifyErrorNames = [...]string{
	NoError:                     "NONE",
	VerificationAlreadyStarted:  "VERIFICATION_ALREADY_STARTED",
	InvalidNumber:               "INVALID_NUMBER",
	ProvidedNumberNotAccepted:   "PROVIDED_NUMBER_NOT_ACCEPTED",
	NumberRequired:              "NUMBER_REQUIRED",
	CannotPerformCheck:          "CANNOT_PERFORM_CHECK",
	InvalidPinCode:              "INVALID_PIN_CODE",
	InvalidCodeTooManyTimes:     "INVALID_CODE_TOO_MANY_TIMES",
	UserExpired:                 "USER_EXPIRED",
	UserBlacklisted:             "USER_BLACKLISTED",
	UserFailed:                  "USER_FAILED",
	UserUnknown:                 "USER_UNKNOWN",
	Throttled:                   "THROTTLED",
	QuotaExceeded:               "QUOTA_EXCEEDED",
	InvalidCredentials:          "INVALID_CREDENTIALS",
	InvalidToken:                "INVALID_TOKEN",
	SDKRevisionNotSupported:     "SDK_REVISION_NOT_SUPPORTED",
	OSNotSupported:              "OS_NOT_SUPPORTED",
	InvalidUserStatusForCommand: "INVALID_USER_STATUS_FOR_COMMAND",
	CommandNotSupported:         "COMMAND_NOT_SUPPORTED",
	InternalErr:                 "INTERNAL_ERR",
}

func (e VerifyError) String() string {
	if e >= 0 && int(e) < len(verifyErrorNames) {
		return verifyErrorNames[e]
	}
	return fmt.Sprintf("VerifyError(%d)", int(e))
}

// MapResult converts a non-OK result code into a VerifyError. Unknown codes
// map to InternalErr.
func MapResult(code ResultCode) VerifyError {
	switch code {
	case ResultInvalidNumber:
		return InvalidNumber
	case ResultBadAppID, ResultInvalidCredentials:
		return InvalidCredentials
	case ResultInvalidToken:
		return InvalidToken
	case ResultQuotaExceeded:
		return QuotaExceeded
	case ResultInvalidPinCode, ResultInvalidCode:
		return InvalidPinCode
	case ResultInvalidCodeTooManyTimes:
		return InvalidCodeTooManyTimes
	case ResultRequestRejected:
		return Throttled
	case ResultCannotPerformCheck:
		return CannotPerformCheck
	case ResultSDKNotSupported:
		return SDKRevisionNotSupported
	case ResultOSNotSupported:
		return OSNotSupported
	case ResultInvalidUserStatusForCommand, ResultInvalidUserStatusForLogout:
		return InvalidUserStatusForCommand
	case ResultCommandNotSupported:
		return CommandNotSupported
	default:
		return InternalErr
	}
}
