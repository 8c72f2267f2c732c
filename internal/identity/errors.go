package identity

import (
	"errors"
	"fmt"
)

// Code is the machine-readable reason attached to an auth failure.
type Code string

const (
	CodeUserNotFound      Code = "auth/user-not-found"
	CodeWrongPassword     Code = "auth/wrong-password"
	CodeEmailInUse        Code = "auth/email-already-in-use"
	CodeWeakPassword      Code = "auth/weak-password"
	CodeInvalidEmail      Code = "auth/invalid-email"
	CodeNetworkFailed     Code = "auth/network-request-failed"
	CodeInvalidCredential Code = "auth/invalid-credential"
	CodeTooManyRequests   Code = "auth/too-many-requests"
)

type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

// CodeOf returns the code carried by err, or "" when err is not an auth error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Action is the corrective step a caller can offer next to an error message.
type Action int

const (
	ActionNone Action = iota
	ActionSignup
	ActionLogin
	ActionRetry
)

func (a Action) String() string {
	switch a {
	case ActionSignup:
		return "signup"
	case ActionLogin:
		return "login"
	case ActionRetry:
		return "retry"
	default:
		return "none"
	}
}

// Message translates err into user-facing text and a suggested action.
// Unknown errors get a generic message.
func Message(err error) (string, Action) {
	switch CodeOf(err) {
	case CodeUserNotFound:
		return "No account found with this email. Would you like to sign up?", ActionSignup
	case CodeWrongPassword, CodeInvalidCredential:
		return "Incorrect email or password.", ActionNone
	case CodeEmailInUse:
		return "An account with this email already exists. Try logging in instead.", ActionLogin
	case CodeWeakPassword:
		return "Password must be at least 6 characters.", ActionNone
	case CodeInvalidEmail:
		return "Please enter a valid email address.", ActionNone
	case CodeNetworkFailed:
		return "Network error. Check your connection and try again.", ActionRetry
	case CodeTooManyRequests:
		return "Too many attempts. Please wait a few minutes and try again.", ActionNone
	default:
		return "Something went wrong. Please try again.", ActionNone
	}
}
