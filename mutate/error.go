package mutate

import (
	"errors"
	"strings"
)

// Code is a response code for a failed mutation, as used in IMAP responses.
type Code string

const (
	CodeOverQuota           Code = "OVERQUOTA"           // Account or domain over quota.
	CodeNonExistent         Code = "NONEXISTENT"         // Source mailbox does not exist.
	CodeTryCreate           Code = "TRYCREATE"           // Destination mailbox does not exist, client can create it.
	CodeUnavailable         Code = "UNAVAILABLE"         // Temporary failure, e.g. account lock not acquired in time.
	CodeServerBug           Code = "SERVERBUG"           // Storage or other internal error.
	CodeAuthorizationFailed Code = "AUTHORIZATIONFAILED" // Session not valid for account.
	CodeLimit               Code = "LIMIT"               // Too many messages in a single operation.
	CodeCannot              Code = "CANNOT"              // Operation not possible, e.g. move to same mailbox.
	CodeParse               Code = "PARSE"               // Message could not be parsed.
)

// Error is returned by mutations. Message is localized for the session.
type Error struct {
	Code    Code
	Message string
	Err     error // Underlying error, if any. Not for users.
}

func (e *Error) Error() string {
	s := string(e.Code) + ": " + e.Message
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Temporary returns whether the operation can be retried later.
func (e *Error) Temporary() bool {
	return e.Code == CodeUnavailable
}

// ErrorCode returns the code of a mutation error in err, or the empty string.
func ErrorCode(err error) Code {
	var merr *Error
	if errors.As(err, &merr) {
		return merr.Code
	}
	return ""
}

// resultLabel returns the metrics label for the outcome of an operation.
func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if code := ErrorCode(err); code != "" {
		return strings.ToLower(string(code))
	}
	return "error"
}
