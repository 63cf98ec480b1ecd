package domain

import (
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrLockHeld      = errors.New("lock already held")

	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrConnectionFailed   = errors.New("connection failed")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrTokenExpired       = errors.New("token expired")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrTimeout            = errors.New("timeout")
	ErrInvalidData        = errors.New("invalid data")
	ErrSecurityViolation  = errors.New("security violation")
	ErrSyncFailed         = errors.New("sync failed")
)

// ErrorKind is the stable, user-visible error code.
type ErrorKind string

const (
	KindInvalidCredentials ErrorKind = "INVALID_CREDENTIALS"
	KindConnectionFailed   ErrorKind = "CONNECTION_FAILED"
	KindUnauthorized       ErrorKind = "UNAUTHORIZED"
	KindTokenExpired       ErrorKind = "TOKEN_EXPIRED"
	KindRateLimitExceeded  ErrorKind = "RATE_LIMIT_EXCEEDED"
	KindTimeout            ErrorKind = "TIMEOUT"
	KindInvalidData        ErrorKind = "INVALID_DATA"
	KindSecurityViolation  ErrorKind = "SECURITY_VIOLATION"
	KindSyncFailed         ErrorKind = "SYNC_FAILED"
	KindNotFound           ErrorKind = "NOT_FOUND"
)

var kindSentinels = map[ErrorKind]error{
	KindInvalidCredentials: ErrInvalidCredentials,
	KindConnectionFailed:   ErrConnectionFailed,
	KindUnauthorized:       ErrUnauthorized,
	KindTokenExpired:       ErrTokenExpired,
	KindRateLimitExceeded:  ErrRateLimited,
	KindTimeout:            ErrTimeout,
	KindInvalidData:        ErrInvalidData,
	KindSecurityViolation:  ErrSecurityViolation,
	KindSyncFailed:         ErrSyncFailed,
	KindNotFound:           ErrNotFound,
}

// Error is a classified failure. Message is safe to show to end users; the
// wrapped Err may carry upstream detail and is only ever logged.
type Error struct {
	Kind       ErrorKind
	Op         string
	Message    string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

// NewError builds a classified error without an underlying cause.
func NewError(kind ErrorKind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Message: msg}
}

// WrapError classifies err under kind.
func WrapError(kind ErrorKind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: msg, Err: err}
}

func (e *Error) Error() string {
	s := string(e.Kind)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Message != "" {
		s += ": " + e.Message
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match an Error against the sentinel of its kind.
func (e *Error) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

// KindOf extracts the ErrorKind of err, falling back to sentinel matching for
// plain wrapped errors. Unknown errors are reported as SyncFailed.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	for kind, s := range kindSentinels {
		if errors.Is(err, s) {
			return kind
		}
	}
	return KindSyncFailed
}

// PublicMessage returns the user-safe message for err.
func PublicMessage(err error) string {
	var de *Error
	if errors.As(err, &de) && de.Message != "" {
		return de.Message
	}
	switch KindOf(err) {
	case KindNotFound:
		return "resource not found"
	case KindSecurityViolation:
		return "request rejected"
	case KindRateLimitExceeded:
		return "too many requests"
	}
	return "operation failed"
}
