// Package apperr is the error taxonomy shared by the auth core. Callers branch
// on Kind with errors.Is against the sentinels, never on message text.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindInvalidCredentials
	KindNotFound
	KindConflict
	KindExpired
	KindAttemptsExhausted
	KindTooSoon
	KindRateLimited
	KindTokenInvalid
	KindReuseDetected
	KindStorage
	KindNotifier
)

var kindNames = map[Kind]string{
	KindInternal:           "INTERNAL",
	KindValidation:         "VALIDATION",
	KindInvalidCredentials: "INVALID_CREDENTIALS",
	KindNotFound:           "NOT_FOUND",
	KindConflict:           "CONFLICT",
	KindExpired:            "EXPIRED",
	KindAttemptsExhausted:  "ATTEMPTS_EXHAUSTED",
	KindTooSoon:            "TOO_SOON",
	KindRateLimited:        "RATE_LIMITED",
	KindTokenInvalid:       "TOKEN_INVALID",
	KindReuseDetected:      "REUSE_DETECTED",
	KindStorage:            "STORAGE",
	KindNotifier:           "NOTIFIER",
}

// String is the stable code sent to clients.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "INTERNAL"
}

// HTTPStatus is the default status for a kind. Handlers may narrow it.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation, KindExpired:
		return http.StatusBadRequest
	case KindInvalidCredentials, KindTokenInvalid, KindReuseDetected:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindAttemptsExhausted, KindTooSoon, KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

type Error struct {
	Kind       Kind
	Message    string
	RetryAfter int      // seconds; set for RateLimited and TooSoon
	Details    []string // per-rule messages, e.g. password strength failures
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrInternal           = &Error{Kind: KindInternal}
	ErrValidation         = &Error{Kind: KindValidation}
	ErrInvalidCredentials = &Error{Kind: KindInvalidCredentials}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrConflict           = &Error{Kind: KindConflict}
	ErrExpired            = &Error{Kind: KindExpired}
	ErrAttemptsExhausted  = &Error{Kind: KindAttemptsExhausted}
	ErrTooSoon            = &Error{Kind: KindTooSoon}
	ErrRateLimited        = &Error{Kind: KindRateLimited}
	ErrTokenInvalid       = &Error{Kind: KindTokenInvalid}
	ErrReuseDetected      = &Error{Kind: KindReuseDetected}
	ErrStorage            = &Error{Kind: KindStorage}
	ErrNotifier           = &Error{Kind: KindNotifier}
)

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func Validation(message string, details ...string) *Error {
	return &Error{Kind: KindValidation, Message: message, Details: details}
}

func RateLimited(message string, retryAfter int) *Error {
	return &Error{Kind: KindRateLimited, Message: message, RetryAfter: retryAfter}
}

func TooSoon(message string, retryAfter int) *Error {
	return &Error{Kind: KindTooSoon, Message: message, RetryAfter: retryAfter}
}

func Storage(op string, err error) *Error {
	return &Error{Kind: KindStorage, Message: "storage " + op + " failed", Err: err}
}

func Notifier(op string, err error) *Error {
	return &Error{Kind: KindNotifier, Message: "notifier " + op + " failed", Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// RetryAfterOf returns the retry hint in seconds carried by err, or 0.
func RetryAfterOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
