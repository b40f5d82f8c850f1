// Package apperr defines the classified failures surfaced by the client core.
// Every error leaving the core is an *Error carrying a Kind and a
// human-readable message.
package apperr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Kind is a machine-checkable failure class.
type Kind string

const (
	KindAuthExpired          Kind = "AUTH_EXPIRED"
	KindAuthInvalid          Kind = "AUTH_INVALID"
	KindInvalidTransition    Kind = "INVALID_TRANSITION"
	KindTooManyCancellations Kind = "TOO_MANY_CANCELLATIONS"
	KindRateLimited          Kind = "RATE_LIMITED"
	KindForbidden            Kind = "FORBIDDEN"
	KindNotFound             Kind = "NOT_FOUND"
	KindValidation           Kind = "VALIDATION"
	KindConnectivity         Kind = "CONNECTIVITY"
	KindServerError          Kind = "SERVER_ERROR"
	KindUnknown              Kind = "UNKNOWN"
)

var defaultMessages = map[Kind]string{
	KindAuthExpired:          "your session has expired",
	KindAuthInvalid:          "please sign in again",
	KindInvalidTransition:    "operation not available",
	KindTooManyCancellations: "you cancelled this event too many times and can no longer join it",
	KindRateLimited:          "too many requests, please slow down",
	KindForbidden:            "you do not have permission to do that",
	KindNotFound:             "not found",
	KindValidation:           "the request was rejected",
	KindConnectivity:         "you appear to be offline",
	KindServerError:          "the server failed to handle the request",
	KindUnknown:              "something went wrong",
}

// DefaultMessage returns the fallback message for a kind.
func DefaultMessage(kind Kind) string {
	if msg, ok := defaultMessages[kind]; ok {
		return msg
	}
	return defaultMessages[KindUnknown]
}

// Error is a classified failure.
type Error struct {
	Kind       Kind
	Message    string        // User-facing, never empty
	RetryAfter time.Duration // Set for KindRateLimited when the server sent a hint
	Status     int           // HTTP status when the failure came from a response
	Cause      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return DefaultMessage(e.Kind)
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by kind.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// Retryable reports whether a manual retry is expected to help.
func (e *Error) Retryable() bool {
	return e.Kind == KindConnectivity
}

// New creates a classified error. An empty message falls back to the kind's
// default.
func New(kind Kind, message string) *Error {
	if strings.TrimSpace(message) == "" {
		message = DefaultMessage(kind)
	}
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a classified error around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	e := New(kind, message)
	e.Cause = cause
	return e
}

// KindOf returns the kind of err, or KindUnknown when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err is a classified error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Classify guarantees a classified error. Nil stays nil.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return FromTransport(err)
}

// ─── Response classification ─────────────────────────────────────────────────

// FromStatus classifies a non-2xx response.
func FromStatus(status int, header http.Header, body []byte) *Error {
	message := remoteMessage(body)

	var e *Error
	switch {
	case status == http.StatusUnauthorized:
		e = New(KindAuthExpired, message)
	case status == http.StatusForbidden:
		e = New(KindForbidden, message)
	case status == http.StatusNotFound:
		e = New(KindNotFound, message)
	case status == http.StatusBadRequest,
		status == http.StatusConflict,
		status == http.StatusUnprocessableEntity:
		e = New(KindValidation, message)
	case status == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(header.Get("Retry-After"), time.Now())
		e = New(KindRateLimited, rateLimitMessage(retryAfter))
		e.RetryAfter = retryAfter
	case status >= http.StatusInternalServerError:
		e = New(KindServerError, "")
	default:
		e = New(KindUnknown, message)
	}
	e.Status = status
	return e
}

// FromTransport classifies a failure to obtain any response.
func FromTransport(err error) *Error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	var urlErr *url.Error
	switch {
	case errors.Is(err, context.Canceled):
		return Wrap(KindUnknown, "the request was cancelled", err)
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr),
		errors.As(err, &urlErr):
		return Wrap(KindConnectivity, "", err)
	default:
		return Wrap(KindUnknown, "", err)
	}
}

// remoteMessage extracts a user-facing message from the `{"error": "..."}`
// envelope. Snake-case codes are turned into plain words.
func remoteMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	msg := strings.TrimSpace(payload.Message)
	if msg == "" {
		msg = strings.TrimSpace(payload.Error)
	}
	return strings.ReplaceAll(msg, "_", " ")
}

func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d.Round(time.Second)
		}
	}
	return 0
}

func rateLimitMessage(retryAfter time.Duration) string {
	if retryAfter <= 0 {
		return DefaultMessage(KindRateLimited)
	}
	seconds := int(retryAfter.Seconds())
	if seconds >= 60 {
		return fmt.Sprintf("too many requests, try again in %d minute(s)", seconds/60)
	}
	return fmt.Sprintf("too many requests, try again in %d second(s)", seconds)
}
