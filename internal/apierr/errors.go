package apierr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrOffline = errors.New("offline")

// Error is the normalized failure of one API call. Status 0 means no HTTP
// response was received (network failure or offline).
type Error struct {
	Status          int
	Code            string
	Message         string
	FriendlyMessage string
	RetryAfter      time.Duration
	CorrelationID   string
	Details         map[string]any

	cause error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("api error")
	if e.Status > 0 {
		b.WriteString(" status=")
		b.WriteString(strconv.Itoa(e.Status))
	}
	if e.Code != "" {
		b.WriteString(" code=")
		b.WriteString(e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	} else if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error for an HTTP response and fills FriendlyMessage.
func New(status int, code, message string) *Error {
	e := &Error{Status: status, Code: strings.TrimSpace(code), Message: message}
	e.FriendlyMessage = FriendlyMessage(e.Code, status)
	return e
}

// Network wraps a transport-level failure (no response).
func Network(cause error) *Error {
	e := &Error{Status: 0, cause: cause}
	if errors.Is(cause, ErrOffline) {
		e.Code = CodeOffline
	}
	e.FriendlyMessage = FriendlyMessage(e.Code, 0)
	return e
}

// Offline is the error returned when the client knows it has no connectivity.
func Offline() *Error { return Network(ErrOffline) }

// As extracts an *Error from err.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// EffectiveCode returns the server code, or the code implied by the status.
func (e *Error) EffectiveCode() string {
	if e.Code != "" {
		return e.Code
	}
	return codeForStatus(e.Status)
}

// Text is what a user should see for this error.
func (e *Error) Text() string {
	if e.FriendlyMessage != "" {
		return e.FriendlyMessage
	}
	if e.Message != "" {
		return e.Message
	}
	if c := e.EffectiveCode(); c != "" {
		return c
	}
	return fmt.Sprintf("request failed (%d)", e.Status)
}

// Text returns the user-facing text for any error.
func Text(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Text()
	}
	return err.Error()
}
