package apierr

import "time"

// Class is the outcome category of a failed attempt. Every consumer of API
// errors branches on exactly these values.
type Class int

const (
	ClassNone Class = iota
	ClassTerminal
	ClassRateLimited
	ClassConflict
	ClassTransient
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTerminal:
		return "terminal"
	case ClassRateLimited:
		return "rate_limited"
	case ClassConflict:
		return "conflict"
	case ClassTransient:
		return "transient"
	}
	return "unknown"
}

var terminalCodes = map[string]bool{
	CodeValidationFailed:        true,
	CodeImmutableState:          true,
	CodeForbidden:               true,
	CodeNotFound:                true,
	CodeBadRequest:              true,
	CodeInvalidState:            true,
	CodePaymentMethodRequired:   true,
	CodeInvalidPaymentMethod:    true,
	CodeExpiredQuote:            true,
	CodeInvalidQuoteSignature:   true,
	CodeQuoteMismatch:           true,
	CodeQuoteReplayDetected:     true,
	CodeCaptureExceedsRemaining: true,
	CodeRefundExceedsCaptured:   true,
}

var conflictCodes = map[string]bool{
	CodeConcurrentUpdate:   true,
	CodePreconditionFailed: true,
	CodeConflictVersion:    true,
}

// Classify computes the class of err once; the immediate and queued paths
// both use the result. Errors that are not *Error are treated as transient
// network failures.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	e, ok := As(err)
	if !ok {
		return ClassTransient
	}
	code := e.EffectiveCode()
	if code == CodeRateLimited || e.Status == 429 {
		return ClassRateLimited
	}
	if terminalCodes[code] {
		return ClassTerminal
	}
	if conflictCodes[code] || e.Status == 409 || e.Status == 412 {
		return ClassConflict
	}
	return ClassTransient
}

// Retryable reports whether the dispatcher should defer the action into the
// queue rather than surface the error.
func Retryable(c Class) bool {
	return c == ClassTransient || c == ClassRateLimited
}

// RetryAfter returns the server-provided delay carried by err, if any.
func RetryAfter(err error) time.Duration {
	if e, ok := As(err); ok {
		return e.RetryAfter
	}
	return 0
}
