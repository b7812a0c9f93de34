package apierr

import "strconv"

const (
	CodeValidationFailed        = "validation_failed"
	CodeUnauthorized            = "unauthorized"
	CodeForbidden               = "forbidden"
	CodeNotFound                = "not_found"
	CodeRateLimited             = "rate_limited"
	CodeOffline                 = "offline"
	CodePreconditionFailed      = "precondition_failed"
	CodeConcurrentUpdate        = "concurrent_update"
	CodeImmutableState          = "immutable_state"
	CodeBadRequest              = "bad_request"
	CodeInvalidState            = "invalid_state"
	CodeExpiredQuote            = "expired_quote"
	CodeInvalidQuoteSignature   = "invalid_quote_signature"
	CodeQuoteMismatch           = "quote_mismatch"
	CodeQuoteReplayDetected     = "quote_replay_detected"
	CodePaymentMethodRequired   = "payment_method_required"
	CodeInvalidPaymentMethod    = "invalid_payment_method"
	CodeCaptureExceedsRemaining = "capture_exceeds_remaining"
	CodeRefundExceedsCaptured   = "refund_exceeds_captured"
	CodeConflictVersion         = "conflict_version"
	CodeMissingRefresh          = "missing_refresh"
	CodeInvalidRefresh          = "invalid_refresh"
	CodeExpiredRefresh          = "expired_refresh"
	CodeInternalError           = "internal_error"
)

var messages = map[string]string{
	CodeValidationFailed:        "Some inputs are invalid.",
	CodeUnauthorized:            "Please log in again.",
	CodeForbidden:               "You do not have permission to perform this action.",
	CodeNotFound:                "Resource not found.",
	CodeRateLimited:             "Too many requests. Please slow down.",
	CodeOffline:                 "You appear to be offline.",
	CodePreconditionFailed:      "Ride was updated elsewhere. Refreshed to latest.",
	CodeConcurrentUpdate:        "Another update happened at the same time. Please retry.",
	CodeImmutableState:          "Ride can no longer be modified in its current state.",
	CodeBadRequest:              "Request was malformed.",
	CodeInvalidState:            "Action invalid in current state.",
	CodeExpiredQuote:            "Quote expired. Recalculating…",
	CodeInvalidQuoteSignature:   "Quote signature invalid. Please retry.",
	CodeQuoteMismatch:           "Quote details mismatch. Refreshing pricing…",
	CodeQuoteReplayDetected:     "Quote reuse detected. Fetch a new quote.",
	CodePaymentMethodRequired:   "A valid payment method is required.",
	CodeInvalidPaymentMethod:    "Invalid payment method.",
	CodeCaptureExceedsRemaining: "Capture exceeds remaining amount.",
	CodeRefundExceedsCaptured:   "Refund exceeds captured amount.",
	CodeConflictVersion:         "Item changed elsewhere. Please refresh.",
	CodeMissingRefresh:          "Refresh token missing.",
	CodeInvalidRefresh:          "Refresh token invalid.",
	CodeExpiredRefresh:          "Refresh token expired. Please login again.",
	CodeInternalError:           "Something went wrong. Try again later.",
}

// status-keyed fallbacks for unrecognized codes
var statusMessages = map[int]string{
	0:   "Network error. Check your connection.",
	400: "Request was malformed.",
	401: "Please log in again.",
	403: "You do not have permission to perform this action.",
	404: "Resource not found.",
	409: "Another update happened at the same time. Please retry.",
	412: "Ride was updated elsewhere. Refreshed to latest.",
	422: "Some inputs are invalid.",
	429: "Too many requests. Please slow down.",
	500: "Something went wrong. Try again later.",
	502: "Service temporarily unavailable.",
	503: "Service temporarily unavailable.",
	504: "The server took too long to respond.",
}

const genericMessage = "Something went wrong. Try again later."

// FriendlyMessage maps a server code (or, failing that, an HTTP status) to
// human-readable text.
func FriendlyMessage(code string, status int) string {
	if m, ok := messages[code]; ok {
		return m
	}
	if m, ok := statusMessages[status]; ok {
		return m
	}
	if status >= 500 {
		return statusMessages[500]
	}
	return genericMessage
}

func codeForStatus(status int) string {
	switch status {
	case 400:
		return CodeBadRequest
	case 401:
		return CodeUnauthorized
	case 403:
		return CodeForbidden
	case 404:
		return CodeNotFound
	case 409:
		return CodeConcurrentUpdate
	case 412:
		return CodePreconditionFailed
	case 422:
		return CodeValidationFailed
	case 429:
		return CodeRateLimited
	}
	return ""
}

// StatusText is used in logs and metric labels.
func StatusText(status int) string {
	if status == 0 {
		return "network"
	}
	return strconv.Itoa(status)
}
