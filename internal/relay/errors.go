// Package relay glues account selection, the upstream session, the
// assist stream, and media materialization into OpenAI-shaped
// responses.
package relay

import (
	"errors"
	"fmt"

	"github.com/zczy999/business-gemini/internal/account"
	"github.com/zczy999/business-gemini/internal/upstream"
)

// Error is the client-visible failure shape.
type Error struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`

	// RetryAfterSeconds populates the Retry-After hint on 503s.
	RetryAfterSeconds int `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes surfaced to clients.
const (
	codeNoAvailableAccount = "no_available_account"
	codeUpstreamAuth       = "upstream_auth_failed"
	codeRateLimited        = "rate_limited"
	codeQuotaExhausted     = "quota_exhausted"
	codeUpstreamError      = "upstream_error"
	codeBadRequest         = "bad_request"
	codeInternal           = "internal_error"
)

// toClientError maps pool/upstream failures onto the §7 taxonomy. Pool
// side-effects (MarkError) have already been applied by the caller.
func toClientError(err error, kind account.QuotaKind) *Error {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr
	}

	var noAvail *account.NoAvailableError
	if errors.As(err, &noAvail) {
		retryAfter := int(noAvail.RetryAfter.Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		return &Error{
			Code:              codeNoAvailableAccount,
			Message:           noAvail.Error(),
			HTTPStatus:        503,
			RetryAfterSeconds: retryAfter,
		}
	}

	var statusErr *upstream.StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.IsAuthStatus():
			return &Error{Code: codeUpstreamAuth, Message: "upstream auth failed", HTTPStatus: 502}
		case statusErr.StatusCode == 429 && kind != "":
			return &Error{
				Code:       codeQuotaExhausted,
				Message:    fmt.Sprintf("%s quota exhausted, resets at PT midnight", kind),
				HTTPStatus: 429,
			}
		case statusErr.StatusCode == 429:
			return &Error{Code: codeRateLimited, Message: "upstream rate limited", HTTPStatus: 429}
		default:
			return &Error{Code: codeUpstreamError, Message: "upstream request failed", HTTPStatus: 502}
		}
	}

	// Transport errors, timeouts, socket resets.
	return &Error{Code: codeUpstreamError, Message: "upstream request failed", HTTPStatus: 502}
}

// retryableBeforeFirstByte reports whether a failure permits the single
// account re-selection: auth and transient errors qualify, rate limits
// and quota exhaustion do not.
func retryableBeforeFirstByte(err error) bool {
	var statusErr *upstream.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.IsAuthStatus() || statusErr.StatusCode >= 500
	}
	var noAvail *account.NoAvailableError
	if errors.As(err, &noAvail) {
		return false
	}
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return false
	}
	// Transport-level failure.
	return true
}
