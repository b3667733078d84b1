// Package upstream talks to the enterprise chat backend: credential
// exchange, session lifecycle, the assist stream, and file transfer.
package upstream

import "fmt"

// StatusError carries a non-2xx upstream response. BodyPrefix holds at
// most the first 200 bytes of the body for the error ring; the full
// body is never retained.
type StatusError struct {
	StatusCode int
	Message    string
	BodyPrefix string
}

func NewStatusError(code int, message, bodyPrefix string) *StatusError {
	if len(bodyPrefix) > 200 {
		bodyPrefix = bodyPrefix[:200]
	}
	return &StatusError{StatusCode: code, Message: message, BodyPrefix: bodyPrefix}
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: HTTP %d", e.Message, e.StatusCode)
}

// IsAuthStatus reports whether the status indicates expired credentials.
func (e *StatusError) IsAuthStatus() bool {
	return e.StatusCode == 401 || e.StatusCode == 403
}
