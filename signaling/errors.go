package signaling

import (
	"errors"
	"fmt"
)

// Close codes the voice gateway uses that affect retry policy.
const (
	// CloseAuthenticationFailed means the token was rejected. Never retried.
	CloseAuthenticationFailed = 4004
	// CloseSessionNoLongerValid means the session cannot be resumed.
	CloseSessionNoLongerValid = 4006
	// CloseSessionTimeout means the session expired server-side.
	CloseSessionTimeout = 4009
	// CloseDisconnected means the client was kicked or the channel deleted.
	CloseDisconnected = 4014
)

// NegotiationError describes a failed or rejected handshake. Fatal errors
// (authentication rejections, kicked sessions) must not be retried.
type NegotiationError struct {
	Reason string
	Code   int
	Fatal  bool
	Err    error
}

func (e *NegotiationError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("negotiation failed: %s (close code %d)", e.Reason, e.Code)
	}
	return fmt.Sprintf("negotiation failed: %s", e.Reason)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// ErrHandshakeTimeout marks a handshake step that did not complete within
// its deadline.
var ErrHandshakeTimeout = errors.New("handshake step timed out")

// ErrResumeRejected is returned when the server refuses to resume a prior
// session; the caller falls back to a full identify.
var ErrResumeRejected = errors.New("resume rejected")

// FatalCloseCode reports whether a close code must never be retried.
func FatalCloseCode(code int) bool {
	switch code {
	case CloseAuthenticationFailed, CloseDisconnected:
		return true
	default:
		return false
	}
}

// negotiationFailed wraps err with handshake context.
func negotiationFailed(reason string, code int, err error) *NegotiationError {
	return &NegotiationError{
		Reason: reason,
		Code:   code,
		Fatal:  FatalCloseCode(code),
		Err:    err,
	}
}
