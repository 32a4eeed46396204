package xhs

import (
	"errors"
	"fmt"
)

// ChallengeError reports a human-verification challenge (HTTP 471/461).
//
// It is always fatal for the current operation and must never be retried:
// the platform expects a person to resolve the challenge before the session
// is accepted again.
type ChallengeError struct {
	StatusCode int
	Type       string // Verifytype response header
	UUID       string // Verifyuuid response header
}

func (e *ChallengeError) Error() string {
	return fmt.Sprintf("verification challenge (status %d, type=%s, uuid=%s)",
		e.StatusCode, e.Type, e.UUID)
}

// IsChallenge reports whether err (or anything it wraps) is a verification
// challenge.
func IsChallenge(err error) bool {
	var ce *ChallengeError
	return errors.As(err, &ce)
}

// APIError is an explicit rejection in a 200-level response envelope.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("platform rejected request: %s (code %d)", e.Msg, e.Code)
	}
	return fmt.Sprintf("platform rejected request (code %d)", e.Code)
}
