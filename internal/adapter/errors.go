package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Normalized dispatch codes.
var (
	ErrNotFound        = errors.New("NOT_FOUND")
	ErrBusy            = errors.New("BUSY")
	ErrUnavailable     = errors.New("UNAVAILABLE")
	ErrRejected        = errors.New("REJECTED")
	ErrInvalidResponse = errors.New("INVALID_RESPONSE")
	ErrInternal        = errors.New("INTERNAL")
)

// DispatchError wraps a failed action with its normalized code.
type DispatchError struct {
	Code     error  // Normalized code
	Target   Target // Action target
	Status   int    // HTTP status, 0 when no response was received
	Original error  // Underlying error
	Details  string // Response body excerpt
}

func (e *DispatchError) Error() string {
	msg := fmt.Sprintf("%v: clean %s", e.Code, e.Target)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Original != nil {
		msg += ": " + e.Original.Error()
	}
	return msg
}

func (e *DispatchError) Unwrap() error {
	return e.Code
}

// TokenMap lists body tokens that refine a non-specific status.
type TokenMap struct {
	NotFound    []string
	Busy        []string
	Unavailable []string
}

// ErrorTokens maps tokens found in farm error bodies. Matching is
// case-insensitive and ordered NotFound, Busy, Unavailable.
var ErrorTokens = TokenMap{
	NotFound: []string{
		"NOT FOUND",
		"NOT_FOUND",
		"UNKNOWN PANEL",
		"UNKNOWN SECTOR",
	},
	Busy: []string{
		"BUSY",
		"IN PROGRESS",
		"RATE LIMIT",
		"TOO MANY REQUESTS",
	},
	Unavailable: []string{
		"UNAVAILABLE",
		"OFFLINE",
		"MAINTENANCE",
		"NOT READY",
	},
}

// NormalizeStatus maps an unsuccessful HTTP response to a DispatchError.
func NormalizeStatus(target Target, status int, body []byte) error {
	details := excerpt(body)
	return &DispatchError{
		Code:     codeForStatus(status, details),
		Target:   target,
		Status:   status,
		Original: fmt.Errorf("farm responded %s", http.StatusText(status)),
		Details:  details,
	}
}

// NormalizeTransportError maps a failure to obtain a response.
func NormalizeTransportError(target Target, err error) error {
	if err == nil {
		return nil
	}
	var de *DispatchError
	if errors.As(err, &de) {
		return de
	}
	return &DispatchError{
		Code:     ErrUnavailable,
		Target:   target,
		Original: err,
	}
}

// InvalidResponse wraps a response that could not be validated.
func InvalidResponse(target Target, status int, err error) error {
	return &DispatchError{
		Code:     ErrInvalidResponse,
		Target:   target,
		Status:   status,
		Original: err,
	}
}

// IsTimeout reports whether err stems from an expired or cancelled context.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func codeForStatus(status int, details string) error {
	switch status {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests, http.StatusConflict, http.StatusLocked:
		return ErrBusy
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return ErrUnavailable
	}

	upper := strings.ToUpper(details)
	for _, token := range ErrorTokens.NotFound {
		if strings.Contains(upper, token) {
			return ErrNotFound
		}
	}
	for _, token := range ErrorTokens.Busy {
		if strings.Contains(upper, token) {
			return ErrBusy
		}
	}
	for _, token := range ErrorTokens.Unavailable {
		if strings.Contains(upper, token) {
			return ErrUnavailable
		}
	}

	if status >= 400 && status < 500 {
		return ErrRejected
	}
	return ErrInternal
}

func excerpt(body []byte) string {
	const max = 512
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		s = s[:max]
	}
	return s
}
