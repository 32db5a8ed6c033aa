package transport

import (
	"fmt"
)

// Error is returned when a request could not be completed, either because
// the network failed or the portal answered with an error status. Retries
// have already been exhausted by the time it is returned.
type Error struct {
	Method string
	URL    string
	// Status is zero when no response was received.
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transport: %s %s: status %d", e.Method, e.URL, e.Status)
	}
	return fmt.Sprintf("transport: %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ExpiredError is returned when an authenticated request lands back on the
// portal's login screen.
type ExpiredError struct {
	Method string
	URL    string
	// Landing is the url the portal redirected to.
	Landing string
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("transport: session expired: %s %s landed on %s", e.Method, e.URL, e.Landing)
}
