package portal

import (
	"errors"
	"fmt"
)

type AuthenticationReason string

const (
	ReasonBadCredentials     AuthenticationReason = "bad-credentials"
	ReasonKeypadMismatch     AuthenticationReason = "keypad-mismatch"
	ReasonPortalUnreachable  AuthenticationReason = "portal-unreachable"
	ReasonUnexpectedResponse AuthenticationReason = "unexpected-response"
)

// AuthenticationError is terminal, the session that produced it will not
// attempt to log in again.
type AuthenticationError struct {
	Reason AuthenticationReason
	Err    error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("authentication failed (%s)", e.Reason)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// NavigationError wraps every error a Session operation returns with the
// screen the session was on.
type NavigationError struct {
	Op     string
	Screen Screen
	Err    error
}

func (e *NavigationError) Error() string {
	screen := e.Screen
	if screen == "" {
		screen = "none"
	}
	return fmt.Sprintf("%s (at %s): %v", e.Op, screen, e.Err)
}

func (e *NavigationError) Unwrap() error {
	return e.Err
}

type UnreachableScreenError struct {
	From Screen
	To   Screen
}

func (e *UnreachableScreenError) Error() string {
	return fmt.Sprintf("no transition from %q to %q", e.From, e.To)
}

// UnexpectedScreenError means a transition landed somewhere other than its
// target screen.
type UnexpectedScreenError struct {
	Expected Screen
	URL      string
}

func (e *UnexpectedScreenError) Error() string {
	return fmt.Sprintf("expected screen %q, landed on %s", e.Expected, e.URL)
}

type NoPeriodSelectedError struct {
	Report string
}

func (e *NoPeriodSelectedError) Error() string {
	return fmt.Sprintf("report %q is period scoped but no period was selected", e.Report)
}

type UnknownReportError struct {
	Report string
}

func (e *UnknownReportError) Error() string {
	return fmt.Sprintf("unknown report %q", e.Report)
}

var ErrClosed = errors.New("session closed")
