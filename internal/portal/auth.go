package portal

import (
	"context"
	"errors"
	"fmt"
	"vicedtools/internal/portal/keypad"
	"vicedtools/internal/portal/transport"

	"go.opentelemetry.io/otel/codes"
)

type authState int

const (
	authInit authState = iota
	authCredentialsSubmitted
	authKeypadFetched
	authKeypadSubmitted
	authAuthenticated
	authFailed
)

func (s authState) String() string {
	switch s {
	case authInit:
		return "init"
	case authCredentialsSubmitted:
		return "credentials-submitted"
	case authKeypadFetched:
		return "keypad-fetched"
	case authKeypadSubmitted:
		return "keypad-submitted"
	case authAuthenticated:
		return "authenticated"
	case authFailed:
		return "failed"
	}
	return fmt.Sprintf("auth(%d)", int(s))
}

// classifyAuthError maps whatever stopped the handshake to the reason it
// failed.
func classifyAuthError(err error) *AuthenticationError {
	var authErr *AuthenticationError
	if errors.As(err, &authErr) {
		return authErr
	}

	var transportErr *transport.Error
	if errors.As(err, &transportErr) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return &AuthenticationError{Reason: ReasonPortalUnreachable, Err: err}
	}

	var coordErr *keypad.CoordinateError
	if errors.As(err, &coordErr) {
		return &AuthenticationError{Reason: ReasonKeypadMismatch, Err: err}
	}

	// malformed pages, unknown screens and unparsable keypads
	return &AuthenticationError{Reason: ReasonUnexpectedResponse, Err: err}
}

type handshake struct {
	s     *Session
	state authState
}

func (h *handshake) advance(next authState) {
	h.s.tel.ReportDebug(report_session_authenticate, h.state.String(), "->", next.String())
	h.state = next
}

// login runs the authentication handshake, any failure is terminal for the
// session.
func (s *Session) login(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "portal.authenticate")
	defer span.End()

	h := &handshake{s: s, state: authInit}
	err := h.run(ctx)
	if err != nil {
		authErr := classifyAuthError(err)
		h.advance(authFailed)

		span.RecordError(authErr)
		span.SetStatus(codes.Error, string(authErr.Reason))
		s.tel.ReportBroken(report_session_authenticate, authErr)

		failure := &NavigationError{Op: "authenticate", Screen: s.page.Screen, Err: authErr}
		s.set(func() {
			s.failure = failure
			s.status = StatusFailed
			s.page = Page{}
		})
		return failure
	}

	s.set(func() { s.status = StatusAuthenticated })
	h.advance(authAuthenticated)
	return nil
}

func (h *handshake) run(ctx context.Context) error {
	s := h.s
	login := s.def.Login
	args := s.args(nil)

	entry, err := s.step(ctx, Page{}, login.Entry, args, false)
	if err != nil {
		return err
	}
	s.setPage(entry)

	submitCredentials := Edge{
		From: entry.Screen,
		Build: func(page Page, _ Args) (transport.Request, error) {
			return login.Credentials(page, s.creds)
		},
	}
	page, err := s.step(ctx, entry, submitCredentials, args, false)
	if err != nil {
		return err
	}
	s.setPage(page)
	h.advance(authCredentialsSubmitted)
	if login.CredentialsAccepted != nil && !login.CredentialsAccepted(page) {
		return &AuthenticationError{Reason: ReasonBadCredentials}
	}

	if login.Keypad != nil {
		err = h.solveKeypad(ctx, *login.Keypad, args)
		if err != nil {
			return err
		}
	}

	home, err := s.step(ctx, s.page, s.def.Home, args, true)
	if err != nil {
		var expired *transport.ExpiredError
		if errors.As(err, &expired) {
			return &AuthenticationError{Reason: ReasonUnexpectedResponse, Err: err}
		}
		return err
	}
	s.setPage(home)
	s.noteHome(home)
	return nil
}

// solveKeypad answers the grid challenge, fetching a fresh layout for every
// attempt.
func (h *handshake) solveKeypad(ctx context.Context, spec KeypadSpec, args Args) error {
	s := h.s
	for attempt := 1; attempt <= s.keypadAttempts; attempt++ {
		challenge, err := s.step(ctx, s.page, Edge{From: s.page.Screen, To: spec.Screen, Build: spec.Fetch}, args, false)
		if err != nil {
			return err
		}
		s.setPage(challenge)

		layout, err := keypad.ParseLayoutDocument(challenge.Doc)
		if err != nil {
			return err
		}
		h.advance(authKeypadFetched)

		mapped, err := keypad.Map(s.creds.Secret, layout)
		if err != nil {
			return &AuthenticationError{Reason: ReasonKeypadMismatch, Err: err}
		}

		submit := Edge{
			From: spec.Screen,
			Build: func(page Page, args Args) (transport.Request, error) {
				return spec.Submit(page, layout, mapped, args)
			},
		}
		page, err := s.step(ctx, challenge, submit, args, false)
		if err != nil {
			return err
		}
		s.setPage(page)
		h.advance(authKeypadSubmitted)

		if spec.Accepted == nil || spec.Accepted(page) {
			return nil
		}
		s.tel.ReportWarning(report_session_keypad, "keypad rejected", "attempt", attempt)
	}
	return &AuthenticationError{
		Reason: ReasonKeypadMismatch,
		Err:    fmt.Errorf("keypad rejected %d times", s.keypadAttempts),
	}
}
