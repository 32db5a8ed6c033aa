// Package portal drives a server-rendered, session-based web portal through
// the screens declared in its Definition.
package portal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"vicedtools/internal/components/assert"
	"vicedtools/internal/components/telemetry"
	"vicedtools/internal/portal/transport"
)

const (
	report_session_authenticate = "session.authenticate"
	report_session_expired      = "session.expired"
	report_session_keypad       = "session.keypad"
	report_session_period       = "session.period"
	report_session_fetch        = "session.fetch"
	report_session_records      = "session.records"
)

const DefaultKeypadAttempts = 3

// Transport is the subset of *transport.Client a Session uses.
type Transport interface {
	Send(ctx context.Context, req transport.Request) (transport.Response, error)
	ResetCookies() error
}

type Status int

const (
	StatusUnauthenticated Status = iota
	StatusAuthenticated
	StatusExpired
	StatusFailed
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusUnauthenticated:
		return "unauthenticated"
	case StatusAuthenticated:
		return "authenticated"
	case StatusExpired:
		return "expired"
	case StatusFailed:
		return "failed"
	case StatusClosed:
		return "closed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Session is the single entry point to a portal for one account. Every
// operation holds the session lock for its whole duration, so at most one
// request is ever in flight per account. The accessors only take the state
// lock and may be called from a FetchEach callback.
type Session struct {
	def            Definition
	client         Transport
	creds          Credentials
	tel            telemetry.API
	keypadAttempts int

	mutex sync.Mutex

	// written only while mutex is held
	state        sync.RWMutex
	status       Status
	failure      error
	period       string
	portalPeriod string
	page         Page
	home         Page
}

type SessionOption func(cfg *sessionCfg)

type sessionCfg struct {
	tel            telemetry.API
	keypadAttempts int
}

func WithTelemetry(tel telemetry.API) SessionOption {
	return func(cfg *sessionCfg) {
		cfg.tel = tel
	}
}

// WithKeypadAttempts sets how many fresh keypads are tried before the login
// is considered failed.
func WithKeypadAttempts(attempts int) SessionOption {
	return func(cfg *sessionCfg) {
		cfg.keypadAttempts = attempts
	}
}

func NewSession(def Definition, client Transport, creds Credentials, opts ...SessionOption) *Session {
	assert.NotEmptyStr(def.Name)
	assert.NotNil(client)

	cfg := sessionCfg{keypadAttempts: DefaultKeypadAttempts}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.tel == nil {
		cfg.tel = telemetry.SlogAPI{}
	}
	if cfg.keypadAttempts <= 0 {
		cfg.keypadAttempts = DefaultKeypadAttempts
	}

	return &Session{
		def:            def,
		client:         client,
		creds:          creds,
		tel:            telemetry.NewScopedAPI(fmt.Sprintf("portal_session(%s)", def.Name), cfg.tel),
		keypadAttempts: cfg.keypadAttempts,
	}
}

func (s *Session) Status() Status {
	s.state.RLock()
	defer s.state.RUnlock()
	return s.status
}

// Screen is the screen the session is currently on.
func (s *Session) Screen() Screen {
	s.state.RLock()
	defer s.state.RUnlock()
	return s.page.Screen
}

// Page is the most recently received page.
func (s *Session) Page() Page {
	s.state.RLock()
	defer s.state.RUnlock()
	return s.page
}

// Home is the most recently received home page.
func (s *Session) Home() Page {
	s.state.RLock()
	defer s.state.RUnlock()
	return s.home
}

// Period is the period selected with SelectPeriod.
func (s *Session) Period() string {
	s.state.RLock()
	defer s.state.RUnlock()
	return s.period
}

// PortalPeriod is the period the portal last reported being in.
func (s *Session) PortalPeriod() string {
	s.state.RLock()
	defer s.state.RUnlock()
	return s.portalPeriod
}

// set applies a change to the fields the accessors read.
func (s *Session) set(fn func()) {
	s.state.Lock()
	defer s.state.Unlock()
	fn()
}

func (s *Session) setPage(page Page) {
	s.set(func() { s.page = page })
}

func (s *Session) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var navErr *NavigationError
	if errors.As(err, &navErr) {
		return err
	}
	return &NavigationError{Op: op, Screen: s.page.Screen, Err: err}
}

// usable fails without any I/O once the session is closed or failed.
func (s *Session) usable(op string) error {
	switch s.status {
	case StatusClosed:
		return s.wrap(op, ErrClosed)
	case StatusFailed:
		return s.failure
	}
	return nil
}

func (s *Session) ensureAuthenticated(ctx context.Context) error {
	if s.status == StatusAuthenticated {
		return nil
	}
	return s.login(ctx)
}

// withSession runs `fn` on an authenticated session. When the portal
// expires the session part way through, the session logs in again once and
// `fn` is run again from the start.
func (s *Session) withSession(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := s.usable(op)
	if err != nil {
		return err
	}
	err = s.ensureAuthenticated(ctx)
	if err != nil {
		return err
	}

	err = fn(ctx)
	var expired *transport.ExpiredError
	if errors.As(err, &expired) {
		s.tel.ReportWarning(report_session_expired, op, expired.Landing)
		s.expire()

		err = s.client.ResetCookies()
		if err != nil {
			return s.wrap(op, err)
		}
		err = s.login(ctx)
		if err != nil {
			return err
		}
		err = fn(ctx)
		if errors.As(err, &expired) {
			s.expire()
		}
	}
	return s.wrap(op, err)
}

func (s *Session) expire() {
	s.set(func() {
		s.status = StatusExpired
		s.portalPeriod = ""
		s.page = Page{}
	})
}

// Authenticate logs in now rather than on the first operation that needs it.
func (s *Session) Authenticate(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	err := s.usable("authenticate")
	if err != nil {
		return err
	}
	return s.ensureAuthenticated(ctx)
}

// SelectPeriod switches the reporting period. It is applied straight away
// on an authenticated session and on login otherwise, selecting the period
// already in effect sends nothing.
func (s *Session) SelectPeriod(ctx context.Context, period string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	const op = "select period"
	err := s.usable(op)
	if err != nil {
		return err
	}
	if period == "" {
		return s.wrap(op, errors.New("empty period"))
	}
	if period == s.period && (s.status != StatusAuthenticated || period == s.portalPeriod) {
		return nil
	}

	s.set(func() { s.period = period })
	s.tel.ReportDebug(report_session_period, period)
	if s.status != StatusAuthenticated {
		return nil
	}
	return s.withSession(ctx, op, s.applyPeriod)
}

// Fetch drains every page of a report. Nothing is returned unless every page
// was extracted.
func (s *Session) Fetch(ctx context.Context, report string, params map[string]string) ([]ExportRecord, error) {
	var out []ExportRecord
	err := s.FetchEach(ctx, report, params, func(records []ExportRecord) error {
		out = append(out, records...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FetchEach calls `fn` once per page of a report, in page order. A page is
// never delivered twice, even when the session expires part way through.
// `fn` may read the session through its accessors but must not start
// another operation on it.
func (s *Session) FetchEach(
	ctx context.Context,
	report string,
	params map[string]string,
	fn func(records []ExportRecord) error,
) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	op := fmt.Sprintf("fetch %s", report)
	err := s.usable(op)
	if err != nil {
		return err
	}
	spec, ok := s.def.Reports[report]
	if !ok {
		return s.wrap(op, &UnknownReportError{Report: report})
	}
	if spec.PeriodScoped && s.period == "" {
		return s.wrap(op, &NoPeriodSelectedError{Report: report})
	}

	delivered := 0
	total := 0
	err = s.withSession(ctx, op, func(ctx context.Context) error {
		return s.walkReport(ctx, spec, params, &delivered, func(records []ExportRecord) error {
			total += len(records)
			return fn(records)
		})
	})
	if err != nil {
		s.tel.ReportBroken(report_session_fetch, err, report)
		return err
	}
	s.tel.ReportDebug(report_session_fetch, report, "pages", delivered, "records", total)
	s.tel.ReportCount(report_session_records, int64(total))
	return nil
}

// Close ends the session, its cookies are discarded and every later
// operation fails.
func (s *Session) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.status == StatusClosed {
		return nil
	}
	s.set(func() {
		s.status = StatusClosed
		s.page = Page{}
	})
	return s.client.ResetCookies()
}
