package dataservice

import (
	"context"
	"vicedtools/internal/portal"
	"vicedtools/internal/portal/transport"
)

// Session wraps portal.Session with one method per Data Service extract.
// The extract year is the selected period, or the year the extract page
// selects by default.
type Session struct {
	*portal.Session
}

func NewSession(client portal.Transport, creds portal.Credentials, opts ...portal.SessionOption) *Session {
	return &Session{Session: portal.NewSession(NewDefinition(), client, creds, opts...)}
}

// TransportOptions are the defaults for a Data Service client.
func TransportOptions(baseUrl string) transport.Options {
	opts := transport.DefaultOptions(baseUrl)
	opts.LoginPath = LoginPath
	return opts
}

// Years lists the reporting years the Data Service offers, it is only known
// after login.
func (s *Session) Years() []string {
	return Years(s.Home())
}

func (s *Session) FetchNaplanOutcomes(ctx context.Context) ([]portal.ExportRecord, error) {
	return s.Fetch(ctx, ReportNaplanOutcomes, nil)
}

func (s *Session) FetchNaplanQuestions(ctx context.Context) ([]portal.ExportRecord, error) {
	return s.Fetch(ctx, ReportNaplanQuestions, nil)
}
