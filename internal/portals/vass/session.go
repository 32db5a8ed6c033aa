// Package vass drives the VCE Administration and Student Support System.
package vass

import (
	"context"
	"slices"
	"strings"
	"vicedtools/internal/components/chrono"
	"vicedtools/internal/portal"
)

// Session wraps portal.Session with one method per VASS export.
type Session struct {
	*portal.Session
}

// NewSession reads the default login year from `clock`.
func NewSession(client portal.Transport, clock chrono.API, creds portal.Credentials, opts ...portal.SessionOption) *Session {
	return &Session{Session: portal.NewSession(NewDefinition(clock), client, creds, opts...)}
}

// School is the school name shown on the dashboard, it is only known after
// login.
func (s *Session) School() (string, bool) {
	home := s.Home()
	if home.Doc == nil {
		return "", false
	}
	school, _, ok := dashboardTitle(home)
	return school, ok
}

func (s *Session) FetchPersonalDetailsSummary(ctx context.Context) ([]portal.ExportRecord, error) {
	return s.Fetch(ctx, ReportPersonalDetails, nil)
}

// FetchSchoolProgramSummary exports the classes of the selected period,
// `selection` is one of vce, vet or vcal.
func (s *Session) FetchSchoolProgramSummary(ctx context.Context, selection string) ([]portal.ExportRecord, error) {
	selection = strings.ToLower(selection)
	if !selectionPattern.MatchString(selection) {
		return nil, &InvalidSelectionError{Selection: selection}
	}
	return s.Fetch(ctx, ReportSchoolProgram, map[string]string{"selection": selection})
}

func (s *Session) FetchExternalResults(ctx context.Context) ([]portal.ExportRecord, error) {
	return s.Fetch(ctx, ReportExternalResults, nil)
}

func (s *Session) FetchGatScores(ctx context.Context) ([]portal.ExportRecord, error) {
	return s.Fetch(ctx, ReportGatScores, nil)
}

var predictedScoresOrder = []string{
	"Year", "Subject", "Surname", "FirstName", "YearLevel", "ClassGroup", "Achieved", "Predicted",
}

// FetchPredictedScores exports Report 17 of the VCE Data Service for every
// subject of the selected period.
func (s *Session) FetchPredictedScores(ctx context.Context) ([]portal.ExportRecord, error) {
	records, err := s.Fetch(ctx, ReportPredictedScores, nil)
	if err != nil {
		return nil, err
	}
	for i := range records {
		records[i].Values["Year"] = records[i].Period
	}
	return reorder(records, predictedScoresOrder), nil
}

// FetchModeratedCourseworkScores reads every student point off the
// statistical moderation chart of each graded assessment.
func (s *Session) FetchModeratedCourseworkScores(ctx context.Context) ([]portal.ExportRecord, error) {
	return s.Fetch(ctx, ReportModeratedScores, nil)
}

// FetchSchoolScores exports the ranked school assessed coursework scores of
// every results cycle.
func (s *Session) FetchSchoolScores(ctx context.Context) ([]portal.ExportRecord, error) {
	var out []portal.ExportRecord
	seen := map[string]bool{}
	for _, cycle := range SchoolScoreCycles {
		records, err := s.Fetch(ctx, ReportSchoolScores, map[string]string{"cycle": cycle})
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			code, name := unitDetails(r.Get("Unit"))
			r.Values["Unit Code"] = code
			r.Values["Unit Name"] = name
			r.Columns = appendMissing(r.Columns, "Unit Code", "Unit Name")

			key := recordKey(r)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, r)
		}
	}
	return out, nil
}

func appendMissing(columns []string, names ...string) []string {
	out := slices.Clone(columns)
	for _, name := range names {
		if !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	return out
}

func recordKey(r portal.ExportRecord) string {
	var b strings.Builder
	for _, column := range r.Columns {
		b.WriteString(column)
		b.WriteByte(0)
		b.WriteString(r.Values[column])
		b.WriteByte(0)
	}
	return b.String()
}

// reorder puts `order` first, the remaining columns keep their place after
// it.
func reorder(records []portal.ExportRecord, order []string) []portal.ExportRecord {
	for i, r := range records {
		columns := make([]string, 0, len(r.Columns)+len(order))
		columns = append(columns, order...)
		for _, column := range r.Columns {
			if !slices.Contains(order, column) {
				columns = append(columns, column)
			}
		}
		records[i].Columns = columns
	}
	return records
}
