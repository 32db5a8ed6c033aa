package dataservice

import (
	"context"
	"errors"
	"testing"
	"vicedtools/internal/portal"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func values(records []portal.ExportRecord) []map[string]string {
	out := make([]map[string]string, len(records))
	for i, r := range records {
		out[i] = r.Values
	}
	return out
}

func TestLoginListsYears(t *testing.T) {
	h := newFakeHarness(t, fakeCreds)

	require.Empty(t, h.session.Years())
	require.NoError(t, h.session.Authenticate(context.Background()))
	require.Equal(t, portal.StatusAuthenticated, h.session.Status())
	require.Equal(t, fakeYears, h.session.Years())
	require.Equal(t, "2023", h.session.PortalPeriod())
	require.Equal(t, 1, h.service.logins)
	require.Zero(t, h.service.stale)
}

func TestFetchNaplanOutcomesDefaultsToSelectedYear(t *testing.T) {
	h := newFakeHarness(t, fakeCreds)

	records, err := h.session.FetchNaplanOutcomes(context.Background())
	require.NoError(t, err)

	expected := []map[string]string{
		{"Test Year Level": "7", "APS Year": "2023", "Reporting Test": "Reading", "First Name": "Jane", "Surname": "ADAMS", "Scaled Score": "545"},
		{"Test Year Level": "7", "APS Year": "2023", "Reporting Test": "Numeracy", "First Name": "SMITH, Jo", "Surname": "O'BRIEN", "Scaled Score": "530"},
		{"Test Year Level": "9", "APS Year": "2023", "Reporting Test": "Reading", "First Name": "Mei", "Surname": "CHAN", "Scaled Score": "612"},
	}
	if diff := cmp.Diff(expected, values(records)); diff != "" {
		t.Fatalf("outcome records differ (-want +got):\n%s", diff)
	}
	require.Equal(t, []string{ColumnTestYearLevel, "APS Year", "Reporting Test", "First Name", "Surname", "Scaled Score"}, records[0].Columns)
	for _, r := range records {
		require.Equal(t, ReportNaplanOutcomes, r.Report)
		require.Equal(t, "2023", r.Period)
	}
}

func TestSelectYearIsSentWithExtract(t *testing.T) {
	h := newFakeHarness(t, fakeCreds)
	ctx := context.Background()

	require.NoError(t, h.session.Authenticate(ctx))
	require.NoError(t, h.session.SelectPeriod(ctx, "2021"))
	require.Equal(t, 1, h.service.Requests(pathDataExtract))

	records, err := h.session.FetchNaplanQuestions(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, []string{ColumnTestYearLevel, "APS Year", "Question", "First Name", "Surname", "Correct", "Exemplar"}, records[0].Columns)
	require.Equal(t, "2021", records[0].Get("APS Year"))
	require.Equal(t, "", records[0].Get("Exemplar"))
	require.Equal(t, "EX0004", records[1].Get("Exemplar"))
	require.Equal(t, "2021", records[1].Period)
}

func TestUnknownYear(t *testing.T) {
	h := newFakeHarness(t, fakeCreds)
	ctx := context.Background()

	require.NoError(t, h.session.SelectPeriod(ctx, "2019"))
	_, err := h.session.FetchNaplanOutcomes(ctx)
	var yearErr *UnknownYearError
	require.ErrorAs(t, err, &yearErr)
	require.Equal(t, fakeYears, yearErr.Available)
	require.Zero(t, h.service.Requests(pathExtractZip))
}

func TestBadPassword(t *testing.T) {
	h := newFakeHarness(t, portal.Credentials{Username: fakeCreds.Username, Password: "wrong"})

	err := h.session.Authenticate(context.Background())
	var authErr *portal.AuthenticationError
	require.True(t, errors.As(err, &authErr))
	require.Equal(t, portal.ReasonBadCredentials, authErr.Reason)
	require.Equal(t, portal.StatusFailed, h.session.Status())
}

func TestExpiredExtractLogsInAgain(t *testing.T) {
	h := newFakeHarness(t, fakeCreds)
	ctx := context.Background()

	require.NoError(t, h.session.Authenticate(ctx))
	h.service.mutex.Lock()
	h.service.expireExtract = true
	h.service.mutex.Unlock()

	records, err := h.session.FetchNaplanOutcomes(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, 2, h.service.logins)
	require.Equal(t, 2, h.service.Requests(pathExtractZip))
	require.Zero(t, h.service.stale)
}

func TestExtractWithoutStudentFiles(t *testing.T) {
	parse := studentFiles(ReportNaplanOutcomes, "StudentOutcomeLevel_")
	_, err := parse(portal.Page{Body: []byte("<html>maintenance</html>")})
	require.ErrorContains(t, err, "not a zip archive")
}
