// Package dataservice drives the VCAA Data Service, which publishes the
// NAPLAN data extracts of a school.
package dataservice

import (
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"vicedtools/internal/portal"
	"vicedtools/internal/portal/pagestate"
	"vicedtools/internal/portal/transport"
	"vicedtools/lib/htmlutil"

	"github.com/PuerkitoBio/goquery"
)

const DefaultBaseUrl = "https://dataservice.vcaa.vic.edu.au"

// LoginPath is where the Data Service sends a request whose session has
// lapsed.
const LoginPath = "/Account/Login"

const (
	ScreenLogin         portal.Screen = "login"
	ScreenDataExtract   portal.Screen = "data-extract"
	ScreenNaplanExtract portal.Screen = "naplan-extract"
)

// report names accepted by portal.Session.Fetch
const (
	ReportNaplanOutcomes  = "naplan-outcomes"
	ReportNaplanQuestions = "naplan-questions"
)

const (
	pathDataExtract = "/DataExtract/Index"
	pathExtractZip  = "/DataExtract/GetZip"

	tokenField   = "__RequestVerificationToken"
	yearSelector = "#ReportingYearSelected_DataExtract"
)

// UnknownYearError means an extract was requested for a year the Data
// Service does not offer.
type UnknownYearError struct {
	Year      string
	Available []string
}

func (e *UnknownYearError) Error() string {
	return fmt.Sprintf("no NAPLAN data for %s, available years are %s", e.Year, strings.Join(e.Available, ", "))
}

func has(selector string) func(portal.Page) bool {
	return func(page portal.Page) bool {
		return page.Doc.Find(selector).Length() > 0
	}
}

// Years lists the reporting years offered on the data extract page, newest
// first as the page lists them.
func Years(page portal.Page) []string {
	if page.Doc == nil {
		return nil
	}
	var out []string
	page.Doc.Find(yearSelector + " option").Each(func(_ int, option *goquery.Selection) {
		value := strings.TrimSpace(option.AttrOr("value", htmlutil.CleanText(option.Text())))
		if value != "" {
			out = append(out, value)
		}
	})
	return out
}

func selectedYear(home portal.Page) (string, bool) {
	selected := home.Doc.Find(yearSelector + " option[selected]").First()
	if selected.Length() > 0 {
		value := strings.TrimSpace(selected.AttrOr("value", ""))
		return value, value != ""
	}
	years := Years(home)
	if len(years) == 0 {
		return "", false
	}
	return years[0], true
}

func credentials(page portal.Page, creds portal.Credentials) (transport.Request, error) {
	return transport.Request{
		Method: http.MethodPost,
		URL:    page.Postback.Action.String(),
		Form: page.Postback.Merge(url.Values{
			"UserName": {creds.Username},
			"Password": {creds.Password},
		}),
		Replayable: true,
	}, nil
}

// outcome and question levels of the student extracts, every level is
// requested
var (
	outcomeLevels  = `["100","200","300","400","500","600","700","800","900","1000"]`
	questionLevels = `["101","102","103","104","105","106","107","108","109","110"]`
)

// naplanExtract requests the extract archive of the selected year for year
// 7 and 9 students.
func naplanExtract(page portal.Page, args portal.Args) (transport.Request, error) {
	years := Years(page)
	if !slices.Contains(years, args.Period) {
		return transport.Request{}, &UnknownYearError{Year: args.Period, Available: years}
	}
	return transport.Request{
		Method: http.MethodGet,
		URL:    pathExtractZip,
		Query: url.Values{
			"ReportingYear":               {args.Period},
			"YearLevel":                   {"7,9,0"},
			"Outcome":                     {"0"},
			"OutcomeLevelSelectionsJson":  {outcomeLevels},
			"QuestionLevelSelectionsJson": {questionLevels},
			"NationalDataJson":            {"null"},
			"StateDataJson":               {"null"},
			"SchoolDataJson":              {"null"},
			"SchoolFileJson":              {"null"},
		},
		Accept:     "application/zip",
		Replayable: true,
	}, nil
}

// NewDefinition returns the Data Service interaction model. It has no
// keypad and takes the reporting year on every extract request.
func NewDefinition() portal.Definition {
	home := portal.Edge{
		To: ScreenDataExtract,
		Build: func(portal.Page, portal.Args) (transport.Request, error) {
			return transport.Request{Method: http.MethodGet, URL: pathDataExtract, Replayable: true}, nil
		},
	}
	extractEdge := []portal.Edge{{From: ScreenDataExtract, To: ScreenNaplanExtract, Build: naplanExtract}}

	return portal.Definition{
		Name: "dataservice",
		Screens: map[portal.Screen]portal.ScreenSpec{
			ScreenLogin: {
				Name: ScreenLogin,
				Form: pagestate.FormSpec{
					Selector: `form:has(input[name="Password"])`,
					Required: []string{tokenField},
				},
				Identify: has(`input[name="Password"]`),
			},
			ScreenDataExtract: {
				Name:     ScreenDataExtract,
				Identify: has(yearSelector),
			},
			ScreenNaplanExtract: {
				Name:     ScreenNaplanExtract,
				Identify: isZip,
			},
		},

		Login: portal.LoginSpec{
			Entry: portal.Edge{
				To: ScreenLogin,
				Build: func(portal.Page, portal.Args) (transport.Request, error) {
					return transport.Request{
						Method:     http.MethodGet,
						URL:        LoginPath,
						Query:      url.Values{"ReturnUrl": {"/"}},
						Replayable: true,
					}, nil
				},
			},
			Credentials: credentials,
			CredentialsAccepted: func(page portal.Page) bool {
				return !has(`input[name="Password"]`)(page)
			},
		},

		Home: home,

		Period: portal.PeriodSpec{
			Current:    selectedYear,
			PerRequest: true,
		},

		Reports: map[string]portal.ReportSpec{
			ReportNaplanOutcomes: {
				Name:  ReportNaplanOutcomes,
				Path:  extractEdge,
				Parse: studentFiles(ReportNaplanOutcomes, "StudentOutcomeLevel_"),
			},
			ReportNaplanQuestions: {
				Name:  ReportNaplanQuestions,
				Path:  extractEdge,
				Parse: studentFiles(ReportNaplanQuestions, "StudentQuestionLevel_"),
			},
		},
	}
}
