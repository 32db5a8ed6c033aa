package vass

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"vicedtools/internal/components/chrono"
	"vicedtools/internal/portal"
	"vicedtools/internal/portal/extract"
	"vicedtools/internal/portal/keypad"
	"vicedtools/internal/portal/pagestate"
	"vicedtools/internal/portal/transport"
	"vicedtools/lib/htmlutil"

	"github.com/PuerkitoBio/goquery"
)

const DefaultBaseUrl = "https://www.vass.vic.edu.au"

const (
	ScreenLogin         portal.Screen = "login"
	ScreenKeypad        portal.Screen = "keypad"
	ScreenDashboard     portal.Screen = "dashboard"
	ScreenYearChange    portal.Screen = "year-change"
	ScreenYearConfirmed portal.Screen = "year-confirmed"

	ScreenPersonalDetails portal.Screen = "personal-details-export"
	ScreenSchoolProgram   portal.Screen = "school-program-export"
	ScreenExternalResults portal.Screen = "external-results-export"

	ScreenGatMenu   portal.Screen = "gat-summary-menu"
	ScreenGatReport portal.Screen = "gat-summary-report"

	ScreenDataServiceLauncher portal.Screen = "data-service-launcher"
	ScreenDataServiceHome     portal.Screen = "data-service-home"
	ScreenReport17Form        portal.Screen = "report17-form"
	ScreenReport17Results     portal.Screen = "report17-results"

	ScreenSchoolScoresIndex   portal.Screen = "school-scores-index"
	ScreenSchoolScoresResults portal.Screen = "school-scores-results"

	ScreenModeratedScoresIndex   portal.Screen = "moderated-scores-index"
	ScreenModeratedScoresResults portal.Screen = "moderated-scores-results"
)

// report names accepted by portal.Session.Fetch
const (
	ReportPersonalDetails = "personal-details"
	ReportSchoolProgram   = "school-program"
	ReportExternalResults = "external-results"
	ReportGatScores       = "gat-scores"
	ReportPredictedScores = "predicted-scores"
	ReportSchoolScores    = "school-scores"
	ReportModeratedScores = "moderated-scores"
)

const (
	pathLogin         = "/login/"
	pathVerifyLogin   = "/login/VerifyAuthLogin.cfm"
	pathKeypad        = "/login/schoolcode.cfm"
	pathKeypadSubmit  = "/login/SchoolCodeAction.cfm"
	pathHome          = "/menu/Home.cfm"
	pathChangeYear    = "/sysad/ChangeCode/ChangeCode_Action.cfm"
	pathConfirmYear   = "/sysad/ChangeCode/ChangeCode_ConfirmChange.cfm"
	pathDataService   = "/results/reports/DataService/DataService_Launch.cfm"
	pathGatSummary    = "/results/reports/GATResultsSummary/GATResultsSummary.cfm"
	pathSchoolScores  = "/results/reports/SchoolAssessedResultsBySchool/SchoolAssessedResultsBySchool_Frameset.cfm"
	pathSchoolResults = "/results/reports/SchoolAssessedResultsBySchool/SchoolAssessedResultsBySchoolCRS_Display.cfm"

	pathModeratedScores  = "/school/reports/StatmodStatistics/StatmodStatistics_Frameset.cfm"
	pathModeratedDisplay = "/school/reports/StatmodStatistics/StatmodStatistics_Display.cfm"

	pathPersonalDetails = "/student/reports/StudentPersonalDetailsSummary/PersonalDetailsSummary.vass"
	pathSchoolProgram   = "/schoolprog/reports/SchoolProgramSummary/SchoolProgramSummary.vass"
	pathExternalResults = "/results/reports/GradedAssessmentResultsByClass/GAResultsReport.vass"
)

// coldfusion session tokens, carried on every request once issued
var sessionFields = []string{"CFID", "CFTOKEN"}

func sessionTokens(page portal.Page) url.Values {
	out := url.Values{}
	for _, name := range sessionFields {
		if value, ok := page.Postback.Fields[name]; ok {
			out[name] = append([]string(nil), value...)
		}
	}
	return out
}

func getPath(path string, query url.Values) portal.RequestBuilder {
	return func(page portal.Page, _ portal.Args) (transport.Request, error) {
		return transport.Request{
			Method:     http.MethodGet,
			URL:        path,
			Query:      query,
			Form:       sessionTokens(page),
			Replayable: true,
		}, nil
	}
}

// submit posts the page's form back with `overrides`.
func submit(page portal.Page, overrides url.Values) transport.Request {
	method := page.Postback.Method
	return transport.Request{
		Method:     method,
		URL:        page.Postback.Action.String(),
		Form:       page.Postback.Merge(overrides),
		Replayable: method == http.MethodGet,
	}
}

// click returns the field a browser sends when the submit control matched by
// `selector` is clicked.
func click(page portal.Page, selector string) (url.Values, error) {
	button := page.Doc.Find(selector).First()
	name, ok := button.Attr("name")
	if button.Length() == 0 || !ok {
		return nil, &pagestate.MalformedPageError{
			Page:   page.URL.String(),
			Reason: fmt.Sprintf("no submit control matching %q", selector),
		}
	}
	return url.Values{name: {button.AttrOr("value", "")}}, nil
}

func clickAndSubmit(selector string, extra func(page portal.Page, args portal.Args) (url.Values, error)) portal.RequestBuilder {
	return func(page portal.Page, args portal.Args) (transport.Request, error) {
		overrides, err := click(page, selector)
		if err != nil {
			return transport.Request{}, err
		}
		if extra != nil {
			values, err := extra(page, args)
			if err != nil {
				return transport.Request{}, err
			}
			for k, v := range values {
				overrides[k] = v
			}
		}
		return submit(page, overrides), nil
	}
}

func has(selector string) func(portal.Page) bool {
	return func(page portal.Page) bool {
		return page.Doc.Find(selector).Length() > 0
	}
}

func mentions(pattern *regexp.Regexp) func(portal.Page) bool {
	return func(page portal.Page) bool {
		return pattern.Match(page.Body)
	}
}

var (
	titlePattern       = regexp.MustCompile(`^VASS - (.+?) - Year ([0-9]{4})`)
	keypadLinkPattern  = regexp.MustCompile(`(?i)schoolcode\.cfm`)
	homeLinkPattern    = regexp.MustCompile(`(?i)/menu/Home\.cfm`)
	reportDataPattern  = regexp.MustCompile(`(?i)<xml[^>]*\bid\s*=\s*["']?reportData`)
	keypadGridPattern  = regexp.MustCompile(`(?i)PASSCODEGRID|passlist`)
	predictedSubject   = regexp.MustCompile(`>([^<>]+?):(?:&nbsp;|\x{00a0}){2}Student Results by Study`)
	selectionPattern   = regexp.MustCompile(`^(vce|vet|vcal)$`)
	report17NextButton = `input[name="ctl00$mainHolder$ReportHeader1$btnNext"]`
)

// dashboardTitle returns the school and year from a dashboard title of the
// form "VASS - <school> - Year <yyyy>".
func dashboardTitle(page portal.Page) (school, year string, ok bool) {
	title := htmlutil.CleanText(page.Doc.Find("title").First().Text())
	match := titlePattern.FindStringSubmatch(title)
	if match == nil {
		return "", "", false
	}
	return match[1], match[2], true
}

func credentials(page portal.Page, creds portal.Credentials) (transport.Request, error) {
	form := url.Values{}
	if page.Postback.Action != nil && strings.HasSuffix(page.Postback.Action.Path, "VerifyAuthLogin.cfm") {
		form = page.Postback.Merge(nil)
	}
	form.Set("username", creds.Username)
	form.Set("password", creds.Password)
	form.Set("Login", "Login")
	return transport.Request{
		Method:     http.MethodPost,
		URL:        pathVerifyLogin,
		Form:       form,
		Replayable: true,
	}, nil
}

// keypadSubmit logs into the school year on `clock` when neither the session
// nor the keypad page names a year.
func keypadSubmit(clock chrono.API, page portal.Page, layout keypad.Layout, mapped []string, args portal.Args) (transport.Request, error) {
	overrides := url.Values{
		"PassCode":     {strings.Join(mapped, "")},
		"AcceptButton": {"Accept"},
	}
	// the grid is echoed back in the order the page listed it
	if _, ok := page.Postback.Fields["PASSCODEGRID"]; !ok {
		overrides["PASSCODEGRID"] = append([]string(nil), layout.Cells...)
	}
	if args.Period != "" {
		overrides.Set("Year", args.Period)
	} else if page.Postback.Get("Year") == "" {
		overrides.Set("Year", chrono.CurrentPeriod(clock))
	}

	req := submit(page, overrides)
	if page.Postback.Action == nil || page.Postback.Action.Path == pathKeypad {
		req.URL = pathKeypadSubmit
	}
	req.Method = http.MethodPost
	req.Replayable = false
	return req, nil
}

func changeYear(page portal.Page, args portal.Args) (transport.Request, error) {
	form := sessionTokens(page)
	form.Set("Year", args.Period)
	return transport.Request{
		Method: http.MethodPost,
		URL:    pathChangeYear,
		Form:   form,
	}, nil
}

func confirmYear(page portal.Page, args portal.Args) (transport.Request, error) {
	return transport.Request{
		Method:     http.MethodGet,
		URL:        pathConfirmYear,
		Query:      url.Values{"Year": {args.Period}},
		Form:       sessionTokens(page),
		Replayable: true,
	}, nil
}

func report17Options(page portal.Page, args portal.Args) (url.Values, error) {
	year := page.Doc.Find("#mainHolder_Report17_ddlYear").First()
	subjects := page.Doc.Find("#mainHolder_Report17_lstSubjects").First()
	yearName, yearOk := year.Attr("name")
	subjectsName, subjectsOk := subjects.Attr("name")
	if !yearOk || !subjectsOk {
		return nil, &pagestate.MalformedPageError{
			Page:   page.URL.String(),
			Reason: "report 17 year or subject list missing",
		}
	}

	var yearValue string
	year.Find("option").EachWithBreak(func(_ int, option *goquery.Selection) bool {
		if htmlutil.SelectionText(option) == args.Period {
			yearValue = option.AttrOr("value", args.Period)
			return false
		}
		return true
	})
	if yearValue == "" {
		return nil, fmt.Errorf("report 17 does not offer year %s", args.Period)
	}

	var subjectValues []string
	subjects.Find("option").Each(func(_ int, option *goquery.Selection) {
		subjectValues = append(subjectValues, option.AttrOr("value", htmlutil.SelectionText(option)))
	})
	if len(subjectValues) == 0 {
		return nil, fmt.Errorf("report 17 lists no subjects for %s", args.Period)
	}

	return url.Values{
		yearName:     {yearValue},
		subjectsName: subjectValues,
	}, nil
}

func nextGatPage(page portal.Page, _ portal.Args) (transport.Request, error) {
	index, err := strconv.Atoi(page.Postback.Get("myIndex"))
	if err != nil {
		return transport.Request{}, &pagestate.MalformedPageError{
			Page:    page.URL.String(),
			Missing: []string{"myIndex"},
		}
	}
	return submit(page, url.Values{"myIndex": {strconv.Itoa(index + 1)}}), nil
}

func schoolScoresIndex(page portal.Page, args portal.Args) (transport.Request, error) {
	cycle := args.Get("cycle")
	if cycle == "" {
		return transport.Request{}, fmt.Errorf("school scores need a cycle")
	}
	return getPath(pathSchoolScores, url.Values{
		"Cycle":             {cycle},
		"UnitCode":          {"ALL"},
		"GA":                {"0"},
		"AssessedElsewhere": {"false"},
		"AdjustPaper":       {"true"},
	})(page, args)
}

var (
	personalDetailsColumns = []string{
		"Year Level", "Form Group", "Student Number", "Family Name",
		"First Name", "Second Name", "External ID", "Gender",
		"Phone Number", "Date of Birth", "Course",
	}
	schoolProgramColumns = []string{
		"Unit Code", "Unit Name", "Teacher Code", "Teacher Name",
		"Semester", "Class Code", "Class Size", "Time Block",
	}
	externalResultsColumns = []string{
		"Unit Code", "Unit Name", "Class Code", "Semester", "Teacher Code",
		"Teacher Name", "Year Level", "Form Group", "Student Number",
		"Student Name", "Gender", "Unit 3 Result", "Unit 4 Result",
		"GA 1 Result", "GA 2 Result", "GA 3 Result", "Study Score",
	}
	predictedScoresColumns = []string{
		"Surname", "First Name", "Year Level", "Class Group", "Achieved", "Predicted",
	}
)

var studentRenames = map[string]string{
	"CandNum": "Student Number",
	"name":    "Student Name",
}

// NewDefinition returns the VASS interaction model.
func NewDefinition(clock chrono.API) portal.Definition {
	submitKeypad := func(page portal.Page, layout keypad.Layout, mapped []string, args portal.Args) (transport.Request, error) {
		return keypadSubmit(clock, page, layout, mapped, args)
	}
	dashboard := portal.Edge{From: "", To: ScreenDashboard, Build: getPath(pathHome, nil)}
	fromDashboard := func(to portal.Screen, build portal.RequestBuilder) portal.Edge {
		return portal.Edge{From: ScreenDashboard, To: to, Build: build}
	}

	return portal.Definition{
		Name: "vass",
		Screens: map[portal.Screen]portal.ScreenSpec{
			ScreenLogin: {Name: ScreenLogin},
			ScreenKeypad: {
				Name:     ScreenKeypad,
				Identify: mentions(keypadGridPattern),
			},
			ScreenDashboard: {
				Name: ScreenDashboard,
				Identify: func(page portal.Page) bool {
					_, _, ok := dashboardTitle(page)
					return ok
				},
			},
			ScreenYearChange:      {Name: ScreenYearChange},
			ScreenYearConfirmed:   {Name: ScreenYearConfirmed},
			ScreenPersonalDetails: {Name: ScreenPersonalDetails},
			ScreenSchoolProgram:   {Name: ScreenSchoolProgram},
			ScreenExternalResults: {Name: ScreenExternalResults},
			ScreenGatMenu: {
				Name:     ScreenGatMenu,
				Form:     pagestate.FormSpec{Selector: "form:has(input[name=btnRunReport])"},
				Identify: has("input[name=btnRunReport]"),
			},
			ScreenGatReport: {
				Name:     ScreenGatReport,
				Form:     pagestate.FormSpec{Required: []string{"myIndex"}},
				Identify: mentions(reportDataPattern),
			},
			ScreenDataServiceLauncher: {
				Name:     ScreenDataServiceLauncher,
				Identify: has(`input[value="Run VCE Data Service Reporting System"]`),
			},
			ScreenDataServiceHome: {
				Name:     ScreenDataServiceHome,
				Form:     pagestate.FormSpec{Required: []string{"__VIEWSTATE"}},
				Identify: has("#btnReport17"),
			},
			ScreenReport17Form: {
				Name:     ScreenReport17Form,
				Form:     pagestate.FormSpec{Required: []string{"__VIEWSTATE"}},
				Identify: has("#mainHolder_Report17_ddlYear"),
			},
			ScreenReport17Results: {
				Name:     ScreenReport17Results,
				Form:     pagestate.FormSpec{Required: []string{"__VIEWSTATE"}},
				Identify: has("#mainHolder_pnlReport"),
			},
			ScreenSchoolScoresIndex: {
				Name:     ScreenSchoolScoresIndex,
				Identify: mentions(unitNamesPattern),
			},
			ScreenSchoolScoresResults: {
				Name:     ScreenSchoolScoresResults,
				Identify: mentions(reportDataPattern),
			},
			ScreenModeratedScoresIndex: {
				Name:     ScreenModeratedScoresIndex,
				Identify: mentions(saSequenceDescriptionPattern),
			},
			ScreenModeratedScoresResults: {
				Name:     ScreenModeratedScoresResults,
				Identify: has(`map[name$="-map"]`),
			},
		},

		Login: portal.LoginSpec{
			Entry:       portal.Edge{To: ScreenLogin, Build: getPath(pathLogin, nil)},
			Credentials: credentials,
			CredentialsAccepted: func(page portal.Page) bool {
				return keypadLinkPattern.Match(page.Body)
			},
			Keypad: &portal.KeypadSpec{
				Screen:   ScreenKeypad,
				Fetch:    getPath(pathKeypad, nil),
				Submit:   submitKeypad,
				Accepted: mentions(homeLinkPattern),
			},
		},

		Home: dashboard,

		Period: portal.PeriodSpec{
			Current: func(home portal.Page) (string, bool) {
				_, year, ok := dashboardTitle(home)
				return year, ok
			},
			Apply: []portal.Edge{
				fromDashboard(ScreenYearChange, changeYear),
				{From: ScreenYearChange, To: ScreenYearConfirmed, Build: confirmYear},
			},
		},

		Reports: map[string]portal.ReportSpec{
			ReportPersonalDetails: {
				Name: ReportPersonalDetails,
				Path: []portal.Edge{
					fromDashboard(ScreenPersonalDetails, getPath(pathPersonalDetails, url.Values{
						"yearLevel":      {"ALL"},
						"formGroup":      {""},
						"course":         {"ALL"},
						"reportType":     {"1"},
						"includeAddress": {"N"},
						"reportOrder":    {"yrLevel"},
					})),
				},
				Schema: extract.Schema{
					Name:       ReportPersonalDetails,
					Format:     extract.FormatDelimited,
					Columns:    personalDetailsColumns,
					SkipRows:   1,
					SkipFooter: 1,
				},
			},

			ReportSchoolProgram: {
				Name:         ReportSchoolProgram,
				PeriodScoped: true,
				Path: []portal.Edge{
					fromDashboard(ScreenSchoolProgram, func(page portal.Page, args portal.Args) (transport.Request, error) {
						selection := args.Get("selection")
						if !selectionPattern.MatchString(selection) {
							return transport.Request{}, &InvalidSelectionError{Selection: selection}
						}
						return getPath(pathSchoolProgram, url.Values{
							"TeacherNum":      {""},
							"UnitLevel":       {"0"},
							"Semester":        {"0"},
							"ReportSelection": {selection},
						})(page, args)
					}),
				},
				Schema: extract.Schema{
					Name:       ReportSchoolProgram,
					Format:     extract.FormatDelimited,
					Columns:    schoolProgramColumns,
					SkipRows:   1,
					SkipFooter: 1,
				},
			},

			ReportExternalResults: {
				Name:         ReportExternalResults,
				PeriodScoped: true,
				Path: []portal.Edge{
					fromDashboard(ScreenExternalResults, getPath(pathExternalResults, url.Values{
						"StudySequenceCode": {"ALL"},
						"ClassCode":         {""},
						"Semester":          {"ALL"},
						"ReportOrder":       {"Unit"},
						"exportReport":      {"Y"},
					})),
				},
				Schema: extract.Schema{
					Name:     ReportExternalResults,
					Format:   extract.FormatDelimited,
					Columns:  externalResultsColumns,
					SkipRows: 1,
				},
			},

			ReportGatScores: {
				Name:         ReportGatScores,
				PeriodScoped: true,
				Path: []portal.Edge{
					fromDashboard(ScreenGatMenu, getPath(pathGatSummary, nil)),
					{From: ScreenGatMenu, To: ScreenGatReport, Build: clickAndSubmit("input[name=btnRunReport]", nil)},
				},
				Schema: extract.Schema{
					Name:        ReportGatScores,
					Format:      extract.FormatXMLIsland,
					Columns:     []string{"Student Number", "Student Name"},
					Rename:      studentRenames,
					NextControl: "#idNext",
				},
				Next: &portal.Edge{From: ScreenGatReport, To: ScreenGatReport, Build: nextGatPage},
			},

			ReportPredictedScores: {
				Name:         ReportPredictedScores,
				PeriodScoped: true,
				Path: []portal.Edge{
					fromDashboard(ScreenDataServiceLauncher, getPath(pathDataService, nil)),
					{
						From:  ScreenDataServiceLauncher,
						To:    ScreenDataServiceHome,
						Build: clickAndSubmit(`input[value="Run VCE Data Service Reporting System"]`, nil),
					},
					{From: ScreenDataServiceHome, To: ScreenReport17Form, Build: clickAndSubmit("#btnReport17", nil)},
					{From: ScreenReport17Form, To: ScreenReport17Results, Build: clickAndSubmit("#mainHolder_btnReport", report17Options)},
				},
				Schema: extract.Schema{
					Name:          ReportPredictedScores,
					Format:        extract.FormatTable,
					TableSelector: "#mainHolder_pnlReport table",
					Columns:       predictedScoresColumns,
					Rename: map[string]string{
						"First Name":  "FirstName",
						"Year Level":  "YearLevel",
						"Class Group": "ClassGroup",
					},
					Captures:    map[string]*regexp.Regexp{"Subject": predictedSubject},
					NextControl: report17NextButton,
				},
				Next: &portal.Edge{
					From:  ScreenReport17Results,
					To:    ScreenReport17Results,
					Build: clickAndSubmit(report17NextButton, nil),
				},
			},

			ReportSchoolScores: {
				Name:         ReportSchoolScores,
				PeriodScoped: true,
				Path:         []portal.Edge{fromDashboard(ScreenSchoolScoresIndex, schoolScoresIndex)},
				Fanout:       schoolScoresFanout,
				Result:       ScreenSchoolScoresResults,
				Schema: extract.Schema{
					Name:    ReportSchoolScores,
					Format:  extract.FormatXMLIsland,
					Columns: []string{"Student Number", "Student Name", "Result"},
					Rename: map[string]string{
						"CandNum":    "Student Number",
						"name":       "Student Name",
						"focus_area": "Focus Area",
						"class_cd":   "Class",
						"result":     "Result",
					},
					RootAttrs: map[string]string{
						"MaxScore":     "Max Score",
						"SIAR":         "SIAR",
						"SIARMaxScore": "SIAR Max Score",
					},
					IncludeParams: true,
					ExcludeParams: []string{"Students Assessed Elsewhere"},
				},
			},
			ReportModeratedScores: {
				Name:         ReportModeratedScores,
				PeriodScoped: true,
				Path: []portal.Edge{fromDashboard(ScreenModeratedScoresIndex, getPath(pathModeratedScores, url.Values{
					"StudySequenceCode": {"All"},
					"GANum":             {"All"},
					"CycleNum":          {"All"},
				}))},
				Fanout: moderatedScoresFanout,
				Result: ScreenModeratedScoresResults,
				Schema: extract.Schema{Name: ReportModeratedScores, Columns: moderatedScoreColumns},
				Parse:  parseModeratedScores,
			},
		},
	}
}

// InvalidSelectionError means a school program summary was requested for
// something other than vce, vet or vcal.
type InvalidSelectionError struct {
	Selection string
}

func (e *InvalidSelectionError) Error() string {
	return fmt.Sprintf("invalid report selection %q, expected vce, vet or vcal", e.Selection)
}
