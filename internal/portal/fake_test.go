package portal

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
	"vicedtools/internal/components/telemetry"
	"vicedtools/internal/portal/extract"
	"vicedtools/internal/portal/pagestate"
	"vicedtools/internal/portal/transport"

	"github.com/stretchr/testify/require"
)

const (
	screenLogin         Screen = "login"
	screenHome          Screen = "home"
	screenPeriodChanged Screen = "period-changed"
	screenResults       Screen = "results"
)

const fakeReportPages = 2

// fakePortal rotates a token on every response and rejects any request that
// does not echo the most recent one.
type fakePortal struct {
	mutex sync.Mutex

	token    int
	sessions map[string]string
	nextSid  int

	requests      int
	authenticated int
	logins        int
	stale         int

	// expireAfter expires the live session once, on the given authenticated
	// request, zero never expires it.
	expireAfter int
	expired     bool
}

func newFakePortal() *fakePortal {
	return &fakePortal{sessions: map[string]string{}}
}

func (f *fakePortal) Requests() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.requests
}

func (f *fakePortal) issue() string {
	f.token++
	return strconv.Itoa(f.token)
}

func (f *fakePortal) fresh(r *http.Request) bool {
	if r.FormValue("token") != strconv.Itoa(f.token) {
		f.stale++
		return false
	}
	return true
}

func (f *fakePortal) session(w http.ResponseWriter, r *http.Request) (string, bool) {
	f.authenticated++
	cookie, err := r.Cookie("sid")
	if err == nil {
		_, ok := f.sessions[cookie.Value]
		if ok && f.expireAfter > 0 && !f.expired && f.authenticated >= f.expireAfter {
			f.expired = true
			delete(f.sessions, cookie.Value)
		}
	}
	if err != nil || f.sessions[cookie.Value] == "" {
		http.Redirect(w, r, "/login/?expired=1", http.StatusFound)
		return "", false
	}
	return cookie.Value, true
}

func (f *fakePortal) loginForm(w http.ResponseWriter, message string) {
	fmt.Fprintf(w, `<html><body><p>%s</p>
<form action="/login/verify" method="post">
	<input type="hidden" name="token" value="%s">
	<input type="text" name="user">
	<input type="password" name="pass">
	<input type="submit" name="go" value="Login">
</form></body></html>`, message, f.issue())
}

func (f *fakePortal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.requests++

	if r.URL.Path == "/login/" {
		f.loginForm(w, "")
		return
	}
	if !f.fresh(r) {
		w.WriteHeader(http.StatusConflict)
		return
	}

	switch r.URL.Path {
	case "/login/verify":
		if r.FormValue("user") != "teacher" || r.FormValue("pass") != "hunter2" {
			f.loginForm(w, "Invalid login")
			return
		}
		f.logins++
		f.nextSid++
		sid := strconv.Itoa(f.nextSid)
		f.sessions[sid] = "2024"
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: sid, Path: "/"})
		fmt.Fprintf(w, `<html><body><a href="/home">Continue</a>
<form action="/home" method="get"><input type="hidden" name="token" value="%s"></form>
</body></html>`, f.issue())

	case "/home":
		sid, ok := f.session(w, r)
		if !ok {
			return
		}
		fmt.Fprintf(w, `<html><head><title>Fake Portal - Period %s</title></head><body>
<form id="nav" action="/report" method="get">
	<input type="hidden" name="token" value="%s">
	<input type="hidden" name="page" value="1">
</form></body></html>`, f.sessions[sid], f.issue())

	case "/period":
		sid, ok := f.session(w, r)
		if !ok {
			return
		}
		f.sessions[sid] = r.FormValue("period")
		fmt.Fprintf(w, `<html><body><p>Period changed</p>
<form action="/home" method="get"><input type="hidden" name="token" value="%s"></form>
</body></html>`, f.issue())

	case "/report":
		sid, ok := f.session(w, r)
		if !ok {
			return
		}
		page, _ := strconv.Atoi(r.FormValue("page"))
		disabled := ""
		if page >= fakeReportPages {
			disabled = "disabled"
		}
		period := f.sessions[sid]
		fmt.Fprintf(w, `<html><body>
<table id="results">
	<tr><th>Student</th><th>Score</th></tr>
	<tr><td>student-%[1]d-a</td><td>%[2]s-%[1]d1</td></tr>
	<tr><td>student-%[1]d-b</td><td>%[2]s-%[1]d2</td></tr>
</table>
<form action="/report" method="get">
	<input type="hidden" name="token" value="%[3]s">
	<input type="hidden" name="page" value="%[1]d">
</form>
<input type="button" id="next" value="Next" %[4]s>
</body></html>`, page, period, f.issue(), disabled)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

var fakePeriodPattern = regexp.MustCompile(`Period (\d+)`)

func contains(text string) func(Page) bool {
	return func(page Page) bool {
		return strings.Contains(string(page.Body), text)
	}
}

func postback(page Page, method string, overrides url.Values) transport.Request {
	return transport.Request{
		Method:     method,
		URL:        page.Postback.Action.String(),
		Form:       page.Postback.Merge(overrides),
		Replayable: method == http.MethodGet,
	}
}

func fakeDefinition() Definition {
	tokenForm := pagestate.FormSpec{Required: []string{"token"}}

	def := Definition{
		Name: "fake",
		Screens: map[Screen]ScreenSpec{
			screenLogin:         {Name: screenLogin, Form: tokenForm, Identify: contains(`action="/login/verify"`)},
			screenHome:          {Name: screenHome, Form: tokenForm, Identify: contains("<title>Fake Portal")},
			screenPeriodChanged: {Name: screenPeriodChanged, Form: tokenForm, Identify: contains("Period changed")},
			screenResults:       {Name: screenResults, Form: tokenForm, Identify: contains(`id="results"`)},
		},
		Login: LoginSpec{
			Entry: Edge{
				To: screenLogin,
				Build: func(Page, Args) (transport.Request, error) {
					return transport.Request{Method: http.MethodGet, URL: "/login/", Replayable: true}, nil
				},
			},
			Credentials: func(page Page, creds Credentials) (transport.Request, error) {
				req := postback(page, http.MethodPost, url.Values{
					"user": {creds.Username},
					"pass": {creds.Password},
				})
				req.Replayable = true
				return req, nil
			},
			CredentialsAccepted: contains(`href="/home"`),
		},
		Home: Edge{
			To: screenHome,
			Build: func(page Page, _ Args) (transport.Request, error) {
				return transport.Request{
					Method:     http.MethodGet,
					URL:        "/home",
					Form:       url.Values{"token": {page.Postback.Get("token")}},
					Replayable: true,
				}, nil
			},
		},
		Period: PeriodSpec{
			Current: func(home Page) (string, bool) {
				match := fakePeriodPattern.FindStringSubmatch(home.Doc.Find("title").Text())
				if match == nil {
					return "", false
				}
				return match[1], true
			},
			Apply: []Edge{{
				From: screenHome,
				To:   screenPeriodChanged,
				Build: func(page Page, args Args) (transport.Request, error) {
					return transport.Request{
						Method: http.MethodPost,
						URL:    "/period",
						Form:   url.Values{"token": {page.Postback.Get("token")}, "period": {args.Period}},
					}, nil
				},
			}},
		},
		Reports: map[string]ReportSpec{
			"results": {
				Name:         "results",
				PeriodScoped: true,
				Path: []Edge{{
					From: screenHome,
					To:   screenResults,
					Build: func(page Page, _ Args) (transport.Request, error) {
						return postback(page, http.MethodGet, nil), nil
					},
				}},
				Schema: extract.Schema{
					Name:        "results",
					Format:      extract.FormatTable,
					Columns:     []string{"Student", "Score"},
					NextControl: "#next",
				},
				Next: &Edge{
					From: screenResults,
					To:   screenResults,
					Build: func(page Page, _ Args) (transport.Request, error) {
						current, err := strconv.Atoi(page.Postback.Get("page"))
						if err != nil {
							return transport.Request{}, err
						}
						return postback(page, http.MethodGet, url.Values{
							"page": {strconv.Itoa(current + 1)},
						}), nil
					},
				},
			},
			"misdeclared": {
				Name: "misdeclared",
				Path: []Edge{{
					From: screenResults,
					To:   screenResults,
					Build: func(page Page, _ Args) (transport.Request, error) {
						return postback(page, http.MethodGet, nil), nil
					},
				}},
			},
		},
	}

	unpaged := def.Reports["results"]
	unpaged.Name = "unpaged"
	unpaged.Next = nil
	def.Reports[unpaged.Name] = unpaged
	return def
}

type fakeHarness struct {
	portal  *fakePortal
	server  *httptest.Server
	session *Session
	tel     *telemetry.MemoryAPI
}

func newFakeHarness(t *testing.T, creds Credentials) fakeHarness {
	t.Helper()

	portal := newFakePortal()
	server := httptest.NewServer(portal)
	t.Cleanup(server.Close)

	opts := transport.DefaultOptions(server.URL)
	opts.Retries = 0
	opts.RetryWait = time.Millisecond
	opts.RequestsPerSecond = 0
	client, err := transport.NewClient(opts, telemetry.SlogAPI{})
	require.NoError(t, err)

	tel := &telemetry.MemoryAPI{}
	return fakeHarness{
		portal:  portal,
		server:  server,
		session: NewSession(fakeDefinition(), client, creds, WithTelemetry(tel)),
		tel:     tel,
	}
}

var validCreds = Credentials{Username: "teacher", Password: "hunter2"}
