package dataservice

import (
	"archive/zip"
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"
	"vicedtools/internal/components/telemetry"
	"vicedtools/internal/portal"
	"vicedtools/internal/portal/transport"

	"github.com/stretchr/testify/require"
)

var (
	fakeCreds = portal.Credentials{Username: "coordinator", Password: "hunter2"}
	fakeYears = []string{"2023", "2022", "2021"}
)

// fakeDataService issues a fresh antiforgery token with every login form
// and only accepts the most recent one.
type fakeDataService struct {
	mutex sync.Mutex

	token    int
	sessions map[string]bool
	nextSid  int

	requests map[string]int
	logins   int
	stale    int

	// expireExtract drops the live session on the next extract request.
	expireExtract bool
}

func newFakeDataService() *fakeDataService {
	return &fakeDataService{
		sessions: map[string]bool{},
		requests: map[string]int{},
	}
}

func (f *fakeDataService) Requests(path string) int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.requests[path]
}

func (f *fakeDataService) loginPage(w http.ResponseWriter, message string) {
	f.token++
	fmt.Fprintf(w, `<html><head><title>Log in - VCAA Data Service</title></head><body>
<p class="validation-summary-errors">%s</p>
<form action="/Account/Login?ReturnUrl=%%2F" method="post">
	<input name="__RequestVerificationToken" type="hidden" value="token-%d" />
	<input type="text" name="UserName" />
	<input type="password" name="Password" />
	<input type="submit" value="Log in" />
</form>
</body></html>`, message, f.token)
}

func (f *fakeDataService) authenticated(w http.ResponseWriter, r *http.Request) bool {
	cookie, err := r.Cookie(".AspNet.ApplicationCookie")
	if err != nil || !f.sessions[cookie.Value] {
		http.Redirect(w, r, LoginPath+"?ReturnUrl="+r.URL.Path, http.StatusFound)
		return false
	}
	return true
}

func (f *fakeDataService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.requests[r.URL.Path]++

	switch r.URL.Path {
	case LoginPath:
		if r.Method != http.MethodPost {
			f.loginPage(w, "")
			return
		}
		if r.FormValue("__RequestVerificationToken") != fmt.Sprintf("token-%d", f.token) {
			f.stale++
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.FormValue("UserName") != fakeCreds.Username || r.FormValue("Password") != fakeCreds.Password {
			f.loginPage(w, "Invalid login attempt.")
			return
		}
		f.logins++
		f.nextSid++
		sid := strconv.Itoa(f.nextSid)
		f.sessions[sid] = true
		http.SetCookie(w, &http.Cookie{Name: ".AspNet.ApplicationCookie", Value: sid, Path: "/"})
		http.Redirect(w, r, "/", http.StatusFound)

	case "/":
		if !f.authenticated(w, r) {
			return
		}
		fmt.Fprint(w, `<html><body><h1>Welcome</h1><a href="/DataExtract/Index">Data Extract</a></body></html>`)

	case pathDataExtract:
		if !f.authenticated(w, r) {
			return
		}
		var options bytes.Buffer
		for i, year := range fakeYears {
			selected := ""
			if i == 0 {
				selected = ` selected="selected"`
			}
			fmt.Fprintf(&options, `<option value="%[1]s"%[2]s>%[1]s</option>`, year, selected)
		}
		fmt.Fprintf(w, `<html><body><form>
<select class="form-control" id="ReportingYearSelected_DataExtract" name="ReportingYearSelected_DataExtract">%s</select>
</form></body></html>`, options.String())

	case pathExtractZip:
		if f.expireExtract {
			f.expireExtract = false
			clear(f.sessions)
		}
		if !f.authenticated(w, r) {
			return
		}
		year := r.FormValue("ReportingYear")
		if !slices.Contains(fakeYears, year) || r.FormValue("YearLevel") != "7,9,0" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("content-type", "application/zip")
		w.Write(fakeExtract(year))

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// fakeExtract lists the year 9 files first, the archive order is not the
// order records come back in.
func fakeExtract(year string) []byte {
	var buf bytes.Buffer
	archive := zip.NewWriter(&buf)
	files := []struct {
		name, contents string
	}{
		{"StudentOutcomeLevel_Yr9.csv", "APS Year,Reporting Test,First Name,Surname,Scaled Score\n" +
			year + ",Reading,Mei,CHAN,612\n"},
		{"StudentOutcomeLevel_Yr7.csv", "\xEF\xBB\xBFAPS Year,Reporting Test,First Name,Surname,Scaled Score\n" +
			year + ",Reading,Jane,ADAMS,545\n" +
			year + ",Numeracy,\"SMITH, Jo\",O'BRIEN,530\n"},
		{"StudentQuestionLevel_Yr7.csv", "APS Year,Question,First Name,Surname,Correct\n" +
			year + ",N7-01,Jane,ADAMS,1\n"},
		{"StudentQuestionLevel_Yr9.csv", "APS Year,Question,First Name,Surname,Correct,Exemplar\n" +
			year + ",R9-04,Mei,CHAN,0,EX0004\n"},
		{"ReadMe.txt", "NAPLAN data extract\n"},
	}
	for _, file := range files {
		w, err := archive.Create(file.name)
		if err != nil {
			panic(err)
		}
		_, err = w.Write([]byte(file.contents))
		if err != nil {
			panic(err)
		}
	}
	err := archive.Close()
	if err != nil {
		panic(err)
	}
	return buf.Bytes()
}

type fakeHarness struct {
	service *fakeDataService
	session *Session
}

func newFakeHarness(t *testing.T, creds portal.Credentials) fakeHarness {
	t.Helper()

	service := newFakeDataService()
	server := httptest.NewServer(service)
	t.Cleanup(server.Close)

	opts := TransportOptions(server.URL)
	opts.Retries = 0
	opts.RetryWait = time.Millisecond
	opts.RequestsPerSecond = 0
	client, err := transport.NewClient(opts, telemetry.SlogAPI{})
	require.NoError(t, err)

	return fakeHarness{
		service: service,
		session: NewSession(client, creds, portal.WithTelemetry(&telemetry.MemoryAPI{})),
	}
}
