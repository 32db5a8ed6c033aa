package portal

import (
	"net/url"
	"vicedtools/internal/portal/extract"
	"vicedtools/internal/portal/keypad"
	"vicedtools/internal/portal/pagestate"
	"vicedtools/internal/portal/transport"

	"github.com/PuerkitoBio/goquery"
)

// Screen identifies a page of the portal.
type Screen string

// Page is a received page after it has been identified and its postback
// state harvested. Every transition consumes one Page and produces the next.
type Page struct {
	Screen   Screen
	URL      *url.URL
	Body     []byte
	Doc      *goquery.Document
	Postback pagestate.PostbackContext
}

// Args are the per-operation values request builders may read.
type Args struct {
	Period string
	Params map[string]string
}

func (a Args) Get(key string) string {
	return a.Params[key]
}

// RequestBuilder produces the request for a transition out of `page`.
type RequestBuilder func(page Page, args Args) (transport.Request, error)

// Edge is a legal transition between two screens. An empty From means the
// edge may be taken from any screen.
type Edge struct {
	From  Screen
	To    Screen
	Build RequestBuilder
}

// ScreenSpec tells the navigator how to recognize a screen and what state to
// harvest from it.
type ScreenSpec struct {
	Name Screen
	Form pagestate.FormSpec
	// Identify reports whether a received page is this screen, a nil
	// Identify accepts any page.
	Identify func(page Page) bool
}

// Credentials identify a single portal account.
type Credentials struct {
	Username string
	Password string
	Secret   []keypad.Coordinate
}

// KeypadSpec describes the grid challenge that follows the credential
// screen.
type KeypadSpec struct {
	Screen Screen
	// Fetch requests a fresh keypad, it is called once per attempt.
	Fetch RequestBuilder
	// Submit answers the keypad on `page` with the mapped cells.
	Submit func(page Page, layout keypad.Layout, mapped []string, args Args) (transport.Request, error)
	// Accepted reports whether the response to Submit completed the login.
	Accepted func(page Page) bool
}

// LoginSpec is the authentication handshake of a portal.
type LoginSpec struct {
	// Entry fetches the login screen.
	Entry Edge
	// Credentials submits the username and password from the login screen.
	Credentials func(page Page, creds Credentials) (transport.Request, error)
	// CredentialsAccepted reports whether the response to Credentials moved
	// on from the login screen.
	CredentialsAccepted func(page Page) bool
	// Keypad is nil for portals without a grid challenge.
	Keypad *KeypadSpec
}

// PeriodSpec describes how the reporting period is read and changed.
type PeriodSpec struct {
	// Current reads the period in effect from the home screen.
	Current func(home Page) (string, bool)
	// Apply is the path from the home screen that switches to Args.Period,
	// the navigator returns home afterwards.
	Apply []Edge
	// PerRequest portals take Args.Period on every report request and keep
	// no period of their own, Apply is not used.
	PerRequest bool
}

// ReportSpec is the path to a report and the shape of its pages.
type ReportSpec struct {
	Name         string
	PeriodScoped bool
	// Path leads from the home screen to the first result page, or to the
	// index page when Fanout is set.
	Path   []Edge
	Schema extract.Schema
	// Parse reads result pages that are not tabular in place of Schema.
	Parse func(page Page) (extract.Page, error)
	// Next follows pagination from a result page back to the same screen.
	Next *Edge
	// Fanout treats the last page of Path as an index and returns one
	// request per result page, each landing on the Result screen.
	Fanout func(index Page, args Args) ([]RequestBuilder, error)
	Result Screen
}

// Definition is the complete interaction model of one portal. Only the
// transitions it declares are ever attempted.
type Definition struct {
	Name    string
	Screens map[Screen]ScreenSpec
	Login   LoginSpec
	// Home returns to the home screen from any authenticated screen.
	Home    Edge
	Period  PeriodSpec
	Reports map[string]ReportSpec
}

func (d Definition) screen(name Screen) ScreenSpec {
	spec, ok := d.Screens[name]
	if !ok {
		return ScreenSpec{Name: name}
	}
	return spec
}

// ExportRecord is a single extracted row.
type ExportRecord struct {
	Report  string
	Period  string
	Columns []string
	Values  map[string]string
}

// Get returns the value of a column, or "" when it is absent.
func (r ExportRecord) Get(column string) string {
	return r.Values[column]
}
