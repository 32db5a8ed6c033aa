// Package extract turns a terminal report page into rows of raw strings.
//
// One call handles exactly one page, pagination is reported through
// Page.HasNext and followed by the caller.
package extract

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

type Format int

const (
	// FormatTable is a server rendered html table located by its header row.
	FormatTable Format = iota
	// FormatDelimited is a plain text export, one record per line.
	FormatDelimited
	// FormatXMLIsland is an <xml> data island embedded in an html page.
	FormatXMLIsland
)

func (f Format) String() string {
	switch f {
	case FormatTable:
		return "table"
	case FormatDelimited:
		return "delimited"
	case FormatXMLIsland:
		return "xml-island"
	}
	return fmt.Sprintf("format(%d)", int(f))
}

// Schema describes where the rows of a report live and what they must
// contain.
type Schema struct {
	Name    string
	Format  Format
	Columns []string

	// TableSelector picks candidate tables, defaults to "table".
	TableSelector string
	// SearchWindow is how many leading rows of each table are searched for
	// the header, defaults to 10.
	SearchWindow int
	// FuzzyThreshold enables Jaro-Winkler header matching when above zero.
	FuzzyThreshold float64

	// Delimiter defaults to "|".
	Delimiter  string
	SkipRows   int
	SkipFooter int

	// IslandId defaults to "reportData".
	IslandId string
	// RowElement defaults to "student".
	RowElement string
	// Rename maps source names, island attributes or table headers, to the
	// column names rows are keyed by.
	Rename map[string]string
	// RootAttrs maps attributes of the island root to column names copied
	// onto every row.
	RootAttrs map[string]string
	// IncludeParams copies every <param name value> of the island onto each
	// row, except those in ExcludeParams.
	IncludeParams bool
	ExcludeParams []string

	// Captures are matched against the raw page, the first group of each
	// becomes a constant column.
	Captures map[string]*regexp.Regexp

	// NextControl is a selector for the next page control, a page without
	// one never has a next page.
	NextControl string
	// NextDisabled decides whether a present control is inert, by default a
	// control is inert when it is disabled or hidden.
	NextDisabled func(*goquery.Selection) bool
}

// Page is the result of extracting a single page.
type Page struct {
	Columns []string
	Rows    []map[string]string
	HasNext bool
}

// UnrecognizedLayoutError means the page did not have the shape the schema
// expects, it indicates the portal changed and is never skipped.
type UnrecognizedLayoutError struct {
	Schema string
	Reason string
}

func (e *UnrecognizedLayoutError) Error() string {
	return fmt.Sprintf("unrecognized layout for %s: %s", e.Schema, e.Reason)
}

func (s Schema) rename(name string) string {
	if renamed, ok := s.Rename[name]; ok {
		return renamed
	}
	return name
}

func (s Schema) layoutError(format string, args ...any) error {
	return &UnrecognizedLayoutError{Schema: s.Name, Reason: fmt.Sprintf(format, args...)}
}

// Extract reads the rows of one page.
func Extract(body []byte, schema Schema) (Page, error) {
	var page Page
	var doc *goquery.Document
	var err error

	if schema.Format != FormatDelimited || schema.NextControl != "" {
		doc, err = goquery.NewDocumentFromReader(bytes.NewBuffer(body))
		if err != nil {
			return Page{}, schema.layoutError("parse: %v", err)
		}
	}

	switch schema.Format {
	case FormatTable:
		page, err = extractTable(doc, schema)
	case FormatDelimited:
		page, err = extractDelimited(body, schema)
	case FormatXMLIsland:
		page, err = extractIsland(body, schema)
	default:
		return Page{}, schema.layoutError("unsupported format %s", schema.Format)
	}
	if err != nil {
		return Page{}, err
	}

	err = applyCaptures(body, schema, &page)
	if err != nil {
		return Page{}, err
	}

	if doc != nil && schema.NextControl != "" {
		page.HasNext = hasNext(doc, schema)
	}
	return page, nil
}

func applyCaptures(body []byte, schema Schema, page *Page) error {
	if len(schema.Captures) == 0 {
		return nil
	}
	names := make([]string, 0, len(schema.Captures))
	for name := range schema.Captures {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		match := schema.Captures[name].FindSubmatch(body)
		if len(match) < 2 {
			return schema.layoutError("landmark for %q not found", name)
		}
		value := strings.TrimSpace(string(match[1]))
		page.Columns = append(page.Columns, name)
		for _, row := range page.Rows {
			row[name] = value
		}
	}
	return nil
}

var displayNone = regexp.MustCompile(`(?i)display\s*:\s*none`)

// ControlInert is the default NextDisabled.
func ControlInert(control *goquery.Selection) bool {
	if disabled, ok := control.Attr("disabled"); ok && !strings.EqualFold(disabled, "false") {
		return true
	}
	if strings.EqualFold(control.AttrOr("type", ""), "hidden") {
		return true
	}
	return displayNone.MatchString(control.AttrOr("style", ""))
}

func hasNext(doc *goquery.Document, schema Schema) bool {
	control := doc.Find(schema.NextControl).First()
	if control.Length() == 0 {
		return false
	}
	inert := schema.NextDisabled
	if inert == nil {
		inert = ControlInert
	}
	return !inert(control)
}
