// Package pagestate harvests the hidden postback state a server-rendered page
// expects to receive back with the next request.
package pagestate

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// PostbackContext is the state harvested from the most recently received
// page, it is replaced wholesale after every fetch and never mutated.
type PostbackContext struct {
	// Action is the resolved url the form submits to.
	Action *url.URL
	Method string
	Fields url.Values
}

// Merge returns a copy of the harvested fields with `overrides` replacing
// any field of the same name.
func (pc PostbackContext) Merge(overrides url.Values) url.Values {
	out := url.Values{}
	for k, v := range pc.Fields {
		out[k] = append([]string(nil), v...)
	}
	for k, v := range overrides {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Get returns the first value of a harvested field.
func (pc PostbackContext) Get(name string) string {
	return pc.Fields.Get(name)
}

// FormSpec locates the form on a page and names the fields that must be
// present for the page to be considered well formed.
type FormSpec struct {
	// Selector picks the form, the first form on the page is used when empty.
	Selector string
	Required []string
}

// MalformedPageError means the page did not carry the state needed to
// continue, either because the portal changed or the wrong screen was
// reached.
type MalformedPageError struct {
	Page    string
	Missing []string
	Reason  string
}

func (e *MalformedPageError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("malformed page %s: missing fields %s", e.Page, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("malformed page %s: %s", e.Page, e.Reason)
}

// Extract parses `body` and harvests the postback context of the form
// selected by `spec`.
func Extract(body []byte, pageUrl *url.URL, spec FormSpec) (PostbackContext, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(body))
	if err != nil {
		return PostbackContext{}, &MalformedPageError{
			Page:   pageUrl.String(),
			Reason: fmt.Sprintf("parse: %v", err),
		}
	}
	return ExtractDocument(doc, pageUrl, spec)
}

// ExtractDocument is Extract over an already parsed document.
func ExtractDocument(doc *goquery.Document, pageUrl *url.URL, spec FormSpec) (PostbackContext, error) {
	out := PostbackContext{
		Action: pageUrl,
		Method: http.MethodGet,
		Fields: url.Values{},
	}

	selector := spec.Selector
	if selector == "" {
		selector = "form"
	}
	form := doc.Find(selector).First()
	if form.Length() == 0 {
		if spec.Selector != "" || len(spec.Required) > 0 {
			return out, &MalformedPageError{
				Page:   pageUrl.String(),
				Reason: fmt.Sprintf("no form matching %q", selector),
			}
		}
		return out, nil
	}

	action := strings.TrimSpace(form.AttrOr("action", ""))
	if action != "" {
		resolved, err := pageUrl.Parse(action)
		if err != nil {
			return out, &MalformedPageError{
				Page:   pageUrl.String(),
				Reason: fmt.Sprintf("form action %q: %v", action, err),
			}
		}
		out.Action = resolved
	}
	method := strings.ToUpper(strings.TrimSpace(form.AttrOr("method", "")))
	if method == http.MethodPost {
		out.Method = http.MethodPost
	}

	harvestFields(form, out.Fields)

	var missing []string
	for _, name := range spec.Required {
		if _, ok := out.Fields[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return out, &MalformedPageError{
			Page:    pageUrl.String(),
			Missing: missing,
		}
	}

	return out, nil
}

var skippedInputTypes = map[string]bool{
	"submit": true,
	"button": true,
	"image":  true,
	"reset":  true,
	"file":   true,
}

// harvestFields collects the controls a browser would submit, submit
// buttons are left to the caller since only the one clicked is sent.
func harvestFields(form *goquery.Selection, out url.Values) {
	form.Find("input, select, textarea").Each(func(_ int, control *goquery.Selection) {
		name, ok := control.Attr("name")
		if !ok || name == "" {
			return
		}
		if _, disabled := control.Attr("disabled"); disabled {
			return
		}

		switch goquery.NodeName(control) {
		case "textarea":
			out.Add(name, control.Text())
		case "select":
			selected := control.Find("option[selected]")
			_, multiple := control.Attr("multiple")
			if selected.Length() == 0 && !multiple {
				selected = control.Find("option").First()
			}
			selected.Each(func(_ int, option *goquery.Selection) {
				out.Add(name, optionValue(option))
			})
		default:
			inputType := strings.ToLower(control.AttrOr("type", "text"))
			if skippedInputTypes[inputType] {
				return
			}
			if inputType == "checkbox" || inputType == "radio" {
				if _, checked := control.Attr("checked"); !checked {
					return
				}
				out.Add(name, control.AttrOr("value", "on"))
				return
			}
			out.Add(name, control.AttrOr("value", ""))
		}
	})
}

func optionValue(option *goquery.Selection) string {
	if value, ok := option.Attr("value"); ok {
		return value
	}
	return strings.TrimSpace(option.Text())
}

// Options returns the value of every option of the named select in the
// first form matched by `selector`, in document order.
func Options(doc *goquery.Document, selector, name string) []string {
	if selector == "" {
		selector = "form"
	}
	var out []string
	doc.Find(selector).First().
		Find(fmt.Sprintf("select[name=%q] option", name)).
		Each(func(_ int, option *goquery.Selection) {
			out = append(out, optionValue(option))
		})
	return out
}
