package portal

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"vicedtools/internal/portal/extract"
	"vicedtools/internal/portal/pagestate"
	"vicedtools/internal/portal/transport"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("vicedtools/portal")

func urlString(res transport.Response) string {
	if res.URL == nil {
		return ""
	}
	return res.URL.String()
}

// receive identifies a response as `screen` and harvests its postback state.
func (s *Session) receive(screen Screen, res transport.Response) (Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.Body))
	if err != nil {
		return Page{}, &pagestate.MalformedPageError{
			Page:   urlString(res),
			Reason: fmt.Sprintf("parse: %v", err),
		}
	}
	page := Page{
		Screen: screen,
		URL:    res.URL,
		Body:   res.Body,
		Doc:    doc,
	}
	if page.URL == nil {
		page.URL = &url.URL{Path: "/"}
	}

	spec := s.def.screen(screen)
	if spec.Identify != nil && !spec.Identify(page) {
		return Page{}, &UnexpectedScreenError{Expected: screen, URL: urlString(res)}
	}
	postback, err := pagestate.ExtractDocument(doc, page.URL, spec.Form)
	if err != nil {
		return Page{}, err
	}
	page.Postback = postback
	return page, nil
}

// step performs one (page, request) -> page transition without touching the
// session's current page.
func (s *Session) step(ctx context.Context, from Page, edge Edge, args Args, authenticated bool) (Page, error) {
	ctx, span := tracer.Start(ctx, "portal.transition", trace.WithAttributes(
		attribute.String("from", string(from.Screen)),
		attribute.String("to", string(edge.To)),
	))
	defer span.End()

	req, err := edge.Build(from, args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to build request")
		return Page{}, err
	}
	req.Authenticated = authenticated

	res, err := s.client.Send(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return Page{}, err
	}

	page, err := s.receive(edge.To, res)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "unexpected page")
		return Page{}, err
	}
	return page, nil
}

// transition takes a declared edge out of the current screen and makes the
// landing page current.
func (s *Session) transition(ctx context.Context, edge Edge, args Args) (Page, error) {
	if edge.From != "" && edge.From != s.page.Screen {
		return Page{}, &UnreachableScreenError{From: s.page.Screen, To: edge.To}
	}
	page, err := s.step(ctx, s.page, edge, args, true)
	if err != nil {
		return Page{}, err
	}
	s.setPage(page)
	return page, nil
}

// noteHome records the home page and the period it reports.
func (s *Session) noteHome(home Page) {
	current, ok := "", false
	if s.def.Period.Current != nil {
		current, ok = s.def.Period.Current(home)
	}
	s.set(func() {
		s.home = home
		if ok {
			s.portalPeriod = current
		}
	})
}

func (s *Session) args(params map[string]string) Args {
	period := s.period
	if period == "" {
		period = s.portalPeriod
	}
	return Args{Period: period, Params: params}
}

func (s *Session) goHome(ctx context.Context, args Args) error {
	if s.page.Screen == s.def.Home.To {
		return nil
	}
	home, err := s.transition(ctx, s.def.Home, args)
	if err != nil {
		return err
	}
	s.noteHome(home)
	return nil
}

// applyPeriod brings the portal to the selected period, it sends nothing
// when the portal is already there.
func (s *Session) applyPeriod(ctx context.Context) error {
	if s.period == "" || s.period == s.portalPeriod || s.def.Period.PerRequest {
		return nil
	}
	if len(s.def.Period.Apply) == 0 {
		return fmt.Errorf("%s cannot change period", s.def.Name)
	}

	args := s.args(nil)
	err := s.goHome(ctx, args)
	if err != nil {
		return err
	}
	for _, edge := range s.def.Period.Apply {
		_, err = s.transition(ctx, edge, args)
		if err != nil {
			return err
		}
	}

	home, err := s.transition(ctx, s.def.Home, args)
	if err != nil {
		return err
	}
	s.set(func() { s.home = home })
	if s.def.Period.Current != nil {
		current, ok := s.def.Period.Current(home)
		if ok && current != s.period {
			return fmt.Errorf("period %s was not applied, portal is on %s", s.period, current)
		}
	}
	s.set(func() { s.portalPeriod = s.period })
	return nil
}

// walkReport walks a report's path from the home screen and hands every
// page after the first `delivered` to `fn`.
func (s *Session) walkReport(
	ctx context.Context,
	spec ReportSpec,
	params map[string]string,
	delivered *int,
	fn func(records []ExportRecord) error,
) error {
	args := s.args(params)

	err := s.goHome(ctx, args)
	if err != nil {
		return err
	}
	if spec.PeriodScoped {
		err = s.applyPeriod(ctx)
		if err != nil {
			return err
		}
	}

	page := s.page
	for _, edge := range spec.Path {
		page, err = s.transition(ctx, edge, args)
		if err != nil {
			return err
		}
	}

	index := 0
	drain := func(page Page) error {
		for {
			result, err := parseReport(spec, page)
			if err != nil {
				return err
			}
			if index >= *delivered {
				err = fn(s.records(spec, args, result))
				if err != nil {
					return err
				}
				*delivered = index + 1
			}
			index++

			if !result.HasNext {
				return nil
			}
			if spec.Next == nil {
				return &extract.UnrecognizedLayoutError{
					Schema: spec.Schema.Name,
					Reason: "page has more records but the report does not paginate",
				}
			}
			page, err = s.transition(ctx, *spec.Next, args)
			if err != nil {
				return err
			}
		}
	}

	if spec.Fanout == nil {
		return drain(page)
	}

	builders, err := spec.Fanout(page, args)
	if err != nil {
		return err
	}
	for _, build := range builders {
		result, err := s.transition(ctx, Edge{From: s.page.Screen, To: spec.Result, Build: build}, args)
		if err != nil {
			return err
		}
		err = drain(result)
		if err != nil {
			return err
		}
	}
	return nil
}

func parseReport(spec ReportSpec, page Page) (extract.Page, error) {
	if spec.Parse != nil {
		return spec.Parse(page)
	}
	return extract.Extract(page.Body, spec.Schema)
}

func (s *Session) records(spec ReportSpec, args Args, page extract.Page) []ExportRecord {
	period := s.portalPeriod
	if period == "" || s.def.Period.PerRequest {
		period = args.Period
	}
	out := make([]ExportRecord, len(page.Rows))
	for i, row := range page.Rows {
		out[i] = ExportRecord{
			Report:  spec.Name,
			Period:  period,
			Columns: page.Columns,
			Values:  row,
		}
	}
	return out
}
