package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
	"vicedtools/internal/components/chrono"
	"vicedtools/internal/components/telemetry"
	"vicedtools/internal/export"
	"vicedtools/internal/normalize"
	"vicedtools/internal/portal"
	"vicedtools/internal/portal/transport"
	"vicedtools/internal/portals/dataservice"
	"vicedtools/internal/portals/vass"
	"vicedtools/lib/restyutil"

	"golang.org/x/sync/errgroup"
)

const (
	report_run_account = "run_account"
	report_run_report  = "run_report"
	report_run_records = "run_records"
)

// accountSession is the part of a portal session an export run drives.
type accountSession interface {
	Authenticate(ctx context.Context) error
	SelectPeriod(ctx context.Context, period string) error
	Period() string
	PortalPeriod() string
	Close() error
}

type fetchFunc func(ctx context.Context, s accountSession, selection string) ([]portal.ExportRecord, error)

type reportEntry struct {
	portal string
	name   string
	fetch  fetchFunc
}

func vassReport(name string, fetch func(ctx context.Context, s *vass.Session, selection string) ([]portal.ExportRecord, error)) reportEntry {
	return reportEntry{
		portal: portalVass,
		name:   name,
		fetch: func(ctx context.Context, s accountSession, selection string) ([]portal.ExportRecord, error) {
			return fetch(ctx, s.(*vass.Session), selection)
		},
	}
}

func dataServiceReport(name string, fetch func(ctx context.Context, s *dataservice.Session) ([]portal.ExportRecord, error)) reportEntry {
	return reportEntry{
		portal: portalDataService,
		name:   name,
		fetch: func(ctx context.Context, s accountSession, _ string) ([]portal.ExportRecord, error) {
			return fetch(ctx, s.(*dataservice.Session))
		},
	}
}

// reports are listed in the order `all` runs them, an account only runs
// the reports of its portal.
var reports = []reportEntry{
	vassReport(vass.ReportPersonalDetails, func(ctx context.Context, s *vass.Session, _ string) ([]portal.ExportRecord, error) {
		return s.FetchPersonalDetailsSummary(ctx)
	}),
	vassReport(vass.ReportSchoolProgram, func(ctx context.Context, s *vass.Session, selection string) ([]portal.ExportRecord, error) {
		return s.FetchSchoolProgramSummary(ctx, selection)
	}),
	vassReport(vass.ReportExternalResults, func(ctx context.Context, s *vass.Session, _ string) ([]portal.ExportRecord, error) {
		return s.FetchExternalResults(ctx)
	}),
	vassReport(vass.ReportGatScores, func(ctx context.Context, s *vass.Session, _ string) ([]portal.ExportRecord, error) {
		return s.FetchGatScores(ctx)
	}),
	vassReport(vass.ReportPredictedScores, func(ctx context.Context, s *vass.Session, _ string) ([]portal.ExportRecord, error) {
		return s.FetchPredictedScores(ctx)
	}),
	vassReport(vass.ReportSchoolScores, func(ctx context.Context, s *vass.Session, _ string) ([]portal.ExportRecord, error) {
		return s.FetchSchoolScores(ctx)
	}),
	vassReport(vass.ReportModeratedScores, func(ctx context.Context, s *vass.Session, _ string) ([]portal.ExportRecord, error) {
		return s.FetchModeratedCourseworkScores(ctx)
	}),
	dataServiceReport(dataservice.ReportNaplanOutcomes, func(ctx context.Context, s *dataservice.Session) ([]portal.ExportRecord, error) {
		return s.FetchNaplanOutcomes(ctx)
	}),
	dataServiceReport(dataservice.ReportNaplanQuestions, func(ctx context.Context, s *dataservice.Session) ([]portal.ExportRecord, error) {
		return s.FetchNaplanQuestions(ctx)
	}),
}

func reportNames() []string {
	names := make([]string, len(reports))
	for i, r := range reports {
		names[i] = r.name
	}
	return names
}

func findReports(names []string) ([]reportEntry, error) {
	if len(names) == 0 || slices.Contains(names, "all") {
		return reports, nil
	}
	var out []reportEntry
	for _, name := range names {
		idx := slices.IndexFunc(reports, func(r reportEntry) bool {
			return r.name == name
		})
		if idx < 0 {
			return nil, fmt.Errorf("unknown report %q, expected one of: all, %s", name, strings.Join(reportNames(), ", "))
		}
		out = append(out, reports[idx])
	}
	return out, nil
}

type runOptions struct {
	Reports   []string
	Accounts  []string
	Period    string
	Selection string
	// Format is csv or table, a configured database is written either way.
	Format string
	Limit  int
	Dump   bool
}

func openWriters(ctx context.Context, cfg Config, opts runOptions, tel telemetry.API) (export.Writer, error) {
	var writers export.Multi
	switch opts.Format {
	case "", "csv":
		writers = append(writers, export.NewCSVWriter(cfg.Output.Dir, cfg.Output.FileTemplate, tel))
	case "table":
		writers = append(writers, export.NewTableWriter(os.Stdout, opts.Limit))
	default:
		return nil, fmt.Errorf("unknown output format %q", opts.Format)
	}

	if cfg.Output.Database.Enabled() {
		database, err := cfg.Output.Database.OpenDB()
		if err != nil {
			return nil, err
		}
		sqlWriter, err := export.NewSQLWriter(ctx, database, tel)
		if err != nil {
			database.Close()
			return nil, err
		}
		writers = append(writers, sqlWriter)
	}
	return writers, nil
}

// runExports logs into every selected account concurrently and writes the
// selected reports of each.
func runExports(ctx context.Context, cfg Config, opts runOptions, tel telemetry.API) error {
	selected, err := findReports(opts.Reports)
	if err != nil {
		return err
	}
	accounts := cfg.Accounts
	if len(opts.Accounts) > 0 {
		accounts = nil
		for _, name := range opts.Accounts {
			account, ok := cfg.Account(name)
			if !ok {
				return fmt.Errorf("unknown account %q", name)
			}
			accounts = append(accounts, account)
		}
	}

	normalizer, err := normalize.New(cfg.Normalize)
	if err != nil {
		return err
	}
	clock, err := chrono.NewStandardImpl()
	if err != nil {
		return err
	}
	writer, err := openWriters(ctx, cfg, opts, tel)
	if err != nil {
		return err
	}
	defer func() {
		err := writer.Close()
		if err != nil {
			tel.ReportWarning("close_writers", err)
		}
	}()

	group, ctx := errgroup.WithContext(ctx)
	for _, account := range accounts {
		account := account
		period := opts.Period
		if period == "" {
			period = account.Period
		}
		// the data service defaults to its newest extract year
		if period == "" && account.Portal == portalVass {
			period = chrono.CurrentPeriod(clock)
		}

		group.Go(func() error {
			err := runAccount(ctx, accountRun{
				cfg:        cfg,
				account:    account,
				period:     period,
				opts:       opts,
				reports:    selected,
				normalizer: normalizer,
				writer:     writer,
				tel:        telemetry.NewScopedAPI(account.Name, tel),
			})
			if err != nil {
				tel.ReportBroken(report_run_account, err, account.Name)
				return fmt.Errorf("account %s: %w", account.Name, err)
			}
			return nil
		})
	}
	return group.Wait()
}

type accountRun struct {
	cfg        Config
	clock      chrono.API
	account    AccountConfig
	period     string
	opts       runOptions
	reports    []reportEntry
	normalizer normalize.Normalizer
	writer     export.Writer
	tel        telemetry.API
}

func newTransport(cfg Config, account AccountConfig, dump bool, tel telemetry.API) (*transport.Client, error) {
	opts := cfg.Transport.Options(account)
	if dump {
		output, err := restyutil.NewFilesystemOutput(filepath.Join(cfg.Transport.DebugDir, account.Name))
		if err != nil {
			return nil, err
		}
		opts.Output = output
	}
	return transport.NewClient(opts, tel)
}

// runAccount keeps going after a report fails so one broken export does not
// cost the others, the failures are joined into the returned error.
func runAccount(ctx context.Context, run accountRun) error {
	client, err := newTransport(run.cfg, run.account, run.opts.Dump, run.tel)
	if err != nil {
		return err
	}

	sessionOpts := []portal.SessionOption{portal.WithTelemetry(run.tel)}
	if run.cfg.Auth.KeypadAttempts > 0 {
		sessionOpts = append(sessionOpts, portal.WithKeypadAttempts(run.cfg.Auth.KeypadAttempts))
	}
	var session accountSession
	switch run.account.Portal {
	case portalDataService:
		session = dataservice.NewSession(client, run.account.Credentials(), sessionOpts...)
	default:
		session = vass.NewSession(client, run.clock, run.account.Credentials(), sessionOpts...)
	}
	defer session.Close()

	err = session.Authenticate(ctx)
	if err != nil {
		return err
	}
	if run.period != "" {
		err = session.SelectPeriod(ctx, run.period)
		if err != nil {
			return err
		}
	}
	switch s := session.(type) {
	case *vass.Session:
		if school, ok := s.School(); ok {
			run.tel.ReportDebug("logged in", "school", school, "period", s.Period())
		}
	case *dataservice.Session:
		run.tel.ReportDebug("logged in", "years", s.Years())
	}

	period := session.Period()
	if period == "" {
		period = session.PortalPeriod()
	}

	var errs []error
	for _, report := range run.reports {
		if report.portal != run.account.Portal {
			continue
		}
		start := time.Now()
		records, err := report.fetch(ctx, session, run.opts.Selection)
		if err != nil {
			run.tel.ReportBroken(report_run_report, err, report.name)
			errs = append(errs, fmt.Errorf("%s: %w", report.name, err))
			if ctx.Err() != nil || errors.Is(err, portal.ErrClosed) {
				break
			}
			continue
		}
		records = run.normalizer.Apply(report.name, records)

		err = run.writer.Write(ctx, export.Target{
			Account: run.account.Name,
			Report:  report.name,
			Period:  period,
		}, records)
		if err != nil {
			errs = append(errs, fmt.Errorf("write %s: %w", report.name, err))
			continue
		}
		run.tel.ReportCount(report_run_records, int64(len(records)))
		run.tel.ReportDebug(
			"exported report",
			"report", report.name,
			"records", len(records),
			"seconds", time.Since(start).Seconds(),
		)
	}
	return errors.Join(errs...)
}
