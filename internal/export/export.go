// Package export persists the records fetched from a portal.
package export

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"vicedtools/internal/portal"
)

const (
	report_export_write = "export.write"
)

// Target identifies what a batch of records is.
type Target struct {
	Account string
	Report  string
	Period  string
}

// Writer receives the records of a report once every page has been
// extracted.
type Writer interface {
	Write(ctx context.Context, target Target, records []portal.ExportRecord) error
	Close() error
}

// Columns returns the union of the columns of `records` in the order they
// are first seen.
func Columns(records []portal.ExportRecord) []string {
	var out []string
	for _, r := range records {
		for _, column := range r.Columns {
			if !slices.Contains(out, column) {
				out = append(out, column)
			}
		}
	}
	return out
}

const DefaultFileTemplate = "{account}/{report}-{period}.csv"

var unsafePathChars = strings.NewReplacer("/", "_", `\`, "_", "..", "_", ":", "_")

// ExpandTemplate fills the {account}, {report} and {period} placeholders of
// an output path.
func ExpandTemplate(template string, target Target) string {
	if template == "" {
		template = DefaultFileTemplate
	}
	period := target.Period
	if period == "" {
		period = "all"
	}
	return filepath.FromSlash(strings.NewReplacer(
		"{account}", unsafePathChars.Replace(target.Account),
		"{report}", unsafePathChars.Replace(target.Report),
		"{period}", unsafePathChars.Replace(period),
	).Replace(template))
}

// Multi fans a batch out to every writer.
type Multi []Writer

func (m Multi) Write(ctx context.Context, target Target, records []portal.ExportRecord) error {
	var errs []error
	for _, w := range m {
		errs = append(errs, w.Write(ctx, target, records))
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, w := range m {
		errs = append(errs, w.Close())
	}
	return errors.Join(errs...)
}
