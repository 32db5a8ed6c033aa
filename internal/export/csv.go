package export

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"sync"
	"vicedtools/internal/components/telemetry"
	"vicedtools/internal/portal"
)

// CSVWriter writes one csv file per target. The first batch written to a
// path during a run replaces the file and later batches are appended under
// the same header.
type CSVWriter struct {
	dir      string
	template string
	tel      telemetry.API

	mutex   sync.Mutex
	headers map[string][]string
}

func NewCSVWriter(dir, template string, tel telemetry.API) *CSVWriter {
	return &CSVWriter{
		dir:      dir,
		template: template,
		tel:      telemetry.NewScopedAPI("csv_writer", tel),
		headers:  map[string][]string{},
	}
}

// Path is where the records of `target` are written.
func (w *CSVWriter) Path(target Target) string {
	return filepath.Join(w.dir, ExpandTemplate(w.template, target))
}

func (w *CSVWriter) Write(ctx context.Context, target Target, records []portal.ExportRecord) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	path := w.Path(target)
	columns, appending := w.headers[path]
	if !appending {
		columns = Columns(records)
	}

	err := os.MkdirAll(filepath.Dir(path), 0777)
	if err != nil {
		return err
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appending {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0666)
	if err != nil {
		return err
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if !appending && len(columns) > 0 {
		err = cw.Write(columns)
		if err != nil {
			return err
		}
	}
	row := make([]string, len(columns))
	for _, r := range records {
		for i, column := range columns {
			row[i] = r.Get(column)
		}
		err = cw.Write(row)
		if err != nil {
			return err
		}
	}
	cw.Flush()
	err = cw.Error()
	if err != nil {
		w.tel.ReportBroken(report_export_write, err, path)
		return err
	}
	w.headers[path] = columns
	w.tel.ReportDebug("wrote csv", "path", path, "records", len(records))
	return nil
}

func (w *CSVWriter) Close() error {
	return nil
}
