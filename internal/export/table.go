package export

import (
	"context"
	"fmt"
	"io"
	"sync"
	"vicedtools/internal/portal"

	"github.com/jedib0t/go-pretty/v6/table"
)

// TableWriter prints every batch as a table, it is meant for a terminal.
type TableWriter struct {
	out   io.Writer
	limit int
	mutex sync.Mutex
}

// NewTableWriter prints at most `limit` rows per batch, zero prints all of
// them.
func NewTableWriter(out io.Writer, limit int) *TableWriter {
	return &TableWriter{out: out, limit: limit}
}

func NewTable(out io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(out)
	return t
}

func (w *TableWriter) Write(ctx context.Context, target Target, records []portal.ExportRecord) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	columns := Columns(records)
	t := NewTable(w.out)
	t.SetTitle(fmt.Sprintf("%s: %s (%s)", target.Account, target.Report, target.Period))

	header := make(table.Row, len(columns))
	for i, column := range columns {
		header[i] = column
	}
	t.AppendHeader(header)

	shown := records
	if w.limit > 0 && len(shown) > w.limit {
		shown = shown[:w.limit]
	}
	for _, r := range shown {
		row := make(table.Row, len(columns))
		for i, column := range columns {
			row[i] = r.Get(column)
		}
		t.AppendRow(row)
	}
	t.AppendFooter(table.Row{fmt.Sprintf("%d records", len(records))})
	t.Render()
	return nil
}

func (w *TableWriter) Close() error {
	return nil
}
