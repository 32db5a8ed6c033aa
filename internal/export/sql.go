package export

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"
	"vicedtools/internal/components/telemetry"
	"vicedtools/internal/export/db"
	"vicedtools/internal/portal"

	"github.com/google/uuid"
)

// SQLWriter stores every batch of a run in a sqlite or libsql database,
// one value per row and column.
type SQLWriter struct {
	db    *sql.DB
	tel   telemetry.API
	runId string
	now   func() time.Time

	mutex sync.Mutex
	runs  map[string]bool
}

func NewSQLWriter(ctx context.Context, database *sql.DB, tel telemetry.API) (*SQLWriter, error) {
	_, err := database.ExecContext(ctx, db.Schema)
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return nil, err
	}
	return &SQLWriter{
		db:    database,
		tel:   telemetry.NewScopedAPI("sql_writer", tel),
		runId: uuid.NewString(),
		now:   time.Now,
		runs:  map[string]bool{},
	}, nil
}

// RunId identifies the batches written by this writer, one run row is kept
// per account.
func (w *SQLWriter) RunId(account string) string {
	if account == "" {
		return w.runId
	}
	return w.runId + ":" + account
}

func (w *SQLWriter) Write(ctx context.Context, target Target, records []portal.ExportRecord) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	columns := Columns(records)
	encodedColumns, err := json.Marshal(columns)
	if err != nil {
		return err
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	runId := w.RunId(target.Account)
	if !w.runs[runId] {
		_, err = tx.ExecContext(ctx,
			"insert or ignore into export_run(id, account, started_at) values (?, ?, ?)",
			runId, target.Account, w.now().Unix(),
		)
		if err != nil {
			return err
		}
	}

	// a report fetched twice in one run keeps only the latest batch
	_, err = tx.ExecContext(ctx,
		`delete from export_value where batch_id in (
			select id from export_batch where run_id = ? and report = ? and period = ?
		)`,
		runId, target.Report, target.Period,
	)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		"delete from export_batch where run_id = ? and report = ? and period = ?",
		runId, target.Report, target.Period,
	)
	if err != nil {
		return err
	}

	var batchId int64
	err = tx.QueryRowContext(ctx,
		"insert into export_batch(run_id, report, period, columns) values (?, ?, ?, ?) returning id",
		runId, target.Report, target.Period, string(encodedColumns),
	).Scan(&batchId)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx,
		"insert into export_value(batch_id, row_index, column_name, value) values (?, ?, ?, ?)",
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, r := range records {
		for _, column := range r.Columns {
			_, err = stmt.ExecContext(ctx, batchId, i, column, r.Get(column))
			if err != nil {
				w.tel.ReportBroken(report_export_write, err, target.Report)
				return err
			}
		}
	}

	err = tx.Commit()
	if err != nil {
		return err
	}
	w.runs[runId] = true
	w.tel.ReportDebug("wrote batch", "report", target.Report, "period", target.Period, "records", len(records))
	return nil
}

// Read returns the records of the latest batch written for a report and
// period.
func (w *SQLWriter) Read(ctx context.Context, target Target) ([]portal.ExportRecord, error) {
	var batchId int64
	var encodedColumns string
	err := w.db.QueryRowContext(ctx,
		"select id, columns from export_batch where run_id = ? and report = ? and period = ?",
		w.RunId(target.Account), target.Report, target.Period,
	).Scan(&batchId, &encodedColumns)
	if err != nil {
		return nil, err
	}
	var columns []string
	err = json.Unmarshal([]byte(encodedColumns), &columns)
	if err != nil {
		return nil, err
	}

	rows, err := w.db.QueryContext(ctx,
		"select row_index, column_name, value from export_value where batch_id = ? order by row_index",
		batchId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []portal.ExportRecord
	for rows.Next() {
		var index int
		var column, value string
		err = rows.Scan(&index, &column, &value)
		if err != nil {
			return nil, err
		}
		for len(out) <= index {
			out = append(out, portal.ExportRecord{
				Report:  target.Report,
				Period:  target.Period,
				Columns: columns,
				Values:  map[string]string{},
			})
		}
		out[index].Values[column] = value
	}
	return out, rows.Err()
}

func (w *SQLWriter) Close() error {
	return w.db.Close()
}
