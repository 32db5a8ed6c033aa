// Package normalize applies the configured value substitutions and grade
// label scores to exported records.
package normalize

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"vicedtools/internal/portal"
)

type Config struct {
	// Scores are named tables of grade label to numeric score.
	Scores map[string]map[string]float64 `json:"scores"`
	// ScoreColumns maps a report to the columns that are scored and the
	// table each one uses.
	ScoreColumns map[string]map[string]string `json:"score_columns"`
	// Substitutions replace values of a column in every report, they are
	// used when a label changed between years.
	Substitutions map[string]map[string]string `json:"substitutions"`
}

// UnknownTableError means a score column refers to a table that is not
// configured.
type UnknownTableError struct {
	Report string
	Column string
	Table  string
}

func (e *UnknownTableError) Error() string {
	return fmt.Sprintf("normalize: %s column %q uses unknown score table %q", e.Report, e.Column, e.Table)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type Normalizer struct {
	cfg Config
}

func New(cfg Config) (Normalizer, error) {
	for _, report := range sortedKeys(cfg.ScoreColumns) {
		columns := cfg.ScoreColumns[report]
		for _, column := range sortedKeys(columns) {
			if _, ok := cfg.Scores[columns[column]]; !ok {
				return Normalizer{}, &UnknownTableError{Report: report, Column: column, Table: columns[column]}
			}
		}
	}
	return Normalizer{cfg: cfg}, nil
}

// ScoreColumn is the name of the column that holds the score of `column`.
func ScoreColumn(column string) string {
	return column + " Score"
}

// Score looks a label up in a score table, labels are compared without
// surrounding whitespace.
func (n Normalizer) Score(table, label string) (float64, bool) {
	score, ok := n.cfg.Scores[table][strings.TrimSpace(label)]
	return score, ok
}

// Apply substitutes values and appends a score column for every scored
// column of `report`. Labels missing from a score table get an empty score.
func (n Normalizer) Apply(report string, records []portal.ExportRecord) []portal.ExportRecord {
	scored := n.cfg.ScoreColumns[report]
	scoredColumns := sortedKeys(scored)

	out := make([]portal.ExportRecord, len(records))
	for i, r := range records {
		values := make(map[string]string, len(r.Values)+len(scored))
		for column, value := range r.Values {
			if replacement, ok := n.cfg.Substitutions[column][value]; ok {
				value = replacement
			}
			values[column] = value
		}

		columns := slices.Clone(r.Columns)
		for _, column := range scoredColumns {
			if !slices.Contains(r.Columns, column) {
				continue
			}
			name := ScoreColumn(column)
			if !slices.Contains(columns, name) {
				columns = append(columns, name)
			}
			values[name] = ""
			score, ok := n.Score(scored[column], values[column])
			if ok {
				values[name] = strconv.FormatFloat(score, 'f', -1, 64)
			}
		}

		out[i] = portal.ExportRecord{
			Report:  r.Report,
			Period:  r.Period,
			Columns: columns,
			Values:  values,
		}
	}
	return out
}
