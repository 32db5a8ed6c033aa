// Package keypad maps a configured grid secret through the randomized
// keypad a portal issues on every login attempt.
package keypad

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/titanous/json5"
)

// DefaultColumns is the width of the VASS passcode grid.
const DefaultColumns = 8

// Coordinate is a 1-based grid position.
type Coordinate struct {
	Column int
	Row    int
}

func (c Coordinate) String() string {
	return fmt.Sprintf("(%d,%d)", c.Column, c.Row)
}

func parseComponent(v any) (int, error) {
	switch t := v.(type) {
	case float64:
		return int(t), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(t))
	default:
		return 0, fmt.Errorf("unsupported coordinate component %v", v)
	}
}

// UnmarshalJSON accepts `[column, row]` where each component is either a
// number or a numeric string, or a single "column,row" string.
func (c *Coordinate) UnmarshalJSON(buff []byte) error {
	var raw any
	err := json5.Unmarshal(buff, &raw)
	if err != nil {
		return err
	}

	var parts []any
	switch t := raw.(type) {
	case []any:
		parts = t
	case string:
		for _, p := range strings.Split(t, ",") {
			parts = append(parts, p)
		}
	default:
		return fmt.Errorf("keypad coordinate: unsupported value %s", string(buff))
	}
	if len(parts) != 2 {
		return fmt.Errorf("keypad coordinate: expected 2 components, got %d", len(parts))
	}

	column, err := parseComponent(parts[0])
	if err != nil {
		return fmt.Errorf("keypad coordinate column: %w", err)
	}
	row, err := parseComponent(parts[1])
	if err != nil {
		return fmt.Errorf("keypad coordinate row: %w", err)
	}
	*c = Coordinate{Column: column, Row: row}
	return nil
}

// Layout is a server issued keypad, cells are stored row-major.
type Layout struct {
	Columns int
	Cells   []string
}

func (l Layout) Rows() int {
	if l.Columns == 0 {
		return 0
	}
	return len(l.Cells) / l.Columns
}

type CoordinateError struct {
	Coordinate Coordinate
	Columns    int
	Rows       int
}

func (e *CoordinateError) Error() string {
	return fmt.Sprintf("keypad: coordinate %s is outside the %dx%d grid", e.Coordinate, e.Columns, e.Rows)
}

func (l Layout) At(c Coordinate) (string, error) {
	if c.Column < 1 || c.Column > l.Columns || c.Row < 1 || c.Row > l.Rows() {
		return "", &CoordinateError{Coordinate: c, Columns: l.Columns, Rows: l.Rows()}
	}
	return l.Cells[(c.Row-1)*l.Columns+(c.Column-1)], nil
}

// Map returns the value under each coordinate of `secret`, in order.
// It performs no I/O so the same layout always yields the same submission.
func Map(secret []Coordinate, layout Layout) ([]string, error) {
	if len(secret) == 0 {
		return nil, errors.New("keypad: empty secret")
	}
	out := make([]string, len(secret))
	for i, c := range secret {
		value, err := layout.At(c)
		if err != nil {
			return nil, err
		}
		out[i] = value
	}
	return out, nil
}

// LayoutError means a keypad page did not contain a recognizable grid.
type LayoutError struct {
	Reason string
}

func (e *LayoutError) Error() string {
	return "keypad: " + e.Reason
}

// ParseLayout reads the keypad grid from a challenge page. The grid is
// either a set of PASSCODEGRID inputs or a `passlist` attribute holding
// the comma separated cells.
func ParseLayout(body []byte) (Layout, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(body))
	if err != nil {
		return Layout{}, &LayoutError{Reason: fmt.Sprintf("parse: %v", err)}
	}
	return ParseLayoutDocument(doc)
}

func ParseLayoutDocument(doc *goquery.Document) (Layout, error) {
	inputs := doc.Find("input[name=PASSCODEGRID]")
	if inputs.Length() > 0 {
		return layoutFromInputs(inputs)
	}

	holder := doc.Find("[passlist]").First()
	if holder.Length() == 0 {
		return Layout{}, &LayoutError{Reason: "no passcode grid on page"}
	}
	var cells []string
	for _, cell := range strings.Split(holder.AttrOr("passlist", ""), ",") {
		cells = append(cells, strings.TrimSpace(cell))
	}
	return newLayout(columnsAttr(holder), cells)
}

func columnsAttr(sel *goquery.Selection) int {
	columns, err := strconv.Atoi(sel.AttrOr("maxcol", ""))
	if err != nil || columns <= 0 {
		return DefaultColumns
	}
	return columns
}

func layoutFromInputs(inputs *goquery.Selection) (Layout, error) {
	type positioned struct {
		coordinate Coordinate
		value      string
	}

	var cells []positioned
	var plain []string
	maxColumn, maxRow := 0, 0
	positionedAll := true

	inputs.Each(func(_ int, input *goquery.Selection) {
		value := input.AttrOr("value", "")
		plain = append(plain, value)

		column, colErr := strconv.Atoi(input.AttrOr("columnnum", ""))
		row, rowErr := strconv.Atoi(input.AttrOr("rownum", ""))
		if colErr != nil || rowErr != nil {
			positionedAll = false
			return
		}
		cells = append(cells, positioned{coordinate: Coordinate{Column: column, Row: row}, value: value})
		maxColumn = max(maxColumn, column)
		maxRow = max(maxRow, row)
	})

	if !positionedAll {
		return newLayout(columnsAttr(inputs.First()), plain)
	}

	grid := make([]string, maxColumn*maxRow)
	filled := make([]bool, len(grid))
	for _, cell := range cells {
		if cell.coordinate.Column < 1 || cell.coordinate.Row < 1 {
			return Layout{}, &LayoutError{Reason: fmt.Sprintf("invalid cell position %s", cell.coordinate)}
		}
		idx := (cell.coordinate.Row-1)*maxColumn + (cell.coordinate.Column - 1)
		grid[idx] = cell.value
		filled[idx] = true
	}
	for i, ok := range filled {
		if !ok {
			return Layout{}, &LayoutError{Reason: fmt.Sprintf(
				"grid is missing cell (%d,%d)", i%maxColumn+1, i/maxColumn+1,
			)}
		}
	}
	return newLayout(maxColumn, grid)
}

func newLayout(columns int, cells []string) (Layout, error) {
	if len(cells) == 0 {
		return Layout{}, &LayoutError{Reason: "empty grid"}
	}
	if len(cells)%columns != 0 {
		return Layout{}, &LayoutError{Reason: fmt.Sprintf(
			"%d cells do not fill a grid %d columns wide", len(cells), columns,
		)}
	}
	return Layout{Columns: columns, Cells: cells}, nil
}
