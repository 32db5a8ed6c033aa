package extract

import (
	"strings"
	"vicedtools/lib/htmlutil"
	"vicedtools/lib/textutil"

	"github.com/PuerkitoBio/goquery"
	"github.com/antzucaro/matchr"
)

const defaultSearchWindow = 10

// headers are compared without case or whitespace
func normalizeHeader(s string) string {
	return textutil.NormalizeName(htmlutil.CleanText(s))
}

// matchHeader resolves the index of every expected column within `cells`,
// exact matches are preferred over fuzzy ones.
func matchHeader(cells []string, columns []string, threshold float64) ([]int, bool) {
	normalized := make([]string, len(cells))
	for i, c := range cells {
		normalized[i] = normalizeHeader(c)
	}

	used := make([]bool, len(cells))
	indices := make([]int, len(columns))
	for i := range indices {
		indices[i] = -1
	}

	for ci, column := range columns {
		want := normalizeHeader(column)
		for i, have := range normalized {
			if !used[i] && have == want {
				indices[ci] = i
				used[i] = true
				break
			}
		}
	}

	for ci, column := range columns {
		if indices[ci] >= 0 {
			continue
		}
		if threshold <= 0 {
			return nil, false
		}
		want := normalizeHeader(column)
		best, bestScore := -1, threshold
		for i, have := range normalized {
			if used[i] || have == "" {
				continue
			}
			score := matchr.JaroWinkler(want, have, false)
			if score >= bestScore {
				best, bestScore = i, score
			}
		}
		if best < 0 {
			return nil, false
		}
		indices[ci] = best
		used[best] = true
	}
	return indices, true
}

func ownRows(table *goquery.Selection) *goquery.Selection {
	return table.Find("tr").FilterFunction(func(_ int, row *goquery.Selection) bool {
		return row.Closest("table").IsSelection(table)
	})
}

func cellTexts(row *goquery.Selection) []string {
	var out []string
	row.ChildrenFiltered("td, th").Each(func(_ int, cell *goquery.Selection) {
		out = append(out, htmlutil.SelectionText(cell))
	})
	return out
}

func extractTable(doc *goquery.Document, schema Schema) (Page, error) {
	selector := schema.TableSelector
	if selector == "" {
		selector = "table"
	}
	window := schema.SearchWindow
	if window <= 0 {
		window = defaultSearchWindow
	}

	var page Page
	var extractErr error
	found := false

	doc.Find(selector).EachWithBreak(func(_ int, table *goquery.Selection) bool {
		rows := ownRows(table)

		headerRow := -1
		var indices []int
		for i := 0; i < rows.Length() && i < window; i++ {
			cells := cellTexts(rows.Eq(i))
			matched, ok := matchHeader(cells, schema.Columns, schema.FuzzyThreshold)
			if ok {
				headerRow = i
				indices = matched
				break
			}
		}
		if headerRow < 0 {
			return true
		}
		found = true

		width := 0
		for _, idx := range indices {
			width = max(width, idx+1)
		}

		page.Columns = make([]string, len(schema.Columns))
		for ci, column := range schema.Columns {
			page.Columns[ci] = schema.rename(column)
		}
		rows.Slice(headerRow+1, rows.Length()).EachWithBreak(func(i int, row *goquery.Selection) bool {
			if row.ChildrenFiltered("td").Length() == 0 {
				return true
			}
			cells := cellTexts(row)
			if isBlank(cells) {
				return true
			}
			if len(cells) < width {
				extractErr = schema.layoutError(
					"row %d has %d cells, expected at least %d",
					headerRow+i+2, len(cells), width,
				)
				return false
			}
			record := make(map[string]string, len(schema.Columns))
			for ci, column := range page.Columns {
				record[column] = cells[indices[ci]]
			}
			page.Rows = append(page.Rows, record)
			return true
		})
		return false
	})

	if extractErr != nil {
		return Page{}, extractErr
	}
	if !found {
		return Page{}, schema.layoutError(
			"no table with columns %s within the first %d rows",
			strings.Join(schema.Columns, ", "), window,
		)
	}
	return page, nil
}

func isBlank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
