package extract

import (
	"bytes"
	"strings"
)

var utf8Bom = []byte{0xEF, 0xBB, 0xBF}

func extractDelimited(body []byte, schema Schema) (Page, error) {
	delimiter := schema.Delimiter
	if delimiter == "" {
		delimiter = "|"
	}

	body = bytes.TrimPrefix(body, utf8Bom)
	trimmed := bytes.TrimSpace(body)
	if bytes.HasPrefix(trimmed, []byte("<")) {
		return Page{}, schema.layoutError("expected a delimited export but received markup")
	}

	text := strings.ReplaceAll(string(body), "\r\n", "\n")
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(trimmed) == 0 {
		lines = nil
	}

	if schema.SkipRows+schema.SkipFooter > len(lines) {
		return Page{}, schema.layoutError(
			"export has %d lines, expected at least %d",
			len(lines), schema.SkipRows+schema.SkipFooter,
		)
	}
	lines = lines[schema.SkipRows : len(lines)-schema.SkipFooter]

	page := Page{Columns: append([]string(nil), schema.Columns...)}
	for i, line := range lines {
		line = strings.TrimSuffix(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, delimiter)
		// exports terminate each line with the delimiter
		if len(fields) == len(schema.Columns)+1 && fields[len(fields)-1] == "" {
			fields = fields[:len(fields)-1]
		}
		if len(fields) != len(schema.Columns) {
			return Page{}, schema.layoutError(
				"line %d has %d fields, expected %d",
				schema.SkipRows+i+1, len(fields), len(schema.Columns),
			)
		}
		record := make(map[string]string, len(fields))
		for ci, column := range schema.Columns {
			record[column] = fields[ci]
		}
		page.Rows = append(page.Rows, record)
	}
	return page, nil
}
