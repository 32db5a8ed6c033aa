package dataservice

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"path"
	"regexp"
	"slices"
	"strings"
	"vicedtools/internal/portal"
	"vicedtools/internal/portal/extract"
)

// ColumnTestYearLevel is added to every record, it is the year level named
// by the file the record was read from.
const ColumnTestYearLevel = "Test Year Level"

var (
	zipMagic        = []byte("PK\x03\x04")
	utf8Bom         = []byte{0xEF, 0xBB, 0xBF}
	fileYearPattern = regexp.MustCompile(`_Yr([0-9]+)\.csv$`)
)

func isZip(page portal.Page) bool {
	return bytes.HasPrefix(page.Body, zipMagic)
}

func readCSV(file *zip.File) ([][]string, error) {
	r, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()

	contents, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	reader := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(contents, utf8Bom)))
	reader.TrimLeadingSpace = true
	return reader.ReadAll()
}

// studentFiles reads every csv in the extract archive whose name starts
// with `prefix`, the files are read in name order and their columns are
// unioned in the order they are first seen.
func studentFiles(report, prefix string) func(portal.Page) (extract.Page, error) {
	return func(page portal.Page) (extract.Page, error) {
		layoutErr := func(format string, args ...any) error {
			return &extract.UnrecognizedLayoutError{Schema: report, Reason: fmt.Sprintf(format, args...)}
		}

		archive, err := zip.NewReader(bytes.NewReader(page.Body), int64(len(page.Body)))
		if err != nil {
			return extract.Page{}, layoutErr("extract is not a zip archive: %v", err)
		}
		var files []*zip.File
		for _, f := range archive.File {
			name := path.Base(f.Name)
			if strings.HasPrefix(name, prefix) && strings.HasSuffix(strings.ToLower(name), ".csv") {
				files = append(files, f)
			}
		}
		if len(files) == 0 {
			return extract.Page{}, layoutErr("archive has no %s files", prefix)
		}
		slices.SortFunc(files, func(a, b *zip.File) int {
			return strings.Compare(a.Name, b.Name)
		})

		out := extract.Page{Columns: []string{ColumnTestYearLevel}}
		for _, f := range files {
			rows, err := readCSV(f)
			if err != nil {
				return extract.Page{}, layoutErr("%s: %v", f.Name, err)
			}
			if len(rows) == 0 {
				continue
			}
			header := rows[0]
			for _, column := range header {
				if !slices.Contains(out.Columns, column) {
					out.Columns = append(out.Columns, column)
				}
			}

			yearLevel := ""
			if match := fileYearPattern.FindStringSubmatch(f.Name); match != nil {
				yearLevel = match[1]
			}
			for _, row := range rows[1:] {
				record := make(map[string]string, len(header)+1)
				record[ColumnTestYearLevel] = yearLevel
				for i, column := range header {
					record[column] = row[i]
				}
				out.Rows = append(out.Rows, record)
			}
		}
		return out, nil
	}
}
