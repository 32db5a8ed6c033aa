package extract

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"regexp"
	"slices"
	"sort"
)

const (
	defaultIslandId   = "reportData"
	defaultRowElement = "student"
)

func islandPattern(id string) *regexp.Regexp {
	return regexp.MustCompile(
		`(?is)<xml[^>]*\bid\s*=\s*["']?` + regexp.QuoteMeta(id) + `["']?[^>]*>(.*?)</xml>`,
	)
}

type islandRow struct {
	attrs []xml.Attr
}

type island struct {
	root   []xml.Attr
	rows   []islandRow
	params [][2]string
}

func parseIsland(contents []byte, rowElement string) (island, error) {
	decoder := xml.NewDecoder(bytes.NewReader(contents))
	decoder.Strict = false
	decoder.AutoClose = xml.HTMLAutoClose
	decoder.Entity = xml.HTMLEntity

	var out island
	depth := 0
	for {
		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return island{}, err
		}

		switch t := token.(type) {
		case xml.StartElement:
			depth++
			switch {
			case depth == 1:
				out.root = t.Attr
			case t.Name.Local == rowElement:
				out.rows = append(out.rows, islandRow{attrs: t.Attr})
			case t.Name.Local == "param":
				var name, value string
				for _, a := range t.Attr {
					switch a.Name.Local {
					case "name":
						name = a.Value
					case "value":
						value = a.Value
					}
				}
				if name != "" {
					out.params = append(out.params, [2]string{name, value})
				}
			}
		case xml.EndElement:
			depth--
		}
	}
	return out, nil
}

func extractIsland(body []byte, schema Schema) (Page, error) {
	id := schema.IslandId
	if id == "" {
		id = defaultIslandId
	}
	rowElement := schema.RowElement
	if rowElement == "" {
		rowElement = defaultRowElement
	}

	match := islandPattern(id).FindSubmatch(body)
	if match == nil {
		return Page{}, schema.layoutError("no xml island with id %q", id)
	}
	parsed, err := parseIsland(match[1], rowElement)
	if err != nil {
		return Page{}, schema.layoutError("xml island: %v", err)
	}

	page := Page{Columns: append([]string(nil), schema.Columns...)}
	seen := map[string]bool{}
	for _, c := range page.Columns {
		seen[c] = true
	}
	addColumn := func(name string) {
		if !seen[name] {
			seen[name] = true
			page.Columns = append(page.Columns, name)
		}
	}

	constants := map[string]string{}
	rootNames := make([]string, 0, len(schema.RootAttrs))
	for name := range schema.RootAttrs {
		rootNames = append(rootNames, name)
	}
	sort.Strings(rootNames)
	for _, name := range rootNames {
		column := schema.RootAttrs[name]
		idx := slices.IndexFunc(parsed.root, func(a xml.Attr) bool { return a.Name.Local == name })
		if idx < 0 {
			return Page{}, schema.layoutError("xml island root has no %q attribute", name)
		}
		constants[column] = parsed.root[idx].Value
		addColumn(column)
	}
	if schema.IncludeParams {
		for _, param := range parsed.params {
			if slices.Contains(schema.ExcludeParams, param[0]) {
				continue
			}
			constants[param[0]] = param[1]
			addColumn(param[0])
		}
	}

	for i, row := range parsed.rows {
		record := map[string]string{}
		for _, a := range row.attrs {
			column := schema.rename(a.Name.Local)
			record[column] = a.Value
			addColumn(column)
		}
		for _, column := range schema.Columns {
			if _, ok := record[column]; !ok {
				return Page{}, schema.layoutError(
					"%s %d is missing %q", rowElement, i+1, column,
				)
			}
		}
		for k, v := range constants {
			record[k] = v
		}
		page.Rows = append(page.Rows, record)
	}
	return page, nil
}
