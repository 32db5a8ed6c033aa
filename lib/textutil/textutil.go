package textutil

import (
	"regexp"
	"strings"
)

var whitespaceRegex = regexp.MustCompile(`\s+`)

// NormalizeName lowercases and removes all whitespace so labels that only
// differ in spacing or case compare equal.
func NormalizeName(name string) string {
	name = strings.ReplaceAll(name, " ", " ")
	name = strings.ToLower(name)
	name = strings.Trim(name, " \n\t")
	name = whitespaceRegex.ReplaceAllString(name, "")
	return name
}
