package vass

import (
	"fmt"
	"net/url"
	"regexp"
	"vicedtools/internal/portal"
	"vicedtools/internal/portal/extract"
	"vicedtools/internal/portal/transport"
)

// SchoolScoreCycles are the results cycles that carry school assessed
// coursework.
var SchoolScoreCycles = []string{"5", "6", "8"}

var (
	unitNamesPattern  = regexp.MustCompile(`UnitNames\s*=\s*\[(.*?)\];`)
	unitCodesPattern  = regexp.MustCompile(`naUnits\s*=\s*\[(.*?)\];`)
	gaNumbersPattern  = regexp.MustCompile(`naGAs\s*=\s*\[(.*?)\];`)
	gaNamesPattern    = regexp.MustCompile(`GANames\s*=\s*\[(.*?)\];`)
	maxScoresPattern  = regexp.MustCompile(`naGAMaxScores\s*=\s*\[(.*?)\];`)
	doubleQuoted      = regexp.MustCompile(`"(.*?)"`)
	singleQuoted      = regexp.MustCompile(`'(.*?)'`)
	unitHeaderPattern = regexp.MustCompile(`^([A-Z]{2}[0-9]{2})[34] - ([A-Z :()]+) [34]`)
)

// GradedAssessment is one unit/GA pair listed on the school scores index.
type GradedAssessment struct {
	UnitCode string
	UnitName string
	Number   string
	Name     string
	MaxScore string
}

func jsArray(body []byte, array, element *regexp.Regexp) ([]string, error) {
	match := array.FindSubmatch(body)
	if match == nil {
		return nil, fmt.Errorf("array %s not found", array.String())
	}
	var out []string
	for _, m := range element.FindAllSubmatch(match[1], -1) {
		out = append(out, string(m[1]))
	}
	return out, nil
}

// ParseSchoolScoresIndex reads the parallel javascript arrays that list the
// graded assessments of a cycle.
func ParseSchoolScoresIndex(body []byte) ([]GradedAssessment, error) {
	type column struct {
		array, element *regexp.Regexp
		out            *[]string
	}
	var unitNames, unitCodes, gaNumbers, gaNames, maxScores []string
	columns := []column{
		{unitNamesPattern, doubleQuoted, &unitNames},
		{unitCodesPattern, singleQuoted, &unitCodes},
		{gaNumbersPattern, singleQuoted, &gaNumbers},
		{gaNamesPattern, doubleQuoted, &gaNames},
		{maxScoresPattern, singleQuoted, &maxScores},
	}
	for _, c := range columns {
		values, err := jsArray(body, c.array, c.element)
		if err != nil {
			return nil, &extract.UnrecognizedLayoutError{
				Schema: ReportSchoolScores,
				Reason: err.Error(),
			}
		}
		*c.out = values
	}

	// the arrays are zipped, extra trailing entries are ignored
	count := min(len(unitNames), len(unitCodes), len(gaNumbers), len(gaNames), len(maxScores))
	out := make([]GradedAssessment, count)
	for i := range out {
		out[i] = GradedAssessment{
			UnitCode: unitCodes[i],
			UnitName: unitNames[i],
			Number:   gaNumbers[i],
			Name:     gaNames[i],
			MaxScore: maxScores[i],
		}
	}
	return out, nil
}

func schoolScoresFanout(index portal.Page, _ portal.Args) ([]portal.RequestBuilder, error) {
	assessments, err := ParseSchoolScoresIndex(index.Body)
	if err != nil {
		return nil, err
	}
	out := make([]portal.RequestBuilder, len(assessments))
	for i, ga := range assessments {
		query := url.Values{
			"UnitCode":          {ga.UnitCode},
			"UnitName":          {ga.UnitName},
			"GA":                {ga.Number},
			"GAName":            {ga.Name},
			"GAMaxScore":        {ga.MaxScore},
			"AssessedElsewhere": {"false"},
			"AdjustPaper":       {"true"},
			"myIndex":           {"1"},
			"myTotal":           {"1"},
			"ReportName":        {"Ranked School Scores Report"},
		}
		out[i] = func(page portal.Page, args portal.Args) (transport.Request, error) {
			return getPath(pathSchoolResults, query)(page, args)
		}
	}
	return out, nil
}

// unitDetails splits a unit heading such as "BI034 - BIOLOGY 3" into its
// study code and name.
func unitDetails(unit string) (code, name string) {
	if len(unit) >= 4 {
		code = unit[:4]
	}
	match := unitHeaderPattern.FindStringSubmatch(unit)
	if match != nil {
		name = match[2]
	}
	return code, name
}
