package vass

import (
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"vicedtools/internal/portal"
	"vicedtools/internal/portal/extract"
	"vicedtools/internal/portal/transport"

	"github.com/PuerkitoBio/goquery"
)

var (
	saCyclePattern                = regexp.MustCompile(`\bsaCycle\s*=\s*\[(.*?)\];`)
	saStudyCodePattern            = regexp.MustCompile(`\bsaStudyCode\s*=\s*\[(.*?)\];`)
	saSequenceCodePattern         = regexp.MustCompile(`\bsaSequenceCode\s*=\s*\[(.*?)\];`)
	saCombinedSequenceCodePattern = regexp.MustCompile(`\bsaCombinedSequenceCode\s*=\s*\[(.*?)\];`)
	saGANumPattern                = regexp.MustCompile(`\bsaGANum\s*=\s*\[(.*?)\];`)
	saCycleDescriptionPattern     = regexp.MustCompile(`\bsaCycleDescription\s*=\s*\[(.*?)\];`)
	saSequenceDescriptionPattern  = regexp.MustCompile(`\bsaSequenceDescription\s*=\s*\[(.*?)\];`)
	saGANamePattern               = regexp.MustCompile(`\bsaGAName\s*=\s*\[(.*?)\];`)
	saMaxScorePattern             = regexp.MustCompile(`\bsaMaxScore\s*=\s*\[(.*?)\];`)
	saModerationGroupPattern      = regexp.MustCompile(`\bsaModerationGroup\s*=\s*\[(.*?)\];`)
	saVCEorVETPattern             = regexp.MustCompile(`\bsaVCEorVET\s*=\s*\[(.*?)\];`)
	plotPattern                   = regexp.MustCompile(`plot-([0-9]+)`)
)

// plot area of the statistical moderation chart, in image pixels
const (
	chartLeft   = 45
	chartRight  = 666
	chartTop    = 30
	chartBottom = 364
)

var moderatedScoreColumns = []string{
	"Subject",
	"GA Number",
	"GA Name",
	"Max score",
	"School score",
	"Moderated score",
}

// ModeratedAssessment is one study and graded assessment listed on the
// statistical moderation index.
type ModeratedAssessment struct {
	Cycle                string
	CycleDescription     string
	StudyCode            string
	SequenceCode         string
	CombinedSequenceCode string
	GANumber             string
	SequenceDescription  string
	GAName               string
	MaxScore             string
	ModerationGroup      string
	VCEorVET             string
}

// ParseModeratedScoresIndex reads the parallel javascript arrays of the
// statistical moderation frameset.
func ParseModeratedScoresIndex(body []byte) ([]ModeratedAssessment, error) {
	type column struct {
		array, element *regexp.Regexp
		out            *[]string
	}
	var arrays [11][]string
	columns := []column{
		{saCyclePattern, singleQuoted, &arrays[0]},
		{saCycleDescriptionPattern, doubleQuoted, &arrays[1]},
		{saStudyCodePattern, singleQuoted, &arrays[2]},
		{saSequenceCodePattern, singleQuoted, &arrays[3]},
		{saCombinedSequenceCodePattern, singleQuoted, &arrays[4]},
		{saGANumPattern, singleQuoted, &arrays[5]},
		{saSequenceDescriptionPattern, doubleQuoted, &arrays[6]},
		{saGANamePattern, doubleQuoted, &arrays[7]},
		{saMaxScorePattern, singleQuoted, &arrays[8]},
		{saModerationGroupPattern, singleQuoted, &arrays[9]},
		{saVCEorVETPattern, singleQuoted, &arrays[10]},
	}
	count := -1
	for _, c := range columns {
		values, err := jsArray(body, c.array, c.element)
		if err != nil {
			return nil, &extract.UnrecognizedLayoutError{
				Schema: ReportModeratedScores,
				Reason: err.Error(),
			}
		}
		*c.out = values
		if count < 0 || len(values) < count {
			count = len(values)
		}
	}

	out := make([]ModeratedAssessment, count)
	for i := range out {
		out[i] = ModeratedAssessment{
			Cycle:                arrays[0][i],
			CycleDescription:     arrays[1][i],
			StudyCode:            arrays[2][i],
			SequenceCode:         arrays[3][i],
			CombinedSequenceCode: arrays[4][i],
			GANumber:             arrays[5][i],
			SequenceDescription:  arrays[6][i],
			GAName:               arrays[7][i],
			MaxScore:             arrays[8][i],
			ModerationGroup:      arrays[9][i],
			VCEorVET:             arrays[10][i],
		}
	}
	return out, nil
}

func moderatedScoresFanout(index portal.Page, _ portal.Args) ([]portal.RequestBuilder, error) {
	assessments, err := ParseModeratedScoresIndex(index.Body)
	if err != nil {
		return nil, err
	}
	out := make([]portal.RequestBuilder, len(assessments))
	for i, ga := range assessments {
		query := url.Values{
			"Cycle":                {ga.Cycle},
			"CycleDesc":            {ga.CycleDescription},
			"StudyCode":            {ga.StudyCode},
			"SequenceCode":         {ga.SequenceCode},
			"CombinedSequenceCode": {ga.CombinedSequenceCode},
			"GANum":                {ga.GANumber},
			"SequenceDescription":  {ga.SequenceDescription},
			"GAName":               {ga.GAName},
			"MaxScore":             {ga.MaxScore},
			"ModerationGroup":      {ga.ModerationGroup},
			"VCEorVET":             {ga.VCEorVET},
			"myIndex":              {strconv.Itoa(i + 1)},
			"myTotal":              {strconv.Itoa(len(assessments))},
		}
		out[i] = func(page portal.Page, args portal.Args) (transport.Request, error) {
			return getPath(pathModeratedDisplay, query)(page, args)
		}
	}
	return out, nil
}

func plotNumber(area *goquery.Selection) string {
	for _, node := range area.Nodes {
		for _, attr := range node.Attr {
			match := plotPattern.FindStringSubmatch(attr.Val)
			if match != nil {
				return match[1]
			}
		}
	}
	return ""
}

func circleCentre(coords string) (x, y int, err error) {
	parts := strings.Split(coords, ",")
	if len(parts) != 3 {
		return 0, 0, fmt.Errorf("circle coords %q", coords)
	}
	x, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, err
	}
	y, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, err
	}
	return x, y, nil
}

// ModeratedScore converts a point on the moderation chart to the school
// score on the x axis and the moderated score on the y axis.
func ModeratedScore(x, y, maxScore int) (school int, moderated float64) {
	scale := float64(maxScore)
	school = int(math.Ceil(float64(x-chartLeft) / float64(chartRight-chartLeft) * scale))
	moderated = float64(chartBottom-y) / float64(chartBottom-chartTop) * scale
	moderated = math.Round(moderated*10) / 10
	return school, moderated
}

// parseModeratedScores reads the chart of one graded assessment. Every
// student is a circle of the first plot, the assessment itself is read back
// from the page's query.
func parseModeratedScores(page portal.Page) (extract.Page, error) {
	layoutErr := func(reason string) error {
		return &extract.UnrecognizedLayoutError{Schema: ReportModeratedScores, Reason: reason}
	}

	query := page.URL.Query()
	maxScore, err := strconv.Atoi(query.Get("MaxScore"))
	if err != nil {
		return extract.Page{}, layoutErr(fmt.Sprintf("max score %q", query.Get("MaxScore")))
	}
	chart := page.Doc.Find(`map[name$="-map"]`).First()
	if chart.Length() == 0 {
		return extract.Page{}, layoutErr("no chart image map")
	}

	out := extract.Page{Columns: moderatedScoreColumns}
	var failure error
	chart.Find("area").EachWithBreak(func(_ int, area *goquery.Selection) bool {
		shape, _ := area.Attr("shape")
		if !strings.EqualFold(shape, "circle") || plotNumber(area) != "1" {
			return true
		}
		coords, _ := area.Attr("coords")
		x, y, err := circleCentre(coords)
		if err != nil {
			failure = layoutErr(err.Error())
			return false
		}
		school, moderated := ModeratedScore(x, y, maxScore)
		out.Rows = append(out.Rows, map[string]string{
			"Subject":         query.Get("SequenceDescription"),
			"GA Number":       query.Get("GANum"),
			"GA Name":         query.Get("GAName"),
			"Max score":       query.Get("MaxScore"),
			"School score":    strconv.Itoa(school),
			"Moderated score": strconv.FormatFloat(moderated, 'f', 1, 64),
		})
		return true
	})
	if failure != nil {
		return extract.Page{}, failure
	}
	return out, nil
}
