// Package review scores a rendered video with a multimodal model and
// parses the model's free-text critique into a Verdict.
package review

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultScore is used when the review text contains no recognisable score.
const DefaultScore = 50

// Issues groups critique lines by severity.
type Issues struct {
	Critical []string `json:"critical"`
	Major    []string `json:"major"`
	Minor    []string `json:"minor"`
}

// Count returns the total number of issues.
func (i Issues) Count() int {
	return len(i.Critical) + len(i.Major) + len(i.Minor)
}

// Verdict is the parsed outcome of a review.
type Verdict struct {
	Score            int           `json:"score"`
	Issues           Issues        `json:"issues"`
	RawText          string        `json:"text"`
	NeedsImprovement bool          `json:"needs_improvement"`
	Elapsed          time.Duration `json:"-"`
}

var (
	strictScore = regexp.MustCompile(`(?i)SCORE:\s*\**\s*(\d+)\s*\**\s*/\s*100`)
	looseScore  = regexp.MustCompile(`(?i)(\d{1,3})\s*(?:/|out of)\s*100`)
)

// ParseVerdict turns review text into a Verdict. A video needs improvement
// when its score is below threshold.
func ParseVerdict(text string, threshold int) *Verdict {
	score := ExtractScore(text)
	return &Verdict{
		Score: score,
		Issues: Issues{
			Critical: ExtractIssues(text, "CRITICAL ISSUES"),
			Major:    ExtractIssues(text, "MAJOR ISSUES"),
			Minor:    ExtractIssues(text, "MINOR ISSUES"),
		},
		RawText:          text,
		NeedsImprovement: score < threshold,
	}
}

// ExtractScore finds "SCORE: NN/100", then any "NN/100" or "NN out of 100",
// and clamps the result to 0..100. With neither it returns DefaultScore.
func ExtractScore(text string) int {
	for _, re := range []*regexp.Regexp{strictScore, looseScore} {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			// Only overflow can fail here; that is well above 100.
			return 100
		}
		return clamp(n)
	}
	return DefaultScore
}

func clamp(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}

var sectionHeaders = []string{
	"CRITICAL ISSUES",
	"MAJOR ISSUES",
	"MINOR ISSUES",
	"ANALYSIS STEPS",
	"SUMMARY",
	"STRENGTHS",
}

const bulletChars = "-*•⋅◦⦿⁃▪▫➤➢➣➪➫➬➭➮➯"

// ExtractIssues returns the bulleted lines in the section named header,
// which runs until the next known section header. Markdown emphasis and
// heading markers around headers are ignored. The result is never nil.
func ExtractIssues(text, header string) []string {
	issues := []string{}
	in := false
	for _, line := range strings.Split(text, "\n") {
		if h, ok := matchHeader(line); ok {
			in = h == header
			continue
		}
		if !in {
			continue
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		r := []rune(trimmed)
		if !strings.ContainsRune(bulletChars, r[0]) {
			continue
		}
		item := strings.TrimSpace(string(r[1:]))
		item = strings.Trim(item, "*")
		item = strings.TrimSpace(item)
		if item == "" || isNone(item) {
			continue
		}
		issues = append(issues, item)
	}
	return issues
}

// matchHeader reports which section header line opens, if any.
func matchHeader(line string) (string, bool) {
	norm := strings.ToUpper(strings.Trim(strings.TrimSpace(line), "#*_ "))
	for _, h := range sectionHeaders {
		if norm == h || strings.HasPrefix(norm, h+":") || strings.HasPrefix(norm, h+"*") {
			return h, true
		}
	}
	return "", false
}

func isNone(item string) bool {
	switch strings.ToLower(strings.TrimRight(item, ".")) {
	case "none", "n/a", "none identified", "no issues", "no issues found":
		return true
	}
	return false
}
