package labparse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Document is a tokenized report: its non-blank lines in order, plus the
// report-level date when one was printed.
type Document struct {
	Lines         []string
	ReportDate    string
	HasReportDate bool
}

// reportDatePattern matches M/D/YYYY shaped tokens (one or two digit month
// and day, four digit year).
var reportDatePattern = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(\d{4})\b`)

// Tokenize splits text into trimmed, whitespace-collapsed lines and locates
// the first M/D/YYYY date in the text.
func Tokenize(text string) Document {
	text = norm.NFKC.String(text)

	// Normalize line endings: \r\n and bare \r both become \n.
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var doc Document
	for _, line := range strings.Split(text, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			continue
		}
		doc.Lines = append(doc.Lines, line)
	}

	doc.ReportDate, doc.HasReportDate = ExtractReportDate(text)
	return doc
}

// ExtractReportDate returns the first M/D/YYYY token in text that names a
// real calendar day, converted to YYYY-MM-DD. Tokens such as 13/45/2025 are
// skipped and scanning continues.
func ExtractReportDate(text string) (string, bool) {
	for _, m := range reportDatePattern.FindAllStringSubmatch(text, -1) {
		month, _ := strconv.Atoi(m[1])
		day, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])

		d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
		// time.Date normalizes overflow (2/30 -> 3/1); reject those.
		if d.Year() != year || int(d.Month()) != month || d.Day() != day {
			continue
		}
		return d.Format(DateLayout), true
	}
	return "", false
}

// NormalizeDate checks that s is a YYYY-MM-DD calendar date and returns it
// in canonical form.
func NormalizeDate(s string) (string, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return t.Format(DateLayout), nil
}
