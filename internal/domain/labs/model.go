package labs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/labchart/internal/labparse"
)

var (
	ErrInvariantViolation = errors.New("lab history invariant violated")
	ErrTestNotFound       = errors.New("lab test not found in history")
	ErrInvalidMergeMode   = errors.New("invalid merge mode")
)

// MergeMode decides what happens when an incoming observation lands on a
// date that already has an entry for the same test.
type MergeMode string

const (
	MergeSkip      MergeMode = "skip"
	MergeOverwrite MergeMode = "overwrite"
)

// ParseMergeMode accepts "skip", "overwrite" or empty (skip).
func ParseMergeMode(s string) (MergeMode, error) {
	switch MergeMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", MergeSkip:
		return MergeSkip, nil
	case MergeOverwrite:
		return MergeOverwrite, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMergeMode, s)
}

// Entry is one dated result in a test's series.
type Entry struct {
	Date           string          `json:"date"`
	Value          string          `json:"value"`
	Unit           string          `json:"unit,omitempty"`
	Status         labparse.Status `json:"status,omitempty"`
	ReferenceRange string          `json:"reference_range,omitempty"`
}

func entryFromObservation(o labparse.Observation) Entry {
	return Entry{
		Date:           o.Date,
		Value:          o.Value,
		Unit:           o.Unit,
		Status:         o.Status,
		ReferenceRange: o.ReferenceRange,
	}
}

// History is a chart's lab history: canonical test name to a date-ordered
// series with at most one entry per date.
type History map[string][]Entry

// MergeSummary reports what a merge did.
type MergeSummary struct {
	Added       int      `json:"added"`
	Skipped     int      `json:"skipped"`
	Overwritten int      `json:"overwritten"`
	Tests       []string `json:"tests,omitempty"`
}

// Changed reports whether the merge modified the history.
func (s MergeSummary) Changed() bool {
	return s.Added > 0 || s.Overwritten > 0
}

// Add folds o into s.
func (s *MergeSummary) Add(o MergeSummary) {
	s.Added += o.Added
	s.Skipped += o.Skipped
	s.Overwritten += o.Overwritten
	s.Tests = mergeNames(s.Tests, o.Tests)
}

// Merge folds observations into h in place, allocating h if it is nil.
// Every touched series is sorted ascending by date afterwards. Merging the
// same observations again is a no-op in either mode.
func (h *History) Merge(obs []labparse.Observation, mode MergeMode) MergeSummary {
	if *h == nil {
		*h = History{}
	}
	hist := *h

	var sum MergeSummary
	touched := make(map[string]bool)

	for _, o := range obs {
		name := o.CanonicalName
		series := hist[name]
		incoming := entryFromObservation(o)

		i := indexOfDate(series, incoming.Date)
		switch {
		case i < 0:
			hist[name] = append(series, incoming)
			sum.Added++
			touched[name] = true
		case mode == MergeOverwrite && series[i] != incoming:
			series[i] = incoming
			sum.Overwritten++
			touched[name] = true
		default:
			sum.Skipped++
		}
	}

	for name := range touched {
		sortSeries(hist[name])
		sum.Tests = append(sum.Tests, name)
	}
	sort.Strings(sum.Tests)
	return sum
}

// Validate checks every series: values are finite numbers, dates are
// calendar dates, no date repeats and dates ascend.
func (h History) Validate() error {
	for name, series := range h {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w: empty test name", ErrInvariantViolation)
		}
		prev := ""
		for _, e := range series {
			if _, err := time.Parse(labparse.DateLayout, e.Date); err != nil {
				return fmt.Errorf("%w: %s has invalid date %q", ErrInvariantViolation, name, e.Date)
			}
			if !labparse.ValidValue(e.Value) {
				return fmt.Errorf("%w: %s on %s has non-numeric value %q", ErrInvariantViolation, name, e.Date, e.Value)
			}
			if prev != "" {
				if e.Date == prev {
					return fmt.Errorf("%w: %s has two entries on %s", ErrInvariantViolation, name, e.Date)
				}
				if e.Date < prev {
					return fmt.Errorf("%w: %s is not sorted by date at %s", ErrInvariantViolation, name, e.Date)
				}
			}
			prev = e.Date
		}
	}
	return nil
}

// Clone returns a deep copy.
func (h History) Clone() History {
	out := make(History, len(h))
	for name, series := range h {
		out[name] = append([]Entry(nil), series...)
	}
	return out
}

// Tests returns the test names in h, sorted.
func (h History) Tests() []string {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the total number of entries across all series.
func (h History) Len() int {
	n := 0
	for _, series := range h {
		n += len(series)
	}
	return n
}

// Series is one test's history as returned by the API.
type Series struct {
	PatientID uuid.UUID `json:"patient_id"`
	Test      string    `json:"test"`
	Entries   []Entry   `json:"entries"`
}

func indexOfDate(series []Entry, date string) int {
	for i, e := range series {
		if e.Date == date {
			return i
		}
	}
	return -1
}

// ISO dates sort correctly as strings.
func sortSeries(series []Entry) {
	sort.SliceStable(series, func(i, j int) bool {
		return series[i].Date < series[j].Date
	})
}

func mergeNames(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, n := range append(append([]string(nil), a...), b...) {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}
