package labparse

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

var (
	ErrMissingReportDate = errors.New("labparse: document has no report date and no fallback date was supplied")
	ErrInvalidDate       = errors.New("labparse: invalid date")
	ErrInvalidRules      = errors.New("labparse: invalid rules")
)

// Where an observation date came from.
const (
	DateSourceReport   = "report"
	DateSourceFallback = "fallback"
)

// Summary counts what happened to each line of one document. Rejected
// values are only counted, never kept.
type Summary struct {
	Lines      int            `json:"lines"`
	Noise      int            `json:"noise"`
	Unmatched  int            `json:"unmatched"`
	Matched    int            `json:"matched"`
	Accepted   int            `json:"accepted"`
	Rejected   int            `json:"rejected"`
	ByTemplate map[string]int `json:"by_template,omitempty"`
}

// Add folds o into s.
func (s *Summary) Add(o Summary) {
	s.Lines += o.Lines
	s.Noise += o.Noise
	s.Unmatched += o.Unmatched
	s.Matched += o.Matched
	s.Accepted += o.Accepted
	s.Rejected += o.Rejected
	for name, n := range o.ByTemplate {
		if s.ByTemplate == nil {
			s.ByTemplate = make(map[string]int)
		}
		s.ByTemplate[name] += n
	}
}

// Result is the output of one parse pass over one document.
type Result struct {
	Date         string        `json:"date"`
	DateSource   string        `json:"date_source"`
	Observations []Observation `json:"observations"`
	Summary      Summary       `json:"summary"`
}

// Engine runs the tokenize, match, normalize and validate steps. It holds
// only compiled rules and is safe for concurrent use.
type Engine struct {
	matcher *Matcher
	aliases *AliasTable
	logger  zerolog.Logger
}

// NewEngine compiles rules into an Engine.
func NewEngine(rules Rules, logger zerolog.Logger) (*Engine, error) {
	if len(rules.Templates) == 0 {
		return nil, fmt.Errorf("%w: at least one template is required", ErrInvalidRules)
	}
	matcher, err := NewMatcher(rules.Templates, rules.NoiseWords)
	if err != nil {
		return nil, err
	}
	aliases, err := NewAliasTable(rules.Aliases)
	if err != nil {
		return nil, err
	}
	return &Engine{
		matcher: matcher,
		aliases: aliases,
		logger:  logger.With().Str("component", "labparse").Logger(),
	}, nil
}

// Templates returns the template names in match order.
func (e *Engine) Templates() []string { return e.matcher.Templates() }

// CanonicalName applies the alias table to a test name.
func (e *Engine) CanonicalName(raw string) string { return e.aliases.Canonical(raw) }

// Parse extracts observations from a document's text. The report date
// printed in the text takes precedence; fallbackDate (YYYY-MM-DD, usually
// the upload date) is used only when the text has none. With neither, no
// observation is produced and ErrMissingReportDate is returned.
func (e *Engine) Parse(text, fallbackDate string) (*Result, error) {
	doc := Tokenize(text)

	res := &Result{Date: doc.ReportDate, DateSource: DateSourceReport}
	if !doc.HasReportDate {
		if strings.TrimSpace(fallbackDate) == "" {
			return nil, ErrMissingReportDate
		}
		date, err := NormalizeDate(fallbackDate)
		if err != nil {
			return nil, err
		}
		res.Date = date
		res.DateSource = DateSourceFallback
	}

	res.Summary.Lines = len(doc.Lines)
	for _, line := range doc.Lines {
		if e.matcher.IsNoise(line) {
			res.Summary.Noise++
			continue
		}
		c, ok := e.matcher.Match(line)
		if !ok {
			res.Summary.Unmatched++
			continue
		}
		e.observe(res, c)
	}

	e.logger.Debug().
		Str("date", res.Date).
		Str("date_source", res.DateSource).
		Int("lines", res.Summary.Lines).
		Int("accepted", res.Summary.Accepted).
		Int("rejected", res.Summary.Rejected).
		Msg("parsed lab document")

	return res, nil
}

// Accept runs candidates recognized elsewhere (for example OBX segments of
// an HL7v2 result message) through the same normalize and validate steps
// as text matches. dateSource records where date came from; empty means
// DateSourceReport.
func (e *Engine) Accept(candidates []Candidate, date, dateSource string) (*Result, error) {
	if strings.TrimSpace(date) == "" {
		return nil, ErrMissingReportDate
	}
	date, err := NormalizeDate(date)
	if err != nil {
		return nil, err
	}

	if dateSource == "" {
		dateSource = DateSourceReport
	}
	res := &Result{Date: date, DateSource: dateSource}
	res.Summary.Lines = len(candidates)
	for _, c := range candidates {
		e.observe(res, c)
	}
	return res, nil
}

func (e *Engine) observe(res *Result, c Candidate) {
	res.Summary.Matched++
	if c.Template != "" {
		if res.Summary.ByTemplate == nil {
			res.Summary.ByTemplate = make(map[string]int)
		}
		res.Summary.ByTemplate[c.Template]++
	}

	if !ValidValue(c.Value) {
		res.Summary.Rejected++
		return
	}

	res.Summary.Accepted++
	res.Observations = append(res.Observations, Observation{
		RawName:        strings.TrimSpace(c.RawName),
		CanonicalName:  e.aliases.Canonical(c.RawName),
		Value:          strings.TrimSpace(c.Value),
		Unit:           c.Unit,
		ReferenceRange: c.ReferenceRange,
		Status:         c.Status,
		Date:           res.Date,
	})
}
