package labs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/labchart/internal/labparse"
	"github.com/ehr/labchart/internal/platform/hl7v2"
	"github.com/ehr/labchart/internal/platform/metrics"
)

// Document formats accepted by Ingest.
const (
	FormatText  = "text"
	FormatHL7v2 = "hl7v2"
)

var ErrInvalidDocument = errors.New("invalid lab document")

// Document is one uploaded lab report.
type Document struct {
	Text       string    `json:"text"`
	UploadedAt time.Time `json:"uploaded_at"`
	Source     string    `json:"source,omitempty"`
	Format     string    `json:"format,omitempty"`
}

type IngestOptions struct {
	DryRun bool
	Mode   MergeMode
}

// DocumentResult is the parse outcome of one document. An HL7v2 message may
// carry several observation dates.
type DocumentResult struct {
	Source       string           `json:"source,omitempty"`
	Format       string           `json:"format"`
	Dates        []string         `json:"dates"`
	DateSource   string           `json:"date_source,omitempty"`
	Observations int              `json:"observations"`
	Summary      labparse.Summary `json:"summary"`
}

type IngestResult struct {
	PatientID uuid.UUID        `json:"patient_id"`
	Mode      MergeMode        `json:"mode"`
	DryRun    bool             `json:"dry_run"`
	Written   bool             `json:"written"`
	Documents []DocumentResult `json:"documents"`
	Merge     MergeSummary     `json:"merge"`
	History   History          `json:"history"`
}

type Service struct {
	charts  ChartRepository
	runs    IngestRunRepository
	engine  *labparse.Engine
	logger  zerolog.Logger
	metrics *metrics.Collector
	now     func() time.Time
	locks   patientLocks
}

func NewService(charts ChartRepository, runs IngestRunRepository, engine *labparse.Engine, logger zerolog.Logger) *Service {
	return &Service{
		charts: charts,
		runs:   runs,
		engine: engine,
		logger: logger.With().Str("component", "labs").Logger(),
		now:    time.Now,
		locks:  patientLocks{m: make(map[uuid.UUID]*patientLock)},
	}
}

// SetMetrics attaches an optional metrics collector to the service.
func (s *Service) SetMetrics(m *metrics.Collector) {
	s.metrics = m
}

// CanonicalName maps a test name to the name its series is stored under.
func (s *Service) CanonicalName(raw string) string {
	return s.engine.CanonicalName(raw)
}

// Parse previews a single text document without touching any chart.
func (s *Service) Parse(text, fallbackDate string) (*labparse.Result, error) {
	res, err := s.engine.Parse(text, fallbackDate)
	if err != nil {
		s.countDocument("failed")
		return nil, err
	}
	s.countDocument("parsed")
	s.countLines(res.Summary)
	return res, nil
}

// Ingest parses docs in upload order and merges them into the patient's
// chart. The chart is read once and written at most once. Any parse error
// aborts the whole run before the chart is touched.
func (s *Service) Ingest(ctx context.Context, patientID uuid.UUID, docs []Document, opts IngestOptions) (*IngestResult, error) {
	start := s.now()
	mode, err := ParseMergeMode(string(opts.Mode))
	if err != nil {
		return nil, err
	}

	unlock := s.locks.lock(patientID)
	defer unlock()

	ordered := append([]Document(nil), docs...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].UploadedAt.Before(ordered[j].UploadedAt)
	})

	result := &IngestResult{PatientID: patientID, Mode: mode, DryRun: opts.DryRun}
	batches := make([][]labparse.Observation, len(ordered))
	var lines labparse.Summary
	for i, doc := range ordered {
		dr, obs, err := s.parseDocument(doc)
		if err != nil {
			s.countDocument("failed")
			s.countRun("failed")
			return nil, fmt.Errorf("document %d%s: %w", i+1, sourceSuffix(doc.Source), err)
		}
		s.countDocument("parsed")
		lines.Add(dr.Summary)
		result.Documents = append(result.Documents, dr)
		batches[i] = obs
	}
	s.countLines(lines)

	current, version, err := s.charts.GetLabHistory(ctx, patientID)
	if err != nil {
		s.countStoreError("read")
		s.countRun("failed")
		return nil, fmt.Errorf("read lab history: %w", err)
	}

	working := current.Clone()
	for _, obs := range batches {
		result.Merge.Add(working.Merge(obs, mode))
	}
	if err := working.Validate(); err != nil {
		s.countRun("failed")
		return nil, err
	}
	result.History = working
	s.countMerge(result.Merge)

	switch {
	case opts.DryRun:
		s.countRun("dry_run")
	case !result.Merge.Changed():
		s.countRun("unchanged")
	default:
		if err := s.charts.ReplaceLabHistory(ctx, patientID, working, version); err != nil {
			if errors.Is(err, ErrStaleHistory) {
				s.countStoreError("conflict")
			} else {
				s.countStoreError("write")
			}
			s.countRun("failed")
			return nil, fmt.Errorf("write lab history: %w", err)
		}
		result.Written = true
		s.countRun("written")
		s.recordRun(ctx, patientID, len(ordered), lines.Rejected, mode, result.Merge)
	}

	if s.metrics != nil {
		s.metrics.IngestDuration.Observe(s.now().Sub(start).Seconds())
	}
	s.logger.Info().
		Str("patient_id", patientID.String()).
		Int("documents", len(ordered)).
		Int("accepted", lines.Accepted).
		Int("rejected", lines.Rejected).
		Int("added", result.Merge.Added).
		Int("skipped", result.Merge.Skipped).
		Int("overwritten", result.Merge.Overwritten).
		Str("mode", string(mode)).
		Bool("dry_run", opts.DryRun).
		Bool("written", result.Written).
		Msg("lab ingest run")
	return result, nil
}

func (s *Service) parseDocument(doc Document) (DocumentResult, []labparse.Observation, error) {
	format := strings.ToLower(strings.TrimSpace(doc.Format))
	if format == "" {
		format = FormatText
	}
	fallback := doc.UploadedAt
	if fallback.IsZero() {
		fallback = s.now()
	}
	fallbackDate := fallback.UTC().Format(labparse.DateLayout)

	dr := DocumentResult{Source: doc.Source, Format: format}
	switch format {
	case FormatText:
		res, err := s.engine.Parse(doc.Text, fallbackDate)
		if err != nil {
			return dr, nil, err
		}
		dr.Dates = []string{res.Date}
		dr.DateSource = res.DateSource
		dr.Observations = len(res.Observations)
		dr.Summary = res.Summary
		return dr, res.Observations, nil

	case FormatHL7v2:
		msg, err := hl7v2.Parse([]byte(doc.Text))
		if err != nil {
			return dr, nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
		}
		var obs []labparse.Observation
		dr.DateSource = labparse.DateSourceReport
		for _, set := range msg.LabCandidates() {
			date, source := set.Date, labparse.DateSourceReport
			if date == "" {
				date, source = fallbackDate, labparse.DateSourceFallback
				dr.DateSource = labparse.DateSourceFallback
			}
			res, err := s.engine.Accept(set.Candidates, date, source)
			if err != nil {
				return dr, nil, err
			}
			dr.Dates = append(dr.Dates, res.Date)
			dr.Summary.Add(res.Summary)
			obs = append(obs, res.Observations...)
		}
		dr.Observations = len(obs)
		return dr, obs, nil
	}
	return dr, nil, fmt.Errorf("%w: unknown format %q", ErrInvalidDocument, doc.Format)
}

// recordRun logs a changed run. The chart is already written, so a failure
// here is logged and does not fail the ingest.
func (s *Service) recordRun(ctx context.Context, patientID uuid.UUID, docs, rejected int, mode MergeMode, sum MergeSummary) {
	if s.runs == nil {
		return
	}
	run := &IngestRun{
		PatientID:   patientID,
		Documents:   docs,
		Added:       sum.Added,
		Skipped:     sum.Skipped,
		Overwritten: sum.Overwritten,
		Rejected:    rejected,
		Mode:        mode,
	}
	if err := s.runs.Create(ctx, run); err != nil {
		s.logger.Warn().Err(err).Str("patient_id", patientID.String()).Msg("failed to record ingest run")
	}
}

// History returns the patient's full lab history. Unknown patients have an
// empty history.
func (s *Service) History(ctx context.Context, patientID uuid.UUID) (History, error) {
	h, _, err := s.charts.GetLabHistory(ctx, patientID)
	if err != nil {
		s.countStoreError("read")
		return nil, fmt.Errorf("read lab history: %w", err)
	}
	return h, nil
}

// Series returns one test's entries. The name is normalized first, so
// "sodium" finds the "Sodium" series.
func (s *Service) Series(ctx context.Context, patientID uuid.UUID, test string) (*Series, error) {
	h, err := s.History(ctx, patientID)
	if err != nil {
		return nil, err
	}
	name := s.engine.CanonicalName(test)
	entries, ok := h[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTestNotFound, name)
	}
	return &Series{PatientID: patientID, Test: name, Entries: entries}, nil
}

func (s *Service) ListRuns(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*IngestRun, int, error) {
	if s.runs == nil {
		return nil, 0, nil
	}
	return s.runs.ListByPatient(ctx, patientID, limit, offset)
}

func sourceSuffix(source string) string {
	if source == "" {
		return ""
	}
	return " (" + source + ")"
}

// -- Metrics --

func (s *Service) countDocument(outcome string) {
	if s.metrics != nil {
		s.metrics.DocumentsTotal.WithLabelValues(outcome).Inc()
	}
}

func (s *Service) countLines(sum labparse.Summary) {
	if s.metrics == nil {
		return
	}
	s.metrics.LinesTotal.WithLabelValues("noise").Add(float64(sum.Noise))
	s.metrics.LinesTotal.WithLabelValues("unmatched").Add(float64(sum.Unmatched))
	s.metrics.LinesTotal.WithLabelValues("accepted").Add(float64(sum.Accepted))
	s.metrics.LinesTotal.WithLabelValues("rejected").Add(float64(sum.Rejected))
}

func (s *Service) countMerge(sum MergeSummary) {
	if s.metrics == nil {
		return
	}
	s.metrics.MergeEntries.WithLabelValues("added").Add(float64(sum.Added))
	s.metrics.MergeEntries.WithLabelValues("skipped").Add(float64(sum.Skipped))
	s.metrics.MergeEntries.WithLabelValues("overwritten").Add(float64(sum.Overwritten))
}

func (s *Service) countRun(result string) {
	if s.metrics != nil {
		s.metrics.IngestRunsTotal.WithLabelValues(result).Inc()
	}
}

func (s *Service) countStoreError(op string) {
	if s.metrics != nil {
		s.metrics.ChartStoreErrors.WithLabelValues(op).Inc()
	}
}

// -- Per-patient locking --

// patientLocks serializes ingest runs per patient within this process.
type patientLocks struct {
	mu sync.Mutex
	m  map[uuid.UUID]*patientLock
}

type patientLock struct {
	mu   sync.Mutex
	refs int
}

func (l *patientLocks) lock(id uuid.UUID) func() {
	l.mu.Lock()
	pl, ok := l.m[id]
	if !ok {
		pl = &patientLock{}
		l.m[id] = pl
	}
	pl.refs++
	l.mu.Unlock()

	pl.mu.Lock()
	return func() {
		pl.mu.Unlock()
		l.mu.Lock()
		pl.refs--
		if pl.refs == 0 {
			delete(l.m, id)
		}
		l.mu.Unlock()
	}
}
