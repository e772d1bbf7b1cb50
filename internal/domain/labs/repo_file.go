package labs

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/labchart/pkg/pagination"
)

// FileStore keeps one JSON document per patient under a directory, for
// offline batch runs without a database. History writes go to a temp file
// that is renamed over the old one. Version checks hold only within one
// process; two processes sharing a directory are not coordinated.
type FileStore struct {
	dir string
	mu  sync.Mutex // guards version check-and-write and run log appends
}

// chartFile is the on-disk form of one patient's chart.
type chartFile struct {
	Version int     `json:"version"`
	History History `json:"history"`
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create chart dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) historyPath(patientID uuid.UUID) string {
	return filepath.Join(s.dir, patientID.String()+".json")
}

func (s *FileStore) runsPath(patientID uuid.UUID) string {
	return filepath.Join(s.dir, patientID.String()+".runs.jsonl")
}

func (s *FileStore) GetLabHistory(ctx context.Context, patientID uuid.UUID) (History, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	chart, err := s.readChart(patientID)
	if err != nil {
		return nil, 0, err
	}
	return chart.History, chart.Version, nil
}

func (s *FileStore) readChart(patientID uuid.UUID) (chartFile, error) {
	raw, err := os.ReadFile(s.historyPath(patientID))
	if errors.Is(err, fs.ErrNotExist) {
		return chartFile{History: History{}}, nil
	}
	if err != nil {
		return chartFile{}, fmt.Errorf("read lab history: %w", err)
	}

	chart := chartFile{History: History{}}
	if err := json.Unmarshal(raw, &chart); err != nil {
		return chartFile{}, fmt.Errorf("decode lab history: %w", err)
	}
	if chart.History == nil {
		chart.History = History{}
	}
	return chart, nil
}

func (s *FileStore) ReplaceLabHistory(ctx context.Context, patientID uuid.UUID, h History, version int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.readChart(patientID)
	if err != nil {
		return err
	}
	if current.Version != version {
		return fmt.Errorf("%w: patient %s at version %d, stored %d", ErrStaleHistory, patientID, version, current.Version)
	}

	raw, err := json.MarshalIndent(chartFile{Version: version + 1, History: h}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode lab history: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, patientID.String()+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(raw, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write lab history: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync lab history: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close lab history: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.historyPath(patientID)); err != nil {
		return fmt.Errorf("replace lab history: %w", err)
	}
	return nil
}

// Runs returns the store's ingest run log.
func (s *FileStore) Runs() IngestRunRepository {
	return fileRunLog{s}
}

type fileRunLog struct{ s *FileStore }

func (l fileRunLog) Create(ctx context.Context, run *IngestRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	line, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode ingest run: %w", err)
	}

	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	f, err := os.OpenFile(l.s.runsPath(run.PatientID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open run log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append run log: %w", err)
	}
	return nil
}

func (l fileRunLog) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*IngestRun, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	f, err := os.Open(l.s.runsPath(patientID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("open run log: %w", err)
	}
	defer f.Close()

	var runs []*IngestRun
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var run IngestRun
		if err := json.Unmarshal(sc.Bytes(), &run); err != nil {
			return nil, 0, fmt.Errorf("decode run log: %w", err)
		}
		runs = append(runs, &run)
	}
	if err := sc.Err(); err != nil {
		return nil, 0, fmt.Errorf("read run log: %w", err)
	}

	// Newest first, like the database listing.
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })

	start, end := pagination.Params{Limit: limit, Offset: offset}.Window(len(runs))
	return runs[start:end], len(runs), nil
}
