package labs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrStaleHistory is returned by ReplaceLabHistory when the stored history
// changed after it was read.
var ErrStaleHistory = errors.New("lab history changed since it was read")

// ChartRepository stores each patient's lab history as one versioned
// document. Reads of an unknown patient return an empty history at version
// 0, not an error. Writes replace the stored history wholesale, and only if
// the stored version still equals the version that was read; the version
// then goes up by one.
type ChartRepository interface {
	GetLabHistory(ctx context.Context, patientID uuid.UUID) (History, int, error)
	ReplaceLabHistory(ctx context.Context, patientID uuid.UUID, h History, version int) error
}

// IngestRun records one ingest run that changed a chart.
type IngestRun struct {
	ID          uuid.UUID `json:"id"`
	PatientID   uuid.UUID `json:"patient_id"`
	Documents   int       `json:"documents"`
	Added       int       `json:"added"`
	Skipped     int       `json:"skipped"`
	Overwritten int       `json:"overwritten"`
	Rejected    int       `json:"rejected"`
	Mode        MergeMode `json:"mode"`
	CreatedAt   time.Time `json:"created_at"`
}

type IngestRunRepository interface {
	Create(ctx context.Context, run *IngestRun) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*IngestRun, int, error)
}
