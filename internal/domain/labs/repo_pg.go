package labs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// =========== Chart Repository ===========

type chartRepoPG struct{ pool *pgxpool.Pool }

func NewChartRepoPG(pool *pgxpool.Pool) ChartRepository {
	return &chartRepoPG{pool: pool}
}

func (r *chartRepoPG) GetLabHistory(ctx context.Context, patientID uuid.UUID) (History, int, error) {
	var (
		raw     []byte
		version int
	)
	err := r.pool.QueryRow(ctx,
		`SELECT history, version FROM patient_lab_history WHERE patient_id = $1`, patientID).Scan(&raw, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return History{}, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read lab history: %w", err)
	}

	h := History{}
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, 0, fmt.Errorf("decode lab history: %w", err)
	}
	return h, version, nil
}

// ReplaceLabHistory inserts the first version of a chart or updates the row
// only while its version still matches.
func (r *chartRepoPG) ReplaceLabHistory(ctx context.Context, patientID uuid.UUID, h History, version int) error {
	raw, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("encode lab history: %w", err)
	}

	var tag pgconn.CommandTag
	if version == 0 {
		tag, err = r.pool.Exec(ctx, `
			INSERT INTO patient_lab_history (patient_id, history, version, updated_at)
			VALUES ($1, $2, 1, NOW())
			ON CONFLICT (patient_id) DO NOTHING`,
			patientID, raw)
	} else {
		tag, err = r.pool.Exec(ctx, `
			UPDATE patient_lab_history
			SET history = $2, version = version + 1, updated_at = NOW()
			WHERE patient_id = $1 AND version = $3`,
			patientID, raw, version)
	}
	if err != nil {
		return fmt.Errorf("write lab history: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: patient %s at version %d", ErrStaleHistory, patientID, version)
	}
	return nil
}

// =========== Ingest Run Repository ===========

type ingestRunRepoPG struct{ pool *pgxpool.Pool }

func NewIngestRunRepoPG(pool *pgxpool.Pool) IngestRunRepository {
	return &ingestRunRepoPG{pool: pool}
}

const runCols = `id, patient_id, documents, added, skipped, overwritten, rejected, mode, created_at`

func (r *ingestRunRepoPG) scanRun(row pgx.Row) (*IngestRun, error) {
	var run IngestRun
	err := row.Scan(&run.ID, &run.PatientID, &run.Documents, &run.Added, &run.Skipped,
		&run.Overwritten, &run.Rejected, &run.Mode, &run.CreatedAt)
	return &run, err
}

func (r *ingestRunRepoPG) Create(ctx context.Context, run *IngestRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO lab_ingest_run (id, patient_id, documents, added, skipped, overwritten, rejected, mode)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at`,
		run.ID, run.PatientID, run.Documents, run.Added, run.Skipped,
		run.Overwritten, run.Rejected, run.Mode).Scan(&run.CreatedAt)
}

func (r *ingestRunRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*IngestRun, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM lab_ingest_run WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+runCols+` FROM lab_ingest_run WHERE patient_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*IngestRun
	for rows.Next() {
		run, err := r.scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, run)
	}
	return items, total, rows.Err()
}
