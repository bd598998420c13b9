package repo

import (
	"context"
	"database/sql"

	"sceneline/internal/domain"
)

const jobColumns = `id,scene_id,kind,state,attempt,next_run_at,last_error,created_at,updated_at`

func (r Repo) InsertJob(ctx context.Context, tx *sql.Tx, j domain.PipelineJob) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO pipeline_jobs(`+jobColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		j.ID, j.SceneID, j.Kind, j.State, j.Attempt, j.NextRunAt, nullableStringPtr(j.LastError), j.CreatedAt, j.UpdatedAt)
	return err
}

func scanJob(scan func(dest ...any) error) (domain.PipelineJob, error) {
	var j domain.PipelineJob
	var lastError sql.NullString
	err := scan(&j.ID, &j.SceneID, &j.Kind, &j.State, &j.Attempt, &j.NextRunAt, &lastError, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	if lastError.Valid {
		j.LastError = &lastError.String
	}
	return j, nil
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.PipelineJob, error) {
	return scanJob(r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM pipeline_jobs WHERE id=?`, id).Scan)
}

func (r Repo) ListJobs(ctx context.Context, sceneID string) ([]domain.PipelineJob, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+jobColumns+` FROM pipeline_jobs WHERE scene_id=? ORDER BY created_at DESC, id DESC`, sceneID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PipelineJob
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// ClaimDueJob atomically moves one due scheduled job to processing and
// returns it. Workers polling concurrently each claim distinct jobs because
// the UPDATE filters on state.
func (r Repo) ClaimDueJob(ctx context.Context, now, updatedAt string) (domain.PipelineJob, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PipelineJob{}, err
	}
	defer tx.Rollback()
	j, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM pipeline_jobs
WHERE state='scheduled' AND next_run_at<=? ORDER BY next_run_at ASC, id ASC LIMIT 1`, now).Scan)
	if err != nil {
		return j, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE pipeline_jobs SET state='processing', attempt=attempt+1, updated_at=? WHERE id=? AND state='scheduled'`,
		updatedAt, j.ID)
	if err != nil {
		return j, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return j, ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return j, err
	}
	j.State = "processing"
	j.Attempt++
	j.UpdatedAt = updatedAt
	return j, nil
}

func (r Repo) MarkJobSucceeded(ctx context.Context, id, updatedAt string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE pipeline_jobs SET state='succeeded', last_error=NULL, updated_at=? WHERE id=?`, updatedAt, id)
	return err
}

func (r Repo) MarkJobFailed(ctx context.Context, id, lastError, updatedAt string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE pipeline_jobs SET state='failed', last_error=?, updated_at=? WHERE id=?`, lastError, updatedAt, id)
	return err
}

// RescheduleJob puts a failed attempt back on the queue with its backoff
// deadline and the failure reason preserved verbatim.
func (r Repo) RescheduleJob(ctx context.Context, id, nextRunAt, lastError, updatedAt string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE pipeline_jobs SET state='scheduled', next_run_at=?, last_error=?, updated_at=? WHERE id=?`,
		nextRunAt, lastError, updatedAt, id)
	return err
}
