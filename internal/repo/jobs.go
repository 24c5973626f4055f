package repo

import (
	"context"
	"database/sql"
	"time"

	"trail/internal/domain"
)

const jobColumns = `job_id,task_id,workspace_id,status,proposed_at,fire_at,reason,resolved_at,resolved_by,resolution_reason`

func scanJob(row scanner) (domain.ClosureJob, error) {
	var j domain.ClosureJob
	var status, proposedAt string
	var fireAt int64
	var reason, resolvedAt, resolvedBy, resolution sql.NullString
	err := row.Scan(&j.ID, &j.TaskID, &j.WorkspaceID, &status, &proposedAt, &fireAt, &reason, &resolvedAt, &resolvedBy, &resolution)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	j.Status = domain.JobStatus(status)
	j.ProposedAt = parseTime(proposedAt)
	j.FireAt = fromUnixMilli(fireAt)
	j.Reason = reason.String
	j.ResolvedAt = parseNullTime(resolvedAt)
	j.ResolvedBy = resolvedBy.String
	j.ResolutionReason = resolution.String
	return j, nil
}

func scanJobs(rows *sql.Rows) ([]domain.ClosureJob, error) {
	defer rows.Close()
	var res []domain.ClosureJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// InsertJobTx persists a scheduled job. The partial unique index on
// (task_id) WHERE status='scheduled' rejects a second active job.
func (r Repo) InsertJobTx(ctx context.Context, tx *sql.Tx, j domain.ClosureJob) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO closure_jobs(`+jobColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.TaskID, j.WorkspaceID, string(j.Status), formatTime(j.ProposedAt), unixMilli(j.FireAt),
		nullable(j.Reason), nullableTime(j.ResolvedAt), nullable(j.ResolvedBy), nullable(j.ResolutionReason))
	return err
}

func (r Repo) GetJob(ctx context.Context, jobID string) (domain.ClosureJob, error) {
	return scanJob(r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM closure_jobs WHERE job_id=?`, jobID))
}

func (r Repo) GetJobTx(ctx context.Context, tx *sql.Tx, jobID string) (domain.ClosureJob, error) {
	return scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM closure_jobs WHERE job_id=?`, jobID))
}

func (r Repo) ActiveJob(ctx context.Context, taskID string) (domain.ClosureJob, error) {
	return activeJob(ctx, r.DB, taskID)
}

func (r Repo) ActiveJobTx(ctx context.Context, tx *sql.Tx, taskID string) (domain.ClosureJob, error) {
	return activeJob(ctx, tx, taskID)
}

func activeJob(ctx context.Context, q querier, taskID string) (domain.ClosureJob, error) {
	return scanJob(q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM closure_jobs WHERE task_id=? AND status=?`, taskID, string(domain.JobScheduled)))
}

// ResolveJobTx moves a scheduled job to a terminal status. It is the
// compare-and-swap that decides veto/fire races: only the caller that sees
// one affected row owns the transition.
func (r Repo) ResolveJobTx(ctx context.Context, tx *sql.Tx, jobID string, to domain.JobStatus, by, reason string, at time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE closure_jobs SET status=?, resolved_at=?, resolved_by=?, resolution_reason=? WHERE job_id=? AND status=?`,
		string(to), formatTime(at), nullable(by), nullable(reason), jobID, string(domain.JobScheduled))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type JobFilters struct {
	TaskID      string
	WorkspaceID string
	Status      string
	Limit       int
}

func (r Repo) ListJobs(ctx context.Context, f JobFilters) ([]domain.ClosureJob, error) {
	query := `SELECT ` + jobColumns + ` FROM closure_jobs WHERE 1=1`
	var args []any
	if f.TaskID != "" {
		query += ` AND task_id=?`
		args = append(args, f.TaskID)
	}
	if f.WorkspaceID != "" {
		query += ` AND workspace_id=?`
		args = append(args, f.WorkspaceID)
	}
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY proposed_at DESC, job_id ASC LIMIT ?`
	args = append(args, normalizeLimit(f.Limit, 100, 1000))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

// ListDueJobs returns scheduled jobs whose fire_at is at or before now,
// oldest first.
func (r Repo) ListDueJobs(ctx context.Context, now time.Time, limit int) ([]domain.ClosureJob, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+jobColumns+` FROM closure_jobs WHERE status=? AND fire_at<=? ORDER BY fire_at ASC LIMIT ?`,
		string(domain.JobScheduled), unixMilli(now), normalizeLimit(limit, 50, 500))
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

// NextFireAt returns the earliest fire_at among scheduled jobs.
func (r Repo) NextFireAt(ctx context.Context) (time.Time, bool, error) {
	var ms sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MIN(fire_at) FROM closure_jobs WHERE status=?`, string(domain.JobScheduled)).Scan(&ms); err != nil {
		return time.Time{}, false, err
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return fromUnixMilli(ms.Int64), true, nil
}
