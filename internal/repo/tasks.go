package repo

import (
	"context"
	"database/sql"
	"time"

	"trail/internal/domain"
)

const taskColumns = `task_id,workspace_id,lifecycle_state,head_hash,head_sequence,created_at,updated_at`

func scanTask(row scanner) (domain.Task, error) {
	var t domain.Task
	var state, createdAt, updatedAt string
	err := row.Scan(&t.ID, &t.WorkspaceID, &state, &t.HeadHash, &t.HeadSequence, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.LifecycleState = domain.LifecycleState(state)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, taskID string) (domain.Task, error) {
	return getTask(ctx, r.DB, taskID)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, taskID string) (domain.Task, error) {
	return getTask(ctx, tx, taskID)
}

func getTask(ctx context.Context, q querier, taskID string) (domain.Task, error) {
	return scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id=?`, taskID))
}

// EnsureTaskTx inserts the task row with the chain root as its head when it
// does not exist yet, and returns the stored row.
func (r Repo) EnsureTaskTx(ctx context.Context, tx *sql.Tx, taskID, workspaceID, rootHash string, now time.Time) (domain.Task, error) {
	ts := formatTime(now)
	if _, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,0,?,?) ON CONFLICT(task_id) DO NOTHING`,
		taskID, workspaceID, string(domain.LifecycleTracking), rootHash, ts, ts); err != nil {
		return domain.Task{}, err
	}
	return getTask(ctx, tx, taskID)
}

// AdvanceHeadTx moves the chain head with a compare-and-swap on the previous
// head. It reports false when another writer moved the head first.
func (r Repo) AdvanceHeadTx(ctx context.Context, tx *sql.Tx, taskID, priorHash, newHash string, newSequence int64, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET head_hash=?, head_sequence=?, updated_at=? WHERE task_id=? AND head_hash=? AND head_sequence=?`,
		newHash, newSequence, formatTime(now), taskID, priorHash, newSequence-1)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) SetLifecycleTx(ctx context.Context, tx *sql.Tx, taskID string, state domain.LifecycleState, now time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET lifecycle_state=?, updated_at=? WHERE task_id=?`, string(state), formatTime(now), taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type TaskFilters struct {
	WorkspaceID string
	State       string
	Limit       int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if f.WorkspaceID != "" {
		query += ` AND workspace_id=?`
		args = append(args, f.WorkspaceID)
	}
	if f.State != "" {
		query += ` AND lifecycle_state=?`
		args = append(args, f.State)
	}
	query += ` ORDER BY updated_at DESC, task_id ASC LIMIT ?`
	args = append(args, normalizeLimit(f.Limit, 100, 1000))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
