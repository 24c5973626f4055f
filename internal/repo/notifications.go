package repo

import (
	"context"
	"database/sql"
	"time"

	"trail/internal/domain"
)

const notificationColumns = `id,kind,workspace_id,task_id,job_id,packet_id,payload_json,status,attempts,next_attempt_at,last_error,created_at,updated_at`

func scanNotification(row scanner) (domain.Notification, error) {
	var n domain.Notification
	var status, createdAt, updatedAt string
	var jobID, packetID, lastErr sql.NullString
	var next int64
	err := row.Scan(&n.ID, &n.Kind, &n.WorkspaceID, &n.TaskID, &jobID, &packetID, &n.Payload, &status, &n.Attempts, &next, &lastErr, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return n, ErrNotFound
	}
	if err != nil {
		return n, err
	}
	n.JobID = jobID.String
	n.PacketID = packetID.String
	n.Status = domain.NotificationStatus(status)
	n.NextAttemptAt = fromUnixMilli(next)
	n.LastError = lastErr.String
	n.CreatedAt = parseTime(createdAt)
	n.UpdatedAt = parseTime(updatedAt)
	return n, nil
}

func scanNotifications(rows *sql.Rows) ([]domain.Notification, error) {
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) InsertNotificationTx(ctx context.Context, tx *sql.Tx, n domain.Notification) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO notifications(`+notificationColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		n.ID, n.Kind, n.WorkspaceID, n.TaskID, nullable(n.JobID), nullable(n.PacketID), n.Payload, string(n.Status),
		n.Attempts, unixMilli(n.NextAttemptAt), nullable(n.LastError), formatTime(n.CreatedAt), formatTime(n.UpdatedAt))
	return err
}

func (r Repo) GetNotification(ctx context.Context, id string) (domain.Notification, error) {
	return scanNotification(r.DB.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id=?`, id))
}

func (r Repo) ListDueNotifications(ctx context.Context, now time.Time, limit int) ([]domain.Notification, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE status=? AND next_attempt_at<=? ORDER BY next_attempt_at ASC, created_at ASC LIMIT ?`,
		string(domain.NotificationPending), unixMilli(now), normalizeLimit(limit, 50, 500))
	if err != nil {
		return nil, err
	}
	return scanNotifications(rows)
}

type NotificationFilters struct {
	Status string
	TaskID string
	Limit  int
}

func (r Repo) ListNotifications(ctx context.Context, f NotificationFilters) ([]domain.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	if f.TaskID != "" {
		query += ` AND task_id=?`
		args = append(args, f.TaskID)
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, normalizeLimit(f.Limit, 100, 1000))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanNotifications(rows)
}

// RecordAttempt stores the outcome of a delivery attempt. Only pending rows
// are updated so a concurrent dispatcher cannot resurrect a finished one.
func (r Repo) RecordAttempt(ctx context.Context, id string, status domain.NotificationStatus, attempts int, next time.Time, lastErr string, now time.Time) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE notifications SET status=?, attempts=?, next_attempt_at=?, last_error=?, updated_at=? WHERE id=? AND status=?`,
		string(status), attempts, unixMilli(next), nullable(lastErr), formatTime(now), id, string(domain.NotificationPending))
	return err
}
