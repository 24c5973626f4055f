package repo

import (
	"context"
	"database/sql"

	"trail/internal/domain"
)

const eventColumns = `event_id,task_id,workspace_id,event_type,payload_json,sequence,prior_hash,self_hash,provider_event_id,actor_id,created_at`

func scanEvent(row scanner) (domain.Event, error) {
	var e domain.Event
	var evtType, createdAt string
	var providerID, actorID sql.NullString
	err := row.Scan(&e.ID, &e.TaskID, &e.WorkspaceID, &evtType, &e.Payload, &e.Sequence, &e.PriorHash, &e.SelfHash, &providerID, &actorID, &createdAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.Type = domain.EventType(evtType)
	e.IdempotencyKey = providerID.String
	e.ActorID = actorID.String
	e.CreatedAt = parseTime(createdAt)
	return e, nil
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) InsertEventTx(ctx context.Context, tx *sql.Tx, e domain.Event) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO events(`+eventColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.TaskID, e.WorkspaceID, string(e.Type), e.Payload, e.Sequence, e.PriorHash, e.SelfHash,
		nullable(e.IdempotencyKey), nullable(e.ActorID), formatTime(e.CreatedAt))
	return err
}

// EventByProviderIDTx returns the event previously stored under the
// provider's idempotency key for the task.
func (r Repo) EventByProviderIDTx(ctx context.Context, tx *sql.Tx, taskID, providerEventID string) (domain.Event, error) {
	return scanEvent(tx.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE task_id=? AND provider_event_id=?`, taskID, providerEventID))
}

func (r Repo) ListEvents(ctx context.Context, taskID string) ([]domain.Event, error) {
	return listEvents(ctx, r.DB, taskID)
}

func (r Repo) ListEventsTx(ctx context.Context, tx *sql.Tx, taskID string) ([]domain.Event, error) {
	return listEvents(ctx, tx, taskID)
}

func listEvents(ctx context.Context, q querier, taskID string) ([]domain.Event, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE task_id=? ORDER BY sequence ASC`, taskID)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (r Repo) LatestEvent(ctx context.Context, taskID string) (domain.Event, error) {
	return scanEvent(r.DB.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE task_id=? ORDER BY sequence DESC LIMIT 1`, taskID))
}

type EventFilters struct {
	TaskID      string
	WorkspaceID string
	Type        string
	// AfterSequence pages forward within a task.
	AfterSequence int64
	Limit         int
}

// QueryEvents lists events in append order for one task, or across a
// workspace ordered by creation time when TaskID is empty.
func (r Repo) QueryEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE 1=1`
	var args []any
	if f.TaskID != "" {
		query += ` AND task_id=?`
		args = append(args, f.TaskID)
	}
	if f.WorkspaceID != "" {
		query += ` AND workspace_id=?`
		args = append(args, f.WorkspaceID)
	}
	if f.Type != "" {
		query += ` AND event_type=?`
		args = append(args, f.Type)
	}
	if f.AfterSequence > 0 {
		query += ` AND sequence>?`
		args = append(args, f.AfterSequence)
	}
	if f.TaskID != "" {
		query += ` ORDER BY sequence ASC`
	} else {
		query += ` ORDER BY created_at ASC, task_id ASC, sequence ASC`
	}
	query += ` LIMIT ?`
	args = append(args, normalizeLimit(f.Limit, 100, 1000))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}
