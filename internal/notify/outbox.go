package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"trail/internal/domain"
	"trail/internal/repo"
)

// Notification kinds mirror the lifecycle events that produce them.
const (
	KindClosureProposed = "closure_proposed"
	KindClosureVetoed   = "closure_vetoed"
	KindClosureApproved = "closure_approved"
	KindProofExported   = "proof_exported"
)

type Request struct {
	Kind        string
	WorkspaceID string
	TaskID      string
	JobID       string
	PacketID    string
	Payload     map[string]any
}

// Outbox records notification requests in the caller's transaction so a
// state transition and its notification commit together.
type Outbox struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (o Outbox) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

func (o Outbox) EnqueueTx(ctx context.Context, tx *sql.Tx, req Request) (domain.Notification, error) {
	if req.Kind == "" || req.TaskID == "" {
		return domain.Notification{}, errors.New("notification kind and task are required")
	}
	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Notification{}, fmt.Errorf("marshal notification payload: %w", err)
	}
	now := o.now()
	n := domain.Notification{
		ID:            uuid.NewString(),
		Kind:          req.Kind,
		WorkspaceID:   req.WorkspaceID,
		TaskID:        req.TaskID,
		JobID:         req.JobID,
		PacketID:      req.PacketID,
		Payload:       string(data),
		Status:        domain.NotificationPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := o.Repo.InsertNotificationTx(ctx, tx, n); err != nil {
		return domain.Notification{}, fmt.Errorf("enqueue notification: %w", err)
	}
	return n, nil
}

// List returns notifications for operator inspection.
func (o Outbox) List(ctx context.Context, status, taskID string, limit int) ([]domain.Notification, error) {
	return o.Repo.ListNotifications(ctx, repo.NotificationFilters{Status: status, TaskID: taskID, Limit: limit})
}
