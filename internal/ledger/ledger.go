package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"trail/internal/domain"
	"trail/internal/repo"
)

var (
	ErrIntegrity         = errors.New("ledger integrity violation")
	ErrDuplicateEvent    = errors.New("duplicate event")
	ErrWorkspaceMismatch = errors.New("task belongs to another workspace")
)

// IntegrityError reports that the chain head moved under the caller.
type IntegrityError struct {
	TaskID   string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("task %s: expected chain head %s, found %s", e.TaskID, short(e.Expected), short(e.Actual))
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

type Ledger struct {
	DB    *sql.DB
	Repo  repo.Repo
	Now   func() time.Time
	locks *taskLocks
}

func New(db *sql.DB) *Ledger {
	return &Ledger{
		DB:    db,
		Repo:  repo.Repo{DB: db},
		Now:   time.Now,
		locks: newTaskLocks(),
	}
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

type AppendRequest struct {
	TaskID      string
	WorkspaceID string
	Type        domain.EventType
	Payload     map[string]any
	// IdempotencyKey is the provider event id; redeliveries with the same
	// key return the stored event.
	IdempotencyKey string
	ActorID        string
	// ExpectedPriorHash, when set, must equal the current chain head.
	ExpectedPriorHash string
}

func (r AppendRequest) validate() error {
	if r.TaskID == "" {
		return errors.New("task id is required")
	}
	if r.WorkspaceID == "" {
		return errors.New("workspace id is required")
	}
	if r.Type == "" {
		return errors.New("event type is required")
	}
	return nil
}

// WithTask runs fn inside a write transaction while holding the task's lock.
// Everything that reads and then changes a task's chain or closure job goes
// through here so one task's transitions never interleave.
func (l *Ledger) WithTask(ctx context.Context, taskID string, fn func(tx *sql.Tx) error) error {
	unlock, err := l.locks.acquire(ctx, taskID)
	if err != nil {
		return err
	}
	defer unlock()
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Append stores one event. A redelivered idempotency key returns the stored
// event together with ErrDuplicateEvent.
func (l *Ledger) Append(ctx context.Context, req AppendRequest) (domain.Event, error) {
	var ev domain.Event
	err := l.WithTask(ctx, req.TaskID, func(tx *sql.Tx) error {
		var err error
		ev, err = l.AppendTx(ctx, tx, req)
		return err
	})
	return ev, err
}

// AppendTx appends inside a transaction opened by WithTask.
func (l *Ledger) AppendTx(ctx context.Context, tx *sql.Tx, req AppendRequest) (domain.Event, error) {
	if err := req.validate(); err != nil {
		return domain.Event{}, err
	}
	now := l.now()
	task, err := l.Repo.EnsureTaskTx(ctx, tx, req.TaskID, req.WorkspaceID, RootSentinel, now)
	if err != nil {
		return domain.Event{}, fmt.Errorf("ensure task: %w", err)
	}
	if task.WorkspaceID != req.WorkspaceID {
		return domain.Event{}, fmt.Errorf("%w: %s is in %s", ErrWorkspaceMismatch, task.ID, task.WorkspaceID)
	}
	if req.IdempotencyKey != "" {
		existing, err := l.Repo.EventByProviderIDTx(ctx, tx, req.TaskID, req.IdempotencyKey)
		if err == nil {
			return existing, ErrDuplicateEvent
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.Event{}, err
		}
	}
	if req.ExpectedPriorHash != "" && req.ExpectedPriorHash != task.HeadHash {
		return domain.Event{}, &IntegrityError{TaskID: task.ID, Expected: req.ExpectedPriorHash, Actual: task.HeadHash}
	}
	payload, err := CanonicalPayload(req.Payload)
	if err != nil {
		return domain.Event{}, err
	}
	seq := task.HeadSequence + 1
	ev := domain.Event{
		ID:             uuid.NewString(),
		TaskID:         task.ID,
		WorkspaceID:    task.WorkspaceID,
		Type:           req.Type,
		Payload:        payload,
		Sequence:       seq,
		PriorHash:      task.HeadHash,
		SelfHash:       ContentHash(req.Type, payload, seq, task.HeadHash),
		IdempotencyKey: req.IdempotencyKey,
		ActorID:        req.ActorID,
		CreatedAt:      now,
	}
	ok, err := l.Repo.AdvanceHeadTx(ctx, tx, task.ID, task.HeadHash, ev.SelfHash, seq, now)
	if err != nil {
		return domain.Event{}, fmt.Errorf("advance head: %w", err)
	}
	if !ok {
		head, _ := l.Repo.GetTaskTx(ctx, tx, task.ID)
		return domain.Event{}, &IntegrityError{TaskID: task.ID, Expected: task.HeadHash, Actual: head.HeadHash}
	}
	if err := l.Repo.InsertEventTx(ctx, tx, ev); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Event{}, &IntegrityError{TaskID: task.ID, Expected: task.HeadHash, Actual: fmt.Sprintf("sequence %d taken", seq)}
		}
		return domain.Event{}, fmt.Errorf("insert event: %w", err)
	}
	return ev, nil
}

func (l *Ledger) ListEvents(ctx context.Context, taskID string) ([]domain.Event, error) {
	return l.Repo.ListEvents(ctx, taskID)
}

func (l *Ledger) ListEventsTx(ctx context.Context, tx *sql.Tx, taskID string) ([]domain.Event, error) {
	return l.Repo.ListEventsTx(ctx, tx, taskID)
}

// LatestEvent returns the chain head event; ok is false for an empty ledger.
func (l *Ledger) LatestEvent(ctx context.Context, taskID string) (domain.Event, bool, error) {
	ev, err := l.Repo.LatestEvent(ctx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Event{}, false, nil
	}
	if err != nil {
		return domain.Event{}, false, err
	}
	return ev, true, nil
}

// Head returns the current chain head hash, or RootSentinel for a task with
// no events.
func (l *Ledger) Head(ctx context.Context, taskID string) (string, error) {
	task, err := l.Repo.GetTask(ctx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return RootSentinel, nil
	}
	if err != nil {
		return "", err
	}
	return task.HeadHash, nil
}

// Verify recomputes the stored chain of a task and checks it ends at the
// recorded head.
func (l *Ledger) Verify(ctx context.Context, taskID string) (string, error) {
	events, err := l.ListEvents(ctx, taskID)
	if err != nil {
		return "", err
	}
	head, err := RecomputeChain(events)
	if err != nil {
		return "", err
	}
	stored, err := l.Head(ctx, taskID)
	if err != nil {
		return "", err
	}
	if head != stored {
		return "", &IntegrityError{TaskID: taskID, Expected: stored, Actual: head}
	}
	return head, nil
}
