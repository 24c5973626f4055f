package closure

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"trail/internal/domain"
	"trail/internal/ledger"
	"trail/internal/notify"
	"trail/internal/policy"
	"trail/internal/proof"
	"trail/internal/repo"
)

const SystemActor = "system"

var (
	ErrAlreadyScheduled = errors.New("closure already scheduled")
	ErrAlreadyFired     = errors.New("closure job already fired")
	ErrNotDue           = errors.New("closure job is not due")
)

type AlreadyScheduledError struct {
	TaskID string
	JobID  string
}

func (e *AlreadyScheduledError) Error() string {
	return fmt.Sprintf("task %s already has scheduled closure job %s", e.TaskID, e.JobID)
}

func (e *AlreadyScheduledError) Unwrap() error { return ErrAlreadyScheduled }

// PolicyResolver returns the policy in force for a workspace.
type PolicyResolver interface {
	PolicyFor(workspaceID string) policy.Policy
}

// StaticPolicy applies one policy to every workspace.
type StaticPolicy policy.Policy

func (p StaticPolicy) PolicyFor(string) policy.Policy { return policy.Policy(p) }

// Scheduler drives the per-task closure state machine. Every transition
// runs under the ledger's task lock, and the job status update is a
// compare-and-swap so a veto racing a fire has exactly one winner.
type Scheduler struct {
	DB       *sql.DB
	Repo     repo.Repo
	Ledger   *ledger.Ledger
	Packets  *proof.Builder
	Policies PolicyResolver
	Now      func() time.Time
	// DefaultDelay applies when neither the request nor the policy sets one.
	DefaultDelay time.Duration
	// CloseStatus is the issue tracker status requested when a closure fires.
	CloseStatus string
}

func New(db *sql.DB, l *ledger.Ledger, packets *proof.Builder, policies PolicyResolver) *Scheduler {
	return &Scheduler{
		DB:           db,
		Repo:         repo.Repo{DB: db},
		Ledger:       l,
		Packets:      packets,
		Policies:     policies,
		Now:          time.Now,
		DefaultDelay: policy.DefaultAutoCloseDelay,
	}
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Scheduler) outbox() notify.Outbox {
	return notify.Outbox{Repo: s.Repo, Now: s.Now}
}

func (s *Scheduler) policyFor(workspaceID string) policy.Policy {
	if s.Policies == nil {
		return policy.Default()
	}
	return s.Policies.PolicyFor(workspaceID)
}

type ScheduleRequest struct {
	TaskID      string
	WorkspaceID string
	// Delay overrides the policy's auto-close delay when positive.
	Delay   time.Duration
	Reason  string
	ActorID string
}

func (s *Scheduler) Schedule(ctx context.Context, req ScheduleRequest) (domain.ClosureJob, error) {
	var job domain.ClosureJob
	err := s.Ledger.WithTask(ctx, req.TaskID, func(tx *sql.Tx) error {
		var err error
		job, err = s.ScheduleTx(ctx, tx, req)
		return err
	})
	return job, err
}

// ScheduleTx creates the task's closure job, records closure_proposed and
// moves the packet to pending. The caller holds the task lock.
func (s *Scheduler) ScheduleTx(ctx context.Context, tx *sql.Tx, req ScheduleRequest) (domain.ClosureJob, error) {
	active, err := s.Repo.ActiveJobTx(ctx, tx, req.TaskID)
	if err == nil {
		return domain.ClosureJob{}, &AlreadyScheduledError{TaskID: req.TaskID, JobID: active.ID}
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.ClosureJob{}, err
	}
	task, err := s.Repo.GetTaskTx(ctx, tx, req.TaskID)
	if err != nil {
		return domain.ClosureJob{}, fmt.Errorf("load task %s: %w", req.TaskID, err)
	}
	if req.WorkspaceID != "" && req.WorkspaceID != task.WorkspaceID {
		return domain.ClosureJob{}, fmt.Errorf("%w: %s is in %s", ledger.ErrWorkspaceMismatch, task.ID, task.WorkspaceID)
	}
	delay := req.Delay
	if delay <= 0 {
		delay = s.policyFor(task.WorkspaceID).AutoCloseDelay
	}
	if delay <= 0 {
		delay = s.DefaultDelay
	}
	now := s.now()
	job := domain.ClosureJob{
		ID:          uuid.NewString(),
		TaskID:      task.ID,
		WorkspaceID: task.WorkspaceID,
		Status:      domain.JobScheduled,
		ProposedAt:  now,
		FireAt:      now.Add(delay).Truncate(time.Millisecond),
		Reason:      req.Reason,
	}
	if err := s.Repo.InsertJobTx(ctx, tx, job); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.ClosureJob{}, &AlreadyScheduledError{TaskID: task.ID}
		}
		return domain.ClosureJob{}, fmt.Errorf("insert closure job: %w", err)
	}
	payload := map[string]any{"job_id": job.ID, "fire_at": job.FireAt.Format(time.RFC3339), "reason": job.Reason}
	if _, err := s.Ledger.AppendTx(ctx, tx, ledger.AppendRequest{
		TaskID: task.ID, WorkspaceID: task.WorkspaceID, Type: domain.EventClosureProposed, Payload: payload, ActorID: actorOr(req.ActorID),
	}); err != nil {
		return domain.ClosureJob{}, err
	}
	if err := s.Repo.SetLifecycleTx(ctx, tx, task.ID, domain.LifecycleClosureProposed, now); err != nil {
		return domain.ClosureJob{}, err
	}
	packet, err := s.Packets.MarkPendingTx(ctx, tx, task.ID, task.WorkspaceID)
	if err != nil {
		return domain.ClosureJob{}, err
	}
	payload["packet_id"] = packet.ID
	if _, err := s.outbox().EnqueueTx(ctx, tx, notify.Request{
		Kind: notify.KindClosureProposed, WorkspaceID: task.WorkspaceID, TaskID: task.ID, JobID: job.ID, PacketID: packet.ID, Payload: payload,
	}); err != nil {
		return domain.ClosureJob{}, err
	}
	return job, nil
}

type CancelRequest struct {
	JobID   string
	ActorID string
	Reason  string
	// Auto marks cancellations made by the engine rather than a person.
	Auto bool
}

// Cancel vetoes a scheduled job. Cancelling a cancelled job returns it;
// cancelling a fired job returns it with ErrAlreadyFired.
func (s *Scheduler) Cancel(ctx context.Context, jobID, actorID, reason string) (domain.ClosureJob, error) {
	job, err := s.Repo.GetJob(ctx, jobID)
	if err != nil {
		return domain.ClosureJob{}, err
	}
	err = s.Ledger.WithTask(ctx, job.TaskID, func(tx *sql.Tx) error {
		var err error
		job, err = s.CancelTx(ctx, tx, CancelRequest{JobID: jobID, ActorID: actorID, Reason: reason})
		return err
	})
	return job, err
}

func (s *Scheduler) CancelTx(ctx context.Context, tx *sql.Tx, req CancelRequest) (domain.ClosureJob, error) {
	job, err := s.Repo.GetJobTx(ctx, tx, req.JobID)
	if err != nil {
		return domain.ClosureJob{}, err
	}
	switch job.Status {
	case domain.JobCancelled:
		return job, nil
	case domain.JobFired:
		return job, ErrAlreadyFired
	}
	now := s.now()
	actor := actorOr(req.ActorID)
	ok, err := s.Repo.ResolveJobTx(ctx, tx, job.ID, domain.JobCancelled, actor, req.Reason, now)
	if err != nil {
		return domain.ClosureJob{}, err
	}
	if !ok {
		return s.lostRace(ctx, tx, job.ID)
	}
	payload := map[string]any{"job_id": job.ID, "reason": req.Reason, "actor_id": actor, "auto": req.Auto}
	if _, err := s.Ledger.AppendTx(ctx, tx, ledger.AppendRequest{
		TaskID: job.TaskID, WorkspaceID: job.WorkspaceID, Type: domain.EventClosureVetoed, Payload: payload, ActorID: actor,
	}); err != nil {
		return domain.ClosureJob{}, err
	}
	if err := s.Repo.SetLifecycleTx(ctx, tx, job.TaskID, domain.LifecycleVetoed, now); err != nil {
		return domain.ClosureJob{}, err
	}
	if _, err := s.outbox().EnqueueTx(ctx, tx, notify.Request{
		Kind: notify.KindClosureVetoed, WorkspaceID: job.WorkspaceID, TaskID: job.TaskID, JobID: job.ID, Payload: payload,
	}); err != nil {
		return domain.ClosureJob{}, err
	}
	return s.Repo.GetJobTx(ctx, tx, job.ID)
}

// lostRace reports the terminal state another writer left behind.
func (s *Scheduler) lostRace(ctx context.Context, tx *sql.Tx, jobID string) (domain.ClosureJob, error) {
	job, err := s.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.ClosureJob{}, err
	}
	if job.Status == domain.JobFired {
		return job, ErrAlreadyFired
	}
	return job, nil
}

type FireOutcome string

const (
	OutcomeFired     FireOutcome = "fired"
	OutcomeCancelled FireOutcome = "cancelled"
	// OutcomeResolved means the job was already terminal.
	OutcomeResolved FireOutcome = "already_resolved"
)

type FireResult struct {
	Job     domain.ClosureJob   `json:"job"`
	Outcome FireOutcome         `json:"outcome"`
	Verdict policy.Verdict      `json:"verdict"`
	Packet  *domain.ProofPacket `json:"packet,omitempty"`
}

// Fire approves a due job. The task is re-evaluated first; evidence that no
// longer satisfies the policy turns the fire into an automatic
// cancellation. Re-firing a resolved job is a no-op.
func (s *Scheduler) Fire(ctx context.Context, jobID string) (FireResult, error) {
	job, err := s.Repo.GetJob(ctx, jobID)
	if err != nil {
		return FireResult{}, err
	}
	var res FireResult
	err = s.Ledger.WithTask(ctx, job.TaskID, func(tx *sql.Tx) error {
		var err error
		res, err = s.fireTx(ctx, tx, jobID)
		return err
	})
	return res, err
}

func (s *Scheduler) fireTx(ctx context.Context, tx *sql.Tx, jobID string) (FireResult, error) {
	job, err := s.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return FireResult{}, err
	}
	if job.Terminal() {
		return FireResult{Job: job, Outcome: OutcomeResolved}, nil
	}
	now := s.now()
	if now.Before(job.FireAt) {
		return FireResult{Job: job}, fmt.Errorf("%w: %s fires at %s", ErrNotDue, job.ID, job.FireAt.Format(time.RFC3339))
	}
	task, err := s.Repo.GetTaskTx(ctx, tx, job.TaskID)
	if err != nil {
		return FireResult{}, err
	}
	events, err := s.Ledger.ListEventsTx(ctx, tx, job.TaskID)
	if err != nil {
		return FireResult{}, err
	}
	p := s.policyFor(task.WorkspaceID)
	verdict := policy.Evaluate(task, events, p)
	if verdict.Kind != policy.Ready {
		reason := verdict.Reason
		var violation *policy.ViolationError
		if errors.As(policy.Check(verdict), &violation) {
			reason = violation.Error()
		}
		cancelled, err := s.CancelTx(ctx, tx, CancelRequest{JobID: job.ID, ActorID: SystemActor, Reason: reason, Auto: true})
		if err != nil && !errors.Is(err, ErrAlreadyFired) {
			return FireResult{}, err
		}
		return FireResult{Job: cancelled, Outcome: OutcomeCancelled, Verdict: verdict}, nil
	}
	ok, err := s.Repo.ResolveJobTx(ctx, tx, job.ID, domain.JobFired, SystemActor, "auto-approved after delay", now)
	if err != nil {
		return FireResult{}, err
	}
	if !ok {
		cur, err := s.Repo.GetJobTx(ctx, tx, job.ID)
		if err != nil {
			return FireResult{}, err
		}
		return FireResult{Job: cur, Outcome: OutcomeResolved}, nil
	}
	if _, err := s.Ledger.AppendTx(ctx, tx, ledger.AppendRequest{
		TaskID: task.ID, WorkspaceID: task.WorkspaceID, Type: domain.EventClosureApproved, ActorID: SystemActor,
		Payload: map[string]any{"job_id": job.ID, "policy": p.Name, "completed_sequence": verdict.CompletedSequence},
	}); err != nil {
		return FireResult{}, err
	}
	if err := s.Repo.SetLifecycleTx(ctx, tx, task.ID, domain.LifecycleClosed, now); err != nil {
		return FireResult{}, err
	}
	packet, err := s.Packets.FinalizeTx(ctx, tx, task.ID)
	if err != nil {
		return FireResult{}, fmt.Errorf("finalize packet: %w", err)
	}
	payload := map[string]any{
		"job_id":          job.ID,
		"packet_id":       packet.ID,
		"hash_chain_root": packet.HashChainRoot,
		"share_token":     packet.ShareToken,
	}
	if s.CloseStatus != "" {
		payload["commands"] = []map[string]any{{"type": "transition_issue", "issue_key": task.ID, "status": s.CloseStatus}}
	}
	if _, err := s.outbox().EnqueueTx(ctx, tx, notify.Request{
		Kind: notify.KindClosureApproved, WorkspaceID: task.WorkspaceID, TaskID: task.ID, JobID: job.ID, PacketID: packet.ID, Payload: payload,
	}); err != nil {
		return FireResult{}, err
	}
	fired, err := s.Repo.GetJobTx(ctx, tx, job.ID)
	if err != nil {
		return FireResult{}, err
	}
	return FireResult{Job: fired, Outcome: OutcomeFired, Verdict: verdict, Packet: &packet}, nil
}

func (s *Scheduler) Get(ctx context.Context, jobID string) (domain.ClosureJob, error) {
	return s.Repo.GetJob(ctx, jobID)
}

// ActiveJob returns the task's scheduled job; ok is false when none exists.
func (s *Scheduler) ActiveJob(ctx context.Context, taskID string) (domain.ClosureJob, bool, error) {
	job, err := s.Repo.ActiveJob(ctx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.ClosureJob{}, false, nil
	}
	if err != nil {
		return domain.ClosureJob{}, false, err
	}
	return job, true, nil
}

type JobFilter struct {
	TaskID      string
	WorkspaceID string
	Status      string
	Limit       int
}

func (s *Scheduler) ListJobs(ctx context.Context, f JobFilter) ([]domain.ClosureJob, error) {
	return s.Repo.ListJobs(ctx, repo.JobFilters{TaskID: f.TaskID, WorkspaceID: f.WorkspaceID, Status: f.Status, Limit: f.Limit})
}

func actorOr(actor string) string {
	if actor == "" {
		return SystemActor
	}
	return actor
}
