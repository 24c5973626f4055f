package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"trail/internal/closure"
	"trail/internal/config"
	"trail/internal/domain"
	"trail/internal/gateway"
	"trail/internal/ledger"
	"trail/internal/notify"
	"trail/internal/policy"
	"trail/internal/proof"
	"trail/internal/repo"
)

var ErrNoActiveJob = errors.New("task has no scheduled closure")

// Engine wires ingestion to the ledger, evaluator, scheduler and packet
// builder. It implements gateway.Sink.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Ledger    *ledger.Ledger
	Packets   *proof.Builder
	Scheduler *closure.Scheduler
	Outbox    notify.Outbox
	Config    *config.Config
	Now       func() time.Time
	Logger    *log.Logger
	// OnSchedule runs after a proposal commits. app.Build points it at
	// the closure runner's Wake.
	OnSchedule func()
}

type Options struct {
	Now        func() time.Time
	Logger     *log.Logger
	OnSchedule func()
}

func New(db *sql.DB, cfg *config.Config, opts Options) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	l := ledger.New(db)
	l.Now = now
	packets := proof.New(db, l)
	packets.Now = now
	sched := closure.New(db, l, packets, cfg)
	sched.Now = now
	sched.DefaultDelay = cfg.Closure.DefaultDelay
	sched.CloseStatus = cfg.Jira.DoneStatus
	r := repo.Repo{DB: db}
	return Engine{
		DB:         db,
		Repo:       r,
		Ledger:     l,
		Packets:    packets,
		Scheduler:  sched,
		Outbox:     notify.Outbox{Repo: r, Now: now},
		Config:     cfg,
		Now:        now,
		Logger:     opts.Logger,
		OnSchedule: opts.OnSchedule,
	}
}

func (e Engine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Ingest appends one piece of evidence and re-evaluates the task.
// Redeliveries are reported as duplicates and change nothing.
func (e Engine) Ingest(ctx context.Context, ev gateway.Evidence) (gateway.IngestResult, error) {
	results, err := e.ingestTask(ctx, []gateway.Evidence{ev})
	if err != nil {
		return gateway.IngestResult{}, err
	}
	return results[0], nil
}

// IngestBatch appends each task's evidence together and evaluates once per
// task against the union. Different tasks are processed in parallel.
func (e Engine) IngestBatch(ctx context.Context, batch []gateway.Evidence) ([]gateway.IngestResult, error) {
	for i, ev := range batch {
		if err := ev.Validate(); err != nil {
			return nil, fmt.Errorf("evidence %d: %w", i, err)
		}
	}
	groups := gateway.GroupByTask(batch)
	groupResults := make([][]gateway.IngestResult, len(groups))
	g, gctx := errgroup.WithContext(ctx)
	for i, group := range groups {
		i, group := i, group
		g.Go(func() error {
			res, err := e.ingestTask(gctx, group)
			if err != nil {
				return fmt.Errorf("task %s: %w", group[0].TaskID, err)
			}
			groupResults[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	// restore arrival order
	next := make([]int, len(groups))
	index := map[string]int{}
	for i, group := range groups {
		index[group[0].TaskID] = i
	}
	results := make([]gateway.IngestResult, 0, len(batch))
	for _, ev := range batch {
		gi := index[ev.TaskID]
		results = append(results, groupResults[gi][next[gi]])
		next[gi]++
	}
	return results, nil
}

// ingestTask handles evidence for a single task under its lock. The
// verdict and closure actions are attached to the last result.
func (e Engine) ingestTask(ctx context.Context, evs []gateway.Evidence) ([]gateway.IngestResult, error) {
	for _, ev := range evs {
		if err := ev.Validate(); err != nil {
			return nil, err
		}
	}
	taskID := evs[0].TaskID
	results := make([]gateway.IngestResult, len(evs))
	proposed := false
	err := e.Ledger.WithTask(ctx, taskID, func(tx *sql.Tx) error {
		appended := false
		for i, ev := range evs {
			stored, err := e.Ledger.AppendTx(ctx, tx, ledger.AppendRequest{
				TaskID:            ev.TaskID,
				WorkspaceID:       ev.WorkspaceID,
				Type:              ev.EventType,
				Payload:           evidencePayload(ev),
				IdempotencyKey:    ev.IdempotencyKey(),
				ActorID:           ev.ActorID,
				ExpectedPriorHash: ev.ExpectedPriorHash,
			})
			if errors.Is(err, ledger.ErrDuplicateEvent) {
				results[i] = gateway.IngestResult{Event: stored, Duplicate: true}
				continue
			}
			if err != nil {
				return err
			}
			appended = true
			results[i] = gateway.IngestResult{Event: stored}
			if stored.Type == domain.EventJiraStatusChanged && e.Config.DraftOnJiraStatus(jiraStatus(stored)) {
				p, err := e.Packets.EnsureDraftTx(ctx, tx, stored.TaskID, stored.WorkspaceID)
				if err != nil {
					return err
				}
				results[i].Packet = &p
			}
		}
		last := &results[len(results)-1]
		if !appended {
			v, err := e.verdictTx(ctx, tx, taskID)
			last.Verdict = v
			return err
		}
		var err error
		proposed, err = e.evaluateTx(ctx, tx, taskID, last)
		return err
	})
	if err != nil {
		return nil, err
	}
	if proposed && e.OnSchedule != nil {
		e.OnSchedule()
	}
	return results, nil
}

func (e Engine) verdictTx(ctx context.Context, tx *sql.Tx, taskID string) (policy.Verdict, error) {
	task, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return policy.Verdict{}, err
	}
	events, err := e.Ledger.ListEventsTx(ctx, tx, taskID)
	if err != nil {
		return policy.Verdict{}, err
	}
	return policy.Evaluate(task, events, e.Config.PolicyFor(task.WorkspaceID)), nil
}

// evaluateTx re-runs the policy over the whole ledger and acts on it: a
// disqualified task loses its active job, a new readiness episode gets one.
func (e Engine) evaluateTx(ctx context.Context, tx *sql.Tx, taskID string, res *gateway.IngestResult) (bool, error) {
	task, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return false, err
	}
	events, err := e.Ledger.ListEventsTx(ctx, tx, taskID)
	if err != nil {
		return false, err
	}
	p := e.Config.PolicyFor(task.WorkspaceID)
	v := policy.Evaluate(task, events, p)
	res.Verdict = v

	active, err := e.Repo.ActiveJobTx(ctx, tx, taskID)
	hasActive := err == nil
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return false, err
	}
	switch {
	case hasActive && v.Kind == policy.Disqualified:
		job, err := e.Scheduler.CancelTx(ctx, tx, closure.CancelRequest{JobID: active.ID, ActorID: closure.SystemActor, Reason: v.Reason, Auto: true})
		if err != nil {
			return false, err
		}
		res.Job = &job
		res.Cancelled = true
		e.logf("engine: task %s closure %s auto-cancelled: %s", taskID, job.ID, v.Reason)
	case policy.ShouldPropose(v, events, hasActive):
		job, err := e.Scheduler.ScheduleTx(ctx, tx, closure.ScheduleRequest{
			TaskID: taskID, WorkspaceID: task.WorkspaceID, Delay: p.Delay(), Reason: v.Reason, ActorID: closure.SystemActor,
		})
		if err != nil {
			return false, err
		}
		res.Job = &job
		res.Proposed = true
		return true, nil
	case hasActive:
		res.Job = &active
	}
	return false, nil
}

func evidencePayload(ev gateway.Evidence) map[string]any {
	out := make(map[string]any, len(ev.Payload)+2)
	for k, v := range ev.Payload {
		out[k] = v
	}
	if ev.Provider != "" {
		out["provider"] = ev.Provider
	}
	if !ev.ReceivedAt.IsZero() {
		out["received_at"] = ev.ReceivedAt.UTC().Format(time.RFC3339)
	}
	return out
}

func jiraStatus(ev domain.Event) string {
	if s := ev.PayloadString("status"); s != "" {
		return s
	}
	return ev.PayloadString("to")
}

// Veto cancels a closure job on behalf of an actor.
func (e Engine) Veto(ctx context.Context, jobID, actorID, reason string) (domain.ClosureJob, error) {
	if actorID == "" {
		return domain.ClosureJob{}, errors.New("actor is required to veto")
	}
	return e.Scheduler.Cancel(ctx, jobID, actorID, reason)
}

// VetoTask resolves the task's active job and cancels it, the way an
// interactive veto button addresses a task rather than a job.
func (e Engine) VetoTask(ctx context.Context, taskID, actorID, reason string) (domain.ClosureJob, error) {
	if actorID == "" {
		return domain.ClosureJob{}, errors.New("actor is required to veto")
	}
	var job domain.ClosureJob
	err := e.Ledger.WithTask(ctx, taskID, func(tx *sql.Tx) error {
		active, err := e.Repo.ActiveJobTx(ctx, tx, taskID)
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNoActiveJob, taskID)
		}
		if err != nil {
			return err
		}
		job, err = e.Scheduler.CancelTx(ctx, tx, closure.CancelRequest{JobID: active.ID, ActorID: actorID, Reason: reason})
		return err
	})
	return job, err
}

type TaskStatus struct {
	Task      domain.Task         `json:"task"`
	Policy    policy.Policy       `json:"policy"`
	Verdict   policy.Verdict      `json:"verdict"`
	Events    []domain.Event      `json:"events"`
	ActiveJob *domain.ClosureJob  `json:"active_job,omitempty"`
	Packet    *domain.ProofPacket `json:"packet,omitempty"`
}

func (e Engine) TaskStatus(ctx context.Context, taskID string) (TaskStatus, error) {
	task, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return TaskStatus{}, err
	}
	events, err := e.Ledger.ListEvents(ctx, taskID)
	if err != nil {
		return TaskStatus{}, err
	}
	p := e.Config.PolicyFor(task.WorkspaceID)
	st := TaskStatus{Task: task, Policy: p, Verdict: policy.Evaluate(task, events, p), Events: events}
	if job, ok, err := e.Scheduler.ActiveJob(ctx, taskID); err != nil {
		return TaskStatus{}, err
	} else if ok {
		st.ActiveJob = &job
	}
	packet, err := e.Packets.GetByTask(ctx, taskID)
	if err == nil {
		st.Packet = &packet
	} else if !errors.Is(err, repo.ErrNotFound) {
		return TaskStatus{}, err
	}
	return st, nil
}

type VerifyReport struct {
	TaskID      string `json:"task_id"`
	EventCount  int    `json:"event_count"`
	Head        string `json:"head"`
	ChainValid  bool   `json:"chain_valid"`
	ChainError  string `json:"chain_error,omitempty"`
	PacketID    string `json:"packet_id,omitempty"`
	PacketRoot  string `json:"packet_root,omitempty"`
	PacketValid bool   `json:"packet_valid"`
	PacketError string `json:"packet_error,omitempty"`
}

// VerifyTask recomputes the task's chain and, when a sealed packet exists,
// checks its root against the recomputed prefix.
func (e Engine) VerifyTask(ctx context.Context, taskID string) (VerifyReport, error) {
	if _, err := e.Repo.GetTask(ctx, taskID); err != nil {
		return VerifyReport{}, err
	}
	events, err := e.Ledger.ListEvents(ctx, taskID)
	if err != nil {
		return VerifyReport{}, err
	}
	rep := VerifyReport{TaskID: taskID, EventCount: len(events)}
	if head, err := e.Ledger.Verify(ctx, taskID); err != nil {
		rep.ChainError = err.Error()
	} else {
		rep.ChainValid = true
		rep.Head = head
	}
	packet, err := e.Packets.GetByTask(ctx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return rep, nil
	}
	if err != nil {
		return VerifyReport{}, err
	}
	rep.PacketID = packet.ID
	rep.PacketRoot = packet.HashChainRoot
	if packet.HashChainRoot == "" {
		rep.PacketError = fmt.Sprintf("packet is %s", packet.Status)
		return rep, nil
	}
	if err := proof.Verify(packet, events); err != nil {
		rep.PacketError = err.Error()
	} else {
		rep.PacketValid = true
	}
	return rep, nil
}

// DraftPacket creates the task's draft packet ahead of closure.
func (e Engine) DraftPacket(ctx context.Context, taskID string) (domain.ProofPacket, error) {
	task, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.ProofPacket{}, err
	}
	return e.Packets.EnsureDraft(ctx, task.ID, task.WorkspaceID)
}
