package proof

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
	"trail/internal/repo"
)

var (
	ErrInvalidTransition = errors.New("invalid packet transition")
	ErrNotFinalized      = errors.New("packet is not finalized")
)

// Builder owns proof packet state. Packets only move forward through
// draft, pending, finalized and exported.
type Builder struct {
	DB     *sql.DB
	Repo   repo.Repo
	Ledger *ledger.Ledger
	Now    func() time.Time
}

func New(db *sql.DB, l *ledger.Ledger) *Builder {
	return &Builder{DB: db, Repo: repo.Repo{DB: db}, Ledger: l, Now: time.Now}
}

func (b *Builder) now() time.Time {
	if b.Now != nil {
		return b.Now().UTC()
	}
	return time.Now().UTC()
}

// EnsureDraft creates a draft packet for the task unless one exists.
func (b *Builder) EnsureDraft(ctx context.Context, taskID, workspaceID string) (domain.ProofPacket, error) {
	var p domain.ProofPacket
	err := b.Ledger.WithTask(ctx, taskID, func(tx *sql.Tx) error {
		var err error
		p, err = b.EnsureDraftTx(ctx, tx, taskID, workspaceID)
		return err
	})
	return p, err
}

func (b *Builder) EnsureDraftTx(ctx context.Context, tx *sql.Tx, taskID, workspaceID string) (domain.ProofPacket, error) {
	p, err := b.Repo.GetPacketByTaskTx(ctx, tx, taskID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.ProofPacket{}, err
	}
	now := b.now()
	task, err := b.Repo.EnsureTaskTx(ctx, tx, taskID, workspaceID, ledger.RootSentinel, now)
	if err != nil {
		return domain.ProofPacket{}, err
	}
	if workspaceID != "" && task.WorkspaceID != workspaceID {
		return domain.ProofPacket{}, fmt.Errorf("%w: %s is in %s", ledger.ErrWorkspaceMismatch, task.ID, task.WorkspaceID)
	}
	p = domain.ProofPacket{
		ID:          uuid.NewString(),
		TaskID:      task.ID,
		WorkspaceID: task.WorkspaceID,
		Status:      domain.PacketDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := b.Repo.InsertPacketTx(ctx, tx, p); err != nil {
		return domain.ProofPacket{}, fmt.Errorf("insert packet: %w", err)
	}
	return p, nil
}

// MarkPendingTx moves the task's packet to pending when a closure is
// proposed. A packet already past pending is left as is.
func (b *Builder) MarkPendingTx(ctx context.Context, tx *sql.Tx, taskID, workspaceID string) (domain.ProofPacket, error) {
	p, err := b.EnsureDraftTx(ctx, tx, taskID, workspaceID)
	if err != nil {
		return domain.ProofPacket{}, err
	}
	if p.Status.Rank() >= domain.PacketPending.Rank() {
		return p, nil
	}
	next := p
	next.Status = domain.PacketPending
	return b.advanceTx(ctx, tx, p, next)
}

// Finalize seals the task's packet against the current chain head.
func (b *Builder) Finalize(ctx context.Context, taskID string) (domain.ProofPacket, error) {
	var p domain.ProofPacket
	err := b.Ledger.WithTask(ctx, taskID, func(tx *sql.Tx) error {
		var err error
		p, err = b.FinalizeTx(ctx, tx, taskID)
		return err
	})
	return p, err
}

// FinalizeTx upgrades the existing packet in place: the root is the self
// hash of the last event, recomputed from the stored chain before it is
// trusted. Finalizing an already sealed packet returns it unchanged.
func (b *Builder) FinalizeTx(ctx context.Context, tx *sql.Tx, taskID string) (domain.ProofPacket, error) {
	task, err := b.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.ProofPacket{}, err
	}
	p, err := b.EnsureDraftTx(ctx, tx, taskID, task.WorkspaceID)
	if err != nil {
		return domain.ProofPacket{}, err
	}
	if p.Status.Rank() >= domain.PacketFinalized.Rank() {
		return p, nil
	}
	events, err := b.Ledger.ListEventsTx(ctx, tx, taskID)
	if err != nil {
		return domain.ProofPacket{}, err
	}
	if len(events) == 0 {
		return domain.ProofPacket{}, fmt.Errorf("task %s has no events to seal", taskID)
	}
	root, err := ledger.RecomputeChain(events)
	if err != nil {
		return domain.ProofPacket{}, err
	}
	if root != task.HeadHash {
		return domain.ProofPacket{}, &ledger.IntegrityError{TaskID: taskID, Expected: task.HeadHash, Actual: root}
	}
	now := b.now()
	next := p
	next.Status = domain.PacketFinalized
	next.HashChainRoot = root
	next.RootSequence = events[len(events)-1].Sequence
	next.ClosedAt = &now
	if next.ShareToken == "" {
		next.ShareToken = uuid.NewString()
	}
	return b.advanceTx(ctx, tx, p, next)
}

// Export marks a finalized packet exported and records proof_exported on
// the ledger. Exporting twice returns the exported packet.
func (b *Builder) Export(ctx context.Context, packetID, actorID string) (domain.ProofPacket, error) {
	p, err := b.Repo.GetPacket(ctx, packetID)
	if err != nil {
		return domain.ProofPacket{}, err
	}
	err = b.Ledger.WithTask(ctx, p.TaskID, func(tx *sql.Tx) error {
		cur, err := b.Repo.GetPacketTx(ctx, tx, packetID)
		if err != nil {
			return err
		}
		switch cur.Status {
		case domain.PacketExported:
			p = cur
			return nil
		case domain.PacketFinalized:
		default:
			return fmt.Errorf("%w: %s is %s", ErrNotFinalized, cur.ID, cur.Status)
		}
		payload := map[string]any{"packet_id": cur.ID, "hash_chain_root": cur.HashChainRoot, "root_sequence": cur.RootSequence}
		if _, err := b.Ledger.AppendTx(ctx, tx, ledger.AppendRequest{
			TaskID: cur.TaskID, WorkspaceID: cur.WorkspaceID, Type: domain.EventProofExported, Payload: payload, ActorID: actorID,
		}); err != nil {
			return err
		}
		now := b.now()
		next := cur
		next.Status = domain.PacketExported
		next.ExportedAt = &now
		if p, err = b.advanceTx(ctx, tx, cur, next); err != nil {
			return err
		}
		_, err = notify.Outbox{Repo: b.Repo, Now: b.Now}.EnqueueTx(ctx, tx, notify.Request{
			Kind: notify.KindProofExported, WorkspaceID: cur.WorkspaceID, TaskID: cur.TaskID, PacketID: cur.ID, Payload: payload,
		})
		return err
	})
	return p, err
}

func (b *Builder) advanceTx(ctx context.Context, tx *sql.Tx, cur, next domain.ProofPacket) (domain.ProofPacket, error) {
	if next.Status.Rank() <= cur.Status.Rank() {
		return domain.ProofPacket{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, next.Status)
	}
	next.UpdatedAt = b.now()
	ok, err := b.Repo.UpdatePacketStatusTx(ctx, tx, next, cur.Status)
	if err != nil {
		return domain.ProofPacket{}, err
	}
	if !ok {
		return domain.ProofPacket{}, fmt.Errorf("%w: %s changed concurrently", ErrInvalidTransition, cur.ID)
	}
	return next, nil
}

// SetSummary attaches an externally produced summary.
func (b *Builder) SetSummary(ctx context.Context, packetID, summary string) error {
	return b.Repo.SetPacketSummary(ctx, packetID, summary, b.now())
}

func (b *Builder) RecordDeliveryWarning(ctx context.Context, packetID, warning string) error {
	return b.Repo.SetPacketDeliveryWarning(ctx, packetID, warning, b.now())
}

func (b *Builder) Get(ctx context.Context, packetID string) (domain.ProofPacket, error) {
	return b.Repo.GetPacket(ctx, packetID)
}

func (b *Builder) GetByTask(ctx context.Context, taskID string) (domain.ProofPacket, error) {
	return b.Repo.GetPacketByTask(ctx, taskID)
}

// GetByShareToken resolves a share token to its packet. It never writes.
func (b *Builder) GetByShareToken(ctx context.Context, token string) (domain.ProofPacket, error) {
	if token == "" {
		return domain.ProofPacket{}, repo.ErrNotFound
	}
	return b.Repo.GetPacketByShareToken(ctx, token)
}

type Filter struct {
	WorkspaceID string
	Status      string
	Limit       int
}

func (b *Builder) List(ctx context.Context, f Filter) ([]domain.ProofPacket, error) {
	return b.Repo.ListPackets(ctx, repo.PacketFilters{WorkspaceID: f.WorkspaceID, Status: f.Status, Limit: f.Limit})
}
