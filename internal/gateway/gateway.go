package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"trail/internal/domain"
	"trail/internal/policy"
)

// Evidence is the normalized shape provider integrations hand to the core.
// ProviderEventID must be unique per provider; it is the dedup key.
type Evidence struct {
	TaskID          string           `json:"task_id"`
	WorkspaceID     string           `json:"workspace_id"`
	Provider        string           `json:"provider"`
	ProviderEventID string           `json:"provider_event_id"`
	EventType       domain.EventType `json:"event_type"`
	Payload         map[string]any   `json:"payload,omitempty"`
	ActorID         string           `json:"actor_id,omitempty"`
	ReceivedAt      time.Time        `json:"received_at,omitempty"`
	// ExpectedPriorHash, when set, is the chain head the caller last saw.
	// A different head fails the append with an integrity conflict.
	ExpectedPriorHash string `json:"expected_prior_hash,omitempty"`
}

var ErrInvalidEvidence = errors.New("invalid evidence")

// Validate checks the contract. Unknown event types pass: they are stored
// for forward compatibility and ignored by evaluation. Lifecycle types are
// reserved for the closure machinery.
func (e Evidence) Validate() error {
	var missing []string
	if strings.TrimSpace(e.TaskID) == "" {
		missing = append(missing, "task_id")
	}
	if strings.TrimSpace(e.WorkspaceID) == "" {
		missing = append(missing, "workspace_id")
	}
	if strings.TrimSpace(string(e.EventType)) == "" {
		missing = append(missing, "event_type")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidEvidence, strings.Join(missing, ", "))
	}
	if e.EventType.Lifecycle() {
		return fmt.Errorf("%w: %s is emitted by the closure engine", ErrInvalidEvidence, e.EventType)
	}
	return nil
}

// IdempotencyKey scopes the provider event id by provider so two providers
// cannot collide on the same id.
func (e Evidence) IdempotencyKey() string {
	if e.ProviderEventID == "" {
		return ""
	}
	if e.Provider == "" {
		return e.ProviderEventID
	}
	return e.Provider + ":" + e.ProviderEventID
}

// Normalizer turns a provider's raw webhook body into evidence. Provider
// integrations implement it; the core only consumes the result.
type Normalizer interface {
	Normalize(ctx context.Context, provider string, raw []byte) ([]Evidence, error)
}

type IngestResult struct {
	Event     domain.Event       `json:"event"`
	Duplicate bool               `json:"duplicate"`
	Verdict   policy.Verdict     `json:"verdict"`
	Job       *domain.ClosureJob `json:"job,omitempty"`
	// Proposed is set when this ingest opened a closure proposal.
	Proposed bool `json:"proposed"`
	// Cancelled is set when this ingest auto-cancelled an active job.
	Cancelled bool                `json:"cancelled"`
	Packet    *domain.ProofPacket `json:"packet,omitempty"`
}

// Sink accepts evidence; the engine implements it.
type Sink interface {
	Ingest(ctx context.Context, ev Evidence) (IngestResult, error)
}

// BatchSink appends a whole batch for one task before evaluating, so the
// verdict does not depend on arrival order inside the batch.
type BatchSink interface {
	Sink
	IngestBatch(ctx context.Context, batch []Evidence) ([]IngestResult, error)
}

// IngestBatch validates a batch and forwards it. Sinks that support batch
// evaluation receive it whole; others get the items in order.
func IngestBatch(ctx context.Context, sink Sink, batch []Evidence) ([]IngestResult, error) {
	for i, ev := range batch {
		if err := ev.Validate(); err != nil {
			return nil, fmt.Errorf("evidence %d: %w", i, err)
		}
	}
	if bs, ok := sink.(BatchSink); ok {
		return bs.IngestBatch(ctx, batch)
	}
	results := make([]IngestResult, 0, len(batch))
	for _, ev := range batch {
		res, err := sink.Ingest(ctx, ev)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// GroupByTask splits a batch per task, keeping arrival order within each
// task and ordering tasks by first appearance.
func GroupByTask(batch []Evidence) [][]Evidence {
	index := map[string]int{}
	var groups [][]Evidence
	for _, ev := range batch {
		i, ok := index[ev.TaskID]
		if !ok {
			i = len(groups)
			index[ev.TaskID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], ev)
	}
	return groups
}

// Normalizers routes raw payloads to a provider's Normalizer.
type Normalizers map[string]Normalizer

func (n Normalizers) Normalize(ctx context.Context, provider string, raw []byte) ([]Evidence, error) {
	impl, ok := n[provider]
	if !ok {
		return nil, fmt.Errorf("no normalizer for provider %q (have %s)", provider, strings.Join(n.Providers(), ", "))
	}
	out, err := impl.Normalize(ctx, provider, raw)
	if err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Provider == "" {
			out[i].Provider = provider
		}
	}
	return out, nil
}

func (n Normalizers) Providers() []string {
	names := make([]string, 0, len(n))
	for name := range n {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
