package server

import (
	"time"

	"trail/internal/domain"
	"trail/internal/engine"
	"trail/internal/gateway"
	"trail/internal/policy"
)

// Request payloads

type AppendEventRequest struct {
	WorkspaceID     string         `json:"workspace_id"`
	Provider        string         `json:"provider,omitempty" example:"github"`
	ProviderEventID string         `json:"provider_event_id,omitempty" example:"delivery-8f2c"`
	EventType       string         `json:"event_type" example:"pr_merged"`
	Payload         map[string]any `json:"payload,omitempty"`
	ReceivedAt      *time.Time     `json:"received_at,omitempty"`
	// ExpectedPriorHash makes the append conditional on the current head.
	ExpectedPriorHash string `json:"expected_prior_hash,omitempty" doc:"Current chain head the caller expects; a mismatch answers 409 integrity_conflict"`
}

type BatchEvidence struct {
	TaskID            string         `json:"task_id"`
	WorkspaceID       string         `json:"workspace_id"`
	Provider          string         `json:"provider,omitempty"`
	ProviderEventID   string         `json:"provider_event_id,omitempty"`
	EventType         string         `json:"event_type"`
	Payload           map[string]any `json:"payload,omitempty"`
	ReceivedAt        *time.Time     `json:"received_at,omitempty"`
	ExpectedPriorHash string         `json:"expected_prior_hash,omitempty"`
}

type IngestBatchRequest struct {
	Events []BatchEvidence `json:"events"`
}

type VetoRequest struct {
	Reason string `json:"reason,omitempty"`
}

type SetSummaryRequest struct {
	Summary string `json:"summary"`
}

// Responses

type EventResponse struct {
	EventID        string           `json:"event_id"`
	TaskID         string           `json:"task_id"`
	WorkspaceID    string           `json:"workspace_id"`
	EventType      domain.EventType `json:"event_type"`
	Payload        any              `json:"payload"`
	Sequence       int64            `json:"sequence"`
	PriorHash      string           `json:"prior_hash"`
	SelfHash       string           `json:"self_hash"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	ActorID        string           `json:"actor_id,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

type IngestResponse struct {
	Event     EventResponse       `json:"event"`
	Duplicate bool                `json:"duplicate"`
	Verdict   policy.Verdict      `json:"verdict"`
	Proposed  bool                `json:"proposed"`
	Cancelled bool                `json:"cancelled"`
	Job       *domain.ClosureJob  `json:"job,omitempty"`
	Packet    *domain.ProofPacket `json:"packet,omitempty"`
}

type IngestBatchResponse struct {
	Items []IngestResponse `json:"items"`
}

type EventListResponse struct {
	Items []EventResponse `json:"items"`
	// NextAfter is the sequence to pass as after= for the next page.
	NextAfter int64 `json:"next_after,omitempty"`
}

type TaskResponse struct {
	Task      domain.Task         `json:"task"`
	Policy    PolicyResponse      `json:"policy"`
	Verdict   policy.Verdict      `json:"verdict"`
	Events    []EventResponse     `json:"events"`
	ActiveJob *domain.ClosureJob  `json:"active_job,omitempty"`
	Packet    *domain.ProofPacket `json:"packet,omitempty"`
}

type PolicyResponse struct {
	Name               string   `json:"name"`
	RequiredEventTypes []string `json:"required_event_types"`
	ExcludedEventTypes []string `json:"excluded_event_types"`
	MinApprovals       int      `json:"min_approvals"`
	AutoCloseDelay     string   `json:"auto_close_delay"`
}

type JobListResponse struct {
	Items []domain.ClosureJob `json:"items"`
}

type PacketListResponse struct {
	Items []domain.ProofPacket `json:"items"`
}

type NotificationListResponse struct {
	Items []domain.Notification `json:"items"`
}

type ShareLinkResponse struct {
	Token     string    `json:"token"`
	PacketID  string    `json:"packet_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Path      string    `json:"path"`
}

type SharedPacketResponse struct {
	Packet domain.ProofPacket `json:"packet"`
	Events []EventResponse    `json:"events"`
}

type VerifyResponse = engine.VerifyReport

func eventResponse(ev domain.Event) EventResponse {
	return EventResponse{
		EventID:        ev.ID,
		TaskID:         ev.TaskID,
		WorkspaceID:    ev.WorkspaceID,
		EventType:      ev.Type,
		Payload:        ev.PayloadMap(),
		Sequence:       ev.Sequence,
		PriorHash:      ev.PriorHash,
		SelfHash:       ev.SelfHash,
		IdempotencyKey: ev.IdempotencyKey,
		ActorID:        ev.ActorID,
		CreatedAt:      ev.CreatedAt,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, ev := range items {
		out = append(out, eventResponse(ev))
	}
	return out
}

func ingestResponse(res gateway.IngestResult) IngestResponse {
	return IngestResponse{
		Event:     eventResponse(res.Event),
		Duplicate: res.Duplicate,
		Verdict:   res.Verdict,
		Proposed:  res.Proposed,
		Cancelled: res.Cancelled,
		Job:       res.Job,
		Packet:    res.Packet,
	}
}

func policyResponse(p policy.Policy) PolicyResponse {
	return PolicyResponse{
		Name:               p.Name,
		RequiredEventTypes: eventTypeStrings(p.RequiredEventTypes),
		ExcludedEventTypes: eventTypeStrings(p.ExcludedEventTypes),
		MinApprovals:       p.MinApprovals,
		AutoCloseDelay:     p.Delay().String(),
	}
}

func eventTypeStrings(types []domain.EventType) []string {
	out := make([]string, 0, len(types))
	for _, t := range types {
		out = append(out, string(t))
	}
	return out
}

func taskResponse(st engine.TaskStatus) TaskResponse {
	return TaskResponse{
		Task:      st.Task,
		Policy:    policyResponse(st.Policy),
		Verdict:   st.Verdict,
		Events:    mapEvents(st.Events),
		ActiveJob: st.ActiveJob,
		Packet:    st.Packet,
	}
}

func (r AppendEventRequest) evidence(taskID, actorID string) gateway.Evidence {
	ev := gateway.Evidence{
		TaskID:            taskID,
		WorkspaceID:       r.WorkspaceID,
		Provider:          r.Provider,
		ProviderEventID:   r.ProviderEventID,
		EventType:         domain.EventType(r.EventType),
		Payload:           r.Payload,
		ActorID:           actorID,
		ExpectedPriorHash: r.ExpectedPriorHash,
	}
	if r.ReceivedAt != nil {
		ev.ReceivedAt = *r.ReceivedAt
	}
	return ev
}

func (b BatchEvidence) evidence(actorID string) gateway.Evidence {
	return AppendEventRequest{
		WorkspaceID:       b.WorkspaceID,
		Provider:          b.Provider,
		ProviderEventID:   b.ProviderEventID,
		EventType:         b.EventType,
		Payload:           b.Payload,
		ReceivedAt:        b.ReceivedAt,
		ExpectedPriorHash: b.ExpectedPriorHash,
	}.evidence(b.TaskID, actorID)
}
