package domain

import (
	"encoding/json"
	"time"
)

// EventType enumerates the evidence and lifecycle facts a task ledger records.
type EventType string

const (
	EventHandshakeAccepted EventType = "handshake_accepted"
	EventHandshakeRejected EventType = "handshake_rejected"
	EventPROpened          EventType = "pr_opened"
	EventPRMerged          EventType = "pr_merged"
	EventPRApproved        EventType = "pr_approved"
	EventCIPassed          EventType = "ci_passed"
	EventCIFailed          EventType = "ci_failed"
	EventJiraStatusChanged EventType = "jira_status_changed"
	EventClosureProposed   EventType = "closure_proposed"
	EventClosureVetoed     EventType = "closure_vetoed"
	EventClosureApproved   EventType = "closure_approved"
	EventProofExported     EventType = "proof_exported"
)

var knownEventTypes = map[EventType]struct{}{
	EventHandshakeAccepted: {},
	EventHandshakeRejected: {},
	EventPROpened:          {},
	EventPRMerged:          {},
	EventPRApproved:        {},
	EventCIPassed:          {},
	EventCIFailed:          {},
	EventJiraStatusChanged: {},
	EventClosureProposed:   {},
	EventClosureVetoed:     {},
	EventClosureApproved:   {},
	EventProofExported:     {},
}

// Known reports whether the type is part of the current vocabulary.
// Unknown types are still stored; evaluators skip them.
func (t EventType) Known() bool {
	_, ok := knownEventTypes[t]
	return ok
}

// Lifecycle reports whether the type is emitted by the closure machinery
// rather than ingested from a provider.
func (t EventType) Lifecycle() bool {
	switch t {
	case EventClosureProposed, EventClosureVetoed, EventClosureApproved, EventProofExported:
		return true
	}
	return false
}

type LifecycleState string

const (
	LifecycleTracking        LifecycleState = "tracking"
	LifecycleClosureProposed LifecycleState = "closure_proposed"
	LifecycleClosed          LifecycleState = "closed"
	LifecycleVetoed          LifecycleState = "vetoed"
)

type Task struct {
	ID             string         `json:"task_id"`
	WorkspaceID    string         `json:"workspace_id"`
	LifecycleState LifecycleState `json:"lifecycle_state" enum:"tracking,closure_proposed,closed,vetoed"`
	HeadHash       string         `json:"head_hash"`
	HeadSequence   int64          `json:"head_sequence"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Event is an immutable, hash-chained ledger entry. Payload holds the exact
// canonical JSON bytes that were hashed.
type Event struct {
	ID             string    `json:"event_id"`
	TaskID         string    `json:"task_id"`
	WorkspaceID    string    `json:"workspace_id"`
	Type           EventType `json:"event_type"`
	Payload        string    `json:"payload_json"`
	Sequence       int64     `json:"sequence"`
	PriorHash      string    `json:"prior_hash"`
	SelfHash       string    `json:"self_hash"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	ActorID        string    `json:"actor_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// PayloadMap decodes the payload; malformed payloads decode to an empty map.
func (e Event) PayloadMap() map[string]any {
	out := map[string]any{}
	if e.Payload == "" {
		return out
	}
	if err := json.Unmarshal([]byte(e.Payload), &out); err != nil {
		return map[string]any{}
	}
	return out
}

// PayloadString returns a string field of the payload or "".
func (e Event) PayloadString(key string) string {
	v, ok := e.PayloadMap()[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

type JobStatus string

const (
	JobScheduled JobStatus = "scheduled"
	JobFired     JobStatus = "fired"
	JobCancelled JobStatus = "cancelled"
)

type ClosureJob struct {
	ID               string     `json:"job_id"`
	TaskID           string     `json:"task_id"`
	WorkspaceID      string     `json:"workspace_id"`
	Status           JobStatus  `json:"status" enum:"scheduled,fired,cancelled"`
	ProposedAt       time.Time  `json:"proposed_at"`
	FireAt           time.Time  `json:"fire_at"`
	Reason           string     `json:"reason,omitempty"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy       string     `json:"resolved_by,omitempty"`
	ResolutionReason string     `json:"resolution_reason,omitempty"`
}

func (j ClosureJob) Terminal() bool {
	return j.Status == JobFired || j.Status == JobCancelled
}

type PacketStatus string

const (
	PacketDraft     PacketStatus = "draft"
	PacketPending   PacketStatus = "pending"
	PacketFinalized PacketStatus = "finalized"
	PacketExported  PacketStatus = "exported"
)

// Rank orders packet states; transitions may only increase it.
func (s PacketStatus) Rank() int {
	switch s {
	case PacketDraft:
		return 1
	case PacketPending:
		return 2
	case PacketFinalized:
		return 3
	case PacketExported:
		return 4
	}
	return 0
}

type ProofPacket struct {
	ID              string       `json:"packet_id"`
	TaskID          string       `json:"task_id"`
	WorkspaceID     string       `json:"workspace_id"`
	Status          PacketStatus `json:"status" enum:"draft,pending,finalized,exported"`
	HashChainRoot   string       `json:"hash_chain_root,omitempty"`
	RootSequence    int64        `json:"root_sequence,omitempty"`
	AISummary       string       `json:"ai_summary,omitempty"`
	ShareToken      string       `json:"share_token,omitempty"`
	DeliveryWarning string       `json:"delivery_warning,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	ClosedAt        *time.Time   `json:"closed_at,omitempty"`
	ExportedAt      *time.Time   `json:"exported_at,omitempty"`
}

type NotificationStatus string

const (
	NotificationPending   NotificationStatus = "pending"
	NotificationDelivered NotificationStatus = "delivered"
	NotificationDead      NotificationStatus = "dead"
)

type Notification struct {
	ID            string             `json:"id"`
	Kind          string             `json:"kind"`
	WorkspaceID   string             `json:"workspace_id"`
	TaskID        string             `json:"task_id"`
	JobID         string             `json:"job_id,omitempty"`
	PacketID      string             `json:"packet_id,omitempty"`
	Payload       string             `json:"payload_json"`
	Status        NotificationStatus `json:"status" enum:"pending,delivered,dead"`
	Attempts      int                `json:"attempts"`
	NextAttemptAt time.Time          `json:"next_attempt_at"`
	LastError     string             `json:"last_error,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}
