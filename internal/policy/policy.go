package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"trail/internal/domain"
)

const DefaultAutoCloseDelay = 24 * time.Hour

// Policy is the declarative definition of done for a workspace.
type Policy struct {
	Name               string             `json:"name"`
	RequiredEventTypes []domain.EventType `json:"required_event_types"`
	ExcludedEventTypes []domain.EventType `json:"excluded_event_types,omitempty"`
	MinApprovals       int                `json:"min_approvals"`
	AutoCloseDelay     time.Duration      `json:"auto_close_delay"`
	// Cures maps an excluded type to the event that clears it. Types
	// missing here fall back to the built-in pairs; an empty value means
	// nothing clears the exclusion.
	Cures map[domain.EventType]domain.EventType `json:"cures,omitempty"`
}

// defaultCures pairs each failure signal with the result that contradicts it.
var defaultCures = map[domain.EventType]domain.EventType{
	domain.EventCIFailed:          domain.EventCIPassed,
	domain.EventHandshakeRejected: domain.EventHandshakeAccepted,
}

// CureFor returns the event type that clears an excluded type.
func (p Policy) CureFor(excluded domain.EventType) (domain.EventType, bool) {
	if cure, ok := p.Cures[excluded]; ok {
		return cure, cure != ""
	}
	cure, ok := defaultCures[excluded]
	return cure, ok
}

// Default is the standard tier.
func Default() Policy {
	return Policy{
		Name:               "standard",
		RequiredEventTypes: []domain.EventType{domain.EventPRMerged, domain.EventPRApproved, domain.EventCIPassed},
		ExcludedEventTypes: []domain.EventType{domain.EventCIFailed},
		MinApprovals:       1,
		AutoCloseDelay:     DefaultAutoCloseDelay,
	}
}

func (p Policy) Delay() time.Duration {
	if p.AutoCloseDelay <= 0 {
		return DefaultAutoCloseDelay
	}
	return p.AutoCloseDelay
}

type Kind string

const (
	NotReady     Kind = "not_ready"
	Ready        Kind = "ready"
	Disqualified Kind = "disqualified"
)

type Verdict struct {
	Kind   Kind   `json:"kind" enum:"not_ready,ready,disqualified"`
	Reason string `json:"reason"`
	// Missing lists required types not yet observed.
	Missing []domain.EventType `json:"missing,omitempty"`
	// CompletedSequence is the sequence of the latest required event once
	// the required set is complete.
	CompletedSequence int64 `json:"completed_sequence,omitempty"`
	ApprovalCount     int   `json:"approval_count"`
}

var ErrPolicyViolation = errors.New("policy violation")

// ViolationError carries the disqualifying verdict.
type ViolationError struct {
	Verdict Verdict
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("policy violation: %s", e.Verdict.Reason)
}

func (e *ViolationError) Unwrap() error { return ErrPolicyViolation }

// Check turns a disqualified verdict into a *ViolationError.
func Check(v Verdict) error {
	if v.Kind == Disqualified {
		return &ViolationError{Verdict: v}
	}
	return nil
}

// Evaluate decides closure readiness from the task's events. It only reads
// its arguments; events are evaluated in sequence order whatever order they
// are passed in, and types outside the known vocabulary are skipped.
func Evaluate(task domain.Task, events []domain.Event, p Policy) Verdict {
	ordered := make([]domain.Event, 0, len(events))
	for _, ev := range events {
		if task.ID != "" && ev.TaskID != "" && ev.TaskID != task.ID {
			continue
		}
		if !ev.Type.Known() {
			continue
		}
		ordered = append(ordered, ev)
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Sequence < ordered[j].Sequence })

	latest := map[domain.EventType]int64{}
	first := map[domain.EventType]int64{}
	approvers := map[string]struct{}{}
	for _, ev := range ordered {
		latest[ev.Type] = ev.Sequence
		if _, ok := first[ev.Type]; !ok {
			first[ev.Type] = ev.Sequence
		}
		if ev.Type == domain.EventPRApproved {
			who := ev.PayloadString("approver")
			if who == "" {
				who = ev.ID
			}
			approvers[who] = struct{}{}
		}
	}

	v := Verdict{ApprovalCount: len(approvers)}
	// completed moves with every new required event; firstComplete is
	// where the required set was first whole and never moves.
	var completed, firstComplete int64
	for _, typ := range p.RequiredEventTypes {
		seq, ok := latest[typ]
		if !ok {
			v.Missing = append(v.Missing, typ)
			continue
		}
		if seq > completed {
			completed = seq
		}
		if first[typ] > firstComplete {
			firstComplete = first[typ]
		}
	}
	if len(v.Missing) > 0 {
		v.Kind = NotReady
		v.Reason = "missing " + joinTypes(v.Missing)
		return v
	}
	// An excluded event with a cure stands until a later cure arrives.
	// Without one it only counts once the required set was complete, and
	// no later evidence clears it.
	for _, typ := range p.ExcludedEventTypes {
		seq, ok := latest[typ]
		if !ok {
			continue
		}
		if cure, ok := p.CureFor(typ); ok {
			if seq > latest[cure] {
				v.Kind = Disqualified
				v.Reason = fmt.Sprintf("%s at sequence %d not cleared by a later %s", typ, seq, cure)
				return v
			}
			continue
		}
		if seq > firstComplete {
			v.Kind = Disqualified
			v.Reason = fmt.Sprintf("%s at sequence %d after required evidence", typ, seq)
			return v
		}
	}
	if v.ApprovalCount < p.MinApprovals {
		v.Kind = NotReady
		v.Reason = fmt.Sprintf("%d of %d approvals", v.ApprovalCount, p.MinApprovals)
		return v
	}
	v.Kind = Ready
	v.CompletedSequence = completed
	if len(p.RequiredEventTypes) == 0 {
		v.Reason = "no evidence required"
	} else {
		v.Reason = "required evidence present: " + joinTypes(p.RequiredEventTypes)
	}
	return v
}

// ShouldPropose reports whether a Ready verdict opens a new readiness
// episode: no job is active, the task never closed, and the evidence
// completed after the last proposal outcome.
func ShouldPropose(v Verdict, events []domain.Event, activeJob bool) bool {
	if v.Kind != Ready || activeJob {
		return false
	}
	var lastOutcome int64
	for _, ev := range events {
		switch ev.Type {
		case domain.EventClosureApproved:
			return false
		case domain.EventClosureProposed, domain.EventClosureVetoed:
			if ev.Sequence > lastOutcome {
				lastOutcome = ev.Sequence
			}
		}
	}
	return v.CompletedSequence > lastOutcome
}

func joinTypes(types []domain.EventType) string {
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = string(t)
	}
	return strings.Join(parts, ", ")
}
