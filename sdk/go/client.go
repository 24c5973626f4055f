package trailsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Trail HTTP API client.
type Client struct {
	BaseURL     string
	ActorID     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, actorID string) *Client {
	return &Client{
		BaseURL: baseURL,
		ActorID: actorID,
		Timeout: 10 * time.Second,
	}
}

// Evidence is a normalized provider fact.
type Evidence struct {
	TaskID          string         `json:"task_id,omitempty"`
	WorkspaceID     string         `json:"workspace_id"`
	Provider        string         `json:"provider,omitempty"`
	ProviderEventID string         `json:"provider_event_id,omitempty"`
	EventType       string         `json:"event_type"`
	Payload         map[string]any `json:"payload,omitempty"`
	// ExpectedPriorHash makes the append conditional on the chain head.
	ExpectedPriorHash string `json:"expected_prior_hash,omitempty"`
}

// Event represents a ledger entry.
type Event struct {
	EventID     string         `json:"event_id"`
	TaskID      string         `json:"task_id"`
	WorkspaceID string         `json:"workspace_id"`
	EventType   string         `json:"event_type"`
	Payload     map[string]any `json:"payload"`
	Sequence    int64          `json:"sequence"`
	PriorHash   string         `json:"prior_hash"`
	SelfHash    string         `json:"self_hash"`
	ActorID     string         `json:"actor_id,omitempty"`
	CreatedAt   string         `json:"created_at"`
}

type Verdict struct {
	Kind          string   `json:"kind"`
	Reason        string   `json:"reason"`
	Missing       []string `json:"missing,omitempty"`
	ApprovalCount int      `json:"approval_count"`
}

// ClosureJob represents a scheduled, fired or cancelled closure.
type ClosureJob struct {
	JobID            string `json:"job_id"`
	TaskID           string `json:"task_id"`
	WorkspaceID      string `json:"workspace_id"`
	Status           string `json:"status"`
	ProposedAt       string `json:"proposed_at"`
	FireAt           string `json:"fire_at"`
	ResolvedBy       string `json:"resolved_by,omitempty"`
	ResolutionReason string `json:"resolution_reason,omitempty"`
}

// Packet represents a proof packet (partial).
type Packet struct {
	PacketID        string `json:"packet_id"`
	TaskID          string `json:"task_id"`
	WorkspaceID     string `json:"workspace_id"`
	Status          string `json:"status"`
	HashChainRoot   string `json:"hash_chain_root,omitempty"`
	RootSequence    int64  `json:"root_sequence,omitempty"`
	ShareToken      string `json:"share_token,omitempty"`
	DeliveryWarning string `json:"delivery_warning,omitempty"`
}

type IngestResult struct {
	Event     Event       `json:"event"`
	Duplicate bool        `json:"duplicate"`
	Verdict   Verdict     `json:"verdict"`
	Proposed  bool        `json:"proposed"`
	Cancelled bool        `json:"cancelled"`
	Job       *ClosureJob `json:"job,omitempty"`
	Packet    *Packet     `json:"packet,omitempty"`
}

type VerifyReport struct {
	TaskID      string `json:"task_id"`
	EventCount  int    `json:"event_count"`
	Head        string `json:"head"`
	ChainValid  bool   `json:"chain_valid"`
	ChainError  string `json:"chain_error,omitempty"`
	PacketID    string `json:"packet_id,omitempty"`
	PacketValid bool   `json:"packet_valid"`
	PacketError string `json:"packet_error,omitempty"`
}

type ShareLink struct {
	Token     string `json:"token"`
	PacketID  string `json:"packet_id"`
	ExpiresAt string `json:"expires_at"`
	Path      string `json:"path"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// AppendEvent ingests evidence for a task.
func (c *Client) AppendEvent(ctx context.Context, taskID string, ev Evidence) (IngestResult, error) {
	ev.TaskID = ""
	var resp IngestResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%s/events", url.PathEscape(taskID)), ev, &resp)
	return resp, err
}

// IngestBatch ingests evidence for several tasks; each item needs TaskID.
func (c *Client) IngestBatch(ctx context.Context, batch []Evidence) ([]IngestResult, error) {
	var resp struct {
		Items []IngestResult `json:"items"`
	}
	err := c.do(ctx, http.MethodPost, "events/batch", map[string]any{"events": batch}, &resp)
	return resp.Items, err
}

// Events returns a task's ledger after the given sequence.
func (c *Client) Events(ctx context.Context, taskID string, after int64, limit int) ([]Event, error) {
	q := url.Values{}
	if after > 0 {
		q.Set("after", fmt.Sprint(after))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := fmt.Sprintf("tasks/%s/events", url.PathEscape(taskID))
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// VetoTask vetoes the task's scheduled closure.
func (c *Client) VetoTask(ctx context.Context, taskID, reason string) (ClosureJob, error) {
	var resp ClosureJob
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%s/veto", url.PathEscape(taskID)), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// VetoJob vetoes a closure job by id.
func (c *Client) VetoJob(ctx context.Context, jobID, reason string) (ClosureJob, error) {
	var resp ClosureJob
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("closure-jobs/%s/veto", url.PathEscape(jobID)), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Verify recomputes a task's chain server-side.
func (c *Client) Verify(ctx context.Context, taskID string) (VerifyReport, error) {
	var resp VerifyReport
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("tasks/%s/verify", url.PathEscape(taskID)), nil, &resp)
	return resp, err
}

// Packet fetches a proof packet.
func (c *Client) Packet(ctx context.Context, packetID string) (Packet, error) {
	var resp Packet
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("packets/%s", url.PathEscape(packetID)), nil, &resp)
	return resp, err
}

// ExportPacket exports a finalized packet.
func (c *Client) ExportPacket(ctx context.Context, packetID string) (Packet, error) {
	var resp Packet
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("packets/%s/export", url.PathEscape(packetID)), nil, &resp)
	return resp, err
}

// SharePacket mints an expiring read-only link.
func (c *Client) SharePacket(ctx context.Context, packetID string) (ShareLink, error) {
	var resp ShareLink
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("packets/%s/share", url.PathEscape(packetID)), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
