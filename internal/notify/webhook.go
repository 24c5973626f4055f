package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"trail/internal/config"
	"trail/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookSender posts notifications as JSON to every configured hook whose
// event filter matches the notification kind.
//
// A retry only posts to the hooks that have not yet accepted the
// notification. Accepted hooks are remembered in memory, so a restart
// between attempts can repeat a post; X-Trail-Delivery carries the
// notification id on every attempt and receivers dedupe on it.
type WebhookSender struct {
	Webhooks []config.WebhookConfig
	Client   *http.Client

	mu        sync.Mutex
	delivered map[string]map[int]struct{}
}

func NewWebhookSender(hooks []config.WebhookConfig) *WebhookSender {
	var active []config.WebhookConfig
	for _, h := range hooks {
		if h.Active() {
			active = append(active, h)
		}
	}
	return &WebhookSender{Webhooks: active, Client: &http.Client{Timeout: defaultWebhookTimeout}}
}

type webhookBody struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	WorkspaceID string          `json:"workspace_id"`
	TaskID      string          `json:"task_id"`
	JobID       string          `json:"job_id,omitempty"`
	PacketID    string          `json:"packet_id,omitempty"`
	Attempt     int             `json:"attempt"`
	CreatedAt   string          `json:"created_at"`
	Payload     json.RawMessage `json:"payload"`
}

func (s *WebhookSender) Send(ctx context.Context, n domain.Notification) error {
	var errs []error
	for i, hook := range s.Webhooks {
		if !newEventFilter(hook.Events).match(n.Kind) || s.accepted(n.ID, i) {
			continue
		}
		if err := s.post(ctx, hook, n); err != nil {
			errs = append(errs, err)
			continue
		}
		s.markAccepted(n.ID, i)
	}
	if len(errs) == 0 {
		s.forget(n.ID)
	}
	return errors.Join(errs...)
}

func (s *WebhookSender) accepted(id string, hook int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.delivered[id][hook]
	return ok
}

func (s *WebhookSender) markAccepted(id string, hook int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.delivered == nil {
		s.delivered = make(map[string]map[int]struct{})
	}
	if s.delivered[id] == nil {
		s.delivered[id] = make(map[int]struct{})
	}
	s.delivered[id][hook] = struct{}{}
}

func (s *WebhookSender) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.delivered, id)
}

func (s *WebhookSender) post(ctx context.Context, hook config.WebhookConfig, n domain.Notification) error {
	payload := json.RawMessage("{}")
	if n.Payload != "" && json.Valid([]byte(n.Payload)) {
		payload = json.RawMessage(n.Payload)
	}
	data, err := json.Marshal(webhookBody{
		ID:          n.ID,
		Kind:        n.Kind,
		WorkspaceID: n.WorkspaceID,
		TaskID:      n.TaskID,
		JobID:       n.JobID,
		PacketID:    n.PacketID,
		Attempt:     n.Attempts + 1,
		CreatedAt:   n.CreatedAt.Format(time.RFC3339),
		Payload:     payload,
	})
	if err != nil {
		return err
	}
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != client.Timeout {
			client = &http.Client{Timeout: timeout, Transport: client.Transport}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return &DeliveryError{Kind: n.Kind, Target: hook.URL, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Trail-Event", n.Kind)
	req.Header.Set("X-Trail-Delivery", n.ID)
	req.Header.Set("X-Trail-Workspace", n.WorkspaceID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Trail-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return &DeliveryError{Kind: n.Kind, Target: hook.URL, Err: err}
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &DeliveryError{Kind: n.Kind, Target: hook.URL, Status: res.StatusCode, Err: errors.New(strings.TrimSpace(string(body)))}
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(kind string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[kind]
	return ok
}
