package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"trail/internal/domain"
	"trail/internal/repo"
)

const (
	defaultMaxAttempts  = 5
	defaultBaseBackoff  = 2 * time.Second
	defaultMaxBackoff   = 5 * time.Minute
	defaultPollInterval = 2 * time.Second
	defaultBatch        = 100
)

var ErrExternalNotify = errors.New("external notification failed")

// DeliveryError describes one failed delivery to an external target.
type DeliveryError struct {
	Kind   string
	Target string
	Status int
	Err    error
}

func (e *DeliveryError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("deliver %s to %s: status %d", e.Kind, e.Target, e.Status)
	}
	return fmt.Sprintf("deliver %s to %s: %v", e.Kind, e.Target, e.Err)
}

func (e *DeliveryError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrExternalNotify, e.Err}
	}
	return []error{ErrExternalNotify}
}

type Sender interface {
	Send(ctx context.Context, n domain.Notification) error
}

// Backoff returns base*2^(attempt-1) capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = defaultBaseBackoff
	}
	if max <= 0 {
		max = defaultMaxBackoff
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Dispatcher drains the outbox. Failed deliveries are retried with
// exponential backoff until MaxAttempts, then dead-lettered.
type Dispatcher struct {
	Repo         repo.Repo
	Sender       Sender
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	PollInterval time.Duration
	Workers      int
	Logger       *log.Logger
	Now          func() time.Time
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

func (d *Dispatcher) logf(format string, args ...any) {
	if d.Logger != nil {
		d.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	interval := d.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
			d.logf("notify: dispatch failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce attempts every due notification once and returns how many were
// attempted.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	due, err := d.Repo.ListDueNotifications(ctx, d.now(), defaultBatch)
	if err != nil {
		return 0, fmt.Errorf("list due notifications: %w", err)
	}
	workers := d.Workers
	if workers <= 0 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, n := range due {
		n := n
		g.Go(func() error {
			return d.deliver(gctx, n)
		})
	}
	return len(due), g.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, n domain.Notification) error {
	maxAttempts := d.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	sender := d.Sender
	if sender == nil {
		sender = LogSender{Logger: d.Logger}
	}
	sendErr := sender.Send(ctx, n)
	attempts := n.Attempts + 1
	now := d.now()
	if sendErr == nil {
		return d.Repo.RecordAttempt(ctx, n.ID, domain.NotificationDelivered, attempts, now, "", now)
	}
	if ctx.Err() != nil {
		return nil
	}
	if attempts >= maxAttempts {
		d.logf("notify: %s for task %s dead-lettered after %d attempts: %v", n.Kind, n.TaskID, attempts, sendErr)
		if err := d.Repo.RecordAttempt(ctx, n.ID, domain.NotificationDead, attempts, now, sendErr.Error(), now); err != nil {
			return err
		}
		if n.PacketID != "" {
			warning := fmt.Sprintf("%s notification undelivered: %v", n.Kind, sendErr)
			if err := d.Repo.SetPacketDeliveryWarning(ctx, n.PacketID, warning, now); err != nil && !errors.Is(err, repo.ErrNotFound) {
				return err
			}
		}
		return nil
	}
	next := now.Add(Backoff(attempts, d.BaseBackoff, d.MaxBackoff))
	return d.Repo.RecordAttempt(ctx, n.ID, domain.NotificationPending, attempts, next, sendErr.Error(), now)
}

// LogSender writes notifications to the log. It is the sender used when no
// webhook is configured.
type LogSender struct {
	Logger *log.Logger
}

func (s LogSender) Send(_ context.Context, n domain.Notification) error {
	msg := fmt.Sprintf("notify: %s task=%s job=%s packet=%s payload=%s", n.Kind, n.TaskID, n.JobID, n.PacketID, n.Payload)
	if s.Logger != nil {
		s.Logger.Print(msg)
		return nil
	}
	log.Print(msg)
	return nil
}
