package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"trail/internal/config"
	"trail/internal/db"
	"trail/internal/domain"
	"trail/internal/migrate"
	"trail/internal/repo"
)

type testEnv struct {
	Repo   repo.Repo
	Outbox Outbox
	Ctx    context.Context
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &testEnv{Repo: repo.Repo{DB: conn}, Ctx: context.Background(), now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	env.Outbox = Outbox{Repo: env.Repo, Now: env.clock}
	return env
}

func (e *testEnv) clock() time.Time { return e.now }

func (e *testEnv) enqueue(t *testing.T, req Request) domain.Notification {
	t.Helper()
	tx, err := e.Repo.DB.BeginTx(e.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	n, err := e.Outbox.EnqueueTx(e.Ctx, tx, req)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return n
}

func (e *testEnv) seedPacket(t *testing.T, taskID string) domain.ProofPacket {
	t.Helper()
	tx, err := e.Repo.DB.BeginTx(e.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if _, err := e.Repo.EnsureTaskTx(e.Ctx, tx, taskID, "ws-1", "root", e.now); err != nil {
		t.Fatal(err)
	}
	p := domain.ProofPacket{ID: "pkt-" + taskID, TaskID: taskID, WorkspaceID: "ws-1", Status: domain.PacketFinalized, CreatedAt: e.now, UpdatedAt: e.now}
	if err := e.Repo.InsertPacketTx(e.Ctx, tx, p); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestBackoffIsExponentialAndCapped(t *testing.T) {
	base, max := time.Second, 10*time.Second
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := Backoff(i+1, base, max); got != w {
			t.Fatalf("attempt %d: got %s want %s", i+1, got, w)
		}
	}
	if got := Backoff(500, base, max); got != max {
		t.Fatalf("large attempt should cap, got %s", got)
	}
}

func TestWebhookDelivery(t *testing.T) {
	env := newTestEnv(t)
	var got webhookBody
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := env.enqueue(t, Request{Kind: KindClosureApproved, WorkspaceID: "ws-1", TaskID: "T-1", JobID: "job-1", Payload: map[string]any{"hash_chain_root": "abc"}})
	d := &Dispatcher{
		Repo:   env.Repo,
		Sender: NewWebhookSender([]config.WebhookConfig{{URL: srv.URL, Secret: "s3cret", Events: []string{KindClosureApproved}}}),
		Now:    env.clock,
	}
	count, err := d.RunOnce(env.Ctx)
	if err != nil || count != 1 {
		t.Fatalf("run once: count=%d err=%v", count, err)
	}
	if got.ID != n.ID || got.TaskID != "T-1" || string(got.Payload) != `{"hash_chain_root":"abc"}` {
		t.Fatalf("unexpected body %+v", got)
	}
	if headers.Get("X-Trail-Event") != KindClosureApproved || headers.Get("X-Trail-Secret") != "s3cret" || headers.Get("X-Trail-Delivery") != n.ID {
		t.Fatalf("unexpected headers %v", headers)
	}
	stored, err := env.Repo.GetNotification(env.Ctx, n.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != domain.NotificationDelivered || stored.Attempts != 1 {
		t.Fatalf("expected delivered after one attempt, got %+v", stored)
	}
}

func TestWebhookFilterSkipsOtherKinds(t *testing.T) {
	env := newTestEnv(t)
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()
	env.enqueue(t, Request{Kind: KindClosureProposed, WorkspaceID: "ws-1", TaskID: "T-1"})
	d := &Dispatcher{Repo: env.Repo, Sender: NewWebhookSender([]config.WebhookConfig{{URL: srv.URL, Events: []string{KindClosureApproved}}}), Now: env.clock}
	if _, err := d.RunOnce(env.Ctx); err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Fatalf("filtered kind should not be posted")
	}
}

func TestRetrySkipsHooksThatAccepted(t *testing.T) {
	env := newTestEnv(t)
	var okHits, flakyHits int32
	var okDelivery, flakyDelivery atomic.Value
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&okHits, 1)
		okDelivery.Store(r.Header.Get("X-Trail-Delivery"))
	}))
	defer ok.Close()
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flakyDelivery.Store(r.Header.Get("X-Trail-Delivery"))
		if atomic.AddInt32(&flakyHits, 1) == 1 {
			http.Error(w, "try later", http.StatusServiceUnavailable)
		}
	}))
	defer flaky.Close()

	n := env.enqueue(t, Request{Kind: KindClosureApproved, WorkspaceID: "ws-1", TaskID: "T-3"})
	d := &Dispatcher{
		Repo:        env.Repo,
		Sender:      NewWebhookSender([]config.WebhookConfig{{URL: ok.URL}, {URL: flaky.URL}}),
		BaseBackoff: time.Second,
		Now:         env.clock,
	}
	if _, err := d.RunOnce(env.Ctx); err != nil {
		t.Fatal(err)
	}
	stored, _ := env.Repo.GetNotification(env.Ctx, n.ID)
	if stored.Status != domain.NotificationPending {
		t.Fatalf("one failing hook should keep the notification pending, got %+v", stored)
	}
	env.now = env.now.Add(time.Second)
	if _, err := d.RunOnce(env.Ctx); err != nil {
		t.Fatal(err)
	}
	stored, _ = env.Repo.GetNotification(env.Ctx, n.ID)
	if stored.Status != domain.NotificationDelivered || stored.Attempts != 2 {
		t.Fatalf("expected delivered on the second attempt, got %+v", stored)
	}
	if got := atomic.LoadInt32(&okHits); got != 1 {
		t.Fatalf("accepted hook posted %d times, want 1", got)
	}
	if got := atomic.LoadInt32(&flakyHits); got != 2 {
		t.Fatalf("failing hook posted %d times, want 2", got)
	}
	if okDelivery.Load() != n.ID || flakyDelivery.Load() != n.ID {
		t.Fatalf("delivery ids %v %v, want %s", okDelivery.Load(), flakyDelivery.Load(), n.ID)
	}
}

func TestFailedDeliveryRetriesThenDeadLetters(t *testing.T) {
	env := newTestEnv(t)
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "chat is down", http.StatusBadGateway)
	}))
	defer srv.Close()
	pkt := env.seedPacket(t, "T-9")
	n := env.enqueue(t, Request{Kind: KindClosureApproved, WorkspaceID: "ws-1", TaskID: "T-9", PacketID: pkt.ID})

	d := &Dispatcher{
		Repo:        env.Repo,
		Sender:      NewWebhookSender([]config.WebhookConfig{{URL: srv.URL}}),
		MaxAttempts: 3,
		BaseBackoff: time.Second,
		MaxBackoff:  time.Minute,
		Now:         env.clock,
	}
	if _, err := d.RunOnce(env.Ctx); err != nil {
		t.Fatal(err)
	}
	stored, _ := env.Repo.GetNotification(env.Ctx, n.ID)
	if stored.Status != domain.NotificationPending || stored.Attempts != 1 || !stored.NextAttemptAt.Equal(env.now.Add(time.Second)) {
		t.Fatalf("expected retry scheduled after 1s, got %+v", stored)
	}
	// not due yet
	if count, _ := d.RunOnce(env.Ctx); count != 0 {
		t.Fatalf("retry ran before its backoff elapsed")
	}
	env.now = env.now.Add(time.Second)
	if _, err := d.RunOnce(env.Ctx); err != nil {
		t.Fatal(err)
	}
	env.now = env.now.Add(2 * time.Second)
	if _, err := d.RunOnce(env.Ctx); err != nil {
		t.Fatal(err)
	}
	stored, _ = env.Repo.GetNotification(env.Ctx, n.ID)
	if stored.Status != domain.NotificationDead || stored.Attempts != 3 {
		t.Fatalf("expected dead letter after 3 attempts, got %+v", stored)
	}
	if atomic.LoadInt32(&hits) != 3 {
		t.Fatalf("expected 3 posts, got %d", hits)
	}
	packet, err := env.Repo.GetPacket(env.Ctx, pkt.ID)
	if err != nil {
		t.Fatal(err)
	}
	if packet.DeliveryWarning == "" || packet.Status != domain.PacketFinalized {
		t.Fatalf("expected delivery warning on finalized packet, got %+v", packet)
	}
	// dead letters are never picked up again
	env.now = env.now.Add(time.Hour)
	if count, _ := d.RunOnce(env.Ctx); count != 0 {
		t.Fatalf("dead letter was retried")
	}
}

func TestDeliveryErrorMatchesSentinel(t *testing.T) {
	err := error(&DeliveryError{Kind: KindClosureVetoed, Target: "http://x", Status: 500})
	if !errors.Is(err, ErrExternalNotify) {
		t.Fatalf("delivery error should match ErrExternalNotify")
	}
}
