package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"trail/internal/db"
	"trail/internal/domain"
	"trail/internal/ledger"
	"trail/internal/migrate"
)

func newTestLedger(t *testing.T) (*ledger.Ledger, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	l := ledger.New(conn)
	l.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return l, context.Background()
}

func appendEvent(t *testing.T, l *ledger.Ledger, taskID string, typ domain.EventType, key string) domain.Event {
	t.Helper()
	ev, err := l.Append(context.Background(), ledger.AppendRequest{
		TaskID: taskID, WorkspaceID: "ws-1", Type: typ, IdempotencyKey: key,
		Payload: map[string]any{"provider": "github", "ref": key},
	})
	if err != nil {
		t.Fatalf("append %s: %v", typ, err)
	}
	return ev
}

func TestAppendChainsEvents(t *testing.T) {
	l, ctx := newTestLedger(t)
	first := appendEvent(t, l, "PROJ-1", domain.EventPRMerged, "gh-1")
	second := appendEvent(t, l, "PROJ-1", domain.EventPRApproved, "gh-2")

	if first.Sequence != 1 || second.Sequence != 2 {
		t.Fatalf("unexpected sequences %d %d", first.Sequence, second.Sequence)
	}
	if first.PriorHash != ledger.RootSentinel {
		t.Fatalf("first prior hash should be the root sentinel, got %s", first.PriorHash)
	}
	if second.PriorHash != first.SelfHash {
		t.Fatalf("second prior hash %s != first self hash %s", second.PriorHash, first.SelfHash)
	}
	if got := ledger.ContentHash(second.Type, second.Payload, second.Sequence, second.PriorHash); got != second.SelfHash {
		t.Fatalf("self hash not reproducible")
	}
	head, err := l.Head(ctx, "PROJ-1")
	if err != nil || head != second.SelfHash {
		t.Fatalf("head %s err %v", head, err)
	}
	latest, ok, err := l.LatestEvent(ctx, "PROJ-1")
	if err != nil || !ok || latest.ID != second.ID {
		t.Fatalf("latest event mismatch: %+v ok=%v err=%v", latest, ok, err)
	}
	if _, err := l.Verify(ctx, "PROJ-1"); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestLatestEventEmpty(t *testing.T) {
	l, ctx := newTestLedger(t)
	if _, ok, err := l.LatestEvent(ctx, "NOPE-1"); err != nil || ok {
		t.Fatalf("expected no event, ok=%v err=%v", ok, err)
	}
	head, err := l.Head(ctx, "NOPE-1")
	if err != nil || head != ledger.RootSentinel {
		t.Fatalf("empty head should be sentinel, got %s err %v", head, err)
	}
}

func TestAppendIsIdempotentPerTask(t *testing.T) {
	l, ctx := newTestLedger(t)
	first := appendEvent(t, l, "PROJ-1", domain.EventPRApproved, "gh-7")
	again, err := l.Append(ctx, ledger.AppendRequest{TaskID: "PROJ-1", WorkspaceID: "ws-1", Type: domain.EventPRApproved, IdempotencyKey: "gh-7"})
	if !errors.Is(err, ledger.ErrDuplicateEvent) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("duplicate should return stored event")
	}
	// same key on another task is a different event
	other := appendEvent(t, l, "PROJ-2", domain.EventPRApproved, "gh-7")
	if other.ID == first.ID {
		t.Fatalf("idempotency key leaked across tasks")
	}
	events, _ := l.ListEvents(ctx, "PROJ-1")
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
}

func TestConcurrentRedeliveryStoresOnce(t *testing.T) {
	l, ctx := newTestLedger(t)
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Append(ctx, ledger.AppendRequest{TaskID: "PROJ-1", WorkspaceID: "ws-1", Type: domain.EventPRApproved, IdempotencyKey: "delivery-1"})
			if err != nil && !errors.Is(err, ledger.ErrDuplicateEvent) {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("append: %v", err)
	}
	events, err := l.ListEvents(ctx, "PROJ-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one stored event, got %d", len(events))
	}
}

func TestConcurrentAppendsAreGapless(t *testing.T) {
	l, ctx := newTestLedger(t)
	var wg sync.WaitGroup
	for _, task := range []string{"A-1", "B-1"} {
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(task string, i int) {
				defer wg.Done()
				if _, err := l.Append(ctx, ledger.AppendRequest{TaskID: task, WorkspaceID: "ws-1", Type: domain.EventCIPassed, IdempotencyKey: fmt.Sprintf("ci-%d", i)}); err != nil {
					t.Errorf("append: %v", err)
				}
			}(task, i)
		}
	}
	wg.Wait()
	for _, task := range []string{"A-1", "B-1"} {
		events, err := l.ListEvents(ctx, task)
		if err != nil {
			t.Fatal(err)
		}
		if len(events) != 10 {
			t.Fatalf("%s: expected 10 events, got %d", task, len(events))
		}
		if _, err := ledger.RecomputeChain(events); err != nil {
			t.Fatalf("%s: %v", task, err)
		}
	}
}

func TestExpectedPriorHashMismatch(t *testing.T) {
	l, ctx := newTestLedger(t)
	first := appendEvent(t, l, "PROJ-1", domain.EventPROpened, "gh-1")
	appendEvent(t, l, "PROJ-1", domain.EventPRMerged, "gh-2")

	_, err := l.Append(ctx, ledger.AppendRequest{TaskID: "PROJ-1", WorkspaceID: "ws-1", Type: domain.EventCIPassed, ExpectedPriorHash: first.SelfHash})
	var ie *ledger.IntegrityError
	if !errors.As(err, &ie) || !errors.Is(err, ledger.ErrIntegrity) {
		t.Fatalf("expected integrity error, got %v", err)
	}
	head, _ := l.Head(ctx, "PROJ-1")
	if ie.Actual != head {
		t.Fatalf("error should carry the current head")
	}
	// retry with the fresh head succeeds
	if _, err := l.Append(ctx, ledger.AppendRequest{TaskID: "PROJ-1", WorkspaceID: "ws-1", Type: domain.EventCIPassed, ExpectedPriorHash: head}); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestWorkspaceMismatch(t *testing.T) {
	l, ctx := newTestLedger(t)
	appendEvent(t, l, "PROJ-1", domain.EventPROpened, "gh-1")
	_, err := l.Append(ctx, ledger.AppendRequest{TaskID: "PROJ-1", WorkspaceID: "ws-2", Type: domain.EventPRMerged})
	if !errors.Is(err, ledger.ErrWorkspaceMismatch) {
		t.Fatalf("expected workspace mismatch, got %v", err)
	}
}

func TestStoredEventsAreAppendOnly(t *testing.T) {
	l, ctx := newTestLedger(t)
	ev := appendEvent(t, l, "PROJ-1", domain.EventPROpened, "gh-1")
	if _, err := l.DB.ExecContext(ctx, `UPDATE events SET payload_json='{}' WHERE event_id=?`, ev.ID); err == nil {
		t.Fatalf("expected update to be rejected")
	}
	if _, err := l.DB.ExecContext(ctx, `DELETE FROM events WHERE event_id=?`, ev.ID); err == nil {
		t.Fatalf("expected delete to be rejected")
	}
}

func TestRecomputeChainDetectsTampering(t *testing.T) {
	l, ctx := newTestLedger(t)
	for i, typ := range []domain.EventType{domain.EventPRMerged, domain.EventPRApproved, domain.EventCIPassed} {
		appendEvent(t, l, "PROJ-1", typ, fmt.Sprintf("k-%d", i))
	}
	events, err := l.ListEvents(ctx, "PROJ-1")
	if err != nil {
		t.Fatal(err)
	}
	root, err := ledger.RecomputeChain(events)
	if err != nil || root != events[2].SelfHash {
		t.Fatalf("root %s err %v", root, err)
	}

	clone := func() []domain.Event { return append([]domain.Event(nil), events...) }

	mutated := clone()
	mutated[1].Payload = `{"provider":"forged"}`
	deleted := append(clone()[:1], events[2])
	reordered := clone()
	reordered[0], reordered[1] = reordered[1], reordered[0]
	inserted := append(clone()[:2], domain.Event{Type: domain.EventCIPassed, Payload: "{}", Sequence: 3, PriorHash: events[1].SelfHash,
		SelfHash: ledger.ContentHash(domain.EventCIPassed, "{}", 3, events[1].SelfHash)}, events[2])

	cases := map[string][]domain.Event{
		"mutation":  mutated,
		"deletion":  deleted,
		"reorder":   reordered,
		"insertion": inserted,
	}
	for name, evs := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := ledger.RecomputeChain(evs)
			var ce *ledger.ChainError
			if err == nil && got == root {
				t.Fatalf("tampering not detected")
			}
			if err != nil && !errors.As(err, &ce) {
				t.Fatalf("expected chain error, got %v", err)
			}
		})
	}
}

func TestPayloadIsCanonical(t *testing.T) {
	a, err := ledger.CanonicalPayload(map[string]any{"b": 1, "a": "x"})
	if err != nil {
		t.Fatal(err)
	}
	if a != `{"a":"x","b":1}` {
		t.Fatalf("unexpected canonical form %s", a)
	}
	if empty, _ := ledger.CanonicalPayload(nil); empty != "{}" {
		t.Fatalf("nil payload should encode as {}")
	}
}
