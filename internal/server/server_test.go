package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"trail/internal/closure"
	"trail/internal/config"
	"trail/internal/db"
	"trail/internal/domain"
	"trail/internal/engine"
	"trail/internal/migrate"
	"trail/internal/share"
)

const testJWTSecret = "api-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()

	mu  sync.Mutex
	now time.Time
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func (s *testServer) clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *testServer) advance(d time.Duration) {
	s.mu.Lock()
	s.now = s.now.Add(d)
	s.mu.Unlock()
}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	testSrv := &testServer{client: &http.Client{}, now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	quiet := log.New(io.Discard, "", 0)
	e := engine.New(conn, config.Default(), engine.Options{Now: testSrv.clock, Logger: quiet})
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testJWTSecret, AllowActorHeader: true},
		Share:    share.Links{Secret: []byte("share-secret"), TTL: time.Hour},
		Logger:   quiet,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv.URL = "http://" + ln.Addr().String()
	testSrv.Engine = e
	testSrv.close = func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

var asPM = map[string]string{"X-Actor-Id": "pm@example.com"}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

// ingestRequiredSet posts the standard tier's required evidence and returns
// the final ingest response.
func ingestRequiredSet(t *testing.T, srv *testServer, taskID string) IngestResponse {
	t.Helper()
	var last IngestResponse
	for i, typ := range []string{"pr_merged", "pr_approved", "ci_passed"} {
		res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks/"+taskID+"/events", map[string]any{
			"workspace_id":      "ws-1",
			"provider":          "github",
			"provider_event_id": taskID + "-" + string(rune('a'+i)),
			"event_type":        typ,
			"payload":           map[string]any{"approver": "reviewer-1"},
		}, nil)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("append %s status %d: %s", typ, res.StatusCode, string(data))
		}
		if err := json.Unmarshal(data, &last); err != nil {
			t.Fatalf("decode ingest: %v", err)
		}
	}
	return last
}

func TestHealth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "ok") {
		t.Fatalf("health %d: %s", res.StatusCode, string(data))
	}
}

func TestIngestProposesClosureAndDedupes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	last := ingestRequiredSet(t, srv, "PROJ-1")
	if !last.Proposed || last.Job == nil || last.Verdict.Kind != "ready" {
		t.Fatalf("expected a proposal, got %+v", last)
	}
	if !last.Job.FireAt.Equal(srv.clock().Add(24 * time.Hour)) {
		t.Fatalf("fire_at %s", last.Job.FireAt)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/PROJ-1/events", map[string]any{
		"workspace_id":      "ws-1",
		"provider":          "github",
		"provider_event_id": "PROJ-1-a",
		"event_type":        "pr_merged",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("redelivery status %d: %s", res.StatusCode, string(data))
	}
	var dup IngestResponse
	_ = json.Unmarshal(data, &dup)
	if !dup.Duplicate || dup.Event.Sequence != 1 {
		t.Fatalf("expected duplicate of sequence 1, got %+v", dup)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks/PROJ-1/events", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list events %d: %s", res.StatusCode, string(data))
	}
	var list EventListResponse
	_ = json.Unmarshal(data, &list)
	// three evidence events plus closure_proposed
	if len(list.Items) != 4 || list.Items[3].EventType != domain.EventClosureProposed {
		t.Fatalf("unexpected ledger: %+v", list.Items)
	}
	for i, ev := range list.Items {
		if ev.Sequence != int64(i+1) {
			t.Fatalf("sequence gap at %d: %d", i, ev.Sequence)
		}
		if i > 0 && ev.PriorHash != list.Items[i-1].SelfHash {
			t.Fatalf("chain broken at %d", ev.Sequence)
		}
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks/PROJ-1/events?type=ci_passed", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("filtered list %d: %s", res.StatusCode, string(data))
	}
	list = EventListResponse{}
	_ = json.Unmarshal(data, &list)
	if len(list.Items) != 1 || list.Items[0].EventType != domain.EventCIPassed {
		t.Fatalf("type filter: %+v", list.Items)
	}
}

func TestIngestRejectsLifecycleEvidence(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks/PROJ-9/events", map[string]any{
		"workspace_id": "ws-1",
		"event_type":   "closure_approved",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_evidence" {
		t.Fatalf("code %q", code)
	}
}

func TestIngestExpectedPriorHash(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	ingestRequiredSet(t, srv, "PROJ-4")

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks/PROJ-4/events", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list events %d: %s", res.StatusCode, string(data))
	}
	var list EventListResponse
	_ = json.Unmarshal(data, &list)
	head := list.Items[len(list.Items)-1].SelfHash
	// the ci_passed hash is stale once closure_proposed has been appended
	stale := list.Items[len(list.Items)-2].SelfHash

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/PROJ-4/events", map[string]any{
		"workspace_id":        "ws-1",
		"provider":            "github",
		"provider_event_id":   "PROJ-4-stale",
		"event_type":          "pr_opened",
		"expected_prior_hash": stale,
	}, nil)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "integrity_conflict" {
		t.Fatalf("expected integrity_conflict, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/PROJ-4/events", map[string]any{
		"workspace_id":        "ws-1",
		"provider":            "github",
		"provider_event_id":   "PROJ-4-head",
		"event_type":          "pr_opened",
		"expected_prior_hash": head,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("append at head %d: %s", res.StatusCode, string(data))
	}
	var got IngestResponse
	_ = json.Unmarshal(data, &got)
	if got.Event.PriorHash != head {
		t.Fatalf("prior_hash %q, want %q", got.Event.PriorHash, head)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/events/batch", map[string]any{
		"events": []map[string]any{{
			"task_id":             "PROJ-4",
			"workspace_id":        "ws-1",
			"provider":            "github",
			"provider_event_id":   "PROJ-4-batch",
			"event_type":          "pr_opened",
			"expected_prior_hash": head,
		}},
	}, nil)
	if res.StatusCode == http.StatusOK || res.StatusCode == http.StatusCreated {
		t.Fatalf("batch against a moved head should fail, got %d %s", res.StatusCode, string(data))
	}
}

func TestWorkspaceMismatchConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/PROJ-2/events", map[string]any{
		"workspace_id": "ws-1", "event_type": "pr_opened", "provider_event_id": "x1",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("append %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/PROJ-2/events", map[string]any{
		"workspace_id": "ws-other", "event_type": "pr_opened", "provider_event_id": "x2",
	}, nil)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "workspace_mismatch" {
		t.Fatalf("expected workspace_mismatch, got %d %s", res.StatusCode, string(data))
	}
}

func TestVetoRequiresActor(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	last := ingestRequiredSet(t, srv, "PROJ-3")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/PROJ-3/veto", map[string]any{"reason": "nope"}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without actor, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/PROJ-3/veto", map[string]any{"reason": "client rejected"}, asPM)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("veto %d: %s", res.StatusCode, string(data))
	}
	var job domain.ClosureJob
	_ = json.Unmarshal(data, &job)
	if job.ID != last.Job.ID || job.Status != domain.JobCancelled || job.ResolvedBy != "pm@example.com" {
		t.Fatalf("unexpected vetoed job %+v", job)
	}

	// vetoing the job again is a no-op
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/closure-jobs/"+job.ID+"/veto", nil, asPM)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("repeat veto %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/PROJ-3/veto", nil, asPM)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "no_active_job" {
		t.Fatalf("expected no_active_job, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/notifications?task_id=PROJ-3", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("notifications %d: %s", res.StatusCode, string(data))
	}
	var notes NotificationListResponse
	_ = json.Unmarshal(data, &notes)
	kinds := map[string]bool{}
	for _, n := range notes.Items {
		kinds[n.Kind] = true
	}
	if !kinds["closure_proposed"] || !kinds["closure_vetoed"] {
		t.Fatalf("expected proposed and vetoed notifications, got %+v", kinds)
	}
}

func TestBearerTokenIdentifiesActor(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	ingestRequiredSet(t, srv, "PROJ-4")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/PROJ-4/veto", nil, map[string]string{"Authorization": "Bearer not-a-jwt"})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials, got %d %s", res.StatusCode, string(data))
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "lead@example.com"}).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/PROJ-4/veto", nil, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("veto %d: %s", res.StatusCode, string(data))
	}
	var job domain.ClosureJob
	_ = json.Unmarshal(data, &job)
	if job.ResolvedBy != "lead@example.com" {
		t.Fatalf("resolved_by %q", job.ResolvedBy)
	}
}

func TestExportShareAndVerify(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	last := ingestRequiredSet(t, srv, "PROJ-5")

	srv.advance(24 * time.Hour)
	fired, err := srv.Engine.Scheduler.Fire(context.Background(), last.Job.ID)
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	if fired.Outcome != closure.OutcomeFired || fired.Packet == nil {
		t.Fatalf("expected fired with packet, got %+v", fired)
	}
	packetID := fired.Packet.ID

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/closure-jobs/"+last.Job.ID+"/veto", nil, asPM)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "already_fired" {
		t.Fatalf("expected already_fired, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/packets/"+packetID+"/export", nil, asPM)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("export %d: %s", res.StatusCode, string(data))
	}
	var exported domain.ProofPacket
	_ = json.Unmarshal(data, &exported)
	if exported.Status != domain.PacketExported || exported.HashChainRoot != fired.Packet.HashChainRoot {
		t.Fatalf("unexpected export %+v", exported)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks/PROJ-5/verify", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("verify %d: %s", res.StatusCode, string(data))
	}
	var rep VerifyResponse
	_ = json.Unmarshal(data, &rep)
	if !rep.ChainValid || !rep.PacketValid || rep.PacketID != packetID {
		t.Fatalf("verification failed: %+v", rep)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/packets/"+packetID+"/share", nil, asPM)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("share %d: %s", res.StatusCode, string(data))
	}
	var link ShareLinkResponse
	_ = json.Unmarshal(data, &link)
	if link.Path != "/v1/share/"+link.Token {
		t.Fatalf("share path %q", link.Path)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+link.Path, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve share %d: %s", res.StatusCode, string(data))
	}
	var shared SharedPacketResponse
	_ = json.Unmarshal(data, &shared)
	if shared.Packet.ID != packetID || int64(len(shared.Events)) != shared.Packet.RootSequence {
		t.Fatalf("shared view should stop at the root: %d events, root %d", len(shared.Events), shared.Packet.RootSequence)
	}
	if shared.Events[len(shared.Events)-1].EventType != domain.EventClosureApproved {
		t.Fatalf("sealed prefix should end with closure_approved")
	}

	srv.advance(2 * time.Hour)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+link.Path, nil, nil)
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "invalid_link" {
		t.Fatalf("expired link should be rejected, got %d %s", res.StatusCode, string(data))
	}
}

func TestShareRequiresSealedPacket(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ingestRequiredSet(t, srv, "PROJ-6")
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks/PROJ-6/packet/draft", nil, asPM)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("draft %d: %s", res.StatusCode, string(data))
	}
	var p domain.ProofPacket
	_ = json.Unmarshal(data, &p)
	if p.Status == domain.PacketFinalized || p.HashChainRoot != "" {
		t.Fatalf("packet sealed before closure: %+v", p)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/packets/"+p.ID+"/share", nil, asPM)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/packets/"+p.ID+"/export", nil, asPM)
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "not_finalized" {
		t.Fatalf("expected not_finalized, got %d %s", res.StatusCode, string(data))
	}
}

func TestBatchIngestEvaluatesUnion(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	events := []map[string]any{}
	for i, typ := range []string{"ci_passed", "pr_approved", "pr_merged"} {
		events = append(events, map[string]any{
			"task_id":           "PROJ-7",
			"workspace_id":      "ws-1",
			"provider":          "github",
			"provider_event_id": "b" + string(rune('0'+i)),
			"event_type":        typ,
		})
	}
	events = append(events, map[string]any{
		"task_id": "PROJ-8", "workspace_id": "ws-1", "provider": "github", "provider_event_id": "c0", "event_type": "pr_opened",
	})
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/events/batch", map[string]any{"events": events}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("batch %d: %s", res.StatusCode, string(data))
	}
	var out IngestBatchResponse
	_ = json.Unmarshal(data, &out)
	if len(out.Items) != 4 {
		t.Fatalf("expected 4 results, got %d", len(out.Items))
	}
	if out.Items[3].Event.TaskID != "PROJ-8" {
		t.Fatalf("results out of arrival order: %+v", out.Items[3].Event)
	}
	proposals := 0
	for _, item := range out.Items {
		if item.Proposed {
			proposals++
		}
	}
	if proposals != 1 {
		t.Fatalf("expected exactly one proposal, got %d", proposals)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/closure-jobs?status=scheduled", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list jobs %d: %s", res.StatusCode, string(data))
	}
	var jobs JobListResponse
	_ = json.Unmarshal(data, &jobs)
	if len(jobs.Items) != 1 || jobs.Items[0].TaskID != "PROJ-7" {
		t.Fatalf("unexpected jobs %+v", jobs.Items)
	}
}

func TestTaskNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	for _, url := range []string{"/v1/tasks/NOPE", "/v1/tasks/NOPE/verify", "/v1/tasks/NOPE/events", "/v1/packets/none"} {
		res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+url, nil, nil)
		if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
			t.Fatalf("%s: expected not_found, got %d %s", url, res.StatusCode, string(data))
		}
	}
}
