package gateway

import (
	"context"
	"errors"
	"testing"

	"trail/internal/domain"
)

func TestEvidenceValidate(t *testing.T) {
	ok := Evidence{TaskID: "T-1", WorkspaceID: "ws-1", Provider: "github", ProviderEventID: "42", EventType: domain.EventPRMerged}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid evidence rejected: %v", err)
	}
	unknown := ok
	unknown.EventType = "deploy_finished"
	if err := unknown.Validate(); err != nil {
		t.Fatalf("unknown types must be accepted: %v", err)
	}
	cases := map[string]Evidence{
		"missing task":  {WorkspaceID: "ws-1", EventType: domain.EventPRMerged},
		"missing type":  {TaskID: "T-1", WorkspaceID: "ws-1"},
		"lifecycle":     {TaskID: "T-1", WorkspaceID: "ws-1", EventType: domain.EventClosureApproved},
		"missing space": {TaskID: "T-1", EventType: domain.EventPRMerged},
	}
	for name, ev := range cases {
		t.Run(name, func(t *testing.T) {
			if err := ev.Validate(); !errors.Is(err, ErrInvalidEvidence) {
				t.Fatalf("expected ErrInvalidEvidence, got %v", err)
			}
		})
	}
}

func TestIdempotencyKeyScopedByProvider(t *testing.T) {
	gh := Evidence{Provider: "github", ProviderEventID: "1"}
	jira := Evidence{Provider: "jira", ProviderEventID: "1"}
	if gh.IdempotencyKey() == jira.IdempotencyKey() {
		t.Fatalf("providers collide on the same id")
	}
	if (Evidence{}).IdempotencyKey() != "" {
		t.Fatalf("no provider id means no dedup key")
	}
}

type recordingSink struct{ got []Evidence }

func (s *recordingSink) Ingest(_ context.Context, ev Evidence) (IngestResult, error) {
	s.got = append(s.got, ev)
	return IngestResult{}, nil
}

func TestIngestBatchValidatesBeforeForwarding(t *testing.T) {
	sink := &recordingSink{}
	batch := []Evidence{
		{TaskID: "T-1", WorkspaceID: "ws-1", EventType: domain.EventPRMerged},
		{TaskID: "T-1", EventType: domain.EventCIPassed},
	}
	if _, err := IngestBatch(context.Background(), sink, batch); err == nil {
		t.Fatalf("expected validation error")
	}
	if len(sink.got) != 0 {
		t.Fatalf("invalid batch must not be partially ingested")
	}
	batch[1].WorkspaceID = "ws-1"
	res, err := IngestBatch(context.Background(), sink, batch)
	if err != nil || len(res) != 2 || len(sink.got) != 2 {
		t.Fatalf("ingest: %v %d", err, len(sink.got))
	}
}

func TestGroupByTask(t *testing.T) {
	groups := GroupByTask([]Evidence{
		{TaskID: "B", ProviderEventID: "1"},
		{TaskID: "A", ProviderEventID: "2"},
		{TaskID: "B", ProviderEventID: "3"},
	})
	if len(groups) != 2 || groups[0][0].TaskID != "B" || len(groups[0]) != 2 || groups[0][1].ProviderEventID != "3" {
		t.Fatalf("unexpected grouping %+v", groups)
	}
}

type staticNormalizer []Evidence

func (s staticNormalizer) Normalize(context.Context, string, []byte) ([]Evidence, error) {
	return append([]Evidence(nil), s...), nil
}

func TestNormalizersRoute(t *testing.T) {
	n := Normalizers{"github": staticNormalizer{{TaskID: "T-1", EventType: domain.EventPRMerged}}}
	out, err := n.Normalize(context.Background(), "github", []byte(`{}`))
	if err != nil || len(out) != 1 || out[0].Provider != "github" {
		t.Fatalf("unexpected normalize result %+v %v", out, err)
	}
	if _, err := n.Normalize(context.Background(), "slack", nil); err == nil {
		t.Fatalf("unknown provider should error")
	}
}
