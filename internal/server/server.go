package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"trail/internal/closure"
	"trail/internal/domain"
	"trail/internal/engine"
	"trail/internal/gateway"
	"trail/internal/ledger"
	"trail/internal/policy"
	"trail/internal/proof"
	"trail/internal/repo"
	"trail/internal/share"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Share    share.Links
	Logger   *log.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"already_fired"`
	Message string         `json:"message" example:"closure job already fired"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"job_id\":\"6f1c\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Trail API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Share.Packets == nil && cfg.Engine.Packets != nil {
		cfg.Share.Packets = cfg.Engine.Packets
	}
	if cfg.Share.Now == nil {
		cfg.Share.Now = cfg.Engine.Now
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Trail API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerEvents(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerJobs(group, cfg.Engine)
	registerPackets(group, cfg.Engine, cfg.Share, basePath)
	registerShare(group, cfg.Engine, cfg.Share)
	registerNotifications(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se *closure.AlreadyScheduledError
	if errors.As(err, &se) {
		return newAPIError(http.StatusConflict, "already_scheduled", err.Error(), map[string]any{"task_id": se.TaskID, "job_id": se.JobID})
	}
	var ie *ledger.IntegrityError
	if errors.As(err, &ie) {
		return newAPIError(http.StatusConflict, "integrity_conflict", err.Error(), map[string]any{"task_id": ie.TaskID, "expected": ie.Expected, "actual": ie.Actual})
	}
	var ve *proof.VerificationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusConflict, "verification_failed", err.Error(), map[string]any{"packet_id": ve.PacketID})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, gateway.ErrInvalidEvidence):
		return newAPIError(http.StatusBadRequest, "invalid_evidence", err.Error(), nil)
	case errors.Is(err, ledger.ErrWorkspaceMismatch):
		return newAPIError(http.StatusConflict, "workspace_mismatch", err.Error(), nil)
	case errors.Is(err, ledger.ErrIntegrity):
		return newAPIError(http.StatusConflict, "integrity_conflict", err.Error(), nil)
	case errors.Is(err, closure.ErrAlreadyFired):
		return newAPIError(http.StatusConflict, "already_fired", err.Error(), nil)
	case errors.Is(err, closure.ErrNotDue):
		return newAPIError(http.StatusConflict, "not_due", err.Error(), nil)
	case errors.Is(err, engine.ErrNoActiveJob):
		return newAPIError(http.StatusConflict, "no_active_job", err.Error(), nil)
	case errors.Is(err, proof.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, proof.ErrNotFinalized), errors.Is(err, share.ErrNotShareable):
		return newAPIError(http.StatusUnprocessableEntity, "not_finalized", err.Error(), nil)
	case errors.Is(err, policy.ErrPolicyViolation):
		return newAPIError(http.StatusUnprocessableEntity, "policy_violation", err.Error(), nil)
	case errors.Is(err, share.ErrInvalidLink):
		return newAPIError(http.StatusForbidden, "invalid_link", "share link is invalid or expired", nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "not configured"):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

// applyAuthSecurity documents actor identification on write operations.
func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["actorHeader"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Actor-Id",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"actorHeader": {}},
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Post, item.Put, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Trail API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Write operations need Authorization: Bearer &lt;token&gt; or X-Actor-Id.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "append-event",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/events",
		Summary:       "Ingest evidence for a task",
		Description:   "Appends normalized evidence to the task ledger and re-evaluates closure. Redeliveries of the same provider event return 200 with duplicate=true.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string             `path:"task_id"`
		Body   AppendEventRequest `json:"body"`
	}) (*struct {
		Status int
		Body   IngestResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID := ""
		if p, ok := principalFromContext(ctx); ok {
			actorID = p.ActorID
		}
		res, err := e.Ingest(ctx, input.Body.evidence(input.TaskID, actorID))
		if err != nil {
			return nil, handleError(err)
		}
		status := http.StatusCreated
		if res.Duplicate {
			status = http.StatusOK
		}
		return &struct {
			Status int
			Body   IngestResponse `json:"body"`
		}{Status: status, Body: ingestResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ingest-batch",
		Method:      http.MethodPost,
		Path:        "/events/batch",
		Summary:     "Ingest a batch of evidence",
		Description: "Each task's evidence is appended together and evaluated once against the union.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body IngestBatchRequest `json:"body"`
	}) (*struct {
		Body IngestBatchResponse `json:"body"`
	}, error) {
		if len(input.Body.Events) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "events required", nil)
		}
		actorID := ""
		if p, ok := principalFromContext(ctx); ok {
			actorID = p.ActorID
		}
		batch := make([]gateway.Evidence, 0, len(input.Body.Events))
		for _, item := range input.Body.Events {
			batch = append(batch, item.evidence(actorID))
		}
		results, err := gateway.IngestBatch(ctx, e, batch)
		if err != nil {
			return nil, handleError(err)
		}
		resp := IngestBatchResponse{Items: make([]IngestResponse, 0, len(results))}
		for _, res := range results {
			resp.Items = append(resp.Items, ingestResponse(res))
		}
		return &struct {
			Body IngestBatchResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/events",
		Summary:     "List a task's ledger",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Type   string `query:"type"`
		After  int64  `query:"after"`
		Limit  int    `query:"limit" default:"100"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetTask(ctx, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.Repo.QueryEvents(ctx, repo.EventFilters{
			TaskID:        input.TaskID,
			Type:          input.Type,
			AfterSequence: input.After,
			Limit:         limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := EventListResponse{Items: mapEvents(items)}
		if len(items) == limit {
			resp.NextAfter = items[len(items)-1].Sequence
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	type taskPath struct {
		TaskID string `path:"task_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Task status with verdict, active job and packet",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		st, err := e.TaskStatus(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(st)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/verify",
		Summary:     "Recompute the hash chain and check the packet root",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body VerifyResponse `json:"body"`
	}, error) {
		rep, err := e.VerifyTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VerifyResponse `json:"body"`
		}{Body: rep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "veto-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/veto",
		Summary:     "Veto the task's scheduled closure",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string      `path:"task_id"`
		Body   VetoRequest `json:"body" required:"false"`
	}) (*struct {
		Body domain.ClosureJob `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetTask(ctx, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		job, err := e.VetoTask(ctx, input.TaskID, actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ClosureJob `json:"body"`
		}{Body: job}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "draft-packet",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/packet/draft",
		Summary:     "Create the task's draft proof packet",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body domain.ProofPacket `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		p, err := e.DraftPacket(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProofPacket `json:"body"`
		}{Body: p}, nil
	})
}

func registerJobs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-closure-jobs",
		Method:      http.MethodGet,
		Path:        "/closure-jobs",
		Summary:     "List closure jobs",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		TaskID      string `query:"task_id"`
		WorkspaceID string `query:"workspace_id"`
		Status      string `query:"status" enum:"scheduled,fired,cancelled"`
		Limit       int    `query:"limit" default:"50"`
	}) (*struct {
		Body JobListResponse `json:"body"`
	}, error) {
		items, err := e.Scheduler.ListJobs(ctx, closure.JobFilter{
			TaskID:      input.TaskID,
			WorkspaceID: input.WorkspaceID,
			Status:      input.Status,
			Limit:       normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.ClosureJob{}
		}
		return &struct {
			Body JobListResponse `json:"body"`
		}{Body: JobListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-closure-job",
		Method:      http.MethodGet,
		Path:        "/closure-jobs/{job_id}",
		Summary:     "Get a closure job",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body domain.ClosureJob `json:"body"`
	}, error) {
		job, err := e.Scheduler.Get(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ClosureJob `json:"body"`
		}{Body: job}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "veto-closure-job",
		Method:      http.MethodPost,
		Path:        "/closure-jobs/{job_id}/veto",
		Summary:     "Veto a closure job",
		Description: "Cancelling an already-cancelled job is a no-op; a fired job cannot be vetoed.",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		JobID string      `path:"job_id"`
		Body  VetoRequest `json:"body" required:"false"`
	}) (*struct {
		Body domain.ClosureJob `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		job, err := e.Veto(ctx, input.JobID, actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ClosureJob `json:"body"`
		}{Body: job}, nil
	})
}

func registerPackets(api huma.API, e engine.Engine, links share.Links, basePath string) {
	type packetPath struct {
		PacketID string `path:"packet_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-packets",
		Method:      http.MethodGet,
		Path:        "/packets",
		Summary:     "List proof packets",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `query:"workspace_id"`
		Status      string `query:"status" enum:"draft,pending,finalized,exported"`
		Limit       int    `query:"limit" default:"50"`
	}) (*struct {
		Body PacketListResponse `json:"body"`
	}, error) {
		items, err := e.Packets.List(ctx, proof.Filter{
			WorkspaceID: input.WorkspaceID,
			Status:      input.Status,
			Limit:       normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.ProofPacket{}
		}
		return &struct {
			Body PacketListResponse `json:"body"`
		}{Body: PacketListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-packet",
		Method:      http.MethodGet,
		Path:        "/packets/{packet_id}",
		Summary:     "Get a proof packet",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *packetPath) (*struct {
		Body domain.ProofPacket `json:"body"`
	}, error) {
		p, err := e.Packets.Get(ctx, input.PacketID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProofPacket `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-packet-summary",
		Method:      http.MethodPut,
		Path:        "/packets/{packet_id}/summary",
		Summary:     "Attach a narrative summary to a packet",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PacketID string            `path:"packet_id"`
		Body     SetSummaryRequest `json:"body"`
	}) (*struct {
		Body domain.ProofPacket `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.Summary) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "summary is required", nil)
		}
		if err := e.Packets.SetSummary(ctx, input.PacketID, input.Body.Summary); err != nil {
			return nil, handleError(err)
		}
		p, err := e.Packets.Get(ctx, input.PacketID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProofPacket `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export-packet",
		Method:      http.MethodPost,
		Path:        "/packets/{packet_id}/export",
		Summary:     "Export a finalized packet",
		Description: "Records proof_exported on the ledger. Exporting an exported packet returns it unchanged.",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *packetPath) (*struct {
		Body domain.ProofPacket `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Packets.Export(ctx, input.PacketID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProofPacket `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "share-packet",
		Method:      http.MethodPost,
		Path:        "/packets/{packet_id}/share",
		Summary:     "Mint an expiring read-only link to a sealed packet",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *packetPath) (*struct {
		Body ShareLinkResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		p, err := e.Packets.Get(ctx, input.PacketID)
		if err != nil {
			return nil, handleError(err)
		}
		link, err := links.Sign(p)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ShareLinkResponse `json:"body"`
		}{Body: ShareLinkResponse{
			Token:     link.Token,
			PacketID:  link.PacketID,
			ExpiresAt: link.ExpiresAt,
			Path:      path.Join(basePath, "share", link.Token),
		}}, nil
	})
}

func registerShare(api huma.API, e engine.Engine, links share.Links) {
	huma.Register(api, huma.Operation{
		OperationID: "resolve-share-link",
		Method:      http.MethodGet,
		Path:        "/share/{token}",
		Summary:     "Read a shared proof packet",
		Description: "Returns the packet and the sealed prefix of its ledger.",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Token string `path:"token"`
	}) (*struct {
		Body SharedPacketResponse `json:"body"`
	}, error) {
		p, err := links.Resolve(ctx, input.Token)
		if err != nil {
			return nil, handleError(err)
		}
		events, err := e.Ledger.ListEvents(ctx, p.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		sealed := events[:0:0]
		for _, ev := range events {
			if ev.Sequence > p.RootSequence {
				break
			}
			sealed = append(sealed, ev)
		}
		return &struct {
			Body SharedPacketResponse `json:"body"`
		}{Body: SharedPacketResponse{Packet: p, Events: mapEvents(sealed)}}, nil
	})
}

func registerNotifications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "List outbound notifications",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,delivered,dead"`
		TaskID string `query:"task_id"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body NotificationListResponse `json:"body"`
	}, error) {
		items, err := e.Outbox.List(ctx, input.Status, input.TaskID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Notification{}
		}
		return &struct {
			Body NotificationListResponse `json:"body"`
		}{Body: NotificationListResponse{Items: items}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
