package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"forgeline/internal/domain"
	"forgeline/internal/engine"
	"forgeline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	Store    repo.Store
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"awaiting_input"`
	Message string         `json:"message" example:"awaiting human input"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"node\":\"code.human_review\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Forgeline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("%w: engine required", domain.ErrConfiguration)
	}
	if cfg.Store.Repo.DB == nil {
		return nil, fmt.Errorf("%w: store required", domain.ErrConfiguration)
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
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
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Store.Repo))
	hcfg := huma.DefaultConfig("Forgeline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerWorkflows(group, cfg.Engine, cfg.Store)
	registerStepping(group, cfg.Engine)
	registerFeedback(group, cfg.Store)
	registerEvents(group, cfg.Store.Repo)
	registerCheckpoints(group, cfg.Engine, cfg.Store.Repo)
	registerMe(group)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath, cfg.Auth.DevLogin)

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
	var details map[string]any
	if se, ok := engine.AsStageError(err); ok {
		details = map[string]any{"node": string(se.Node), "kind": string(se.Kind), "resumable": se.Resumable}
	}
	msg := err.Error()
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, details)
	case errors.Is(err, domain.ErrAlreadyExists):
		return newAPIError(http.StatusConflict, "already_exists", msg, details)
	case errors.Is(err, domain.ErrInstanceBusy):
		return newAPIError(http.StatusConflict, "instance_busy", msg, details)
	case errors.Is(err, domain.ErrNotRunning):
		return newAPIError(http.StatusConflict, "not_running", msg, details)
	case errors.Is(err, domain.ErrAwaitingInput):
		return newAPIError(http.StatusConflict, "awaiting_input", msg, details)
	case errors.Is(err, domain.ErrStaleState):
		return newAPIError(http.StatusConflict, "stale_state", msg, details)
	case errors.Is(err, domain.ErrStepLimit):
		return newAPIError(http.StatusConflict, "step_limit", msg, details)
	case errors.Is(err, domain.ErrContractViolation):
		return newAPIError(http.StatusBadGateway, "contract_violation", msg, details)
	case errors.Is(err, domain.ErrAuthentication):
		return newAPIError(http.StatusBadGateway, "generator_authentication", msg, details)
	case errors.Is(err, domain.ErrRateLimited):
		return newAPIError(http.StatusServiceUnavailable, "rate_limited", msg, details)
	case errors.Is(err, domain.ErrPersistence):
		return newAPIError(http.StatusServiceUnavailable, "persistence", msg, details)
	case errors.Is(err, domain.ErrConfiguration):
		return newAPIError(http.StatusInternalServerError, "configuration", msg, details)
	case errors.Is(err, domain.ErrRoutingViolation):
		return newAPIError(http.StatusInternalServerError, "routing_violation", msg, details)
	}
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, details)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

// stoppedOrError turns a resumable stage error into a stop report; anything else is an API error.
func stoppedOrError(err error) (*StopResponse, huma.StatusError) {
	if err == nil {
		return nil, nil
	}
	if se, ok := engine.AsStageError(err); ok && se.Resumable {
		return stopResponse(se), nil
	}
	if errors.Is(err, domain.ErrStepLimit) {
		return &StopResponse{Kind: "step_limit", Resumable: true, Message: err.Error()}, nil
	}
	return nil, handleError(err)
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string, devLogin bool) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath, devLogin)
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
		for _, op := range operations(item) {
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

func operations(item *huma.PathItem) []*huma.Operation {
	var ops []*huma.Operation
	for _, op := range []*huma.Operation{
		item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
	} {
		if op != nil {
			ops = append(ops, op)
		}
	}
	return ops
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string, devLogin bool) {
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	public := map[string]bool{path.Join("/", basePath, "health"): true}
	if devLogin {
		public[path.Join("/", basePath, "auth/dev/login")] = true
	}
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if public[route] {
				op.Security = []map[string][]string{}
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
    <title>Forgeline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
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

type workflowPath struct {
	WorkflowID string `path:"workflow_id"`
}

type workflowOutput struct {
	Body *domain.WorkflowState `json:"body"`
}

func registerWorkflows(api huma.API, e *engine.Engine, store repo.Store) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-workflow",
		Method:        http.MethodPost,
		Path:          "/workflows",
		Summary:       "Start a workflow from a requirement",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body CreateWorkflowRequest `json:"body"`
	}) (*workflowOutput, error) {
		st, err := e.Start(ctx, strings.TrimSpace(input.Body.ID), input.Body.Requirement)
		if err != nil {
			return nil, handleError(err)
		}
		return &workflowOutput{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workflows",
		Method:      http.MethodGet,
		Path:        "/workflows",
		Summary:     "List workflows",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"running,completed,abandoned"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []WorkflowSummaryResponse `json:"body"`
	}, error) {
		items, err := store.Repo.ListWorkflows(ctx, repo.WorkflowFilters{Status: input.Status, Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []WorkflowSummaryResponse `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}",
		Summary:     "Get the current workflow state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *workflowPath) (*workflowOutput, error) {
		st, err := e.State(ctx, input.WorkflowID)
		if err != nil {
			return nil, handleError(err)
		}
		return &workflowOutput{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "abandon-workflow",
		Method:      http.MethodPost,
		Path:        "/workflows/{workflow_id}/abandon",
		Summary:     "Abandon a running workflow",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		WorkflowID string                 `path:"workflow_id"`
		Body       AbandonWorkflowRequest `json:"body"`
	}) (*workflowOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := e.Abandon(ctx, input.WorkflowID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &workflowOutput{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}/project",
		Summary:     "Latest code project and test suite",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *workflowPath) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		st, err := e.State(ctx, input.WorkflowID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(st)}, nil
	})
}

func registerStepping(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "step-workflow",
		Method:      http.MethodPost,
		Path:        "/workflows/{workflow_id}/step",
		Summary:     "Run one step",
		Description: "Resumable failures are reported in `stopped` with status 200; the checkpoint is unchanged.",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *workflowPath) (*struct {
		Body StepResponse `json:"body"`
	}, error) {
		res, err := e.Step(ctx, input.WorkflowID)
		stopped, apiErr := stoppedOrError(err)
		if apiErr != nil {
			return nil, apiErr
		}
		resp := StepResponse{Workflow: res.State, Stopped: stopped}
		if err == nil {
			evt := res.Event
			resp.Event = &evt
		}
		return &struct {
			Body StepResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-workflow",
		Method:      http.MethodPost,
		Path:        "/workflows/{workflow_id}/run",
		Summary:     "Step until completion or a stop",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *workflowPath) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		st, err := e.Run(ctx, input.WorkflowID)
		stopped, apiErr := stoppedOrError(err)
		if apiErr != nil {
			return nil, apiErr
		}
		if st == nil {
			if st, err = e.State(ctx, input.WorkflowID); err != nil {
				return nil, handleError(err)
			}
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: RunResponse{Workflow: st, Stopped: stopped}}, nil
	})
}

func registerFeedback(api huma.API, store repo.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "list-feedback",
		Method:      http.MethodGet,
		Path:        "/feedback",
		Summary:     "List human review requests",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,answered"`
	}) (*struct {
		Body []domain.FeedbackRequest `json:"body"`
	}, error) {
		items, err := store.Repo.ListFeedback(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.FeedbackRequest `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-pending-feedback",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}/feedback",
		Summary:     "Pending human review request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *workflowPath) (*struct {
		Body domain.FeedbackRequest `json:"body"`
	}, error) {
		fr, err := store.Repo.PendingFeedback(ctx, input.WorkflowID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.FeedbackRequest `json:"body"`
		}{Body: fr}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-feedback",
		Method:      http.MethodPost,
		Path:        "/workflows/{workflow_id}/feedback",
		Summary:     "Answer the pending human review",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkflowID string                `path:"workflow_id"`
		Body       SubmitFeedbackRequest `json:"body"`
	}) (*struct {
		Body domain.FeedbackRequest `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		fr, err := store.AnswerFeedback(ctx, input.WorkflowID, input.Body.Response, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.FeedbackRequest `json:"body"`
		}{Body: fr}, nil
	})
}

// EventsQuery is shared by the event listings.
type EventsQuery struct {
	Type   string `query:"type"`
	Limit  int    `query:"limit" default:"50"`
	Cursor string `query:"cursor"`
}

type eventsOutput struct {
	Body paginatedEvents `json:"body"`
}

func registerEvents(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `query:"workflow_id"`
		EventsQuery
	}) (*eventsOutput, error) {
		return listEvents(ctx, r, input.WorkflowID, input.EventsQuery)
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workflow-events",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}/events",
		Summary:     "List recent events of one workflow",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
		EventsQuery
	}) (*eventsOutput, error) {
		return listEvents(ctx, r, input.WorkflowID, input.EventsQuery)
	})
}

func listEvents(ctx context.Context, r repo.Repo, workflowID string, q EventsQuery) (*eventsOutput, error) {
	limit := normalizeLimit(q.Limit)
	var cursorID int64
	if q.Cursor != "" {
		parsed, err := strconv.ParseInt(q.Cursor, 10, 64)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": q.Cursor})
		}
		cursorID = parsed
	}
	items, err := r.LatestEvents(ctx, limit+1, cursorID, workflowID, q.Type)
	if err != nil {
		return nil, handleError(err)
	}
	resp := paginatedEvents{Items: []EventResponse{}}
	if len(items) > limit {
		// Events are newest first and the cursor is exclusive.
		resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
		items = items[:limit]
	}
	for _, evt := range items {
		resp.Items = append(resp.Items, eventResponse(evt))
	}
	return &eventsOutput{Body: resp}, nil
}

func registerCheckpoints(api huma.API, e *engine.Engine, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-checkpoints",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}/checkpoints",
		Summary:     "List checkpoint history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *workflowPath) (*struct {
		Body []domain.Checkpoint `json:"body"`
	}, error) {
		if _, err := e.State(ctx, input.WorkflowID); err != nil {
			return nil, handleError(err)
		}
		items, err := r.ListCheckpoints(ctx, input.WorkflowID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Checkpoint `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-checkpoint",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}/checkpoints/{steps}",
		Summary:     "Get the state saved after a given step count",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
		Steps      int    `path:"steps" minimum:"0"`
	}) (*workflowOutput, error) {
		st, err := r.GetCheckpoint(ctx, input.WorkflowID, input.Steps)
		if err != nil {
			return nil, handleError(err)
		}
		return &workflowOutput{Body: &st}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{ActorID: principal.ActorID, Source: principal.Source}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, 12*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
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
