package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"squadline/internal/domain"
	"squadline/internal/engine"
	"squadline/internal/logging"
	"squadline/internal/registry"
	"squadline/internal/repo"
)

const timeFormat = time.RFC3339

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"unknown_role"`
	Message string         `json:"message" example:"unknown role \"intern\""`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the squadline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := logging.OrNop(cfg.Logger)
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, logger))
	if cfg.Engine.Metrics != nil {
		router.Handle("/metrics", cfg.Engine.Metrics.Handler())
	}

	hcfg := huma.DefaultConfig("Squadline API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerRoles(group, cfg.Engine)
	registerDispatch(group, cfg.Engine)
	registerFeedback(group, cfg.Engine)
	registerGate(group, cfg.Engine)
	registerBroadcast(group, cfg.Engine)
	registerSessions(group, cfg.Engine)
	registerPlaybook(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath, cfg.Auth)

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
	var roleErr registry.UnknownRoleError
	if errors.As(err, &roleErr) {
		return newAPIError(http.StatusBadRequest, "unknown_role", err.Error(), map[string]any{"role": roleErr.Role})
	}
	var backendErr registry.UnknownBackendError
	if errors.As(err, &backendErr) {
		return newAPIError(http.StatusBadRequest, "unknown_backend", err.Error(), map[string]any{"backend": backendErr.Backend})
	}
	var sectionErr domain.UnknownSectionError
	if errors.As(err, &sectionErr) {
		return newAPIError(http.StatusBadRequest, "unknown_section", err.Error(), map[string]any{
			"section": sectionErr.Section,
			"allowed": domain.Sections(),
		})
	}
	if errors.Is(err, engine.ErrNoStore) {
		return newAPIError(http.StatusServiceUnavailable, "store_unavailable", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newAPIError(http.StatusServiceUnavailable, "canceled", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
			}
			if sub, ok := subjectFromContext(r.Context()); ok {
				fields = append(fields, zap.String("subject", sub))
			}
			logger.Debug("http request", fields...)
		})
	}
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string, auth AuthConfig) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, _ *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			if auth.Enabled() {
				applyAuthSecurity(oas, basePath)
			}
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
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

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
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

func registerRoles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-roles",
		Method:      http.MethodGet,
		Path:        "/roles",
		Summary:     "List roles and their default backends",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []RoleResponse `json:"body"`
	}, error) {
		return &struct {
			Body []RoleResponse `json:"body"`
		}{Body: roleResponses(e.Roles())}, nil
	})
}

func registerDispatch(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "dispatch",
		Method:      http.MethodPost,
		Path:        "/dispatch",
		Summary:     "Dispatch a task to a role",
		Description: "Unknown roles and unusable backends answer 200 with the matching status.",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DispatchRequest `json:"body"`
	}) (*struct {
		Body DispatchResponse `json:"body"`
	}, error) {
		res, err := e.Assign(ctx, domain.Assignment{
			Role:       domain.Role(input.Body.Role),
			Task:       input.Body.Task,
			Backend:    input.Body.Backend,
			TargetFile: input.Body.TargetFile,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DispatchResponse `json:"body"`
		}{Body: dispatchResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dispatch-parallel",
		Method:      http.MethodPost,
		Path:        "/dispatch/parallel",
		Summary:     "Dispatch tasks across the backend pool",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body ParallelRequest `json:"body"`
	}) (*struct {
		Body ParallelResponse `json:"body"`
	}, error) {
		assignments := make([]domain.Assignment, 0, len(input.Body.Assignments))
		for _, a := range input.Body.Assignments {
			assignments = append(assignments, domain.Assignment{Role: domain.Role(a.Role), Task: a.Task, TargetFile: a.TargetFile})
		}
		results, err := e.AssignParallel(ctx, assignments)
		if err != nil {
			return nil, handleError(err)
		}
		resp := ParallelResponse{Results: make([]DispatchResponse, 0, len(results))}
		for _, r := range results {
			resp.Results = append(resp.Results, dispatchResponse(r))
		}
		return &struct {
			Body ParallelResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerFeedback(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "forward-feedback",
		Method:      http.MethodPost,
		Path:        "/feedback",
		Summary:     "Forward one role's output into another role's session",
		Description: "A target without a live session answers 200 with status no_active_session.",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body FeedbackRequest `json:"body"`
	}) (*struct {
		Body DispatchResponse `json:"body"`
	}, error) {
		from := domain.Role(input.Body.FromRole)
		if !domain.ValidRole(from) {
			return nil, handleError(registry.UnknownRoleError{Role: input.Body.FromRole})
		}
		res, err := e.Forward(ctx, domain.FeedbackEnvelope{
			FromRole:   from,
			ToRole:     domain.Role(input.Body.ToRole),
			Artifact:   input.Body.Artifact,
			Annotation: input.Body.Annotation,
			Backend:    input.Body.Backend,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DispatchResponse `json:"body"`
		}{Body: dispatchResponse(res)}, nil
	})
}

func registerGate(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "evaluate-gate",
		Method:      http.MethodPost,
		Path:        "/gate",
		Summary:     "Run the quality gate",
	}, func(ctx context.Context, input *struct {
		Body GateRequest `json:"body"`
	}) (*struct {
		Body GateResponse `json:"body"`
	}, error) {
		report, err := e.EnforceGate(ctx, engine.GateRequest{
			Checks:     input.Body.Checks,
			WorkingDir: input.Body.WorkingDir,
			Feedback:   input.Body.Feedback,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GateResponse `json:"body"`
		}{Body: gateResponse(report)}, nil
	})
}

func registerBroadcast(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "broadcast",
		Method:      http.MethodPost,
		Path:        "/broadcast",
		Summary:     "Send a message to every role",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body BroadcastRequest `json:"body"`
	}) (*struct {
		Body BroadcastResponse `json:"body"`
	}, error) {
		tone, err := engine.ParseTone(input.Body.Tone)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"tone": input.Body.Tone})
		}
		return &struct {
			Body BroadcastResponse `json:"body"`
		}{Body: broadcastResponse(e.Broadcast(ctx, input.Body.Message, tone))}, nil
	})
}

func registerSessions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List live sessions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []SessionResponse `json:"body"`
	}, error) {
		items := e.ListSessions()
		out := make([]SessionResponse, 0, len(items))
		for _, s := range items {
			out = append(out, sessionResponse(s))
		}
		return &struct {
			Body []SessionResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{role}/{backend}/reset",
		Summary:     "Discard a session and start a new conversation",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Role    string `path:"role"`
		Backend string `path:"backend"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		snap, err := e.Reset(ctx, domain.Role(input.Role), input.Backend)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(snap)}, nil
	})
}

func registerPlaybook(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects with playbook content",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []string `json:"body"`
	}, error) {
		items, err := e.Projects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []string{}
		}
		return &struct {
			Body []string `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-playbook",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/playbook",
		Summary:     "Read every playbook section",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body PlaybookResponse `json:"body"`
	}, error) {
		pb, err := e.ReadPlaybook(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlaybookResponse `json:"body"`
		}{Body: playbookResponse(pb)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-playbook-section",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/playbook/{section}",
		Summary:     "Read one playbook section",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Section   string `path:"section"`
	}) (*struct {
		Body SectionResponse `json:"body"`
	}, error) {
		sec, err := e.ReadSection(ctx, input.ProjectID, input.Section)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SectionResponse `json:"body"`
		}{Body: sectionResponse(sec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-playbook-section",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/playbook/{section}",
		Summary:     "Replace one playbook section",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Section   string `path:"section"`
		Body      UpdateSectionRequest `json:"body"`
	}) (*struct {
		Body SectionResponse `json:"body"`
	}, error) {
		saved, err := e.UpdatePlaybook(ctx, input.ProjectID, input.Section, input.Body.Content)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SectionResponse `json:"body"`
		}{Body: sectionResponse(saved)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List recent events",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Type      string `query:"type"`
		Limit     int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if e.DB == nil {
			return nil, handleError(engine.ErrNoStore)
		}
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{ProjectID: input.ProjectID, Type: input.Type, Limit: input.Limit})
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			out = append(out, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: out}, nil
	})
}
