package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"veriflow/internal/domain"
	"veriflow/internal/engine"
	"veriflow/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"open version already exists for phase"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Veriflow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Veriflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerCycles(group, cfg.Engine)
	registerReports(group, cfg.Engine)
	registerSources(group, cfg.Engine)
	registerPhases(group, cfg.Engine)
	registerActivities(group, cfg.Engine)
	registerVersions(group, cfg.Engine)
	registerItems(group, cfg.Engine)
	registerAssignments(group, cfg.Engine)
	registerSLA(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAuthz(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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
	var conflict engine.ConflictError
	if errors.As(err, &conflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), map[string]any{"entity": conflict.Entity})
	}
	var invalid engine.InvalidStateError
	if errors.As(err, &invalid) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_state", err.Error(), map[string]any{
			"current": invalid.Current, "requested": invalid.Requested,
		})
	}
	var deps engine.DependencyNotSatisfiedError
	if errors.As(err, &deps) {
		return newAPIError(http.StatusUnprocessableEntity, "dependency_not_satisfied", err.Error(), map[string]any{"unmet": deps.Unmet})
	}
	var denied engine.PermissionDeniedError
	if errors.As(err, &denied) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": denied.Action})
	}
	var integrity engine.DataIntegrityError
	if errors.As(err, &integrity) {
		return newAPIError(http.StatusInternalServerError, "data_integrity", err.Error(), nil)
	}
	var transient engine.TransientError
	if errors.As(err, &transient) {
		return newAPIError(http.StatusServiceUnavailable, "transient", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "invalid_state"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusServiceUnavailable:
		return "transient"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
}

// cycleOrDefault falls back to the configured cycle when a request omits
// the cycle id.
func cycleOrDefault(e engine.Engine, cycleID int64) int64 {
	if cycleID != 0 {
		return cycleID
	}
	if e.Config != nil {
		return e.Config.Cycle.ID
	}
	return 0
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
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
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

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
	healthPath := path.Join(basePath, "health")
	devLoginPath := path.Join(basePath, "auth/dev/login")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath || route == devLoginPath {
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
    <title>Veriflow API Docs</title>
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

func registerCycles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-cycle",
		Method:        http.MethodPost,
		Path:          "/cycles",
		Summary:       "Create test cycle",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateCycleRequest `json:"body"`
	}) (*struct {
		Body domain.Cycle `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ID == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		desc := ""
		if input.Body.Description != nil {
			desc = *input.Body.Description
		}
		c, err := e.InitCycle(ctx, input.Body.ID, input.Body.Name, desc, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Cycle `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cycles",
		Method:      http.MethodGet,
		Path:        "/cycles",
		Summary:     "List cycles",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Cycle `json:"body"`
	}, error) {
		items, err := e.Repo.ListCycles(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Cycle `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-cycle",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}",
		Summary:     "Get cycle",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CycleID int64 `path:"cycle_id"`
	}) (*struct {
		Body domain.Cycle `json:"body"`
	}, error) {
		c, err := e.Repo.GetCycle(ctx, input.CycleID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Cycle `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cycle-status",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}/status",
		Summary:     "Cycle status summary",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CycleID int64 `path:"cycle_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		c, err := e.Repo.GetCycle(ctx, input.CycleID)
		if err != nil {
			return nil, handleError(err)
		}
		open, err := e.Repo.ListOpenPhases(ctx, c.ID)
		if err != nil {
			return nil, handleError(err)
		}
		violations, err := e.Repo.ListViolations(ctx, c.ID, true)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"cycle_id":         c.ID,
			"status":           c.Status,
			"phases_in_flight": len(open),
			"open_violations":  len(violations),
			"phases":           open,
		}}, nil
	})
}

func registerReports(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-report",
		Method:        http.MethodPost,
		Path:          "/reports",
		Summary:       "Add report to cycle scope",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateReportRequest `json:"body"`
	}) (*struct {
		Body domain.Report `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ID == 0 || input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id and name are required", nil)
		}
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cycleID := cycleOrDefault(e, input.Body.CycleID)
		rep, err := e.AddReport(ctx, cycleID, input.Body.ID, input.Body.Name, input.Body.LineOfBusiness, input.Body.OwnerID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Report `json:"body"`
		}{Body: rep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reports",
		Method:      http.MethodGet,
		Path:        "/reports",
		Summary:     "List reports",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Report `json:"body"`
	}, error) {
		items, err := e.Repo.ListReports(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Report `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-report",
		Method:      http.MethodGet,
		Path:        "/reports/{report_id}",
		Summary:     "Get report",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ReportID int64 `path:"report_id"`
	}) (*struct {
		Body domain.Report `json:"body"`
	}, error) {
		rep, err := e.Repo.GetReport(ctx, input.ReportID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Report `json:"body"`
		}{Body: rep}, nil
	})
}

func registerSources(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-source",
		Method:        http.MethodPost,
		Path:          "/sources",
		Summary:       "Register data source for a report",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body RegisterSourceRequest `json:"body"`
	}) (*struct {
		Body domain.DataSource `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cycleID := cycleOrDefault(e, input.Body.CycleID)
		s, err := e.RegisterDataSource(ctx, cycleID, input.Body.ReportID, input.Body.SourceType, input.Body.ConnectionRef, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DataSource `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-source",
		Method:      http.MethodPost,
		Path:        "/sources/{source_id}/validate",
		Summary:     "Mark data source validated",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SourceID string `path:"source_id"`
	}) (*struct {
		Body domain.DataSource `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.ValidateDataSource(ctx, input.SourceID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DataSource `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sources",
		Method:      http.MethodGet,
		Path:        "/reports/{report_id}/sources",
		Summary:     "List data sources for a report",
	}, func(ctx context.Context, input *struct {
		ReportID int64 `path:"report_id"`
		CycleID  int64 `query:"cycle_id"`
	}) (*struct {
		Body []domain.DataSource `json:"body"`
	}, error) {
		cycleID := cycleOrDefault(e, input.CycleID)
		items, err := e.Repo.ListDataSources(ctx, cycleID, input.ReportID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.DataSource `json:"body"`
		}{Body: items}, nil
	})
}

func registerPhases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "init-phase",
		Method:        http.MethodPost,
		Path:          "/phases",
		Summary:       "Initialize phase from template catalog",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body InitPhaseRequest `json:"body"`
	}) (*struct {
		Body struct {
			Phase      domain.Phase      `json:"phase"`
			Activities []domain.Activity `json:"activities"`
		} `json:"body"`
	}, error) {
		if input.Body.Name == "" || input.Body.ReportID == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "report_id and name are required", nil)
		}
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cycleID := cycleOrDefault(e, input.Body.CycleID)
		p, acts, err := e.InitializePhase(ctx, cycleID, input.Body.ReportID, input.Body.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Phase      domain.Phase      `json:"phase"`
				Activities []domain.Activity `json:"activities"`
			} `json:"body"`
		}{}
		out.Body.Phase = p
		out.Body.Activities = acts
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-phases",
		Method:      http.MethodGet,
		Path:        "/phases",
		Summary:     "List phases for a report",
	}, func(ctx context.Context, input *struct {
		CycleID  int64 `query:"cycle_id"`
		ReportID int64 `query:"report_id"`
	}) (*struct {
		Body []domain.Phase `json:"body"`
	}, error) {
		cycleID := cycleOrDefault(e, input.CycleID)
		items, err := e.Repo.ListPhases(ctx, cycleID, input.ReportID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Phase `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-phase",
		Method:      http.MethodGet,
		Path:        "/phases/{phase_id}",
		Summary:     "Get phase",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PhaseID string `path:"phase_id"`
	}) (*struct {
		Body domain.Phase `json:"body"`
	}, error) {
		p, err := e.Repo.GetPhase(ctx, input.PhaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Phase `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-phase",
		Method:      http.MethodPost,
		Path:        "/phases/{phase_id}/complete",
		Summary:     "Complete phase when derived conditions hold",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		PhaseID string `path:"phase_id"`
	}) (*struct {
		Body domain.Phase `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CompletePhase(ctx, input.PhaseID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Phase `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-phase",
		Method:      http.MethodPost,
		Path:        "/phases/{phase_id}/reset",
		Summary:     "Reset phase activities to NOT_STARTED (privileged)",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PhaseID string            `path:"phase_id"`
		Body    PhaseResetRequest `json:"body"`
	}) (*struct {
		Body []domain.Activity `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.ResetPhaseActivities(ctx, input.PhaseID, input.Body.Reason, actorID); err != nil {
			return nil, handleError(err)
		}
		acts, err := e.Repo.ListActivities(ctx, input.PhaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Activity `json:"body"`
		}{Body: acts}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "override-phase",
		Method:      http.MethodPost,
		Path:        "/phases/{phase_id}/override",
		Summary:     "Force phase state or schedule status with a reason",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PhaseID string               `path:"phase_id"`
		Body    PhaseOverrideRequest `json:"body"`
	}) (*struct {
		Body domain.Phase `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.State == "" && input.Body.ScheduleStatus == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "state or schedule_status is required", nil)
		}
		var (
			p   domain.Phase
			err error
		)
		if input.Body.State != "" {
			p, err = e.OverridePhaseState(ctx, input.PhaseID, input.Body.State, input.Body.Reason, actorID)
			if err != nil {
				return nil, handleError(err)
			}
		}
		if input.Body.ScheduleStatus != "" {
			p, err = e.OverrideScheduleStatus(ctx, input.PhaseID, input.Body.ScheduleStatus, input.Body.Reason, actorID)
			if err != nil {
				return nil, handleError(err)
			}
		}
		return &struct {
			Body domain.Phase `json:"body"`
		}{Body: p}, nil
	})
}

func registerActivities(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-activities",
		Method:      http.MethodGet,
		Path:        "/phases/{phase_id}/activities",
		Summary:     "List phase activities",
	}, func(ctx context.Context, input *struct {
		PhaseID string `path:"phase_id"`
	}) (*struct {
		Body []domain.Activity `json:"body"`
	}, error) {
		items, err := e.Repo.ListActivities(ctx, input.PhaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Activity `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-activity",
		Method:      http.MethodPost,
		Path:        "/activities/{activity_id}/advance",
		Summary:     "Advance activity status",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ActivityID string                 `path:"activity_id"`
		Body       AdvanceActivityRequest `json:"body"`
	}) (*struct {
		Body domain.Activity `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.AdvanceActivity(ctx, input.ActivityID, input.Body.Status, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Activity `json:"body"`
		}{Body: a}, nil
	})
}

func registerVersions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "open-version",
		Method:        http.MethodPost,
		Path:          "/phases/{phase_id}/versions",
		Summary:       "Open next draft version for a phase",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusConflict, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		PhaseID string             `path:"phase_id"`
		Body    OpenVersionRequest `json:"body,omitempty"`
	}) (*struct {
		Body domain.Version `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.OpenVersion(ctx, engine.OpenVersionOptions{
			PhaseID:      input.PhaseID,
			ActorID:      actorID,
			CarryForward: input.Body.CarryForward,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Version `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-versions",
		Method:      http.MethodGet,
		Path:        "/phases/{phase_id}/versions",
		Summary:     "List versions for a phase",
	}, func(ctx context.Context, input *struct {
		PhaseID string `path:"phase_id"`
	}) (*struct {
		Body []domain.Version `json:"body"`
	}, error) {
		items, err := e.Repo.ListVersions(ctx, input.PhaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Version `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-version",
		Method:      http.MethodGet,
		Path:        "/versions/{version_id}",
		Summary:     "Get version",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		VersionID string `path:"version_id"`
	}) (*struct {
		Body domain.Version `json:"body"`
	}, error) {
		v, err := e.Repo.GetVersion(ctx, input.VersionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Version `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "version-lineage",
		Method:      http.MethodGet,
		Path:        "/versions/{version_id}/lineage",
		Summary:     "Walk supersession chain back to the root",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		VersionID string `path:"version_id"`
	}) (*struct {
		Body []domain.Version `json:"body"`
	}, error) {
		chain, err := e.GetLineage(ctx, input.VersionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Version `json:"body"`
		}{Body: chain}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-version",
		Method:      http.MethodPost,
		Path:        "/versions/{version_id}/submit",
		Summary:     "Submit draft version for approval",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		VersionID string               `path:"version_id"`
		Body      SubmitVersionRequest `json:"body,omitempty"`
	}) (*struct {
		Body domain.Version `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.SubmitVersion(ctx, input.VersionID, actorID, input.Body.Notes)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Version `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-version",
		Method:      http.MethodPost,
		Path:        "/versions/{version_id}/resolve",
		Summary:     "Recompute aggregates and settle version status",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		VersionID string `path:"version_id"`
	}) (*struct {
		Body domain.Version `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.ResolveVersion(ctx, input.VersionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Version `json:"body"`
		}{Body: v}, nil
	})
}

func registerItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-item",
		Method:        http.MethodPost,
		Path:          "/versions/{version_id}/items",
		Summary:       "Add item to a draft version",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		VersionID string         `path:"version_id"`
		Body      AddItemRequest `json:"body,omitempty"`
	}) (*struct {
		Body domain.Item `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		payload := ""
		if input.Body.Payload != nil {
			data, err := json.Marshal(input.Body.Payload)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid payload", nil)
			}
			payload = string(data)
		}
		it, err := e.AddItem(ctx, engine.AddItemOptions{
			VersionID:   input.VersionID,
			PayloadJSON: payload,
			FileRef:     input.Body.FileRef,
			FileSHA256:  input.Body.FileSHA256,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Item `json:"body"`
		}{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/versions/{version_id}/items",
		Summary:     "List version items",
	}, func(ctx context.Context, input *struct {
		VersionID string `path:"version_id"`
	}) (*struct {
		Body []domain.Item `json:"body"`
	}, error) {
		items, err := e.Repo.ListItems(ctx, input.VersionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Item `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-item-decision",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/decision",
		Summary:     "Record tester or report-owner decision",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ItemID string              `path:"item_id"`
		Body   ItemDecisionRequest `json:"body"`
	}) (*struct {
		Body domain.Item `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		it, err := e.RecordItemDecision(ctx, engine.DecisionOptions{
			ItemID:         input.ItemID,
			Role:           input.Body.Role,
			Decision:       input.Body.Decision,
			Notes:          input.Body.Notes,
			OverrideReason: input.Body.OverrideReason,
			ActorID:        actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Item `json:"body"`
		}{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revise-item",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/revise",
		Summary:     "Edit item after rejection, clearing decisions",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ItemID string            `path:"item_id"`
		Body   ReviseItemRequest `json:"body,omitempty"`
	}) (*struct {
		Body domain.Item `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		payload := ""
		if input.Body.Payload != nil {
			data, err := json.Marshal(input.Body.Payload)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid payload", nil)
			}
			payload = string(data)
		}
		it, err := e.ReviseItem(ctx, input.ItemID, payload, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Item `json:"body"`
		}{Body: it}, nil
	})
}

func registerAssignments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-assignment",
		Method:        http.MethodPost,
		Path:          "/assignments",
		Summary:       "Create role-to-role assignment",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateAssignmentRequest `json:"body"`
	}) (*struct {
		Body domain.Assignment `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.CreateAssignment(ctx, engine.AssignmentCreateOptions{
			Type:       input.Body.Type,
			CycleID:    cycleOrDefault(e, input.Body.CycleID),
			PhaseID:    input.Body.PhaseID,
			VersionID:  input.Body.VersionID,
			FromRole:   input.Body.FromRole,
			ToRole:     input.Body.ToRole,
			AssigneeID: input.Body.AssigneeID,
			DueDate:    input.Body.DueDate,
			Notes:      input.Body.Notes,
			ActorID:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Assignment `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-assignments",
		Method:      http.MethodGet,
		Path:        "/assignments",
		Summary:     "List assignments",
	}, func(ctx context.Context, input *struct {
		CycleID int64  `query:"cycle_id"`
		Status  string `query:"status"`
		ToRole  string `query:"to_role"`
	}) (*struct {
		Body []domain.Assignment `json:"body"`
	}, error) {
		items, err := e.Repo.ListAssignments(ctx, cycleOrDefault(e, input.CycleID), input.Status, input.ToRole)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Assignment `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-assignment-status",
		Method:      http.MethodPost,
		Path:        "/assignments/{assignment_id}/status",
		Summary:     "Change assignment status",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		AssignmentID string                  `path:"assignment_id"`
		Body         AssignmentStatusRequest `json:"body"`
	}) (*struct {
		Body domain.Assignment `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.UpdateAssignment(ctx, engine.AssignmentUpdateOptions{
			AssignmentID: input.AssignmentID,
			Status:       input.Body.Status,
			EscalatedTo:  input.Body.EscalatedTo,
			DelegatedTo:  input.Body.DelegatedTo,
			Notes:        input.Body.Notes,
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Assignment `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assignment-history",
		Method:      http.MethodGet,
		Path:        "/assignments/{assignment_id}/history",
		Summary:     "Field-level assignment change history",
	}, func(ctx context.Context, input *struct {
		AssignmentID string `path:"assignment_id"`
	}) (*struct {
		Body []domain.AssignmentChange `json:"body"`
	}, error) {
		items, err := e.Repo.ListAssignmentHistory(ctx, input.AssignmentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AssignmentChange `json:"body"`
		}{Body: items}, nil
	})
}

func registerSLA(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "evaluate-sla",
		Method:      http.MethodPost,
		Path:        "/sla/evaluate",
		Summary:     "Run one SLA evaluation tick",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body struct {
			CycleID int64 `json:"cycle_id,omitempty"`
		} `json:"body,omitempty"`
	}) (*struct {
		Body engine.SLAReport `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		report, err := e.EvaluateSLA(ctx, cycleOrDefault(e, input.Body.CycleID), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.SLAReport `json:"body"`
		}{Body: report}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-violations",
		Method:      http.MethodGet,
		Path:        "/sla/violations",
		Summary:     "List SLA violation tracking rows",
	}, func(ctx context.Context, input *struct {
		CycleID    int64 `query:"cycle_id"`
		Unresolved bool  `query:"unresolved"`
	}) (*struct {
		Body []domain.Violation `json:"body"`
	}, error) {
		items, err := e.Repo.ListViolations(ctx, cycleOrDefault(e, input.CycleID), input.Unresolved)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Violation `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-violation",
		Method:      http.MethodPost,
		Path:        "/sla/violations/{violation_id}/resolve",
		Summary:     "Resolve an SLA violation",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ViolationID string                  `path:"violation_id"`
		Body        ResolveViolationRequest `json:"body,omitempty"`
	}) (*struct {
		Body domain.Violation `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.ResolveViolation(ctx, input.ViolationID, input.Body.Notes, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Violation `json:"body"`
		}{Body: v}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit event log, newest first",
	}, func(ctx context.Context, input *struct {
		CycleID    int64  `query:"cycle_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit"`
		Before     int64  `query:"before"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit, input.Before, cycleOrDefault(e, input.CycleID), input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func registerAuthz(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal and effective roles",
	}, func(ctx context.Context, input *struct {
		CycleID int64 `query:"cycle_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		principal, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		cycleID := cycleOrDefault(e, input.CycleID)
		roles, err := e.Authz.Roles(ctx, cycleID, principal.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		perms, err := e.Authz.Permissions(ctx, cycleID, principal.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"user_id":     principal.UserID,
			"source":      principal.Source,
			"roles":       roles,
			"permissions": perms,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "grant-role",
		Method:        http.MethodPost,
		Path:          "/authz/grants",
		Summary:       "Grant a role to a user for a cycle",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body GrantRoleRequest `json:"body"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.UserID == "" || input.Body.Role == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id and role are required", nil)
		}
		cycleID := cycleOrDefault(e, input.Body.CycleID)
		if err := e.GrantRole(ctx, cycleID, input.Body.UserID, input.Body.Role, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"cycle_id": cycleID, "user_id": input.Body.UserID, "role": input.Body.Role}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-role",
		Method:      http.MethodDelete,
		Path:        "/authz/grants",
		Summary:     "Revoke a role grant",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CycleID int64  `query:"cycle_id"`
		UserID  string `query:"user_id"`
		Role    string `query:"role"`
	}) (*struct{}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.UserID == "" || input.Role == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id and role are required", nil)
		}
		if err := e.RevokeRole(ctx, cycleOrDefault(e, input.CycleID), input.UserID, input.Role, actorID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.UserID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		if strings.TrimSpace(authCfg.JWTSecret) == "" {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", "jwt secret not configured", nil)
		}
		claims := jwtClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   input.Body.UserID,
				IssuedAt:  jwt.NewNumericDate(time.Now()),
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			},
			Roles: input.Body.Roles,
		}
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		signed, err := token.SignedString([]byte(authCfg.JWTSecret))
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", "sign token", nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: signed}}, nil
	})
}
