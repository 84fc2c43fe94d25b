package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/golang/glog"

	"sheetsync/internal/command"
	"sheetsync/internal/domain"
	"sheetsync/internal/engine"
	"sheetsync/internal/lookup"
	"sheetsync/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	// PingInterval is how often idle sync sockets are pinged.
	PingInterval time.Duration
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"unknown_record"`
	Message string         `json:"message" example:"unknown record rcd9 in datasheet 2"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"record_id\":\"rcd9\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the sync API, the sync socket and
// metrics.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server requires an engine")
	}
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
			// schema validation failures are plain bad requests
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestLogger)
	hcfg := huma.DefaultConfig("Sheetsync API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg.Engine)
	registerDatasheets(group, cfg.Engine)
	registerCommands(group, cfg.Engine)
	registerLookups(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	router.Handle("/metrics", cfg.Engine.Metrics.Handler())
	router.Get("/sync", newSyncHandler(cfg.Engine, cfg.PingInterval).ServeHTTP)

	return router, nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		glog.V(2).Infof("[http]%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
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
	var (
		arity      command.ArgumentArityError
		unknownCmd command.UnknownCommandError
		unknownDS  domain.UnknownDatasheetError
		unknownRec domain.UnknownRecordError
		unresolved domain.UnresolvedLookupError
		conflict   lookup.ConflictError
		cycle      lookup.CycleError
		invalid    engine.InvalidLinkError
		lookupW    domain.LookupWriteError
	)
	switch {
	case errors.As(err, &arity):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"type": arity.Type, "want": arity.Want, "got": arity.Got})
	case errors.As(err, &unknownCmd):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"type": unknownCmd.Type})
	case errors.As(err, &lookupW):
		return newAPIError(http.StatusBadRequest, "lookup_write", err.Error(), map[string]any{"datasheet_id": lookupW.DatasheetID, "field_id": lookupW.FieldID})
	case errors.As(err, &invalid):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"dependent": invalid.Dependent.String()})
	case errors.As(err, &unknownDS):
		return newAPIError(http.StatusNotFound, "unknown_datasheet", err.Error(), map[string]any{"datasheet_id": unknownDS.DatasheetID})
	case errors.As(err, &unknownRec):
		return newAPIError(http.StatusNotFound, "unknown_record", err.Error(), map[string]any{"datasheet_id": unknownRec.DatasheetID, "record_id": unknownRec.RecordID})
	case errors.As(err, &unresolved):
		return newAPIError(http.StatusNotFound, "unresolved_lookup", err.Error(), map[string]any{"reason": unresolved.Reason})
	case errors.As(err, &conflict):
		return newAPIError(http.StatusConflict, "lookup_conflict", err.Error(), map[string]any{"existing": conflict.Existing.String()})
	case errors.As(err, &cycle):
		return newAPIError(http.StatusConflict, "lookup_conflict", err.Error(), map[string]any{"target": cycle.Target.String()})
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	default:
		glog.Errorf("[http]internal error: %v", err)
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil || oas.Components == nil || oas.Components.Schemas == nil {
		return
	}
	errSchema := oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
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
					"application/json": {Schema: errSchema},
				},
			}
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
    <title>Sheetsync API Docs</title>
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
      Live changes stream over the /sync websocket.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		resp := HealthResponse{Status: "ok", Stalled: []string{}}
		for _, st := range e.Stalls() {
			resp.Stalled = append(resp.Stalled, st.DatasheetID)
		}
		if len(resp.Stalled) > 0 {
			resp.Status = "degraded"
		}
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: resp}, nil
	})
}
