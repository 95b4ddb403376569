package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/intake/internal/config"
	"github.com/pitabwire/intake/internal/generate"
	"github.com/pitabwire/intake/internal/idempotency"
	"github.com/pitabwire/intake/internal/observability"
	"github.com/pitabwire/intake/internal/operator"
	"github.com/pitabwire/intake/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config      *config.Config
	Logger      *zap.Logger
	Metrics     *observability.Metrics
	Sessions    Sessions
	Submissions SubmissionCreator
	Dashboard   *operator.Dashboard
	Generator   generate.Generator
	Idempotency idempotency.Store
	Readiness   observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Defaults()
	}
	gen := deps.Generator
	if gen == nil {
		gen = generate.Disabled{}
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(CORS(cfg.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	if cfg.Observability.Metrics.Enabled {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	if cfg.Observability.Metrics.Enabled {
		path := cfg.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, observability.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Route("/api/intake/{token}", func(r chi.Router) {
			r.Use(WithChannel(model.ChannelClient))

			if deps.Sessions == nil {
				r.HandleFunc("/*", notConfigured("client sessions are not configured"))
				return
			}
			r.Get("/", handleSessionView(deps.Sessions))
			r.Delete("/", handleSessionClose(deps.Sessions))
			r.Patch("/fields", handleSessionFields(deps.Sessions))
			r.Post("/navigate", handleNavigate(deps.Sessions))
			r.Post("/submit", handleSubmit(deps.Sessions))
			r.Post("/augment/{key}", handleAugment(deps.Sessions))
			r.Post("/{collection}", handleRecordAdd(deps.Sessions))
			r.Patch("/{collection}/{index}", handleRecordPatch(deps.Sessions))
			r.Delete("/{collection}/{index}", handleRecordRemove(deps.Sessions))
		})

		r.Route("/api/admin", func(r chi.Router) {
			r.Use(WithChannel(model.ChannelOperator))

			if deps.Dashboard == nil {
				r.HandleFunc("/*", notConfigured("operator dashboard is not configured"))
				return
			}
			idem := Idempotent(deps.Idempotency, cfg.Idempotency.Store.DefaultTTL, logger, deps.Metrics)

			r.Get("/submissions", handleAdminList(deps.Dashboard))
			r.Get("/submissions/{id}", handleAdminDetail(deps.Dashboard))
			r.With(idem).Post("/submissions/{id}/transition", handleAdminTransition(deps.Dashboard))
			r.With(idem).Post("/submissions/{id}/build", handleAdminBuild(deps.Dashboard))
		})

		r.Group(func(r chi.Router) {
			r.Use(WithChannel(model.ChannelSystem))
			if deps.Submissions != nil {
				r.Post("/api/submissions", handleCreateSubmission(deps.Submissions, cfg.Server.PublicURL, logger))
			}
			r.Post("/api/generate", handleGenerate(gen))
		})
	})

	return r
}

func notConfigured(msg string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, model.NewNotConfiguredError(msg))
	}
}
