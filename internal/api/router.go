package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/walwatch/walwatch/internal/clock"
	"github.com/walwatch/walwatch/internal/config"
	"github.com/walwatch/walwatch/internal/middleware"
	"github.com/walwatch/walwatch/internal/secrets"
)

// Dependencies are the components the HTTP layer reads from.
type Dependencies struct {
	Registry    TargetRegistry
	Snapshots   SnapshotReader
	Connections interface {
		ConnectionStates
		ConnectionTester
	}
	Credentials CredentialPolicy // nil rejects every credential reference
	Metrics     http.Handler     // nil disables the metrics route
	Clock       clock.Clock
	TestTimeout time.Duration
	Logger      *slog.Logger
}

// NewRouter creates and configures the API router
func NewRouter(deps Dependencies, cors config.CORSConfig, metricsPath string) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Credentials == nil {
		deps.Credentials = secrets.Policy{}
	}
	if deps.TestTimeout <= 0 {
		deps.TestTimeout = 10 * time.Second
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Logger(logger))

	if cors.Enabled {
		r.Use(middleware.CORS(
			cors.AllowedOrigins,
			cors.AllowedMethods,
			cors.AllowedHeaders,
			cors.MaxAgeSeconds,
		))
	}

	healthHandler := NewHealthHandler(deps.Registry, deps.Clock)
	targetHandler := NewTargetHandler(deps.Registry, deps.Connections, deps.Credentials, deps.TestTimeout, logger)
	snapshotHandler := NewSnapshotHandler(deps.Registry, deps.Snapshots, deps.Connections, deps.Clock)

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, metricsPath, deps.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/overview", snapshotHandler.Overviews)
		r.Post("/test", targetHandler.TestUnregistered)

		r.Route("/targets", func(r chi.Router) {
			r.Get("/", targetHandler.List)
			r.Post("/", targetHandler.Create)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", targetHandler.Get)
				r.Put("/", targetHandler.Update)
				r.Delete("/", targetHandler.Delete)
				r.Post("/test", targetHandler.Test)

				r.Get("/snapshot", snapshotHandler.Snapshot)
				r.Get("/history", snapshotHandler.History)
				r.Get("/overview", snapshotHandler.Overview)
				r.Get("/connection", snapshotHandler.Connection)
				r.Get("/schedule", snapshotHandler.Schedule)
			})
		})
	})

	return r
}
