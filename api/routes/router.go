package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/civicreport-sync/api/controllers"
	"github.com/angelmondragon/civicreport-sync/api/middleware"
	"github.com/angelmondragon/civicreport-sync/internal/reports"
	"github.com/angelmondragon/civicreport-sync/pkg/config"
	"github.com/angelmondragon/civicreport-sync/pkg/logger"
	"github.com/angelmondragon/civicreport-sync/pkg/redis"
)

// Bridge is the part of the cross-context bridge the HTTP surface drives.
type Bridge interface {
	controllers.ConfigPusher
	controllers.PresenceTracker
}

// Sync is the foreground orchestrator as seen by the HTTP surface.
type Sync interface {
	controllers.SyncRunner
	controllers.ReportRetrier
}

// Dependencies groups what NewRouter wires into handlers. Idempotency and
// Redis may be nil when the memory bridge driver is in use.
type Dependencies struct {
	Reports      reports.Service
	Sync         Sync
	Bridge       Bridge
	Connectivity controllers.ConnectivityReporter
	DB           controllers.Pinger
	Redis        controllers.Pinger
	Idempotency  redis.IdempotencyStore
	Metrics      prometheus.Gatherer
}

func NewRouter(cfg *config.Config, logg *logger.Logger, deps Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, map[string]controllers.Pinger{
			"db":    deps.DB,
			"redis": deps.Redis,
		}))
	})

	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{}))
	}

	presenceTTL := cfg.Bridge.PresenceTTL
	if presenceTTL <= 0 {
		presenceTTL = 45 * time.Second
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Session(logg))
		r.Use(middleware.Idempotency(deps.Idempotency, logg))

		r.Route("/reports", func(r chi.Router) {
			r.Post("/", controllers.ReportEnqueue(deps.Reports, logg))
			r.Get("/", controllers.ReportList(deps.Reports, logg))
			r.Get("/counts", controllers.ReportCounts(deps.Reports, logg))
			r.Get("/{reportId}", controllers.ReportGet(deps.Reports, logg))
			r.Delete("/{reportId}", controllers.ReportDelete(deps.Reports, logg))
			r.Post("/{reportId}/retry", controllers.ReportRetry(deps.Reports, deps.Sync, logg))
		})

		r.Post("/sync", controllers.SyncNow(deps.Sync, logg))
		r.Get("/sync/status", controllers.SyncStatus(deps.Sync))

		r.Post("/session/config", controllers.SessionConfig(deps.Bridge, logg))
		r.Post("/presence", controllers.PresenceUpdate(deps.Bridge, presenceTTL, logg))
		r.Delete("/presence/{contextId}", controllers.PresenceClear(deps.Bridge, logg))

		r.Get("/connectivity", controllers.ConnectivityStatus(deps.Connectivity))
		r.Post("/connectivity/events", controllers.ConnectivityEvent(deps.Connectivity, logg))
	})

	return r
}
