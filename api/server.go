/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind proxies (rate limit key)
  3. Logger:     Structured request logging (zap), request-scoped logger
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Secure:     Security headers, HTTPS redirect in production
  6. CORS:       Cross-origin requests for dashboards
  7. Metrics:    Prometheus request counter/histogram per route pattern
  8. Rate limit: Per-IP limit on /api/*

ROUTE GROUPS:
  /healthz              Store health
  /metrics              Prometheus scrape
  /api/branches/*       Branch registry, ledger, summary, reports
  /api/ledgers          Multi-branch ledgers + grand total
  /api/reports/*        Report mutations
  /api/admin/*          Reset, rebuild, reopen (opt-in)
  /api/scenarios/*      Demo scenarios (opt-in)

SECURITY NOTE:
  No authentication middleware. Admin routes must be protected by the
  deployment (network policy or an authenticating proxy).

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"

	"github.com/warp/branch-ledger/logging"
	"github.com/warp/branch-ledger/metrics"
)

// RouterConfig carries the cross-cutting settings of the middleware stack.
type RouterConfig struct {
	AllowedOrigins     []string
	RateLimitPerMinute int // zero disables rate limiting
	Production         bool
	Metrics            *metrics.Metrics // nil disables /metrics
	Logger             *logging.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.WithComponent("api")

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(secureHeaders(cfg.Production, logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"Retry-After", "X-Request-Id"},
		MaxAge:         300,
	}))
	r.Use(cfg.Metrics.Middleware)

	r.Get("/healthz", h.Healthz)
	r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		if cfg.RateLimitPerMinute > 0 {
			r.Use(httprate.LimitByIP(cfg.RateLimitPerMinute, time.Minute))
		}

		// Branch routes
		r.Route("/branches", func(r chi.Router) {
			r.Get("/", h.ListBranches)
			r.Post("/", h.CreateBranch)
			r.Get("/{id}/ledger", h.GetLedger)
			r.Get("/{id}/summary", h.GetSummary)
			r.Post("/{id}/recalculate", h.Recalculate)
			r.Get("/{id}/reports", h.ListBranchReports)
		})

		r.Get("/ledgers", h.ListLedgers)

		// Report routes
		r.Route("/reports", func(r chi.Router) {
			r.Post("/", h.SubmitReport)
			r.Get("/{id}", h.GetReport)
			r.Put("/{id}", h.EditReport)
			r.Delete("/{id}", h.DeleteReport)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/reset", h.Reset)
			r.Post("/rebuild", h.Rebuild)
			if h.AllowReopen {
				r.Post("/reopen", h.Reopen)
			}
		})

		// Scenario routes
		if h.EnableScenarios {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
			})
		}
	})

	return r
}

// requestLogger logs one line per request and stores a request-scoped
// logger in the context for handlers.
func requestLogger(base *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			log := base.With("request_id", middleware.GetReqID(r.Context()))

			next.ServeHTTP(ww, r.WithContext(logging.WithLogger(r.Context(), log)))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			log.Infow("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
			)
		})
	}
}

func secureHeaders(production bool, logger *logging.Logger) func(http.Handler) http.Handler {
	sec := secure.New(secure.Options{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
		ReferrerPolicy:     "strict-origin-when-cross-origin",
		SSLRedirect:        production,
		SSLProxyHeaders:    map[string]string{"X-Forwarded-Proto": "https"},
	})
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := sec.Process(w, r); err != nil {
				logger.Warnw("secure headers blocked request", "error", err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
