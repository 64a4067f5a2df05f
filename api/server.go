/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     slog request logging (carries the request ID)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the member client
  5. Actor:      X-Actor-* headers to scheduling.Actor

ROUTE GROUPS:
  /api/requests/*       Live requests
  /api/partitions/*     Partition listings
  /api/staged/*         Six-month advance requests
  /api/allotments/*     Capacity configuration
  /api/scheduler/*      Promotion runs
  /api/admin/*          Zone migration
  /api/monitoring/*     Metrics and threshold checks
  /api/divisions, /api/members, /api/roster/*   Directory and roster
  /api/scenarios/*      Demo scenarios
  /metrics              Prometheus
  /healthz              Liveness

SECURITY NOTE:
  Authentication happens in the identity layer in front of this service.
  It sets the X-Actor-* headers; this service trusts them.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/allotment-engine/scheduling"
)

// Actor headers set by the identity layer.
const (
	HeaderActorID       = "X-Actor-ID"
	HeaderActorRole     = "X-Actor-Role"
	HeaderActorDivision = "X-Actor-Division"
	HeaderActorPIN      = "X-Actor-PIN"
)

// RouterConfig configures NewRouter.
type RouterConfig struct {
	AllowedOrigins []string
	// Gatherer backs /metrics. Nil omits the route.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = h.logger
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger.With("component", "http")))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type",
			HeaderActorID, HeaderActorRole, HeaderActorDivision, HeaderActorPIN},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(actorMiddleware)

		r.Route("/requests", func(r chi.Router) {
			r.Get("/", h.ListRequests)
			r.Post("/", h.SubmitRequest)
			r.Post("/import", h.ImportRequest)
			r.Get("/{id}", h.GetRequest)
			r.Delete("/{id}", h.CancelRequest)
			r.Post("/{id}/deny", h.DenyRequest)
		})

		r.Get("/partitions/{division}/requests", h.ListPartitionRequests)

		r.Route("/staged", func(r chi.Router) {
			r.Get("/", h.ListStaged)
			r.Post("/", h.StageRequest)
		})

		r.Route("/allotments", func(r chi.Router) {
			r.Get("/", h.ListAllotments)
			r.Get("/capacity", h.GetCapacity)
			r.Put("/yearly", h.SetYearlyAllotment)
			r.Put("/override", h.SetOverride)
		})

		r.Post("/scheduler/promote", h.TriggerPromotion)

		r.Route("/admin/zones", func(r chi.Router) {
			r.Post("/migrate", h.MigrateZones)
			r.Get("/violations", h.ZoneViolations)
		})

		r.Route("/monitoring", func(r chi.Router) {
			r.Get("/metrics", h.GetMetrics)
			r.Post("/check", h.CheckThresholds)
		})

		r.Route("/divisions", func(r chi.Router) {
			r.Get("/", h.ListDivisions)
			r.Post("/", h.CreateDivision)
		})

		r.Route("/members", func(r chi.Router) {
			r.Get("/", h.ListMembers)
			r.Post("/", h.SaveMember)
			r.Post("/{pin}/account", h.LinkAccount)
		})

		r.Post("/roster/seed", h.SeedRoster)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

type actorKey struct{}

// actorMiddleware builds the request's actor from the identity headers.
// Requests without an actor ID are anonymous members and can do nothing
// that needs a capability.
func actorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := scheduling.Actor{
			ID:       r.Header.Get(HeaderActorID),
			Role:     scheduling.ParseRole(r.Header.Get(HeaderActorRole)),
			Division: scheduling.DivisionID(r.Header.Get(HeaderActorDivision)),
		}
		if s := r.Header.Get(HeaderActorPIN); s != "" {
			pin, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid "+HeaderActorPIN, err)
				return
			}
			actor.PIN = scheduling.PIN(pin)
		}
		if actor.ID == "" {
			actor.Role = scheduling.RoleMember
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// WithActor attaches an actor to ctx.
func WithActor(ctx context.Context, actor scheduling.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFrom(ctx context.Context) scheduling.Actor {
	if a, ok := ctx.Value(actorKey{}).(scheduling.Actor); ok {
		return a
	}
	return scheduling.Actor{Role: scheduling.RoleMember}
}

// requestLogger logs one record per request at INFO, or WARN for 5xx.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				level := slog.LevelInfo
				if ww.Status() >= http.StatusInternalServerError {
					level = slog.LevelWarn
				}
				logger.LogAttrs(r.Context(), level, "request",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Int("status", ww.Status()),
					slog.Int("bytes", ww.BytesWritten()),
					slog.Duration("duration", time.Since(start)),
					slog.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
