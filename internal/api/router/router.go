package router

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/clinic-queue/internal/audit"
	"github.com/wolfman30/clinic-queue/internal/clinic"
	httpmiddleware "github.com/wolfman30/clinic-queue/internal/http/middleware"
	"github.com/wolfman30/clinic-queue/internal/queue"
	"github.com/wolfman30/clinic-queue/internal/realtime"
	"github.com/wolfman30/clinic-queue/pkg/logging"
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Config holds router configuration
type Config struct {
	Logger        *logging.Logger
	QueueHandler  *queue.Handler
	ClinicHandler *clinic.Handler
	AuditHandler  *audit.Handler
	Hub           *realtime.Hub

	MetricsHandler     http.Handler
	HealthChecks       map[string]HealthCheck
	CORSAllowedOrigins []string
	RequestTimeout     time.Duration

	// StaffAuthSecret enables HMAC JWT auth. When empty and AllowHeaderActor
	// is set, the X-Actor-Id header is trusted instead.
	StaffAuthSecret  string
	AllowHeaderActor bool
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	// Public endpoints
	r.Group(func(public chi.Router) {
		public.Get("/health", healthHandler(cfg.HealthChecks))
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
		if cfg.Hub != nil {
			cfg.Hub.Register(public)
		}
	})

	auth := actorMiddleware(cfg)
	if auth == nil {
		return r
	}

	// Staff API, every request carries an actor
	r.Route("/api", func(api chi.Router) {
		if cfg.RequestTimeout > 0 {
			api.Use(middleware.Timeout(cfg.RequestTimeout))
		}
		api.Use(auth)
		if cfg.QueueHandler != nil {
			cfg.QueueHandler.Register(api)
		}
		if cfg.ClinicHandler != nil {
			cfg.ClinicHandler.Register(api)
		}
		if cfg.AuditHandler != nil {
			cfg.AuditHandler.Register(api)
		}
	})

	return r
}

func actorMiddleware(cfg *Config) func(http.Handler) http.Handler {
	switch {
	case cfg.StaffAuthSecret != "":
		return httpmiddleware.StaffJWT(cfg.StaffAuthSecret)
	case cfg.AllowHeaderActor:
		if cfg.Logger != nil {
			cfg.Logger.Warn("staff auth disabled; trusting X-Actor-Id header")
		}
		return httpmiddleware.HeaderActor()
	default:
		if cfg.Logger != nil {
			cfg.Logger.Error("no staff auth configured; /api routes disabled")
		}
		return nil
	}
}

func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]string{"status": "ok"}
		status := http.StatusOK
		for name, check := range checks {
			if check == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			err := check(ctx)
			cancel()
			if err != nil {
				resp[name] = "unavailable"
				resp["status"] = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			resp[name] = "ok"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
