package app

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/paygate/internal/auth"
	"github.com/noah-isme/paygate/internal/common"
	"github.com/noah-isme/paygate/internal/health"
	"github.com/noah-isme/paygate/internal/obs"
	"github.com/noah-isme/paygate/internal/payment"
	"github.com/noah-isme/paygate/internal/ratelimit"
	"github.com/noah-isme/paygate/internal/security"
)

// RouterOptions toggles the observability middleware.
type RouterOptions struct {
	Metrics *obs.HTTPMetrics
	Tracing bool
}

// NewRouter mounts health, metrics, the payment API and the provider webhooks.
func NewRouter(deps *Dependencies, opts RouterOptions) http.Handler {
	cfg := deps.Config

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if opts.Tracing {
		r.Use(obs.TracingMiddleware)
	}
	if opts.Metrics != nil {
		r.Use(obs.HTTPObs{Metrics: opts.Metrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: deps.Logger}.Middleware)
	r.Use(security.Headers{EnableHSTS: cfg.AppEnv == "production"}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins(cfg.CORSAllowedOrigins),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Request-ID"},
		ExposedHeaders: []string{"Idempotent-Replayed", "X-Request-ID"},
		MaxAge:         300,
	}))

	if opts.Metrics != nil {
		r.Handle("/metrics", promhttp.Handler())
	}
	healthHandler := health.Handler{Probes: map[string]health.Probe{"redis": health.RedisProbe(deps.Redis)}}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	limited := ratelimit.Handler{
		Limiter: deps.Limiter,
		Key:     ratelimit.ByCaller("payments"),
		OnError: func(err error) { deps.Logger.Error().Err(err).Msg("ratelimit_store_error") },
	}
	idem := common.Idem{R: deps.Redis, TTL: cfg.IdempotencyTTL}
	payments := &payment.Handler{Svc: deps.Service}

	r.Route("/api/v1", func(v chi.Router) {
		v.Route("/payments", func(p chi.Router) {
			if deps.Tokens != nil {
				p.Use(auth.Middleware{Tokens: deps.Tokens}.RequireService)
			}
			payments.Routes(p, limited.Middleware, idem.Middleware)
		})

		webhookLimit := ratelimit.Handler{
			Limiter: deps.Limiter,
			Key:     ratelimit.ByCaller("webhooks"),
			OnError: limited.OnError,
			CountIf: ratelimit.RejectedOnly,
		}
		v.Route("/webhooks", func(wh chi.Router) {
			wh.Use(webhookLimit.Middleware)
			wh.Use(security.BodyLimit{Max: cfg.WebhookMaxBodyBytes}.Middleware)
			wh.Post("/cardnet", deps.Dispatcher.Handler(payment.CardNet))
			wh.Post("/africapay", deps.Dispatcher.Handler(payment.AfricaPay))
		})
	})
	return r
}

func allowedOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
