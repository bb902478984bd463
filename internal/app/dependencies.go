package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	limiter "github.com/ulule/limiter/v3"

	"github.com/noah-isme/paygate/internal/auth"
	"github.com/noah-isme/paygate/internal/config"
	"github.com/noah-isme/paygate/internal/payment"
	"github.com/noah-isme/paygate/internal/ratelimit"
	"github.com/noah-isme/paygate/internal/settlement"
)

// Dependencies enumerates the services shared by the HTTP surface.
type Dependencies struct {
	Config     *config.Config
	Logger     zerolog.Logger
	Redis      *redis.Client
	TaskClient *asynq.Client
	Limiter    *limiter.Limiter
	Service    *payment.Service
	Dispatcher *payment.Dispatcher
	Tokens     *auth.ServiceTokens
}

// Options tune how Build instruments shared clients.
type Options struct {
	RedisMetrics bool
}

// Build wires the payment stack from cfg. Redis is optional: without it idempotency is
// off, rate limits are per process and settlement events are only logged.
func Build(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts Options) (*Dependencies, error) {
	deps := &Dependencies{Config: cfg, Logger: logger}

	if cfg.RedisURL != "" {
		client, err := newRedis(ctx, cfg.RedisURL, logger, opts.RedisMetrics)
		if err != nil {
			return nil, err
		}
		deps.Redis = client
	}

	store, err := ratelimit.NewStore(deps.Redis, "paygate:ratelimit")
	if err != nil {
		deps.Close()
		return nil, err
	}
	deps.Limiter = ratelimit.New(store, cfg.RateLimitWindow, cfg.RateLimitMax)

	registry, err := payment.NewRegistry(cfg.Registry())
	if err != nil {
		deps.Close()
		return nil, err
	}
	for _, d := range registry.DroppedRoutes() {
		logger.Warn().
			Str("kind", d.Kind).
			Str("key", d.Key).
			Str("gateway", string(d.Provider)).
			Msg("payment_route_dropped")
	}
	router, err := payment.NewRouter(registry, Adapters(cfg, logger)...)
	if err != nil {
		deps.Close()
		return nil, err
	}
	deps.Service = payment.NewService(router, logger)

	var handler payment.SettlementHandler = settlement.LogHandler{Logger: logger}
	if deps.Redis != nil {
		connOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("parse redis url for tasks: %w", err)
		}
		deps.TaskClient = asynq.NewClient(connOpt)
		handler = settlement.QueueHandler{Client: deps.TaskClient, Queue: cfg.SettlementQueue, Logger: logger}
	}
	deps.Dispatcher = payment.NewDispatcher(handler, logger, WebhookSources(cfg)...)

	if cfg.InternalJWTSecret != "" {
		deps.Tokens, err = auth.NewServiceTokens(cfg.InternalJWTSecret, cfg.InternalJWTIssuer, cfg.InternalJWTAudience)
		if err != nil {
			deps.Close()
			return nil, err
		}
	}
	return deps, nil
}

// Adapters builds one adapter per enabled gateway.
func Adapters(cfg *config.Config, logger zerolog.Logger) []payment.Adapter {
	var out []payment.Adapter
	if cfg.Enabled(payment.CardNet) {
		out = append(out, payment.NewCardNet(payment.CardNetConfig{
			SecretKey:      cfg.CardNetSecretKey,
			PublishableKey: cfg.CardNetPublishableKey,
			BaseURL:        cfg.CardNetBaseURL,
			Timeout:        cfg.ProviderTimeout,
			Logger:         logger,
		}))
	}
	if cfg.Enabled(payment.AfricaPay) {
		out = append(out, payment.NewAfricaPay(payment.AfricaPayConfig{
			SecretKey: cfg.AfricaPaySecretKey,
			PublicKey: cfg.AfricaPayPublicKey,
			BaseURL:   cfg.AfricaPayBaseURL,
			Timeout:   cfg.ProviderTimeout,
			Logger:    logger,
		}))
	}
	return out
}

// WebhookSources returns the verifier setup of every enabled gateway. An empty secret
// yields a source that rejects every delivery.
func WebhookSources(cfg *config.Config) []payment.WebhookSource {
	var out []payment.WebhookSource
	if cfg.Enabled(payment.CardNet) {
		out = append(out, payment.CardNetWebhookSource(cfg.CardNetWebhookSecret, cfg.CardNetWebhookTolerance))
	}
	if cfg.Enabled(payment.AfricaPay) {
		out = append(out, payment.AfricaPayWebhookSource(cfg.AfricaPayWebhookSecret))
	}
	return out
}

// Close releases the Redis and task clients.
func (d *Dependencies) Close() error {
	var errs []error
	if d.TaskClient != nil {
		errs = append(errs, d.TaskClient.Close())
	}
	if d.Redis != nil {
		errs = append(errs, d.Redis.Close())
	}
	return errors.Join(errs...)
}

func newRedis(ctx context.Context, url string, logger zerolog.Logger, metrics bool) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if metrics {
		if err := redisotel.InstrumentMetrics(client); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
