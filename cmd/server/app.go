package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/twmb/franz-go/pkg/kgo"

	"quorum/internal/election/adapters/cache"
	"quorum/internal/election/adapters/directory"
	"quorum/internal/election/adapters/notify"
	"quorum/internal/election/ballot"
	"quorum/internal/election/handler"
	"quorum/internal/election/lifecycle"
	electionmetrics "quorum/internal/election/metrics"
	"quorum/internal/election/nomination"
	"quorum/internal/election/ports"
	"quorum/internal/election/proof"
	"quorum/internal/election/registry"
	"quorum/internal/election/scheduler"
	"quorum/internal/election/store"
	"quorum/internal/election/tally"
	jwttoken "quorum/internal/jwt_token"
	"quorum/internal/platform/config"
	"quorum/internal/platform/health"
	"quorum/internal/platform/kafka"
	"quorum/internal/platform/metrics"
	"quorum/internal/platform/middleware"
	"quorum/internal/platform/postgres"
	"quorum/internal/platform/ratelimit"
	redisclient "quorum/internal/platform/redis"
	"quorum/pkg/platform/audit"
	"quorum/pkg/platform/audit/publisher"
	"quorum/pkg/platform/audit/publishers/security"
	auditpostgres "quorum/pkg/platform/audit/store/postgres"
	auditmemory "quorum/pkg/platform/audit/store/memory"
	"quorum/pkg/platform/circuit"
	"quorum/pkg/platform/middleware/device"
	"quorum/pkg/platform/middleware/metadata"
	"quorum/pkg/platform/middleware/requesttime"
	"quorum/pkg/platform/retry"
)

// electionStore is everything the services need from persistence. Both the
// in-memory and the PostgreSQL stores satisfy it.
type electionStore interface {
	lifecycle.Store
	nomination.Store
	registry.Store
	ballot.Store
	tally.Store
	proof.Store
	scheduler.Store
}

// app owns every long-lived dependency of the server process.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	db        *sql.DB
	redis     *redisclient.Client
	kafka     *kgo.Client
	audit     *publisher.Publisher
	directory *directory.Guarded
	jwt       *jwttoken.JWTService

	lifecycle  *lifecycle.Service
	nomination *nomination.Service
	registry   *registry.Service
	ballot     *ballot.Service
	tally      *tally.Service
	auditor    *proof.Auditor
	scheduler  *scheduler.Scheduler

	httpMetrics *metrics.Metrics
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	st, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.openAudit(); err != nil {
		return nil, err
	}
	if err := a.openDirectory(); err != nil {
		return nil, err
	}
	notifier, err := a.openNotifier(ctx)
	if err != nil {
		return nil, err
	}
	displays, err := a.openDisplayCache(ctx)
	if err != nil {
		return nil, err
	}
	generator, err := a.proofGenerator()
	if err != nil {
		return nil, err
	}

	readPolicy := retry.Policy{
		Attempts: cfg.Election.ReadRetryAttempts,
		Timeout:  cfg.Election.ExternalCallTimeout,
		Base:     cfg.Election.ReadRetryBase,
		Max:      cfg.Election.ReadRetryMax,
	}
	em := electionmetrics.New()
	a.httpMetrics = metrics.New()
	dir := a.directory

	if a.lifecycle, err = lifecycle.New(st, dir, dir,
		lifecycle.WithLogger(logger),
		lifecycle.WithAuditPublisher(a.audit),
		lifecycle.WithMetrics(em),
		lifecycle.WithNotifier(notifier),
	); err != nil {
		return nil, err
	}
	if a.nomination, err = nomination.New(st, dir,
		nomination.WithLogger(logger),
		nomination.WithAuditPublisher(a.audit),
	); err != nil {
		return nil, err
	}
	if a.registry, err = registry.New(st, dir,
		registry.WithLogger(logger),
		registry.WithAuditPublisher(a.audit),
	); err != nil {
		return nil, err
	}
	if a.ballot, err = ballot.New(st, a.registry, dir, generator,
		ballot.WithLogger(logger),
		ballot.WithAuditPublisher(a.audit),
		ballot.WithMetrics(em),
		ballot.WithReadPolicy(readPolicy),
		ballot.WithPersistTimeout(cfg.Election.PersistTimeout),
	); err != nil {
		return nil, err
	}
	if a.tally, err = tally.New(st, dir,
		tally.WithLogger(logger),
		tally.WithAuditPublisher(a.audit),
		tally.WithMetrics(em),
		tally.WithDisplayCache(displays),
		tally.WithLifecycle(a.lifecycle),
		tally.WithReadPolicy(readPolicy),
		tally.WithComputeTimeout(cfg.Server.RequestTimeout),
	); err != nil {
		return nil, err
	}
	if a.auditor, err = proof.NewAuditor(st, dir, generator,
		proof.WithLogger(logger),
		proof.WithAuditPublisher(a.audit),
		proof.WithMetrics(em),
	); err != nil {
		return nil, err
	}
	if a.scheduler, err = scheduler.New(st, a.lifecycle,
		scheduler.WithLogger(logger),
		scheduler.WithInterval(cfg.Election.SchedulerInterval),
	); err != nil {
		return nil, err
	}
	a.jwt = jwttoken.NewJWTService(cfg.Server.JWTSigningKey, cfg.Server.JWTIssuer, cfg.Server.JWTAudience)
	return a, nil
}

func (a *app) openStore(ctx context.Context) (electionStore, error) {
	if a.cfg.Postgres.URL == "" {
		a.logger.Warn("postgres url not set, using the in-memory election store")
		return store.NewInMemory(), nil
	}
	db, err := postgres.Open(ctx, a.cfg.Postgres)
	if err != nil {
		return nil, err
	}
	a.db = db
	return store.NewPostgres(db), nil
}

func (a *app) openAudit() error {
	var st audit.Store = auditmemory.NewInMemoryStore()
	if a.db != nil {
		st = auditpostgres.New(a.db)
	}
	a.audit = publisher.NewPublisher(st,
		publisher.WithLogger(a.logger),
		publisher.WithSecurityFeed(security.NewFeed(a.cfg.Election.SecurityFeedSize)),
	)
	return nil
}

func (a *app) openDirectory() error {
	var static *directory.Static
	var err error
	if a.cfg.Election.DirectorySeed == "" {
		a.logger.Warn("directory seed not set, starting with an empty directory")
		static, err = directory.New(directory.Seed{})
	} else {
		static, err = directory.LoadFile(a.cfg.Election.DirectorySeed)
	}
	if err != nil {
		return fmt.Errorf("load directory: %w", err)
	}
	a.directory = directory.NewGuarded(static,
		directory.WithLogger(a.logger),
		directory.WithPolicy(retry.Policy{
			Attempts: a.cfg.Election.ReadRetryAttempts,
			Timeout:  a.cfg.Election.ExternalCallTimeout,
			Base:     a.cfg.Election.ReadRetryBase,
			Max:      a.cfg.Election.ReadRetryMax,
		}),
		directory.WithBreaker(circuit.New("directory",
			circuit.WithFailureThreshold(a.cfg.Election.CircuitThreshold),
			circuit.WithSuccessThreshold(1),
		)),
		directory.WithCooldown(a.cfg.Election.CircuitCooldown),
	)
	return nil
}

func (a *app) openNotifier(ctx context.Context) (ports.Notifier, error) {
	client, err := kafka.New(a.cfg.Kafka, a.logger)
	if err != nil {
		return nil, err
	}
	if client == nil {
		a.logger.Warn("kafka brokers not set, lifecycle notifications are only logged")
		return notify.NewLog(a.logger), nil
	}
	a.kafka = client
	if err := kafka.EnsureTopic(ctx, client, a.cfg.Kafka); err != nil {
		return nil, err
	}
	return notify.NewKafka(client, a.cfg.Kafka.Topic,
		notify.WithProduceTimeout(a.cfg.Kafka.ProduceTimeout),
		notify.WithKafkaLogger(a.logger),
	), nil
}

func (a *app) openDisplayCache(ctx context.Context) (tally.DisplayCache, error) {
	client, err := redisclient.New(ctx, a.cfg.Redis)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return cache.NewMemory(a.cfg.Redis.DisplayTTL), nil
	}
	a.redis = client
	return cache.NewRedis(client.Client, a.cfg.Redis.DisplayTTL), nil
}

func (a *app) proofGenerator() (*proof.Generator, error) {
	secret := []byte(a.cfg.Election.ProofSecret)
	if len(secret) == 0 {
		// Development only; config validation refuses this in production.
		a.logger.Warn("proof secret not set, receipts will not verify across restarts")
		secret = make([]byte, proof.MinSecretLength)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate proof secret: %w", err)
		}
	}
	return proof.NewGenerator(secret)
}

// router assembles the HTTP surface: unauthenticated health and metrics,
// and the /v1 API behind actor authentication.
func (a *app) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(a.logger))
	r.Use(middleware.Logger(a.logger))
	r.Use(middleware.Latency(a.httpMetrics))
	r.Use(metadata.ClientMetadata(a.cfg.Server.TrustProxyHeaders))
	r.Use(device.Middleware)
	r.Use(requesttime.Middleware)

	r.Method(http.MethodGet, "/healthz", a.healthHandler())
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	h := handler.New(handler.Services{
		Lifecycle:  a.lifecycle,
		Nomination: a.nomination,
		Registry:   a.registry,
		Ballot:     a.ballot,
		Auditor:    a.auditor,
		Tally:      a.tally,
		Security:   a.audit,
		Authorizer: a.directory,
	}, a.logger)
	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(a.cfg.Server.RequestTimeout))
		r.Use(middleware.ContentTypeJSON)
		r.Use(middleware.RequireActor(a.jwt.Actors(), a.logger))
		r.Use(a.rateLimiter().PerActor)
		h.Register(r)
	})
	return r
}

func (a *app) rateLimiter() *ratelimit.Middleware {
	var st ratelimit.Store = ratelimit.NewMemory()
	if a.redis != nil {
		st = ratelimit.NewRedis(a.redis.Client)
	}
	return ratelimit.New(st, ratelimit.Limits{
		Read:   a.cfg.RateLimit.ReadsPerWindow,
		Write:  a.cfg.RateLimit.WritesPerWindow,
		Window: a.cfg.RateLimit.Window,
	}, a.logger)
}

func (a *app) healthHandler() http.Handler {
	opts := []health.Option{
		health.WithMetrics(a.httpMetrics),
		health.WithLogger(a.logger),
		health.WithCheck("directory", func(context.Context) error {
			if a.directory.State() == circuit.StateOpen {
				return errors.New("directory circuit is open")
			}
			return nil
		}),
	}
	if a.db != nil {
		opts = append(opts, health.WithCheck("postgres", func(ctx context.Context) error {
			return postgres.Health(ctx, a.db)
		}))
	}
	if a.redis != nil {
		opts = append(opts, health.WithCheck("redis", a.redis.Health))
	}
	if a.kafka != nil {
		opts = append(opts, health.WithCheck("kafka", func(ctx context.Context) error {
			return kafka.Health(ctx, a.kafka)
		}))
	}
	return health.New(opts...)
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			a.logger.Warn("audit publisher close failed", "error", err)
		}
	}
	if a.kafka != nil {
		a.kafka.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close failed", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("postgres close failed", "error", err)
		}
	}
}

// shutdownContext bounds graceful shutdown.
func shutdownContext(d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(context.Background(), d)
}
