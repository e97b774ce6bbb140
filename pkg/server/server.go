package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/platinummonkey/entitle/pkg/async"
	"github.com/platinummonkey/entitle/pkg/audit"
	"github.com/platinummonkey/entitle/pkg/config"
	"github.com/platinummonkey/entitle/pkg/httputil"
	"github.com/platinummonkey/entitle/pkg/middleware"
	"github.com/platinummonkey/entitle/pkg/observability"
	"github.com/platinummonkey/entitle/pkg/rbac"
	"github.com/platinummonkey/entitle/pkg/rbac/cache"
	"github.com/platinummonkey/entitle/pkg/rbac/memory"
	"github.com/platinummonkey/entitle/pkg/rbac/seed"
	"github.com/platinummonkey/entitle/pkg/rbac/store"
)

// Version is reported by /readyz
var Version = "dev"

// Option customizes a Server before it is assembled
type Option func(*Server)

// WithDB uses db instead of connecting to the configured database
func WithDB(db *sql.DB) Option {
	return func(s *Server) { s.db = db }
}

// WithAuditLogger replaces the audit sinks built from configuration
func WithAuditLogger(l audit.Logger) Option {
	return func(s *Server) { s.audit = l }
}

// WithTokenVerifier replaces the OIDC verifier built from configuration
func WithTokenVerifier(v middleware.TokenVerifier) Option {
	return func(s *Server) { s.verifier = v }
}

// Server is an assembled entitled instance
type Server struct {
	cfg    *config.Config
	logger *observability.Logger

	db         *sql.DB
	ownsDB     bool
	memRepo    *memory.Repository
	local      *cache.MemoryCache
	shared     *cache.RedisCache
	redis      *redis.Client
	authz      *rbac.Authorizer
	admin      *store.Admin
	audit      audit.Logger
	verifier   middleware.TokenVerifier
	limiter    middleware.Limiter
	registry   *prometheus.Registry
	metrics    *observability.Metrics
	health     *observability.HealthChecker
	otel       *observability.OTelProviders
	cron       *cron.Cron
	handler    http.Handler
	httpServer *http.Server

	// jobs run for the lifetime of Run
	jobs []job
}

type job struct {
	name string
	run  func(ctx context.Context) error
}

// New assembles a server from cfg. Nothing listens until Run.
func New(ctx context.Context, cfg *config.Config, logger *observability.Logger, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		health:   observability.NewHealthChecker(Version),
	}
	for _, opt := range opts {
		opt(s)
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"telemetry", s.setupTelemetry},
		{"cache", s.setupCache},
		{"repository", s.setupRepository},
		{"audit", s.setupAudit},
		{"authentication", s.setupAuth},
		{"rate limiting", s.setupRateLimit},
		{"scheduler", s.setupScheduler},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			s.Close(context.Background())
			return nil, fmt.Errorf("failed to set up %s: %w", step.name, err)
		}
	}

	s.handler = s.routes()
	s.httpServer = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      s.handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return s, nil
}

func (s *Server) setupTelemetry(ctx context.Context) error {
	o := s.cfg.Observability
	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        o.OTelEnabled,
		Endpoint:       o.OTelEndpoint,
		ServiceName:    o.OTelServiceName,
		ServiceVersion: o.OTelServiceVersion,
		Insecure:       o.OTelInsecure,
		SampleRatio:    o.OTelSampleRatio,
	}, s.logger)
	if err != nil {
		return err
	}
	s.otel = providers

	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = observability.NewMetrics(s.registry)
	return nil
}

func (s *Server) recorder() rbac.Recorder {
	var otelMetrics *observability.OTelMetrics
	if s.otel != nil {
		m, err := observability.NewOTelMetrics()
		if err != nil {
			s.logger.WithError(err).Warn("OpenTelemetry metrics unavailable")
		} else {
			otelMetrics = m
		}
	}
	return observability.NewRecorders(s.metrics, otelMetrics)
}

func (s *Server) setupCache(ctx context.Context) error {
	c := s.cfg.Cache
	memCfg := cache.MemoryConfig{Size: c.Size, TTL: c.TTL}

	switch c.Backend {
	case config.CacheMemory:
		s.local = cache.NewMemoryCache(memCfg)
	case config.CacheRedis, config.CacheTiered:
		shared, err := cache.NewRedisCache(cache.RedisConfig{URL: c.RedisURL, Prefix: c.RedisPrefix, Channel: c.RedisChannel})
		if err != nil {
			return err
		}
		s.shared = shared
		s.redis = shared.Client()
		s.health.RegisterRedis(s.redis)
		if c.Backend == config.CacheTiered {
			memCfg.TTL = c.LocalTTL
			s.local = cache.NewMemoryCache(memCfg)
			sub := cache.NewSubscriber(s.redis, shared.Channel(), s.local, s.logger)
			s.jobs = append(s.jobs, job{"cache subscriber", sub.Run})
		}
	}
	return nil
}

func (s *Server) decisionCache() rbac.DecisionCache {
	switch {
	case s.local != nil && s.shared != nil:
		return cache.NewTiered(s.local, s.shared, s.cfg.Cache.LocalTTL)
	case s.shared != nil:
		return s.shared
	case s.local != nil:
		return s.local
	}
	return nil
}

func (s *Server) setupRepository(ctx context.Context) error {
	var repo rbac.Repository

	switch s.cfg.Repository.Backend {
	case config.RepositoryMemory:
		fixture := seed.Default()
		if path := s.cfg.Repository.FixtureFile; path != "" {
			f, err := seed.LoadFile(path)
			if err != nil {
				return err
			}
			fixture = f
		}
		mem, err := memory.New(fixture)
		if err != nil {
			return err
		}
		s.memRepo = mem
		repo = mem

	default:
		if s.db == nil {
			db, err := store.Open(store.Config{
				URL:             s.cfg.Database.URL,
				MaxOpenConns:    s.cfg.Database.MaxOpenConns,
				MaxIdleConns:    s.cfg.Database.MaxIdleConns,
				ConnMaxLifetime: s.cfg.Database.ConnMaxLifetime,
			})
			if err != nil {
				return err
			}
			s.db = db
			s.ownsDB = true
		}
		if s.cfg.Database.AutoMigrate {
			n, err := store.RunMigrations(ctx, s.db)
			if err != nil {
				return err
			}
			s.logger.WithField("applied", n).Info("database migrations complete")
		}
		s.health.RegisterDatabase(s.db)
		repo = store.NewPostgresRepository(s.db)
	}

	s.authz = rbac.NewAuthorizer(repo, s.decisionCache(), rbac.Options{
		CacheTTL:   s.cfg.Cache.TTL,
		MaxDepth:   s.cfg.Engine.MaxRoleDepth,
		Fanout:     s.cfg.Engine.Fanout,
		WarmFanout: s.cfg.Engine.WarmFanout,
		Logger:     s.logger,
		Recorder:   s.recorder(),
		Tracer:     otel.Tracer("github.com/platinummonkey/entitle/pkg/rbac"),
	})

	if s.db != nil {
		s.admin = store.NewAdmin(s.db, s.authz, s.logger)
		if s.cfg.Database.Seed {
			applied, err := seed.Apply(ctx, s.admin, seed.Default())
			if err != nil {
				return err
			}
			s.logger.WithField("applied", applied).Info("baseline seed checked")
		}
		db := s.db
		s.jobs = append(s.jobs, job{"db stats", func(ctx context.Context) error {
			store.ReportStats(ctx, db, s.metrics, 15*time.Second)
			return nil
		}})
	}

	if s.memRepo != nil && s.cfg.Repository.WatchFixtures {
		watcher := memory.NewWatcher(s.cfg.Repository.FixtureFile, s.memRepo, s.authz, s.logrus())
		s.jobs = append(s.jobs, job{"fixture watcher", watcher.Run})
	}
	return nil
}

// logrus returns a logrus logger matching the service log level, for
// components that log through logrus
func (s *Server) logrus() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	l.SetOutput(os.Stdout)
	if level, err := logrus.ParseLevel(s.logger.Level().String()); err == nil {
		l.SetLevel(level)
	}
	return l
}

func (s *Server) setupAudit(context.Context) error {
	if s.audit != nil {
		return nil
	}
	a := s.cfg.Audit
	var sinks []audit.Logger
	if a.File != "" {
		fl, err := audit.NewFileLogger(audit.FileLoggerConfig{
			BasePath: a.File,
			Rotate:   a.Rotate,
			MaxSize:  a.MaxSize,
			MaxFiles: a.MaxFiles,
		})
		if err != nil {
			return err
		}
		sinks = append(sinks, fl)
	}
	if a.Stdout {
		sinks = append(sinks, audit.NewLogrusLogger(s.logrus()))
	}

	switch len(sinks) {
	case 0:
		s.audit = audit.NoopLogger{}
	case 1:
		s.audit = sinks[0]
	default:
		s.audit = audit.NewMultiLogger(sinks...)
	}
	return nil
}

func (s *Server) setupAuth(ctx context.Context) error {
	if s.verifier != nil || s.cfg.Auth.OIDCIssuer == "" {
		return nil
	}
	v, err := middleware.NewOIDCVerifier(ctx, s.cfg.Auth.OIDCIssuer, s.cfg.Auth.OIDCClientID)
	if err != nil {
		return err
	}
	s.verifier = v
	return nil
}

func (s *Server) setupRateLimit(ctx context.Context) error {
	rl := s.cfg.RateLimit
	if !rl.Enabled {
		return nil
	}
	limits := middleware.RateLimitConfig{
		RequestsPerWindow: rl.Requests,
		WindowDuration:    rl.Window,
		BurstSize:         rl.Burst,
	}

	if rl.Backend == config.CacheRedis {
		if s.redis == nil {
			opts, err := redis.ParseURL(s.cfg.Cache.RedisURL)
			if err != nil {
				return fmt.Errorf("invalid redis URL: %w", err)
			}
			s.redis = redis.NewClient(opts)
			s.health.RegisterRedis(s.redis)
		}
		s.limiter = middleware.NewDistributedRateLimiter(s.redis, limits, s.cfg.Cache.RedisPrefix+":ratelimit")
		return nil
	}

	limiter := middleware.NewRateLimiter(limits)
	s.limiter = limiter
	s.jobs = append(s.jobs, job{"rate limiter cleanup", func(ctx context.Context) error {
		limiter.StartCleanup(ctx)
		return nil
	}})
	return nil
}

func (s *Server) setupScheduler(ctx context.Context) error {
	schedule := s.cfg.Cache.FlushSchedule
	if schedule == "" {
		return nil
	}
	s.cron = cron.New()
	_, err := s.cron.AddFunc(schedule, func() {
		defer observability.RecoverPanic(s.logger, "scheduled cache flush")
		if err := s.authz.InvalidateAll(context.Background()); err != nil {
			s.logger.WithError(err).Warn("scheduled cache flush failed")
			return
		}
		s.logger.Info("scheduled cache flush complete")
	})
	if err != nil {
		return fmt.Errorf("invalid flush schedule %q: %w", schedule, err)
	}
	return nil
}

// withRequestContext makes the service and audit loggers available to
// handlers
func (s *Server) withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := observability.WithLogger(r.Context(), s.logger)
		ctx = audit.WithLogger(ctx, s.audit)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) routes() http.Handler {
	router := mux.NewRouter()
	router.Use(observability.HTTPMetricsMiddleware(s.metrics))

	router.HandleFunc("/healthz", s.health.Liveness).Methods(http.MethodGet)
	router.HandleFunc("/readyz", s.health.Readiness).Methods(http.MethodGet)
	if s.cfg.Observability.MetricsEnabled {
		router.Handle("/metrics", observability.MetricsHandler(s.registry)).Methods(http.MethodGet)
	}

	api := router.NewRoute().Subrouter()
	api.Use(middleware.NewPrincipalAuthenticator(s.verifier, s.cfg.Auth.Optional).Handler)
	if s.limiter != nil {
		api.Use(middleware.NewRateLimitMiddleware(s.limiter, s.logger).Handler)
	}

	decisions := rbac.NewHandler(s.authz)
	decisions.RegisterRoutes(api)
	if s.admin != nil {
		store.NewHandlers(s.admin, decisions.Guard()).RegisterRoutes(api)
	}

	chain := []func(http.Handler) http.Handler{
		s.withRequestContext,
		httputil.RequestIDMiddleware,
		observability.RecoveryMiddleware(s.logger),
		httputil.LoggingMiddleware(s.logger),
	}
	if s.cfg.Server.MaxBodyBytes > 0 {
		chain = append(chain, httputil.MaxBytesMiddleware(s.cfg.Server.MaxBodyBytes))
	}
	return otelhttp.NewHandler(httputil.Chain(chain...)(router), "entitled")
}

// Handler returns the fully wrapped HTTP handler
func (s *Server) Handler() http.Handler { return s.handler }

// Authorizer returns the server's authorizer
func (s *Server) Authorizer() *rbac.Authorizer { return s.authz }

// warmPrincipals parses the configured warmup list; Validate already
// rejected malformed entries
func (s *Server) warmPrincipals() []rbac.PrincipalID {
	var ids []rbac.PrincipalID
	for _, raw := range s.cfg.Engine.WarmPrincipals {
		if id, err := uuid.Parse(raw); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// Start launches background jobs, the scheduler and cache warmup. It
// returns a function that stops them and waits for them to exit.
func (s *Server) Start(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	for _, j := range s.jobs {
		wg.Add(1)
		go func(j job) {
			defer wg.Done()
			defer observability.RecoverPanic(s.logger, j.name)
			if err := j.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.WithError(err).WithField("job", j.name).Error("background job stopped")
			}
		}(j)
	}

	if s.cron != nil {
		s.cron.Start()
	}

	if ids := s.warmPrincipals(); len(ids) > 0 {
		async.SafeGo(ctx, s.logger, 2*time.Minute, "cache warmup", func(ctx context.Context) error {
			failed := s.authz.Warm(ctx, ids)
			s.logger.WithFields(map[string]interface{}{
				"principals": len(ids),
				"failed":     failed,
			}).Info("cache warmup complete")
			return nil
		})
	}

	return func() {
		if s.cron != nil {
			<-s.cron.Stop().Done()
		}
		cancel()
		wg.Wait()
	}
}

// Run serves HTTP until SIGINT, SIGTERM or ctx ends, then shuts down
// gracefully
func (s *Server) Run(ctx context.Context) error {
	stop := s.Start(ctx)

	shutdown := observability.NewShutdownManager(s.logger, s.httpServer, s.cfg.Server.ShutdownTimeout)
	shutdown.Register("resources", func(ctx context.Context) error {
		return s.Close(ctx)
	})
	shutdown.Register("background jobs", func(context.Context) error {
		stop()
		return nil
	})

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("entitled listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err, ok := <-errCh; ok && err != nil {
			s.logger.WithError(err).Error("HTTP server failed")
			cancel()
		}
	}()

	return shutdown.WaitForSignal(waitCtx)
}

// Close releases every resource the server opened
func (s *Server) Close(ctx context.Context) error {
	var errs []error
	if s.audit != nil {
		errs = append(errs, s.audit.Close())
	}
	if s.shared != nil {
		errs = append(errs, s.shared.Close())
	} else if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	if s.db != nil && s.ownsDB {
		errs = append(errs, s.db.Close())
	}
	errs = append(errs, s.otel.Shutdown(ctx))
	return errors.Join(errs...)
}
