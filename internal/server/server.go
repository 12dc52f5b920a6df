// Package server wires the escrow engine together and serves its HTTP API
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/escrowpay/internal/circuitbreaker"
	"github.com/mbd888/escrowpay/internal/config"
	"github.com/mbd888/escrowpay/internal/deadlines"
	"github.com/mbd888/escrowpay/internal/escrow"
	"github.com/mbd888/escrowpay/internal/health"
	"github.com/mbd888/escrowpay/internal/idgen"
	"github.com/mbd888/escrowpay/internal/lease"
	"github.com/mbd888/escrowpay/internal/ledger"
	"github.com/mbd888/escrowpay/internal/logging"
	"github.com/mbd888/escrowpay/internal/metrics"
	"github.com/mbd888/escrowpay/internal/notify"
	"github.com/mbd888/escrowpay/internal/payments"
	"github.com/mbd888/escrowpay/internal/payout"
	"github.com/mbd888/escrowpay/internal/ratelimit"
	"github.com/mbd888/escrowpay/internal/reconciliation"
	"github.com/mbd888/escrowpay/internal/retry"
	"github.com/mbd888/escrowpay/internal/scheduler"
	"github.com/mbd888/escrowpay/internal/security"
	"github.com/mbd888/escrowpay/internal/traces"
	"github.com/mbd888/escrowpay/internal/txlog"
	"github.com/mbd888/escrowpay/internal/validation"
	"github.com/mbd888/escrowpay/internal/withdrawals"
)

// Sweep job names, shared by the cron schedule, the ops endpoint and cmd/sweep.
const (
	JobPayments    = "payments"
	JobWithdrawals = "withdrawals"
	JobDeadlines   = "deadlines"
	JobReconcile   = "reconcile"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg        *config.Config
	db         *sql.DB       // nil if using in-memory
	redis      *redis.Client // nil without REDIS_URL
	gateway    payout.Gateway
	breaker    *circuitbreaker.Breaker
	ledger     *ledger.Ledger
	escrow     *escrow.Service
	deadlines  *deadlines.Scheduler
	reconciler *reconciliation.Runner
	scheduler  *scheduler.Scheduler
	webhook    *notify.WebhookNotifier
	health     *health.Registry
	router     *gin.Engine
	httpSrv    *http.Server
	logger     *slog.Logger
	version    string

	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	shutdownTracing traces.Shutdown

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGateway replaces the payout processor (for testing)
func WithGateway(g payout.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// WithVersion tags /health and the build_info metric
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		logger:  logging.New(cfg.LogLevel, cfg.LogFormat),
		health:  health.NewRegistry(),
		version: "dev",
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, traces.Config{
		ServiceName: "escrowpay",
		Version:     s.version,
		Endpoint:    cfg.OTLPEndpoint,
		SampleRatio: cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTracing = shutdownTracing

	var (
		ledgerStore     ledger.Store
		paymentStore    payments.Store
		withdrawalStore withdrawals.Store
		txStore         txlog.Store
		milestoneStore  deadlines.Store
	)

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		if err := metrics.RegisterDB(db); err != nil {
			s.logger.Warn("failed to register database metrics", "error", err)
		}
		s.health.Register("database", health.Ping("database", db.PingContext))

		ledgerStore = ledger.NewPostgresStore(db, cfg.Currency)
		paymentStore = payments.NewPostgresStore(db)
		withdrawalStore = withdrawals.NewPostgresStore(db)
		txStore = txlog.NewPostgresStore(db)
		milestoneStore = deadlines.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		ledgerStore = ledger.NewMemoryStore(cfg.Currency)
		paymentStore = payments.NewMemoryStore()
		withdrawalStore = withdrawals.NewMemoryStore()
		txStore = txlog.NewMemoryStore()
		milestoneStore = deadlines.NewMemoryStore()
		s.logger.Warn("DATABASE_URL not set, using in-memory storage")
	}

	// Sweep lease (Redis if REDIS_URL set, otherwise process-local)
	var sweepLease lease.Lease = lease.NewLocal()
	if cfg.RedisURL != "" {
		client, err := lease.Connect(ctx, cfg.RedisURL)
		if err != nil {
			s.closeDB()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		sweepLease = lease.NewRedis(client)
		s.health.Register("redis", health.Ping("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
		s.logger.Info("sweep lease backed by redis")
	}

	// Payout processor
	if s.gateway == nil {
		if cfg.StripeSecretKey != "" {
			s.gateway = payout.NewStripeGateway(cfg.StripeSecretKey, cfg.Currency, s.logger)
			s.logger.Info("payout gateway: stripe")
		} else {
			s.gateway = payout.NewMemoryGateway(cfg.Currency)
			s.logger.Warn("STRIPE_SECRET_KEY not set, using in-memory payout gateway")
		}
	}
	guarded := payout.NewGuarded(s.gateway, circuitbreaker.New(5, 30*time.Second))
	s.breaker = guarded.Breaker()

	methods, err := loadCatalog(cfg)
	if err != nil {
		s.closeDB()
		return nil, err
	}

	notifier, err := s.buildNotifier()
	if err != nil {
		s.closeDB()
		return nil, err
	}

	s.ledger = ledger.New(ledgerStore, cfg.Currency)
	s.escrow = escrow.NewService(escrow.Deps{
		Ledger:      s.ledger,
		Payments:    paymentStore,
		Withdrawals: withdrawalStore,
		TxLog:       txStore,
		Methods:     methods,
		Gateway:     guarded,
		Notifier:    notifier,
		Logger:      s.logger,
	}, s.escrowConfig())
	s.deadlines = deadlines.NewScheduler(milestoneStore, s.ledger, notifier, s.logger).
		WithBatchSize(cfg.SweepBatchSize * 5)
	// Scheduled passes only report drift. Corrections go through
	// POST /v1/accounts/:role/:owner/reconcile?apply=true.
	s.reconciler = reconciliation.NewRunner(paymentStore, withdrawalStore, s.ledger, s.escrow, s.logger).
		WithStuckAfter(cfg.StuckProcessingTimeout).
		WithBatchSize(cfg.SweepBatchSize * 5)

	s.scheduler = scheduler.New(sweepLease, s.logger)
	if err := s.registerJobs(); err != nil {
		s.closeDB()
		return nil, err
	}

	metrics.BuildInfo.WithLabelValues(s.version, cfg.Env).Set(1)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func loadCatalog(cfg *config.Config) (*withdrawals.Catalog, error) {
	if cfg.WithdrawalMethodsFile == "" {
		return withdrawals.DefaultCatalog(cfg.Currency)
	}
	c, err := withdrawals.LoadCatalogFile(cfg.WithdrawalMethodsFile, cfg.Currency)
	if err != nil {
		return nil, fmt.Errorf("failed to load withdrawal methods: %w", err)
	}
	return c, nil
}

func (s *Server) buildNotifier() (notify.Notifier, error) {
	multi := notify.Multi{notify.NewLogNotifier(s.logger)}
	if s.cfg.WebhookURL == "" {
		return multi, nil
	}
	if err := security.ValidateWebhookURL(s.cfg.WebhookURL, s.cfg.IsProduction()); err != nil {
		return nil, fmt.Errorf("invalid WEBHOOK_URL: %w", err)
	}
	s.webhook = notify.NewWebhookNotifier(s.cfg.WebhookURL, s.cfg.WebhookSecret, s.logger)
	s.logger.Info("webhook notifications enabled")
	return append(multi, s.webhook), nil
}

func (s *Server) escrowConfig() escrow.Config {
	ec := escrow.DefaultConfig()
	ec.Production = s.cfg.IsProduction()
	ec.PaymentRetry = policy(s.cfg.PaymentMaxAttempts, s.cfg.RetryBaseDelay)
	ec.WithdrawalRetry = policy(s.cfg.WithdrawalMaxAttempts, s.cfg.RetryBaseDelay)
	ec.BatchSize = s.cfg.SweepBatchSize
	return ec
}

func policy(maxAttempts int, base time.Duration) retry.Policy {
	return retry.Policy{MaxAttempts: maxAttempts, BaseDelay: base, MaxDelay: 6 * time.Hour, Jitter: true}
}

func (s *Server) registerJobs() error {
	jobs := []scheduler.Job{
		{Name: JobPayments, Spec: s.cfg.PaymentsCron, Run: func(ctx context.Context) (any, error) {
			return s.escrow.ProcessPendingPayments(ctx)
		}},
		{Name: JobWithdrawals, Spec: s.cfg.WithdrawalsCron, Run: func(ctx context.Context) (any, error) {
			return s.escrow.ProcessPendingWithdrawals(ctx)
		}},
		{Name: JobDeadlines, Spec: s.cfg.DeadlinesCron, Run: func(ctx context.Context) (any, error) {
			return s.deadlines.Sweep(ctx)
		}},
		{Name: JobReconcile, Spec: s.cfg.ReconcileCron, Run: func(ctx context.Context) (any, error) {
			report, err := s.reconciler.RunAll(ctx)
			if gerr := s.ledger.RefreshGauges(ctx); gerr != nil {
				s.logger.Warn("failed to refresh ledger gauges", "error", gerr)
			}
			return report, err
		}},
	}
	for _, j := range jobs {
		if err := s.scheduler.Add(j); err != nil {
			return err
		}
	}
	return nil
}

// RunJob runs one sweep immediately under its lease. Used by cmd/sweep.
func (s *Server) RunJob(ctx context.Context, name string) (any, error) {
	return s.scheduler.RunNow(ctx, name)
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.WithPrefix("req_")
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latencyMs", time.Since(start).Milliseconds(),
		}
		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "clientIp", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	escrowHandler := escrow.NewHandler(s.escrow)
	deadlineHandler := deadlines.NewHandler(s.deadlines, s.ledger)

	v1 := s.router.Group("/v1")
	escrowHandler.RegisterRoutes(v1)
	deadlineHandler.RegisterRoutes(v1)

	// Mutating routes sit behind the operator secret
	ops := v1.Group("/ops")
	ops.Use(
		ratelimit.New(ratelimit.Config{RequestsPerMinute: s.cfg.OpsRateLimitRPM}).Middleware(),
		security.RequireAdminSecret(s.cfg.AdminSecret),
	)
	{
		escrowHandler.RegisterProtectedRoutes(ops)
		deadlineHandler.RegisterProtectedRoutes(ops)
		ops.POST("/sweeps/:name", s.runSweepHandler)
		ops.GET("/sweeps", s.listSweepsHandler)
		ops.GET("/breakers", s.breakersHandler)
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Route not found"})
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse is the /health body
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// runSweepHandler handles POST /v1/ops/sweeps/:name
func (s *Server) runSweepHandler(c *gin.Context) {
	name := c.Param("name")
	result, err := s.scheduler.RunNow(c.Request.Context(), name)
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Unknown sweep " + name, "sweeps": s.scheduler.Jobs()})
	case errors.Is(err, lease.ErrHeld):
		c.JSON(http.StatusConflict, gin.H{"error": "sweep_in_progress", "message": "Sweep " + name + " is already running"})
	case err != nil:
		logging.L(c.Request.Context()).Error("sweep failed", "sweep", name, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sweep_failed", "message": err.Error(), "result": result})
	default:
		c.JSON(http.StatusOK, gin.H{"sweep": name, "result": result})
	}
}

// listSweepsHandler handles GET /v1/ops/sweeps
func (s *Server) listSweepsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sweeps": s.scheduler.Jobs(), "running": s.scheduler.Running()})
}

// breakersHandler handles GET /v1/ops/breakers
func (s *Server) breakersHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"breakers": s.breaker.Snapshot()})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and the sweep scheduler with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      5 * time.Minute, // manual sweeps run inline
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.scheduler.Start(runCtx)
	s.health.Register("scheduler", health.Flag("scheduler", s.scheduler.Running))

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	var firstErr error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			firstErr = err
		}
	}

	// Wait for in-flight sweeps before tearing down their dependencies
	s.scheduler.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if err := s.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	s.logger.Info("server stopped")
	return firstErr
}

// Close releases connections without touching the HTTP listener. cmd/sweep
// calls it directly.
func (s *Server) Close() error {
	if s.webhook != nil {
		s.webhook.Wait()
	}
	if s.shutdownTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	return s.closeDB()
}

func (s *Server) closeDB() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	if err != nil {
		s.logger.Error("database close error", "error", err)
	} else {
		s.logger.Info("database connection closed")
	}
	s.db = nil
	return err
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Escrow returns the escrow service
func (s *Server) Escrow() *escrow.Service {
	return s.escrow
}
