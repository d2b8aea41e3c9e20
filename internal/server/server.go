// Package server wires the settlement services into one HTTP process.
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
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

	"github.com/Mintenance-LTD/mintenance-sub002/internal/alerts"
	"github.com/Mintenance-LTD/mintenance-sub002/internal/config"
	"github.com/Mintenance-LTD/mintenance-sub002/internal/escrow"
	"github.com/Mintenance-LTD/mintenance-sub002/internal/events"
	"github.com/Mintenance-LTD/mintenance-sub002/internal/health"
	"github.com/Mintenance-LTD/mintenance-sub002/internal/idempotency"
	"github.com/Mintenance-LTD/mintenance-sub002/internal/ingest"
	"github.com/Mintenance-LTD/mintenance-sub002/internal/logging"
	"github.com/Mintenance-LTD/mintenance-sub002/internal/marketplace"
	"github.com/Mintenance-LTD/mintenance-sub002/internal/metrics"
	"github.com/Mintenance-LTD/mintenance-sub002/internal/money"
	"github.com/Mintenance-LTD/mintenance-sub002/internal/outbox"
	"github.com/Mintenance-LTD/mintenance-sub002/internal/ratelimit"
	"github.com/Mintenance-LTD/mintenance-sub002/internal/realtime"
	"github.com/Mintenance-LTD/mintenance-sub002/internal/traces"
	"github.com/Mintenance-LTD/mintenance-sub002/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies.
type Server struct {
	cfg         *config.Config
	escrows     *escrow.Service
	marketplace *marketplace.Service
	outbox      *outbox.Service
	alerts      *alerts.Service
	processor   *ingest.Processor
	sweeper     *escrow.Sweeper
	dispatcher  *outbox.Dispatcher
	events      *events.Dispatcher
	eventStore  events.Store
	realtimeHub *realtime.Hub
	rateLimiter *ratelimit.Limiter
	gateway     outbox.Gateway
	checks      *health.Registry
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	stopTracing  func(context.Context) error
	cancelRunCtx context.CancelFunc

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGateway sets a custom payment gateway (for testing).
func WithGateway(g outbox.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// New creates a new server instance.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		checks: health.NewRegistry(),
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.stopTracing = stopTracing

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		recordStore idempotency.Store
		escrowStore escrow.Store
		marketStore marketplace.Store
		outboxStore outbox.Store
		alertStore  alerts.Store
		eventStore  events.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		recordStore = idempotency.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		marketStore = marketplace.NewPostgresStore(db)
		outboxStore = outbox.NewPostgresStore(db)
		alertStore = alerts.NewPostgresStore(db)
		eventStore = events.NewPostgresStore(db)

		s.checks.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		// The escrow memory store shares the record store so webhook
		// deduplication and escrow creation stay atomic, matching the
		// single-transaction behavior of the Postgres store.
		records := idempotency.NewMemoryStore()
		recordStore = records
		escrowStore = escrow.NewMemoryStore(records)
		marketStore = marketplace.NewMemoryStore()
		outboxStore = outbox.NewMemoryStore()
		alertStore = alerts.NewMemoryStore()
		eventStore = events.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Alerts first; both background loops raise into it.
	s.alerts = alerts.NewService(alertStore, s.logger)

	// Outbound notifications: signed subscriber deliveries + WebSocket feed.
	s.eventStore = eventStore
	s.events = events.NewDispatcher(eventStore, s.logger)
	s.realtimeHub = realtime.NewHub(s.logger)
	notifier := &settlementNotifier{events: s.events, hub: s.realtimeHub, logger: s.logger}

	// Transfer outbox feeds the payment gateway.
	s.outbox = outbox.NewService(outboxStore, s.logger)
	if s.gateway == nil {
		s.gateway = &loggingGateway{logger: s.logger}
		s.logger.Warn("no payment gateway configured, transfers are log-only")
	}
	s.dispatcher = outbox.NewDispatcher(outboxStore, s.gateway, s.alerts,
		cfg.DispatchInterval, cfg.OutboxMaxAttempts, s.logger)

	// Escrow state machine with the sweeper for deadline work.
	s.escrows = escrow.NewService(escrowStore, s.outbox, s.logger).WithEventSink(notifier)
	s.sweeper = escrow.NewSweeper(s.escrows, escrowStore, s.alerts, cfg.SweepInterval, s.logger)

	// Marketplace awards feed the same notifier.
	s.marketplace = marketplace.NewService(marketStore, s.logger).WithEventSink(notifier)

	// Inbound payment events.
	verifier, sigHeader := buildVerifier(cfg)
	s.processor = ingest.NewProcessor(verifier, s.escrows, recordStore, s.logger)
	s.logger.Info("webhook ingestion enabled", "provider", cfg.WebhookProvider)

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes(sigHeader)

	s.healthy.Store(true)

	return s, nil
}

// buildVerifier picks the signature scheme for inbound payment webhooks.
func buildVerifier(cfg *config.Config) (ingest.Verifier, string) {
	if cfg.WebhookProvider == "stripe" {
		return ingest.NewStripeVerifier(cfg.WebhookSecret, cfg.ReplayTolerance), "Stripe-Signature"
	}
	return ingest.NewHMACVerifier(cfg.WebhookSecret, cfg.ReplayTolerance), "X-Webhook-Signature"
}

// maskDSN hides the password in a connection string for logging.
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

	// Request size limit
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerSecond: s.cfg.RateLimitRPS,
		BurstSize:         s.cfg.RateLimitRPS * 2,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
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

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// callerMiddleware identifies the caller for authorization checks in the
// domain services. Party identity comes from the X-Caller-ID header set by
// the platform's API gateway; the admin secret marks operator traffic.
func (s *Server) callerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("caller_id", c.GetHeader("X-Caller-ID"))
		if s.isAdmin(c) {
			c.Set("is_admin", true)
		}
		c.Next()
	}
}

// requireCaller rejects requests with no caller identity.
func requireCaller() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString("caller_id") == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "missing_caller",
				"message": "X-Caller-ID header is required",
			})
			return
		}
		c.Next()
	}
}

// requireAdmin guards mediation and operator routes.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.isAdmin(c) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "not_authorized",
				"message": "admin access required",
			})
			return
		}
		c.Set("is_admin", true)
		c.Next()
	}
}

func (s *Server) isAdmin(c *gin.Context) bool {
	secret := c.GetHeader("X-Admin-Secret")
	return s.cfg.AdminSecret != "" && secret != "" &&
		subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.AdminSecret)) == 1
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes(sigHeader string) {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Reject malformed :id params before any handler runs (no-op when absent).
	v1.Use(validation.IDParamMiddleware("id"))
	v1.Use(s.callerMiddleware())

	// Provider-facing webhook: the signature is the authentication, so it
	// sits outside caller identity.
	ingest.NewHandlers(s.processor, sigHeader, s.logger).RegisterRoutes(v1)

	// WebSocket event stream
	v1.GET("/stream", s.realtimeHub.ServeWS)

	// Marketplace and escrow routes; handlers enforce party-level
	// authorization from caller_id.
	marketplace.NewHandlers(s.marketplace, s.logger).RegisterRoutes(v1)
	escrow.NewHandlers(s.escrows, s.logger).RegisterRoutes(v1)

	// Subscription management needs a concrete owner.
	subscribed := v1.Group("")
	subscribed.Use(requireCaller())
	events.NewHandlers(s.eventStore, s.logger).RegisterRoutes(subscribed)

	// Admin group: mediation, alert triage and stuck-transfer recovery.
	admin := v1.Group("/admin")
	admin.Use(s.requireAdmin())
	escrow.NewHandlers(s.escrows, s.logger).RegisterAdminRoutes(admin)
	alerts.NewHandlers(s.alerts, s.logger).RegisterAdminRoutes(admin)
	outbox.NewHandlers(s.outbox, s.logger).RegisterAdminRoutes(admin)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Mintenance Settlement",
		"description": "Escrow settlement core for the Mintenance marketplace",
		"version":     "0.1.0",
		"currency":    "cents",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Background loops: WebSocket hub, deadline sweeper, transfer dispatcher.
	go s.realtimeHub.Run()
	s.sweeper.Start()
	s.dispatcher.Start()

	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-runCtx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.sweeper.Stop()
	s.logger.Info("sweeper stopped")

	s.dispatcher.Stop()
	s.logger.Info("outbox dispatcher stopped")

	s.realtimeHub.Stop()
	s.logger.Info("realtime hub stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// -----------------------------------------------------------------------------
// Adapters
// -----------------------------------------------------------------------------

// settlementNotifier fans domain events out to subscriber webhooks and the
// realtime stream. It implements escrow.EventSink and marketplace.EventSink.
type settlementNotifier struct {
	events *events.Dispatcher
	hub    *realtime.Hub
	logger *slog.Logger
}

func (n *settlementNotifier) EscrowEvent(ctx context.Context, eventType string, e *escrow.Escrow) {
	n.notify(ctx, eventType, e)
}

func (n *settlementNotifier) BidAwarded(ctx context.Context, j *marketplace.Job, b *marketplace.Bid) {
	n.notify(ctx, events.EventBidAwarded, gin.H{"job": j, "bid": b})
}

func (n *settlementNotifier) notify(ctx context.Context, eventType string, data any) {
	n.hub.Broadcast(eventType, data)
	err := n.events.Dispatch(ctx, &events.Event{
		ID:        "evt_" + generateRequestID(),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	})
	if err != nil {
		n.logger.Error("event dispatch failed", "event_type", eventType, "error", err)
	}
}

// loggingGateway stands in when no payment gateway is configured. It
// acknowledges every transfer so the pipeline can be exercised end to end
// in development.
type loggingGateway struct {
	logger *slog.Logger
}

func (g *loggingGateway) Payout(ctx context.Context, idempotencyKey, payeeID string, amount money.Cents) error {
	g.logger.Info("payout (log-only)",
		"idempotency_key", idempotencyKey, "payee_id", payeeID, "amount_cents", int64(amount))
	return nil
}

func (g *loggingGateway) Refund(ctx context.Context, idempotencyKey, payerID string, amount money.Cents) error {
	g.logger.Info("refund (log-only)",
		"idempotency_key", idempotencyKey, "payer_id", payerID, "amount_cents", int64(amount))
	return nil
}
