// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
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

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/mbd888/etchpay/internal/chain"
	"github.com/mbd888/etchpay/internal/config"
	"github.com/mbd888/etchpay/internal/contract"
	"github.com/mbd888/etchpay/internal/feed"
	"github.com/mbd888/etchpay/internal/fulfill"
	"github.com/mbd888/etchpay/internal/health"
	"github.com/mbd888/etchpay/internal/logging"
	"github.com/mbd888/etchpay/internal/metrics"
	"github.com/mbd888/etchpay/internal/prepare"
	"github.com/mbd888/etchpay/internal/proclock"
	"github.com/mbd888/etchpay/internal/quote"
	"github.com/mbd888/etchpay/internal/ratelimit"
	"github.com/mbd888/etchpay/internal/rpcpool"
	"github.com/mbd888/etchpay/internal/validation"
	"github.com/mbd888/etchpay/internal/wei"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	backend      fulfill.Backend
	sim          *chain.Sim // non-nil only in simulated mode
	chainClient  *chain.Client
	pool         *rpcpool.Pool
	quotes       *quote.Service
	locks        *proclock.Locks
	orchestrator *fulfill.Orchestrator
	feedSvc      *feed.Service
	hub          *feed.Hub
	checks       *health.Registry
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithBackend sets a custom chain backend (for testing)
func WithBackend(b fulfill.Backend) Option {
	return func(s *Server) {
		s.backend = b
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set backend/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		quoteStore quote.Store
		lockStore  proclock.Store
		feedStore  feed.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		quoteStore = quote.NewPostgresStore(db)
		lockStore = proclock.NewPostgresStore(db)
		feedStore = feed.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		quoteStore = quote.NewMemoryStore()
		lockStore = proclock.NewMemoryStore()
		feedStore = feed.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Chain backend: simulated ledger in dev, pooled RPC client otherwise
	if s.backend == nil {
		if cfg.IsSimulated() {
			sim := chain.NewSim()
			s.sim = sim
			s.backend = sim
			s.logger.Info("using simulated chain backend", "worker", sim.Address())
		} else {
			binding, err := contract.New(common.HexToAddress(cfg.EscrowContract))
			if err != nil {
				return nil, fmt.Errorf("failed to bind escrow contract: %w", err)
			}

			pool, err := rpcpool.New(cfg.RPCURLs)
			if err != nil {
				return nil, fmt.Errorf("failed to create RPC pool: %w", err)
			}
			s.pool = pool

			client, err := chain.New(chain.Config{
				PrivateKey: cfg.PrivateKey,
				ChainID:    cfg.ChainID,
			}, binding, pool)
			if err != nil {
				pool.Close()
				return nil, fmt.Errorf("failed to create chain client: %w", err)
			}
			s.chainClient = client
			s.backend = client
			s.logger.Info("chain client configured",
				"worker", client.Address(),
				"contract", cfg.EscrowContract,
				"chainId", cfg.ChainID,
				"endpoints", len(cfg.RPCURLs),
			)
		}
	}

	// Pricing
	price, err := wei.Parse(cfg.BasePrice)
	if err != nil {
		return nil, fmt.Errorf("invalid base price %q: %w", cfg.BasePrice, err)
	}
	s.quotes = quote.NewService(quoteStore, price, cfg.QuoteTTL)
	s.logger.Info("quoting enabled", "price", wei.Format(price), "ttl", cfg.QuoteTTL)

	// Per-escrow processing locks
	s.locks = proclock.New(lockStore, cfg.LockTTL)

	// Settlement feed + websocket hub
	s.hub = feed.NewHub(s.logger)
	s.feedSvc = feed.NewService(feedStore, s.hub)

	// Fulfillment orchestrator
	s.orchestrator = fulfill.New(
		s.backend,
		s.locks,
		s.quotes,
		prepare.NewKeccak(int(cfg.MaxDataBytes)),
		fulfill.WithDeadline(cfg.RequestDeadline),
		fulfill.WithFeed(s.feedSvc),
	)

	// Health checks
	s.checks = health.NewRegistry()
	if s.db != nil {
		s.checks.Register("database", health.DatabaseChecker(s.db))
	}
	if s.pool != nil {
		s.checks.Register("rpc", health.EndpointChecker(func(ctx context.Context) error {
			_, _, err := s.pool.Select(ctx)
			return err
		}))
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
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

	// Request size limit (payload plus envelope)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	limitCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		limitCfg.RequestsPerSecond = float64(s.cfg.RateLimitRPS)
		limitCfg.BurstSize = s.cfg.RateLimitRPS * 2
	}
	s.rateLimiter = ratelimit.New(limitCfg)
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

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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

		// Log level based on status code
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Service info
	s.router.GET("/", s.infoHandler)

	// Quoting and fulfillment
	s.router.GET("/price", s.priceHandler)
	s.router.POST("/fulfill", s.fulfillHandler)
	s.router.GET("/fulfill", s.recentHandler)

	// WebSocket for settlement streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// Dev-only: fund a simulated escrow so the full flow can be exercised
	// without a chain
	if s.sim != nil {
		s.router.POST("/dev/fund", s.devFundHandler)
	}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
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

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start websocket hub
	go s.hub.Run(runCtx)

	// Start expiry sweepers
	go s.quotes.StartSweeper(runCtx, time.Minute)
	go s.locks.StartSweeper(runCtx, time.Minute)

	// Export DB pool stats
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
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

	// Cancel the context for all background goroutines (hub, sweepers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close RPC connections
	if s.pool != nil {
		s.pool.Close()
		s.logger.Info("rpc pool closed")
	}

	// Close database connection pool
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

// Router returns the gin router for testing
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
