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
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/peerdesk/peerdesk/internal/ads"
	"github.com/peerdesk/peerdesk/internal/auth"
	"github.com/peerdesk/peerdesk/internal/circuitbreaker"
	"github.com/peerdesk/peerdesk/internal/config"
	"github.com/peerdesk/peerdesk/internal/escrowfund"
	"github.com/peerdesk/peerdesk/internal/health"
	"github.com/peerdesk/peerdesk/internal/identity"
	"github.com/peerdesk/peerdesk/internal/logging"
	"github.com/peerdesk/peerdesk/internal/metrics"
	"github.com/peerdesk/peerdesk/internal/orders"
	"github.com/peerdesk/peerdesk/internal/ratelimit"
	"github.com/peerdesk/peerdesk/internal/realtime"
	"github.com/peerdesk/peerdesk/internal/security"
	"github.com/peerdesk/peerdesk/internal/token"
	"github.com/peerdesk/peerdesk/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg        *config.Config
	links      identity.LinkStore
	resolver   *identity.Resolver
	adsSvc     *ads.Service
	orderStore orders.Store
	ordersSvc  *orders.Service
	fulfiller  *orders.Fulfiller
	authMgr    *auth.Manager
	escrowFund *escrowfund.Coordinator // nil unless a funding key is configured
	rpcBreaker *circuitbreaker.Breaker

	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	checks       *health.Registry
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

// WithEscrowFunder injects a funding coordinator (for testing)
func WithEscrowFunder(c *escrowfund.Coordinator) Option {
	return func(s *Server) {
		s.escrowFund = c
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set logger/funder)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		adStore   ads.Store
		authStore auth.Store
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
		s.links = identity.NewPostgresStore(db)
		adStore = ads.NewPostgresStore(db)
		s.orderStore = orders.NewPostgresStore(db)
		authStore = auth.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.links = identity.NewMemoryStore()
		adStore = ads.NewMemoryStore()
		s.orderStore = orders.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.resolver = identity.NewResolver(s.links)
	s.adsSvc = ads.NewService(adStore)
	s.authMgr = auth.NewManager(authStore)

	// Realtime hub for WebSocket streaming of order lifecycle events
	s.realtimeHub = realtime.NewHub(s.logger)
	s.logger.Info("realtime streaming enabled")

	// Fulfillment reconciler drains the outbox of released orders
	s.fulfiller = orders.NewFulfiller(s.orderStore, s.adsSvc, s.logger)

	s.ordersSvc = orders.NewService(s.orderStore, s.adsSvc, s.resolver, s.logger).
		WithPublisher(s.realtimeHub).
		WithFulfillmentKick(s.fulfiller.Poke)

	// Escrow funding coordinator (only when a funding key is configured)
	if s.escrowFund == nil && cfg.EscrowFundingEnabled() {
		funder, err := escrowfund.New(escrowfund.Config{
			RPCURL:       cfg.RPCURL,
			PrivateKey:   cfg.PrivateKey,
			ChainID:      cfg.ChainID,
			Permit2:      cfg.Permit2Contract,
			Arbiter:      cfg.EscrowArbiter,
			AllowanceTTL: cfg.AllowanceTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create escrow funder: %w", err)
		}
		s.escrowFund = funder
		s.logger.Info("escrow funding enabled",
			"owner", funder.Owner(),
			"chain", cfg.ChainID,
			"arbiter", cfg.EscrowArbiter,
		)
	} else if s.escrowFund == nil {
		s.logger.Info("escrow funding disabled (no PRIVATE_KEY configured)")
	}

	// Trips when the chain RPC keeps failing so funding requests
	// fast-fail instead of tying up handler goroutines.
	s.rpcBreaker = circuitbreaker.New(5, 30*time.Second)

	// Health checks
	s.checks = health.NewRegistry()
	if s.db != nil {
		s.checks.Register("database", health.DBChecker(s.db))
	}
	s.checks.Register("ad_fulfillments", health.BacklogChecker("ad_fulfillments", 50,
		func(ctx context.Context) (int, error) {
			pending, err := s.orderStore.PendingFulfillments(ctx, 100)
			if err != nil {
				return 0, err
			}
			return len(pending), nil
		}))

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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
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

	// WebSocket for real-time order event streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info endpoint
	s.router.GET("/api", s.infoHandler)

	adsHandler := ads.NewHandler(s.adsSvc, s.resolver)
	ordersHandler := orders.NewHandler(s.ordersSvc)
	authHandler := auth.NewHandler(s.authMgr, s.links)

	// V1 API group
	v1 := s.router.Group("/v1")

	// PUBLIC ROUTES (no auth required)
	v1.GET("/platform", s.platformHandler)
	adsHandler.RegisterRoutes(v1)
	ordersHandler.RegisterRoutes(v1)

	// REGISTRATION (public but returns API key)
	v1.POST("/actors/register", authHandler.Register)

	// PROTECTED ROUTES (require API key)
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr))
	protected.Use(auth.RequireAuth())
	{
		adsHandler.RegisterProtectedRoutes(protected)
		ordersHandler.RegisterProtectedRoutes(protected)

		// Escrow allowance funding
		protected.POST("/escrow/fund", s.fundEscrowHandler)

		// API key management
		protected.GET("/auth/keys", authHandler.ListKeys)
		protected.POST("/auth/keys", authHandler.CreateKey)
		protected.DELETE("/auth/keys/:keyId", authHandler.RevokeKey)
		protected.GET("/auth/me", authHandler.Whoami(s.resolver))
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

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
		"name":        "Peerdesk",
		"description": "P2P crypto marketplace with escrowed settlement",
		"version":     "0.1.0",
		"chain":       "base",
		"tokens":      []string{"BTC", "ETH", "USDT", "USDC"},
	})
}

// platformHandler returns platform info including escrow parameters
func (s *Server) platformHandler(c *gin.Context) {
	platform := gin.H{
		"name":          "Peerdesk",
		"version":       "0.1.0",
		"chainId":       s.cfg.ChainID,
		"permit2":       s.cfg.Permit2Contract,
		"escrowArbiter": s.cfg.EscrowArbiter,
		"escrowFeeBps":  s.cfg.EscrowFeeBPS,
		"allowanceTtl":  s.cfg.AllowanceTTL.String(),
	}
	if s.escrowFund != nil {
		platform["fundingWallet"] = s.escrowFund.Owner()
	}
	c.JSON(http.StatusOK, gin.H{"platform": platform})
}

// FundEscrowRequest contains the parameters for funding an escrow
// allowance for a trade.
type FundEscrowRequest struct {
	Token  string `json:"token" binding:"required"`
	Amount string `json:"amount" binding:"required"`
}

// fundEscrowHandler handles POST /v1/escrow/fund: runs the two-phase
// allowance delegation for the platform funding wallet.
func (s *Server) fundEscrowHandler(c *gin.Context) {
	if s.escrowFund == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "funding_disabled",
			"message": "Escrow funding is not configured on this deployment",
		})
		return
	}

	var req FundEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "token and amount are required",
		})
		return
	}

	sym := token.Symbol(strings.ToUpper(req.Token))
	contract := s.tokenContract(sym)
	if contract == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "token is not fundable on-chain (USDT and USDC only)",
		})
		return
	}

	amount, ok := token.Parse(sym, req.Amount)
	if !ok || amount.Sign() <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount must be a positive decimal",
		})
		return
	}

	const breakerKey = "escrow_rpc"
	if !s.rpcBreaker.Allow(breakerKey) {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "upstream_unavailable",
			"message": "Chain RPC is unavailable, try again shortly",
		})
		return
	}

	result, err := s.escrowFund.Fund(c.Request.Context(), common.HexToAddress(contract), amount)
	if err != nil {
		if errors.Is(err, escrowfund.ErrRPCConnection) || errors.Is(err, escrowfund.ErrTimeout) {
			s.rpcBreaker.RecordFailure(breakerKey)
		}
		s.fundErrorResponse(c, err)
		return
	}
	s.rpcBreaker.RecordSuccess(breakerKey)

	c.JSON(http.StatusOK, gin.H{
		"owner":          result.Owner,
		"token":          sym,
		"amount":         req.Amount,
		"erc20Tx":        result.ERC20TxHash,
		"permit2Tx":      result.Permit2TxHash,
		"allowanceUntil": result.AllowanceUntil.UTC().Format(time.RFC3339),
	})
}

func (s *Server) fundErrorResponse(c *gin.Context, err error) {
	var step *escrowfund.StepError
	resp := gin.H{
		"error":   "funding_failed",
		"message": err.Error(),
	}
	if errors.As(err, &step) {
		resp["phase"] = step.Phase
		if step.TxHash != "" {
			resp["txHash"] = step.TxHash
		}
	}

	status := http.StatusBadGateway
	if errors.Is(err, escrowfund.ErrTimeout) {
		status = http.StatusGatewayTimeout
	}
	c.JSON(status, resp)
}

// tokenContract maps a stablecoin symbol to its configured contract
// address. BTC and ETH settle off the allowance path.
func (s *Server) tokenContract(sym token.Symbol) string {
	switch sym {
	case token.USDT:
		return s.cfg.USDTContract
	case token.USDC:
		return s.cfg.USDCContract
	default:
		return ""
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start fulfillment reconciler
	go s.fulfiller.Start(runCtx)

	// Sample DB pool stats into Prometheus gauges
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

	// Cancel the context for all background goroutines (hub, reconciler)
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

	// Stop fulfillment reconciler
	if s.fulfiller != nil {
		s.fulfiller.Stop()
		s.logger.Info("fulfillment reconciler stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close the funding RPC connection
	if s.escrowFund != nil {
		if err := s.escrowFund.Close(); err != nil {
			s.logger.Error("escrow funder close error", "error", err)
		}
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
