// Package server wires the escrow ledger, dispute authority and value layer
// behind the HTTP API.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/escrowd/internal/arbitrator"
	"github.com/mbd888/escrowd/internal/asset"
	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/bank"
	"github.com/mbd888/escrowd/internal/config"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/health"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/ratelimit"
	"github.com/mbd888/escrowd/internal/realtime"
	"github.com/mbd888/escrowd/internal/retry"
	"github.com/mbd888/escrowd/internal/security"
	"github.com/mbd888/escrowd/internal/units"
	"github.com/mbd888/escrowd/internal/validation"
)

// Version is reported by /health and /v1/info.
const Version = "0.1.0"

// Account addresses inside the bank. Derived rather than configured so they
// can never collide with a party's key.
var (
	VaultAddress = common.BytesToAddress(crypto.Keccak256([]byte("escrowd/vault")))
	CourtAddress = common.BytesToAddress(crypto.Keccak256([]byte("escrowd/arbitrator")))
)

const (
	dbStatsPeriod     = 15 * time.Second
	vaultSamplePeriod = 30 * time.Second
)

// court is what the server needs from either arbitrator variant.
type court interface {
	arbitrator.Court
	RegisterArbitrable(addr common.Address, a arbitrator.Arbitrable)
}

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	bank         *bank.Bank
	court        court
	ledger       *escrow.Ledger
	watcher      *escrow.Watcher
	authMgr      *auth.Manager
	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	health       *health.Registry
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	drainDelay   time.Duration
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

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// routing before closing the listener.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
		health:     health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	var (
		escrowStore escrow.Store
		authStore   auth.Store
	)
	s.bank = bank.New()
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		policy := retry.Startup
		policy.OnRetry = func(attempt int, err error, wait time.Duration) {
			s.logger.Warn("database not ready, retrying", "attempt", attempt, "wait", wait, "error", err)
		}
		if err := retry.Do(ctx, policy, db.PingContext); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("connected to postgres", "dsn", maskDSN(cfg.DatabaseURL))

		escrowStore = escrow.NewPostgresStore(db)
		authStore = auth.NewPostgresStore(db)
		s.bank.WithJournal(bank.NewPostgresJournal(db))
		n, err := s.bank.Restore(ctx)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to restore bank: %w", err)
		}
		s.logger.Info("bank restored", "entries", n)
		s.health.Register("database", health.Ping("database", db))
	} else {
		escrowStore = escrow.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		s.logger.Warn("DATABASE_URL not set, using in-memory storage (data is lost on restart)")
	}

	s.court = newCourt(cfg, s.bank, s.logger)
	s.realtimeHub = realtime.NewHub(s.logger)

	ledger, err := escrow.NewLedger(ctx, escrow.Config{
		Vault:                 VaultAddress,
		Owner:                 cfg.Owner,
		FeeRecipient:          cfg.FeeRecipient,
		Thresholds:            cfg.PriceThresholds,
		Whitelist:             cfg.TokenWhitelist,
		MinAmount:             cfg.MinAmount,
		FeeTimeout:            cfg.FeeTimeout,
		DefaultPaymentTimeout: cfg.PaymentTimeout,
	}, escrowStore, s.bank, s.court, s.logger)
	if err != nil {
		s.closeDB()
		return nil, fmt.Errorf("failed to create ledger: %w", err)
	}
	s.ledger = ledger.WithEmitter(s.realtimeHub.Emitter())
	s.court.RegisterArbitrable(VaultAddress, s.ledger)

	s.watcher = escrow.NewWatcher(escrowStore, s.realtimeHub.Emitter(), cfg.WatcherInterval, s.logger)
	s.authMgr = auth.NewManager(authStore)
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitRPM,
		BurstSize:         cfg.RateLimitBurst,
		CleanupInterval:   time.Minute,
	})

	s.health.Register("deadline_watcher", health.Running("deadline_watcher", s.watcher.Running))
	s.health.Register("vault", health.Check("vault", s.checkVault))

	s.logger.Info("escrow ledger ready",
		"vault", VaultAddress.Hex(),
		"arbitrator", s.court.Address().Hex(),
		"arbitrator_mode", cfg.ArbitratorMode,
	)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// newCourt builds the dispute authority ARBITRATOR_MODE names. Arbitration
// fees are collected through the bank into CourtAddress.
func newCourt(cfg *config.Config, collector arbitrator.Collector, logger *slog.Logger) court {
	acfg := arbitrator.Config{
		Address:      CourtAddress,
		Owner:        cfg.ArbitratorOwner,
		Cost:         cfg.ArbitrationCost,
		AppealCost:   cfg.AppealCost,
		AppealWindow: cfg.AppealWindow,
	}
	if cfg.ArbitratorMode == config.ArbitratorAppealable {
		return arbitrator.NewAppealable(acfg, collector, logger)
	}
	return arbitrator.NewCentralized(acfg, collector, logger)
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

	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an upstream ID (load balancer, client) when present
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = idgen.New()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

// partyContextMiddleware copies the authenticated party into the request
// context so log lines below the handler carry it.
func partyContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if party, ok := auth.GetAuthenticatedParty(c); ok {
			c.Request = c.Request.WithContext(logging.WithParty(c.Request.Context(), strings.ToLower(party.Hex())))
		}
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
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}

		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
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

	// Realtime event stream
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.Use(validation.AddressParamMiddleware())
	v1.Use(auth.Middleware(s.authMgr))
	v1.Use(partyContextMiddleware())
	v1.Use(s.rateLimiter.Middleware())

	protected := v1.Group("")
	protected.Use(auth.RequireAuth(s.authMgr))

	v1.GET("/info", s.infoHandler)
	v1.GET("/balances/:address", s.balancesHandler)

	escrowHandler := escrow.NewHandler(s.ledger)
	escrowHandler.RegisterRoutes(v1)
	escrowHandler.RegisterProtectedRoutes(protected)

	arbitratorHandler := arbitrator.NewHandler(s.court)
	arbitratorHandler.RegisterRoutes(v1)
	arbitratorHandler.RegisterProtectedRoutes(protected)

	auth.NewHandler(s.authMgr).RegisterRoutes(v1, protected)

	// Development helpers: fund accounts and issue keys without a wallet
	if s.cfg.IsDevelopment() {
		dev := v1.Group("/dev")
		dev.POST("/faucet", s.faucetHandler)
		dev.POST("/keys", s.devKeyHandler)
		s.logger.Warn("development endpoints enabled", "prefix", "/v1/dev")
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

	ok, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
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

// checkVault fails when the vault holds less or more than the ledger says.
func (s *Server) checkVault(ctx context.Context) error {
	rec, err := s.ledger.Reconcile(ctx)
	if err != nil {
		return err
	}
	if !rec.Balanced {
		for _, a := range rec.Assets {
			if !a.Balanced {
				return fmt.Errorf("vault %s holds %s, expected %s", a.Asset, a.Vault, a.Expected)
			}
		}
		return errors.New("vault out of balance")
	}
	return nil
}

// sampleVault feeds the vault gauges from a reconciliation.
func (s *Server) sampleVault(ctx context.Context) ([]metrics.VaultSample, bool, error) {
	rec, err := s.ledger.Reconcile(ctx)
	if err != nil {
		return nil, false, err
	}
	samples := make([]metrics.VaultSample, 0, len(rec.Assets))
	for _, a := range rec.Assets {
		samples = append(samples, metrics.VaultSample{
			Asset:     a.Asset.String(),
			Vault:     toFloat(a.Vault),
			Expected:  toFloat(a.Expected),
			LostFunds: toFloat(a.LostFunds),
		})
	}
	return samples, rec.Balanced, nil
}

func toFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}

func (s *Server) infoHandler(c *gin.Context) {
	cost, err := s.court.ArbitrationCost(c.Request.Context())
	if err != nil {
		cost = new(big.Int)
	}
	c.JSON(http.StatusOK, gin.H{
		"name":    "escrowd",
		"version": Version,
		"vault":   VaultAddress.Hex(),
		"arbitrator": gin.H{
			"address":         s.court.Address().Hex(),
			"mode":            s.cfg.ArbitratorMode,
			"arbitrationCost": cost.String(),
		},
		"feeTimeout":     s.cfg.FeeTimeout.String(),
		"paymentTimeout": s.cfg.PaymentTimeout.String(),
		"realtime":       s.realtimeHub.Stats(),
	})
}

// balancesHandler handles GET /v1/balances/:address
func (s *Server) balancesHandler(c *gin.Context) {
	addr := common.HexToAddress(c.Param("address"))
	balances := make(map[string]string)
	for a, v := range s.bank.Balances(addr) {
		balances[a.String()] = v.String()
	}
	c.JSON(http.StatusOK, gin.H{
		"address":  addr.Hex(),
		"balances": balances,
	})
}

// FaucetRequest mints test funds.
type FaucetRequest struct {
	Address string `json:"address" binding:"required"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount" binding:"required"`
}

// faucetHandler handles POST /v1/dev/faucet
func (s *Server) faucetHandler(c *gin.Context) {
	var req FaucetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "address and amount are required"})
		return
	}
	if errs := validation.Validate(
		validation.ValidAddress("address", req.Address),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		validation.AbortWithErrors(c, errs)
		return
	}
	a, err := asset.Parse(req.Asset)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	amount, _ := units.ParseBase(req.Amount)
	to := common.HexToAddress(req.Address)
	if to == VaultAddress || to == CourtAddress {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "cannot mint into system accounts"})
		return
	}

	if err := s.bank.Mint(a, to, amount); err != nil {
		logging.L(c.Request.Context()).Error("faucet mint failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "mint failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"address": to.Hex(),
		"asset":   a.String(),
		"balance": s.bank.BalanceOf(a, to).String(),
	})
}

// DevKeyRequest issues a key for any party.
type DevKeyRequest struct {
	Party string `json:"party" binding:"required"`
	Name  string `json:"name"`
}

// devKeyHandler handles POST /v1/dev/keys
func (s *Server) devKeyHandler(c *gin.Context) {
	var req DevKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "party is required"})
		return
	}
	party, err := asset.ParseAddress(req.Party)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "party must be a valid address"})
		return
	}
	if req.Name == "" {
		req.Name = "dev key"
	}

	rawKey, key, err := s.authMgr.GenerateKey(c.Request.Context(), party, req.Name, 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to create API key"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"keyId":   key.ID,
		"party":   party.Hex(),
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
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
		s.logger.Info("starting server", "port", s.cfg.Port, "vault", VaultAddress.Hex())
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.watcher.Start(runCtx)
	go metrics.StartVaultCollector(runCtx, s.sampleVault, vaultSamplePeriod)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, dbStatsPeriod)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
		s.watcher.Stop()
		s.rateLimiter.Stop()
		s.closeDB()
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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.watcher.Stop()
	s.logger.Info("deadline watcher stopped")

	s.rateLimiter.Stop()
	s.closeDB()

	s.logger.Info("server stopped")
	return nil
}

func (s *Server) closeDB() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	} else {
		s.logger.Info("database connection closed")
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Ledger returns the escrow ledger.
func (s *Server) Ledger() *escrow.Ledger {
	return s.ledger
}

// Bank returns the value layer.
func (s *Server) Bank() *bank.Bank {
	return s.bank
}
