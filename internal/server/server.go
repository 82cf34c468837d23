// Package server exposes one escrow session over HTTP and WebSocket.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/ethescrow/internal/config"
	"github.com/mbd888/ethescrow/internal/contract"
	"github.com/mbd888/ethescrow/internal/gateway"
	"github.com/mbd888/ethescrow/internal/health"
	"github.com/mbd888/ethescrow/internal/journal"
	"github.com/mbd888/ethescrow/internal/lifecycle"
	"github.com/mbd888/ethescrow/internal/logging"
	"github.com/mbd888/ethescrow/internal/metrics"
	"github.com/mbd888/ethescrow/internal/ratelimit"
	"github.com/mbd888/ethescrow/internal/realtime"
	"github.com/mbd888/ethescrow/internal/security"
	"github.com/mbd888/ethescrow/internal/session"
	"github.com/mbd888/ethescrow/internal/signer"
	"github.com/mbd888/ethescrow/internal/validation"
	"github.com/mbd888/ethescrow/internal/wei"
)

// Version is reported by /health.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Node is everything the server needs from the ledger endpoint.
// *ethclient.Client satisfies it.
type Node interface {
	gateway.Client
	session.Client
	contract.Caller
	Close()
}

// Server wraps the HTTP server and the escrow session behind it.
type Server struct {
	cfg       *config.Config
	node      Node
	session   *session.Session
	lifecycle *lifecycle.Lifecycle
	journal   journal.Store
	hub       *realtime.Hub
	health    *health.Registry
	db        *sql.DB // nil unless DATABASE_URL is set

	readLimits    ratelimit.Config
	actionLimits  ratelimit.Config
	readLimiter   *ratelimit.Limiter
	actionLimiter *ratelimit.Limiter

	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc
	actions      sync.WaitGroup // async escrow actions

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

// WithNode uses node instead of dialing RPC_URL (for testing).
func WithNode(node Node) Option {
	return func(s *Server) {
		s.node = node
	}
}

// WithJournal uses store instead of the one selected by DATABASE_URL.
func WithJournal(store journal.Store) Option {
	return func(s *Server) {
		s.journal = store
	}
}

// WithRateLimits overrides the read and action rate limits.
func WithRateLimits(read, action ratelimit.Config) Option {
	return func(s *Server) {
		s.readLimits = read
		s.actionLimits = action
	}
}

// New connects the session and builds the router. The ledger node is
// dialed unless WithNode is given.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:          cfg,
		logger:       logging.New(cfg.LogLevel, cfg.LogFormat),
		readLimits:   ratelimit.DefaultConfig(),
		actionLimits: ratelimit.ActionConfig(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if s.node == nil {
		client, err := ethclient.DialContext(ctx, cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("failed to dial ledger node: %w", err)
		}
		s.node = client
		s.logger.Info("connected to ledger node", "rpc", maskDSN(cfg.RPCURL), "chain_id", cfg.ChainID)
	}

	if s.journal == nil {
		store, err := s.openJournal()
		if err != nil {
			return nil, err
		}
		s.journal = store
	}

	keyring, err := signer.NewKeyring(cfg.PrivateKeys()...)
	if err != nil {
		return nil, fmt.Errorf("failed to load signer keys: %w", err)
	}

	var bytecode []byte
	if cfg.CanDeploy() {
		if bytecode, err = contract.ParseBytecode(cfg.EscrowBytecode); err != nil {
			return nil, err
		}
	} else {
		s.logger.Warn("ESCROW_BYTECODE not set, deployments will be rejected")
	}

	gw := gateway.New(s.node, gateway.Config{
		ChainID:             big.NewInt(cfg.ChainID),
		Bytecode:            bytecode,
		ConfirmationTimeout: cfg.ConfirmationTimeout,
		EventTimeout:        cfg.EventTimeout,
		PollInterval:        cfg.ReceiptPollInterval,
	}, s.logger)

	s.session = session.New(s.node, keyring, session.Config{PollInterval: cfg.BlockPollInterval}, s.logger)
	acct, err := s.session.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect wallet session: %w", err)
	}
	s.logger.Info("wallet session connected",
		"account", acct.Address.Hex(),
		"balance", wei.Display(acct.Balance),
	)

	s.lifecycle = lifecycle.New(s.session, gw, s.node,
		lifecycle.WithJournal(s.journal),
		lifecycle.WithLogger(s.logger),
	)

	s.hub = realtime.NewHub(s.logger)
	s.lifecycle.OnChange(s.publishSnapshot)

	s.health = health.NewRegistry()
	s.health.Register("chain", health.Chain(s.node))
	s.health.Register("session", health.Session(s.session.Connected))
	if s.db != nil {
		s.health.Register("database", health.Database(s.db))
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// openJournal selects Postgres when DATABASE_URL is set, memory otherwise.
func (s *Server) openJournal() (journal.Store, error) {
	if s.cfg.DatabaseURL == "" {
		s.logger.Info("using in-memory journal")
		return journal.NewMemoryStore(), nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(3)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s.db = db
	s.logger.Info("using PostgreSQL journal", "url", maskDSN(s.cfg.DatabaseURL))
	return journal.NewGuarded(journal.NewPostgresStore(db), 5, 30*time.Second), nil
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

// publishSnapshot streams a lifecycle change to WebSocket clients.
func (s *Server) publishSnapshot(snap lifecycle.Snapshot) {
	var addr string
	if snap.Contract != nil {
		addr = snap.Contract.Address.Hex()
	}
	s.hub.BroadcastPhase(addr, snap.Account.Hex(), snap)
}

// publishBalance streams a new-block balance refresh.
func (s *Server) publishBalance(acct session.Account) {
	s.hub.BroadcastBalance(realtime.Balance{
		Account:    acct.Address.Hex(),
		BalanceWei: weiString(acct.Balance),
		Balance:    wei.Display(acct.Balance),
		Block:      acct.Block,
	})
}

func weiString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
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
	s.router.Use(security.CORSMiddleware(security.ParseOrigins(s.cfg.CORSOrigins)))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.readLimiter = ratelimit.New("read", s.readLimits)
	s.actionLimiter = ratelimit.New("action", s.actionLimits)
	s.router.Use(s.readLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithAccount(ctx, s.session.Account().Address.Hex())
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
			"latency_ms", time.Since(start).Milliseconds(),
		}
		logger := logging.L(c.Request.Context())

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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/ws", gin.WrapF(s.hub.HandleWebSocket))

	v1 := s.router.Group("/v1")
	{
		v1.GET("/session", s.getSession)
		v1.POST("/session/account", s.actionLimiter.Middleware(), s.setAccount)

		esc := v1.Group("/escrow", s.actionLimiter.Middleware())
		esc.POST("/create", s.createContract)
		esc.POST("/action", s.submitAction)
		esc.POST("/load", s.loadContract)
		esc.POST("/recheck", s.recheck)
		esc.POST("/reset", s.reset)

		v1.GET("/escrows", s.listEscrows)
		v1.GET("/escrows/:address", validation.AddressParamMiddleware(), s.getEscrow)
	}
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())

	status, code := "healthy", http.StatusOK
	if !ok {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	c.JSON(code, HealthResponse{
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and the background block watcher, and blocks
// until a signal arrives or ctx is done.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// ?wait=true holds the response through confirmation and the event wait.
	writeTimeout := s.cfg.ConfirmationTimeout + s.cfg.EventTimeout + 30*time.Second

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"account", s.session.Account().Address.Hex(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	s.session.OnNewBlock(s.publishBalance)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server. Escrow actions already accepted
// are given until the HTTP shutdown deadline to settle.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	settled := make(chan struct{})
	go func() {
		s.actions.Wait()
		close(settled)
	}()
	select {
	case <-settled:
	case <-ctx.Done():
		s.logger.Warn("escrow action still in flight at shutdown", "phase", string(s.lifecycle.Snapshot().Phase))
	}

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	s.session.Close()
	s.readLimiter.Stop()
	s.actionLimiter.Stop()
	s.node.Close()

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Hub returns the realtime hub.
func (s *Server) Hub() *realtime.Hub {
	return s.hub
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
