// Package server wires the resilience pipeline behind an HTTP API:
// instruction intake, signature verification, fraud analysis, session
// management, operational stats, and the realtime event stream.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/omnichainlabs/bridgeguard/internal/circuitbreaker"
	"github.com/omnichainlabs/bridgeguard/internal/config"
	"github.com/omnichainlabs/bridgeguard/internal/fraud"
	"github.com/omnichainlabs/bridgeguard/internal/health"
	"github.com/omnichainlabs/bridgeguard/internal/logging"
	"github.com/omnichainlabs/bridgeguard/internal/metrics"
	"github.com/omnichainlabs/bridgeguard/internal/pipeline"
	"github.com/omnichainlabs/bridgeguard/internal/ratelimit"
	"github.com/omnichainlabs/bridgeguard/internal/realtime"
	"github.com/omnichainlabs/bridgeguard/internal/recovery"
	"github.com/omnichainlabs/bridgeguard/internal/retry"
	"github.com/omnichainlabs/bridgeguard/internal/security"
	"github.com/omnichainlabs/bridgeguard/internal/signature"
	"github.com/omnichainlabs/bridgeguard/internal/validation"
)

// Server hosts the BridgeGuard HTTP API and owns the component lifecycle.
type Server struct {
	cfg *config.Config

	breaker     *circuitbreaker.Breaker
	verifier    *signature.Verifier
	engine      *fraud.Engine
	pipe        *pipeline.Pipeline
	checkpoints *recovery.Checkpointer
	fraudStore  fraud.Store
	nonceStore  signature.NonceStore
	hub         *realtime.Hub
	healthReg   *health.Registry

	db          *sql.DB
	router      *gin.Engine
	httpSrv     *http.Server
	rateLimiter *ratelimit.Limiter
	logger      *slog.Logger

	executorOverride pipeline.Executor
	relay            *relayExecutor // nil when the executor is overridden

	startedAt time.Time

	cancelRunCtx context.CancelFunc
	ready        atomic.Bool
	healthy      atomic.Bool
}

// Option customizes server construction.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithExecutor overrides the instruction executor. Tests use this to
// script execution outcomes.
func WithExecutor(exec pipeline.Executor) Option {
	return func(s *Server) {
		s.executorOverride = exec
	}
}

// New assembles a server from config. With DatabaseURL set it persists
// fraud assessments and recovery sessions to Postgres; otherwise both
// stay in memory. With NonceDBPath set consumed nonces survive restarts
// in LevelDB.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:       cfg,
		logger:    slog.Default(),
		startedAt: time.Now(),
	}

	for _, opt := range opts {
		opt(s)
	}

	var fraudStore fraud.Store
	var recoveryStore recovery.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}

		s.db = db
		fraudStore = fraud.NewPostgresStore(db)
		recoveryStore = recovery.NewPostgresStore(db)
		s.logger.Info("using postgres storage", "dsn", maskDSN(cfg.DatabaseURL))
	} else {
		fraudStore = fraud.NewMemoryStore()
		recoveryStore = recovery.NewMemoryStore()
		s.logger.Info("using in-memory storage")
	}
	s.fraudStore = fraudStore

	var nonceStore signature.NonceStore
	if cfg.NonceDBPath != "" {
		ldb, err := signature.NewLevelDBNonceStore(cfg.NonceDBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open nonce store: %w", err)
		}
		nonceStore = ldb
		s.logger.Info("using leveldb nonce store", "path", cfg.NonceDBPath)
	} else {
		nonceStore = signature.NewMemoryNonceStore()
	}
	s.nonceStore = nonceStore

	authority := common.HexToAddress(cfg.AuthorityAddress)
	s.verifier = signature.NewVerifier(authority, nonceStore)

	s.breaker = circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.CircuitFailureThreshold,
		FailureWindow:    cfg.CircuitFailureWindow,
		MinOpenDuration:  cfg.CircuitMinOpenDuration,
		SuccessThreshold: cfg.CircuitSuccessThreshold,
		HalfOpenLimit:    cfg.CircuitHalfOpenLimit,
	})

	s.engine = fraud.NewEngine(fraud.Config{
		RiskThreshold:     uint16(cfg.FraudRiskThreshold),
		AnalysisWindow:    cfg.FraudAnalysisWindow,
		VelocityThreshold: uint16(cfg.FraudVelocityLimit),
		MinReputation:     uint16(cfg.FraudMinReputation),
		GeoRiskMultiplier: uint16(cfg.FraudGeoRiskBasis),
		DeniedChains:      cfg.FraudDeniedChains,
	}, fraudStore)

	s.checkpoints = recovery.NewCheckpointer(cfg.CheckpointInterval, uint32(cfg.CheckpointValidation))

	s.hub = realtime.NewHub(logging.Component(s.logger, "hub"))

	s.healthReg = health.NewRegistry()
	if s.db != nil {
		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
	s.healthReg.Register("circuit", func(_ context.Context) health.Status {
		st := s.breaker.State()
		return health.Status{Name: "circuit", Healthy: st != circuitbreaker.StateOpen, Detail: st.String()}
	})

	exec := s.executorOverride
	if exec == nil {
		s.relay = newRelayExecutor(logging.Component(s.logger, "relay"))
		exec = s.relay
	}

	s.pipe = pipeline.New(pipeline.Deps{
		Breaker:  s.breaker,
		Verifier: s.verifier,
		Engine:   s.engine,
		RetryConfig: retry.Config{
			MaxAttempts:  cfg.RetryMaxAttempts,
			InitialDelay: cfg.RetryInitialDelay,
			MaxDelay:     cfg.RetryMaxDelay,
		},
		MaxRetrySessions: cfg.RetryMaxSessions,
		RecoveryConfig: recovery.Config{
			MaxConcurrentSessions: cfg.RecoveryMaxSessions,
			AutoRecoveryEnabled:   cfg.RecoveryAutoEnabled,
			AggressiveMode:        cfg.RecoveryAggressive,
		},
		RecoveryStore: recoveryStore,
		Checkpoints:   s.checkpoints,
		Executor:      exec,
		Events:        s.hub,
		Logger:        logging.Component(s.logger, "pipeline"),
	})
	s.pipe.Retries().SetAdaptive(cfg.RetryAdaptive)

	s.breaker.OnTransition(func(from, to circuitbreaker.State) {
		s.logger.Warn("circuit transition", "from", from.String(), "to", to.String())
		s.hub.BroadcastCircuitTransition(from.String(), to.String())
	})

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		s.logger.Error("panic recovered", "error", recovered, "path", c.Request.URL.Path)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
		rlCfg.BurstSize = s.cfg.RateLimitRPS * 2
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())

	s.router.Use(func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		c.Header("X-Request-ID", requestID)

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	})

	s.router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)

		log := logging.L(c.Request.Context())
		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency_ms", latency.Milliseconds(),
		}
		switch {
		case c.Writer.Status() >= 500:
			log.Error("request", attrs...)
		case c.Writer.Status() >= 400:
			log.Warn("request", attrs...)
		default:
			log.Info("request", attrs...)
		}
	})
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", func(c *gin.Context) {
		if !s.healthy.Load() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
	})
	readyHandler := func(c *gin.Context) {
		if !s.ready.Load() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
	s.router.GET("/health/ready", readyHandler)
	s.router.GET("/ready", readyHandler)

	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	{
		v1.POST("/instructions/inbound", s.inboundHandler)
		v1.POST("/instructions/outbound", s.outboundHandler)

		v1.POST("/verify", s.verifyHandler)
		v1.POST("/verify/batch", s.verifyBatchHandler)

		v1.POST("/analyze", s.analyzeHandler)
		v1.GET("/assessments/:address", validation.AddressParamMiddleware(), s.assessmentsHandler)

		v1.GET("/sessions/retry/:id", s.retrySessionHandler)
		v1.POST("/sessions/retry/:id/attempt", s.retryAttemptHandler)
		v1.GET("/sessions/recovery/:id", s.recoverySessionHandler)
		v1.POST("/sessions/recovery/:id/attempt", s.recoveryAttemptHandler)

		stats := v1.Group("/stats")
		{
			stats.GET("/pipeline", s.pipelineStatsHandler)
			stats.GET("/circuit", s.circuitStatsHandler)
			stats.GET("/verifier", s.verifierStatsHandler)
			stats.GET("/fraud", s.fraudStatsHandler)
			stats.GET("/retry", s.retryStatsHandler)
			stats.GET("/recovery", s.recoveryStatsHandler)
			stats.GET("/checkpoints", s.checkpointStatsHandler)
			stats.GET("/realtime", s.realtimeStatsHandler)
		}

		admin := v1.Group("/admin")
		admin.Use(s.requireAdmin())
		{
			admin.POST("/circuit/override", s.circuitOverrideHandler)
			admin.PUT("/circuit/config", s.circuitConfigHandler)
			admin.PUT("/fraud/config", s.fraudConfigHandler)
			admin.POST("/fraud/reset", s.fraudResetHandler)
			admin.PUT("/retry/config", s.retryConfigHandler)
			admin.PUT("/recovery/config", s.recoveryConfigHandler)
			admin.POST("/retry/:id/pause", s.retryPauseHandler)
			admin.POST("/retry/:id/resume", s.retryResumeHandler)
			admin.POST("/retry/:id/cancel", s.retryCancelHandler)
			admin.POST("/recovery/:id/cancel", s.recoveryCancelHandler)
			admin.PUT("/authority", s.authorityHandler)
			admin.POST("/checkpoint", s.checkpointHandler)
			admin.PUT("/relay", s.relayEndpointHandler)
		}
	}
}

// requireAdmin gates mutating operational endpoints behind a shared
// secret. With no secret configured every admin call is refused.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" || c.GetHeader("X-Admin-Secret") != s.cfg.AdminSecret {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	healthy, statuses := s.healthReg.CheckAll(ctx)
	code := http.StatusOK
	status := "healthy"
	if !healthy {
		code = http.StatusServiceUnavailable
		status = "degraded"
	}
	c.JSON(code, gin.H{
		"status": status,
		"checks": statuses,
	})
}

// Run starts the HTTP server and blocks until ctx is cancelled or a
// shutdown signal arrives.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel
	defer cancel()

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go s.hub.Run(runCtx)
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
		return s.Shutdown()
	case <-ctx.Done():
		s.logger.Info("context cancelled")
		return s.Shutdown()
	}
}

// Shutdown drains in-flight requests and releases resources.
func (s *Server) Shutdown() error {
	s.ready.Store(false)

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to observe the readiness flip.
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown error", "error", err)
		}
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if closer, ok := s.nonceStore.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			s.logger.Error("nonce store close error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Pipeline exposes the pipeline for tests.
func (s *Server) Pipeline() *pipeline.Pipeline {
	return s.pipe
}

func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.String()
}

func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "req_" + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return hex.EncodeToString(b)
}

// relayExecutor is the production executor. Until a relay endpoint is
// registered it acknowledges execution locally and fabricates a
// deterministic signature, which keeps the pipeline honest in dev and
// staging environments.
type relayExecutor struct {
	log *slog.Logger

	mu       sync.Mutex
	endpoint string
}

func newRelayExecutor(log *slog.Logger) *relayExecutor {
	return &relayExecutor{log: log}
}

// SetEndpoint points the executor at a relay backend. The URL must be
// validated by the caller.
func (e *relayExecutor) SetEndpoint(url string) {
	e.mu.Lock()
	e.endpoint = url
	e.mu.Unlock()
}

// Endpoint returns the configured relay backend, or empty for local mode.
func (e *relayExecutor) Endpoint() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.endpoint
}

func (e *relayExecutor) Execute(_ context.Context, in pipeline.Instruction) (string, error) {
	sig := "0x" + hex.EncodeToString(in.Sender) + strings.Repeat("0", 8) + strconv.FormatUint(in.Nonce, 16)
	e.log.Debug("local execution", "relay", e.Endpoint(), "destChain", in.DestChain, "nonce", in.Nonce)
	return sig, nil
}
