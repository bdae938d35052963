// Package api serves a read-only dashboard over the engine's persisted state,
// its metrics and a live stream of engine events.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"papertrader/internal/engine"
	"papertrader/internal/events"
	"papertrader/internal/gatekeeper"
	"papertrader/internal/position"
	"papertrader/internal/risk"
	"papertrader/internal/statestore"
)

// RateLimiter provides simple in-memory rate limiting per client and path
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int           // max requests
	window   time.Duration // time window
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// EngineStatus is what the dashboard needs from a running engine
type EngineStatus interface {
	Variant() string
	LastIteration() (time.Time, engine.IterationReport, error)
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Host           string
	ProductionMode bool
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	// StaleAfter marks the engine unhealthy when no iteration finished within it
	StaleAfter time.Duration
	// RateLimit is requests per minute per client and path, 0 disables limiting
	RateLimit int
}

// Deps are the read-side collaborators of the server
type Deps struct {
	Store   *statestore.Store
	Gate    *gatekeeper.Gatekeeper
	Ladder  statestore.LadderFunc // rebuilds ladders of legacy records, may be nil
	Engine  EngineStatus          // nil when serving state files only
	Bus     *events.EventBus      // nil disables /ws
	Variant string
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	deps        Deps
	hub         *WSHub
	config      ServerConfig
	rateLimiter *RateLimiter
	logger      zerolog.Logger
}

// NewServer creates a new API server
func NewServer(config ServerConfig, deps Deps, logger zerolog.Logger) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	logger = logger.With().Str("component", "API").Logger()

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	corsConfig := cors.DefaultConfig()
	if len(config.AllowedOrigins) == 0 || (len(config.AllowedOrigins) == 1 && config.AllowedOrigins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = config.AllowedOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	router.Use(cors.New(corsConfig))

	server := &Server{
		router: router,
		deps:   deps,
		config: config,
		logger: logger,
	}
	if config.RateLimit > 0 {
		server.rateLimiter = NewRateLimiter(config.RateLimit, time.Minute)
	}
	if deps.Bus != nil {
		server.hub = NewWSHub(logger)
		server.hub.Attach(deps.Bus)
	}

	server.setupRoutes()
	return server
}

// Router exposes the handler for tests and embedding
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api")
	if s.rateLimiter != nil {
		api.Use(s.rateLimitMiddleware())
	}
	api.GET("/state", s.handleState)
	api.GET("/positions", s.handlePositions)
	api.GET("/gatekeeper", s.handleGatekeeper)

	if s.hub != nil {
		s.router.GET("/ws", s.handleWebSocket)
	}
}

// rateLimitMiddleware rejects clients over the per-minute budget
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP() + " " + c.FullPath()
		if !s.rateLimiter.Allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("HTTP request")
	}
}

// Start runs the HTTP server until Shutdown
func (s *Server) Start(ctx context.Context) error {
	if s.hub != nil {
		go s.hub.Run(ctx)
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// handleHealth reports whether the engine is iterating
func (s *Server) handleHealth(c *gin.Context) {
	if s.deps.Engine == nil {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "mode": "read-only"})
		return
	}

	last, report, err := s.deps.Engine.LastIteration()
	body := gin.H{
		"status":         "healthy",
		"variant":        s.deps.Engine.Variant(),
		"last_iteration": last,
		"report":         report,
	}
	if err != nil {
		body["last_error"] = err.Error()
	}

	stale := last.IsZero() || (s.config.StaleAfter > 0 && time.Since(last) > s.config.StaleAfter)
	if stale || err != nil {
		body["status"] = "unhealthy"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) loadPositions() ([]*position.Position, error) {
	open, err := s.deps.Store.LoadPositions(s.deps.Ladder)
	if err != nil {
		return nil, err
	}
	out := make([]*position.Position, 0, len(open))
	for _, p := range open {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func activeCount(positions []*position.Position) int {
	n := 0
	for _, p := range positions {
		if p.ActivelyManaged() {
			n++
		}
	}
	return n
}

// handleState returns cursor, equity and open positions as persisted
func (s *Server) handleState(c *gin.Context) {
	cursor, err := s.deps.Store.LoadCursor(statestore.Cursor{LastIndex: -1})
	if err != nil {
		s.stateError(c, err)
		return
	}
	equity, err := s.deps.Store.LoadEquity(statestore.Equity{})
	if err != nil {
		s.stateError(c, err)
		return
	}
	positions, err := s.loadPositions()
	if err != nil {
		s.stateError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"variant":        s.deps.Variant,
		"cursor":         cursor.LastIndex,
		"balance":        equity.Balance,
		"open":           len(positions),
		"active_managed": activeCount(positions),
		"max_active":     s.deps.Gate.MaxActiveManaged(),
		"positions":      positions,
	})
}

func (s *Server) handlePositions(c *gin.Context) {
	positions, err := s.loadPositions()
	if err != nil {
		s.stateError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"positions": positions,
		"count":     len(positions),
	})
}

// handleGatekeeper evaluates admission for a hypothetical signal against persisted positions
func (s *Server) handleGatekeeper(c *gin.Context) {
	symbol := strings.ToUpper(strings.TrimSpace(c.Query("symbol")))
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}
	side, ok := risk.ParseDirection(c.Query("side"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "side must be LONG or SHORT"})
		return
	}

	positions, err := s.loadPositions()
	if err != nil {
		s.stateError(c, err)
		return
	}
	holdings := make([]gatekeeper.Holding, 0, len(positions))
	for _, p := range positions {
		holdings = append(holdings, p)
	}

	decision := s.deps.Gate.Evaluate(symbol, side, holdings)
	c.JSON(http.StatusOK, gin.H{
		"symbol":   symbol,
		"side":     side,
		"decision": decision,
	})
}

func (s *Server) stateError(c *gin.Context, err error) {
	s.logger.Error().Err(err).Str("path", c.Request.URL.Path).Msg("Failed to read state")
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
