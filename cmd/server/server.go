package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/thenexusengine/pubmatic_htb/internal/callbacks"
	htbconfig "github.com/thenexusengine/pubmatic_htb/internal/config"
	"github.com/thenexusengine/pubmatic_htb/internal/endpoints"
	"github.com/thenexusengine/pubmatic_htb/internal/frame"
	"github.com/thenexusengine/pubmatic_htb/internal/metrics"
	"github.com/thenexusengine/pubmatic_htb/internal/middleware"
	"github.com/thenexusengine/pubmatic_htb/internal/pixel"
	"github.com/thenexusengine/pubmatic_htb/internal/pubmatic"
	"github.com/thenexusengine/pubmatic_htb/internal/render"
	"github.com/thenexusengine/pubmatic_htb/internal/storage"
	"github.com/thenexusengine/pubmatic_htb/internal/telemetry"
	"github.com/thenexusengine/pubmatic_htb/internal/timer"
	"github.com/thenexusengine/pubmatic_htb/pkg/logger"
	"github.com/thenexusengine/pubmatic_htb/pkg/redis"
)

// Server represents the HTB relay server
type Server struct {
	config      *ServerConfig
	httpServer  *http.Server
	metrics     *metrics.Metrics
	rateLimiter *middleware.RateLimiter

	db          *sql.DB
	partnerDB   *storage.PartnerStore
	redisClient *redis.Client

	host        *frame.MemoryHost
	timers      *timer.Service
	creatives   *render.MemoryStore
	renderer    *render.Service
	recorder    *telemetry.Recorder
	adapter     *pubmatic.Adapter
	parked      *endpoints.Parked
	partnerConf pubmatic.Config

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewServer creates a new relay server instance
func NewServer(cfg *ServerConfig) (*Server, error) {
	return newServer(cfg, prometheus.DefaultRegisterer)
}

func newServer(cfg *ServerConfig, reg prometheus.Registerer) (*Server, error) {
	s := &Server{
		config: cfg,
		stopCh: make(chan struct{}),
	}

	if err := s.initialize(reg); err != nil {
		return nil, err
	}

	return s, nil
}

// initialize sets up all server components
func (s *Server) initialize(reg prometheus.Registerer) error {
	log := logger.Log

	log.Info().
		Str("port", s.config.Port).
		Dur("max_wait", s.config.MaxWait).
		Str("partner_config", s.config.PartnerConfigFile).
		Msg("Initializing PubMatic HTB relay")

	s.metrics = metrics.NewMetricsWithRegistry("htb", reg)
	log.Info().Msg("Prometheus metrics enabled")

	// Database failures are non-fatal, log and continue
	if err := s.initDatabase(); err != nil {
		log.Warn().Err(err).Msg("Database initialization failed, continuing with file configuration")
	}

	// Redis failures are non-fatal, log and continue
	if err := s.initRedis(); err != nil {
		log.Warn().Err(err).Msg("Redis initialization failed, continuing with in-memory creatives")
	}

	if err := s.initPartner(); err != nil {
		return err
	}

	s.initMiddleware()
	s.initHandlers()
	s.startJanitor()

	return nil
}

// initDatabase initializes database connections
func (s *Server) initDatabase() error {
	log := logger.Log

	if s.config.DatabaseConfig == nil {
		log.Info().Msg("DB_HOST not set, database-backed partner configuration disabled")
		return nil
	}

	dbCfg := s.config.DatabaseConfig
	db, err := storage.NewDBConnection(
		dbCfg.Host,
		dbCfg.Port,
		dbCfg.User,
		dbCfg.Password,
		dbCfg.Name,
		dbCfg.SSLMode,
	)
	if err != nil {
		return err
	}

	s.db = db
	s.partnerDB = storage.NewPartnerStore(db)
	log.Info().Msg("PostgreSQL partner store connected")
	return nil
}

// initRedis initializes the Redis client
func (s *Server) initRedis() error {
	log := logger.Log

	if s.config.RedisURL == "" {
		log.Info().Msg("REDIS_URL not set, creatives kept in memory")
		return nil
	}

	redisCfg := redis.DefaultClientConfig()
	redisCfg.PoolSize = htbconfig.RedisPoolSize
	client, err := redis.NewWithConfig(s.config.RedisURL, redisCfg)
	if err != nil {
		return err
	}

	s.redisClient = client
	log.Info().Msg("Redis client initialized")
	return nil
}

// loadPartnerConfig reads the file configuration and overlays the
// database row when one exists
func (s *Server) loadPartnerConfig() (pubmatic.Config, error) {
	cfg, err := LoadPartnerConfig(s.config.PartnerConfigFile)
	if err != nil {
		return pubmatic.Config{}, err
	}

	if s.partnerDB != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		row, err := s.partnerDB.GetByPartnerID(ctx, pubmatic.PartnerID)
		if err != nil {
			logger.Log.Warn().Err(err).Msg("Failed to load partner configuration from database")
		} else if row != nil {
			applyPartnerRow(&cfg, row)
			logger.Log.Info().Str("partner", row.PartnerID).Msg("Partner configuration loaded from PostgreSQL")
		}
	}

	if cfg.CallbackBaseURL == "" {
		cfg.CallbackBaseURL = s.config.CallbackBaseURL
	}
	return cfg, nil
}

// initPartner builds the partner and everything it dispatches through
func (s *Server) initPartner() error {
	log := logger.Log

	cfg, err := s.loadPartnerConfig()
	if err != nil {
		return err
	}
	s.partnerConf = cfg

	firer := pixel.NewFirer(pixel.DefaultTimeout)
	firer.OnResult = s.metrics.RecordWinNotice

	var store render.CreativeStore
	if s.redisClient != nil {
		store = render.NewRedisStore(s.redisClient)
	} else {
		s.creatives = render.NewMemoryStore()
		store = s.creatives
	}
	s.renderer = render.NewService(store, firer, htbconfig.CreativeTTL)
	s.renderer.OnRender = s.metrics.RecordRender

	emitters := telemetry.Multi{
		telemetry.NewLogEmitter(logger.Analytics()),
		telemetry.NewMetricsEmitter(s.metrics, pubmatic.PartnerID),
	}
	if s.config.AnalyticsEndpoint != "" {
		s.recorder = telemetry.NewRecorder(telemetry.RecorderConfig{
			Endpoint:   s.config.AnalyticsEndpoint,
			BufferSize: htbconfig.DefaultEventBufferSize,
			Breaker:    telemetry.DefaultBreakerConfig(),
			Metrics:    s.metrics,
		})
		emitters = append(emitters, s.recorder)
		log.Info().Str("endpoint", s.config.AnalyticsEndpoint).Msg("Analytics recorder enabled")
	}

	s.host = frame.NewMemoryHost(htbconfig.FrameTTL)
	s.timers = timer.NewService()

	adapter, err := pubmatic.New(cfg, pubmatic.Deps{
		Host:     s.host,
		Registry: callbacks.NewRegistry("headertag." + pubmatic.Namespace),
		Render:   s.renderer,
		Timer:    s.timers,
		Emitter:  emitters,
		Pixel:    firer,
		Metrics:  s.metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create %s partner: %w", pubmatic.PartnerID, err)
	}
	s.adapter = adapter

	log.Info().
		Str("partner", pubmatic.PartnerID).
		Str("version", pubmatic.Version).
		Str("publisher_id", cfg.PublisherID).
		Dur("timeout", cfg.Timeout).
		Str("architecture", string(cfg.Architecture)).
		Bool("redis_creatives", s.redisClient != nil).
		Msg("Partner initialized")
	return nil
}

// initMiddleware initializes middleware that needs shutdown
func (s *Server) initMiddleware() {
	s.rateLimiter = middleware.NewRateLimiter(middleware.DefaultRateLimitConfig())
	s.rateLimiter.OnReject = func() {
		s.metrics.RequestsTotal.WithLabelValues("*", "rate_limited", "429").Inc()
	}
	logger.Log.Info().Msg("Middleware initialized")
}

// initHandlers initializes HTTP handlers and builds the handler chain
func (s *Server) initHandlers() {
	partners := endpoints.Partners{pubmatic.PartnerID: s.adapter}
	s.parked = endpoints.NewParked(htbconfig.DefaultParkTTL)

	mux := http.NewServeMux()
	endpoints.Handlers{
		Demand:    endpoints.NewDemandHandler(partners, s.config.MaxWait, s.parked),
		Frames:    endpoints.NewFrameHandler(s.host),
		Callbacks: endpoints.NewCallbackHandler(partners),
		Unload:    endpoints.NewUnloadHandler(s.timers, s.parked),
		Ads:       endpoints.NewAdHandler(s.renderer),
	}.Register(mux)

	mux.Handle("GET /health", healthHandler())
	mux.Handle("GET /health/ready", readyHandler(s.redisClient, s.db))
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /admin/partner", s.partnerHandler)

	s.httpServer = &http.Server{
		Addr:         ":" + s.config.Port,
		Handler:      s.buildHandler(mux),
		ReadTimeout:  htbconfig.ServerReadTimeout,
		WriteTimeout: htbconfig.ServerWriteTimeout,
		IdleTimeout:  htbconfig.ServerIdleTimeout,
	}
}

// buildHandler builds the middleware chain
func (s *Server) buildHandler(mux *http.ServeMux) http.Handler {
	security := middleware.NewSecurity(nil)
	sizeLimiter := middleware.NewSizeLimiter(middleware.DefaultSizeLimitConfig())

	logger.Log.Info().
		Bool("security_headers_enabled", security.GetConfig().Enabled).
		Int64("max_body_size", sizeLimiter.GetConfig().MaxBodySize).
		Msg("Middleware chain built")

	// Security -> Logging -> Size Limit -> Rate Limit -> Metrics -> Handler
	handler := http.Handler(mux)
	handler = s.metrics.Middleware(handler)
	handler = s.rateLimiter.Middleware(handler)
	handler = sizeLimiter.Middleware(handler)
	handler = middleware.RequestLog(handler)
	handler = security.Middleware(handler)

	return handler
}

// startJanitor sweeps frames, in-memory creatives and pending requests
// that never resolved
func (s *Server) startJanitor() {
	s.host.StartJanitor(htbconfig.JanitorInterval)

	go func() {
		ticker := time.NewTicker(htbconfig.JanitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

func (s *Server) sweep() {
	reaped := s.adapter.Reap(htbconfig.PendingMaxAge)
	pruned := s.timers.Prune(htbconfig.PendingMaxAge)
	swept := 0
	if s.creatives != nil {
		swept = s.creatives.Sweep()
	}
	if reaped > 0 || pruned > 0 || swept > 0 {
		logger.Log.Debug().
			Int("reaped_requests", reaped).
			Int("pruned_sessions", pruned).
			Int("swept_creatives", swept).
			Msg("Janitor sweep")
	}
}

// partnerHandler reports the active partner configuration
func (s *Server) partnerHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	response := map[string]interface{}{
		"partnerId": pubmatic.PartnerID,
		"statsId":   pubmatic.StatsID,
		"version":   pubmatic.Version,
		"config":    s.partnerConf,
		"pending":   s.adapter.Pending(),
		"frames":    s.host.Len(),
	}
	if s.recorder != nil {
		response["analytics"] = s.recorder.Stats()
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Log.Error().Err(err).Msg("failed to encode partner config")
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log := logger.Log
	log.Info().Str("addr", s.httpServer.Addr).Msg("Server listening")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown performs graceful shutdown
func (s *Server) Shutdown(ctx context.Context) error {
	log := logger.Log
	log.Info().Msg("Starting graceful shutdown")

	s.stopOnce.Do(func() { close(s.stopCh) })
	if s.host != nil {
		s.host.Stop()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}

	// Flush pending analytics events
	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			log.Warn().Err(err).Msg("Error flushing analytics recorder")
		} else {
			log.Info().Msg("Analytics recorder flushed")
		}
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing Redis client")
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing database")
		}
	}

	log.Info().Msg("Server stopped gracefully")
	return nil
}

// healthHandler returns a simple liveness check
func healthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := map[string]interface{}{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"version":   pubmatic.Version,
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(health); err != nil {
			logger.Log.Error().Err(err).Msg("failed to encode health response")
		}
	})
}

// readyHandler returns a readiness check with dependency verification
func readyHandler(redisClient *redis.Client, db *sql.DB) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks := make(map[string]interface{})
		allHealthy := true

		check := func(name string, enabled bool, ping func(context.Context) error) {
			if !enabled {
				checks[name] = map[string]interface{}{"status": "disabled"}
				return
			}
			if err := ping(ctx); err != nil {
				checks[name] = map[string]interface{}{
					"status": "unhealthy",
					"error":  err.Error(),
				}
				allHealthy = false
				return
			}
			checks[name] = map[string]interface{}{"status": "healthy"}
		}

		check("redis", redisClient != nil, func(ctx context.Context) error { return redisClient.Ping(ctx) })
		check("postgres", db != nil, func(ctx context.Context) error { return db.PingContext(ctx) })

		status := http.StatusOK
		if !allHealthy {
			status = http.StatusServiceUnavailable
		}

		response := map[string]interface{}{
			"ready":     allHealthy,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"checks":    checks,
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(response); err != nil {
			logger.Log.Error().Err(err).Msg("failed to encode readiness response")
		}
	})
}
