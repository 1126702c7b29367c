// internal/server/server.go
package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"energy-assistant/internal/common/config"
	"energy-assistant/internal/common/database"
	"energy-assistant/internal/common/errors"
	"energy-assistant/internal/common/logger"
	"energy-assistant/internal/common/observability"
	"energy-assistant/internal/llm"
	"energy-assistant/internal/pipeline"
	"energy-assistant/internal/telemetry"
)

// Server exposes the chat pipeline and the direct telemetry query API over
// HTTP.
type Server struct {
	config       *config.Config
	logger       logger.Logger
	orchestrator *pipeline.Orchestrator
	factory      *llm.Factory
	engine       *telemetry.Engine
	db           *database.PostgresClient
	redis        *database.RedisClient
	obs          *observability.Observability
	errorHandler *errors.ErrorHandler
	httpServer   *http.Server
}

// NewServer assembles the HTTP surface. obs may be nil, in which case no
// request metrics are recorded.
func NewServer(
	cfg *config.Config,
	log logger.Logger,
	orchestrator *pipeline.Orchestrator,
	factory *llm.Factory,
	engine *telemetry.Engine,
	db *database.PostgresClient,
	redis *database.RedisClient,
	obs *observability.Observability,
) *Server {
	httpLog := log.WithFields(map[string]interface{}{"component": "http"})
	return &Server{
		config:       cfg,
		logger:       httpLog,
		orchestrator: orchestrator,
		factory:      factory,
		engine:       engine,
		db:           db,
		redis:        redis,
		obs:          obs,
		errorHandler: errors.NewErrorHandler(httpLog),
	}
}

// Router builds the gin engine with all middleware and routes attached.
func (s *Server) Router() *gin.Engine {
	if s.config.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(RequestID())
	router.Use(RequestLogger(s.logger))
	router.Use(Recovery(s.logger))
	router.Use(CORS())
	if s.obs != nil {
		router.Use(RequestMetrics(s.obs))
	}

	router.GET("/health", s.handleHealth)
	router.GET("/ready", s.handleReady)
	if s.config.Observability.MetricsEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	api := router.Group("/api/v1")
	api.Use(RequireUser())
	{
		api.POST("/chat", s.handleChat)
		api.GET("/providers", s.handleListProviders)
		api.POST("/telemetry/query", s.handleTelemetryQuery)
	}

	return router
}

// Start blocks serving requests until Shutdown is called or the listener
// fails.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.config.Server.Addr(),
		Handler:      s.Router(),
		ReadTimeout:  config.GetDuration(s.config.Server.ReadTimeout),
		WriteTimeout: config.GetDuration(s.config.Server.WriteTimeout),
	}

	s.logger.Info("http server listening", map[string]interface{}{
		"addr": s.config.Server.Addr(),
	})

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
