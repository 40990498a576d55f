package rest

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenDeviceProxy/internal/api/websocket"
	"github.com/KevinKickass/OpenDeviceProxy/internal/config"
	"github.com/KevinKickass/OpenDeviceProxy/internal/interfaces"
	"github.com/KevinKickass/OpenDeviceProxy/internal/metrics"
)

type Server struct {
	router  *gin.Engine
	lm      interfaces.LifecycleManager
	logger  *zap.Logger
	server  *http.Server
	wsHub   *websocket.Hub
	metrics *metrics.Metrics
	tls     config.ServerConfig
}

func NewServer(cfg *config.Config, lm interfaces.LifecycleManager, wsHub *websocket.Hub, m *metrics.Metrics, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:  gin.New(),
		lm:      lm,
		logger:  logger,
		wsHub:   wsHub,
		metrics: m,
		tls:     cfg.Server,
	}

	s.setupRoutes()

	// proxy calls may wait up to max_timeout for the device
	writeTimeout := cfg.Proxy.MaxTimeout + 5*time.Second

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}

	s.logger.Info("Starting REST API server",
		zap.String("address", s.server.Addr),
		zap.Bool("tls", s.tls.TLSEnabled()))
	go func() {
		var err error
		if s.tls.TLSEnabled() {
			err = s.server.ServeTLS(lis, s.tls.TLSCertFile, s.tls.TLSKeyFile)
		} else {
			err = s.server.Serve(lis)
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/system/status", s.getSystemStatus)

		devices := v1.Group("/devices")
		{
			devices.GET("", s.listDevices)
			devices.GET("/:device", s.getDevice)
			devices.DELETE("/:device", s.forgetDevice)
			devices.GET("/:device/endpoints", s.listEndpoints)
			devices.GET("/:device/topics", s.listTopics)
			devices.GET("/:device/types", s.listTypes)
			devices.POST("/:device/reschema", s.reschemaDevice)

			devices.POST("/:device/proxy", s.proxyEndpoint)
			devices.POST("/:device/publish", s.publishTopic)

			devices.GET("/:device/history/:category", s.getHistory)
			devices.GET("/:device/logs", s.getLogs)
			devices.GET("/:device/archive/:category", s.getArchive)
			devices.GET("/:device/topics/messages", s.getTopicMessages)
		}

		ws := v1.Group("/ws")
		{
			ws.GET("/topics", s.wsTopics)
			ws.GET("/status", s.wsStatus)
		}
	}
}

func (s *Server) wsTopics(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
	})
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}
