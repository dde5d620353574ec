package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/yourusername/zmexport/internal/archive"
	"github.com/yourusername/zmexport/internal/database"
	"github.com/yourusername/zmexport/internal/export"
	"github.com/yourusername/zmexport/internal/zoneminder"
	"go.uber.org/zap"
)

// Exporter는 export 요청을 sink에 기록합니다
type Exporter interface {
	Export(ctx context.Context, req export.Request, sink archive.Sink) (*export.Manifest, error)
	Location() *time.Location
}

// RecordingClient는 원격 녹화 목록 조회와 다운로드 프록시를 제공합니다
type RecordingClient interface {
	ListRecordings(ctx context.Context, instance *zoneminder.Instance, monitorID int) ([]zoneminder.Recording, error)
	ProxyDownload(ctx context.Context, instance *zoneminder.Instance, eventID string) (*zoneminder.Media, error)
}

// Server는 HTTP API 서버입니다
type Server struct {
	logger     *zap.Logger
	httpServer *http.Server
	router     *gin.Engine
	port       int

	readTimeout  time.Duration
	writeTimeout time.Duration

	exporter   Exporter
	sinkMode   string
	instances  *database.InstanceRepository
	cameras    *database.CameraRepository
	recordings RecordingClient

	// 핸들러
	healthHandler    func() map[string]interface{}
	syncHandler      func(ctx context.Context) (interface{}, error)
	websocketHandler func(http.ResponseWriter, *http.Request)
	metricsHandler   http.Handler
	metricsPath      string
}

// ServerConfig는 API 서버 설정
type ServerConfig struct {
	Port         int
	Production   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration // 0이면 무제한
	Logger       *zap.Logger

	Exporter   Exporter
	SinkMode   string // stream 또는 buffer
	Instances  *database.InstanceRepository
	Cameras    *database.CameraRepository
	Recordings RecordingClient

	HealthHandler    func() map[string]interface{}
	SyncHandler      func(ctx context.Context) (interface{}, error)
	WebSocketHandler func(http.ResponseWriter, *http.Request)
	MetricsHandler   http.Handler
	MetricsPath      string
}

// NewServer는 새로운 API 서버를 생성합니다
func NewServer(config ServerConfig) *Server {
	if !config.Production {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(loggerMiddleware(config.Logger))

	server := &Server{
		logger:           config.Logger,
		router:           router,
		port:             config.Port,
		readTimeout:      config.ReadTimeout,
		writeTimeout:     config.WriteTimeout,
		exporter:         config.Exporter,
		sinkMode:         config.SinkMode,
		instances:        config.Instances,
		cameras:          config.Cameras,
		recordings:       config.Recordings,
		healthHandler:    config.HealthHandler,
		syncHandler:      config.SyncHandler,
		websocketHandler: config.WebSocketHandler,
		metricsHandler:   config.MetricsHandler,
		metricsPath:      config.MetricsPath,
	}

	server.setupRoutes()

	return server
}

// setupRoutes는 라우트를 설정합니다
func (s *Server) setupRoutes() {
	// Health check
	s.router.GET("/health", s.handleHealth)

	if s.metricsHandler != nil {
		path := s.metricsPath
		if path == "" {
			path = "/metrics"
		}
		s.router.GET(path, gin.WrapH(s.metricsHandler))
	}

	api := s.router.Group("/api")
	{
		api.POST("/export/zip", s.handleExportZip)

		api.GET("/recordings/instance/:instanceId/camera/:cameraId", s.handleListRecordings)
		api.GET("/recordings/instance/:instanceId/download/:eventId", s.handleDownloadRecording)

		api.GET("/zoneminder", s.handleListInstances)
		api.GET("/zoneminder/:id", s.handleGetInstance)
		api.POST("/zoneminder", s.handleCreateInstance)

		api.GET("/cameras", s.handleListCameras)
		api.GET("/cameras/:id", s.handleGetCamera)
		api.POST("/cameras", s.handleCreateCamera)

		if s.syncHandler != nil {
			api.POST("/sync", s.handleSync)
		}
	}

	// 진행 이벤트 WebSocket
	if s.websocketHandler != nil {
		s.router.GET("/ws/exports", gin.WrapF(s.websocketHandler))
	}
}

// Handler는 라우터를 반환합니다
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start는 API 서버를 시작합니다
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting API server",
		zap.String("addr", addr),
	)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop은 진행 중인 요청을 기다린 뒤 API 서버를 종료합니다
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server")

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

// handleHealth는 헬스 체크를 처리합니다
func (s *Server) handleHealth(c *gin.Context) {
	var health map[string]interface{}

	if s.healthHandler != nil {
		health = s.healthHandler()
	} else {
		health = map[string]interface{}{
			"status": "ok",
			"time":   time.Now().UTC(),
		}
	}

	c.JSON(http.StatusOK, health)
}

// handleSync는 녹화 동기화를 즉시 실행합니다
func (s *Server) handleSync(c *gin.Context) {
	result, err := s.syncHandler(c.Request.Context())
	if err != nil {
		s.logger.Error("Manual sync failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync failed"})
		return
	}

	c.JSON(http.StatusOK, result)
}

// corsMiddleware는 CORS 미들웨어입니다
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Content-Disposition")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// loggerMiddleware는 로깅 미들웨어입니다
func loggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Int("size", c.Writer.Size()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		)
	}
}
