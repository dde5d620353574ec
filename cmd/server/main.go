package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/yourusername/zmexport/internal/api"
	"github.com/yourusername/zmexport/internal/core"
	"github.com/yourusername/zmexport/internal/database"
	"github.com/yourusername/zmexport/internal/export"
	"github.com/yourusername/zmexport/internal/metrics"
	"github.com/yourusername/zmexport/internal/progress"
	"github.com/yourusername/zmexport/internal/recsync"
	"github.com/yourusername/zmexport/internal/zoneminder"
	"github.com/yourusername/zmexport/pkg/logger"
	"go.uber.org/zap"
)

const (
	defaultConfigPath = "configs/config.yaml"
	version           = "0.1.0"
	shutdownTimeout   = 30 * time.Second
)

func main() {
	// 커맨드라인 플래그 파싱
	configPath := flag.String("config", defaultConfigPath, "설정 파일 경로")
	showVersion := flag.Bool("version", false, "버전 정보 출력")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ZoneMinder Export Server v%s\n", version)
		fmt.Printf("Go version: %s\n", runtime.Version())
		fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	// 설정 로드
	config, err := core.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 로거 초기화
	if err := logger.InitLogger(logger.LogConfig{
		Level:      config.Logging.Level,
		Output:     config.Logging.Output,
		FilePath:   config.Logging.FilePath,
		MaxSize:    config.Logging.MaxSize,
		MaxBackups: config.Logging.MaxBackups,
		MaxAge:     config.Logging.MaxAge,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	logger.Info("Starting ZoneMinder Export Server",
		zap.String("version", version),
		zap.String("go_version", runtime.Version()),
		zap.Int("num_cpu", runtime.NumCPU()),
	)

	logger.Info("Server configuration",
		zap.Int("http_port", config.Server.HTTPPort),
		zap.Bool("production", config.Server.Production),
		zap.String("export_sink", config.Export.Sink),
		zap.Int("max_concurrent_downloads", config.Export.MaxConcurrentDownloads),
		zap.Bool("sync_enabled", config.Sync.Enabled),
	)

	app, err := initializeApplication(config)
	if err != nil {
		logger.Fatal("Failed to initialize application", zap.Error(err))
	}
	defer app.cleanup()

	if err := app.apiServer.Start(); err != nil {
		logger.Fatal("Failed to start API server", zap.Error(err))
	}
	if app.syncer != nil {
		app.syncer.Start()
	}

	logger.Info("All components initialized successfully")

	// 종료 시그널 대기
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Server is running. Press Ctrl+C to stop.")

	sig := <-sigChan
	logger.Info("Received shutdown signal",
		zap.String("signal", sig.String()),
	)
}

// Application은 애플리케이션 컴포넌트들을 관리합니다
type Application struct {
	config      *core.Config
	db          *database.DB
	credentials *zoneminder.CredentialCache
	hub         *progress.Hub
	syncer      *recsync.Syncer
	apiServer   *api.Server
}

// initializeApplication은 애플리케이션을 초기화합니다
func initializeApplication(config *core.Config) (*Application, error) {
	app := &Application{config: config}

	location, err := config.Export.Location()
	if err != nil {
		return nil, fmt.Errorf("failed to load export timezone: %w", err)
	}

	// 1. 데이터베이스
	app.db, err = database.New(config.Database.Path, logger.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	instances := database.NewInstanceRepository(app.db, logger.Log)
	cameras := database.NewCameraRepository(app.db, logger.Log)
	recordings := database.NewRecordingRepository(app.db, logger.Log)
	logger.Info("Database initialized", zap.String("path", config.Database.Path))

	// 2. ZoneMinder 클라이언트와 인증 캐시
	app.credentials = zoneminder.NewCredentialCache(zoneminder.CredentialCacheConfig{
		HTTPClient: &http.Client{Timeout: config.ZoneMinder.RequestTimeoutDuration()},
		Logger:     logger.Log.Named("credentials"),
		TTL:        config.ZoneMinder.CredentialTTLDuration(),
	})
	client := zoneminder.NewClient(zoneminder.ClientConfig{
		Credentials:     app.credentials,
		Logger:          logger.Log.Named("zoneminder"),
		RequestTimeout:  config.ZoneMinder.RequestTimeoutDuration(),
		DownloadTimeout: config.ZoneMinder.DownloadTimeoutDuration(),
		PublicBaseURL:   config.Server.PublicBaseURL,
	})
	logger.Info("ZoneMinder client initialized")

	// 3. 진행 이벤트 허브
	app.hub = progress.NewHub(progress.HubConfig{Logger: logger.Log.Named("progress")})

	// 4. export 서비스
	if config.Export.SpoolDir != "" {
		if err := os.MkdirAll(config.Export.SpoolDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create spool directory: %w", err)
		}
	}
	exporter := export.NewService(export.Config{
		Store:                  database.NewStore(instances, cameras),
		Source:                 client,
		Publisher:              app.hub,
		Logger:                 logger.Log.Named("export"),
		MaxConcurrentDownloads: config.Export.MaxConcurrentDownloads,
		SpoolDir:               config.Export.SpoolDir,
		IncludeManifest:        config.Export.IncludeManifest,
		Location:               location,
	})
	logger.Info("Export service initialized")

	// 5. 녹화 동기화
	app.syncer = recsync.NewSyncer(recsync.Config{
		Instances:  instances,
		Cameras:    cameras,
		Recordings: recordings,
		Lister:     client,
		Logger:     logger.Log.Named("recsync"),
		Interval:   config.Sync.IntervalDuration(),
		Location:   location,
	})
	syncer := app.syncer
	if !config.Sync.Enabled {
		// 수동 동기화(/api/sync)는 계속 사용
		app.syncer = nil
	}

	// 6. API 서버
	serverConfig := api.ServerConfig{
		Port:         config.Server.HTTPPort,
		Production:   config.Server.Production,
		ReadTimeout:  time.Duration(config.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(config.Server.WriteTimeout) * time.Second,
		Logger:       logger.Log.Named("api"),
		Exporter:     exporter,
		SinkMode:     config.Export.Sink,
		Instances:    instances,
		Cameras:      cameras,
		Recordings:   client,
		HealthHandler: func() map[string]interface{} {
			return map[string]interface{}{
				"status":             "ok",
				"version":            version,
				"time":               time.Now().UTC(),
				"cached_credentials": app.credentials.Len(),
				"progress_clients":   app.hub.ClientCount(),
			}
		},
		SyncHandler: func(ctx context.Context) (interface{}, error) {
			return syncer.RunOnce(ctx)
		},
		WebSocketHandler: app.hub.HandleWebSocket,
	}
	if config.Metrics.Enabled {
		serverConfig.MetricsHandler = metrics.Handler()
		serverConfig.MetricsPath = config.Metrics.Path
	}
	app.apiServer = api.NewServer(serverConfig)
	logger.Info("API server initialized")

	return app, nil
}

// cleanup은 애플리케이션 리소스를 정리합니다
func (app *Application) cleanup() {
	logger.Info("Cleaning up application resources")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if app.apiServer != nil {
		if err := app.apiServer.Stop(ctx); err != nil {
			logger.Warn("API server shutdown incomplete", zap.Error(err))
		}
	}

	if app.syncer != nil {
		app.syncer.Stop()
	}

	if app.hub != nil {
		app.hub.Close()
	}

	if app.db != nil {
		if err := app.db.Close(); err != nil {
			logger.Warn("Failed to close database", zap.Error(err))
		}
	}

	logger.Info("Cleanup completed")
}
