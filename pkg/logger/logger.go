package logger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// Log는 전역 로거 인스턴스 (InitLogger 전에는 no-op)
	Log = zap.NewNop()

	mu         sync.Mutex
	logConfig  *LogConfig
	fileWriter *lumberjack.Logger
	cancel     context.CancelFunc
)

// LogConfig는 로거 설정
type LogConfig struct {
	Level      string
	Output     string // console, file, both
	FilePath   string
	MaxSize    int
	MaxBackups int
	MaxAge     int
}

// InitLogger는 전역 zap 로거를 초기화합니다
func InitLogger(cfg LogConfig) error {
	mu.Lock()
	defer mu.Unlock()

	logConfig = &cfg

	l, w, err := build(cfg)
	if err != nil {
		return err
	}
	Log = l
	fileWriter = w

	// 파일 출력이 켜져 있으면 자정마다 새 날짜 파일로 교체
	if w != nil {
		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		go dailyRotation(ctx)
	}

	return nil
}

// New는 전역 상태를 건드리지 않는 독립 로거를 생성합니다
func New(cfg LogConfig) (*zap.Logger, error) {
	l, _, err := build(cfg)
	return l, err
}

// build는 설정에 맞는 코어와 파일 writer를 만듭니다
func build(cfg LogConfig) (*zap.Logger, *lumberjack.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	consoleConfig := encoderConfig
	consoleConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleEncoder := zapcore.NewConsoleEncoder(consoleConfig)
	fileEncoder := zapcore.NewJSONEncoder(encoderConfig)

	var (
		core zapcore.Core
		w    *lumberjack.Logger
	)

	switch cfg.Output {
	case "file":
		w, err = fileWriterFor(cfg)
		if err != nil {
			return nil, nil, err
		}
		core = zapcore.NewCore(fileEncoder, zapcore.AddSync(w), level)
	case "both":
		w, err = fileWriterFor(cfg)
		if err != nil {
			return nil, nil, err
		}
		core = zapcore.NewTee(
			zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
			zapcore.NewCore(fileEncoder, zapcore.AddSync(w), level),
		)
	default:
		core = zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level)
	}

	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), w, nil
}

// fileWriterFor는 날짜별 로그 파일 writer를 생성합니다
func fileWriterFor(cfg LogConfig) (*lumberjack.Logger, error) {
	if cfg.FilePath == "" {
		return nil, fmt.Errorf("log file_path is required for output %q", cfg.Output)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	return &lumberjack.Logger{
		Filename:   DailyFilePath(cfg.FilePath, time.Now()),
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		LocalTime:  true,
		Compress:   true,
	}, nil
}

// DailyFilePath는 logs/zmexport.log -> logs/zmexport-2025-11-17.log 형태의 경로를 반환합니다
func DailyFilePath(basePath string, day time.Time) string {
	ext := filepath.Ext(basePath)
	name := strings.TrimSuffix(basePath, ext)
	return fmt.Sprintf("%s-%s%s", name, day.Format("2006-01-02"), ext)
}

// dailyRotation은 매일 자정에 로거를 재초기화합니다
func dailyRotation(ctx context.Context) {
	for {
		now := time.Now()
		tomorrow := now.AddDate(0, 0, 1)
		midnight := time.Date(tomorrow.Year(), tomorrow.Month(), tomorrow.Day(), 0, 0, 0, 0, now.Location())

		select {
		case <-time.After(midnight.Sub(now)):
			mu.Lock()
			if logConfig != nil {
				_ = Log.Sync()
				if fileWriter != nil {
					_ = fileWriter.Close()
				}
				if l, w, err := build(*logConfig); err == nil {
					Log = l
					fileWriter = w
				}
			}
			mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

// Close는 로거를 종료하고 리소스를 정리합니다
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if cancel != nil {
		cancel()
	}
	_ = Log.Sync()
	if fileWriter != nil {
		_ = fileWriter.Close()
	}
}

// Sync는 로거 버퍼를 플러시합니다
func Sync() {
	_ = Log.Sync()
}

// Mask는 비밀번호나 토큰을 로그에 남길 수 있는 형태로 가립니다
func Mask(secret string) string {
	if len(secret) <= 4 {
		return "***"
	}
	return secret[:2] + "***" + secret[len(secret)-2:]
}

// Info는 info 레벨 로그를 출력합니다
func Info(msg string, fields ...zap.Field) {
	Log.Info(msg, fields...)
}

// Warn는 warn 레벨 로그를 출력합니다
func Warn(msg string, fields ...zap.Field) {
	Log.Warn(msg, fields...)
}

// Error는 error 레벨 로그를 출력합니다
func Error(msg string, fields ...zap.Field) {
	Log.Error(msg, fields...)
}

// Fatal는 fatal 레벨 로그를 출력하고 프로그램을 종료합니다
func Fatal(msg string, fields ...zap.Field) {
	Log.Fatal(msg, fields...)
}
