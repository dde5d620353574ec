package recsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yourusername/zmexport/internal/database"
	"github.com/yourusername/zmexport/internal/export"
	"github.com/yourusername/zmexport/internal/metrics"
	"github.com/yourusername/zmexport/internal/zoneminder"
	"go.uber.org/zap"
)

// Lister는 모니터의 녹화 목록을 가져옵니다
type Lister interface {
	ListRecordings(ctx context.Context, instance *zoneminder.Instance, monitorID int) ([]zoneminder.Recording, error)
}

// Syncer는 주기적으로 원격 녹화 메타데이터를 DB에 반영합니다
type Syncer struct {
	instances  *database.InstanceRepository
	cameras    *database.CameraRepository
	recordings *database.RecordingRepository
	lister     Lister
	logger     *zap.Logger
	interval   time.Duration
	location   *time.Location

	runMutex sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config는 Syncer 설정
type Config struct {
	Instances  *database.InstanceRepository
	Cameras    *database.CameraRepository
	Recordings *database.RecordingRepository
	Lister     Lister
	Logger     *zap.Logger
	Interval   time.Duration
	Location   *time.Location
}

// Result는 한 번의 동기화 결과입니다
type Result struct {
	Instances int `json:"instances"`
	Cameras   int `json:"cameras"`
	Listed    int `json:"listed"`
	Inserted  int `json:"inserted"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// NewSyncer는 새로운 Syncer를 생성합니다
func NewSyncer(config Config) *Syncer {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Interval <= 0 {
		config.Interval = time.Hour
	}
	if config.Location == nil {
		config.Location = time.Local
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Syncer{
		instances:  config.Instances,
		cameras:    config.Cameras,
		recordings: config.Recordings,
		lister:     config.Lister,
		logger:     config.Logger,
		interval:   config.Interval,
		location:   config.Location,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start는 즉시 한 번 동기화하고 이후 interval마다 반복합니다
func (s *Syncer) Start() {
	s.logger.Info("Starting recording sync",
		zap.Duration("interval", s.interval),
	)

	s.wg.Add(1)
	go s.loop()
}

// Stop은 동기화 루프를 멈추고 진행 중인 사이클이 끝날 때까지 기다립니다
func (s *Syncer) Stop() {
	s.logger.Info("Stopping recording sync")
	s.cancel()
	s.wg.Wait()
}

func (s *Syncer) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("Recording sync cycle failed", zap.Error(err))
		}

		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce는 모든 인스턴스의 모든 카메라를 한 번 동기화합니다.
// 카메라 단위 실패는 로그만 남기고 다음 카메라로 진행합니다.
func (s *Syncer) RunOnce(ctx context.Context) (Result, error) {
	s.runMutex.Lock()
	defer s.runMutex.Unlock()

	var result Result
	started := time.Now()

	instances, err := s.instances.List(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to list instances: %w", err)
	}

	for _, inst := range instances {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Instances++

		cameras, err := s.cameras.ListByInstance(ctx, inst.ID)
		if err != nil {
			result.Errors++
			s.logger.Warn("Failed to list cameras",
				zap.Int("instance_id", inst.ID),
				zap.Error(err),
			)
			continue
		}

		for _, cam := range cameras {
			result.Cameras++
			if err := s.syncCamera(ctx, inst, cam, &result); err != nil {
				result.Errors++
				s.logger.Warn("Failed to sync camera",
					zap.Int("instance_id", inst.ID),
					zap.Int("camera_id", cam.ID),
					zap.Error(err),
				)
			}
		}
	}

	s.logger.Info("Recording sync cycle finished",
		zap.Int("instances", result.Instances),
		zap.Int("cameras", result.Cameras),
		zap.Int("inserted", result.Inserted),
		zap.Int("errors", result.Errors),
		zap.Duration("elapsed", time.Since(started)),
	)

	return result, nil
}

func (s *Syncer) syncCamera(ctx context.Context, inst *zoneminder.Instance, cam *database.Camera, result *Result) error {
	recs, err := s.lister.ListRecordings(ctx, inst, cam.MonitorID)
	if err != nil {
		return err
	}
	result.Listed += len(recs)

	for _, rec := range recs {
		_, err := s.recordings.FindByEventID(ctx, cam.ID, rec.EventID)
		if err == nil {
			continue
		}
		if !errors.Is(err, database.ErrNotFound) {
			return err
		}

		start, err := export.ParseTimestamp(rec.StartTime, s.location)
		if err != nil {
			result.Skipped++
			continue
		}
		length, err := export.ParseLength(rec.Length)
		if err != nil {
			result.Skipped++
			continue
		}

		row := &database.Recording{
			CameraID:     cam.ID,
			EventID:      rec.EventID,
			RecordingURL: rec.DownloadURL,
			StartTime:    start,
			EndTime:      start.Add(length),
		}
		if err := s.recordings.Create(ctx, row); err != nil {
			return err
		}

		result.Inserted++
		metrics.SyncedRecordings.Inc()
		s.logger.Debug("Recording synced",
			zap.Int("camera_id", cam.ID),
			zap.String("camera", cam.Name),
			zap.String("event_id", rec.EventID),
		)
	}

	return nil
}
