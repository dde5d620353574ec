package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Recording은 동기화된 녹화 메타데이터 행입니다
type Recording struct {
	ID           int       `json:"id"`
	CameraID     int       `json:"cameraId"`
	EventID      string    `json:"eventId"`
	RecordingURL string    `json:"recordingUrl"`
	StartTime    time.Time `json:"startTime"`
	EndTime      time.Time `json:"endTime"`
}

// RecordingRepository는 녹화 메타데이터 액세스 레이어입니다
type RecordingRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewRecordingRepository는 새로운 RecordingRepository를 생성합니다
func NewRecordingRepository(db *DB, logger *zap.Logger) *RecordingRepository {
	return &RecordingRepository{
		db:     db,
		logger: logger,
	}
}

// Create는 녹화 행을 저장합니다
func (r *RecordingRepository) Create(ctx context.Context, rec *Recording) error {
	query := `
		INSERT INTO recordings (camera_id, event_id, recording_url, start_time, end_time)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := r.db.Conn().ExecContext(ctx, query, rec.CameraID, rec.EventID, rec.RecordingURL, rec.StartTime, rec.EndTime)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("recording %s: %w", rec.EventID, ErrDuplicate)
		}
		return fmt.Errorf("failed to create recording: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read recording id: %w", err)
	}
	rec.ID = int(id)

	return nil
}

// FindByEventID는 카메라와 이벤트 ID로 녹화를 찾습니다
func (r *RecordingRepository) FindByEventID(ctx context.Context, cameraID int, eventID string) (*Recording, error) {
	query := `
		SELECT id, camera_id, event_id, recording_url, start_time, end_time
		FROM recordings
		WHERE camera_id = ? AND event_id = ?
	`

	rec := &Recording{}
	err := r.db.Conn().QueryRowContext(ctx, query, cameraID, eventID).Scan(
		&rec.ID,
		&rec.CameraID,
		&rec.EventID,
		&rec.RecordingURL,
		&rec.StartTime,
		&rec.EndTime,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("recording %s of camera %d: %w", eventID, cameraID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recording: %w", err)
	}

	return rec, nil
}

// ListByCamera는 카메라의 녹화를 시작 시각 순으로 조회합니다
func (r *RecordingRepository) ListByCamera(ctx context.Context, cameraID int) ([]*Recording, error) {
	query := `
		SELECT id, camera_id, event_id, recording_url, start_time, end_time
		FROM recordings
		WHERE camera_id = ?
		ORDER BY start_time
	`

	rows, err := r.db.Conn().QueryContext(ctx, query, cameraID)
	if err != nil {
		return nil, fmt.Errorf("failed to query recordings: %w", err)
	}
	defer rows.Close()

	recordings := []*Recording{}
	for rows.Next() {
		rec := &Recording{}
		if err := rows.Scan(&rec.ID, &rec.CameraID, &rec.EventID, &rec.RecordingURL, &rec.StartTime, &rec.EndTime); err != nil {
			return nil, fmt.Errorf("failed to scan recording: %w", err)
		}
		recordings = append(recordings, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating recordings: %w", err)
	}

	return recordings, nil
}

// Count는 녹화 행 개수를 반환합니다
func (r *RecordingRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.Conn().QueryRowContext(ctx, `SELECT COUNT(*) FROM recordings`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count recordings: %w", err)
	}
	return count, nil
}
