package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Camera는 인스턴스에 등록된 카메라(ZoneMinder monitor)입니다
type Camera struct {
	ID              int       `json:"id"`
	InstanceID      int       `json:"zoneminderInstanceId"`
	MonitorID       int       `json:"monitorId"`
	Name            string    `json:"name"`
	Coordinates     string    `json:"coordinates,omitempty"`
	URL             string    `json:"url"`
	IsSavingRecords bool      `json:"isSavingRecords"`
	CreatedAt       time.Time `json:"createdAt"`
}

// CameraRepository는 카메라 데이터 액세스 레이어입니다
type CameraRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewCameraRepository는 새로운 CameraRepository를 생성합니다
func NewCameraRepository(db *DB, logger *zap.Logger) *CameraRepository {
	return &CameraRepository{
		db:     db,
		logger: logger,
	}
}

const cameraColumns = `id, zoneminder_instance_id, monitor_id, name, COALESCE(coordinates, ''), url, is_saving_records, created_at`

func scanCamera(row interface{ Scan(...any) error }) (*Camera, error) {
	cam := &Camera{}
	err := row.Scan(
		&cam.ID,
		&cam.InstanceID,
		&cam.MonitorID,
		&cam.Name,
		&cam.Coordinates,
		&cam.URL,
		&cam.IsSavingRecords,
		&cam.CreatedAt,
	)
	return cam, err
}

// Create는 새로운 카메라를 저장합니다
func (r *CameraRepository) Create(ctx context.Context, cam *Camera) error {
	query := `
		INSERT INTO cameras (zoneminder_instance_id, monitor_id, name, coordinates, url, is_saving_records, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	cam.CreatedAt = time.Now()
	result, err := r.db.Conn().ExecContext(ctx, query,
		cam.InstanceID,
		cam.MonitorID,
		cam.Name,
		cam.Coordinates,
		cam.URL,
		cam.IsSavingRecords,
		cam.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("camera for monitor %d: %w", cam.MonitorID, ErrDuplicate)
		}
		return fmt.Errorf("failed to create camera: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read camera id: %w", err)
	}
	cam.ID = int(id)

	r.logger.Info("Camera created",
		zap.Int("id", cam.ID),
		zap.Int("instance_id", cam.InstanceID),
		zap.Int("monitor_id", cam.MonitorID),
		zap.String("name", cam.Name),
	)

	return nil
}

// Get은 ID로 카메라를 조회합니다
func (r *CameraRepository) Get(ctx context.Context, id int) (*Camera, error) {
	row := r.db.Conn().QueryRowContext(ctx, `SELECT `+cameraColumns+` FROM cameras WHERE id = ?`, id)

	cam, err := scanCamera(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("camera %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get camera: %w", err)
	}

	return cam, nil
}

// GetForInstance는 인스턴스 범위 안에서 카메라를 조회합니다
func (r *CameraRepository) GetForInstance(ctx context.Context, instanceID, cameraID int) (*Camera, error) {
	row := r.db.Conn().QueryRowContext(ctx,
		`SELECT `+cameraColumns+` FROM cameras WHERE id = ? AND zoneminder_instance_id = ?`,
		cameraID, instanceID,
	)

	cam, err := scanCamera(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("camera %d of instance %d: %w", cameraID, instanceID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get camera: %w", err)
	}

	return cam, nil
}

// List는 모든 카메라를 조회합니다
func (r *CameraRepository) List(ctx context.Context) ([]*Camera, error) {
	return r.query(ctx, `SELECT `+cameraColumns+` FROM cameras ORDER BY id`)
}

// ListByInstance는 인스턴스에 속한 카메라를 조회합니다
func (r *CameraRepository) ListByInstance(ctx context.Context, instanceID int) ([]*Camera, error) {
	return r.query(ctx, `SELECT `+cameraColumns+` FROM cameras WHERE zoneminder_instance_id = ? ORDER BY id`, instanceID)
}

func (r *CameraRepository) query(ctx context.Context, query string, args ...any) ([]*Camera, error) {
	rows, err := r.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cameras: %w", err)
	}
	defer rows.Close()

	cameras := []*Camera{}
	for rows.Next() {
		cam, err := scanCamera(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan camera: %w", err)
		}
		cameras = append(cameras, cam)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cameras: %w", err)
	}

	return cameras, nil
}
