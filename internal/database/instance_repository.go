package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/yourusername/zmexport/internal/zoneminder"
	"go.uber.org/zap"
)

// InstanceRepository는 ZoneMinder 인스턴스 데이터 액세스 레이어입니다
type InstanceRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewInstanceRepository는 새로운 InstanceRepository를 생성합니다
func NewInstanceRepository(db *DB, logger *zap.Logger) *InstanceRepository {
	return &InstanceRepository{
		db:     db,
		logger: logger,
	}
}

// Create는 새로운 인스턴스를 저장하고 ID를 채웁니다
func (r *InstanceRepository) Create(ctx context.Context, inst *zoneminder.Instance) error {
	query := `
		INSERT INTO zoneminder_instances (url_server, username, password, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`

	now := time.Now()
	result, err := r.db.Conn().ExecContext(ctx, query, inst.BaseURL, inst.Username, inst.Password, now, now)
	if err != nil {
		return fmt.Errorf("failed to create instance: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read instance id: %w", err)
	}
	inst.ID = int(id)

	r.logger.Info("Instance created",
		zap.Int("id", inst.ID),
		zap.String("url", inst.BaseURL),
	)

	return nil
}

// Get은 ID로 인스턴스를 조회합니다
func (r *InstanceRepository) Get(ctx context.Context, id int) (*zoneminder.Instance, error) {
	query := `
		SELECT id, url_server, username, password
		FROM zoneminder_instances
		WHERE id = ?
	`

	inst := &zoneminder.Instance{}
	err := r.db.Conn().QueryRowContext(ctx, query, id).Scan(
		&inst.ID,
		&inst.BaseURL,
		&inst.Username,
		&inst.Password,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("instance %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}

	return inst, nil
}

// List는 모든 인스턴스를 조회합니다
func (r *InstanceRepository) List(ctx context.Context) ([]*zoneminder.Instance, error) {
	query := `
		SELECT id, url_server, username, password
		FROM zoneminder_instances
		ORDER BY id
	`

	rows, err := r.db.Conn().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	defer rows.Close()

	var instances []*zoneminder.Instance
	for rows.Next() {
		inst := &zoneminder.Instance{}
		if err := rows.Scan(&inst.ID, &inst.BaseURL, &inst.Username, &inst.Password); err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, inst)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}

	return instances, nil
}

// Delete는 인스턴스와 소속 카메라를 삭제합니다
func (r *InstanceRepository) Delete(ctx context.Context, id int) error {
	result, err := r.db.Conn().ExecContext(ctx, `DELETE FROM zoneminder_instances WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete instance: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("instance %d: %w", id, ErrNotFound)
	}

	r.logger.Info("Instance deleted", zap.Int("id", id))
	return nil
}
