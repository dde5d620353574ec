package database

import (
	"context"

	"github.com/yourusername/zmexport/internal/zoneminder"
)

// Store는 export가 사용하는 읽기 전용 조회 창구입니다
type Store struct {
	Instances *InstanceRepository
	Cameras   *CameraRepository
}

// NewStore는 두 repository를 묶은 Store를 생성합니다
func NewStore(instances *InstanceRepository, cameras *CameraRepository) *Store {
	return &Store{Instances: instances, Cameras: cameras}
}

// ResolveInstance는 인스턴스를 조회합니다. 없으면 ErrNotFound
func (s *Store) ResolveInstance(ctx context.Context, id int) (*zoneminder.Instance, error) {
	return s.Instances.Get(ctx, id)
}

// ResolveCamera는 인스턴스 범위의 카메라를 조회합니다. 없으면 ErrNotFound
func (s *Store) ResolveCamera(ctx context.Context, instanceID, cameraID int) (*Camera, error) {
	return s.Cameras.GetForInstance(ctx, instanceID, cameraID)
}
