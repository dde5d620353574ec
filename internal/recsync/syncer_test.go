package recsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourusername/zmexport/internal/database"
	"github.com/yourusername/zmexport/internal/zoneminder"
	"go.uber.org/zap"
)

type fakeLister struct {
	mu    sync.Mutex
	recs  map[int][]zoneminder.Recording // monitor id -> recordings
	calls atomic.Int32
}

func (f *fakeLister) ListRecordings(ctx context.Context, instance *zoneminder.Instance, monitorID int) ([]zoneminder.Recording, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()

	recs, ok := f.recs[monitorID]
	if !ok {
		return nil, errors.New("monitor unavailable")
	}
	return append([]zoneminder.Recording(nil), recs...), nil
}

func (f *fakeLister) set(monitorID int, recs ...zoneminder.Recording) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs[monitorID] = recs
}

type fixture struct {
	syncer     *Syncer
	lister     *fakeLister
	recordings *database.RecordingRepository
	gate       *database.Camera
	yard       *database.Camera
}

func setup(t *testing.T, interval time.Duration) *fixture {
	t.Helper()

	db, err := database.New(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	instances := database.NewInstanceRepository(db, zap.NewNop())
	cameras := database.NewCameraRepository(db, zap.NewNop())
	recordings := database.NewRecordingRepository(db, zap.NewNop())

	inst := &zoneminder.Instance{BaseURL: "http://zm", Username: "admin", Password: "secret"}
	require.NoError(t, instances.Create(ctx, inst))

	gate := &database.Camera{InstanceID: inst.ID, MonitorID: 1, Name: "Gate"}
	yard := &database.Camera{InstanceID: inst.ID, MonitorID: 2, Name: "Yard"}
	require.NoError(t, cameras.Create(ctx, gate))
	require.NoError(t, cameras.Create(ctx, yard))

	lister := &fakeLister{recs: map[int][]zoneminder.Recording{}}

	return &fixture{
		syncer: NewSyncer(Config{
			Instances:  instances,
			Cameras:    cameras,
			Recordings: recordings,
			Lister:     lister,
			Interval:   interval,
			Location:   time.UTC,
		}),
		lister:     lister,
		recordings: recordings,
		gate:       gate,
		yard:       yard,
	}
}

func TestRunOnceInsertsNewRecordings(t *testing.T) {
	f := setup(t, time.Hour)
	ctx := context.Background()

	f.lister.set(1,
		zoneminder.Recording{EventID: "1", StartTime: "2025-07-23 14:15:00", Length: "300", DownloadURL: "http://local/1"},
		zoneminder.Recording{EventID: "2", StartTime: "garbage", Length: "10"},
		zoneminder.Recording{EventID: "3", StartTime: "2025-07-23 15:00:00", Length: "n/a"},
	)
	f.lister.set(2, zoneminder.Recording{EventID: "9", StartTime: "2025-07-23 16:00:00", Length: "12.5"})

	result, err := f.syncer.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Instances)
	assert.Equal(t, 2, result.Cameras)
	assert.Equal(t, 4, result.Listed)
	assert.Equal(t, 2, result.Inserted)
	assert.Equal(t, 2, result.Skipped)
	assert.Zero(t, result.Errors)

	rec, err := f.recordings.FindByEventID(ctx, f.gate.ID, "1")
	require.NoError(t, err)
	assert.Equal(t, "http://local/1", rec.RecordingURL)
	assert.True(t, rec.StartTime.Equal(time.Date(2025, 7, 23, 14, 15, 0, 0, time.UTC)))
	assert.True(t, rec.EndTime.Equal(time.Date(2025, 7, 23, 14, 20, 0, 0, time.UTC)))

	yard, err := f.recordings.ListByCamera(ctx, f.yard.ID)
	require.NoError(t, err)
	require.Len(t, yard, 1)
	assert.Equal(t, 12500*time.Millisecond, yard[0].EndTime.Sub(yard[0].StartTime))
}

func TestRunOnceIsIncremental(t *testing.T) {
	f := setup(t, time.Hour)
	ctx := context.Background()

	f.lister.set(1, zoneminder.Recording{EventID: "1", StartTime: "2025-07-23 14:15:00", Length: "300"})
	f.lister.set(2)

	first, err := f.syncer.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Inserted)

	f.lister.set(1,
		zoneminder.Recording{EventID: "1", StartTime: "2025-07-23 14:15:00", Length: "300"},
		zoneminder.Recording{EventID: "2", StartTime: "2025-07-23 14:30:00", Length: "60"},
	)

	second, err := f.syncer.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Inserted)

	count, err := f.recordings.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRunOnceContinuesAfterCameraFailure(t *testing.T) {
	f := setup(t, time.Hour)

	// monitor 1은 목록 실패
	f.lister.set(2, zoneminder.Recording{EventID: "9", StartTime: "2025-07-23 16:00:00", Length: "10"})

	result, err := f.syncer.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Errors)
	assert.Equal(t, 1, result.Inserted)
}

func TestStartStop(t *testing.T) {
	f := setup(t, 20*time.Millisecond)
	f.lister.set(1)
	f.lister.set(2)

	f.syncer.Start()
	require.Eventually(t, func() bool { return f.lister.calls.Load() >= 4 }, 2*time.Second, 10*time.Millisecond)
	f.syncer.Stop()

	calls := f.lister.calls.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, calls, f.lister.calls.Load())
}
