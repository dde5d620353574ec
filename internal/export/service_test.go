package export

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourusername/zmexport/internal/archive"
	"github.com/yourusername/zmexport/internal/database"
	"github.com/yourusername/zmexport/internal/progress"
	"github.com/yourusername/zmexport/internal/zoneminder"
)

// fakeStore는 메모리 MetadataStore입니다
type fakeStore struct {
	instances map[int]*zoneminder.Instance
	cameras   map[int]*database.Camera
}

func (f *fakeStore) ResolveInstance(ctx context.Context, id int) (*zoneminder.Instance, error) {
	inst, ok := f.instances[id]
	if !ok {
		return nil, fmt.Errorf("instance %d: %w", id, database.ErrNotFound)
	}
	return inst, nil
}

func (f *fakeStore) ResolveCamera(ctx context.Context, instanceID, cameraID int) (*database.Camera, error) {
	cam, ok := f.cameras[cameraID]
	if !ok || cam.InstanceID != instanceID {
		return nil, fmt.Errorf("camera %d: %w", cameraID, database.ErrNotFound)
	}
	return cam, nil
}

// fakeSource는 모니터별 녹화 목록과 이벤트별 본문을 돌려줍니다
type fakeSource struct {
	recordings map[int][]zoneminder.Recording // monitor id -> recordings
	fail       map[string]error               // event id -> download error
	bodies     map[string][]byte
	delay      time.Duration

	listCalls atomic.Int32
	inFlight  atomic.Int32
	maxFlight atomic.Int32
}

func (f *fakeSource) ListRecordings(ctx context.Context, instance *zoneminder.Instance, monitorID int) ([]zoneminder.Recording, error) {
	f.listCalls.Add(1)
	recs, ok := f.recordings[monitorID]
	if !ok {
		return nil, &zoneminder.StatusError{Operation: "list", StatusCode: 500}
	}
	return recs, nil
}

func (f *fakeSource) DownloadRecording(ctx context.Context, instance *zoneminder.Instance, eventID string) (*zoneminder.Media, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		max := f.maxFlight.Load()
		if n <= max || f.maxFlight.CompareAndSwap(max, n) {
			break
		}
	}

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err, ok := f.fail[eventID]; ok {
		return nil, err
	}
	body, ok := f.bodies[eventID]
	if !ok {
		body = fakeMP4(eventID)
	}
	return &zoneminder.Media{Body: io.NopCloser(bytes.NewReader(body)), ContentType: "video/mp4", ContentLength: int64(len(body))}, nil
}

// fakeMP4는 ftyp box로 시작하는 바이너리 본문을 만듭니다
func fakeMP4(eventID string) []byte {
	body := []byte{0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm', 0x00, 0x00, 0x02, 0x00, 'i', 's', 'o', 'm', 'm', 'p', '4', '1'}
	body = append(body, 0x00, 0x01, 0x02, 0x03)
	return append(body, []byte("event-"+eventID)...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []progress.Event
}

func (p *recordingPublisher) Publish(event progress.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) types() []progress.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []progress.EventType
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func rec(id, start, length string) zoneminder.Recording {
	return zoneminder.Recording{EventID: id, StartTime: start, Length: length}
}

var (
	windowStart = time.Date(2025, 7, 23, 0, 0, 0, 0, time.UTC)
	windowEnd   = time.Date(2025, 7, 23, 23, 59, 59, 0, time.UTC)
)

func newFixture() (*fakeStore, *fakeSource) {
	store := &fakeStore{
		instances: map[int]*zoneminder.Instance{
			1: {ID: 1, BaseURL: "http://zm1"},
			2: {ID: 2, BaseURL: "http://zm2"},
		},
		cameras: map[int]*database.Camera{
			10: {ID: 10, InstanceID: 1, MonitorID: 1, Name: "Gate 1/2"},
			20: {ID: 20, InstanceID: 2, MonitorID: 5, Name: "Yard"},
		},
	}
	source := &fakeSource{
		recordings: map[int][]zoneminder.Recording{
			1: {
				rec("101", "2025-07-23 08:00:00", "60"),
				rec("102", "2025-07-23 09:00:00", "120.5"),
			},
			5: {
				rec("201", "2025-07-23 10:00:00", "30"),
				rec("202", "2025-07-23 11:00:00", "30"),
				rec("203", "2025-07-23 12:00:00", "30"),
			},
		},
		fail:   map[string]error{},
		bodies: map[string][]byte{},
	}
	return store, source
}

func newTestService(store MetadataStore, source RecordingSource, opts ...func(*Config)) *Service {
	cfg := Config{
		Store:                  store,
		Source:                 source,
		MaxConcurrentDownloads: 4,
		Location:               time.UTC,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return NewService(cfg)
}

func fullRequest() Request {
	return Request{
		Cameras:   []CameraIdentifier{{InstanceID: 1, CameraID: 10}, {InstanceID: 2, CameraID: 20}},
		StartTime: windowStart,
		EndTime:   windowEnd,
	}
}

// readEntries는 버퍼 아카이브를 열어 엔트리 이름과 내용을 돌려줍니다
func readEntries(t *testing.T, sink *archive.BufferingSink) map[string][]byte {
	t.Helper()

	data, err := sink.Bytes()
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	entries := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		body, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		entries[f.Name] = body
	}
	return entries
}

func entryNames(entries map[string][]byte) []string {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func TestExportWritesEveryRecording(t *testing.T) {
	store, source := newFixture()
	svc := newTestService(store, source)
	sink := archive.NewBufferingSink()

	manifest, err := svc.Export(context.Background(), fullRequest(), sink)
	require.NoError(t, err)

	entries := readEntries(t, sink)
	assert.Len(t, entries, 5)
	assert.Equal(t, 5, manifest.Added)
	assert.Zero(t, manifest.Failed)
	assert.NotEmpty(t, manifest.ExportID)

	body, ok := entries["Gate 1/2/08h00m00s-08h01m00s --- 2025-07-23 --- Gate 1_2.mp4"]
	require.True(t, ok, "entries: %v", entryNames(entries))
	assert.Equal(t, fakeMP4("101"), body)

	_, ok = entries["Gate 1/2/09h00m00s-09h02m00s --- 2025-07-23 --- Gate 1_2.mp4"]
	assert.True(t, ok)
	_, ok = entries["Yard/10h00m00s-10h00m30s --- 2025-07-23 --- Yard.mp4"]
	assert.True(t, ok)

	var total int64
	for _, b := range entries {
		total += int64(len(b))
	}
	assert.Equal(t, total, manifest.Bytes)
}

func TestExportDuplicatePairsDuplicateEntries(t *testing.T) {
	store, source := newFixture()
	svc := newTestService(store, source)
	sink := archive.NewBufferingSink()

	req := Request{
		Cameras:   []CameraIdentifier{{InstanceID: 2, CameraID: 20}, {InstanceID: 2, CameraID: 20}},
		StartTime: windowStart,
		EndTime:   windowEnd,
	}
	manifest, err := svc.Export(context.Background(), req, sink)
	require.NoError(t, err)

	assert.Equal(t, 6, manifest.Added)
	data, err := sink.Bytes()
	require.NoError(t, err)
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Len(t, zr.File, 6)
}

func TestExportWindowBoundsInclusive(t *testing.T) {
	store, source := newFixture()
	source.recordings[1] = []zoneminder.Recording{
		rec("at-start", "2025-07-23 00:00:00", "10"),
		rec("at-end", "2025-07-23 23:59:59", "10"),
		rec("before", "2025-07-22 23:59:59", "10"),
		rec("after", "2025-07-24 00:00:00", "10"),
	}
	svc := newTestService(store, source)
	sink := archive.NewBufferingSink()

	req := Request{Cameras: []CameraIdentifier{{InstanceID: 1, CameraID: 10}}, StartTime: windowStart, EndTime: windowEnd}
	manifest, err := svc.Export(context.Background(), req, sink)
	require.NoError(t, err)

	entries := readEntries(t, sink)
	assert.Len(t, entries, 2)
	assert.Contains(t, entries, "Gate 1/2/00h00m00s-00h00m10s --- 2025-07-23 --- Gate 1_2.mp4")
	assert.Contains(t, entries, "Gate 1/2/23h59m59s-00h00m09s --- 2025-07-23 --- Gate 1_2.mp4")
	assert.Equal(t, 2, manifest.Added)
}

func TestExportExcludesUnparsableStart(t *testing.T) {
	store, source := newFixture()
	source.recordings[1] = []zoneminder.Recording{
		rec("good", "2025-07-23 08:00:00", "10"),
		rec("bad", "not a time", "10"),
		rec("empty", "", "10"),
	}
	svc := newTestService(store, source)
	sink := archive.NewBufferingSink()

	req := Request{Cameras: []CameraIdentifier{{InstanceID: 1, CameraID: 10}}, StartTime: windowStart, EndTime: windowEnd}
	manifest, err := svc.Export(context.Background(), req, sink)
	require.NoError(t, err)

	assert.Len(t, readEntries(t, sink), 1)
	assert.Equal(t, 2, manifest.UnparsableStart)
	assert.Zero(t, manifest.Failed)
}

func TestExportInvalidLengthSkipped(t *testing.T) {
	store, source := newFixture()
	source.recordings[1] = []zoneminder.Recording{
		rec("good", "2025-07-23 08:00:00", "10"),
		rec("bad-length", "2025-07-23 09:00:00", "long"),
	}
	svc := newTestService(store, source)
	sink := archive.NewBufferingSink()

	req := Request{Cameras: []CameraIdentifier{{InstanceID: 1, CameraID: 10}}, StartTime: windowStart, EndTime: windowEnd}
	manifest, err := svc.Export(context.Background(), req, sink)
	require.NoError(t, err)

	assert.Len(t, readEntries(t, sink), 1)
	assert.Equal(t, 1, manifest.Skipped)
	assert.Equal(t, ReasonInvalidLength, findUnit(t, manifest, "bad-length").Reason)
}

func TestExportEntryNamesStable(t *testing.T) {
	store, source := newFixture()
	svc := newTestService(store, source)

	first := archive.NewBufferingSink()
	_, err := svc.Export(context.Background(), fullRequest(), first)
	require.NoError(t, err)

	second := archive.NewBufferingSink()
	_, err = svc.Export(context.Background(), fullRequest(), second)
	require.NoError(t, err)

	assert.Equal(t, entryNames(readEntries(t, first)), entryNames(readEntries(t, second)))
}

func TestExportIsolatesFailedDownload(t *testing.T) {
	store, source := newFixture()
	source.fail["202"] = &zoneminder.StatusError{Operation: "download", StatusCode: 404}
	source.fail["203"] = fmt.Errorf("%w: text/html", zoneminder.ErrNotMedia)
	source.bodies["201"] = []byte{}
	svc := newTestService(store, source)
	sink := archive.NewBufferingSink()

	manifest, err := svc.Export(context.Background(), fullRequest(), sink)
	require.NoError(t, err)

	assert.Len(t, readEntries(t, sink), 2)
	assert.Equal(t, 2, manifest.Added)
	assert.Equal(t, 3, manifest.Failed)

	assert.Equal(t, ReasonDownload, findUnit(t, manifest, "202").Reason)
	assert.Equal(t, ReasonNotMedia, findUnit(t, manifest, "203").Reason)
	assert.Equal(t, ReasonEmptyMedia, findUnit(t, manifest, "201").Reason)
}

func TestExportSkipsUnresolvedPairs(t *testing.T) {
	store, source := newFixture()
	svc := newTestService(store, source)
	sink := archive.NewBufferingSink()

	req := Request{
		Cameras: []CameraIdentifier{
			{InstanceID: 99, CameraID: 10},
			{InstanceID: 2, CameraID: 10}, // 다른 인스턴스의 카메라
			{InstanceID: 1, CameraID: 10},
		},
		StartTime: windowStart,
		EndTime:   windowEnd,
	}
	manifest, err := svc.Export(context.Background(), req, sink)
	require.NoError(t, err)

	assert.Len(t, readEntries(t, sink), 2)
	assert.Equal(t, 2, manifest.Skipped)
	for _, u := range manifest.Units {
		if u.Status == StatusSkipped {
			assert.Equal(t, ReasonResolutionMiss, u.Reason)
		}
	}
}

func TestExportListFailureSkipsPair(t *testing.T) {
	store, source := newFixture()
	delete(source.recordings, 5)
	svc := newTestService(store, source)
	sink := archive.NewBufferingSink()

	manifest, err := svc.Export(context.Background(), fullRequest(), sink)
	require.NoError(t, err)

	assert.Len(t, readEntries(t, sink), 2)
	assert.Equal(t, 1, manifest.Skipped)
}

func TestExportEmptyRequest(t *testing.T) {
	store, source := newFixture()
	svc := newTestService(store, source)

	manifest, err := svc.Export(context.Background(), Request{StartTime: windowStart, EndTime: windowEnd}, archive.NewBufferingSink())
	assert.ErrorIs(t, err, ErrEmptyRequest)
	assert.Nil(t, manifest)
	assert.Zero(t, source.listCalls.Load())
}

func TestExportNoMatchesStillProducesArchive(t *testing.T) {
	store, source := newFixture()
	svc := newTestService(store, source)
	sink := archive.NewBufferingSink()

	req := Request{
		Cameras:   []CameraIdentifier{{InstanceID: 1, CameraID: 10}},
		StartTime: windowStart.AddDate(1, 0, 0),
		EndTime:   windowEnd.AddDate(1, 0, 0),
	}
	manifest, err := svc.Export(context.Background(), req, sink)
	require.NoError(t, err)

	assert.Empty(t, readEntries(t, sink))
	assert.Zero(t, manifest.Added)
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, errors.New("connection reset")
}

func TestExportArchiveFailure(t *testing.T) {
	store, source := newFixture()
	svc := newTestService(store, source)

	_, err := svc.Export(context.Background(), fullRequest(), archive.NewStreamingSink(failingWriter{}))
	assert.ErrorIs(t, err, ErrArchive)
}

func TestExportCancelled(t *testing.T) {
	store, source := newFixture()
	svc := newTestService(store, source)
	sink := archive.NewBufferingSink()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Export(ctx, fullRequest(), sink)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = sink.Bytes()
	assert.ErrorIs(t, err, archive.ErrClosed)
	_, err = sink.WriteEntry("late.mp4", time.Now(), bytes.NewReader([]byte("x")))
	assert.ErrorIs(t, err, archive.ErrClosed)
}

func TestExportCancelledMidway(t *testing.T) {
	store, source := newFixture()
	source.delay = 200 * time.Millisecond
	svc := newTestService(store, source)
	sink := archive.NewBufferingSink()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	started := time.Now()
	manifest, err := svc.Export(ctx, fullRequest(), sink)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(started), 2*time.Second)
	assert.Zero(t, manifest.Added)
}

func TestExportBoundsConcurrentDownloads(t *testing.T) {
	store, source := newFixture()
	source.delay = 20 * time.Millisecond
	var recs []zoneminder.Recording
	for i := 0; i < 20; i++ {
		recs = append(recs, rec(fmt.Sprintf("e%02d", i), fmt.Sprintf("2025-07-23 10:%02d:00", i), "30"))
	}
	source.recordings[5] = recs

	svc := newTestService(store, source, func(c *Config) { c.MaxConcurrentDownloads = 3 })
	sink := archive.NewBufferingSink()

	req := Request{Cameras: []CameraIdentifier{{InstanceID: 2, CameraID: 20}}, StartTime: windowStart, EndTime: windowEnd}
	manifest, err := svc.Export(context.Background(), req, sink)
	require.NoError(t, err)

	assert.Equal(t, 20, manifest.Added)
	assert.LessOrEqual(t, source.maxFlight.Load(), int32(3))
	assert.Len(t, readEntries(t, sink), 20)
}

func TestExportManifestEntryAndProgress(t *testing.T) {
	store, source := newFixture()
	source.fail["102"] = errors.New("boom")
	pub := &recordingPublisher{}
	svc := newTestService(store, source, func(c *Config) {
		c.IncludeManifest = true
		c.Publisher = pub
	})
	sink := archive.NewBufferingSink()

	manifest, err := svc.Export(context.Background(), fullRequest(), sink)
	require.NoError(t, err)

	entries := readEntries(t, sink)
	require.Contains(t, entries, manifestEntryName)
	assert.Len(t, entries, 5)

	var embedded Manifest
	require.NoError(t, json.Unmarshal(entries[manifestEntryName], &embedded))
	assert.Equal(t, manifest.ExportID, embedded.ExportID)
	assert.Equal(t, 4, embedded.Added)
	assert.Equal(t, 1, embedded.Failed)
	assert.Len(t, embedded.Units, 5)

	types := pub.types()
	require.NotEmpty(t, types)
	assert.Equal(t, progress.EventExportStarted, types[0])
	assert.Equal(t, progress.EventExportFinished, types[len(types)-1])

	counts := map[progress.EventType]int{}
	for _, typ := range types {
		counts[typ]++
	}
	assert.Equal(t, 4, counts[progress.EventEntryAdded])
	assert.Equal(t, 1, counts[progress.EventEntrySkipped])
}

func findUnit(t *testing.T, m *Manifest, eventID string) UnitResult {
	t.Helper()
	for _, u := range m.Units {
		if u.EventID == eventID {
			return u
		}
	}
	t.Fatalf("no unit for event %s", eventID)
	return UnitResult{}
}

func TestExportUsesCallerExportID(t *testing.T) {
	store, source := newFixture()
	pub := &recordingPublisher{}
	svc := newTestService(store, source, func(c *Config) {
		c.Publisher = pub
	})
	sink := archive.NewBufferingSink()

	req := fullRequest()
	req.ExportID = "export-42"

	manifest, err := svc.Export(context.Background(), req, sink)
	require.NoError(t, err)
	assert.Equal(t, "export-42", manifest.ExportID)

	// manifest.json은 설정 없이는 들어가지 않음
	entries := readEntries(t, sink)
	assert.NotContains(t, entries, manifestEntryName)
	assert.Len(t, entries, manifest.Added)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.NotEmpty(t, pub.events)
	for _, e := range pub.events {
		assert.Equal(t, "export-42", e.ExportID)
	}
}
