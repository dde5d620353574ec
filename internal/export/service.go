package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/yourusername/zmexport/internal/archive"
	"github.com/yourusername/zmexport/internal/database"
	"github.com/yourusername/zmexport/internal/metrics"
	"github.com/yourusername/zmexport/internal/progress"
	"github.com/yourusername/zmexport/internal/zoneminder"
	"go.uber.org/zap"
)

const (
	defaultMaxConcurrentDownloads = 8
	manifestEntryName             = "manifest.json"
)

// Service assembles recordings from many instances into one archive.
type Service struct {
	store           MetadataStore
	source          RecordingSource
	publisher       Publisher
	logger          *zap.Logger
	maxConcurrent   int
	spoolDir        string
	includeManifest bool
	location        *time.Location
	now             func() time.Time
}

// Config configures a Service.
type Config struct {
	Store     MetadataStore
	Source    RecordingSource
	Publisher Publisher
	Logger    *zap.Logger
	// MaxConcurrentDownloads bounds the downloads of one export call.
	MaxConcurrentDownloads int
	// SpoolDir holds downloaded bodies until their entry is written. Empty uses os.TempDir.
	SpoolDir        string
	IncludeManifest bool
	// Location is used for timestamps without an offset.
	Location *time.Location
}

// NewService creates an export service.
func NewService(config Config) *Service {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.MaxConcurrentDownloads <= 0 {
		config.MaxConcurrentDownloads = defaultMaxConcurrentDownloads
	}
	if config.Location == nil {
		config.Location = time.Local
	}

	return &Service{
		store:           config.Store,
		source:          config.Source,
		publisher:       config.Publisher,
		logger:          config.Logger,
		maxConcurrent:   config.MaxConcurrentDownloads,
		spoolDir:        config.SpoolDir,
		includeManifest: config.IncludeManifest,
		location:        config.Location,
		now:             time.Now,
	}
}

// Location returns the zone used for timestamps without an offset.
func (s *Service) Location() *time.Location {
	return s.location
}

type unit struct {
	instance *zoneminder.Instance
	camera   *database.Camera
	eventID  string
	start    time.Time
	path     string
}

// run holds the state owned by one Export call.
type run struct {
	id       string
	logger   *zap.Logger
	sink     archive.Sink
	mu       sync.Mutex
	manifest *Manifest
	sinkErr  error
}

// Export writes every recording of the requested cameras that starts inside
// the window into sink. Per-recording failures are reported in the manifest;
// only ErrEmptyRequest, ErrArchive and context errors are returned.
// The sink is closed on success and aborted otherwise.
func (s *Service) Export(ctx context.Context, req Request, sink archive.Sink) (*Manifest, error) {
	if len(req.Cameras) == 0 {
		metrics.Exports.WithLabelValues("empty").Inc()
		return nil, ErrEmptyRequest
	}

	id := req.ExportID
	if id == "" {
		id = uuid.NewString()
	}

	r := &run{
		id:   id,
		sink: sink,
		manifest: &Manifest{
			StartTime: req.StartTime,
			EndTime:   req.EndTime,
			CreatedAt: s.now(),
			Units:     []UnitResult{},
		},
	}
	r.manifest.ExportID = r.id
	r.logger = s.logger.With(zap.String("export_id", r.id))

	r.logger.Info("Export started",
		zap.Int("cameras", len(req.Cameras)),
		zap.Time("start", req.StartTime),
		zap.Time("end", req.EndTime),
	)
	s.publish(progress.Event{Type: progress.EventExportStarted, ExportID: r.id})

	pool, err := ants.NewPool(s.maxConcurrent, ants.WithOptions(ants.Options{
		ExpiryDuration: time.Minute,
		Nonblocking:    false,
		PanicHandler: func(p interface{}) {
			r.logger.Error("Panic in export unit", zap.Any("panic", p))
		},
	}))
	if err != nil {
		sink.Abort()
		metrics.Exports.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to create download pool: %w", err)
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for _, id := range req.Cameras {
		if ctx.Err() != nil {
			break
		}

		for _, u := range s.discover(ctx, r, id, req) {
			if ctx.Err() != nil {
				s.record(r, u.result(StatusSkipped, ReasonCancelled, nil))
				continue
			}

			u := u // per-iteration copy; go.mod targets go 1.21 loop semantics
			wg.Add(1)
			err := pool.Submit(func() {
				defer wg.Done()
				s.record(r, s.process(ctx, r, u))
			})
			if err != nil {
				wg.Done()
				s.record(r, u.result(StatusFailed, ReasonDownload, err))
			}
		}
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		sink.Abort()
		metrics.Exports.WithLabelValues("cancelled").Inc()
		r.logger.Warn("Export cancelled", zap.Error(err))
		s.finish(r)
		return r.manifest, err
	}

	if r.sinkErr != nil {
		sink.Abort()
		metrics.Exports.WithLabelValues("archive_error").Inc()
		r.logger.Error("Export archive failed", zap.Error(r.sinkErr))
		s.finish(r)
		return r.manifest, fmt.Errorf("%w: %v", ErrArchive, r.sinkErr)
	}

	sortUnits(r.manifest.Units)

	if s.includeManifest {
		if err := s.writeManifest(r); err != nil {
			sink.Abort()
			metrics.Exports.WithLabelValues("archive_error").Inc()
			s.finish(r)
			return r.manifest, fmt.Errorf("%w: %v", ErrArchive, err)
		}
	}

	if err := sink.Close(); err != nil {
		metrics.Exports.WithLabelValues("archive_error").Inc()
		r.logger.Error("Failed to finalize archive", zap.Error(err))
		s.finish(r)
		return r.manifest, fmt.Errorf("%w: %v", ErrArchive, err)
	}

	metrics.Exports.WithLabelValues("ok").Inc()
	s.finish(r)
	return r.manifest, nil
}

// discover resolves one pair and lists its recordings inside the window.
func (s *Service) discover(ctx context.Context, r *run, id CameraIdentifier, req Request) []unit {
	pair := unit{camera: &database.Camera{ID: id.CameraID, InstanceID: id.InstanceID}}

	instance, err := s.store.ResolveInstance(ctx, id.InstanceID)
	if err != nil {
		r.logger.Warn("Skipping unknown instance",
			zap.Int("instance_id", id.InstanceID),
			zap.Error(err),
		)
		s.record(r, pair.result(StatusSkipped, ReasonResolutionMiss, err))
		return nil
	}

	camera, err := s.store.ResolveCamera(ctx, id.InstanceID, id.CameraID)
	if err != nil {
		r.logger.Warn("Skipping unknown camera",
			zap.Int("instance_id", id.InstanceID),
			zap.Int("camera_id", id.CameraID),
			zap.Error(err),
		)
		s.record(r, pair.result(StatusSkipped, ReasonResolutionMiss, err))
		return nil
	}
	pair.instance = instance
	pair.camera = camera

	recordings, err := s.source.ListRecordings(ctx, instance, camera.MonitorID)
	if err != nil {
		r.logger.Warn("Failed to list recordings",
			zap.Int("instance_id", instance.ID),
			zap.Int("camera_id", camera.ID),
			zap.Int("monitor_id", camera.MonitorID),
			zap.Error(err),
		)
		s.record(r, pair.result(StatusSkipped, ReasonListFailed, err))
		return nil
	}

	var units []unit
	unparsable := 0
	for _, rec := range recordings {
		start, err := ParseTimestamp(rec.StartTime, s.location)
		if err != nil {
			unparsable++
			continue
		}
		if start.Before(req.StartTime) || start.After(req.EndTime) {
			continue
		}

		u := pair
		u.eventID = rec.EventID
		u.start = start

		length, err := ParseLength(rec.Length)
		if err != nil {
			r.logger.Warn("Skipping recording with invalid length",
				zap.Int("camera_id", camera.ID),
				zap.String("event_id", rec.EventID),
				zap.Error(err),
			)
			s.record(r, u.result(StatusSkipped, ReasonInvalidLength, err))
			continue
		}
		u.path = EntryPath(camera.Name, FormatFileName(start, length, camera.Name))
		units = append(units, u)
	}

	if unparsable > 0 {
		r.mu.Lock()
		r.manifest.UnparsableStart += unparsable
		r.mu.Unlock()
	}

	r.logger.Debug("Recordings selected",
		zap.Int("camera_id", camera.ID),
		zap.Int("listed", len(recordings)),
		zap.Int("selected", len(units)),
		zap.Int("unparsable_start", unparsable),
	)

	return units
}

// process downloads one recording into a spool file and writes it as one entry.
// The download runs concurrently with other units; only the entry write is serialized by the sink.
func (s *Service) process(ctx context.Context, r *run, u unit) UnitResult {
	if ctx.Err() != nil {
		return u.result(StatusSkipped, ReasonCancelled, nil)
	}

	metrics.DownloadsInFlight.Inc()
	defer metrics.DownloadsInFlight.Dec()

	media, err := s.source.DownloadRecording(ctx, u.instance, u.eventID)
	if err != nil {
		return s.downloadFailure(ctx, r, u, err)
	}
	defer media.Body.Close()

	spool, err := os.CreateTemp(s.spoolDir, "zmexport-*.part")
	if err != nil {
		return u.result(StatusFailed, ReasonSpool, err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	size, err := io.Copy(spool, media.Body)
	if err != nil {
		return s.downloadFailure(ctx, r, u, err)
	}
	if size == 0 {
		return s.downloadFailure(ctx, r, u, zoneminder.ErrEmptyMedia)
	}

	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return u.result(StatusFailed, ReasonSpool, err)
	}

	if ctx.Err() != nil {
		return u.result(StatusSkipped, ReasonCancelled, nil)
	}

	written, err := r.sink.WriteEntry(u.path, u.start, spool)
	if err != nil {
		r.mu.Lock()
		if r.sinkErr == nil {
			r.sinkErr = err
		}
		r.mu.Unlock()
		return u.result(StatusFailed, ReasonArchive, err)
	}

	res := u.result(StatusAdded, "", nil)
	res.Bytes = written
	return res
}

func (s *Service) downloadFailure(ctx context.Context, r *run, u unit, err error) UnitResult {
	if ctx.Err() != nil {
		return u.result(StatusSkipped, ReasonCancelled, err)
	}

	reason := ReasonDownload
	switch {
	case errors.Is(err, zoneminder.ErrEmptyMedia):
		reason = ReasonEmptyMedia
	case errors.Is(err, zoneminder.ErrNotMedia):
		reason = ReasonNotMedia
	}

	r.logger.Warn("Failed to download recording",
		zap.Int("instance_id", u.instance.ID),
		zap.String("event_id", u.eventID),
		zap.String("reason", reason),
		zap.Error(err),
	)
	return u.result(StatusFailed, reason, err)
}

// record adds one result to the manifest and reports it.
func (s *Service) record(r *run, res UnitResult) {
	r.mu.Lock()
	r.manifest.Units = append(r.manifest.Units, res)
	switch res.Status {
	case StatusAdded:
		r.manifest.Added++
		r.manifest.Bytes += res.Bytes
	case StatusSkipped:
		r.manifest.Skipped++
	case StatusFailed:
		r.manifest.Failed++
	}
	r.mu.Unlock()

	metrics.ExportEntries.WithLabelValues(string(res.Status)).Inc()

	event := progress.Event{
		ExportID: r.id,
		Path:     res.Path,
		Status:   string(res.Status),
		Reason:   res.Reason,
		Bytes:    res.Bytes,
	}
	if res.Status == StatusAdded {
		metrics.ExportBytes.Add(float64(res.Bytes))
		event.Type = progress.EventEntryAdded
		r.logger.Debug("Entry added",
			zap.String("path", res.Path),
			zap.String("size", humanize.Bytes(uint64(res.Bytes))),
		)
	} else {
		event.Type = progress.EventEntrySkipped
	}
	s.publish(event)
}

func (s *Service) writeManifest(r *run) error {
	data, err := json.MarshalIndent(r.manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if _, err := r.sink.WriteEntry(manifestEntryName, r.manifest.CreatedAt, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

func (s *Service) finish(r *run) {
	m := r.manifest
	r.logger.Info("Export finished",
		zap.Int("added", m.Added),
		zap.Int("skipped", m.Skipped),
		zap.Int("failed", m.Failed),
		zap.Int("unparsable_start", m.UnparsableStart),
		zap.String("size", humanize.Bytes(uint64(m.Bytes))),
		zap.Duration("elapsed", s.now().Sub(m.CreatedAt)),
	)
	s.publish(progress.Event{
		Type:     progress.EventExportFinished,
		ExportID: r.id,
		Added:    m.Added,
		Skipped:  m.Skipped,
		Failed:   m.Failed,
		Bytes:    m.Bytes,
	})
}

func (s *Service) publish(event progress.Event) {
	if s.publisher != nil {
		s.publisher.Publish(event)
	}
}

func (u unit) result(status Status, reason string, err error) UnitResult {
	res := UnitResult{
		InstanceID: u.camera.InstanceID,
		CameraID:   u.camera.ID,
		EventID:    u.eventID,
		Path:       u.path,
		Status:     status,
		Reason:     reason,
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

func sortUnits(units []UnitResult) {
	sort.SliceStable(units, func(i, j int) bool {
		if units[i].InstanceID != units[j].InstanceID {
			return units[i].InstanceID < units[j].InstanceID
		}
		if units[i].CameraID != units[j].CameraID {
			return units[i].CameraID < units[j].CameraID
		}
		return units[i].Path < units[j].Path
	})
}
