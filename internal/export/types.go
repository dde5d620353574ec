package export

import (
	"context"
	"errors"
	"time"

	"github.com/yourusername/zmexport/internal/database"
	"github.com/yourusername/zmexport/internal/progress"
	"github.com/yourusername/zmexport/internal/zoneminder"
)

var (
	// ErrEmptyRequest is returned when an export names no cameras.
	ErrEmptyRequest = errors.New("export request has no cameras")
	// ErrArchive is returned when the archive itself cannot be produced.
	ErrArchive = errors.New("archive could not be written")
)

// CameraIdentifier names one camera of one instance.
type CameraIdentifier struct {
	InstanceID int `json:"zoneminderInstanceId"`
	CameraID   int `json:"cameraId"`
}

// Request selects recordings whose start time lies in [StartTime, EndTime].
// Duplicate identifiers produce duplicate entries.
// An empty ExportID is replaced by a generated one.
type Request struct {
	ExportID  string
	Cameras   []CameraIdentifier
	StartTime time.Time
	EndTime   time.Time
}

// Status is the outcome of one unit of work.
type Status string

const (
	StatusAdded   Status = "added"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Skip and failure reasons recorded in the manifest.
const (
	ReasonResolutionMiss = "resolution_miss"
	ReasonListFailed     = "list_failed"
	ReasonInvalidLength  = "invalid_length"
	ReasonCancelled      = "cancelled"
	ReasonDownload       = "download_failed"
	ReasonEmptyMedia     = "empty_media"
	ReasonNotMedia       = "not_media"
	ReasonSpool          = "spool_failed"
	ReasonArchive        = "archive_failed"
)

// UnitResult reports what happened to one camera pair or one recording.
type UnitResult struct {
	InstanceID int    `json:"zoneminderInstanceId"`
	CameraID   int    `json:"cameraId"`
	EventID    string `json:"eventId,omitempty"`
	Path       string `json:"path,omitempty"`
	Status     Status `json:"status"`
	Reason     string `json:"reason,omitempty"`
	Error      string `json:"error,omitempty"`
	Bytes      int64  `json:"bytes,omitempty"`
}

// Manifest summarizes one export call.
type Manifest struct {
	ExportID  string    `json:"exportId"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
	CreatedAt time.Time `json:"createdAt"`
	Added     int       `json:"added"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
	// UnparsableStart counts listed recordings dropped because their start time could not be read.
	UnparsableStart int          `json:"unparsableStart"`
	Bytes           int64        `json:"bytes"`
	Units           []UnitResult `json:"units"`
}

// MetadataStore resolves identifiers to stored instances and cameras.
// A miss is reported with database.ErrNotFound.
type MetadataStore interface {
	ResolveInstance(ctx context.Context, id int) (*zoneminder.Instance, error)
	ResolveCamera(ctx context.Context, instanceID, cameraID int) (*database.Camera, error)
}

// RecordingSource lists and downloads recordings of remote instances.
type RecordingSource interface {
	ListRecordings(ctx context.Context, instance *zoneminder.Instance, monitorID int) ([]zoneminder.Recording, error)
	DownloadRecording(ctx context.Context, instance *zoneminder.Instance, eventID string) (*zoneminder.Media, error)
}

// Publisher receives progress events.
type Publisher interface {
	Publish(event progress.Event)
}
