package zoneminder

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrAuth is returned when an instance login cannot produce credentials.
	ErrAuth = errors.New("zoneminder authentication failed")
	// ErrEmptyMedia is returned when a download completes without any bytes.
	ErrEmptyMedia = errors.New("zoneminder returned empty media")
	// ErrNotMedia is returned when a download answers with a page instead of video.
	ErrNotMedia = errors.New("zoneminder returned non-media content")
)

// Instance is a remote ZoneMinder installation.
type Instance struct {
	ID       int    `json:"id"`
	BaseURL  string `json:"urlServer"`
	Username string `json:"user"`
	Password string `json:"-"`
}

func (i *Instance) endpoint(path string) string {
	return strings.TrimRight(i.BaseURL, "/") + path
}

// Credentials hold the tokens returned by a successful login.
type Credentials struct {
	InstanceID  int
	AccessToken string
	AuthHash    string
	ObtainedAt  time.Time
}

// Recording is one event as reported by an instance's event index.
type Recording struct {
	EventID     string `json:"eventId"`
	Name        string `json:"name"`
	StartTime   string `json:"startTime"`
	Length      string `json:"length"`
	Frames      int    `json:"frames"`
	DownloadURL string `json:"downloadUrl"`
}

// Media is a recording body that has not been read yet.
type Media struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64
}

// StatusError reports a non-2xx answer from an instance.
type StatusError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("zoneminder %s failed with status %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("zoneminder %s failed with status %d: %s", e.Operation, e.StatusCode, e.Body)
}

// looseString accepts JSON strings, numbers, booleans and null.
// ZoneMinder versions disagree on whether numeric columns are quoted.
type looseString string

func (s *looseString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*s = ""
		return nil
	case len(data) > 0 && data[0] == '"':
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = looseString(v)
		return nil
	case len(data) > 0 && (data[0] == '{' || data[0] == '['):
		return fmt.Errorf("expected scalar, got %s", data)
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err == nil {
			*s = looseString(n.String())
			return nil
		}
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*s = looseString(strconv.FormatBool(b))
		return nil
	}
}

type eventIndex struct {
	Events []json.RawMessage `json:"events"`
}

type eventEnvelope struct {
	Event struct {
		ID        looseString `json:"Id"`
		Name      looseString `json:"Name"`
		StartTime looseString `json:"StartTime"`
		Length    looseString `json:"Length"`
		Frames    looseString `json:"Frames"`
	} `json:"Event"`
}

func (e *eventEnvelope) recording() (Recording, error) {
	ev := e.Event
	id := strings.TrimSpace(string(ev.ID))
	if id == "" {
		return Recording{}, errors.New("event has no Id")
	}

	frames := 0
	if f := strings.TrimSpace(string(ev.Frames)); f != "" {
		n, err := strconv.Atoi(f)
		if err != nil {
			return Recording{}, fmt.Errorf("event %s: invalid Frames %q", id, f)
		}
		frames = n
	}

	return Recording{
		EventID:   id,
		Name:      string(ev.Name),
		StartTime: string(ev.StartTime),
		Length:    string(ev.Length),
		Frames:    frames,
	}, nil
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	Credentials string `json:"credentials"`
}
