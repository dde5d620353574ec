package zoneminder

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/yourusername/zmexport/internal/metrics"
	"go.uber.org/zap"
)

const sniffLen = 3072

// Client talks to the HTTP API of ZoneMinder instances.
type Client struct {
	httpClient     *http.Client
	downloadClient *http.Client
	credentials    *CredentialCache
	logger         *zap.Logger
	publicBaseURL  string
}

// ClientConfig configures a Client.
type ClientConfig struct {
	Credentials     *CredentialCache
	Logger          *zap.Logger
	RequestTimeout  time.Duration
	DownloadTimeout time.Duration
	// PublicBaseURL is used to build the proxy download URL of each recording.
	PublicBaseURL string
}

// NewClient creates a new ZoneMinder client.
func NewClient(config ClientConfig) *Client {
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.DownloadTimeout == 0 {
		config.DownloadTimeout = 10 * time.Minute
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Credentials == nil {
		config.Credentials = NewCredentialCache(CredentialCacheConfig{
			HTTPClient: &http.Client{Timeout: config.RequestTimeout},
			Logger:     config.Logger,
		})
	}

	return &Client{
		httpClient:     &http.Client{Timeout: config.RequestTimeout},
		downloadClient: &http.Client{Timeout: config.DownloadTimeout},
		credentials:    config.Credentials,
		logger:         config.Logger,
		publicBaseURL:  strings.TrimRight(config.PublicBaseURL, "/"),
	}
}

// Credentials returns the cache used by the client.
func (c *Client) Credentials() *CredentialCache {
	return c.credentials
}

// ListRecordings returns the events of one monitor.
// Malformed events are skipped. A failed login, a non-2xx answer or an
// unreadable document yields an empty list; only a done context is an error.
func (c *Client) ListRecordings(ctx context.Context, instance *Instance, monitorID int) ([]Recording, error) {
	resp, err := c.doAuthorized(ctx, c.httpClient, instance, "list", func(creds *Credentials) string {
		return instance.endpoint(fmt.Sprintf("/api/events/index/MonitorId:%d.json?token=%s", monitorID, url.QueryEscape(creds.AccessToken)))
	})
	if err != nil {
		return c.noRecordings(ctx, instance, monitorID, err)
	}
	defer resp.Body.Close()

	var index eventIndex
	if err := json.NewDecoder(resp.Body).Decode(&index); err != nil {
		metrics.RemoteRequests.WithLabelValues("list", "decode").Inc()
		return c.noRecordings(ctx, instance, monitorID, fmt.Errorf("failed to decode event index: %w", err))
	}

	recordings := make([]Recording, 0, len(index.Events))
	for i, raw := range index.Events {
		var env eventEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.logger.Warn("Skipping malformed event",
				zap.Int("instance_id", instance.ID),
				zap.Int("monitor_id", monitorID),
				zap.Int("index", i),
				zap.Error(err),
			)
			continue
		}
		rec, err := env.recording()
		if err != nil {
			c.logger.Warn("Skipping malformed event",
				zap.Int("instance_id", instance.ID),
				zap.Int("monitor_id", monitorID),
				zap.Int("index", i),
				zap.Error(err),
			)
			continue
		}
		rec.DownloadURL = c.DownloadURL(instance.ID, rec.EventID)
		recordings = append(recordings, rec)
	}

	return recordings, nil
}

func (c *Client) noRecordings(ctx context.Context, instance *Instance, monitorID int, cause error) ([]Recording, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	c.logger.Warn("Failed to list recordings",
		zap.Int("instance_id", instance.ID),
		zap.Int("monitor_id", monitorID),
		zap.Error(cause),
	)
	return []Recording{}, nil
}

// DownloadRecording opens the MP4 export of an event. The body is returned
// as soon as headers arrive; the caller must close it.
func (c *Client) DownloadRecording(ctx context.Context, instance *Instance, eventID string) (*Media, error) {
	for attempt := 0; ; attempt++ {
		resp, err := c.doAuthorized(ctx, c.downloadClient, instance, "download", func(creds *Credentials) string {
			q := url.Values{}
			q.Set("mode", "mp4")
			q.Set("view", "view_video")
			q.Set("eid", eventID)
			q.Set("token", creds.AccessToken)
			return instance.endpoint("/index.php?" + q.Encode())
		})
		if err != nil {
			return nil, err
		}

		media, err := sniffMedia(resp)
		if errors.Is(err, ErrNotMedia) && attempt == 0 {
			// ZoneMinder answers an expired token with its login page and a 200.
			c.logger.Warn("Download returned a page instead of media, re-authenticating",
				zap.Int("instance_id", instance.ID),
				zap.String("event_id", eventID),
			)
			c.credentials.Invalidate(instance.ID)
			continue
		}
		if err != nil {
			metrics.RemoteRequests.WithLabelValues("download", "content").Inc()
			return nil, err
		}
		return media, nil
	}
}

// ProxyDownload opens the export view with the instance user and password in
// the query, without going through the credential cache.
func (c *Client) ProxyDownload(ctx context.Context, instance *Instance, eventID string) (*Media, error) {
	q := url.Values{}
	q.Set("view", "video")
	q.Set("eid", eventID)
	q.Set("export", "1")
	q.Set("user", instance.Username)
	q.Set("pass", instance.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, instance.endpoint("/index.php?"+q.Encode()), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.downloadClient.Do(req)
	if err != nil {
		metrics.RemoteRequests.WithLabelValues("proxy", "error").Inc()
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.RemoteRequests.WithLabelValues("proxy", "status").Inc()
		resp.Body.Close()
		return nil, &StatusError{Operation: "proxy", StatusCode: resp.StatusCode}
	}

	metrics.RemoteRequests.WithLabelValues("proxy", "ok").Inc()
	return &Media{
		Body:          resp.Body,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
	}, nil
}

// DownloadURL is the address of an event through this service's download proxy.
func (c *Client) DownloadURL(instanceID int, eventID string) string {
	return fmt.Sprintf("%s/api/recordings/instance/%d/download/%s", c.publicBaseURL, instanceID, url.PathEscape(eventID))
}

// doAuthorized sends a GET built from the instance credentials. A 401 or 403
// drops the cached credentials and retries once with a fresh login.
func (c *Client) doAuthorized(ctx context.Context, hc *http.Client, instance *Instance, op string, target func(*Credentials) string) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		creds, err := c.credentials.GetOrLogin(ctx, instance)
		if err != nil {
			c.logger.Warn("No credentials for instance",
				zap.String("operation", op),
				zap.Int("instance_id", instance.ID),
				zap.Error(err),
			)
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target(creds), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}

		resp, err := hc.Do(req)
		if err != nil {
			metrics.RemoteRequests.WithLabelValues(op, "error").Inc()
			return nil, fmt.Errorf("failed to send %s request: %w", op, err)
		}

		if (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) && attempt == 0 {
			drain(resp.Body)
			c.logger.Warn("Credentials rejected, logging in again",
				zap.String("operation", op),
				zap.Int("instance_id", instance.ID),
				zap.Int("status", resp.StatusCode),
			)
			c.credentials.Invalidate(instance.ID)
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			metrics.RemoteRequests.WithLabelValues(op, "status").Inc()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return nil, &StatusError{Operation: op, StatusCode: resp.StatusCode, Body: string(body)}
		}

		metrics.RemoteRequests.WithLabelValues(op, "ok").Inc()
		return resp, nil
	}
}

// sniffMedia peeks at the start of the body without consuming it.
func sniffMedia(resp *http.Response) (*Media, error) {
	br := bufio.NewReaderSize(resp.Body, sniffLen)
	head, err := br.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) {
		resp.Body.Close()
		return nil, fmt.Errorf("failed to read media: %w", err)
	}
	if len(head) == 0 {
		resp.Body.Close()
		return nil, ErrEmptyMedia
	}

	detected := mimetype.Detect(head)
	if isPage(detected) {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotMedia, detected.String())
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = detected.String()
	}

	return &Media{
		Body:          readCloser{Reader: br, Closer: resp.Body},
		ContentType:   contentType,
		ContentLength: resp.ContentLength,
	}, nil
}

// isPage reports whether ZoneMinder answered with a page or message instead of video.
func isPage(detected *mimetype.MIME) bool {
	return detected.Is("text/html") || detected.Is("application/json") || detected.Is("text/plain")
}

type readCloser struct {
	io.Reader
	io.Closer
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	body.Close()
}
