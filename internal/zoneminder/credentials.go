package zoneminder

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/yourusername/zmexport/internal/metrics"
	"github.com/yourusername/zmexport/pkg/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// CredentialCache holds one set of credentials per instance id.
// It is the only state shared between concurrent exports.
type CredentialCache struct {
	httpClient *http.Client
	logger     *zap.Logger
	entries    *cache.Cache
	logins     singleflight.Group
	now        func() time.Time
}

// CredentialCacheConfig configures a CredentialCache.
type CredentialCacheConfig struct {
	HTTPClient *http.Client
	Logger     *zap.Logger
	// TTL of a cached credential. Zero keeps credentials until Invalidate or restart.
	TTL time.Duration
}

// NewCredentialCache creates an empty cache.
func NewCredentialCache(config CredentialCacheConfig) *CredentialCache {
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	expiration, cleanup := cache.NoExpiration, time.Duration(0)
	if config.TTL > 0 {
		expiration, cleanup = config.TTL, config.TTL
	}

	return &CredentialCache{
		httpClient: config.HTTPClient,
		logger:     config.Logger,
		entries:    cache.New(expiration, cleanup),
		now:        time.Now,
	}
}

// GetOrLogin returns the cached credentials for the instance, logging in on a miss.
// Failed logins are not cached.
func (c *CredentialCache) GetOrLogin(ctx context.Context, instance *Instance) (*Credentials, error) {
	key := strconv.Itoa(instance.ID)
	if v, ok := c.entries.Get(key); ok {
		metrics.CredentialCache.WithLabelValues("hit").Inc()
		return v.(*Credentials), nil
	}
	metrics.CredentialCache.WithLabelValues("miss").Inc()

	// Concurrent misses for one instance share a single login. The login is
	// detached from the first caller's cancellation so others are not failed by it.
	loginCtx := context.WithoutCancel(ctx)
	v, err, _ := c.logins.Do(key, func() (interface{}, error) {
		if v, ok := c.entries.Get(key); ok {
			return v, nil
		}
		creds, err := c.login(loginCtx, instance)
		if err != nil {
			return nil, err
		}
		c.entries.SetDefault(key, creds)
		return creds, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*Credentials), nil
}

// Invalidate drops the cached credentials of an instance.
func (c *CredentialCache) Invalidate(instanceID int) {
	c.entries.Delete(strconv.Itoa(instanceID))
}

// Len returns the number of cached credentials.
func (c *CredentialCache) Len() int {
	return c.entries.ItemCount()
}

func (c *CredentialCache) login(ctx context.Context, instance *Instance) (*Credentials, error) {
	c.logger.Info("No cached credentials, logging in",
		zap.Int("instance_id", instance.ID),
		zap.String("url", instance.BaseURL),
	)

	form := url.Values{}
	form.Set("user", instance.Username)
	form.Set("pass", instance.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, instance.endpoint("/api/host/login.json"), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create login request: %v", ErrAuth, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RemoteRequests.WithLabelValues("login", "error").Inc()
		c.logger.Error("Login request failed", zap.Int("instance_id", instance.ID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.RemoteRequests.WithLabelValues("login", "status").Inc()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Error("Login rejected",
			zap.Int("instance_id", instance.ID),
			zap.Int("status", resp.StatusCode),
		)
		return nil, fmt.Errorf("%w: %v", ErrAuth, &StatusError{Operation: "login", StatusCode: resp.StatusCode, Body: string(body)})
	}

	var parsed loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		metrics.RemoteRequests.WithLabelValues("login", "decode").Inc()
		return nil, fmt.Errorf("%w: failed to decode login response: %v", ErrAuth, err)
	}
	if parsed.AccessToken == "" || parsed.Credentials == "" {
		metrics.RemoteRequests.WithLabelValues("login", "decode").Inc()
		return nil, fmt.Errorf("%w: login response without access_token or credentials", ErrAuth)
	}

	metrics.RemoteRequests.WithLabelValues("login", "ok").Inc()
	c.logger.Info("Login successful",
		zap.Int("instance_id", instance.ID),
		zap.String("user", instance.Username),
		zap.String("token", logger.Mask(parsed.AccessToken)),
	)

	return &Credentials{
		InstanceID:  instance.ID,
		AccessToken: parsed.AccessToken,
		AuthHash:    parsed.Credentials,
		ObtainedAt:  c.now(),
	}, nil
}
