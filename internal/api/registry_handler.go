package api

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/yourusername/zmexport/internal/database"
	"github.com/yourusername/zmexport/internal/export"
	"github.com/yourusername/zmexport/internal/zoneminder"
)

type createInstanceRequest struct {
	URLServer string `json:"urlServer" binding:"required"`
	User      string `json:"user" binding:"required"`
	Password  string `json:"password" binding:"required"`
}

type createCameraRequest struct {
	InstanceID      int    `json:"zoneminderInstanceId" binding:"required"`
	MonitorID       int    `json:"monitorId" binding:"required"`
	Name            string `json:"name" binding:"required"`
	Coordinates     string `json:"coordinates"`
	URL             string `json:"url"`
	IsSavingRecords bool   `json:"isSavingRecords"`
}

// handleListInstances는 등록된 ZoneMinder 인스턴스 목록을 반환합니다 (비밀번호 제외)
func (s *Server) handleListInstances(c *gin.Context) {
	instances, err := s.instances.List(c.Request.Context())
	if err != nil {
		s.respondLookupError(c, "instance", err)
		return
	}
	if instances == nil {
		instances = []*zoneminder.Instance{}
	}

	c.JSON(http.StatusOK, instances)
}

func (s *Server) handleGetInstance(c *gin.Context) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}

	instance, err := s.instances.Get(c.Request.Context(), id)
	if err != nil {
		s.respondLookupError(c, "instance", err)
		return
	}

	c.JSON(http.StatusOK, instance)
}

// handleCreateInstance는 인스턴스를 등록합니다
func (s *Server) handleCreateInstance(c *gin.Context) {
	var req createInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	u, err := url.Parse(req.URLServer)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "urlServer must be an http(s) URL"})
		return
	}

	instance := &zoneminder.Instance{
		BaseURL:  strings.TrimRight(req.URLServer, "/"),
		Username: req.User,
		Password: req.Password,
	}
	if err := s.instances.Create(c.Request.Context(), instance); err != nil {
		s.respondLookupError(c, "instance", err)
		return
	}

	c.JSON(http.StatusCreated, instance)
}

// handleListCameras는 카메라 목록을 반환합니다. ?instanceId=로 필터링할 수 있습니다
func (s *Server) handleListCameras(c *gin.Context) {
	ctx := c.Request.Context()

	var (
		cameras []*database.Camera
		err     error
	)
	if raw := c.Query("instanceId"); raw != "" {
		instanceID, convErr := strconv.Atoi(raw)
		if convErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid instanceId"})
			return
		}
		cameras, err = s.cameras.ListByInstance(ctx, instanceID)
	} else {
		cameras, err = s.cameras.List(ctx)
	}
	if err != nil {
		s.respondLookupError(c, "camera", err)
		return
	}

	c.JSON(http.StatusOK, cameras)
}

func (s *Server) handleGetCamera(c *gin.Context) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}

	camera, err := s.cameras.Get(c.Request.Context(), id)
	if err != nil {
		s.respondLookupError(c, "camera", err)
		return
	}

	c.JSON(http.StatusOK, camera)
}

// handleCreateCamera는 인스턴스에 카메라를 등록합니다
func (s *Server) handleCreateCamera(c *gin.Context) {
	var req createCameraRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if !export.ValidCameraName(req.Name) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name must not be empty, absolute or contain '..'"})
		return
	}

	ctx := c.Request.Context()
	if _, err := s.instances.Get(ctx, req.InstanceID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown zoneminderInstanceId"})
			return
		}
		s.respondLookupError(c, "instance", err)
		return
	}

	camera := &database.Camera{
		InstanceID:      req.InstanceID,
		MonitorID:       req.MonitorID,
		Name:            req.Name,
		Coordinates:     req.Coordinates,
		URL:             req.URL,
		IsSavingRecords: req.IsSavingRecords,
	}
	if err := s.cameras.Create(ctx, camera); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			c.JSON(http.StatusConflict, gin.H{"error": "camera already registered for this monitor"})
			return
		}
		s.respondLookupError(c, "camera", err)
		return
	}

	c.JSON(http.StatusCreated, camera)
}
