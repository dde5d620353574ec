package api

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/yourusername/zmexport/internal/database"
	"github.com/yourusername/zmexport/internal/zoneminder"
	"go.uber.org/zap"
)

// handleListRecordings는 카메라의 원격 녹화 목록을 반환합니다
func (s *Server) handleListRecordings(c *gin.Context) {
	instanceID, ok := intParam(c, "instanceId")
	if !ok {
		return
	}
	cameraID, ok := intParam(c, "cameraId")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	instance, err := s.instances.Get(ctx, instanceID)
	if err != nil {
		s.respondLookupError(c, "instance", err)
		return
	}
	camera, err := s.cameras.GetForInstance(ctx, instanceID, cameraID)
	if err != nil {
		s.respondLookupError(c, "camera", err)
		return
	}

	// 원격 실패는 빈 목록으로 돌아오고, 에러는 요청 취소뿐임
	recordings, err := s.recordings.ListRecordings(ctx, instance, camera.MonitorID)
	if err != nil {
		s.logger.Debug("Recording list cancelled",
			zap.Int("instance_id", instanceID),
			zap.Int("camera_id", cameraID),
			zap.Error(err),
		)
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}

	c.JSON(http.StatusOK, recordings)
}

// handleDownloadRecording은 원격 녹화 파일을 그대로 중계합니다
func (s *Server) handleDownloadRecording(c *gin.Context) {
	instanceID, ok := intParam(c, "instanceId")
	if !ok {
		return
	}
	eventID := c.Param("eventId")

	ctx := c.Request.Context()
	instance, err := s.instances.Get(ctx, instanceID)
	if err != nil {
		s.respondLookupError(c, "instance", err)
		return
	}

	media, err := s.recordings.ProxyDownload(ctx, instance, eventID)
	if err != nil {
		s.logger.Warn("Failed to proxy recording",
			zap.Int("instance_id", instanceID),
			zap.String("event_id", eventID),
			zap.Error(err),
		)
		status := http.StatusBadGateway
		var statusErr *zoneminder.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "failed to fetch recording from zoneminder"})
		return
	}
	defer media.Body.Close()

	contentType := media.ContentType
	if contentType == "" {
		contentType = "video/mp4"
	}

	c.DataFromReader(http.StatusOK, media.ContentLength, contentType, media.Body, map[string]string{
		"Content-Disposition": attachment(fmt.Sprintf("recording_%d_%s.mp4", instanceID, eventID)),
	})
}

// attachment은 파일 이름을 이스케이프한 Content-Disposition 값을 만듭니다
func attachment(fileName string) string {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": fileName}); v != "" {
		return v
	}
	return "attachment"
}

func intParam(c *gin.Context, name string) (int, bool) {
	v, err := strconv.Atoi(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid %s", name)})
		return 0, false
	}
	return v, true
}

func (s *Server) respondLookupError(c *gin.Context, what string, err error) {
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": what + " not found"})
		return
	}
	s.logger.Error("Lookup failed", zap.String("kind", what), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
