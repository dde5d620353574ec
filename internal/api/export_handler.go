package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/yourusername/zmexport/internal/archive"
	"github.com/yourusername/zmexport/internal/core"
	"github.com/yourusername/zmexport/internal/export"
	"go.uber.org/zap"
)

// exportRequest는 POST /api/export/zip 본문입니다
type exportRequest struct {
	Cameras   []export.CameraIdentifier `json:"cameras"`
	StartDate string                    `json:"startDate" binding:"required"`
	EndDate   string                    `json:"endDate" binding:"required"`
}

func (r *exportRequest) toRequest(loc *time.Location) (export.Request, error) {
	start, err := export.ParseTimestamp(r.StartDate, loc)
	if err != nil {
		return export.Request{}, fmt.Errorf("invalid startDate: %w", err)
	}
	end, err := export.ParseTimestamp(r.EndDate, loc)
	if err != nil {
		return export.Request{}, fmt.Errorf("invalid endDate: %w", err)
	}

	return export.Request{
		Cameras:   r.Cameras,
		StartTime: start,
		EndTime:   end,
	}, nil
}

// handleExportZip은 선택한 카메라의 녹화를 ZIP 하나로 내려줍니다
func (s *Server) handleExportZip(c *gin.Context) {
	var body exportRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if len(body.Cameras) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": export.ErrEmptyRequest.Error()})
		return
	}

	req, err := body.toRequest(s.exporter.Location())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req.ExportID = uuid.NewString()
	fileName := export.ArchiveFileName(time.Now())

	if s.sinkMode == core.SinkBuffer {
		s.exportBuffered(c, req, fileName)
		return
	}
	s.exportStreamed(c, req, fileName)
}

func setArchiveHeaders(c *gin.Context, exportID, fileName string) {
	c.Header("X-Export-Id", exportID)
	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", attachment(fileName))
	c.Header("X-Content-Type-Options", "nosniff")
}

// exportStreamed는 엔트리가 완성될 때마다 응답으로 흘려보냅니다.
// 첫 바이트 이후의 실패는 상태 코드로 알릴 수 없으므로 잘린 ZIP으로 끝납니다.
func (s *Server) exportStreamed(c *gin.Context, req export.Request, fileName string) {
	setArchiveHeaders(c, req.ExportID, fileName)
	c.Status(http.StatusOK)

	sink := archive.NewStreamingSink(c.Writer)
	manifest, err := s.exporter.Export(c.Request.Context(), req, sink)
	if err != nil {
		s.logExportError(err)
		if !c.Writer.Written() {
			c.Header("Content-Type", "")
			c.Header("X-Export-Id", "")
			c.Header("Content-Disposition", "")
			c.Header("X-Content-Type-Options", "")
			c.JSON(exportErrorStatus(err), gin.H{"error": err.Error()})
		}
		return
	}

	s.logger.Info("Export streamed",
		zap.String("export_id", manifest.ExportID),
		zap.String("file", fileName),
		zap.Int("added", manifest.Added),
	)
}

// exportBuffered는 아카이브 전체를 만든 뒤 한 번에 응답합니다
func (s *Server) exportBuffered(c *gin.Context, req export.Request, fileName string) {
	sink := archive.NewBufferingSink()
	manifest, err := s.exporter.Export(c.Request.Context(), req, sink)
	if err != nil {
		s.logExportError(err)
		c.JSON(exportErrorStatus(err), gin.H{"error": err.Error()})
		return
	}

	data, err := sink.Bytes()
	if err != nil {
		s.logger.Error("Archive buffer unavailable", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": export.ErrArchive.Error()})
		return
	}

	setArchiveHeaders(c, manifest.ExportID, fileName)
	c.Data(http.StatusOK, "application/zip", data)
}

func (s *Server) logExportError(err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.logger.Warn("Export aborted by client", zap.Error(err))
		return
	}
	s.logger.Error("Export failed", zap.Error(err))
}

func exportErrorStatus(err error) int {
	switch {
	case errors.Is(err, export.ErrEmptyRequest):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
