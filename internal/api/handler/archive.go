package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/studiodesk/internal/api/middleware"
	"github.com/timmy/studiodesk/internal/domain"
	"github.com/timmy/studiodesk/internal/repository"
	"github.com/timmy/studiodesk/internal/service"
)

// ArchiveService is the part of service.ArchiveService used by ArchiveHandler.
type ArchiveService interface {
	RequestArchive(ctx context.Context, userID, resourceID string) (*service.ArchiveTicket, error)
	LatestJob(ctx context.Context, resourceID string) (*domain.ArchiveJob, error)
}

// ArchiveHandler handles archive preparation endpoints.
type ArchiveHandler struct {
	archives ArchiveService
}

// NewArchiveHandler creates a new archive handler.
func NewArchiveHandler(archives ArchiveService) *ArchiveHandler {
	return &ArchiveHandler{archives: archives}
}

// RequestArchive handles POST /api/v1/requests/:number/archive.
// A ready archive is returned with 200 and its URL; otherwise 202 with the job id
// and progress follows on the user's progress channel.
func (h *ArchiveHandler) RequestArchive(c *gin.Context) {
	ticket, err := h.archives.RequestArchive(c.Request.Context(), middleware.UserID(c), c.Param("number"))
	if err != nil {
		status, msg := archiveError(err)
		if status == http.StatusInternalServerError {
			middleware.GetLogger(c).WithError(err).Error("Archive request failed")
		}
		c.JSON(status, gin.H{"error": msg})
		return
	}

	if ticket.Ready {
		c.JSON(http.StatusOK, gin.H{
			"download_url": ticket.DownloadURL,
			"job_id":       ticket.JobID,
		})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"status": "accepted",
		"job_id": ticket.JobID,
	})
}

// GetArchive handles GET /api/v1/requests/:number/archive.
func (h *ArchiveHandler) GetArchive(c *gin.Context) {
	job, err := h.archives.LatestJob(c.Request.Context(), c.Param("number"))
	if errors.Is(err, repository.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no archive for this request"})
		return
	}
	if err != nil {
		middleware.GetLogger(c).WithError(err).Error("Failed to load archive job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load archive"})
		return
	}
	c.JSON(http.StatusOK, job)
}

func archiveError(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrResourceNotFound):
		return http.StatusNotFound, "request folder not found"
	case errors.Is(err, service.ErrNoEligibleContent):
		return http.StatusUnprocessableEntity, "request folder has no files"
	case errors.Is(err, service.ErrInvalidResource):
		return http.StatusUnprocessableEntity, "request number is required"
	default:
		return http.StatusInternalServerError, "failed to prepare archive"
	}
}
