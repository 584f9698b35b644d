package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/studiodesk/internal/api/middleware"
	"github.com/timmy/studiodesk/internal/domain"
	"github.com/timmy/studiodesk/internal/drive"
	"github.com/timmy/studiodesk/internal/service"
)

// LinkService is the part of service.DriveLinkService used by DriveHandler.
type LinkService interface {
	LinkBarcodes(ctx context.Context, resourceID string, barcodes []string) (*domain.DriveFolder, *drive.LinkReport, error)
}

// DriveHandler handles drive lookups.
type DriveHandler struct {
	links LinkService
}

// NewDriveHandler creates a new drive handler.
func NewDriveHandler(links LinkService) *DriveHandler {
	return &DriveHandler{links: links}
}

// LinkRequest is the body of POST /api/v1/drive/links.
type LinkRequest struct {
	RequestNumber string   `json:"request_number" binding:"required"`
	Barcodes      []string `json:"barcodes" binding:"required,min=1"`
}

// LinkResponse is the answer of POST /api/v1/drive/links.
type LinkResponse struct {
	Folder *domain.DriveFolder `json:"folder"`
	*drive.LinkReport
}

// LinkBarcodes handles POST /api/v1/drive/links.
func (h *DriveHandler) LinkBarcodes(c *gin.Context) {
	var req LinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	folder, report, err := h.links.LinkBarcodes(c.Request.Context(), req.RequestNumber, req.Barcodes)
	switch {
	case errors.Is(err, service.ErrResourceNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "request folder not found"})
		return
	case errors.Is(err, service.ErrInvalidResource):
		c.JSON(http.StatusBadRequest, gin.H{"error": "request number is required"})
		return
	case err != nil:
		middleware.GetLogger(c).WithError(err).Error("Barcode lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to look up barcode folders"})
		return
	}

	c.JSON(http.StatusOK, LinkResponse{Folder: folder, LinkReport: report})
}
