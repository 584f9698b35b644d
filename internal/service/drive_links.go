package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/timmy/studiodesk/internal/domain"
	"github.com/timmy/studiodesk/internal/drive"
)

// BarcodeLinker resolves barcode folders. *drive.Scanner implements it.
type BarcodeLinker interface {
	LinkBarcodes(ctx context.Context, parentID string, barcodes []string) *drive.LinkReport
}

// FolderFinder is the lookup half of FolderSource.
type FolderFinder interface {
	FindChildFolder(ctx context.Context, parentID, name string) (*domain.DriveFolder, error)
}

// DriveLinkService maps product barcodes of a request to their drive folders.
type DriveLinkService struct {
	folders FolderFinder
	linker  BarcodeLinker
	rootID  string
}

// NewDriveLinkService creates a link service rooted at the drive folder rootID.
func NewDriveLinkService(folders FolderFinder, linker BarcodeLinker, rootID string) *DriveLinkService {
	return &DriveLinkService{folders: folders, linker: linker, rootID: rootID}
}

// LinkBarcodes returns the folder link of every barcode under the request folder.
func (s *DriveLinkService) LinkBarcodes(ctx context.Context, resourceID string, barcodes []string) (*domain.DriveFolder, *drive.LinkReport, error) {
	resourceID = strings.TrimSpace(resourceID)
	if resourceID == "" {
		return nil, nil, ErrInvalidResource
	}
	folder, err := s.folders.FindChildFolder(ctx, s.rootID, resourceID)
	if errors.Is(err, drive.ErrNotFound) {
		return nil, nil, ErrResourceNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find request folder: %w", err)
	}
	return folder, s.linker.LinkBarcodes(ctx, folder.ID, barcodes), nil
}
