package domain

import "strings"

const (
	// MimeTypeFolder is the drive MIME type of a folder.
	MimeTypeFolder = "application/vnd.google-apps.folder"
	// virtualMimePrefix marks drive-native documents that have no binary content.
	virtualMimePrefix = "application/vnd.google-apps."
)

// DriveFolder is a folder in the externally owned cloud drive. Child folders of a
// request folder are named after product barcodes.
type DriveFolder struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ParentID string `json:"parent_id,omitempty"`
	Link     string `json:"link,omitempty"`
}

// DriveFile is a file entry in the cloud drive.
type DriveFile struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
	FolderID string `json:"folder_id"`
}

// IsFolder reports whether the entry is a folder.
func (f DriveFile) IsFolder() bool {
	return f.MimeType == MimeTypeFolder
}

// IsDownloadable is false for folders and drive-native virtual documents
// (docs, sheets, shortcuts, ...), which cannot be fetched as bytes.
func (f DriveFile) IsDownloadable() bool {
	return !strings.HasPrefix(f.MimeType, virtualMimePrefix)
}

// SkippedFile records a file left out of an archive and why.
type SkippedFile struct {
	File   DriveFile `json:"file"`
	Reason string    `json:"reason"`
}

// FolderContents is the scan result for one barcode folder.
type FolderContents struct {
	Folder  DriveFolder   `json:"folder"`
	Files   []DriveFile   `json:"files"`
	Skipped []SkippedFile `json:"skipped,omitempty"`
	Err     error         `json:"-"`
}

// IsEmpty reports whether the folder has no downloadable files.
func (c FolderContents) IsEmpty() bool {
	return len(c.Files) == 0
}
