package drive

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/timmy/studiodesk/internal/domain"
	"github.com/timmy/studiodesk/internal/logger"
	"golang.org/x/sync/errgroup"
)

// Lister is the subset of Client used by Scanner.
type Lister interface {
	ListChildren(ctx context.Context, folderID string, kind ChildKind) ([]domain.DriveFile, error)
	FindChildFolder(ctx context.Context, parentID, name string) (*domain.DriveFolder, error)
	FolderLink(folderID string) string
}

// Outcome is the result of one lookup in a bounded run.
type Outcome[R any] struct {
	Value R
	Err   error
}

// RunBounded calls fn for every item with at most limit calls in flight.
// Failures do not stop the remaining lookups. Outcomes are returned in input order.
func RunBounded[T, R any](ctx context.Context, limit int, items []T, fn func(context.Context, T) (R, error)) []Outcome[R] {
	if limit <= 0 {
		limit = 1
	}
	out := make([]Outcome[R], len(items))

	var g errgroup.Group
	g.SetLimit(limit)
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			out[i].Err = err
			continue
		}
		g.Go(func() error {
			v, err := fn(ctx, item)
			out[i] = Outcome[R]{Value: v, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Scanner enumerates a request folder: parent -> barcode folders -> files.
type Scanner struct {
	lister      Lister
	concurrency int
}

// NewScanner creates a scanner running at most concurrency folder lookups at once.
// Request spacing is enforced by the Lister.
func NewScanner(lister Lister, concurrency int) *Scanner {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Scanner{lister: lister, concurrency: concurrency}
}

// TreeScan is the aggregated result of ScanTree.
type TreeScan struct {
	ParentID string
	Folders  []domain.FolderContents // folders with at least one downloadable file
	Loose    []domain.DriveFile      // downloadable files directly under the parent
	Skipped  []domain.SkippedFile
	Empty    []domain.DriveFolder
	Failed   []domain.FolderContents
}

// FileCount returns the number of downloadable files found.
func (t *TreeScan) FileCount() int {
	n := len(t.Loose)
	for _, f := range t.Folders {
		n += len(f.Files)
	}
	return n
}

// ScanTree lists every barcode folder under parentID and its files. A failing
// folder is reported in Failed; only a failure to list the parent is an error.
func (s *Scanner) ScanTree(ctx context.Context, parentID string) (*TreeScan, error) {
	log := logger.FromContext(ctx).WithField(logger.FieldComponent, "drive_scanner")

	children, err := s.lister.ListChildren(ctx, parentID, AllChildren)
	if err != nil {
		return nil, fmt.Errorf("failed to list folder %s: %w", parentID, err)
	}

	scan := &TreeScan{ParentID: parentID}
	var folders []domain.DriveFolder
	for _, c := range children {
		if c.IsFolder() {
			folders = append(folders, domain.DriveFolder{
				ID:       c.ID,
				Name:     c.Name,
				ParentID: parentID,
				Link:     s.lister.FolderLink(c.ID),
			})
			continue
		}
		if c.IsDownloadable() {
			scan.Loose = append(scan.Loose, c)
		} else {
			scan.Skipped = append(scan.Skipped, domain.SkippedFile{File: c, Reason: skipReason(c)})
		}
	}

	outcomes := RunBounded(ctx, s.concurrency, folders, s.scanFolder)
	for i, o := range outcomes {
		contents := o.Value
		contents.Folder = folders[i]
		if o.Err != nil {
			contents.Err = o.Err
			scan.Failed = append(scan.Failed, contents)
			log.WithError(o.Err).WithField("folder", folders[i].Name).Warn("Failed to scan folder")
			continue
		}
		scan.Skipped = append(scan.Skipped, contents.Skipped...)
		if contents.IsEmpty() {
			scan.Empty = append(scan.Empty, folders[i])
			continue
		}
		scan.Folders = append(scan.Folders, contents)
	}

	sort.Slice(scan.Folders, func(i, j int) bool { return scan.Folders[i].Folder.Name < scan.Folders[j].Folder.Name })

	log.WithFields(logger.Fields{
		"folders":              len(folders),
		logger.FieldCount:      scan.FileCount(),
		"skipped":              len(scan.Skipped),
		"empty":                len(scan.Empty),
		"failed":               len(scan.Failed),
		logger.FieldResourceID: parentID,
	}).Debug("Folder tree scanned")

	return scan, nil
}

func (s *Scanner) scanFolder(ctx context.Context, folder domain.DriveFolder) (domain.FolderContents, error) {
	files, err := s.lister.ListChildren(ctx, folder.ID, FilesOnly)
	if err != nil {
		return domain.FolderContents{}, err
	}
	var contents domain.FolderContents
	for _, f := range files {
		if f.IsDownloadable() {
			contents.Files = append(contents.Files, f)
		} else {
			contents.Skipped = append(contents.Skipped, domain.SkippedFile{File: f, Reason: skipReason(f)})
		}
	}
	return contents, nil
}

func skipReason(f domain.DriveFile) string {
	return "virtual drive document (" + strings.TrimPrefix(f.MimeType, "application/") + ")"
}

// LinkReport is the aggregated result of LinkBarcodes.
type LinkReport struct {
	Links   map[string]string `json:"links"`
	Empty   []string          `json:"empty"`
	Missing []string          `json:"missing"`
	Failed  map[string]string `json:"failed"`
}

type linkResult struct {
	folder *domain.DriveFolder
	empty  bool
}

// LinkBarcodes resolves each barcode to the link of its folder under parentID.
// Blank and duplicate barcodes are ignored.
func (s *Scanner) LinkBarcodes(ctx context.Context, parentID string, barcodes []string) *LinkReport {
	seen := make(map[string]struct{}, len(barcodes))
	var unique []string
	for _, b := range barcodes {
		b = strings.TrimSpace(b)
		if b == "" {
			continue
		}
		if _, ok := seen[b]; ok {
			continue
		}
		seen[b] = struct{}{}
		unique = append(unique, b)
	}

	outcomes := RunBounded(ctx, s.concurrency, unique, func(ctx context.Context, barcode string) (linkResult, error) {
		folder, err := s.lister.FindChildFolder(ctx, parentID, barcode)
		if err != nil {
			return linkResult{}, err
		}
		files, err := s.lister.ListChildren(ctx, folder.ID, FilesOnly)
		if err != nil {
			return linkResult{}, err
		}
		empty := true
		for _, f := range files {
			if f.IsDownloadable() {
				empty = false
				break
			}
		}
		return linkResult{folder: folder, empty: empty}, nil
	})

	report := &LinkReport{
		Links:   make(map[string]string),
		Empty:   []string{},
		Missing: []string{},
		Failed:  make(map[string]string),
	}
	for i, o := range outcomes {
		barcode := unique[i]
		switch {
		case errors.Is(o.Err, ErrNotFound):
			report.Missing = append(report.Missing, barcode)
		case o.Err != nil:
			report.Failed[barcode] = o.Err.Error()
		default:
			report.Links[barcode] = o.Value.folder.Link
			if o.Value.empty {
				report.Empty = append(report.Empty, barcode)
			}
		}
	}

	logger.FromContext(ctx).WithFields(logger.Fields{
		logger.FieldCount: len(unique),
		"linked":          len(report.Links),
		"missing":         len(report.Missing),
		"failed":          len(report.Failed),
	}).Info("Barcode folders linked")

	return report
}
