package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	"github.com/timmy/studiodesk/internal/cache"
	"github.com/timmy/studiodesk/internal/domain"
	"github.com/timmy/studiodesk/internal/drive"
	"github.com/timmy/studiodesk/internal/logger"
	"github.com/timmy/studiodesk/internal/progress"
	"github.com/timmy/studiodesk/internal/queue"
	"github.com/timmy/studiodesk/internal/repository"
	"github.com/timmy/studiodesk/internal/storage"
	"golang.org/x/time/rate"
)

var (
	// ErrResourceNotFound is returned when the request has no drive folder.
	ErrResourceNotFound = errors.New("request folder not found")
	// ErrNoEligibleContent is returned when the request folder is empty.
	ErrNoEligibleContent = errors.New("request folder has no files")
	// ErrInvalidResource is returned for a blank request number.
	ErrInvalidResource = errors.New("request number is required")
)

// Phase messages streamed to the client.
const (
	MessageScanning  = "Scanning folder"
	MessagePacking   = "Packing files"
	MessageUploading = "Uploading archive"
)

const (
	// maxPresignExpiry is the longest lifetime S3 accepts for a presigned URL.
	maxPresignExpiry = 7 * 24 * time.Hour

	publishTimeout     = 10 * time.Second
	interruptedMessage = "Archive preparation was interrupted; request it again"
)

// JobStore persists archive jobs. *repository.ArchiveJobRepository implements it.
type JobStore interface {
	Create(ctx context.Context, job *domain.ArchiveJob) error
	GetByID(ctx context.Context, id string) (*domain.ArchiveJob, error)
	FindLatest(ctx context.Context, resourceID string) (*domain.ArchiveJob, error)
	FindLatestReady(ctx context.Context, resourceID string, now time.Time) (*domain.ArchiveJob, error)
	FindActive(ctx context.Context, resourceID, userID string, since time.Time) (*domain.ArchiveJob, error)
	FailActive(ctx context.Context, message string, at time.Time) (int64, error)
	MarkRunning(ctx context.Context, id string, at time.Time) error
	UpdateProgress(ctx context.Context, id string, percent int, message string) error
	MarkCompleted(ctx context.Context, id string, res repository.CompletedArchive) error
	MarkFailed(ctx context.Context, id, message string, at time.Time) error
}

// FolderSource locates request folders and reads files. *drive.Client implements it.
type FolderSource interface {
	FindChildFolder(ctx context.Context, parentID, name string) (*domain.DriveFolder, error)
	HasChildren(ctx context.Context, folderID string) (bool, error)
	Download(ctx context.Context, fileID string) (io.ReadCloser, error)
}

// TreeScanner enumerates a request folder. *drive.Scanner implements it.
type TreeScanner interface {
	ScanTree(ctx context.Context, parentID string) (*drive.TreeScan, error)
}

// ArchiveConfig holds configuration for the archive service.
type ArchiveConfig struct {
	RootFolderID     string
	Workers          int
	TTL              time.Duration
	TempDir          string
	KeyPrefix        string
	ProgressInterval time.Duration
	Presign          bool
	// StaleAfter bounds how long an active job may go without an update before
	// new requests stop joining it.
	StaleAfter time.Duration
}

// ArchiveTicket is the answer to an archive request: either a ready URL or
// the id of the job that is building it.
type ArchiveTicket struct {
	Ready       bool
	DownloadURL string
	JobID       string
}

// ArchiveService prepares zip archives of request folders.
type ArchiveService struct {
	jobs     JobStore
	source   FolderSource
	scanner  TreeScanner
	storage  storage.ObjectStorage
	cache    cache.ArchiveCache
	queue    queue.Queue
	notifier progress.Notifier
	logger   *logger.Logger
	cfg      ArchiveConfig
	now      func() time.Time

	wg sync.WaitGroup
}

// NewArchiveService creates a new archive service.
func NewArchiveService(
	jobs JobStore,
	source FolderSource,
	scanner TreeScanner,
	objectStorage storage.ObjectStorage,
	urlCache cache.ArchiveCache,
	jobQueue queue.Queue,
	notifier progress.Notifier,
	log *logger.Logger,
	cfg ArchiveConfig,
) *ArchiveService {
	if urlCache == nil {
		urlCache = cache.NopCache{}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "archives"
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Minute
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 500 * time.Millisecond
	}
	return &ArchiveService{
		jobs:     jobs,
		source:   source,
		scanner:  scanner,
		storage:  objectStorage,
		cache:    urlCache,
		queue:    jobQueue,
		notifier: notifier,
		logger:   log,
		cfg:      cfg,
		now:      time.Now,
	}
}

// log returns a logger from context if available, otherwise returns the default logger
func (s *ArchiveService) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return s.logger
}

// RequestArchive returns a ready archive URL or starts (or joins) a build job.
func (s *ArchiveService) RequestArchive(ctx context.Context, userID, resourceID string) (*ArchiveTicket, error) {
	resourceID = strings.TrimSpace(resourceID)
	if resourceID == "" {
		return nil, ErrInvalidResource
	}
	ctx = logger.SetResourceID(logger.SetUserID(ctx, userID), resourceID)
	now := s.now()

	if url, ok, err := s.cache.Get(ctx, resourceID); err != nil {
		s.log(ctx).WithError(err).Warn("Archive cache lookup failed")
	} else if ok {
		s.log(ctx).Debug("Archive served from cache")
		return &ArchiveTicket{Ready: true, DownloadURL: url}, nil
	}

	if ticket, err := s.readyFromStore(ctx, resourceID, now); err != nil {
		return nil, err
	} else if ticket != nil {
		return ticket, nil
	}

	active, err := s.jobs.FindActive(ctx, resourceID, userID, now.Add(-s.cfg.StaleAfter))
	switch {
	case err == nil:
		s.log(ctx).WithField(logger.FieldJobID, active.ID).Info("Joined active archive job")
		return &ArchiveTicket{JobID: active.ID}, nil
	case !errors.Is(err, repository.ErrJobNotFound):
		return nil, fmt.Errorf("failed to look up active job: %w", err)
	}

	if err := s.checkFolder(ctx, resourceID); err != nil {
		return nil, err
	}

	job := &domain.ArchiveJob{
		ID:            uuid.New().String(),
		ResourceID:    resourceID,
		UserID:        userID,
		Status:        domain.JobStatusPending,
		StatusMessage: "queued",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create archive job: %w", err)
	}

	// A job that was created must be queued or failed even if the caller goes away.
	store := context.WithoutCancel(ctx)
	pubCtx, cancel := context.WithTimeout(store, publishTimeout)
	defer cancel()

	msg := queue.Message{JobID: job.ID, UserID: userID, ResourceID: resourceID}
	if err := s.queue.Publish(pubCtx, msg); err != nil {
		if markErr := s.jobs.MarkFailed(store, job.ID, "could not queue the job", s.now()); markErr != nil {
			s.log(ctx).WithError(markErr).Error("Failed to mark unqueued job as failed")
		}
		return nil, fmt.Errorf("failed to queue archive job: %w", err)
	}

	s.log(ctx).WithField(logger.FieldJobID, job.ID).Info("Archive job queued")
	return &ArchiveTicket{JobID: job.ID}, nil
}

func (s *ArchiveService) readyFromStore(ctx context.Context, resourceID string, now time.Time) (*ArchiveTicket, error) {
	job, err := s.jobs.FindLatestReady(ctx, resourceID, now)
	if errors.Is(err, repository.ErrJobNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up ready archive: %w", err)
	}
	if !job.IsUsable(now) || job.DownloadURL == "" {
		return nil, nil
	}

	exists, err := s.storage.Exists(ctx, job.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("failed to check archive object: %w", err)
	}
	if !exists {
		s.log(ctx).WithField("object_key", job.ObjectKey).Warn("Archive object is gone, rebuilding")
		return nil, nil
	}

	ttl := s.cfg.TTL
	if job.ExpiresAt != nil {
		ttl = job.ExpiresAt.Sub(now)
	}
	if err := s.cache.Set(ctx, resourceID, job.DownloadURL, ttl); err != nil {
		s.log(ctx).WithError(err).Warn("Failed to cache archive URL")
	}
	return &ArchiveTicket{Ready: true, DownloadURL: job.DownloadURL, JobID: job.ID}, nil
}

func (s *ArchiveService) checkFolder(ctx context.Context, resourceID string) error {
	folder, err := s.source.FindChildFolder(ctx, s.cfg.RootFolderID, resourceID)
	if errors.Is(err, drive.ErrNotFound) {
		return ErrResourceNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to find request folder: %w", err)
	}
	ok, err := s.source.HasChildren(ctx, folder.ID)
	if err != nil {
		return fmt.Errorf("failed to list request folder: %w", err)
	}
	if !ok {
		return ErrNoEligibleContent
	}
	return nil
}

// LatestJob returns the newest job of a request.
func (s *ArchiveService) LatestJob(ctx context.Context, resourceID string) (*domain.ArchiveJob, error) {
	return s.jobs.FindLatest(ctx, resourceID)
}

// Start launches the workers. They stop when ctx is cancelled; Wait blocks until they have.
// With a queue that does not survive restarts, jobs left active by a previous
// process are failed first since nothing will ever build them.
func (s *ArchiveService) Start(ctx context.Context) {
	if !s.queue.Durable() {
		n, err := s.jobs.FailActive(ctx, interruptedMessage, s.now())
		if err != nil {
			s.log(ctx).WithError(err).Error("Failed to fail orphaned archive jobs")
		} else if n > 0 {
			s.log(ctx).WithField(logger.FieldCount, n).Warn("Failed orphaned archive jobs")
		}
	}
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go func(workerID int) {
			defer s.wg.Done()
			wctx := logger.WithField(ctx, logger.FieldWorkerID, workerID)
			if err := s.queue.Consume(wctx, s.HandleJob); err != nil {
				s.log(wctx).WithError(err).Error("Archive worker stopped")
			}
		}(i)
	}
	s.log(ctx).WithField("workers", s.cfg.Workers).Info("Archive workers started")
}

// Wait blocks until all workers have returned.
func (s *ArchiveService) Wait() {
	s.wg.Wait()
}

// HandleJob builds the archive for one queued job. Build failures are recorded on
// the job and reported to the user; only bookkeeping failures are returned.
// Job records are written even after ctx is cancelled so no job is left active
// without a worker.
func (s *ArchiveService) HandleJob(ctx context.Context, msg queue.Message) error {
	ctx = logger.SetJobID(ctx, msg.JobID)
	ctx = logger.SetResourceID(logger.SetUserID(ctx, msg.UserID), msg.ResourceID)
	log := s.log(ctx)
	store := context.WithoutCancel(ctx)

	job, err := s.jobs.GetByID(store, msg.JobID)
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}
	if !job.Status.IsActive() {
		log.WithField(logger.FieldStatus, job.Status).Info("Skipping job that is no longer active")
		return nil
	}
	if err := ctx.Err(); err != nil {
		s.fail(store, job, interruptedMessage, err)
		return nil
	}

	start := s.now()
	if err := s.jobs.MarkRunning(store, job.ID, start); err != nil {
		return err
	}

	result, err := s.build(ctx, job)
	if err != nil {
		message := userMessage(err)
		if ctx.Err() != nil {
			message = interruptedMessage
		}
		s.fail(store, job, message, err)
		return nil
	}

	if err := s.jobs.MarkCompleted(store, job.ID, *result); err != nil {
		s.notifier.Publish(job.UserID, progress.Error{JobID: job.ID, Message: "The archive was built but could not be recorded"})
		return err
	}
	if err := s.cache.Set(store, job.ResourceID, result.DownloadURL, result.ExpiresAt.Sub(result.CompletedAt)); err != nil {
		log.WithError(err).Warn("Failed to cache archive URL")
	}

	log.WithFields(logger.Fields{
		logger.FieldCount:      result.FileCount,
		"skipped":              result.SkippedCount,
		logger.FieldSize:       result.SizeBytes,
		logger.FieldDurationMs: s.now().Sub(start).Milliseconds(),
	}).Info("Archive completed")

	s.notifier.Publish(job.UserID, progress.Complete{
		JobID:       job.ID,
		Message:     fmt.Sprintf("Archive is ready: %d files", result.FileCount),
		DownloadURL: result.DownloadURL,
	})
	return nil
}

// fail records a failed job and tells its user.
func (s *ArchiveService) fail(ctx context.Context, job *domain.ArchiveJob, message string, cause error) {
	log := s.log(ctx)
	log.WithError(cause).Error("Archive build failed")
	if err := s.jobs.MarkFailed(ctx, job.ID, message, s.now()); err != nil {
		log.WithError(err).Error("Failed to mark job as failed")
	}
	s.notifier.Publish(job.UserID, progress.Error{JobID: job.ID, Message: message})
}

// buildError carries a message that is safe to show to the user.
type buildError struct {
	message string
	err     error
}

func (e *buildError) Error() string {
	if e.err == nil {
		return e.message
	}
	return e.message + ": " + e.err.Error()
}

func (e *buildError) Unwrap() error { return e.err }

func userMessage(err error) string {
	var be *buildError
	if errors.As(err, &be) {
		return be.message
	}
	return "Failed to prepare the archive"
}

func (s *ArchiveService) status(ctx context.Context, job *domain.ArchiveJob, message string) {
	if err := s.jobs.UpdateProgress(ctx, job.ID, 0, message); err != nil {
		s.log(ctx).WithError(err).Warn("Failed to record job status")
	}
	s.notifier.Publish(job.UserID, progress.StatusUpdate{JobID: job.ID, Message: message})
}

func (s *ArchiveService) build(ctx context.Context, job *domain.ArchiveJob) (*repository.CompletedArchive, error) {
	s.status(ctx, job, MessageScanning)

	folder, err := s.source.FindChildFolder(ctx, s.cfg.RootFolderID, job.ResourceID)
	if errors.Is(err, drive.ErrNotFound) {
		return nil, &buildError{message: "The request folder was not found"}
	}
	if err != nil {
		return nil, &buildError{message: "Failed to read the request folder", err: err}
	}
	scan, err := s.scanner.ScanTree(ctx, folder.ID)
	if err != nil {
		return nil, &buildError{message: "Failed to read the request folder", err: err}
	}
	if scan.FileCount() == 0 {
		return nil, &buildError{message: "The request folder has no files to archive"}
	}

	s.status(ctx, job, MessagePacking)

	tmp, err := os.CreateTemp(s.cfg.TempDir, "archive-*.zip")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	packed, skipped, err := s.pack(ctx, job, scan, tmp)
	if err != nil {
		return nil, err
	}
	if packed == 0 {
		return nil, &buildError{message: "None of the files could be downloaded"}
	}

	size, err := tmp.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to size archive: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind archive: %w", err)
	}

	s.status(ctx, job, MessageUploading)

	key := path.Join(s.cfg.KeyPrefix, job.ResourceID, job.ID+".zip")
	if err := s.storage.Upload(ctx, key, tmp, size, "application/zip"); err != nil {
		return nil, &buildError{message: "Failed to upload the archive", err: err}
	}

	url, err := s.downloadURL(ctx, key)
	if err != nil {
		return nil, &buildError{message: "Failed to publish the archive", err: err}
	}

	completedAt := s.now()
	return &repository.CompletedArchive{
		ObjectKey:    key,
		DownloadURL:  url,
		FileCount:    packed,
		SkippedCount: skipped,
		SizeBytes:    size,
		CompletedAt:  completedAt,
		ExpiresAt:    completedAt.Add(s.urlTTL()),
	}, nil
}

func (s *ArchiveService) urlTTL() time.Duration {
	if s.cfg.Presign && s.cfg.TTL > maxPresignExpiry {
		return maxPresignExpiry
	}
	return s.cfg.TTL
}

func (s *ArchiveService) downloadURL(ctx context.Context, key string) (string, error) {
	if s.cfg.Presign {
		return s.storage.PresignGetURL(ctx, key, s.urlTTL())
	}
	return s.storage.GetURL(key), nil
}

type archiveEntry struct {
	name string
	file domain.DriveFile
}

// pack writes every downloadable file of scan into w as a zip. Files that fail
// to download are skipped. It returns the packed and skipped counts.
func (s *ArchiveService) pack(ctx context.Context, job *domain.ArchiveJob, scan *drive.TreeScan, w io.Writer) (int, int, error) {
	log := s.log(ctx)
	entries := archiveEntries(scan)
	skipped := len(scan.Skipped)
	for _, f := range scan.Failed {
		log.WithError(f.Err).WithField("folder", f.Folder.Name).Warn("Folder left out of archive")
		skipped++
	}

	zw := zip.NewWriter(w)
	limiter := rate.NewLimiter(rate.Every(s.cfg.ProgressInterval), 1)
	packed := 0

	for i, e := range entries {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		spool, err := s.spool(ctx, e.file)
		if err != nil {
			log.WithError(err).WithField("file", e.name).Warn("File left out of archive")
			skipped++
		} else {
			err = s.writeEntry(zw, e.name, spool)
			discard(spool)
			if err != nil {
				return 0, 0, fmt.Errorf("failed to write %s: %w", e.name, err)
			}
			packed++
		}

		done := i + 1
		if limiter.Allow() || done == len(entries) {
			percent := done * 100 / len(entries)
			desc := fmt.Sprintf("Packed %d of %d files", done, len(entries))
			if err := s.jobs.UpdateProgress(ctx, job.ID, percent, desc); err != nil {
				log.WithError(err).Warn("Failed to record job progress")
			}
			s.notifier.Publish(job.UserID, progress.Progress{JobID: job.ID, Percent: percent, Description: desc})
		}
	}

	if err := zw.Close(); err != nil {
		return 0, 0, fmt.Errorf("failed to finish zip: %w", err)
	}
	return packed, skipped, nil
}

// spool downloads a file completely to a temp file, so a download that breaks
// halfway never reaches the zip.
func (s *ArchiveService) spool(ctx context.Context, file domain.DriveFile) (*os.File, error) {
	body, err := s.source.Download(ctx, file.ID)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	tmp, err := os.CreateTemp(s.cfg.TempDir, "entry-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create spool file: %w", err)
	}
	if _, err := io.Copy(tmp, body); err != nil {
		discard(tmp)
		return nil, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		discard(tmp)
		return nil, err
	}
	return tmp, nil
}

func (s *ArchiveService) writeEntry(zw *zip.Writer, name string, r io.Reader) error {
	fw, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: s.now(),
	})
	if err != nil {
		return err
	}
	_, err = io.Copy(fw, r)
	return err
}

func discard(f *os.File) {
	f.Close()
	os.Remove(f.Name())
}

// archiveEntries names files "<barcode>/<file>", loose files at the root, with
// a numeric suffix on collisions.
func archiveEntries(scan *drive.TreeScan) []archiveEntry {
	used := make(map[string]struct{})
	unique := func(name string) string {
		candidate := name
		ext := path.Ext(name)
		for n := 1; ; n++ {
			if _, taken := used[candidate]; !taken {
				used[candidate] = struct{}{}
				return candidate
			}
			candidate = strings.TrimSuffix(name, ext) + " (" + strconv.Itoa(n) + ")" + ext
		}
	}

	var entries []archiveEntry
	for _, f := range scan.Loose {
		entries = append(entries, archiveEntry{name: unique(cleanName(f.Name)), file: f})
	}
	for _, folder := range scan.Folders {
		dir := cleanName(folder.Folder.Name)
		for _, f := range folder.Files {
			entries = append(entries, archiveEntry{name: unique(dir + "/" + cleanName(f.Name)), file: f})
		}
	}
	return entries
}

func cleanName(name string) string {
	name = strings.NewReplacer("/", "_", "\\", "_").Replace(strings.TrimSpace(name))
	if name == "" || name == "." || name == ".." {
		return "unnamed"
	}
	return name
}
