package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/timmy/studiodesk/internal/logger"
	"github.com/timmy/studiodesk/internal/progress"
)

var (
	// ErrJobOutstanding is returned by Request while a job is being requested or
	// awaiting progress.
	ErrJobOutstanding = errors.New("an archive is already being prepared")
	// ErrNothingToDownload is returned by Redownload outside Completed or when the
	// completed job has no URL.
	ErrNothingToDownload = errors.New("no archive to download")
)

const (
	pendingLimit = 64

	acceptedMessage = "Archive request accepted, waiting for progress..."
	notConnected    = "not connected"
	completeMessage = "Archive is ready"
	failedMessage   = "Archive preparation failed"
)

// ConnectionLostMessage is shown while a job waits and the progress channel is down.
func ConnectionLostMessage(reason string) string {
	return fmt.Sprintf("Connection to the progress server was lost: %s. The archive may still be prepared; wait or close this window.", reason)
}

// State is the delivery lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRequesting
	StateImmediateDownload
	StateAwaitingProgress
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateImmediateDownload:
		return "immediate_download"
	case StateAwaitingProgress:
		return "awaiting_progress"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Requester starts archive preparation. *Initiator implements it.
type Requester interface {
	RequestArchive(ctx context.Context, resourceID string) (Outcome, error)
}

// Downloader starts the actual file download for url.
type Downloader interface {
	Trigger(url string)
}

// DownloaderFunc adapts a function to Downloader.
type DownloaderFunc func(url string)

func (f DownloaderFunc) Trigger(url string) { f(url) }

// Job is one archive request tracked by the reconciler. A new Job is created for
// every Request and dropped on Dismiss.
type Job struct {
	// JobID is the server job id, known once the request is accepted.
	JobID           string
	ResourceID      string
	RequestedAt     time.Time
	State           State
	ProgressPercent int
	StatusMessage   string
	ResultURL       string
	ErrorMessage    string

	seq            uint64
	connectionLost bool
	pending        []progress.Event
	downloaded     map[string]struct{}
}

// View is what the progress surface renders.
type View struct {
	State          State
	ResourceID     string
	Visible        bool
	Percent        int
	Message        string
	ResultURL      string
	ErrorMessage   string
	ConnectionLost bool
	CanRedownload  bool
	// Notice is a one-shot notification for a rejected request.
	Notice string
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithOnChange registers fn to receive the view after every transition.
// fn is called without the reconciler lock held.
func WithOnChange(fn func(View)) Option {
	return func(r *Reconciler) { r.onChange = fn }
}

// WithChannelState lets the reconciler see whether the progress channel is up
// when a job is accepted. Without it a lost connection is only noticed through
// a ConnectionLost event.
func WithChannelState(state func() ChannelState) Option {
	return func(r *Reconciler) { r.channelState = state }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// Reconciler merges request outcomes and channel events into one job lifecycle.
type Reconciler struct {
	requester    Requester
	downloader   Downloader
	onChange     func(View)
	channelState func() ChannelState
	now          func() time.Time

	mu     sync.Mutex
	job    *Job
	seq    uint64
	notice string
}

// NewReconciler creates an idle reconciler.
func NewReconciler(requester Requester, downloader Downloader, opts ...Option) *Reconciler {
	r := &Reconciler{
		requester:  requester,
		downloader: downloader,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Request starts a new job for resourceID and blocks until the server answers.
// A ready archive is downloaded at once without showing the progress surface.
func (r *Reconciler) Request(ctx context.Context, resourceID string) error {
	r.mu.Lock()
	if r.job != nil && (r.job.State == StateRequesting || r.job.State == StateAwaitingProgress) {
		r.mu.Unlock()
		return ErrJobOutstanding
	}
	r.seq++
	job := &Job{
		ResourceID:  resourceID,
		RequestedAt: r.now(),
		State:       StateRequesting,
		seq:         r.seq,
		downloaded:  make(map[string]struct{}),
	}
	r.job = job
	r.notice = ""
	v := r.viewLocked()
	r.mu.Unlock()
	r.notify(v)

	ctx = logger.SetResourceID(ctx, resourceID)
	log := logger.FromContext(ctx).WithField(logger.FieldComponent, "reconciler")

	outcome, err := r.requester.RequestArchive(ctx, resourceID)
	var channel ChannelState
	if r.channelState != nil {
		channel = r.channelState()
	}

	r.mu.Lock()
	if r.job != job {
		r.mu.Unlock()
		log.Debug("Archive response arrived after the job was dismissed")
		return nil
	}

	if err != nil {
		r.job = nil
		r.notice = err.Error()
		v = r.viewLocked()
		r.mu.Unlock()
		r.notify(v)
		return err
	}

	var downloads []string
	switch outcome.Kind {
	case OutcomeReady:
		job.State = StateImmediateDownload
		job.pending = nil
		v = r.viewLocked()
		r.job = nil
		r.mu.Unlock()

		r.trigger(outcome.DownloadURL)
		r.notify(v)
		log.Info("Archive downloaded immediately")
		r.notify(r.View())
		return nil

	default:
		job.JobID = outcome.JobID
		job.State = StateAwaitingProgress
		job.ProgressPercent = 0
		job.StatusMessage = acceptedMessage
		if r.channelState != nil && channel.State == StateClosed {
			reason := channel.Reason
			if reason == "" {
				reason = notConnected
			}
			job.connectionLost = true
			job.StatusMessage = ConnectionLostMessage(reason)
		}
		pending := job.pending
		job.pending = nil
		for _, ev := range pending {
			if job.State != StateAwaitingProgress {
				break
			}
			if !job.owns(ev) {
				continue
			}
			if url := job.apply(ev); url != "" {
				downloads = append(downloads, url)
			}
		}
		v = r.viewLocked()
		r.mu.Unlock()

		log.WithFields(logger.Fields{
			logger.FieldJobID: outcome.JobID,
			logger.FieldCount: len(pending),
		}).Info("Archive job accepted")
		for _, url := range downloads {
			r.trigger(url)
		}
		r.notify(v)
		return nil
	}
}

// HandleEvent applies one channel event to the current job. Events with no job
// are ignored; events that arrive while the request is in flight are held until
// the server accepts it.
func (r *Reconciler) HandleEvent(ev progress.Event) {
	if ev == nil {
		return
	}

	r.mu.Lock()
	job := r.job
	if job == nil {
		r.mu.Unlock()
		logger.GetDefault().WithField("event", progress.Type(ev)).Debug("Ignored progress event with no active job")
		return
	}

	switch job.State {
	case StateRequesting:
		if len(job.pending) == pendingLimit {
			job.pending = job.pending[1:]
		}
		job.pending = append(job.pending, ev)
		r.mu.Unlock()
		return
	case StateAwaitingProgress:
	default:
		r.mu.Unlock()
		return
	}

	if !job.owns(ev) {
		r.mu.Unlock()
		logger.GetDefault().WithFields(logger.Fields{
			"event":           progress.Type(ev),
			logger.FieldJobID: progress.JobID(ev),
		}).Debug("Ignored progress event of another job")
		return
	}

	url := job.apply(ev)
	v := r.viewLocked()
	r.mu.Unlock()

	// The download starts before observers learn the job completed.
	if url != "" {
		r.trigger(url)
	}
	r.notify(v)
}

// Dismiss closes the progress surface. The server job keeps running; its later
// events are ignored.
func (r *Reconciler) Dismiss() {
	r.mu.Lock()
	r.job = nil
	r.notice = ""
	v := r.viewLocked()
	r.mu.Unlock()
	r.notify(v)
}

// Redownload downloads the completed archive again.
func (r *Reconciler) Redownload() error {
	r.mu.Lock()
	job := r.job
	if job == nil || job.State != StateCompleted || job.ResultURL == "" {
		r.mu.Unlock()
		return ErrNothingToDownload
	}
	url := job.ResultURL
	r.mu.Unlock()

	r.trigger(url)
	return nil
}

// View returns the current view.
func (r *Reconciler) View() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.viewLocked()
}

// Run feeds events into the reconciler until ctx is done or events is closed.
func (r *Reconciler) Run(ctx context.Context, events <-chan progress.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.HandleEvent(ev)
		}
	}
}

func (r *Reconciler) viewLocked() View {
	job := r.job
	if job == nil {
		return View{State: StateIdle, Notice: r.notice}
	}
	v := View{
		State:          job.State,
		ResourceID:     job.ResourceID,
		Percent:        job.ProgressPercent,
		Message:        job.StatusMessage,
		ResultURL:      job.ResultURL,
		ErrorMessage:   job.ErrorMessage,
		ConnectionLost: job.connectionLost,
		Notice:         r.notice,
	}
	switch job.State {
	case StateAwaitingProgress:
		v.Visible = true
	case StateCompleted:
		v.Visible = true
		v.CanRedownload = job.ResultURL != ""
	case StateFailed:
		v.Visible = true
		v.Message = job.ErrorMessage
	}
	return v
}

func (r *Reconciler) notify(v View) {
	if r.onChange != nil {
		r.onChange(v)
	}
}

func (r *Reconciler) trigger(url string) {
	if url == "" || r.downloader == nil {
		return
	}
	r.downloader.Trigger(url)
}

// owns reports whether ev belongs to j. Untagged events belong to every job.
func (j *Job) owns(ev progress.Event) bool {
	id := progress.JobID(ev)
	return id == "" || j.JobID == "" || id == j.JobID
}

// apply handles ev in AwaitingProgress and returns a URL to download, if any.
func (j *Job) apply(ev progress.Event) string {
	switch e := ev.(type) {
	case progress.StatusUpdate:
		j.StatusMessage = e.Message
		j.ProgressPercent = 0
		j.connectionLost = false
	case progress.Progress:
		j.ProgressPercent = e.Percent
		j.StatusMessage = e.Description
		if e.Description == "" {
			j.StatusMessage = fmt.Sprintf("%d%%", e.Percent)
		}
		j.connectionLost = false
	case progress.Complete:
		j.State = StateCompleted
		j.ProgressPercent = 100
		j.StatusMessage = e.Message
		if e.Message == "" {
			j.StatusMessage = completeMessage
		}
		j.ResultURL = e.DownloadURL
		j.ErrorMessage = ""
		j.connectionLost = false
		if e.DownloadURL == "" {
			return ""
		}
		if _, seen := j.downloaded[e.DownloadURL]; seen {
			return ""
		}
		j.downloaded[e.DownloadURL] = struct{}{}
		return e.DownloadURL
	case progress.Error:
		j.State = StateFailed
		j.ProgressPercent = 0
		j.ErrorMessage = e.Message
		if e.Message == "" {
			j.ErrorMessage = failedMessage
		}
		j.StatusMessage = ""
		j.ResultURL = ""
		j.connectionLost = false
	case progress.ConnectionLost:
		j.connectionLost = true
		j.StatusMessage = ConnectionLostMessage(e.Reason)
	}
	return ""
}
