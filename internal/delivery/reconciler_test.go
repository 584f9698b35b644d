package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/studiodesk/internal/progress"
)

type stubRequester struct {
	mu      sync.Mutex
	calls   []string
	outcome Outcome
	err     error
	// gate, when set, blocks RequestArchive until it receives a value.
	gate chan struct{}
}

func (s *stubRequester) RequestArchive(_ context.Context, resourceID string) (Outcome, error) {
	s.mu.Lock()
	s.calls = append(s.calls, resourceID)
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return s.outcome, s.err
}

type recordingDownloader struct {
	mu   sync.Mutex
	urls []string
}

func (d *recordingDownloader) Trigger(url string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
}

func (d *recordingDownloader) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

type viewRecorder struct {
	mu    sync.Mutex
	views []View
}

func (r *viewRecorder) record(v View) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.views = append(r.views, v)
}

func (r *viewRecorder) anyVisible() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.views {
		if v.Visible {
			return true
		}
	}
	return false
}

func accepted() *stubRequester {
	return &stubRequester{outcome: Outcome{Kind: OutcomeAccepted, JobID: "job-1"}}
}

func ready(url string) *stubRequester {
	return &stubRequester{outcome: Outcome{Kind: OutcomeReady, DownloadURL: url}}
}

func newTestReconciler(req Requester) (*Reconciler, *recordingDownloader, *viewRecorder) {
	dl := &recordingDownloader{}
	views := &viewRecorder{}
	return NewReconciler(req, dl, WithOnChange(views.record)), dl, views
}

func TestFastPathNeverShowsSurface(t *testing.T) {
	req := ready("https://files/R200.zip")
	r, dl, views := newTestReconciler(req)

	require.NoError(t, r.Request(context.Background(), "R200"))
	require.NoError(t, r.Request(context.Background(), "R200"))

	assert.Equal(t, []string{"https://files/R200.zip", "https://files/R200.zip"}, dl.URLs())
	assert.False(t, views.anyVisible())
	assert.Equal(t, StateIdle, r.View().State)
}

func TestScenarioAcceptedToCompleted(t *testing.T) {
	r, dl, _ := newTestReconciler(accepted())

	require.NoError(t, r.Request(context.Background(), "R100"))
	v := r.View()
	assert.Equal(t, StateAwaitingProgress, v.State)
	assert.True(t, v.Visible)
	assert.Equal(t, 0, v.Percent)
	assert.Equal(t, acceptedMessage, v.Message)

	r.HandleEvent(progress.StatusUpdate{Message: "Packing files"})
	assert.Equal(t, 0, r.View().Percent)
	assert.Equal(t, "Packing files", r.View().Message)

	r.HandleEvent(progress.Progress{Percent: 40, Description: "40%"})
	assert.Equal(t, 40, r.View().Percent)
	r.HandleEvent(progress.Progress{Percent: 90, Description: "90%"})
	assert.Equal(t, 90, r.View().Percent)

	r.HandleEvent(progress.Complete{Message: "Done", DownloadURL: "https://files/R100.zip"})

	v = r.View()
	assert.Equal(t, StateCompleted, v.State)
	assert.Equal(t, "Done", v.Message)
	assert.Equal(t, "https://files/R100.zip", v.ResultURL)
	assert.Empty(t, v.ErrorMessage)
	assert.True(t, v.Visible)
	assert.True(t, v.CanRedownload)
	assert.Equal(t, []string{"https://files/R100.zip"}, dl.URLs())
}

func TestSingleDownloadPerComplete(t *testing.T) {
	r, dl, _ := newTestReconciler(accepted())
	require.NoError(t, r.Request(context.Background(), "R1"))

	for p := 0; p <= 100; p += 10 {
		r.HandleEvent(progress.Progress{Percent: p})
	}
	r.HandleEvent(progress.Complete{Message: "Done", DownloadURL: "https://files/R1.zip"})
	r.HandleEvent(progress.Complete{Message: "Done", DownloadURL: "https://files/R1.zip"})

	assert.Equal(t, []string{"https://files/R1.zip"}, dl.URLs())
}

func TestCompleteWithoutURL(t *testing.T) {
	r, dl, _ := newTestReconciler(accepted())
	require.NoError(t, r.Request(context.Background(), "R1"))

	r.HandleEvent(progress.Complete{Message: "Nothing to pack"})

	v := r.View()
	assert.Equal(t, StateCompleted, v.State)
	assert.Equal(t, "Nothing to pack", v.Message)
	assert.False(t, v.CanRedownload)
	assert.Empty(t, dl.URLs())
	assert.ErrorIs(t, r.Redownload(), ErrNothingToDownload)
}

func TestStatusUpdateResetsPercent(t *testing.T) {
	r, _, _ := newTestReconciler(accepted())
	require.NoError(t, r.Request(context.Background(), "R1"))

	r.HandleEvent(progress.Progress{Percent: 75, Description: "75%"})
	r.HandleEvent(progress.StatusUpdate{Message: "Uploading"})

	assert.Equal(t, 0, r.View().Percent)
	assert.Equal(t, "Uploading", r.View().Message)
}

func TestConnectionLostIsDistinct(t *testing.T) {
	r, dl, _ := newTestReconciler(accepted())
	require.NoError(t, r.Request(context.Background(), "R300"))

	r.HandleEvent(progress.StatusUpdate{Message: "Scanning folder"})
	statusMessage := r.View().Message

	r.HandleEvent(progress.ConnectionLost{Reason: "unexpected EOF"})

	v := r.View()
	assert.Equal(t, StateAwaitingProgress, v.State)
	assert.True(t, v.ConnectionLost)
	assert.True(t, v.Visible)
	assert.Equal(t, ConnectionLostMessage("unexpected EOF"), v.Message)
	assert.NotEqual(t, statusMessage, v.Message)
	assert.NotEqual(t, failedMessage, v.Message)
	assert.Empty(t, v.ErrorMessage)
	assert.Empty(t, dl.URLs())

	// Hearing from the server again clears the flag.
	r.HandleEvent(progress.Progress{Percent: 10, Description: "10%"})
	assert.False(t, r.View().ConnectionLost)
}

func TestErrorEventFails(t *testing.T) {
	r, dl, _ := newTestReconciler(accepted())
	require.NoError(t, r.Request(context.Background(), "R1"))

	r.HandleEvent(progress.Progress{Percent: 60})
	r.HandleEvent(progress.Error{Message: "Drive quota exceeded"})

	v := r.View()
	assert.Equal(t, StateFailed, v.State)
	assert.Equal(t, 0, v.Percent)
	assert.Equal(t, "Drive quota exceeded", v.ErrorMessage)
	assert.Equal(t, "Drive quota exceeded", v.Message)
	assert.Empty(t, v.ResultURL)
	assert.True(t, v.Visible)
	assert.Empty(t, dl.URLs())

	// Terminal: a late Complete for some other job is ignored.
	r.HandleEvent(progress.Complete{DownloadURL: "https://files/other.zip"})
	assert.Equal(t, StateFailed, r.View().State)
	assert.Empty(t, dl.URLs())
}

func TestDismissIgnoresLateEvents(t *testing.T) {
	r, dl, views := newTestReconciler(accepted())
	require.NoError(t, r.Request(context.Background(), "R1"))

	r.Dismiss()
	views.mu.Lock()
	views.views = nil
	views.mu.Unlock()

	r.HandleEvent(progress.Complete{Message: "Done", DownloadURL: "https://files/R1.zip"})

	assert.Equal(t, StateIdle, r.View().State)
	assert.False(t, views.anyVisible())
	assert.Empty(t, dl.URLs())
}

func TestEventsWithoutJobAreIgnored(t *testing.T) {
	r, dl, _ := newTestReconciler(accepted())

	r.HandleEvent(progress.Progress{Percent: 50})
	r.HandleEvent(progress.Complete{DownloadURL: "https://files/x.zip"})
	r.HandleEvent(nil)

	assert.Equal(t, StateIdle, r.View().State)
	assert.Empty(t, dl.URLs())
}

func TestRequestRejected(t *testing.T) {
	req := &stubRequester{err: &RequestError{Reason: ReasonPrecondition, StatusCode: 422, Message: "folder is empty"}}
	r, dl, views := newTestReconciler(req)

	err := r.Request(context.Background(), "R1")
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)

	v := r.View()
	assert.Equal(t, StateIdle, v.State)
	assert.Equal(t, err.Error(), v.Notice)
	assert.False(t, views.anyVisible())
	assert.Empty(t, dl.URLs())

	// Retrying is allowed.
	req.err = nil
	req.outcome = Outcome{Kind: OutcomeAccepted}
	require.NoError(t, r.Request(context.Background(), "R1"))
	assert.Empty(t, r.View().Notice)
}

func TestRequestWhileOutstanding(t *testing.T) {
	r, _, _ := newTestReconciler(accepted())
	require.NoError(t, r.Request(context.Background(), "R1"))

	assert.ErrorIs(t, r.Request(context.Background(), "R2"), ErrJobOutstanding)
	assert.Equal(t, "R1", r.View().ResourceID)

	r.HandleEvent(progress.Error{Message: "boom"})
	require.NoError(t, r.Request(context.Background(), "R2"))
	assert.Equal(t, "R2", r.View().ResourceID)
	assert.Equal(t, StateAwaitingProgress, r.View().State)
}

func TestNewRequestAfterCompletedStartsFreshJob(t *testing.T) {
	r, dl, _ := newTestReconciler(accepted())
	require.NoError(t, r.Request(context.Background(), "R1"))
	r.HandleEvent(progress.Complete{DownloadURL: "https://files/same.zip"})

	require.NoError(t, r.Request(context.Background(), "R1"))
	r.HandleEvent(progress.Complete{DownloadURL: "https://files/same.zip"})

	assert.Equal(t, []string{"https://files/same.zip", "https://files/same.zip"}, dl.URLs())
}

func TestRedownload(t *testing.T) {
	r, dl, _ := newTestReconciler(accepted())
	assert.ErrorIs(t, r.Redownload(), ErrNothingToDownload)

	require.NoError(t, r.Request(context.Background(), "R1"))
	r.HandleEvent(progress.Complete{DownloadURL: "https://files/R1.zip"})
	require.NoError(t, r.Redownload())

	assert.Equal(t, []string{"https://files/R1.zip", "https://files/R1.zip"}, dl.URLs())
}

func TestEventsBufferedWhileRequesting(t *testing.T) {
	req := accepted()
	req.gate = make(chan struct{})
	r, dl, _ := newTestReconciler(req)

	done := make(chan error, 1)
	go func() { done <- r.Request(context.Background(), "R1") }()

	require.Eventually(t, func() bool { return r.View().State == StateRequesting }, time.Second, 5*time.Millisecond)
	assert.False(t, r.View().Visible)

	r.HandleEvent(progress.StatusUpdate{Message: "Packing files"})
	r.HandleEvent(progress.Progress{Percent: 30, Description: "30%"})
	assert.Equal(t, StateRequesting, r.View().State)

	req.gate <- struct{}{}
	require.NoError(t, <-done)

	v := r.View()
	assert.Equal(t, StateAwaitingProgress, v.State)
	assert.Equal(t, 30, v.Percent)
	assert.Equal(t, "30%", v.Message)
	assert.Empty(t, dl.URLs())
}

func TestBufferedEventsDroppedOnReady(t *testing.T) {
	req := ready("https://files/R1.zip")
	req.gate = make(chan struct{})
	r, dl, views := newTestReconciler(req)

	done := make(chan error, 1)
	go func() { done <- r.Request(context.Background(), "R1") }()
	require.Eventually(t, func() bool { return r.View().State == StateRequesting }, time.Second, 5*time.Millisecond)

	r.HandleEvent(progress.Complete{DownloadURL: "https://files/stale.zip"})
	req.gate <- struct{}{}
	require.NoError(t, <-done)

	assert.Equal(t, []string{"https://files/R1.zip"}, dl.URLs())
	assert.False(t, views.anyVisible())
	assert.Equal(t, StateIdle, r.View().State)
}

func TestDismissDuringRequest(t *testing.T) {
	req := ready("https://files/R1.zip")
	req.gate = make(chan struct{})
	r, dl, _ := newTestReconciler(req)

	done := make(chan error, 1)
	go func() { done <- r.Request(context.Background(), "R1") }()
	require.Eventually(t, func() bool { return r.View().State == StateRequesting }, time.Second, 5*time.Millisecond)

	r.Dismiss()
	req.gate <- struct{}{}
	require.NoError(t, <-done)

	assert.Empty(t, dl.URLs())
	assert.Equal(t, StateIdle, r.View().State)
}

func TestPendingBufferIsBounded(t *testing.T) {
	req := accepted()
	req.gate = make(chan struct{})
	r, _, _ := newTestReconciler(req)

	done := make(chan error, 1)
	go func() { done <- r.Request(context.Background(), "R1") }()
	require.Eventually(t, func() bool { return r.View().State == StateRequesting }, time.Second, 5*time.Millisecond)

	for p := 0; p < pendingLimit+10; p++ {
		r.HandleEvent(progress.Progress{Percent: p % 101})
	}
	r.mu.Lock()
	assert.Len(t, r.job.pending, pendingLimit)
	r.mu.Unlock()

	req.gate <- struct{}{}
	require.NoError(t, <-done)
	assert.Equal(t, (pendingLimit+9)%101, r.View().Percent)
}

func TestRunStopsOnCancel(t *testing.T) {
	r, dl, _ := newTestReconciler(accepted())
	require.NoError(t, r.Request(context.Background(), "R1"))

	events := make(chan progress.Event, 4)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx, events) }()

	events <- progress.Progress{Percent: 20}
	events <- progress.Complete{DownloadURL: "https://files/R1.zip"}
	require.Eventually(t, func() bool { return len(dl.URLs()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.True(t, errors.Is(<-errc, context.Canceled))
}

func TestRunReturnsWhenEventsClosed(t *testing.T) {
	r, _, _ := newTestReconciler(accepted())
	events := make(chan progress.Event)
	close(events)
	assert.NoError(t, r.Run(context.Background(), events))
}

func TestEventsOfAnotherJobAreIgnored(t *testing.T) {
	req := accepted()
	r, dl, _ := newTestReconciler(req)

	require.NoError(t, r.Request(context.Background(), "R1"))
	r.Dismiss()
	req.outcome = Outcome{Kind: OutcomeAccepted, JobID: "job-2"}
	require.NoError(t, r.Request(context.Background(), "R2"))

	r.HandleEvent(progress.Progress{JobID: "job-1", Percent: 80})
	r.HandleEvent(progress.Complete{JobID: "job-1", DownloadURL: "https://files/R1.zip"})
	v := r.View()
	assert.Equal(t, StateAwaitingProgress, v.State)
	assert.Equal(t, "R2", v.ResourceID)
	assert.Equal(t, 0, v.Percent)
	assert.Empty(t, dl.URLs())

	r.HandleEvent(progress.Complete{JobID: "job-2", DownloadURL: "https://files/R2.zip"})
	assert.Equal(t, StateCompleted, r.View().State)
	assert.Equal(t, []string{"https://files/R2.zip"}, dl.URLs())
}

func TestBufferedEventsOfAnotherJobAreDropped(t *testing.T) {
	req := accepted()
	req.gate = make(chan struct{})
	r, dl, _ := newTestReconciler(req)

	done := make(chan error, 1)
	go func() { done <- r.Request(context.Background(), "R1") }()
	require.Eventually(t, func() bool { return r.View().State == StateRequesting }, time.Second, 5*time.Millisecond)

	r.HandleEvent(progress.Complete{JobID: "job-0", DownloadURL: "https://files/old.zip"})
	r.HandleEvent(progress.Progress{JobID: "job-1", Percent: 20, Description: "20%"})
	req.gate <- struct{}{}
	require.NoError(t, <-done)

	v := r.View()
	assert.Equal(t, StateAwaitingProgress, v.State)
	assert.Equal(t, 20, v.Percent)
	assert.Empty(t, dl.URLs())
}

func TestAcceptedWhileChannelClosed(t *testing.T) {
	tests := []struct {
		name    string
		channel ChannelState
		lost    bool
		message string
	}{
		{
			name:    "open",
			channel: ChannelState{UserID: "alice", State: StateOpen},
			message: acceptedMessage,
		},
		{
			name:    "lost earlier",
			channel: ChannelState{UserID: "alice", State: StateClosed, Reason: "unexpected EOF"},
			lost:    true,
			message: ConnectionLostMessage("unexpected EOF"),
		},
		{
			name:    "never opened",
			channel: ChannelState{State: StateClosed},
			lost:    true,
			message: ConnectionLostMessage(notConnected),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReconciler(accepted(), &recordingDownloader{}, WithChannelState(func() ChannelState { return tt.channel }))
			require.NoError(t, r.Request(context.Background(), "R1"))

			v := r.View()
			assert.Equal(t, StateAwaitingProgress, v.State)
			assert.Equal(t, tt.lost, v.ConnectionLost)
			assert.Equal(t, tt.message, v.Message)
		})
	}
}

func TestDownloadStartsBeforeCompletionIsObserved(t *testing.T) {
	dl := &recordingDownloader{}
	var seen []string
	r := NewReconciler(accepted(), dl, WithOnChange(func(v View) {
		if v.State == StateCompleted {
			seen = dl.URLs()
		}
	}))
	require.NoError(t, r.Request(context.Background(), "R1"))

	r.HandleEvent(progress.Complete{DownloadURL: "https://files/R1.zip"})
	assert.Equal(t, []string{"https://files/R1.zip"}, seen)
}

func TestImmediateDownloadStartsBeforeItIsObserved(t *testing.T) {
	dl := &recordingDownloader{}
	var seen []string
	r := NewReconciler(ready("https://files/R200.zip"), dl, WithOnChange(func(v View) {
		if v.State == StateImmediateDownload {
			seen = dl.URLs()
		}
	}))
	require.NoError(t, r.Request(context.Background(), "R200"))

	assert.Equal(t, []string{"https://files/R200.zip"}, seen)
}
