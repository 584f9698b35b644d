// Package delivery is the client side of archive delivery: it asks the server to
// prepare an archive, listens for progress on the user's push channel, and
// reconciles both into one view that triggers the download exactly once.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/studiodesk/internal/logger"
)

// ErrEmptyResource is returned for a blank resource id; no request is sent.
var ErrEmptyResource = errors.New("resource id is required")

// OutcomeKind classifies a successful archive request.
type OutcomeKind int

const (
	// OutcomeReady means the server returned a usable archive URL.
	OutcomeReady OutcomeKind = iota + 1
	// OutcomeAccepted means a background job was started; progress arrives on the channel.
	OutcomeAccepted
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeReady:
		return "ready"
	case OutcomeAccepted:
		return "accepted"
	default:
		return "unknown"
	}
}

// Outcome is the classified response of RequestArchive.
type Outcome struct {
	Kind        OutcomeKind
	DownloadURL string
	JobID       string
}

// Reason is the category of a rejected archive request.
type Reason string

const (
	ReasonUnauthorized Reason = "unauthorized"
	ReasonNotFound     Reason = "not_found"
	ReasonPrecondition Reason = "precondition"
	ReasonNetwork      Reason = "network"
	ReasonServer       Reason = "server"
)

var reasonText = map[Reason]string{
	ReasonUnauthorized: "You are not signed in or your session has expired",
	ReasonNotFound:     "The request was not found",
	ReasonPrecondition: "The request has no files that can be archived",
	ReasonNetwork:      "Could not reach the archive server",
	ReasonServer:       "The archive server failed to prepare the archive",
}

// RequestError is a rejected archive request. Error returns the text shown to the user.
type RequestError struct {
	Reason     Reason
	StatusCode int
	Message    string // server-provided detail, may be empty
	Err        error
}

func (e *RequestError) Error() string {
	text := reasonText[e.Reason]
	if e.Message != "" {
		return text + ": " + e.Message
	}
	return text
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// InitiatorConfig configures Initiator.
type InitiatorConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Initiator requests archive preparation over HTTP.
type Initiator struct {
	client *resty.Client
}

type archiveResponse struct {
	DownloadURL string `json:"download_url"`
	Status      string `json:"status"`
	JobID       string `json:"job_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewInitiator creates an Initiator. Requests are never retried.
func NewInitiator(cfg InitiatorConfig) *Initiator {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	return &Initiator{client: client}
}

// RequestArchive asks the server to prepare the archive of resourceID.
// Failures are returned as *RequestError.
func (i *Initiator) RequestArchive(ctx context.Context, resourceID string) (Outcome, error) {
	resourceID = strings.TrimSpace(resourceID)
	if resourceID == "" {
		return Outcome{}, ErrEmptyResource
	}

	log := logger.FromContext(ctx).WithField(logger.FieldResourceID, resourceID)
	start := time.Now()

	var result archiveResponse
	var apiErr errorResponse
	resp, err := i.client.R().
		SetContext(ctx).
		SetPathParam("number", resourceID).
		SetResult(&result).
		SetError(&apiErr).
		Post("/api/v1/requests/{number}/archive")
	if err != nil && (resp == nil || resp.StatusCode() == 0) {
		log.WithError(err).Warn("Archive request failed")
		return Outcome{}, &RequestError{Reason: ReasonNetwork, Err: err}
	}
	if err != nil && !resp.IsError() {
		log.WithError(err).Warn("Unreadable archive response")
		return Outcome{}, &RequestError{Reason: ReasonServer, StatusCode: resp.StatusCode(), Err: err}
	}

	log = log.WithFields(logger.Fields{
		logger.FieldStatus:     resp.StatusCode(),
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
	})

	if resp.IsError() || resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		reqErr := &RequestError{
			Reason:     classify(resp.StatusCode()),
			StatusCode: resp.StatusCode(),
			Message:    apiErr.Error,
		}
		log.WithField("reason", reqErr.Reason).Warn("Archive request rejected")
		return Outcome{}, reqErr
	}

	if result.DownloadURL != "" {
		log.Info("Archive ready")
		return Outcome{Kind: OutcomeReady, DownloadURL: result.DownloadURL, JobID: result.JobID}, nil
	}

	log.WithField(logger.FieldJobID, result.JobID).Info("Archive job accepted")
	return Outcome{Kind: OutcomeAccepted, JobID: result.JobID}, nil
}

func classify(status int) Reason {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ReasonUnauthorized
	case http.StatusNotFound:
		return ReasonNotFound
	case http.StatusConflict, http.StatusPreconditionFailed, http.StatusUnprocessableEntity:
		return ReasonPrecondition
	default:
		return ReasonServer
	}
}

// String implements fmt.Stringer for logging.
func (o Outcome) String() string {
	if o.Kind == OutcomeReady {
		return fmt.Sprintf("%s(%s)", o.Kind, o.DownloadURL)
	}
	return o.Kind.String()
}
