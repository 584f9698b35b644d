// Package drive lists and downloads files from the studio's cloud drive, where
// every retouch request has a folder holding one sub-folder per product barcode.
package drive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/studiodesk/internal/domain"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the Drive v3 REST endpoint.
	DefaultBaseURL = "https://www.googleapis.com/drive/v3"

	readonlyScope = "https://www.googleapis.com/auth/drive.readonly"
	listFields    = "nextPageToken,files(id,name,mimeType,size,parents)"
)

// ErrNotFound is returned when a folder or file does not exist.
var ErrNotFound = errors.New("drive: not found")

// ChildKind filters ListChildren by MIME type.
type ChildKind int

const (
	AllChildren ChildKind = iota
	FoldersOnly
	FilesOnly
)

// Config configures Client.
type Config struct {
	BaseURL         string
	CredentialsFile string // service account JSON
	AccessToken     string // static token, used when no credentials file is set
	PageSize        int
	RequestInterval time.Duration // fixed spacing between API calls
	Timeout         time.Duration
	HTTPClient      *http.Client // overrides credential handling (tests)
}

// Client is a read-only Drive API client.
type Client struct {
	http     *resty.Client
	limiter  *rate.Limiter
	pageSize int
}

// APIError is a non-2xx Drive response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("drive API error: %s (status %d)", e.Message, e.StatusCode)
}

// NewClient builds a Client from cfg, resolving credentials through oauth2.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		ts, err := tokenSource(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if ts != nil {
			httpClient = oauth2.NewClient(ctx, ts)
		} else {
			httpClient = &http.Client{}
		}
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 || pageSize > 1000 {
		pageSize = 200
	}

	rc := resty.NewWithClient(httpClient).
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetHeader("Accept", "application/json")
	if cfg.Timeout > 0 {
		rc.SetTimeout(cfg.Timeout)
	}

	limit := rate.Inf
	if cfg.RequestInterval > 0 {
		limit = rate.Every(cfg.RequestInterval)
	}

	return &Client{
		http:     rc,
		limiter:  rate.NewLimiter(limit, 1),
		pageSize: pageSize,
	}, nil
}

func tokenSource(ctx context.Context, cfg Config) (oauth2.TokenSource, error) {
	if cfg.CredentialsFile != "" {
		data, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read drive credentials: %w", err)
		}
		creds, err := google.CredentialsFromJSON(ctx, data, readonlyScope)
		if err != nil {
			return nil, fmt.Errorf("failed to parse drive credentials: %w", err)
		}
		return creds.TokenSource, nil
	}
	if cfg.AccessToken != "" {
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.AccessToken}), nil
	}
	return nil, nil
}

type apiFile struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	MimeType string   `json:"mimeType"`
	Size     string   `json:"size"`
	Parents  []string `json:"parents"`
}

type listResponse struct {
	NextPageToken string    `json:"nextPageToken"`
	Files         []apiFile `json:"files"`
}

type apiErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ListChildren returns every non-trashed child of folderID, following pagination.
func (c *Client) ListChildren(ctx context.Context, folderID string, kind ChildKind) ([]domain.DriveFile, error) {
	q := fmt.Sprintf("'%s' in parents and trashed = false", escape(folderID))
	switch kind {
	case FoldersOnly:
		q += fmt.Sprintf(" and mimeType = '%s'", domain.MimeTypeFolder)
	case FilesOnly:
		q += fmt.Sprintf(" and mimeType != '%s'", domain.MimeTypeFolder)
	}

	var out []domain.DriveFile
	pageToken := ""
	for {
		page, err := c.list(ctx, q, pageToken, c.pageSize)
		if err != nil {
			return nil, err
		}
		for _, f := range page.Files {
			out = append(out, toDomain(f, folderID))
		}
		if page.NextPageToken == "" {
			return out, nil
		}
		pageToken = page.NextPageToken
	}
}

// HasChildren reports whether folderID contains at least one entry.
func (c *Client) HasChildren(ctx context.Context, folderID string) (bool, error) {
	q := fmt.Sprintf("'%s' in parents and trashed = false", escape(folderID))
	page, err := c.list(ctx, q, "", 1)
	if err != nil {
		return false, err
	}
	return len(page.Files) > 0, nil
}

// FindChildFolder looks up a folder by exact name under parentID.
func (c *Client) FindChildFolder(ctx context.Context, parentID, name string) (*domain.DriveFolder, error) {
	q := fmt.Sprintf("'%s' in parents and name = '%s' and mimeType = '%s' and trashed = false",
		escape(parentID), escape(name), domain.MimeTypeFolder)
	page, err := c.list(ctx, q, "", 1)
	if err != nil {
		return nil, err
	}
	if len(page.Files) == 0 {
		return nil, ErrNotFound
	}
	f := page.Files[0]
	return &domain.DriveFolder{ID: f.ID, Name: f.Name, ParentID: parentID, Link: c.FolderLink(f.ID)}, nil
}

// Download streams the content of a binary file. The caller closes the reader.
func (c *Client) Download(ctx context.Context, fileID string) (io.ReadCloser, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetPathParam("id", fileID).
		SetQueryParams(map[string]string{"alt": "media", "supportsAllDrives": "true"}).
		Get("/files/{id}")
	if err != nil {
		return nil, fmt.Errorf("failed to download drive file %s: %w", fileID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		body := resp.RawBody()
		defer body.Close()
		msg, _ := io.ReadAll(io.LimitReader(body, 4096))
		return nil, statusError(resp.StatusCode(), string(msg))
	}
	return resp.RawBody(), nil
}

// FolderLink returns the browser URL of a folder.
func (c *Client) FolderLink(folderID string) string {
	return "https://drive.google.com/drive/folders/" + folderID
}

func (c *Client) list(ctx context.Context, q, pageToken string, pageSize int) (*listResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params := map[string]string{
		"q":                         q,
		"fields":                    listFields,
		"pageSize":                  strconv.Itoa(pageSize),
		"supportsAllDrives":         "true",
		"includeItemsFromAllDrives": "true",
		"orderBy":                   "name",
	}
	if pageToken != "" {
		params["pageToken"] = pageToken
	}

	var result listResponse
	var apiErr apiErrorResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&result).
		SetError(&apiErr).
		Get("/files")
	if err != nil {
		return nil, fmt.Errorf("failed to list drive folder: %w", err)
	}
	if resp.IsError() {
		msg := apiErr.Error.Message
		if msg == "" {
			msg = resp.Status()
		}
		return nil, statusError(resp.StatusCode(), msg)
	}
	return &result, nil
}

func statusError(code int, msg string) error {
	if code == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	}
	return &APIError{StatusCode: code, Message: msg}
}

func toDomain(f apiFile, folderID string) domain.DriveFile {
	size, _ := strconv.ParseInt(f.Size, 10, 64)
	return domain.DriveFile{
		ID:       f.ID,
		Name:     f.Name,
		MimeType: f.MimeType,
		Size:     size,
		FolderID: folderID,
	}
}

// escape quotes a value for a Drive query string literal.
func escape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}
