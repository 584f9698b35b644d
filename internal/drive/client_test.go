package drive

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/studiodesk/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(context.Background(), Config{
		BaseURL:    srv.URL,
		PageSize:   2,
		HTTPClient: srv.Client(),
	})
	require.NoError(t, err)
	return c
}

func TestListChildrenFollowsPages(t *testing.T) {
	var queries []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/files", r.URL.Path)
		queries = append(queries, r.URL.Query().Get("q"))
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("pageToken") {
		case "":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"nextPageToken": "p2",
				"files": []map[string]any{
					{"id": "a", "name": "a.jpg", "mimeType": "image/jpeg", "size": "10"},
					{"id": "b", "name": "b.jpg", "mimeType": "image/jpeg", "size": "20"},
				},
			})
		case "p2":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"files": []map[string]any{
					{"id": "c", "name": "notes", "mimeType": "application/vnd.google-apps.document"},
				},
			})
		default:
			t.Errorf("unexpected page token %q", r.URL.Query().Get("pageToken"))
		}
	})

	files, err := c.ListChildren(context.Background(), "parent", FilesOnly)
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, int64(20), files[1].Size)
	assert.Equal(t, "parent", files[2].FolderID)
	assert.False(t, files[2].IsDownloadable())

	require.Len(t, queries, 2)
	assert.Contains(t, queries[0], "'parent' in parents")
	assert.Contains(t, queries[0], "mimeType != '"+domain.MimeTypeFolder+"'")
}

func TestFindChildFolder(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(q, "name = '4600000000017'") {
			_, _ = w.Write([]byte(`{"files":[{"id":"f1","name":"4600000000017","mimeType":"application/vnd.google-apps.folder"}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"files":[]}`))
	})

	folder, err := c.FindChildFolder(context.Background(), "root", "4600000000017")
	require.NoError(t, err)
	assert.Equal(t, "f1", folder.ID)
	assert.Equal(t, "root", folder.ParentID)
	assert.Equal(t, "https://drive.google.com/drive/folders/f1", folder.Link)

	_, err = c.FindChildFolder(context.Background(), "root", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListChildrenErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		notFound bool
	}{
		{name: "not found", status: http.StatusNotFound, notFound: true},
		{name: "forbidden", status: http.StatusForbidden},
		{name: "server error", status: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"code":1,"message":"nope"}}`))
			})
			_, err := c.ListChildren(context.Background(), "x", AllChildren)
			require.Error(t, err)
			if tt.notFound {
				assert.ErrorIs(t, err, ErrNotFound)
				return
			}
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, "nope", apiErr.Message)
		})
	}
}

func TestDownload(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/files/ok" {
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, "media", r.URL.Query().Get("alt"))
		_, _ = w.Write([]byte("jpeg-bytes"))
	})

	body, err := c.Download(context.Background(), "ok")
	require.NoError(t, err)
	data, err := io.ReadAll(body)
	require.NoError(t, body.Close())
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(data))

	_, err = c.Download(context.Background(), "gone")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEscape(t *testing.T) {
	assert.Equal(t, `O\'Brien`, escape("O'Brien"))
	assert.Equal(t, `a\\b`, escape(`a\b`))
}
