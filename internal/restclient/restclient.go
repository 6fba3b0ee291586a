// Package restclient implements clientsync.ServerClient over the sync
// API's HTTP contract (chunk check/upload, create-version, file download,
// changes-since, delete).
package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/entanglement-sync/core/internal/clientsync"
)

// Client talks to a single entangled-server instance over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client against baseURL (e.g. "http://127.0.0.1:7420").
func New(baseURL string) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: 60 * time.Second}}
}

func (c *Client) CheckChunks(ctx context.Context, hashes []string) (existing, missing []string, err error) {
	body, err := json.Marshal(struct {
		Hashes []string `json:"hashes"`
	}{Hashes: hashes})
	if err != nil {
		return nil, nil, err
	}
	resp, err := c.post(ctx, "/api/v1/chunks/check", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	if err := expectStatus(resp, http.StatusOK); err != nil {
		return nil, nil, err
	}
	var out struct {
		Existing []string `json:"existing"`
		Missing  []string `json:"missing"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, nil, err
	}
	return out.Existing, out.Missing, nil
}

func (c *Client) UploadChunk(ctx context.Context, hash string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/api/v1/chunks/"+hash, bytes.NewReader(body))
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return expectStatus(resp, http.StatusCreated, http.StatusOK)
}

func (c *Client) CreateVersionFromChunks(ctx context.Context, req clientsync.ManifestRequest) error {
	body, err := json.Marshal(struct {
		Path        string   `json:"path"`
		SizeBytes   int64    `json:"size_bytes"`
		ModifiedAt  string   `json:"modified_at"`
		TierID      int16    `json:"tier_id"`
		ContentHash string   `json:"content_hash"`
		ChunkHashes []string `json:"chunk_hashes"`
	}{
		Path:        req.Path,
		SizeBytes:   req.SizeBytes,
		ModifiedAt:  req.ModifiedAt.UTC().Format(time.RFC3339),
		TierID:      req.TierID,
		ContentHash: req.ContentHash,
		ChunkHashes: req.ChunkHashes,
	})
	if err != nil {
		return err
	}
	resp, err := c.post(ctx, "/api/v1/versions", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return expectStatus(resp, http.StatusCreated)
}

func (c *Client) DownloadPath(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/files"+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := expectStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) GetChanges(ctx context.Context, cursor time.Time, limit int) ([]clientsync.Change, time.Time, error) {
	q := url.Values{}
	if !cursor.IsZero() {
		q.Set("cursor", cursor.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/changes?"+q.Encode(), nil)
	if err != nil {
		return nil, time.Time{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, time.Time{}, err
	}
	defer resp.Body.Close()
	if err := expectStatus(resp, http.StatusOK); err != nil {
		return nil, time.Time{}, err
	}
	var out struct {
		Changes []struct {
			ID          string `json:"id"`
			Path        string `json:"path"`
			Action      string `json:"action"`
			SizeBytes   *int64 `json:"size_bytes,omitempty"`
			BlobHash    *string `json:"blob_hash,omitempty"`
			IsDirectory bool   `json:"is_directory"`
			UpdatedAt   string `json:"updated_at"`
		} `json:"changes"`
		ServerTime string `json:"server_time"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, time.Time{}, err
	}
	serverTime, err := time.Parse(time.RFC3339Nano, out.ServerTime)
	if err != nil {
		return nil, time.Time{}, err
	}
	changes := make([]clientsync.Change, 0, len(out.Changes))
	for _, c := range out.Changes {
		updatedAt, err := time.Parse(time.RFC3339, c.UpdatedAt)
		if err != nil {
			return nil, time.Time{}, err
		}
		changes = append(changes, clientsync.Change{
			ID: c.ID, Path: c.Path, Action: c.Action,
			SizeBytes: c.SizeBytes, BlobHash: c.BlobHash,
			IsDirectory: c.IsDirectory, UpdatedAt: updatedAt,
		})
	}
	return changes, serverTime, nil
}

func (c *Client) DeletePath(ctx context.Context, path string) error {
	body, err := json.Marshal(struct {
		Path string `json:"path"`
	}{Path: path})
	if err != nil {
		return err
	}
	resp, err := c.post(ctx, "/api/v1/delete", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return expectStatus(resp, http.StatusOK)
}

// ListDirectory and History are used by the CLI's ls/history commands,
// outside the ServerClient interface the sync engine needs.

func (c *Client) ListDirectory(ctx context.Context, prefix string) ([]DirEntry, error) {
	q := url.Values{"prefix": []string{prefix}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/list?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := expectStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}
	var out struct {
		Entries []DirEntry `json:"entries"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// DirEntry mirrors one list_directory response row.
type DirEntry struct {
	ID          string `json:"id"`
	Path        string `json:"path"`
	IsDirectory bool   `json:"is_directory"`
	UpdatedAt   string `json:"updated_at"`
}

// Version mirrors one history response row.
type Version struct {
	ID          string `json:"id"`
	ContentHash string `json:"content_hash"`
	SizeBytes   int64  `json:"size_bytes"`
	TierID      int16  `json:"tier_id"`
	CreatedAt   string `json:"created_at"`
	CreatedBy   string `json:"created_by,omitempty"`
}

func (c *Client) History(ctx context.Context, path string) ([]Version, error) {
	q := url.Values{"path": []string{path}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/history?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := expectStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}
	var out struct {
		Versions []Version `json:"versions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Versions, nil
}

func (c *Client) post(ctx context.Context, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return c.http.Do(req)
}

func expectStatus(resp *http.Response, want ...int) error {
	for _, w := range want {
		if resp.StatusCode == w {
			return nil
		}
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(msg))
}

var _ clientsync.ServerClient = (*Client)(nil)
