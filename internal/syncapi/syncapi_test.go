package syncapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/entanglement-sync/core/internal/catalog"
	"github.com/entanglement-sync/core/internal/container"
	"github.com/entanglement-sync/core/internal/hashutil"
	"github.com/entanglement-sync/core/internal/notifier"
	"github.com/entanglement-sync/core/internal/observability"
	"github.com/entanglement-sync/core/internal/versiongraph"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()

	cat, err := catalog.Open(filepath.Join(dir, "catalog.db"))
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	t.Cleanup(func() { cat.Close() })

	store, err := container.Open(filepath.Join(dir, "containers"), 64*1024*1024, cat.DB())
	if err != nil {
		t.Fatalf("container.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	graph, err := versiongraph.Open(cat.DB())
	if err != nil {
		t.Fatalf("versiongraph.Open: %v", err)
	}

	hub := notifier.NewHub(16)
	logger := observability.NewLogger("entangled-server-test", "test", bytes.NewBuffer(nil))
	metrics := observability.NewMetrics()

	srv := NewServer(cat, store, graph, hub, logger, metrics, nil)
	mux := http.NewServeMux()
	srv.RegisterHTTP(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return srv, ts
}

func uploadChunk(t *testing.T, ts *httptest.Server, body []byte) string {
	t.Helper()
	hash := hashutil.Sum(body)
	req, err := http.NewRequest(http.MethodPut, ts.URL+"/api/v1/chunks/"+hash, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload chunk: status %d", resp.StatusCode)
	}
	return hash
}

func TestChunkCheckReportsMissingAndExisting(t *testing.T) {
	_, ts := newTestServer(t)
	hash := uploadChunk(t, ts, []byte("some chunk body"))

	reqBody, _ := json.Marshal(ChunkCheckRequest{Hashes: []string{hash, hashutil.Sum([]byte("never uploaded"))}})
	resp, err := http.Post(ts.URL+"/api/v1/chunks/check", "application/json", bytes.NewReader(reqBody))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out ChunkCheckResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Existing) != 1 || out.Existing[0] != hash {
		t.Errorf("existing = %v, want [%s]", out.Existing, hash)
	}
	if len(out.Missing) != 1 {
		t.Errorf("missing = %v, want 1 entry", out.Missing)
	}
}

func TestChunkUploadIsIdempotent(t *testing.T) {
	_, ts := newTestServer(t)
	body := []byte("idempotent chunk")
	hash := uploadChunk(t, ts, body)
	// A second upload of an already-stored hash succeeds with 200 OK
	// instead of the first upload's 201 Created.
	req, err := http.NewRequest(http.MethodPut, ts.URL+"/api/v1/chunks/"+hash, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second upload: status %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestChunkDownloadRoundTrips(t *testing.T) {
	_, ts := newTestServer(t)
	body := []byte("round trip payload")
	hash := uploadChunk(t, ts, body)

	resp, err := http.Get(ts.URL + "/api/v1/chunks/" + hash)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("download: status %d", resp.StatusCode)
	}
	var got bytes.Buffer
	got.ReadFrom(resp.Body)
	if got.String() != string(body) {
		t.Errorf("got %q, want %q", got.String(), string(body))
	}
}

func TestCreateVersionRejectsMissingChunks(t *testing.T) {
	_, ts := newTestServer(t)
	req := CreateVersionRequest{
		Path:        "/docs/a.txt",
		SizeBytes:   10,
		ModifiedAt:  time.Now().UTC().Format(time.RFC3339),
		TierID:      0,
		ContentHash: hashutil.Sum([]byte("whatever")),
		ChunkHashes: []string{hashutil.Sum([]byte("never uploaded"))},
	}
	buf, _ := json.Marshal(req)
	resp, err := http.Post(ts.URL+"/api/v1/versions", "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing chunks, got %d", resp.StatusCode)
	}
}

func TestCreateVersionThenDownloadCurrent(t *testing.T) {
	_, ts := newTestServer(t)
	body := []byte("the complete file body")
	hash := uploadChunk(t, ts, body)

	req := CreateVersionRequest{
		Path:        "/docs/a.txt",
		SizeBytes:   int64(len(body)),
		ModifiedAt:  time.Now().UTC().Format(time.RFC3339),
		TierID:      0,
		ContentHash: hashutil.Sum(body),
		ChunkHashes: []string{hash},
	}
	buf, _ := json.Marshal(req)
	resp, err := http.Post(ts.URL+"/api/v1/versions", "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create version: status %d", resp.StatusCode)
	}
	var out CreateVersionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.VersionID == "" {
		t.Fatal("expected a version id")
	}

	dlResp, err := http.Get(ts.URL + "/api/v1/files" + req.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer dlResp.Body.Close()
	if dlResp.StatusCode != http.StatusOK {
		t.Fatalf("download current: status %d", dlResp.StatusCode)
	}
	var got bytes.Buffer
	got.ReadFrom(dlResp.Body)
	if got.String() != string(body) {
		t.Errorf("downloaded %q, want %q", got.String(), string(body))
	}
}

func TestListAndChangesReflectCreatedVersion(t *testing.T) {
	_, ts := newTestServer(t)
	body := []byte("listed file contents")
	hash := uploadChunk(t, ts, body)

	req := CreateVersionRequest{
		Path:        "/notes/b.txt",
		SizeBytes:   int64(len(body)),
		ModifiedAt:  time.Now().UTC().Format(time.RFC3339),
		ContentHash: hashutil.Sum(body),
		ChunkHashes: []string{hash},
	}
	buf, _ := json.Marshal(req)
	resp, err := http.Post(ts.URL+"/api/v1/versions", "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	listResp, err := http.Get(ts.URL + "/api/v1/list?prefix=/notes/")
	if err != nil {
		t.Fatal(err)
	}
	defer listResp.Body.Close()
	var listOut ListResponse
	if err := json.NewDecoder(listResp.Body).Decode(&listOut); err != nil {
		t.Fatal(err)
	}
	if len(listOut.Entries) != 1 || listOut.Entries[0].Path != req.Path {
		t.Fatalf("list = %+v, want one entry for %s", listOut.Entries, req.Path)
	}

	changesResp, err := http.Get(ts.URL + "/api/v1/changes")
	if err != nil {
		t.Fatal(err)
	}
	defer changesResp.Body.Close()
	var changesOut ChangesResponse
	if err := json.NewDecoder(changesResp.Body).Decode(&changesOut); err != nil {
		t.Fatal(err)
	}
	if len(changesOut.Changes) != 1 || changesOut.Changes[0].Action != "created" {
		t.Fatalf("changes = %+v, want one 'created' change", changesOut.Changes)
	}
}

func TestDeleteThenDownloadCurrentNotFound(t *testing.T) {
	_, ts := newTestServer(t)
	body := []byte("soon deleted")
	hash := uploadChunk(t, ts, body)

	req := CreateVersionRequest{
		Path:        "/trash/c.txt",
		SizeBytes:   int64(len(body)),
		ModifiedAt:  time.Now().UTC().Format(time.RFC3339),
		ContentHash: hashutil.Sum(body),
		ChunkHashes: []string{hash},
	}
	buf, _ := json.Marshal(req)
	resp, err := http.Post(ts.URL+"/api/v1/versions", "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	delBody, _ := json.Marshal(DeleteRequest{Path: req.Path})
	delResp, err := http.Post(ts.URL+"/api/v1/delete", "application/json", bytes.NewReader(delBody))
	if err != nil {
		t.Fatal(err)
	}
	defer delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Fatalf("delete: status %d", delResp.StatusCode)
	}

	dlResp, err := http.Get(ts.URL + "/api/v1/files" + req.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer dlResp.Body.Close()
	if dlResp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", dlResp.StatusCode)
	}
}
