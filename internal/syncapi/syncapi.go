// Package syncapi implements the server sync API contracts (C8): chunk
// check/upload/download, create-version-from-chunks, streaming
// download-current-version, list, changes-since, move, and delete.
package syncapi

import (
	"crypto/ed25519"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/entanglement-sync/core/internal/catalog"
	"github.com/entanglement-sync/core/internal/container"
	"github.com/entanglement-sync/core/internal/hashutil"
	"github.com/entanglement-sync/core/internal/notifier"
	"github.com/entanglement-sync/core/internal/observability"
	"github.com/entanglement-sync/core/internal/synccore"
	"github.com/entanglement-sync/core/internal/tier"
	"github.com/entanglement-sync/core/internal/versiongraph"
)

const maxChunkUploadBytes = 1024 * 1024 * 1024 // a single chunk body never legitimately exceeds the jumbo tier's max

// Request/response wire contracts (§6).

type (
	ChunkCheckRequest struct {
		Hashes []string `json:"hashes"`
	}
	ChunkCheckResponse struct {
		Existing []string `json:"existing"`
		Missing  []string `json:"missing"`
	}

	CreateVersionRequest struct {
		Path        string   `json:"path"`
		SizeBytes   int64    `json:"size_bytes"`
		ModifiedAt  string   `json:"modified_at"`
		TierID      int16    `json:"tier_id"`
		ContentHash string   `json:"content_hash"`
		ChunkHashes []string `json:"chunk_hashes"`
		CreatedBy   string   `json:"created_by,omitempty"`
	}
	CreateVersionResponse struct {
		FileID    string `json:"id"`
		VersionID string `json:"version_id"`
	}

	DirEntryJSON struct {
		ID          string `json:"id"`
		Path        string `json:"path"`
		IsDirectory bool   `json:"is_directory"`
		UpdatedAt   string `json:"updated_at"`
	}
	ListResponse struct {
		Entries []DirEntryJSON `json:"entries"`
	}

	ChangeJSON struct {
		ID          string `json:"id"`
		Path        string `json:"path"`
		Action      string `json:"action"`
		SizeBytes   *int64 `json:"size_bytes,omitempty"`
		BlobHash    *string `json:"blob_hash,omitempty"`
		IsDirectory bool   `json:"is_directory"`
		UpdatedAt   string `json:"updated_at"`
	}
	ChangesResponse struct {
		Changes    []ChangeJSON `json:"changes"`
		ServerTime string       `json:"server_time"`
	}

	VersionJSON struct {
		ID          string `json:"id"`
		ContentHash string `json:"content_hash"`
		SizeBytes   int64  `json:"size_bytes"`
		TierID      int16  `json:"tier_id"`
		CreatedAt   string `json:"created_at"`
		CreatedBy   string `json:"created_by,omitempty"`
	}
	HistoryResponse struct {
		Versions []VersionJSON `json:"versions"`
	}

	MoveRequest struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	DeleteRequest struct {
		Path string `json:"path"`
	}

	JSONError struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
)

// Server wires the chunk catalog, container store, and version graph to
// HTTP handlers.
type Server struct {
	catalog   *catalog.Catalog
	store     *container.Store
	graph     *versiongraph.Graph
	hub       *notifier.Hub
	log       *observability.Logger
	metrics   *observability.Metrics
	signerKey ed25519.PublicKey // optional: key checked by VerifyManifestSignature
}

// NewServer constructs a Server. signerKey may be nil. It is consulted only
// by VerifyManifestSignature; handleCreateVersion does not check manifest
// signatures.
func NewServer(cat *catalog.Catalog, store *container.Store, graph *versiongraph.Graph, hub *notifier.Hub, log *observability.Logger, metrics *observability.Metrics, signerKey ed25519.PublicKey) *Server {
	return &Server{catalog: cat, store: store, graph: graph, hub: hub, log: log, metrics: metrics, signerKey: signerKey}
}

// RegisterHTTP registers REST routes on mux.
func (s *Server) RegisterHTTP(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/chunks/check", s.handleChunkCheck)
	mux.HandleFunc("/api/v1/chunks/", s.handleChunkPrefix)
	mux.HandleFunc("/api/v1/versions", s.handleCreateVersion)
	mux.HandleFunc("/api/v1/files/", s.handleDownloadCurrent)
	mux.HandleFunc("/api/v1/list", s.handleList)
	mux.HandleFunc("/api/v1/history", s.handleHistory)
	mux.HandleFunc("/api/v1/changes", s.handleChanges)
	mux.HandleFunc("/api/v1/move", s.handleMove)
	mux.HandleFunc("/api/v1/delete", s.handleDelete)
}

func (s *Server) handleChunkCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req ChunkCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, synccore.KindValidation, "invalid JSON body")
		return
	}
	existing, missing, err := s.catalog.Check(r.Context(), req.Hashes)
	if err != nil {
		s.writeInternalError(w, "chunk check", err)
		return
	}
	writeJSON(w, http.StatusOK, ChunkCheckResponse{Existing: existing, Missing: missing})
}

// handleChunkPrefix dispatches /api/v1/chunks/<hash> to upload (PUT) or
// download (GET).
func (s *Server) handleChunkPrefix(w http.ResponseWriter, r *http.Request) {
	hash := strings.TrimPrefix(r.URL.Path, "/api/v1/chunks/")
	if !hashutil.Valid(hash) {
		writeJSONError(w, http.StatusBadRequest, synccore.KindValidation, "malformed chunk hash")
		return
	}
	switch r.Method {
	case http.MethodPut:
		s.handleChunkUpload(w, r, hash)
	case http.MethodGet:
		s.handleChunkDownload(w, r, hash)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleChunkUpload(w http.ResponseWriter, r *http.Request, hash string) {
	if exists, err := s.catalog.Exists(r.Context(), hash); err == nil && exists {
		// Idempotent: a second upload of the same hash succeeds without rewriting.
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxChunkUploadBytes+1))
	if err != nil {
		s.writeInternalError(w, "read chunk body", err)
		return
	}
	if len(body) > maxChunkUploadBytes {
		writeJSONError(w, http.StatusBadRequest, synccore.KindValidation, "chunk body too large")
		return
	}
	if got := hashutil.Sum(body); got != hash {
		writeJSONError(w, http.StatusBadRequest, synccore.KindValidation, "uploaded body does not hash to the declared hash")
		return
	}

	compressible := true
	if hint := r.URL.Query().Get("tier_hint"); hint != "" {
		if n, err := strconv.Atoi(hint); err == nil {
			compressible = tier.Compressible(tier.Tier(n))
		}
	}

	loc, err := s.store.Write(body, compressible)
	if err != nil {
		s.writeInternalError(w, "store chunk", err)
		return
	}
	if err := s.catalog.UpsertWithLocation(r.Context(), hash, len(body), loc); err != nil {
		s.writeInternalError(w, "record chunk location", err)
		return
	}
	if s.log != nil {
		s.log.ChunkStored(hash, len(body), loc.Length, loc.ContainerID)
	}
	if s.metrics != nil {
		s.metrics.RecordChunkUpload("ok", len(body), loc.Length)
	}
	writeJSON(w, http.StatusCreated, struct{}{})
}

func (s *Server) handleChunkDownload(w http.ResponseWriter, r *http.Request, hash string) {
	loc, err := s.catalog.GetLocation(r.Context(), hash)
	if err != nil {
		s.writeKindError(w, err)
		return
	}
	if loc == nil {
		writeJSONError(w, http.StatusNotFound, synccore.KindNotFound, "chunk has no recorded location")
		return
	}
	body, err := s.store.Read(*loc)
	if err != nil {
		s.writeKindError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.ChunkDownloadsTotal.Inc()
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(body)
}

func (s *Server) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req CreateVersionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, synccore.KindValidation, "invalid JSON body")
		return
	}
	modifiedAt, err := time.Parse(time.RFC3339, req.ModifiedAt)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, synccore.KindValidation, "modified_at is not RFC3339")
		return
	}

	_, missing, err := s.catalog.Check(r.Context(), req.ChunkHashes)
	if err != nil {
		s.writeInternalError(w, "check referenced chunks", err)
		return
	}
	if len(missing) > 0 {
		writeJSONError(w, http.StatusBadRequest, synccore.KindValidation, "manifest references chunks not present in the catalog")
		return
	}

	var createdBy *string
	if req.CreatedBy != "" {
		createdBy = &req.CreatedBy
	}

	start := time.Now()
	fileID, versionID, err := s.graph.CreateVersionWithTier(r.Context(), req.Path, req.SizeBytes, modifiedAt, req.TierID, req.ContentHash, req.ChunkHashes, createdBy)
	elapsed := time.Since(start)
	if err != nil {
		s.writeKindError(w, err)
		return
	}

	action := notifier.ActionModify
	if history, herr := s.graph.History(r.Context(), fileID); herr == nil && len(history) == 1 {
		action = notifier.ActionCreate
	}

	if s.log != nil {
		s.log.VersionCreated(req.Path, versionID, req.SizeBytes, len(req.ChunkHashes))
	}
	if s.metrics != nil {
		s.metrics.RecordVersionCreated(elapsed.Seconds())
	}
	if s.hub != nil {
		s.hub.Publish(req.Path, action)
	}

	writeJSON(w, http.StatusCreated, CreateVersionResponse{FileID: fileID, VersionID: versionID})
}

// handleDownloadCurrent streams the reassembled current version of a
// path, reading and writing each chunk in manifest order without
// buffering the whole file.
func (s *Server) handleDownloadCurrent(w http.ResponseWriter, r *http.Request) {
	identifier := strings.TrimPrefix(r.URL.Path, "/api/v1/files/")
	identifier = "/" + identifier

	file, err := s.resolvePathOrID(r, identifier)
	if err != nil {
		s.writeKindError(w, err)
		return
	}
	if !file.CurrentVersionID.Valid {
		writeJSONError(w, http.StatusNotFound, synccore.KindNotFound, "file has no current version")
		return
	}

	_, chunks, err := s.graph.GetVersion(r.Context(), file.CurrentVersionID.String)
	if err != nil {
		s.writeKindError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	for _, c := range chunks {
		loc, err := s.catalog.GetLocation(r.Context(), c.ChunkHash)
		if err != nil || loc == nil {
			s.writeKindError(w, synccore.New(synccore.KindCorruption, "manifest references an unresolvable chunk"))
			return
		}
		body, err := s.store.Read(*loc)
		if err != nil {
			s.writeKindError(w, err)
			return
		}
		if _, err := w.Write(body); err != nil {
			return // client disconnected mid-stream
		}
	}
}

func (s *Server) resolvePathOrID(r *http.Request, identifier string) (*versiongraph.File, error) {
	if hashutil.Valid(strings.TrimPrefix(identifier, "/")) {
		return s.graph.ResolveIdentifier(r.Context(), strings.TrimPrefix(identifier, "/"))
	}
	return s.graph.GetFile(r.Context(), identifier)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		prefix = "/"
	}
	entries, err := s.graph.ListDirectory(r.Context(), prefix)
	if err != nil {
		s.writeKindError(w, err)
		return
	}
	resp := ListResponse{Entries: make([]DirEntryJSON, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, DirEntryJSON{ID: e.ID, Path: e.Path, IsDirectory: e.IsDirectory, UpdatedAt: e.UpdatedAt.Format(time.RFC3339)})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeJSONError(w, http.StatusBadRequest, synccore.KindValidation, "path query parameter is required")
		return
	}
	file, err := s.graph.GetFile(r.Context(), path)
	if err != nil {
		s.writeKindError(w, err)
		return
	}
	versions, err := s.graph.History(r.Context(), file.ID)
	if err != nil {
		s.writeInternalError(w, "get history", err)
		return
	}
	resp := HistoryResponse{Versions: make([]VersionJSON, 0, len(versions))}
	for _, v := range versions {
		vj := VersionJSON{ID: v.ID, ContentHash: v.ContentHash, SizeBytes: v.SizeBytes, TierID: v.TierID, CreatedAt: v.CreatedAt.Format(time.RFC3339)}
		if v.CreatedBy.Valid {
			vj.CreatedBy = v.CreatedBy.String
		}
		resp.Versions = append(resp.Versions, vj)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cursor := time.Time{}
	if c := q.Get("cursor"); c != "" {
		parsed, err := time.Parse(time.RFC3339Nano, c)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, synccore.KindValidation, "cursor is not RFC3339")
			return
		}
		cursor = parsed
	}
	limit := 500
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	changes, serverTime, err := s.graph.GetChanges(r.Context(), cursor, limit)
	if err != nil {
		s.writeInternalError(w, "get changes", err)
		return
	}
	resp := ChangesResponse{ServerTime: serverTime.Format(time.RFC3339Nano), Changes: make([]ChangeJSON, 0, len(changes))}
	for _, c := range changes {
		cj := ChangeJSON{ID: c.ID, Path: c.Path, Action: c.Action, IsDirectory: c.IsDirectory, UpdatedAt: c.UpdatedAt.Format(time.RFC3339)}
		cj.SizeBytes = c.SizeBytes
		cj.BlobHash = c.BlobHash
		resp.Changes = append(resp.Changes, cj)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req MoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, synccore.KindValidation, "invalid JSON body")
		return
	}
	if err := s.graph.MoveDirectory(r.Context(), req.From, req.To); err != nil {
		s.writeKindError(w, err)
		return
	}
	if s.hub != nil {
		s.hub.Publish(req.To, notifier.ActionMove)
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req DeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, synccore.KindValidation, "invalid JSON body")
		return
	}
	if err := s.graph.SoftDelete(r.Context(), req.Path); err != nil {
		s.writeKindError(w, err)
		return
	}
	if s.hub != nil {
		s.hub.Publish(req.Path, notifier.ActionDelete)
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// VerifyManifestSignature checks an optional Ed25519 signature over a
// manifest's canonical bytes against the server's configured signer key.
// Returns true when no signer key is configured (signing disabled).
func (s *Server) VerifyManifestSignature(manifestBytes, signature []byte) bool {
	if len(s.signerKey) == 0 {
		return true
	}
	return ed25519.Verify(s.signerKey, manifestBytes, signature)
}

func (s *Server) writeKindError(w http.ResponseWriter, err error) {
	kind := synccore.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case synccore.KindValidation:
		status = http.StatusBadRequest
	case synccore.KindNotFound:
		status = http.StatusNotFound
	case synccore.KindConflict:
		status = http.StatusConflict
	case synccore.KindAuth:
		status = http.StatusUnauthorized
	case synccore.KindCorruption:
		status = http.StatusInternalServerError
	}
	if msg, ok := synccore.Safe(err); ok {
		writeJSONError(w, status, kind, msg)
		return
	}
	if s.log != nil {
		s.log.Error(err, "internal error")
	}
	writeJSONError(w, status, kind, "internal error")
}

func (s *Server) writeInternalError(w http.ResponseWriter, context string, err error) {
	if s.log != nil {
		s.log.Error(err, context)
	}
	writeJSONError(w, http.StatusInternalServerError, synccore.KindTransient, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, kind synccore.Kind, msg string) {
	writeJSON(w, status, JSONError{Code: kind.String(), Message: msg})
}
