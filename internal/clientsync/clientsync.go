// Package clientsync implements the client sync engine (C9): the
// InitialScan / Watching / UploadDelta / PullRemote / RetryPending state
// machine described for a single watched root.
package clientsync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/entanglement-sync/core/internal/chunker"
	"github.com/entanglement-sync/core/internal/hashutil"
	"github.com/entanglement-sync/core/internal/ignore"
	"github.com/entanglement-sync/core/internal/localstore"
	"github.com/entanglement-sync/core/internal/observability"
	"github.com/entanglement-sync/core/internal/synccore"
	"github.com/entanglement-sync/core/internal/tier"
)

// ManifestRequest is the finalization request sent after every chunk it
// references has been accepted.
type ManifestRequest struct {
	Path        string
	SizeBytes   int64
	ModifiedAt  time.Time
	TierID      int16
	ContentHash string
	ChunkHashes []string
}

// Change mirrors one entry of a changes-since response.
type Change struct {
	ID          string
	Path        string
	Action      string
	SizeBytes   *int64
	BlobHash    *string
	IsDirectory bool
	UpdatedAt   time.Time
}

// ServerClient is everything the engine needs from the remote server.
// A concrete implementation lives alongside the HTTP client wiring.
type ServerClient interface {
	CheckChunks(ctx context.Context, hashes []string) (existing, missing []string, err error)
	UploadChunk(ctx context.Context, hash string, body []byte) error
	CreateVersionFromChunks(ctx context.Context, req ManifestRequest) error
	DownloadPath(ctx context.Context, path string) ([]byte, error)
	GetChanges(ctx context.Context, cursor time.Time, limit int) (changes []Change, serverTime time.Time, err error)
	DeletePath(ctx context.Context, path string) error
}

// Config controls the engine's timing per §4.9.
type Config struct {
	Root              string
	DebounceWindow    time.Duration
	PollInterval      time.Duration
	RetryBackoffBase  time.Duration
	MaxRetryAttempts  int
	ChangesPageSize   int
}

// Engine runs the state machine for one watched root.
type Engine struct {
	cfg    Config
	client ServerClient
	state  *localstore.Store
	ignore *ignore.Matcher
	log    *observability.Logger

	mu      sync.Mutex
	pending map[string]bool
}

// NewEngine constructs an Engine. ignoreMatcher should already include
// the default patterns plus any .entanglementignore contents.
func NewEngine(cfg Config, client ServerClient, state *localstore.Store, ignoreMatcher *ignore.Matcher, log *observability.Logger) *Engine {
	if cfg.ChangesPageSize <= 0 {
		cfg.ChangesPageSize = 500
	}
	return &Engine{cfg: cfg, client: client, state: state, ignore: ignoreMatcher, log: log, pending: make(map[string]bool)}
}

// Run drives InitialScan followed by the Watching/poll loop until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) error {
	start := time.Now()
	if err := e.InitialScan(ctx); err != nil {
		return fmt.Errorf("initial scan: %w", err)
	}
	e.log.SyncCycleCompleted("InitialScan", 0, time.Since(start))

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := e.addWatchesRecursive(watcher); err != nil {
		return fmt.Errorf("add watches: %w", err)
	}

	debounce := time.NewTimer(e.cfg.DebounceWindow)
	if !debounce.Stop() {
		<-debounce.C
	}
	poll := time.NewTicker(e.cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			e.recordEvent(ev)
			debounce.Reset(e.cfg.DebounceWindow)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			e.log.Warn(fmt.Sprintf("filesystem watcher error: %v", err))

		case <-debounce.C:
			if err := e.drainUploadDelta(ctx); err != nil {
				e.log.Warn(fmt.Sprintf("upload delta failed: %v", err))
			}

		case <-poll.C:
			if err := e.PullRemote(ctx); err != nil {
				e.log.Warn(fmt.Sprintf("pull remote failed: %v", err))
			}
			if err := e.RetryPending(ctx); err != nil {
				e.log.Warn(fmt.Sprintf("retry pending failed: %v", err))
			}
		}
	}
}

func (e *Engine) recordEvent(ev fsnotify.Event) {
	rel, err := filepath.Rel(e.cfg.Root, ev.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)

	if ev.Op&fsnotify.Remove == fsnotify.Remove || ev.Op&fsnotify.Rename == fsnotify.Rename {
		// Removal is handled immediately, not accumulated in the debounce set.
		go func() {
			if err := e.handleRemoval(context.Background(), rel); err != nil {
				e.log.Warn(fmt.Sprintf("handle removal failed: %v", err))
			}
		}()
		return
	}

	e.mu.Lock()
	e.pending[rel] = true
	e.mu.Unlock()
}

func (e *Engine) addWatchesRecursive(watcher *fsnotify.Watcher) error {
	return filepath.WalkDir(e.cfg.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(e.cfg.Root, path)
		if e.ignore.Match(filepath.ToSlash(rel), true) {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

// InitialScan walks the root, hashing every non-ignored file and syncing
// any whose content hash differs from what local state remembers.
func (e *Engine) InitialScan(ctx context.Context) error {
	return filepath.WalkDir(e.cfg.Root, func(absPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(e.cfg.Root, absPath)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if e.ignore.Match(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		return e.syncIfChanged(ctx, rel, absPath)
	})
}

func (e *Engine) drainUploadDelta(ctx context.Context) error {
	e.mu.Lock()
	paths := make([]string, 0, len(e.pending))
	for p := range e.pending {
		paths = append(paths, p)
	}
	e.pending = make(map[string]bool)
	e.mu.Unlock()

	var firstErr error
	for _, rel := range paths {
		absPath := filepath.Join(e.cfg.Root, filepath.FromSlash(rel))
		if e.ignore.Match(rel, false) {
			continue
		}
		if err := e.syncIfChanged(ctx, rel, absPath); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			e.handleSyncError(rel, err)
		}
	}
	return firstErr
}

func (e *Engine) syncIfChanged(ctx context.Context, remotePath, absPath string) error {
	info, err := os.Stat(absPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil // disappeared between walk and sync; the remove handler covers it
	}
	if err != nil {
		return err
	}

	contentHash, err := hashFile(absPath)
	if err != nil {
		return err
	}

	if rec, ok := e.state.Get("/" + remotePath); ok && rec.ContentHash == contentHash {
		return nil
	}

	if err := e.uploadFile(ctx, remotePath, absPath, info.Size(), info.ModTime(), contentHash); err != nil {
		return err
	}

	_ = e.state.Put(localstore.Record{RemotePath: "/" + remotePath, ContentHash: contentHash, LocalMtime: info.ModTime()})
	_ = e.state.ClearRetry("/" + remotePath)
	return nil
}

func hashFile(absPath string) (string, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return hashutil.HashReader(f)
}

func (e *Engine) uploadFile(ctx context.Context, remotePath, absPath string, size int64, modTime time.Time, contentHash string) error {
	data, err := os.ReadFile(absPath)
	if err != nil {
		return err
	}

	t := tier.Select(absPath, size)
	manifest := chunker.Chunk(data, t)

	hashes := make([]string, len(manifest.Chunks))
	for i, c := range manifest.Chunks {
		hashes[i] = c.Hash
	}

	_, missing, err := e.client.CheckChunks(ctx, hashes)
	if err != nil {
		return fmt.Errorf("check chunks: %w", err)
	}
	missingSet := make(map[string]bool, len(missing))
	for _, h := range missing {
		missingSet[h] = true
	}
	for _, c := range manifest.Chunks {
		if !missingSet[c.Hash] {
			continue
		}
		body := data[c.Offset : c.Offset+int64(c.Length)]
		if err := e.client.UploadChunk(ctx, c.Hash, body); err != nil {
			return fmt.Errorf("upload chunk %s: %w", c.Hash, err)
		}
	}

	return e.client.CreateVersionFromChunks(ctx, ManifestRequest{
		Path:        "/" + remotePath,
		SizeBytes:   manifest.TotalSize,
		ModifiedAt:  modTime,
		TierID:      int16(manifest.Tier),
		ContentHash: contentHash,
		ChunkHashes: hashes,
	})
}

func (e *Engine) handleRemoval(ctx context.Context, remotePath string) error {
	remotePath = "/" + remotePath
	if _, ok := e.state.Get(remotePath); !ok {
		return nil
	}
	if err := e.client.DeletePath(ctx, remotePath); err != nil {
		return err
	}
	return e.state.Delete(remotePath)
}

// PullRemote fetches every change since the persisted cursor and applies
// it locally, writing downloaded content atomically via a temp file and
// rename.
func (e *Engine) PullRemote(ctx context.Context) error {
	cursor, err := e.state.GetCursor()
	if err != nil {
		return err
	}

	for {
		changes, serverTime, err := e.client.GetChanges(ctx, cursor, e.cfg.ChangesPageSize)
		if err != nil {
			return fmt.Errorf("get changes: %w", err)
		}
		for _, c := range changes {
			if err := e.applyChange(ctx, c); err != nil {
				e.log.Warn(fmt.Sprintf("apply remote change failed for %s: %v", c.Path, err))
				continue
			}
		}
		if err := e.state.SetCursor(serverTime); err != nil {
			return err
		}
		if len(changes) < e.cfg.ChangesPageSize {
			return nil
		}
		cursor = serverTime
	}
}

func (e *Engine) applyChange(ctx context.Context, c Change) error {
	if c.IsDirectory {
		return nil
	}
	localRel := strings.TrimPrefix(c.Path, "/")
	absPath := filepath.Join(e.cfg.Root, filepath.FromSlash(localRel))

	if c.Action == "deleted" {
		_ = os.Remove(absPath)
		return e.state.Delete(c.Path)
	}

	if rec, ok := e.state.Get(c.Path); ok && c.BlobHash != nil && rec.ContentHash == *c.BlobHash {
		return nil
	}

	body, err := e.client.DownloadPath(ctx, c.Path)
	if err != nil {
		return err
	}
	if err := writeAtomic(absPath, body); err != nil {
		return err
	}

	hash := hashutil.Sum(body)
	return e.state.Put(localstore.Record{RemotePath: c.Path, ContentHash: hash, LocalMtime: time.Now().UTC()})
}

func writeAtomic(absPath string, body []byte) error {
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return err
	}
	tmp := absPath + ".entg-tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, absPath)
}

// RetryPending re-attempts every retry-table entry whose backoff has
// elapsed and whose attempt count is still below the configured max.
func (e *Engine) RetryPending(ctx context.Context) error {
	due, err := e.state.DueRetries(time.Now())
	if err != nil {
		return err
	}
	for _, entry := range due {
		if entry.Attempts >= e.cfg.MaxRetryAttempts {
			continue
		}
		remotePath := strings.TrimPrefix(entry.RemotePath, "/")
		absPath := filepath.Join(e.cfg.Root, filepath.FromSlash(remotePath))
		if err := e.syncIfChanged(ctx, remotePath, absPath); err != nil {
			e.handleSyncError(remotePath, err)
			continue
		}
		_ = e.state.ClearRetry(entry.RemotePath)
	}
	return nil
}

// handleSyncError drops validation-class failures with a warning — the
// file won't become valid by re-sending the same bytes later — and
// enqueues everything else (network, server, transient storage errors)
// for retry per §7.
func (e *Engine) handleSyncError(remotePath string, cause error) {
	if synccore.KindOf(cause) == synccore.KindValidation {
		e.log.Warn(fmt.Sprintf("dropping %s: %v", remotePath, cause))
		return
	}
	e.enqueueRetry(remotePath, cause)
}

func (e *Engine) enqueueRetry(remotePath string, cause error) {
	remotePath = "/" + strings.TrimPrefix(remotePath, "/")
	prev, _ := e.state.Get(remotePath)
	_ = prev
	attempts := 1
	due, _ := e.state.DueRetries(time.Now().Add(24 * time.Hour))
	for _, r := range due {
		if r.RemotePath == remotePath {
			attempts = r.Attempts + 1
			break
		}
	}
	_ = e.state.PutRetry(localstore.RetryEntry{
		RemotePath:     remotePath,
		Attempts:       attempts,
		LastError:      cause.Error(),
		NextRetryEpoch: localstore.NextBackoff(e.cfg.RetryBackoffBase, attempts),
	})
}
