package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dustin/go-humanize"
	"github.com/openmined/mirrorbox/internal/objstore"
	"github.com/openmined/mirrorbox/internal/utils"
	"golang.org/x/sync/errgroup"
)

// Engine mirrors one local directory tree to an object store prefix.
// An Engine runs at most once; resuming a job builds a new Engine seeded
// with the keys the previous run uploaded.
type Engine struct {
	store objstore.ObjectStore
	jobID string
	cfg   engineConfig

	started atomic.Bool
	stopped atomic.Bool
	done    chan struct{}

	mu           sync.Mutex
	stats        Stats
	uploadedKeys []string
	skip         mapset.Set[string]
	sourcePath   string
	targetPrefix string

	// serializes checkpoint delivery; lastCheckpoint is the key count of the last one sent
	cpMu           sync.Mutex
	lastCheckpoint int
}

func NewEngine(store objstore.ObjectStore, jobID string, opts ...Option) *Engine {
	cfg := engineConfig{
		concurrency:     DefaultConcurrency,
		progressEvery:   DefaultProgressEvery,
		checkpointEvery: DefaultCheckpointEvery,
		ignore:          NewIgnoreList(),
		listener:        NopListener{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Engine{
		store:        store,
		jobID:        jobID,
		cfg:          cfg,
		done:         make(chan struct{}),
		uploadedKeys: slices.Clone(cfg.uploadedKeys),
		skip:         mapset.NewThreadUnsafeSet(cfg.uploadedKeys...),
		stats:        Stats{JobID: jobID},
	}
}

// Start walks sourceRoot depth-first and uploads every regular file under targetPrefix.
// It blocks until traversal has finished and all dispatched uploads have drained.
// A run halted by Stop returns ErrStopped and emits no completion event.
func (e *Engine) Start(ctx context.Context, sourceRoot, targetPrefix string) (Stats, error) {
	if !e.started.CompareAndSwap(false, true) {
		return e.Stats(), ErrAlreadyRunning
	}
	defer close(e.done)

	resumed := e.skip.Cardinality()

	e.mu.Lock()
	e.sourcePath = sourceRoot
	e.targetPrefix = strings.TrimSuffix(targetPrefix, "/")
	e.stats = Stats{JobID: e.jobID}
	e.stats.FilesUploaded = resumed
	if resumed > 0 {
		e.stats.CurrentFile = "Resuming..."
	}
	e.mu.Unlock()

	slog.Info("backup start", "jobId", e.jobID, "source", sourceRoot, "target", targetPrefix, "resumed", resumed)
	start := time.Now()

	if err := checkSourceRoot(sourceRoot); err != nil {
		slog.Error("backup failed", "jobId", e.jobID, "error", err)
		e.cfg.listener.OnError(e.jobID, err)
		return e.Stats(), err
	}

	var eg errgroup.Group
	eg.SetLimit(e.cfg.concurrency)

	e.walk(ctx, &eg, sourceRoot, "")
	_ = eg.Wait() // upload failures are counted, never returned

	stats := e.Stats()
	if e.stopped.Load() {
		slog.Info("backup stopped", "jobId", e.jobID, "uploaded", stats.FilesUploaded, "errors", stats.Errors)
		return stats, ErrStopped
	}
	if err := ctx.Err(); err != nil {
		slog.Warn("backup aborted", "jobId", e.jobID, "error", err)
		e.cfg.listener.OnError(e.jobID, err)
		return stats, err
	}

	slog.Info("backup complete",
		"jobId", e.jobID,
		"scanned", stats.FilesScanned,
		"uploaded", stats.FilesUploaded,
		"bytes", humanize.Bytes(uint64(stats.BytesUploaded)),
		"errors", stats.Errors,
		"took", time.Since(start),
	)
	e.cfg.listener.OnComplete(stats)
	return stats, nil
}

// Stop requests cooperative cancellation. No new directory is entered and no
// new upload is dispatched; uploads already in flight are left to finish.
func (e *Engine) Stop() {
	if e.stopped.CompareAndSwap(false, true) {
		slog.Info("backup stop requested", "jobId", e.jobID)
	}
}

// Wait blocks until a started run has returned. It returns immediately if Start was never called.
func (e *Engine) Wait() {
	if !e.started.Load() {
		return
	}
	<-e.done
}

func (e *Engine) IsStopped() bool {
	return e.stopped.Load()
}

func (e *Engine) JobID() string {
	return e.jobID
}

func (e *Engine) SourcePath() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sourcePath
}

func (e *Engine) TargetPrefix() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.targetPrefix
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// UploadedKeys returns the keys uploaded so far, in completion order.
func (e *Engine) UploadedKeys() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.uploadedKeys)
}

// Cleanup deletes every key this engine has uploaded, including resumed ones.
func (e *Engine) Cleanup(ctx context.Context) error {
	return Cleanup(ctx, e.store, e.UploadedKeys())
}

// ===================================================================================================

func (e *Engine) shouldStop(ctx context.Context) bool {
	return e.stopped.Load() || ctx.Err() != nil
}

func (e *Engine) walk(ctx context.Context, eg *errgroup.Group, dir, rel string) {
	if e.shouldStop(ctx) {
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		slog.Warn("backup traversal error", "jobId", e.jobID, "path", dir, "error", err)
		e.mu.Lock()
		e.stats.Errors++
		stats := e.stats
		e.mu.Unlock()
		e.cfg.listener.OnProgress(stats)
		return
	}

	for _, entry := range entries {
		if e.shouldStop(ctx) {
			return
		}

		childRel := filepath.Join(rel, entry.Name())
		if e.cfg.ignore.ShouldIgnore(childRel, entry.IsDir()) {
			continue
		}

		fullPath := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			e.walk(ctx, eg, fullPath, childRel)
			continue
		}
		if !entry.Type().IsRegular() {
			slog.Debug("backup skip non-regular", "jobId", e.jobID, "path", fullPath, "mode", entry.Type().String())
			continue
		}

		key := ObjectKey(e.targetPrefix, childRel)

		e.mu.Lock()
		e.stats.FilesScanned++
		seen := e.skip.Contains(key)
		e.mu.Unlock()
		if seen {
			continue
		}

		if e.shouldStop(ctx) {
			return
		}
		// blocks while the pool is saturated
		eg.Go(func() error {
			e.upload(ctx, fullPath, key)
			return nil
		})
	}
}

func (e *Engine) upload(ctx context.Context, fullPath, key string) {
	if e.shouldStop(ctx) {
		return
	}

	file, err := os.Open(fullPath)
	if err != nil {
		e.uploadFailed(fullPath, key, err)
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		e.uploadFailed(fullPath, key, err)
		return
	}

	e.mu.Lock()
	e.stats.CurrentFile = fullPath
	e.mu.Unlock()

	resp, err := e.store.PutObject(ctx, &objstore.PutObjectParams{
		Key:         key,
		Body:        file,
		Size:        info.Size(),
		ContentType: utils.DetectContentType(key),
		Metadata: map[string]string{
			"originalPath": fullPath,
			"backupDate":   time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		e.uploadFailed(fullPath, key, err)
		return
	}

	e.mu.Lock()
	e.uploadedKeys = append(e.uploadedKeys, key)
	e.stats.FilesUploaded++
	e.stats.BytesUploaded += info.Size()
	stats := e.stats
	var cp *Checkpoint
	if stats.FilesUploaded%e.cfg.checkpointEvery == 0 {
		cp = &Checkpoint{
			JobID:        e.jobID,
			SourcePath:   e.sourcePath,
			TargetPrefix: e.targetPrefix,
			Progress:     stats.Progress,
			UploadedKeys: slices.Clone(e.uploadedKeys),
		}
	}
	e.mu.Unlock()

	e.cfg.listener.OnFileUploaded(FileUploaded{
		JobID: e.jobID,
		FileEntry: objstore.FileEntry{
			Key:          key,
			Size:         info.Size(),
			LastModified: resp.LastModified,
			ETag:         resp.ETag,
		},
	})
	if stats.FilesUploaded%e.cfg.progressEvery == 0 {
		e.cfg.listener.OnProgress(stats)
	}
	if cp != nil {
		e.checkpoint(*cp)
	}
}

// checkpoint hands cp to the listener unless a later one was already
// delivered, so the persisted key list never shrinks during a run.
func (e *Engine) checkpoint(cp Checkpoint) {
	e.cpMu.Lock()
	defer e.cpMu.Unlock()
	if len(cp.UploadedKeys) <= e.lastCheckpoint {
		return
	}
	e.lastCheckpoint = len(cp.UploadedKeys)
	e.cfg.listener.OnCheckpoint(cp)
}

func (e *Engine) uploadFailed(fullPath, key string, err error) {
	slog.Warn("backup upload failed", "jobId", e.jobID, "path", fullPath, "key", key, "error", err)
	e.mu.Lock()
	e.stats.Errors++
	e.mu.Unlock()
}

// ===================================================================================================

// ObjectKey maps a path relative to the backup root onto the target prefix.
// Separators are always "/", whatever the host OS uses.
func ObjectKey(targetPrefix, relPath string) string {
	rel := strings.ReplaceAll(filepath.ToSlash(relPath), `\`, "/")
	rel = strings.TrimPrefix(rel, "/")
	prefix := strings.TrimSuffix(targetPrefix, "/")
	if prefix == "" {
		return rel
	}
	return prefix + "/" + rel
}

// Cleanup deletes keys in batches of at most objstore.MaxDeleteBatch.
// Every batch is attempted; failures are joined into the returned error.
func Cleanup(ctx context.Context, store objstore.ObjectStore, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	slog.Info("backup cleanup", "keys", len(keys))
	var errs []error
	for _, batch := range objstore.Batches(keys, objstore.MaxDeleteBatch) {
		if err := store.DeleteObjects(ctx, batch); err != nil {
			slog.Error("backup cleanup batch", "size", len(batch), "error", err)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("cleanup: %w", errors.Join(errs...))
	}
	return nil
}

func checkSourceRoot(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("source root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source root %s: not a directory", root)
	}
	return nil
}
