// Package cloudcache keeps an in-memory listing of the remote bucket so that
// browsing and folder statistics never wait on a full S3 scan.
package cloudcache

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/openmined/mirrorbox/internal/notify"
	"github.com/openmined/mirrorbox/internal/objstore"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL      = 5 * time.Minute
	DefaultPageSize = 1000

	statsMemoSize = 512
	scanKey       = "scan"
)

// Status is a point-in-time view of the cache.
type Status struct {
	IsLoading  bool   `json:"isLoading"`
	IsReady    bool   `json:"isReady"`
	TotalFiles int    `json:"totalFiles"`
	AgeSeconds *int64 `json:"age"`
	TTLSeconds int64  `json:"ttl"`
}

type statsMemo struct {
	generation uint64
	stats      FolderStats
}

// Cache is a TTL-bounded snapshot of the bucket listing.
// Concurrent refresh requests share one in-flight scan.
type Cache struct {
	store     objstore.ObjectStore
	notifier  notify.Notifier
	snapshots SnapshotStore
	ttl       time.Duration
	pageSize  int32
	prefix    string
	now       func() time.Time

	group singleflight.Group
	memo  *lru.Cache[string, statsMemo]

	mu         sync.Mutex
	entries    map[string]objstore.FileEntry // nil until the first promotion
	sorted     []objstore.FileEntry          // lazily rebuilt view of entries
	timestamp  time.Time
	loading    bool
	partial    []objstore.FileEntry
	generation uint64
}

// Option configures a Cache
type Option func(*Cache)

func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithPageSize(n int) Option {
	return func(c *Cache) {
		if n > 0 && n <= objstore.DefaultPageSize {
			c.pageSize = int32(n)
		}
	}
}

// WithPrefix limits the scan to keys under prefix
func WithPrefix(prefix string) Option {
	return func(c *Cache) {
		c.prefix = prefix
	}
}

func WithNotifier(n notify.Notifier) Option {
	return func(c *Cache) {
		if n != nil {
			c.notifier = n
		}
	}
}

// WithSnapshotStore persists every promoted snapshot and enables Restore
func WithSnapshotStore(s SnapshotStore) Option {
	return func(c *Cache) {
		c.snapshots = s
	}
}

func New(store objstore.ObjectStore, opts ...Option) *Cache {
	memo, _ := lru.New[string, statsMemo](statsMemoSize)
	c := &Cache{
		store:    store,
		notifier: notify.Nop{},
		ttl:      DefaultTTL,
		pageSize: DefaultPageSize,
		now:      time.Now,
		memo:     memo,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetFiles returns the bucket listing sorted by key.
//
// A fresh snapshot is returned as is unless forceRefresh is set. Otherwise a
// scan is started (or joined); the caller waits for it when there is no
// snapshot yet, when forceRefresh is set, or when a scan was already running.
// A stale snapshot is returned immediately while the scan continues in the background.
func (c *Cache) GetFiles(ctx context.Context, forceRefresh bool) ([]objstore.FileEntry, error) {
	c.mu.Lock()
	if !forceRefresh && c.freshLocked() {
		files := slices.Clone(c.listLocked())
		c.mu.Unlock()
		return files, nil
	}
	wasLoading := c.loading
	hasSnapshot := c.entries != nil
	c.mu.Unlock()

	ch := c.load(ctx, forceRefresh)
	if wasLoading || forceRefresh || !hasSnapshot {
		return c.await(ctx, ch)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.listLocked()), nil
}

// StartBackgroundLoad begins a scan unless one is running or the snapshot is fresh.
func (c *Cache) StartBackgroundLoad(ctx context.Context) {
	c.mu.Lock()
	skip := c.loading || c.freshLocked()
	c.mu.Unlock()
	if skip {
		return
	}
	c.load(ctx, false)
}

// Refresh forces a scan and waits for it.
func (c *Cache) Refresh(ctx context.Context) error {
	_, err := c.GetFiles(ctx, true)
	return err
}

func (c *Cache) await(ctx context.Context, ch <-chan singleflight.Result) ([]objstore.FileEntry, error) {
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return slices.Clone(res.Val.([]objstore.FileEntry)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// load joins the in-flight scan or starts a new one. The scan outlives the
// caller's context so that other waiters are not cut short.
func (c *Cache) load(ctx context.Context, force bool) <-chan singleflight.Result {
	requestedAt := c.now()
	scanCtx := context.WithoutCancel(ctx)

	return c.group.DoChan(scanKey, func() (any, error) {
		c.mu.Lock()
		// a scan promoted after this request was made already satisfies it
		if c.entries != nil && (c.timestamp.After(requestedAt) || (!force && c.freshLocked())) {
			files := c.listLocked()
			c.mu.Unlock()
			return files, nil
		}
		c.loading = true
		c.partial = nil
		c.generation++
		c.mu.Unlock()

		return c.scan(scanCtx)
	})
}

func (c *Cache) scan(ctx context.Context) ([]objstore.FileEntry, error) {
	slog.Info("cache scan start", "prefix", c.prefix, "pageSize", c.pageSize)
	start := c.now()

	var all []objstore.FileEntry
	token := ""
	pages := 0
	for {
		page, err := c.store.ListObjects(ctx, &objstore.ListObjectsParams{
			Prefix:            c.prefix,
			ContinuationToken: token,
			MaxKeys:           c.pageSize,
		})
		if err != nil {
			return nil, c.fail(fmt.Errorf("list page %d: %w", pages+1, err))
		}
		pages++
		all = append(all, page.Entries...)
		complete := !page.IsTruncated || page.NextContinuationToken == ""

		c.mu.Lock()
		c.partial = all[:len(all):len(all)]
		c.generation++
		c.mu.Unlock()

		if _, nop := c.notifier.(notify.Nop); !nop {
			c.notifier.Notify(notify.EventCacheProgress, ProgressEvent{
				TotalLoaded: len(all),
				FolderStats: aggregateFolderStats(all, complete),
				IsComplete:  complete,
			})
		}

		if complete {
			break
		}
		token = page.NextContinuationToken
	}

	// all still backs the partial view, sort a copy
	sorted := slices.Clone(all)
	slices.SortFunc(sorted, func(a, b objstore.FileEntry) int { return cmp.Compare(a.Key, b.Key) })
	byKey := make(map[string]objstore.FileEntry, len(sorted))
	for _, e := range sorted {
		byKey[e.Key] = e
	}

	c.mu.Lock()
	c.entries = byKey
	c.sorted = sorted
	c.timestamp = c.now()
	c.loading = false
	c.partial = nil
	c.generation++
	takenAt := c.timestamp
	c.mu.Unlock()

	slog.Info("cache scan complete", "files", len(sorted), "pages", pages, "took", c.now().Sub(start))
	c.notifier.Notify(notify.EventCacheReady, ReadyEvent{TotalFiles: len(sorted)})
	c.persist(ctx, sorted, takenAt)

	return sorted, nil
}

func (c *Cache) fail(err error) error {
	c.mu.Lock()
	c.loading = false
	c.partial = nil
	c.generation++
	c.mu.Unlock()

	slog.Error("cache scan failed", "error", err)
	return &LoadError{Err: err}
}

func (c *Cache) persist(ctx context.Context, entries []objstore.FileEntry, takenAt time.Time) {
	if c.snapshots == nil {
		return
	}
	if err := c.snapshots.Save(ctx, entries, takenAt); err != nil {
		slog.Warn("cache snapshot save", "error", err)
	}
}

// Restore loads the persisted snapshot, keeping its original timestamp so
// that an old snapshot is served as stale. It is a no-op once a snapshot exists.
func (c *Cache) Restore(ctx context.Context) (bool, error) {
	if c.snapshots == nil {
		return false, nil
	}

	entries, takenAt, err := c.snapshots.Load(ctx)
	if errors.Is(err, ErrNoSnapshot) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("restore snapshot: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries != nil {
		return false, nil
	}

	c.entries = make(map[string]objstore.FileEntry, len(entries))
	for _, e := range entries {
		c.entries[e.Key] = e
	}
	c.sorted = nil
	c.timestamp = takenAt
	c.generation++
	slog.Info("cache restored", "files", len(entries), "takenAt", takenAt)
	return true, nil
}

// ===================================================================================================

// GetFolderStats reports counts over every key that starts with prefix, taken
// from the full snapshot or from the partial scan when no snapshot has been
// promoted yet. prefix is matched literally; pass a trailing "/" to stay
// inside one folder. ok is false when there is no data at all.
func (c *Cache) GetFolderStats(prefix string) (stats FolderStats, ok bool) {
	c.mu.Lock()
	var source []objstore.FileEntry
	complete := false
	switch {
	case c.entries != nil:
		source = c.listLocked()
		complete = true
	case len(c.partial) > 0:
		source = c.partial
	default:
		c.mu.Unlock()
		return FolderStats{}, false
	}
	generation := c.generation
	c.mu.Unlock()

	if m, hit := c.memo.Get(prefix); hit && m.generation == generation {
		return m.stats, true
	}

	stats = computeFolderStats(source, prefix, complete)
	c.memo.Add(prefix, statsMemo{generation: generation, stats: stats})
	return stats, true
}

// AddFile records an upload without a rescan. Before the first promotion there
// is nothing to patch, and the next scan picks the object up.
func (c *Cache) AddFile(entry objstore.FileEntry) {
	c.mu.Lock()
	if c.entries != nil {
		c.entries[entry.Key] = entry
		c.sorted = nil
		c.generation++
	}
	c.mu.Unlock()

	c.notifier.Notify(notify.EventCloudUpdate, UpdateEvent{Action: ActionAdd, Key: entry.Key, File: &entry})
}

// RemoveFile drops key from the snapshot without a rescan.
func (c *Cache) RemoveFile(key string) {
	c.mu.Lock()
	if c.entries != nil {
		if _, ok := c.entries[key]; ok {
			delete(c.entries, key)
			c.sorted = nil
			c.generation++
		}
	}
	c.mu.Unlock()

	c.notifier.Notify(notify.EventCloudUpdate, UpdateEvent{Action: ActionRemove, Key: key})
}

// Glob returns the snapshot entries whose key matches a doublestar pattern.
func (c *Cache) Glob(pattern string) ([]objstore.FileEntry, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidGlob, pattern)
	}

	c.mu.Lock()
	if c.entries == nil {
		c.mu.Unlock()
		return nil, ErrNoSnapshot
	}
	files := c.listLocked()
	c.mu.Unlock()

	var out []objstore.FileEntry
	for _, e := range files {
		if ok, _ := doublestar.Match(pattern, e.Key); ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (c *Cache) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		IsLoading:  c.loading,
		IsReady:    c.entries != nil,
		TTLSeconds: int64(c.ttl / time.Second),
	}
	if c.entries != nil {
		st.TotalFiles = len(c.entries)
	} else {
		st.TotalFiles = len(c.partial)
	}
	if !c.timestamp.IsZero() {
		age := int64(c.now().Sub(c.timestamp).Round(time.Second) / time.Second)
		st.AgeSeconds = &age
	}
	return st
}

func (c *Cache) freshLocked() bool {
	return c.entries != nil && c.now().Sub(c.timestamp) < c.ttl
}

// listLocked returns the sorted view of entries. The returned slice is never
// mutated afterwards; callers outside the lock may read it but not modify it.
func (c *Cache) listLocked() []objstore.FileEntry {
	if c.sorted == nil && c.entries != nil {
		c.sorted = slices.SortedFunc(maps.Values(c.entries), func(a, b objstore.FileEntry) int {
			return cmp.Compare(a.Key, b.Key)
		})
	}
	return c.sorted
}
