package cloudcache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openmined/mirrorbox/internal/db"
	"github.com/openmined/mirrorbox/internal/notify"
	"github.com/openmined/mirrorbox/internal/objstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

func seedStore(t *testing.T, keys ...string) *objstore.MemoryStore {
	t.Helper()
	store := objstore.NewMemoryStore()
	for _, key := range keys {
		put(t, store, key)
	}
	return store
}

func put(t *testing.T, store *objstore.MemoryStore, key string) {
	t.Helper()
	_, err := store.PutObject(context.Background(), &objstore.PutObjectParams{Key: key, Body: strings.NewReader("x")})
	require.NoError(t, err)
}

func keysOf(entries []objstore.FileEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Key
	}
	return out
}

func TestGetFilesSharesOneScan(t *testing.T) {
	store := seedStore(t, "a", "b/c", "b/d")
	store.ListHook = func(context.Context, *objstore.ListObjectsParams) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	}
	cache := New(store)

	var wg sync.WaitGroup
	results := make([][]objstore.FileEntry, 2)
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = cache.GetFiles(context.Background(), false)
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, int64(1), store.ListCalls())
	assert.Equal(t, []string{"a", "b/c", "b/d"}, keysOf(results[0]))
	assert.Equal(t, results[0], results[1])
}

func TestGetFilesServesFreshThenStale(t *testing.T) {
	store := seedStore(t, "a")
	clock := newFakeClock()
	cache := New(store, WithTTL(time.Minute))
	cache.now = clock.Now

	files, err := cache.GetFiles(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, files, 1)

	put(t, store, "b")
	files, err = cache.GetFiles(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, files, 1, "fresh snapshot is served without a scan")
	assert.Equal(t, int64(1), store.ListCalls())

	clock.Advance(2 * time.Minute)
	files, err = cache.GetFiles(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, files, 1, "stale snapshot is returned immediately")

	require.Eventually(t, func() bool {
		st := cache.Status()
		return !st.IsLoading && st.TotalFiles == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(2), store.ListCalls())
}

func TestGetFilesForceRefresh(t *testing.T) {
	store := seedStore(t, "a")
	cache := New(store)

	_, err := cache.GetFiles(context.Background(), false)
	require.NoError(t, err)

	put(t, store, "b")
	files, err := cache.GetFiles(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keysOf(files))
	assert.Equal(t, int64(2), store.ListCalls())
}

func TestScanPaginatesAndReportsProgress(t *testing.T) {
	keys := make([]string, 25)
	for i := range keys {
		keys[i] = fmt.Sprintf("backups/host/f%02d", i)
	}
	store := seedStore(t, keys...)
	rec := &notify.Recorder{}
	cache := New(store, WithPageSize(10), WithNotifier(rec))

	files, err := cache.GetFiles(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, files, 25)
	assert.Equal(t, int64(3), store.ListCalls())

	progress := rec.Events(notify.EventCacheProgress)
	require.Len(t, progress, 3)
	var loaded []int
	for _, ev := range progress {
		loaded = append(loaded, ev.Data.(ProgressEvent).TotalLoaded)
	}
	assert.Equal(t, []int{10, 20, 25}, loaded)

	last := progress[2].Data.(ProgressEvent)
	assert.True(t, last.IsComplete)
	assert.Equal(t, FolderStats{FolderCount: 0, FileCount: 25, TotalCount: 25, IsComplete: true}, last.FolderStats["backups/host/"])
	assert.Equal(t, FolderStats{FolderCount: 1, FileCount: 0, TotalCount: 25, IsComplete: true}, last.FolderStats["backups/"])
	assert.False(t, progress[0].Data.(ProgressEvent).IsComplete)

	ready := rec.Events(notify.EventCacheReady)
	require.Len(t, ready, 1)
	assert.Equal(t, ReadyEvent{TotalFiles: 25}, ready[0].Data)
}

func TestScanFailureIsNotPromoted(t *testing.T) {
	keys := make([]string, 15)
	for i := range keys {
		keys[i] = fmt.Sprintf("k%02d", i)
	}
	store := seedStore(t, keys...)
	boom := errors.New("access denied")
	store.ListHook = func(_ context.Context, p *objstore.ListObjectsParams) error {
		if p.ContinuationToken != "" {
			return boom
		}
		return nil
	}
	cache := New(store, WithPageSize(10))

	_, err := cache.GetFiles(context.Background(), false)
	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.ErrorIs(t, err, boom)

	st := cache.Status()
	assert.False(t, st.IsReady)
	assert.False(t, st.IsLoading)
	_, ok := cache.GetFolderStats("")
	assert.False(t, ok, "partial data from a failed scan is discarded")

	// a later success promotes, a later failure keeps the old snapshot
	store.ListHook = nil
	files, err := cache.GetFiles(context.Background(), true)
	require.NoError(t, err)
	assert.Len(t, files, 15)

	store.ListHook = func(context.Context, *objstore.ListObjectsParams) error { return boom }
	put(t, store, "zz")
	_, err = cache.GetFiles(context.Background(), true)
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, 15, cache.Status().TotalFiles)
}

func TestFolderStats(t *testing.T) {
	store := seedStore(t,
		"backups/host/C_DRIVE/a.txt",
		"backups/host/C_DRIVE/sub/b.txt",
		"backups/host/C_DRIVE/sub/c.txt",
		"backups/host/D_DRIVE/x.bin",
	)
	cache := New(store)

	_, ok := cache.GetFolderStats("backups/")
	assert.False(t, ok)

	_, err := cache.GetFiles(context.Background(), false)
	require.NoError(t, err)

	stats, ok := cache.GetFolderStats("backups/host/C_DRIVE/")
	require.True(t, ok)
	assert.Equal(t, FolderStats{FolderCount: 1, FileCount: 1, TotalCount: 3, IsComplete: true}, stats)

	stats, _ = cache.GetFolderStats("backups/host/C_DRIVE")
	assert.Equal(t, FolderStats{FolderCount: 1, FileCount: 0, TotalCount: 3, IsComplete: true}, stats)

	stats, _ = cache.GetFolderStats("backups/")
	assert.Equal(t, FolderStats{FolderCount: 1, FileCount: 0, TotalCount: 4, IsComplete: true}, stats)

	cache.AddFile(objstore.FileEntry{Key: "backups/host/C_DRIVE/new.txt", Size: 1})
	stats, _ = cache.GetFolderStats("backups/host/C_DRIVE/")
	assert.Equal(t, 2, stats.FileCount)
	assert.Equal(t, 4, stats.TotalCount)

	cache.RemoveFile("backups/host/C_DRIVE/sub/b.txt")
	cache.RemoveFile("backups/host/C_DRIVE/sub/c.txt")
	stats, _ = cache.GetFolderStats("backups/host/C_DRIVE/")
	assert.Equal(t, FolderStats{FolderCount: 0, FileCount: 2, TotalCount: 2, IsComplete: true}, stats)
}

func TestFolderStatsLiteralPrefix(t *testing.T) {
	store := seedStore(t,
		"backups/host/a.txt",
		"backups/host2/b.txt",
		"backups/hostx.txt",
		"other/c.txt",
	)
	cache := New(store)
	_, err := cache.GetFiles(context.Background(), false)
	require.NoError(t, err)

	// "backups/host" is a plain string prefix of all three backups keys
	stats, ok := cache.GetFolderStats("backups/host")
	require.True(t, ok)
	assert.Equal(t, FolderStats{FolderCount: 2, FileCount: 1, TotalCount: 3, IsComplete: true}, stats)

	stats, _ = cache.GetFolderStats("backups/host/")
	assert.Equal(t, FolderStats{FolderCount: 0, FileCount: 1, TotalCount: 1, IsComplete: true}, stats)

	stats, _ = cache.GetFolderStats("")
	assert.Equal(t, FolderStats{FolderCount: 2, FileCount: 0, TotalCount: 4, IsComplete: true}, stats)
}

func TestFolderStatsFromPartialScan(t *testing.T) {
	keys := make([]string, 15)
	for i := range keys {
		keys[i] = fmt.Sprintf("root/f%02d", i)
	}
	store := seedStore(t, keys...)

	firstPage := make(chan struct{})
	release := make(chan struct{})
	store.ListHook = func(_ context.Context, p *objstore.ListObjectsParams) error {
		if p.ContinuationToken != "" {
			close(firstPage)
			<-release
		}
		return nil
	}
	cache := New(store, WithPageSize(10))
	cache.StartBackgroundLoad(context.Background())

	<-firstPage
	require.Eventually(t, func() bool {
		stats, ok := cache.GetFolderStats("root/")
		return ok && stats.TotalCount == 10
	}, 2*time.Second, 5*time.Millisecond)

	stats, _ := cache.GetFolderStats("root/")
	assert.False(t, stats.IsComplete)
	assert.True(t, cache.Status().IsLoading)

	close(release)
	files, err := cache.GetFiles(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, files, 15)

	stats, _ = cache.GetFolderStats("root/")
	assert.Equal(t, FolderStats{FileCount: 15, TotalCount: 15, IsComplete: true}, stats)
	assert.Equal(t, int64(2), store.ListCalls())
}

func TestAddRemoveBroadcast(t *testing.T) {
	rec := &notify.Recorder{}
	cache := New(seedStore(t, "a"), WithNotifier(rec))

	cache.AddFile(objstore.FileEntry{Key: "early"})
	assert.False(t, cache.Status().IsReady, "no snapshot to patch yet")

	_, err := cache.GetFiles(context.Background(), false)
	require.NoError(t, err)

	cache.AddFile(objstore.FileEntry{Key: "b", Size: 3})
	cache.RemoveFile("a")

	files, err := cache.GetFiles(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, keysOf(files))

	updates := rec.Events(notify.EventCloudUpdate)
	require.Len(t, updates, 3)
	assert.Equal(t, ActionAdd, updates[1].Data.(UpdateEvent).Action)
	assert.Equal(t, "a", updates[2].Data.(UpdateEvent).Key)
	assert.Equal(t, ActionRemove, updates[2].Data.(UpdateEvent).Action)
}

func TestGlob(t *testing.T) {
	cache := New(seedStore(t, "b/host/C_DRIVE/a.txt", "b/host/C_DRIVE/sub/b.txt", "b/host/C_DRIVE/sub/c.jpg"))

	_, err := cache.Glob("**/*.txt")
	assert.ErrorIs(t, err, ErrNoSnapshot)

	_, err = cache.GetFiles(context.Background(), false)
	require.NoError(t, err)

	files, err := cache.Glob("**/*.txt")
	require.NoError(t, err)
	assert.Equal(t, []string{"b/host/C_DRIVE/a.txt", "b/host/C_DRIVE/sub/b.txt"}, keysOf(files))

	_, err = cache.Glob("[")
	assert.ErrorIs(t, err, ErrInvalidGlob)
}

func TestStatus(t *testing.T) {
	clock := newFakeClock()
	cache := New(seedStore(t, "a", "b"), WithTTL(10*time.Minute))
	cache.now = clock.Now

	st := cache.Status()
	assert.False(t, st.IsReady)
	assert.Nil(t, st.AgeSeconds)
	assert.Equal(t, int64(600), st.TTLSeconds)

	_, err := cache.GetFiles(context.Background(), false)
	require.NoError(t, err)
	clock.Advance(90 * time.Second)

	st = cache.Status()
	assert.True(t, st.IsReady)
	assert.Equal(t, 2, st.TotalFiles)
	require.NotNil(t, st.AgeSeconds)
	assert.Equal(t, int64(90), *st.AgeSeconds)
}

func TestSQLiteWarmStart(t *testing.T) {
	conn, err := db.NewSqliteDB()
	require.NoError(t, err)
	snapshots, err := NewSQLiteSnapshotStore(conn)
	require.NoError(t, err)
	defer snapshots.Close()

	first := New(seedStore(t, "x/1", "x/2", "y"), WithSnapshotStore(snapshots))
	_, err = first.GetFiles(context.Background(), false)
	require.NoError(t, err)

	// a new process against an empty remote serves the persisted listing
	emptyRemote := objstore.NewMemoryStore()
	second := New(emptyRemote, WithSnapshotStore(snapshots))
	restored, err := second.Restore(context.Background())
	require.NoError(t, err)
	assert.True(t, restored)

	files, err := second.GetFiles(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"x/1", "x/2", "y"}, keysOf(files))
	assert.Zero(t, emptyRemote.ListCalls())
	assert.NotEmpty(t, files[0].ETag)

	stats, ok := second.GetFolderStats("x/")
	require.True(t, ok)
	assert.Equal(t, 2, stats.FileCount)

	again, err := second.Restore(context.Background())
	require.NoError(t, err)
	assert.False(t, again, "restore never overwrites a live snapshot")
}

func TestRestoreWithoutSnapshot(t *testing.T) {
	conn, err := db.NewSqliteDB()
	require.NoError(t, err)
	snapshots, err := NewSQLiteSnapshotStore(conn)
	require.NoError(t, err)
	defer snapshots.Close()

	cache := New(objstore.NewMemoryStore(), WithSnapshotStore(snapshots))
	restored, err := cache.Restore(context.Background())
	require.NoError(t, err)
	assert.False(t, restored)

	restored, err = New(objstore.NewMemoryStore()).Restore(context.Background())
	require.NoError(t, err)
	assert.False(t, restored)
}
