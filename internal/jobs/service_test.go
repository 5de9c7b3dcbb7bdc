package jobs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openmined/mirrorbox/internal/backup"
	"github.com/openmined/mirrorbox/internal/notify"
	"github.com/openmined/mirrorbox/internal/objstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIndex struct {
	mu      sync.Mutex
	added   map[string]bool
	removed map[string]bool
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{added: map[string]bool{}, removed: map[string]bool{}}
}

func (f *fakeIndex) AddFile(e objstore.FileEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added[e.Key] = true
}

func (f *fakeIndex) RemoveFile(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed[key] = true
}

func (f *fakeIndex) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.added), len(f.removed)
}

type fixture struct {
	svc     *Service
	store   *objstore.MemoryStore
	manager *Manager
	events  *notify.Recorder
	index   *fakeIndex
	source  string
}

func newFixture(t *testing.T, files int, opts ...backup.Option) *fixture {
	t.Helper()

	source := t.TempDir()
	for i := range files {
		name := filepath.Join(source, fmt.Sprintf("dir%d", i%3), fmt.Sprintf("f%03d.txt", i))
		require.NoError(t, os.MkdirAll(filepath.Dir(name), 0o755))
		require.NoError(t, os.WriteFile(name, []byte("data"), 0o644))
	}

	manager := NewManager(filepath.Join(t.TempDir(), "jobs.json"))
	require.NoError(t, manager.Init())
	t.Cleanup(func() { _ = manager.Close() })

	f := &fixture{
		store:   objstore.NewMemoryStore(),
		manager: manager,
		events:  &notify.Recorder{},
		index:   newFakeIndex(),
		source:  source,
	}

	svc, err := NewService(ServiceConfig{
		Store:         f.store,
		Manager:       manager,
		Notifier:      f.events,
		Index:         f.index,
		HostLabel:     "testhost",
		EngineOptions: opts,
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) engine(jobID string) *backup.Engine {
	f.svc.mu.Lock()
	defer f.svc.mu.Unlock()
	return f.svc.active[jobID]
}

func TestCreateMirrorJobCompletes(t *testing.T) {
	f := newFixture(t, 12)

	ref, err := f.svc.CreateMirrorJob(context.Background(), f.source, false)
	require.NoError(t, err)
	assert.NotEmpty(t, ref.JobID)
	assert.Equal(t, DeriveTargetPrefix("backups", "testhost", "C_DRIVE", f.source, false), ref.TargetPrefix)

	f.svc.Wait()

	assert.Len(t, f.store.KeysWithPrefix(ref.TargetPrefix+"/"), 12)
	assert.False(t, f.svc.IsActive(ref.JobID))
	assert.Empty(t, f.svc.ActiveJobs())

	_, stored := f.manager.GetJob(ref.JobID)
	assert.False(t, stored, "completed jobs leave the store")

	complete := f.events.Events(notify.EventBackupComplete)
	require.Len(t, complete, 1)
	assert.Equal(t, 12, complete[0].Data.(backup.Stats).FilesUploaded)
	assert.Equal(t, 12, f.events.Count(notify.EventFileUploaded))
	assert.Equal(t, 2, f.events.Count(notify.EventBackupProgress))

	added, _ := f.index.counts()
	assert.Equal(t, 12, added)
}

func TestCreateMirrorJobMissingSource(t *testing.T) {
	f := newFixture(t, 0)

	_, err := f.svc.CreateMirrorJob(context.Background(), "", false)
	assert.ErrorIs(t, err, ErrInvalidSource)

	ref, err := f.svc.CreateMirrorJob(context.Background(), filepath.Join(f.source, "missing"), false)
	require.NoError(t, err)
	f.svc.Wait()

	assert.Equal(t, 1, f.events.Count(notify.EventBackupError))
	assert.False(t, f.svc.IsActive(ref.JobID))

	d, ok := f.manager.GetJob(ref.JobID)
	require.True(t, ok)
	assert.Equal(t, StatusInterrupted, d.Status)
}

func TestCancelJobCleanRollsBack(t *testing.T) {
	f := newFixture(t, 80)

	var puts atomic.Int64
	gate := make(chan struct{})
	f.store.PutHook = func(context.Context, string) error {
		if puts.Add(1) > 50 {
			<-gate
		}
		return nil
	}

	ref, err := f.svc.CreateMirrorJob(context.Background(), f.source, false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.events.Count(notify.EventFileUploaded) >= 50
	}, 5*time.Second, 5*time.Millisecond)

	engine := f.engine(ref.JobID)
	require.NotNil(t, engine)

	done := make(chan error, 1)
	go func() { done <- f.svc.CancelJob(context.Background(), ref.JobID, true) }()

	require.Eventually(t, engine.IsStopped, 2*time.Second, time.Millisecond)
	close(gate)
	require.NoError(t, <-done)
	f.svc.Wait()

	assert.Empty(t, f.store.KeysWithPrefix(ref.TargetPrefix+"/"))
	assert.False(t, f.svc.IsActive(ref.JobID))
	assert.Empty(t, f.events.Events(notify.EventBackupComplete))
	assert.Equal(t, 1, f.events.Count(notify.EventBackupCanceled))

	d, ok := f.manager.GetJob(ref.JobID)
	require.True(t, ok)
	assert.Equal(t, StatusInterrupted, d.Status)
	assert.Empty(t, d.UploadedKeys)

	added, removed := f.index.counts()
	assert.Equal(t, added, removed)
}

func TestCancelThenResumeUploadsRemainder(t *testing.T) {
	f := newFixture(t, 40, backup.WithConcurrency(2))

	var puts atomic.Int64
	gate := make(chan struct{})
	f.store.PutHook = func(context.Context, string) error {
		if puts.Add(1) > 10 {
			<-gate
		}
		return nil
	}

	ref, err := f.svc.CreateMirrorJob(context.Background(), f.source, false)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.events.Count(notify.EventFileUploaded) >= 10
	}, 5*time.Second, 5*time.Millisecond)

	engine := f.engine(ref.JobID)
	done := make(chan error, 1)
	go func() { done <- f.svc.CancelJob(context.Background(), ref.JobID, false) }()
	require.Eventually(t, engine.IsStopped, 2*time.Second, time.Millisecond)
	close(gate)
	require.NoError(t, <-done)

	d, ok := f.manager.GetJob(ref.JobID)
	require.True(t, ok)
	assert.Equal(t, StatusInterrupted, d.Status)
	partial := len(d.UploadedKeys)
	assert.GreaterOrEqual(t, partial, 10)
	assert.Less(t, partial, 40)
	assert.Len(t, f.store.KeysWithPrefix(ref.TargetPrefix+"/"), partial)

	putsBefore := f.store.PutCalls()
	resumed, err := f.svc.ResumeJob(context.Background(), ref.JobID)
	require.NoError(t, err)
	assert.Equal(t, partial, resumed.AlreadyUploaded)
	assert.Equal(t, ref.TargetPrefix, resumed.TargetPrefix)
	f.svc.Wait()

	assert.Len(t, f.store.KeysWithPrefix(ref.TargetPrefix+"/"), 40)
	assert.Equal(t, int64(40-partial), f.store.PutCalls()-putsBefore, "already uploaded keys are skipped")

	_, stored := f.manager.GetJob(ref.JobID)
	assert.False(t, stored)
}

func TestResumeJobErrors(t *testing.T) {
	f := newFixture(t, 5)

	_, err := f.svc.ResumeJob(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)

	assert.ErrorIs(t, f.svc.CancelJob(context.Background(), "nope", false), ErrJobNotFound)

	gate := make(chan struct{})
	f.store.PutHook = func(context.Context, string) error {
		<-gate
		return nil
	}
	ref, err := f.svc.CreateMirrorJob(context.Background(), f.source, false)
	require.NoError(t, err)

	_, err = f.svc.ResumeJob(context.Background(), ref.JobID)
	assert.ErrorIs(t, err, ErrJobActive)

	close(gate)
	f.svc.Wait()
}

func TestStopAll(t *testing.T) {
	f := newFixture(t, 30, backup.WithConcurrency(1))
	f.store.PutHook = func(context.Context, string) error {
		time.Sleep(20 * time.Millisecond)
		return nil
	}

	a, err := f.svc.CreateMirrorJob(context.Background(), f.source, false)
	require.NoError(t, err)
	b, err := f.svc.CreateMirrorJob(context.Background(), f.source, true)
	require.NoError(t, err)
	assert.Len(t, f.svc.ActiveJobs(), 2)

	stopped := f.svc.StopAll(context.Background(), false)
	f.svc.Wait()

	assert.ElementsMatch(t, []string{a.JobID, b.JobID}, stopped)
	assert.Empty(t, f.svc.ActiveJobs())
	assert.Len(t, f.svc.PendingJobs(), 2)
	assert.Equal(t, 2, f.events.Count(notify.EventBackupCanceled))
	assert.Empty(t, f.events.Events(notify.EventBackupComplete))
}
