package jobs

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/openmined/mirrorbox/internal/backup"
	"github.com/openmined/mirrorbox/internal/notify"
	"github.com/openmined/mirrorbox/internal/objstore"
)

// FileIndex receives incremental updates for every object a job writes or removes.
type FileIndex interface {
	AddFile(entry objstore.FileEntry)
	RemoveFile(key string)
}

type ServiceConfig struct {
	Store    objstore.ObjectStore
	Manager  *Manager
	Notifier notify.Notifier
	Index    FileIndex

	HostLabel     string
	PrefixRoot    string
	SnapshotLabel string

	// applied to every engine the service builds
	EngineOptions []backup.Option
}

// Service orchestrates mirror jobs: it owns the registry of running engines
// and bridges their events to persistence, the file index and notifications.
type Service struct {
	cfg ServiceConfig

	mu     sync.Mutex
	active map[string]*backup.Engine
	wg     sync.WaitGroup
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("jobs: store is required")
	}
	if cfg.Manager == nil {
		return nil, errors.New("jobs: manager is required")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}
	if cfg.PrefixRoot == "" {
		cfg.PrefixRoot = DefaultPrefixRoot
	}
	if cfg.SnapshotLabel == "" {
		cfg.SnapshotLabel = DefaultSnapshotLabel
	}
	if cfg.HostLabel == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("jobs: hostname: %w", err)
		}
		cfg.HostLabel = host
	}

	return &Service{
		cfg:    cfg,
		active: make(map[string]*backup.Engine),
	}, nil
}

// CreateMirrorJob registers and starts a new job and returns without waiting for it.
func (s *Service) CreateMirrorJob(ctx context.Context, sourcePath string, snapshotMode bool) (*JobRef, error) {
	if sourcePath == "" {
		return nil, ErrInvalidSource
	}

	jobID := uuid.NewString()
	prefix := DeriveTargetPrefix(s.cfg.PrefixRoot, s.cfg.HostLabel, s.cfg.SnapshotLabel, sourcePath, snapshotMode)

	engine := s.newEngine(jobID, nil)
	s.mu.Lock()
	s.active[jobID] = engine
	s.mu.Unlock()

	s.cfg.Manager.SaveJob(Descriptor{
		JobID:        jobID,
		SourcePath:   sourcePath,
		TargetPrefix: prefix,
		SnapshotMode: snapshotMode,
		Status:       StatusRunning,
	})

	slog.Info("job created", "jobId", jobID, "source", sourcePath, "target", prefix, "snapshot", snapshotMode)
	s.launch(ctx, engine, sourcePath, prefix)

	return &JobRef{JobID: jobID, TargetPrefix: prefix}, nil
}

// ResumeJob restarts a persisted job, skipping every key it already uploaded.
func (s *Service) ResumeJob(ctx context.Context, jobID string) (*JobRef, error) {
	d, ok := s.cfg.Manager.GetJob(jobID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	s.mu.Lock()
	if _, running := s.active[jobID]; running {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobActive, jobID)
	}
	engine := s.newEngine(jobID, d.UploadedKeys)
	s.active[jobID] = engine
	s.mu.Unlock()

	d.Status = StatusRunning
	s.cfg.Manager.SaveJob(d)

	slog.Info("job resumed", "jobId", jobID, "source", d.SourcePath, "target", d.TargetPrefix, "alreadyUploaded", len(d.UploadedKeys))
	s.launch(ctx, engine, d.SourcePath, d.TargetPrefix)

	return &JobRef{
		JobID:           jobID,
		TargetPrefix:    d.TargetPrefix,
		AlreadyUploaded: len(d.UploadedKeys),
	}, nil
}

// CancelJob stops an active job and waits for its in-flight uploads. With
// clean set, every object the job uploaded is deleted again. The job stays in
// the store as interrupted so that it can be resumed.
func (s *Service) CancelJob(ctx context.Context, jobID string, clean bool) error {
	s.mu.Lock()
	engine, ok := s.active[jobID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	engine.Stop()
	engine.Wait()

	var cleanupErr error
	if clean {
		keys := engine.UploadedKeys()
		if cleanupErr = engine.Cleanup(ctx); cleanupErr == nil {
			if s.cfg.Index != nil {
				for _, key := range keys {
					s.cfg.Index.RemoveFile(key)
				}
			}
			s.cfg.Manager.UpdateProgress(jobID, backup.Progress{}, []string{})
			slog.Info("job rolled back", "jobId", jobID, "deleted", len(keys))
		} else {
			slog.Error("job rollback failed", "jobId", jobID, "error", cleanupErr)
			s.cfg.Manager.UpdateProgress(jobID, engine.Stats().Progress, engine.UploadedKeys())
		}
	} else {
		s.cfg.Manager.UpdateProgress(jobID, engine.Stats().Progress, engine.UploadedKeys())
	}

	s.deregister(jobID, engine)
	s.cfg.Manager.MarkInterrupted(jobID)
	s.cfg.Notifier.Notify(notify.EventBackupCanceled, map[string]string{"jobId": jobID})
	slog.Info("job canceled", "jobId", jobID, "clean", clean)

	if cleanupErr != nil {
		return fmt.Errorf("rollback %s: %w", jobID, cleanupErr)
	}
	return nil
}

// StopAll cancels every active job and returns their ids.
func (s *Service) StopAll(ctx context.Context, clean bool) []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	slices.Sort(ids)

	stopped := make([]string, 0, len(ids))
	for _, id := range ids {
		err := s.CancelJob(ctx, id, clean)
		if errors.Is(err, ErrJobNotFound) {
			// finished on its own meanwhile
			continue
		}
		if err != nil {
			slog.Error("stop job", "jobId", id, "error", err)
		}
		stopped = append(stopped, id)
	}
	return stopped
}

func (s *Service) PendingJobs() []Descriptor {
	return s.cfg.Manager.PendingJobs()
}

// ActiveJobs returns live stats for every job running in this process.
func (s *Service) ActiveJobs() []backup.Stats {
	s.mu.Lock()
	out := make([]backup.Stats, 0, len(s.active))
	for _, engine := range s.active {
		out = append(out, engine.Stats())
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b backup.Stats) int { return cmp.Compare(a.JobID, b.JobID) })
	return out
}

func (s *Service) IsActive(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[jobID]
	return ok
}

// Wait blocks until every engine goroutine started by the service has returned.
func (s *Service) Wait() {
	s.wg.Wait()
}

// ===================================================================================================

func (s *Service) newEngine(jobID string, uploadedKeys []string) *backup.Engine {
	l := &jobListener{svc: s, jobID: jobID}
	opts := append(slices.Clone(s.cfg.EngineOptions), backup.WithListener(l), backup.WithUploadedKeys(uploadedKeys))
	l.engine = backup.NewEngine(s.cfg.Store, jobID, opts...)
	return l.engine
}

// launch runs the engine detached from ctx: a job outlives the request that created it.
func (s *Service) launch(ctx context.Context, engine *backup.Engine, sourcePath, prefix string) {
	runCtx := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := engine.Start(runCtx, sourcePath, prefix); err != nil && !errors.Is(err, backup.ErrStopped) {
			slog.Debug("job ended with error", "jobId", engine.JobID(), "error", err)
		}
	}()
}

// deregister removes jobID only if it still maps to engine, so a finished
// run never evicts the engine of a later resume.
func (s *Service) deregister(jobID string, engine *backup.Engine) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[jobID] != engine {
		return false
	}
	delete(s.active, jobID)
	return true
}

// ===================================================================================================

type jobListener struct {
	svc    *Service
	jobID  string
	engine *backup.Engine
}

func (l *jobListener) OnProgress(stats backup.Stats) {
	l.svc.cfg.Notifier.Notify(notify.EventBackupProgress, stats)
}

func (l *jobListener) OnFileUploaded(f backup.FileUploaded) {
	l.svc.cfg.Notifier.Notify(notify.EventFileUploaded, f)
	if l.svc.cfg.Index != nil {
		l.svc.cfg.Index.AddFile(f.FileEntry)
	}
}

func (l *jobListener) OnCheckpoint(cp backup.Checkpoint) {
	l.svc.cfg.Manager.UpdateProgress(cp.JobID, cp.Progress, cp.UploadedKeys)
}

func (l *jobListener) OnComplete(stats backup.Stats) {
	l.svc.cfg.Notifier.Notify(notify.EventBackupComplete, stats)
	l.svc.deregister(l.jobID, l.engine)
	l.svc.cfg.Manager.MarkCompleted(l.jobID)
	slog.Info("job completed", "jobId", l.jobID, "uploaded", stats.FilesUploaded, "errors", stats.Errors)
}

func (l *jobListener) OnError(jobID string, err error) {
	l.svc.cfg.Notifier.Notify(notify.EventBackupError, map[string]string{"jobId": jobID, "error": err.Error()})
	l.svc.deregister(jobID, l.engine)
	l.svc.cfg.Manager.UpdateProgress(jobID, l.engine.Stats().Progress, l.engine.UploadedKeys())
	l.svc.cfg.Manager.MarkInterrupted(jobID)
	slog.Error("job failed", "jobId", jobID, "error", err)
}

var _ backup.Listener = (*jobListener)(nil)
