package jobs

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofrs/flock"
	"github.com/openmined/mirrorbox/internal/backup"
	"github.com/openmined/mirrorbox/internal/utils"
)

// Manager persists job descriptors so that interrupted jobs survive a restart.
//
// The whole document is rewritten after every mutation. Write failures are
// logged and swallowed: the in-memory state stays authoritative for this process.
type Manager struct {
	path string
	lock *flock.Flock
	now  func() time.Time

	mu   sync.Mutex
	jobs map[string]*Descriptor
}

func NewManager(path string) *Manager {
	return &Manager{
		path: path,
		lock: flock.New(path + ".lock"),
		now:  func() time.Time { return time.Now().UTC() },
		jobs: make(map[string]*Descriptor),
	}
}

// Init takes ownership of the store and loads it. Jobs recorded as running
// belonged to a process that is gone, so they are marked interrupted.
func (m *Manager) Init() error {
	if err := utils.EnsureParent(m.path); err != nil {
		return fmt.Errorf("job store dir: %w", err)
	}

	locked, err := m.lock.TryLock()
	if err != nil {
		return fmt.Errorf("job store lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("%w: %s", ErrStoreLocked, m.lock.Path())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Info("job store empty", "path", m.path)
		return nil
	} else if err != nil {
		slog.Warn("job store unreadable, starting empty", "path", m.path, "error", err)
		return nil
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		slog.Warn("job store corrupt, starting empty", "path", m.path, "error", err)
		return nil
	}

	for id, d := range doc.PendingJobs {
		if d == nil {
			continue
		}
		d.JobID = id
		if d.Status == StatusRunning {
			d.Status = StatusInterrupted
		}
		if d.UploadedKeys == nil {
			d.UploadedKeys = []string{}
		}
		m.jobs[id] = d
	}

	slog.Info("job store loaded", "path", m.path, "pending", len(m.jobs))
	m.persistLocked()
	return nil
}

// Close releases the store lock.
func (m *Manager) Close() error {
	return m.lock.Unlock()
}

// SaveJob creates or replaces a descriptor. Missing start time, status and key
// list are filled in; lastActivity is always refreshed.
func (m *Manager) SaveJob(d Descriptor) {
	now := m.now()
	stored := d.clone()
	if stored.StartedAt.IsZero() {
		stored.StartedAt = now
	}
	if stored.Status == "" {
		stored.Status = StatusRunning
	}
	stored.LastActivity = now

	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[stored.JobID] = &stored
	m.persistLocked()
}

// UpdateProgress records a checkpoint. A nil keys slice leaves the stored keys unchanged.
func (m *Manager) UpdateProgress(jobID string, progress backup.Progress, keys []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.jobs[jobID]
	if !ok {
		return
	}
	d.Progress = progress
	d.LastActivity = m.now()
	if keys != nil {
		d.UploadedKeys = slices.Clone(keys)
	}
	m.persistLocked()
}

// MarkCompleted drops the job from the store.
func (m *Manager) MarkCompleted(jobID string) {
	m.DeleteJob(jobID)
}

func (m *Manager) MarkInterrupted(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.jobs[jobID]
	if !ok {
		return
	}
	d.Status = StatusInterrupted
	d.LastActivity = m.now()
	m.persistLocked()
}

func (m *Manager) DeleteJob(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[jobID]; !ok {
		return
	}
	delete(m.jobs, jobID)
	m.persistLocked()
}

func (m *Manager) GetJob(jobID string) (Descriptor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.jobs[jobID]
	if !ok {
		return Descriptor{}, false
	}
	return d.clone(), true
}

// PendingJobs returns every job that has not completed, oldest first.
func (m *Manager) PendingJobs() []Descriptor {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Descriptor, 0, len(m.jobs))
	for _, d := range m.jobs {
		if d.Status != StatusCompleted {
			out = append(out, d.clone())
		}
	}
	slices.SortFunc(out, func(a, b Descriptor) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.JobID, b.JobID)
	})
	return out
}

func (m *Manager) persistLocked() {
	data, err := json.MarshalIndent(document{PendingJobs: m.jobs}, "", "  ")
	if err != nil {
		slog.Error("job store encode", "error", err)
		return
	}
	if err := utils.WriteFileAtomic(m.path, data, 0o644); err != nil {
		slog.Error("job store write", "path", m.path, "error", err)
	}
}
