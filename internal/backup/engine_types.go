package backup

import (
	"errors"

	"github.com/openmined/mirrorbox/internal/objstore"
)

const (
	DefaultConcurrency     = 10
	DefaultProgressEvery   = 5
	DefaultCheckpointEvery = 50
)

var (
	ErrStopped        = errors.New("backup stopped")
	ErrAlreadyRunning = errors.New("backup already running")
)

// Progress is the persisted part of a job's counters.
type Progress struct {
	FilesScanned  int   `json:"filesScanned"`
	FilesUploaded int   `json:"filesUploaded"`
	BytesUploaded int64 `json:"bytesUploaded"`
	Errors        int   `json:"errors"`
}

// Stats is the live view of a run, carried by progress and completion events.
type Stats struct {
	JobID string `json:"jobId"`
	Progress
	CurrentFile string `json:"currentFile,omitempty"`
}

// FileUploaded describes one successful upload.
type FileUploaded struct {
	JobID string `json:"jobId"`
	objstore.FileEntry
}

// Checkpoint is a periodic state save, decoupled from UI progress frequency.
type Checkpoint struct {
	JobID        string   `json:"jobId"`
	SourcePath   string   `json:"sourcePath"`
	TargetPrefix string   `json:"targetPrefix"`
	Progress     Progress `json:"progress"`
	UploadedKeys []string `json:"uploadedKeys"`
}

// Listener observes a run. Methods are invoked from worker goroutines,
// in completion order, and must not block for long.
type Listener interface {
	OnProgress(stats Stats)
	OnFileUploaded(file FileUploaded)
	OnCheckpoint(cp Checkpoint)
	OnComplete(stats Stats)
	OnError(jobID string, err error)
}

// NopListener ignores every event. Embed it to implement a subset of Listener.
type NopListener struct{}

func (NopListener) OnProgress(Stats) {}
func (NopListener) OnFileUploaded(FileUploaded) {}
func (NopListener) OnCheckpoint(Checkpoint) {}
func (NopListener) OnComplete(Stats) {}
func (NopListener) OnError(string, error) {}

// ===================================================================================================

type engineConfig struct {
	concurrency     int
	progressEvery   int
	checkpointEvery int
	ignore          *IgnoreList
	listener        Listener
	uploadedKeys    []string
}

// Option configures an Engine
type Option func(*engineConfig)

// WithConcurrency sets the width of the upload worker pool
func WithConcurrency(n int) Option {
	return func(c *engineConfig) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithProgressEvery emits a progress event every n successful uploads
func WithProgressEvery(n int) Option {
	return func(c *engineConfig) {
		if n > 0 {
			c.progressEvery = n
		}
	}
}

// WithCheckpointEvery emits a checkpoint every n successful uploads
func WithCheckpointEvery(n int) Option {
	return func(c *engineConfig) {
		if n > 0 {
			c.checkpointEvery = n
		}
	}
}

// WithIgnoreList replaces the default deny-list
func WithIgnoreList(l *IgnoreList) Option {
	return func(c *engineConfig) {
		if l != nil {
			c.ignore = l
		}
	}
}

// WithListener sets the event observer
func WithListener(l Listener) Option {
	return func(c *engineConfig) {
		if l != nil {
			c.listener = l
		}
	}
}

// WithUploadedKeys seeds a resumed run with keys uploaded by an earlier run
func WithUploadedKeys(keys []string) Option {
	return func(c *engineConfig) {
		c.uploadedKeys = keys
	}
}
