package jobs

import (
	"errors"
	"slices"
	"time"

	"github.com/openmined/mirrorbox/internal/backup"
)

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrJobActive     = errors.New("job already active")
	ErrStoreLocked   = errors.New("job store is locked by another process")
	ErrInvalidSource = errors.New("source path is required")
)

type Status string

const (
	StatusRunning     Status = "running"
	StatusInterrupted Status = "interrupted"
	StatusCompleted   Status = "completed"
)

// Descriptor is the persisted state of one mirror job.
type Descriptor struct {
	JobID        string          `json:"jobId"`
	SourcePath   string          `json:"sourcePath"`
	TargetPrefix string          `json:"targetPrefix"`
	SnapshotMode bool            `json:"snapshotMode"`
	StartedAt    time.Time       `json:"startedAt"`
	LastActivity time.Time       `json:"lastActivity"`
	Status       Status          `json:"status"`
	Progress     backup.Progress `json:"progress"`
	UploadedKeys []string        `json:"uploadedKeys"`
}

func (d *Descriptor) clone() Descriptor {
	c := *d
	c.UploadedKeys = slices.Clone(d.UploadedKeys)
	if c.UploadedKeys == nil {
		c.UploadedKeys = []string{}
	}
	return c
}

// JobRef acknowledges a created or resumed job.
type JobRef struct {
	JobID           string `json:"jobId"`
	TargetPrefix    string `json:"targetPrefix"`
	AlreadyUploaded int    `json:"alreadyUploaded,omitempty"`
}

// document is the on-disk layout of the job store.
type document struct {
	PendingJobs map[string]*Descriptor `json:"pendingJobs"`
}
