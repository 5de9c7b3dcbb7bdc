package jobs

import (
	"github.com/openmined/mirrorbox/internal/backup"
	"github.com/openmined/mirrorbox/internal/jobs"
)

type CreateJobRequest struct {
	SourcePath   string `json:"sourcePath" binding:"required"`
	SnapshotMode bool   `json:"snapshotMode"`
}

type CreateJobResponse struct {
	JobID        string `json:"jobId"`
	TargetPrefix string `json:"targetPrefix"`
}

type ResumeJobResponse struct {
	JobID           string `json:"jobId"`
	TargetPrefix    string `json:"targetPrefix"`
	AlreadyUploaded int    `json:"alreadyUploaded"`
}

type CancelJobRequest struct {
	Clean bool `json:"clean"`
}

type CancelJobResponse struct {
	Success bool `json:"success"`
}

type ListJobsResponse struct {
	Active  []backup.Stats    `json:"active"`
	Pending []jobs.Descriptor `json:"pending"`
}
