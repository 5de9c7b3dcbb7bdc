package jobs

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/openmined/mirrorbox/internal/jobs"
	"github.com/openmined/mirrorbox/internal/server/api"
)

type JobsHandler struct {
	svc *jobs.Service
}

func New(svc *jobs.Service) *JobsHandler {
	return &JobsHandler{svc: svc}
}

func (h *JobsHandler) Create(ctx *gin.Context) {
	var req CreateJobRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		api.AbortWithError(ctx, http.StatusBadRequest, api.CodeInvalidRequest, err)
		return
	}

	ref, err := h.svc.CreateMirrorJob(ctx.Request.Context(), req.SourcePath, req.SnapshotMode)
	if errors.Is(err, jobs.ErrInvalidSource) {
		api.AbortWithError(ctx, http.StatusBadRequest, api.CodeInvalidRequest, err)
		return
	} else if err != nil {
		api.AbortWithError(ctx, http.StatusInternalServerError, api.CodeJobStartFailed, err)
		return
	}

	ctx.PureJSON(http.StatusAccepted, &CreateJobResponse{
		JobID:        ref.JobID,
		TargetPrefix: ref.TargetPrefix,
	})
}

func (h *JobsHandler) Resume(ctx *gin.Context) {
	ref, err := h.svc.ResumeJob(ctx.Request.Context(), ctx.Param("id"))
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		api.AbortWithError(ctx, http.StatusNotFound, api.CodeJobNotFound, err)
		return
	case errors.Is(err, jobs.ErrJobActive):
		api.AbortWithError(ctx, http.StatusConflict, api.CodeJobActive, err)
		return
	case err != nil:
		api.AbortWithError(ctx, http.StatusInternalServerError, api.CodeJobStartFailed, err)
		return
	}

	ctx.PureJSON(http.StatusAccepted, &ResumeJobResponse{
		JobID:           ref.JobID,
		TargetPrefix:    ref.TargetPrefix,
		AlreadyUploaded: ref.AlreadyUploaded,
	})
}

// Cancel blocks until the job's in-flight uploads have drained, and with
// clean set until its objects are deleted. The rollback runs to the end even
// if the client goes away.
func (h *JobsHandler) Cancel(ctx *gin.Context) {
	var req CancelJobRequest
	// an empty body means a plain stop
	if err := ctx.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		api.AbortWithError(ctx, http.StatusBadRequest, api.CodeInvalidRequest, err)
		return
	}

	err := h.svc.CancelJob(context.WithoutCancel(ctx.Request.Context()), ctx.Param("id"), req.Clean)
	if errors.Is(err, jobs.ErrJobNotFound) {
		api.AbortWithError(ctx, http.StatusNotFound, api.CodeJobNotFound, err)
		return
	} else if err != nil {
		api.AbortWithError(ctx, http.StatusInternalServerError, api.CodeJobCancelFailed, err)
		return
	}

	ctx.PureJSON(http.StatusOK, &CancelJobResponse{Success: true})
}

func (h *JobsHandler) List(ctx *gin.Context) {
	ctx.PureJSON(http.StatusOK, &ListJobsResponse{
		Active:  h.svc.ActiveJobs(),
		Pending: h.svc.PendingJobs(),
	})
}
