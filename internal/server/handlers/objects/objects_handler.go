package objects

import (
	"errors"
	"fmt"
	"net/http"
	"path"

	"github.com/gin-gonic/gin"
	"github.com/openmined/mirrorbox/internal/objstore"
	"github.com/openmined/mirrorbox/internal/server/api"
	"github.com/openmined/mirrorbox/internal/utils"
)

// FileIndex is told about objects removed through the API.
type FileIndex interface {
	RemoveFile(key string)
}

type ObjectsHandler struct {
	store objstore.ObjectStore
	index FileIndex
}

func New(store objstore.ObjectStore, index FileIndex) *ObjectsHandler {
	return &ObjectsHandler{store: store, index: index}
}

// Download streams one object back to the client as an attachment.
func (h *ObjectsHandler) Download(ctx *gin.Context) {
	var req ObjectRequest
	if err := ctx.ShouldBindQuery(&req); err != nil {
		api.AbortWithError(ctx, http.StatusBadRequest, api.CodeInvalidRequest, err)
		return
	}

	obj, err := h.store.GetObject(ctx.Request.Context(), req.Key)
	if errors.Is(err, objstore.ErrNotFound) {
		api.AbortWithError(ctx, http.StatusNotFound, api.CodeObjectNotFound, err)
		return
	} else if errors.Is(err, objstore.ErrInvalidKey) {
		api.AbortWithError(ctx, http.StatusBadRequest, api.CodeInvalidRequest, err)
		return
	} else if err != nil {
		api.AbortWithError(ctx, http.StatusBadGateway, api.CodeObjectFailed, err)
		return
	}
	defer obj.Body.Close()

	headers := map[string]string{
		"Content-Disposition": fmt.Sprintf("attachment; filename=%q", path.Base(req.Key)),
	}
	if obj.ETag != "" {
		headers["ETag"] = obj.ETag
	}
	if !obj.LastModified.IsZero() {
		headers["Last-Modified"] = obj.LastModified.UTC().Format(http.TimeFormat)
	}

	ctx.DataFromReader(http.StatusOK, obj.Size, utils.DetectContentType(req.Key), obj.Body, headers)
}

// Delete removes one object and drops it from the file index.
func (h *ObjectsHandler) Delete(ctx *gin.Context) {
	var req ObjectRequest
	if err := ctx.ShouldBindQuery(&req); err != nil {
		api.AbortWithError(ctx, http.StatusBadRequest, api.CodeInvalidRequest, err)
		return
	}

	if err := h.store.DeleteObject(ctx.Request.Context(), req.Key); errors.Is(err, objstore.ErrInvalidKey) {
		api.AbortWithError(ctx, http.StatusBadRequest, api.CodeInvalidRequest, err)
		return
	} else if err != nil {
		api.AbortWithError(ctx, http.StatusBadGateway, api.CodeObjectFailed, err)
		return
	}
	if h.index != nil {
		h.index.RemoveFile(req.Key)
	}

	ctx.PureJSON(http.StatusOK, &DeleteObjectResponse{Key: req.Key, Success: true})
}
