package cache

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/openmined/mirrorbox/internal/cloudcache"
	"github.com/openmined/mirrorbox/internal/objstore"
	"github.com/openmined/mirrorbox/internal/server/api"
)

type CacheHandler struct {
	cache *cloudcache.Cache
}

func New(cache *cloudcache.Cache) *CacheHandler {
	return &CacheHandler{cache: cache}
}

func (h *CacheHandler) Status(ctx *gin.Context) {
	ctx.PureJSON(http.StatusOK, h.cache.Status())
}

func (h *CacheHandler) Files(ctx *gin.Context) {
	var req FilesRequest
	if err := ctx.ShouldBindQuery(&req); err != nil {
		api.AbortWithError(ctx, http.StatusBadRequest, api.CodeInvalidRequest, err)
		return
	}

	files, err := h.cache.GetFiles(ctx.Request.Context(), req.Refresh)
	if err != nil {
		abortLoadError(ctx, err)
		return
	}

	if req.Glob != "" {
		files, err = h.cache.Glob(req.Glob)
		if errors.Is(err, cloudcache.ErrInvalidGlob) {
			api.AbortWithError(ctx, http.StatusBadRequest, api.CodeCacheInvalidGlob, err)
			return
		} else if err != nil {
			api.AbortWithError(ctx, http.StatusServiceUnavailable, api.CodeCacheNotReady, err)
			return
		}
	}

	if files == nil {
		files = []objstore.FileEntry{}
	}
	ctx.PureJSON(http.StatusOK, &FilesResponse{
		Files: files,
		Count: len(files),
	})
}

func (h *CacheHandler) Stats(ctx *gin.Context) {
	var req StatsRequest
	if err := ctx.ShouldBindQuery(&req); err != nil {
		api.AbortWithError(ctx, http.StatusBadRequest, api.CodeInvalidRequest, err)
		return
	}

	stats, ok := h.cache.GetFolderStats(req.Prefix)
	if !ok {
		api.AbortWithError(ctx, http.StatusServiceUnavailable, api.CodeCacheNotReady, cloudcache.ErrNoSnapshot)
		return
	}

	ctx.PureJSON(http.StatusOK, &StatsResponse{
		Prefix:      req.Prefix,
		FolderStats: stats,
	})
}

func abortLoadError(ctx *gin.Context, err error) {
	var loadErr *cloudcache.LoadError
	if errors.As(err, &loadErr) {
		api.AbortWithError(ctx, http.StatusBadGateway, api.CodeCacheLoadFailed, err)
		return
	}
	api.AbortWithError(ctx, http.StatusInternalServerError, api.CodeInternalError, err)
}
