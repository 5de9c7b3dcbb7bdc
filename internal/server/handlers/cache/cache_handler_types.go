package cache

import (
	"github.com/openmined/mirrorbox/internal/cloudcache"
	"github.com/openmined/mirrorbox/internal/objstore"
)

type FilesRequest struct {
	Refresh bool   `form:"refresh"`
	Glob    string `form:"glob"`
}

type FilesResponse struct {
	Files []objstore.FileEntry `json:"files"`
	Count int                  `json:"count"`
}

type StatsRequest struct {
	Prefix string `form:"prefix"`
}

type StatsResponse struct {
	Prefix string `json:"prefix"`
	cloudcache.FolderStats
}
