package cloudcache

import (
	"strings"

	"github.com/openmined/mirrorbox/internal/objstore"
)

// FolderStats summarizes the entries under one key prefix.
type FolderStats struct {
	FolderCount int  `json:"folderCount"` // distinct immediate subfolders
	FileCount   int  `json:"fileCount"`   // files directly under the prefix
	TotalCount  int  `json:"totalCount"`  // every descendant entry
	IsComplete  bool `json:"isComplete"`  // computed from a full snapshot
}

// ProgressEvent is the payload of a cache:progress notification.
type ProgressEvent struct {
	TotalLoaded int                    `json:"totalLoaded"`
	FolderStats map[string]FolderStats `json:"folderStats"`
	IsComplete  bool                   `json:"isComplete"`
}

// ReadyEvent is the payload of a cache:ready notification.
type ReadyEvent struct {
	TotalFiles int `json:"totalFiles"`
}

// UpdateEvent is the payload of a cloud:update notification.
type UpdateEvent struct {
	Action string              `json:"action"`
	Key    string              `json:"key"`
	File   *objstore.FileEntry `json:"file,omitempty"`
}

const (
	ActionAdd    = "add"
	ActionRemove = "remove"
)

func computeFolderStats(entries []objstore.FileEntry, prefix string, complete bool) FolderStats {
	stats := FolderStats{IsComplete: complete}
	subfolders := make(map[string]struct{})

	for _, e := range entries {
		if !strings.HasPrefix(e.Key, prefix) {
			continue
		}
		stats.TotalCount++

		rest := e.Key[len(prefix):]
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			subfolders[rest[:idx]] = struct{}{}
		} else {
			stats.FileCount++
		}
	}

	stats.FolderCount = len(subfolders)
	return stats
}

// aggregateFolderStats computes stats for every folder prefix ("a/", "a/b/", ...)
// present in entries, in a single pass.
func aggregateFolderStats(entries []objstore.FileEntry, complete bool) map[string]FolderStats {
	type acc struct {
		FolderStats
		folders map[string]struct{}
	}
	byPrefix := make(map[string]*acc)

	for _, e := range entries {
		parts := strings.Split(e.Key, "/")
		prefix := ""
		for i := 0; i < len(parts)-1; i++ {
			prefix += parts[i] + "/"

			a, ok := byPrefix[prefix]
			if !ok {
				a = &acc{folders: make(map[string]struct{})}
				byPrefix[prefix] = a
			}
			a.TotalCount++

			if i+1 == len(parts)-1 {
				a.FileCount++
			} else {
				a.folders[parts[i+1]] = struct{}{}
			}
		}
	}

	out := make(map[string]FolderStats, len(byPrefix))
	for prefix, a := range byPrefix {
		out[prefix] = FolderStats{
			FolderCount: len(a.folders),
			FileCount:   a.FileCount,
			TotalCount:  a.TotalCount,
			IsComplete:  complete,
		}
	}
	return out
}
