package backup

import (
	"path/filepath"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	gitignore "github.com/sabhiram/go-gitignore"
)

// OS and volume artifacts that are never mirrored, matched by exact entry name.
var defaultDenyList = []string{
	"pagefile.sys",
	"hiberfil.sys",
	"swapfile.sys",
	"System Volume Information",
	"$Recycle.Bin",
	"Config.Msi",
}

// IgnoreList decides which directory entries a backup skips.
type IgnoreList struct {
	deny  mapset.Set[string]
	rules *gitignore.GitIgnore
}

// NewIgnoreList builds the fixed deny-list plus optional gitignore-style patterns.
func NewIgnoreList(patterns ...string) *IgnoreList {
	lines := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" && !strings.HasPrefix(p, "#") {
			lines = append(lines, p)
		}
	}

	l := &IgnoreList{deny: mapset.NewThreadUnsafeSet(defaultDenyList...)}
	if len(lines) > 0 {
		l.rules = gitignore.CompileIgnoreLines(lines...)
	}
	return l
}

// ShouldIgnore reports whether the entry at relPath (relative to the backup root) is skipped.
func (l *IgnoreList) ShouldIgnore(relPath string, isDir bool) bool {
	if l == nil {
		return false
	}
	if l.deny.Contains(filepath.Base(relPath)) {
		return true
	}
	if l.rules == nil {
		return false
	}

	p := filepath.ToSlash(relPath)
	if isDir {
		p += "/"
	}
	return l.rules.MatchesPath(p)
}
