package jobs

import (
	"path"
	"regexp"
	"strings"
)

const (
	DefaultPrefixRoot    = "backups"
	DefaultSnapshotLabel = "C_DRIVE"
)

var drivePath = regexp.MustCompile(`^([a-zA-Z]):(.*)$`)

// DeriveTargetPrefix maps a source path onto a stable key prefix:
//
//	snapshot mode      C:\ anything      -> root/host/C_DRIVE
//	drive-letter path  D:\Data\Photos    -> root/host/D_DRIVE/Data/Photos
//	any other path     /home/me/docs     -> root/host/home/me/docs
func DeriveTargetPrefix(root, host, snapshotLabel, sourcePath string, snapshotMode bool) string {
	var rel string
	switch m := drivePath.FindStringSubmatch(sourcePath); {
	case snapshotMode:
		rel = snapshotLabel
	case m != nil:
		rel = m[1] + "_DRIVE" + m[2]
	default:
		rel = path.Clean(strings.ReplaceAll(sourcePath, `\`, "/"))
		rel = strings.TrimLeft(rel, "/")
		if rel == "." {
			rel = ""
		}
	}

	prefix := strings.ReplaceAll(root+"/"+host+"/"+rel, `\`, "/")
	return strings.TrimRight(prefix, "/")
}
