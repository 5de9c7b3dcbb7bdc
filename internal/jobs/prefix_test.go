package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveTargetPrefix(t *testing.T) {
	tests := []struct {
		name     string
		source   string
		snapshot bool
		want     string
	}{
		{name: "snapshot", source: `C:\`, snapshot: true, want: "backups/host/C_DRIVE"},
		{name: "snapshot ignores path", source: "/home/me", snapshot: true, want: "backups/host/C_DRIVE"},
		{name: "drive subpath", source: `D:\Data\Photos`, want: "backups/host/D_DRIVE/Data/Photos"},
		{name: "drive trailing separator", source: `E:\Music\`, want: "backups/host/E_DRIVE/Music"},
		{name: "bare drive", source: `F:`, want: "backups/host/F_DRIVE"},
		{name: "posix path", source: "/home/me/docs/", want: "backups/host/home/me/docs"},
		{name: "posix root", source: "/", want: "backups/host"},
		{name: "unclean path", source: "/srv//data/../media", want: "backups/host/srv/media"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeriveTargetPrefix(DefaultPrefixRoot, "host", DefaultSnapshotLabel, tt.source, tt.snapshot)
			assert.Equal(t, tt.want, got)
		})
	}
}
