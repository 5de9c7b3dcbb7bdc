package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectContentType(t *testing.T) {
	assert.Equal(t, "text/plain; charset=utf-8", DetectContentType("backups/host/notes.TXT"))
	assert.Equal(t, "text/plain; charset=utf-8", DetectContentType("cfg/app.yaml"))
	assert.Equal(t, "application/json", DetectContentType("data/x.json"))
	assert.Equal(t, "application/octet-stream", DetectContentType("bin/blob"))
}
