package utils

import (
	"mime"
	"path/filepath"
	"strings"
)

// extensions that mime.TypeByExtension misses on minimal systems
var textExtensions = map[string]struct{}{
	".txt":  {},
	".log":  {},
	".md":   {},
	".csv":  {},
	".ini":  {},
	".yaml": {},
	".yml":  {},
	".toml": {},
}

// DetectContentType guesses a Content-Type from the key's extension.
func DetectContentType(key string) string {
	ext := strings.ToLower(filepath.Ext(key))
	if _, ok := textExtensions[ext]; ok {
		return "text/plain; charset=utf-8"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}
