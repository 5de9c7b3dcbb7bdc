package utils

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"
)

// maxPendingLine bounds how much of an unterminated line is held back.
const maxPendingLine = 1 << 20

// LogInterceptor prefixes each complete line written through it with a
// sequence number and a timestamp. It is used for the log file, where the
// handler's own time attribute is dropped.
type LogInterceptor struct {
	mu      sync.Mutex
	target  io.Writer
	seq     uint64
	pending []byte
	now     func() time.Time
}

func NewLogInterceptor(target io.Writer) *LogInterceptor {
	return &LogInterceptor{target: target, now: time.Now}
}

func (l *LogInterceptor) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pending = append(l.pending, p...)
	for {
		idx := bytes.IndexByte(l.pending, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSuffix(l.pending[:idx], []byte("\r"))
		if err := l.emit(line); err != nil {
			return 0, err
		}
		l.pending = l.pending[idx+1:]
	}

	if len(l.pending) > maxPendingLine {
		if err := l.emit(l.pending); err != nil {
			return 0, err
		}
		l.pending = nil
	}
	return len(p), nil
}

// Close flushes a trailing unterminated line.
func (l *LogInterceptor) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		return nil
	}
	err := l.emit(l.pending)
	l.pending = nil
	return err
}

func (l *LogInterceptor) emit(line []byte) error {
	l.seq++
	_, err := fmt.Fprintf(l.target, "line=%d time=%s %s\n", l.seq, l.now().Format(time.RFC3339), line)
	return err
}
