package cloudcache

import (
	"errors"
	"fmt"
)

var (
	ErrNoSnapshot  = errors.New("no cache snapshot")
	ErrInvalidGlob = errors.New("invalid glob pattern")
)

// LoadError is returned to every caller awaiting a scan that failed.
// The previous snapshot, if any, is left untouched.
type LoadError struct {
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("cache load: %v", e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}
