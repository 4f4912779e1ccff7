package engine

import "errors"

var (
	ErrStopped     = errors.New("check queue stopped")
	ErrOverlapSkip = errors.New("task skipped: same key already in flight")
	ErrCancelled   = errors.New("task cancelled before admission")
	ErrStale       = errors.New("task dropped: waited too long in queue")
)
