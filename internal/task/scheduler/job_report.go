package scheduler

import (
	"context"
	"errors"
	"time"

	logx "stockwatch/pkg/logx"
)

const jobWarnThrottle = 5 * time.Second

// reportJobError logs a failed run at most once per throttle window per
// schedule. Cancellation during Stop is not an error worth reporting.
func (s *Service) reportJobError(name string, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}

	now := time.Now()
	s.errMu.Lock()
	last := s.lastErrWarn[name]
	if !last.IsZero() && now.Sub(last) < jobWarnThrottle {
		s.errMu.Unlock()
		s.log.Debug("schedule job failed", logx.String("schedule", name), logx.Err(err))
		return
	}
	s.lastErrWarn[name] = now
	s.errMu.Unlock()

	s.log.Warn("schedule job failed", logx.String("schedule", name), logx.Err(err))
}
