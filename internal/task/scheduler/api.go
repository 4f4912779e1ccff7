package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	logx "stockwatch/pkg/logx"
)

// AddSchedule parses raw with ParseSchedule and registers it.
func (s *Service) AddSchedule(name, raw string, timeout time.Duration, job Job) error {
	ps, err := ParseSchedule(raw)
	if err != nil {
		return err
	}
	switch ps.Kind {
	case SpecCron:
		return s.AddCron(name, ps.Cron, timeout, job)
	case SpecInterval:
		return s.AddInterval(name, ps.Every, timeout, job)
	default:
		return fmt.Errorf("unsupported schedule kind")
	}
}

// AddCron registers a cron spec (5 or 6 fields, or a descriptor like "@daily").
func (s *Service) AddCron(name, spec string, timeout time.Duration, job Job) error {
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("schedule %q: %w", name, err)
	}
	return s.upsert(scheduleDef{name: name, spec: spec, timeout: timeout, job: job})
}

// AddInterval registers a fixed interval.
func (s *Service) AddInterval(name string, every, timeout time.Duration, job Job) error {
	if every <= 0 {
		return errors.New("interval must be > 0")
	}
	return s.upsert(scheduleDef{
		name:    name,
		spec:    "@every " + every.String(),
		sched:   cron.Every(every),
		timeout: timeout,
		job:     job,
	})
}

// AddJittered registers a custom schedule, typically a JitteredSchedule.
func (s *Service) AddJittered(name string, sched *JitteredSchedule, timeout time.Duration, job Job) error {
	if sched == nil {
		return errors.New("schedule required")
	}
	return s.upsert(scheduleDef{name: name, spec: sched.String(), sched: sched, timeout: timeout, job: job})
}

// upsert replaces any schedule with the same name.
func (s *Service) upsert(d scheduleDef) error {
	d.name = strings.TrimSpace(d.name)
	if d.name == "" {
		return errors.New("name required")
	}
	if d.job == nil {
		return errors.New("job required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.removeScheduleLocked(d.name)
	s.defs = append(s.defs, d)
	if s.c == nil {
		// Not started: registered on Start.
		return nil
	}
	if err := s.addCronLocked(&s.defs[len(s.defs)-1]); err != nil {
		s.log.Error("schedule register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		return err
	}
	args := []logx.Field{logx.String("name", d.name), logx.String("spec", d.spec)}
	if next := s.previewNextRunsLocked(&s.defs[len(s.defs)-1], 3); next != "" {
		args = append(args, logx.String("next", next))
	}
	s.log.Debug("schedule registered", args...)
	return nil
}

// Remove unschedules name. It reports whether something was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	removed := s.removeScheduleLocked(name)
	s.mu.Unlock()
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// Has reports whether a schedule named name is registered.
func (s *Service) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.defs {
		if d.name == name {
			return true
		}
	}
	return false
}

// Next returns the next trigger time for name, or zero when it is not
// scheduled or the service is stopped.
func (s *Service) Next(name string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	for _, d := range s.defs {
		if d.name == name && d.entryID != 0 {
			return s.c.Entry(d.entryID).Next
		}
	}
	return time.Time{}
}

// Call with s.mu held.
func (s *Service) removeScheduleLocked(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

// Call with s.mu held and s.c non-nil.
func (s *Service) addCronLocked(d *scheduleDef) error {
	name, timeout, fn, parent := d.name, d.timeout, d.job, s.ctx
	job := cron.FuncJob(func() {
		if parent == nil || parent.Err() != nil {
			return
		}
		ctx, cancel := parent, context.CancelFunc(func() {})
		if timeout > 0 {
			ctx, cancel = context.WithTimeout(parent, timeout)
		}
		defer cancel()
		if err := fn(ctx); err != nil {
			s.reportJobError(name, err)
		}
	})

	if d.sched != nil {
		d.entryID = s.c.Schedule(d.sched, job)
		return nil
	}
	eid, err := s.c.AddJob(d.spec, job)
	if err != nil {
		return err
	}
	d.entryID = eid
	return nil
}

// previewNextRunsLocked renders upcoming trigger times for debug logs.
// Jittered schedules are skipped: previewing them would consume randomness.
func (s *Service) previewNextRunsLocked(d *scheduleDef, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	var sched cron.Schedule
	switch d.sched.(type) {
	case nil:
		parsed, err := s.parser.Parse(d.spec)
		if err != nil {
			return ""
		}
		sched = parsed
	case *JitteredSchedule:
		return ""
	default:
		sched = d.sched
	}
	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	t := time.Now().In(loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
