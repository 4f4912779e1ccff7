// Package scheduler triggers named jobs on cron specs, fixed intervals and
// jittered intervals.
//
// It only decides when something runs. Stock checks are fanned out by the
// job itself into the check queue (internal/task/engine).
package scheduler
