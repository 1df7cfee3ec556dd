package task

import (
	"context"
	"fmt"
	"time"
)

// Default runtime thresholds of RuntimeCheck.
const (
	DefaultRuntimeWarn  = 12 * time.Hour
	DefaultRuntimeError = 24 * time.Hour
)

// Status is the outcome of a health check. Larger values are worse.
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusWarning:
		return "warning"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// CheckResult summarises a RuntimeCheck.
type CheckResult struct {
	Status Status
	// Slow counts running tasks past the warning threshold.
	Slow    int
	Summary string
}

// RuntimeCheck flags adhoc tasks that have been running for too long.
type RuntimeCheck struct {
	store Store
	warn  time.Duration
	err   time.Duration
	now   func() time.Time
}

// NewRuntimeCheck returns a check over store. Zero thresholds select the
// defaults.
func NewRuntimeCheck(store Store, warn, errAfter time.Duration) *RuntimeCheck {
	if warn <= 0 {
		warn = DefaultRuntimeWarn
	}
	if errAfter <= 0 {
		errAfter = DefaultRuntimeError
	}
	return &RuntimeCheck{store: store, warn: warn, err: errAfter, now: time.Now}
}

// RuntimeStatus classifies one running task.
func (c *RuntimeCheck) RuntimeStatus(rec Record, now time.Time) Status {
	rt := rec.Runtime(now)
	switch {
	case rt > c.err:
		return StatusError
	case rt > c.warn:
		return StatusWarning
	default:
		return StatusOK
	}
}

// Run inspects every running task. The overall status is the worst task
// status.
func (c *RuntimeCheck) Run(ctx context.Context) (CheckResult, error) {
	running, err := c.store.Running(ctx)
	if err != nil {
		return CheckResult{}, err
	}
	now := c.now()
	res := CheckResult{Status: StatusOK}
	for _, rec := range running {
		st := c.RuntimeStatus(rec, now)
		if st == StatusOK {
			continue
		}
		res.Slow++
		res.Status = max(res.Status, st)
	}
	res.Summary = fmt.Sprintf("%d long running tasks", res.Slow)
	return res, nil
}
