package task

import "time"

// Record is one queued adhoc task. ID is assigned by the store on enqueue
// and defines arrival order.
type Record struct {
	ID      int64
	Type    Type
	Payload []byte

	// Attempts counts failed runs.
	Attempts  int
	NextRunAt time.Time
	CreatedAt time.Time

	// StartedAt and Worker are set while the task runs.
	StartedAt time.Time
	Worker    string
}

// Running reports whether the record is claimed by a worker.
func (r Record) Running() bool {
	return !r.StartedAt.IsZero()
}

// Runtime returns how long the task has been running at now.
func (r Record) Runtime(now time.Time) time.Duration {
	if !r.Running() {
		return 0
	}
	return now.Sub(r.StartedAt)
}
