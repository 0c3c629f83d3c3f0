// Package truncation decides when the log should be indexed, checkpointed,
// truncated at the head, or throttled, and drives the periodic
// checkpoint-then-truncate cycle.
package truncation

import "time"

// PeriodicState is the position in the periodic checkpoint and truncation
// cycle. The cycle only moves forward and wraps to NotStarted once the
// periodic truncation completes.
type PeriodicState int

const (
	PeriodicNotStarted PeriodicState = iota
	PeriodicReady
	PeriodicCheckpointStarted
	PeriodicCheckpointCompleted
	PeriodicTruncationStarted
)

func (s PeriodicState) String() string {
	switch s {
	case PeriodicNotStarted:
		return "NotStarted"
	case PeriodicReady:
		return "Ready"
	case PeriodicCheckpointStarted:
		return "CheckpointStarted"
	case PeriodicCheckpointCompleted:
		return "CheckpointCompleted"
	case PeriodicTruncationStarted:
		return "TruncationStarted"
	}
	return "Unknown"
}

// TimerDuration returns how long to wait before the next periodic
// checkpoint should be initiated. Once the interval has elapsed the wait is
// zero if no cycle is running, and a full interval if one still is.
func TimerDuration(lastPeriodicCheckpoint time.Time, interval time.Duration, state PeriodicState, now time.Time) time.Duration {
	remaining := interval - now.Sub(lastPeriodicCheckpoint)
	if remaining > 0 {
		return remaining
	}
	if state == PeriodicNotStarted {
		return 0
	}
	return interval
}
