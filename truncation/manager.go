package truncation

import (
	"sync"
	"time"

	txnlog "github.com/microsoft/service-fabric-sub010"
	"github.com/microsoft/service-fabric-sub010/logrecord"
	"go.uber.org/zap"
)

// Thresholds are the byte limits the manager decides against.
type Thresholds struct {
	// Checkpoint is the number of bytes logged since the last completed
	// checkpoint that triggers a new one.
	Checkpoint uint64

	// MinLogSize is the size the log is never truncated below.
	MinLogSize uint64

	// Truncation is the log size above which the head is truncated.
	Truncation uint64

	// Throttle is the log size above which new operations on the primary
	// are blocked until truncation catches up.
	Throttle uint64

	// Index is the number of bytes between indexing records.
	Index uint64

	// TransactionAbort is the distance from a pending transaction's first
	// record to the tail beyond which the primary aborts it.
	TransactionAbort uint64

	// PeriodicInterval is the time between periodic checkpoints. Zero
	// disables them.
	PeriodicInterval time.Duration
}

// PendingTransaction identifies an open transaction by the position of its
// first record.
type PendingTransaction struct {
	ID       int64
	Position uint64
}

// LogState is a snapshot of the log taken by the caller for one decision.
// Unflushed records have logrecord.InvalidPosition.
type LogState struct {
	HeadPosition                    uint64
	TailPosition                    uint64
	LastIndexPosition               uint64
	HasIndex                        bool
	LastCompletedCheckpointPosition uint64
	PendingTransactions             []PendingTransaction
	CheckpointInProgress            bool
	TruncationInProgress            bool
}

// LogSize returns the bytes between the head and the tail.
func (s LogState) LogSize() uint64 {
	if s.TailPosition < s.HeadPosition {
		return 0
	}
	return s.TailPosition - s.HeadPosition
}

// Manager makes the log maintenance decisions. It is safe for concurrent
// use; the periodic timer and the log writer both call into it.
type Manager struct {
	mu         sync.Mutex
	thresholds Thresholds
	state      PeriodicState

	lastPeriodicCheckpoint time.Time
	lastPeriodicTruncation time.Time

	logger *zap.Logger
}

// NewManager returns a manager with the periodic cycle NotStarted and both
// periodic timestamps at now.
func NewManager(t Thresholds, now time.Time) *Manager {
	return &Manager{
		thresholds:             t,
		lastPeriodicCheckpoint: now,
		lastPeriodicTruncation: now,
		logger:                 zap.NewNop(),
	}
}

// WithLogger sets the logger on the manager.
func (m *Manager) WithLogger(log *zap.Logger) {
	m.logger = log.With(zap.String("service", "truncation"))
}

// Thresholds returns the configured limits.
func (m *Manager) Thresholds() Thresholds { return m.thresholds }

// State returns the periodic state.
func (m *Manager) State() PeriodicState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastPeriodicCheckpoint returns when the last periodic checkpoint started.
func (m *Manager) LastPeriodicCheckpoint() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPeriodicCheckpoint
}

// LastPeriodicTruncation returns when the last periodic truncation started.
func (m *Manager) LastPeriodicTruncation() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPeriodicTruncation
}

// Recover restores the periodic timestamps persisted in the last completed
// begin checkpoint record. Truncation time only moves forward.
func (m *Manager) Recover(checkpoint, truncation time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastPeriodicCheckpoint = checkpoint
	if truncation.After(m.lastPeriodicTruncation) || m.lastPeriodicTruncation.IsZero() {
		m.lastPeriodicTruncation = truncation
	}
	m.state = PeriodicNotStarted
}

// TimerDuration returns the wait before the next periodic checkpoint.
func (m *Manager) TimerDuration(now time.Time) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return TimerDuration(m.lastPeriodicCheckpoint, m.thresholds.PeriodicInterval, m.state, now)
}

func (m *Manager) transition(from, to PeriodicState) bool {
	if m.state != from {
		return false
	}
	m.state = to
	m.logger.Info("Periodic checkpoint truncation",
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.Time("last_checkpoint", m.lastPeriodicCheckpoint),
		zap.Time("last_truncation", m.lastPeriodicTruncation))
	return true
}

// InitiatePeriodicCheckpoint is called by the periodic timer. It makes the
// next checkpoint check succeed regardless of log usage.
func (m *Manager) InitiatePeriodicCheckpoint() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transition(PeriodicNotStarted, PeriodicReady)
}

// OnCheckpointStarted records that a begin checkpoint record was logged and
// reports whether it is the periodic one.
func (m *Manager) OnCheckpointStarted(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.transition(PeriodicReady, PeriodicCheckpointStarted) {
		return false
	}
	m.lastPeriodicCheckpoint = now
	return true
}

// OnCheckpointCompleted records the outcome of a checkpoint. A failed
// periodic checkpoint is retried by the next checkpoint check.
func (m *Manager) OnCheckpointCompleted(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.transition(PeriodicCheckpointStarted, PeriodicReady)
		return
	}
	m.transition(PeriodicCheckpointStarted, PeriodicCheckpointCompleted)
}

// OnTruncationStarted records that a truncate head record was logged and
// reports whether it is the periodic one.
func (m *Manager) OnTruncationStarted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(PeriodicCheckpointCompleted, PeriodicTruncationStarted)
}

// OnTruncationCompleted closes the periodic cycle once the periodic
// truncation completed at the time persisted in its record.
func (m *Manager) OnTruncationCompleted(periodicTruncation time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transition(PeriodicTruncationStarted, PeriodicNotStarted) {
		m.lastPeriodicTruncation = periodicTruncation
	}
}

// OnTruncationFailed returns a failed periodic truncation to the point where
// the next truncation check retries it.
func (m *Manager) OnTruncationFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transition(PeriodicTruncationStarted, PeriodicCheckpointCompleted)
}

// ShouldIndex reports whether an indexing record should be logged.
func (m *Manager) ShouldIndex(s LogState) bool {
	if !s.HasIndex {
		return true
	}
	if s.LastIndexPosition == logrecord.InvalidPosition || s.TailPosition < s.LastIndexPosition {
		return false
	}
	return s.TailPosition-s.LastIndexPosition >= m.thresholds.Index
}

// ShouldCheckpointOnPrimary reports whether a checkpoint should be started.
// When transactions pin too much of the log it returns the ids the primary
// should abort instead.
func (m *Manager) ShouldCheckpointOnPrimary(s LogState) (bool, []int64) {
	return m.shouldCheckpoint(s, true)
}

// ShouldCheckpointOnSecondary reports whether a checkpoint should be started.
func (m *Manager) ShouldCheckpointOnSecondary(s LogState) bool {
	ok, _ := m.shouldCheckpoint(s, false)
	return ok
}

func (m *Manager) shouldCheckpoint(s LogState, primary bool) (bool, []int64) {
	if s.CheckpointInProgress {
		return false, nil
	}

	m.mu.Lock()
	ready := m.state == PeriodicReady
	m.mu.Unlock()
	if ready {
		return true, nil
	}

	if s.TailPosition < s.LastCompletedCheckpointPosition ||
		s.TailPosition-s.LastCompletedCheckpointPosition < m.thresholds.Checkpoint {
		return false, nil
	}
	if !primary {
		return true, nil
	}

	var abort []int64
	for _, tx := range s.PendingTransactions {
		if tx.Position != logrecord.InvalidPosition && s.TailPosition > tx.Position &&
			s.TailPosition-tx.Position > m.thresholds.TransactionAbort {
			abort = append(abort, tx.ID)
		}
	}
	if len(abort) > 0 {
		return false, abort
	}
	return true, nil
}

// ShouldTruncateHead reports whether the head should be moved forward.
func (m *Manager) ShouldTruncateHead(s LogState) bool {
	if s.TruncationInProgress {
		return false
	}

	m.mu.Lock()
	completed := m.state == PeriodicCheckpointCompleted
	m.mu.Unlock()
	if completed {
		return true
	}
	return s.LogSize() >= m.thresholds.Truncation
}

// IsGoodLogHeadCandidate reports whether the indexing record at
// candidatePosition may become the new head: it must be flushed, must free
// at least a minimum log size worth of records, and must leave at least
// MinLogSize bytes in the log.
func (m *Manager) IsGoodLogHeadCandidate(s LogState, candidatePosition uint64) bool {
	if candidatePosition == logrecord.InvalidPosition {
		return false
	}
	if candidatePosition < s.HeadPosition || candidatePosition-s.HeadPosition < m.thresholds.MinLogSize {
		return false
	}
	if s.TailPosition < candidatePosition || s.TailPosition-candidatePosition < m.thresholds.MinLogSize {
		return false
	}
	return true
}

// ShouldBlockOperationsOnPrimary reports whether new operations must wait
// for truncation.
func (m *Manager) ShouldBlockOperationsOnPrimary(s LogState) bool {
	return s.LogSize() > m.thresholds.Throttle
}

// Validate checks that the thresholds are consistent.
func (t Thresholds) Validate() error {
	const op = "truncation.Validate"
	switch {
	case t.Checkpoint == 0:
		return &txnlog.Error{Code: txnlog.EInvalid, Op: op, Msg: "checkpoint threshold must be positive"}
	case t.Truncation < t.MinLogSize:
		return &txnlog.Error{Code: txnlog.EInvalid, Op: op, Msg: "truncation threshold is below the minimum log size"}
	case t.Throttle <= t.Truncation:
		return &txnlog.Error{Code: txnlog.EInvalid, Op: op, Msg: "throttle threshold must exceed the truncation threshold"}
	case t.Index == 0:
		return &txnlog.Error{Code: txnlog.EInvalid, Op: op, Msg: "index interval must be positive"}
	}
	return nil
}
