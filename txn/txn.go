// Package txn provides the envelopes state providers use to group their
// operations into transactions: multi-operation transactions, atomic
// operations, and redo-only atomic operations.
package txn

import (
	"context"
	"sync/atomic"

	txnlog "github.com/microsoft/service-fabric-sub010"
	"github.com/microsoft/service-fabric-sub010/logrecord"
)

// Operation is one state provider change. Metadata already carries the
// state provider id segment when it reaches a TransactionManager.
type Operation struct {
	Metadata logrecord.OperationData
	Undo     logrecord.OperationData
	Redo     logrecord.OperationData
	Context  *OperationContext
}

// TransactionManager logs and replicates transaction records. Every method
// returns only once the record has been handed to replication, or with an
// error if it never was.
type TransactionManager interface {
	Role() txnlog.ReplicaRole

	BeginTransaction(ctx context.Context, txID int64, op Operation) error
	AddOperation(ctx context.Context, txID int64, op Operation) error
	AddSingleOperation(ctx context.Context, txID int64, op Operation, redoOnly bool) error
	EndTransaction(ctx context.Context, txID int64, commit bool) error
}

// State is the lifecycle state of a transaction envelope.
type State int

const (
	StateActive State = iota
	StateCommitting
	StateCommitted
	StateAborting
	StateAborted
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "Active"
	case StateCommitting:
		return "Committing"
	case StateCommitted:
		return "Committed"
	case StateAborting:
		return "Aborting"
	case StateAborted:
		return "Aborted"
	case StateFaulted:
		return "Faulted"
	}
	return "Unknown"
}

// IDGenerator hands out transaction ids. User transactions get positive
// ids; transactions created while replaying the log get negative ones so
// the two never collide.
type IDGenerator struct {
	last atomic.Int64
}

// NewIDGenerator returns a generator whose first id is start+1.
func NewIDGenerator(start int64) *IDGenerator {
	g := &IDGenerator{}
	g.last.Store(start)
	return g
}

// Next returns the next user transaction id.
func (g *IDGenerator) Next() int64 { return g.last.Add(1) }

// NextReplay returns the next replay transaction id.
func (g *IDGenerator) NextReplay() int64 { return -g.Next() }

// Observe moves the generator past id, so ids recovered from the log are
// never handed out again.
func (g *IDGenerator) Observe(id int64) {
	if id < 0 {
		id = -id
	}
	for {
		last := g.last.Load()
		if id <= last || g.last.CompareAndSwap(last, id) {
			return
		}
	}
}

// outcome maps the error of a hand-off to the next envelope state. A
// retryable failure leaves the envelope usable.
func outcome(err error, success State) State {
	switch {
	case err == nil:
		return success
	case txnlog.IsRetryable(err):
		return StateActive
	default:
		return StateFaulted
	}
}
