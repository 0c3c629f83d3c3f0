package txn

import (
	"context"
	"sync"

	txnlog "github.com/microsoft/service-fabric-sub010"
	"github.com/microsoft/service-fabric-sub010/logrecord"
)

// AtomicOperation is a transaction of exactly one operation. It commits as
// soon as the operation is logged.
type AtomicOperation struct {
	mu        sync.Mutex
	id        int64
	tm        TransactionManager
	state     State
	isPrimary bool
	redoOnly  bool
}

// NewAtomicOperation returns an atomic operation with the next user id.
func NewAtomicOperation(tm TransactionManager, ids *IDGenerator) *AtomicOperation {
	return &AtomicOperation{
		id:        ids.Next(),
		tm:        tm,
		isPrimary: tm.Role() == txnlog.RolePrimary,
	}
}

// ID returns the transaction id.
func (a *AtomicOperation) ID() int64 { return a.id }

// State returns the current state.
func (a *AtomicOperation) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// AddOperation logs the operation. The not-primary check happens before
// anything is handed to the log. A retryable failure leaves the operation
// Active so it can be retried; any other failure faults it.
func (a *AtomicOperation) AddOperation(ctx context.Context, metadata, undo, redo logrecord.OperationData, opContext *OperationContext, stateProviderID int64) error {
	return a.add(ctx, "txn.AtomicOperation.AddOperation", Operation{
		Metadata: NamedMetadata(stateProviderID, metadata),
		Undo:     undo,
		Redo:     redo,
		Context:  opContext,
	})
}

func (a *AtomicOperation) add(ctx context.Context, op string, o Operation) error {
	if !a.isPrimary || a.tm.Role() != txnlog.RolePrimary {
		return &txnlog.Error{Code: txnlog.ENotPrimary, Op: op, Err: txnlog.ErrNotPrimary}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateActive {
		return txnlog.InvalidStatef(op, "atomic operation %d is %s", a.id, a.state)
	}

	a.state = StateCommitting
	err := a.tm.AddSingleOperation(ctx, a.id, o, a.redoOnly)
	a.state = outcome(err, StateCommitted)
	return txnlog.Wrap(err, "", op)
}

// AtomicRedoOperation is an atomic operation that cannot be undone.
type AtomicRedoOperation struct {
	AtomicOperation
}

// NewAtomicRedoOperation returns a redo-only atomic operation with the next
// user id.
func NewAtomicRedoOperation(tm TransactionManager, ids *IDGenerator) *AtomicRedoOperation {
	a := &AtomicRedoOperation{AtomicOperation: AtomicOperation{
		id:        ids.Next(),
		tm:        tm,
		isPrimary: tm.Role() == txnlog.RolePrimary,
		redoOnly:  true,
	}}
	return a
}

// AddOperation logs the redo-only operation.
func (a *AtomicRedoOperation) AddOperation(ctx context.Context, metadata, redo logrecord.OperationData, opContext *OperationContext, stateProviderID int64) error {
	return a.add(ctx, "txn.AtomicRedoOperation.AddOperation", Operation{
		Metadata: NamedMetadata(stateProviderID, metadata),
		Redo:     redo,
		Context:  opContext,
	})
}
