package txn

import (
	"context"
	"sync"

	txnlog "github.com/microsoft/service-fabric-sub010"
	"github.com/microsoft/service-fabric-sub010/logrecord"
)

// Transaction groups operations that commit or abort together.
type Transaction struct {
	mu        sync.Mutex
	id        int64
	tm        TransactionManager
	state     State
	isPrimary bool
	ops       int
}

// NewTransaction returns an active transaction with the next user id.
func NewTransaction(tm TransactionManager, ids *IDGenerator) *Transaction {
	return &Transaction{
		id:        ids.Next(),
		tm:        tm,
		isPrimary: tm.Role() == txnlog.RolePrimary,
	}
}

// NewReplayTransaction returns a transaction for work done while the log
// is replayed on a replica that is not primary. Its id is negative and it
// can never log operations; ending it only changes its state.
func NewReplayTransaction(tm TransactionManager, ids *IDGenerator) *Transaction {
	return &Transaction{
		id: ids.NextReplay(),
		tm: tm,
	}
}

// ID returns the transaction id.
func (tx *Transaction) ID() int64 { return tx.id }

// IsPrimary reports whether the transaction was created on a primary and
// may log operations.
func (tx *Transaction) IsPrimary() bool { return tx.isPrimary }

// State returns the current state.
func (tx *Transaction) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// Operations returns the number of operations logged so far.
func (tx *Transaction) Operations() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.ops
}

func (tx *Transaction) checkPrimary(op string) error {
	if !tx.isPrimary || tx.tm.Role() != txnlog.RolePrimary {
		return &txnlog.Error{Code: txnlog.ENotPrimary, Op: op, Err: txnlog.ErrNotPrimary}
	}
	return nil
}

// AddOperation logs an operation of the transaction on behalf of the state
// provider stateProviderID. The first operation begins the transaction.
func (tx *Transaction) AddOperation(ctx context.Context, metadata, undo, redo logrecord.OperationData, opContext *OperationContext, stateProviderID int64) error {
	const op = "txn.Transaction.AddOperation"
	if err := tx.checkPrimary(op); err != nil {
		return err
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != StateActive {
		return txnlog.InvalidStatef(op, "transaction %d is %s", tx.id, tx.state)
	}

	o := Operation{Metadata: NamedMetadata(stateProviderID, metadata), Undo: undo, Redo: redo, Context: opContext}
	var err error
	if tx.ops == 0 {
		err = tx.tm.BeginTransaction(ctx, tx.id, o)
	} else {
		err = tx.tm.AddOperation(ctx, tx.id, o)
	}
	if err != nil {
		tx.state = outcome(err, StateActive)
		return txnlog.Wrap(err, "", op)
	}
	tx.ops++
	return nil
}

// Commit ends the transaction as committed.
func (tx *Transaction) Commit(ctx context.Context) error {
	return tx.end(ctx, "txn.Transaction.Commit", true)
}

// Abort ends the transaction as aborted.
func (tx *Transaction) Abort(ctx context.Context) error {
	return tx.end(ctx, "txn.Transaction.Abort", false)
}

func (tx *Transaction) end(ctx context.Context, op string, commit bool) error {
	ending, done := StateAborting, StateAborted
	if commit {
		ending, done = StateCommitting, StateCommitted
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != StateActive {
		return txnlog.InvalidStatef(op, "transaction %d is %s", tx.id, tx.state)
	}

	// Nothing was logged, so there is nothing to end.
	if tx.ops == 0 {
		tx.state = done
		return nil
	}
	if err := tx.checkPrimary(op); err != nil {
		return err
	}

	tx.state = ending
	err := tx.tm.EndTransaction(ctx, tx.id, commit)
	tx.state = outcome(err, done)
	return txnlog.Wrap(err, "", op)
}
