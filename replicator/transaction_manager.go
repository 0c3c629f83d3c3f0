package replicator

import (
	"context"
	"fmt"

	txnlog "github.com/microsoft/service-fabric-sub010"
	"github.com/microsoft/service-fabric-sub010/logrecord"
	"github.com/microsoft/service-fabric-sub010/txn"
)

// TransactionManager logs the records of transactions, atomic operations
// and atomic redo operations through a LogManager.
type TransactionManager struct {
	m *LogManager
}

var _ txn.TransactionManager = (*TransactionManager)(nil)

// NewTransactionManager returns a transaction manager over m.
func NewTransactionManager(m *LogManager) *TransactionManager {
	return &TransactionManager{m: m}
}

// Role returns the role of the log manager.
func (tm *TransactionManager) Role() txnlog.ReplicaRole { return tm.m.Role() }

// NewTransaction returns a transaction with the next id.
func (tm *TransactionManager) NewTransaction() *txn.Transaction {
	return txn.NewTransaction(tm, tm.m.IDs())
}

// NewReplayTransaction returns a replay transaction with the next id,
// negated.
func (tm *TransactionManager) NewReplayTransaction() *txn.Transaction {
	return txn.NewReplayTransaction(tm, tm.m.IDs())
}

// NewAtomicOperation returns an atomic operation with the next id.
func (tm *TransactionManager) NewAtomicOperation() *txn.AtomicOperation {
	return txn.NewAtomicOperation(tm, tm.m.IDs())
}

// NewAtomicRedoOperation returns an atomic redo operation with the next id.
func (tm *TransactionManager) NewAtomicRedoOperation() *txn.AtomicRedoOperation {
	return txn.NewAtomicRedoOperation(tm, tm.m.IDs())
}

// Run executes fn in a transaction that is retried on transient failures
// with the configured backoff.
func (tm *TransactionManager) Run(ctx context.Context, fn func(ctx context.Context, tx *txn.Transaction) error) error {
	return txn.Run(ctx, tm.m.config.RetryPolicy(), tm, tm.m.IDs(), fn)
}

func (tm *TransactionManager) BeginTransaction(ctx context.Context, txID int64, op txn.Operation) error {
	if err := tm.checkSize("replicator.BeginTransaction", op); err != nil {
		return err
	}
	rec := logrecord.NewBeginTransactionOperationLogRecord(txID, false, op.Metadata, op.Undo, op.Redo, opContext(op))
	_, err := tm.m.ReplicateAndLog(ctx, rec)
	return err
}

func (tm *TransactionManager) AddOperation(ctx context.Context, txID int64, op txn.Operation) error {
	if err := tm.checkSize("replicator.AddOperation", op); err != nil {
		return err
	}
	rec := logrecord.NewOperationLogRecord(txID, false, op.Metadata, op.Undo, op.Redo, opContext(op))
	_, err := tm.m.ReplicateAndLog(ctx, rec)
	return err
}

func (tm *TransactionManager) AddSingleOperation(ctx context.Context, txID int64, op txn.Operation, redoOnly bool) error {
	if err := tm.checkSize("replicator.AddSingleOperation", op); err != nil {
		return err
	}
	undo := op.Undo
	if redoOnly {
		undo = nil
	}
	rec := logrecord.NewBeginTransactionOperationLogRecord(txID, true, op.Metadata, undo, op.Redo, opContext(op))
	_, err := tm.m.ReplicateAndLog(ctx, rec)
	return err
}

func (tm *TransactionManager) EndTransaction(ctx context.Context, txID int64, commit bool) error {
	_, err := tm.m.ReplicateAndLog(ctx, logrecord.NewEndTransactionLogRecord(txID, commit))
	return err
}

func (tm *TransactionManager) checkSize(op string, o txn.Operation) error {
	size := o.Metadata.Size() + o.Undo.Size() + o.Redo.Size()
	if max := int(tm.m.config.MaxRecordSize); size > max {
		return &txnlog.Error{Code: txnlog.EInvalid, Op: op, Msg: fmt.Sprintf("operation of %d bytes exceeds the maximum of %d", size, max)}
	}
	return nil
}

// opContext keeps a nil context out of the record's interface field.
func opContext(o txn.Operation) interface{} {
	if o.Context == nil {
		return nil
	}
	return o.Context
}
