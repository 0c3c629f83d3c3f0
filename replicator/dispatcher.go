package replicator

import (
	"context"

	txnlog "github.com/microsoft/service-fabric-sub010"
	"github.com/microsoft/service-fabric-sub010/logrecord"
	"github.com/microsoft/service-fabric-sub010/txn"
)

const dispatchCategory = "Dispatch"

// Dispatcher hands transaction records to the Applier. Unlock contexts also
// release the locks held by the record's operation context.
type Dispatcher struct {
	applier Applier
	tracer  txnlog.Tracer
}

// NewDispatcher returns a dispatcher for a. A nil applier accepts everything.
func NewDispatcher(a Applier, tracer txnlog.Tracer) *Dispatcher {
	if tracer == nil {
		tracer = txnlog.NopTracer{}
	}
	return &Dispatcher{applier: a, tracer: tracer}
}

// Dispatch applies rec in context ac.
func (d *Dispatcher) Dispatch(ctx context.Context, rec logrecord.Record, ac txnlog.ApplyContext) error {
	const op = "replicator.Dispatch"
	if !ac.Valid() {
		return txnlog.InvalidStatef(op, "illegal apply context %s", ac)
	}
	tx, ok := rec.(logrecord.TransactionRecord)
	if !ok {
		return &txnlog.Error{Code: txnlog.EInvalid, Op: op, Msg: rec.Type().String() + " record cannot be applied"}
	}
	h := rec.RecordHeader()
	d.tracer.WriteNoise(dispatchCategory, "%s tx=%d lsn=%d %s", rec.Type(), tx.Transaction().TransactionID, h.LSN, ac)

	if d.applier != nil {
		if err := d.applier.Apply(ctx, rec, ac); err != nil {
			d.tracer.WriteError(dispatchCategory, "%s of lsn %d failed: %v", ac, h.LSN, err)
			return txnlog.Wrap(err, "", op)
		}
	}
	if ac.Operation() == txnlog.ApplyUnlock {
		if oc := operationContext(rec); oc != nil {
			oc.Unlock()
		}
	}
	return nil
}

func operationContext(rec logrecord.Record) *txn.OperationContext {
	var v interface{}
	switch rec := rec.(type) {
	case *logrecord.BeginTransactionOperationLogRecord:
		v = rec.OperationContext
	case *logrecord.OperationLogRecord:
		v = rec.OperationContext
	}
	oc, _ := v.(*txn.OperationContext)
	return oc
}

// applyStep is one call into the applier.
type applyStep struct {
	rec logrecord.Record
	ac  txnlog.ApplyContext
}

// applyBatch is the work a flushed record releases. It runs once the
// record's lsn is committed.
type applyBatch struct {
	lsn   txnlog.LSN
	steps []applyStep
}

func (b applyBatch) run(ctx context.Context, d *Dispatcher) error {
	for _, s := range b.steps {
		if err := d.Dispatch(ctx, s.rec, s.ac); err != nil {
			return err
		}
	}
	return nil
}

func isUndoable(rec logrecord.Record) bool {
	switch rec := rec.(type) {
	case *logrecord.BeginTransactionOperationLogRecord:
		return rec.Undo != nil
	case *logrecord.OperationLogRecord:
		return !rec.IsRedoOnly
	}
	return false
}

// applyContexts returns the redo, undo and unlock contexts of a role.
// Redo is invalid on a primary, which applies its operations before they
// are logged.
func applyContexts(role txnlog.ReplicaRole) (redo, undo, unlock txnlog.ApplyContext) {
	if role == txnlog.RolePrimary {
		return txnlog.ApplyInvalid, txnlog.PrimaryUndo, txnlog.PrimaryUnlock
	}
	return txnlog.SecondaryRedo, txnlog.SecondaryUndo, txnlog.SecondaryUnlock
}

// stepsFor returns the applier calls released by a transaction record.
// Operations at or below baseline are already part of the state and are
// not redone. ops are the earlier records of the transaction in log order
// and are only consulted for an end record.
func stepsFor(rec logrecord.Record, ops []logrecord.Record, redo, undo, unlock txnlog.ApplyContext, baseline txnlog.LSN) []applyStep {
	lsn := rec.RecordHeader().LSN
	switch rec := rec.(type) {
	case *logrecord.BeginTransactionOperationLogRecord:
		var steps []applyStep
		if redo != txnlog.ApplyInvalid && lsn > baseline {
			steps = append(steps, applyStep{rec, redo})
		}
		if rec.IsSingleOperationTransaction && lsn > baseline {
			steps = append(steps, applyStep{rec, unlock})
		}
		return steps
	case *logrecord.OperationLogRecord:
		if redo != txnlog.ApplyInvalid && lsn > baseline {
			return []applyStep{{rec, redo}}
		}
	case *logrecord.EndTransactionLogRecord:
		if lsn <= baseline {
			return nil
		}
		var steps []applyStep
		if !rec.IsCommitted {
			for i := len(ops) - 1; i >= 0; i-- {
				if isUndoable(ops[i]) {
					steps = append(steps, applyStep{ops[i], undo})
				}
			}
		}
		for _, op := range ops {
			steps = append(steps, applyStep{op, unlock})
		}
		return steps
	}
	return nil
}
