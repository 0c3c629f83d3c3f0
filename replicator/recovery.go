package replicator

import (
	"context"
	"errors"
	"io"
	"sort"
	"time"

	txnlog "github.com/microsoft/service-fabric-sub010"
	"github.com/microsoft/service-fabric-sub010/logrecord"
	"github.com/microsoft/service-fabric-sub010/progress"
	"go.uber.org/zap"
)

// recover rebuilds the log manager from the records between the head and
// the tail of the log, then replays the transaction records the last
// completed checkpoint does not cover. Transactions without an end record
// are undone and left for the next primary to abort.
func (m *LogManager) recover(ctx context.Context) error {
	const op = "replicator.recover"
	if err := m.readLog(); err != nil {
		return err
	}

	m.mu.Lock()
	first, ok := m.arena.At(m.arena.First()).(*logrecord.IndexingLogRecord)
	if !ok {
		m.mu.Unlock()
		return txnlog.Corruptf(op, "log does not start with an indexing record")
	}
	m.head = m.arena.First()

	var (
		end        *logrecord.EndCheckpointLogRecord
		firstBegin *logrecord.BeginCheckpointLogRecord
		epochs     []*logrecord.UpdateEpochLogRecord
		ids        []int64
		lastTrunc  int64
	)
	m.arena.Each(m.arena.First(), func(i logrecord.Index, rec logrecord.Record) bool {
		lsn := rec.RecordHeader().LSN
		trackTransaction(m.txFirst, m.txLast, i, rec)
		switch r := rec.(type) {
		case *logrecord.IndexingLogRecord:
			m.lastIndex = i
		case *logrecord.EndCheckpointLogRecord:
			end = r
		case *logrecord.BeginCheckpointLogRecord:
			if firstBegin == nil {
				firstBegin = r
			}
		case *logrecord.UpdateEpochLogRecord:
			epochs = append(epochs, r)
		case *logrecord.TruncateHeadLogRecord:
			if r.PeriodicTruncationTimeTicks > 0 {
				lastTrunc = r.PeriodicTruncationTimeTicks
			}
		case *logrecord.BeginTransactionOperationLogRecord:
			ids = append(ids, r.TransactionID)
			if r.IsSingleOperationTransaction && r.Undo == nil {
				m.lastAtomicRedoLSN = lsn
			}
		}
		if logrecord.IsBarrier(rec, false) && lsn > m.stableLSN {
			m.stableLSN = lsn
		}
		return true
	})
	if end == nil {
		m.mu.Unlock()
		return txnlog.Corruptf(op, "log has no completed checkpoint")
	}
	begin, ok := m.arena.At(end.LastCompletedBeginCheckpoint()).(*logrecord.BeginCheckpointLogRecord)
	if !ok {
		m.mu.Unlock()
		return txnlog.Corruptf(op, "end checkpoint at lsn %d does not reach its begin checkpoint", end.LSN)
	}
	if begin.IsFirstCheckpointOnFullCopy {
		m.mu.Unlock()
		return &txnlog.Error{Code: txnlog.EInvalidState, Op: op, Err: errCopyInterrupted}
	}
	m.lastCompletedBeginCheckpoint = end.LastCompletedBeginCheckpoint()
	m.baseline = begin.LSN
	// A log that began at a full copy may hold the tail of transactions
	// whose first records were never copied.
	m.fromCopy = firstBegin != nil && firstBegin.IsFirstCheckpointOnFullCopy

	pv := progress.NewVectorFromEntries(begin.ProgressVector.Entries()...)
	pv.MaxEntries = m.config.ProgressVectorMaxEntries
	m.epoch = begin.Epoch
	for _, u := range epochs {
		if _, found := pv.Find(u.Epoch); !found && u.LSN >= pv.Last().LSN {
			if err := pv.Add(u.ProgressEntry()); err != nil {
				m.mu.Unlock()
				return txnlog.Wrap(err, txnlog.ECorruption, op)
			}
		}
		if u.Epoch.Greater(m.epoch) {
			m.epoch = u.Epoch
		}
	}
	m.pv = pv

	last := m.arena.At(m.arena.Last()).RecordHeader()
	m.tailLSN = last.LSN
	m.nextPSN = last.PSN + 1
	m.flushedPSN = last.PSN
	m.flushedLSN = last.LSN
	m.quorumLSN = last.LSN
	for _, id := range ids {
		m.ids.Observe(id)
	}
	steps := m.recoverySteps()
	m.mu.Unlock()

	periodicTrunc := begin.PeriodicTruncationTimeTicks
	if lastTrunc > periodicTrunc {
		periodicTrunc = lastTrunc
	}
	m.truncation.Recover(time.Unix(0, begin.PeriodicCheckpointTimeTicks), time.Unix(0, periodicTrunc))

	for _, s := range steps {
		if err := m.dispatcher.Dispatch(ctx, s.rec, s.ac); err != nil {
			return err
		}
	}

	m.logger.Info("Recovered log",
		zap.Int64("head_lsn", int64(first.LSN)),
		zap.Int64("checkpoint_lsn", int64(begin.LSN)),
		zap.Int64("tail_lsn", int64(m.tailLSN)),
		zap.Stringer("epoch", m.epoch),
		zap.Int("records", m.arena.Len()),
		zap.Int("replayed", len(steps)),
		zap.Int("unfinished", len(m.recovered)))

	if _, err := m.writeDirect(ctx, logrecord.NewInformationLogRecord(txnlog.InvalidLSN, logrecord.InformationRecovered)); err != nil {
		return err
	}
	return m.flush(ctx)
}

// readLog decodes every frame from the head of the log into the arena. A
// torn frame at the tail is cut off.
func (m *LogManager) readLog() error {
	const op = "replicator.recover"
	m.mu.Lock()
	defer m.mu.Unlock()

	pos := m.log.Head()
	prevPSN, prevLSN := txnlog.InvalidPSN, txnlog.InvalidLSN
	for {
		rec, n, err := logrecord.ReadFrameAt(m.log, pos)
		if err == io.EOF {
			break
		} else if errors.Is(err, io.ErrUnexpectedEOF) {
			m.logger.Warn("Discarding torn record at log tail",
				zap.Uint64("position", pos),
				zap.Uint64("tail", m.log.Tail()))
			if err := m.log.TruncateTail(pos); err != nil {
				return txnlog.Wrap(err, "", op)
			}
			break
		} else if err != nil {
			return txnlog.Wrap(err, txnlog.ECorruption, op)
		}

		h := rec.RecordHeader()
		if prevPSN.Valid() && h.PSN <= prevPSN {
			return txnlog.Corruptf(op, "psn %d at position %d does not follow %d", h.PSN, pos, prevPSN)
		}
		if h.LSN < prevLSN {
			return txnlog.Corruptf(op, "lsn %d at position %d precedes %d", h.LSN, pos, prevLSN)
		}
		prevPSN, prevLSN = h.PSN, h.LSN

		i := m.arena.Append(rec)
		m.arena.ResolveLinks(i)
		pos += uint64(n)
	}
	if m.arena.Len() == 0 {
		return txnlog.Corruptf(op, "log has no records")
	}
	return nil
}

// recoverySteps returns the apply steps that bring the state from the last
// completed checkpoint to the tail. Unfinished transactions are undone in
// reverse lsn order and recorded in m.recovered.
func (m *LogManager) recoverySteps() []applyStep {
	var steps []applyStep
	m.arena.Each(m.arena.First(), func(i logrecord.Index, rec logrecord.Record) bool {
		if _, ok := rec.(logrecord.TransactionRecord); !ok {
			return true
		}
		var ops []logrecord.Record
		if end, ok := rec.(*logrecord.EndTransactionLogRecord); ok {
			ops = m.transactionOpsLocked(end.Parent())
		}
		steps = append(steps, stepsFor(rec, ops, txnlog.RecoveryRedo, txnlog.RecoveryUndo, txnlog.RecoveryUnlock, m.baseline)...)
		return true
	})

	var undo []logrecord.Record
	for id, last := range m.txLast {
		m.recovered[id] = struct{}{}
		for _, rec := range m.transactionOpsLocked(last) {
			if isUndoable(rec) {
				undo = append(undo, rec)
			}
		}
	}
	sort.Slice(undo, func(i, j int) bool {
		return undo[i].RecordHeader().LSN > undo[j].RecordHeader().LSN
	})
	for _, rec := range undo {
		steps = append(steps, applyStep{rec: rec, ac: txnlog.RecoveryUndo})
	}
	return steps
}
