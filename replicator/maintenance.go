package replicator

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	txnlog "github.com/microsoft/service-fabric-sub010"
	"github.com/microsoft/service-fabric-sub010/logrecord"
	"github.com/microsoft/service-fabric-sub010/progress"
	"github.com/microsoft/service-fabric-sub010/truncation"
	"go.uber.org/zap"
)

var errNoHeadCandidate = errors.New("no indexing record can become the log head")

// maintain indexes, checkpoints and truncates the log whenever the writer
// signals progress, and starts a periodic checkpoint when its timer fires.
func (m *LogManager) maintain(ctx context.Context) error {
	var (
		timer  *clock.Timer
		timerC <-chan time.Time
	)
	resetTimer := func() {
		if m.config.LogTruncationInterval <= 0 {
			return
		}
		d := m.truncation.TimerDuration(m.Clock.Now())
		if timer == nil {
			timer = m.Clock.Timer(d)
		} else {
			timer.Reset(d)
		}
		timerC = timer.C
	}
	resetTimer()
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.kick:
		case <-timerC:
			m.truncation.InitiatePeriodicCheckpoint()
			resetTimer()
		}
		if err := m.maintainOnce(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn("Log maintenance failed", zap.Error(err))
		}
	}
}

func (m *LogManager) maintainOnce(ctx context.Context) error {
	if m.Err() != nil {
		return nil
	}
	if m.truncation.ShouldIndex(m.logState()) {
		if err := m.Index(ctx); err != nil {
			return err
		}
	}

	s := m.logState()
	var checkpoint bool
	if m.Role() == txnlog.RolePrimary {
		var abort []int64
		checkpoint, abort = m.truncation.ShouldCheckpointOnPrimary(s)
		for _, id := range abort {
			m.logger.Info("Aborting transaction holding the log", zap.Int64("tx", id))
			if _, err := m.ReplicateAndLog(ctx, logrecord.NewEndTransactionLogRecord(id, false)); err != nil {
				return err
			}
		}
	} else {
		checkpoint = m.truncation.ShouldCheckpointOnSecondary(s)
	}
	if checkpoint && !m.hasRecovered() {
		if err := m.Checkpoint(ctx); err != nil {
			return err
		}
	}

	if m.truncation.ShouldTruncateHead(m.logState()) {
		return m.TruncateHead(ctx)
	}
	return nil
}

func (m *LogManager) hasRecovered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recovered) > 0
}

func (m *LogManager) logState() truncation.LogState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logStateLocked()
}

func (m *LogManager) logStateLocked() truncation.LogState {
	s := truncation.LogState{
		HeadPosition:         m.log.Head(),
		TailPosition:         m.log.Tail(),
		LastIndexPosition:    logrecord.InvalidPosition,
		CheckpointInProgress: m.checkpointInProgress,
		TruncationInProgress: m.truncationInProgress,
	}
	if rec := m.arena.At(m.lastIndex); rec != nil {
		s.HasIndex = true
		s.LastIndexPosition = rec.RecordHeader().Position
	}
	if rec := m.arena.At(m.lastCompletedBeginCheckpoint); rec != nil {
		s.LastCompletedCheckpointPosition = rec.RecordHeader().Position
	}
	for id, i := range m.txFirst {
		pos := logrecord.InvalidPosition
		if rec := m.arena.At(i); rec != nil {
			pos = rec.RecordHeader().Position
		}
		s.PendingTransactions = append(s.PendingTransactions, truncation.PendingTransaction{ID: id, Position: pos})
	}
	sort.Slice(s.PendingTransactions, func(i, j int) bool {
		return s.PendingTransactions[i].Position < s.PendingTransactions[j].Position
	})
	return s
}

func (m *LogManager) shouldThrottle() bool {
	return m.truncation.ShouldBlockOperationsOnPrimary(m.logState())
}

// earliestPendingLocked returns the first record of the oldest open
// transaction.
func (m *LogManager) earliestPendingLocked() logrecord.Index {
	earliest := logrecord.NoIndex
	for _, i := range m.txFirst {
		if earliest == logrecord.NoIndex || i < earliest {
			earliest = i
		}
	}
	return earliest
}

func (m *LogManager) headLocked() (*logrecord.IndexingLogRecord, error) {
	head, ok := m.arena.At(m.head).(*logrecord.IndexingLogRecord)
	if !ok {
		return nil, txnlog.InvalidStatef("replicator.head", "log head %d is not an indexing record", m.head)
	}
	return head, nil
}

// Checkpoint logs a begin checkpoint record, has the Checkpointer make the
// state durable, and completes the checkpoint. It fails while transactions
// left unfinished by recovery are unresolved.
func (m *LogManager) Checkpoint(ctx context.Context) error {
	const op = "replicator.Checkpoint"
	if err := m.checkOpen(op); err != nil {
		return err
	}
	m.maintMu.Lock()
	defer m.maintMu.Unlock()

	m.mu.Lock()
	if n := len(m.recovered); n > 0 {
		m.mu.Unlock()
		return txnlog.InvalidStatef(op, "%d recovered transactions are unresolved", n)
	}
	m.checkpointInProgress = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.checkpointInProgress = false
		m.mu.Unlock()
	}()

	periodic := m.truncation.OnCheckpointStarted(m.Clock.Now())
	lsn, err := m.checkpoint(ctx)
	m.truncation.OnCheckpointCompleted(err)
	if err != nil {
		m.logger.Warn("Checkpoint failed", zap.Bool("periodic", periodic), zap.Error(err))
		return txnlog.Wrap(err, "", op)
	}
	m.logger.Info("Completed checkpoint", zap.Int64("lsn", int64(lsn)), zap.Bool("periodic", periodic))
	return nil
}

func (m *LogManager) checkpoint(ctx context.Context) (txnlog.LSN, error) {
	const op = "replicator.Checkpoint"
	begin := &appendRequest{build: func() (logrecord.Record, error) {
		head, err := m.headLocked()
		if err != nil {
			return nil, err
		}
		pv := m.pv.Clone(m.config.ProgressVectorMaxEntries, head.CurrentEpoch, head.CurrentEpoch)
		return logrecord.NewBeginCheckpointLogRecord(txnlog.InvalidLSN, false, pv,
			m.earliestPendingLocked(), logrecord.InvalidOffset, m.epoch, logrecord.ZeroBackupInfo,
			m.truncation.LastPeriodicCheckpoint().UnixNano(),
			m.truncation.LastPeriodicTruncation().UnixNano()), nil
	}}
	if err := m.submit(ctx, op, begin); err != nil {
		return txnlog.InvalidLSN, err
	}
	lsn := begin.rec.RecordHeader().LSN

	// A primary's checkpoint covers only state every replica will keep.
	if m.Role() == txnlog.RolePrimary {
		if _, err := m.Barrier(ctx); err != nil {
			return lsn, err
		}
	}
	if cp := m.Checkpointer; cp != nil {
		if err := cp.PrepareCheckpoint(ctx, lsn); err != nil {
			return lsn, err
		}
		if err := cp.PerformCheckpoint(ctx); err != nil {
			return lsn, err
		}
	}

	end := &appendRequest{build: func() (logrecord.Record, error) {
		head, err := m.headLocked()
		if err != nil {
			return nil, err
		}
		return logrecord.NewEndCheckpointLogRecord(txnlog.InvalidLSN, logrecord.NewLogHead(head, m.head), m.stableLSN, begin.index), nil
	}}
	if err := m.submit(ctx, op, end); err != nil {
		return lsn, err
	}
	m.mu.Lock()
	m.lastCompletedBeginCheckpoint = begin.index
	m.mu.Unlock()

	if cp := m.Checkpointer; cp != nil {
		if err := cp.CompleteCheckpoint(ctx); err != nil {
			return lsn, err
		}
	}
	complete := &appendRequest{build: func() (logrecord.Record, error) {
		head, err := m.headLocked()
		if err != nil {
			return nil, err
		}
		return logrecord.NewCompleteCheckpointLogRecord(txnlog.InvalidLSN, logrecord.NewLogHead(head, m.head)), nil
	}}
	return lsn, m.submit(ctx, op, complete)
}

// headCandidateLocked returns the newest indexing record the head can move
// to. It may not pass the last completed checkpoint, the oldest transaction
// that checkpoint still needed, or any open transaction.
func (m *LogManager) headCandidateLocked() (logrecord.Index, *logrecord.IndexingLogRecord) {
	begin, ok := m.arena.At(m.lastCompletedBeginCheckpoint).(*logrecord.BeginCheckpointLogRecord)
	if !ok {
		return logrecord.NoIndex, nil
	}
	limit := begin.Position
	if rec := m.arena.At(begin.EarliestPendingTransaction()); rec != nil && rec.RecordHeader().Position < limit {
		limit = rec.RecordHeader().Position
	}
	s := m.logStateLocked()
	for _, tx := range s.PendingTransactions {
		if tx.Position < limit {
			limit = tx.Position
		}
	}
	for it := range m.iterators {
		if rec := m.arena.At(it.next); rec != nil && rec.RecordHeader().Position < limit {
			limit = rec.RecordHeader().Position
		}
	}

	best, bestRec := logrecord.NoIndex, (*logrecord.IndexingLogRecord)(nil)
	m.arena.Each(m.head+1, func(i logrecord.Index, rec logrecord.Record) bool {
		if rec.RecordHeader().Position > limit {
			return false
		}
		if ix, ok := rec.(*logrecord.IndexingLogRecord); ok && m.truncation.IsGoodLogHeadCandidate(s, ix.Position) {
			best, bestRec = i, ix
		}
		return true
	})
	return best, bestRec
}

// TruncateHead moves the log head to the newest indexing record that is a
// good candidate and discards every record before it. It does nothing when
// there is no candidate.
func (m *LogManager) TruncateHead(ctx context.Context) error {
	const op = "replicator.TruncateHead"
	if err := m.checkOpen(op); err != nil {
		return err
	}
	m.maintMu.Lock()
	defer m.maintMu.Unlock()

	var (
		ci        logrecord.Index
		candidate *logrecord.IndexingLogRecord
		periodic  bool
		ticks     int64
	)
	req := &appendRequest{build: func() (logrecord.Record, error) {
		ci, candidate = m.headCandidateLocked()
		if candidate == nil {
			return nil, errNoHeadCandidate
		}
		if periodic = m.truncation.OnTruncationStarted(); periodic {
			ticks = m.Clock.Now().UnixNano()
		}
		m.truncationInProgress = true
		return logrecord.NewTruncateHeadLogRecord(txnlog.InvalidLSN, logrecord.NewLogHead(candidate, ci), true, ticks), nil
	}}
	if err := m.submit(ctx, op, req); errors.Is(err, errNoHeadCandidate) {
		return nil
	} else if err != nil {
		m.mu.Lock()
		m.truncationInProgress = false
		m.mu.Unlock()
		if periodic {
			m.truncation.OnTruncationFailed()
		}
		return err
	}

	rec := req.rec.(*logrecord.TruncateHeadLogRecord)
	stats, err := m.applyTruncateHead(rec, ci, candidate)
	if err != nil {
		_ = rec.SetTruncationState(logrecord.TruncationFaulted)
		if periodic {
			m.truncation.OnTruncationFailed()
		}
		m.logger.Error("Head truncation failed", zap.Int64("head_lsn", int64(candidate.LSN)), zap.Error(err))
		return txnlog.Wrap(err, "", op)
	}
	_ = rec.SetTruncationState(logrecord.TruncationCompleted)
	if periodic {
		m.truncation.OnTruncationCompleted(time.Unix(0, ticks))
	}
	m.logger.Info("Truncated log head",
		zap.Int64("head_lsn", int64(candidate.LSN)),
		zap.Int64("head_psn", int64(candidate.PSN)),
		zap.Uint64("head_position", candidate.Position),
		zap.Int("free_link_calls", stats.FreeLinkCallCount),
		zap.Int("freed_links", stats.FreeLinkCallTrueCount))
	return nil
}

func (m *LogManager) applyTruncateHead(rec *logrecord.TruncateHeadLogRecord, ci logrecord.Index, candidate *logrecord.IndexingLogRecord) (logrecord.TruncateHeadStats, error) {
	const op = "replicator.TruncateHead"
	if err := rec.SetTruncationState(logrecord.TruncationApplied); err != nil {
		return logrecord.TruncateHeadStats{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	defer func() { m.truncationInProgress = false }()

	stats, err := candidate.OnTruncateHead(m.arena)
	if err != nil {
		return stats, m.faultLocked(op, err)
	}
	released := txnlog.InvalidLSN
	if prev := m.arena.At(ci - 1); prev != nil {
		released = prev.RecordHeader().LSN
	}
	m.arena.Release(ci)
	m.head = ci
	if err := m.log.TruncateHead(candidate.Position); err != nil {
		return stats, m.faultLocked(op, err)
	}
	if released.Valid() {
		m.cache.InvalidateThrough(released)
	}
	return stats, nil
}

// TruncateTail discards every record after lsn. A secondary calls it when
// the primary reports that the tail of its log was never committed: the
// discarded operations are undone as false progress first.
func (m *LogManager) TruncateTail(ctx context.Context, lsn txnlog.LSN) error {
	const op = "replicator.TruncateTail"
	if err := m.checkOpen(op); err != nil {
		return err
	}
	if m.Role() == txnlog.RolePrimary {
		return txnlog.InvalidStatef(op, "primary cannot truncate its tail")
	}
	m.maintMu.Lock()
	defer m.maintMu.Unlock()
	return m.submit(ctx, op, &appendRequest{fn: func(ctx context.Context) error {
		return m.truncateTail(ctx, lsn)
	}})
}

// truncateTail discards the records after lsn together with any epoch this
// replica started at lsn, which the primary never saw.
func (m *LogManager) truncateTail(ctx context.Context, lsn txnlog.LSN) error {
	const op = "replicator.TruncateTail"
	m.mu.Lock()
	if m.err != nil {
		defer m.mu.Unlock()
		return m.err
	}

	keep := logrecord.NoIndex
	for i := m.arena.Last(); i >= m.arena.First(); i-- {
		if rec := m.arena.At(i); rec.Type().IsReplicated() && rec.RecordHeader().LSN <= lsn {
			keep = i
			break
		}
	}
	cut := logrecord.NoIndex
	m.arena.Each(keep+1, func(i logrecord.Index, rec logrecord.Record) bool {
		if rec.RecordHeader().LSN > lsn || rec.Type() == logrecord.TypeUpdateEpoch {
			cut = i
			return false
		}
		return true
	})
	if cut == logrecord.NoIndex || cut > m.arena.Last() {
		m.mu.Unlock()
		return nil
	}
	if cut <= m.lastCompletedBeginCheckpoint {
		m.mu.Unlock()
		return txnlog.InvalidStatef(op, "lsn %d is before the last completed checkpoint", lsn)
	}
	for i := cut; i <= m.arena.Last(); i++ {
		switch t := m.arena.At(i).Type(); t {
		case logrecord.TypeEndCheckpoint, logrecord.TypeCompleteCheckpoint, logrecord.TypeTruncateHead:
			m.mu.Unlock()
			return txnlog.InvalidStatef(op, "%s record after lsn %d cannot be truncated", t, lsn)
		}
	}

	var (
		undo    []logrecord.Record
		epochs  []progress.Entry
		aborted = make(map[int64]struct{})
	)
	for i := m.arena.Last(); i >= cut; i-- {
		rec := m.arena.At(i)
		switch r := rec.(type) {
		case *logrecord.EndTransactionLogRecord:
			// The abort already undid the transaction's operations.
			if !r.IsCommitted {
				aborted[r.TransactionID] = struct{}{}
			}
		case *logrecord.BeginTransactionOperationLogRecord, *logrecord.OperationLogRecord:
			id := rec.(logrecord.TransactionRecord).Transaction().TransactionID
			if _, ok := aborted[id]; !ok && rec.RecordHeader().LSN > m.baseline {
				undo = append(undo, rec)
			}
		case *logrecord.UpdateEpochLogRecord:
			epochs = append(epochs, r.ProgressEntry())
		}
		if rec.Type().IsReplicated() {
			m.cache.Invalidate(rec)
		}
	}

	pos := m.arena.At(cut).RecordHeader().Position
	m.arena.TruncateTail(cut)
	if err := m.log.TruncateTail(pos); err != nil {
		defer m.mu.Unlock()
		return m.faultLocked(op, err)
	}
	for _, e := range epochs {
		if err := m.pv.TruncateTail(e); err != nil {
			defer m.mu.Unlock()
			return m.faultLocked(op, err)
		}
	}
	m.epoch = m.pv.Last().Epoch

	last := m.arena.At(m.arena.Last()).RecordHeader()
	m.tailLSN = last.LSN
	m.nextPSN = last.PSN + 1
	m.flushedPSN = min(m.flushedPSN, last.PSN)
	m.flushedLSN = min(m.flushedLSN, m.tailLSN)
	m.quorumLSN = min(m.quorumLSN, m.tailLSN)
	m.barriers = filterLSNs(m.barriers, m.tailLSN)
	pending := m.pending[:0]
	for _, b := range m.pending {
		if b.lsn <= m.tailLSN {
			pending = append(pending, b)
		}
	}
	m.pending = pending
	if m.lastIndex >= cut {
		m.lastIndex = logrecord.NoIndex
		for i := m.arena.Last(); i >= m.arena.First(); i-- {
			if _, ok := m.arena.At(i).(*logrecord.IndexingLogRecord); ok {
				m.lastIndex = i
				break
			}
		}
	}
	m.rebuildTransactionsLocked()
	m.mu.Unlock()

	for _, rec := range undo {
		if err := m.dispatcher.Dispatch(ctx, rec, txnlog.SecondaryFalseProgress); err != nil {
			m.mu.Lock()
			defer m.mu.Unlock()
			return m.faultLocked(op, err)
		}
	}
	if _, err := m.writeDirect(ctx, logrecord.NewTruncateTailLogRecord(txnlog.InvalidLSN)); err != nil {
		return err
	}
	if err := m.flush(ctx); err != nil {
		return err
	}
	m.logger.Info("Truncated log tail", zap.Int64("lsn", int64(lsn)), zap.Int("undone", len(undo)))
	return nil
}

func filterLSNs(lsns []txnlog.LSN, max txnlog.LSN) []txnlog.LSN {
	out := lsns[:0]
	for _, l := range lsns {
		if l <= max {
			out = append(out, l)
		}
	}
	return out
}

// rebuildTransactionsLocked recomputes the open transactions from the
// records in the arena.
func (m *LogManager) rebuildTransactionsLocked() {
	clear(m.txFirst)
	clear(m.txLast)
	m.arena.Each(m.arena.First(), func(i logrecord.Index, rec logrecord.Record) bool {
		trackTransaction(m.txFirst, m.txLast, i, rec)
		return true
	})
	for id := range m.recovered {
		if _, ok := m.txFirst[id]; !ok {
			delete(m.recovered, id)
		}
	}
}

// trackTransaction updates the open transaction maps for the record at i.
func trackTransaction(first, last map[int64]logrecord.Index, i logrecord.Index, rec logrecord.Record) {
	switch r := rec.(type) {
	case *logrecord.BeginTransactionOperationLogRecord:
		if !r.IsSingleOperationTransaction {
			first[r.TransactionID], last[r.TransactionID] = i, i
		}
	case *logrecord.OperationLogRecord:
		if _, ok := first[r.TransactionID]; !ok {
			first[r.TransactionID] = i
		}
		last[r.TransactionID] = i
	case *logrecord.EndTransactionLogRecord:
		delete(first, r.TransactionID)
		delete(last, r.TransactionID)
	}
}
