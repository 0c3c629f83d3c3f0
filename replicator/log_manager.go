package replicator

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	txnlog "github.com/microsoft/service-fabric-sub010"
	"github.com/microsoft/service-fabric-sub010/logio"
	"github.com/microsoft/service-fabric-sub010/logrecord"
	"github.com/microsoft/service-fabric-sub010/pkg/binaryio"
	"github.com/microsoft/service-fabric-sub010/progress"
	"github.com/microsoft/service-fabric-sub010/truncation"
	"github.com/microsoft/service-fabric-sub010/txn"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// maxBatch is the number of queued appends written before one flush.
const maxBatch = 256

const (
	requestPending int32 = iota
	requestTaken
	requestCanceled
)

// appendRequest is one unit of work for the log writer. Exactly one of rec,
// build and fn is set. build constructs the record from the writer's state
// at the moment it is written; fn runs exclusively on the writer after every
// earlier record is flushed.
type appendRequest struct {
	rec   logrecord.Record
	build func() (logrecord.Record, error)
	fn    func(ctx context.Context) error

	// replicate sends the record to the secondaries first. Only a primary
	// may do so.
	replicate bool

	// preset requires the record to already carry the next lsn.
	preset bool

	state atomic.Int32
	done  chan error
	index logrecord.Index
}

func (r *appendRequest) take() bool {
	return r.state.CompareAndSwap(requestPending, requestTaken)
}

func (r *appendRequest) complete(err error) { r.done <- err }

type stableWaiter struct {
	lsn txnlog.LSN
	ch  chan struct{}
}

// LogManager owns the replicated log of one replica. Every record is
// written by a single goroutine in the order its append was queued.
type LogManager struct {
	// Replicator sends records to the secondaries while primary. Nil keeps
	// the log local and treats every flushed record as acknowledged.
	Replicator Replicator

	// Applier receives transaction records once they are committed.
	Applier Applier

	// Checkpointer makes applied state durable during checkpoints.
	Checkpointer Checkpointer

	// ReplicaID identifies this replica in epoch records and copy headers.
	ReplicaID int64

	// Clock supplies the time for epoch records, checkpoint timestamps and
	// the periodic checkpoint timer.
	Clock clock.Clock

	config     Config
	log        logio.Log
	cache      *logrecord.BufferCache
	ids        *txn.IDGenerator
	truncation *truncation.Manager
	dispatcher *Dispatcher
	tracer     txnlog.Tracer
	logger     *zap.Logger

	queue     chan *appendRequest
	acked     chan struct{}
	kick      chan struct{}
	closing   chan struct{}
	closeMu   sync.RWMutex
	closeOnce sync.Once
	closed    bool
	group     errgroup.Group
	ctx       context.Context
	cancel    context.CancelFunc

	// maintMu serializes checkpoints and head truncations.
	maintMu sync.Mutex

	w *binaryio.Writer

	mu      sync.Mutex
	err     error
	opened  bool
	role    txnlog.ReplicaRole
	arena   *logrecord.Arena
	nextPSN txnlog.PSN
	tailLSN txnlog.LSN
	epoch   txnlog.Epoch
	pv      *progress.Vector

	flushedPSN txnlog.PSN
	flushedLSN txnlog.LSN
	quorumLSN  txnlog.LSN
	stableLSN  txnlog.LSN
	barriers   []txnlog.LSN
	waiters    []stableWaiter
	pending    []applyBatch

	head                         logrecord.Index
	lastIndex                    logrecord.Index
	lastCompletedBeginCheckpoint logrecord.Index
	checkpointInProgress         bool
	truncationInProgress         bool

	txFirst map[int64]logrecord.Index
	txLast  map[int64]logrecord.Index

	// recovered holds the transactions recovery found unfinished. They
	// were undone and are aborted on the first write as primary.
	recovered map[int64]struct{}

	// baseline is the lsn the applied state already includes; records at
	// or below it are tracked but not redone.
	baseline txnlog.LSN

	// fromCopy is set when the log starts at a full copy. Transactions that
	// began before the copied range are adopted by their first record.
	fromCopy bool

	lastAtomicRedoLSN txnlog.LSN

	// iterators pin the records they have not read yet against head
	// truncation.
	iterators map[*RecordIterator]struct{}
}

// NewLogManager returns a log manager writing to l. Open must be called
// before use.
func NewLogManager(c Config, l logio.Log) *LogManager {
	return &LogManager{
		Clock:      clock.New(),
		config:     c,
		log:        l,
		cache:      logrecord.NewBufferCache(),
		ids:        txn.NewIDGenerator(0),
		tracer:     txnlog.NopTracer{},
		logger:     zap.NewNop(),
		queue:      make(chan *appendRequest, c.AppendQueueDepth),
		acked:      make(chan struct{}, 1),
		kick:       make(chan struct{}, 1),
		closing:    make(chan struct{}),
		w:          binaryio.NewWriter(nil),
		role:       txnlog.RoleUnknown,
		arena:      logrecord.NewArena(),
		nextPSN:    txnlog.ZeroPSN,
		tailLSN:    txnlog.ZeroLSN,
		epoch:      txnlog.ZeroEpoch,
		pv:         progress.NewVector(),
		flushedPSN: txnlog.InvalidPSN,
		flushedLSN: txnlog.ZeroLSN,
		quorumLSN:  txnlog.ZeroLSN,
		stableLSN:  txnlog.ZeroLSN,
		txFirst:    make(map[int64]logrecord.Index),
		txLast:     make(map[int64]logrecord.Index),
		recovered:  make(map[int64]struct{}),
		iterators:  make(map[*RecordIterator]struct{}),
		baseline:   txnlog.ZeroLSN,

		lastAtomicRedoLSN: txnlog.InvalidLSN,
	}
}

// WithLogger sets the logger on the log manager.
func (m *LogManager) WithLogger(log *zap.Logger) {
	m.logger = log.With(zap.String("service", "replicator"))
}

// WithTracer sets the tracer that receives dispatch events.
func (m *LogManager) WithTracer(t txnlog.Tracer) {
	m.tracer = t
}

// IDs returns the generator transaction ids are drawn from.
func (m *LogManager) IDs() *txn.IDGenerator { return m.ids }

// Open recovers the log, or creates it if it is empty, and starts the
// writer.
func (m *LogManager) Open(ctx context.Context) error {
	const op = "replicator.Open"
	if err := m.config.Validate(); err != nil {
		return err
	}
	m.truncation = truncation.NewManager(m.config.Thresholds(), m.Clock.Now())
	m.truncation.WithLogger(m.logger)
	m.dispatcher = NewDispatcher(m.Applier, m.tracer)
	m.pv.MaxEntries = m.config.ProgressVectorMaxEntries

	if m.log.Tail() == m.log.Head() {
		if err := m.bootstrap(ctx); err != nil {
			return txnlog.Wrap(err, "", op)
		}
	} else if err := m.recover(ctx); err != nil {
		return txnlog.Wrap(err, "", op)
	}

	m.mu.Lock()
	m.opened = true
	m.mu.Unlock()

	// The writer finishes what it has taken even while closing, so only
	// maintenance is canceled.
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.group.Go(func() error { return m.run(context.Background()) })
	m.group.Go(func() error { return m.maintain(m.ctx) })
	m.logger.Info("Opened log",
		zap.Uint64("head", m.log.Head()),
		zap.Uint64("tail", m.log.Tail()),
		zap.Int64("tail_lsn", int64(m.Tail())))
	return nil
}

// bootstrap writes the records every log starts with.
func (m *LogManager) bootstrap(ctx context.Context) error {
	head := logrecord.NewIndexingLogRecord(txnlog.ZeroLSN, txnlog.ZeroEpoch)
	hi, err := m.writeDirect(ctx, head)
	if err != nil {
		return err
	}
	if _, err := m.writeDirect(ctx, logrecord.NewZeroUpdateEpochLogRecord()); err != nil {
		return err
	}
	if _, err := m.writeDirect(ctx, logrecord.NewOneBarrierLogRecord()); err != nil {
		return err
	}
	if err := m.writeCheckpoint(ctx, head, hi, false, m.pv); err != nil {
		return err
	}
	m.mu.Lock()
	m.head = hi
	m.mu.Unlock()
	m.logger.Info("Created log")
	return nil
}

// writeCheckpoint writes a complete checkpoint at the tail and flushes it.
// It is only used while nothing else writes.
func (m *LogManager) writeCheckpoint(ctx context.Context, head *logrecord.IndexingLogRecord, hi logrecord.Index, firstOnFullCopy bool, pv *progress.Vector) error {
	m.mu.Lock()
	epoch := m.epoch
	m.mu.Unlock()
	pv = progress.NewVectorFromEntries(pv.Entries()...)
	begin := logrecord.NewBeginCheckpointLogRecord(txnlog.InvalidLSN, firstOnFullCopy, pv, logrecord.NoIndex, logrecord.InvalidOffset,
		epoch, logrecord.ZeroBackupInfo, m.Clock.Now().UnixNano(), m.Clock.Now().UnixNano())
	bi, err := m.writeDirect(ctx, begin)
	if err != nil {
		return err
	}
	m.mu.Lock()
	stable := m.tailLSN
	m.mu.Unlock()
	if _, err := m.writeDirect(ctx, logrecord.NewEndCheckpointLogRecord(txnlog.InvalidLSN, logrecord.NewLogHead(head, hi), stable, bi)); err != nil {
		return err
	}
	if _, err := m.writeDirect(ctx, logrecord.NewCompleteCheckpointLogRecord(txnlog.InvalidLSN, logrecord.NewLogHead(head, hi))); err != nil {
		return err
	}
	if err := m.flush(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastCompletedBeginCheckpoint = bi
	m.flushedLSN = m.tailLSN
	m.quorumLSN = m.tailLSN
	m.stableLSN = m.tailLSN
	m.barriers = m.barriers[:0]
	m.baseline = begin.LSN
	return nil
}

// writeDirect writes rec from the calling goroutine. It is used while the
// writer is not running or from within a writer function.
func (m *LogManager) writeDirect(ctx context.Context, rec logrecord.Record) (logrecord.Index, error) {
	req := &appendRequest{rec: rec}
	if err := m.write(ctx, req); err != nil {
		return logrecord.NoIndex, err
	}
	return req.index, nil
}

// Close stops the writer. Queued appends that were not written fail with
// an EClosed error.
func (m *LogManager) Close() error {
	m.closeOnce.Do(func() { close(m.closing) })
	m.closeMu.Lock()
	if m.closed {
		m.closeMu.Unlock()
		return nil
	}
	m.closed = true
	m.closeMu.Unlock()

	if m.cancel != nil {
		m.cancel()
	}
	err := m.group.Wait()
	m.drain()

	m.mu.Lock()
	for _, w := range m.waiters {
		close(w.ch)
	}
	m.waiters = nil
	m.mu.Unlock()

	m.logger.Info("Closed log", zap.Int64("tail_lsn", int64(m.Tail())))
	return err
}

// run is the log writer.
func (m *LogManager) run(ctx context.Context) error {
	var batch []*appendRequest
	for {
		select {
		case <-m.closing:
			m.drain()
			return nil
		case <-m.acked:
			m.advance(ctx)
		case req := <-m.queue:
			batch = append(batch[:0], req)
		fill:
			for len(batch) < maxBatch {
				select {
				case req := <-m.queue:
					batch = append(batch, req)
				default:
					break fill
				}
			}
			m.process(ctx, batch)
			clear(batch)
		}
	}
}

// drain fails every request still queued.
func (m *LogManager) drain() {
	for {
		select {
		case req := <-m.queue:
			if req.take() {
				req.complete(&txnlog.Error{Code: txnlog.EClosed, Op: "replicator.Close", Err: txnlog.ErrClosed})
			}
		default:
			return
		}
	}
}

func (m *LogManager) process(ctx context.Context, batch []*appendRequest) {
	var written []*appendRequest
	for _, req := range batch {
		if !req.take() {
			continue
		}
		if req.fn != nil {
			m.commit(ctx, written)
			written = written[:0]
			req.complete(req.fn(ctx))
			continue
		}
		if err := m.write(ctx, req); err != nil {
			req.complete(err)
			continue
		}
		written = append(written, req)
	}
	m.commit(ctx, written)
}

// commit flushes the written requests, releases the work their records
// unblocked, and completes them.
func (m *LogManager) commit(ctx context.Context, written []*appendRequest) {
	if len(written) == 0 {
		return
	}
	err := m.flush(ctx)
	if err == nil {
		m.advance(ctx)
	}
	for _, req := range written {
		req.complete(err)
	}
	if err == nil {
		m.signalMaintenance()
	}
}

// flush makes every written record durable and moves the flushed lsn to
// the tail. A failed flush faults the log manager.
func (m *LogManager) flush(ctx context.Context) error {
	if err := m.log.Flush(ctx); err != nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.faultLocked("replicator.Flush", err)
	}
	m.mu.Lock()
	m.flushedPSN = m.nextPSN - 1
	m.flushedLSN = m.tailLSN
	if m.Replicator == nil || m.role != txnlog.RolePrimary {
		m.quorumLSN = m.tailLSN
	}
	m.mu.Unlock()
	return nil
}

func (m *LogManager) faultLocked(op string, err error) error {
	if m.err == nil {
		m.err = &txnlog.Error{Code: txnlog.EFaulted, Op: op, Err: err}
		m.logger.Error("Log faulted", zap.String("op", op), zap.Error(err))
	}
	return m.err
}

// committedLSN is the highest lsn that is both flushed locally and
// acknowledged by a quorum.
func (m *LogManager) committedLSNLocked() txnlog.LSN {
	if m.quorumLSN < m.flushedLSN {
		return m.quorumLSN
	}
	return m.flushedLSN
}

// advance moves the stable lsn through every committed barrier, wakes the
// waiters it satisfies, and applies the committed transaction records.
func (m *LogManager) advance(ctx context.Context) {
	m.mu.Lock()
	committed := m.committedLSNLocked()
	stable := m.stableLSN
	for len(m.barriers) > 0 && m.barriers[0] <= committed {
		stable = m.barriers[0]
		m.barriers = m.barriers[1:]
	}
	if stable > m.stableLSN {
		m.stableLSN = stable
		m.cache.InvalidateThrough(stable)
		waiters := m.waiters[:0]
		for _, w := range m.waiters {
			if w.lsn <= stable {
				close(w.ch)
				continue
			}
			waiters = append(waiters, w)
		}
		m.waiters = waiters
	}

	var batches []applyBatch
	n := 0
	for n < len(m.pending) && m.pending[n].lsn <= committed {
		n++
	}
	if n > 0 {
		batches = append(batches, m.pending[:n]...)
		m.pending = append(m.pending[:0], m.pending[n:]...)
	}
	m.mu.Unlock()

	for _, b := range batches {
		if err := b.run(ctx, m.dispatcher); err != nil {
			m.mu.Lock()
			m.faultLocked("replicator.Apply", err)
			m.mu.Unlock()
			return
		}
	}
}

func (m *LogManager) signalMaintenance() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// write assigns the record its lsn, psn and position, replicates it if
// asked to, and appends its frame to the log. Nothing is changed if it
// fails before the append.
//
// The lock is released while the record is replicated and while its frame
// is appended: the Replicator may acknowledge from within Replicate, and
// readers must not wait on the sink. Only the writer assigns sequence
// numbers, so nothing moves the tail in between.
func (m *LogManager) write(ctx context.Context, req *appendRequest) error {
	const op = "replicator.write"
	w, data, err := m.prepare(req)
	if err != nil {
		return err
	}
	rec := req.rec

	if data != nil {
		if err := m.Replicator.Replicate(ctx, w.lsn, data); err != nil {
			m.cache.Invalidate(rec)
			return txnlog.Wrap(err, "", op)
		}
	}

	i, err := m.place(rec)
	if err != nil {
		return err
	}
	if _, err := m.log.Append(m.w.Bytes()); err != nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.arena.TruncateTail(i)
		return m.faultLocked(op, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordLocked(rec, i, w)
	req.index = i
	return nil
}

// pendingWrite is what prepare learned about a record that write needs
// once the record is in the log.
type pendingWrite struct {
	lsn    txnlog.LSN
	txID   int64
	open   bool
	ops    []logrecord.Record
	newPVE bool
}

// prepare builds the record, assigns its lsn and validates everything that
// can fail before the record is visible. It returns the replication
// encoding when the record must be sent to the secondaries.
func (m *LogManager) prepare(req *appendRequest) (pendingWrite, []byte, error) {
	const op = "replicator.write"
	var w pendingWrite
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return w, nil, m.err
	}
	if req.replicate && m.role != txnlog.RolePrimary {
		return w, nil, &txnlog.Error{Code: txnlog.ENotPrimary, Op: op, Err: txnlog.ErrNotPrimary}
	}

	rec := req.rec
	if req.build != nil {
		r, err := req.build()
		if err != nil {
			return w, nil, err
		}
		rec, req.rec = r, r
	}
	h := rec.RecordHeader()
	t := rec.Type()

	w.lsn = m.tailLSN
	if t.IsReplicated() {
		w.lsn++
	}
	if req.preset && h.LSN != w.lsn {
		return w, nil, txnlog.InvalidStatef(op, "%s record at lsn %d does not follow tail lsn %d", t, h.LSN, m.tailLSN)
	}
	h.LSN = w.lsn

	if tr, ok := rec.(logrecord.TransactionRecord); ok {
		w.txID = tr.Transaction().TransactionID
		var last logrecord.Index
		last, w.open = m.txLast[w.txID]
		switch rec.(type) {
		case *logrecord.BeginTransactionOperationLogRecord:
			if w.open {
				return w, nil, txnlog.InvalidStatef(op, "transaction %d already begun", w.txID)
			}
		default:
			if !w.open && !m.fromCopy {
				return w, nil, txnlog.InvalidStatef(op, "transaction %d has not begun", w.txID)
			}
		}
		if w.open {
			tr.Transaction().SetParent(last)
			if t == logrecord.TypeEndTransaction {
				w.ops = m.transactionOpsLocked(last)
			}
		}
	}
	if u, ok := rec.(*logrecord.UpdateEpochLogRecord); ok {
		entry := u.ProgressEntry()
		if existing, found := m.pv.Find(u.Epoch); found {
			if !existing.Equal(entry) {
				return w, nil, txnlog.InvalidStatef(op, "epoch %s already started at lsn %d", u.Epoch, existing.LSN)
			}
		} else {
			if last := m.pv.Last(); !last.Epoch.Less(entry.Epoch) || last.LSN > entry.LSN {
				return w, nil, txnlog.InvalidStatef(op, "epoch %s at lsn %d does not follow %s", u.Epoch, w.lsn, last)
			}
			w.newPVE = true
		}
	}

	if !req.replicate || !t.IsReplicated() || m.Replicator == nil {
		return w, nil, nil
	}
	data, err := m.cache.ReplicatedData(rec)
	if err != nil {
		return w, nil, err
	}
	return w, data, nil
}

// place gives rec its psn and position, adds it to the arena and encodes
// its frame into m.w.
func (m *LogManager) place(rec logrecord.Record) (logrecord.Index, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		m.cache.Invalidate(rec)
		return logrecord.NoIndex, m.err
	}
	h := rec.RecordHeader()
	h.PSN = m.nextPSN
	h.Position = m.log.Tail()
	i := m.arena.Append(rec)
	m.arena.FillOffsets(i)
	m.w.Reset()
	if err := logrecord.EncodeFrame(m.w, rec); err != nil {
		m.arena.TruncateTail(i)
		return logrecord.NoIndex, err
	}
	return i, nil
}

// recordLocked moves the tail past rec, which is now in the log at i, and
// updates the state that depends on it.
func (m *LogManager) recordLocked(rec logrecord.Record, i logrecord.Index, w pendingWrite) {
	lsn, txID, ops := w.lsn, w.txID, w.ops
	m.nextPSN++
	m.tailLSN = lsn

	switch r := rec.(type) {
	case *logrecord.BeginTransactionOperationLogRecord:
		if r.IsSingleOperationTransaction {
			if r.Undo == nil {
				m.lastAtomicRedoLSN = lsn
			}
		} else {
			m.txFirst[txID], m.txLast[txID] = i, i
		}
	case *logrecord.OperationLogRecord:
		if !w.open {
			m.txFirst[txID] = i
		}
		m.txLast[txID] = i
	case *logrecord.EndTransactionLogRecord:
		delete(m.txFirst, txID)
		delete(m.txLast, txID)
		if _, ok := m.recovered[txID]; ok {
			delete(m.recovered, txID)
			ops = nil
		}
	case *logrecord.UpdateEpochLogRecord:
		if w.newPVE {
			_ = m.pv.Add(r.ProgressEntry())
		}
		if r.Epoch.Greater(m.epoch) {
			m.epoch = r.Epoch
		}
	case *logrecord.IndexingLogRecord:
		m.lastIndex = i
	}
	if logrecord.IsBarrier(rec, false) && lsn > m.stableLSN {
		if n := len(m.barriers); n == 0 || m.barriers[n-1] < lsn {
			m.barriers = append(m.barriers, lsn)
		}
	}
	if _, ok := rec.(logrecord.TransactionRecord); ok {
		redo, undo, unlock := applyContexts(m.role)
		if steps := stepsFor(rec, ops, redo, undo, unlock, m.baseline); len(steps) > 0 {
			m.pending = append(m.pending, applyBatch{lsn: lsn, steps: steps})
		}
	}
}

// transactionOpsLocked returns the operation records of a transaction in
// log order by following parent links back from last.
func (m *LogManager) transactionOpsLocked(last logrecord.Index) []logrecord.Record {
	var ops []logrecord.Record
	for i := last; i != logrecord.NoIndex; {
		rec, ok := m.arena.At(i).(logrecord.TransactionRecord)
		if !ok {
			break
		}
		ops = append(ops, rec)
		i = rec.Transaction().Parent()
	}
	for l, r := 0, len(ops)-1; l < r; l, r = l+1, r-1 {
		ops[l], ops[r] = ops[r], ops[l]
	}
	return ops
}

// submit queues req and waits for it. A request canceled before the writer
// takes it is never written; once taken it always runs to completion.
func (m *LogManager) submit(ctx context.Context, op string, req *appendRequest) error {
	req.done = make(chan error, 1)

	m.closeMu.RLock()
	if m.closed {
		m.closeMu.RUnlock()
		return &txnlog.Error{Code: txnlog.EClosed, Op: op, Err: txnlog.ErrClosed}
	}
	select {
	case m.queue <- req:
		m.closeMu.RUnlock()
	case <-ctx.Done():
		m.closeMu.RUnlock()
		return txnlog.Wrap(ctx.Err(), "", op)
	case <-m.closing:
		m.closeMu.RUnlock()
		return &txnlog.Error{Code: txnlog.EClosed, Op: op, Err: txnlog.ErrClosed}
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		if req.state.CompareAndSwap(requestPending, requestCanceled) {
			return txnlog.Wrap(ctx.Err(), "", op)
		}
		return <-req.done
	}
}

func (m *LogManager) checkOpen(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened {
		return txnlog.InvalidStatef(op, "log manager is not open")
	}
	return m.err
}

// Append writes a record that is not replicated and returns once it is
// durable.
func (m *LogManager) Append(ctx context.Context, rec logrecord.Record) error {
	const op = "replicator.Append"
	if err := m.checkOpen(op); err != nil {
		return err
	}
	if rec.Type().IsReplicated() {
		return &txnlog.Error{Code: txnlog.EInvalid, Op: op, Msg: rec.Type().String() + " records must be replicated"}
	}
	return m.submit(ctx, op, &appendRequest{rec: rec})
}

// ReplicateAndLog assigns rec the next lsn, hands it to the Replicator and
// writes it locally. It returns the lsn once the record is durable. Only a
// primary may call it; new operations are throttled while the log is too
// large to accept them.
func (m *LogManager) ReplicateAndLog(ctx context.Context, rec logrecord.Record) (txnlog.LSN, error) {
	const op = "replicator.ReplicateAndLog"
	if err := m.checkOpen(op); err != nil {
		return txnlog.InvalidLSN, err
	}
	if !rec.Type().IsReplicated() {
		return txnlog.InvalidLSN, &txnlog.Error{Code: txnlog.EInvalid, Op: op, Msg: rec.Type().String() + " records are not replicated"}
	}
	if m.Role() != txnlog.RolePrimary {
		return txnlog.InvalidLSN, &txnlog.Error{Code: txnlog.ENotPrimary, Op: op, Err: txnlog.ErrNotPrimary}
	}
	if rec.Type() != logrecord.TypeEndTransaction && m.shouldThrottle() {
		m.signalMaintenance()
		return txnlog.InvalidLSN, &txnlog.Error{Code: txnlog.ETransient, Op: op, Msg: "log is full, waiting for truncation"}
	}
	if err := m.submit(ctx, op, &appendRequest{rec: rec, replicate: true}); err != nil {
		return txnlog.InvalidLSN, err
	}
	return rec.RecordHeader().LSN, nil
}

// LogReplicated writes a record received from the primary. Its lsn must be
// the next one.
func (m *LogManager) LogReplicated(ctx context.Context, rec logrecord.Record) error {
	const op = "replicator.LogReplicated"
	if err := m.checkOpen(op); err != nil {
		return err
	}
	if m.Role() == txnlog.RolePrimary {
		return txnlog.InvalidStatef(op, "primary cannot accept replicated records")
	}
	return m.submit(ctx, op, &appendRequest{rec: rec, preset: true})
}

// Flush returns once every record queued before it is durable.
func (m *LogManager) Flush(ctx context.Context) error {
	const op = "replicator.Flush"
	if err := m.checkOpen(op); err != nil {
		return err
	}
	return m.submit(ctx, op, &appendRequest{fn: func(context.Context) error { return nil }})
}

// Barrier logs a barrier record and waits until it is stable. It returns
// the barrier's lsn.
func (m *LogManager) Barrier(ctx context.Context) (txnlog.LSN, error) {
	const op = "replicator.Barrier"
	if err := m.checkOpen(op); err != nil {
		return txnlog.InvalidLSN, err
	}
	req := &appendRequest{
		replicate: true,
		build: func() (logrecord.Record, error) {
			return logrecord.NewBarrierLogRecord(txnlog.InvalidLSN, m.stableLSN), nil
		},
	}
	if err := m.submit(ctx, op, req); err != nil {
		return txnlog.InvalidLSN, err
	}
	lsn := req.rec.RecordHeader().LSN
	return lsn, m.AwaitStable(ctx, lsn)
}

// AwaitStable waits until lsn is stable.
func (m *LogManager) AwaitStable(ctx context.Context, lsn txnlog.LSN) error {
	const op = "replicator.AwaitStable"
	m.mu.Lock()
	if m.stableLSN >= lsn {
		m.mu.Unlock()
		return nil
	}
	if m.err != nil {
		defer m.mu.Unlock()
		return m.err
	}
	ch := make(chan struct{})
	m.waiters = append(m.waiters, stableWaiter{lsn: lsn, ch: ch})
	m.mu.Unlock()

	select {
	case <-ch:
	case <-ctx.Done():
		return txnlog.Wrap(ctx.Err(), "", op)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stableLSN >= lsn {
		return nil
	}
	if m.err != nil {
		return m.err
	}
	return &txnlog.Error{Code: txnlog.EClosed, Op: op, Err: txnlog.ErrClosed}
}

// OnQuorumAck records that a quorum of replicas has persisted every record
// up to lsn.
func (m *LogManager) OnQuorumAck(lsn txnlog.LSN) {
	m.mu.Lock()
	if lsn > m.quorumLSN {
		m.quorumLSN = lsn
	}
	m.mu.Unlock()
	select {
	case m.acked <- struct{}{}:
	default:
	}
}

// Index logs an indexing record at the tail.
func (m *LogManager) Index(ctx context.Context) error {
	const op = "replicator.Index"
	if err := m.checkOpen(op); err != nil {
		return err
	}
	return m.submit(ctx, op, &appendRequest{build: func() (logrecord.Record, error) {
		return logrecord.NewIndexingLogRecord(txnlog.InvalidLSN, m.epoch), nil
	}})
}

// UpdateEpoch starts epoch at the current tail.
func (m *LogManager) UpdateEpoch(ctx context.Context, epoch txnlog.Epoch, primaryReplicaID int64) error {
	const op = "replicator.UpdateEpoch"
	if err := m.checkOpen(op); err != nil {
		return err
	}
	rec := logrecord.NewUpdateEpochLogRecord(txnlog.InvalidLSN, epoch, primaryReplicaID, m.Clock.Now())
	if err := m.submit(ctx, op, &appendRequest{rec: rec}); err != nil {
		return err
	}
	m.logger.Info("Updated epoch",
		zap.Stringer("epoch", epoch),
		zap.Int64("lsn", int64(rec.LSN)),
		zap.Int64("primary", primaryReplicaID))
	return nil
}

// Information logs a lifecycle event.
func (m *LogManager) Information(ctx context.Context, event logrecord.InformationEvent) error {
	const op = "replicator.Information"
	if err := m.checkOpen(op); err != nil {
		return err
	}
	return m.submit(ctx, op, &appendRequest{rec: logrecord.NewInformationLogRecord(txnlog.InvalidLSN, event)})
}

// ChangeRole moves the replica to role. A replica becoming primary aborts
// the transactions recovery left unfinished.
func (m *LogManager) ChangeRole(ctx context.Context, role txnlog.ReplicaRole) error {
	const op = "replicator.ChangeRole"
	if err := m.checkOpen(op); err != nil {
		return err
	}
	m.mu.Lock()
	from := m.role
	m.role = role
	var abort []int64
	if role == txnlog.RolePrimary {
		for id := range m.recovered {
			abort = append(abort, id)
		}
	}
	m.mu.Unlock()
	m.logger.Info("Changed role", zap.Stringer("from", from), zap.Stringer("to", role))

	for _, id := range abort {
		if _, err := m.ReplicateAndLog(ctx, logrecord.NewEndTransactionLogRecord(id, false)); err != nil {
			return err
		}
		m.logger.Info("Aborted recovered transaction", zap.Int64("tx", id))
	}
	return nil
}

// Role returns the current role.
func (m *LogManager) Role() txnlog.ReplicaRole {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

// Tail returns the lsn of the last written record.
func (m *LogManager) Tail() txnlog.LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tailLSN
}

// Head returns the indexing record the log starts at.
func (m *LogManager) Head() *logrecord.IndexingLogRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, _ := m.arena.At(m.head).(*logrecord.IndexingLogRecord)
	return rec
}

// StableLSN returns the highest lsn covered by a committed barrier.
func (m *LogManager) StableLSN() txnlog.LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stableLSN
}

// Epoch returns the current epoch.
func (m *LogManager) Epoch() txnlog.Epoch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// ProgressVector returns a copy of the epoch history.
func (m *LogManager) ProgressVector() *progress.Vector {
	m.mu.Lock()
	defer m.mu.Unlock()
	return progress.NewVectorFromEntries(m.pv.Entries()...)
}

// LastAtomicRedoLSN returns the lsn of the newest atomic redo operation.
func (m *LogManager) LastAtomicRedoLSN() txnlog.LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastAtomicRedoLSN
}

// CopyContext describes the log to a copy source.
func (m *LogManager) CopyContext() progress.CopyContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := progress.CopyContext{
		Vector:       progress.NewVectorFromEntries(m.pv.Entries()...),
		LogHeadEpoch: txnlog.ZeroEpoch,
		LogHeadLSN:   txnlog.ZeroLSN,
		LogTailLSN:   m.tailLSN,
	}
	if head, ok := m.arena.At(m.head).(*logrecord.IndexingLogRecord); ok {
		c.LogHeadEpoch, c.LogHeadLSN = head.CurrentEpoch, head.LSN
	}
	return c
}

// PendingTransactions returns the ids of the transactions that have begun
// but not ended.
func (m *LogManager) PendingTransactions() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.txFirst))
	for id := range m.txFirst {
		ids = append(ids, id)
	}
	return ids
}

// Err returns the error that faulted the log manager, if any.
func (m *LogManager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}
