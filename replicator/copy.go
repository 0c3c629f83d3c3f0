package replicator

import (
	"context"
	"errors"
	"io"

	"github.com/golang/snappy"
	txnlog "github.com/microsoft/service-fabric-sub010"
	"github.com/microsoft/service-fabric-sub010/copystream"
	"github.com/microsoft/service-fabric-sub010/logrecord"
	"github.com/microsoft/service-fabric-sub010/pkg/binaryio"
	"github.com/microsoft/service-fabric-sub010/progress"
	"go.uber.org/zap"
)

// CopyStream is the primary's side of building a secondary. Every
// operation carries the stage it belongs to; the stages follow the copy
// mode chosen from both progress vectors.
type CopyStream struct {
	m         *LogManager
	result    progress.CopyModeResult
	ops       [][][]byte
	records   *RecordIterator
	startLSN  txnlog.LSN
	batchSize int
}

// NewCopyStream compares target with this replica's log and prepares the
// operations that build it. state is only consulted for a full copy and
// must return the state captured by the last completed checkpoint.
func (m *LogManager) NewCopyStream(ctx context.Context, state StateSource, targetReplicaID int64, target progress.CopyContext, targetLastAtomicRedoLSN txnlog.LSN) (*CopyStream, error) {
	const op = "replicator.NewCopyStream"
	if err := m.checkOpen(op); err != nil {
		return nil, err
	}
	if m.Role() != txnlog.RolePrimary {
		return nil, &txnlog.Error{Code: txnlog.ENotPrimary, Op: op, Err: txnlog.ErrNotPrimary}
	}
	// No checkpoint may complete while the state and its log are captured.
	m.maintMu.Lock()
	defer m.maintMu.Unlock()

	result, err := progress.FindCopyMode(m.CopyContext(), target, targetLastAtomicRedoLSN)
	if err != nil {
		return nil, txnlog.Wrap(err, "", op)
	}
	s := &CopyStream{
		m:         m,
		result:    result,
		batchSize: m.config.CopyBatchSize,
	}
	s.add(copystream.StageCopyMetadata, copystream.NewCopyHeader(copystream.StageCopyMetadata, m.ReplicaID).ToOperationData())

	switch {
	case result.Mode == progress.CopyModeNone:
		s.add(copystream.StageCopyNone, nil)
		s.add(copystream.StageCopyDone, nil)
		m.logger.Info("Target needs no copy", zap.Int64("target", targetReplicaID))
		return s, nil

	case result.Mode.Has(progress.CopyModeFull):
		if state == nil {
			return nil, txnlog.InvalidStatef(op, "full copy without a state source")
		}
		md, err := m.fullCopyMetadata()
		if err != nil {
			return nil, err
		}
		metadata, err := state.CopyState(ctx)
		if err != nil {
			return nil, txnlog.Wrap(err, "", op)
		}
		ms := copystream.NewMetadataCopyStream(metadata, targetReplicaID, m.config.CopyBatchSize)
		for {
			data, err := ms.Next(ctx)
			if err == io.EOF {
				break
			} else if err != nil {
				return nil, err
			}
			s.add(copystream.StageCopyState, data)
		}
		s.add(copystream.StageCopyProgressVector, md.OperationData())
		s.startLSN = md.StartingLSN

	default:
		s.startLSN = min(result.SourceStartingLSN, result.TargetStartingLSN)
		if result.Mode.Has(progress.CopyModeFalseProgress) {
			s.add(copystream.StageCopyFalseProgress, lsnData(s.startLSN))
		}
		s.add(copystream.StageCopyScanToStartingLSN, lsnData(s.startLSN))
	}

	if s.records, err = m.Records(s.startLSN); err != nil {
		return nil, err
	}
	m.logger.Info("Starting copy",
		zap.Int64("target", targetReplicaID),
		zap.Stringer("mode", result.Mode),
		zap.Stringer("full_copy_reason", result.FullCopyReason),
		zap.Int64("starting_lsn", int64(s.startLSN)))
	return s, nil
}

// fullCopyMetadata describes where the log of a fully copied replica starts:
// at the oldest transaction still open at the last completed checkpoint, so
// the target can abort it.
func (m *LogManager) fullCopyMetadata() (*copystream.CopyMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	begin, ok := m.arena.At(m.lastCompletedBeginCheckpoint).(*logrecord.BeginCheckpointLogRecord)
	if !ok {
		return nil, txnlog.InvalidStatef("replicator.NewCopyStream", "no completed checkpoint")
	}
	start := begin.LSN
	if rec := m.arena.At(begin.EarliestPendingTransaction()); rec != nil {
		start = rec.RecordHeader().LSN - 1
	}
	pv := progress.NewVector()
	for _, e := range m.pv.Entries() {
		if e.LSN > start {
			break
		}
		if _, found := pv.Find(e.Epoch); !found {
			if err := pv.Add(e); err != nil {
				return nil, err
			}
		}
	}
	return &copystream.CopyMetadata{
		Version:                       copystream.CopyMetadataVersion,
		ProgressVector:                pv,
		StartingEpoch:                 m.pv.FindEpoch(start),
		StartingLSN:                   start,
		CheckpointLSN:                 begin.LSN,
		UptoLSN:                       m.tailLSN,
		HighestStateProviderCopiedLSN: begin.LSN,
	}, nil
}

func (s *CopyStream) add(stage copystream.Stage, data [][]byte) {
	s.ops = append(s.ops, copystream.TagStage(data, stage))
}

func lsnData(lsn txnlog.LSN) [][]byte {
	w := binaryio.NewWriter(make([]byte, 0, 8))
	w.WriteInt64(int64(lsn))
	return [][]byte{w.Bytes()}
}

func readLSNData(data [][]byte) (txnlog.LSN, error) {
	if len(data) != 1 {
		return txnlog.InvalidLSN, txnlog.Corruptf("replicator.readLSN", "lsn operation of %d segments", len(data))
	}
	v, err := binaryio.NewReader(data[0]).ReadInt64()
	if err != nil {
		return txnlog.InvalidLSN, txnlog.Wrap(err, txnlog.ECorruption, "replicator.readLSN")
	}
	return txnlog.LSN(v), nil
}

// Result returns the copy mode decision.
func (s *CopyStream) Result() progress.CopyModeResult { return s.result }

// Next returns the next copy operation, or io.EOF after CopyDone.
func (s *CopyStream) Next(ctx context.Context) ([][]byte, error) {
	if len(s.ops) > 0 {
		op := s.ops[0]
		s.ops = s.ops[1:]
		return op, nil
	}
	if s.records == nil {
		return nil, io.EOF
	}
	data, err := s.nextBatch(ctx)
	if err != nil {
		return nil, err
	} else if data != nil {
		return data, nil
	}
	s.Close()
	return copystream.TagStage(nil, copystream.StageCopyDone), nil
}

// Close releases the log records held for the stream.
func (s *CopyStream) Close() error {
	if s.records == nil {
		return nil
	}
	err := s.records.Close()
	s.records = nil
	return err
}

// copied reports whether rec belongs in the log copy. Epoch records at the
// starting lsn are sent because the target may not have started them.
func (s *CopyStream) copied(rec logrecord.Record) bool {
	lsn := rec.RecordHeader().LSN
	switch {
	case rec.Type() == logrecord.TypeUpdateEpoch:
		return lsn >= s.startLSN
	case rec.Type().IsReplicated():
		return lsn > s.startLSN
	}
	return false
}

// nextBatch encodes up to batchSize records as one snappy compressed
// operation of length-prefixed logical records. It returns nil at the
// flushed tail.
func (s *CopyStream) nextBatch(ctx context.Context) ([][]byte, error) {
	w := binaryio.NewWriter(nil)
	n := 0
	for n < s.batchSize {
		rec, err := s.records.Next(ctx)
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
		if !s.copied(rec) {
			continue
		}
		// The cache serializes encoding with the writer's replication.
		if err := s.m.cache.WriteReplicatedData(w, rec); err != nil {
			return nil, err
		}
		if rec.RecordHeader().LSN <= s.m.StableLSN() {
			s.m.cache.Invalidate(rec)
		}
		n++
	}
	if n == 0 {
		return nil, nil
	}
	return copystream.TagStage([][]byte{snappy.Encode(nil, w.Bytes())}, copystream.StageCopyLog), nil
}

func decodeLogBatch(data [][]byte) ([]logrecord.Record, error) {
	const op = "replicator.decodeLogBatch"
	if len(data) != 1 {
		return nil, txnlog.Corruptf(op, "log batch of %d segments", len(data))
	}
	raw, err := snappy.Decode(nil, data[0])
	if err != nil {
		return nil, txnlog.Wrap(err, txnlog.ECorruption, op)
	}
	var recs []logrecord.Record
	r := binaryio.NewReader(raw)
	for r.Remaining() > 0 {
		b, err := r.ReadBytes()
		if err != nil {
			return nil, txnlog.Wrap(err, txnlog.ECorruption, op)
		}
		rec, err := logrecord.Read(binaryio.NewReader(b), logrecord.ModeLogical)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// CopyTarget builds a secondary from a copy stream.
type CopyTarget struct {
	m    *LogManager
	sink StateSink
}

// NewCopyTarget returns a target writing to m. sink receives the state of a
// full copy.
func (m *LogManager) NewCopyTarget(sink StateSink) *CopyTarget {
	return &CopyTarget{m: m, sink: sink}
}

// Apply consumes stream until CopyDone. After a full copy it checkpoints,
// so recovery never starts from the copied log alone.
func (t *CopyTarget) Apply(ctx context.Context, stream copystream.OperationStream) error {
	const op = "replicator.CopyTarget.Apply"
	m := t.m
	if err := m.checkOpen(op); err != nil {
		return err
	}
	if m.Role() == txnlog.RolePrimary {
		return txnlog.InvalidStatef(op, "primary cannot be copied to")
	}

	var (
		tracker copystream.StageTracker
		state   [][][]byte
		full    bool
		records int
	)
	for {
		data, err := stream.Next(ctx)
		if err == io.EOF {
			return txnlog.Corruptf(op, "copy stream ended in %s", tracker.Current())
		} else if err != nil {
			return txnlog.Wrap(err, "", op)
		}
		stage, payload, err := copystream.SplitStage(data)
		if err != nil {
			return err
		}
		// State chunks and log batches arrive as runs of operations in the
		// same stage.
		if repeated := stage == tracker.Current() && (stage == copystream.StageCopyState || stage == copystream.StageCopyLog); !repeated {
			if err := tracker.Advance(stage); err != nil {
				return err
			}
		}

		switch stage {
		case copystream.StageCopyMetadata:
			h, err := copystream.ReadCopyHeader(payload)
			if err != nil {
				return err
			}
			m.logger.Info("Receiving copy", zap.Int64("primary", h.PrimaryReplicaID))

		case copystream.StageCopyNone:

		case copystream.StageCopyState:
			state = append(state, payload)

		case copystream.StageCopyProgressVector:
			md, err := copystream.ReadCopyMetadata(payload)
			if err != nil {
				return err
			}
			if err := t.installState(ctx, state); err != nil {
				return err
			}
			if err := m.ResetForCopy(ctx, md); err != nil {
				return err
			}
			full = true

		case copystream.StageCopyFalseProgress:
			lsn, err := readLSNData(payload)
			if err != nil {
				return err
			}
			if err := m.TruncateTail(ctx, lsn); err != nil {
				return err
			}

		case copystream.StageCopyScanToStartingLSN:
			lsn, err := readLSNData(payload)
			if err != nil {
				return err
			}
			if tail := m.Tail(); tail != lsn {
				return txnlog.InvalidStatef(op, "copy starts after lsn %d but the log ends at %d", lsn, tail)
			}

		case copystream.StageCopyLog:
			recs, err := decodeLogBatch(payload)
			if err != nil {
				return err
			}
			n, err := t.logRecords(ctx, recs)
			if err != nil {
				return err
			}
			records += n

		case copystream.StageCopyDone:
			if err := m.Information(ctx, logrecord.InformationCopyFinished); err != nil {
				return err
			}
			if full {
				if err := m.Checkpoint(ctx); err != nil {
					return err
				}
			}
			m.logger.Info("Copy finished", zap.Bool("full", full), zap.Int("records", records), zap.Int64("tail_lsn", int64(m.Tail())))
			return nil
		}
	}
}

func (t *CopyTarget) installState(ctx context.Context, state [][][]byte) error {
	_, metadata, err := copystream.ReadMetadataCopyStream(ctx, copystream.NewSliceStream(state...))
	if err != nil {
		return err
	}
	if t.sink == nil {
		return nil
	}
	return t.sink.ApplyCopiedState(ctx, metadata)
}

// logRecords writes the copied records the log does not have yet.
func (t *CopyTarget) logRecords(ctx context.Context, recs []logrecord.Record) (int, error) {
	m := t.m
	n := 0
	for _, rec := range recs {
		lsn := rec.RecordHeader().LSN
		if u, ok := rec.(*logrecord.UpdateEpochLogRecord); ok {
			if _, found := m.ProgressVector().Find(u.Epoch); found || lsn < m.Tail() {
				continue
			}
		} else if lsn <= m.Tail() {
			continue
		}
		if err := m.LogReplicated(ctx, rec); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// ResetForCopy discards the whole log and starts a new one at the point a
// full copy describes. The state was already replaced up to the copy's
// checkpoint lsn, so records at or below it are tracked but not redone.
func (m *LogManager) ResetForCopy(ctx context.Context, md *copystream.CopyMetadata) error {
	const op = "replicator.ResetForCopy"
	if err := m.checkOpen(op); err != nil {
		return err
	}
	if md.StartingLSN > md.CheckpointLSN {
		return txnlog.InvalidStatef(op, "copy starts at lsn %d after its checkpoint at %d", md.StartingLSN, md.CheckpointLSN)
	}
	m.maintMu.Lock()
	defer m.maintMu.Unlock()
	return m.submit(ctx, op, &appendRequest{fn: func(ctx context.Context) error {
		m.mu.Lock()
		if err := m.log.TruncateTail(m.log.Head()); err != nil {
			defer m.mu.Unlock()
			return m.faultLocked(op, err)
		}
		m.invalidateIteratorsLocked(txnlog.InvalidStatef(op, "log was replaced by a full copy"))
		m.arena = logrecord.NewArena()
		m.cache.InvalidateThrough(txnlog.MaxLSN)
		clear(m.txFirst)
		clear(m.txLast)
		clear(m.recovered)
		m.pending = nil
		m.barriers = nil
		m.tailLSN = md.StartingLSN
		m.epoch = md.StartingEpoch
		m.pv = progress.NewVectorFromEntries(md.ProgressVector.Entries()...)
		m.pv.MaxEntries = m.config.ProgressVectorMaxEntries
		m.lastIndex = logrecord.NoIndex
		m.lastCompletedBeginCheckpoint = logrecord.NoIndex
		m.lastAtomicRedoLSN = txnlog.InvalidLSN
		m.fromCopy = true
		m.mu.Unlock()

		head := logrecord.NewIndexingLogRecord(txnlog.InvalidLSN, md.StartingEpoch)
		hi, err := m.writeDirect(ctx, head)
		if err != nil {
			return err
		}
		if err := m.writeCheckpoint(ctx, head, hi, true, m.pv); err != nil {
			return err
		}

		m.mu.Lock()
		m.head = hi
		m.baseline = md.CheckpointLSN
		m.mu.Unlock()
		m.logger.Info("Reset log for full copy",
			zap.Int64("starting_lsn", int64(md.StartingLSN)),
			zap.Int64("checkpoint_lsn", int64(md.CheckpointLSN)),
			zap.Stringer("epoch", md.StartingEpoch))
		return nil
	}})
}

var errCopyInterrupted = errors.New("full copy was interrupted; the replica must be built again")
