package logrecord

import (
	txnlog "github.com/microsoft/service-fabric-sub010"
	"github.com/microsoft/service-fabric-sub010/pkg/binaryio"
)

// IndexingLogRecord marks a position the log head may later be moved to.
type IndexingLogRecord struct {
	Header
	PhysicalLinks
	CurrentEpoch txnlog.Epoch
}

// NewIndexingLogRecord returns an indexing record at the tail.
func NewIndexingLogRecord(lsn txnlog.LSN, epoch txnlog.Epoch) *IndexingLogRecord {
	return &IndexingLogRecord{Header: newHeader(TypeIndexing, lsn), CurrentEpoch: epoch}
}

func (rec *IndexingLogRecord) writeFields(w *binaryio.Writer, _ Mode) {
	writeSection(w, &rec.Header, func(w *binaryio.Writer) {
		writeEpoch(w, rec.CurrentEpoch)
	})
}

func (rec *IndexingLogRecord) readFields(r *binaryio.Reader, _ Mode) error {
	return readSection(r, &rec.Header, func(r *binaryio.Reader) (err error) {
		rec.CurrentEpoch, err = readEpoch(r)
		return err
	})
}

// TruncateHeadStats reports the work done by OnTruncateHead.
type TruncateHeadStats struct {
	FreeLinkCallCount     int
	FreeLinkCallTrueCount int
}

// OnTruncateHead is called once rec becomes the new log head. It walks the
// physical chain forward from rec and frees every link that points below
// rec's PSN. The walk visits at most a.Len() records; a longer walk means the
// chain has a cycle.
func (rec *IndexingLogRecord) OnTruncateHead(a *Arena) (TruncateHeadStats, error) {
	var stats TruncateHeadStats
	var current PhysicalRecord = rec
	limit := a.Len()
	for {
		if stats.FreeLinkCallCount >= limit {
			return stats, txnlog.Corruptf("logrecord.OnTruncateHead", "physical chain from psn %d does not terminate after %d records", rec.PSN, limit)
		}
		stats.FreeLinkCallCount++
		if FreePreviousLinksLowerThanPSN(a, current, rec.PSN) {
			stats.FreeLinkCallTrueCount++
		}
		next := current.physicalLinks().next
		if next == NoIndex {
			return stats, nil
		}
		p, ok := a.At(next).(PhysicalRecord)
		if !ok {
			return stats, txnlog.Corruptf("logrecord.OnTruncateHead", "next physical link %d is not a physical record", next)
		}
		current = p
	}
}

// InformationEvent is the payload of an InformationLogRecord.
type InformationEvent uint32

const (
	InformationInvalid InformationEvent = iota
	InformationRecovered
	InformationCopyFinished
	InformationReplicationFinished
	InformationClosed
	InformationPrimarySwap
	InformationRestoredFromBackup
	InformationRemovingState
)

func (e InformationEvent) String() string {
	switch e {
	case InformationRecovered:
		return "Recovered"
	case InformationCopyFinished:
		return "CopyFinished"
	case InformationReplicationFinished:
		return "ReplicationFinished"
	case InformationClosed:
		return "Closed"
	case InformationPrimarySwap:
		return "PrimarySwap"
	case InformationRestoredFromBackup:
		return "RestoredFromBackup"
	case InformationRemovingState:
		return "RemovingState"
	}
	return "Invalid"
}

// InformationLogRecord records a lifecycle event of the replica. It is
// always treated as a barrier.
type InformationLogRecord struct {
	Header
	PhysicalLinks
	Event InformationEvent
}

// NewInformationLogRecord returns an information record at the tail.
func NewInformationLogRecord(lsn txnlog.LSN, event InformationEvent) *InformationLogRecord {
	return &InformationLogRecord{Header: newHeader(TypeInformation, lsn), Event: event}
}

// IsBarrier is always true for information records.
func (rec *InformationLogRecord) IsBarrier() bool { return true }

func (rec *InformationLogRecord) writeFields(w *binaryio.Writer, _ Mode) {
	writeSection(w, &rec.Header, func(w *binaryio.Writer) {
		w.WriteUint32(uint32(rec.Event))
	})
}

func (rec *InformationLogRecord) readFields(r *binaryio.Reader, _ Mode) error {
	return readSection(r, &rec.Header, func(r *binaryio.Reader) error {
		v, err := r.ReadUint32()
		rec.Event = InformationEvent(v)
		return err
	})
}

// TruncateTailLogRecord marks the point the tail was truncated back to.
type TruncateTailLogRecord struct {
	Header
	PhysicalLinks
}

// NewTruncateTailLogRecord returns a tail truncation marker.
func NewTruncateTailLogRecord(lsn txnlog.LSN) *TruncateTailLogRecord {
	return &TruncateTailLogRecord{Header: newHeader(TypeTruncateTail, lsn)}
}

func (rec *TruncateTailLogRecord) writeFields(*binaryio.Writer, Mode)       {}
func (rec *TruncateTailLogRecord) readFields(*binaryio.Reader, Mode) error { return nil }

// LogHead identifies the indexing record that is the log head.
type LogHead struct {
	LogHeadEpoch        txnlog.Epoch
	LogHeadLSN          txnlog.LSN
	LogHeadPSN          txnlog.PSN
	LogHeadRecordOffset uint64

	head Index
}

// NewLogHead returns a log head pointing at the indexing record at index i.
func NewLogHead(head *IndexingLogRecord, i Index) LogHead {
	return LogHead{
		LogHeadEpoch:        head.CurrentEpoch,
		LogHeadLSN:          head.LSN,
		LogHeadPSN:          head.PSN,
		LogHeadRecordOffset: InvalidOffset,
		head:                i,
	}
}

func (h *LogHead) logHead() *LogHead { return h }

// Head returns the arena index of the head indexing record.
func (h *LogHead) Head() Index { return h.head }

func (h *LogHead) write(w *binaryio.Writer) {
	writeEpoch(w, h.LogHeadEpoch)
	w.WriteInt64(int64(h.LogHeadLSN))
	w.WriteInt64(int64(h.LogHeadPSN))
	w.WriteUint64(h.LogHeadRecordOffset)
}

func (h *LogHead) read(r *binaryio.Reader) (err error) {
	if h.LogHeadEpoch, err = readEpoch(r); err != nil {
		return err
	}
	lsn, err := r.ReadInt64()
	if err != nil {
		return err
	}
	psn, err := r.ReadInt64()
	if err != nil {
		return err
	}
	h.LogHeadLSN, h.LogHeadPSN = txnlog.LSN(lsn), txnlog.PSN(psn)
	h.LogHeadRecordOffset, err = r.ReadUint64()
	return err
}

// LogHeadRecord is implemented by records that carry a LogHead.
type LogHeadRecord interface {
	PhysicalRecord
	logHead() *LogHead
}

// EndCheckpointLogRecord completes the first phase of a checkpoint.
type EndCheckpointLogRecord struct {
	Header
	PhysicalLinks
	LogHead
	LastStableLSN                            txnlog.LSN
	LastCompletedBeginCheckpointRecordOffset uint64

	lastCompletedBeginCheckpoint Index
}

// NewEndCheckpointLogRecord returns an end checkpoint record.
func NewEndCheckpointLogRecord(lsn txnlog.LSN, head LogHead, lastStable txnlog.LSN, begin Index) *EndCheckpointLogRecord {
	return &EndCheckpointLogRecord{
		Header:                                   newHeader(TypeEndCheckpoint, lsn),
		LogHead:                                  head,
		LastStableLSN:                            lastStable,
		LastCompletedBeginCheckpointRecordOffset: InvalidOffset,
		lastCompletedBeginCheckpoint:             begin,
	}
}

// LastCompletedBeginCheckpoint returns the arena index of the matching begin record.
func (rec *EndCheckpointLogRecord) LastCompletedBeginCheckpoint() Index {
	return rec.lastCompletedBeginCheckpoint
}

func (rec *EndCheckpointLogRecord) writeFields(w *binaryio.Writer, _ Mode) {
	writeSection(w, &rec.Header, rec.LogHead.write)
	writeSection(w, &rec.Header, func(w *binaryio.Writer) {
		w.WriteInt64(int64(rec.LastStableLSN))
		w.WriteUint64(rec.LastCompletedBeginCheckpointRecordOffset)
	})
}

func (rec *EndCheckpointLogRecord) readFields(r *binaryio.Reader, _ Mode) error {
	if err := readSection(r, &rec.Header, rec.LogHead.read); err != nil {
		return err
	}
	return readSection(r, &rec.Header, func(r *binaryio.Reader) error {
		v, err := r.ReadInt64()
		if err != nil {
			return err
		}
		rec.LastStableLSN = txnlog.LSN(v)
		rec.LastCompletedBeginCheckpointRecordOffset, err = r.ReadUint64()
		return err
	})
}

// CompleteCheckpointLogRecord records that a checkpoint was made durable by
// every state provider.
type CompleteCheckpointLogRecord struct {
	Header
	PhysicalLinks
	LogHead
}

// NewCompleteCheckpointLogRecord returns a complete checkpoint record.
func NewCompleteCheckpointLogRecord(lsn txnlog.LSN, head LogHead) *CompleteCheckpointLogRecord {
	return &CompleteCheckpointLogRecord{Header: newHeader(TypeCompleteCheckpoint, lsn), LogHead: head}
}

func (rec *CompleteCheckpointLogRecord) writeFields(w *binaryio.Writer, _ Mode) {
	writeSection(w, &rec.Header, rec.LogHead.write)
}

func (rec *CompleteCheckpointLogRecord) readFields(r *binaryio.Reader, _ Mode) error {
	return readSection(r, &rec.Header, rec.LogHead.read)
}

// TruncateHeadLogRecord moves the log head forward.
type TruncateHeadLogRecord struct {
	Header
	PhysicalLinks
	LogHead
	IsStable                    bool
	PeriodicTruncationTimeTicks int64

	state TruncationState
}

// NewTruncateHeadLogRecord returns a head truncation record in the Ready state.
func NewTruncateHeadLogRecord(lsn txnlog.LSN, head LogHead, stable bool, periodicTruncation int64) *TruncateHeadLogRecord {
	return &TruncateHeadLogRecord{
		Header:                      newHeader(TypeTruncateHead, lsn),
		LogHead:                     head,
		IsStable:                    stable,
		PeriodicTruncationTimeTicks: periodicTruncation,
		state:                       TruncationReady,
	}
}

// TruncationState returns the progress of the truncation.
func (rec *TruncateHeadLogRecord) TruncationState() TruncationState { return rec.state }

// SetTruncationState advances the truncation. States only move forward.
func (rec *TruncateHeadLogRecord) SetTruncationState(s TruncationState) error {
	if err := rec.state.check(s); err != nil {
		return err
	}
	rec.state = s
	return nil
}

func (rec *TruncateHeadLogRecord) writeFields(w *binaryio.Writer, _ Mode) {
	writeSection(w, &rec.Header, rec.LogHead.write)
	writeSection(w, &rec.Header, func(w *binaryio.Writer) {
		w.WriteBool(rec.IsStable)
		w.WriteInt64(rec.PeriodicTruncationTimeTicks)
	})
}

func (rec *TruncateHeadLogRecord) readFields(r *binaryio.Reader, _ Mode) error {
	if err := readSection(r, &rec.Header, rec.LogHead.read); err != nil {
		return err
	}
	return readSection(r, &rec.Header, func(r *binaryio.Reader) (err error) {
		if rec.IsStable, err = r.ReadBool(); err != nil {
			return err
		}
		rec.PeriodicTruncationTimeTicks, err = r.ReadInt64()
		return err
	})
}

// FreePreviousLinksLowerThanPSN drops the links of rec that point to records
// below psn so they can be released. It reports whether any link was freed.
func FreePreviousLinksLowerThanPSN(a *Arena, rec PhysicalRecord, psn txnlog.PSN) bool {
	freed := false
	h := rec.RecordHeader()
	if h.previousPhysical != NoIndex && a.psnOf(h.previousPhysical) < psn {
		h.previousPhysical = NoIndex
		freed = true
	}
	if lh, ok := rec.(LogHeadRecord); ok {
		head := lh.logHead()
		if head.head != NoIndex && a.psnOf(head.head) < psn {
			head.head = NoIndex
			freed = true
		}
	}
	if end, ok := rec.(*EndCheckpointLogRecord); ok {
		if end.lastCompletedBeginCheckpoint != NoIndex && a.psnOf(end.lastCompletedBeginCheckpoint) < psn {
			end.lastCompletedBeginCheckpoint = NoIndex
			freed = true
		}
	}
	return freed
}
