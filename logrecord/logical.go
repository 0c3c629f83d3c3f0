package logrecord

import (
	"time"

	"github.com/google/uuid"
	txnlog "github.com/microsoft/service-fabric-sub010"
	"github.com/microsoft/service-fabric-sub010/pkg/binaryio"
	"github.com/microsoft/service-fabric-sub010/progress"
)

// BarrierLogRecord marks the LSN up to which the log is stable.
type BarrierLogRecord struct {
	Header
	LastStableLSN txnlog.LSN
}

// NewBarrierLogRecord returns a barrier at lsn.
func NewBarrierLogRecord(lsn, lastStable txnlog.LSN) *BarrierLogRecord {
	return &BarrierLogRecord{Header: newHeader(TypeBarrier, lsn), LastStableLSN: lastStable}
}

// NewOneBarrierLogRecord returns the barrier written when a log is created.
func NewOneBarrierLogRecord() *BarrierLogRecord {
	return NewBarrierLogRecord(txnlog.OneLSN, txnlog.ZeroLSN)
}

func (rec *BarrierLogRecord) writeFields(w *binaryio.Writer, _ Mode) {
	writeSection(w, &rec.Header, func(w *binaryio.Writer) {
		w.WriteInt64(int64(rec.LastStableLSN))
	})
}

func (rec *BarrierLogRecord) readFields(r *binaryio.Reader, _ Mode) error {
	return readSection(r, &rec.Header, func(r *binaryio.Reader) error {
		v, err := r.ReadInt64()
		rec.LastStableLSN = txnlog.LSN(v)
		return err
	})
}

// UpdateEpochLogRecord records the start of a new epoch at the current tail.
type UpdateEpochLogRecord struct {
	Header
	Epoch            txnlog.Epoch
	PrimaryReplicaID int64
	Timestamp        time.Time
}

// NewUpdateEpochLogRecord returns an epoch change at lsn.
func NewUpdateEpochLogRecord(lsn txnlog.LSN, epoch txnlog.Epoch, primaryReplicaID int64, ts time.Time) *UpdateEpochLogRecord {
	return &UpdateEpochLogRecord{
		Header:           newHeader(TypeUpdateEpoch, lsn),
		Epoch:            epoch,
		PrimaryReplicaID: primaryReplicaID,
		Timestamp:        ts.UTC(),
	}
}

// NewZeroUpdateEpochLogRecord returns the epoch record written when a log is created.
func NewZeroUpdateEpochLogRecord() *UpdateEpochLogRecord {
	return NewUpdateEpochLogRecord(txnlog.ZeroLSN, txnlog.ZeroEpoch, txnlog.UniversalReplicaID, time.Unix(0, 0))
}

// ProgressEntry returns the progress vector entry this record introduces.
func (rec *UpdateEpochLogRecord) ProgressEntry() progress.Entry {
	return progress.Entry{
		Epoch:            rec.Epoch,
		LSN:              rec.LSN,
		PrimaryReplicaID: rec.PrimaryReplicaID,
		Timestamp:        rec.Timestamp,
	}
}

func (rec *UpdateEpochLogRecord) writeFields(w *binaryio.Writer, _ Mode) {
	writeSection(w, &rec.Header, func(w *binaryio.Writer) {
		writeEpoch(w, rec.Epoch)
		w.WriteInt64(rec.PrimaryReplicaID)
		w.WriteInt64(rec.Timestamp.UnixNano())
	})
}

func (rec *UpdateEpochLogRecord) readFields(r *binaryio.Reader, _ Mode) error {
	return readSection(r, &rec.Header, func(r *binaryio.Reader) (err error) {
		if rec.Epoch, err = readEpoch(r); err != nil {
			return err
		}
		if rec.PrimaryReplicaID, err = r.ReadInt64(); err != nil {
			return err
		}
		ts, err := r.ReadInt64()
		rec.Timestamp = time.Unix(0, ts).UTC()
		return err
	})
}

// TransactionHeader is shared by the records that make up a transaction.
type TransactionHeader struct {
	TransactionID int64

	// ParentTransactionRecordOffset is the distance back to the previous
	// record of the same transaction. Persisted in physical mode only.
	ParentTransactionRecordOffset uint64

	parent Index
}

func newTransactionHeader(id int64) TransactionHeader {
	return TransactionHeader{TransactionID: id, ParentTransactionRecordOffset: InvalidOffset}
}

// Parent returns the arena index of the previous record of the transaction.
func (t *TransactionHeader) Parent() Index { return t.parent }

// SetParent links the record to the previous record of its transaction.
func (t *TransactionHeader) SetParent(i Index) { t.parent = i }

func (t *TransactionHeader) write(w *binaryio.Writer, h *Header, mode Mode) {
	writeSection(w, h, func(w *binaryio.Writer) {
		w.WriteInt64(t.TransactionID)
		if mode == ModePhysical {
			w.WriteUint64(t.ParentTransactionRecordOffset)
		}
	})
}

func (t *TransactionHeader) read(r *binaryio.Reader, h *Header, mode Mode) error {
	return readSection(r, h, func(r *binaryio.Reader) (err error) {
		if t.TransactionID, err = r.ReadInt64(); err != nil {
			return err
		}
		if mode == ModePhysical {
			t.ParentTransactionRecordOffset, err = r.ReadUint64()
		}
		return err
	})
}

// TransactionRecord is implemented by the three transaction record kinds.
type TransactionRecord interface {
	Record
	Transaction() *TransactionHeader
}

func (t *TransactionHeader) Transaction() *TransactionHeader { return t }

// BeginTransactionOperationLogRecord starts a transaction and carries its
// first operation.
type BeginTransactionOperationLogRecord struct {
	Header
	TransactionHeader
	IsSingleOperationTransaction bool
	Metadata                     OperationData
	Undo                         OperationData
	Redo                         OperationData

	// OperationContext is handed back to the state provider on unlock. Not persisted.
	OperationContext interface{}
}

// NewBeginTransactionOperationLogRecord returns a begin record for the transaction.
func NewBeginTransactionOperationLogRecord(txID int64, single bool, metadata, undo, redo OperationData, opContext interface{}) *BeginTransactionOperationLogRecord {
	return &BeginTransactionOperationLogRecord{
		Header:                       newHeader(TypeBeginTransaction, txnlog.InvalidLSN),
		TransactionHeader:            newTransactionHeader(txID),
		IsSingleOperationTransaction: single,
		Metadata:                     metadata,
		Undo:                         undo,
		Redo:                         redo,
		OperationContext:             opContext,
	}
}

func (rec *BeginTransactionOperationLogRecord) writeFields(w *binaryio.Writer, mode Mode) {
	rec.TransactionHeader.write(w, &rec.Header, mode)
	writeSection(w, &rec.Header, func(w *binaryio.Writer) {
		w.WriteBool(rec.IsSingleOperationTransaction)
		writeOperationData(w, rec.Metadata)
		writeOperationData(w, rec.Undo)
		writeOperationData(w, rec.Redo)
	})
}

func (rec *BeginTransactionOperationLogRecord) readFields(r *binaryio.Reader, mode Mode) error {
	if err := rec.TransactionHeader.read(r, &rec.Header, mode); err != nil {
		return err
	}
	return readSection(r, &rec.Header, func(r *binaryio.Reader) (err error) {
		if rec.IsSingleOperationTransaction, err = r.ReadBool(); err != nil {
			return err
		}
		if rec.Metadata, err = readOperationData(r); err != nil {
			return err
		}
		if rec.Undo, err = readOperationData(r); err != nil {
			return err
		}
		rec.Redo, err = readOperationData(r)
		return err
	})
}

// OperationLogRecord is an operation of a multi-operation transaction.
type OperationLogRecord struct {
	Header
	TransactionHeader
	IsRedoOnly bool
	Metadata   OperationData
	Undo       OperationData
	Redo       OperationData

	OperationContext interface{}
}

// NewOperationLogRecord returns an operation of the transaction.
func NewOperationLogRecord(txID int64, redoOnly bool, metadata, undo, redo OperationData, opContext interface{}) *OperationLogRecord {
	return &OperationLogRecord{
		Header:            newHeader(TypeOperation, txnlog.InvalidLSN),
		TransactionHeader: newTransactionHeader(txID),
		IsRedoOnly:        redoOnly,
		Metadata:          metadata,
		Undo:              undo,
		Redo:              redo,
		OperationContext:  opContext,
	}
}

func (rec *OperationLogRecord) writeFields(w *binaryio.Writer, mode Mode) {
	rec.TransactionHeader.write(w, &rec.Header, mode)
	writeSection(w, &rec.Header, func(w *binaryio.Writer) {
		w.WriteBool(rec.IsRedoOnly)
		writeOperationData(w, rec.Metadata)
		writeOperationData(w, rec.Undo)
		writeOperationData(w, rec.Redo)
	})
}

func (rec *OperationLogRecord) readFields(r *binaryio.Reader, mode Mode) error {
	if err := rec.TransactionHeader.read(r, &rec.Header, mode); err != nil {
		return err
	}
	return readSection(r, &rec.Header, func(r *binaryio.Reader) (err error) {
		if rec.IsRedoOnly, err = r.ReadBool(); err != nil {
			return err
		}
		if rec.Metadata, err = readOperationData(r); err != nil {
			return err
		}
		if rec.Undo, err = readOperationData(r); err != nil {
			return err
		}
		rec.Redo, err = readOperationData(r)
		return err
	})
}

// EndTransactionLogRecord commits or aborts a transaction.
type EndTransactionLogRecord struct {
	Header
	TransactionHeader
	IsCommitted bool
}

// NewEndTransactionLogRecord returns the end record of the transaction.
func NewEndTransactionLogRecord(txID int64, committed bool) *EndTransactionLogRecord {
	return &EndTransactionLogRecord{
		Header:            newHeader(TypeEndTransaction, txnlog.InvalidLSN),
		TransactionHeader: newTransactionHeader(txID),
		IsCommitted:       committed,
	}
}

func (rec *EndTransactionLogRecord) writeFields(w *binaryio.Writer, mode Mode) {
	rec.TransactionHeader.write(w, &rec.Header, mode)
	writeSection(w, &rec.Header, func(w *binaryio.Writer) {
		w.WriteBool(rec.IsCommitted)
	})
}

func (rec *EndTransactionLogRecord) readFields(r *binaryio.Reader, mode Mode) error {
	if err := rec.TransactionHeader.read(r, &rec.Header, mode); err != nil {
		return err
	}
	return readSection(r, &rec.Header, func(r *binaryio.Reader) (err error) {
		rec.IsCommitted, err = r.ReadBool()
		return err
	})
}

// BackupInfo describes the most recent backup.
type BackupInfo struct {
	BackupID             uuid.UUID
	HighestBackedUpEpoch txnlog.Epoch
	HighestBackedUpLSN   txnlog.LSN
	BackupLogRecordCount uint32
	BackupLogSizeKB      uint32
}

// ZeroBackupInfo is recorded before the first backup.
var ZeroBackupInfo = BackupInfo{
	BackupID:             uuid.Nil,
	HighestBackedUpEpoch: txnlog.ZeroEpoch,
	HighestBackedUpLSN:   txnlog.ZeroLSN,
}

func (b *BackupInfo) write(w *binaryio.Writer) {
	w.WriteRaw(b.BackupID[:])
	writeEpoch(w, b.HighestBackedUpEpoch)
	w.WriteInt64(int64(b.HighestBackedUpLSN))
	w.WriteUint32(b.BackupLogRecordCount)
	w.WriteUint32(b.BackupLogSizeKB)
}

func (b *BackupInfo) read(r *binaryio.Reader) error {
	raw, err := r.ReadRaw(len(b.BackupID))
	if err != nil {
		return err
	}
	if b.BackupID, err = uuid.FromBytes(raw); err != nil {
		return err
	}
	if b.HighestBackedUpEpoch, err = readEpoch(r); err != nil {
		return err
	}
	lsn, err := r.ReadInt64()
	if err != nil {
		return err
	}
	b.HighestBackedUpLSN = txnlog.LSN(lsn)
	if b.BackupLogRecordCount, err = r.ReadUint32(); err != nil {
		return err
	}
	b.BackupLogSizeKB, err = r.ReadUint32()
	return err
}

// BackupLogRecord records a completed backup.
type BackupLogRecord struct {
	Header
	BackupInfo
}

// NewBackupLogRecord returns a backup record.
func NewBackupLogRecord(info BackupInfo) *BackupLogRecord {
	return &BackupLogRecord{Header: newHeader(TypeBackup, txnlog.InvalidLSN), BackupInfo: info}
}

func (rec *BackupLogRecord) writeFields(w *binaryio.Writer, _ Mode) {
	writeSection(w, &rec.Header, rec.BackupInfo.write)
}

func (rec *BackupLogRecord) readFields(r *binaryio.Reader, _ Mode) error {
	return readSection(r, &rec.Header, rec.BackupInfo.read)
}

// BeginCheckpointLogRecord starts a checkpoint. It captures the progress
// vector and the earliest transaction still pending at the time.
type BeginCheckpointLogRecord struct {
	Header
	IsFirstCheckpointOnFullCopy      bool
	ProgressVector                   *progress.Vector
	EarliestPendingTransactionOffset uint64
	Epoch                            txnlog.Epoch
	Backup                           BackupInfo
	PeriodicCheckpointTimeTicks      int64
	PeriodicTruncationTimeTicks      int64

	earliestPendingTransaction Index
}

// NewBeginCheckpointLogRecord returns a begin checkpoint record at the tail lsn.
func NewBeginCheckpointLogRecord(lsn txnlog.LSN, firstOnFullCopy bool, pv *progress.Vector, earliestPending Index, earliestPendingOffset uint64, epoch txnlog.Epoch, backup BackupInfo, periodicCheckpoint, periodicTruncation int64) *BeginCheckpointLogRecord {
	return &BeginCheckpointLogRecord{
		Header:                           newHeader(TypeBeginCheckpoint, lsn),
		IsFirstCheckpointOnFullCopy:      firstOnFullCopy,
		ProgressVector:                   pv,
		EarliestPendingTransactionOffset: earliestPendingOffset,
		Epoch:                            epoch,
		Backup:                           backup,
		PeriodicCheckpointTimeTicks:      periodicCheckpoint,
		PeriodicTruncationTimeTicks:      periodicTruncation,
		earliestPendingTransaction:       earliestPending,
	}
}

// EarliestPendingTransaction returns the arena index of the oldest
// transaction that was still open when the checkpoint began.
func (rec *BeginCheckpointLogRecord) EarliestPendingTransaction() Index {
	return rec.earliestPendingTransaction
}

func (rec *BeginCheckpointLogRecord) writeFields(w *binaryio.Writer, _ Mode) {
	writeSection(w, &rec.Header, func(w *binaryio.Writer) {
		w.WriteBool(rec.IsFirstCheckpointOnFullCopy)
		pv := rec.ProgressVector
		if pv == nil {
			pv = progress.NewVector()
		}
		pv.Write(w)
		w.WriteUint64(rec.EarliestPendingTransactionOffset)
		writeEpoch(w, rec.Epoch)
		rec.Backup.write(w)
		w.WriteInt64(rec.PeriodicCheckpointTimeTicks)
		w.WriteInt64(rec.PeriodicTruncationTimeTicks)
	})
}

func (rec *BeginCheckpointLogRecord) readFields(r *binaryio.Reader, _ Mode) error {
	return readSection(r, &rec.Header, func(r *binaryio.Reader) (err error) {
		if rec.IsFirstCheckpointOnFullCopy, err = r.ReadBool(); err != nil {
			return err
		}
		if rec.ProgressVector, err = progress.Read(r); err != nil {
			return err
		}
		if rec.EarliestPendingTransactionOffset, err = r.ReadUint64(); err != nil {
			return err
		}
		if rec.Epoch, err = readEpoch(r); err != nil {
			return err
		}
		if err = rec.Backup.read(r); err != nil {
			return err
		}
		if rec.PeriodicCheckpointTimeTicks, err = r.ReadInt64(); err != nil {
			return err
		}
		rec.PeriodicTruncationTimeTicks, err = r.ReadInt64()
		return err
	})
}
