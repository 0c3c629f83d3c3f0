package logrecord

import (
	"errors"
	"fmt"
	"io"

	txnlog "github.com/microsoft/service-fabric-sub010"
	"github.com/microsoft/service-fabric-sub010/pkg/binaryio"
)

const (
	// FrameHeaderSize is the size of the length and reserved words.
	FrameHeaderSize = 8

	// FrameTrailerSize is the size of the checksum.
	FrameTrailerSize = 8

	// MaxRecordSize bounds the body of a single frame.
	MaxRecordSize = 64 << 20
)

// Write encodes rec in the given mode. Physical records cannot be encoded
// for replication.
func Write(w *binaryio.Writer, rec Record, mode Mode) error {
	h := rec.RecordHeader()
	if mode == ModeLogical && !h.RecordType.IsLogical() {
		return txnlog.InvalidStatef("logrecord.Write", "%s record cannot be replicated", h.RecordType)
	}
	h.ApproximateSizeOnDisk = 0
	writeSection(w, h, func(w *binaryio.Writer) {
		w.WriteUint32(uint32(h.RecordType))
		w.WriteInt64(int64(h.LSN))
		if mode == ModePhysical {
			w.WriteInt64(int64(h.PSN))
			w.WriteUint64(h.PreviousPhysicalRecordOffset)
		}
	})
	rec.writeFields(w, mode)
	return nil
}

// Read decodes the next record.
func Read(r *binaryio.Reader, mode Mode) (Record, error) {
	return read(r, mode, TypeInvalid)
}

// ReadExpected decodes the next record and fails if it is not of type t.
func ReadExpected(r *binaryio.Reader, mode Mode, t Type) (Record, error) {
	return read(r, mode, t)
}

func read(r *binaryio.Reader, mode Mode, expected Type) (Record, error) {
	var h Header
	err := readSection(r, &h, func(r *binaryio.Reader) error {
		t, err := r.ReadUint32()
		if err != nil {
			return err
		}
		lsn, err := r.ReadInt64()
		if err != nil {
			return err
		}
		h.RecordType, h.LSN = Type(t), txnlog.LSN(lsn)
		h.PSN = txnlog.InvalidPSN
		h.PreviousPhysicalRecordOffset = InvalidOffset
		if mode == ModePhysical {
			psn, err := r.ReadInt64()
			if err != nil {
				return err
			}
			h.PSN = txnlog.PSN(psn)
			if h.PreviousPhysicalRecordOffset, err = r.ReadUint64(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, corrupt("logrecord.Read", err)
	}
	if expected != TypeInvalid && h.RecordType != expected {
		return nil, txnlog.Corruptf("logrecord.Read", "expected %s record, found %s", expected, h.RecordType)
	}

	rec, err := newRecord(h.RecordType)
	if err != nil {
		return nil, err
	}
	if mode == ModeLogical && !h.RecordType.IsLogical() {
		return nil, txnlog.Corruptf("logrecord.Read", "%s record in replication stream", h.RecordType)
	}
	h.Position = InvalidPosition
	*rec.RecordHeader() = h
	if err := rec.readFields(r, mode); err != nil {
		return nil, corrupt("logrecord.Read", err)
	}
	return rec, nil
}

func newRecord(t Type) (Record, error) {
	switch t {
	case TypeBeginTransaction:
		return &BeginTransactionOperationLogRecord{TransactionHeader: newTransactionHeader(0)}, nil
	case TypeOperation:
		return &OperationLogRecord{TransactionHeader: newTransactionHeader(0)}, nil
	case TypeEndTransaction:
		return &EndTransactionLogRecord{TransactionHeader: newTransactionHeader(0)}, nil
	case TypeBarrier:
		return &BarrierLogRecord{}, nil
	case TypeUpdateEpoch:
		return &UpdateEpochLogRecord{}, nil
	case TypeBackup:
		return &BackupLogRecord{}, nil
	case TypeBeginCheckpoint:
		return &BeginCheckpointLogRecord{}, nil
	case TypeEndCheckpoint:
		return &EndCheckpointLogRecord{}, nil
	case TypeIndexing:
		return &IndexingLogRecord{}, nil
	case TypeTruncateHead:
		// Truncations read back from the log already happened.
		return &TruncateHeadLogRecord{state: TruncationCompleted}, nil
	case TypeTruncateTail:
		return &TruncateTailLogRecord{}, nil
	case TypeInformation:
		return &InformationLogRecord{}, nil
	case TypeCompleteCheckpoint:
		return &CompleteCheckpointLogRecord{}, nil
	}
	return nil, txnlog.Corruptf("logrecord.Read", "unknown record type %d", uint32(t))
}

func corrupt(op string, err error) error {
	var e *txnlog.Error
	if errors.As(err, &e) {
		return err
	}
	return &txnlog.Error{Code: txnlog.ECorruption, Op: op, Err: err}
}

// FrameSize returns the size of a frame holding a body of n bytes.
func FrameSize(n int) int {
	return FrameHeaderSize + n + binaryio.Padding(FrameHeaderSize+n) + FrameTrailerSize
}

// EncodeFrame appends the physical frame of rec to w:
//
//	[u32 body length][u32 reserved][body][zero padding][u64 crc64]
//
// The checksum covers everything before it and the frame length is a
// multiple of 8.
func EncodeFrame(w *binaryio.Writer, rec Record) error {
	start := w.Position()
	w.WriteUint32(0)
	w.WriteUint32(0)
	if err := Write(w, rec, ModePhysical); err != nil {
		return err
	}
	n := w.Position() - start - FrameHeaderSize
	if n > MaxRecordSize {
		return txnlog.InvalidStatef("logrecord.EncodeFrame", "record of %d bytes exceeds maximum of %d", n, MaxRecordSize)
	}
	w.PutUint32At(start, uint32(n))
	if pad := binaryio.Padding(w.Position() - start); pad > 0 {
		w.WriteRaw(make([]byte, pad))
	}
	w.WriteUint64(binaryio.Checksum(w.Bytes()[start:]))
	return nil
}

// DecodeFrame decodes the frame at the start of b and returns the record and
// the frame length.
func DecodeFrame(b []byte) (Record, int, error) {
	if len(b) < FrameHeaderSize+FrameTrailerSize {
		return nil, 0, txnlog.Corruptf("logrecord.DecodeFrame", "short frame of %d bytes", len(b))
	}
	hdr := binaryio.NewReader(b[:FrameHeaderSize])
	n, _ := hdr.ReadUint32()
	reserved, _ := hdr.ReadUint32()
	if reserved != 0 {
		return nil, 0, txnlog.Corruptf("logrecord.DecodeFrame", "reserved word is %#x", reserved)
	}
	if n > MaxRecordSize {
		return nil, 0, txnlog.Corruptf("logrecord.DecodeFrame", "body length %d exceeds maximum", n)
	}
	size := FrameSize(int(n))
	if len(b) < size {
		return nil, 0, txnlog.Corruptf("logrecord.DecodeFrame", "frame of %d bytes truncated to %d", size, len(b))
	}
	sum := binaryio.Checksum(b[:size-FrameTrailerSize])
	tr := binaryio.NewReader(b[size-FrameTrailerSize : size])
	if want, _ := tr.ReadUint64(); want != sum {
		return nil, 0, txnlog.Corruptf("logrecord.DecodeFrame", "checksum mismatch: stored %#x, computed %#x", want, sum)
	}
	for _, c := range b[FrameHeaderSize+int(n) : size-FrameTrailerSize] {
		if c != 0 {
			return nil, 0, txnlog.Corruptf("logrecord.DecodeFrame", "non-zero frame padding")
		}
	}

	body := binaryio.NewReader(b[FrameHeaderSize : FrameHeaderSize+int(n)])
	rec, err := Read(body, ModePhysical)
	if err != nil {
		return nil, 0, err
	}
	if body.Remaining() != 0 {
		return nil, 0, txnlog.Corruptf("logrecord.DecodeFrame", "%d unread bytes after %s record", body.Remaining(), rec.Type())
	}
	return rec, size, nil
}

// ReadFrameAt reads and decodes the frame at pos. It returns io.EOF when pos
// is at the end of r and io.ErrUnexpectedEOF for a frame cut short, which is
// how a torn final write shows up.
func ReadFrameAt(r io.ReaderAt, pos uint64) (Record, int, error) {
	var hdr [FrameHeaderSize]byte
	if n, err := r.ReadAt(hdr[:], int64(pos)); err != nil && !(err == io.EOF && n == len(hdr)) {
		if err == io.EOF && n == 0 {
			return nil, 0, io.EOF
		} else if err == io.EOF {
			return nil, 0, io.ErrUnexpectedEOF
		}
		return nil, 0, err
	}
	br := binaryio.NewReader(hdr[:])
	n, _ := br.ReadUint32()
	if n > MaxRecordSize {
		return nil, 0, txnlog.Corruptf("logrecord.ReadFrameAt", "body length %d at position %d exceeds maximum", n, pos)
	}
	buf := make([]byte, FrameSize(int(n)))
	if n, err := r.ReadAt(buf, int64(pos)); err != nil && !(err == io.EOF && n == len(buf)) {
		if err == io.EOF {
			return nil, 0, io.ErrUnexpectedEOF
		}
		return nil, 0, err
	}
	rec, size, err := DecodeFrame(buf)
	if err != nil {
		return nil, 0, fmt.Errorf("position %d: %w", pos, err)
	}
	rec.RecordHeader().Position = pos
	return rec, size, nil
}
