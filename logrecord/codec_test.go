package logrecord

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	txnlog "github.com/microsoft/service-fabric-sub010"
	"github.com/microsoft/service-fabric-sub010/pkg/binaryio"
	"github.com/microsoft/service-fabric-sub010/progress"
	"github.com/stretchr/testify/require"
)

var recordOpts = cmp.Options{
	cmpopts.IgnoreUnexported(
		Header{}, PhysicalLinks{}, TransactionHeader{}, LogHead{},
		BeginCheckpointLogRecord{}, EndCheckpointLogRecord{}, TruncateHeadLogRecord{},
	),
	cmp.Comparer(func(a, b *progress.Vector) bool { return a.Equal(b) }),
}

func testRecords() []Record {
	epoch := txnlog.NewEpoch(2, 5)
	ts := time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC)
	backup := BackupInfo{
		BackupID:             uuid.MustParse("7d444840-9dc0-11d1-b245-5ffdce74fad2"),
		HighestBackedUpEpoch: epoch,
		HighestBackedUpLSN:   40,
		BackupLogRecordCount: 12,
		BackupLogSizeKB:      3,
	}
	pv := progress.NewVectorFromEntries(progress.ZeroEntry, progress.Entry{Epoch: epoch, LSN: 20, PrimaryReplicaID: 9, Timestamp: ts})
	head := LogHead{LogHeadEpoch: epoch, LogHeadLSN: 30, LogHeadPSN: 4, LogHeadRecordOffset: 512}

	begin := NewBeginTransactionOperationLogRecord(11, false, OperationData{[]byte("m")}, OperationData{[]byte("u1"), nil}, OperationData{[]byte("r1"), {}}, nil)
	begin.LSN = 41
	op := NewOperationLogRecord(11, true, nil, nil, OperationData{[]byte("redo")}, nil)
	op.LSN = 42
	end := NewEndTransactionLogRecord(11, true)
	end.LSN = 43
	bk := NewBackupLogRecord(backup)
	bk.LSN = 44

	return []Record{
		begin, op, end, bk,
		NewBarrierLogRecord(45, 44),
		NewUpdateEpochLogRecord(45, epoch, 9, ts),
		NewBeginCheckpointLogRecord(45, true, pv, NoIndex, 256, epoch, backup, 100, 200),
		NewEndCheckpointLogRecord(45, head, 44, NoIndex),
		NewCompleteCheckpointLogRecord(45, head),
		NewTruncateHeadLogRecord(45, head, true, 300),
		NewIndexingLogRecord(45, epoch),
		NewTruncateTailLogRecord(45),
		NewInformationLogRecord(45, InformationPrimarySwap),
	}
}

func TestRecord_RoundTripPhysical(t *testing.T) {
	for i, rec := range testRecords() {
		t.Run(rec.Type().String(), func(t *testing.T) {
			h := rec.RecordHeader()
			h.PSN = txnlog.PSN(i + 1)
			h.PreviousPhysicalRecordOffset = uint64(i * 8)
			if tx, ok := rec.(TransactionRecord); ok {
				tx.Transaction().ParentTransactionRecordOffset = 16
			}

			w := binaryio.NewWriter(nil)
			require.NoError(t, Write(w, rec, ModePhysical))
			require.Equal(t, uint32(w.Position()), h.ApproximateSizeOnDisk)

			got, err := ReadExpected(binaryio.NewReader(w.Bytes()), ModePhysical, rec.Type())
			require.NoError(t, err)
			if diff := cmp.Diff(rec, got, recordOpts); diff != "" {
				t.Fatalf("unexpected record -want/+got:\n%s", diff)
			}
		})
	}
}

func TestRecord_RoundTripLogical(t *testing.T) {
	for _, rec := range testRecords() {
		if !rec.Type().IsLogical() {
			continue
		}
		t.Run(rec.Type().String(), func(t *testing.T) {
			w := binaryio.NewWriter(nil)
			require.NoError(t, Write(w, rec, ModeLogical))

			got, err := Read(binaryio.NewReader(w.Bytes()), ModeLogical)
			require.NoError(t, err)
			if diff := cmp.Diff(rec, got, recordOpts); diff != "" {
				t.Fatalf("unexpected record -want/+got:\n%s", diff)
			}
		})
	}
}

// extendSections appends n unknown bytes to every section of an encoded
// record, as a newer writer adding fields would.
func extendSections(t *testing.T, b []byte, n int) []byte {
	t.Helper()
	var out []byte
	for pos := 0; pos < len(b); {
		require.GreaterOrEqual(t, len(b)-pos, binaryio.SectionHeaderSize)
		size := int(binary.LittleEndian.Uint32(b[pos:]))
		require.LessOrEqual(t, pos+size, len(b))
		out = binary.LittleEndian.AppendUint32(out, uint32(size+n))
		out = append(out, b[pos+binaryio.SectionHeaderSize:pos+size]...)
		out = append(out, bytes.Repeat([]byte{0xee}, n)...)
		pos += size
	}
	return out
}

func TestRecord_ReadSkipsUnknownFields(t *testing.T) {
	opts := append(cmp.Options{cmpopts.IgnoreFields(Header{}, "ApproximateSizeOnDisk")}, recordOpts...)
	for i, rec := range testRecords() {
		t.Run(rec.Type().String(), func(t *testing.T) {
			h := rec.RecordHeader()
			h.PSN = txnlog.PSN(i + 1)
			h.PreviousPhysicalRecordOffset = uint64(i * 8)
			if tx, ok := rec.(TransactionRecord); ok {
				tx.Transaction().ParentTransactionRecordOffset = 16
			}

			modes := []Mode{ModePhysical}
			if rec.Type().IsLogical() {
				modes = append(modes, ModeLogical)
			}
			for _, mode := range modes {
				w := binaryio.NewWriter(nil)
				require.NoError(t, Write(w, rec, mode))
				b := extendSections(t, w.Bytes(), 5)
				require.Greater(t, len(b), w.Position())

				r := binaryio.NewReader(b)
				got, err := ReadExpected(r, mode, rec.Type())
				require.NoError(t, err)
				require.Zero(t, r.Remaining())
				require.Equal(t, uint32(len(b)), got.RecordHeader().ApproximateSizeOnDisk)
				require.Equal(t, h.LSN, got.RecordHeader().LSN)
				if mode == ModeLogical {
					// Physical fields are not replicated.
					continue
				}
				if diff := cmp.Diff(rec, got, opts); diff != "" {
					t.Fatalf("unexpected record -want/+got:\n%s", diff)
				}
			}
		})
	}
}

func TestRecord_LogicalModeRejectsPhysical(t *testing.T) {
	err := Write(binaryio.NewWriter(nil), NewIndexingLogRecord(1, txnlog.ZeroEpoch), ModeLogical)
	require.Equal(t, txnlog.EInvalidState, txnlog.ErrorCode(err))
}

func TestRead_Corruption(t *testing.T) {
	w := binaryio.NewWriter(nil)
	require.NoError(t, Write(w, NewBarrierLogRecord(3, 2), ModeLogical))
	b := append([]byte(nil), w.Bytes()...)

	t.Run("unknown type", func(t *testing.T) {
		c := append([]byte(nil), b...)
		c[4] = 99
		_, err := Read(binaryio.NewReader(c), ModeLogical)
		require.Equal(t, txnlog.ECorruption, txnlog.ErrorCode(err))
	})

	t.Run("unexpected type", func(t *testing.T) {
		_, err := ReadExpected(binaryio.NewReader(b), ModeLogical, TypeUpdateEpoch)
		require.Equal(t, txnlog.ECorruption, txnlog.ErrorCode(err))
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := Read(binaryio.NewReader(b[:len(b)-3]), ModeLogical)
		require.Equal(t, txnlog.ECorruption, txnlog.ErrorCode(err))
	})
}

func TestFrame(t *testing.T) {
	w := binaryio.NewWriter(nil)
	require.NoError(t, EncodeFrame(w, NewInformationLogRecord(7, InformationRecovered)))
	first := w.Position()
	require.True(t, binaryio.IsAligned(first))
	require.NoError(t, EncodeFrame(w, NewBarrierLogRecord(8, 7)))
	b := w.Bytes()

	rec, n, err := DecodeFrame(b)
	require.NoError(t, err)
	require.Equal(t, first, n)
	require.Equal(t, TypeInformation, rec.Type())

	r := bytes.NewReader(b)
	rec, n, err = ReadFrameAt(r, uint64(first))
	require.NoError(t, err)
	require.Equal(t, len(b)-first, n)
	require.Equal(t, uint64(first), rec.RecordHeader().Position)
	require.Equal(t, txnlog.LSN(7), rec.(*BarrierLogRecord).LastStableLSN)

	_, _, err = ReadFrameAt(r, uint64(len(b)))
	require.Equal(t, io.EOF, err)

	_, _, err = ReadFrameAt(bytes.NewReader(b[:len(b)-4]), uint64(first))
	require.Equal(t, io.ErrUnexpectedEOF, err)
}

func TestDecodeFrame_Corruption(t *testing.T) {
	w := binaryio.NewWriter(nil)
	require.NoError(t, EncodeFrame(w, NewBarrierLogRecord(8, 7)))
	b := w.Bytes()

	for _, tc := range []struct {
		name   string
		mutate func(b []byte)
	}{
		{"checksum", func(b []byte) { b[len(b)-1] ^= 0xff }},
		{"body", func(b []byte) { b[FrameHeaderSize+6] ^= 0x01 }},
		{"reserved", func(b []byte) { b[4] = 1 }},
		{"length", func(b []byte) { b[0] += 8 }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := append([]byte(nil), b...)
			tc.mutate(c)
			_, _, err := DecodeFrame(c)
			require.Error(t, err)
			require.Equal(t, txnlog.ECorruption, txnlog.ErrorCode(err))
		})
	}
}

func TestIsBarrier(t *testing.T) {
	require.True(t, IsBarrier(NewOneBarrierLogRecord(), false))
	require.True(t, IsBarrier(NewZeroUpdateEpochLogRecord(), false))
	require.True(t, IsBarrier(NewInformationLogRecord(1, InformationClosed), false))
	require.False(t, IsBarrier(NewEndTransactionLogRecord(1, true), true))

	bc := NewBeginCheckpointLogRecord(1, false, nil, NoIndex, InvalidOffset, txnlog.ZeroEpoch, ZeroBackupInfo, 0, 0)
	require.False(t, IsBarrier(bc, false))
	require.True(t, IsBarrier(bc, true))
}

func TestDescribe(t *testing.T) {
	s := Describe(NewBarrierLogRecord(3, 2))
	require.Contains(t, s, "Barrier")
	require.Contains(t, s, "lastStable=2")
}
