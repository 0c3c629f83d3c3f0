package logrecord

import (
	"testing"

	txnlog "github.com/microsoft/service-fabric-sub010"
	"github.com/stretchr/testify/require"
)

// chain builds the arena
//
//	1 Indexing(psn 0)  2 Barrier(psn 1)  3 Indexing(psn 2)  4 TruncateHead(psn 3, head 1)
//	5 EndCheckpoint(psn 4, head 1)  6 Information(psn 5)  7 Indexing(psn 6)
//
// with positions 64 bytes apart.
func chain(t *testing.T) (*Arena, []Record) {
	t.Helper()
	a := NewArena()
	epoch := txnlog.NewEpoch(1, 1)

	first := NewIndexingLogRecord(0, epoch)
	var recs []Record
	add := func(rec Record) Index {
		h := rec.RecordHeader()
		h.PSN = txnlog.PSN(len(recs))
		h.Position = uint64(len(recs) * 64)
		recs = append(recs, rec)
		return a.Append(rec)
	}

	headIdx := add(first)
	add(NewBarrierLogRecord(1, 0))
	add(NewIndexingLogRecord(1, epoch))
	add(NewTruncateHeadLogRecord(1, NewLogHead(first, headIdx), true, 0))
	add(NewEndCheckpointLogRecord(1, NewLogHead(first, headIdx), 1, NoIndex))
	add(NewInformationLogRecord(1, InformationRecovered))
	add(NewIndexingLogRecord(1, epoch))
	require.Equal(t, 7, a.Len())
	return a, recs
}

func TestArena_Append(t *testing.T) {
	a, recs := chain(t)

	require.Equal(t, Index(1), a.First())
	require.Equal(t, Index(7), a.Last())
	require.Equal(t, Index(7), a.LastPhysical())

	// The barrier is skipped by the forward chain but still links back.
	require.Equal(t, Index(1), recs[1].RecordHeader().PreviousPhysical())
	require.Equal(t, uint64(64), recs[1].RecordHeader().PreviousPhysicalRecordOffset)
	require.Equal(t, Index(1), recs[2].RecordHeader().PreviousPhysical())
	require.Equal(t, uint64(128), recs[2].RecordHeader().PreviousPhysicalRecordOffset)
	require.Equal(t, Index(3), recs[0].(PhysicalRecord).physicalLinks().NextPhysical())
	require.Equal(t, NoIndex, recs[6].(PhysicalRecord).physicalLinks().NextPhysical())

	i, ok := a.AtPosition(192)
	require.True(t, ok)
	require.Equal(t, Index(4), i)
	require.Equal(t, uint64(192), a.Offset(4, 1))
	require.Equal(t, InvalidOffset, a.Offset(1, 4))

	j, ok := a.ResolveOffset(4, 128)
	require.True(t, ok)
	require.Equal(t, Index(2), j)
}

func TestIndexingLogRecord_OnTruncateHead(t *testing.T) {
	a, recs := chain(t)
	head := recs[2].(*IndexingLogRecord)

	stats, err := head.OnTruncateHead(a)
	require.NoError(t, err)
	require.Equal(t, TruncateHeadStats{FreeLinkCallCount: 5, FreeLinkCallTrueCount: 3}, stats)

	require.Equal(t, NoIndex, head.PreviousPhysical())
	require.Equal(t, NoIndex, recs[3].(*TruncateHeadLogRecord).Head())
	require.Equal(t, NoIndex, recs[4].(*EndCheckpointLogRecord).Head())
	require.Equal(t, Index(5), recs[5].RecordHeader().PreviousPhysical())

	a.Release(3)
	require.Nil(t, a.At(1))
	require.Nil(t, a.At(2))
	require.Equal(t, 5, a.Len())
	_, ok := a.AtPosition(0)
	require.False(t, ok)

	// A second pass has nothing left to free.
	stats, err = head.OnTruncateHead(a)
	require.NoError(t, err)
	require.Equal(t, TruncateHeadStats{FreeLinkCallCount: 5}, stats)
}

func TestIndexingLogRecord_OnTruncateHeadCycle(t *testing.T) {
	a, recs := chain(t)
	recs[6].(*IndexingLogRecord).next = 3

	_, err := recs[2].(*IndexingLogRecord).OnTruncateHead(a)
	require.Error(t, err)
	require.Equal(t, txnlog.ECorruption, txnlog.ErrorCode(err))
}

func TestFreePreviousLinksLowerThanPSN_Released(t *testing.T) {
	a, recs := chain(t)
	a.Release(4)

	// Links into released records read as invalid PSNs and are freed.
	require.True(t, FreePreviousLinksLowerThanPSN(a, recs[3].(PhysicalRecord), 0))
	require.Equal(t, NoIndex, recs[3].RecordHeader().PreviousPhysical())
}

func TestArena_TruncateTail(t *testing.T) {
	a, recs := chain(t)
	a.TruncateTail(6)

	require.Equal(t, 5, a.Len())
	require.Equal(t, Index(5), a.LastPhysical())
	require.Equal(t, NoIndex, recs[4].(PhysicalRecord).physicalLinks().NextPhysical())
	_, ok := a.AtPosition(320)
	require.False(t, ok)

	i := a.Append(NewTruncateTailLogRecord(1))
	require.Equal(t, Index(6), i)
	require.Equal(t, Index(6), recs[4].(PhysicalRecord).physicalLinks().NextPhysical())
}

func TestArena_Each(t *testing.T) {
	a, _ := chain(t)
	var seen []Index
	a.Each(5, func(i Index, _ Record) bool {
		seen = append(seen, i)
		return i < 6
	})
	require.Equal(t, []Index{5, 6}, seen)
}

func TestTruncationState(t *testing.T) {
	rec := NewTruncateHeadLogRecord(1, LogHead{}, false, 0)
	require.Equal(t, TruncationReady, rec.TruncationState())

	require.NoError(t, rec.SetTruncationState(TruncationApplied))
	require.Error(t, rec.SetTruncationState(TruncationReady))
	require.NoError(t, rec.SetTruncationState(TruncationCompleted))

	err := rec.SetTruncationState(TruncationFaulted)
	require.Equal(t, txnlog.EInvalidState, txnlog.ErrorCode(err))
	require.Equal(t, "Completed", rec.TruncationState().String())
}

func TestArena_FillOffsetsAndResolveLinks(t *testing.T) {
	a := NewArena()
	epoch := txnlog.NewEpoch(1, 1)
	pos := uint64(0)
	add := func(a *Arena, rec Record) Index {
		h := rec.RecordHeader()
		h.PSN = txnlog.PSN(pos / 64)
		h.Position = pos
		pos += 64
		i := a.Append(rec)
		a.FillOffsets(i)
		return i
	}

	head := NewIndexingLogRecord(0, epoch)
	hi := add(a, head)
	begin := NewBeginTransactionOperationLogRecord(7, false, nil, nil, nil, nil)
	bi := add(a, begin)
	op := NewOperationLogRecord(7, false, nil, nil, nil, nil)
	op.SetParent(bi)
	add(a, op)
	bc := NewBeginCheckpointLogRecord(1, false, nil, bi, InvalidOffset, epoch, BackupInfo{}, 0, 0)
	bci := add(a, bc)
	end := NewEndCheckpointLogRecord(1, NewLogHead(head, hi), 1, bci)
	add(a, end)

	require.Equal(t, uint64(64), op.ParentTransactionRecordOffset)
	require.Equal(t, uint64(128), bc.EarliestPendingTransactionOffset)
	require.Equal(t, uint64(256), end.LogHeadRecordOffset)
	require.Equal(t, uint64(64), end.LastCompletedBeginCheckpointRecordOffset)

	// Rebuild the same chain from copies that only carry the offsets.
	b := NewArena()
	pos = 0
	add2 := func(rec Record) Index {
		h := rec.RecordHeader()
		h.Position = pos
		pos += 64
		i := b.Append(rec)
		b.ResolveLinks(i)
		return i
	}
	add2(NewIndexingLogRecord(0, epoch))
	add2(NewBeginTransactionOperationLogRecord(7, false, nil, nil, nil, nil))
	op2 := NewOperationLogRecord(7, false, nil, nil, nil, nil)
	op2.ParentTransactionRecordOffset = 64
	add2(op2)
	bc2 := NewBeginCheckpointLogRecord(1, false, nil, NoIndex, 128, epoch, BackupInfo{}, 0, 0)
	add2(bc2)
	end2 := NewEndCheckpointLogRecord(1, LogHead{LogHeadRecordOffset: 256}, 1, NoIndex)
	end2.LastCompletedBeginCheckpointRecordOffset = 64
	add2(end2)

	require.Equal(t, Index(2), op2.Parent())
	require.Equal(t, Index(2), bc2.EarliestPendingTransaction())
	require.Equal(t, Index(1), end2.Head())
	require.Equal(t, Index(4), end2.LastCompletedBeginCheckpoint())
}
