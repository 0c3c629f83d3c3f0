package progress_test

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	txnlog "github.com/microsoft/service-fabric-sub010"
	"github.com/microsoft/service-fabric-sub010/pkg/binaryio"
	"github.com/microsoft/service-fabric-sub010/progress"
	"github.com/stretchr/testify/require"
)

func entry(dataLoss, config int64, lsn txnlog.LSN) progress.Entry {
	return progress.Entry{
		Epoch:            txnlog.NewEpoch(dataLoss, config),
		LSN:              lsn,
		PrimaryReplicaID: 7,
		Timestamp:        time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestVector_Add(t *testing.T) {
	v := progress.NewVector()
	require.NoError(t, v.Add(entry(1, 1, 1)))
	require.NoError(t, v.Add(entry(1, 2, 1)))
	require.Error(t, v.Add(entry(1, 2, 5)), "epoch must increase")
	require.Error(t, v.Add(entry(1, 3, 0)), "lsn must not decrease")
	require.Equal(t, 3, v.Len())
	require.Equal(t, 4+3*progress.EntrySize, v.ByteCount())
}

func TestVector_Insert(t *testing.T) {
	v := progress.NewVectorFromEntries(entry(1, 1, 0), entry(1, 3, 10))

	ok, err := v.Insert(entry(1, 2, 10))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, txnlog.NewEpoch(1, 2), v.At(1).Epoch)

	ok, err = v.Insert(entry(1, 3, 10))
	require.NoError(t, err)
	require.False(t, ok)

	_, err = v.Insert(entry(1, 3, 11))
	require.Error(t, err)
}

func TestVector_FindEpoch(t *testing.T) {
	v := progress.NewVectorFromEntries(progress.ZeroEntry, entry(1, 1, 0), entry(1, 3, 10))
	require.Equal(t, txnlog.InvalidEpoch, v.FindEpoch(0))
	require.Equal(t, txnlog.NewEpoch(1, 1), v.FindEpoch(5))
	require.Equal(t, txnlog.NewEpoch(1, 1), v.FindEpoch(10))
	require.Equal(t, txnlog.NewEpoch(1, 3), v.FindEpoch(11))

	e, ok := v.Find(txnlog.NewEpoch(1, 3))
	require.True(t, ok)
	require.Equal(t, txnlog.LSN(10), e.LSN)
	_, ok = v.Find(txnlog.NewEpoch(9, 9))
	require.False(t, ok)
}

func TestVector_Truncate(t *testing.T) {
	v := progress.NewVectorFromEntries(progress.ZeroEntry, entry(1, 1, 0), entry(1, 3, 10), entry(2, 1, 20))

	v.TruncateHead(entry(1, 3, 12))
	require.Equal(t, 2, v.Len())
	require.Equal(t, txnlog.LSN(12), v.At(0).LSN)

	require.Error(t, v.TruncateTail(entry(1, 3, 12)))
	require.NoError(t, v.TruncateTail(entry(2, 1, 20)))
	require.Equal(t, 1, v.Len())
}

func TestVector_Trim(t *testing.T) {
	v := progress.NewVectorFromEntries(progress.ZeroEntry, entry(1, 1, 0), entry(1, 2, 5), entry(1, 3, 10))
	v.MaxEntries = 2
	v.Trim(txnlog.NewEpoch(1, 1), txnlog.NewEpoch(1, 2))
	require.Equal(t, 2, v.Len())
	require.Equal(t, txnlog.NewEpoch(1, 2), v.At(0).Epoch)

	v.MaxEntries = 0
	v.Trim(txnlog.NewEpoch(1, 3), txnlog.NewEpoch(1, 3))
	require.Equal(t, 2, v.Len())
}

func TestVector_ReadWrite(t *testing.T) {
	v := progress.NewVectorFromEntries(progress.ZeroEntry, entry(1, 1, 0), entry(3, 2, 99))
	w := binaryio.NewWriter(nil)
	v.Write(w)
	require.Equal(t, v.ByteCount(), w.Position())

	got, err := progress.Read(binaryio.NewReader(w.Bytes()))
	require.NoError(t, err)
	require.True(t, v.Equal(got))
	if diff := cmp.Diff(v.Entries(), got.Entries()); diff != "" {
		t.Fatalf("unexpected entries: -want/+got\n%s", diff)
	}

	_, err = progress.Read(binaryio.NewReader(w.Bytes()[:20]))
	require.Error(t, err)
}
