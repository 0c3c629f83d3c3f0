package progress_test

import (
	"testing"

	txnlog "github.com/microsoft/service-fabric-sub010"
	"github.com/microsoft/service-fabric-sub010/progress"
	"github.com/stretchr/testify/require"
)

func copyContext(tail txnlog.LSN, entries ...progress.Entry) progress.CopyContext {
	return progress.CopyContext{
		Vector:       progress.NewVectorFromEntries(entries...),
		LogHeadEpoch: txnlog.NewEpoch(1, 1),
		LogHeadLSN:   txnlog.ZeroLSN,
		LogTailLSN:   tail,
	}
}

func TestFindCopyMode(t *testing.T) {
	for _, tt := range []struct {
		name       string
		source     progress.CopyContext
		target     progress.CopyContext
		atomicRedo txnlog.LSN
		mode       progress.CopyMode
		reason     progress.FullCopyReason
		sourceLSN  txnlog.LSN
		targetLSN  txnlog.LSN
	}{
		{
			name:   "none",
			source: copyContext(15, entry(1, 1, 0), entry(1, 3, 10)),
			target: copyContext(15, entry(1, 1, 0), entry(1, 3, 10)),
			mode:   progress.CopyModeNone, sourceLSN: txnlog.InvalidLSN, targetLSN: txnlog.InvalidLSN,
		},
		{
			name:   "partial",
			source: copyContext(15, entry(1, 1, 0), entry(1, 3, 10)),
			target: copyContext(12, entry(1, 1, 0), entry(1, 3, 10)),
			mode:   progress.CopyModePartial, sourceLSN: 15, targetLSN: 12,
		},
		{
			name:   "false progress in shared epoch",
			source: copyContext(16, entry(1, 1, 0), entry(1, 3, 10), entry(1, 4, 15)),
			target: copyContext(20, entry(1, 1, 0), entry(1, 3, 10)),
			mode:   progress.CopyModeFalseProgress | progress.CopyModePartial, sourceLSN: 15, targetLSN: 20,
		},
		{
			name:   "false progress in unknown epoch",
			source: copyContext(15, entry(1, 1, 0), entry(1, 3, 10)),
			target: copyContext(12, entry(1, 1, 0), entry(1, 2, 10)),
			mode:   progress.CopyModeFalseProgress | progress.CopyModePartial, sourceLSN: 10, targetLSN: 10,
		},
		{
			name:       "atomic redo prevents undo",
			source:     copyContext(16, entry(1, 1, 0), entry(1, 3, 10), entry(1, 4, 15)),
			target:     copyContext(20, entry(1, 1, 0), entry(1, 3, 10)),
			atomicRedo: 18,
			mode:       progress.CopyModeFull, reason: progress.FullCopyReasonAtomicRedoOperationFalseProgressed,
			sourceLSN: txnlog.InvalidLSN, targetLSN: txnlog.InvalidLSN,
		},
		{
			name:   "data loss",
			source: copyContext(30, entry(1, 1, 0), entry(2, 1, 10)),
			target: copyContext(12, entry(1, 1, 0)),
			mode:   progress.CopyModeFull, reason: progress.FullCopyReasonDataLoss,
			sourceLSN: txnlog.InvalidLSN, targetLSN: txnlog.InvalidLSN,
		},
		{
			name: "insufficient logs",
			source: progress.CopyContext{
				Vector:       progress.NewVectorFromEntries(entry(1, 1, 0), entry(1, 3, 10)),
				LogHeadEpoch: txnlog.NewEpoch(1, 3),
				LogHeadLSN:   14,
				LogTailLSN:   40,
			},
			target: copyContext(12, entry(1, 1, 0), entry(1, 3, 10)),
			mode:   progress.CopyModeFull, reason: progress.FullCopyReasonInsufficientLogs,
			sourceLSN: txnlog.InvalidLSN, targetLSN: txnlog.InvalidLSN,
		},
		{
			name:   "trimmed",
			source: copyContext(40, entry(1, 5, 20), entry(1, 6, 30)),
			target: copyContext(12, entry(1, 1, 0), entry(1, 3, 10)),
			mode:   progress.CopyModeFull, reason: progress.FullCopyReasonProgressVectorTrimmed,
			sourceLSN: txnlog.InvalidLSN, targetLSN: txnlog.InvalidLSN,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			got, err := progress.FindCopyMode(tt.source, tt.target, tt.atomicRedo)
			require.NoError(t, err)
			require.Equal(t, tt.mode, got.Mode, got.Mode.String())
			require.Equal(t, tt.reason, got.FullCopyReason, got.FullCopyReason.String())
			require.Equal(t, tt.sourceLSN, got.SourceStartingLSN)
			require.Equal(t, tt.targetLSN, got.TargetStartingLSN)
		})
	}
}

func TestFindCopyMode_BrandNewReplica(t *testing.T) {
	source := copyContext(10, progress.ZeroEntry, entry(1, 1, 1))
	target := progress.CopyContext{
		Vector:       progress.NewVector(),
		LogHeadEpoch: txnlog.ZeroEpoch,
		LogTailLSN:   txnlog.OneLSN,
	}
	require.True(t, progress.IsBrandNewReplica(target))

	got, err := progress.FindCopyMode(source, target, 0)
	require.NoError(t, err)
	require.Equal(t, progress.CopyModePartial, got.Mode)
	require.Equal(t, txnlog.LSN(1), got.SourceStartingLSN)
	require.Equal(t, txnlog.LSN(1), got.TargetStartingLSN)
}

func TestFindSharedEntry_TargetAhead(t *testing.T) {
	_, err := progress.FindSharedEntry(
		progress.NewVectorFromEntries(entry(1, 1, 0)),
		progress.NewVectorFromEntries(entry(2, 1, 0)),
	)
	require.Error(t, err)
	require.Equal(t, txnlog.EInvalidState, txnlog.ErrorCode(err))
}

func TestCopyMode_String(t *testing.T) {
	require.Equal(t, "FalseProgress|Partial", (progress.CopyModeFalseProgress | progress.CopyModePartial).String())
	require.True(t, (progress.CopyModeFalseProgress | progress.CopyModePartial).Has(progress.CopyModePartial))
	require.False(t, progress.CopyModeNone.Has(progress.CopyModeFull))
}
