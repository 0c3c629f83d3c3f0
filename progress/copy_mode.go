package progress

import (
	"fmt"
	"strings"

	txnlog "github.com/microsoft/service-fabric-sub010"
)

// CopyMode is a set of flags describing how a target is built.
type CopyMode uint32

const (
	CopyModeInvalid       CopyMode = 0
	CopyModeFalseProgress CopyMode = 1
	CopyModeNone          CopyMode = 2
	CopyModePartial       CopyMode = 4
	CopyModeFull          CopyMode = 8
)

// Has reports whether all bits of flag are set.
func (m CopyMode) Has(flag CopyMode) bool { return m&flag == flag && flag != 0 }

func (m CopyMode) String() string {
	if m == CopyModeInvalid {
		return "Invalid"
	}
	var parts []string
	for _, f := range []struct {
		flag CopyMode
		name string
	}{{CopyModeFalseProgress, "FalseProgress"}, {CopyModeNone, "None"}, {CopyModePartial, "Partial"}, {CopyModeFull, "Full"}} {
		if m&f.flag != 0 {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}

// FullCopyReason explains why a full copy was chosen.
type FullCopyReason int

const (
	FullCopyReasonInvalid FullCopyReason = iota
	FullCopyReasonDataLoss
	FullCopyReasonInsufficientLogs
	FullCopyReasonAtomicRedoOperationFalseProgressed
	FullCopyReasonOther
	FullCopyReasonProgressVectorTrimmed
	FullCopyReasonValidationFailed
)

func (r FullCopyReason) String() string {
	switch r {
	case FullCopyReasonDataLoss:
		return "DataLoss"
	case FullCopyReasonInsufficientLogs:
		return "InsufficientLogs"
	case FullCopyReasonAtomicRedoOperationFalseProgressed:
		return "AtomicRedoOperationFalseProgressed"
	case FullCopyReasonOther:
		return "Other"
	case FullCopyReasonProgressVectorTrimmed:
		return "ProgressVectorTrimmed"
	case FullCopyReasonValidationFailed:
		return "ValidationFailed"
	}
	return "Invalid"
}

// CopyContext is what a replica reports about its log when copy starts.
type CopyContext struct {
	Vector       *Vector
	LogHeadEpoch txnlog.Epoch
	LogHeadLSN   txnlog.LSN
	LogTailLSN   txnlog.LSN
}

// IsBrandNewReplica reports whether c describes a replica that never received
// anything beyond the zero epoch.
func IsBrandNewReplica(c CopyContext) bool {
	return c.Vector.Len() == 1 &&
		c.Vector.At(0).Epoch.DataLossNumber == 0 &&
		c.Vector.At(0).LSN == txnlog.ZeroLSN &&
		c.LogTailLSN == txnlog.OneLSN
}

// SharedEntry is the most recent entry common to a source and target vector.
type SharedEntry struct {
	Source      Entry
	SourceIndex int
	Target      Entry
	TargetIndex int

	FullCopyReason   FullCopyReason
	ValidationFailed string
}

// CopyModeResult is the outcome of FindCopyMode.
type CopyModeResult struct {
	Mode              CopyMode
	FullCopyReason    FullCopyReason
	SourceStartingLSN txnlog.LSN
	TargetStartingLSN txnlog.LSN
	Shared            SharedEntry
}

func copyNone(shared SharedEntry) CopyModeResult {
	return CopyModeResult{
		Mode:              CopyModeNone,
		SourceStartingLSN: txnlog.InvalidLSN,
		TargetStartingLSN: txnlog.InvalidLSN,
		Shared:            shared,
	}
}

func fullCopy(shared SharedEntry, reason FullCopyReason) CopyModeResult {
	return CopyModeResult{
		Mode:              CopyModeFull,
		FullCopyReason:    reason,
		SourceStartingLSN: txnlog.InvalidLSN,
		TargetStartingLSN: txnlog.InvalidLSN,
		Shared:            shared,
	}
}

func falseProgress(lastAtomicRedoLSN txnlog.LSN, shared SharedEntry, source, target txnlog.LSN) CopyModeResult {
	// Atomic redo operations cannot be undone.
	if lastAtomicRedoLSN > source {
		return fullCopy(shared, FullCopyReasonAtomicRedoOperationFalseProgressed)
	}
	return CopyModeResult{
		Mode:              CopyModeFalseProgress | CopyModePartial,
		SourceStartingLSN: source,
		TargetStartingLSN: target,
		Shared:            shared,
	}
}

func partialCopy(shared SharedEntry, source, target txnlog.LSN) CopyModeResult {
	return CopyModeResult{
		Mode:              CopyModePartial,
		SourceStartingLSN: source,
		TargetStartingLSN: target,
		Shared:            shared,
	}
}

// FindCopyMode decides how target is built from source. lastAtomicRedoLSN is
// the highest atomic redo operation the target recovered.
func FindCopyMode(source, target CopyContext, lastAtomicRedoLSN txnlog.LSN) (CopyModeResult, error) {
	result, err := findCopyMode(source, target, lastAtomicRedoLSN)
	if err != nil {
		return CopyModeResult{}, err
	}
	if result.Mode.Has(CopyModeFalseProgress) && result.SourceStartingLSN > result.TargetStartingLSN {
		shared := result.Shared
		shared.FullCopyReason = FullCopyReasonValidationFailed
		shared.ValidationFailed = fmt.Sprintf("source starting lsn %d is greater than target starting lsn %d",
			result.SourceStartingLSN, result.TargetStartingLSN)
		return fullCopy(shared, FullCopyReasonValidationFailed), nil
	}
	return result, nil
}

func findCopyMode(source, target CopyContext, lastAtomicRedoLSN txnlog.LSN) (CopyModeResult, error) {
	shared, err := FindSharedEntry(source.Vector, target.Vector)
	if err != nil {
		return CopyModeResult{}, err
	}
	switch shared.FullCopyReason {
	case FullCopyReasonProgressVectorTrimmed:
		return fullCopy(SharedEntry{}, FullCopyReasonProgressVectorTrimmed), nil
	case FullCopyReasonValidationFailed:
		return fullCopy(shared, FullCopyReasonValidationFailed), nil
	}

	// Target came back and the primary made no progress.
	if source.Vector.Last().Equal(target.Vector.Last()) && source.LogTailLSN == target.LogTailLSN {
		return copyNone(shared), nil
	}

	if !IsBrandNewReplica(target) {
		if shared.Source.Epoch.DataLossNumber != source.Vector.Last().Epoch.DataLossNumber ||
			shared.Target.Epoch.DataLossNumber != target.Vector.Last().Epoch.DataLossNumber ||
			source.LogHeadEpoch.DataLossNumber > shared.Target.Epoch.DataLossNumber ||
			target.LogHeadEpoch.DataLossNumber > shared.Source.Epoch.DataLossNumber {
			return fullCopy(shared, FullCopyReasonDataLoss), nil
		}
	}

	sourceStart := source.LogTailLSN
	if shared.SourceIndex != source.Vector.Len()-1 {
		sourceStart = source.Vector.At(shared.SourceIndex + 1).LSN
	}
	targetStart := target.LogTailLSN
	if shared.TargetIndex != target.Vector.Len()-1 {
		targetStart = target.Vector.At(shared.TargetIndex + 1).LSN
	}

	if source.LogHeadLSN > target.LogTailLSN ||
		sourceStart < source.LogHeadLSN ||
		target.LogHeadLSN > sourceStart {
		return fullCopy(shared, FullCopyReasonInsufficientLogs), nil
	}

	// Target made more progress in a shared epoch than the source.
	if sourceStart < targetStart {
		return falseProgress(lastAtomicRedoLSN, shared, sourceStart, targetStart), nil
	}

	// Target made progress in an epoch the source never saw.
	if targetStart != target.LogTailLSN {
		return falseProgress(lastAtomicRedoLSN, shared, targetStart, targetStart), nil
	}

	// Target started an epoch at an LSN the source skipped over; the target's
	// progress up to that point may already be checkpointed.
	if source.Vector.At(shared.SourceIndex).Epoch.Less(target.Vector.Last().Epoch) {
		return fullCopy(shared, FullCopyReasonOther), nil
	}

	return partialCopy(shared, sourceStart, targetStart), nil
}

func decrementUntilLeq(index *int, v *Vector, comparand Entry) bool {
	for {
		if v.entries[*index].Compare(comparand) <= 0 {
			return true
		}
		if *index == 0 {
			return false
		}
		*index--
	}
}

func decrementUntilLSNDiffers(index *int, v *Vector, lsn txnlog.LSN) (Entry, bool) {
	for *index > 0 {
		prev := v.entries[*index-1]
		if prev.LSN != lsn {
			return prev, true
		}
		*index--
	}
	return InvalidEntry, false
}

// FindSharedEntry walks both vectors backwards to the latest entry they share.
func FindSharedEntry(source, target *Vector) (SharedEntry, error) {
	if source.Len() == 0 || target.Len() == 0 {
		return SharedEntry{}, txnlog.InvalidStatef("progress.FindSharedEntry", "empty progress vector")
	}
	si, ti := source.Len()-1, target.Len()-1
	if target.entries[ti].Epoch.DataLossNumber > source.entries[si].Epoch.DataLossNumber {
		return SharedEntry{}, txnlog.InvalidStatef("progress.FindSharedEntry",
			"target data loss number %d is greater than source %d",
			target.entries[ti].Epoch.DataLossNumber, source.entries[si].Epoch.DataLossNumber)
	}

	trimmed := SharedEntry{FullCopyReason: FullCopyReasonProgressVectorTrimmed}
	for {
		if !decrementUntilLeq(&ti, target, source.entries[si]) {
			return trimmed, nil
		}
		if !decrementUntilLeq(&si, source, target.entries[ti]) {
			return trimmed, nil
		}
		if source.entries[si].Equal(target.entries[ti]) {
			break
		}
	}

	sourceEntry, targetEntry := source.entries[si], target.entries[ti]
	failed := func(msg string) SharedEntry {
		return SharedEntry{
			Source: sourceEntry, SourceIndex: si,
			Target: targetEntry, TargetIndex: ti,
			FullCopyReason:   FullCopyReasonValidationFailed,
			ValidationFailed: msg,
		}
	}

	// Without data loss the target cannot have made valid progress twice
	// after the shared entry.
	lastTarget := target.Last()
	if lastTarget.Epoch.DataLossNumber == source.Last().Epoch.DataLossNumber &&
		ti < target.Len()-1 &&
		lastTarget.Epoch.DataLossNumber == target.entries[ti].Epoch.DataLossNumber {
		failureLSN := target.entries[ti+1].LSN
		increments := 0
		for n := ti + 2; n < target.Len(); n++ {
			e := target.entries[n]
			if e.Epoch.DataLossNumber != targetEntry.Epoch.DataLossNumber {
				break
			}
			if e.LSN != failureLSN {
				failureLSN = e.LSN
				increments++
			}
		}
		if increments > 1 {
			return failed(fmt.Sprintf("failure lsn incremented %d times", increments)), nil
		}
	}

	// Both histories must agree below the shared entry.
	i, j := si, ti
	se, te := sourceEntry, targetEntry
	for {
		se, _ = decrementUntilLSNDiffers(&i, source, se.LSN)
		if i == 0 {
			break
		}
		te, _ = decrementUntilLSNDiffers(&j, target, te.LSN)
		if j == 0 {
			break
		}
		if !se.Equal(te) {
			return failed(fmt.Sprintf("source entry %s differs from target entry %s", se, te)), nil
		}
	}

	return SharedEntry{
		Source: sourceEntry, SourceIndex: si,
		Target: targetEntry, TargetIndex: ti,
	}, nil
}
