package logrecord

import (
	"fmt"
	"strings"
)

// Describe returns a one-line human readable rendering of rec.
func Describe(rec Record) string {
	h := rec.RecordHeader()
	var b strings.Builder
	fmt.Fprintf(&b, "%-18s lsn=%d psn=%d", h.RecordType, h.LSN, h.PSN)
	if h.Position != InvalidPosition {
		fmt.Fprintf(&b, " pos=%d", h.Position)
	}

	switch rec := rec.(type) {
	case *BeginTransactionOperationLogRecord:
		fmt.Fprintf(&b, " tx=%d single=%t redo=%dB undo=%dB", rec.TransactionID, rec.IsSingleOperationTransaction, rec.Redo.Size(), rec.Undo.Size())
	case *OperationLogRecord:
		fmt.Fprintf(&b, " tx=%d redoOnly=%t redo=%dB undo=%dB", rec.TransactionID, rec.IsRedoOnly, rec.Redo.Size(), rec.Undo.Size())
	case *EndTransactionLogRecord:
		fmt.Fprintf(&b, " tx=%d committed=%t", rec.TransactionID, rec.IsCommitted)
	case *BarrierLogRecord:
		fmt.Fprintf(&b, " lastStable=%d", rec.LastStableLSN)
	case *UpdateEpochLogRecord:
		fmt.Fprintf(&b, " epoch=%s primary=%d", rec.Epoch, rec.PrimaryReplicaID)
	case *BackupLogRecord:
		fmt.Fprintf(&b, " backup=%s highest=%s/%d", rec.BackupID, rec.HighestBackedUpEpoch, rec.HighestBackedUpLSN)
	case *BeginCheckpointLogRecord:
		n := 0
		if rec.ProgressVector != nil {
			n = rec.ProgressVector.Len()
		}
		fmt.Fprintf(&b, " epoch=%s progress=%d entries", rec.Epoch, n)
	case *EndCheckpointLogRecord:
		fmt.Fprintf(&b, " head=%d lastStable=%d", rec.LogHeadLSN, rec.LastStableLSN)
	case *CompleteCheckpointLogRecord:
		fmt.Fprintf(&b, " head=%d", rec.LogHeadLSN)
	case *TruncateHeadLogRecord:
		fmt.Fprintf(&b, " head=%d stable=%t", rec.LogHeadLSN, rec.IsStable)
	case *IndexingLogRecord:
		fmt.Fprintf(&b, " epoch=%s", rec.CurrentEpoch)
	case *InformationLogRecord:
		fmt.Fprintf(&b, " event=%s", rec.Event)
	}
	return b.String()
}
