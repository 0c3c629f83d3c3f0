// Package replicator implements the replicated log manager: it assigns
// sequence numbers, replicates and persists log records through a single
// writer, tracks transactions, drives checkpoints and log truncation,
// recovers the log on open, and builds secondaries through the copy stream.
package replicator

import (
	"context"

	txnlog "github.com/microsoft/service-fabric-sub010"
	"github.com/microsoft/service-fabric-sub010/copystream"
	"github.com/microsoft/service-fabric-sub010/logrecord"
)

// Replicator sends the replication encoding of a record to the secondaries.
// A Replicate that returns an error has sent nothing. Acknowledgements come
// back through LogManager.OnQuorumAck.
type Replicator interface {
	Replicate(ctx context.Context, lsn txnlog.LSN, data []byte) error
}

// Applier is the state provider side of the log: it applies, undoes and
// unlocks transaction records.
type Applier interface {
	Apply(ctx context.Context, rec logrecord.Record, ac txnlog.ApplyContext) error
}

// ApplierFunc adapts a function to the Applier interface.
type ApplierFunc func(ctx context.Context, rec logrecord.Record, ac txnlog.ApplyContext) error

func (fn ApplierFunc) Apply(ctx context.Context, rec logrecord.Record, ac txnlog.ApplyContext) error {
	return fn(ctx, rec, ac)
}

// Checkpointer makes the applied state durable. PrepareCheckpoint is called
// once the begin checkpoint record is stable, PerformCheckpoint writes the
// state, and CompleteCheckpoint makes it the state recovery starts from.
type Checkpointer interface {
	PrepareCheckpoint(ctx context.Context, lsn txnlog.LSN) error
	PerformCheckpoint(ctx context.Context) error
	CompleteCheckpoint(ctx context.Context) error
}

// StateSource provides the state provider metadata captured by the last
// completed checkpoint, which a full copy ships ahead of the log.
type StateSource interface {
	CopyState(ctx context.Context) ([]*copystream.SerializableMetadata, error)
}

// StateSink installs the state received by a full copy.
type StateSink interface {
	ApplyCopiedState(ctx context.Context, metadata []*copystream.SerializableMetadata) error
}
