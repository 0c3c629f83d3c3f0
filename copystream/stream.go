package copystream

import (
	"context"
	"io"

	txnlog "github.com/microsoft/service-fabric-sub010"
)

// OperationStream is a forward-only source of copy operations. Next returns
// io.EOF after the last operation. A Next that fails because ctx is done
// leaves the stream where it was, so the caller may resume with a new context.
type OperationStream interface {
	Next(ctx context.Context) ([][]byte, error)
}

// SliceStream serves a fixed list of operations.
type SliceStream struct {
	ops [][][]byte
	i   int
}

// NewSliceStream returns a stream over ops.
func NewSliceStream(ops ...[][]byte) *SliceStream {
	return &SliceStream{ops: ops}
}

func (s *SliceStream) Next(ctx context.Context) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.i >= len(s.ops) {
		return nil, io.EOF
	}
	op := s.ops[s.i]
	s.i++
	return op, nil
}

// DefaultMetadataBatchSize is the number of metadata entries per chunk.
const DefaultMetadataBatchSize = 64

// MetadataCopyStream encodes a metadata snapshot as state manager copy
// chunks, one chunk per call to Next.
type MetadataCopyStream struct {
	metadata        []*SerializableMetadata
	targetReplicaID int64
	batchSize       int

	sentVersion bool
	next        int
}

// NewMetadataCopyStream returns a stream for the given snapshot. A batch
// size of zero or less uses DefaultMetadataBatchSize.
func NewMetadataCopyStream(metadata []*SerializableMetadata, targetReplicaID int64, batchSize int) *MetadataCopyStream {
	if batchSize <= 0 {
		batchSize = DefaultMetadataBatchSize
	}
	return &MetadataCopyStream{metadata: metadata, targetReplicaID: targetReplicaID, batchSize: batchSize}
}

func (s *MetadataCopyStream) Next(ctx context.Context) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.sentVersion {
		s.sentVersion = true
		op := &StateManagerCopyOperation{Kind: CopyOperationVersion, Version: StateManagerCopyVersion, TargetReplicaID: s.targetReplicaID}
		return op.OperationData(), nil
	}
	if s.next >= len(s.metadata) {
		return nil, io.EOF
	}
	end := s.next + s.batchSize
	if end > len(s.metadata) {
		end = len(s.metadata)
	}
	op := &StateManagerCopyOperation{Kind: CopyOperationStateProviderMetadata, Metadata: s.metadata[s.next:end]}
	s.next = end
	return op.OperationData(), nil
}

// ReadMetadataCopyStream drains a state manager copy stream and returns the
// metadata it carried, in order.
func ReadMetadataCopyStream(ctx context.Context, stream OperationStream) (int64, []*SerializableMetadata, error) {
	const opName = "copystream.ReadMetadataCopyStream"
	var (
		metadata      []*SerializableMetadata
		targetReplica int64
		seenVersion   bool
	)
	for {
		data, err := stream.Next(ctx)
		if err == io.EOF {
			break
		} else if err != nil {
			return 0, nil, err
		}
		op, err := ReadStateManagerCopyOperation(data)
		if err != nil {
			return 0, nil, err
		}
		switch op.Kind {
		case CopyOperationVersion:
			if seenVersion {
				return 0, nil, txnlog.Corruptf(opName, "duplicate version chunk")
			}
			seenVersion, targetReplica = true, op.TargetReplicaID
		case CopyOperationStateProviderMetadata:
			if !seenVersion {
				return 0, nil, txnlog.Corruptf(opName, "metadata chunk before version chunk")
			}
			metadata = append(metadata, op.Metadata...)
		}
	}
	if !seenVersion {
		return 0, nil, txnlog.Corruptf(opName, "empty state manager copy stream")
	}
	return targetReplica, metadata, nil
}
