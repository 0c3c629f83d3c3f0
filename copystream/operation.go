package copystream

import (
	"fmt"

	txnlog "github.com/microsoft/service-fabric-sub010"
	"github.com/microsoft/service-fabric-sub010/pkg/binaryio"
)

// CopyOperationKind tags a chunk of the state manager's copy stream.
type CopyOperationKind uint8

const (
	CopyOperationVersion CopyOperationKind = iota
	CopyOperationStateProviderMetadata
)

func (k CopyOperationKind) String() string {
	switch k {
	case CopyOperationVersion:
		return "Version"
	case CopyOperationStateProviderMetadata:
		return "StateProviderMetadata"
	}
	return fmt.Sprintf("CopyOperationKind(%d)", uint8(k))
}

// StateManagerCopyVersion is the version announced by the first chunk.
const StateManagerCopyVersion int32 = 1

// StateManagerCopyOperation is one chunk of the state manager's copy
// stream. A Version chunk opens the stream; every following chunk carries a
// batch of metadata.
type StateManagerCopyOperation struct {
	Kind CopyOperationKind

	// Version and TargetReplicaID are set on Version chunks.
	Version         int32
	TargetReplicaID int64

	// Metadata is set on StateProviderMetadata chunks.
	Metadata []*SerializableMetadata
}

// OperationData encodes the chunk as two segments: the one-byte kind and a
// section-framed payload.
func (op *StateManagerCopyOperation) OperationData() [][]byte {
	w := binaryio.NewWriter(nil)
	start := w.BeginSection()
	switch op.Kind {
	case CopyOperationVersion:
		w.WriteInt32(op.Version)
		w.WriteInt64(op.TargetReplicaID)
	case CopyOperationStateProviderMetadata:
		w.WriteInt32(int32(len(op.Metadata)))
		for _, m := range op.Metadata {
			m.write(w)
		}
	}
	w.EndSection(start)
	return [][]byte{{byte(op.Kind)}, w.Bytes()}
}

// ReadStateManagerCopyOperation decodes a chunk written by OperationData.
func ReadStateManagerCopyOperation(data [][]byte) (*StateManagerCopyOperation, error) {
	const opName = "copystream.ReadStateManagerCopyOperation"
	if len(data) != 2 || len(data[0]) != 1 {
		return nil, txnlog.Corruptf(opName, "malformed copy operation of %d segments", len(data))
	}
	op := &StateManagerCopyOperation{Kind: CopyOperationKind(data[0][0])}
	r := binaryio.NewReader(data[1])
	end, err := r.BeginSection()
	if err != nil {
		return nil, txnlog.Wrap(err, txnlog.ECorruption, opName)
	}

	switch op.Kind {
	case CopyOperationVersion:
		if op.Version, err = r.ReadInt32(); err != nil {
			return nil, txnlog.Wrap(err, txnlog.ECorruption, opName)
		}
		if op.TargetReplicaID, err = r.ReadInt64(); err != nil {
			return nil, txnlog.Wrap(err, txnlog.ECorruption, opName)
		}
		if op.Version != StateManagerCopyVersion {
			return nil, txnlog.Corruptf(opName, "unsupported state manager copy version %d", op.Version)
		}
	case CopyOperationStateProviderMetadata:
		n, err := r.ReadInt32()
		if err != nil {
			return nil, txnlog.Wrap(err, txnlog.ECorruption, opName)
		} else if n < 0 || int(n)*binaryio.SectionHeaderSize > r.Remaining() {
			return nil, txnlog.Corruptf(opName, "invalid metadata count %d", n)
		}
		op.Metadata = make([]*SerializableMetadata, 0, n)
		for i := int32(0); i < n; i++ {
			m, err := readSerializableMetadata(r)
			if err != nil {
				return nil, txnlog.Wrap(err, txnlog.ECorruption, opName)
			}
			op.Metadata = append(op.Metadata, m)
		}
	default:
		return nil, txnlog.Corruptf(opName, "unknown copy operation kind %d", uint8(op.Kind))
	}

	if err := r.EndSection(end); err != nil {
		return nil, txnlog.Wrap(err, txnlog.ECorruption, opName)
	}
	return op, nil
}
