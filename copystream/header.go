// Package copystream defines the metadata exchanged when a primary builds a
// secondary: the copy header, the ordered copy stages, the state manager's
// metadata chunks, and the pull streams that carry them.
package copystream

import (
	txnlog "github.com/microsoft/service-fabric-sub010"
	"github.com/microsoft/service-fabric-sub010/pkg/binaryio"
)

const (
	// CopyHeaderVersion is the version written by this package.
	CopyHeaderVersion int32 = 1

	// CopyHeaderSize is the size of a version 1 header.
	CopyHeaderSize = 16
)

// CopyHeader opens a copy stream and announces the first stage.
type CopyHeader struct {
	Version          int32
	Stage            Stage
	PrimaryReplicaID int64
}

// NewCopyHeader returns a current-version header.
func NewCopyHeader(stage Stage, primaryReplicaID int64) CopyHeader {
	return CopyHeader{Version: CopyHeaderVersion, Stage: stage, PrimaryReplicaID: primaryReplicaID}
}

// ToOperationData encodes the header as a single-segment operation.
func (h CopyHeader) ToOperationData() [][]byte {
	w := binaryio.NewWriter(make([]byte, 0, CopyHeaderSize))
	w.WriteInt32(h.Version)
	w.WriteInt32(int32(h.Stage))
	w.WriteInt64(h.PrimaryReplicaID)
	return [][]byte{w.Bytes()}
}

// ReadCopyHeader decodes a header from the first segment of data. A version
// 1 header must fill the segment exactly; later versions may append fields
// that are ignored here.
func ReadCopyHeader(data [][]byte) (CopyHeader, error) {
	const op = "copystream.ReadCopyHeader"
	if len(data) == 0 {
		return CopyHeader{}, txnlog.Corruptf(op, "copy header operation has no segments")
	}
	b := data[0]
	r := binaryio.NewReader(b)

	var h CopyHeader
	var err error
	if h.Version, err = r.ReadInt32(); err != nil {
		return CopyHeader{}, txnlog.Wrap(err, txnlog.ECorruption, op)
	}
	stage, err := r.ReadInt32()
	if err != nil {
		return CopyHeader{}, txnlog.Wrap(err, txnlog.ECorruption, op)
	}
	h.Stage = Stage(stage)
	if h.PrimaryReplicaID, err = r.ReadInt64(); err != nil {
		return CopyHeader{}, txnlog.Wrap(err, txnlog.ECorruption, op)
	}

	switch {
	case h.Version < 1:
		return CopyHeader{}, txnlog.Corruptf(op, "unsupported copy header version %d", h.Version)
	case h.Version == 1 && len(b) != CopyHeaderSize:
		return CopyHeader{}, txnlog.Corruptf(op, "version 1 copy header of %d bytes, want %d", len(b), CopyHeaderSize)
	case !h.Stage.Valid():
		return CopyHeader{}, txnlog.Corruptf(op, "invalid copy stage %d", stage)
	}
	return h, nil
}
