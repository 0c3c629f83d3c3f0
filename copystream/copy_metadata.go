package copystream

import (
	txnlog "github.com/microsoft/service-fabric-sub010"
	"github.com/microsoft/service-fabric-sub010/pkg/binaryio"
	"github.com/microsoft/service-fabric-sub010/progress"
)

// CopyMetadataVersion is the version written by CopyMetadata.OperationData.
const CopyMetadataVersion int32 = 1

// CopyMetadata follows the state of a full copy and tells the secondary
// where its new log starts.
type CopyMetadata struct {
	Version                       int32
	ProgressVector                *progress.Vector
	StartingEpoch                 txnlog.Epoch
	StartingLSN                   txnlog.LSN
	CheckpointLSN                 txnlog.LSN
	UptoLSN                       txnlog.LSN
	HighestStateProviderCopiedLSN txnlog.LSN
}

// OperationData encodes the metadata as a single section.
func (m *CopyMetadata) OperationData() [][]byte {
	w := binaryio.NewWriter(nil)
	start := w.BeginSection()
	w.WriteInt32(m.Version)
	pv := m.ProgressVector
	if pv == nil {
		pv = progress.NewVector()
	}
	pv.Write(w)
	w.WriteInt64(m.StartingEpoch.DataLossNumber)
	w.WriteInt64(m.StartingEpoch.ConfigurationNumber)
	w.WriteInt64(int64(m.StartingLSN))
	w.WriteInt64(int64(m.CheckpointLSN))
	w.WriteInt64(int64(m.UptoLSN))
	w.WriteInt64(int64(m.HighestStateProviderCopiedLSN))
	w.EndSection(start)
	return [][]byte{w.Bytes()}
}

// ReadCopyMetadata decodes metadata written by OperationData.
func ReadCopyMetadata(data [][]byte) (*CopyMetadata, error) {
	const op = "copystream.ReadCopyMetadata"
	if len(data) != 1 {
		return nil, txnlog.Corruptf(op, "copy metadata of %d segments", len(data))
	}
	m, err := readCopyMetadata(binaryio.NewReader(data[0]))
	if err != nil {
		return nil, txnlog.Wrap(err, txnlog.ECorruption, op)
	}
	if m.Version < 1 {
		return nil, txnlog.Corruptf(op, "unsupported copy metadata version %d", m.Version)
	}
	return m, nil
}

func readCopyMetadata(r *binaryio.Reader) (*CopyMetadata, error) {
	end, err := r.BeginSection()
	if err != nil {
		return nil, err
	}
	m := &CopyMetadata{}
	if m.Version, err = r.ReadInt32(); err != nil {
		return nil, err
	}
	if m.ProgressVector, err = progress.Read(r); err != nil {
		return nil, err
	}
	var v [6]int64
	for i := range v {
		if v[i], err = r.ReadInt64(); err != nil {
			return nil, err
		}
	}
	m.StartingEpoch = txnlog.NewEpoch(v[0], v[1])
	m.StartingLSN = txnlog.LSN(v[2])
	m.CheckpointLSN = txnlog.LSN(v[3])
	m.UptoLSN = txnlog.LSN(v[4])
	m.HighestStateProviderCopiedLSN = txnlog.LSN(v[5])
	return m, r.EndSection(end)
}
