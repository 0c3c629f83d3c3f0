package txn

import (
	txnlog "github.com/microsoft/service-fabric-sub010"
	"github.com/microsoft/service-fabric-sub010/logrecord"
	"github.com/microsoft/service-fabric-sub010/pkg/binaryio"
)

const stateProviderIDSize = 8

// NamedMetadata prefixes md with a segment holding the state provider id.
func NamedMetadata(stateProviderID int64, md logrecord.OperationData) logrecord.OperationData {
	w := binaryio.NewWriter(make([]byte, 0, stateProviderIDSize))
	w.WriteInt64(stateProviderID)
	out := make(logrecord.OperationData, 0, len(md)+1)
	out = append(out, w.Bytes())
	return append(out, md...)
}

// SplitNamedMetadata is the inverse of NamedMetadata.
func SplitNamedMetadata(md logrecord.OperationData) (int64, logrecord.OperationData, error) {
	const op = "txn.SplitNamedMetadata"
	if len(md) == 0 || len(md[0]) != stateProviderIDSize {
		return 0, nil, txnlog.Corruptf(op, "metadata has no state provider id segment")
	}
	id, err := binaryio.NewReader(md[0]).ReadInt64()
	if err != nil {
		return 0, nil, txnlog.Wrap(err, txnlog.ECorruption, op)
	}
	rest := md[1:]
	if len(rest) == 0 {
		rest = nil
	}
	return id, rest, nil
}
