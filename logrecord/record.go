// Package logrecord defines the records of the replicated transaction log,
// their binary encoding, and the in-memory chain that links physical records
// for head truncation.
package logrecord

import (
	"math"

	txnlog "github.com/microsoft/service-fabric-sub010"
	"github.com/microsoft/service-fabric-sub010/pkg/binaryio"
)

const (
	// InvalidPosition marks a record that has not been written.
	InvalidPosition uint64 = math.MaxUint64

	// InvalidOffset marks a back-pointer that does not point anywhere.
	InvalidOffset uint64 = math.MaxUint64
)

// Record is implemented by every record kind in this package and only by them.
type Record interface {
	Type() Type
	RecordHeader() *Header

	writeFields(w *binaryio.Writer, mode Mode)
	readFields(r *binaryio.Reader, mode Mode) error
}

// PhysicalRecord is a record that takes part in the physical chain.
type PhysicalRecord interface {
	Record
	physicalLinks() *PhysicalLinks
}

// Header holds the fields every record carries.
type Header struct {
	RecordType Type
	LSN        txnlog.LSN
	PSN        txnlog.PSN

	// Position is the offset of the record's frame in the local log.
	Position uint64

	// PreviousPhysicalRecordOffset is the distance back to the previous
	// physical record. Persisted in physical mode only.
	PreviousPhysicalRecordOffset uint64

	// ApproximateSizeOnDisk is the sum of the section sizes of the last
	// encode or decode.
	ApproximateSizeOnDisk uint32

	previousPhysical Index
}

func newHeader(t Type, lsn txnlog.LSN) Header {
	return Header{
		RecordType:                   t,
		LSN:                          lsn,
		PSN:                          txnlog.InvalidPSN,
		Position:                     InvalidPosition,
		PreviousPhysicalRecordOffset: InvalidOffset,
	}
}

func (h *Header) Type() Type            { return h.RecordType }
func (h *Header) RecordHeader() *Header { return h }

// PreviousPhysical returns the arena index of the previous physical record,
// or NoIndex once the link has been freed.
func (h *Header) PreviousPhysical() Index { return h.previousPhysical }

// PhysicalLinks holds the forward link of a physical record. The backward
// link lives in Header.
type PhysicalLinks struct {
	next Index
}

func (l *PhysicalLinks) physicalLinks() *PhysicalLinks { return l }

// NextPhysical returns the arena index of the next physical record.
func (l *PhysicalLinks) NextPhysical() Index { return l.next }

// OperationData is a multi-segment buffer supplied by a state provider.
type OperationData [][]byte

// Size returns the total number of bytes across segments.
func (d OperationData) Size() int {
	var n int
	for _, b := range d {
		n += len(b)
	}
	return n
}

func writeOperationData(w *binaryio.Writer, d OperationData) {
	if d == nil {
		w.WriteInt32(-1)
		return
	}
	w.WriteInt32(int32(len(d)))
	for _, b := range d {
		w.WriteBytes(b)
	}
}

func readOperationData(r *binaryio.Reader) (OperationData, error) {
	n, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	if n == -1 {
		return nil, nil
	} else if n < 0 || int(n)*4 > r.Remaining() {
		return nil, txnlog.Corruptf("logrecord.readOperationData", "invalid segment count %d", n)
	}
	d := make(OperationData, n)
	for i := range d {
		if d[i], err = r.ReadBytes(); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func writeSection(w *binaryio.Writer, h *Header, fn func(w *binaryio.Writer)) {
	start := w.BeginSection()
	fn(w)
	h.ApproximateSizeOnDisk += w.EndSection(start)
}

func readSection(r *binaryio.Reader, h *Header, fn func(r *binaryio.Reader) error) error {
	start := r.Position()
	end, err := r.BeginSection()
	if err != nil {
		return err
	}
	if err := fn(r); err != nil {
		return err
	}
	if err := r.EndSection(end); err != nil {
		return err
	}
	h.ApproximateSizeOnDisk += uint32(end - start)
	return nil
}

func writeEpoch(w *binaryio.Writer, e txnlog.Epoch) {
	w.WriteInt64(e.DataLossNumber)
	w.WriteInt64(e.ConfigurationNumber)
}

func readEpoch(r *binaryio.Reader) (txnlog.Epoch, error) {
	dl, err := r.ReadInt64()
	if err != nil {
		return txnlog.InvalidEpoch, err
	}
	cn, err := r.ReadInt64()
	if err != nil {
		return txnlog.InvalidEpoch, err
	}
	return txnlog.NewEpoch(dl, cn), nil
}

// IsBarrier reports whether rec orders everything before it. Information
// records are always barriers; begin-checkpoint records are barriers only
// when considerCheckpoint is set.
func IsBarrier(rec Record, considerCheckpoint bool) bool {
	switch rec.Type() {
	case TypeBarrier, TypeUpdateEpoch, TypeInformation:
		return true
	case TypeBeginCheckpoint:
		return considerCheckpoint
	}
	return false
}
