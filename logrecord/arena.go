package logrecord

import txnlog "github.com/microsoft/service-fabric-sub010"

// Index addresses a record in an Arena. Indexes are never reused.
type Index int64

// NoIndex is the zero Index and never addresses a record.
const NoIndex Index = 0

// Arena owns the in-memory records of a log and the links between them.
// Records refer to each other by Index, so releasing a prefix of the arena
// never leaves a dangling reference: a released index reads back as nil.
//
// Arena is not safe for concurrent use.
type Arena struct {
	start        Index
	records      []Record
	lastPhysical Index
	byPosition   map[uint64]Index
}

// NewArena returns an empty arena.
func NewArena() *Arena {
	return &Arena{start: 1, byPosition: make(map[uint64]Index)}
}

// Len returns the number of records that have not been released.
func (a *Arena) Len() int { return len(a.records) }

// First returns the index of the oldest retained record.
func (a *Arena) First() Index { return a.start }

// Last returns the index of the newest record, or NoIndex.
func (a *Arena) Last() Index {
	if len(a.records) == 0 {
		return NoIndex
	}
	return a.start + Index(len(a.records)) - 1
}

// LastPhysical returns the index of the newest physical record, or NoIndex.
func (a *Arena) LastPhysical() Index { return a.lastPhysical }

// At returns the record at i, or nil if i was released or never assigned.
func (a *Arena) At(i Index) Record {
	if i < a.start || i >= a.start+Index(len(a.records)) {
		return nil
	}
	return a.records[i-a.start]
}

// AtPosition returns the index of the record written at pos.
func (a *Arena) AtPosition(pos uint64) (Index, bool) {
	i, ok := a.byPosition[pos]
	return i, ok
}

func (a *Arena) psnOf(i Index) txnlog.PSN {
	rec := a.At(i)
	if rec == nil {
		return txnlog.InvalidPSN
	}
	return rec.RecordHeader().PSN
}

// Append adds rec and links it behind the previous physical record. When
// both records have positions, the persisted back offsets are filled in.
// A physical record also becomes the forward link of its predecessor.
func (a *Arena) Append(rec Record) Index {
	i := a.start + Index(len(a.records))
	a.records = append(a.records, rec)

	h := rec.RecordHeader()
	if h.Position != InvalidPosition {
		a.byPosition[h.Position] = i
	}
	if prev := a.At(a.lastPhysical); prev != nil {
		h.previousPhysical = a.lastPhysical
		if pp := prev.RecordHeader().Position; pp != InvalidPosition && h.Position != InvalidPosition && h.Position >= pp {
			h.PreviousPhysicalRecordOffset = h.Position - pp
		}
	}

	if p, ok := rec.(PhysicalRecord); ok {
		if prev, ok := a.At(a.lastPhysical).(PhysicalRecord); ok {
			prev.physicalLinks().next = i
		}
		p.physicalLinks().next = NoIndex
		a.lastPhysical = i
	}
	return i
}

// Offset returns the distance from the record at from back to the record at
// to, or InvalidOffset if either is missing or unpositioned.
func (a *Arena) Offset(from, to Index) uint64 {
	f, t := a.At(from), a.At(to)
	if f == nil || t == nil {
		return InvalidOffset
	}
	fp, tp := f.RecordHeader().Position, t.RecordHeader().Position
	if fp == InvalidPosition || tp == InvalidPosition || tp > fp {
		return InvalidOffset
	}
	return fp - tp
}

// ResolveOffset returns the index of the record offset bytes before the
// record at from.
func (a *Arena) ResolveOffset(from Index, offset uint64) (Index, bool) {
	rec := a.At(from)
	if rec == nil || offset == InvalidOffset {
		return NoIndex, false
	}
	pos := rec.RecordHeader().Position
	if pos == InvalidPosition || offset > pos {
		return NoIndex, false
	}
	return a.AtPosition(pos - offset)
}

// Release drops every record before i. Released records are unreachable
// through the arena.
func (a *Arena) Release(i Index) {
	if i <= a.start {
		return
	}
	last := a.start + Index(len(a.records))
	if i > last {
		i = last
	}
	for j := a.start; j < i; j++ {
		if rec := a.records[j-a.start]; rec != nil {
			delete(a.byPosition, rec.RecordHeader().Position)
		}
	}
	n := int(i - a.start)
	clear(a.records[:n])
	a.records = a.records[n:]
	a.start = i
	if a.lastPhysical < a.start {
		a.lastPhysical = NoIndex
	}
}

// TruncateTail drops i and every record after it, and relinks the newest
// remaining physical record as the end of the chain.
func (a *Arena) TruncateTail(i Index) {
	if i < a.start {
		i = a.start
	}
	last := a.start + Index(len(a.records))
	if i >= last {
		return
	}
	for j := i; j < last; j++ {
		if rec := a.records[j-a.start]; rec != nil {
			delete(a.byPosition, rec.RecordHeader().Position)
		}
	}
	n := int(i - a.start)
	clear(a.records[n:])
	a.records = a.records[:n]

	a.lastPhysical = NoIndex
	for j := len(a.records) - 1; j >= 0; j-- {
		if p, ok := a.records[j].(PhysicalRecord); ok {
			p.physicalLinks().next = NoIndex
			a.lastPhysical = a.start + Index(j)
			break
		}
	}
}

// Each calls fn for every retained record from index from, stopping early
// if fn returns false.
func (a *Arena) Each(from Index, fn func(Index, Record) bool) {
	if from < a.start {
		from = a.start
	}
	for j := int(from - a.start); j < len(a.records); j++ {
		if !fn(a.start+Index(j), a.records[j]) {
			return
		}
	}
}

// FillOffsets writes the persisted back offsets of the record at i from its
// in-memory links. It must be called after the record is positioned and
// appended, and before it is encoded.
func (a *Arena) FillOffsets(i Index) {
	rec := a.At(i)
	if rec == nil {
		return
	}
	if tx, ok := rec.(TransactionRecord); ok {
		t := tx.Transaction()
		if t.parent != NoIndex {
			t.ParentTransactionRecordOffset = a.Offset(i, t.parent)
		}
	}
	if lh, ok := rec.(LogHeadRecord); ok {
		head := lh.logHead()
		head.LogHeadRecordOffset = a.Offset(i, head.head)
	}
	switch rec := rec.(type) {
	case *EndCheckpointLogRecord:
		rec.LastCompletedBeginCheckpointRecordOffset = a.Offset(i, rec.lastCompletedBeginCheckpoint)
	case *BeginCheckpointLogRecord:
		if rec.earliestPendingTransaction != NoIndex {
			rec.EarliestPendingTransactionOffset = a.Offset(i, rec.earliestPendingTransaction)
		}
	}
}

// ResolveLinks restores the in-memory links of a decoded record at i from
// its persisted back offsets. Offsets that point before the first retained
// record are left unresolved.
func (a *Arena) ResolveLinks(i Index) {
	rec := a.At(i)
	if rec == nil {
		return
	}
	if tx, ok := rec.(TransactionRecord); ok {
		t := tx.Transaction()
		if j, ok := a.ResolveOffset(i, t.ParentTransactionRecordOffset); ok {
			t.parent = j
		}
	}
	if lh, ok := rec.(LogHeadRecord); ok {
		head := lh.logHead()
		if j, ok := a.ResolveOffset(i, head.LogHeadRecordOffset); ok {
			head.head = j
		}
	}
	switch rec := rec.(type) {
	case *EndCheckpointLogRecord:
		if j, ok := a.ResolveOffset(i, rec.LastCompletedBeginCheckpointRecordOffset); ok {
			rec.lastCompletedBeginCheckpoint = j
		}
	case *BeginCheckpointLogRecord:
		if j, ok := a.ResolveOffset(i, rec.EarliestPendingTransactionOffset); ok {
			rec.earliestPendingTransaction = j
		}
	}
}
