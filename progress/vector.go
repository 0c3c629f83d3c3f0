// Package progress tracks the epoch history of a replica and decides how a
// new or returning replica is brought up to date.
package progress

import (
	"fmt"
	"strings"
	"time"

	txnlog "github.com/microsoft/service-fabric-sub010"
	"github.com/microsoft/service-fabric-sub010/pkg/binaryio"
)

// EntrySize is the encoded size of an Entry.
const EntrySize = 40

// InvalidReplicaID marks an entry that was never assigned a primary.
const InvalidReplicaID int64 = -1

// Entry records that the primary with PrimaryReplicaID started Epoch at LSN.
type Entry struct {
	Epoch            txnlog.Epoch
	LSN              txnlog.LSN
	PrimaryReplicaID int64
	Timestamp        time.Time
}

// ZeroEntry is the first entry of every vector.
var ZeroEntry = Entry{
	Epoch:            txnlog.ZeroEpoch,
	LSN:              txnlog.ZeroLSN,
	PrimaryReplicaID: txnlog.UniversalReplicaID,
	Timestamp:        time.Unix(0, 0).UTC(),
}

// InvalidEntry is returned by lookups that find nothing.
var InvalidEntry = Entry{
	Epoch:            txnlog.InvalidEpoch,
	LSN:              txnlog.InvalidLSN,
	PrimaryReplicaID: InvalidReplicaID,
}

// Equal compares epoch and LSN only.
func (e Entry) Equal(other Entry) bool {
	return e.Epoch == other.Epoch && e.LSN == other.LSN
}

// Compare orders entries by epoch, then LSN.
func (e Entry) Compare(other Entry) int {
	if c := e.Epoch.Compare(other.Epoch); c != 0 {
		return c
	}
	switch {
	case e.LSN < other.LSN:
		return -1
	case e.LSN > other.LSN:
		return 1
	}
	return 0
}

// IsDataLossBetween reports whether e and other belong to different data loss numbers.
func (e Entry) IsDataLossBetween(other Entry) bool {
	return e.Epoch.DataLossNumber != other.Epoch.DataLossNumber
}

func (e Entry) String() string {
	return fmt.Sprintf("[(%d,%d),%d,%d,%s]",
		e.Epoch.DataLossNumber, e.Epoch.ConfigurationNumber, e.LSN, e.PrimaryReplicaID,
		e.Timestamp.UTC().Format(time.RFC3339))
}

func (e Entry) write(w *binaryio.Writer) {
	w.WriteInt64(e.Epoch.DataLossNumber)
	w.WriteInt64(e.Epoch.ConfigurationNumber)
	w.WriteInt64(int64(e.LSN))
	w.WriteInt64(e.PrimaryReplicaID)
	w.WriteInt64(e.Timestamp.UnixNano())
}

func readEntry(r *binaryio.Reader) (Entry, error) {
	var v [5]int64
	for i := range v {
		n, err := r.ReadInt64()
		if err != nil {
			return Entry{}, err
		}
		v[i] = n
	}
	return Entry{
		Epoch:            txnlog.NewEpoch(v[0], v[1]),
		LSN:              txnlog.LSN(v[2]),
		PrimaryReplicaID: v[3],
		Timestamp:        time.Unix(0, v[4]).UTC(),
	}, nil
}

// Vector is the ordered epoch history of a replica. Epochs strictly increase
// and LSNs never decrease from one entry to the next.
type Vector struct {
	entries []Entry

	// MaxEntries bounds the vector when trimming. Zero disables trimming.
	MaxEntries int
}

// NewVector returns a vector holding only ZeroEntry.
func NewVector() *Vector {
	return &Vector{entries: []Entry{ZeroEntry}}
}

// NewVectorFromEntries returns a vector holding entries.
func NewVectorFromEntries(entries ...Entry) *Vector {
	return &Vector{entries: append([]Entry(nil), entries...)}
}

// Len returns the number of entries.
func (v *Vector) Len() int { return len(v.entries) }

// At returns the i-th entry.
func (v *Vector) At(i int) Entry { return v.entries[i] }

// Entries returns a copy of the entries.
func (v *Vector) Entries() []Entry { return append([]Entry(nil), v.entries...) }

// Last returns the last entry, or InvalidEntry for an empty vector.
func (v *Vector) Last() Entry {
	if len(v.entries) == 0 {
		return InvalidEntry
	}
	return v.entries[len(v.entries)-1]
}

// ByteCount returns the encoded size of the vector.
func (v *Vector) ByteCount() int { return 4 + len(v.entries)*EntrySize }

// Add appends e. The epoch must be greater and the LSN not lower than those
// of the last entry.
func (v *Vector) Add(e Entry) error {
	if len(v.entries) > 0 {
		last := v.Last()
		if !last.Epoch.Less(e.Epoch) || last.LSN > e.LSN {
			return txnlog.InvalidStatef("progress.Add", "entry %s does not follow %s", e, last)
		}
	}
	v.entries = append(v.entries, e)
	return nil
}

// Insert places e in epoch order. It returns false if an entry with the same
// epoch already exists.
func (v *Vector) Insert(e Entry) (bool, error) {
	for i := len(v.entries) - 1; i >= 0; i-- {
		existing := v.entries[i]
		if existing.Epoch == e.Epoch {
			if existing.LSN != e.LSN {
				return false, txnlog.InvalidStatef("progress.Insert", "epoch %s already at lsn %d, not %d", e.Epoch, existing.LSN, e.LSN)
			}
			return false, nil
		} else if existing.Epoch.Less(e.Epoch) {
			v.entries = append(v.entries, Entry{})
			copy(v.entries[i+2:], v.entries[i+1:])
			v.entries[i+1] = e
			return true, nil
		}
		if existing.LSN != e.LSN {
			return false, txnlog.InvalidStatef("progress.Insert", "entry %s would precede %s", e, existing)
		}
	}
	v.entries = append([]Entry{e}, v.entries...)
	return true, nil
}

// Find returns the entry for epoch.
func (v *Vector) Find(epoch txnlog.Epoch) (Entry, bool) {
	for i := len(v.entries) - 1; i >= 0; i-- {
		if v.entries[i].Epoch == epoch {
			return v.entries[i], true
		}
	}
	return InvalidEntry, false
}

// FindEpoch returns the epoch in which lsn was produced.
func (v *Vector) FindEpoch(lsn txnlog.LSN) txnlog.Epoch {
	if len(v.entries) == 0 || lsn == txnlog.ZeroLSN {
		return txnlog.InvalidEpoch
	}
	for i := len(v.entries) - 1; i >= 0; i-- {
		if v.entries[i].LSN < lsn {
			return v.entries[i].Epoch
		}
	}
	return txnlog.InvalidEpoch
}

// TruncateHead drops the entries before first's epoch and replaces the entry
// for that epoch with first.
func (v *Vector) TruncateHead(first Entry) {
	for i := range v.entries {
		if v.entries[i].Epoch == first.Epoch {
			v.entries[i] = first
			v.entries = append(v.entries[:0], v.entries[i:]...)
			return
		}
	}
}

// TruncateTail removes last, which must be the last entry.
func (v *Vector) TruncateTail(last Entry) error {
	if len(v.entries) == 0 || !v.Last().Equal(last) {
		return txnlog.InvalidStatef("progress.TruncateTail", "%s is not the last entry", last)
	}
	v.entries = v.entries[:len(v.entries)-1]
	return nil
}

// Trim removes entries older than the later of highestBackedUp and head once
// the vector exceeds MaxEntries.
func (v *Vector) Trim(highestBackedUp, head txnlog.Epoch) {
	if v.MaxEntries == 0 || len(v.entries) <= v.MaxEntries {
		return
	}
	point := highestBackedUp
	if head.Greater(highestBackedUp) {
		point = head
	}
	idx := -1
	for i := len(v.entries) - 1; i >= 0; i-- {
		if v.entries[i].Epoch.Less(point) {
			idx = i
			break
		}
	}
	if idx == -1 {
		return
	}
	v.entries = append(v.entries[:0], v.entries[idx+1:]...)
}

// Clone trims v and returns a copy bounded by maxEntries.
func (v *Vector) Clone(maxEntries int, highestBackedUp, head txnlog.Epoch) *Vector {
	v.Trim(highestBackedUp, head)
	return &Vector{entries: v.Entries(), MaxEntries: maxEntries}
}

// Equal compares entries pairwise.
func (v *Vector) Equal(other *Vector) bool {
	if v == other {
		return true
	} else if v == nil || other == nil || len(v.entries) != len(other.entries) {
		return false
	}
	for i := range v.entries {
		if !v.entries[i].Equal(other.entries[i]) {
			return false
		}
	}
	return true
}

// Write encodes the vector as a count followed by fixed-size entries.
func (v *Vector) Write(w *binaryio.Writer) {
	w.WriteInt32(int32(len(v.entries)))
	for _, e := range v.entries {
		e.write(w)
	}
}

// Read decodes a vector written by Write.
func Read(r *binaryio.Reader) (*Vector, error) {
	n, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	if n < 0 || int(n)*EntrySize > r.Remaining() {
		return nil, fmt.Errorf("%w: progress vector of %d entries", binaryio.ErrCorrupt, n)
	}
	v := &Vector{entries: make([]Entry, 0, n)}
	for i := int32(0); i < n; i++ {
		e, err := readEntry(r)
		if err != nil {
			return nil, err
		}
		v.entries = append(v.entries, e)
	}
	return v, nil
}

func (v *Vector) String() string {
	var b strings.Builder
	for i := len(v.entries) - 1; i >= 0; i-- {
		if i != len(v.entries)-1 {
			b.WriteByte(' ')
		}
		b.WriteString(v.entries[i].String())
	}
	return b.String()
}
