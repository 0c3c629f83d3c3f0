package replicator

import (
	"context"
	"io"

	txnlog "github.com/microsoft/service-fabric-sub010"
	"github.com/microsoft/service-fabric-sub010/logrecord"
)

// RecordIterator reads the flushed records of a LogManager in log order.
// Records it has not returned yet are not truncated from the head until it
// is closed.
type RecordIterator struct {
	m    *LogManager
	next logrecord.Index
	err  error
}

// Records returns an iterator starting at the first record with an lsn of
// at least from. It fails if those records were already truncated.
func (m *LogManager) Records(from txnlog.LSN) (*RecordIterator, error) {
	const op = "replicator.Records"
	m.mu.Lock()
	defer m.mu.Unlock()

	first := m.arena.At(m.arena.First())
	if first == nil || first.RecordHeader().LSN > from {
		return nil, txnlog.InvalidStatef(op, "records from lsn %d were truncated", from)
	}
	it := &RecordIterator{m: m, next: m.arena.Last() + 1}
	m.arena.Each(m.arena.First(), func(i logrecord.Index, rec logrecord.Record) bool {
		if rec.RecordHeader().LSN >= from {
			it.next = i
			return false
		}
		return true
	})
	m.iterators[it] = struct{}{}
	return it, nil
}

// Next returns the next flushed record, or io.EOF once it reaches the
// flushed tail. A later call may return records flushed since.
func (it *RecordIterator) Next(ctx context.Context) (logrecord.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m := it.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if it.err != nil {
		return nil, it.err
	}
	if _, ok := m.iterators[it]; !ok {
		return nil, txnlog.InvalidStatef("replicator.RecordIterator.Next", "iterator is closed")
	}
	rec := m.arena.At(it.next)
	if rec == nil || rec.RecordHeader().PSN > m.flushedPSN {
		return nil, io.EOF
	}
	it.next++
	return rec, nil
}

// Close releases the records pinned by the iterator.
func (it *RecordIterator) Close() error {
	it.m.mu.Lock()
	defer it.m.mu.Unlock()
	delete(it.m.iterators, it)
	return nil
}

// invalidateIteratorsLocked fails every open iterator. It is called when
// the log is replaced.
func (m *LogManager) invalidateIteratorsLocked(err error) {
	for it := range m.iterators {
		it.err = err
		delete(m.iterators, it)
	}
}
