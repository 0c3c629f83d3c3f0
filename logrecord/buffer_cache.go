package logrecord

import (
	"sync"

	txnlog "github.com/microsoft/service-fabric-sub010"
	"github.com/microsoft/service-fabric-sub010/pkg/binaryio"
)

const replicatedBufLen = 4 << 10

var bufPool sync.Pool

// getBuf returns a buffer with capacity of at least size from the pool.
func getBuf(size int) []byte {
	x := bufPool.Get()
	if x == nil {
		return make([]byte, 0, size)
	}
	buf := *(x.(*[]byte))
	if cap(buf) < size {
		return make([]byte, 0, size)
	}
	return buf[:0]
}

// putBuf returns a buffer to the pool.
func putBuf(buf []byte) {
	bufPool.Put(&buf)
}

type cacheKey struct {
	t   Type
	lsn txnlog.LSN
}

// BufferCache holds the replication encoding of logical records so a record
// is serialized once no matter how many times it is sent. Buffers come from
// a shared pool and go back to it on Invalidate; a buffer returned by
// ReplicatedData must not be used after its record is invalidated.
type BufferCache struct {
	mu      sync.Mutex
	entries map[cacheKey][]byte
}

// NewBufferCache returns an empty cache.
func NewBufferCache() *BufferCache {
	return &BufferCache{entries: make(map[cacheKey][]byte)}
}

func keyOf(rec Record) cacheKey {
	h := rec.RecordHeader()
	return cacheKey{t: h.RecordType, lsn: h.LSN}
}

// ReplicatedData returns the replication encoding of rec, encoding it on
// first use.
func (c *BufferCache) ReplicatedData(rec Record) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replicatedDataLocked(rec)
}

// WriteReplicatedData writes the replication encoding of rec to w as a
// length-prefixed byte slice. Unlike ReplicatedData the result stays valid
// after the record is invalidated.
func (c *BufferCache) WriteReplicatedData(w *binaryio.Writer, rec Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.replicatedDataLocked(rec)
	if err != nil {
		return err
	}
	w.WriteBytes(b)
	return nil
}

func (c *BufferCache) replicatedDataLocked(rec Record) ([]byte, error) {
	key := keyOf(rec)
	if key.lsn == txnlog.InvalidLSN {
		return nil, txnlog.InvalidStatef("logrecord.ReplicatedData", "%s record has no lsn", key.t)
	}
	if b, ok := c.entries[key]; ok {
		return b, nil
	}
	w := binaryio.NewWriter(getBuf(replicatedBufLen))
	if err := Write(w, rec, ModeLogical); err != nil {
		putBuf(w.Bytes())
		return nil, err
	}
	c.entries[key] = w.Bytes()
	return w.Bytes(), nil
}

// Invalidate releases the cached encoding of rec.
func (c *BufferCache) Invalidate(rec Record) {
	key := keyOf(rec)
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.entries[key]; ok {
		delete(c.entries, key)
		putBuf(b)
	}
}

// InvalidateThrough releases every cached encoding with an LSN at or below lsn.
func (c *BufferCache) InvalidateThrough(lsn txnlog.LSN) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, b := range c.entries {
		if key.lsn <= lsn {
			delete(c.entries, key)
			putBuf(b)
		}
	}
}

// Len returns the number of cached encodings.
func (c *BufferCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
