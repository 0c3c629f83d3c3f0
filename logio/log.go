// Package logio provides the physical sinks the log manager writes record
// frames to. Positions are absolute byte offsets from the start of the log;
// truncating the head never renumbers the bytes that remain.
package logio

import (
	"context"
	"io"
	"sync"

	txnlog "github.com/microsoft/service-fabric-sub010"
)

// Log is an append-only byte container.
type Log interface {
	io.ReaderAt

	// Append writes b at the tail and returns the position of its first byte.
	// The bytes are readable immediately and durable after the next Flush.
	Append(b []byte) (uint64, error)

	// Flush makes every appended byte durable.
	Flush(ctx context.Context) error

	// Head returns the position of the oldest retained byte.
	Head() uint64

	// Tail returns the position the next Append writes at.
	Tail() uint64

	// TruncateHead discards the bytes before pos.
	TruncateHead(pos uint64) error

	// TruncateTail discards pos and every byte after it.
	TruncateTail(pos uint64) error

	Close() error
}

// MemLog is a Log held in memory. It is used by tests and by tools that
// rebuild a log before writing it out.
type MemLog struct {
	mu     sync.RWMutex
	head   uint64
	buf    []byte
	closed bool

	// Flushes counts calls to Flush.
	Flushes int
}

// NewMemLog returns an empty in-memory log.
func NewMemLog() *MemLog { return &MemLog{} }

func (l *MemLog) Append(b []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, txnlog.ErrClosed
	}
	pos := l.head + uint64(len(l.buf))
	l.buf = append(l.buf, b...)
	return pos, nil
}

func (l *MemLog) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return txnlog.ErrClosed
	}
	l.Flushes++
	return nil
}

func (l *MemLog) ReadAt(p []byte, off int64) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if off < 0 || uint64(off) < l.head {
		return 0, &txnlog.Error{Code: txnlog.EInvalid, Op: "logio.MemLog.ReadAt", Msg: "read before the head"}
	}
	i := uint64(off) - l.head
	if i >= uint64(len(l.buf)) {
		return 0, io.EOF
	}
	n := copy(p, l.buf[i:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (l *MemLog) Head() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

func (l *MemLog) Tail() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head + uint64(len(l.buf))
}

func (l *MemLog) TruncateHead(pos uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	tail := l.head + uint64(len(l.buf))
	if pos < l.head || pos > tail {
		return &txnlog.Error{Code: txnlog.EInvalid, Op: "logio.MemLog.TruncateHead", Msg: "position outside the log"}
	}
	l.buf = append([]byte(nil), l.buf[pos-l.head:]...)
	l.head = pos
	return nil
}

func (l *MemLog) TruncateTail(pos uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	tail := l.head + uint64(len(l.buf))
	if pos < l.head || pos > tail {
		return &txnlog.Error{Code: txnlog.EInvalid, Op: "logio.MemLog.TruncateTail", Msg: "position outside the log"}
	}
	l.buf = l.buf[:pos-l.head]
	return nil
}

// Bytes returns a copy of the retained bytes.
func (l *MemLog) Bytes() []byte {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]byte(nil), l.buf...)
}

func (l *MemLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}
