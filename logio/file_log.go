package logio

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	txnlog "github.com/microsoft/service-fabric-sub010"
	"github.com/microsoft/service-fabric-sub010/pkg/binaryio"
	"github.com/microsoft/service-fabric-sub010/pkg/fs"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	// DefaultSegmentSize is the size at which FileLog starts a new segment.
	DefaultSegmentSize = 64 * 1024 * 1024

	headFileName = "head"
)

// FileLog is a Log stored as numbered segment files in a directory. Each
// segment is named by the log position of its first byte, so segments can
// be dropped from the front as the head moves without rewriting anything.
//
//	dir/
//	  head          persisted head position
//	  0             segment [0, 64MB)
//	  67108864      segment [64MB, ...)
//
// A record frame is never split across segments: Append starts a new
// segment before writing once the current one is full.
type FileLog struct {
	mu sync.RWMutex

	dir            string
	maxSegmentSize int64

	head     uint64
	segments []*segment
	dirty    []*segment

	logger *zap.Logger
}

type segment struct {
	start uint64
	size  int64
	path  string
	file  *os.File
}

func (s *segment) end() uint64 { return s.start + uint64(s.size) }

// NewFileLog returns a log stored in dir. Open must be called before use.
func NewFileLog(dir string, maxSegmentSize int64) *FileLog {
	if maxSegmentSize <= 0 {
		maxSegmentSize = DefaultSegmentSize
	}
	return &FileLog{
		dir:            dir,
		maxSegmentSize: maxSegmentSize,
		logger:         zap.NewNop(),
	}
}

// WithLogger sets the logger on the log.
func (l *FileLog) WithLogger(log *zap.Logger) {
	l.logger = log.With(zap.String("service", "logio"))
}

// Dir returns the directory holding the segments.
func (l *FileLog) Dir() string { return l.dir }

// Open loads the existing segments, or creates the first one.
func (l *FileLog) Open() error {
	const op = "logio.FileLog.Open"
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.dir, 0777); err != nil {
		return txnlog.Wrap(err, txnlog.EInternal, op)
	}
	head, err := l.readHead()
	if err != nil {
		return err
	}
	l.head = head

	segments, err := l.loadSegments()
	if err != nil {
		return err
	}
	l.segments = segments

	if len(l.segments) == 0 {
		return l.addSegment(l.head)
	}
	if first := l.segments[0]; first.start > l.head {
		return txnlog.Corruptf(op, "head %d precedes the first segment at %d", l.head, first.start)
	}
	for i := 1; i < len(l.segments); i++ {
		if prev, s := l.segments[i-1], l.segments[i]; prev.end() != s.start {
			return txnlog.Corruptf(op, "segment %s does not follow %s", s.path, prev.path)
		}
	}
	return nil
}

func (l *FileLog) readHead() (uint64, error) {
	b, err := os.ReadFile(filepath.Join(l.dir, headFileName))
	if os.IsNotExist(err) {
		return 0, nil
	} else if err != nil {
		return 0, txnlog.Wrap(err, txnlog.EInternal, "logio.FileLog.readHead")
	}
	head, err := binaryio.NewReader(b).ReadUint64()
	if err != nil {
		return 0, txnlog.Wrap(err, txnlog.ECorruption, "logio.FileLog.readHead")
	}
	return head, nil
}

func (l *FileLog) writeHead(head uint64) error {
	w := binaryio.NewWriter(make([]byte, 0, 8))
	w.WriteUint64(head)
	return fs.WriteFileAtomic(filepath.Join(l.dir, headFileName), w.Bytes(), 0666)
}

// loadSegments opens every segment file in the directory in position order.
func (l *FileLog) loadSegments() ([]*segment, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, txnlog.Wrap(err, txnlog.EInternal, "logio.FileLog.loadSegments")
	}

	var ss []*segment
	for _, e := range entries {
		// Segment file names are all numeric.
		if e.IsDir() {
			continue
		}
		start, err := strconv.ParseUint(e.Name(), 10, 64)
		if err != nil {
			continue
		}

		path := filepath.Join(l.dir, e.Name())
		l.logger.Info("Loading segment", zap.String("path", path))
		f, err := os.OpenFile(path, os.O_RDWR, 0666)
		if err != nil {
			return nil, multierr.Append(err, closeSegments(ss))
		}
		fi, err := f.Stat()
		if err != nil {
			return nil, multierr.Combine(err, f.Close(), closeSegments(ss))
		}
		ss = append(ss, &segment{start: start, size: fi.Size(), path: path, file: f})
	}
	sort.Slice(ss, func(i, j int) bool { return ss[i].start < ss[j].start })
	return ss, nil
}

func containsSegment(ss []*segment, s *segment) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

func closeSegments(ss []*segment) error {
	var err error
	for _, s := range ss {
		err = multierr.Append(err, s.file.Close())
	}
	return err
}

func (l *FileLog) addSegment(start uint64) error {
	path := filepath.Join(l.dir, strconv.FormatUint(start, 10))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0666)
	if err != nil {
		return txnlog.Wrap(err, txnlog.EInternal, "logio.FileLog.addSegment")
	}
	l.segments = append(l.segments, &segment{start: start, path: path, file: f})
	l.logger.Debug("Added segment", zap.String("path", path), zap.Uint64("start", start))
	return nil
}

func (l *FileLog) tail() *segment {
	if len(l.segments) == 0 {
		return nil
	}
	return l.segments[len(l.segments)-1]
}

func (l *FileLog) Append(b []byte) (uint64, error) {
	const op = "logio.FileLog.Append"
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.tail()
	if s == nil {
		return 0, txnlog.ErrClosed
	}
	if s.size > 0 && s.size+int64(len(b)) > l.maxSegmentSize {
		l.markDirty(s)
		if err := l.addSegment(s.end()); err != nil {
			return 0, err
		}
		s = l.tail()
	}

	pos := s.end()
	if _, err := s.file.WriteAt(b, s.size); err != nil {
		return 0, txnlog.Wrap(err, txnlog.EInternal, op)
	}
	s.size += int64(len(b))
	l.markDirty(s)
	return pos, nil
}

func (l *FileLog) markDirty(s *segment) {
	for _, d := range l.dirty {
		if d == s {
			return
		}
	}
	l.dirty = append(l.dirty, s)
}

// Flush syncs every segment written to since the last flush.
func (l *FileLog) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.tail() == nil {
		return txnlog.ErrClosed
	}
	var err error
	for _, s := range l.dirty {
		err = multierr.Append(err, s.file.Sync())
	}
	l.dirty = l.dirty[:0]
	return txnlog.Wrap(err, txnlog.EInternal, "logio.FileLog.Flush")
}

func (l *FileLog) ReadAt(p []byte, off int64) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if off < 0 || uint64(off) < l.head {
		return 0, &txnlog.Error{Code: txnlog.EInvalid, Op: "logio.FileLog.ReadAt", Msg: "read before the head"}
	}
	pos := uint64(off)
	i := sort.Search(len(l.segments), func(i int) bool { return l.segments[i].end() > pos })

	var n int
	for ; i < len(l.segments) && n < len(p); i++ {
		s := l.segments[i]
		want := p[n:]
		if avail := s.end() - pos; uint64(len(want)) > avail {
			want = want[:avail]
		}
		m, err := s.file.ReadAt(want, int64(pos-s.start))
		n += m
		pos += uint64(m)
		if err != nil && err != io.EOF {
			return n, err
		}
		if m < len(want) {
			break
		}
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (l *FileLog) Head() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

func (l *FileLog) Tail() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if s := l.tail(); s != nil {
		return s.end()
	}
	return l.head
}

// TruncateHead persists the new head and removes the segments that end at
// or before it. The tail segment is always kept.
func (l *FileLog) TruncateHead(pos uint64) error {
	const op = "logio.FileLog.TruncateHead"
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.tail()
	if s == nil {
		return txnlog.ErrClosed
	}
	if pos < l.head || pos > s.end() {
		return &txnlog.Error{Code: txnlog.EInvalid, Op: op, Msg: "position outside the log"}
	}
	if err := l.writeHead(pos); err != nil {
		return txnlog.Wrap(err, txnlog.EInternal, op)
	}
	l.head = pos

	var removed int
	var err error
	for removed < len(l.segments)-1 && l.segments[removed].end() <= pos {
		seg := l.segments[removed]
		err = multierr.Combine(err, seg.file.Close(), os.Remove(seg.path))
		l.logger.Info("Removed segment", zap.String("path", seg.path), zap.Uint64("head", pos))
		removed++
	}
	dropped := l.segments[:removed]
	l.segments = l.segments[removed:]

	dirty := l.dirty[:0]
	for _, d := range l.dirty {
		if !containsSegment(dropped, d) {
			dirty = append(dirty, d)
		}
	}
	l.dirty = dirty
	return txnlog.Wrap(err, txnlog.EInternal, op)
}

// TruncateTail drops the segments that start after pos and cuts the one
// containing it.
func (l *FileLog) TruncateTail(pos uint64) error {
	const op = "logio.FileLog.TruncateTail"
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.tail()
	if s == nil {
		return txnlog.ErrClosed
	}
	if pos < l.head || pos > s.end() {
		return &txnlog.Error{Code: txnlog.EInvalid, Op: op, Msg: "position outside the log"}
	}

	var err error
	var dropped []*segment
	for len(l.segments) > 1 && l.tail().start >= pos {
		seg := l.tail()
		err = multierr.Combine(err, seg.file.Close(), os.Remove(seg.path))
		dropped = append(dropped, seg)
		l.segments = l.segments[:len(l.segments)-1]
	}
	dirty := l.dirty[:0]
	for _, d := range l.dirty {
		if !containsSegment(dropped, d) {
			dirty = append(dirty, d)
		}
	}
	l.dirty = dirty
	if err != nil {
		return txnlog.Wrap(err, txnlog.EInternal, op)
	}

	s = l.tail()
	if err := s.file.Truncate(int64(pos - s.start)); err != nil {
		return txnlog.Wrap(err, txnlog.EInternal, op)
	}
	s.size = int64(pos - s.start)
	l.markDirty(s)
	return nil
}

// Close closes every segment file.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := closeSegments(l.segments)
	l.segments, l.dirty = nil, nil
	return err
}
