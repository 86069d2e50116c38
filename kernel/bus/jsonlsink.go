package bus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/colloquy-dev/colloquy/kernel/event"
)

// DefaultFsyncEveryEvents and DefaultFsyncEveryMS set the durability
// cadence (bus.fsync_every_events / bus.fsync_every_ms): fsync happens
// at whichever bound is hit first.
const (
	DefaultFsyncEveryEvents = 32
	DefaultFsyncEveryMS     = 200
	DefaultRotateBytes      = 64 << 20
)

// JSONLSink is the durable append-only Sink: one JSON object per line,
// fsync'd on a count-or-time boundary, rotating to a new file once the
// current one exceeds rotateBytes.
type JSONLSink struct {
	mu             sync.Mutex
	dir            string
	file           *os.File
	w              *bufio.Writer
	writtenBytes   int64
	sinceFsync     int
	lastFsync      time.Time
	fsyncEvery     int
	fsyncEveryMS   int64
	rotateBytes    int64
	seq            int
}

// JSONLOption configures a JSONLSink at construction.
type JSONLOption func(*JSONLSink)

// WithFsyncCadence overrides DefaultFsyncEveryEvents/DefaultFsyncEveryMS.
func WithFsyncCadence(everyEvents int, everyMS int64) JSONLOption {
	return func(s *JSONLSink) {
		s.fsyncEvery = everyEvents
		s.fsyncEveryMS = everyMS
	}
}

// WithRotateBytes overrides DefaultRotateBytes.
func WithRotateBytes(n int64) JSONLOption {
	return func(s *JSONLSink) { s.rotateBytes = n }
}

// OpenJSONLSink opens (creating if necessary) a JSONL sink rooted at
// dir, resuming from the latest segment file. It returns the sink and
// the highest seq found on disk so the bus can resume numbering, per
// spec.md's "on startup, the bus scans the latest JSONL file to
// restore seq" algorithm note. A truncated final line (corruption) is
// dropped rather than failing startup.
func OpenJSONLSink(dir string, opts ...JSONLOption) (*JSONLSink, uint64, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, 0, fmt.Errorf("bus: create jsonl dir: %w", err)
	}

	s := &JSONLSink{
		dir:          dir,
		fsyncEvery:   DefaultFsyncEveryEvents,
		fsyncEveryMS: DefaultFsyncEveryMS,
		rotateBytes:  DefaultRotateBytes,
		lastFsync:    time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	lastSeq, err := s.recoverLastSeq()
	if err != nil {
		return nil, 0, err
	}

	if err := s.openNextSegment(); err != nil {
		return nil, 0, err
	}

	return s, lastSeq, nil
}

func (s *JSONLSink) segmentPath(n int) string {
	return fmt.Sprintf("%s/events-%08d.jsonl", s.dir, n)
}

// recoverLastSeq scans existing segment files in order, returning the
// seq of the last well-formed line. A truncated trailing line in the
// newest segment is treated as an incomplete write and ignored.
func (s *JSONLSink) recoverLastSeq() (uint64, error) {
	var lastSeq uint64
	for n := 0; ; n++ {
		path := s.segmentPath(n)
		f, err := os.Open(path)
		if os.IsNotExist(err) {
			s.seq = n
			break
		}
		if err != nil {
			return 0, fmt.Errorf("bus: open segment %s: %w", path, err)
		}
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
		for sc.Scan() {
			var ev event.Event
			line := sc.Bytes()
			if len(line) == 0 {
				continue
			}
			if err := json.Unmarshal(line, &ev); err != nil {
				// Truncated or corrupt final line: drop it and stop
				// scanning this segment.
				break
			}
			lastSeq = ev.Seq
		}
		f.Close()
	}
	return lastSeq, nil
}

func (s *JSONLSink) openNextSegment() error {
	path := s.segmentPath(s.seq)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("bus: open segment %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("bus: stat segment %s: %w", path, err)
	}
	s.file = f
	s.w = bufio.NewWriter(f)
	s.writtenBytes = info.Size()
	return nil
}

// Write appends one JSONL line for ev, fsyncing and rotating as configured.
func (s *JSONLSink) Write(ev event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("bus: marshal event: %w", err)
	}
	line = append(line, '\n')

	if s.writtenBytes+int64(len(line)) > s.rotateBytes {
		if err := s.rotateLocked(); err != nil {
			return err
		}
	}

	n, err := s.w.Write(line)
	if err != nil {
		return fmt.Errorf("bus: write event: %w", err)
	}
	s.writtenBytes += int64(n)
	s.sinceFsync++

	if s.sinceFsync >= s.fsyncEvery || time.Since(s.lastFsync).Milliseconds() >= s.fsyncEveryMS {
		if err := s.flushLocked(); err != nil {
			return err
		}
	}
	return nil
}

func (s *JSONLSink) flushLocked() error {
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("bus: flush: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("bus: fsync: %w", err)
	}
	s.sinceFsync = 0
	s.lastFsync = time.Now()
	return nil
}

func (s *JSONLSink) rotateLocked() error {
	if err := s.flushLocked(); err != nil {
		return err
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("bus: close segment: %w", err)
	}
	s.seq++
	return s.openNextSegment()
}

// Close flushes, fsyncs, and closes the current segment file.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.flushLocked(); err != nil {
		return err
	}
	return s.file.Close()
}
