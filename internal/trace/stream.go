package trace

import (
	"io"
	"sync"
)

// Stream writes each event to w as it arrives. Write errors are kept and
// reported by Flush; tracing never fails a compilation.
type Stream struct {
	mu      sync.Mutex
	w       io.Writer
	level   Level
	format  Format
	written int
	closed  bool
	err     error
}

func NewStream(w io.Writer, level Level, format Format) *Stream {
	s := &Stream{w: w, level: level, format: DetectFormat(format, "")}
	if s.format == FormatChrome {
		s.write([]byte(chromeOpen))
	}
	return s
}

// write is called with mu held or before s is shared.
func (s *Stream) write(p []byte) {
	if s.err == nil {
		_, s.err = s.w.Write(p)
	}
}

func (s *Stream) Emit(ev *Event) {
	if ev.Kind != KindHeartbeat && !s.level.ShouldEmit(ev.Scope) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	ev.Seq = nextSeq()
	if s.format == FormatChrome && s.written > 0 {
		s.write([]byte(",\n"))
	}
	s.write(FormatEvent(ev, s.format))
	s.written++
}

func (s *Stream) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Stream) flushLocked() error {
	if f, ok := s.w.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			return err
		}
	}
	return s.err
}

// Close ends the Chrome document and closes w when it is an io.Closer.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.format == FormatChrome {
		s.write([]byte(chromeClose))
	}
	err := s.flushLocked()
	if c, ok := s.w.(io.Closer); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (s *Stream) Level() Level { return s.level }
