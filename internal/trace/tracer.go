package trace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Tracer receives events. Implementations are safe for concurrent use.
type Tracer interface {
	Emit(ev *Event)
	Flush() error
	Close() error
	Level() Level
}

type nop struct{}

func (nop) Emit(*Event)  {}
func (nop) Flush() error { return nil }
func (nop) Close() error { return nil }
func (nop) Level() Level { return LevelOff }

// Nop discards every event.
var Nop Tracer = nop{}

// Enabled reports whether t records anything.
func Enabled(t Tracer) bool { return t != nil && t.Level() > LevelOff }

// StorageMode selects the sinks New builds.
type StorageMode uint8

const (
	ModeStream StorageMode = iota + 1
	ModeRing
	ModeBoth
)

func (m StorageMode) String() string {
	switch m {
	case ModeStream:
		return "stream"
	case ModeRing:
		return "ring"
	case ModeBoth:
		return "both"
	}
	return "unknown"
}

func ParseMode(s string) (StorageMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "stream":
		return ModeStream, nil
	case "ring":
		return ModeRing, nil
	case "both":
		return ModeBoth, nil
	}
	return ModeRing, fmt.Errorf("invalid storage mode: %q (expected: stream|ring|both)", s)
}

// Config describes the tracer built by New.
type Config struct {
	Level      Level
	Mode       StorageMode
	Format     Format
	Output     io.Writer // overrides OutputPath
	OutputPath string    // "-" or empty for stderr
	RingSize   int       // default 4096
	Heartbeat  time.Duration
}

// New builds the sinks cfg asks for. LevelOff yields Nop.
func New(cfg Config) (Tracer, error) {
	if cfg.Level == LevelOff {
		return Nop, nil
	}
	if cfg.RingSize <= 0 {
		cfg.RingSize = 4096
	}
	format := DetectFormat(cfg.Format, cfg.OutputPath)
	switch cfg.Mode {
	case ModeRing:
		return NewRing(cfg.RingSize, cfg.Level), nil
	case ModeStream, ModeBoth:
		w, err := openOutput(cfg)
		if err != nil {
			return nil, err
		}
		st := NewStream(w, cfg.Level, format)
		if cfg.Mode == ModeStream {
			return st, nil
		}
		return &fanout{level: cfg.Level, sinks: []Tracer{st, NewRing(cfg.RingSize, cfg.Level)}}, nil
	}
	return nil, fmt.Errorf("unknown storage mode: %v", cfg.Mode)
}

// RingOf finds the ring buffer behind t, if New built one.
func RingOf(t Tracer) (*Ring, bool) {
	switch t := t.(type) {
	case *Ring:
		return t, true
	case *fanout:
		for _, s := range t.sinks {
			if r, ok := s.(*Ring); ok {
				return r, true
			}
		}
	}
	return nil, false
}

// fanout copies every event to each sink.
type fanout struct {
	level Level
	sinks []Tracer
}

func (f *fanout) Emit(ev *Event) {
	for _, s := range f.sinks {
		cp := *ev
		s.Emit(&cp)
	}
}

func (f *fanout) Flush() error {
	var errs []error
	for _, s := range f.sinks {
		errs = append(errs, s.Flush())
	}
	return errors.Join(errs...)
}

func (f *fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

func (f *fanout) Level() Level { return f.level }

type stderrWriter struct{}

func (stderrWriter) Write(p []byte) (int, error) { return os.Stderr.Write(p) }

func openOutput(cfg Config) (io.Writer, error) {
	if cfg.Output != nil {
		return cfg.Output, nil
	}
	if cfg.OutputPath == "" || cfg.OutputPath == "-" {
		return stderrWriter{}, nil
	}
	f, err := os.Create(cfg.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace output: %w", err)
	}
	return f, nil
}
