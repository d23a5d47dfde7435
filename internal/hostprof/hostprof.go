// Package hostprof captures Go runtime profiles of the optimizer process
// itself: CPU samples, a heap snapshot and an execution trace.
package hostprof

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
)

// Paths names the files to write. Empty paths are skipped.
type Paths struct {
	CPU   string
	Heap  string
	Trace string
}

// Capture is a running set of profiles. Stop may be called more than once.
type Capture struct {
	paths   Paths
	cpu     *os.File
	exec    *os.File
	stopped bool
}

// Start begins the CPU profile and execution trace named in p. The heap
// profile is written by Stop.
func Start(p Paths) (*Capture, error) {
	c := &Capture{paths: p}
	if p.CPU != "" {
		f, err := os.Create(p.CPU)
		if err != nil {
			return nil, fmt.Errorf("cpu profile: %w", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("cpu profile: %w", err)
		}
		c.cpu = f
	}
	if p.Trace != "" {
		f, err := os.Create(p.Trace)
		if err != nil {
			c.stopCPU()
			return nil, fmt.Errorf("runtime trace: %w", err)
		}
		if err := trace.Start(f); err != nil {
			_ = f.Close()
			c.stopCPU()
			return nil, fmt.Errorf("runtime trace: %w", err)
		}
		c.exec = f
	}
	return c, nil
}

// Stop ends the running captures and writes the heap profile.
func (c *Capture) Stop() error {
	if c == nil || c.stopped {
		return nil
	}
	c.stopped = true
	var errs []error
	if c.exec != nil {
		trace.Stop()
		errs = append(errs, c.exec.Close())
	}
	errs = append(errs, c.stopCPU())
	if c.paths.Heap != "" {
		errs = append(errs, writeHeap(c.paths.Heap))
	}
	return errors.Join(errs...)
}

func (c *Capture) stopCPU() error {
	if c.cpu == nil {
		return nil
	}
	pprof.StopCPUProfile()
	err := c.cpu.Close()
	c.cpu = nil
	return err
}

func writeHeap(path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("heap profile: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	runtime.GC()
	if err := pprof.WriteHeapProfile(f); err != nil {
		return fmt.Errorf("heap profile: %w", err)
	}
	return nil
}
