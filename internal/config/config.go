// Package config loads hvjit.toml: the optimizer thresholds and budgets
// plus the tracing setup of the command line tool.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"hvjit/internal/optimizer"
	"hvjit/internal/trace"
)

// FileName is the name FindFile looks for.
const FileName = "hvjit.toml"

// File is the decoded configuration file.
type File struct {
	Optimizer optimizer.Config `toml:"optimizer"`
	Trace     Trace            `toml:"trace"`
}

// Trace configures tracing. Strings are parsed by Validate and Tracer.
type Trace struct {
	Level     trace.Level `toml:"level"`
	Mode      string      `toml:"mode"`
	Format    string      `toml:"format"`
	Output    string      `toml:"output"`
	RingSize  int         `toml:"ring_size"`
	Heartbeat string      `toml:"heartbeat"`
}

// Default returns the configuration used when no file is given.
func Default() File {
	return File{
		Optimizer: optimizer.DefaultConfig(),
		Trace: Trace{
			Level:    trace.LevelOff,
			Mode:     "stream",
			Format:   "auto",
			Output:   "-",
			RingSize: 4096,
		},
	}
}

// Load decodes path over Default. Unknown keys are an error so a typo
// does not silently keep a default.
func Load(path string) (File, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return File{}, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return File{}, fmt.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return File{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// FindFile walks up from startDir looking for hvjit.toml.
func FindFile(startDir string) (string, bool, error) {
	if startDir == "" {
		startDir = "."
	}
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve start directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, FileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("failed to stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false, nil
}

// Validate checks both sections.
func (f File) Validate() error {
	errs := []error{f.Optimizer.Validate()}
	if _, err := f.Trace.Tracer(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Tracer converts the section into a trace.Config.
func (t Trace) Tracer() (trace.Config, error) {
	cfg := trace.Config{Level: t.Level, OutputPath: t.Output, RingSize: t.RingSize}
	var errs []error
	mode, err := trace.ParseMode(t.Mode)
	if err != nil {
		errs = append(errs, fmt.Errorf("trace: %w", err))
	}
	cfg.Mode = mode
	format, err := trace.ParseFormat(t.Format)
	if err != nil {
		errs = append(errs, fmt.Errorf("trace: %w", err))
	}
	cfg.Format = format
	if t.Heartbeat != "" {
		d, err := time.ParseDuration(t.Heartbeat)
		if err != nil || d < 0 {
			errs = append(errs, fmt.Errorf("trace: invalid heartbeat %q", t.Heartbeat))
		}
		cfg.Heartbeat = d
	}
	if t.RingSize < 0 {
		errs = append(errs, errors.New("trace: ring_size must not be negative"))
	}
	return cfg, errors.Join(errs...)
}
