package profile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/vmihailenco/msgpack/v5"

	"hvjit/internal/ir"
)

// Current snapshot schema - increment when Snapshot format changes
const snapshotSchema uint16 = 1

// ErrSchema is returned when a snapshot was written by an incompatible version.
var ErrSchema = errors.New("profile snapshot: unsupported schema")

// SiteCount is a block execution counter.
type SiteCount struct {
	Site  ir.Site `msgpack:"site"`
	Count uint64  `msgpack:"count"`
}

// BranchRecord is a persisted branch counter.
type BranchRecord struct {
	Site     ir.Site `msgpack:"site"`
	Taken    uint64  `msgpack:"taken"`
	NotTaken uint64  `msgpack:"not_taken"`
}

// CallRecord is a persisted call-target histogram.
type CallRecord struct {
	Site    ir.Site       `msgpack:"site"`
	Targets []TargetCount `msgpack:"targets"`
}

// ValueRecord is a persisted value histogram.
type ValueRecord struct {
	Site   ir.Site      `msgpack:"site"`
	Values []ValueCount `msgpack:"values"`
}

// Snapshot is a point-in-time copy of a Table, ordered by site.
type Snapshot struct {
	Schema     uint16         `msgpack:"schema"`
	Generation uint64         `msgpack:"generation"`
	Blocks     []SiteCount    `msgpack:"blocks"`
	Branches   []BranchRecord `msgpack:"branches"`
	Calls      []CallRecord   `msgpack:"calls"`
	Values     []ValueRecord  `msgpack:"values"`
}

func sortedSites[V any](m map[ir.Site]V) []ir.Site {
	sites := make([]ir.Site, 0, len(m))
	for s := range m {
		sites = append(sites, s)
	}
	slices.Sort(sites)
	return sites
}

// Snapshot copies the current counters.
func (t *Table) Snapshot() *Snapshot {
	t.mu.RLock()
	blockSites := sortedSites(t.blocks)
	branchSites := sortedSites(t.branches)
	callSites := sortedSites(t.calls)
	valueSites := sortedSites(t.values)
	t.mu.RUnlock()

	s := &Snapshot{Schema: snapshotSchema, Generation: t.Generation()}
	for _, site := range blockSites {
		n, _ := t.Hotness(site)
		s.Blocks = append(s.Blocks, SiteCount{Site: site, Count: n})
	}
	for _, site := range branchSites {
		b, _ := t.BranchBias(site)
		s.Branches = append(s.Branches, BranchRecord{Site: site, Taken: b.Taken, NotTaken: b.NotTaken})
	}
	for _, site := range callSites {
		s.Calls = append(s.Calls, CallRecord{Site: site, Targets: t.CallTargets(site)})
	}
	for _, site := range valueSites {
		s.Values = append(s.Values, ValueRecord{Site: site, Values: t.ValueHistogram(site)})
	}
	return s
}

// Restore builds a Table holding the snapshot's counters.
func Restore(s *Snapshot) (*Table, error) {
	t := NewTable()
	if s == nil {
		return t, nil
	}
	if err := t.load(s); err != nil {
		return nil, err
	}
	t.gen.Store(s.Generation)
	return t, nil
}

func (t *Table) load(s *Snapshot) error {
	if s.Schema != snapshotSchema {
		return fmt.Errorf("%w: %d", ErrSchema, s.Schema)
	}
	for _, b := range s.Blocks {
		t.AddBlock(b.Site, b.Count)
	}
	for _, b := range s.Branches {
		t.AddBranch(b.Site, b.Taken, b.NotTaken)
	}
	for _, c := range s.Calls {
		for _, tc := range c.Targets {
			t.AddCall(c.Site, tc.Callee, tc.Count)
		}
	}
	for _, v := range s.Values {
		for _, vc := range v.Values {
			t.AddValue(v.Site, vc.Value, vc.Count)
		}
	}
	return nil
}

// Encode writes the snapshot as msgpack.
func (s *Snapshot) Encode(w io.Writer) error {
	return msgpack.NewEncoder(w).Encode(s)
}

// Decode reads a msgpack snapshot.
func Decode(r io.Reader) (*Snapshot, error) {
	var s Snapshot
	if err := msgpack.NewDecoder(r).Decode(&s); err != nil {
		return nil, fmt.Errorf("profile snapshot: %w", err)
	}
	if s.Schema != snapshotSchema {
		return nil, fmt.Errorf("%w: %d", ErrSchema, s.Schema)
	}
	return &s, nil
}

// SaveFile atomically replaces path with the snapshot.
func (s *Snapshot) SaveFile(path string) (err error) {
	dir := filepath.Dir(path)
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "profile-*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(f.Name())
		}
	}()
	if err = s.Encode(f); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

// LoadFile reads a snapshot written by SaveFile.
func LoadFile(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// Merge folds other into s, summing counters site by site.
func (s *Snapshot) Merge(other *Snapshot) error {
	if other == nil {
		return nil
	}
	t, err := Restore(s)
	if err != nil {
		return err
	}
	if err := t.load(other); err != nil {
		return err
	}
	t.gen.Store(max(s.Generation, other.Generation))
	*s = *t.Snapshot()
	return nil
}
