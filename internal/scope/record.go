package scope

import (
	"cmp"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"hvjit/internal/ir"
)

// Current record schema - increment when Record format changes
const recordSchema uint16 = 1

// DevirtRecord is a persisted devirtualization decision.
type DevirtRecord struct {
	Site       ir.Site   `msgpack:"site"`
	Callee     ir.FuncID `msgpack:"callee"`
	Confidence float64   `msgpack:"confidence"`
}

// GraphStats summarizes the dependency graph built for a scope.
type GraphStats struct {
	Nodes        int `msgpack:"nodes"`
	Edges        int `msgpack:"edges"`
	MemoryEdges  int `msgpack:"memory_edges"`
	CriticalPath int `msgpack:"critical_path"`
}

// Record is what the optimizer remembers about a compiled seed: the
// level it settled on, the blocks it saw and the bets it made on calls.
type Record struct {
	Seed       ir.Site        `msgpack:"seed"`
	Level      Level          `msgpack:"level"`
	Wanted     Level          `msgpack:"wanted"`
	Capped     bool           `msgpack:"capped"`
	Blocks     []ir.Site      `msgpack:"blocks"`
	Devirt     []DevirtRecord `msgpack:"devirt"`
	InstrCount int            `msgpack:"instr_count"`
	ProfileGen uint64         `msgpack:"profile_gen"`
	Graph      GraphStats     `msgpack:"graph"`
}

// NewRecord captures s.
func NewRecord(u *ir.Unit, s *Scope) Record {
	r := Record{
		Seed:       u.Block(s.Seed).Site,
		Level:      s.Level,
		Wanted:     s.Wanted,
		Capped:     s.Capped,
		InstrCount: s.InstrCount,
		ProfileGen: s.ProfileGen,
	}
	for _, id := range s.Blocks() {
		r.Blocks = append(r.Blocks, u.Block(id).Site)
	}
	for _, cs := range s.Devirt {
		r.Devirt = append(r.Devirt, DevirtRecord{Site: cs.Site, Callee: cs.Callee, Confidence: cs.Confidence})
	}
	return r
}

// Store keeps the latest Record per seed. Safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	recs map[ir.Site]Record
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{recs: make(map[ir.Site]Record)}
}

// Put replaces the record for r.Seed.
func (s *Store) Put(r Record) {
	s.mu.Lock()
	s.recs[r.Seed] = r
	s.mu.Unlock()
}

// Get returns the record for seed.
func (s *Store) Get(seed ir.Site) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.recs[seed]
	return r, ok
}

// Records lists all records ordered by seed.
func (s *Store) Records() []Record {
	s.mu.RLock()
	out := make([]Record, 0, len(s.recs))
	for _, r := range s.recs {
		out = append(out, r)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b Record) int { return cmp.Compare(a.Seed, b.Seed) })
	return out
}

type storePayload struct {
	Schema  uint16   `msgpack:"schema"`
	Records []Record `msgpack:"records"`
}

// Encode writes the store as msgpack.
func (s *Store) Encode(w io.Writer) error {
	return msgpack.NewEncoder(w).Encode(storePayload{Schema: recordSchema, Records: s.Records()})
}

// DecodeStore reads a store written by Encode.
func DecodeStore(r io.Reader) (*Store, error) {
	var p storePayload
	if err := msgpack.NewDecoder(r).Decode(&p); err != nil {
		return nil, fmt.Errorf("scope records: %w", err)
	}
	if p.Schema != recordSchema {
		return nil, fmt.Errorf("scope records: unsupported schema %d", p.Schema)
	}
	st := NewStore()
	for _, rec := range p.Records {
		st.Put(rec)
	}
	return st, nil
}

// SaveFile atomically replaces path with the store contents.
func (s *Store) SaveFile(path string) (err error) {
	dir := filepath.Dir(path)
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "scopes-*.tmp")
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

// LoadStoreFile reads a store saved with SaveFile. A missing file yields
// an empty store.
func LoadStoreFile(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewStore(), nil
		}
		return nil, err
	}
	defer f.Close()
	return DecodeStore(f)
}
