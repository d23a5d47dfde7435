package deopt

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/vmihailenco/msgpack/v5"

	"hvjit/internal/ir"
)

const historySchema uint16 = 1

// ErrHistorySchema is returned for history files of another format.
var ErrHistorySchema = errors.New("deopt history: unsupported schema")

// FailureRecord is the persisted failure count of one speculation.
type FailureRecord struct {
	Key       Key  `msgpack:"key"`
	Failures  int  `msgpack:"failures"`
	Permanent bool `msgpack:"permanent"`
}

// BlockHistory is the failure history of one block.
type BlockHistory struct {
	Block    ir.BlockID      `msgpack:"block"`
	Failures []FailureRecord `msgpack:"failures"`
}

// History carries failure counts across runs so a restarted engine does
// not bet on speculations that already failed for good.
type History struct {
	Schema uint16         `msgpack:"schema"`
	Blocks []BlockHistory `msgpack:"blocks"`
}

// History exports the failure history of every block.
func (m *Manager) History() *History {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h := &History{Schema: historySchema}
	for block, bs := range m.blocks {
		if len(bs.failures) == 0 {
			continue
		}
		bh := BlockHistory{Block: block}
		for k, n := range bs.failures {
			bh.Failures = append(bh.Failures, FailureRecord{Key: k, Failures: n, Permanent: bs.permanent[k]})
		}
		slices.SortFunc(bh.Failures, func(a, b FailureRecord) int {
			if c := cmp.Compare(a.Key.Site, b.Key.Site); c != 0 {
				return c
			}
			return cmp.Compare(a.Key.Kind, b.Key.Kind)
		})
		h.Blocks = append(h.Blocks, bh)
	}
	slices.SortFunc(h.Blocks, func(a, b BlockHistory) int { return cmp.Compare(a.Block, b.Block) })
	return h
}

// Restore adds h to the manager's failure history.
func (m *Manager) Restore(h *History) error {
	if h == nil {
		return nil
	}
	if h.Schema != historySchema {
		return fmt.Errorf("%w: %d", ErrHistorySchema, h.Schema)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, bh := range h.Blocks {
		bs := m.state(bh.Block)
		for _, r := range bh.Failures {
			bs.failures[r.Key] += r.Failures
			if (r.Permanent || bs.failures[r.Key] >= m.permanentAfter) && !bs.permanent[r.Key] {
				bs.permanent[r.Key] = true
				m.permanent.Add(1)
			}
		}
	}
	return nil
}

// Encode writes h as msgpack.
func (h *History) Encode(w io.Writer) error {
	return msgpack.NewEncoder(w).Encode(h)
}

// DecodeHistory reads a msgpack history.
func DecodeHistory(r io.Reader) (*History, error) {
	var h History
	if err := msgpack.NewDecoder(r).Decode(&h); err != nil {
		return nil, fmt.Errorf("deopt history: %w", err)
	}
	if h.Schema != historySchema {
		return nil, fmt.Errorf("%w: %d", ErrHistorySchema, h.Schema)
	}
	return &h, nil
}

// SaveFile atomically replaces path with h.
func (h *History) SaveFile(path string) (err error) {
	dir := filepath.Dir(path)
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "deopt-*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(f.Name())
		}
	}()
	if err = h.Encode(f); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

// LoadHistoryFile reads a history written by SaveFile. A missing file is
// an empty history.
func LoadHistoryFile(path string) (*History, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return &History{Schema: historySchema}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeHistory(f)
}
