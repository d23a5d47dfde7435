package scope

import (
	"fmt"

	"hvjit/internal/ir"
	"hvjit/internal/profile"
)

// Config holds the promotion thresholds and growth budgets.
type Config struct {
	FunctionThreshold uint64  `toml:"function_threshold"`
	RegionThreshold   uint64  `toml:"region_threshold"`
	ColdThreshold     uint64  `toml:"cold_threshold"`
	RegionBias        float64 `toml:"region_bias"`
	DevirtConfidence  float64 `toml:"devirt_confidence"`
	MinSamples        uint64  `toml:"min_samples"`
	MaxInstrs         int     `toml:"max_instrs"`
	MaxRegionBlocks   int     `toml:"max_region_blocks"`
	MaxCallDepth      int     `toml:"max_call_depth"`
	MaxLevel          Level   `toml:"max_level"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		FunctionThreshold: 100,
		RegionThreshold:   1000,
		ColdThreshold:     50,
		RegionBias:        0.90,
		DevirtConfidence:  0.90,
		MinSamples:        100,
		MaxInstrs:         4096,
		MaxRegionBlocks:   64,
		MaxCallDepth:      2,
		MaxLevel:          LevelCallGraph,
	}
}

// Validate checks the thresholds for consistency.
func (c Config) Validate() error {
	switch {
	case c.RegionThreshold < c.FunctionThreshold:
		return fmt.Errorf("scope: region_threshold (%d) below function_threshold (%d)", c.RegionThreshold, c.FunctionThreshold)
	case c.RegionBias <= 0.5 || c.RegionBias > 1:
		return fmt.Errorf("scope: region_bias %v outside (0.5, 1]", c.RegionBias)
	case c.DevirtConfidence <= 0.5 || c.DevirtConfidence > 1:
		return fmt.Errorf("scope: devirt_confidence %v outside (0.5, 1]", c.DevirtConfidence)
	case c.MaxInstrs <= 0:
		return fmt.Errorf("scope: max_instrs must be positive")
	case c.MaxRegionBlocks <= 0:
		return fmt.Errorf("scope: max_region_blocks must be positive")
	case c.MaxCallDepth < 0:
		return fmt.Errorf("scope: max_call_depth must not be negative")
	case c.MaxLevel > LevelCallGraph:
		return fmt.Errorf("scope: unknown max_level %s", c.MaxLevel)
	}
	return nil
}

// Builder selects a scope level for a seed and materializes the scope.
type Builder struct {
	cfg Config
}

// NewBuilder creates a Builder.
func NewBuilder(cfg Config) *Builder {
	return &Builder{cfg: cfg}
}

// Build grows a scope around seed.
//
// Candidates are produced bottom-up (block, function, region, call graph)
// as far as the profile justifies; the highest candidate that fits the
// instruction budget wins.
func (b *Builder) Build(u *ir.Unit, seed ir.BlockID, src profile.Source) (*Scope, error) {
	blk := u.Block(seed)
	if blk == nil {
		return nil, fmt.Errorf("scope: unknown seed block %s", seed)
	}
	gen := src.Generation()
	count, known := src.Hotness(blk.Site)

	cands := []*Scope{b.blockScope(u, seed)}
	wantFunction := !known || count >= b.cfg.FunctionThreshold
	if wantFunction && b.cfg.MaxLevel >= LevelFunction {
		cands = append(cands, b.functionScope(u, seed))
	}
	if known && count >= b.cfg.RegionThreshold && b.cfg.MaxLevel >= LevelRegion {
		if region := b.regionScope(u, seed, src); region != nil {
			cands = append(cands, region)
			if b.cfg.MaxLevel >= LevelCallGraph {
				if cg := b.callGraphScope(u, seed, src); cg != nil {
					cands = append(cands, cg)
				}
			}
		}
	}

	wanted := cands[len(cands)-1].Level
	chosen := cands[0]
	for i := len(cands) - 1; i >= 0; i-- {
		if cands[i].InstrCount <= b.cfg.MaxInstrs {
			chosen = cands[i]
			break
		}
	}
	chosen.Wanted = wanted
	chosen.Capped = chosen.Level != wanted || chosen.InstrCount > b.cfg.MaxInstrs
	chosen.ProfileGen = gen
	chosen.findLoop(u)
	return chosen, nil
}

func (b *Builder) blockScope(u *ir.Unit, seed ir.BlockID) *Scope {
	s := newScope(LevelBlock, seed)
	s.add(u, s.startTrace(), seed)
	return s
}

func (b *Builder) functionScope(u *ir.Unit, seed ir.BlockID) *Scope {
	s := newScope(LevelFunction, seed)
	fn := u.Func(u.Block(seed).Func)
	s.add(u, s.startTrace(), seed)
	for _, id := range fn.Blocks {
		if id == seed {
			continue
		}
		s.add(u, s.startTrace(), id)
	}
	return s
}

// regionScope follows the hot successor chain of seed. It returns nil
// when the seed has no dominant successor to follow.
func (b *Builder) regionScope(u *ir.Unit, seed ir.BlockID, src profile.Source) *Scope {
	if _, ok := b.hotSuccessor(u.Block(seed), src); !ok {
		return nil
	}
	s := newScope(LevelRegion, seed)
	tr := s.startTrace()
	s.add(u, tr, seed)
	b.walk(u, s, src, tr, seed, 0)
	return s
}

// callGraphScope extends the region with the hot chains of dominant
// indirect call targets. Returns nil when no call site qualifies.
func (b *Builder) callGraphScope(u *ir.Unit, seed ir.BlockID, src profile.Source) *Scope {
	s := b.regionScope(u, seed, src)
	if s == nil {
		return nil
	}
	for _, id := range s.Blocks() {
		blk := u.Block(id)
		for i := range blk.Instrs {
			in := &blk.Instrs[i]
			if in.Op != ir.OpCallInd {
				continue
			}
			callee, share, total := profile.DominantTarget(src.CallTargets(in.Site))
			if total < b.cfg.MinSamples || share < b.cfg.DevirtConfidence || u.Func(callee) == nil {
				continue
			}
			s.Devirt = append(s.Devirt, CallSite{Block: id, Site: in.Site, Callee: callee, Confidence: share})
			entry := u.Func(callee).Entry
			if s.Contains(entry) {
				continue
			}
			tr := s.startTrace()
			s.add(u, tr, entry)
			if b.hot(u, src, entry) {
				b.walk(u, s, src, tr, entry, 1)
			}
		}
	}
	if len(s.Devirt) == 0 {
		return nil
	}
	s.Level = LevelCallGraph
	s.Caps = LevelCallGraph.Capabilities()
	return s
}

// walk grows trace tr from start. Every block the walk reaches becomes a
// member, but growth only continues out of hot blocks.
func (b *Builder) walk(u *ir.Unit, s *Scope, src profile.Source, tr int, start ir.BlockID, depth int) {
	cur := start
	for {
		b.pullCallees(u, s, src, cur, depth)
		next, ok := b.hotSuccessor(u.Block(cur), src)
		if !ok || s.Contains(next) || s.Len() >= b.cfg.MaxRegionBlocks {
			return
		}
		if s.InstrCount+u.Block(next).Len() > b.cfg.MaxInstrs {
			return
		}
		s.add(u, tr, next)
		if !b.hot(u, src, next) {
			return
		}
		cur = next
	}
}

// pullCallees adds the hot chains of direct callees in cur as new traces.
func (b *Builder) pullCallees(u *ir.Unit, s *Scope, src profile.Source, cur ir.BlockID, depth int) {
	if depth >= b.cfg.MaxCallDepth {
		return
	}
	blk := u.Block(cur)
	for i := range blk.Instrs {
		in := &blk.Instrs[i]
		if in.Op != ir.OpCall {
			continue
		}
		fn := u.Func(in.Callee)
		if fn == nil || s.Contains(fn.Entry) || s.Len() >= b.cfg.MaxRegionBlocks {
			continue
		}
		if !b.hot(u, src, fn.Entry) || s.InstrCount+u.Block(fn.Entry).Len() > b.cfg.MaxInstrs {
			continue
		}
		tr := s.startTrace()
		s.add(u, tr, fn.Entry)
		b.walk(u, s, src, tr, fn.Entry, depth+1)
	}
}

// hotSuccessor picks the successor a dominant path continues to.
func (b *Builder) hotSuccessor(blk *ir.Block, src profile.Source) (ir.BlockID, bool) {
	switch blk.Exit.Kind {
	case ir.ExitJump:
		return blk.Exit.Next, true
	case ir.ExitBranch:
		bias, ok := src.BranchBias(blk.Exit.Site)
		if !ok || bias.Total() < b.cfg.MinSamples {
			return ir.NoBlock, false
		}
		taken, prob := bias.Dominant()
		if prob < b.cfg.RegionBias {
			return ir.NoBlock, false
		}
		if taken {
			return blk.Exit.Taken, true
		}
		return blk.Exit.Next, true
	}
	return ir.NoBlock, false
}

func (b *Builder) hot(u *ir.Unit, src profile.Source, id ir.BlockID) bool {
	n, ok := src.Hotness(u.Block(id).Site)
	return ok && n >= b.cfg.ColdThreshold
}
