package speculate

import (
	"hvjit/internal/deopt"
	"hvjit/internal/ir"
	"hvjit/internal/sched"
)

type branchPlan struct {
	key     Key
	cond    ir.VReg
	taken   bool
	hot     ir.BlockID
	cold    ir.BlockID
	prob    float64
	samples uint64
}

func (p *branchPlan) fact() int64 {
	if p.taken {
		return 1
	}
	return 0
}

// guard is the condition under which the hot side is the one a
// conditional exit takes: any non-zero value takes the branch.
func (p *branchPlan) guard() deopt.Condition {
	if p.taken {
		return deopt.NonZero(p.cond)
	}
	return deopt.Eq(p.cond, 0)
}

// trace speculates on the conditional exits of one trace. Runs of
// consecutive biased branches that follow the trace are merged into a
// single path guard when their joint probability is high enough.
func (r *run) trace(seg []sched.ScheduledBlock) error {
	plans := make([]*branchPlan, len(seg))
	for i, sb := range seg {
		plans[i] = r.planBranch(sb.Block)
	}
	for i := 0; i < len(seg); {
		if plans[i] == nil {
			i++
			continue
		}
		n, err := r.path(seg, plans, i)
		if err != nil {
			return err
		}
		if n > 0 {
			i += n
			continue
		}
		if err := r.branch(seg[i].Block, plans[i]); err != nil {
			return err
		}
		i++
	}
	return nil
}

func (r *run) planBranch(blk *ir.Block) *branchPlan {
	e := blk.Exit
	if e.Kind != ir.ExitBranch || e.Taken == e.Next || !r.cfg.Enabled(deopt.SpecBranch) {
		return nil
	}
	bias, ok := r.in.Profile.BranchBias(e.Site)
	if !ok {
		return nil
	}
	taken, prob := bias.Dominant()
	if !r.dominant(deopt.SpecBranch, prob, bias.Total()) {
		return nil
	}
	p := &branchPlan{
		key:     Key{Kind: deopt.SpecBranch, Site: e.Site},
		cond:    e.Cond,
		taken:   taken,
		hot:     e.Next,
		cold:    e.Taken,
		prob:    prob,
		samples: bias.Total(),
	}
	if taken {
		p.hot, p.cold = e.Taken, e.Next
	}
	return p
}

// branch replaces a biased conditional exit with a guard and a jump to
// the hot side. The cold successor is the fallback.
func (r *run) branch(blk *ir.Block, p *branchPlan) error {
	cond := p.guard()
	fb := deopt.Continuation{Block: p.cold, Site: r.in.Unit.Block(p.cold).Site}
	id, ok, err := r.claim(p.key, blk.ID, cond, fb)
	if err != nil || !ok {
		return err
	}
	blk.Instrs = append(blk.Instrs, guardInstr(id, cond, p.key.Site))
	blk.Exit = jumpTo(p.hot, blk.Exit.Site)
	r.record(Record{Key: p.key, Block: blk.ID, Reg: p.cond, Fact: p.fact(), Confidence: p.prob, Samples: p.samples, Guard: id})
	return nil
}

// path tries to merge the run of planned branches starting at seg[i]. It
// returns how many blocks the merged path covers, or 0.
func (r *run) path(seg []sched.ScheduledBlock, plans []*branchPlan, i int) (int, error) {
	if !r.cfg.Enabled(deopt.SpecPath) {
		return 0, nil
	}
	joint := plans[i].prob
	read := map[ir.VReg]bool{plans[i].cond: true}
	written := make(map[ir.VReg]bool)
	j := i
	for j+1 < len(seg) && plans[j+1] != nil && plans[j].hot == seg[j+1].Block.ID {
		if joint*plans[j+1].prob < r.cfg.PathThreshold || !reexecutable(seg[j+1].Block, read, written) {
			break
		}
		joint *= plans[j+1].prob
		j++
		read[plans[j].cond] = true
	}
	if j == i {
		return 0, nil
	}

	first, last := seg[i].Block, seg[j].Block
	key := Key{Kind: deopt.SpecPath, Site: first.Exit.Site}
	parts := make([]deopt.Condition, 0, j-i+1)
	keys := make([]Key, 0, j-i+1)
	samples := plans[i].samples
	for k := i; k <= j; k++ {
		parts = append(parts, plans[k].guard())
		keys = append(keys, plans[k].key)
		samples = min(samples, plans[k].samples)
	}
	cond := deopt.All(parts...)
	fb := deopt.Continuation{
		Block:  first.ID,
		Site:   first.Exit.Site,
		Resume: len(r.in.Unit.Block(first.ID).Instrs),
	}
	id, ok, err := r.claim(key, first.ID, cond, fb)
	if err != nil || !ok {
		// an excluded path is retried branch by branch
		return 0, err
	}
	for k := i; k <= j; k++ {
		seg[k].Block.Exit = jumpTo(plans[k].hot, seg[k].Block.Exit.Site)
	}
	last.Instrs = append(last.Instrs, guardInstr(id, cond, last.Exit.Site))
	r.record(Record{
		Key:        key,
		Block:      first.ID,
		Reg:        ir.NoVReg,
		Fact:       int64(plans[j].hot),
		Confidence: joint,
		Samples:    samples,
		Guard:      id,
		Parts:      keys,
	})
	return j - i + 1, nil
}

// reexecutable reports whether blk may run ahead of the guard that
// checks the path into it and run again after a deopt with the same
// effect: it is pure, and no register it writes was read or written
// before on the path.
func reexecutable(blk *ir.Block, read, written map[ir.VReg]bool) bool {
	var buf []ir.VReg
	for i := range blk.Instrs {
		in := &blk.Instrs[i]
		if !in.Pure() {
			return false
		}
		buf = in.Uses(buf[:0])
		for _, v := range buf {
			if !written[v] {
				read[v] = true
			}
		}
		if in.HasDst() {
			if read[in.Dst] || written[in.Dst] {
				return false
			}
			written[in.Dst] = true
		}
	}
	return true
}

func jumpTo(to ir.BlockID, site ir.Site) ir.Exit {
	return ir.Exit{Kind: ir.ExitJump, Cond: ir.NoVReg, Taken: ir.NoBlock, Next: to, Target: ir.NoVReg, Site: site}
}
