package speculate

import (
	"errors"
	"fmt"

	"hvjit/internal/deopt"
	"hvjit/internal/depgraph"
	"hvjit/internal/ir"
	"hvjit/internal/profile"
	"hvjit/internal/scope"
	"hvjit/internal/sched"
)

// ErrIncompleteInput is returned when Input lacks a required part.
var ErrIncompleteInput = errors.New("speculate: incomplete input")

// Input is everything one speculation pass reads.
type Input struct {
	Unit     *ir.Unit
	Scope    *scope.Scope
	Graph    *depgraph.Graph
	Schedule *sched.Result
	Profile  profile.Source
	// Table receives the guards. It belongs to the native block being
	// compiled and must not be sealed yet.
	Table *deopt.Table
	// Excluded speculations are never made again, however dominant.
	Excluded []Key
}

// Output is the guarded, scheduled code of a scope.
type Output struct {
	// Blocks are the scope's blocks in trace order with bodies in
	// scheduled order.
	Blocks  []*ir.Block
	Records []Record
	Skipped []Skip
	// NextVReg is the first register not used by the output.
	NextVReg ir.VReg
}

// Record looks up the speculation made for key.
func (o *Output) Record(key Key) (Record, bool) {
	for _, r := range o.Records {
		if r.Key == key {
			return r, true
		}
	}
	return Record{}, false
}

// Engine runs speculation passes. It holds no per-scope state and may be
// shared by concurrent compiles.
type Engine struct {
	cfg Config
}

// NewEngine creates an Engine.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Run materializes the schedule and speculates on it. Guards are
// requested in scheduled order, so a guard always sits at its final
// position.
func (e *Engine) Run(in Input) (*Output, error) {
	if in.Unit == nil || in.Scope == nil || in.Graph == nil || in.Schedule == nil || in.Profile == nil || in.Table == nil {
		return nil, ErrIncompleteInput
	}
	if in.Table.Sealed() {
		return nil, deopt.ErrSealed
	}
	r := &run{
		cfg:      e.cfg,
		in:       in,
		next:     in.Unit.NextVReg(),
		excluded: make(map[Key]bool, len(in.Excluded)),
		out:      &Output{},
	}
	for _, k := range in.Excluded {
		r.excluded[k] = true
	}

	blocks := sched.Materialize(in.Unit, in.Graph, in.Schedule.Order)
	for i := range blocks {
		if err := r.body(&blocks[i]); err != nil {
			return nil, err
		}
	}
	pos := 0
	for _, tr := range in.Graph.Traces {
		if err := r.trace(blocks[pos : pos+len(tr)]); err != nil {
			return nil, err
		}
		pos += len(tr)
	}

	for _, sb := range blocks {
		r.out.Blocks = append(r.out.Blocks, sb.Block)
	}
	r.out.NextVReg = r.next
	return r.out, nil
}

type run struct {
	cfg      Config
	in       Input
	next     ir.VReg
	excluded map[Key]bool
	guards   int
	out      *Output
}

func (r *run) dominant(k Kind, share float64, total uint64) bool {
	return total > 0 && total >= r.cfg.MinSamples && share >= r.cfg.threshold(k)
}

func (r *run) skip(key Key, block ir.BlockID, why SkipReason) {
	r.out.Skipped = append(r.out.Skipped, Skip{Key: key, Block: block, Reason: why})
}

func (r *run) record(rec Record) { r.out.Records = append(r.out.Records, rec) }

// claim requests the guard of a candidate that qualified on profile.
// ok is false when the candidate has to stay unspeculated.
func (r *run) claim(key Key, block ir.BlockID, cond deopt.Condition, fb deopt.Continuation) (id deopt.GuardID, ok bool, err error) {
	if r.excluded[key] {
		r.skip(key, block, SkipExcluded)
		return deopt.NoGuard, false, nil
	}
	if r.guards >= r.cfg.MaxGuards {
		r.skip(key, block, SkipBudget)
		return deopt.NoGuard, false, nil
	}
	fb.Tier = deopt.TierBaseline
	id, err = r.in.Table.Add(key, cond, fb)
	if err != nil {
		return deopt.NoGuard, false, fmt.Errorf("speculate %s: %w", key, err)
	}
	r.guards++
	return id, true, nil
}

// progress tracks which instructions of the original block have run at
// a point of the scheduled body. A fallback resumes at the first one
// that has not, so the lower tier runs again whatever the scheduler
// moved above the guard from past that point.
type progress struct {
	done  []bool
	first int
}

func (p *progress) mark(i int) {
	if i < len(p.done) {
		p.done[i] = true
	}
	for p.first < len(p.done) && p.done[p.first] {
		p.first++
	}
}

// replayable reports whether a fallback resuming at orig[resume] may run
// again the instructions from there on that already ran: each must be
// pure and must not overwrite a register read at or before it. self is
// the instruction being speculated on and is not counted as run.
func (p *progress) replayable(orig []ir.Instr, resume, self int) bool {
	read := make(map[ir.VReg]bool)
	var buf []ir.VReg
	for k := resume; k < len(orig) && k < len(p.done); k++ {
		in := &orig[k]
		buf = in.Uses(buf[:0])
		for _, v := range buf {
			read[v] = true
		}
		if k == self || !p.done[k] {
			continue
		}
		if !in.Pure() || (in.HasDst() && read[in.Dst]) {
			return false
		}
	}
	return true
}

func (r *run) body(sb *sched.ScheduledBlock) error {
	blk := sb.Block
	src := blk.Instrs
	out := make([]ir.Instr, 0, len(src)+4)
	orig := r.in.Unit.Block(blk.ID).Instrs
	prog := progress{done: make([]bool, len(orig))}
	for i := 0; i < len(src); i++ {
		in := src[i]
		org := sb.Origin[i]
		if org.Block != blk.ID {
			// hoisted from a later block; the path to it is not certain yet
			out = append(out, in)
			continue
		}
		resume := prog.first
		prog.mark(org.Index)

		var (
			seq []ir.Instr
			err error
		)
		switch in.Op {
		case ir.OpTypeOf:
			seq, err = r.typeOf(in, org.Block, resume, prog.replayable(orig, resume, org.Index))
		case ir.OpCallInd:
			seq, err = r.callTarget(in, org.Block, resume, prog.replayable(orig, resume, org.Index))
		}
		if err != nil {
			return err
		}
		if seq == nil && in.Op != ir.OpTypeOf && in.HasDst() && in.Flags.Has(ir.FlagValueProfiled) {
			var (
				v  int64
				ok bool
			)
			seq, v, ok, err = r.value(in, org.Block, prog.first, prog.replayable(orig, prog.first, org.Index))
			if err != nil {
				return err
			}
			if ok {
				propagate(src[i+1:], &blk.Exit, in.Dst, v)
			}
		}
		if seq == nil {
			seq = []ir.Instr{in}
		}
		out = append(out, seq...)
	}
	blk.Instrs = out
	return nil
}

// typeOf turns dst = typeof src into a type guard plus a constant.
func (r *run) typeOf(in ir.Instr, block ir.BlockID, resume int, safe bool) ([]ir.Instr, error) {
	if !r.cfg.Enabled(deopt.SpecType) || !in.HasDst() || len(in.Args) == 0 || in.Args[0].Kind != ir.OperandReg {
		return nil, nil
	}
	tag, share, total := profile.DominantValue(r.in.Profile.ValueHistogram(in.Site))
	if !r.dominant(deopt.SpecType, share, total) {
		return nil, nil
	}
	src := in.Args[0].Reg
	key := Key{Kind: deopt.SpecType, Site: in.Site}
	if !safe {
		r.skip(key, block, SkipReordered)
		return nil, nil
	}
	cond := deopt.TypeIs(src, tag)
	id, ok, err := r.claim(key, block, cond, deopt.Continuation{Block: block, Site: in.Site, Resume: resume})
	if err != nil || !ok {
		return nil, err
	}
	r.record(Record{Key: key, Block: block, Reg: src, Fact: tag, Confidence: share, Samples: total, Guard: id})
	return []ir.Instr{guardInstr(id, cond, in.Site), constInstr(in.Dst, tag, in.Site)}, nil
}

// value guards the result of a value-profiled producer right after it.
// Without a dominant value it tries a range guard instead.
func (r *run) value(in ir.Instr, block ir.BlockID, resume int, safe bool) ([]ir.Instr, int64, bool, error) {
	hist := r.in.Profile.ValueHistogram(in.Site)
	v, share, total := profile.DominantValue(hist)
	if !r.cfg.Enabled(deopt.SpecValue) || !r.dominant(deopt.SpecValue, share, total) {
		seq, err := r.valueRange(in, hist, block, resume, safe)
		return seq, 0, false, err
	}
	key := Key{Kind: deopt.SpecValue, Site: in.Site}
	if !safe {
		r.skip(key, block, SkipReordered)
		return nil, 0, false, nil
	}
	cond := deopt.Eq(in.Dst, v)
	id, ok, err := r.claim(key, block, cond, deopt.Continuation{Block: block, Site: in.Site, Resume: resume})
	if err != nil || !ok {
		return nil, 0, false, err
	}
	r.record(Record{Key: key, Block: block, Reg: in.Dst, Fact: v, Confidence: share, Samples: total, Guard: id})
	return []ir.Instr{in, guardInstr(id, cond, in.Site)}, v, true, nil
}

// valueRange guards a value-profiled result that stays inside a narrow
// range. Nothing is folded: the guard only establishes the bounds.
func (r *run) valueRange(in ir.Instr, hist []profile.ValueCount, block ir.BlockID, resume int, safe bool) ([]ir.Instr, error) {
	if !r.cfg.Enabled(deopt.SpecRange) {
		return nil, nil
	}
	lo, hi, share, total := profile.TightRange(hist, r.cfg.MaxRangeSpan)
	if !r.dominant(deopt.SpecRange, share, total) {
		return nil, nil
	}
	key := Key{Kind: deopt.SpecRange, Site: in.Site}
	if !safe {
		r.skip(key, block, SkipReordered)
		return nil, nil
	}
	cond := deopt.InRange(in.Dst, lo, hi)
	id, ok, err := r.claim(key, block, cond, deopt.Continuation{Block: block, Site: in.Site, Resume: resume})
	if err != nil || !ok {
		return nil, err
	}
	r.record(Record{Key: key, Block: block, Reg: in.Dst, Fact: lo, Hi: hi, Confidence: share, Samples: total, Guard: id})
	return []ir.Instr{in, guardInstr(id, cond, in.Site)}, nil
}

// callTarget turns an indirect call with a dominant callee into a
// target guard plus a direct call, or the inlined callee body. A call
// spread over a few callees gets a dispatch over them instead.
func (r *run) callTarget(in ir.Instr, block ir.BlockID, resume int, safe bool) ([]ir.Instr, error) {
	if !r.cfg.Enabled(deopt.SpecCallTarget) || len(in.Args) == 0 || in.Args[0].Kind != ir.OperandReg {
		return nil, nil
	}
	hist := r.in.Profile.CallTargets(in.Site)
	callee, share, total := profile.DominantTarget(hist)
	if !r.dominant(deopt.SpecCallTarget, share, total) {
		return r.polyTarget(in, hist, block, resume, safe)
	}
	fn := r.in.Unit.Func(callee)
	if fn == nil {
		return nil, nil
	}
	key := Key{Kind: deopt.SpecCallTarget, Site: in.Site}
	if !r.devirtAllowed(key, block, safe) {
		return nil, nil
	}
	target := in.Args[0].Reg
	cond := deopt.TargetIs(target, callee)
	id, ok, err := r.claim(key, block, cond, deopt.Continuation{Block: block, Site: in.Site, Resume: resume})
	if err != nil || !ok {
		return nil, err
	}
	rec := Record{Key: key, Block: block, Reg: target, Fact: int64(callee), Confidence: share, Samples: total, Guard: id}
	seq := []ir.Instr{guardInstr(id, cond, in.Site)}
	if body, ok := r.inline(fn, in); ok {
		seq = append(seq, body...)
		rec.Inlined = true
	} else {
		seq = append(seq, ir.Instr{
			Op:     ir.OpCall,
			Dst:    in.Dst,
			Args:   append([]ir.Operand(nil), in.Args[1:]...),
			Flags:  ir.DefaultFlags(ir.OpCall),
			Site:   in.Site,
			Callee: callee,
		})
	}
	r.record(rec)
	return seq, nil
}

func (r *run) devirtAllowed(key Key, block ir.BlockID, safe bool) bool {
	switch {
	case !r.in.Scope.Caps.Has(scope.CapDevirt):
		r.skip(key, block, SkipCapability)
		return false
	case !safe:
		r.skip(key, block, SkipReordered)
		return false
	}
	return true
}

// polyTarget guards that the callee is one of the few that cover the
// site and replaces the indirect call with a dispatch over them.
func (r *run) polyTarget(in ir.Instr, hist []profile.TargetCount, block ir.BlockID, resume int, safe bool) ([]ir.Instr, error) {
	if r.cfg.MaxPolyTargets < 2 {
		return nil, nil
	}
	callees, covered, total, ok := profile.CoveringTargets(hist, r.cfg.MaxPolyTargets, r.cfg.PolyThreshold)
	if !ok || len(callees) < 2 || total < r.cfg.MinSamples {
		return nil, nil
	}
	for _, fn := range callees {
		if r.in.Unit.Func(fn) == nil {
			return nil, nil
		}
	}
	key := Key{Kind: deopt.SpecCallTarget, Site: in.Site}
	if !r.devirtAllowed(key, block, safe) {
		return nil, nil
	}
	target := in.Args[0].Reg
	cond := deopt.TargetIn(target, callees...)
	id, ok, err := r.claim(key, block, cond, deopt.Continuation{Block: block, Site: in.Site, Resume: resume})
	if err != nil || !ok {
		return nil, err
	}
	r.record(Record{
		Key:        key,
		Block:      block,
		Reg:        target,
		Fact:       int64(callees[0]),
		Confidence: covered,
		Samples:    total,
		Guard:      id,
		Targets:    callees,
	})
	return []ir.Instr{
		guardInstr(id, cond, in.Site),
		{
			Op:      ir.OpDispatch,
			Dst:     in.Dst,
			Args:    append([]ir.Operand(nil), in.Args...),
			Flags:   ir.DefaultFlags(ir.OpDispatch),
			Site:    in.Site,
			Callee:  ir.NoFunc,
			Targets: callees,
		},
	}, nil
}

// inline copies a single-block leaf callee into the caller with fresh
// registers. The callee must be part of the scope.
func (r *run) inline(fn *ir.Func, call ir.Instr) ([]ir.Instr, bool) {
	s := r.in.Scope
	if !s.Caps.Has(scope.CapInline) || len(fn.Blocks) != 1 || !s.Contains(fn.Entry) {
		return nil, false
	}
	body := r.in.Unit.Block(fn.Entry)
	args := call.Args[1:]
	if body.Exit.Kind != ir.ExitReturn || len(body.Instrs) > r.cfg.MaxInlineInstrs || len(args) != len(fn.Params) {
		return nil, false
	}
	for i := range body.Instrs {
		switch body.Instrs[i].Op {
		case ir.OpCall, ir.OpCallInd, ir.OpDispatch, ir.OpSyscall, ir.OpGuard:
			return nil, false
		}
	}

	names := make(map[ir.VReg]ir.VReg)
	rename := func(v ir.VReg) ir.VReg {
		if n, ok := names[v]; ok {
			return n
		}
		n := r.next
		r.next++
		names[v] = n
		return n
	}
	seq := make([]ir.Instr, 0, len(args)+len(body.Instrs)+1)
	for i, p := range fn.Params {
		seq = append(seq, movInstr(rename(p), args[i], call.Site))
	}
	for _, bi := range body.Instrs {
		c := bi.Clone()
		for j, a := range c.Args {
			if a.Kind == ir.OperandReg {
				c.Args[j] = ir.Reg(rename(a.Reg))
			}
		}
		if c.HasDst() {
			c.Dst = rename(c.Dst)
		}
		seq = append(seq, c)
	}
	if call.HasDst() {
		ret := body.Exit.Value
		switch ret.Kind {
		case ir.OperandReg:
			ret = ir.Reg(rename(ret.Reg))
		case ir.OperandNone:
			ret = ir.Imm(0)
		}
		seq = append(seq, movInstr(call.Dst, ret, call.Site))
	}
	return seq, true
}

// propagate replaces reads of reg with v until reg is redefined.
func propagate(rest []ir.Instr, exit *ir.Exit, reg ir.VReg, v int64) {
	for i := range rest {
		in := &rest[i]
		for j, a := range in.Args {
			if a.IsReg(reg) && !needsReg(in.Op, j) {
				in.Args[j] = ir.Imm(v)
			}
		}
		if in.Dst == reg {
			return
		}
	}
	if exit.Kind == ir.ExitReturn && exit.Value.IsReg(reg) {
		exit.Value = ir.Imm(v)
	}
}

func needsReg(op ir.Op, arg int) bool {
	switch op {
	case ir.OpGuard:
		return true
	case ir.OpCallInd, ir.OpDispatch, ir.OpTypeOf, ir.OpLoad, ir.OpStore:
		return arg == 0
	}
	return false
}

func guardInstr(id deopt.GuardID, c deopt.Condition, site ir.Site) ir.Instr {
	regs := c.Regs()
	args := make([]ir.Operand, len(regs))
	for i, v := range regs {
		args[i] = ir.Reg(v)
	}
	return ir.Instr{
		Op:     ir.OpGuard,
		Dst:    ir.NoVReg,
		Args:   args,
		Flags:  ir.DefaultFlags(ir.OpGuard),
		Site:   site,
		Callee: ir.NoFunc,
		Guard:  uint32(id),
	}
}

func constInstr(dst ir.VReg, v int64, site ir.Site) ir.Instr {
	return ir.Instr{Op: ir.OpConst, Dst: dst, Args: []ir.Operand{ir.Imm(v)}, Site: site, Callee: ir.NoFunc}
}

func movInstr(dst ir.VReg, src ir.Operand, site ir.Site) ir.Instr {
	return ir.Instr{Op: ir.OpMov, Dst: dst, Args: []ir.Operand{src}, Site: site, Callee: ir.NoFunc}
}
