package optimizer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hvjit/internal/deopt"
	"hvjit/internal/depgraph"
	"hvjit/internal/diag"
	"hvjit/internal/ir"
	"hvjit/internal/observ"
	"hvjit/internal/profile"
	"hvjit/internal/scope"
	"hvjit/internal/sched"
	"hvjit/internal/speculate"
	"hvjit/internal/trace"
)

// Request asks for one seed block to be compiled.
type Request struct {
	Unit *ir.Unit
	Seed ir.BlockID
	// Excluded speculations are added to the permanent exclusions the
	// deopt manager holds for Seed.
	Excluded []deopt.Key
}

// Stats counts what the optimizer did to a scope.
type Stats struct {
	Blocks        int
	Instrs        int
	Reordered     int
	Hoisted       int
	Guards        int
	Inlined       int
	Devirtualized int
	CSE           int
	DCE           int
	// Speedup estimates serial latency over scheduled cycles.
	Speedup float64
}

// Result is the guarded, scheduled code for one seed plus everything a
// code generation tier needs to pick it up.
type Result struct {
	Seed  ir.BlockID
	Site  ir.Site
	Level scope.Level
	// Tier is the lowest tier allowed to compile Blocks. Region and call
	// graph scopes are only compiled by the optimizing tier.
	Tier         deopt.Tier
	Scope        *scope.Scope
	Blocks       []*ir.Block
	NextVReg     ir.VReg
	Graph        depgraph.Stats
	Schedule     *sched.Result
	Speculations []speculate.Record
	Skipped      []speculate.Skip
	// Table holds one guard per speculation. It is sealed and becomes
	// live on Commit.
	Table       *deopt.Table
	Diagnostics *diag.Bag
	Timings     observ.Report
	ProfileGen  uint64
	Stats       Stats
}

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithStore records every compiled scope in store.
func WithStore(store *scope.Store) Option {
	return func(o *Optimizer) { o.store = store }
}

// WithHeartbeat makes CompileAll emit trace heartbeats every d.
func WithHeartbeat(d time.Duration) Option {
	return func(o *Optimizer) { o.heartbeat = d }
}

// WithProgress reports job progress to sink.
func WithProgress(sink ProgressSink) Option {
	return func(o *Optimizer) { o.progress = sink }
}

// Optimizer compiles scopes. It holds no per-job state; Compile may be
// called from several goroutines for different seeds.
type Optimizer struct {
	cfg       Config
	builder   *scope.Builder
	engine    *speculate.Engine
	manager   *deopt.Manager
	store     *scope.Store
	progress  ProgressSink
	heartbeat time.Duration
}

// New creates an Optimizer installing guards into manager.
func New(cfg Config, manager *deopt.Manager, opts ...Option) (*Optimizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if manager == nil {
		return nil, errors.New("optimizer: nil deopt manager")
	}
	o := &Optimizer{
		cfg:     cfg,
		builder: scope.NewBuilder(cfg.Scope),
		engine:  speculate.NewEngine(cfg.Speculate),
		manager: manager,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Config returns the optimizer configuration.
func (o *Optimizer) Config() Config { return o.cfg }

// Manager returns the deopt manager guards are installed into.
func (o *Optimizer) Manager() *deopt.Manager { return o.manager }

// TierFor is the lowest tier allowed to compile a scope of level l.
func TierFor(l scope.Level) deopt.Tier {
	if l >= scope.LevelRegion {
		return deopt.TierOptimizing
	}
	return deopt.TierBaseline
}

// job is the state of one Compile call.
type job struct {
	o     *Optimizer
	ctx   context.Context
	req   Request
	site  ir.Site
	bag   *diag.Bag
	rep   diag.Reporter
	timer *observ.Timer
	stage Stage
}

// Compile runs scope building, graph building, scheduling and speculation
// for req.Seed, in that order. Speculation reads the final schedule so
// every guard lands at its final position.
//
// Compile is synchronous and does not stop part way: ctx is only checked
// before the job starts. A failed job returns a *JobError; the caller
// keeps whatever code it already had for the seed.
func (o *Optimizer) Compile(ctx context.Context, src profile.Source, req Request) (*Result, error) {
	seedBlk := req.Unit.Block(req.Seed)
	if seedBlk == nil {
		bag := diag.NewBag(1)
		err := fmt.Errorf("unknown seed block %s", req.Seed)
		bag.Add(diag.NewError(diag.IRUnknownBlock, 0, err.Error()))
		return nil, &JobError{Seed: req.Seed, Stage: StageScope, Err: err, Diagnostics: bag}
	}
	j := &job{
		o:     o,
		ctx:   ctx,
		req:   req,
		site:  seedBlk.Site,
		bag:   diag.NewBag(o.cfg.MaxDiagnostics),
		timer: observ.NewTimer(),
		stage: StageScope,
	}
	j.rep = diag.NewDedupReporter(diag.BagReporter{Bag: j.bag})
	if err := ctx.Err(); err != nil {
		diag.ReportError(j.rep, diag.OptCanceled, j.site, err.Error()).Emit()
		return nil, j.fail(err)
	}

	span, ctx := trace.StartJob(ctx, "compile", j.site)
	span.WithExtra("seed", req.Seed.String())
	j.ctx = ctx
	res, err := j.run(src)
	if err != nil {
		span.End("failed: " + err.Error())
		return nil, err
	}
	span.WithExtra("level", res.Level.String()).
		WithInt("guards", res.Stats.Guards).
		WithInt("reordered", res.Stats.Reordered)
	span.End("")
	return res, nil
}

func (j *job) fail(err error) error {
	j.o.emit(j.req.Seed, j.stage, StatusError, err, 0)
	return &JobError{Seed: j.req.Seed, Stage: j.stage, Err: err, Diagnostics: j.bag}
}

// phase runs fn as stage with a trace span, a timer phase and progress
// events around it.
func (j *job) phase(stage Stage, fn func(sp *trace.Span) error) error {
	j.stage = stage
	j.o.emit(j.req.Seed, stage, StatusWorking, nil, 0)
	sp, _ := trace.Start(j.ctx, trace.ScopePhase, string(stage))
	start := time.Now()
	err := j.timer.Measure(string(stage), func() error { return fn(sp) })
	if err != nil {
		sp.End("failed")
		return j.fail(err)
	}
	sp.End("")
	j.o.emit(j.req.Seed, stage, StatusDone, nil, time.Since(start))
	return nil
}

func (j *job) run(src profile.Source) (*Result, error) {
	o, u := j.o, j.req.Unit
	res := &Result{Seed: j.req.Seed, Site: j.site, Diagnostics: j.bag}

	var s *scope.Scope
	err := j.phase(StageScope, func(sp *trace.Span) error {
		if err := ir.Validate(u); err != nil {
			diag.ReportError(j.rep, diag.IRInvalid, j.site, err.Error()).Emit()
			return err
		}
		var err error
		s, err = o.builder.Build(u, j.req.Seed, src)
		if err != nil {
			diag.ReportError(j.rep, diag.IRUnknownBlock, j.site, err.Error()).Emit()
			return err
		}
		if _, known := src.Hotness(j.site); !known {
			diag.ReportInfo(j.rep, diag.ScopeNoProfile, j.site, "no hotness recorded for seed, using function scope").Emit()
		}
		if s.Capped {
			diag.ReportWarning(j.rep, diag.ScopeCapped, j.site,
				fmt.Sprintf("wanted %s scope, capped at %s (%d instructions, budget %d)", s.Wanted, s.Level, s.InstrCount, o.cfg.Scope.MaxInstrs)).Emit()
		}
		if err := s.Require(scope.CapReorder, "schedule"); err != nil {
			diag.ReportError(j.rep, diag.ScopeCapability, j.site, err.Error()).Emit()
			return err
		}
		sp.WithExtra("level", s.Level.String()).WithInt("blocks", s.Len()).WithInt("instrs", s.InstrCount)
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Scope, res.Level, res.Tier, res.ProfileGen = s, s.Level, TierFor(s.Level), s.ProfileGen

	var g *depgraph.Graph
	err = j.phase(StageDepGraph, func(sp *trace.Span) error {
		var err error
		g, err = depgraph.Build(u, s, depgraph.Options{Latencies: o.cfg.Latencies})
		if err != nil {
			j.reportDefect(err)
			return err
		}
		res.Graph = g.Stats()
		sp.WithInt("nodes", res.Graph.Nodes).WithInt("edges", res.Graph.Edges).WithInt("critical_path", res.Graph.CriticalPath)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = j.phase(StageSched, func(sp *trace.Span) error {
		alg := sched.Select(sched.ShapeOf(g, s.Level), o.cfg.Sched)
		sr, err := sched.Schedule(g, alg, o.cfg.Sched)
		if err != nil {
			j.reportDefect(err)
			return err
		}
		if sr.Fallback() {
			diag.ReportInfo(j.rep, diag.SchedModuloFallback, j.site,
				fmt.Sprintf("%s found no initiation interval within %d tries, used %s", sr.Requested, o.cfg.Sched.ModuloSearch, sr.Algorithm)).Emit()
		}
		res.Schedule = sr
		sp.WithExtra("algorithm", sr.Algorithm.String()).WithInt("cycles", sr.Cycles).WithInt("reordered", sr.Reordered)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var out *speculate.Output
	table := o.manager.NewTable(j.req.Seed)
	err = j.phase(StageSpeculate, func(sp *trace.Span) error {
		var err error
		out, err = o.engine.Run(speculate.Input{
			Unit:     u,
			Scope:    s,
			Graph:    g,
			Schedule: res.Schedule,
			Profile:  src,
			Table:    table,
			Excluded: j.exclusions(),
		})
		if err != nil {
			diag.ReportError(j.rep, diag.SpecDefect, j.site, err.Error()).Emit()
			return err
		}
		if err := checkGuards(out, table); err != nil {
			diag.ReportError(j.rep, diag.SpecDefect, j.site, err.Error()).Emit()
			return err
		}
		j.reportSpeculation(out)
		sp.WithInt("speculations", len(out.Records)).WithInt("skipped", len(out.Skipped))
		return nil
	})
	if err != nil {
		return nil, err
	}

	if o.cfg.Simplify {
		err = j.phase(StageSimplify, func(sp *trace.Span) error {
			res.Stats.CSE, res.Stats.DCE = simplify(u, s, out.Blocks)
			sp.WithInt("cse", res.Stats.CSE).WithInt("dce", res.Stats.DCE)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	table.Seal()
	res.Table = table
	res.Blocks = out.Blocks
	res.NextVReg = out.NextVReg
	res.Speculations = out.Records
	res.Skipped = out.Skipped
	res.Timings = j.timer.Report()
	j.fillStats(res, g)
	if o.store != nil {
		rec := scope.NewRecord(u, s)
		rec.Graph = scope.GraphStats{
			Nodes:        res.Graph.Nodes,
			Edges:        res.Graph.Edges,
			MemoryEdges:  res.Graph.ByKind[depgraph.EdgeMemory],
			CriticalPath: res.Graph.CriticalPath,
		}
		o.store.Put(rec)
	}
	return res, nil
}

// exclusions merges the request's exclusions with the permanent ones.
func (j *job) exclusions() []deopt.Key {
	perm := j.o.manager.Exclusions(j.req.Seed)
	if len(j.req.Excluded) == 0 {
		return perm
	}
	seen := make(map[deopt.Key]bool, len(perm)+len(j.req.Excluded))
	out := make([]deopt.Key, 0, len(perm)+len(j.req.Excluded))
	for _, k := range append(perm, j.req.Excluded...) {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

func (j *job) reportDefect(err error) {
	code := diag.UnknownCode
	site := j.site
	var de *depgraph.DefectError
	var ce *sched.ContractError
	switch {
	case errors.As(err, &de):
		switch de.Kind {
		case depgraph.DefectCycle:
			code = diag.DepCycle
		case depgraph.DefectBackEdge:
			code = diag.DepBackEdge
		default:
			code = diag.DepUnknownBlock
		}
		if b := j.req.Unit.Block(de.Block); b != nil {
			site = b.Site
		}
	case errors.As(err, &ce):
		code = diag.SchedContract
	}
	diag.ReportError(j.rep, code, site, err.Error()).Emit()
}

func (j *job) reportSpeculation(out *speculate.Output) {
	for _, sk := range out.Skipped {
		switch sk.Reason {
		case speculate.SkipExcluded:
			diag.ReportInfo(j.rep, diag.SpecExcluded, sk.Key.Site, sk.String()).Emit()
		case speculate.SkipBudget:
			diag.ReportWarning(j.rep, diag.SpecBudget, sk.Key.Site,
				fmt.Sprintf("%s (max_guards %d)", sk, j.o.cfg.Speculate.MaxGuards)).Emit()
		case speculate.SkipCapability:
			diag.ReportInfo(j.rep, diag.SpecCapability, sk.Key.Site, sk.String()).Emit()
		case speculate.SkipReordered:
			diag.ReportInfo(j.rep, diag.SpecReordered, sk.Key.Site, sk.String()).Emit()
		}
	}
	for _, r := range out.Records {
		trace.Mark(j.ctx, trace.ScopeBlock, "bet", "%s", r)
	}
}

// checkGuards holds the engine to its contract: one guard per
// speculation, each with its own fallback.
func checkGuards(out *speculate.Output, table *deopt.Table) error {
	if table.Len() != len(out.Records) {
		return fmt.Errorf("%d speculations but %d guards", len(out.Records), table.Len())
	}
	for _, r := range out.Records {
		g, ok := table.Lookup(r.Key)
		if !ok || g.ID != r.Guard {
			return fmt.Errorf("speculation %s has no guard", r.Key)
		}
		if g.Fallback.Guard != g.ID {
			return fmt.Errorf("guard %s shares the fallback of %s", g.ID, g.Fallback.Guard)
		}
	}
	return nil
}

func (j *job) fillStats(res *Result, g *depgraph.Graph) {
	st := &res.Stats
	st.Blocks = len(res.Blocks)
	for _, b := range res.Blocks {
		st.Instrs += b.Len()
	}
	st.Reordered = res.Schedule.Reordered
	st.Hoisted = g.Hoisted
	st.Guards = res.Table.Len()
	for _, r := range res.Speculations {
		if r.Key.Kind != deopt.SpecCallTarget {
			continue
		}
		st.Devirtualized++
		if r.Inlined {
			st.Inlined++
		}
	}
	serial := 0
	for i := range g.Nodes {
		serial += g.Nodes[i].Latency
	}
	if res.Schedule.Cycles > 0 {
		st.Speedup = float64(serial) / float64(res.Schedule.Cycles)
	}
}

func (s Stats) String() string {
	return fmt.Sprintf("blocks=%d instrs=%d reordered=%d hoisted=%d guards=%d devirt=%d inlined=%d cse=%d dce=%d speedup=%.2f",
		s.Blocks, s.Instrs, s.Reordered, s.Hoisted, s.Guards, s.Devirtualized, s.Inlined, s.CSE, s.DCE, s.Speedup)
}
