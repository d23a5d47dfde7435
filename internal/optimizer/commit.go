package optimizer

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"hvjit/internal/deopt"
	"hvjit/internal/diag"
	"hvjit/internal/ir"
	"hvjit/internal/profile"
	"hvjit/internal/trace"
)

// Commit installs res unless the profile has moved more than
// StaleTolerance generations since the job started, in which case the
// result is discarded and ErrStale returned.
func (o *Optimizer) Commit(src profile.Source, res *Result) error {
	start := time.Now()
	rep := diag.BagReporter{Bag: res.Diagnostics}
	o.emit(res.Seed, StageCommit, StatusWorking, nil, 0)
	if gen := src.Generation(); gen > res.ProfileGen && gen-res.ProfileGen > o.cfg.StaleTolerance {
		err := fmt.Errorf("%w: compiled against generation %d, profile is at %d", ErrStale, res.ProfileGen, gen)
		diag.ReportWarning(rep, diag.OptStale, res.Site, err.Error()).Emit()
		o.emit(res.Seed, StageCommit, StatusStale, err, time.Since(start))
		return err
	}
	if err := o.manager.Install(res.Table); err != nil {
		diag.ReportError(rep, diag.OptInstall, res.Site, err.Error()).Emit()
		o.emit(res.Seed, StageCommit, StatusError, err, time.Since(start))
		return err
	}
	o.emit(res.Seed, StageCommit, StatusDone, nil, time.Since(start))
	return nil
}

// Outcome is the fate of one request in a batch.
type Outcome struct {
	Request Request
	Result  *Result
	Err     error
}

// Stale reports whether the result was discarded at commit.
func (oc Outcome) Stale() bool { return errors.Is(oc.Err, ErrStale) }

// CompileAll compiles and commits independent requests on up to Workers
// goroutines. A failing job does not cancel its siblings; once ctx is
// done, jobs that have not started are skipped with ctx's error.
func (o *Optimizer) CompileAll(ctx context.Context, src profile.Source, reqs []Request) []Outcome {
	out := make([]Outcome, len(reqs))
	workers := o.cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	span, ctx := trace.Start(ctx, trace.ScopeBatch, "batch")
	span.WithInt("jobs", len(reqs)).WithInt("workers", workers)
	hb := trace.StartHeartbeat(ctx, trace.FromContext(ctx), o.heartbeat)
	defer hb.Stop()

	for i, req := range reqs {
		out[i].Request = req
		o.emit(req.Seed, StageScope, StatusQueued, nil, 0)
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for i := range reqs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				out[i].Err = err
				o.emit(reqs[i].Seed, StageScope, StatusError, err, 0)
				return nil
			}
			res, err := o.Compile(ctx, src, reqs[i])
			if err == nil {
				err = o.Commit(src, res)
			}
			out[i].Result, out[i].Err = res, err
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, oc := range out {
		if oc.Err != nil {
			failed++
		}
	}
	span.WithInt("failed", failed).End("")
	return out
}

// Recompile rebuilds block without the speculations in excluded, on top
// of the ones the deopt manager has excluded for good, and commits the
// result. It is the recompilation entry point for the block manager.
func (o *Optimizer) Recompile(ctx context.Context, src profile.Source, u *ir.Unit, block ir.BlockID, excluded []deopt.Key) (*Result, error) {
	span, ctx := trace.StartJob(ctx, "recompile", ir.BlockSite(block))
	span.WithExtra("block", block.String())
	defer span.End("")

	res, err := o.Compile(ctx, src, Request{Unit: u, Seed: block, Excluded: excluded})
	if err != nil {
		return nil, err
	}
	if err := o.Commit(src, res); err != nil {
		return res, err
	}
	return res, nil
}

// RecompileFunc observes each request ServeRecompiles handled.
type RecompileFunc func(req deopt.RecompileRequest, res *Result, err error)

// ServeRecompiles handles recompilation requests from q until ctx is
// done. Stale results are requeued so the next round compiles against
// the fresh profile. done, when not nil, sees every attempt.
func (o *Optimizer) ServeRecompiles(ctx context.Context, src profile.Source, u *ir.Unit, q *deopt.Queue, done RecompileFunc) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.Ready():
		}
		reqs := q.Drain()
		for i, req := range reqs {
			if ctx.Err() != nil {
				for _, rest := range reqs[i:] {
					q.Request(rest)
				}
				return ctx.Err()
			}
			res, err := o.Recompile(ctx, src, u, req.Block, req.Excluded)
			if errors.Is(err, ErrStale) {
				q.Request(req)
			}
			if done != nil {
				done(req, res, err)
			}
		}
	}
}
