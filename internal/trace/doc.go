// Package trace records what the optimizer spends its time on.
//
// A batch of compile jobs can stall in one phase on a pathological unit.
// Tracing shows which seed and which phase without attaching a profiler.
//
// Every event belongs to a lane: the guest site of the seed block whose
// compilation emitted it. StartJob opens a lane; spans and marks started
// under it inherit the lane through the context. Batch-wide events use
// lane zero.
//
// Sinks:
//
//   - Nop drops everything and costs nothing
//   - Stream writes each event as it happens
//   - Ring keeps the last N events and can dump the lane of a failed job
//
// New builds a Stream, a Ring or both from a Config. Output formats are
// text, NDJSON and the Chrome trace event format; in Chrome output each
// lane is a thread, so Perfetto draws one track per seed.
//
// LevelPhase emits batch, job and phase spans. LevelDetail adds per-block
// marks such as individual speculation decisions.
//
//	ctx = trace.WithTracer(ctx, tracer)
//	job, ctx := trace.StartJob(ctx, "compile", seedSite)
//	defer job.End("")
//	sp, ctx := trace.Start(ctx, trace.ScopePhase, "sched")
//	defer sp.End("")
package trace
