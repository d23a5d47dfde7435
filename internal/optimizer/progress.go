package optimizer

import (
	"time"

	"hvjit/internal/ir"
)

// Stage describes an optimizer phase as seen by progress consumers.
type Stage string

const (
	StageScope     Stage = "scope"
	StageDepGraph  Stage = "depgraph"
	StageSched     Stage = "sched"
	StageSpeculate Stage = "speculate"
	StageSimplify  Stage = "simplify"
	StageCommit    Stage = "commit"
)

// Status captures progress state within a stage.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusWorking Status = "working"
	StatusDone    Status = "done"
	StatusError   Status = "error"
	// StatusStale marks a job whose result was discarded at commit.
	StatusStale Status = "stale"
)

// Event reports progress for one compile job.
type Event struct {
	Seed    ir.BlockID
	Stage   Stage
	Status  Status
	Err     error
	Elapsed time.Duration
}

// ProgressSink consumes progress events. OnEvent may be called from
// several workers at once.
type ProgressSink interface {
	OnEvent(Event)
}

// ChannelSink forwards events into a channel.
type ChannelSink struct {
	Ch chan<- Event
}

func (s ChannelSink) OnEvent(ev Event) {
	if s.Ch == nil {
		return
	}
	s.Ch <- ev
}

// ProgressFunc adapts a function to ProgressSink.
type ProgressFunc func(Event)

func (f ProgressFunc) OnEvent(ev Event) { f(ev) }

func (o *Optimizer) emit(seed ir.BlockID, stage Stage, status Status, err error, elapsed time.Duration) {
	if o.progress == nil {
		return
	}
	o.progress.OnEvent(Event{Seed: seed, Stage: stage, Status: status, Err: err, Elapsed: elapsed})
}
