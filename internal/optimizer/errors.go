package optimizer

import (
	"errors"
	"fmt"

	"hvjit/internal/diag"
	"hvjit/internal/ir"
)

// ErrStale is returned by Commit when the profile moved on too far while
// the job ran. The result is discarded; the caller resubmits.
var ErrStale = errors.New("optimizer: result is stale")

// JobError is a compile job that was aborted. The previously installed
// code for the seed stays in place. Diagnostics explain what went wrong.
type JobError struct {
	Seed        ir.BlockID
	Stage       Stage
	Err         error
	Diagnostics *diag.Bag
}

func (e *JobError) Error() string {
	return fmt.Sprintf("optimizer: compiling %s failed in %s: %v", e.Seed, e.Stage, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }
