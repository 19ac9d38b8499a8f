package subchain

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition is returned when a job or subchain is asked to move
// to a state its current state doesn't lead to.
var ErrIllegalTransition = errors.New("illegal state transition")

// JobKind is the kind of a subchain job. The set of kinds is closed.
type JobKind uint8

const (
	// Scan walks the subchain forward from its progress to the filter tip.
	Scan JobKind = iota

	// Rescan scans queued ranges below the scan frontier again.
	Rescan

	// Process commits downloaded and matched blocks in position order.
	Process

	// Index keeps the pattern set of the subchain filled.
	Index

	// Mempool evaluates unconfirmed transactions.
	Mempool
)

// jobKinds are all job kinds in the order they run on a tick.
var jobKinds = []JobKind{Index, Scan, Rescan, Process, Mempool}

// reorgOrder is the order jobs handle a reorg in. Process rolls back the
// store first, a failed rollback leaves the other jobs untouched.
var reorgOrder = []JobKind{Process, Scan, Rescan, Index, Mempool}

// String returns a human readable version of the job kind.
func (k JobKind) String() string {
	switch k {
	case Scan:
		return "scan"
	case Rescan:
		return "rescan"
	case Process:
		return "process"
	case Index:
		return "index"
	case Mempool:
		return "mempool"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// JobState is the state of a single job.
type JobState uint8

const (
	// JobInit is the state of a job before its subchain started.
	JobInit JobState = iota

	// JobNormal is the state in which a job does work on a tick.
	JobNormal

	// JobReorg is the state of a job while a reorg is in progress.
	JobReorg

	// JobShutdown is terminal.
	JobShutdown
)

// String returns a human readable version of the job state.
func (s JobState) String() string {
	switch s {
	case JobInit:
		return "init"
	case JobNormal:
		return "normal"
	case JobReorg:
		return "reorg"
	case JobShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// jobTransitions lists the states each job state may move to. Every state
// except the terminal one may move to JobShutdown.
var jobTransitions = map[JobState][]JobState{
	JobInit:   {JobNormal, JobShutdown},
	JobNormal: {JobReorg, JobShutdown},
	JobReorg:  {JobNormal, JobShutdown},
}

// State is the lifecycle state of a subchain.
type State uint8

const (
	// Normal is the state in which the subchain scans.
	Normal State = iota

	// PreReorg is entered once the subchain stopped scanning for a reorg.
	PreReorg

	// Reorg is entered once the subchain rolled back. A failed rollback
	// also leaves the subchain here until the reorg is retried.
	Reorg

	// PostReorg is entered when the reorg finished for all subchains.
	PostReorg

	// PreShutdown stops new batches while in-flight work drains.
	PreShutdown

	// Shutdown is terminal.
	Shutdown
)

// String returns a human readable version of the state.
func (s State) String() string {
	switch s {
	case Normal:
		return "normal"
	case PreReorg:
		return "pre_reorg"
	case Reorg:
		return "reorg"
	case PostReorg:
		return "post_reorg"
	case PreShutdown:
		return "pre_shutdown"
	case Shutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// stateTransitions lists the states each subchain state may move to.
var stateTransitions = map[State][]State{
	Normal:      {PreReorg, PreShutdown},
	PreReorg:    {Reorg, PreShutdown},
	Reorg:       {Reorg, PostReorg, PreShutdown},
	PostReorg:   {Normal, PreShutdown},
	PreShutdown: {Shutdown},
}

func allowed[S comparable](table map[S][]S, from, to S) bool {
	for _, next := range table[from] {
		if next == to {
			return true
		}
	}

	return false
}

// Job is one job of a subchain. All jobs share the same state machine, what
// a job does on a tick or a reorg depends on its kind.
type Job struct {
	kind  JobKind
	state JobState
}

func newJob(kind JobKind) *Job {
	return &Job{
		kind:  kind,
		state: JobInit,
	}
}

// Kind returns the kind of the job.
func (j *Job) Kind() JobKind {
	return j.kind
}

// State returns the current state of the job.
func (j *Job) State() JobState {
	return j.state
}

// ChangeState moves the job to the given state. It returns false and leaves
// the state alone if the transition is not allowed.
func (j *Job) ChangeState(next JobState) bool {
	if !allowed(jobTransitions, j.state, next) {
		log.Debugf("Rejected %v job transition %v -> %v", j.kind,
			j.state, next)

		return false
	}

	j.state = next

	return true
}
